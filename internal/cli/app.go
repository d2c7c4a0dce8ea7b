// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cgb808/zenglow-sensorbuf/fieldcrypt"
	"github.com/cgb808/zenglow-sensorbuf/internal/config"
	"github.com/cgb808/zenglow-sensorbuf/internal/devauth"
	"github.com/cgb808/zenglow-sensorbuf/sensorbuf"
	"github.com/cgb808/zenglow-sensorbuf/transport"
)

// app is the composition root: it owns the store, the encryption manager, the
// buffer facade, the scheduler, and the configured transport adapter.
type app struct {
	cfg       *config.Config
	bufCfg    *sensorbuf.Config
	logger    *slog.Logger
	db        *sql.DB
	store     *sensorbuf.Store
	manager   *fieldcrypt.Manager
	buffer    *sensorbuf.Buffer
	scheduler *sensorbuf.Scheduler
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newApp wires the subsystem. withTransport controls whether the configured
// adapter is built; maintenance commands (stats, migrate, rotate-key, purge)
// run without one.
func newApp(ctx context.Context, opts *RootOptions, withTransport bool) (*app, error) {
	logger := newLogger(opts.Verbose)
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	bufCfg := cfg.BufferConfig()

	db, err := sql.Open("sqlite3", cfg.DatabaseName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DatabaseName, err)
	}
	a := &app{cfg: cfg, bufCfg: bufCfg, logger: logger, db: db}
	a.closers = append(a.closers, func() { _ = db.Close() })

	a.store, err = sensorbuf.NewStore(db, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.DeviceSecret == "" {
		a.Close()
		return nil, fmt.Errorf("device secret is required (set SENSORBUF_DEVICE_SECRET)")
	}
	keystore, err := fieldcrypt.NewFileKeystore(cfg.KeystoreDir, []byte(cfg.DeviceSecret))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager = fieldcrypt.NewManager(keystore, bufCfg.KeyRotationInterval, logger)
	if err := a.manager.EnsureKey(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize encryption: %w", err)
	}
	// Resume any rotation a previous process was killed in the middle of.
	if err := a.manager.Recover(ctx, a.store); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to recover interrupted key rotation: %w", err)
	}

	a.buffer = sensorbuf.NewBuffer(a.store, a.manager, bufCfg, logger)

	var adapter sensorbuf.Transport
	if withTransport {
		adapter, err = a.buildTransport(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.scheduler = sensorbuf.NewScheduler(a.buffer, adapter, bufCfg, logger)
	return a, nil
}

func (a *app) buildTransport(ctx context.Context) (sensorbuf.Transport, error) {
	tc := a.cfg.Transport
	switch tc.Kind {
	case "", "mock":
		return transport.NewMockAdapter(), nil

	case "http":
		var token transport.TokenFunc
		if tc.HTTP.TokenSecret != "" {
			ttl := 15 * time.Minute
			if tc.HTTP.TokenTTLMs > 0 {
				ttl = time.Duration(tc.HTTP.TokenTTLMs) * time.Millisecond
			}
			auth := devauth.NewDeviceAuth(tc.HTTP.TokenSecret)
			token = auth.TokenFunc(tc.HTTP.AccountID, tc.HTTP.DeviceID, ttl)
		}
		return transport.NewHTTPAdapter(tc.HTTP.BaseURL, token, a.logger), nil

	case "postgres":
		pool, err := pgxpool.New(ctx, tc.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to backend: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		return transport.NewManagedBackendAdapter(pool, tc.Postgres.DeviceID, tc.Postgres.Table, a.logger), nil

	case "mqtt":
		adapter, err := transport.NewMQTTAdapter(
			tc.MQTT.BrokerURL, tc.MQTT.ClientID, tc.MQTT.Username, tc.MQTT.Password,
			tc.MQTT.TopicPrefix, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, adapter.Close)
		return adapter, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     tc.Redis.Addr,
			Password: tc.Redis.Password,
			DB:       tc.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		return transport.NewRedisStreamAdapter(client, tc.Redis.Stream, a.logger), nil

	default:
		return nil, fmt.Errorf("unknown transport kind %q", tc.Kind)
	}
}
