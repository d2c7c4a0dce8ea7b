// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/cgb808/zenglow-sensorbuf/sensorbuf"
)

// readingsPath is the collector endpoint batches are posted to.
const readingsPath = "/v1/readings"

// TokenFunc supplies the bearer token attached to collector requests.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPAdapter posts JSON batches to a remote collector endpoint. Any non-2xx
// response or network failure is mapped to an error with the rows left
// pending on the caller's side.
type HTTPAdapter struct {
	client *resty.Client
	token  TokenFunc
	logger *slog.Logger
}

// NewHTTPAdapter builds an adapter for the collector at baseURL. token may be
// nil for collectors that authenticate at the channel level.
func NewHTTPAdapter(baseURL string, token TokenFunc, logger *slog.Logger) *HTTPAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPAdapter{client: client, token: token, logger: logger}
}

func (a *HTTPAdapter) SendBatch(ctx context.Context, readings []sensorbuf.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	req := a.client.R().SetContext(ctx).SetBody(toWire(readings))
	if a.token != nil {
		token, err := a.token(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to get collector token: %w", err)
		}
		req.SetHeader("Authorization", "Bearer "+token)
	}

	resp, err := req.Post(readingsPath)
	if err != nil {
		return 0, fmt.Errorf("failed to post reading batch: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("collector returned status %d: %s", resp.StatusCode(), resp.String())
	}

	a.logger.Debug("posted reading batch", "count", len(readings), "status", resp.StatusCode())
	return len(readings), nil
}
