// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cgb808/zenglow-sensorbuf/sensorbuf"
)

// MQTTAdapter publishes reading batches to an MQTT broker, one message per
// subject on <topicPrefix>/<subject_id>/readings at QoS 1.
type MQTTAdapter struct {
	client      mqtt.Client
	topicPrefix string
	logger      *slog.Logger
}

// NewMQTTAdapter connects to the broker and returns the adapter.
func NewMQTTAdapter(brokerURL, clientID, username, password, topicPrefix string, logger *slog.Logger) (*MQTTAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return &MQTTAdapter{client: client, topicPrefix: topicPrefix, logger: logger}, nil
}

// Close disconnects from the broker.
func (a *MQTTAdapter) Close() {
	a.client.Disconnect(250)
}

func (a *MQTTAdapter) SendBatch(ctx context.Context, readings []sensorbuf.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	// Group by subject so each partition lands on its own topic.
	bySubject := make(map[string][]wireReading)
	for _, w := range toWire(readings) {
		bySubject[w.SubjectID] = append(bySubject[w.SubjectID], w)
	}

	for subject, batch := range bySubject {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("publish cancelled: %w", err)
		}
		payload, err := json.Marshal(batch)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize batch for %s: %w", subject, err)
		}
		topic := fmt.Sprintf("%s/%s/readings", a.topicPrefix, subject)
		token := a.client.Publish(topic, 1, false, payload)
		token.Wait()
		if token.Error() != nil {
			return 0, fmt.Errorf("failed to publish to %s: %w", topic, token.Error())
		}
	}

	a.logger.Debug("published reading batches", "count", len(readings), "subjects", len(bySubject))
	return len(readings), nil
}
