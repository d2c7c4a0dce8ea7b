// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the delivery adapters the flush scheduler hands
// batches to: an HTTP collector endpoint, direct managed-backend row inserts,
// an MQTT broker, a Redis ingest stream, and an in-memory mock. Every adapter
// satisfies sensorbuf.Transport and follows its contract: an empty batch is
// trivially successful with no I/O, the input is never mutated, and every
// internal failure is returned as an error rather than panicked.
package transport

import (
	"github.com/cgb808/zenglow-sensorbuf/sensorbuf"
)

// wireReading is the post-decryption delivery shape shared by the adapters.
type wireReading struct {
	SubjectID  string  `json:"subject_id"`
	SensorType string  `json:"sensor_type"`
	Value      float64 `json:"value"`
	Quality    int     `json:"quality"`
	Timestamp  int64   `json:"timestamp"` // epoch millis
}

func toWire(readings []sensorbuf.Reading) []wireReading {
	out := make([]wireReading, len(readings))
	for i, r := range readings {
		out[i] = wireReading{
			SubjectID:  r.SubjectID,
			SensorType: r.SensorKind,
			Value:      r.Value,
			Quality:    r.Quality,
			Timestamp:  r.Timestamp.UnixMilli(),
		}
	}
	return out
}
