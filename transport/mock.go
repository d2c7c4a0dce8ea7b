// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/cgb808/zenglow-sensorbuf/sensorbuf"
)

// MockAdapter records every batch it receives and can be scripted to fail.
// It backs tests and local development without a collector.
type MockAdapter struct {
	mu      sync.Mutex
	batches [][]sensorbuf.Reading
	failErr error
	failN   int
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

// FailWith makes the next n SendBatch calls fail with err. n <= 0 fails
// every call until reset with FailWith(nil, 0).
func (m *MockAdapter) FailWith(err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
	m.failN = n
}

func (m *MockAdapter) SendBatch(_ context.Context, readings []sensorbuf.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		err := m.failErr
		if m.failN > 0 {
			m.failN--
			if m.failN == 0 {
				m.failErr = nil
			}
		}
		return 0, err
	}

	batch := make([]sensorbuf.Reading, len(readings))
	copy(batch, readings)
	m.batches = append(m.batches, batch)
	return len(batch), nil
}

// Batches returns a copy of every recorded batch.
func (m *MockAdapter) Batches() [][]sensorbuf.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]sensorbuf.Reading, len(m.batches))
	copy(out, m.batches)
	return out
}

// Total returns the number of readings delivered across all batches.
func (m *MockAdapter) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}
