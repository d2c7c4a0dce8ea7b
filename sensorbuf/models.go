// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package sensorbuf

import (
	"context"
	"time"
)

// Reading is one sensor observation owned by a subject partition.
//
// Value and Quality are the plaintext forms; when Encrypted is true the
// authoritative representation is ValueCipher/QualityCipher and the plaintext
// fields are only populated transiently after a successful decrypt.
type Reading struct {
	ID         int64     // store-assigned, zero before first persist
	SubjectID  string    // owning entity (e.g. one monitored child)
	SensorKind string    // open enumeration: "heart_rate", "stress_level", ...
	Value      float64   // sensitive
	Quality    int       // sensitive, confidence 0..100
	Timestamp  time.Time // capture time; store-assigned at insert if zero
	Flushed    bool      // false until a delivery is acknowledged
	Encrypted  bool      // true once sensitive fields are ciphertext at rest

	// Ciphertext forms of the sensitive fields. Populated when Encrypted,
	// and left in place on a failed decrypt so a bad row never aborts a read.
	ValueCipher   string
	QualityCipher string
}

// ReadingInput is the producer-facing shape accepted by the buffer facade.
// Timestamp is optional; the store assigns insert time when it is zero.
type ReadingInput struct {
	SensorKind string
	Value      float64
	Quality    int
	Timestamp  time.Time
}

// StoreStats is a read-only aggregate over the whole store. Oldest/Newest are
// nil when the store is empty.
type StoreStats struct {
	Total   int64
	Pending int64
	Flushed int64
	Oldest  *time.Time
	Newest  *time.Time
}

// Trigger identifies which condition initiated a flush attempt.
type Trigger string

const (
	TriggerInterval  Trigger = "interval"
	TriggerBatchSize Trigger = "batch_size"
	TriggerMaxAge    Trigger = "max_age"
	TriggerLifecycle Trigger = "lifecycle"
	TriggerManual    Trigger = "manual"
)

// LifecycleState mirrors the host application lifecycle transitions the
// scheduler reacts to. Only transitions away from the foreground flush.
type LifecycleState string

const (
	LifecycleActive     LifecycleState = "active"
	LifecycleInactive   LifecycleState = "inactive"
	LifecycleBackground LifecycleState = "background"
)

// FlushEvent is the ephemeral record of one delivery attempt, surfaced to
// listeners for observability. It is not persisted.
type FlushEvent struct {
	Trigger      Trigger
	ReadingCount int
	Success      bool
	Err          error
	Timestamp    time.Time
}

// FlushListener receives flush events. Listener panics are recovered by the
// scheduler and never affect the flush result or other listeners.
type FlushListener func(FlushEvent)

// Transport delivers one batch of decrypted readings to a remote collector.
// Implementations live in the transport package; the scheduler depends only on
// this interface.
//
// Contract: an empty batch is trivially successful with no I/O; the input
// slice is never mutated; every internal failure (network, auth,
// serialization) is returned as an error, never panicked.
type Transport interface {
	SendBatch(ctx context.Context, readings []Reading) (flushed int, err error)
}
