// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

package sensorbuf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrFlushInProgress reports that a trigger fired while another flush was
// underway. The attempt is skipped, not queued; the next trigger catches any
// backlog.
var ErrFlushInProgress = errors.New("sensorbuf: flush already in progress")

// ErrNoTransport reports a flush attempt with no adapter configured. The
// fetched readings remain pending.
var ErrNoTransport = errors.New("sensorbuf: no transport adapter configured")

// ErrSchedulerRunning is returned by Start when the scheduler is already
// running.
var ErrSchedulerRunning = errors.New("sensorbuf: scheduler already running")

// Scheduler decides when to drain pending readings and hands batches to the
// transport adapter. It moves Stopped -> Running on Start and back on Stop;
// while running, an atomic in-flight flag serializes flush attempts so there
// is never more than one flush in flight per instance.
type Scheduler struct {
	buffer    *Buffer
	transport Transport
	config    *Config
	logger    *slog.Logger

	running  int32
	flushing int32
	startMu  sync.Mutex // serializes Start/Stop so cancel/done are never torn
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.Mutex
	listeners []FlushListener
}

// NewScheduler wires a Scheduler over a buffer and a transport adapter. The
// adapter may be nil; flushes then fail without losing data until one is set.
func NewScheduler(buffer *Buffer, transport Transport, config *Config, logger *slog.Logger) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		buffer:    buffer,
		transport: transport,
		config:    config,
		logger:    logger,
	}
}

// AddListener registers a flush-event listener. Listener panics are recovered
// and never affect the flush result or the other listeners.
func (s *Scheduler) AddListener(l FlushListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Start launches the periodic interval trigger. It returns
// ErrSchedulerRunning if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrSchedulerRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.intervalLoop(loopCtx)
	s.logger.Info("flush scheduler started", "interval", s.config.FlushInterval)
	return nil
}

// Stop halts future triggers. It does not abort an in-flight flush; callers
// wanting a clean shutdown should Flush manually first, then Stop.
func (s *Scheduler) Stop() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("flush scheduler stopped")
}

// Running reports whether the interval loop is active.
func (s *Scheduler) Running() bool {
	return atomic.LoadInt32(&s.running) == 1
}

func (s *Scheduler) intervalLoop(ctx context.Context) {
	defer close(s.done)
	for {
		if err := sleepWithContext(ctx, s.config.FlushInterval); err != nil {
			return
		}
		// Detach from the loop context so cancelling future triggers never
		// aborts a flush that already began.
		if _, err := s.performFlush(context.WithoutCancel(ctx), TriggerInterval); err != nil &&
			!errors.Is(err, ErrFlushInProgress) {
			s.logger.Warn("interval flush failed", "error", err)
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckAndFlush evaluates the synchronous triggers, typically right after an
// insert: batch size first, then max age. It returns the resulting flush
// event, or nil when no trigger fired.
func (s *Scheduler) CheckAndFlush(ctx context.Context) (*FlushEvent, error) {
	count, oldest, err := s.buffer.PendingStats(ctx)
	if err != nil {
		return nil, err
	}
	var trigger Trigger
	switch {
	case s.config.BatchSizeThreshold > 0 && count >= int64(s.config.BatchSizeThreshold):
		trigger = TriggerBatchSize
	case s.config.MaxAge > 0 && oldest != nil && time.Since(*oldest) > s.config.MaxAge:
		trigger = TriggerMaxAge
	default:
		return nil, nil
	}
	ev, err := s.performFlush(ctx, trigger)
	if errors.Is(err, ErrFlushInProgress) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// NotifyLifecycle flushes opportunistically when the host application leaves
// the foreground. Best-effort: the process may be terminated before the
// flush completes.
func (s *Scheduler) NotifyLifecycle(ctx context.Context, state LifecycleState) (*FlushEvent, error) {
	if !s.config.EnableLifecycleFlush {
		return nil, nil
	}
	if state != LifecycleBackground && state != LifecycleInactive {
		return nil, nil
	}
	ev, err := s.performFlush(ctx, TriggerLifecycle)
	if errors.Is(err, ErrFlushInProgress) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// Flush runs a manual flush, used for shutdown-time draining.
func (s *Scheduler) Flush(ctx context.Context) (FlushEvent, error) {
	return s.performFlush(ctx, TriggerManual)
}

// performFlush is the single entry point every trigger funnels into. Exactly
// one flush proceeds at a time; concurrent attempts get ErrFlushInProgress.
//
// Failure semantics: transport failure leaves all fetched rows pending (no
// partial acknowledgment); the next trigger retries the accumulated backlog.
func (s *Scheduler) performFlush(ctx context.Context, trigger Trigger) (FlushEvent, error) {
	if !atomic.CompareAndSwapInt32(&s.flushing, 0, 1) {
		return FlushEvent{}, ErrFlushInProgress
	}
	defer atomic.StoreInt32(&s.flushing, 0)

	ev := FlushEvent{Trigger: trigger, Timestamp: time.Now()}

	readings, err := s.buffer.PendingReadings(ctx, 0)
	if err != nil {
		ev.Err = fmt.Errorf("failed to fetch pending readings: %w", err)
		s.emit(ev)
		return ev, nil
	}
	ev.ReadingCount = len(readings)

	if len(readings) == 0 {
		ev.Success = true
		s.emit(ev)
		return ev, nil
	}
	if s.transport == nil {
		ev.Err = ErrNoTransport
		s.emit(ev)
		return ev, nil
	}

	if _, err := s.transport.SendBatch(ctx, readings); err != nil {
		ev.Err = fmt.Errorf("transport failed: %w", err)
		s.logger.Warn("flush delivery failed, readings remain pending",
			"trigger", trigger, "count", len(readings), "error", err)
		s.emit(ev)
		return ev, nil
	}

	ids := make([]int64, len(readings))
	for i := range readings {
		ids[i] = readings[i].ID
	}
	if err := s.buffer.MarkFlushed(ctx, ids); err != nil {
		// Delivery succeeded but the acknowledgment did not stick; the rows
		// will be redelivered and the adapter's idempotency must absorb it.
		ev.Err = fmt.Errorf("failed to mark readings flushed: %w", err)
		s.logger.Error("failed to acknowledge delivered readings",
			"count", len(ids), "error", err)
		s.emit(ev)
		return ev, nil
	}

	ev.Success = true
	s.logger.Debug("flush complete", "trigger", trigger, "count", len(readings))
	s.emit(ev)
	return ev, nil
}

func (s *Scheduler) emit(ev FlushEvent) {
	s.mu.Lock()
	listeners := make([]FlushListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Warn("flush listener panicked", "panic", r)
				}
			}()
			l(ev)
		}()
	}
}
