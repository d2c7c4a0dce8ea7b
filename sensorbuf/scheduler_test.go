package sensorbuf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingAdapter is the in-package test double; the exported mock lives in
// the transport package.
type recordingAdapter struct {
	mu      sync.Mutex
	batches [][]Reading
	err     error
	block   chan struct{} // when set, SendBatch waits until it is closed
	entered chan struct{} // signalled when SendBatch begins
}

func (a *recordingAdapter) SendBatch(_ context.Context, readings []Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	if a.entered != nil {
		a.entered <- struct{}{}
	}
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	batch := make([]Reading, len(readings))
	copy(batch, readings)
	a.batches = append(a.batches, batch)
	return len(batch), nil
}

func (a *recordingAdapter) allBatches() [][]Reading {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]Reading, len(a.batches))
	copy(out, a.batches)
	return out
}

func newTestScheduler(t *testing.T, cfg *Config, adapter Transport) (*Scheduler, *Buffer) {
	t.Helper()
	buf := newTestBuffer(t, cfg)
	return NewScheduler(buf, adapter, cfg, nil), buf
}

func TestManualFlushScenario(t *testing.T) {
	adapter := &recordingAdapter{}
	sched, buf := newTestScheduler(t, nil, adapter)
	ctx := context.Background()

	var events []FlushEvent
	sched.AddListener(func(ev FlushEvent) { events = append(events, ev) })

	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 72, Quality: 90, Timestamp: time.UnixMilli(1000),
	}))
	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 75, Quality: 85, Timestamp: time.UnixMilli(2000),
	}))

	ev, err := sched.Flush(ctx)
	require.NoError(t, err)
	require.True(t, ev.Success)
	require.Equal(t, TriggerManual, ev.Trigger)
	require.Equal(t, 2, ev.ReadingCount)

	require.Len(t, events, 1)
	require.Equal(t, ev.Trigger, events[0].Trigger)

	batches := adapter.allBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 2)
	// Ascending timestamp order, decrypted values.
	require.Equal(t, 72.0, batches[0][0].Value)
	require.Equal(t, 90, batches[0][0].Quality)
	require.Equal(t, 75.0, batches[0][1].Value)
	require.Less(t, batches[0][0].ID, batches[0][1].ID)

	pending, err := buf.PendingReadings(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestBatchSizeTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSizeThreshold = 10
	adapter := &recordingAdapter{}
	sched, buf := newTestScheduler(t, cfg, adapter)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
			SensorKind: "heart_rate", Value: float64(70 + i), Quality: 90,
		}))
		ev, err := sched.CheckAndFlush(ctx)
		require.NoError(t, err)
		require.Nil(t, ev, "no flush below the threshold")
	}

	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 79, Quality: 90,
	}))
	ev, err := sched.CheckAndFlush(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, TriggerBatchSize, ev.Trigger)
	require.True(t, ev.Success)
	require.Equal(t, 10, ev.ReadingCount)
	require.Len(t, adapter.allBatches(), 1)
}

func TestMaxAgeTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSizeThreshold = 100
	cfg.MaxAge = time.Second
	adapter := &recordingAdapter{}
	sched, buf := newTestScheduler(t, cfg, adapter)
	ctx := context.Background()

	// A 200ms-old reading does not fire.
	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 72, Quality: 90,
		Timestamp: time.Now().Add(-200 * time.Millisecond),
	}))
	ev, err := sched.CheckAndFlush(ctx)
	require.NoError(t, err)
	require.Nil(t, ev)

	// Make the oldest pending reading older than the threshold.
	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 71, Quality: 90,
		Timestamp: time.Now().Add(-2 * time.Second),
	}))
	ev, err = sched.CheckAndFlush(ctx)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, TriggerMaxAge, ev.Trigger)
	require.True(t, ev.Success)
	require.Equal(t, 2, ev.ReadingCount)
}

func TestTransportFailurePreservesData(t *testing.T) {
	adapter := &recordingAdapter{err: errors.New("collector unreachable")}
	sched, buf := newTestScheduler(t, nil, adapter)
	ctx := context.Background()

	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 72, Quality: 90,
	}))
	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 75, Quality: 85,
	}))

	before, err := buf.PendingReadings(ctx, 0)
	require.NoError(t, err)

	ev, err := sched.Flush(ctx)
	require.NoError(t, err)
	require.False(t, ev.Success)
	require.Error(t, ev.Err)
	require.Equal(t, 2, ev.ReadingCount)

	// The same rows are still pending; the next trigger retries them.
	after, err := buf.PendingReadings(ctx, 0)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].ID, after[i].ID)
	}

	adapter.mu.Lock()
	adapter.err = nil
	adapter.mu.Unlock()
	ev, err = sched.Flush(ctx)
	require.NoError(t, err)
	require.True(t, ev.Success)
	require.Equal(t, 2, ev.ReadingCount)
}

func TestNoTransportFailsWithoutDataLoss(t *testing.T) {
	sched, buf := newTestScheduler(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 72, Quality: 90,
	}))

	ev, err := sched.Flush(ctx)
	require.NoError(t, err)
	require.False(t, ev.Success)
	require.ErrorIs(t, ev.Err, ErrNoTransport)

	pending, err := buf.PendingReadings(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestEmptyFlushSucceedsWithZeroCount(t *testing.T) {
	adapter := &recordingAdapter{}
	sched, _ := newTestScheduler(t, nil, adapter)

	ev, err := sched.Flush(context.Background())
	require.NoError(t, err)
	require.True(t, ev.Success)
	require.Zero(t, ev.ReadingCount)
	require.Empty(t, adapter.allBatches(), "empty batch must not reach the adapter")
}

func TestListenerPanicIsolated(t *testing.T) {
	adapter := &recordingAdapter{}
	sched, buf := newTestScheduler(t, nil, adapter)
	ctx := context.Background()

	var secondCalled bool
	sched.AddListener(func(FlushEvent) { panic("listener bug") })
	sched.AddListener(func(FlushEvent) { secondCalled = true })

	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 72, Quality: 90,
	}))

	ev, err := sched.Flush(ctx)
	require.NoError(t, err)
	require.True(t, ev.Success)
	require.True(t, secondCalled)
}

func TestConcurrentFlushSkipped(t *testing.T) {
	adapter := &recordingAdapter{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	sched, buf := newTestScheduler(t, nil, adapter)
	ctx := context.Background()

	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 72, Quality: 90,
	}))

	done := make(chan FlushEvent, 1)
	go func() {
		ev, _ := sched.Flush(ctx)
		done <- ev
	}()
	<-adapter.entered // first flush is now inside the adapter

	_, err := sched.Flush(ctx)
	require.ErrorIs(t, err, ErrFlushInProgress)

	close(adapter.block)
	ev := <-done
	require.True(t, ev.Success)
}

func TestLifecycleTrigger(t *testing.T) {
	cfg := DefaultConfig()
	adapter := &recordingAdapter{}
	sched, buf := newTestScheduler(t, cfg, adapter)
	ctx := context.Background()

	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 72, Quality: 90,
	}))

	// Foreground transitions never flush.
	ev, err := sched.NotifyLifecycle(ctx, LifecycleActive)
	require.NoError(t, err)
	require.Nil(t, ev)

	ev, err = sched.NotifyLifecycle(ctx, LifecycleBackground)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.Equal(t, TriggerLifecycle, ev.Trigger)
	require.True(t, ev.Success)

	// Disabled by config.
	cfg2 := DefaultConfig()
	cfg2.EnableLifecycleFlush = false
	sched2, buf2 := newTestScheduler(t, cfg2, adapter)
	require.NoError(t, buf2.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 72, Quality: 90,
	}))
	ev, err = sched2.NotifyLifecycle(ctx, LifecycleBackground)
	require.NoError(t, err)
	require.Nil(t, ev)
}

func TestIntervalTriggerFlushes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	adapter := &recordingAdapter{}
	sched, buf := newTestScheduler(t, cfg, adapter)
	ctx := context.Background()

	require.NoError(t, buf.InsertReading(ctx, "child-1", ReadingInput{
		SensorKind: "heart_rate", Value: 72, Quality: 90,
	}))

	require.NoError(t, sched.Start(ctx))
	require.ErrorIs(t, sched.Start(ctx), ErrSchedulerRunning)
	defer sched.Stop()

	require.Eventually(t, func() bool {
		pending, err := buf.PendingReadings(ctx, 0)
		return err == nil && len(pending) == 0
	}, time.Second, 10*time.Millisecond)

	sched.Stop()
	require.False(t, sched.Running())
}

func TestStartStopRestartCycles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushInterval = 5 * time.Millisecond
	adapter := &recordingAdapter{}
	sched, _ := newTestScheduler(t, cfg, adapter)
	ctx := context.Background()

	// Sequential restart reuses the scheduler cleanly.
	for i := 0; i < 3; i++ {
		require.NoError(t, sched.Start(ctx))
		require.True(t, sched.Running())
		sched.Stop()
		require.False(t, sched.Running())
	}

	// Start racing a draining Stop must never tear the loop handles; every
	// Start either wins cleanly or reports the scheduler as already running.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := sched.Start(ctx); err != nil {
					require.ErrorIs(t, err, ErrSchedulerRunning)
				}
				sched.Stop()
			}
		}()
	}
	wg.Wait()

	sched.Stop()
	require.False(t, sched.Running())
}
