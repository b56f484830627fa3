package api

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/rental-engine/rental"
)

type fakeSweeper struct {
	calls atomic.Int32
	block chan struct{}
	err   error
}

func (f *fakeSweeper) Sweep(ctx context.Context) (rental.SweepResult, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return rental.SweepResult{DueSoon: 2, Overdue: 1}, f.err
}

type fakeObserver struct {
	mu      sync.Mutex
	dueSoon int
	overdue int
	runs    int
}

func (f *fakeObserver) ObserveSweep(dueSoon, overdue int, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dueSoon += dueSoon
	f.overdue += overdue
	f.runs++
}

func TestSweepScheduler_RunNowRecordsResult(t *testing.T) {
	sweeper := &fakeSweeper{}
	observer := &fakeObserver{}
	s := NewSweepScheduler(sweeper, observer, "0 0 * * * *")

	s.RunNow()

	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Equal(t, 1, observer.runs)
	assert.Equal(t, 2, observer.dueSoon)
	assert.Equal(t, 1, observer.overdue)
}

func TestSweepScheduler_FailedSweepIsNotObserved(t *testing.T) {
	sweeper := &fakeSweeper{err: errors.New("store down")}
	observer := &fakeObserver{}

	NewSweepScheduler(sweeper, observer, "@hourly").RunNow()

	assert.Equal(t, int32(1), sweeper.calls.Load())
	assert.Equal(t, 0, observer.runs)
}

func TestSweepScheduler_SkipsOverlappingRuns(t *testing.T) {
	// GIVEN: A sweep that is still running
	sweeper := &fakeSweeper{block: make(chan struct{})}
	s := NewSweepScheduler(sweeper, nil, "@hourly")
	done := make(chan struct{})
	go func() {
		s.RunNow()
		close(done)
	}()
	require.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// WHEN: Another run is triggered
	s.RunNow()

	// THEN: It is skipped
	assert.Equal(t, int32(1), sweeper.calls.Load())
	close(sweeper.block)
	<-done
}

func TestSweepScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewSweepScheduler(sweeper, nil, "0 0 0 1 1 *")

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return sweeper.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.NextRunTime().IsZero())

	s.Stop()
	assert.True(t, s.NextRunTime().IsZero())
	s.Stop()
}

func TestSweepScheduler_InvalidSpec(t *testing.T) {
	s := NewSweepScheduler(&fakeSweeper{}, nil, "every now and then")

	assert.Error(t, s.Start())
}

func TestSweepScheduler_Disabled(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := NewSweepScheduler(sweeper, nil, "* * * * * *")
	s.Enabled = false

	require.NoError(t, s.Start())
	s.Stop()

	assert.Equal(t, int32(0), sweeper.calls.Load())
}
