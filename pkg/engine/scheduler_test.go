package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doneRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
	ch       chan struct{}
}

func newDoneRecorder() *doneRecorder {
	return &doneRecorder{ch: make(chan struct{}, 16)}
}

func (d *doneRecorder) done(outcome Outcome, err error) {
	d.mu.Lock()
	d.outcomes = append(d.outcomes, outcome)
	d.mu.Unlock()
	d.ch <- struct{}{}
}

func (d *doneRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-d.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func (d *doneRecorder) all() []Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Outcome(nil), d.outcomes...)
}

func (d *doneRecorder) last() Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outcomes[len(d.outcomes)-1]
}

func TestSchedulerOneTaskPerPlan(t *testing.T) {
	s := NewScheduler(2, zerolog.Nop())
	rec := newDoneRecorder()
	release := make(chan struct{})

	run := func(ctx context.Context) (Outcome, error) {
		<-release
		return OutcomeFinished, nil
	}

	require.True(t, s.Launch(context.Background(), "plan-1", run, rec.done))
	assert.False(t, s.Launch(context.Background(), "plan-1", run, rec.done))
	assert.True(t, s.Active("plan-1"))

	close(release)
	rec.wait(t)
	assert.Equal(t, OutcomeFinished, rec.last())
	assert.False(t, s.Active("plan-1"))
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerCancelledTaskBlocksSuccessor(t *testing.T) {
	s := NewScheduler(2, zerolog.Nop())
	rec := newDoneRecorder()

	var running int32
	var overlap int32
	unwind := make(chan struct{})

	first := func(ctx context.Context) (Outcome, error) {
		atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		<-ctx.Done()
		<-unwind
		return OutcomeWaiting, nil
	}
	second := func(ctx context.Context) (Outcome, error) {
		if atomic.AddInt32(&running, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		defer atomic.AddInt32(&running, -1)
		return OutcomeFinished, nil
	}

	require.True(t, s.Launch(context.Background(), "plan-1", first, rec.done))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 1 }, time.Second, time.Millisecond)

	s.Cancel("plan-1")
	assert.False(t, s.Active("plan-1"))
	require.True(t, s.Launch(context.Background(), "plan-1", second, rec.done))

	close(unwind)
	rec.wait(t)
	rec.wait(t)
	assert.Equal(t, []Outcome{OutcomeCancelled, OutcomeFinished}, rec.all(), "the successor starts after the cancelled task reported")
	assert.Zero(t, atomic.LoadInt32(&overlap), "two tasks of one plan ran at once")
}

func TestSchedulerRerunAfterWaiting(t *testing.T) {
	s := NewScheduler(1, zerolog.Nop())
	rec := newDoneRecorder()

	var runs int32
	suspended := make(chan struct{})
	proceed := make(chan struct{})

	run := func(ctx context.Context) (Outcome, error) {
		if atomic.AddInt32(&runs, 1) == 1 {
			close(suspended)
			<-proceed
			return OutcomeWaiting, nil
		}
		return OutcomeFinished, nil
	}

	require.True(t, s.Launch(context.Background(), "plan-1", run, rec.done))
	<-suspended
	assert.True(t, s.Rerun("plan-1"))
	close(proceed)

	rec.wait(t)
	assert.Equal(t, OutcomeFinished, rec.last())
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
	assert.False(t, s.Rerun("plan-1"))
}

func TestSchedulerRestartOutcomeLoops(t *testing.T) {
	s := NewScheduler(1, zerolog.Nop())
	rec := newDoneRecorder()

	var runs int32
	run := func(ctx context.Context) (Outcome, error) {
		if atomic.AddInt32(&runs, 1) < 3 {
			return outcomeRestart, nil
		}
		return OutcomeFinished, nil
	}

	require.True(t, s.Launch(context.Background(), "plan-1", run, rec.done))
	rec.wait(t)
	assert.Equal(t, int32(3), atomic.LoadInt32(&runs))
}

func TestSchedulerShutdown(t *testing.T) {
	s := NewScheduler(4, zerolog.Nop())
	rec := newDoneRecorder()

	for _, id := range []string{"plan-1", "plan-2", "plan-3"} {
		require.True(t, s.Launch(context.Background(), id, func(ctx context.Context) (Outcome, error) {
			<-ctx.Done()
			return OutcomeCancelled, nil
		}, rec.done))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, 0, s.Len())
}
