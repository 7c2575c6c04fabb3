package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// RunFunc processes a plan until it finishes, waits or is cancelled.
type RunFunc func(ctx context.Context) (Outcome, error)

// DoneFunc is called once a task has left the scheduler.
type DoneFunc func(outcome Outcome, err error)

// Scheduler runs plan tasks on a bounded pool of workers and guarantees at
// most one live task per plan id.
type Scheduler struct {
	// mu protects tasks and the per-task flags
	mu sync.Mutex

	// tasks maps plan ids to their current task
	tasks map[string]*task

	// slots bounds the number of concurrently running tasks
	slots chan struct{}

	wg     sync.WaitGroup
	logger zerolog.Logger
}

type task struct {
	planID    string
	cancel    context.CancelFunc
	cancelled bool
	rerun     bool
	done      chan struct{}
}

// NewScheduler creates a scheduler with maxParallel workers.
func NewScheduler(maxParallel int, logger zerolog.Logger) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Scheduler{
		tasks:  make(map[string]*task),
		slots:  make(chan struct{}, maxParallel),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Launch starts run for planID and returns true, or returns false if the plan
// already has a live task. A task that was cancelled but has not exited yet
// is waited for before run begins.
//
// The task keeps the values of parent but not its cancellation.
func (s *Scheduler) Launch(parent context.Context, planID string, run RunFunc, done DoneFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.tasks[planID]
	if prev != nil && !prev.cancelled {
		return false
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	t := &task{
		planID: planID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[planID] = t

	s.wg.Add(1)
	go s.execute(ctx, t, prev, run, done)

	return true
}

// Rerun asks the live task of planID to run again once it would otherwise
// stop waiting. It returns false if there is no live task.
func (s *Scheduler) Rerun(planID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tasks[planID]
	if t == nil || t.cancelled {
		return false
	}
	t.rerun = true
	return true
}

// Cancel cooperatively stops the live task of planID.
func (s *Scheduler) Cancel(planID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.tasks[planID]; t != nil && !t.cancelled {
		t.cancelled = true
		t.cancel()
	}
}

// Active reports whether planID has a live task.
func (s *Scheduler) Active(planID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tasks[planID]
	return t != nil && !t.cancelled
}

// Len returns the number of tasks, including cancelled ones still unwinding.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown cancels every task and waits for them to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, t := range s.tasks {
		t.cancelled = true
		t.cancel()
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task, prev *task, run RunFunc, done DoneFunc) {
	defer s.wg.Done()
	defer close(t.done)
	defer t.cancel()

	if prev != nil {
		<-prev.done
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.leave(t)
		if done != nil {
			done(OutcomeCancelled, nil)
		}
		return
	}
	defer func() { <-s.slots }()

	for {
		outcome, err := run(ctx)
		if err == nil && outcome == outcomeRestart && ctx.Err() == nil {
			continue
		}

		s.mu.Lock()
		if t.cancelled {
			outcome = OutcomeCancelled
		}
		if err == nil && outcome == OutcomeWaiting && t.rerun {
			t.rerun = false
			s.mu.Unlock()
			s.logger.Debug().Str("plan_id", t.planID).Msg("Notification arrived while suspending, running again")
			continue
		}
		if s.tasks[t.planID] == t {
			delete(s.tasks, t.planID)
		}
		s.mu.Unlock()

		if done != nil {
			done(outcome, err)
		}
		return
	}
}

func (s *Scheduler) leave(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[t.planID] == t {
		delete(s.tasks, t.planID)
	}
}
