package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/telemetry"
)

// Executor runs migration plans. Each plan has at most one live processing
// task; pause and finish cancel it cooperatively.
type Executor struct {
	store     PlanStore
	processor *Processor
	waits     *WaitRegistry
	scheduler *Scheduler
	tel       *telemetry.Telemetry
	logger    zerolog.Logger

	// mu serializes state transitions
	mu sync.Mutex
}

// NewExecutor creates an executor running at most maxParallel plans at once.
func NewExecutor(store PlanStore, processor *Processor, maxParallel int, tel *telemetry.Telemetry, logger zerolog.Logger) *Executor {
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Executor{
		store:     store,
		processor: processor,
		waits:     NewWaitRegistry(),
		scheduler: NewScheduler(maxParallel, logger),
		tel:       tel,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
}

// Start moves the plan to running and launches its processing task. Starting
// a plan that already has a live task does nothing.
func (e *Executor) Start(ctx context.Context, planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, err := e.store.GetMigrationPlan(ctx, planID)
	if err != nil {
		return err
	}
	if e.scheduler.Active(planID) {
		return nil
	}
	if !plan.Status.CanStart() {
		return invalidTransition(planID, "start", plan.Status)
	}
	if _, ok := plan.ActivePath(); !ok {
		return NewPermanentError("plan has no active path", nil).
			WithCode(ErrCodeNoActivePath).WithResource(planID).WithOperation("start")
	}

	if err := e.store.SetPlanError(ctx, planID, ""); err != nil {
		return err
	}
	if err := e.store.UpdatePlanStatus(ctx, planID, PlanStatusRunning); err != nil {
		return err
	}

	e.launch(ctx, plan)
	_ = e.tel.Events.PublishPlanEvent(telemetry.EventTypePlanStarted, planID, fmt.Sprintf("Plan %s started", plan.Name))
	e.logger.Info().Str("plan_id", planID).Str("path", e.pathOf(plan)).Msg("Plan started")
	return nil
}

// Pause stops a running plan. Items already done stay done.
func (e *Executor) Pause(ctx context.Context, planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, err := e.store.GetMigrationPlan(ctx, planID)
	if err != nil {
		return err
	}
	if !plan.Status.CanPause() {
		return invalidTransition(planID, "pause", plan.Status)
	}

	e.scheduler.Cancel(planID)
	e.clearWait(ctx, planID)
	if err := e.store.UpdatePlanStatus(ctx, planID, PlanStatusPaused); err != nil {
		return err
	}

	_ = e.tel.Events.PublishPlanEvent(telemetry.EventTypePlanPaused, planID, fmt.Sprintf("Plan %s paused", plan.Name))
	e.logger.Info().Str("plan_id", planID).Msg("Plan paused")
	return nil
}

// Finish ends the plan for good. Finishing a finished plan does nothing.
func (e *Executor) Finish(ctx context.Context, planID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	plan, err := e.store.GetMigrationPlan(ctx, planID)
	if err != nil {
		return err
	}
	if !plan.Status.CanFinish() {
		return nil
	}

	e.scheduler.Cancel(planID)
	e.clearWait(ctx, planID)
	if err := e.store.UpdatePlanStatus(ctx, planID, PlanStatusFinished); err != nil {
		return err
	}

	_ = e.tel.Events.PublishPlanEvent(telemetry.EventTypePlanFinished, planID, fmt.Sprintf("Plan %s finished", plan.Name))
	e.logger.Info().Str("plan_id", planID).Msg("Plan finished")
	return nil
}

// NotifyAvailable restarts the plans waiting on key, an object identifier or a
// service token.
func (e *Executor) NotifyAvailable(ctx context.Context, key string) {
	restart := e.waits.NotifyAvailable(key)
	e.tel.Metrics.SetWaitingPlans(e.waits.Len())
	if len(restart) == 0 {
		e.tel.Metrics.RecordNotification("none")
		return
	}
	e.tel.Metrics.RecordNotification("restarted")
	_ = e.tel.Events.PublishObjectAvailable(key, len(restart))

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, planID := range restart {
		if err := e.store.SetPlanWait(ctx, planID, "", false); err != nil {
			e.logger.Warn().Err(err).Str("plan_id", planID).Msg("Failed to clear wait state")
		}
		if e.scheduler.Rerun(planID) {
			continue
		}
		plan, err := e.store.GetMigrationPlan(ctx, planID)
		if err != nil {
			e.logger.Error().Err(err).Str("plan_id", planID).Msg("Failed to load plan for restart")
			continue
		}
		if plan.Status != PlanStatusRunning {
			continue
		}
		e.launch(ctx, plan)
		e.logger.Info().Str("plan_id", planID).Str("key", key).Msg("Plan restarted")
	}
}

// Recover relaunches every running plan, typically after a process restart.
func (e *Executor) Recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	plans, err := e.store.ListMigrationPlans(ctx, PlanStatusRunning)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		e.launch(ctx, plan)
	}
	if len(plans) > 0 {
		e.logger.Info().Int("plans", len(plans)).Msg("Recovered running plans")
	}
	return nil
}

// Active reports whether the plan has a live processing task.
func (e *Executor) Active(planID string) bool {
	return e.scheduler.Active(planID)
}

// Shutdown cancels every task and waits for them to exit.
func (e *Executor) Shutdown(ctx context.Context) error {
	return e.scheduler.Shutdown(ctx)
}

func (e *Executor) launch(ctx context.Context, plan *MigrationPlan) {
	planID := plan.ID
	planType := string(plan.Kind)

	launched := e.scheduler.Launch(ctx, planID,
		func(ctx context.Context) (Outcome, error) {
			return e.run(ctx, planID)
		},
		func(outcome Outcome, err error) {
			e.done(planID, planType, outcome, err)
		},
	)
	if launched {
		e.tel.Metrics.RecordPlanStarted(planType)
		e.tel.Metrics.SetActivePlans(e.scheduler.Len())
	}
}

func (e *Executor) run(ctx context.Context, planID string) (Outcome, error) {
	plan, err := e.store.GetMigrationPlan(ctx, planID)
	if err != nil {
		return OutcomeFinished, err
	}
	if plan.WaitingFor != "" {
		if err := e.store.SetPlanWait(ctx, planID, "", false); err != nil {
			return OutcomeFinished, err
		}
	}

	ctx, span := e.tel.Tracer.StartPlanSpan(ctx, planID, string(plan.Kind))
	outcome, err := e.processor.ProcessAll(ctx, plan, newRegistryWaiter(e.waits, e.store.SetPlanWait, e.logger))
	telemetry.EndSpan(span, err)
	e.tel.Metrics.SetWaitingPlans(e.waits.Len())
	return outcome, err
}

func (e *Executor) done(planID, planType string, outcome Outcome, err error) {
	ctx := context.Background()
	logger := e.logger.With().Str("plan_id", planID).Logger()
	e.tel.Metrics.SetActivePlans(e.scheduler.Len())

	if errors.Is(err, context.Canceled) {
		outcome, err = OutcomeCancelled, nil
	}

	if err != nil {
		logger.Error().Err(err).Msg("Plan processing failed")
		e.tel.Metrics.RecordPlanCompleted(planType, "error")
		class, code := ErrorClassPermanent, ErrorCode(err)
		if IsTransient(err) {
			class = ErrorClassTransient
		}
		e.tel.Metrics.RecordError(string(class), code)
		if serr := e.store.SetPlanError(ctx, planID, err.Error()); serr != nil {
			logger.Error().Err(serr).Msg("Failed to record plan error")
		}
		_ = e.tel.Events.PublishPlanEvent(telemetry.EventTypePlanFailed, planID, err.Error())
		return
	}

	e.tel.Metrics.RecordPlanCompleted(planType, outcome.String())
	switch outcome {
	case OutcomeFinished:
		e.mu.Lock()
		defer e.mu.Unlock()
		plan, err := e.store.GetMigrationPlan(ctx, planID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load finished plan")
			return
		}
		if plan.Status != PlanStatusRunning {
			return
		}
		if err := e.store.UpdatePlanStatus(ctx, planID, PlanStatusFinished); err != nil {
			logger.Error().Err(err).Msg("Failed to mark plan finished")
			return
		}
		_ = e.tel.Events.PublishPlanEvent(telemetry.EventTypePlanFinished, planID, "All objects processed")
		logger.Info().Msg("Plan finished")
	case OutcomeWaiting:
		key, _, _ := e.waits.Waiting(planID)
		_ = e.tel.Events.PublishPlanEvent(telemetry.EventTypePlanWaiting, planID, "Waiting for "+key)
		logger.Info().Str("key", key).Msg("Plan waiting")
	case OutcomeCancelled:
		logger.Debug().Msg("Plan task cancelled")
	}
}

func (e *Executor) clearWait(ctx context.Context, planID string) {
	e.waits.ClearWait(planID)
	if err := e.store.SetPlanWait(ctx, planID, "", false); err != nil {
		e.logger.Warn().Err(err).Str("plan_id", planID).Msg("Failed to clear wait state")
	}
}

func (e *Executor) pathOf(plan *MigrationPlan) string {
	if path, ok := plan.ActivePath(); ok {
		return path.String()
	}
	return ""
}
