package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/telemetry"
)

// DeliveryDeps are the collaborators of a DeliveryExecutor.
type DeliveryDeps struct {
	Store       PlanStore
	Objects     ObjectStore
	Services    ServiceInvoker
	Permissions PermissionChecker

	// Root is the directory deliveries are written below, one
	// subdirectory per delivery plan. Ignored when Sink is set.
	Root string

	// Sink receives the delivered files. A LocalSink on Root if nil.
	Sink DeliverySink

	// WorkDir is where packages are unpacked; the system temp dir if empty.
	WorkDir string

	MaxParallel int
	Telemetry   *telemetry.Telemetry
}

// DeliveryExecutor converts single objects along a path and copies the
// result to the delivery root.
type DeliveryExecutor struct {
	pipeline
	store     PlanStore
	perms     PermissionChecker
	sink      DeliverySink
	workDir   string
	waits     *WaitRegistry
	scheduler *Scheduler

	mu sync.Mutex
}

// NewDeliveryExecutor creates a delivery executor.
func NewDeliveryExecutor(deps DeliveryDeps, logger zerolog.Logger) *DeliveryExecutor {
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	logger = logger.With().Str("component", "delivery").Logger()
	sink := deps.Sink
	if sink == nil {
		sink = LocalSink{Root: deps.Root}
	}
	return &DeliveryExecutor{
		pipeline: pipeline{
			objects:  deps.Objects,
			services: deps.Services,
			tel:      tel,
			logger:   logger,
		},
		store:     deps.Store,
		perms:     deps.Permissions,
		sink:      sink,
		workDir:   deps.WorkDir,
		waits:     NewWaitRegistry(),
		scheduler: NewScheduler(deps.MaxParallel, logger),
	}
}

// Start launches the delivery. Starting a delivery with a live task does nothing.
func (d *DeliveryExecutor) Start(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	plan, err := d.store.GetDeliveryPlan(ctx, id)
	if err != nil {
		return err
	}
	if d.scheduler.Active(id) {
		return nil
	}
	if plan.Status != DeliveryStatusNew {
		return invalidTransition(id, "start", plan.Status)
	}
	if _, ok := plan.ActivePath(); !ok {
		return NewPermanentError("delivery has no active path", nil).
			WithCode(ErrCodeNoActivePath).WithResource(id).WithOperation("start")
	}

	plan.Status = DeliveryStatusRunning
	if err := d.store.UpdateDeliveryPlan(ctx, plan); err != nil {
		return err
	}
	d.launch(ctx, id)
	return nil
}

// NotifyAvailable restarts the deliveries waiting on key.
func (d *DeliveryExecutor) NotifyAvailable(ctx context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, id := range d.waits.NotifyAvailable(key) {
		if d.scheduler.Rerun(id) {
			continue
		}
		d.launch(ctx, id)
	}
}

// Recover relaunches every running delivery.
func (d *DeliveryExecutor) Recover(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	plans, err := d.store.ListDeliveryPlans(ctx, DeliveryStatusRunning)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		d.launch(ctx, plan.ID)
	}
	return nil
}

// Shutdown cancels every task and waits for them to exit.
func (d *DeliveryExecutor) Shutdown(ctx context.Context) error {
	return d.scheduler.Shutdown(ctx)
}

func (d *DeliveryExecutor) launch(ctx context.Context, id string) {
	d.scheduler.Launch(ctx, id,
		func(ctx context.Context) (Outcome, error) {
			return d.run(ctx, id)
		},
		func(outcome Outcome, err error) {
			if err != nil {
				d.logger.Error().Err(err).Str("plan_id", id).Msg("Delivery failed")
			}
		},
	)
}

func (d *DeliveryExecutor) run(ctx context.Context, id string) (Outcome, error) {
	plan, err := d.store.GetDeliveryPlan(ctx, id)
	if err != nil {
		return OutcomeFinished, err
	}
	if plan.Status != DeliveryStatusRunning {
		return OutcomeFinished, nil
	}
	plan.WaitingFor = ""
	plan.WaitConfirmed = false

	ctx, span := d.tel.Tracer.StartPlanSpan(ctx, id, "delivery")
	outcome, err := d.deliver(ctx, plan)
	telemetry.EndSpan(span, err)
	return outcome, err
}

func (d *DeliveryExecutor) deliver(ctx context.Context, plan *DeliveryPlan) (Outcome, error) {
	save := func(ctx context.Context) error {
		return d.store.UpdateDeliveryPlan(context.WithoutCancel(ctx), plan)
	}
	w := newRegistryWaiter(d.waits, func(ctx context.Context, _, key string, confirmed bool) error {
		plan.WaitingFor = key
		plan.WaitConfirmed = confirmed
		return save(ctx)
	}, d.logger)

	path, _ := plan.ActivePath()

	for {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}

		location, st, err := d.deliverOnce(ctx, plan, path, w, save)
		switch st {
		case stepNext:
			plan.Status = DeliveryStatusCompleted
			plan.ResultLocation = location
			plan.Error = ""
			_ = d.tel.Events.PublishDeliveryEvent(plan.ID, plan.ObjectIdentifier, location, nil)
			d.logger.Info().Str("plan_id", plan.ID).Str("location", location).Msg("Delivery completed")
			return OutcomeFinished, save(ctx)
		case stepRetry:
			continue
		case stepWait:
			return OutcomeWaiting, nil
		case stepCancelled:
			return OutcomeCancelled, nil
		case stepFailed:
			plan.Status = DeliveryStatusError
			plan.Error = err.Error()
			plan.PendingToken = ""
			_ = d.tel.Events.PublishDeliveryEvent(plan.ID, plan.ObjectIdentifier, "", err)
			d.logger.Warn().Err(err).Str("plan_id", plan.ID).Msg("Delivery failed")
			return OutcomeFinished, save(ctx)
		default:
			return OutcomeFinished, err
		}
	}
}

func (d *DeliveryExecutor) deliverOnce(ctx context.Context, plan *DeliveryPlan, path *MigrationPath, w Waiter,
	save func(context.Context) error) (string, step, error) {
	if err := d.perms.CheckPermission(ctx, plan.OwnerID, plan.ObjectIdentifier, PermissionRead); err != nil {
		if ctx.Err() != nil {
			return "", stepCancelled, nil
		}
		return "", stepFailed, err
	}

	workDir, err := os.MkdirTemp(d.workDir, "preservo-delivery-*")
	if err != nil {
		return "", stepAbort, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	progress := func(ctx context.Context, hopIndex int, token string) error {
		plan.HopIndex = hopIndex
		plan.PendingToken = token
		return save(ctx)
	}

	var files *FileSet
	var st step
	if plan.PendingToken != "" {
		files, st, err = d.resume(ctx, w, plan.ID, path.Hops, plan.HopIndex, plan.PendingToken, workDir, progress)
	} else {
		var pkg *Package
		pkg, st, err = d.fetch(ctx, w, plan.ID, plan.ObjectIdentifier)
		if st != stepNext {
			return "", st, err
		}
		input, uerr := d.objects.Unpack(ctx, pkg, workDir)
		if uerr != nil {
			if ctx.Err() != nil {
				return "", stepCancelled, nil
			}
			return "", stepFailed, fmt.Errorf("failed to unpack %s: %w", plan.ObjectIdentifier, uerr)
		}
		files, st, err = d.runHops(ctx, w, plan.ID, path.Hops, 0, input, workDir, progress)
	}
	if st != stepNext {
		return "", st, err
	}

	location, err := d.sink.Put(ctx, plan.ID, plan.Destination, files)
	if err != nil {
		if ctx.Err() != nil {
			return "", stepCancelled, nil
		}
		return "", stepFailed, fmt.Errorf("failed to deliver %s: %w", plan.ObjectIdentifier, err)
	}
	return location, stepNext, nil
}

// DeliverySink stores the files of a finished delivery and returns where
// they were put.
type DeliverySink interface {
	Put(ctx context.Context, planID, destination string, files *FileSet) (string, error)
}

// LocalSink writes deliveries below a local directory as
// <Root>/<plan id>/<destination>.
type LocalSink struct {
	Root string
}

// Put copies the files into the plan's directory.
func (s LocalSink) Put(_ context.Context, planID, destination string, files *FileSet) (string, error) {
	dest := filepath.Join(s.Root, planID)
	if destination != "" {
		dest = filepath.Join(dest, filepath.Clean("/"+destination))
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("failed to create delivery directory: %w", err)
	}

	for _, name := range files.Files {
		if err := copyFile(filepath.Join(files.Dir, name), filepath.Join(dest, name)); err != nil {
			return "", fmt.Errorf("failed to copy %s: %w", name, err)
		}
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
