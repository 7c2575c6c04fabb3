package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/graph"
	"github.com/preservo/preservo/pkg/telemetry"
)

// ProcessorDeps are the collaborators of a Processor.
type ProcessorDeps struct {
	Store       PlanStore
	Objects     ObjectStore
	Services    ServiceInvoker
	Permissions PermissionChecker
	Provenance  ProvenanceRecorder
	Origins     OriginChecker

	// WorkDir is where packages are unpacked; the system temp dir if empty.
	WorkDir string

	Telemetry *telemetry.Telemetry
}

// Processor applies a plan's active path to its items.
type Processor struct {
	pipeline
	store      PlanStore
	perms      PermissionChecker
	provenance ProvenanceRecorder
	origins    OriginChecker
	workDir    string
}

// NewProcessor creates a processor.
func NewProcessor(deps ProcessorDeps, logger zerolog.Logger) *Processor {
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Processor{
		pipeline: pipeline{
			objects:  deps.Objects,
			services: deps.Services,
			tel:      tel,
			logger:   logger.With().Str("component", "processor").Logger(),
		},
		store:      deps.Store,
		perms:      deps.Permissions,
		provenance: deps.Provenance,
		origins:    deps.Origins,
		workDir:    deps.WorkDir,
	}
}

// ProcessAll processes the plan's remaining items in order. Items marked done
// or failed are never revisited. Per-object failures are written to the item
// and processing continues; a returned error is systemic and leaves the
// current item as it was. A cancelled context never fails an item: the
// current one stays in progress and is resumed by the next run.
func (p *Processor) ProcessAll(ctx context.Context, plan *MigrationPlan, w Waiter) (Outcome, error) {
	path, ok := plan.ActivePath()
	if !ok {
		return OutcomeFinished, NewPermanentError("plan has no active path", nil).
			WithCode(ErrCodeNoActivePath).WithResource(plan.ID)
	}

	for {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}

		item := nextItem(plan.Items)
		if item == nil {
			return OutcomeFinished, nil
		}

		st, err := p.processOne(ctx, plan, path, item, w)
		switch st {
		case stepNext, stepRetry:
		case stepWait:
			return OutcomeWaiting, nil
		case stepCancelled:
			return OutcomeCancelled, nil
		case stepAbort:
			return OutcomeFinished, err
		}
	}
}

// nextItem returns the item to resume, else the first untouched item.
func nextItem(items []PlanItem) *PlanItem {
	for i := range items {
		if items[i].Status == ItemStatusInProgress || items[i].Status == ItemStatusUploaded {
			return &items[i]
		}
	}
	for i := range items {
		if items[i].Status == ItemStatusNotYetStarted {
			return &items[i]
		}
	}
	return nil
}

func (p *Processor) processOne(ctx context.Context, plan *MigrationPlan, path *MigrationPath, item *PlanItem, w Waiter) (st step, err error) {
	ctx, span := p.tel.Tracer.StartItemSpan(ctx, plan.ID, item.Identifier)
	timer := telemetry.NewTimer()
	logger := p.logger.With().Str("plan_id", plan.ID).Str("identifier", item.Identifier).Logger()
	defer func() {
		span.SetAttributes(telemetry.AttrItemStatus.String(string(item.Status)))
		telemetry.EndSpan(span, err)
		if item.Status.IsTerminal() {
			p.tel.Metrics.RecordItemProcessed(string(item.Status), timer.Duration())
			_ = p.tel.Events.PublishItemEvent(plan.ID, item.Identifier, string(item.Status), item.Error)
		}
	}()

	if item.Status == ItemStatusUploaded && item.ResultIdentifier != "" {
		return p.record(ctx, plan, item)
	}

	exists, err := p.objects.ObjectExists(ctx, item.Identifier)
	if err != nil {
		if ctx.Err() != nil {
			return stepCancelled, nil
		}
		return stepAbort, fmt.Errorf("failed to look up %s: %w", item.Identifier, err)
	}
	if !exists {
		return p.fail(ctx, logger, item, ItemStatusErrorFetching, fmt.Errorf("object %s does not exist", item.Identifier))
	}

	if err := p.perms.CheckPermission(ctx, plan.OwnerID, item.Identifier, PermissionMigrate); err != nil {
		if ctx.Err() != nil {
			return stepCancelled, nil
		}
		if !errors.Is(err, ErrNotAuthorized) {
			return stepAbort, fmt.Errorf("failed to check permission on %s: %w", item.Identifier, err)
		}
		return p.fail(ctx, logger, item, ItemStatusErrorPermissions, err)
	}

	if item.Status != ItemStatusInProgress {
		item.Status = ItemStatusInProgress
		if err := p.save(ctx, item); err != nil {
			return stepAbort, err
		}
	}

	workDir, err := os.MkdirTemp(p.workDir, "preservo-item-*")
	if err != nil {
		return stepAbort, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	progress := func(ctx context.Context, hopIndex int, token string) error {
		item.HopIndex = hopIndex
		item.PendingToken = token
		return p.save(ctx, item)
	}

	var files *FileSet
	if item.PendingToken != "" {
		files, st, err = p.resume(ctx, w, plan.ID, path.Hops, item.HopIndex, item.PendingToken, workDir, progress)
	} else {
		files, st, err = p.transform(ctx, w, plan.ID, path.Hops, item, workDir, progress)
	}
	switch st {
	case stepNext:
	case stepFailed:
		status := ItemStatusErrorService
		var fe *fetchError
		if errors.As(err, &fe) {
			status = ItemStatusErrorFetching
		}
		return p.fail(ctx, logger, item, status, err)
	default:
		return st, err
	}

	resultID, err := p.objects.CreateObject(ctx, ObjectSpec{
		Name:    fmt.Sprintf("%s: %s", plan.Name, item.Identifier),
		OwnerID: plan.OwnerID,
		Kind:    plan.Kind.ResultKind(),
		Format:  plan.TargetFormat,
		Files:   files,
	})
	if err != nil {
		if ctx.Err() != nil {
			return stepCancelled, nil
		}
		return p.fail(ctx, logger, item, ItemStatusErrorCreation, err)
	}

	item.Status = ItemStatusUploaded
	item.ResultIdentifier = resultID
	item.HopIndex = 0
	item.PendingToken = ""
	if err := p.save(ctx, item); err != nil {
		return stepAbort, err
	}

	return p.record(ctx, plan, item)
}

// fetchError marks a failure to fetch or unpack the source object.
type fetchError struct{ err error }

func (e *fetchError) Error() string { return e.err.Error() }
func (e *fetchError) Unwrap() error { return e.err }

// transform fetches and unpacks the item's object and runs every hop on it.
func (p *Processor) transform(ctx context.Context, w Waiter, planID string, hops []ServiceHop, item *PlanItem,
	workDir string, progress hopProgress) (*FileSet, step, error) {
	pkg, st, err := p.fetch(ctx, w, planID, item.Identifier)
	if st != stepNext {
		if st == stepFailed {
			err = &fetchError{err}
		}
		return nil, st, err
	}

	input, err := p.objects.Unpack(ctx, pkg, workDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, stepCancelled, nil
		}
		return nil, stepFailed, &fetchError{fmt.Errorf("failed to unpack %s: %w", item.Identifier, err)}
	}

	return p.runHops(ctx, w, planID, hops, 0, input, workDir, progress)
}

// record writes the provenance edge of an uploaded item and marks it done.
// An edge left by an interrupted run is detected and not written twice.
func (p *Processor) record(ctx context.Context, plan *MigrationPlan, item *PlanItem) (step, error) {
	exists, err := p.origins.HasOrigin(ctx, item.ResultIdentifier, plan.Kind)
	if err != nil {
		if ctx.Err() != nil {
			return stepCancelled, nil
		}
		return stepAbort, fmt.Errorf("failed to check provenance of %s: %w", item.ResultIdentifier, err)
	}
	if !exists {
		_, err := p.provenance.CreateMigration(ctx, item.ResultIdentifier, graph.DirectionFrom, graph.MigrationRequest{
			Kind:       plan.Kind,
			Identifier: item.Identifier,
			Info:       "migration plan " + plan.Name,
		})
		if err != nil {
			if ctx.Err() != nil {
				return stepCancelled, nil
			}
			return stepAbort, fmt.Errorf("failed to record provenance of %s: %w", item.ResultIdentifier, err)
		}
	}

	item.Status = ItemStatusDone
	item.Error = ""
	if err := p.save(ctx, item); err != nil {
		return stepAbort, err
	}
	return stepNext, nil
}

func (p *Processor) fail(ctx context.Context, logger zerolog.Logger, item *PlanItem, status ItemStatus, cause error) (step, error) {
	logger.Warn().Err(cause).Str("status", string(status)).Msg("Object failed")

	item.Status = status
	item.Error = cause.Error()
	item.HopIndex = 0
	item.PendingToken = ""
	if err := p.save(ctx, item); err != nil {
		return stepAbort, err
	}
	return stepNext, nil
}

func (p *Processor) save(ctx context.Context, item *PlanItem) error {
	if err := p.store.UpdatePlanItem(context.WithoutCancel(ctx), item); err != nil {
		return fmt.Errorf("failed to update item %d of plan %s: %w", item.Position, item.PlanID, err)
	}
	return nil
}
