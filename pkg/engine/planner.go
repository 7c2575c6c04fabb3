package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/graph"
	"github.com/preservo/preservo/pkg/telemetry"
)

// PlanManagerDeps are the collaborators of a PlanManager.
type PlanManagerDeps struct {
	Store       PlanStore
	Catalog     ObjectCatalog
	Registry    FormatRegistry
	Permissions PermissionChecker
	Editor      ProvenanceEditor
	Reader      ProvenanceReader
	Executor    *Executor
	Deliveries  *DeliveryExecutor
	Telemetry   *telemetry.Telemetry
}

// PlanManager is the lifecycle API over migration plans, deliveries and
// provenance edges.
type PlanManager struct {
	store      PlanStore
	catalog    ObjectCatalog
	registry   FormatRegistry
	perms      PermissionChecker
	editor     ProvenanceEditor
	reader     ProvenanceReader
	executor   *Executor
	deliveries *DeliveryExecutor
	validate   *validator.Validate
	tel        *telemetry.Telemetry
	logger     zerolog.Logger
	now        func() time.Time
}

// NewPlanManager creates a plan manager.
func NewPlanManager(deps PlanManagerDeps, logger zerolog.Logger) *PlanManager {
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &PlanManager{
		store:      deps.Store,
		catalog:    deps.Catalog,
		registry:   deps.Registry,
		perms:      deps.Permissions,
		editor:     deps.Editor,
		reader:     deps.Reader,
		executor:   deps.Executor,
		deliveries: deps.Deliveries,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		tel:        tel,
		logger:     logger.With().Str("component", "plan_manager").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CreatePlan validates the spec and stores a new plan. Formats are checked
// first, then the path, then the candidate objects. A plan with exactly one
// path is ready with that path active; otherwise it is new.
func (m *PlanManager) CreatePlan(ctx context.Context, spec PlanSpec) (*MigrationPlan, error) {
	if err := m.validate.Struct(spec); err != nil {
		return nil, validationError(ErrCodeValidation, "invalid plan specification", err)
	}

	paths, err := m.paths(ctx, spec.SourceFormat, spec.TargetFormat, spec.Path)
	if err != nil {
		return nil, err
	}

	objects, err := m.candidates(ctx, spec)
	if err != nil {
		return nil, err
	}

	now := m.now()
	plan := &MigrationPlan{
		ID:           uuid.New().String(),
		Name:         spec.Name,
		Description:  spec.Description,
		OwnerID:      spec.OwnerID,
		Kind:         spec.Kind,
		SourceFormat: spec.SourceFormat,
		TargetFormat: spec.TargetFormat,
		Condition:    spec.Condition,
		Status:       PlanStatusNew,
		Paths:        paths,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(paths) == 1 {
		plan.Status = PlanStatusReady
		plan.ActivePathID = paths[0].ID
	}
	for i, c := range objects {
		plan.Items = append(plan.Items, PlanItem{
			PlanID:     plan.ID,
			Position:   i,
			ObjectID:   c.ID,
			Identifier: c.Identifier,
			Status:     ItemStatusNotYetStarted,
			UpdatedAt:  now,
		})
	}

	if err := m.store.CreateMigrationPlan(ctx, plan); err != nil {
		return nil, err
	}

	_ = m.tel.Events.PublishPlanEvent(telemetry.EventTypePlanCreated, plan.ID,
		fmt.Sprintf("Plan %s created with %d object(s) and %d path(s)", plan.Name, len(plan.Items), len(plan.Paths)))
	m.logger.Info().
		Str("plan_id", plan.ID).
		Int("items", len(plan.Items)).
		Int("paths", len(plan.Paths)).
		Str("status", plan.Status.String()).
		Msg("Plan created")
	return plan, nil
}

// paths checks both formats and resolves the explicit path, or composes all
// paths when none is given.
func (m *PlanManager) paths(ctx context.Context, source, target string, explicit []string) ([]MigrationPath, error) {
	for _, puid := range []string{source, target} {
		if err := m.registry.ValidateFormat(ctx, puid); err != nil {
			return nil, validationError(ErrCodeInvalidFormat, fmt.Sprintf("unknown format %s", puid), err)
		}
	}

	var chains [][]ServiceHop
	if len(explicit) > 0 {
		hops, err := m.registry.ResolvePath(ctx, explicit, source, target)
		if err != nil {
			return nil, validationError(ErrCodeInvalidPath, "path does not lead from source to target format", err)
		}
		chains = append(chains, hops)
	} else {
		composed, err := m.registry.ComposePaths(ctx, source, target)
		if err != nil {
			return nil, validationError(ErrCodeNoPath, "failed to compose paths", err)
		}
		chains = composed
	}
	if len(chains) == 0 {
		return nil, validationError(ErrCodeNoPath, fmt.Sprintf("no path from %s to %s", source, target), nil)
	}

	paths := make([]MigrationPath, len(chains))
	for i, hops := range chains {
		paths[i] = MigrationPath{
			ID:       uuid.New().String(),
			Position: i,
			Hops:     hops,
		}
	}
	return paths, nil
}

type candidate struct {
	ID         graph.ObjectID
	Identifier string
}

// candidates selects the plan's objects. Objects whose kind the migration
// kind does not accept are skipped, or rejected when listed explicitly.
func (m *PlanManager) candidates(ctx context.Context, spec PlanSpec) ([]candidate, error) {
	var out []candidate
	seen := make(map[graph.ObjectID]bool)

	switch spec.Condition.Type {
	case ConditionByIdentifiers:
		for _, identifier := range spec.Condition.Identifiers {
			objs, err := m.catalog.FindObjectsByIdentifier(ctx, identifier)
			if err != nil {
				return nil, fmt.Errorf("failed to look up %s: %w", identifier, err)
			}
			if len(objs) != 1 {
				return nil, validationError(ErrCodeInvalidObject, fmt.Sprintf("%s does not name a stored object", identifier), nil)
			}
			obj := objs[0]
			if obj.Format != spec.SourceFormat {
				return nil, validationError(ErrCodeInvalidObject,
					fmt.Sprintf("%s has format %s, not %s", identifier, obj.Format, spec.SourceFormat), nil)
			}
			if !spec.Kind.AcceptsSource(obj.Kind) {
				return nil, validationError(ErrCodeInvalidObject,
					fmt.Sprintf("%s is a %s object and cannot be the source of a %s", identifier, obj.Kind, spec.Kind), nil)
			}
			if !seen[obj.ID] {
				seen[obj.ID] = true
				out = append(out, candidate{ID: obj.ID, Identifier: identifier})
			}
		}

	case ConditionAllObjects, ConditionByOwner:
		filter := graph.ObjectFilter{Format: spec.SourceFormat}
		if spec.Condition.Type == ConditionByOwner {
			filter.OwnerID = spec.Condition.Owner
		}
		objs, err := m.catalog.ListObjects(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range objs {
			if !spec.Kind.AcceptsSource(obj.Kind) || seen[obj.ID] {
				continue
			}
			seen[obj.ID] = true
			out = append(out, candidate{ID: obj.ID, Identifier: obj.DefaultIdentifier})
		}

	default:
		return nil, validationError(ErrCodeValidation, fmt.Sprintf("unknown object condition %q", spec.Condition.Type), nil)
	}

	if len(out) == 0 {
		return nil, validationError(ErrCodeNoObjects, "no objects match the plan condition", nil)
	}
	return out, nil
}

// GetPlan returns the plan with its paths and items.
func (m *PlanManager) GetPlan(ctx context.Context, id string) (*MigrationPlan, error) {
	return m.store.GetMigrationPlan(ctx, id)
}

// ListPlans returns all plans, or those in status when it is set.
func (m *PlanManager) ListPlans(ctx context.Context, status PlanStatus) ([]*MigrationPlan, error) {
	return m.store.ListMigrationPlans(ctx, status)
}

// SetActivePath chooses the path a new or ready plan will run.
func (m *PlanManager) SetActivePath(ctx context.Context, id, pathID string) error {
	plan, err := m.store.GetMigrationPlan(ctx, id)
	if err != nil {
		return err
	}
	if plan.Status != PlanStatusNew && plan.Status != PlanStatusReady {
		return invalidTransition(id, "set path of", plan.Status)
	}
	if _, ok := findPath(plan.Paths, pathID); !ok {
		return fmt.Errorf("%w: %s", ErrPathNotFound, pathID)
	}
	return m.store.SetActivePath(ctx, id, pathID)
}

// DeletePlan removes a plan that is not running or paused.
func (m *PlanManager) DeletePlan(ctx context.Context, id string) error {
	plan, err := m.store.GetMigrationPlan(ctx, id)
	if err != nil {
		return err
	}
	if plan.Status.IsActive() {
		return invalidTransition(id, "delete", plan.Status)
	}
	return m.store.DeleteMigrationPlan(ctx, id)
}

// StartPlan starts or resumes a plan.
func (m *PlanManager) StartPlan(ctx context.Context, id string) error {
	return m.executor.Start(ctx, id)
}

// PausePlan pauses a running plan.
func (m *PlanManager) PausePlan(ctx context.Context, id string) error {
	return m.executor.Pause(ctx, id)
}

// FinishPlan finishes a plan.
func (m *PlanManager) FinishPlan(ctx context.Context, id string) error {
	return m.executor.Finish(ctx, id)
}

// CreateDeliveryPlan validates the spec and stores a delivery along the
// shortest matching path.
func (m *PlanManager) CreateDeliveryPlan(ctx context.Context, spec DeliverySpec) (*DeliveryPlan, error) {
	if err := m.validate.Struct(spec); err != nil {
		return nil, validationError(ErrCodeValidation, "invalid delivery specification", err)
	}

	objs, err := m.catalog.FindObjectsByIdentifier(ctx, spec.ObjectIdentifier)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", spec.ObjectIdentifier, err)
	}
	if len(objs) != 1 {
		return nil, validationError(ErrCodeInvalidObject, fmt.Sprintf("%s does not name a stored object", spec.ObjectIdentifier), nil)
	}
	if err := m.perms.CheckPermission(ctx, spec.OwnerID, spec.ObjectIdentifier, PermissionRead); err != nil {
		return nil, err
	}

	paths, err := m.paths(ctx, objs[0].Format, spec.TargetFormat, spec.Path)
	if err != nil {
		return nil, err
	}

	now := m.now()
	plan := &DeliveryPlan{
		ID:               uuid.New().String(),
		ObjectIdentifier: spec.ObjectIdentifier,
		OwnerID:          spec.OwnerID,
		SourceFormat:     objs[0].Format,
		TargetFormat:     spec.TargetFormat,
		Destination:      spec.Destination,
		Status:           DeliveryStatusNew,
		Paths:            paths,
		ActivePathID:     paths[0].ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateDeliveryPlan(ctx, plan); err != nil {
		return nil, err
	}

	m.logger.Info().Str("plan_id", plan.ID).Str("identifier", plan.ObjectIdentifier).Msg("Delivery created")
	return plan, nil
}

// GetDeliveryPlan returns a delivery plan.
func (m *PlanManager) GetDeliveryPlan(ctx context.Context, id string) (*DeliveryPlan, error) {
	return m.store.GetDeliveryPlan(ctx, id)
}

// StartDelivery launches a new delivery.
func (m *PlanManager) StartDelivery(ctx context.Context, id string) error {
	return m.deliveries.Start(ctx, id)
}

// Deliver creates a delivery plan and starts it.
func (m *PlanManager) Deliver(ctx context.Context, spec DeliverySpec) (*DeliveryPlan, error) {
	plan, err := m.CreateDeliveryPlan(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := m.deliveries.Start(ctx, plan.ID); err != nil {
		return nil, err
	}
	return m.store.GetDeliveryPlan(ctx, plan.ID)
}

// GetOrigin returns where the object was derived from.
func (m *PlanManager) GetOrigin(ctx context.Context, identifier string) (*graph.Origin, error) {
	return m.reader.GetOrigin(ctx, identifier)
}

// GetDerivatives returns the objects derived from the object.
func (m *PlanManager) GetDerivatives(ctx context.Context, identifier string) (*graph.Derivatives, error) {
	return m.reader.GetDerivatives(ctx, identifier)
}

// CreateMigration records a migration edge on the object.
func (m *PlanManager) CreateMigration(ctx context.Context, user, identifier string, dir graph.Direction, req graph.MigrationRequest) (*graph.Migration, error) {
	if err := m.perms.CheckPermission(ctx, user, identifier, PermissionModify); err != nil {
		return nil, err
	}
	return m.editor.CreateMigration(ctx, identifier, dir, req)
}

// DeleteMigratedFrom removes the object's origin edge.
func (m *PlanManager) DeleteMigratedFrom(ctx context.Context, user, identifier string) error {
	if err := m.perms.CheckPermission(ctx, user, identifier, PermissionModify); err != nil {
		return err
	}
	return m.editor.DeleteMigratedFrom(ctx, identifier)
}

// ModifyMigratedFrom replaces the object's origin edge.
func (m *PlanManager) ModifyMigratedFrom(ctx context.Context, user, identifier string, req graph.MigrationRequest) (*graph.Migration, error) {
	if err := m.perms.CheckPermission(ctx, user, identifier, PermissionModify); err != nil {
		return nil, err
	}
	return m.editor.ModifyMigratedFrom(ctx, identifier, req)
}

// DeleteMigratedTo removes the edge from the object to resultIdentifier.
func (m *PlanManager) DeleteMigratedTo(ctx context.Context, user, identifier, resultIdentifier string) error {
	if err := m.perms.CheckPermission(ctx, user, identifier, PermissionModify); err != nil {
		return err
	}
	return m.editor.DeleteMigratedTo(ctx, identifier, resultIdentifier)
}

// ModifyMigratedTo replaces the edge from the object to resultIdentifier.
func (m *PlanManager) ModifyMigratedTo(ctx context.Context, user, identifier, resultIdentifier string, req graph.MigrationRequest) (*graph.Migration, error) {
	if err := m.perms.CheckPermission(ctx, user, identifier, PermissionModify); err != nil {
		return nil, err
	}
	return m.editor.ModifyMigratedTo(ctx, identifier, resultIdentifier, req)
}

// NotifyAvailable tells plans and deliveries that key, an object identifier
// or a service token, is now available.
func (m *PlanManager) NotifyAvailable(ctx context.Context, key string) {
	if m.executor != nil {
		m.executor.NotifyAvailable(ctx, key)
	}
	if m.deliveries != nil {
		m.deliveries.NotifyAvailable(ctx, key)
	}
}

// Recover relaunches running plans and deliveries.
func (m *PlanManager) Recover(ctx context.Context) error {
	var errs []error
	if m.executor != nil {
		errs = append(errs, m.executor.Recover(ctx))
	}
	if m.deliveries != nil {
		errs = append(errs, m.deliveries.Recover(ctx))
	}
	return errors.Join(errs...)
}

// Shutdown stops every running task.
func (m *PlanManager) Shutdown(ctx context.Context) error {
	var errs []error
	if m.executor != nil {
		errs = append(errs, m.executor.Shutdown(ctx))
	}
	if m.deliveries != nil {
		errs = append(errs, m.deliveries.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
