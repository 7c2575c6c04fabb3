package engine

import (
	"context"

	"github.com/preservo/preservo/pkg/graph"
)

// PlanStore persists migration and delivery plans.
type PlanStore interface {
	// CreateMigrationPlan stores the plan with its paths and items in one transaction.
	CreateMigrationPlan(ctx context.Context, plan *MigrationPlan) error

	// GetMigrationPlan returns the plan with paths and items, or ErrPlanNotFound.
	GetMigrationPlan(ctx context.Context, id string) (*MigrationPlan, error)

	// ListMigrationPlans returns plans without items, optionally filtered by status.
	ListMigrationPlans(ctx context.Context, status PlanStatus) ([]*MigrationPlan, error)

	// UpdatePlanStatus changes the plan status.
	UpdatePlanStatus(ctx context.Context, id string, status PlanStatus) error

	// SetActivePath activates a path and marks the plan ready.
	SetActivePath(ctx context.Context, id, pathID string) error

	// SetPlanError records the last systemic error; an empty message clears it.
	SetPlanError(ctx context.Context, id, message string) error

	// SetPlanWait mirrors the wait registry entry; an empty key clears it.
	SetPlanWait(ctx context.Context, id, key string, confirmed bool) error

	// UpdatePlanItem stores the item's processing state.
	UpdatePlanItem(ctx context.Context, item *PlanItem) error

	// DeleteMigrationPlan removes the plan with its paths and items.
	DeleteMigrationPlan(ctx context.Context, id string) error

	// CreateDeliveryPlan stores a delivery plan.
	CreateDeliveryPlan(ctx context.Context, plan *DeliveryPlan) error

	// GetDeliveryPlan returns the delivery plan, or ErrPlanNotFound.
	GetDeliveryPlan(ctx context.Context, id string) (*DeliveryPlan, error)

	// ListDeliveryPlans returns delivery plans, optionally filtered by status.
	ListDeliveryPlans(ctx context.Context, status DeliveryStatus) ([]*DeliveryPlan, error)

	// UpdateDeliveryPlan stores the delivery's mutable state.
	UpdateDeliveryPlan(ctx context.Context, plan *DeliveryPlan) error
}

// ObjectStore is the archive holding object content.
type ObjectStore interface {
	// FetchFiles returns the package of an object. It fails with
	// ErrObjectUnavailable when the object is known but cannot be fetched yet.
	FetchFiles(ctx context.Context, identifier, version string) (*Package, error)

	// Unpack extracts a fetched package into dir.
	Unpack(ctx context.Context, pkg *Package, dir string) (*FileSet, error)

	// CreateObject stores a new object and returns its identifier.
	CreateObject(ctx context.Context, spec ObjectSpec) (string, error)

	// ObjectExists reports whether the identifier names a stored object.
	ObjectExists(ctx context.Context, identifier string) (bool, error)
}

// FormatRegistry resolves formats and migration services.
type FormatRegistry interface {
	// ValidateFormat fails if the PUID is unknown.
	ValidateFormat(ctx context.Context, puid string) error

	// ResolvePath turns service ids into hops leading from source to target.
	ResolvePath(ctx context.Context, serviceIDs []string, source, target string) ([]ServiceHop, error)

	// ComposePaths returns every chain of hops from source to target, shortest first.
	ComposePaths(ctx context.Context, source, target string) ([][]ServiceHop, error)
}

// PermissionChecker decides whether a user may act on a resource.
type PermissionChecker interface {
	// CheckPermission returns an error matching ErrNotAuthorized when access is denied.
	CheckPermission(ctx context.Context, user, resourceID string, perm Permission) error
}

// ServiceInvoker runs migration services.
type ServiceInvoker interface {
	// Invoke runs the hop on input, writing output below workDir.
	Invoke(ctx context.Context, hop ServiceHop, input *FileSet, workDir string) (*InvocationResult, error)

	// Collect returns the output for a token once the service is done.
	Collect(ctx context.Context, token string) (*FileSet, bool, error)

	// Release discards a finished job once its output is no longer needed.
	Release(ctx context.Context, token string) error
}

// ObjectCatalog looks up stored objects.
type ObjectCatalog interface {
	FindObjectsByIdentifier(ctx context.Context, value string) ([]*graph.DigitalObject, error)
	ListObjects(ctx context.Context, filter graph.ObjectFilter) ([]*graph.DigitalObject, error)
}

// ProvenanceRecorder writes migration edges.
type ProvenanceRecorder interface {
	CreateMigration(ctx context.Context, identifier string, dir graph.Direction, req graph.MigrationRequest) (*graph.Migration, error)
}

// OriginChecker answers whether an object already has an origin of a kind.
type OriginChecker interface {
	HasOrigin(ctx context.Context, identifier string, kind graph.MigrationKind) (bool, error)
}

// Notifier receives "object became available" notifications.
type Notifier interface {
	NotifyAvailable(ctx context.Context, key string)
}

// ProvenanceEditor changes migration edges on behalf of operators.
type ProvenanceEditor interface {
	ProvenanceRecorder
	DeleteMigratedFrom(ctx context.Context, identifier string) error
	ModifyMigratedFrom(ctx context.Context, identifier string, req graph.MigrationRequest) (*graph.Migration, error)
	DeleteMigratedTo(ctx context.Context, identifier, resultIdentifier string) error
	ModifyMigratedTo(ctx context.Context, identifier, resultIdentifier string, req graph.MigrationRequest) (*graph.Migration, error)
}

// ProvenanceReader answers origin and derivative queries.
type ProvenanceReader interface {
	OriginChecker
	GetOrigin(ctx context.Context, identifier string) (*graph.Origin, error)
	GetDerivatives(ctx context.Context, identifier string) (*graph.Derivatives, error)
}
