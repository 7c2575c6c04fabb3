package stores

import (
	"context"

	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/graph"
	"github.com/preservo/preservo/pkg/telemetry"
)

// Store is the persistence layer: the derivation graph, plan state and the
// event history in one database.
type Store interface {
	graph.Store
	engine.PlanStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Event history
	AppendEvent(ctx context.Context, event *telemetry.Event) error
	ListEvents(ctx context.Context, q EventQuery) ([]*telemetry.Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
