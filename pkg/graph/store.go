package graph

import "context"

// Reader exposes the read side of the derivation graph store.
type Reader interface {
	// GetObject returns the object with the given id or ErrObjectNotFound.
	GetObject(ctx context.Context, id ObjectID) (*DigitalObject, error)

	// FindObjectsByIdentifier returns every object carrying the identifier value.
	FindObjectsByIdentifier(ctx context.Context, value string) ([]*DigitalObject, error)

	// ListObjects returns objects matching the filter ordered by id.
	ListObjects(ctx context.Context, filter ObjectFilter) ([]*DigitalObject, error)

	// GetOrigin returns the edge whose result is the object, or nil if it has none.
	GetOrigin(ctx context.Context, result ObjectID) (*Migration, error)

	// ListDerivatives returns the edges of one kind leaving the object.
	ListDerivatives(ctx context.Context, source ObjectID, kind MigrationKind) ([]*Migration, error)

	// FindMigrationsByResultIdentifier returns edges whose external result identifier matches, newest first.
	FindMigrationsByResultIdentifier(ctx context.Context, value string) ([]*Migration, error)

	// FindMigrationsBySourceIdentifier returns edges whose external source identifier matches, newest first.
	FindMigrationsBySourceIdentifier(ctx context.Context, value string) ([]*Migration, error)
}

// Tx is a unit of work over the graph. Edge relinking and persistence happen
// together or not at all.
type Tx interface {
	Reader

	// InsertObject stores the object and its identifiers and assigns its id.
	InsertObject(ctx context.Context, obj *DigitalObject) error

	// InsertMigration stores the edge and assigns its id.
	InsertMigration(ctx context.Context, m *Migration) error

	// DeleteMigration removes the edge.
	DeleteMigration(ctx context.Context, id int64) error
}

// Store is a transactional derivation graph store.
type Store interface {
	Reader

	// WithinTx runs fn in a transaction, committing when it returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}
