package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Manager creates and mutates provenance edges.
type Manager struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a new graph manager.
func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "graph-manager").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterObject stores a new object with its identifiers.
func (m *Manager) RegisterObject(ctx context.Context, obj *DigitalObject) error {
	if err := obj.Kind.Validate(); err != nil {
		return err
	}
	if obj.DefaultIdentifier == "" {
		return fmt.Errorf("object %q has no default identifier", obj.Name)
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = m.now()
	}
	return m.store.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertObject(ctx, obj)
	})
}

// CreateMigration records that the object named by identifier was migrated
// from (DirectionFrom) or to (DirectionTo) the object named in the request.
// The related side is linked only when the request identifier matches exactly
// one stored object.
func (m *Manager) CreateMigration(ctx context.Context, identifier string, dir Direction, req MigrationRequest) (*Migration, error) {
	var created *Migration
	err := m.store.WithinTx(ctx, func(tx Tx) error {
		subject, err := resolveObject(ctx, tx, identifier)
		if err != nil {
			return err
		}
		created, err = m.insert(ctx, tx, subject, dir, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("identifier", identifier).
		Str("direction", string(dir)).
		Str("kind", string(created.Kind)).
		Int64("migration_id", created.ID).
		Msg("Migration created")

	return created, nil
}

// DeleteMigratedFrom removes the origin edge of the object.
func (m *Manager) DeleteMigratedFrom(ctx context.Context, identifier string) error {
	return m.store.WithinTx(ctx, func(tx Tx) error {
		subject, err := resolveObject(ctx, tx, identifier)
		if err != nil {
			return err
		}
		origin, err := originOf(ctx, tx, subject)
		if err != nil {
			return err
		}
		if origin == nil {
			return fmt.Errorf("%w: %s has no origin", ErrMigrationNotFound, identifier)
		}
		return tx.DeleteMigration(ctx, origin.ID)
	})
}

// ModifyMigratedFrom replaces the origin edge of the object. Fields left
// empty in req are taken from the replaced edge; the kind may not change.
// An object without an origin gets a new one.
func (m *Manager) ModifyMigratedFrom(ctx context.Context, identifier string, req MigrationRequest) (*Migration, error) {
	var updated *Migration
	err := m.store.WithinTx(ctx, func(tx Tx) error {
		subject, err := resolveObject(ctx, tx, identifier)
		if err != nil {
			return err
		}
		old, err := originOf(ctx, tx, subject)
		if err != nil {
			return err
		}
		if old == nil {
			updated, err = m.insert(ctx, tx, subject, DirectionFrom, req)
			return err
		}

		merged, err := inherit(ctx, tx, req, old, old.SourceID, old.SourceIdentifier, old.SourceResolver)
		if err != nil {
			return err
		}
		if err := tx.DeleteMigration(ctx, old.ID); err != nil {
			return err
		}
		updated, err = m.insert(ctx, tx, subject, DirectionFrom, merged)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteMigratedTo removes the edge leading from the object to resultIdentifier.
func (m *Manager) DeleteMigratedTo(ctx context.Context, identifier, resultIdentifier string) error {
	return m.store.WithinTx(ctx, func(tx Tx) error {
		subject, err := resolveObject(ctx, tx, identifier)
		if err != nil {
			return err
		}
		edge, err := findMigratedTo(ctx, tx, subject, resultIdentifier)
		if err != nil {
			return err
		}
		return tx.DeleteMigration(ctx, edge.ID)
	})
}

// ModifyMigratedTo replaces the edge leading from the object to resultIdentifier.
func (m *Manager) ModifyMigratedTo(ctx context.Context, identifier, resultIdentifier string, req MigrationRequest) (*Migration, error) {
	var updated *Migration
	err := m.store.WithinTx(ctx, func(tx Tx) error {
		subject, err := resolveObject(ctx, tx, identifier)
		if err != nil {
			return err
		}
		old, err := findMigratedTo(ctx, tx, subject, resultIdentifier)
		if err != nil {
			return err
		}

		merged, err := inherit(ctx, tx, req, old, old.ResultID, old.ResultIdentifier, old.ResultResolver)
		if err != nil {
			return err
		}
		if err := tx.DeleteMigration(ctx, old.ID); err != nil {
			return err
		}
		updated, err = m.insert(ctx, tx, subject, DirectionTo, merged)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// insert builds an edge between subject and the request's related side and stores it.
func (m *Manager) insert(ctx context.Context, tx Tx, subject *DigitalObject, dir Direction, req MigrationRequest) (*Migration, error) {
	related, err := lookupRelated(ctx, tx, req.Identifier)
	if err != nil {
		return nil, err
	}
	if related != nil && related.ID == subject.ID {
		return nil, fmt.Errorf("object %s cannot be migrated from itself", subject.DefaultIdentifier)
	}

	edge, err := BuildMigration(req, dir, related)
	if err != nil {
		return nil, err
	}

	switch dir {
	case DirectionFrom:
		err = subject.AddSource(edge)
	case DirectionTo:
		err = subject.AddDerivative(edge)
	default:
		panic(fmt.Sprintf("graph: unknown direction %q", string(dir)))
	}
	if err != nil {
		return nil, err
	}

	if edge.ResultID != nil {
		existing, err := tx.GetOrigin(ctx, *edge.ResultID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, fmt.Errorf("%w: object %d", ErrOriginExists, *edge.ResultID)
		}
	}

	if edge.Date.IsZero() {
		edge.Date = m.now()
	}
	if err := edge.Validate(); err != nil {
		return nil, err
	}
	if err := tx.InsertMigration(ctx, edge); err != nil {
		return nil, err
	}
	return edge, nil
}

// inherit fills the empty fields of req from the edge being replaced. The
// related side is described by id (a stored object) or identifier/resolver.
func inherit(ctx context.Context, r Reader, req MigrationRequest, old *Migration,
	id *ObjectID, identifier, resolver string) (MigrationRequest, error) {
	if req.Kind == "" {
		req.Kind = old.Kind
	}
	if req.Kind != old.Kind {
		return req, fmt.Errorf("%w: cannot change %s to %s", ErrIncompatibleMigrationType, old.Kind, req.Kind)
	}
	if req.Identifier == "" {
		if id != nil {
			obj, err := r.GetObject(ctx, *id)
			if err != nil {
				return req, err
			}
			req.Identifier = obj.DefaultIdentifier
		} else {
			req.Identifier = identifier
		}
	}
	if req.Resolver == "" {
		req.Resolver = resolver
	}
	if req.Date.IsZero() {
		req.Date = old.Date
	}
	if req.Info == "" {
		req.Info = old.Info
	}
	return req, nil
}

// resolveObject returns the stored object carrying identifier.
func resolveObject(ctx context.Context, r Reader, identifier string) (*DigitalObject, error) {
	objs, err := r.FindObjectsByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, identifier)
	}
	return objs[0], nil
}

// lookupRelated returns the object for identifier when exactly one matches.
func lookupRelated(ctx context.Context, r Reader, identifier string) (*DigitalObject, error) {
	if identifier == "" {
		return nil, nil
	}
	objs, err := r.FindObjectsByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if len(objs) != 1 {
		return nil, nil
	}
	return objs[0], nil
}

// originOf returns the origin edge of o, checking it against o's variant.
func originOf(ctx context.Context, r Reader, o *DigitalObject) (*Migration, error) {
	want := o.Kind.OriginKind()
	edge, err := r.GetOrigin(ctx, o.ID)
	if err != nil || edge == nil {
		return nil, err
	}
	if edge.Kind != want {
		return nil, fmt.Errorf("%w: %s object %s has a %s origin",
			ErrTypeMismatch, o.Kind, o.DefaultIdentifier, edge.Kind)
	}
	return edge, nil
}

// derivativeKinds lists the derivative edge kinds an object of kind k may have.
func derivativeKinds(k ObjectKind) []MigrationKind {
	kinds := []MigrationKind{MigrationKindConversion}
	if k.IsLossless() {
		kinds = append(kinds, MigrationKindOptimization)
	}
	if k == ObjectKindMaster {
		kinds = append(kinds, MigrationKindTransformation)
	}
	return kinds
}

// findMigratedTo searches the derivative lists of o for an edge whose result is resultIdentifier.
func findMigratedTo(ctx context.Context, r Reader, o *DigitalObject, resultIdentifier string) (*Migration, error) {
	for _, kind := range derivativeKinds(o.Kind) {
		edges, err := r.ListDerivatives(ctx, o.ID, kind)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			ok, err := resultMatches(ctx, r, edge, resultIdentifier)
			if err != nil {
				return nil, err
			}
			if ok {
				return edge, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s has no derivative %s", ErrMigrationNotFound, o.DefaultIdentifier, resultIdentifier)
}

func resultMatches(ctx context.Context, r Reader, edge *Migration, identifier string) (bool, error) {
	if identifier == "" {
		return false, nil
	}
	if edge.ResultIdentifier == identifier {
		return true, nil
	}
	if edge.ResultID == nil {
		return false, nil
	}
	obj, err := r.GetObject(ctx, *edge.ResultID)
	if err != nil {
		return false, err
	}
	return obj.HasIdentifier(identifier), nil
}
