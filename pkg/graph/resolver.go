package graph

import (
	"context"
	"errors"
	"time"
)

// Endpoint is one end of a resolved relation.
type Endpoint struct {
	Local      bool       `json:"local"`
	ObjectID   *ObjectID  `json:"object_id,omitempty"`
	Identifier string     `json:"identifier,omitempty"`
	Resolver   string     `json:"resolver,omitempty"`
	Kind       ObjectKind `json:"kind,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Relation is a read view of a migration edge with both endpoints resolved.
type Relation struct {
	MigrationID int64         `json:"migration_id"`
	Kind        MigrationKind `json:"kind"`
	Date        time.Time     `json:"date"`
	Info        string        `json:"info,omitempty"`
	Source      Endpoint      `json:"source"`
	Result      Endpoint      `json:"result"`
}

// Origin is the upstream view of an identifier.
type Origin struct {
	Identifier string    `json:"identifier"`
	Local      bool      `json:"local"`
	Relation   *Relation `json:"relation,omitempty"`
}

// Derivatives is the downstream view of an identifier.
type Derivatives struct {
	Identifier  string     `json:"identifier"`
	Local       bool       `json:"local"`
	Converted   []Relation `json:"converted"`
	Optimized   []Relation `json:"optimized"`
	Transformed []Relation `json:"transformed"`
}

// All returns every relation in search order.
func (d *Derivatives) All() []Relation {
	all := make([]Relation, 0, len(d.Converted)+len(d.Optimized)+len(d.Transformed))
	all = append(all, d.Converted...)
	all = append(all, d.Optimized...)
	return append(all, d.Transformed...)
}

func (d *Derivatives) add(rel Relation) {
	switch rel.Kind {
	case MigrationKindConversion:
		d.Converted = append(d.Converted, rel)
	case MigrationKindOptimization:
		d.Optimized = append(d.Optimized, rel)
	case MigrationKindTransformation:
		d.Transformed = append(d.Transformed, rel)
	default:
		panic("graph: unknown migration kind " + string(rel.Kind))
	}
}

// Resolver answers origin and derivative queries.
// Stored objects take precedence; identifiers that are not stored are
// resolved from the external identifiers recorded on edges.
type Resolver struct {
	store Reader
}

// NewResolver creates a new resolver.
func NewResolver(store Reader) *Resolver {
	return &Resolver{store: store}
}

// GetOrigin returns the origin of the object named by identifier.
func (r *Resolver) GetOrigin(ctx context.Context, identifier string) (*Origin, error) {
	obj, notFound := resolveObject(ctx, r.store, identifier)
	if notFound == nil {
		edge, err := originOf(ctx, r.store, obj)
		if err != nil {
			return nil, err
		}
		origin := &Origin{Identifier: identifier, Local: true}
		if edge != nil {
			rel, err := r.relation(ctx, edge)
			if err != nil {
				return nil, err
			}
			origin.Relation = rel
		}
		return origin, nil
	}
	if !errors.Is(notFound, ErrObjectNotFound) {
		return nil, notFound
	}

	edges, err := r.store.FindMigrationsByResultIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, notFound
	}
	rel, err := r.relation(ctx, edges[0])
	if err != nil {
		return nil, err
	}
	return &Origin{Identifier: identifier, Relation: rel}, nil
}

// GetDerivatives returns every edge leaving the object named by identifier.
func (r *Resolver) GetDerivatives(ctx context.Context, identifier string) (*Derivatives, error) {
	obj, notFound := resolveObject(ctx, r.store, identifier)
	if notFound == nil {
		out := &Derivatives{Identifier: identifier, Local: true}
		for _, kind := range derivativeKinds(obj.Kind) {
			edges, err := r.store.ListDerivatives(ctx, obj.ID, kind)
			if err != nil {
				return nil, err
			}
			for _, edge := range edges {
				rel, err := r.relation(ctx, edge)
				if err != nil {
					return nil, err
				}
				out.add(*rel)
			}
		}
		return out, nil
	}
	if !errors.Is(notFound, ErrObjectNotFound) {
		return nil, notFound
	}

	edges, err := r.store.FindMigrationsBySourceIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return nil, notFound
	}
	out := &Derivatives{Identifier: identifier}
	for _, edge := range edges {
		rel, err := r.relation(ctx, edge)
		if err != nil {
			return nil, err
		}
		out.add(*rel)
	}
	return out, nil
}

// HasOrigin reports whether the stored object named by identifier has an origin of the given kind.
func (r *Resolver) HasOrigin(ctx context.Context, identifier string, kind MigrationKind) (bool, error) {
	origin, err := r.GetOrigin(ctx, identifier)
	if errors.Is(err, ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return origin.Local && origin.Relation != nil && origin.Relation.Kind == kind, nil
}

func (r *Resolver) relation(ctx context.Context, m *Migration) (*Relation, error) {
	source, err := r.endpoint(ctx, m.SourceID, m.SourceIdentifier, m.SourceResolver)
	if err != nil {
		return nil, err
	}
	result, err := r.endpoint(ctx, m.ResultID, m.ResultIdentifier, m.ResultResolver)
	if err != nil {
		return nil, err
	}
	return &Relation{
		MigrationID: m.ID,
		Kind:        m.Kind,
		Date:        m.Date,
		Info:        m.Info,
		Source:      source,
		Result:      result,
	}, nil
}

func (r *Resolver) endpoint(ctx context.Context, id *ObjectID, identifier, resolver string) (Endpoint, error) {
	if id == nil {
		return Endpoint{Identifier: identifier, Resolver: resolver}, nil
	}
	obj, err := r.store.GetObject(ctx, *id)
	if err != nil {
		return Endpoint{}, err
	}
	oid := obj.ID
	return Endpoint{
		Local:      true,
		ObjectID:   &oid,
		Identifier: obj.DefaultIdentifier,
		Kind:       obj.Kind,
		Name:       obj.Name,
	}, nil
}
