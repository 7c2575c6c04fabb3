package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memStore is a map-backed Store used by the package tests.
type memStore struct {
	mu         sync.Mutex
	objects    map[ObjectID]*DigitalObject
	migrations map[int64]*Migration
	nextObject ObjectID
	nextEdge   int64
}

func newMemStore() *memStore {
	return &memStore{
		objects:    make(map[ObjectID]*DigitalObject),
		migrations: make(map[int64]*Migration),
	}
}

func (s *memStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	objects := make(map[ObjectID]*DigitalObject, len(s.objects))
	for k, v := range s.objects {
		objects[k] = v
	}
	migrations := make(map[int64]*Migration, len(s.migrations))
	for k, v := range s.migrations {
		migrations[k] = v
	}
	nextObject, nextEdge := s.nextObject, s.nextEdge

	if err := fn(memTx{s}); err != nil {
		s.objects, s.migrations = objects, migrations
		s.nextObject, s.nextEdge = nextObject, nextEdge
		return err
	}
	return nil
}

func (s *memStore) reader() memTx { return memTx{s} }

func (s *memStore) GetObject(ctx context.Context, id ObjectID) (*DigitalObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().GetObject(ctx, id)
}

func (s *memStore) FindObjectsByIdentifier(ctx context.Context, value string) ([]*DigitalObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().FindObjectsByIdentifier(ctx, value)
}

func (s *memStore) ListObjects(ctx context.Context, filter ObjectFilter) ([]*DigitalObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().ListObjects(ctx, filter)
}

func (s *memStore) GetOrigin(ctx context.Context, result ObjectID) (*Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().GetOrigin(ctx, result)
}

func (s *memStore) ListDerivatives(ctx context.Context, source ObjectID, kind MigrationKind) ([]*Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().ListDerivatives(ctx, source, kind)
}

func (s *memStore) FindMigrationsByResultIdentifier(ctx context.Context, value string) ([]*Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().FindMigrationsByResultIdentifier(ctx, value)
}

func (s *memStore) FindMigrationsBySourceIdentifier(ctx context.Context, value string) ([]*Migration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reader().FindMigrationsBySourceIdentifier(ctx, value)
}

// memTx operates on the store without locking; callers hold s.mu.
type memTx struct{ s *memStore }

func (t memTx) GetObject(_ context.Context, id ObjectID) (*DigitalObject, error) {
	obj, ok := t.s.objects[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrObjectNotFound, id)
	}
	return obj, nil
}

func (t memTx) FindObjectsByIdentifier(_ context.Context, value string) ([]*DigitalObject, error) {
	var out []*DigitalObject
	for _, obj := range t.s.objects {
		if obj.HasIdentifier(value) {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t memTx) ListObjects(_ context.Context, filter ObjectFilter) ([]*DigitalObject, error) {
	var out []*DigitalObject
	for _, obj := range t.s.objects {
		if filter.OwnerID != "" && obj.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Format != "" && obj.Format != filter.Format {
			continue
		}
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t memTx) GetOrigin(_ context.Context, result ObjectID) (*Migration, error) {
	for _, m := range t.s.migrations {
		if m.ResultID != nil && *m.ResultID == result {
			return m, nil
		}
	}
	return nil, nil
}

func (t memTx) ListDerivatives(_ context.Context, source ObjectID, kind MigrationKind) ([]*Migration, error) {
	return t.edges(func(m *Migration) bool {
		return m.SourceID != nil && *m.SourceID == source && m.Kind == kind
	}), nil
}

func (t memTx) FindMigrationsByResultIdentifier(_ context.Context, value string) ([]*Migration, error) {
	out := t.edges(func(m *Migration) bool { return m.ResultIdentifier == value })
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t memTx) FindMigrationsBySourceIdentifier(_ context.Context, value string) ([]*Migration, error) {
	out := t.edges(func(m *Migration) bool { return m.SourceIdentifier == value })
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t memTx) edges(match func(*Migration) bool) []*Migration {
	var out []*Migration
	for _, m := range t.s.migrations {
		if match(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t memTx) InsertObject(_ context.Context, obj *DigitalObject) error {
	t.s.nextObject++
	obj.ID = t.s.nextObject
	t.s.objects[obj.ID] = obj
	return nil
}

func (t memTx) InsertMigration(_ context.Context, m *Migration) error {
	t.s.nextEdge++
	m.ID = t.s.nextEdge
	t.s.migrations[m.ID] = m
	return nil
}

func (t memTx) DeleteMigration(_ context.Context, id int64) error {
	if _, ok := t.s.migrations[id]; !ok {
		return fmt.Errorf("%w: id %d", ErrMigrationNotFound, id)
	}
	delete(t.s.migrations, id)
	return nil
}
