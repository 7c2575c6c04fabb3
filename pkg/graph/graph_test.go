package graph

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *Resolver, *memStore) {
	t.Helper()
	store := newMemStore()
	return NewManager(store, zerolog.Nop()), NewResolver(store), store
}

func registerObject(t *testing.T, m *Manager, kind ObjectKind, identifier string) *DigitalObject {
	t.Helper()
	obj := &DigitalObject{
		Kind:              kind,
		Name:              identifier,
		OwnerID:           "alice",
		Format:            "fmt/18",
		DefaultIdentifier: identifier,
		Identifiers:       []Identifier{{Value: identifier, Type: "local", Active: true, Default: true}},
	}
	require.NoError(t, m.RegisterObject(context.Background(), obj))
	return obj
}

func TestEdgeVariantCompatibility(t *testing.T) {
	kinds := []ObjectKind{ObjectKindMaster, ObjectKindOptimized, ObjectKindConverted}

	allowedSource := map[MigrationKind]map[ObjectKind]bool{
		MigrationKindConversion:     {ObjectKindMaster: true, ObjectKindOptimized: true, ObjectKindConverted: true},
		MigrationKindOptimization:   {ObjectKindMaster: true, ObjectKindOptimized: true},
		MigrationKindTransformation: {ObjectKindMaster: true},
	}
	allowedResult := map[MigrationKind]ObjectKind{
		MigrationKindConversion:     ObjectKindConverted,
		MigrationKindOptimization:   ObjectKindOptimized,
		MigrationKindTransformation: ObjectKindMaster,
	}

	for _, mk := range MigrationKinds {
		for _, ok := range kinds {
			obj := &DigitalObject{ID: 7, Kind: ok, DefaultIdentifier: "o"}

			err := obj.AddDerivative(&Migration{Kind: mk})
			if allowedSource[mk][ok] {
				assert.NoError(t, err, "AddDerivative %s on %s", mk, ok)
			} else {
				assert.ErrorIs(t, err, ErrTypeMismatch, "AddDerivative %s on %s", mk, ok)
			}

			err = obj.AddSource(&Migration{Kind: mk})
			if allowedResult[mk] == ok {
				assert.NoError(t, err, "AddSource %s on %s", mk, ok)
			} else {
				assert.ErrorIs(t, err, ErrTypeMismatch, "AddSource %s on %s", mk, ok)
			}
		}
	}
}

func TestAddDerivativeWiresObject(t *testing.T) {
	obj := &DigitalObject{ID: 3, Kind: ObjectKindMaster}
	m := &Migration{Kind: MigrationKindConversion, SourceIdentifier: "stale"}

	require.NoError(t, obj.AddDerivative(m))
	require.NotNil(t, m.SourceID)
	assert.Equal(t, ObjectID(3), *m.SourceID)
	assert.Empty(t, m.SourceIdentifier)
}

func TestBuildMigrationTruncatesInfo(t *testing.T) {
	tests := []struct {
		name string
		info string
		want int
	}{
		{name: "short", info: "converted for access", want: 20},
		{name: "exact", info: strings.Repeat("a", 512), want: 512},
		{name: "one over", info: strings.Repeat("a", 513), want: 512},
		{name: "multibyte", info: strings.Repeat("é", 600), want: 512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := BuildMigration(MigrationRequest{Kind: MigrationKindConversion, Info: tt.info}, DirectionFrom, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, len([]rune(m.Info)))
			if len([]rune(tt.info)) <= MaxInfoLength {
				assert.Equal(t, tt.info, m.Info)
			}
		})
	}
}

func TestBuildMigrationExternalEndpoint(t *testing.T) {
	req := MigrationRequest{
		Kind:       MigrationKindTransformation,
		Identifier: "ark:/99999/ext",
		Resolver:   "https://n2t.net/",
	}

	from, err := BuildMigration(req, DirectionFrom, nil)
	require.NoError(t, err)
	assert.Equal(t, "ark:/99999/ext", from.SourceIdentifier)
	assert.Equal(t, "https://n2t.net/", from.SourceResolver)
	assert.Nil(t, from.SourceID)

	to, err := BuildMigration(req, DirectionTo, nil)
	require.NoError(t, err)
	assert.Equal(t, "ark:/99999/ext", to.ResultIdentifier)
	assert.Nil(t, to.ResultID)
}

func TestBuildMigrationRelatedMismatch(t *testing.T) {
	converted := &DigitalObject{ID: 1, Kind: ObjectKindConverted}
	_, err := BuildMigration(MigrationRequest{Kind: MigrationKindOptimization}, DirectionFrom, converted)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestTransformationScenario(t *testing.T) {
	ctx := context.Background()
	m, r, _ := newTestManager(t)

	o1 := registerObject(t, m, ObjectKindMaster, "O1")
	registerObject(t, m, ObjectKindMaster, "O2")

	edge, err := m.CreateMigration(ctx, "O2", DirectionFrom, MigrationRequest{
		Kind:       MigrationKindTransformation,
		Identifier: "O1",
		Info:       "normalised to PDF/A",
	})
	require.NoError(t, err)
	require.NotNil(t, edge.SourceID)
	assert.Equal(t, o1.ID, *edge.SourceID)

	origin, err := r.GetOrigin(ctx, "O2")
	require.NoError(t, err)
	require.NotNil(t, origin.Relation)
	assert.True(t, origin.Local)
	assert.Equal(t, MigrationKindTransformation, origin.Relation.Kind)
	assert.Equal(t, "O1", origin.Relation.Source.Identifier)

	derivs, err := r.GetDerivatives(ctx, "O1")
	require.NoError(t, err)
	require.Len(t, derivs.Transformed, 1)
	assert.Equal(t, "O2", derivs.Transformed[0].Result.Identifier)

	require.NoError(t, m.DeleteMigratedFrom(ctx, "O2"))

	origin, err = r.GetOrigin(ctx, "O2")
	require.NoError(t, err)
	assert.Nil(t, origin.Relation)

	derivs, err = r.GetDerivatives(ctx, "O1")
	require.NoError(t, err)
	assert.Empty(t, derivs.Transformed)
}

func TestCreateMigrationRejectsSecondOrigin(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	registerObject(t, m, ObjectKindMaster, "src")
	registerObject(t, m, ObjectKindConverted, "dst")

	_, err := m.CreateMigration(ctx, "dst", DirectionFrom, MigrationRequest{Kind: MigrationKindConversion, Identifier: "src"})
	require.NoError(t, err)

	_, err = m.CreateMigration(ctx, "dst", DirectionFrom, MigrationRequest{Kind: MigrationKindConversion, Identifier: "ext-1"})
	assert.ErrorIs(t, err, ErrOriginExists)
}

func TestCreateMigrationSubjectMismatch(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	registerObject(t, m, ObjectKindConverted, "access-copy")

	_, err := m.CreateMigration(ctx, "access-copy", DirectionFrom, MigrationRequest{Kind: MigrationKindOptimization, Identifier: "ext"})
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = m.CreateMigration(ctx, "missing", DirectionFrom, MigrationRequest{Kind: MigrationKindConversion})
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestModifyMigratedFromInheritsFields(t *testing.T) {
	ctx := context.Background()
	m, r, _ := newTestManager(t)

	registerObject(t, m, ObjectKindConverted, "access")
	date := time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := m.CreateMigration(ctx, "access", DirectionFrom, MigrationRequest{
		Kind:       MigrationKindConversion,
		Identifier: "urn:nbn:de:1",
		Resolver:   "https://nbn-resolving.org/",
		Info:       "first",
		Date:       date,
	})
	require.NoError(t, err)

	updated, err := m.ModifyMigratedFrom(ctx, "access", MigrationRequest{Info: "second"})
	require.NoError(t, err)
	assert.Equal(t, "second", updated.Info)
	assert.Equal(t, "urn:nbn:de:1", updated.SourceIdentifier)
	assert.Equal(t, "https://nbn-resolving.org/", updated.SourceResolver)
	assert.True(t, date.Equal(updated.Date))

	origin, err := r.GetOrigin(ctx, "access")
	require.NoError(t, err)
	require.NotNil(t, origin.Relation)
	assert.Equal(t, updated.ID, origin.Relation.MigrationID)

	_, err = m.ModifyMigratedFrom(ctx, "access", MigrationRequest{Kind: MigrationKindTransformation})
	assert.ErrorIs(t, err, ErrIncompatibleMigrationType)

	origin, err = r.GetOrigin(ctx, "access")
	require.NoError(t, err)
	assert.Equal(t, updated.ID, origin.Relation.MigrationID, "failed modification must not remove the edge")
}

func TestModifyMigratedFromWithoutOriginCreates(t *testing.T) {
	ctx := context.Background()
	m, r, _ := newTestManager(t)
	registerObject(t, m, ObjectKindOptimized, "opt")

	_, err := m.ModifyMigratedFrom(ctx, "opt", MigrationRequest{Kind: MigrationKindOptimization, Identifier: "ext"})
	require.NoError(t, err)

	has, err := r.HasOrigin(ctx, "opt", MigrationKindOptimization)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMigratedToSearch(t *testing.T) {
	ctx := context.Background()
	m, r, _ := newTestManager(t)

	registerObject(t, m, ObjectKindMaster, "master")
	registerObject(t, m, ObjectKindOptimized, "opt")

	_, err := m.CreateMigration(ctx, "master", DirectionTo, MigrationRequest{Kind: MigrationKindOptimization, Identifier: "opt"})
	require.NoError(t, err)
	_, err = m.CreateMigration(ctx, "master", DirectionTo, MigrationRequest{Kind: MigrationKindConversion, Identifier: "remote-jpeg"})
	require.NoError(t, err)

	updated, err := m.ModifyMigratedTo(ctx, "master", "remote-jpeg", MigrationRequest{Info: "thumbnail"})
	require.NoError(t, err)
	assert.Equal(t, "remote-jpeg", updated.ResultIdentifier)
	assert.Equal(t, "thumbnail", updated.Info)

	_, err = m.ModifyMigratedTo(ctx, "master", "opt", MigrationRequest{Kind: MigrationKindConversion})
	assert.ErrorIs(t, err, ErrIncompatibleMigrationType)

	require.NoError(t, m.DeleteMigratedTo(ctx, "master", "opt"))
	assert.ErrorIs(t, m.DeleteMigratedTo(ctx, "master", "opt"), ErrMigrationNotFound)

	derivs, err := r.GetDerivatives(ctx, "master")
	require.NoError(t, err)
	assert.Empty(t, derivs.Optimized)
	assert.Len(t, derivs.Converted, 1)
}

func TestDeleteMigratedToOnConvertedObject(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	registerObject(t, m, ObjectKindConverted, "jpeg")

	assert.ErrorIs(t, m.DeleteMigratedTo(ctx, "jpeg", "anything"), ErrMigrationNotFound)
}

func TestOriginFallback(t *testing.T) {
	ctx := context.Background()
	m, r, _ := newTestManager(t)
	registerObject(t, m, ObjectKindMaster, "local")

	_, err := m.CreateMigration(ctx, "local", DirectionTo, MigrationRequest{
		Kind:       MigrationKindConversion,
		Identifier: "foreign-1",
		Resolver:   "https://example.org/resolve",
	})
	require.NoError(t, err)

	origin, err := r.GetOrigin(ctx, "foreign-1")
	require.NoError(t, err)
	assert.False(t, origin.Local)
	require.NotNil(t, origin.Relation)
	assert.Equal(t, "local", origin.Relation.Source.Identifier)
	assert.Equal(t, "foreign-1", origin.Relation.Result.Identifier)

	_, err = r.GetOrigin(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDerivativesFallback(t *testing.T) {
	ctx := context.Background()
	m, r, _ := newTestManager(t)
	registerObject(t, m, ObjectKindConverted, "copy")

	_, err := m.CreateMigration(ctx, "copy", DirectionFrom, MigrationRequest{Kind: MigrationKindConversion, Identifier: "foreign-src"})
	require.NoError(t, err)

	derivs, err := r.GetDerivatives(ctx, "foreign-src")
	require.NoError(t, err)
	assert.False(t, derivs.Local)
	require.Len(t, derivs.Converted, 1)
	assert.Equal(t, "copy", derivs.Converted[0].Result.Identifier)

	_, err = r.GetDerivatives(ctx, "nowhere")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestUnknownKindPanics(t *testing.T) {
	assert.Panics(t, func() { ObjectKind("draft").IsLossless() })
	assert.Panics(t, func() { MigrationKind("copy").ResultKind() })
}
