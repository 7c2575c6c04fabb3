package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/preservo/preservo/pkg/graph"
)

const objectColumns = `id, kind, name, owner_id, format, current_version, default_identifier, created_at`

const migrationColumns = `id, kind, date, info,
	source_object_id, source_identifier, source_resolver,
	result_object_id, result_identifier, result_resolver`

// graphReader answers graph queries over a database or a transaction.
type graphReader struct {
	q querier
}

// graphTx is a graph.Tx bound to one SQL transaction.
type graphTx struct {
	graphReader
}

// WithinTx implements graph.Store.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx graph.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(graphTx{graphReader{tx}})
	})
}

func (s *SQLiteStore) reader() graphReader { return graphReader{s.db} }

// GetObject implements graph.Reader.
func (s *SQLiteStore) GetObject(ctx context.Context, id graph.ObjectID) (*graph.DigitalObject, error) {
	return s.reader().GetObject(ctx, id)
}

// FindObjectsByIdentifier implements graph.Reader.
func (s *SQLiteStore) FindObjectsByIdentifier(ctx context.Context, value string) ([]*graph.DigitalObject, error) {
	return s.reader().FindObjectsByIdentifier(ctx, value)
}

// ListObjects implements graph.Reader.
func (s *SQLiteStore) ListObjects(ctx context.Context, filter graph.ObjectFilter) ([]*graph.DigitalObject, error) {
	return s.reader().ListObjects(ctx, filter)
}

// GetOrigin implements graph.Reader.
func (s *SQLiteStore) GetOrigin(ctx context.Context, result graph.ObjectID) (*graph.Migration, error) {
	return s.reader().GetOrigin(ctx, result)
}

// ListDerivatives implements graph.Reader.
func (s *SQLiteStore) ListDerivatives(ctx context.Context, source graph.ObjectID, kind graph.MigrationKind) ([]*graph.Migration, error) {
	return s.reader().ListDerivatives(ctx, source, kind)
}

// FindMigrationsByResultIdentifier implements graph.Reader.
func (s *SQLiteStore) FindMigrationsByResultIdentifier(ctx context.Context, value string) ([]*graph.Migration, error) {
	return s.reader().FindMigrationsByResultIdentifier(ctx, value)
}

// FindMigrationsBySourceIdentifier implements graph.Reader.
func (s *SQLiteStore) FindMigrationsBySourceIdentifier(ctx context.Context, value string) ([]*graph.Migration, error) {
	return s.reader().FindMigrationsBySourceIdentifier(ctx, value)
}

func (r graphReader) GetObject(ctx context.Context, id graph.ObjectID) (*graph.DigitalObject, error) {
	objs, err := r.objects(ctx, `SELECT `+objectColumns+` FROM objects WHERE id = ?`, int64(id))
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("%w: id %d", graph.ErrObjectNotFound, id)
	}
	return objs[0], nil
}

func (r graphReader) FindObjectsByIdentifier(ctx context.Context, value string) ([]*graph.DigitalObject, error) {
	return r.objects(ctx, `
		SELECT `+objectColumns+` FROM objects
		WHERE default_identifier = ?
		   OR id IN (SELECT object_id FROM identifiers WHERE value = ?)
		ORDER BY id`, value, value)
}

func (r graphReader) ListObjects(ctx context.Context, filter graph.ObjectFilter) ([]*graph.DigitalObject, error) {
	var where []string
	var args []any
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Format != "" {
		where = append(where, "format = ?")
		args = append(args, filter.Format)
	}

	query := `SELECT ` + objectColumns + ` FROM objects`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	return r.objects(ctx, query, args...)
}

// objects runs an object query and loads each object's identifiers. Rows are
// drained before the identifier queries run, so a single connection suffices.
func (r graphReader) objects(ctx context.Context, query string, args ...any) ([]*graph.DigitalObject, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	var out []*graph.DigitalObject
	for rows.Next() {
		obj := &graph.DigitalObject{}
		if err := rows.Scan(
			&obj.ID,
			&obj.Kind,
			&obj.Name,
			&obj.OwnerID,
			&obj.Format,
			&obj.CurrentVersion,
			&obj.DefaultIdentifier,
			&obj.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating objects: %w", err)
	}
	rows.Close()

	for _, obj := range out {
		if obj.Identifiers, err = r.identifiers(ctx, obj.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r graphReader) identifiers(ctx context.Context, id graph.ObjectID) ([]graph.Identifier, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT value, type, active, is_default, object_id
		FROM identifiers
		WHERE object_id = ?
		ORDER BY id`, int64(id))
	if err != nil {
		return nil, fmt.Errorf("failed to query identifiers: %w", err)
	}
	defer rows.Close()

	var out []graph.Identifier
	for rows.Next() {
		var ident graph.Identifier
		if err := rows.Scan(&ident.Value, &ident.Type, &ident.Active, &ident.Default, &ident.ObjectID); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		out = append(out, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identifiers: %w", err)
	}
	return out, nil
}

func (r graphReader) GetOrigin(ctx context.Context, result graph.ObjectID) (*graph.Migration, error) {
	edges, err := r.migrations(ctx, `SELECT `+migrationColumns+` FROM migrations WHERE result_object_id = ?`, int64(result))
	if err != nil || len(edges) == 0 {
		return nil, err
	}
	return edges[0], nil
}

func (r graphReader) ListDerivatives(ctx context.Context, source graph.ObjectID, kind graph.MigrationKind) ([]*graph.Migration, error) {
	return r.migrations(ctx, `
		SELECT `+migrationColumns+` FROM migrations
		WHERE source_object_id = ? AND kind = ?
		ORDER BY id`, int64(source), string(kind))
}

func (r graphReader) FindMigrationsByResultIdentifier(ctx context.Context, value string) ([]*graph.Migration, error) {
	return r.migrations(ctx, `
		SELECT `+migrationColumns+` FROM migrations
		WHERE result_identifier = ?
		ORDER BY date DESC, id DESC`, value)
}

func (r graphReader) FindMigrationsBySourceIdentifier(ctx context.Context, value string) ([]*graph.Migration, error) {
	return r.migrations(ctx, `
		SELECT `+migrationColumns+` FROM migrations
		WHERE source_identifier = ?
		ORDER BY date DESC, id DESC`, value)
}

func (r graphReader) migrations(ctx context.Context, query string, args ...any) ([]*graph.Migration, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var out []*graph.Migration
	for rows.Next() {
		m := &graph.Migration{}
		var sourceID, resultID sql.NullInt64
		if err := rows.Scan(
			&m.ID,
			&m.Kind,
			&m.Date,
			&m.Info,
			&sourceID,
			&m.SourceIdentifier,
			&m.SourceResolver,
			&resultID,
			&m.ResultIdentifier,
			&m.ResultResolver,
		); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		m.SourceID = objectID(sourceID)
		m.ResultID = objectID(resultID)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}
	return out, nil
}

func objectID(v sql.NullInt64) *graph.ObjectID {
	if !v.Valid {
		return nil
	}
	id := graph.ObjectID(v.Int64)
	return &id
}

func nullObjectID(id *graph.ObjectID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

// InsertObject stores the object with its identifiers. The default identifier
// is added to the identifier list when missing.
func (t graphTx) InsertObject(ctx context.Context, obj *graph.DigitalObject) error {
	result, err := t.q.ExecContext(ctx, `
		INSERT INTO objects (kind, name, owner_id, format, current_version, default_identifier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(obj.Kind),
		obj.Name,
		obj.OwnerID,
		obj.Format,
		obj.CurrentVersion,
		obj.DefaultIdentifier,
		obj.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create object: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get object ID: %w", err)
	}
	obj.ID = graph.ObjectID(id)

	idents := obj.Identifiers
	hasDefault := false
	for i := range idents {
		if idents[i].Value == obj.DefaultIdentifier {
			idents[i].Default = true
			hasDefault = true
		} else {
			idents[i].Default = false
		}
	}
	if !hasDefault {
		idents = append([]graph.Identifier{{Value: obj.DefaultIdentifier, Active: true, Default: true}}, idents...)
	}

	for i := range idents {
		idents[i].ObjectID = obj.ID
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO identifiers (object_id, value, type, active, is_default)
			VALUES (?, ?, ?, ?, ?)`,
			id, idents[i].Value, idents[i].Type, idents[i].Active, idents[i].Default,
		); err != nil {
			return fmt.Errorf("failed to create identifier %s: %w", idents[i].Value, err)
		}
	}
	obj.Identifiers = idents
	return nil
}

// InsertMigration stores the edge. A second origin for the same result object
// violates the unique index and is reported as graph.ErrOriginExists.
func (t graphTx) InsertMigration(ctx context.Context, m *graph.Migration) error {
	result, err := t.q.ExecContext(ctx, `
		INSERT INTO migrations (kind, date, info,
			source_object_id, source_identifier, source_resolver,
			result_object_id, result_identifier, result_resolver)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.Kind),
		m.Date,
		m.Info,
		nullObjectID(m.SourceID),
		m.SourceIdentifier,
		m.SourceResolver,
		nullObjectID(m.ResultID),
		m.ResultIdentifier,
		m.ResultResolver,
	)
	if err != nil {
		if isUniqueViolation(err) && m.ResultID != nil {
			return fmt.Errorf("%w: object %d", graph.ErrOriginExists, *m.ResultID)
		}
		return fmt.Errorf("failed to create migration: %w", err)
	}
	if m.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get migration ID: %w", err)
	}
	return nil
}

// DeleteMigration removes the edge.
func (t graphTx) DeleteMigration(ctx context.Context, id int64) error {
	result, err := t.q.ExecContext(ctx, `DELETE FROM migrations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete migration: %w", err)
	}
	return expectRows(result, fmt.Errorf("%w: id %d", graph.ErrMigrationNotFound, id))
}

func isUniqueViolation(err error) bool {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		// SQLITE_CONSTRAINT_UNIQUE
		return coded.Code() == 2067
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
