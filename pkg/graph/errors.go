package graph

import "errors"

var (
	// ErrObjectNotFound is returned when an identifier does not resolve to a stored object.
	ErrObjectNotFound = errors.New("object not found")

	// ErrMigrationNotFound is returned when no matching edge exists.
	ErrMigrationNotFound = errors.New("migration not found")

	// ErrTypeMismatch is returned when an edge kind is incompatible with an object variant.
	ErrTypeMismatch = errors.New("migration kind does not match object kind")

	// ErrIncompatibleMigrationType is returned when a modification changes the kind of an edge.
	ErrIncompatibleMigrationType = errors.New("incompatible migration type")

	// ErrOriginExists is returned when an object would get a second origin edge.
	ErrOriginExists = errors.New("object already has an origin")
)
