package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxInfoLength is the longest free-text info stored on a migration edge.
const MaxInfoLength = 512

// ObjectKind is the variant of a digital object.
type ObjectKind string

const (
	// ObjectKindMaster is a lossless original.
	ObjectKindMaster ObjectKind = "master"

	// ObjectKindOptimized is a lossless derivative of a lossless object.
	ObjectKindOptimized ObjectKind = "optimized"

	// ObjectKindConverted is a lossy presentation derivative.
	ObjectKindConverted ObjectKind = "converted"
)

// IsLossless reports whether objects of this kind may be optimized.
func (k ObjectKind) IsLossless() bool {
	switch k {
	case ObjectKindMaster, ObjectKindOptimized:
		return true
	case ObjectKindConverted:
		return false
	default:
		panic(fmt.Sprintf("graph: unknown object kind %q", string(k)))
	}
}

// OriginKind returns the only migration kind allowed to produce an object of this kind.
func (k ObjectKind) OriginKind() MigrationKind {
	switch k {
	case ObjectKindMaster:
		return MigrationKindTransformation
	case ObjectKindOptimized:
		return MigrationKindOptimization
	case ObjectKindConverted:
		return MigrationKindConversion
	default:
		panic(fmt.Sprintf("graph: unknown object kind %q", string(k)))
	}
}

// Validate checks if the object kind is valid.
func (k ObjectKind) Validate() error {
	switch k {
	case ObjectKindMaster, ObjectKindOptimized, ObjectKindConverted:
		return nil
	default:
		return fmt.Errorf("invalid object kind: %s", k)
	}
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (k *ObjectKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind := ObjectKind(s)
	if err := kind.Validate(); err != nil {
		return err
	}
	*k = kind
	return nil
}

// MigrationKind is the kind of a provenance edge.
type MigrationKind string

const (
	// MigrationKindConversion produces a converted object from any object.
	MigrationKindConversion MigrationKind = "conversion"

	// MigrationKindOptimization produces an optimized object from a lossless one.
	MigrationKindOptimization MigrationKind = "optimization"

	// MigrationKindTransformation produces a master from a master.
	MigrationKindTransformation MigrationKind = "transformation"
)

// ResultKind returns the object kind an edge of this kind produces.
func (k MigrationKind) ResultKind() ObjectKind {
	switch k {
	case MigrationKindConversion:
		return ObjectKindConverted
	case MigrationKindOptimization:
		return ObjectKindOptimized
	case MigrationKindTransformation:
		return ObjectKindMaster
	default:
		panic(fmt.Sprintf("graph: unknown migration kind %q", string(k)))
	}
}

// AcceptsSource reports whether an edge of this kind may start at an object of the given kind.
func (k MigrationKind) AcceptsSource(source ObjectKind) bool {
	switch k {
	case MigrationKindConversion:
		return source.Validate() == nil
	case MigrationKindOptimization:
		return source.IsLossless()
	case MigrationKindTransformation:
		return source == ObjectKindMaster
	default:
		panic(fmt.Sprintf("graph: unknown migration kind %q", string(k)))
	}
}

// Validate checks if the migration kind is valid.
func (k MigrationKind) Validate() error {
	switch k {
	case MigrationKindConversion, MigrationKindOptimization, MigrationKindTransformation:
		return nil
	default:
		return fmt.Errorf("invalid migration kind: %s", k)
	}
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (k *MigrationKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	kind := MigrationKind(s)
	if err := kind.Validate(); err != nil {
		return err
	}
	*k = kind
	return nil
}

// MigrationKinds lists every migration kind in derivative search order.
var MigrationKinds = []MigrationKind{
	MigrationKindConversion,
	MigrationKindOptimization,
	MigrationKindTransformation,
}

// Direction tells the builder which end of a new edge the related object sits on.
type Direction string

const (
	// DirectionFrom means the subject was migrated from the related object (related is the source).
	DirectionFrom Direction = "from"

	// DirectionTo means the subject was migrated to the related object (related is the result).
	DirectionTo Direction = "to"
)

// ObjectID is the surrogate key of a stored object.
type ObjectID int64

// DigitalObject is a preserved item.
type DigitalObject struct {
	ID                ObjectID     `json:"id"`
	Kind              ObjectKind   `json:"kind"`
	Name              string       `json:"name"`
	OwnerID           string       `json:"owner_id"`
	Format            string       `json:"format"`
	CurrentVersion    string       `json:"current_version,omitempty"`
	DefaultIdentifier string       `json:"default_identifier"`
	Identifiers       []Identifier `json:"identifiers,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// HasIdentifier reports whether value is one of the object's identifiers.
func (o *DigitalObject) HasIdentifier(value string) bool {
	if o.DefaultIdentifier == value {
		return true
	}
	for _, id := range o.Identifiers {
		if id.Value == value {
			return true
		}
	}
	return false
}

// AddDerivative attaches m as an edge leaving o.
func (o *DigitalObject) AddDerivative(m *Migration) error {
	if !m.Kind.AcceptsSource(o.Kind) {
		return fmt.Errorf("%w: %s edge cannot start at %s object %s",
			ErrTypeMismatch, m.Kind, o.Kind, o.DefaultIdentifier)
	}
	id := o.ID
	m.SourceID = &id
	m.SourceIdentifier = ""
	m.SourceResolver = ""
	return nil
}

// AddSource attaches m as the origin edge of o.
func (o *DigitalObject) AddSource(m *Migration) error {
	if m.Kind.ResultKind() != o.Kind {
		return fmt.Errorf("%w: %s edge cannot produce %s object %s",
			ErrTypeMismatch, m.Kind, o.Kind, o.DefaultIdentifier)
	}
	id := o.ID
	m.ResultID = &id
	m.ResultIdentifier = ""
	m.ResultResolver = ""
	return nil
}

// Identifier maps a public string to a stored object.
type Identifier struct {
	Value    string   `json:"value"`
	Type     string   `json:"type"`
	Active   bool     `json:"active"`
	Default  bool     `json:"default"`
	ObjectID ObjectID `json:"object_id"`
}

// Migration is a provenance edge. Each endpoint is either a stored object id
// or an external identifier with its resolver, never both.
type Migration struct {
	ID   int64         `json:"id"`
	Kind MigrationKind `json:"kind"`
	Date time.Time     `json:"date"`
	Info string        `json:"info,omitempty"`

	SourceID         *ObjectID `json:"source_id,omitempty"`
	SourceIdentifier string    `json:"source_identifier,omitempty"`
	SourceResolver   string    `json:"source_resolver,omitempty"`

	ResultID         *ObjectID `json:"result_id,omitempty"`
	ResultIdentifier string    `json:"result_identifier,omitempty"`
	ResultResolver   string    `json:"result_resolver,omitempty"`
}

// Validate checks the structural rules of an edge.
func (m *Migration) Validate() error {
	if err := m.Kind.Validate(); err != nil {
		return err
	}
	if m.SourceID != nil && m.SourceIdentifier != "" {
		return fmt.Errorf("migration source has both an object and an identifier")
	}
	if m.ResultID != nil && m.ResultIdentifier != "" {
		return fmt.Errorf("migration result has both an object and an identifier")
	}
	sourceSet := m.SourceID != nil || m.SourceIdentifier != ""
	resultSet := m.ResultID != nil || m.ResultIdentifier != ""
	if !sourceSet && !resultSet {
		return fmt.Errorf("migration has neither source nor result")
	}
	if len([]rune(m.Info)) > MaxInfoLength {
		return fmt.Errorf("migration info exceeds %d characters", MaxInfoLength)
	}
	return nil
}

// MigrationRequest describes an edge to create or the fields to change on one.
// Empty fields are inherited from the edge being replaced.
type MigrationRequest struct {
	Kind       MigrationKind `json:"kind" yaml:"kind"`
	Identifier string        `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Resolver   string        `json:"resolver,omitempty" yaml:"resolver,omitempty"`
	Info       string        `json:"info,omitempty" yaml:"info,omitempty"`
	Date       time.Time     `json:"date,omitempty" yaml:"date,omitempty"`
}

// ObjectFilter selects stored objects.
type ObjectFilter struct {
	OwnerID string
	Format  string
}
