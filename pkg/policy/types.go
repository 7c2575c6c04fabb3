package policy

import (
	"time"

	"github.com/preservo/preservo/pkg/engine"
)

// Policy is a Rego module contributing rules to the authorization package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Config holds the data the built-in rules decide on.
type Config struct {
	// Admins may do anything.
	Admins []string `json:"admins" mapstructure:"admins" yaml:"admins"`

	// Readers may read every object.
	Readers []string `json:"readers" mapstructure:"readers" yaml:"readers"`

	// PublicRead lets every user read every object.
	PublicRead bool `json:"public_read" mapstructure:"public_read" yaml:"public_read"`

	// Paths are extra .rego or .json policy files or directories.
	Paths []string `json:"paths,omitempty" mapstructure:"paths" yaml:"paths,omitempty"`
}

// AccessInput is the input document of an authorization query.
type AccessInput struct {
	User       string            `json:"user"`
	Permission engine.Permission `json:"permission"`
	Resource   ResourceInfo      `json:"resource"`
	Context    *AccessContext    `json:"context"`
}

// ResourceInfo describes the object access is requested to.
type ResourceInfo struct {
	ID      string `json:"id"`
	Exists  bool   `json:"exists"`
	Owner   string `json:"owner,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Format  string `json:"format,omitempty"`
	Matches int    `json:"matches"`
}

// AccessContext provides context information for policy evaluation.
type AccessContext struct {
	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the outcome of an authorization query.
type Decision struct {
	// Allowed is true when some rule allows access and no rule denies it.
	Allowed bool `json:"allowed"`

	// Reasons lists the messages of the deny rules that matched.
	Reasons []string `json:"reasons,omitempty"`

	// EvaluatedAt is when the query was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}
