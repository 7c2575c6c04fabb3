package engine

import (
	"strings"
	"time"

	"github.com/preservo/preservo/pkg/graph"
)

// ServiceHop is one migration service step of a path.
type ServiceHop struct {
	// ServiceID names the service in the registry.
	ServiceID string `json:"service_id" yaml:"service_id"`

	// InputFormat is the format PUID the service reads.
	InputFormat string `json:"input_format" yaml:"input_format"`

	// OutputFormat is the format PUID the service writes.
	OutputFormat string `json:"output_format" yaml:"output_format"`

	// Async marks services that complete in the background and report a token.
	Async bool `json:"async,omitempty" yaml:"async,omitempty"`
}

// MigrationPath is an ordered chain of service hops.
type MigrationPath struct {
	ID       string       `json:"id"`
	Position int          `json:"position"`
	Hops     []ServiceHop `json:"hops"`
}

// String renders the path as "a -> b -> c".
func (p MigrationPath) String() string {
	ids := make([]string, len(p.Hops))
	for i, h := range p.Hops {
		ids[i] = h.ServiceID
	}
	return strings.Join(ids, " -> ")
}

// PlanCondition selects the candidate objects of a migration plan.
type PlanCondition struct {
	Type        ObjectCondition `json:"type" yaml:"type" validate:"required,oneof=all_objects by_owner by_identifiers"`
	Owner       string          `json:"owner,omitempty" yaml:"owner,omitempty" validate:"required_if=Type by_owner"`
	Identifiers []string        `json:"identifiers,omitempty" yaml:"identifiers,omitempty" validate:"required_if=Type by_identifiers,dive,required"`
}

// PlanSpec is the validated request to create a migration plan.
type PlanSpec struct {
	Name         string              `json:"name" yaml:"name" validate:"required,max=255"`
	Description  string              `json:"description,omitempty" yaml:"description,omitempty"`
	OwnerID      string              `json:"owner" yaml:"owner" validate:"required"`
	Kind         graph.MigrationKind `json:"kind" yaml:"kind" validate:"required,oneof=conversion optimization transformation"`
	SourceFormat string              `json:"source_format" yaml:"source_format" validate:"required"`
	TargetFormat string              `json:"target_format" yaml:"target_format" validate:"required"`
	Path         []string            `json:"path,omitempty" yaml:"path,omitempty" validate:"dive,required"`
	Condition    PlanCondition       `json:"condition" yaml:"condition"`
}

// MigrationPlan applies one path to many objects.
type MigrationPlan struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	OwnerID      string              `json:"owner"`
	Kind         graph.MigrationKind `json:"kind"`
	SourceFormat string              `json:"source_format"`
	TargetFormat string              `json:"target_format"`
	Condition    PlanCondition       `json:"condition"`
	Status       PlanStatus          `json:"status"`
	ActivePathID string              `json:"active_path_id,omitempty"`
	LastError    string              `json:"last_error,omitempty"`

	// WaitingFor is the object identifier or service token the plan waits on.
	WaitingFor    string `json:"waiting_for,omitempty"`
	WaitConfirmed bool   `json:"wait_confirmed,omitempty"`

	Paths     []MigrationPath `json:"paths,omitempty"`
	Items     []PlanItem      `json:"items,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ActivePath returns the plan's active path.
func (p *MigrationPlan) ActivePath() (*MigrationPath, bool) {
	return findPath(p.Paths, p.ActivePathID)
}

// ItemCounts returns the number of items in each status.
func (p *MigrationPlan) ItemCounts() map[ItemStatus]int {
	counts := make(map[ItemStatus]int, len(ItemStatuses))
	for _, item := range p.Items {
		counts[item.Status]++
	}
	return counts
}

// PlanItem is one candidate object of a migration plan.
type PlanItem struct {
	PlanID           string         `json:"plan_id"`
	Position         int            `json:"position"`
	ObjectID         graph.ObjectID `json:"object_id"`
	Identifier       string         `json:"identifier"`
	Status           ItemStatus     `json:"status"`
	Error            string         `json:"error,omitempty"`
	ResultIdentifier string         `json:"result_identifier,omitempty"`

	// HopIndex and PendingToken locate an asynchronous service call to resume.
	HopIndex     int    `json:"hop_index,omitempty"`
	PendingToken string `json:"pending_token,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DeliverySpec is the validated request to deliver one object.
type DeliverySpec struct {
	ObjectIdentifier string   `json:"object" yaml:"object" validate:"required"`
	OwnerID          string   `json:"owner" yaml:"owner" validate:"required"`
	TargetFormat     string   `json:"target_format" yaml:"target_format" validate:"required"`
	Destination      string   `json:"destination,omitempty" yaml:"destination,omitempty"`
	Path             []string `json:"path,omitempty" yaml:"path,omitempty" validate:"dive,required"`
}

// DeliveryPlan converts a single object and hands the result over.
type DeliveryPlan struct {
	ID               string          `json:"id"`
	ObjectIdentifier string          `json:"object"`
	OwnerID          string          `json:"owner"`
	SourceFormat     string          `json:"source_format"`
	TargetFormat     string          `json:"target_format"`
	Destination      string          `json:"destination,omitempty"`
	Status           DeliveryStatus  `json:"status"`
	Paths            []MigrationPath `json:"paths,omitempty"`
	ActivePathID     string          `json:"active_path_id,omitempty"`
	HopIndex         int             `json:"hop_index,omitempty"`
	PendingToken     string          `json:"pending_token,omitempty"`
	ResultLocation   string          `json:"result_location,omitempty"`
	Error            string          `json:"error,omitempty"`
	WaitingFor       string          `json:"waiting_for,omitempty"`
	WaitConfirmed    bool            `json:"wait_confirmed,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ActivePath returns the delivery's active path.
func (d *DeliveryPlan) ActivePath() (*MigrationPath, bool) {
	return findPath(d.Paths, d.ActivePathID)
}

func findPath(paths []MigrationPath, id string) (*MigrationPath, bool) {
	if id == "" {
		return nil, false
	}
	for i := range paths {
		if paths[i].ID == id {
			return &paths[i], true
		}
	}
	return nil, false
}

// Package is a fetched archival package.
type Package struct {
	Identifier string `json:"identifier"`
	Version    string `json:"version,omitempty"`
	Path       string `json:"path"`
}

// FileSet is a set of files below a directory.
type FileSet struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
}

// ObjectSpec describes a derivative to store.
type ObjectSpec struct {
	Name    string           `json:"name"`
	OwnerID string           `json:"owner"`
	Kind    graph.ObjectKind `json:"kind"`
	Format  string           `json:"format"`
	Files   *FileSet         `json:"files"`
}

// InvocationResult is the outcome of calling a service. Exactly one of Files
// and Token is set; a token means the service is still running.
type InvocationResult struct {
	Files *FileSet
	Token string
}

// Pending reports whether the service completes asynchronously.
func (r *InvocationResult) Pending() bool {
	return r.Token != ""
}

// Outcome is how a processing run ended.
type Outcome int

const (
	// OutcomeFinished means every item reached a terminal status.
	OutcomeFinished Outcome = iota

	// OutcomeWaiting means the run suspended on a confirmed wait.
	OutcomeWaiting

	// OutcomeCancelled means the run stopped because its context was cancelled.
	OutcomeCancelled

	// outcomeRestart means a wait was satisfied before it was confirmed.
	outcomeRestart
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "finished"
	case OutcomeWaiting:
		return "waiting"
	case OutcomeCancelled:
		return "cancelled"
	case outcomeRestart:
		return "restart"
	default:
		return "unknown"
	}
}
