package engine

import (
	"encoding/json"
	"fmt"
)

// PlanStatus represents the lifecycle state of a migration plan.
type PlanStatus string

const (
	// PlanStatusNew indicates the plan has several candidate paths and none is active.
	PlanStatusNew PlanStatus = "new"

	// PlanStatusReady indicates the plan has an active path and can be started.
	PlanStatusReady PlanStatus = "ready"

	// PlanStatusRunning indicates the plan is processing or waiting for an object.
	PlanStatusRunning PlanStatus = "running"

	// PlanStatusPaused indicates an operator paused the plan.
	PlanStatusPaused PlanStatus = "paused"

	// PlanStatusFinished indicates the plan is done. No transition leaves it.
	PlanStatusFinished PlanStatus = "finished"
)

// String implements fmt.Stringer.
func (s PlanStatus) String() string {
	return string(s)
}

// CanStart reports whether a plan in this status may be started.
func (s PlanStatus) CanStart() bool {
	return s == PlanStatusNew || s == PlanStatusReady || s == PlanStatusPaused
}

// CanPause reports whether a plan in this status may be paused.
func (s PlanStatus) CanPause() bool {
	return s == PlanStatusRunning
}

// CanFinish reports whether a plan in this status may be finished.
func (s PlanStatus) CanFinish() bool {
	return s != PlanStatusFinished
}

// IsActive reports whether the plan is running or paused mid-way.
func (s PlanStatus) IsActive() bool {
	return s == PlanStatusRunning || s == PlanStatusPaused
}

// IsTerminal returns true if the plan status represents a final state.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusFinished
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusNew, PlanStatusReady, PlanStatusRunning, PlanStatusPaused, PlanStatusFinished:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// ItemStatus represents the processing state of one object in a migration plan.
type ItemStatus string

const (
	// ItemStatusNotYetStarted indicates the object has not been touched.
	ItemStatusNotYetStarted ItemStatus = "not_yet_started"

	// ItemStatusInProgress indicates processing began and may be resumed.
	ItemStatusInProgress ItemStatus = "in_progress"

	// ItemStatusUploaded indicates the derivative was stored but its provenance is not yet recorded.
	ItemStatusUploaded ItemStatus = "uploaded"

	// ItemStatusDone indicates the derivative and its provenance edge exist.
	ItemStatusDone ItemStatus = "done"

	// ItemStatusErrorPermissions indicates the plan owner may not migrate the object.
	ItemStatusErrorPermissions ItemStatus = "error_permissions"

	// ItemStatusErrorFetching indicates the object could not be fetched or unpacked.
	ItemStatusErrorFetching ItemStatus = "error_fetching"

	// ItemStatusErrorService indicates a migration service failed.
	ItemStatusErrorService ItemStatus = "error_service"

	// ItemStatusErrorCreation indicates the derivative could not be stored.
	ItemStatusErrorCreation ItemStatus = "error_creation"

	// ItemStatusError indicates any other per-object failure.
	ItemStatusError ItemStatus = "error"
)

// ItemStatuses lists every item status in reporting order.
var ItemStatuses = []ItemStatus{
	ItemStatusNotYetStarted,
	ItemStatusInProgress,
	ItemStatusUploaded,
	ItemStatusDone,
	ItemStatusErrorPermissions,
	ItemStatusErrorFetching,
	ItemStatusErrorService,
	ItemStatusErrorCreation,
	ItemStatusError,
}

// IsError reports whether the item ended in failure.
func (s ItemStatus) IsError() bool {
	switch s {
	case ItemStatusErrorPermissions, ItemStatusErrorFetching, ItemStatusErrorService,
		ItemStatusErrorCreation, ItemStatusError:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the item will not be processed again.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusDone || s.IsError()
}

// Validate checks if the item status is valid.
func (s ItemStatus) Validate() error {
	for _, v := range ItemStatuses {
		if s == v {
			return nil
		}
	}
	return fmt.Errorf("invalid item status: %s", s)
}

// DeliveryStatus represents the state of a delivery plan.
type DeliveryStatus string

const (
	// DeliveryStatusNew indicates the delivery has not started.
	DeliveryStatusNew DeliveryStatus = "new"

	// DeliveryStatusRunning indicates the delivery is processing or waiting.
	DeliveryStatusRunning DeliveryStatus = "running"

	// DeliveryStatusError indicates the delivery failed.
	DeliveryStatusError DeliveryStatus = "error"

	// DeliveryStatusCompleted indicates the files were delivered.
	DeliveryStatusCompleted DeliveryStatus = "completed"
)

// String implements fmt.Stringer.
func (s DeliveryStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the delivery status represents a final state.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusError || s == DeliveryStatusCompleted
}

// Validate checks if the delivery status is valid.
func (s DeliveryStatus) Validate() error {
	switch s {
	case DeliveryStatusNew, DeliveryStatusRunning, DeliveryStatusError, DeliveryStatusCompleted:
		return nil
	default:
		return fmt.Errorf("invalid delivery status: %s", s)
	}
}

// ObjectCondition selects the candidate objects of a migration plan.
type ObjectCondition string

const (
	// ConditionAllObjects selects every object of the source format.
	ConditionAllObjects ObjectCondition = "all_objects"

	// ConditionByOwner selects the owner's objects of the source format.
	ConditionByOwner ObjectCondition = "by_owner"

	// ConditionByIdentifiers selects the listed objects.
	ConditionByIdentifiers ObjectCondition = "by_identifiers"
)

// Validate checks if the condition is valid.
func (c ObjectCondition) Validate() error {
	switch c {
	case ConditionAllObjects, ConditionByOwner, ConditionByIdentifiers:
		return nil
	default:
		return fmt.Errorf("invalid object condition: %s", c)
	}
}

// Permission is the kind of access checked before touching an object.
type Permission string

const (
	// PermissionRead allows fetching the object.
	PermissionRead Permission = "read"

	// PermissionMigrate allows deriving new objects from the object.
	PermissionMigrate Permission = "migrate"

	// PermissionModify allows changing the object's provenance.
	PermissionModify Permission = "modify"
)

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ItemStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ItemStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ItemStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeliveryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeliveryStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeliveryStatus(str)
	return s.Validate()
}
