package entity

import (
	"encoding/json"
	"fmt"
)

// Status represents the lifecycle state of an entity instance.
type Status string

const (
	// StatusUninitialized indicates the instance has never been created.
	StatusUninitialized Status = "uninitialized"

	// StatusCreating indicates create is in progress.
	StatusCreating Status = "creating"

	// StatusReady indicates the resource is provisioned and operational.
	StatusReady Status = "ready"

	// StatusUpdating indicates update is in progress.
	StatusUpdating Status = "updating"

	// StatusDeleting indicates delete is in progress.
	StatusDeleting Status = "deleting"

	// StatusDeleted indicates the resource has been removed.
	StatusDeleted Status = "deleted"

	// StatusFailed indicates the last verb ended in an error.
	StatusFailed Status = "failed"
)

// IsTransitional returns true while a verb is in progress.
func (s Status) IsTransitional() bool {
	return s == StatusCreating || s == StatusUpdating || s == StatusDeleting
}

// IsTerminal returns true once no further lifecycle verb applies.
func (s Status) IsTerminal() bool {
	return s == StatusDeleted
}

// CanCreate returns true if create may run from this status.
func (s Status) CanCreate() bool {
	return s == "" || s == StatusUninitialized
}

// CanUpdate returns true if update may run from this status.
func (s Status) CanUpdate() bool {
	return s == StatusReady
}

// CanDelete returns true if delete may run from this status.
// Failed instances stay deletable so they are never stranded.
func (s Status) CanDelete() bool {
	return s == StatusReady || s == StatusFailed
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusUninitialized, StatusCreating, StatusReady,
		StatusUpdating, StatusDeleting, StatusDeleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid entity status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// Verb identifies a lifecycle operation on an entity instance.
type Verb string

const (
	// VerbCreate provisions or adopts the backing resource.
	VerbCreate Verb = "create"

	// VerbUpdate reconciles the resource with a changed definition.
	VerbUpdate Verb = "update"

	// VerbDelete removes or releases the backing resource.
	VerbDelete Verb = "delete"

	// VerbStart runs the optional post-create start hook.
	VerbStart Verb = "start"

	// VerbStop runs the optional stop hook.
	VerbStop Verb = "stop"

	// VerbReadiness runs the read-only readiness probe.
	VerbReadiness Verb = "readiness"

	// VerbLiveness runs the read-only liveness probe.
	VerbLiveness Verb = "liveness"

	// VerbAction dispatches a registered type-specific action.
	VerbAction Verb = "action"
)

// IsMutating returns true if the verb changes provider-side state.
func (v Verb) IsMutating() bool {
	return v == VerbCreate || v == VerbUpdate || v == VerbDelete ||
		v == VerbStart || v == VerbStop || v == VerbAction
}

// Validate checks if the verb is valid.
func (v Verb) Validate() error {
	switch v {
	case VerbCreate, VerbUpdate, VerbDelete, VerbStart, VerbStop,
		VerbReadiness, VerbLiveness, VerbAction:
		return nil
	default:
		return fmt.Errorf("invalid verb: %s", v)
	}
}

// EventType represents the type of a lifecycle event.
type EventType string

const (
	// EventVerbStarted indicates a lifecycle verb began executing.
	EventVerbStarted EventType = "verb_started"

	// EventVerbSucceeded indicates a lifecycle verb completed.
	EventVerbSucceeded EventType = "verb_succeeded"

	// EventVerbFailed indicates a lifecycle verb failed.
	EventVerbFailed EventType = "verb_failed"

	// EventStatusChanged indicates the instance moved between states.
	EventStatusChanged EventType = "status_changed"

	// EventAdopted indicates create bound a pre-existing resource.
	EventAdopted EventType = "adopted"

	// EventUpdateSkipped indicates update was a fingerprint no-op.
	EventUpdateSkipped EventType = "update_skipped"

	// EventActionInvoked indicates a registered action was dispatched.
	EventActionInvoked EventType = "action_invoked"
)

// Severity returns the log severity of the event type.
func (t EventType) Severity() string {
	if t == EventVerbFailed {
		return "error"
	}
	return "info"
}
