package entity

import (
	"context"
	"time"
)

// Instance is one named occurrence of an entity type: its definition,
// its persisted state and its current lifecycle status.
type Instance struct {
	// Namespace scopes the instance name.
	Namespace string `json:"namespace"`

	// Name is the instance name, unique within the namespace.
	Name string `json:"name"`

	// Type is the registered entity type name, e.g. "postgres.cluster".
	Type string `json:"type"`

	// Definition is the immutable desired state for this invocation.
	Definition Definition `json:"definition"`

	// State is the mutable record persisted between invocations.
	State *State `json:"state"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Secrets gives hooks access to the named-secret collaborator.
	// May be nil for types that use no secrets.
	Secrets SecretStore `json:"-"`
}

// Ref returns the namespace/name reference of the instance.
func (i *Instance) Ref() string {
	return i.Namespace + "/" + i.Name
}

// SecretName returns a secret name scoped to this instance.
func (i *Instance) SecretName(suffix string) string {
	return i.Namespace + "/" + i.Name + "/" + suffix
}

// Entity is the hook contract every concrete type implements. All hooks
// are blocking and synchronous; the controller runs at most one verb at
// a time per instance.
type Entity interface {
	// Before runs once per invocation, before any verb. It establishes
	// provider clients and sessions. A failure aborts the invocation
	// with no side effects.
	Before(ctx context.Context, inst *Instance) error

	// Create provisions the backing resource and binds its identifying
	// fields into the instance state. Already-exists conflicts must be
	// returned classified as KindConflict so the controller can reroute
	// through adoption.
	Create(ctx context.Context, inst *Instance) error

	// Update reconciles the backing resource with a changed definition.
	// It only runs when the definition fingerprint changed.
	Update(ctx context.Context, inst *Instance) error

	// Delete destroys the backing resource. Not-found must be returned
	// classified as KindNotFound; the controller treats it as success.
	// Delete is never called for adopted (existing) resources.
	Delete(ctx context.Context, inst *Instance) error
}

// Adopter is implemented by types that can bind pre-existing resources
// instead of creating duplicates.
type Adopter interface {
	// AdoptExisting probes the provider for a resource matching the
	// instance's identity. When one is found it binds all discoverable
	// observed fields into the instance state, applies only
	// non-destructive follow-up configuration, and reports true.
	// A definitive absence reports (false, nil).
	AdoptExisting(ctx context.Context, inst *Instance) (bool, error)
}

// Releaser is implemented by types that need cleanup when an adopted
// resource is deleted. Release detaches what the entity itself attached
// and must not destroy the resource. Errors are logged, not fatal.
type Releaser interface {
	Release(ctx context.Context, inst *Instance) error
}

// ReadinessChecker is implemented by types whose resources become ready
// asynchronously. The probe is strictly read-only.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context, inst *Instance) (bool, error)
}

// LivenessChecker is implemented by types that can probe whether the
// resource is still operational. The probe is strictly read-only.
type LivenessChecker interface {
	CheckLiveness(ctx context.Context, inst *Instance) (bool, error)
}

// Starter is implemented by types with work between create and ready,
// such as blocking on provider operations via AwaitOperation.
type Starter interface {
	Start(ctx context.Context, inst *Instance) error
}

// Stopper is implemented by types that support an orderly stop.
type Stopper interface {
	Stop(ctx context.Context, inst *Instance) error
}

// SecretStore is the named-secret collaborator available to hooks.
// Get returns a KindNotFound error for absent names.
type SecretStore interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error
}

// Event is one lifecycle event published by the controller.
type Event struct {
	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Entity is the namespace/name of the instance.
	Entity string `json:"entity"`

	// EntityType is the instance's registered type name.
	EntityType string `json:"entity_type"`

	// Verb is the lifecycle verb in flight, if any.
	Verb Verb `json:"verb,omitempty"`

	// Status is the instance status after the event.
	Status Status `json:"status,omitempty"`

	// Action is the dispatched action name for action events.
	Action string `json:"action,omitempty"`

	// Message is an optional human-readable note.
	Message string `json:"message,omitempty"`

	// Error is the error text for failure events.
	Error string `json:"error,omitempty"`
}

// EventSink receives lifecycle events. Implementations must not block
// the verb; publishing is fire-and-forget from the engine's view.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// NopSink discards all events.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(context.Context, Event) {}
