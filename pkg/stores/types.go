package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openmoor/moor/pkg/entity"
)

// InvocationStatus represents the status of a verb invocation
type InvocationStatus string

const (
	InvocationStatusRunning   InvocationStatus = "running"
	InvocationStatusSucceeded InvocationStatus = "succeeded"
	InvocationStatusFailed    InvocationStatus = "failed"
)

// EntityRecord represents the persisted row for one entity instance
type EntityRecord struct {
	Namespace  string        `json:"namespace"`
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	Status     entity.Status `json:"status"`
	Definition string        `json:"definition"` // JSON blob
	State      string        `json:"state"`      // JSON blob
	Labels     string        `json:"labels"`     // JSON object, denormalized from the definition for filtering
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// NewEntityRecord builds the persisted row form of an instance.
func NewEntityRecord(inst *entity.Instance) (*EntityRecord, error) {
	def, err := json.Marshal(inst.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition: %w", err)
	}

	state := inst.State
	if state == nil {
		state = &entity.State{}
	}
	st, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}

	labels := inst.Definition.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	lb, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("failed to encode labels: %w", err)
	}

	now := time.Now().UTC()
	return &EntityRecord{
		Namespace:  inst.Namespace,
		Name:       inst.Name,
		Type:       inst.Type,
		Status:     inst.Status,
		Definition: string(def),
		State:      string(st),
		Labels:     string(lb),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Instance reconstructs the entity instance held in the record. The
// secret collaborator is not persisted and must be attached by the
// caller.
func (r *EntityRecord) Instance() (*entity.Instance, error) {
	var def entity.Definition
	if err := json.Unmarshal([]byte(r.Definition), &def); err != nil {
		return nil, fmt.Errorf("failed to decode definition for %s/%s: %w", r.Namespace, r.Name, err)
	}

	state := &entity.State{}
	if r.State != "" {
		if err := json.Unmarshal([]byte(r.State), state); err != nil {
			return nil, fmt.Errorf("failed to decode state for %s/%s: %w", r.Namespace, r.Name, err)
		}
	}

	return &entity.Instance{
		Namespace:  r.Namespace,
		Name:       r.Name,
		Type:       r.Type,
		Definition: def,
		State:      state,
		Status:     r.Status,
	}, nil
}

// Invocation represents a single verb dispatch against an entity
type Invocation struct {
	ID          string           `json:"id"`
	Namespace   string           `json:"namespace"`
	Name        string           `json:"name"`
	EntityType  string           `json:"entity_type"`
	Verb        entity.Verb      `json:"verb"`
	Action      *string          `json:"action,omitempty"` // set for action dispatches only
	Status      InvocationStatus `json:"status"`
	Error       *string          `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// EventRecord represents an append-only lifecycle event row
type EventRecord struct {
	ID           int64            `json:"id"`
	InvocationID *string          `json:"invocation_id,omitempty"`
	Type         entity.EventType `json:"type"`
	Entity       string           `json:"entity"` // namespace/name reference
	EntityType   string           `json:"entity_type"`
	Verb         *string          `json:"verb,omitempty"`
	Action       *string          `json:"action,omitempty"`
	Status       *string          `json:"status,omitempty"`
	Message      string           `json:"message"`
	Error        *string          `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NewEventRecord builds the persisted row form of a lifecycle event.
// invocationID links the event to the verb invocation it occurred in
// and may be nil.
func NewEventRecord(ev entity.Event, invocationID *string) *EventRecord {
	rec := &EventRecord{
		InvocationID: invocationID,
		Type:         ev.Type,
		Entity:       ev.Entity,
		EntityType:   ev.EntityType,
		Message:      ev.Message,
		Timestamp:    ev.Time,
	}
	if ev.Verb != "" {
		verb := string(ev.Verb)
		rec.Verb = &verb
	}
	if ev.Action != "" {
		action := ev.Action
		rec.Action = &action
	}
	if ev.Status != "" {
		status := string(ev.Status)
		rec.Status = &status
	}
	if ev.Error != "" {
		errText := ev.Error
		rec.Error = &errText
	}
	return rec
}

// Lock represents a named lease held by one runner
type Lock struct {
	Name       string     `json:"name"`
	Holder     string     `json:"holder"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"` // nil = held until released
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Entity operations
	UpsertEntity(ctx context.Context, rec *EntityRecord) error
	GetEntity(ctx context.Context, namespace, name string) (*EntityRecord, error)
	ListEntities(ctx context.Context, namespace *string, entityType *string, status *entity.Status, limit, offset int) ([]*EntityRecord, error)
	UpdateEntityStatus(ctx context.Context, namespace, name string, status entity.Status) error
	DeleteEntity(ctx context.Context, namespace, name string) error

	// Invocation operations
	CreateInvocation(ctx context.Context, inv *Invocation) error
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	CompleteInvocation(ctx context.Context, id string, status InvocationStatus, err *string) error
	ListInvocations(ctx context.Context, namespace *string, name *string, verb *entity.Verb, limit, offset int) ([]*Invocation, error)

	// Event operations
	AppendEvent(ctx context.Context, ev *EventRecord) error
	GetEvents(ctx context.Context, entityRef *string, invocationID *string, eventType *entity.EventType, limit, offset int) ([]*EventRecord, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Lock operations
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, holder string) error
	GetLock(ctx context.Context, name string) (*Lock, error)
	DeleteExpiredLocks(ctx context.Context) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
