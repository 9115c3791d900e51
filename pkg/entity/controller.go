package entity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Controller executes lifecycle verbs against registered entity types.
// It owns the state machine; concrete types only implement hooks.
type Controller struct {
	registry *Registry
	events   EventSink
	logger   zerolog.Logger
}

// NewController creates a controller over a type registry. A nil sink
// discards events.
func NewController(registry *Registry, logger zerolog.Logger, sink EventSink) *Controller {
	if sink == nil {
		sink = NopSink{}
	}
	return &Controller{
		registry: registry,
		events:   sink,
		logger:   logger.With().Str("component", "lifecycle-controller").Logger(),
	}
}

// prepare resolves the instance's descriptor, constructs a fresh hook
// implementation and runs the Before hook. A Before failure aborts the
// invocation with no side effects.
func (c *Controller) prepare(ctx context.Context, inst *Instance) (Entity, *Descriptor, error) {
	desc, err := c.registry.Get(inst.Type)
	if err != nil {
		return nil, nil, err
	}
	if inst.State == nil {
		inst.State = &State{}
	}
	ent := desc.New()
	if err := ent.Before(ctx, inst); err != nil {
		return nil, nil, fmt.Errorf("before hook: %w", err)
	}
	return ent, desc, nil
}

// Create provisions the backing resource, or adopts a pre-existing one
// with the same identity. The definition fingerprint is stored
// unconditionally on success.
func (c *Controller) Create(ctx context.Context, inst *Instance) error {
	ent, desc, err := c.prepare(ctx, inst)
	if err != nil {
		return err
	}
	if !inst.Status.CanCreate() {
		return NewInvalid(fmt.Sprintf("create not allowed from status %q", inst.Status), nil).
			WithEntity(inst.Ref()).WithOp("create")
	}
	c.started(ctx, inst, VerbCreate)
	c.transition(ctx, inst, StatusCreating)

	adopted, err := c.resolveExisting(ctx, ent, inst)
	if err != nil {
		return c.fail(ctx, inst, VerbCreate, err)
	}
	if !adopted {
		if err := ent.Create(ctx, inst); err != nil {
			if !IsConflict(err) {
				return c.fail(ctx, inst, VerbCreate, err)
			}
			// Someone holds our name. Retry the adoption path once; if
			// it still does not bind, surface the original conflict.
			c.logger.Info().
				Str("entity", inst.Ref()).
				Msg("Create conflicted, retrying adoption")
			retried, aerr := c.resolveExisting(ctx, ent, inst)
			if aerr != nil || !retried {
				return c.fail(ctx, inst, VerbCreate, err)
			}
			adopted = true
		}
	}
	if adopted {
		inst.State.Existing = true
		c.publish(ctx, inst, Event{
			Type:    EventAdopted,
			Verb:    VerbCreate,
			Message: "bound pre-existing resource",
		})
	}

	if err := c.storeFingerprint(desc, inst); err != nil {
		return c.fail(ctx, inst, VerbCreate, err)
	}

	if starter, ok := ent.(Starter); ok {
		if err := starter.Start(ctx, inst); err != nil {
			return c.fail(ctx, inst, VerbCreate, err)
		}
	}

	c.transition(ctx, inst, StatusReady)
	c.succeeded(ctx, inst, VerbCreate)
	return nil
}

// Update reconciles the resource with a changed definition. When the
// stored fingerprint matches the current material the provider is not
// called at all and the verb reports success.
func (c *Controller) Update(ctx context.Context, inst *Instance) error {
	ent, desc, err := c.prepare(ctx, inst)
	if err != nil {
		return err
	}
	if !inst.Status.CanUpdate() {
		return NewInvalid(fmt.Sprintf("update not allowed from status %q", inst.Status), nil).
			WithEntity(inst.Ref()).WithOp("update")
	}
	c.started(ctx, inst, VerbUpdate)

	material, err := desc.material(inst)
	if err != nil {
		return c.fail(ctx, inst, VerbUpdate, fmt.Errorf("resolve hash material: %w", err))
	}
	if !desc.DisableHashSkip {
		skip, err := ShouldSkipUpdate(inst.State, material)
		if err != nil {
			return c.fail(ctx, inst, VerbUpdate, err)
		}
		if skip {
			c.publish(ctx, inst, Event{
				Type:    EventUpdateSkipped,
				Verb:    VerbUpdate,
				Message: "definition unchanged",
			})
			c.succeeded(ctx, inst, VerbUpdate)
			return nil
		}
	}

	c.transition(ctx, inst, StatusUpdating)
	if err := ent.Update(ctx, inst); err != nil {
		return c.fail(ctx, inst, VerbUpdate, err)
	}
	if err := c.storeFingerprint(desc, inst); err != nil {
		return c.fail(ctx, inst, VerbUpdate, err)
	}

	c.transition(ctx, inst, StatusReady)
	c.succeeded(ctx, inst, VerbUpdate)
	return nil
}

// Delete removes the backing resource. Adopted resources are only
// released, never destroyed; a resource that is already gone counts as
// deleted.
func (c *Controller) Delete(ctx context.Context, inst *Instance) error {
	ent, _, err := c.prepare(ctx, inst)
	if err != nil {
		return err
	}
	if !inst.Status.CanDelete() {
		return NewInvalid(fmt.Sprintf("delete not allowed from status %q", inst.Status), nil).
			WithEntity(inst.Ref()).WithOp("delete")
	}
	c.started(ctx, inst, VerbDelete)
	c.transition(ctx, inst, StatusDeleting)

	if inst.State.Existing {
		if releaser, ok := ent.(Releaser); ok {
			if err := releaser.Release(ctx, inst); err != nil {
				// Best-effort cleanup of an adopted resource.
				c.logger.Warn().Err(err).
					Str("entity", inst.Ref()).
					Msg("Release of adopted resource failed, continuing")
			}
		}
	} else {
		if err := ent.Delete(ctx, inst); err != nil {
			if !IsNotFound(err) {
				return c.fail(ctx, inst, VerbDelete, err)
			}
			c.logger.Debug().
				Str("entity", inst.Ref()).
				Msg("Resource already gone")
		}
	}

	inst.State.clearIdentity()
	c.transition(ctx, inst, StatusDeleted)
	c.succeeded(ctx, inst, VerbDelete)
	return nil
}

// Start runs the optional start hook outside of create.
func (c *Controller) Start(ctx context.Context, inst *Instance) error {
	ent, _, err := c.prepare(ctx, inst)
	if err != nil {
		return err
	}
	starter, ok := ent.(Starter)
	if !ok {
		return NewInvalid(fmt.Sprintf("entity type %q implements no start hook", inst.Type), nil).
			WithEntity(inst.Ref()).WithOp("start")
	}
	if inst.Status != StatusReady {
		return NewInvalid(fmt.Sprintf("start not allowed from status %q", inst.Status), nil).
			WithEntity(inst.Ref()).WithOp("start")
	}
	c.started(ctx, inst, VerbStart)
	if err := starter.Start(ctx, inst); err != nil {
		return c.fail(ctx, inst, VerbStart, err)
	}
	c.succeeded(ctx, inst, VerbStart)
	return nil
}

// Stop runs the optional stop hook.
func (c *Controller) Stop(ctx context.Context, inst *Instance) error {
	ent, _, err := c.prepare(ctx, inst)
	if err != nil {
		return err
	}
	stopper, ok := ent.(Stopper)
	if !ok {
		return NewInvalid(fmt.Sprintf("entity type %q implements no stop hook", inst.Type), nil).
			WithEntity(inst.Ref()).WithOp("stop")
	}
	if inst.Status != StatusReady {
		return NewInvalid(fmt.Sprintf("stop not allowed from status %q", inst.Status), nil).
			WithEntity(inst.Ref()).WithOp("stop")
	}
	c.started(ctx, inst, VerbStop)
	if err := stopper.Stop(ctx, inst); err != nil {
		return c.fail(ctx, inst, VerbStop, err)
	}
	c.succeeded(ctx, inst, VerbStop)
	return nil
}

// CheckReadiness runs the read-only readiness probe. Probe failures are
// reported as not ready rather than as errors, unless the resource is
// unambiguously in a terminal error state. Types without a readiness
// check are always ready.
func (c *Controller) CheckReadiness(ctx context.Context, inst *Instance) (bool, error) {
	ent, _, err := c.prepare(ctx, inst)
	if err != nil {
		return false, err
	}
	if err := c.probeGate(inst, "readiness"); err != nil {
		return false, err
	}
	checker, ok := ent.(ReadinessChecker)
	if !ok {
		return true, nil
	}
	ready, err := checker.CheckReadiness(ctx, inst)
	if err != nil {
		if IsTerminal(err) {
			return false, err
		}
		c.logger.Debug().Err(err).
			Str("entity", inst.Ref()).
			Msg("Readiness probe failed, reporting not ready")
		return false, nil
	}
	return ready, nil
}

// CheckLiveness runs the read-only liveness probe with the same error
// contract as CheckReadiness.
func (c *Controller) CheckLiveness(ctx context.Context, inst *Instance) (bool, error) {
	ent, _, err := c.prepare(ctx, inst)
	if err != nil {
		return false, err
	}
	if err := c.probeGate(inst, "liveness"); err != nil {
		return false, err
	}
	checker, ok := ent.(LivenessChecker)
	if !ok {
		return true, nil
	}
	alive, err := checker.CheckLiveness(ctx, inst)
	if err != nil {
		if IsTerminal(err) {
			return false, err
		}
		c.logger.Debug().Err(err).
			Str("entity", inst.Ref()).
			Msg("Liveness probe failed, reporting not live")
		return false, nil
	}
	return alive, nil
}

// AwaitReadiness polls the readiness probe under the type's policy
// until the instance is ready, the budget runs out, or the resource
// enters a terminal error state.
func (c *Controller) AwaitReadiness(ctx context.Context, inst *Instance) error {
	desc, err := c.registry.Get(inst.Type)
	if err != nil {
		return err
	}
	return AwaitCondition(ctx, func(ctx context.Context) (bool, error) {
		return c.CheckReadiness(ctx, inst)
	}, desc.Readiness)
}

// Invoke dispatches a registered type-specific action. The lookup
// happens before any hook runs, so an unknown action name has no side
// effects.
func (c *Controller) Invoke(ctx context.Context, inst *Instance, action string, args map[string]any) (any, error) {
	desc, err := c.registry.Get(inst.Type)
	if err != nil {
		return nil, err
	}
	handler, ok := desc.Actions[action]
	if !ok {
		return nil, NewUnknownAction(inst.Type, action).WithEntity(inst.Ref())
	}
	if inst.Status.CanCreate() || inst.Status == StatusDeleted {
		return nil, NewInvalid(fmt.Sprintf("action %q requires an instantiated entity", action), nil).
			WithEntity(inst.Ref()).WithOp("action")
	}
	if inst.State == nil {
		inst.State = &State{}
	}
	ent := desc.New()
	if err := ent.Before(ctx, inst); err != nil {
		return nil, fmt.Errorf("before hook: %w", err)
	}

	c.publish(ctx, inst, Event{Type: EventVerbStarted, Verb: VerbAction, Action: action})
	result, err := handler(ctx, inst, args)
	if err != nil {
		c.publish(ctx, inst, Event{
			Type:   EventVerbFailed,
			Verb:   VerbAction,
			Action: action,
			Error:  err.Error(),
		})
		return nil, err
	}
	c.publish(ctx, inst, Event{Type: EventActionInvoked, Verb: VerbAction, Action: action})
	return result, nil
}

// resolveExisting runs the adoption probe for types that support it.
// Ambiguous probe failures are logged and treated as definitively
// absent; rejected credentials abort instead, so a misconfigured client
// can never fall through to create.
func (c *Controller) resolveExisting(ctx context.Context, ent Entity, inst *Instance) (bool, error) {
	adopter, ok := ent.(Adopter)
	if !ok {
		return false, nil
	}
	found, err := adopter.AdoptExisting(ctx, inst)
	if err != nil {
		if IsUnauthorized(err) {
			return false, err
		}
		if IsNotFound(err) {
			return false, nil
		}
		c.logger.Warn().Err(err).
			Str("entity", inst.Ref()).
			Msg("Existence probe failed, assuming absent")
		return false, nil
	}
	return found, nil
}

// storeFingerprint computes and stores the definition fingerprint.
func (c *Controller) storeFingerprint(desc *Descriptor, inst *Instance) error {
	material, err := desc.material(inst)
	if err != nil {
		return fmt.Errorf("resolve hash material: %w", err)
	}
	hash, err := Fingerprint(material)
	if err != nil {
		return err
	}
	inst.State.DefinitionHash = hash
	return nil
}

// probeGate rejects probes against instances that hold no resource.
func (c *Controller) probeGate(inst *Instance, probe string) error {
	if inst.Status.CanCreate() || inst.Status == StatusDeleted {
		return NewInvalid(fmt.Sprintf("no resource to probe in status %q", inst.Status), nil).
			WithEntity(inst.Ref()).WithOp(probe)
	}
	return nil
}

// transition moves the instance to the next status and publishes the
// change.
func (c *Controller) transition(ctx context.Context, inst *Instance, next Status) {
	prev := inst.Status
	inst.Status = next
	c.logger.Debug().
		Str("entity", inst.Ref()).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Status changed")
	c.publish(ctx, inst, Event{Type: EventStatusChanged, Status: next})
}

// fail marks the verb failed and returns the causing error.
func (c *Controller) fail(ctx context.Context, inst *Instance, verb Verb, err error) error {
	c.transition(ctx, inst, StatusFailed)
	c.publish(ctx, inst, Event{Type: EventVerbFailed, Verb: verb, Error: err.Error()})
	c.logger.Error().Err(err).
		Str("entity", inst.Ref()).
		Str("verb", string(verb)).
		Msg("Lifecycle verb failed")
	return err
}

func (c *Controller) started(ctx context.Context, inst *Instance, verb Verb) {
	c.publish(ctx, inst, Event{Type: EventVerbStarted, Verb: verb})
}

func (c *Controller) succeeded(ctx context.Context, inst *Instance, verb Verb) {
	c.publish(ctx, inst, Event{Type: EventVerbSucceeded, Verb: verb})
}

// publish stamps and emits a lifecycle event.
func (c *Controller) publish(ctx context.Context, inst *Instance, ev Event) {
	ev.Time = time.Now().UTC()
	ev.Entity = inst.Ref()
	ev.EntityType = inst.Type
	if ev.Status == "" {
		ev.Status = inst.Status
	}
	c.events.Publish(ctx, ev)
}
