// Package entity provides the core lifecycle engine for moor entities.
//
// # Overview
//
// An entity wraps the full lifecycle of one external cloud resource (a
// database cluster, an access policy, an email identity, a bucket, a
// virtual machine). The engine drives every entity through the same
// state machine and gives each concrete type a small set of hooks to
// implement:
//
//	Uninitialized -> Creating -> {Ready, Failed}
//	Ready         -> Updating -> {Ready, Failed}
//	Ready         -> Deleting -> {Deleted, Failed}
//
// # Core Domain Types
//
//   - Definition: immutable caller-supplied desired state plus artifact
//     metadata
//   - State: mutable per-instance record persisted between invocations
//   - Instance: one named entity occurrence (definition + state + status)
//   - Descriptor: per-type registration (constructor, readiness policy,
//     actions)
//   - Controller: executes lifecycle verbs against registered types
//
// # Entity Contract
//
// Every type implements the four required hooks:
//
//	type Entity interface {
//	    Before(ctx context.Context, inst *Instance) error
//	    Create(ctx context.Context, inst *Instance) error
//	    Update(ctx context.Context, inst *Instance) error
//	    Delete(ctx context.Context, inst *Instance) error
//	}
//
// Optional capabilities are detected by interface assertion: Adopter
// (existence probing and adoption of pre-existing resources), Releaser
// (non-destructive cleanup of adopted resources), ReadinessChecker,
// LivenessChecker, Starter and Stopper.
//
// # Idempotency
//
// The engine makes create and update idempotent without provider help:
//
//   - Create resolves existence first and adopts matching resources
//     instead of creating duplicates; a duplicate-name conflict from the
//     provider reroutes through adoption once more.
//   - Update fingerprints the definition together with the artifact
//     metadata and skips the provider call entirely when the stored
//     fingerprint matches.
//   - Delete treats a missing remote resource as success, and never
//     destroys resources the engine merely adopted.
//
// # Waiting
//
// Two bounded waiting primitives cover asynchronous providers:
//
//   - AwaitCondition polls a readiness predicate under a ReadinessPolicy
//     (initial delay, fixed period, bounded attempts).
//   - AwaitOperation polls a provider operation handle until it reports
//     completed or failed, absorbing read errors along the way.
//
// Both sleep on real timers and honor context cancellation.
//
// # Error Classification
//
// All engine and provider errors are classified for handling logic
// (transient, throttled, conflict, not_found, unauthorized, invalid,
// timeout, terminal). Use the predicate helpers to inspect them:
//
//	if entity.IsConflict(err) {
//	    // a resource with this name already exists
//	}
//
// String matching on error text is never used for control flow.
package entity
