// Package runner orchestrates lifecycle verbs end to end: it parses
// definition files, gates verbs on admission policies, serializes work
// per instance through a store-level lease, dispatches to the lifecycle
// controller, persists the resulting instance state, and journals one
// invocation row plus the lifecycle events it produced.
//
// The Runner is wired once from configuration via Open (telemetry,
// store, secret chain, registry with the built-in entity types, policy
// engine) or assembled from explicit collaborators via New for tests
// and embedders. Verb methods are safe for sequential use; concurrent
// verbs against the same instance are rejected by the lease.
package runner
