// Package apiclient provides the REST client for the managed platform
// API that the postgres, accesspolicy, and mailidentity entity types
// are built on. It speaks JSON with bearer-token auth and classifies
// HTTP failures into the error kinds the lifecycle engine acts on, so
// providers can return client errors unwrapped.
package apiclient
