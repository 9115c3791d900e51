// Package stores provides the persistence layer for moor. It includes
// SQLite-based storage with WAL mode, connection pooling, embedded
// schema migrations, and CRUD operations for entity records, verb
// invocations, lifecycle events, and runner leases.
package stores
