// Package secrets provides the named-secret collaborator entities reach
// through Instance.Secrets. Backends: a 0600 JSON file with atomic
// rewrite, read-only process environment variables, and an in-memory
// map for tests. Absent names are reported as not-found errors so
// callers can distinguish "unset" from "unreadable".
package secrets
