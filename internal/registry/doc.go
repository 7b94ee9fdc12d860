// Package registry persists alarm definitions and per-date history in a
// local SQLite database. It is the single source of truth; the orchestrator
// is the only writer.
package registry
