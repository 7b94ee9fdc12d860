// Package alarm holds the domain model and the recurrence evaluator:
// which dates a definition is due on, and the next instant it must fire.
//
// Everything here is pure; persistence and scheduling live in
// internal/registry and internal/waker.
package alarm
