// Package orchestrator ties the recurrence evaluator, the alarm registry,
// and the wake-up adapter together: creating definitions with duplicate
// detection, recording fire outcomes, re-arming, split-on-edit, batch
// recovery after boot or clock changes, and the transient one-minute defer.
//
// It is the exclusive writer of both entity types. No panic crosses its
// boundary; every operation returns a value or an error.
package orchestrator
