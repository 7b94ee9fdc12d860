// Package notifier turns alarm lifecycle events into user-facing messages
// on a delivery channel. The pipeline is best-effort by design: alarm state
// lives in the registry, so a lost message never loses a dose record.
package notifier
