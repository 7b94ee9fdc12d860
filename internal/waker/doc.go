// Package waker adapts the "invoke me at instant T" capability the
// orchestrator needs. One pending wake-up per alarm identity; arming again
// replaces, disarming is idempotent, and an exact-precision denial degrades
// to a coarse timer lane instead of dropping the request.
package waker
