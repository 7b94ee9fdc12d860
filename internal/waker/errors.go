package waker

import "errors"

var (
	ErrStopped   = errors.New("waker stopped")
	ErrNoInstant = errors.New("waker: zero trigger instant")
)
