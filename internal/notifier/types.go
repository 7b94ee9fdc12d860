package notifier

import (
	"context"
	"time"
)

// Config controls the firing-notification pipeline.
type Config struct {
	Enabled    bool
	QueueSize  int
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
}

// Sender is one delivery channel. Implementations must be safe for
// concurrent use.
type Sender interface {
	Name() string
	Send(ctx context.Context, text string) error
}
