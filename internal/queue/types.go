package queue

import (
	"context"
	"time"
)

// Task is one unit of retryable asynchronous work.
//
// A nil error means terminal success. Errors are classified by the retry
// policy; the queue never returns them to the enqueuer.
type Task func(ctx context.Context) error

// Config controls the dispatch queue.
type Config struct {
	// ConcurrencyLimit bounds the number of in-flight tasks.
	ConcurrencyLimit int

	// MaxRetries is the per-item retry budget (attempts = 1 + MaxRetries).
	MaxRetries int

	// BreakerThreshold opens the circuit after this many consecutive
	// terminal failures across the whole queue. <= 0 applies the default.
	BreakerThreshold int

	// BreakerCooldown is how long dispatch stays suspended once the
	// circuit opens. The cooldown is a fixed constant per opening; it does
	// not grow across repeated openings.
	BreakerCooldown time.Duration

	// RecheckInterval is the poll interval while the circuit is open.
	RecheckInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConcurrencyLimit <= 0 {
		c.ConcurrencyLimit = 5
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 10
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = time.Second
	}
	return c
}

// Item is the queue's handle for one enqueued task. Owned exclusively by the
// queue from enqueue until terminal success or exhausted retries.
type Item struct {
	ID         uint64
	Priority   int
	EnqueuedAt time.Time

	task       Task
	retryCount int
}

// RetryCount reports how many retries the item has consumed so far.
// Safe to read only after the queue drained (or from queue callbacks).
func (it *Item) RetryCount() int { return it.retryCount }

// Stats is a point-in-time snapshot of queue counters and metadata.
//
// Processed counts terminal outcomes only; a retried attempt is not terminal.
// At drain time Success+Failed == Processed == total enqueued since the last
// ResetStats.
type Stats struct {
	Processed int
	Success   int
	Failed    int
	Retries   int

	Pending  int
	InFlight int

	ConsecutiveFailures int
	CircuitOpen         bool
	CircuitReopenAt     time.Time
}
