// Package audit records run-level statistics for broadcast and payout runs.
//
// Recording is fire-and-forget for the runners: a failed insert is logged and
// swallowed, it never affects the run's outcome.
package audit

import (
	"context"
	"time"
)

// Kind discriminates what produced a run record.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindTransfer  Kind = "transfer"
)

// RunRecord is the terminal summary of one fan-out run.
type RunRecord struct {
	Kind      Kind
	StartedAt time.Time
	Duration  time.Duration
	Total     int
	Success   int
	Failed    int
	Retries   int
	Note      string
}

// Store is implemented by the sqlite recorder. ErrDisabled variants keep a
// nil-safe no-op path when audit storage is not configured.
type Store interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
