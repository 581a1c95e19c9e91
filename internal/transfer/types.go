package transfer

import (
	"context"
	"time"

	"dropbot/internal/audit"
	"dropbot/internal/payment"
)

// Transferer is the single-call transfer primitive plus the side-channel
// reward claim. *payment.Client satisfies it; retry lives here, not there.
type Transferer interface {
	Send(ctx context.Context, address string, amount int64) (payment.TransferResult, error)
	ClaimReward(ctx context.Context, address string) error
}

// Auditor receives the terminal run summary. Failures are swallowed.
type Auditor interface {
	RecordRun(ctx context.Context, rec audit.RunRecord) error
}

// Target is one payout destination.
type Target struct {
	Address string
	Amount  int64
}

// Options tune one runner instance.
type Options struct {
	// MaxAttempts bounds transferWithRetry (first try included).
	MaxAttempts int

	// InterItemDelay is the fixed throttle between targets, skipped after
	// the last one. The transfer API penalizes concurrent calls from one
	// source identity harder than serialized ones, so the runner is
	// strictly sequential and paces itself instead.
	InterItemDelay time.Duration

	// ProgressEveryN emits a progress snapshot every N processed targets.
	ProgressEveryN int

	// ClaimTimeout bounds the best-effort reward claim after a successful
	// transfer.
	ClaimTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.InterItemDelay < 0 {
		o.InterItemDelay = 0
	}
	if o.ProgressEveryN <= 0 {
		o.ProgressEveryN = 10
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 10 * time.Second
	}
	return o
}

// Outcome is the per-item callback payload, delivered in input order.
type Outcome struct {
	Index    int
	Target   Target
	TxHash   string
	Attempts int
	Err      error // nil on success
}

// Failure records one target that exhausted its attempts (or hit a permanent
// error), with the last error text as the reason.
type Failure struct {
	Target   Target
	Attempts int
	Reason   string
}

// Stats is the full-run summary. The run always processes every target;
// Failures lists the ones that could not be paid.
type Stats struct {
	Total    int
	Success  int
	Failed   int
	Retries  int
	Failures []Failure
}

// Progress is the periodic snapshot emitted every ProgressEveryN items.
type Progress struct {
	Processed int
	Total     int
	Success   int
	Failed    int
	Percent   float64
}
