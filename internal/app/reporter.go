package app

import (
	"context"
	"sync"
	"time"

	"dropbot/internal/transport"
	logx "dropbot/pkg/logx"
)

// statusReporter owns one status message per run and edits it in place.
// Edits are throttled because chat platforms rate-limit message edits far
// below the pace the queue reports progress at.
type statusReporter struct {
	adapter transport.Adapter
	log     logx.Logger
	ref     transport.MessageRef

	mu     sync.Mutex
	last   time.Time
	minGap time.Duration
}

func newStatusReporter(ctx context.Context, adapter transport.Adapter, chatID int64, text string, log logx.Logger) (*statusReporter, error) {
	ref, err := adapter.SendText(ctx, chatID, text, nil)
	if err != nil {
		return nil, err
	}
	return &statusReporter{
		adapter: adapter,
		log:     log,
		ref:     ref,
		minGap:  1500 * time.Millisecond,
	}, nil
}

// Update edits the status message unless the previous edit was too recent.
func (r *statusReporter) Update(ctx context.Context, text string) {
	r.mu.Lock()
	if time.Since(r.last) < r.minGap {
		r.mu.Unlock()
		return
	}
	r.last = time.Now()
	r.mu.Unlock()
	r.edit(ctx, text)
}

// Final edits unconditionally; the terminal summary must not be throttled away.
func (r *statusReporter) Final(ctx context.Context, text string) {
	r.mu.Lock()
	r.last = time.Now()
	r.mu.Unlock()
	r.edit(ctx, text)
}

func (r *statusReporter) edit(ctx context.Context, text string) {
	if err := r.adapter.EditText(ctx, r.ref, text, nil); err != nil {
		r.log.Debug("status edit failed", logx.Err(err))
	}
}
