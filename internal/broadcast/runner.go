// Package broadcast fans one message out to every broadcastable user through
// the dispatch queue.
package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dropbot/internal/audit"
	"dropbot/internal/eventbus"
	"dropbot/internal/queue"
	logx "dropbot/pkg/logx"
)

var (
	ErrNoRecipients  = errors.New("broadcast: no recipients")
	ErrRunInProgress = errors.New("broadcast: a run is already in progress")
)

// Sender delivers one message to one user. No retry inside; the queue owns
// retry and classification.
type Sender interface {
	SendMessage(ctx context.Context, userID int64, text string) error
}

// UserSource is consulted to drop users the platform reports as gone
// (blocked the bot, deactivated, chat deleted).
type UserSource interface {
	Remove(id int64) bool
}

// Auditor receives the terminal run summary. Failures are swallowed.
type Auditor interface {
	RecordRun(ctx context.Context, rec audit.RunRecord) error
}

// Recipient is one broadcast target.
type Recipient struct {
	ID          int64
	DisplayName string
}

type Options struct {
	// RatePerSec caps outbound sends across the whole run.
	RatePerSec int
}

// Stats is the terminal summary of one broadcast run.
type Stats struct {
	Total        int
	Success      int
	Failed       int
	Retries      int
	Removed      int // users dropped from the store as unreachable
	DeliveryRate float64
	Took         time.Duration
}

type runState struct {
	total      int
	removed    int
	startedAt  time.Time
	onProgress func(queue.Stats)
	onComplete func(Stats)
}

// Runner drives broadcasts through a shared queue. One run at a time: the
// queue's stats are reset at run start and read back at drain, so overlapping
// runs would corrupt each other's numbers.
type Runner struct {
	q       *queue.Queue
	sender  Sender
	users   UserSource
	log     logx.Logger
	bus     eventbus.Bus
	auditor Auditor

	mu      sync.Mutex
	limiter *rate.Limiter
	cur     *runState
}

func New(q *queue.Queue, sender Sender, users UserSource, opt Options, log logx.Logger, bus eventbus.Bus) *Runner {
	rps := opt.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	r := &Runner{
		q:       q,
		sender:  sender,
		users:   users,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}

	// Register once; per-run callbacks are routed through r.cur so repeated
	// runs don't pile observers onto the queue.
	q.OnProgress(r.progress)
	q.OnComplete(r.complete)
	return r
}

// SetAuditor installs the run-record sink. Optional.
func (r *Runner) SetAuditor(a Auditor) { r.auditor = a }

// Apply updates the send rate limit (config reload).
func (r *Runner) Apply(opt Options) {
	rps := opt.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	r.mu.Lock()
	r.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	r.mu.Unlock()
}

// Running reports whether a broadcast is in flight.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil
}

// Run enqueues one send per recipient at equal priority and returns
// immediately; completion is signaled through onComplete once the queue
// drains. An empty recipient list is rejected before any queue interaction.
func (r *Runner) Run(ctx context.Context, recipients []Recipient, text string, onProgress func(queue.Stats), onComplete func(Stats)) error {
	if len(recipients) == 0 {
		return ErrNoRecipients
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("broadcast: empty message")
	}

	r.mu.Lock()
	if r.cur != nil {
		r.mu.Unlock()
		return ErrRunInProgress
	}
	r.cur = &runState{
		total:      len(recipients),
		startedAt:  time.Now(),
		onProgress: onProgress,
		onComplete: onComplete,
	}
	r.mu.Unlock()

	r.q.ResetStats()
	r.log.Info("broadcast run started", logx.Int("recipients", len(recipients)))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: audit.KindBroadcast})
	}

	for _, rec := range recipients {
		rec := rec
		if _, err := r.q.Enqueue(func(tctx context.Context) error {
			return r.sendOne(tctx, rec, text)
		}, 0); err != nil {
			// Only a nil task can fail here; treat as programming error.
			r.mu.Lock()
			r.cur = nil
			r.mu.Unlock()
			return err
		}
	}
	return nil
}

func (r *Runner) sendOne(ctx context.Context, rec Recipient, text string) error {
	r.mu.Lock()
	lim := r.limiter
	r.mu.Unlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	err := r.sender.SendMessage(ctx, rec.ID, text)
	if err == nil {
		return nil
	}

	// Unreachable users are pruned from the store as a side effect,
	// independent of whether the queue retries the send.
	if isGone(err) && r.users != nil {
		if r.users.Remove(rec.ID) {
			r.mu.Lock()
			if r.cur != nil {
				r.cur.removed++
			}
			r.mu.Unlock()
			r.log.Info("recipient removed: unreachable", logx.Int64("user", rec.ID), logx.Err(err))
		}
	}
	return err
}

func (r *Runner) progress(s queue.Stats) {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur != nil && cur.onProgress != nil {
		cur.onProgress(s)
	}
}

func (r *Runner) complete(s queue.Stats) {
	r.mu.Lock()
	cur := r.cur
	r.cur = nil
	r.mu.Unlock()
	if cur == nil {
		return
	}

	stats := Stats{
		Total:   cur.total,
		Success: s.Success,
		Failed:  s.Failed,
		Retries: s.Retries,
		Removed: cur.removed,
		Took:    time.Since(cur.startedAt),
	}
	if stats.Total > 0 {
		stats.DeliveryRate = float64(stats.Success) / float64(stats.Total)
	}

	fields := []logx.Field{
		logx.Int("total", stats.Total),
		logx.Int("success", stats.Success),
		logx.Int("failed", stats.Failed),
		logx.Int("retries", stats.Retries),
		logx.Int("removed", stats.Removed),
		logx.Float64("delivery_rate", stats.DeliveryRate),
		logx.Duration("dur", stats.Took),
	}
	if stats.Failed > 0 {
		r.log.Warn("broadcast run finished with failures", fields...)
	} else {
		r.log.Info("broadcast run finished", fields...)
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: stats})
	}
	if r.auditor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec := audit.RunRecord{
			Kind:      audit.KindBroadcast,
			StartedAt: cur.startedAt,
			Duration:  stats.Took,
			Total:     stats.Total,
			Success:   stats.Success,
			Failed:    stats.Failed,
			Retries:   stats.Retries,
		}
		if err := r.auditor.RecordRun(ctx, rec); err != nil {
			r.log.Warn("audit record failed", logx.Err(err))
		}
	}

	if cur.onComplete != nil {
		cur.onComplete(stats)
	}
}

// isGone matches platform errors that mean the recipient cannot be reached
// anymore (revoked/blocked the bot, account deleted).
func isGone(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range []string{"blocked by the user", "user is deactivated", "chat not found", "bot was kicked"} {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
