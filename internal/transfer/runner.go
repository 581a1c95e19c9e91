// Package transfer implements the sequential batch payout runner.
package transfer

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"dropbot/internal/audit"
	"dropbot/internal/eventbus"
	"dropbot/internal/payment"
	"dropbot/internal/retry"
	logx "dropbot/pkg/logx"
)

var ErrNoTargets = errors.New("transfer: no targets")

// Runner fans a payout out over an ordered target list, one transfer at a
// time. Single-item failure never aborts the run; every target is processed
// and the returned Stats carry the full picture.
type Runner struct {
	client  Transferer
	policy  retry.Policy
	opt     Options
	log     logx.Logger
	bus     eventbus.Bus
	auditor Auditor
	rng     *rand.Rand

	onItem     func(Outcome)
	onProgress func(Progress)
}

func New(client Transferer, policy retry.Policy, opt Options, log logx.Logger, bus eventbus.Bus) *Runner {
	return &Runner{
		client: client,
		policy: policy,
		opt:    opt.withDefaults(),
		log:    log,
		bus:    bus,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetAuditor installs the run-record sink. Optional.
func (r *Runner) SetAuditor(a Auditor) { r.auditor = a }

// OnItem registers the per-item callback, invoked in input order.
func (r *Runner) OnItem(fn func(Outcome)) { r.onItem = fn }

// OnProgress registers the periodic progress callback.
func (r *Runner) OnProgress(fn func(Progress)) { r.onProgress = fn }

// Run processes every target in order and returns the full-run stats.
// The only error paths are an empty target list (validation, before any
// remote call) and context cancellation (shutdown); item-level failures are
// reported through Stats, never as an error.
func (r *Runner) Run(ctx context.Context, targets []Target) (Stats, error) {
	if len(targets) == 0 {
		return Stats{}, ErrNoTargets
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	stats := Stats{Total: len(targets)}
	r.log.Info("payout run started", logx.Int("targets", len(targets)), logx.Duration("inter_item_delay", r.opt.InterItemDelay))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: audit.KindTransfer})
	}

	for i, tgt := range targets {
		if err := ctx.Err(); err != nil {
			r.finish(ctx, start, &stats, "cancelled")
			return stats, err
		}

		res, attempts, err := r.transferWithRetry(ctx, tgt)
		stats.Retries += attempts - 1

		if err != nil {
			stats.Failed++
			stats.Failures = append(stats.Failures, Failure{Target: tgt, Attempts: attempts, Reason: err.Error()})
			r.log.Warn("transfer failed", logx.Int("index", i), logx.String("address", tgt.Address), logx.Int64("amount", tgt.Amount), logx.Int("attempts", attempts), logx.Err(err))
		} else {
			stats.Success++
			r.log.Debug("transfer ok", logx.Int("index", i), logx.String("address", tgt.Address), logx.Int64("amount", tgt.Amount), logx.Int("attempts", attempts), logx.String("tx", res.TxHash))
			r.claimReward(ctx, tgt.Address)
		}

		if r.onItem != nil {
			r.onItem(Outcome{Index: i, Target: tgt, TxHash: res.TxHash, Attempts: attempts, Err: err})
		}

		processed := i + 1
		if processed%r.opt.ProgressEveryN == 0 {
			r.emitProgress(processed, &stats)
		}

		// Throttle between items; skipped after the last one.
		if processed < len(targets) && r.opt.InterItemDelay > 0 {
			if !sleepCtx(ctx, r.opt.InterItemDelay) {
				r.finish(ctx, start, &stats, "cancelled")
				return stats, ctx.Err()
			}
		}
	}

	r.finish(ctx, start, &stats, "")
	return stats, nil
}

// transferWithRetry loops a single target up to MaxAttempts, classifying each
// failure. Non-retryable classes terminate immediately.
func (r *Runner) transferWithRetry(ctx context.Context, tgt Target) (payment.TransferResult, int, error) {
	var last error
	for attempt := 1; ; attempt++ {
		res, err := r.client.Send(ctx, tgt.Address, tgt.Amount)
		if err == nil {
			return res, attempt, nil
		}
		last = err

		class := r.policy.Classify(err)
		if class == retry.ClassPermanent || class == retry.ClassUnknown || attempt >= r.opt.MaxAttempts {
			return payment.TransferResult{}, attempt, last
		}

		delay := r.policy.Delay(class, attempt, r.rng)
		r.log.Debug("transfer retry scheduled", logx.String("address", tgt.Address), logx.Int("attempt", attempt+1), logx.String("class", class.String()), logx.Duration("delay", delay), logx.Err(err))
		if !sleepCtx(ctx, delay) {
			return payment.TransferResult{}, attempt, ctx.Err()
		}
	}
}

// claimReward is strictly best-effort: a failed claim is logged and swallowed,
// it must never abort the main run.
func (r *Runner) claimReward(ctx context.Context, address string) {
	cctx, cancel := context.WithTimeout(ctx, r.opt.ClaimTimeout)
	defer cancel()
	if err := r.client.ClaimReward(cctx, address); err != nil {
		r.log.Debug("reward claim failed", logx.String("address", address), logx.Err(err))
	}
}

func (r *Runner) emitProgress(processed int, stats *Stats) {
	p := Progress{
		Processed: processed,
		Total:     stats.Total,
		Success:   stats.Success,
		Failed:    stats.Failed,
		Percent:   float64(processed) / float64(stats.Total) * 100,
	}
	if r.onProgress != nil {
		r.onProgress(p)
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunProgress, Data: p})
	}
}

func (r *Runner) finish(ctx context.Context, start time.Time, stats *Stats, note string) {
	dur := time.Since(start)
	fields := []logx.Field{
		logx.Int("total", stats.Total),
		logx.Int("success", stats.Success),
		logx.Int("failed", stats.Failed),
		logx.Int("retries", stats.Retries),
		logx.Duration("dur", dur),
	}
	if stats.Failed > 0 {
		r.log.Warn("payout run finished with failures", fields...)
	} else {
		r.log.Info("payout run finished", fields...)
	}

	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeRunFinished, Data: *stats})
	}
	if r.auditor != nil {
		rec := audit.RunRecord{
			Kind:      audit.KindTransfer,
			StartedAt: start,
			Duration:  dur,
			Total:     stats.Total,
			Success:   stats.Success,
			Failed:    stats.Failed,
			Retries:   stats.Retries,
			Note:      note,
		}
		// Fire and forget: audit trouble never affects the run.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.auditor.RecordRun(actx, rec); err != nil {
			r.log.Warn("audit record failed", logx.Err(err))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-tmr.C:
		return true
	}
}
