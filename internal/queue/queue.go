package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"dropbot/internal/eventbus"
	"dropbot/internal/retry"
	logx "dropbot/pkg/logx"
)

var ErrNilTask = errors.New("queue: task is nil")

// Queue executes an unbounded stream of items with bounded concurrency,
// automatic retry and a consecutive-failure circuit breaker.
//
// Ordering: pending items are kept in descending priority order (stable for
// equal priority). A retried item is reinserted at the FRONT of the queue, so
// retries are dispatched before never-attempted work. That is a deliberate
// latency-for-fairness tradeoff: stragglers don't starve, but sustained
// failure can delay fresh items.
//
// The queue has no durable backing; unfinished items are lost on restart.
type Queue struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	policy retry.Policy
	rng    *rand.Rand // guarded by mu

	pending      []*Item
	inFlight     int
	waitingRetry int

	consecFails  int
	breakerUntil time.Time // zero while the circuit is closed

	processed int
	success   int
	failed    int
	retries   int

	// activeSinceDrain gates OnComplete so it fires once per drain.
	activeSinceDrain bool

	onProgress []func(Stats)
	onComplete []func(Stats)

	seq uint64

	wake     chan struct{}
	stopCh   chan struct{}
	stopDone chan struct{}
}

func New(cfg Config, policy retry.Policy, log logx.Logger, bus eventbus.Bus) *Queue {
	return &Queue{
		cfg:    cfg.withDefaults(),
		policy: policy,
		log:    log,
		bus:    bus,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop. Idempotent.
func (q *Queue) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.stopCh != nil {
		q.mu.Unlock()
		return
	}
	q.stopCh = make(chan struct{})
	q.stopDone = make(chan struct{})
	stopCh := q.stopCh
	stopDone := q.stopDone
	cfg := q.cfg
	q.mu.Unlock()

	go func() {
		defer close(stopDone)
		q.loop(ctx, stopCh)
	}()

	q.log.Info("queue started", logx.Int("concurrency", cfg.ConcurrencyLimit), logx.Int("max_retries", cfg.MaxRetries), logx.Int("breaker_threshold", cfg.BreakerThreshold), logx.Duration("breaker_cooldown", cfg.BreakerCooldown))
	q.kick()
}

// Stop halts dispatch. In-flight items run to completion in their own
// goroutines; pending items stay queued (and are lost if the process exits).
func (q *Queue) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	stopCh := q.stopCh
	stopDone := q.stopDone
	q.stopCh = nil
	q.stopDone = nil
	q.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
		q.log.Info("queue stopped")
	case <-ctx.Done():
		q.log.Warn("queue stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue inserts a task in priority order (descending; ties keep insertion
// order) and wakes the dispatcher. The returned Item is owned by the queue
// until it reaches a terminal state.
func (q *Queue) Enqueue(task Task, priority int) (*Item, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	q.mu.Lock()
	q.seq++
	it := &Item{ID: q.seq, Priority: priority, EnqueuedAt: time.Now(), task: task}
	q.insertByPriorityLocked(it)
	q.activeSinceDrain = true
	q.mu.Unlock()

	q.kick()
	return it, nil
}

// EnqueueBatch enqueues tasks sequentially at a single priority.
func (q *Queue) EnqueueBatch(tasks []Task, priority int) error {
	for i, t := range tasks {
		if _, err := q.Enqueue(t, priority); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return nil
}

// Clear drops all pending (not in-flight) items and returns how many were
// removed. Items sleeping on a retry backoff are not pending and will
// reinsert when their timer fires.
func (q *Queue) Clear() int {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.mu.Unlock()
	if n > 0 {
		q.log.Info("queue cleared", logx.Int("dropped", n))
	}
	return n
}

// Stats returns a snapshot. Idempotent: two calls without intervening
// activity return identical values.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// ResetStats zeroes the run counters. Breaker state and pending items are
// queue state, not run state, and are left untouched.
func (q *Queue) ResetStats() {
	q.mu.Lock()
	q.processed, q.success, q.failed, q.retries = 0, 0, 0, 0
	q.mu.Unlock()
}

// OnProgress registers an observer invoked after every terminal outcome.
func (q *Queue) OnProgress(fn func(Stats)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.onProgress = append(q.onProgress, fn)
	q.mu.Unlock()
}

// OnComplete registers an observer invoked once each time the queue drains
// to empty (no pending, no in-flight, no retry timers outstanding).
func (q *Queue) OnComplete(fn func(Stats)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.onComplete = append(q.onComplete, fn)
	q.mu.Unlock()
}

func (q *Queue) snapshotLocked() Stats {
	return Stats{
		Processed:           q.processed,
		Success:             q.success,
		Failed:              q.failed,
		Retries:             q.retries,
		Pending:             len(q.pending),
		InFlight:            q.inFlight,
		ConsecutiveFailures: q.consecFails,
		// The flag tracks breakerUntil, which only the dispatch loop's close
		// path clears. Consulting the clock here would let two back-to-back
		// Stats calls disagree across the cooldown boundary.
		CircuitOpen:     !q.breakerUntil.IsZero(),
		CircuitReopenAt: q.breakerUntil,
	}
}

// insertByPriorityLocked keeps pending sorted by descending priority, stable
// for ties. Retried items (reinserted at the front) keep their head position:
// a fresh enqueue never jumps ahead of a pending retry.
func (q *Queue) insertByPriorityLocked(it *Item) {
	i := 0
	for i < len(q.pending) {
		cur := q.pending[i]
		if cur.retryCount > 0 || cur.Priority >= it.Priority {
			i++
			continue
		}
		break
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = it
}

func (q *Queue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-q.wake:
		}
		if !q.dispatch(ctx, stopCh) {
			return
		}
	}
}

// dispatch drains as much work as the concurrency limit and circuit allow.
// Returns false when the loop should exit.
func (q *Queue) dispatch(ctx context.Context, stopCh <-chan struct{}) bool {
	for {
		q.mu.Lock()
		now := time.Now()

		if !q.breakerUntil.IsZero() {
			if now.Before(q.breakerUntil) {
				// Suspend dispatch without discarding the queue.
				wait := q.cfg.RecheckInterval
				if rem := q.breakerUntil.Sub(now); rem < wait {
					wait = rem
				}
				q.mu.Unlock()
				tmr := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					tmr.Stop()
					return false
				case <-stopCh:
					tmr.Stop()
					return false
				case <-tmr.C:
				}
				continue
			}
			// Cooldown elapsed: close automatically and resume.
			q.breakerUntil = time.Time{}
			q.consecFails = 0
			q.mu.Unlock()
			q.log.Info("circuit closed, resuming dispatch")
			if q.bus != nil {
				q.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitClosed})
			}
			continue
		}

		if len(q.pending) == 0 || q.inFlight >= q.cfg.ConcurrencyLimit {
			q.mu.Unlock()
			return true
		}

		it := q.pending[0]
		q.pending = q.pending[1:]
		q.inFlight++
		q.mu.Unlock()

		go q.runItem(ctx, it)
	}
}

func (q *Queue) runItem(ctx context.Context, it *Item) {
	err := runTask(ctx, it.task)

	q.mu.Lock()
	q.inFlight--

	if err == nil {
		q.processed++
		q.success++
		q.consecFails = 0
		q.finishLocked()
		return
	}

	class := q.policy.Classify(err)
	if q.policy.Retryable(err) && it.retryCount < q.cfg.MaxRetries {
		it.retryCount++
		q.retries++
		q.waitingRetry++
		delay := q.policy.Delay(class, it.retryCount, q.rng)
		q.mu.Unlock()

		q.log.Debug("item retry scheduled", logx.Uint64("item", it.ID), logx.Int("retry", it.retryCount), logx.String("class", class.String()), logx.Duration("delay", delay), logx.Err(err))
		time.AfterFunc(delay, func() { q.reinsertFront(it) })
		// The slot this item held is free for the duration of the backoff.
		q.kick()
		return
	}

	// Terminal failure: contained here, never surfaced to the enqueuer.
	q.processed++
	q.failed++
	q.consecFails++
	opened := false
	if q.consecFails >= q.cfg.BreakerThreshold && q.breakerUntil.IsZero() {
		q.breakerUntil = time.Now().Add(q.cfg.BreakerCooldown)
		opened = true
	}
	fails := q.consecFails
	until := q.breakerUntil
	q.log.Warn("item failed", logx.Uint64("item", it.ID), logx.Int("retries", it.retryCount), logx.String("class", class.String()), logx.Err(err))
	q.finishLocked()

	if opened {
		q.log.Warn("circuit opened, dispatch suspended", logx.Int("consecutive_failures", fails), logx.Time("until", until))
		if q.bus != nil {
			q.bus.Publish(eventbus.Event{Type: eventbus.TypeCircuitOpened, Data: until})
		}
	}
}

// finishLocked records a terminal outcome, fires observers and wakes the
// dispatcher. Must be called with q.mu held; it unlocks.
func (q *Queue) finishLocked() {
	snap := q.snapshotLocked()
	prog := append([]func(Stats){}, q.onProgress...)

	var comps []func(Stats)
	drained := len(q.pending) == 0 && q.inFlight == 0 && q.waitingRetry == 0
	if drained && q.activeSinceDrain {
		q.activeSinceDrain = false
		comps = append(comps, q.onComplete...)
	}
	q.mu.Unlock()

	for _, fn := range prog {
		fn(snap)
	}
	for _, fn := range comps {
		fn(snap)
	}
	q.kick()
}

func (q *Queue) reinsertFront(it *Item) {
	q.mu.Lock()
	q.waitingRetry--
	// Front of the queue: retries beat never-attempted items.
	q.pending = append(q.pending, nil)
	copy(q.pending[1:], q.pending)
	q.pending[0] = it
	q.mu.Unlock()
	q.kick()
}

// runTask guards against task panics so one bad task can't kill the queue.
func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t(ctx)
}
