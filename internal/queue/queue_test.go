package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dropbot/internal/retry"
	logx "dropbot/pkg/logx"
)

// fastPolicy keeps backoff tiny and deterministic (no jitter) so tests can
// reason about dispatch timing.
func fastPolicy() retry.Policy {
	return retry.Policy{
		NetworkBase:   2 * time.Millisecond,
		BackendBase:   4 * time.Millisecond,
		RateLimitBase: 5 * time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		Jitter:        0,
	}
}

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q := New(cfg, fastPolicy(), logx.Nop(), nil)
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return q
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestAllSucceedCompleteOnce(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{ConcurrencyLimit: 5})

	var completes atomic.Int64
	var final atomic.Value
	q.OnComplete(func(s Stats) {
		completes.Add(1)
		final.Store(s)
	})

	for i := 0; i < 12; i++ {
		if _, err := q.Enqueue(func(ctx context.Context) error { return nil }, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitUntil(t, 2*time.Second, func() bool { return completes.Load() == 1 })
	// Give any spurious second completion a chance to fire.
	time.Sleep(20 * time.Millisecond)
	if n := completes.Load(); n != 1 {
		t.Fatalf("OnComplete fired %d times, want 1", n)
	}

	s := final.Load().(Stats)
	if s.Processed != 12 || s.Success != 12 || s.Failed != 0 || s.Retries != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestRateLimitRetriesExhaust(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{ConcurrencyLimit: 5, MaxRetries: 3, BreakerThreshold: 100})

	var mu sync.Mutex
	var attemptAt []time.Time
	it, err := q.Enqueue(func(ctx context.Context) error {
		mu.Lock()
		attemptAt = append(attemptAt, time.Now())
		mu.Unlock()
		return errors.New("HTTP 429: too many requests")
	}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitUntil(t, 3*time.Second, func() bool {
		s := q.Stats()
		return s.Processed == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(attemptAt) != 4 {
		t.Fatalf("got %d attempts, want 4 (1 + 3 retries)", len(attemptAt))
	}

	s := q.Stats()
	if s.Failed != 1 || s.Retries != 3 || s.Success != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if got := it.RetryCount(); got != 3 {
		t.Fatalf("item retry count = %d, want 3", got)
	}

	// Each retry must not be dispatched earlier than its computed backoff,
	// and backoff is non-decreasing without jitter.
	p := fastPolicy()
	var prevGap time.Duration
	for i := 1; i < len(attemptAt); i++ {
		gap := attemptAt[i].Sub(attemptAt[i-1])
		want := p.Delay(retry.ClassRateLimit, i, nil)
		if gap < want {
			t.Fatalf("retry %d dispatched after %v, want >= %v", i, gap, want)
		}
		if gap < prevGap-time.Millisecond {
			t.Fatalf("retry gap decreased: %v then %v", prevGap, gap)
		}
		prevGap = gap
	}
}

// A retrying item must not hold its concurrency slot while it sleeps out the
// backoff: pending work dispatches into the freed slot immediately.
func TestRetryFreesSlotForPendingWork(t *testing.T) {
	t.Parallel()
	// Backoff far longer than the slack allowed for B's dispatch.
	p := retry.Policy{
		NetworkBase:   300 * time.Millisecond,
		BackendBase:   300 * time.Millisecond,
		RateLimitBase: 300 * time.Millisecond,
		MaxDelay:      time.Second,
		Jitter:        0,
	}
	q := New(Config{ConcurrencyLimit: 1, MaxRetries: 1, BreakerThreshold: 100}, p, logx.Nop(), nil)
	q.Start(context.Background())
	t.Cleanup(func() { q.Stop(context.Background()) })

	bQueued := make(chan struct{})
	failedAt := make(chan time.Time, 1)
	var aAttempts atomic.Int64
	mustEnqueue(t, q, func(ctx context.Context) error {
		if aAttempts.Add(1) == 1 {
			// Hold the only slot until B is pending, then fail retryably.
			<-bQueued
			failedAt <- time.Now()
			return errors.New("connection reset by peer")
		}
		return nil
	}, 0)

	bStarted := make(chan time.Time, 1)
	mustEnqueue(t, q, func(ctx context.Context) error {
		bStarted <- time.Now()
		return nil
	}, 0)
	close(bQueued)

	var fa, bs time.Time
	select {
	case fa = <-failedAt:
	case <-time.After(time.Second):
		t.Fatal("first attempt never failed")
	}
	select {
	case bs = <-bStarted:
	case <-time.After(time.Second):
		t.Fatal("pending item never dispatched")
	}
	if gap := bs.Sub(fa); gap > 100*time.Millisecond {
		t.Fatalf("pending item waited %v for a free slot", gap)
	}

	// The retried item still completes afterwards.
	waitUntil(t, 2*time.Second, func() bool {
		s := q.Stats()
		return s.Processed == 2 && s.Success == 2 && s.Retries == 1
	})
}

func TestCircuitBreakerOpensAndResumes(t *testing.T) {
	t.Parallel()
	cooldown := 80 * time.Millisecond
	q := newTestQueue(t, Config{
		ConcurrencyLimit: 1,
		BreakerThreshold: 10,
		BreakerCooldown:  cooldown,
		RecheckInterval:  5 * time.Millisecond,
	})

	// Permanent errors so every item is a terminal failure with no retries.
	for i := 0; i < 10; i++ {
		if _, err := q.Enqueue(func(ctx context.Context) error {
			return errors.New("invalid destination address")
		}, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitUntil(t, 2*time.Second, func() bool {
		s := q.Stats()
		return s.Failed == 10 && s.CircuitOpen
	})
	openedAt := time.Now()

	// A fresh item must not be dispatched while the circuit is open.
	var ran atomic.Bool
	if _, err := q.Enqueue(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(cooldown / 2)
	if ran.Load() {
		t.Fatal("item dispatched while circuit open")
	}

	// After the cooldown the circuit closes, the counter resets and
	// processing resumes automatically.
	waitUntil(t, 2*time.Second, func() bool { return ran.Load() })
	if since := time.Since(openedAt); since < cooldown/2 {
		t.Fatalf("resumed too early: %v", since)
	}
	waitUntil(t, time.Second, func() bool {
		s := q.Stats()
		return s.Success == 1 && !s.CircuitOpen && s.ConsecutiveFailures == 0
	})
}

func TestClearDropsPendingOnly(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{ConcurrencyLimit: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	if _, err := q.Enqueue(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	<-started

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(func(ctx context.Context) error { return nil }, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitUntil(t, time.Second, func() bool { return q.Stats().Pending == 3 })

	if n := q.Clear(); n != 3 {
		t.Fatalf("Clear() = %d, want 3", n)
	}

	// The in-flight item is unaffected and still completes.
	close(release)
	waitUntil(t, time.Second, func() bool {
		s := q.Stats()
		return s.Processed == 1 && s.Success == 1 && s.InFlight == 0
	})
}

func TestPriorityOrderStable(t *testing.T) {
	t.Parallel()
	q := New(Config{ConcurrencyLimit: 1}, fastPolicy(), logx.Nop(), nil)

	var mu sync.Mutex
	var order []string
	add := func(name string) Task {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Enqueue before Start so ordering is decided purely by priority.
	mustEnqueue(t, q, add("low-a"), 0)
	mustEnqueue(t, q, add("high"), 5)
	mustEnqueue(t, q, add("mid"), 1)
	mustEnqueue(t, q, add("low-b"), 0)

	q.Start(context.Background())
	defer q.Stop(context.Background())

	waitUntil(t, time.Second, func() bool { return q.Stats().Processed == 4 })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "mid", "low-a", "low-b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestStatsConservationAndIdempotence(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{ConcurrencyLimit: 3, MaxRetries: 1, BreakerThreshold: 100})

	var flaky atomic.Int64
	tasks := []Task{
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return errors.New("forbidden") }, // permanent
		func(ctx context.Context) error { // transient, succeeds on retry
			if flaky.Add(1) == 1 {
				return errors.New("connection reset by peer")
			}
			return nil
		},
		func(ctx context.Context) error { return errors.New("weird unclassified failure") }, // unknown
	}
	if err := q.EnqueueBatch(tasks, 0); err != nil {
		t.Fatalf("batch: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return q.Stats().Processed == 4 })

	s := q.Stats()
	if s.Success+s.Failed != 4 {
		t.Fatalf("conservation violated: %+v", s)
	}
	if s.Success != 2 || s.Failed != 2 || s.Retries != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}

	if again := q.Stats(); again != s {
		t.Fatalf("Stats not idempotent: %+v vs %+v", s, again)
	}
}

// CircuitOpen must not flip between two Stats calls just because the cooldown
// instant passed; only the dispatch loop's close path clears the breaker.
func TestStatsCircuitFlagStableBetweenDispatches(t *testing.T) {
	t.Parallel()
	q := New(Config{}, fastPolicy(), logx.Nop(), nil) // never started: no close path runs

	q.mu.Lock()
	q.breakerUntil = time.Now().Add(-time.Hour)
	q.mu.Unlock()

	first := q.Stats()
	second := q.Stats()
	if !first.CircuitOpen || !second.CircuitOpen {
		t.Fatalf("CircuitOpen flipped without dispatch activity: %v then %v", first.CircuitOpen, second.CircuitOpen)
	}
	if first != second {
		t.Fatalf("Stats not idempotent: %+v vs %+v", first, second)
	}
}

func TestEnqueueNilTask(t *testing.T) {
	t.Parallel()
	q := New(Config{}, fastPolicy(), logx.Nop(), nil)
	if _, err := q.Enqueue(nil, 0); !errors.Is(err, ErrNilTask) {
		t.Fatalf("expected ErrNilTask, got %v", err)
	}
}

func mustEnqueue(t *testing.T, q *Queue, task Task, prio int) {
	t.Helper()
	if _, err := q.Enqueue(task, prio); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}
