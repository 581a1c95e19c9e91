package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dropbot/internal/audit"
	"dropbot/internal/payment"
	"dropbot/internal/retry"
	logx "dropbot/pkg/logx"
)

func testPolicy() retry.Policy {
	return retry.Policy{
		NetworkBase:   time.Millisecond,
		BackendBase:   time.Millisecond,
		RateLimitBase: time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Jitter:        0,
	}
}

// fakeClient scripts per-address behavior: fail[address] errors are returned
// in order, then sends succeed.
type fakeClient struct {
	mu         sync.Mutex
	fail       map[string][]error
	sends      []string
	claims     []string
	claimErr   error
	claimCalls int
}

func (f *fakeClient) Send(ctx context.Context, address string, amount int64) (payment.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, address)
	if errs := f.fail[address]; len(errs) > 0 {
		err := errs[0]
		f.fail[address] = errs[1:]
		return payment.TransferResult{}, err
	}
	return payment.TransferResult{TxHash: "tx-" + address, Address: address, Amount: amount}, nil
}

func (f *fakeClient) ClaimReward(ctx context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	f.claims = append(f.claims, address)
	return f.claimErr
}

type memAudit struct {
	mu   sync.Mutex
	recs []audit.RunRecord
}

func (m *memAudit) RecordRun(ctx context.Context, rec audit.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func targetsN(n int) []Target {
	out := make([]Target, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Target{Address: fmt.Sprintf("addr-%02d", i), Amount: 100})
	}
	return out
}

func TestRunEmptyTargets(t *testing.T) {
	t.Parallel()
	r := New(&fakeClient{}, testPolicy(), Options{}, logx.Nop(), nil)
	if _, err := r.Run(context.Background(), nil); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("expected ErrNoTargets, got %v", err)
	}
}

func TestRunOrderPreservedWithRetries(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{fail: map[string][]error{
		"addr-01": {errors.New("connection reset by peer"), errors.New("timeout")},
	}}
	r := New(fc, testPolicy(), Options{MaxAttempts: 4, ProgressEveryN: 100}, logx.Nop(), nil)

	var got []int
	r.OnItem(func(o Outcome) { got = append(got, o.Index) })

	stats, err := r.Run(context.Background(), targetsN(4))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, idx := range got {
		if idx != i {
			t.Fatalf("callback order broken: %v", got)
		}
	}
	if stats.Success != 4 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	// addr-01 needed two retries.
	if stats.Retries != 2 {
		t.Fatalf("retries = %d, want 2", stats.Retries)
	}
}

func TestRunPartialFailureNeverAborts(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{fail: map[string][]error{
		"addr-00": {errors.New("insufficient balance")}, // permanent, 1 attempt
		"addr-02": { // transient until attempts exhausted
			errors.New("timeout"), errors.New("timeout"), errors.New("timeout"),
		},
	}}
	r := New(fc, testPolicy(), Options{MaxAttempts: 3, ProgressEveryN: 100}, logx.Nop(), nil)

	var outcomes []Outcome
	r.OnItem(func(o Outcome) { outcomes = append(outcomes, o) })

	stats, err := r.Run(context.Background(), targetsN(4))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if stats.Total != 4 || stats.Success != 2 || stats.Failed != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(outcomes) != 4 {
		t.Fatalf("run aborted early: %d outcomes", len(outcomes))
	}
	if len(stats.Failures) != 2 {
		t.Fatalf("failures list = %+v", stats.Failures)
	}

	// Permanent error terminates on the first attempt.
	if outcomes[0].Attempts != 1 || outcomes[0].Err == nil {
		t.Fatalf("permanent failure retried: %+v", outcomes[0])
	}
	// Transient failure exhausts all attempts.
	if outcomes[2].Attempts != 3 || outcomes[2].Err == nil {
		t.Fatalf("transient failure attempts = %+v", outcomes[2])
	}
	// 2 retries for addr-02, 0 for the permanent one.
	if stats.Retries != 2 {
		t.Fatalf("retries = %d, want 2", stats.Retries)
	}
}

func TestRewardClaimBestEffort(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{claimErr: errors.New("claim backend busy")}
	r := New(fc, testPolicy(), Options{ProgressEveryN: 100}, logx.Nop(), nil)

	stats, err := r.Run(context.Background(), targetsN(3))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stats.Success != 3 || stats.Failed != 0 {
		t.Fatalf("claim failures leaked into stats: %+v", stats)
	}
	if fc.claimCalls != 3 {
		t.Fatalf("claim calls = %d, want 3", fc.claimCalls)
	}
}

func TestProgressEveryN(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	r := New(fc, testPolicy(), Options{ProgressEveryN: 2}, logx.Nop(), nil)

	var snaps []Progress
	r.OnProgress(func(p Progress) { snaps = append(snaps, p) })

	if _, err := r.Run(context.Background(), targetsN(5)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("progress snapshots = %d, want 2", len(snaps))
	}
	if snaps[0].Processed != 2 || snaps[1].Processed != 4 {
		t.Fatalf("snapshots at wrong points: %+v", snaps)
	}
	if snaps[1].Percent != 80 {
		t.Fatalf("percent = %v, want 80", snaps[1].Percent)
	}
}

func TestAuditRecorded(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{fail: map[string][]error{
		"addr-01": {errors.New("wallet not found")},
	}}
	ma := &memAudit{}
	r := New(fc, testPolicy(), Options{ProgressEveryN: 100}, logx.Nop(), nil)
	r.SetAuditor(ma)

	if _, err := r.Run(context.Background(), targetsN(3)); err != nil {
		t.Fatalf("run: %v", err)
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	if len(ma.recs) != 1 {
		t.Fatalf("audit records = %d, want 1", len(ma.recs))
	}
	rec := ma.recs[0]
	if rec.Kind != audit.KindTransfer || rec.Total != 3 || rec.Success != 2 || rec.Failed != 1 {
		t.Fatalf("unexpected audit record: %+v", rec)
	}
}

func TestInterItemDelaySkippedAfterLast(t *testing.T) {
	t.Parallel()
	fc := &fakeClient{}
	delay := 20 * time.Millisecond
	r := New(fc, testPolicy(), Options{InterItemDelay: delay, ProgressEveryN: 100}, logx.Nop(), nil)

	start := time.Now()
	if _, err := r.Run(context.Background(), targetsN(3)); err != nil {
		t.Fatalf("run: %v", err)
	}
	took := time.Since(start)

	// 3 items, delay between items only: ~2 delays, never 3.
	if took < 2*delay {
		t.Fatalf("run too fast, throttle not applied: %v", took)
	}
	if took > 3*delay {
		t.Fatalf("run too slow, trailing delay not skipped: %v", took)
	}
}
