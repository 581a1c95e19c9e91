package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dropbot/internal/retry"
	logx "dropbot/pkg/logx"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "k"}, logx.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transfers" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("auth = %q", got)
		}
		var body struct {
			Address string `json:"address"`
			Amount  int64  `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.Address != "addr-1" || body.Amount != 500 {
			t.Errorf("body = %+v", body)
		}
		json.NewEncoder(w).Encode(TransferResult{TxHash: "0xabc"})
	})

	res, err := c.Send(context.Background(), "addr-1", 500)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.TxHash != "0xabc" {
		t.Fatalf("tx = %q", res.TxHash)
	}
	// Server omitted echo fields; the client fills them from the request.
	if res.Address != "addr-1" || res.Amount != 500 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSendValidatesLocally(t *testing.T) {
	t.Parallel()
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	if _, err := c.Send(context.Background(), "", 10); err == nil {
		t.Fatal("empty address accepted")
	}
	if _, err := c.Send(context.Background(), "addr", 0); err == nil {
		t.Fatal("zero amount accepted")
	}
	if called {
		t.Fatal("remote call made for invalid input")
	}
}

// The error text the API returns must survive intact so the retry policy can
// classify it by substring.
func TestAPIErrorTextPreservedForClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
		class  retry.Class
	}{
		{"rate limited", 429, `{"error":"rate limit exceeded, retry later"}`, retry.ClassRateLimit},
		{"insufficient balance", 400, `{"error":"insufficient balance for transfer"}`, retry.ClassPermanent},
		{"backend down", 503, `{"message":"internal database error"}`, retry.ClassBackend},
	}
	policy := retry.DefaultPolicy()

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.Send(context.Background(), "addr", 10)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := policy.Classify(err); got != tt.class {
				t.Fatalf("class = %s, want %s (err %q)", got, tt.class, err)
			}
		})
	}
}

func TestAPIErrorFallsBackToStatusText(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Send(context.Background(), "addr", 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), http.StatusText(502)) {
		t.Fatalf("err = %q", err)
	}
}

func TestClaimReward(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rewards/claim" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.ClaimReward(context.Background(), "addr"); err != nil {
		t.Fatalf("claim: %v", err)
	}
}
