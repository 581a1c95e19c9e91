package retry

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// Class is the retry classification of an error.
//
// Classification is by substring match on the error text. That is brittle but
// intentional: the upstream APIs expose no structured error codes today, and
// this package is the single seam where a real error-code contract would
// replace string matching.
type Class int

const (
	// ClassNetwork covers generic transient network trouble: timeouts,
	// connection resets, refused connections. Retried fastest.
	ClassNetwork Class = iota
	// ClassBackend covers backend-reported transient conditions such as
	// "internal database error" or "network still syncing".
	ClassBackend
	// ClassRateLimit covers too-many-requests / flood responses.
	// Backs off the slowest.
	ClassRateLimit
	// ClassPermanent covers validation, permission, not-found and
	// insufficient-balance errors. Never retried.
	ClassPermanent
	// ClassUnknown is anything we cannot classify. Treated conservatively
	// as non-retryable to avoid infinite loops on unclassified errors.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNetwork:
		return "network"
	case ClassBackend:
		return "backend"
	case ClassRateLimit:
		return "rate_limit"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

var (
	networkMarkers = []string{
		"timeout",
		"timed out",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"temporarily unavailable",
		"no such host",
	}
	rateLimitMarkers = []string{
		"too many requests",
		"rate limit",
		"retry after",
		"flood",
		"429",
	}
	backendMarkers = []string{
		"internal database error",
		"network still syncing",
		"try again later",
		"service unavailable",
		"backend busy",
	}
	permanentMarkers = []string{
		"invalid",
		"forbidden",
		"permission denied",
		"unauthorized",
		"not found",
		"insufficient balance",
		"insufficient funds",
		"bad request",
	}
)

// Permanent marks an error as non-retryable regardless of its text.
//
// Use it for validation failures detected before any remote call:
//
//	return retry.Permanent(fmt.Errorf("bad address: %q", addr))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// Policy decides whether an error is worth retrying and how long to wait
// before the next attempt. The zero value is unusable; use DefaultPolicy.
type Policy struct {
	// Per-class base delays. Generic network errors retry fastest,
	// rate limits back off the slowest.
	NetworkBase   time.Duration
	BackendBase   time.Duration
	RateLimitBase time.Duration

	// MaxDelay caps the exponential growth for every class.
	MaxDelay time.Duration

	// Jitter is the fraction of the computed delay used as uniform
	// random spread (0.2 = +/-20%). Avoids synchronized retry storms.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		NetworkBase:   500 * time.Millisecond,
		BackendBase:   2 * time.Second,
		RateLimitBase: 5 * time.Second,
		MaxDelay:      60 * time.Second,
		Jitter:        0.2,
	}
}

// Classify returns the retry class of err.
func (p Policy) Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var pe permanentError
	if errors.As(err, &pe) {
		return ClassPermanent
	}

	msg := strings.ToLower(err.Error())

	// Permanent markers win: "invalid request, retry after" should not loop.
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return ClassPermanent
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return ClassRateLimit
		}
	}
	for _, m := range backendMarkers {
		if strings.Contains(msg, m) {
			return ClassBackend
		}
	}
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return ClassNetwork
		}
	}
	return ClassUnknown
}

// Retryable reports whether err is worth another attempt.
func (p Policy) Retryable(err error) bool {
	switch p.Classify(err) {
	case ClassNetwork, ClassBackend, ClassRateLimit:
		return true
	default:
		return false
	}
}

// Delay computes the backoff before attempt (1-based retry index: the delay
// before the first retry uses attempt=1). Exponential per class base, capped
// at MaxDelay, with uniform jitter applied on top.
//
// rng may be nil, in which case no jitter is applied (useful in tests).
func (p Policy) Delay(class Class, attempt int, rng *rand.Rand) time.Duration {
	base := p.base(class)
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 60 * time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	if p.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

func (p Policy) base(class Class) time.Duration {
	switch class {
	case ClassRateLimit:
		return p.RateLimitBase
	case ClassBackend:
		return p.BackendBase
	default:
		return p.NetworkBase
	}
}
