// Package supervisor manages named goroutines tied to a shared context:
// panic recovery, optional restart, and timeout-aware graceful stop.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "dropbot/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log logx.Logger

	active  int64
	started uint64

	wg sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Active reports the number of goroutines currently running.
func (s *Supervisor) Active() int64 { return atomic.LoadInt64(&s.active) }

// Go starts a named goroutine. A panic is recovered and logged; the
// goroutine is not restarted.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	s.launch(name, fn, false)
}

// GoRestart starts a named goroutine that is restarted (with a short pause)
// if it panics or returns a non-context error before shutdown.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error) {
	s.launch(name, fn, true)
}

func (s *Supervisor) launch(name string, fn func(ctx context.Context) error, restart bool) {
	s.wg.Add(1)
	atomic.AddInt64(&s.active, 1)
	atomic.AddUint64(&s.started, 1)

	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		for {
			err := s.runOnce(name, fn)
			if s.ctx.Err() != nil {
				return
			}
			if err == nil && !restart {
				return
			}
			if err != nil {
				s.log.Warn("goroutine exited", logx.String("name", name), logx.Err(err), logx.Bool("restart", restart))
			}
			if !restart {
				return
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panic", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return fn(s.ctx)
}

// Cancel signals every goroutine to stop.
func (s *Supervisor) Cancel() { s.cancel() }

// Wait blocks until all goroutines exit or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
