// Package maintenance runs the background housekeeping jobs: periodic store
// flushes, audit pruning and idle-session cleanup.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"dropbot/internal/audit"
	"dropbot/internal/session"
	logx "dropbot/pkg/logx"
)

// Flusher is the dirty-flag persistence contract of the JSON stores.
type Flusher interface {
	Dirty() bool
	Flush() error
}

type Config struct {
	// FlushSchedule and PruneSchedule accept cron specs or "@every" shorthand.
	FlushSchedule string
	PruneSchedule string

	// AuditKeepDays bounds audit history; zero disables pruning.
	AuditKeepDays int

	// SessionIdleAfter is how long an untouched session survives.
	SessionIdleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushSchedule == "" {
		c.FlushSchedule = "@every 30s"
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "@daily"
	}
	if c.SessionIdleAfter <= 0 {
		c.SessionIdleAfter = 30 * time.Minute
	}
	return c
}

type Service struct {
	cfg Config
	log logx.Logger

	cron     *cron.Cron
	flushers []Flusher
	auditor  audit.Store
	sessions *session.Store
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:  cfg.withDefaults(),
		log:  log,
		cron: cron.New(),
	}
}

// AddFlusher registers a store for the periodic flush job.
func (s *Service) AddFlusher(f Flusher) {
	if f != nil {
		s.flushers = append(s.flushers, f)
	}
}

func (s *Service) SetAuditor(a audit.Store)      { s.auditor = a }
func (s *Service) SetSessions(st *session.Store) { s.sessions = st }

func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.FlushSchedule, s.flushAll); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.PruneSchedule, s.prune); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("maintenance started",
		logx.String("flush", s.cfg.FlushSchedule),
		logx.String("prune", s.cfg.PruneSchedule))
	return nil
}

// Stop halts the scheduler, waits for running jobs and performs a final flush.
func (s *Service) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.flushAll()
	return nil
}

func (s *Service) flushAll() {
	for _, f := range s.flushers {
		if !f.Dirty() {
			continue
		}
		if err := f.Flush(); err != nil {
			s.log.Error("store flush failed", logx.Err(err))
		}
	}
}

func (s *Service) prune() {
	if s.sessions != nil {
		cutoff := time.Now().Add(-s.cfg.SessionIdleAfter)
		if n := s.sessions.PruneIdle(cutoff); n > 0 {
			s.log.Debug("idle sessions pruned", logx.Int("count", n))
		}
	}

	if s.auditor == nil || s.cfg.AuditKeepDays <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().AddDate(0, 0, -s.cfg.AuditKeepDays)
	n, err := s.auditor.PruneBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("audit prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("audit records pruned", logx.Int64("count", n))
	}
}
