// Package app assembles the gateway: transport, queue, runners, stores and
// background services, plus the admin command surface on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"dropbot/internal/audit"
	"dropbot/internal/broadcast"
	"dropbot/internal/config"
	"dropbot/internal/eventbus"
	"dropbot/internal/payment"
	"dropbot/internal/queue"
	"dropbot/internal/retry"
	"dropbot/internal/runtime/supervisor"
	"dropbot/internal/services/maintenance"
	"dropbot/internal/session"
	"dropbot/internal/store"
	"dropbot/internal/transfer"
	"dropbot/internal/transport"
	"dropbot/internal/transport/telegram"
	logx "dropbot/pkg/logx"
)

const updateBuffer = 256

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	adapter transport.Adapter

	users   *store.Users
	wallets *store.Wallets
	auditor audit.Store

	sessions *session.Store
	router   *session.Router

	q     *queue.Queue
	bcast *broadcast.Runner
	payer *transfer.Runner
	maint *maintenance.Service

	admins atomic.Value // map[int64]bool

	// payoutBusy guards the single-payout-at-a-time invariant.
	payoutBusy atomic.Bool

	updates chan transport.Update
}

// adapterSender narrows the transport adapter to the broadcast Sender shape.
type adapterSender struct {
	a transport.Adapter
}

func (s adapterSender) SendMessage(ctx context.Context, userID int64, text string) error {
	_, err := s.a.SendText(ctx, userID, text, nil)
	return err
}

func New(cfgMgr *config.Manager, logSvc *logx.Service, log logx.Logger) (*App, error) {
	cfg := cfgMgr.Current()
	if cfg == nil {
		return nil, errors.New("app: config not loaded")
	}

	a := &App{
		cfgMgr:   cfgMgr,
		logSvc:   logSvc,
		log:      log,
		bus:      eventbus.New(),
		sessions: session.NewStore(),
		router:   session.NewRouter(),
		updates:  make(chan transport.Update, updateBuffer),
	}
	a.setAdmins(cfg.Telegram.Admins)

	pollTimeout, err := config.ParseDurationOrDefault(cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	a.adapter, err = telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	usersPath := cfg.Storage.UsersPath
	if usersPath == "" {
		usersPath = "data/users.json"
	}
	walletsPath := cfg.Storage.WalletsPath
	if walletsPath == "" {
		walletsPath = "data/wallets.json"
	}
	if a.users, err = store.OpenUsers(usersPath); err != nil {
		return nil, fmt.Errorf("open users store: %w", err)
	}
	if a.wallets, err = store.OpenWallets(walletsPath); err != nil {
		return nil, fmt.Errorf("open wallets store: %w", err)
	}

	auditPath := cfg.Storage.AuditPath
	if auditPath == "" {
		auditPath = "data/audit.db"
	}
	a.auditor, err = audit.Open(audit.Config{Path: auditPath}, log.With(logx.String("comp", "audit")))
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	qcfg, err := queueConfig(cfg.Queue)
	if err != nil {
		return nil, err
	}
	a.q = queue.New(qcfg, retry.DefaultPolicy(), log.With(logx.String("comp", "queue")), a.bus)

	a.bcast = broadcast.New(a.q, adapterSender{a.adapter}, a.users,
		broadcast.Options{RatePerSec: cfg.Broadcast.RatePerSec},
		log.With(logx.String("comp", "broadcast")), a.bus)
	a.bcast.SetAuditor(a.auditor)

	payClient, err := payment.New(payment.Config{
		BaseURL: cfg.Payment.BaseURL,
		APIKey:  cfg.Payment.APIKey,
		Timeout: mustDuration(cfg.Payment.Timeout, 15*time.Second),
	}, log.With(logx.String("comp", "payment")))
	if err != nil {
		return nil, err
	}
	popt, err := payoutOptions(cfg.Payout)
	if err != nil {
		return nil, err
	}
	a.payer = transfer.New(payClient, retry.DefaultPolicy(), popt,
		log.With(logx.String("comp", "payout")), a.bus)
	a.payer.SetAuditor(a.auditor)

	a.maint = maintenance.New(maintenance.Config{
		FlushSchedule: cfg.Storage.FlushSchedule,
		PruneSchedule: cfg.Storage.PruneSchedule,
		AuditKeepDays: cfg.Storage.AuditKeepDays,
	}, log.With(logx.String("comp", "maintenance")))
	a.maint.AddFlusher(a.users)
	a.maint.AddFlusher(a.wallets)
	a.maint.SetAuditor(a.auditor)
	a.maint.SetSessions(a.sessions)

	return a, nil
}

// Run starts everything and blocks until ctx is cancelled, then shuts down in
// reverse order: transport first (no new work), queue, maintenance (final
// flush), stores, audit.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	a.q.Start(context.Background())
	if err := a.maint.Start(); err != nil {
		return err
	}
	if err := a.adapter.Start(sup.Context(), a.updates); err != nil {
		return err
	}

	sup.Go("updates", a.consumeUpdates)
	sup.Go("events", a.consumeEvents)
	sup.GoRestart("config-watch", a.cfgMgr.Watch)
	sup.Go("config-apply", a.applyConfigUpdates)

	a.log.Info("gateway running")
	<-ctx.Done()
	a.log.Info("shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.adapter.Stop(stopCtx); err != nil {
		a.log.Warn("transport stop", logx.Err(err))
	}
	sup.Cancel()
	if err := sup.Wait(stopCtx); err != nil {
		a.log.Warn("supervisor wait", logx.Err(err))
	}
	a.q.Stop(stopCtx)
	if err := a.maint.Stop(stopCtx); err != nil {
		a.log.Warn("maintenance stop", logx.Err(err))
	}
	if err := a.users.Close(); err != nil {
		a.log.Warn("users store close", logx.Err(err))
	}
	if err := a.wallets.Close(); err != nil {
		a.log.Warn("wallets store close", logx.Err(err))
	}
	if err := a.auditor.Close(); err != nil {
		a.log.Warn("audit close", logx.Err(err))
	}
	a.log.Info("gateway stopped")
	return nil
}

func (a *App) consumeUpdates(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-a.updates:
			a.handleUpdate(ctx, up)
		}
	}
}

// applyConfigUpdates consumes committed config reloads. Only hot-applicable
// settings take effect; the rest need a restart and are logged as such.
func (a *App) applyConfigUpdates(ctx context.Context) error {
	ch, unsub := a.cfgMgr.Subscribe()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.bcast.Apply(broadcast.Options{RatePerSec: cfg.Broadcast.RatePerSec})
			a.setAdmins(cfg.Telegram.Admins)
			a.log.Info("config applied",
				logx.String("level", cfg.Logging.Level),
				logx.Int("broadcast_rate", cfg.Broadcast.RatePerSec))
		}
	}
}

func (a *App) setAdmins(ids []int64) {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	a.admins.Store(m)
}

func (a *App) isAdmin(id int64) bool {
	m, _ := a.admins.Load().(map[int64]bool)
	return m[id]
}

func queueConfig(qc config.QueueConfig) (queue.Config, error) {
	cooldown, err := config.ParseDurationOrDefault(qc.BreakerCooldown, 0)
	if err != nil {
		return queue.Config{}, fmt.Errorf("queue.breaker_cooldown: %w", err)
	}
	recheck, err := config.ParseDurationOrDefault(qc.RecheckInterval, 0)
	if err != nil {
		return queue.Config{}, fmt.Errorf("queue.recheck_interval: %w", err)
	}
	return queue.Config{
		ConcurrencyLimit: qc.Concurrency,
		MaxRetries:       qc.MaxRetries,
		BreakerThreshold: qc.BreakerThreshold,
		BreakerCooldown:  cooldown,
		RecheckInterval:  recheck,
	}, nil
}

func payoutOptions(pc config.PayoutConfig) (transfer.Options, error) {
	delay, err := config.ParseDurationOrDefault(pc.InterItemDelay, 0)
	if err != nil {
		return transfer.Options{}, fmt.Errorf("payout.inter_item_delay: %w", err)
	}
	claim, err := config.ParseDurationOrDefault(pc.ClaimTimeout, 0)
	if err != nil {
		return transfer.Options{}, fmt.Errorf("payout.claim_timeout: %w", err)
	}
	return transfer.Options{
		MaxAttempts:    pc.MaxAttempts,
		InterItemDelay: delay,
		ProgressEveryN: pc.ProgressEveryN,
		ClaimTimeout:   claim,
	}, nil
}

// mustDuration is for fields Validate already proved parseable.
func mustDuration(raw string, def time.Duration) time.Duration {
	d, err := config.ParseDurationOrDefault(raw, def)
	if err != nil {
		return def
	}
	return d
}
