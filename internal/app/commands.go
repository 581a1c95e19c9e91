package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dropbot/internal/broadcast"
	"dropbot/internal/queue"
	"dropbot/internal/session"
	"dropbot/internal/store"
	"dropbot/internal/transfer"
	"dropbot/internal/transport"
	logx "dropbot/pkg/logx"
)

const helpText = `Commands:
/status - queue, stores and recent runs
/broadcast - send a message to every registered user
/payout - run the pending wallet payouts
/reply <user id> - open a live chat with a user
/stop - close the live chat
/cancel - abort the current flow`

func (a *App) handleUpdate(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			a.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			// No inline flows yet; ack so the client stops its spinner.
			_ = a.adapter.AnswerCallback(ctx, up.Callback.ID, "")
		}
	}
}

func (a *App) handleMessage(ctx context.Context, m *transport.Message) {
	if a.isAdmin(m.FromID) {
		a.handleAdmin(ctx, m)
		return
	}
	a.handleUser(ctx, m)
}

// ---- user side ----

func (a *App) handleUser(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)

	if command(text) == "/start" {
		name := m.FromUsername
		if name == "" {
			name = strconv.FormatInt(m.FromID, 10)
		}
		a.users.Upsert(store.User{
			ID:            m.FromID,
			DisplayName:   name,
			Broadcastable: true,
			AddedAt:       time.Now(),
		})
		a.reply(ctx, m.ChatID, "You're in. You'll receive announcements and drops here.")
		a.log.Info("user registered", logx.Int64("user", m.FromID), logx.String("name", name))
		return
	}

	// Linked user: relay straight to the admin on the other end.
	if adminID, ok := a.router.AdminOf(m.FromID); ok {
		a.reply(ctx, adminID, fmt.Sprintf("[%s] %s", displayName(m), text))
		return
	}

	// Unlinked: surface the message to every admin so someone can /reply.
	note := fmt.Sprintf("Message from %s (id %d):\n%s", displayName(m), m.FromID, text)
	for id := range a.adminSet() {
		a.reply(ctx, id, note)
	}
}

// ---- admin side ----

func (a *App) handleAdmin(ctx context.Context, m *transport.Message) {
	text := strings.TrimSpace(m.Text)
	ses := a.sessions.Get(m.FromID)

	// Mid-flow input is consumed by the state machine before command parsing,
	// except /cancel which always aborts.
	if ses.State != session.StateIdle && ses.State != session.StateLiveChat {
		if command(text) == "/cancel" {
			a.sessions.Clear(m.FromID)
			a.reply(ctx, m.ChatID, "Cancelled.")
			return
		}
		a.continueFlow(ctx, m, ses, text)
		return
	}

	switch command(text) {
	case "/start", "/help":
		a.reply(ctx, m.ChatID, helpText)
	case "/status":
		a.reply(ctx, m.ChatID, a.statusText(ctx))
	case "/broadcast":
		if a.bcast.Running() {
			a.reply(ctx, m.ChatID, "A broadcast is already running.")
			return
		}
		n := len(a.users.Broadcastable())
		if n == 0 {
			a.reply(ctx, m.ChatID, "No registered users to broadcast to.")
			return
		}
		a.sessions.Set(m.FromID, session.StateAwaitBroadcastText, "")
		a.reply(ctx, m.ChatID, fmt.Sprintf("Send the broadcast text (%d recipients). /cancel to abort.", n))
	case "/payout":
		a.startPayoutFlow(ctx, m)
	case "/reply":
		a.startLiveChat(ctx, m, text)
	case "/stop":
		if a.router.Unlink(m.FromID) {
			a.sessions.Clear(m.FromID)
			a.reply(ctx, m.ChatID, "Live chat closed.")
		} else {
			a.reply(ctx, m.ChatID, "No live chat open.")
		}
	case "/cancel":
		a.sessions.Clear(m.FromID)
		a.reply(ctx, m.ChatID, "Nothing to cancel.")
	default:
		if ses.State == session.StateLiveChat {
			if userID, ok := a.router.UserOf(m.FromID); ok {
				a.reply(ctx, userID, text)
				return
			}
			a.sessions.Clear(m.FromID)
		}
		a.reply(ctx, m.ChatID, helpText)
	}
}

func (a *App) continueFlow(ctx context.Context, m *transport.Message, ses session.Session, text string) {
	switch ses.State {
	case session.StateAwaitBroadcastText:
		if text == "" {
			a.reply(ctx, m.ChatID, "Empty message. Send the broadcast text or /cancel.")
			return
		}
		a.sessions.Set(m.FromID, session.StateAwaitBroadcastConfirm, text)
		n := len(a.users.Broadcastable())
		a.reply(ctx, m.ChatID, fmt.Sprintf("Preview for %d recipients:\n\n%s\n\nType 'confirm' to send, /cancel to abort.", n, text))

	case session.StateAwaitBroadcastConfirm:
		if !isConfirm(text) {
			a.reply(ctx, m.ChatID, "Type 'confirm' to send, /cancel to abort.")
			return
		}
		draft := ses.Draft
		a.sessions.Clear(m.FromID)
		a.startBroadcast(ctx, m.ChatID, draft)

	case session.StateAwaitPayoutConfirm:
		if !isConfirm(text) {
			a.reply(ctx, m.ChatID, "Type 'confirm' to run the payout, /cancel to abort.")
			return
		}
		a.sessions.Clear(m.FromID)
		a.startPayout(ctx, m.ChatID)

	default:
		a.sessions.Clear(m.FromID)
	}
}

func (a *App) startLiveChat(ctx context.Context, m *transport.Message, text string) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		a.reply(ctx, m.ChatID, "Usage: /reply <user id>")
		return
	}
	userID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		a.reply(ctx, m.ChatID, "Bad user id.")
		return
	}
	usr, ok := a.users.Get(userID)
	if !ok {
		a.reply(ctx, m.ChatID, "Unknown user id.")
		return
	}
	a.router.Link(m.FromID, userID)
	a.sessions.Set(m.FromID, session.StateLiveChat, "")
	a.reply(ctx, m.ChatID, fmt.Sprintf("Live chat with %s open. Plain messages relay; /stop to close.", usr.DisplayName))
}

// ---- broadcast flow ----

func (a *App) startBroadcast(ctx context.Context, chatID int64, text string) {
	users := a.users.Broadcastable()
	recipients := make([]broadcast.Recipient, 0, len(users))
	for _, u := range users {
		recipients = append(recipients, broadcast.Recipient{ID: u.ID, DisplayName: u.DisplayName})
	}

	rep, err := newStatusReporter(ctx, a.adapter, chatID,
		fmt.Sprintf("Broadcast: 0/%d sent...", len(recipients)),
		a.log.With(logx.String("comp", "reporter")))
	if err != nil {
		a.reply(ctx, chatID, "Could not post the status message: "+err.Error())
		return
	}

	err = a.bcast.Run(ctx, recipients, text,
		func(s queue.Stats) {
			rep.Update(ctx, fmt.Sprintf("Broadcast: %d/%d sent, %d failed, %d retries",
				s.Success, len(recipients), s.Failed, s.Retries))
		},
		func(s broadcast.Stats) {
			rep.Final(ctx, fmt.Sprintf(
				"Broadcast done: %d/%d delivered (%.0f%%), %d failed, %d retries, %d removed, took %s",
				s.Success, s.Total, s.DeliveryRate*100, s.Failed, s.Retries, s.Removed, s.Took.Round(time.Second)))
		})
	switch {
	case err == nil:
	case err == broadcast.ErrRunInProgress:
		rep.Final(ctx, "A broadcast is already running.")
	case err == broadcast.ErrNoRecipients:
		rep.Final(ctx, "No recipients.")
	default:
		rep.Final(ctx, "Broadcast failed to start: "+err.Error())
	}
}

// ---- payout flow ----

func (a *App) startPayoutFlow(ctx context.Context, m *transport.Message) {
	if a.payoutBusy.Load() {
		a.reply(ctx, m.ChatID, "A payout is already running.")
		return
	}
	targets := a.wallets.TransferTargets()
	if len(targets) == 0 {
		a.reply(ctx, m.ChatID, "No pending payouts.")
		return
	}
	var total int64
	for _, w := range targets {
		total += w.Amount
	}
	a.sessions.Set(m.FromID, session.StateAwaitPayoutConfirm, "")
	a.reply(ctx, m.ChatID, fmt.Sprintf(
		"Payout: %d transfers, %d total. Type 'confirm' to run, /cancel to abort.",
		len(targets), total))
}

func (a *App) startPayout(ctx context.Context, chatID int64) {
	if !a.payoutBusy.CompareAndSwap(false, true) {
		a.reply(ctx, chatID, "A payout is already running.")
		return
	}

	wallets := a.wallets.TransferTargets()
	targets := make([]transfer.Target, 0, len(wallets))
	for _, w := range wallets {
		targets = append(targets, transfer.Target{Address: w.Address, Amount: w.Amount})
	}

	rep, err := newStatusReporter(ctx, a.adapter, chatID,
		fmt.Sprintf("Payout: 0/%d processed...", len(targets)),
		a.log.With(logx.String("comp", "reporter")))
	if err != nil {
		a.payoutBusy.Store(false)
		a.reply(ctx, chatID, "Could not post the status message: "+err.Error())
		return
	}

	a.payer.OnProgress(func(p transfer.Progress) {
		rep.Update(ctx, fmt.Sprintf("Payout: %d/%d processed (%.0f%%), %d ok, %d failed",
			p.Processed, p.Total, p.Percent, p.Success, p.Failed))
	})

	go func() {
		defer a.payoutBusy.Store(false)
		stats, runErr := a.payer.Run(ctx, targets)
		if runErr != nil && runErr != transfer.ErrNoTargets {
			rep.Final(ctx, fmt.Sprintf("Payout aborted after %d/%d: %v",
				stats.Success+stats.Failed, stats.Total, runErr))
			return
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Payout done: %d/%d ok, %d failed, %d retries",
			stats.Success, stats.Total, stats.Failed, stats.Retries)
		for i, f := range stats.Failures {
			if i == 5 {
				fmt.Fprintf(&b, "\n... and %d more", len(stats.Failures)-i)
				break
			}
			fmt.Fprintf(&b, "\n%s: %s", f.Target.Address, f.Reason)
		}
		rep.Final(ctx, b.String())

		// Paid wallets leave the pending list; failed ones stay for a rerun.
		if stats.Success > 0 {
			remaining := make([]store.Wallet, 0, stats.Failed)
			for _, f := range stats.Failures {
				remaining = append(remaining, store.Wallet{Address: f.Target.Address, Amount: f.Target.Amount})
			}
			a.wallets.Replace(remaining)
		}
	}()
}

// ---- status ----

func (a *App) statusText(ctx context.Context) string {
	s := a.q.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %d pending, %d in flight, %d processed (%d ok / %d failed, %d retries)\n",
		s.Pending, s.InFlight, s.Processed, s.Success, s.Failed, s.Retries)
	if s.CircuitOpen {
		fmt.Fprintf(&b, "Circuit: OPEN until %s\n", s.CircuitReopenAt.Format("15:04:05"))
	} else {
		fmt.Fprintf(&b, "Circuit: closed (%d consecutive failures)\n", s.ConsecutiveFailures)
	}
	fmt.Fprintf(&b, "Users: %d registered, wallets pending: %d\n", a.users.Len(), a.wallets.Len())

	runs, err := a.auditor.RecentRuns(ctx, 5)
	if err != nil {
		fmt.Fprintf(&b, "Recent runs: unavailable (%v)", err)
		return b.String()
	}
	if len(runs) == 0 {
		b.WriteString("Recent runs: none")
		return b.String()
	}
	b.WriteString("Recent runs:")
	for _, r := range runs {
		fmt.Fprintf(&b, "\n%s %s: %d/%d ok, %d failed, %s",
			r.StartedAt.Format("01-02 15:04"), r.Kind, r.Success, r.Total, r.Failed, r.Duration.Round(time.Second))
	}
	return b.String()
}

// ---- helpers ----

func (a *App) reply(ctx context.Context, chatID int64, text string) {
	if _, err := a.adapter.SendText(ctx, chatID, text, nil); err != nil {
		a.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (a *App) adminSet() map[int64]bool {
	m, _ := a.admins.Load().(map[int64]bool)
	return m
}

// command extracts the leading /command token, stripping a @botname suffix.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text)[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

func isConfirm(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "confirm", "yes", "y":
		return true
	}
	return false
}

func displayName(m *transport.Message) string {
	if m.FromUsername != "" {
		return "@" + m.FromUsername
	}
	return strconv.FormatInt(m.FromID, 10)
}
