package app

import (
	"context"
	"fmt"
	"time"

	"dropbot/internal/broadcast"
	"dropbot/internal/eventbus"
	"dropbot/internal/transfer"
	logx "dropbot/pkg/logx"
)

// consumeEvents surfaces bus events to the admins: circuit transitions reach
// everyone on the allow-list (not just whoever started the run that tripped
// it), as do run summaries.
func (a *App) consumeEvents(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			text, notify := eventNotice(e)
			if !notify {
				continue
			}
			a.log.Info("event notice", logx.String("event", e.Type), logx.String("text", text))
			for id := range a.adminSet() {
				a.reply(ctx, id, text)
			}
		}
	}
}

// eventNotice renders an admin-facing line for an event, or reports that the
// event is not admin-worthy (progress ticks, run starts).
func eventNotice(e eventbus.Event) (string, bool) {
	switch e.Type {
	case eventbus.TypeCircuitOpened:
		if until, ok := e.Data.(time.Time); ok {
			return fmt.Sprintf("Dispatch suspended: circuit breaker opened, resuming at %s.", until.Format("15:04:05")), true
		}
		return "Dispatch suspended: circuit breaker opened.", true
	case eventbus.TypeCircuitClosed:
		return "Circuit breaker closed, dispatch resumed.", true
	case eventbus.TypeRunFinished:
		switch s := e.Data.(type) {
		case broadcast.Stats:
			return fmt.Sprintf("Broadcast finished: %d/%d delivered, %d failed.", s.Success, s.Total, s.Failed), true
		case transfer.Stats:
			return fmt.Sprintf("Payout finished: %d/%d ok, %d failed.", s.Success, s.Total, s.Failed), true
		}
		return "", false
	default:
		return "", false
	}
}
