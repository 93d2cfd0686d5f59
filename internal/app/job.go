package app

import (
	"context"
	"time"

	"ratebot/internal/broadcast"
	"ratebot/internal/inbound"
	"ratebot/internal/notifier"
	logx "ratebot/pkg/logx"
)

// scheduledRun is the scheduler job. Nobody is waiting on a reply, so a
// missing or unreadable report goes to the operator instead.
type scheduledRun struct {
	bc     inbound.Broadcaster
	notify notifier.Notifier
	date   func(time.Time) string
	log    logx.Logger
}

func (r scheduledRun) run(ctx context.Context, at time.Time) {
	rep := r.bc.Broadcast(ctx, at)
	r.log.Info("scheduled broadcast done",
		logx.String("broadcast_id", rep.ID),
		logx.String("result", string(rep.Result)),
		logx.Int("delivered", rep.Delivered),
	)
	text := broadcast.FailureText(rep.Result, r.date(at))
	if text == "" {
		return
	}
	if err := r.notify.Notify(context.WithoutCancel(ctx), text); err != nil {
		r.log.Warn("scheduled broadcast failure not reported", logx.Err(err))
	}
}
