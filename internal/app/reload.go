package app

import (
	"context"
	"strings"
	"time"

	"ratebot/internal/config"
	logx "ratebot/pkg/logx"
)

// reloadLoop applies committed configs until ctx is done. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(prev, cfg); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.SetTelegramTarget(cfg.Telegram.OperatorID)
	a.logs.Apply(mapLogConfig(cfg))

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(context.WithoutCancel(ctx))
			a.log.Info("notifier enabled via config")
		}
	}

	if bopt, err := mapBroadcastOptions(cfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(bopt)
	}
	a.disp.SetSource(mapSource(cfg))

	a.handler.SetOperator(cfg.Telegram.OperatorID)
	a.handler.SetOperatorOnlyBroadcast(cfg.Broadcast.OperatorOnly)
	a.handler.SetReactions(mapReactions(cfg))

	if err := a.sched.Apply(mapSchedulerConfig(cfg)); err != nil {
		a.log.Warn("scheduler config not applied", logx.Err(err))
	} else if next := a.sched.Next(); !next.IsZero() {
		a.log.Info("next scheduled broadcast", logx.Time("at", next))
	}

	a.http.Reconfigure(ctx, mapHTTPConfig(cfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}
