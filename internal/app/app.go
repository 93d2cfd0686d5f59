// Package app wires the bot together and owns its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ratebot/internal/broadcast"
	"ratebot/internal/config"
	"ratebot/internal/eventbus"
	"ratebot/internal/inbound"
	"ratebot/internal/notifier"
	"ratebot/internal/observability/httpserver"
	"ratebot/internal/observability/metrics"
	rtsup "ratebot/internal/runtime/supervisor"
	"ratebot/internal/scheduler"
	"ratebot/internal/storage"
	"ratebot/internal/subscribers"
	"ratebot/internal/transport"
	telegram "ratebot/internal/transport/telegram/adapter"
	logx "ratebot/pkg/logx"
)

const registryRetryEvery = 30 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	adapter *telegram.Adapter
	reg     *subscribers.Registry
	notif   *notifier.Service
	disp    *broadcast.Dispatcher
	handler *inbound.Handler
	loop    *inbound.Loop
	sched   *scheduler.Service
	metrics *metrics.Metrics
	http    *httpserver.Server

	updates chan transport.Update
}

// logSender routes mirrored log lines through the Telegram adapter.
type logSender struct{ ad *telegram.Adapter }

func (s logSender) SendLog(ctx context.Context, chatID int64, text string) error {
	_, err := s.ad.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil)
	return err
}

// New loads the config, opens the registry and builds every component.
// Nothing runs until Start.
func New(ctx context.Context, cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Set the target before enabling the Telegram sink so Apply doesn't warn.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, logSender{ad: ad})
	logSvc.SetTelegramTarget(cfg.Telegram.OperatorID)
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	reg := subscribers.New(store, log.With(logx.String("comp", "registry")), bus, subscribers.Options{})
	if err := reg.Init(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load subscribers: %w", err)
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus)

	bopt, err := mapBroadcastOptions(cfg)
	if err != nil {
		return nil, err
	}
	src := mapSource(cfg)
	disp := broadcast.New(broadcast.Deps{
		Sender:   ad,
		Registry: reg,
		Source:   src,
		Notifier: notif,
		Log:      log.With(logx.String("comp", "broadcast")),
		Bus:      bus,
	}, bopt)

	handler := inbound.NewHandler(inbound.Deps{
		Registry:    reg,
		Broadcaster: disp,
		Replier:     ad,
		Notifier:    notif,
		Reactions:   mapReactions(cfg),
		Log:         log.With(logx.String("comp", "inbound")),
		DateString:  func(t time.Time) string { return disp.Source().DateString(t) },
	}, cfg.Telegram.OperatorID)
	handler.SetOperatorOnlyBroadcast(cfg.Broadcast.OperatorOnly)

	lopt, err := mapLoopOptions(cfg)
	if err != nil {
		return nil, err
	}
	loop := inbound.NewLoop(handler.Handle, log.With(logx.String("comp", "inbound")), lopt, nil)

	job := scheduledRun{
		bc:     disp,
		notify: notif,
		date:   func(t time.Time) string { return disp.Source().DateString(t) },
		log:    log.With(logx.String("comp", "scheduler")),
	}
	sched := scheduler.New(mapSchedulerConfig(cfg), job.run, log.With(logx.String("comp", "scheduler")))

	m := metrics.New()
	m.SetSubscribers(reg.Len())
	httpSrv := httpserver.New(m.Handler(), func() error {
		if reg.Dirty() {
			return errors.New("subscriber registry not persisted")
		}
		return nil
	}, log)
	httpSrv.Handle("/notifications", notif.HistoryHandler())

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		adapter: ad,
		reg:     reg,
		notif:   notif,
		disp:    disp,
		handler: handler,
		loop:    loop,
		sched:   sched,
		metrics: m,
		http:    httpSrv,
		updates: make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	// The notifier outlives the run context so Stop can drain summaries.
	a.notif.Start(context.WithoutCancel(run))

	a.sup.Go("metrics.events", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.http.Reconfigure(run, mapHTTPConfig(a.cfgm.Get()))

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go("inbound.loop", func(c context.Context) error { return a.loop.Run(c, a.updates) })

	if err := a.sched.Start(run); err != nil {
		return err
	}
	if next := a.sched.Next(); !next.IsZero() {
		a.log.Info("next scheduled broadcast", logx.Time("at", next))
	}

	a.sup.Go0("registry.retry", a.retryRegistry)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("subscribers", a.reg.Len()),
		logx.Int64("operator_id", a.cfgm.Get().Telegram.OperatorID),
	)
	return nil
}

// retryRegistry re-flushes the registry while its last persist failed.
func (a *App) retryRegistry(ctx context.Context) {
	t := time.NewTicker(registryRetryEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !a.reg.Dirty() {
				continue
			}
			if err := a.reg.Flush(ctx); err != nil {
				a.log.Warn("registry retry flush failed", logx.Err(err))
			}
		}
	}
}

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := a.sched.Validate(mapSchedulerConfig(cfg)); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastOptions(cfg); err != nil {
		return err
	}
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step; it never extends the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("http", 1*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("registry", 2*time.Second, func(c context.Context) error { return a.reg.Close(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
