package app

import (
	"fmt"
	"strings"
	"time"

	"ratebot/internal/artifact"
	"ratebot/internal/broadcast"
	"ratebot/internal/config"
	"ratebot/internal/inbound"
	"ratebot/internal/notifier"
	"ratebot/internal/observability/httpserver"
	"ratebot/internal/scheduler"
	"ratebot/internal/storage"
	logx "ratebot/pkg/logx"
)

// The map* helpers turn the file config into component configs. Durations
// were checked by config.Validate, so parse errors are returned but not
// expected.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapSource(cfg *config.Config) artifact.Source {
	return artifact.Source{
		Dir:    cfg.Artifact.Dir,
		Prefix: cfg.Artifact.Prefix,
		Layout: cfg.Artifact.DateLayout,
		Ext:    cfg.Artifact.Ext,
	}
}

func mapBroadcastOptions(cfg *config.Config) (broadcast.Options, error) {
	bc := cfg.Broadcast
	opt := broadcast.Options{TextLimit: bc.TextLimit}
	var err error
	if opt.SendInterval, err = config.ParseDurationField("broadcast.send_interval", bc.SendInterval); err != nil {
		return opt, err
	}
	if opt.SendTimeout, err = config.ParseDurationField("broadcast.send_timeout", bc.SendTimeout); err != nil {
		return opt, err
	}
	return opt, nil
}

func mapLoopOptions(cfg *config.Config) (inbound.LoopOptions, error) {
	timeout, err := config.ParseDurationField("inbound.timeout", cfg.Inbound.Timeout)
	if err != nil {
		return inbound.LoopOptions{}, err
	}
	return inbound.LoopOptions{
		Workers:   cfg.Inbound.Workers,
		QueueSize: cfg.Inbound.QueueSize,
		Timeout:   timeout,
	}, nil
}

// mapNotifierConfig fills defaults for an omitted notifier section. The
// operator chat is the only target.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := config.NotifierConfig{
		Enabled:    true,
		Workers:    1,
		QueueSize:  64,
		RatePerSec: 1,
		RetryMax:   3,
	}
	if cfg.Notifier != nil {
		n = *cfg.Notifier
	}
	out := notifier.Config{
		Enabled:    n.Enabled,
		ChatID:     cfg.Telegram.OperatorID,
		Workers:    n.Workers,
		QueueSize:  n.QueueSize,
		RatePerSec: n.RatePerSec,
		RetryMax:   n.RetryMax,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second); err != nil {
		return out, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
		return out, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Spec:     cfg.Scheduler.Broadcast,
		Timezone: cfg.Scheduler.Timezone,
	}
}

// mapReactions uses the configured rules, or the built-in table when none
// are given.
func mapReactions(cfg *config.Config) *inbound.Reactions {
	r := inbound.DefaultReactions(cfg.Reactions.AudioDir)
	if len(cfg.Reactions.Rules) == 0 {
		return r
	}
	r.Rules = r.Rules[:0]
	for _, rule := range cfg.Reactions.Rules {
		missing := rule.Missing
		if missing == "" {
			missing = fmt.Sprintf("Lo siento, no pude encontrar el archivo de audio '%s'.", rule.Audio)
		}
		kws := make([]string, 0, len(rule.Keywords))
		for _, kw := range rule.Keywords {
			kws = append(kws, strings.ToLower(strings.TrimSpace(kw)))
		}
		r.Rules = append(r.Rules, inbound.Reaction{
			Name:     rule.Name,
			Keywords: kws,
			Audio:    rule.Audio,
			Missing:  missing,
		})
	}
	return r
}

func mapHTTPConfig(cfg *config.Config) httpserver.Config {
	m := cfg.Metrics
	return httpserver.Config{
		Enabled:      m.Enabled,
		Addr:         m.Addr,
		Path:         m.Path,
		Pprof:        m.Pprof,
		Token:        m.Token,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
