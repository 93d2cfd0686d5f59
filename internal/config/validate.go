package config

import (
	"errors"
	"fmt"
	"strings"
)

// TelegramTextMax is Telegram's hard limit for one text message.
const TelegramTextMax = 4096

// Validate checks static constraints. Schedules and time zones are checked by
// the scheduler itself.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, fmt.Errorf("telegram.token is required (or set %s)", EnvToken))
	}
	if cfg.Telegram.OperatorID < 0 {
		errs = append(errs, errors.New("telegram.operator_id must be a user id (>= 0)"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if cfg.Broadcast.TextLimit < 0 || cfg.Broadcast.TextLimit > TelegramTextMax-64 {
		errs = append(errs, fmt.Errorf("broadcast.text_limit must be between 0 and %d", TelegramTextMax-64))
	}
	if cfg.Inbound.Workers < 0 || cfg.Inbound.QueueSize < 0 {
		errs = append(errs, errors.New("inbound.workers and inbound.queue_size must be >= 0"))
	}

	durations := map[string]string{
		"telegram.poll_timeout":   cfg.Telegram.PollTimeout,
		"storage.busy_timeout":    cfg.Storage.BusyTimeout,
		"broadcast.send_interval": cfg.Broadcast.SendInterval,
		"broadcast.send_timeout":  cfg.Broadcast.SendTimeout,
		"inbound.timeout":         cfg.Inbound.Timeout,
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	for i, r := range cfg.Reactions.Rules {
		if strings.TrimSpace(r.Audio) == "" || len(r.Keywords) == 0 {
			errs = append(errs, fmt.Errorf("reactions.rules[%d]: audio and keywords are required", i))
		}
	}

	if cfg.Scheduler.Enabled && strings.TrimSpace(cfg.Scheduler.Broadcast) == "" {
		errs = append(errs, errors.New("scheduler.broadcast is required when scheduler.enabled"))
	}
	return errors.Join(errs...)
}
