// Package scheduler runs the report broadcast on a cron or interval schedule.
//
// Only one scheduled run is in flight at a time; a tick that fires while the
// previous run is still going is skipped.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "ratebot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Spec     string
	Timezone string
}

// Job is one scheduled run; at is the tick time in the configured zone.
type Job func(ctx context.Context, at time.Time)

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	job    Job
	parser cron.Parser

	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	sched   cron.Schedule
	ctx     context.Context
	started bool
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		job:    job,
		cfg:    cfg,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate checks a config without applying it.
func (s *Service) Validate(cfg Config) error {
	if _, err := loadLocation(cfg.Timezone); err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	_, err := s.schedule(cfg.Spec)
	return err
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.ctx = ctx
	s.started = true
	return s.restartLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.started = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduled run still in flight at shutdown")
	}
}

// Apply swaps the config, rebuilding the cron when running.
func (s *Service) Apply(cfg Config) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if !s.started {
		return nil
	}
	return s.restartLocked()
}

// Next returns the next planned run, or zero when nothing is scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(time.Now().In(s.loc))
}

func (s *Service) restartLocked() error {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
		s.sched = nil
	}
	loc, err := loadLocation(s.cfg.Timezone)
	if err != nil {
		return err
	}
	s.loc = loc
	if !s.cfg.Enabled {
		s.log.Info("scheduled broadcast disabled")
		return nil
	}
	sched, err := s.schedule(s.cfg.Spec)
	if err != nil {
		return err
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	ctx := s.ctx
	job := s.job
	log := s.log
	c.Schedule(sched, cron.FuncJob(func() {
		at := time.Now().In(loc)
		log.Info("scheduled broadcast firing", logx.Time("at", at))
		job(ctx, at)
	}))
	c.Start()
	s.c = c
	s.sched = sched
	s.log.Info("scheduler started", logx.String("spec", s.cfg.Spec), logx.String("tz", loc.String()), logx.Time("next", sched.Next(time.Now().In(loc))))
	return nil
}

func (s *Service) schedule(raw string) (cron.Schedule, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	if ps.Kind == SpecInterval {
		return cron.Every(ps.Every), nil
	}
	sched, err := s.parser.Parse(ps.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
	}
	return sched, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler.timezone %q: %w", name, err)
	}
	return loc, nil
}

// cronLogger routes robfig/cron's logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
