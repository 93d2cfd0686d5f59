package inbound

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "ratebot/internal/runtime/supervisor"
	"ratebot/internal/transport"
	logx "ratebot/pkg/logx"
)

type LoopOptions struct {
	Workers   int
	QueueSize int
	// Timeout bounds each update; zero disables it.
	Timeout time.Duration
}

// Loop feeds inbound updates to a bounded worker pool.
type Loop struct {
	log   logx.Logger
	h     HandlerFunc
	opt   LoopOptions
	jobs  chan func()
	busy  func(ctx context.Context, msg *transport.Message)
	final HandlerFunc
}

// NewLoop wraps h with panic recovery, request logging and the timeout.
// busy, if set, is called for updates dropped because the queue is full.
func NewLoop(h HandlerFunc, log logx.Logger, opt LoopOptions, busy func(ctx context.Context, msg *transport.Message)) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = runtime.NumCPU()
		if opt.Workers < 2 {
			opt.Workers = 2
		}
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	l := &Loop{
		log:  log,
		h:    h,
		opt:  opt,
		jobs: make(chan func(), opt.QueueSize),
		busy: busy,
	}
	l.final = Chain(h,
		MWPanicRecover(log),
		MWRequestLog(log),
		MWTimeout(opt.Timeout),
	)
	return l
}

// Run dispatches updates until ctx is done or updates is closed, then lets
// the workers drain for a short grace period.
func (l *Loop) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(l.log),
		rtsup.WithCancelOnError(false),
	)
	l.log.Info("inbound dispatcher started", logx.Int("workers", l.opt.Workers), logx.Int("queue_cap", cap(l.jobs)))

	var closeOnce sync.Once
	closeJobs := func() { closeOnce.Do(func() { close(l.jobs) }) }

	for i := 0; i < l.opt.Workers; i++ {
		idx := i
		sup.GoRestart("inbound.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-l.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								l.log.Error("panic in inbound job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		l.log.Info("inbound dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			l.enqueue(ctx, up)
		}
	}
}

func (l *Loop) enqueue(root context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	rid := uuid.NewString()[:8]
	req := &Request{
		Update: up,
		ReqID:  rid,
		Logger: l.log.With(logx.String("rid", rid), logx.Int64("chat_id", up.Message.ChatID)),
	}
	select {
	case l.jobs <- func() { _ = l.final(root, req) }:
	default:
		l.log.Warn("inbound queue full; update dropped", logx.Int64("chat_id", up.Message.ChatID))
		if l.busy != nil {
			l.busy(root, up.Message)
		}
	}
}
