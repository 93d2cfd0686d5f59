// Package broadcast fans the daily report out to every subscriber.
//
// A broadcast iterates a snapshot of the registry. One recipient's failure
// never aborts the batch: blocked recipients are removed from the registry,
// anything else is logged and skipped. Only an empty registry or an absent or
// unreadable report stop a broadcast before the first send.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ratebot/internal/artifact"
	"ratebot/internal/eventbus"
	"ratebot/internal/notifier"
	"ratebot/internal/transport"
	logx "ratebot/pkg/logx"
)

type Dispatcher struct {
	sender   Sender
	rcpt     Recipients
	source   artifact.Source
	notifier notifier.Notifier
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	mu  sync.RWMutex
	opt Options
}

type Deps struct {
	Sender   Sender
	Registry Recipients
	Source   artifact.Source
	Notifier notifier.Notifier
	Log      logx.Logger
	Bus      eventbus.Bus
	Now      func() time.Time
}

func New(d Deps, opt Options) *Dispatcher {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = notifier.Nop
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Dispatcher{
		sender:   d.Sender,
		rcpt:     d.Registry,
		source:   d.Source,
		notifier: d.Notifier,
		log:      d.Log,
		bus:      d.Bus,
		now:      d.Now,
		opt:      opt.withDefaults(),
	}
}

// Apply swaps delivery options. Broadcasts already running keep theirs.
func (d *Dispatcher) Apply(opt Options) {
	d.mu.Lock()
	d.opt = opt.withDefaults()
	d.mu.Unlock()
}

// SetSource swaps where reports are read from.
func (d *Dispatcher) SetSource(src artifact.Source) {
	d.mu.Lock()
	d.source = src
	d.mu.Unlock()
}

// Source returns the current report source.
func (d *Dispatcher) Source() artifact.Source {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.source
}

func (d *Dispatcher) options() Options {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opt
}

// Broadcast sends the report for date at to every subscriber.
func (d *Dispatcher) Broadcast(ctx context.Context, at time.Time) Report {
	opt := d.options()
	src := d.Source()
	rep := Report{
		ID:        uuid.NewString(),
		Path:      src.Path(at),
		StartedAt: d.now(),
	}
	log := d.log.With(logx.String("broadcast_id", rep.ID))

	finish := func(res Result) Report {
		rep.Result = res
		rep.FinishedAt = d.now()
		eventbus.Publish(d.bus, eventbus.BroadcastFinished, eventbus.BroadcastEvent{
			BroadcastID: rep.ID,
			Result:      string(res),
			Delivered:   rep.Delivered,
			Blocked:     rep.Blocked,
			Transient:   rep.Transient,
			Took:        rep.Took(),
		})
		return rep
	}

	recipients := d.rcpt.Snapshot()
	if len(recipients) == 0 {
		log.Info("broadcast skipped: no recipients")
		return finish(ResultNoRecipients)
	}

	art, err := artifact.Read(rep.Path)
	switch {
	case errors.Is(err, artifact.ErrMissing):
		log.Warn("broadcast aborted: report missing", logx.String("path", rep.Path))
		return finish(ResultArtifactMissing)
	case err != nil:
		log.Error("broadcast aborted: report unreadable", logx.String("path", rep.Path), logx.Err(err))
		return finish(ResultArtifactUnreadable)
	}

	rep.Mode = SelectMode(art.Len(), opt.TextLimit)
	log.Info("broadcast started",
		logx.String("path", rep.Path),
		logx.String("mode", string(rep.Mode)),
		logx.Int("recipients", len(recipients)),
		logx.Int("length", art.Len()),
	)

	send := d.sendFunc(rep.Mode, art)
	var lim *rate.Limiter
	if opt.SendInterval > 0 {
		lim = rate.NewLimiter(rate.Every(opt.SendInterval), 1)
	}

	res := ResultCompleted
	for _, id := range recipients {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				res = ResultCanceled
				break
			}
		} else if ctx.Err() != nil {
			res = ResultCanceled
			break
		}

		sctx, cancel := context.WithTimeout(ctx, opt.SendTimeout)
		err := send(sctx, transport.ChatTarget{ChatID: id})
		cancel()

		o := Outcome{ChatID: id, Kind: classify(err)}
		if err != nil {
			o.Err = err.Error()
		}
		rep.Outcomes = append(rep.Outcomes, o)

		switch o.Kind {
		case OutcomeDelivered:
			rep.Delivered++
		case OutcomeBlocked:
			rep.Blocked++
			log.Info("recipient blocked the bot; removing", logx.Int64("chat_id", id))
			d.rcpt.UnregisterReason(context.WithoutCancel(ctx), id, "blocked")
		case OutcomeTransient:
			rep.Transient++
			log.Warn("delivery failed", logx.Int64("chat_id", id), logx.Err(err))
		}
		eventbus.Publish(d.bus, eventbus.DeliveryOutcome, eventbus.DeliveryEvent{
			BroadcastID: rep.ID,
			ChatID:      id,
			Outcome:     string(o.Kind),
			Mode:        string(rep.Mode),
		})
	}

	rep = finish(res)
	log.Info("broadcast finished",
		logx.String("result", string(rep.Result)),
		logx.Int("delivered", rep.Delivered),
		logx.Int("blocked", rep.Blocked),
		logx.Int("transient", rep.Transient),
		logx.Duration("took", rep.Took()),
	)
	if err := d.notifier.Notify(context.WithoutCancel(ctx), Summary(rep)); err != nil {
		log.Warn("broadcast summary not queued", logx.Err(err))
	}
	return rep
}

func (d *Dispatcher) sendFunc(mode Mode, art artifact.Artifact) func(context.Context, transport.ChatTarget) error {
	if mode == ModeDocument {
		f := transport.File{Path: art.Path, FileName: art.Name, Caption: documentCaption(art.Name)}
		return func(ctx context.Context, to transport.ChatTarget) error {
			_, err := d.sender.SendDocument(ctx, to, f)
			return err
		}
	}
	text := formatText(art.Content)
	opt := &transport.SendOptions{ParseMode: "MarkdownV2"}
	return func(ctx context.Context, to transport.ChatTarget) error {
		_, err := d.sender.SendText(ctx, to, text, opt)
		return err
	}
}

func classify(err error) OutcomeKind {
	switch {
	case err == nil:
		return OutcomeDelivered
	case transport.IsBlocked(err):
		return OutcomeBlocked
	default:
		return OutcomeTransient
	}
}
