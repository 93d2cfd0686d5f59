// Package inbound reacts to messages arriving from the chat transport.
//
// Every message registers its chat. Commands are routed to the greeting or to
// a broadcast; plain text gets a keyword reaction or an echo, and a copy is
// forwarded to the operator.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	"ratebot/internal/broadcast"
	"ratebot/internal/notifier"
	"ratebot/internal/transport"
	logx "ratebot/pkg/logx"
)

const (
	cmdStart   = "start"
	cmdPublish = "publicarbcv"

	greeting = "¡Hola! Soy tu bot de noticias de moneda del BCV. Te enviaré actualizaciones periódicas"
)

// Registrar is the slice of the subscriber registry the handler needs.
type Registrar interface {
	Register(ctx context.Context, id int64) bool
}

// Broadcaster runs a broadcast for a date.
type Broadcaster interface {
	Broadcast(ctx context.Context, at time.Time) broadcast.Report
}

// Replier sends replies to the originating chat.
type Replier interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendAudio(ctx context.Context, to transport.ChatTarget, f transport.File) (transport.MessageRef, error)
}

type Handler struct {
	reg       Registrar
	bc        Broadcaster
	reply     Replier
	notify    notifier.Notifier
	reactions atomic.Pointer[Reactions]
	log       logx.Logger
	now       func() time.Time

	operatorID    atomic.Int64
	operatorOnly  atomic.Bool
	dateFormatter func(time.Time) string
}

type Deps struct {
	Registry    Registrar
	Broadcaster Broadcaster
	Replier     Replier
	Notifier    notifier.Notifier
	Reactions   *Reactions
	Log         logx.Logger
	Now         func() time.Time
	// DateString formats the report date in operator-facing errors.
	DateString func(time.Time) string
}

func NewHandler(d Deps, operatorID int64) *Handler {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Notifier == nil {
		d.Notifier = notifier.Nop
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.DateString == nil {
		d.DateString = func(t time.Time) string { return t.Format("02-01-2006") }
	}
	h := &Handler{
		reg:           d.Registry,
		bc:            d.Broadcaster,
		reply:         d.Replier,
		notify:        d.Notifier,
		log:           d.Log,
		now:           d.Now,
		dateFormatter: d.DateString,
	}
	h.reactions.Store(d.Reactions)
	h.operatorID.Store(operatorID)
	return h
}

// SetOperator changes who receives alerts and forwarded messages.
func (h *Handler) SetOperator(id int64) { h.operatorID.Store(id) }

// SetOperatorOnlyBroadcast restricts /publicarbcv to the operator chat.
func (h *Handler) SetOperatorOnlyBroadcast(v bool) { h.operatorOnly.Store(v) }

// SetReactions swaps the keyword table.
func (h *Handler) SetReactions(r *Reactions) { h.reactions.Store(r) }

// Handle adapts the handler to the middleware chain.
func (h *Handler) Handle(ctx context.Context, req *Request) error {
	if req == nil || req.Update.Message == nil {
		return nil
	}
	return h.OnInbound(ctx, req.Update.Message)
}

// OnInbound processes one inbound message.
func (h *Handler) OnInbound(ctx context.Context, msg *transport.Message) error {
	if msg == nil {
		return nil
	}
	if h.reg.Register(ctx, msg.ChatID) {
		h.alertNewSubscriber(ctx, msg)
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case cmdStart:
			return h.send(ctx, msg.ChatID, greeting)
		case cmdPublish:
			return h.publish(ctx, msg)
		default:
			h.log.Debug("unknown command ignored", logx.Int64("chat_id", msg.ChatID), logx.String("cmd", msg.Command()))
			return nil
		}
	}
	return h.echo(ctx, msg)
}

func (h *Handler) publish(ctx context.Context, msg *transport.Message) error {
	// Only the bare command triggers a broadcast.
	if msg.Text != "/"+cmdPublish {
		h.log.Warn("broadcast command with trailing text ignored", logx.Int64("chat_id", msg.ChatID), logx.String("text", msg.Text))
		return nil
	}
	if h.operatorOnly.Load() && msg.From.ID != h.operatorID.Load() {
		h.log.Warn("broadcast command from non-operator ignored", logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.From.ID))
		return nil
	}

	at := h.now()
	rep := h.bc.Broadcast(ctx, at)
	if text := broadcast.FailureText(rep.Result, h.dateFormatter(at)); text != "" {
		return h.send(ctx, msg.ChatID, text)
	}
	return nil
}

func (h *Handler) echo(ctx context.Context, msg *transport.Message) error {
	var err error
	if rule, ok := h.reactions.Load().Match(msg.Text); ok {
		err = h.react(ctx, msg, rule)
	} else {
		err = h.send(ctx, msg.ChatID, "Recibí tu mensaje: "+msg.Text)
	}

	if msg.ChatID != h.operatorID.Load() {
		h.forward(ctx, msg)
	}
	return err
}

func (h *Handler) react(ctx context.Context, msg *transport.Message, rule Reaction) error {
	path := h.reactions.Load().AudioPath(rule)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		h.log.Warn("reaction audio missing", logx.String("reaction", rule.Name), logx.String("path", path))
		return h.send(ctx, msg.ChatID, rule.Missing)
	}
	_, err := h.reply.SendAudio(ctx, transport.ChatTarget{ChatID: msg.ChatID}, transport.File{Path: path, FileName: rule.Audio})
	if err != nil {
		return fmt.Errorf("send reaction %s: %w", rule.Name, err)
	}
	h.log.Info("reaction sent", logx.String("reaction", rule.Name), logx.Int64("chat_id", msg.ChatID))
	return nil
}

func (h *Handler) alertNewSubscriber(ctx context.Context, msg *transport.Message) {
	text := fmt.Sprintf("🚨 ¡Nuevo Usuario Registrado! 🚨\n\nNombre: %s\nUsername: @%s\nID: %d",
		orNA(msg.From.FullName()), orNA(msg.From.Username), msg.From.ID)
	if err := h.notify.Notify(ctx, text); err != nil {
		h.log.Warn("new subscriber alert not queued", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (h *Handler) forward(ctx context.Context, msg *transport.Message) {
	text := fmt.Sprintf("Nuevo mensaje de %s (@%s) (ID: %d):\n\n'%s'",
		msg.From.FullName(), orNA(msg.From.Username), msg.From.ID, msg.Text)
	if err := h.notify.Notify(ctx, text); err != nil {
		h.log.Warn("message forward not queued", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (h *Handler) send(ctx context.Context, chatID int64, text string) error {
	if _, err := h.reply.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		return fmt.Errorf("reply to %d: %w", chatID, err)
	}
	return nil
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
