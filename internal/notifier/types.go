package notifier

import (
	"context"
	"time"

	"ratebot/internal/transport"
)

// Notifier sends a text to the operator. Implementations must not block on
// delivery.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, text string) error

func (f Func) Notify(ctx context.Context, text string) error { return f(ctx, text) }

// Nop discards every notification.
var Nop Notifier = Func(func(context.Context, string) error { return nil })

// TextSender is the slice of the transport the notifier needs.
type TextSender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// Config controls the async notification pipeline.
type Config struct {
	Enabled       bool
	ChatID        int64
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	DedupWindow   time.Duration
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Event is the payload published on the bus for sent/failed notifications.
type Event struct {
	ChatID int64     `json:"chat_id"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
