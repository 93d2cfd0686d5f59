package broadcast

import (
	"context"
	"time"

	"ratebot/internal/transport"
)

// Result is the overall outcome of one broadcast.
type Result string

const (
	ResultCompleted          Result = "completed"
	ResultNoRecipients       Result = "no_recipients"
	ResultArtifactMissing    Result = "artifact_missing"
	ResultArtifactUnreadable Result = "artifact_unreadable"
	ResultCanceled           Result = "canceled"
)

// Started reports whether any delivery was attempted.
func (r Result) Started() bool { return r == ResultCompleted || r == ResultCanceled }

// Mode is how the report is delivered.
type Mode string

const (
	ModeText     Mode = "text"
	ModeDocument Mode = "document"
)

// OutcomeKind classifies one per-recipient delivery.
type OutcomeKind string

const (
	OutcomeDelivered OutcomeKind = "delivered"
	OutcomeBlocked   OutcomeKind = "blocked"
	OutcomeTransient OutcomeKind = "transient"
)

type Outcome struct {
	ChatID int64
	Kind   OutcomeKind
	Err    string
}

type Report struct {
	ID     string
	Result Result
	Path   string
	Mode   Mode

	Delivered int
	Blocked   int
	Transient int
	Outcomes  []Outcome

	StartedAt  time.Time
	FinishedAt time.Time
}

func (r Report) Took() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// Sender is the slice of the chat transport used for delivery.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendDocument(ctx context.Context, to transport.ChatTarget, f transport.File) (transport.MessageRef, error)
}

// Recipients is the slice of the subscriber registry used for delivery.
type Recipients interface {
	Snapshot() []int64
	UnregisterReason(ctx context.Context, id int64, reason string) bool
}

// Options tune delivery. Zero values pick defaults.
type Options struct {
	TextLimit    int
	SendInterval time.Duration
	SendTimeout  time.Duration
}

const (
	DefaultTextLimit    = 4000
	DefaultSendInterval = 100 * time.Millisecond
	DefaultSendTimeout  = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.TextLimit <= 0 {
		o.TextLimit = DefaultTextLimit
	}
	if o.SendInterval < 0 {
		o.SendInterval = 0
	} else if o.SendInterval == 0 {
		o.SendInterval = DefaultSendInterval
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	return o
}
