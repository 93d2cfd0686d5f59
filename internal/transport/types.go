package transport

import (
	"context"
	"errors"
	"strings"
)

// ErrBlocked marks a send that failed because the recipient blocked the bot
// (or otherwise forbids it from writing). It is permanent for that recipient.
var ErrBlocked = errors.New("recipient blocked the bot")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Sender describes who wrote an inbound message.
type Sender struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

// FullName joins first and last name the way Telegram clients display it.
func (s Sender) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

type Message struct {
	ID      int
	ChatID  int64
	From    Sender
	Text    string
	IsGroup bool
}

// IsCommand reports whether the text starts with a bot command ("/start",
// "/publicarbcv@bot x"). A slash must be followed by a command character, so
// "/ hola" and a bare "/" are plain text.
func (m *Message) IsCommand() bool {
	if m == nil || len(m.Text) < 2 || m.Text[0] != '/' {
		return false
	}
	c := m.Text[1]
	return c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || ('0' <= c && c <= '9')
}

// Command returns the command name without the leading slash and bot suffix.
// It returns "" for non-command text.
func (m *Message) Command() string {
	if !m.IsCommand() {
		return ""
	}
	head := m.Text[1:]
	if i := strings.IndexAny(head, " \t\n"); i >= 0 {
		head = head[:i]
	}
	if i := strings.IndexByte(head, '@'); i >= 0 {
		head = head[:i]
	}
	return strings.ToLower(head)
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// File is a local file sent as a document or audio attachment.
type File struct {
	Path     string
	FileName string
	Caption  string
}

// Adapter is the chat transport used by the bot core.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, f File) (MessageRef, error)
	SendAudio(ctx context.Context, to ChatTarget, f File) (MessageRef, error)
}

// IsBlocked reports whether err is a permanent "forbidden" delivery failure.
func IsBlocked(err error) bool { return errors.Is(err, ErrBlocked) }
