package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestWriterLoggerFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "registry"))

	log.Debug("hidden")
	log.Info("subscriber registered", Int64("chat_id", 42), Err(nil))
	log.Warn("persist failed", Err(errors.New("disk full")))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %s", len(lines), buf.String())
	}
	if lines[0]["comp"] != "registry" || lines[0]["chat_id"] != float64(42) {
		t.Fatalf("first line = %v", lines[0])
	}
	if _, ok := lines[0]["err"]; ok {
		t.Fatal("nil error must not be logged")
	}
	if lines[1]["err"] != "disk full" || lines[1]["level"] != "warn" {
		t.Fatalf("second line = %v", lines[1])
	}
	if c, _ := lines[1]["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestZeroAndNopLoggers(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero value should report IsZero")
	}
	zero.Info("must not panic")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   "debug",
		" WARN ":  "warn",
		"warning": "warn",
		"ERROR":   "error",
		"bogus":   "info",
		"":        "info",
	}
	for in, want := range tests {
		if got := parseLevel(in, zerolog.InfoLevel).String(); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestFormatTelegramJSON(t *testing.T) {
	got := formatTelegramJSON([]byte(`{"level":"error","time":"x","message":"registry persist failed","count":3}`))
	if !strings.HasPrefix(got, "[ERROR] registry persist failed") || !strings.Contains(got, "- count=3") {
		t.Fatalf("formatTelegramJSON = %q", got)
	}
	if strings.Contains(got, "time") {
		t.Fatalf("time should be dropped: %q", got)
	}
	if got := formatTelegramJSON([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("non-json = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

type chanSender struct {
	mu   sync.Mutex
	sent []string
	ch   chan struct{}
}

func (s *chanSender) SendLog(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	s.sent = append(s.sent, text)
	s.mu.Unlock()
	select {
	case s.ch <- struct{}{}:
	default:
	}
	return nil
}

func TestServiceMirrorsToTelegram(t *testing.T) {
	sender := &chanSender{ch: make(chan struct{}, 4)}
	svc, log := New(Config{
		Level: "debug",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "bot.log")},
		Telegram: TelegramConfig{
			Enabled:    true,
			MinLevel:   "warn",
			RatePerSec: 10,
		},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetTelegramTarget(1434885751)

	log.Info("below threshold")
	log.Error("registry persist failed", Int("count", 3))

	select {
	case <-sender.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("error line was not mirrored")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || !strings.Contains(sender.sent[0], "registry persist failed") {
		t.Fatalf("sent = %q", sender.sent)
	}
}

func TestFormatTelegramJSONSortsFields(t *testing.T) {
	got := formatTelegramJSON([]byte(`{"level":"warn","message":"m","zeta":1,"alpha":"a","caller":"x.go:1"}`))
	want := "[WARN] m\n- alpha=a\n- caller=x.go:1\n- zeta=1"
	if got != want {
		t.Fatalf("formatTelegramJSON = %q, want %q", got, want)
	}
}
