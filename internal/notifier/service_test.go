package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"ratebot/internal/transport"
	logx "ratebot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fail  int
	err   error
	calls int
	sent  []string
	to    []int64
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail > 0 {
		f.fail--
		if f.err != nil {
			return transport.MessageRef{}, f.err
		}
		return transport.MessageRef{}, errors.New("timeout")
	}
	f.sent = append(f.sent, text)
	f.to = append(f.to, to.ChatID)
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeSender) snapshot() ([]string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), f.calls
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		ChatID:        1434885751,
		RatePerSec:    1000,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNotifyDeliversToOperator(t *testing.T) {
	t.Parallel()
	fs := &fakeSender{}
	s := New(testConfig(), fs, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify(context.Background(), "Se ha enviado notificacion a todos!"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { sent, _ := fs.snapshot(); return len(sent) == 1 })

	fs.mu.Lock()
	to := fs.to[0]
	fs.mu.Unlock()
	if to != 1434885751 {
		t.Fatalf("sent to %d, want operator", to)
	}
	if h := s.History(); len(h) != 1 {
		t.Fatalf("history len = %d", len(h))
	}
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		fail      int
		err       error
		wantSent  int
		wantCalls int
	}{
		{name: "recovers", fail: 2, wantSent: 1, wantCalls: 3},
		{name: "gives up", fail: 10, wantSent: 0, wantCalls: 3},
		{name: "blocked is not retried", fail: 10, err: fmt.Errorf("send: %w", transport.ErrBlocked), wantSent: 0, wantCalls: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fs := &fakeSender{fail: tt.fail, err: tt.err}
			s := New(testConfig(), fs, logx.Nop(), nil)
			s.Start(context.Background())
			if err := s.Notify(context.Background(), "hola"); err != nil {
				t.Fatalf("Notify: %v", err)
			}
			// Stop drains the queue, so the outcome is settled afterwards.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.Stop(ctx)

			sent, calls := fs.snapshot()
			if len(sent) != tt.wantSent || calls != tt.wantCalls {
				t.Fatalf("sent=%d calls=%d, want sent=%d calls=%d", len(sent), calls, tt.wantSent, tt.wantCalls)
			}
		})
	}
}

func TestNotifyStates(t *testing.T) {
	t.Parallel()

	disabled := testConfig()
	disabled.Enabled = false
	if err := New(disabled, &fakeSender{}, logx.Nop(), nil).Notify(context.Background(), "x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: %v", err)
	}

	noTarget := testConfig()
	noTarget.ChatID = 0
	if err := New(noTarget, &fakeSender{}, logx.Nop(), nil).Notify(context.Background(), "x"); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("no target: %v", err)
	}

	if err := New(testConfig(), &fakeSender{}, logx.Nop(), nil).Notify(context.Background(), "x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: %v", err)
	}
}

func TestNotifyQueueFull(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.RatePerSec = 1
	fs := &fakeSender{}
	s := New(cfg, fs, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		s.Stop(ctx)
	}()

	var full bool
	for i := 0; i < 20; i++ {
		if err := s.Notify(context.Background(), fmt.Sprintf("m%d", i)); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Fatal("expected ErrQueueFull with a one-slot queue")
	}
}

func TestNotifyDedupWindow(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	fs := &fakeSender{}
	s := New(cfg, fs, logx.Nop(), nil)
	s.Start(context.Background())
	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), "same"); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	s.Stop(context.Background())
	if sent, _ := fs.snapshot(); len(sent) != 1 {
		t.Fatalf("sent %d, want 1", len(sent))
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
}

func TestHistoryHandler(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), &fakeSender{}, logx.Nop(), nil)
	s.appendHistory("primero")
	s.appendHistory("segundo")

	tests := []struct {
		target string
		code   int
		want   []string
	}{
		{target: "/notifications", code: http.StatusOK, want: []string{"segundo", "primero"}},
		{target: "/notifications?limit=1", code: http.StatusOK, want: []string{"segundo"}},
		{target: "/notifications?limit=x", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.HistoryHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.target, nil))
		if rec.Code != tt.code {
			t.Fatalf("%s: status = %d, want %d", tt.target, rec.Code, tt.code)
		}
		if tt.code != http.StatusOK {
			continue
		}
		var items []HistoryItem
		if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
			t.Fatalf("%s: decode: %v", tt.target, err)
		}
		var got []string
		for _, it := range items {
			got = append(got, it.Text)
		}
		if !slices.Equal(got, tt.want) {
			t.Fatalf("%s: texts = %v, want %v", tt.target, got, tt.want)
		}
	}
}
