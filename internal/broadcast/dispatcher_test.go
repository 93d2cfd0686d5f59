package broadcast

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"ratebot/internal/artifact"
	"ratebot/internal/notifier"
	"ratebot/internal/storage"
	"ratebot/internal/subscribers"
	"ratebot/internal/transport"
	logx "ratebot/pkg/logx"
)

type sent struct {
	chatID int64
	text   string
	doc    *transport.File
	opt    *transport.SendOptions
}

type fakeSender struct {
	mu     sync.Mutex
	errs   map[int64]error
	log    []sent
	onSend func(chatID int64) // runs before each text send, outside mu
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if f.onSend != nil {
		f.onSend(to.ChatID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, sent{chatID: to.ChatID, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID}, f.errs[to.ChatID]
}

func (f *fakeSender) SendDocument(_ context.Context, to transport.ChatTarget, file transport.File) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, sent{chatID: to.ChatID, doc: &file})
	return transport.MessageRef{ChatID: to.ChatID}, f.errs[to.ChatID]
}

func (f *fakeSender) sends() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.log)
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	n.texts = append(n.texts, text)
	n.mu.Unlock()
	return nil
}

var testDay = time.Date(2025, time.March, 7, 9, 0, 0, 0, time.UTC)

type fixture struct {
	dir    string
	path   string
	reg    *subscribers.Registry
	sender *fakeSender
	notes  *recordingNotifier
	d      *Dispatcher
}

func newFixture(t *testing.T, ids ...int64) *fixture {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "usuarios_bot.json")
	reg := subscribers.New(storage.NewFileStore(storePath, logx.Nop()), logx.Nop(), nil, subscribers.Options{SaveBackoff: time.Millisecond})
	if err := reg.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		reg.Register(context.Background(), id)
	}
	f := &fixture{
		dir:    dir,
		path:   storePath,
		reg:    reg,
		sender: &fakeSender{errs: map[int64]error{}},
		notes:  &recordingNotifier{},
	}
	f.d = New(Deps{
		Sender:   f.sender,
		Registry: reg,
		Source:   artifact.Source{Dir: dir},
		Notifier: f.notes,
	}, Options{SendInterval: -1})
	return f
}

func (f *fixture) writeReport(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(f.dir, "Moneda_07-03-2025.txt")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBroadcastBlockedRecipientIsRemoved(t *testing.T) {
	t.Parallel()
	const a, b, c = 101, 202, 303
	f := newFixture(t, a, b, c)
	f.writeReport(t, "1 USD = 36.50 VES")
	f.sender.errs[b] = fmt.Errorf("telegram: Forbidden: bot was blocked by the user: %w", transport.ErrBlocked)

	rep := f.d.Broadcast(context.Background(), testDay)

	if rep.Result != ResultCompleted || rep.Mode != ModeText {
		t.Fatalf("result=%s mode=%s", rep.Result, rep.Mode)
	}
	if rep.Delivered != 2 || rep.Blocked != 1 || rep.Transient != 0 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/0", rep.Delivered, rep.Blocked, rep.Transient)
	}
	if got := f.reg.Snapshot(); !slices.Equal(got, []int64{a, c}) {
		t.Fatalf("registry = %v, want [%d %d]", got, a, c)
	}
	persisted, err := storage.NewFileStore(f.path, logx.Nop()).Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(persisted, []int64{a, c}) {
		t.Fatalf("persisted = %v", persisted)
	}
	if len(f.notes.texts) != 1 || !strings.Contains(f.notes.texts[0], "Entregados: 2 | Bloqueados: 1 | Errores: 0") {
		t.Fatalf("summary = %q", f.notes.texts)
	}
	if rep.ID == "" {
		t.Fatal("report id missing")
	}
}

func TestBroadcastTransientFailureKeepsRecipient(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2, 3)
	f.writeReport(t, "rate")
	f.sender.errs[1] = errors.New("network timeout")

	rep := f.d.Broadcast(context.Background(), testDay)
	if rep.Delivered != 2 || rep.Transient != 1 || rep.Blocked != 0 {
		t.Fatalf("counts = %d/%d/%d", rep.Delivered, rep.Blocked, rep.Transient)
	}
	if len(f.sender.sends()) != 3 {
		t.Fatal("a failure must not stop the loop")
	}
	if !f.reg.Contains(1) {
		t.Fatal("transient failure must not unregister")
	}
}

func TestBroadcastPreconditions(t *testing.T) {
	t.Parallel()

	t.Run("no recipients", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.writeReport(t, "rate")
		rep := f.d.Broadcast(context.Background(), testDay)
		if rep.Result != ResultNoRecipients {
			t.Fatalf("result = %s", rep.Result)
		}
		if len(f.sender.sends()) != 0 || len(f.notes.texts) != 0 {
			t.Fatal("no sends or summary expected")
		}
		if _, err := os.Stat(f.path); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("store must not be written: %v", err)
		}
	})

	t.Run("missing artifact", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 1, 2)
		rep := f.d.Broadcast(context.Background(), testDay)
		if rep.Result != ResultArtifactMissing {
			t.Fatalf("result = %s", rep.Result)
		}
		if want := filepath.Join(f.dir, "Moneda_07-03-2025.txt"); rep.Path != want {
			t.Fatalf("path = %q, want %q", rep.Path, want)
		}
		if len(f.sender.sends()) != 0 {
			t.Fatal("zero sends expected")
		}
		if rep.Result.Started() {
			t.Fatal("missing artifact must not count as started")
		}
	})

	t.Run("unreadable artifact", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 1)
		if err := os.Mkdir(filepath.Join(f.dir, "Moneda_07-03-2025.txt"), 0o755); err != nil {
			t.Fatal(err)
		}
		rep := f.d.Broadcast(context.Background(), testDay)
		if rep.Result != ResultArtifactUnreadable || len(f.sender.sends()) != 0 {
			t.Fatalf("result = %s, sends = %d", rep.Result, len(f.sender.sends()))
		}
	})
}

func TestSelectMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		length int
		want   Mode
	}{
		{0, ModeText},
		{3000, ModeText},
		{3999, ModeText},
		{4000, ModeDocument},
		{4500, ModeDocument},
	}
	for _, tt := range tests {
		if got := SelectMode(tt.length, DefaultTextLimit); got != tt.want {
			t.Fatalf("SelectMode(%d) = %s, want %s", tt.length, got, tt.want)
		}
	}
}

func TestBroadcastModes(t *testing.T) {
	t.Parallel()

	t.Run("short content is inline text", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 7)
		f.writeReport(t, strings.Repeat("a", 3000))
		rep := f.d.Broadcast(context.Background(), testDay)
		s := f.sender.sends()
		if rep.Mode != ModeText || len(s) != 1 || s[0].doc != nil {
			t.Fatalf("mode=%s sends=%+v", rep.Mode, s)
		}
		if !strings.HasPrefix(s[0].text, "Precio dolar BCV es:\n```") || s[0].opt.ParseMode != "MarkdownV2" {
			t.Fatalf("unexpected text payload: %.40q", s[0].text)
		}
	})

	t.Run("long content is a document", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 7)
		p := f.writeReport(t, strings.Repeat("a", 4500))
		rep := f.d.Broadcast(context.Background(), testDay)
		s := f.sender.sends()
		if rep.Mode != ModeDocument || len(s) != 1 || s[0].doc == nil {
			t.Fatalf("mode=%s sends=%+v", rep.Mode, s)
		}
		if s[0].doc.Path != p || s[0].doc.Caption != "Contenido del archivo Moneda_07-03-2025.txt" {
			t.Fatalf("doc = %+v", s[0].doc)
		}
	})
}

func TestBroadcastCanceled(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2, 3)
	f.writeReport(t, "rate")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := f.d.Broadcast(ctx, testDay)
	if rep.Result != ResultCanceled || len(f.sender.sends()) != 0 {
		t.Fatalf("result=%s sends=%d", rep.Result, len(f.sender.sends()))
	}
	if f.reg.Len() != 3 {
		t.Fatal("cancel must not touch the registry")
	}
}

func TestBroadcastThrottle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2, 3)
	f.writeReport(t, "rate")
	f.d.Apply(Options{SendInterval: 20 * time.Millisecond})

	start := time.Now()
	f.d.Broadcast(context.Background(), testDay)
	if took := time.Since(start); took < 40*time.Millisecond {
		t.Fatalf("three sends took %v, want at least two intervals", took)
	}
}

func TestConcurrentBroadcasts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2, 3, 4)
	f.writeReport(t, "rate")
	f.sender.errs[2] = transport.ErrBlocked

	var wg sync.WaitGroup
	reps := make([]Report, 2)
	for i := range reps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reps[i] = f.d.Broadcast(context.Background(), testDay)
		}(i)
	}
	wg.Wait()

	for _, r := range reps {
		if r.Delivered != 3 {
			t.Fatalf("each broadcast should deliver to its own snapshot: %+v", r)
		}
	}
	if f.reg.Contains(2) {
		t.Fatal("blocked recipient should be gone")
	}
}

func TestEscapePre(t *testing.T) {
	t.Parallel()
	if got := escapePre("a`b\\c"); got != "a\\`b\\\\c" {
		t.Fatalf("escapePre = %q", got)
	}
	if got := escapePre("1 USD = 36.50"); got != "1 USD = 36.50" {
		t.Fatalf("plain text changed: %q", got)
	}
}

var _ notifier.Notifier = (*recordingNotifier)(nil)

func TestBroadcastUsesSnapshotTakenAtStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1, 2, 3)
	f.writeReport(t, "rate")

	var once sync.Once
	f.sender.onSend = func(int64) {
		once.Do(func() {
			f.reg.Register(context.Background(), 999)
			f.reg.Unregister(context.Background(), 3)
		})
	}

	rep := f.d.Broadcast(context.Background(), testDay)
	if rep.Result != ResultCompleted || rep.Delivered != 3 {
		t.Fatalf("report = %+v, want 3 delivered", rep)
	}
	var got []int64
	for _, s := range f.sender.sends() {
		got = append(got, s.chatID)
	}
	if !slices.Equal(got, []int64{1, 2, 3}) {
		t.Fatalf("recipients = %v, want [1 2 3]", got)
	}
	if !f.reg.Contains(999) || f.reg.Contains(3) {
		t.Fatalf("registry changes during the run must still apply: %v", f.reg.Snapshot())
	}
}
