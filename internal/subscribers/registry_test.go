package subscribers

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"ratebot/internal/eventbus"
	"ratebot/internal/storage"
	logx "ratebot/pkg/logx"
)

type memStore struct {
	mu      sync.Mutex
	ids     []int64
	loadErr error
	failN   int // fail the next failN saves
	saves   int
}

func (m *memStore) Load(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return slices.Clone(m.ids), nil
}

func (m *memStore) Save(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failN > 0 {
		m.failN--
		return errors.New("disk full")
	}
	m.ids = slices.Clone(ids)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) persisted() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ids)
}

func fastOpts() Options {
	return Options{SaveAttempts: 3, SaveBackoff: time.Millisecond}
}

func TestRegisterIsIdempotentAndPersisted(t *testing.T) {
	t.Parallel()
	st := &memStore{}
	r := New(st, logx.Nop(), nil, fastOpts())
	ctx := context.Background()
	if err := r.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if !r.Register(ctx, 42) {
		t.Fatal("first Register should report added")
	}
	if r.Register(ctx, 42) {
		t.Fatal("second Register should report already present")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if got := st.persisted(); !slices.Equal(got, []int64{42}) {
		t.Fatalf("persisted = %v", got)
	}
	if st.saves != 1 {
		t.Fatalf("saves = %d, want 1 (duplicate must not save)", st.saves)
	}
}

func TestUnregister(t *testing.T) {
	t.Parallel()
	st := &memStore{ids: []int64{1, 2, 3}}
	r := New(st, logx.Nop(), nil, fastOpts())
	ctx := context.Background()
	if err := r.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if !r.Unregister(ctx, 2) {
		t.Fatal("Unregister of present id should return true")
	}
	if r.Unregister(ctx, 2) {
		t.Fatal("Unregister of absent id should return false")
	}
	if got := st.persisted(); !slices.Equal(got, []int64{1, 3}) {
		t.Fatalf("persisted = %v, want [1 3]", got)
	}
	if r.Contains(2) {
		t.Fatal("2 should be gone")
	}
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	t.Parallel()
	r := New(&memStore{ids: []int64{9, 3, 5}}, logx.Nop(), nil, fastOpts())
	if err := r.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := r.Snapshot()
	if !slices.Equal(snap, []int64{3, 5, 9}) {
		t.Fatalf("Snapshot = %v", snap)
	}
	snap[0] = 100
	if r.Contains(100) {
		t.Fatal("mutating snapshot must not affect registry")
	}
}

func TestInitCorruptStartsEmpty(t *testing.T) {
	t.Parallel()
	st := &memStore{loadErr: storage.ErrCorrupt}
	r := New(st, logx.Nop(), nil, fastOpts())
	if err := r.Init(context.Background()); err != nil {
		t.Fatalf("Init with corrupt store should not fail: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
}

func TestInitPropagatesOtherErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("permission denied")
	r := New(&memStore{loadErr: boom}, logx.Nop(), nil, fastOpts())
	if err := r.Init(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Init = %v, want %v", err, boom)
	}
}

func TestPersistFailureKeepsMemoryAndRetries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		failN     int
		wantDirty bool
		wantSaves int
	}{
		{name: "recovers on retry", failN: 2, wantDirty: false, wantSaves: 3},
		{name: "exhausts retries", failN: 5, wantDirty: true, wantSaves: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			st := &memStore{failN: tt.failN}
			bus := eventbus.New()
			ch, unsub := bus.Subscribe(8)
			defer unsub()

			r := New(st, logx.Nop(), bus, fastOpts())
			if !r.Register(context.Background(), 7) {
				t.Fatal("Register should report added even when persist fails")
			}
			if !r.Contains(7) {
				t.Fatal("memory must keep the change")
			}
			if r.Dirty() != tt.wantDirty {
				t.Fatalf("Dirty = %v, want %v", r.Dirty(), tt.wantDirty)
			}
			if st.saves != tt.wantSaves {
				t.Fatalf("saves = %d, want %d", st.saves, tt.wantSaves)
			}

			sawFail := false
			for len(ch) > 0 {
				if ev := <-ch; ev.Type == eventbus.StorePersistFail {
					sawFail = true
				}
			}
			if sawFail != tt.wantDirty {
				t.Fatalf("persist-failed event = %v, want %v", sawFail, tt.wantDirty)
			}
		})
	}
}

func TestFlushClearsDirty(t *testing.T) {
	t.Parallel()
	st := &memStore{failN: 3}
	r := New(st, logx.Nop(), nil, fastOpts())
	ctx := context.Background()
	r.Register(ctx, 11)
	if !r.Dirty() {
		t.Fatal("expected dirty after exhausted retries")
	}
	if err := r.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if r.Dirty() {
		t.Fatal("Flush should clear dirty")
	}
	if got := st.persisted(); !slices.Equal(got, []int64{11}) {
		t.Fatalf("persisted = %v", got)
	}
}

func TestConcurrentRegisterLastSaveMatchesMemory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "usuarios_bot.json")
	st := storage.NewFileStore(path, logx.Nop())
	r := New(st, logx.Nop(), nil, fastOpts())
	ctx := context.Background()
	if err := r.Init(ctx); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			r.Register(ctx, id)
			if id%5 == 0 {
				r.Unregister(ctx, id)
			}
		}(i)
	}
	wg.Wait()

	got, err := storage.NewFileStore(path, logx.Nop()).Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if want := r.Snapshot(); !slices.Equal(got, want) {
		t.Fatalf("persisted %v != memory %v", got, want)
	}
	if len(got) != 40 {
		t.Fatalf("len = %d, want 40", len(got))
	}
}

func TestRegisterPublishesEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	r := New(&memStore{}, logx.Nop(), bus, fastOpts())
	ctx := context.Background()
	r.Register(ctx, 5)
	r.UnregisterReason(ctx, 5, "blocked")

	ev := <-ch
	if ev.Type != eventbus.SubscriberAdded {
		t.Fatalf("first event = %s", ev.Type)
	}
	ev = <-ch
	if ev.Type != eventbus.SubscriberRemoved {
		t.Fatalf("second event = %s", ev.Type)
	}
	if p, ok := ev.Data.(eventbus.SubscriberEvent); !ok || p.Reason != "blocked" || p.Total != 0 {
		t.Fatalf("payload = %#v", ev.Data)
	}
}

type blockingStore struct {
	memStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, ids []int64) error {
	b.entered <- struct{}{}
	<-b.release
	return b.memStore.Save(ctx, ids)
}

func TestReadersDoNotWaitOnSave(t *testing.T) {
	t.Parallel()
	st := &blockingStore{entered: make(chan struct{}, 1), release: make(chan struct{})}
	r := New(st, logx.Nop(), nil, fastOpts())

	done := make(chan bool)
	go func() { done <- r.Register(context.Background(), 5) }()

	select {
	case <-st.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Save was never called")
	}

	read := make(chan []int64)
	go func() {
		if !r.Contains(5) || r.Len() != 1 || r.Dirty() {
			read <- nil
			return
		}
		read <- r.Snapshot()
	}()
	select {
	case got := <-read:
		if !slices.Equal(got, []int64{5}) {
			t.Fatalf("Snapshot during save = %v, want [5]", got)
		}
	case <-time.After(time.Second):
		t.Fatal("readers blocked while the store was saving")
	}

	close(st.release)
	if !<-done {
		t.Fatal("Register should report added")
	}
	if got := st.persisted(); !slices.Equal(got, []int64{5}) {
		t.Fatalf("persisted = %v", got)
	}
}
