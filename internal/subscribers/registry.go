// Package subscribers holds the in-memory set of subscribed chats and keeps
// it flushed to a storage.Store.
//
// Every successful Register/Unregister writes the complete set before it
// returns. Saves are serialized and each one copies the set when it starts, so
// the last save always matches memory. Readers never wait on the store.
package subscribers

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"ratebot/internal/eventbus"
	"ratebot/internal/storage"
	logx "ratebot/pkg/logx"
)

// Options tune persist retries. Zero values pick defaults.
type Options struct {
	SaveAttempts int
	SaveBackoff  time.Duration
	SaveTimeout  time.Duration
}

type Registry struct {
	mu       sync.Mutex
	set      map[int64]struct{}
	gen      uint64 // bumped on every mutation
	savedGen uint64
	dirty    bool // last flush failed; memory is ahead of the store

	saveMu sync.Mutex // serializes flushes

	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus
	opt   Options
}

func New(store storage.Store, log logx.Logger, bus eventbus.Bus, opt Options) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.SaveAttempts <= 0 {
		opt.SaveAttempts = 3
	}
	if opt.SaveBackoff <= 0 {
		opt.SaveBackoff = 100 * time.Millisecond
	}
	if opt.SaveTimeout <= 0 {
		opt.SaveTimeout = 5 * time.Second
	}
	return &Registry{
		set:   map[int64]struct{}{},
		store: store,
		log:   log,
		bus:   bus,
		opt:   opt,
	}
}

// Init loads the persisted set. A corrupt store is logged and treated as
// empty; any other load error is returned.
func (r *Registry) Init(ctx context.Context) error {
	ids, err := r.store.Load(ctx)
	if errors.Is(err, storage.ErrCorrupt) {
		r.log.Warn("registry store corrupt; starting with empty registry", logx.Err(err))
		ids = nil
	} else if err != nil {
		return err
	}

	r.mu.Lock()
	r.set = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		r.set[id] = struct{}{}
	}
	n := len(r.set)
	r.mu.Unlock()

	r.log.Info("subscribers loaded", logx.Int("count", n))
	return nil
}

// Register adds id and reports whether it was newly added.
func (r *Registry) Register(ctx context.Context, id int64) bool {
	r.mu.Lock()
	if _, ok := r.set[id]; ok {
		r.mu.Unlock()
		return false
	}
	r.set[id] = struct{}{}
	r.gen++
	total := len(r.set)
	r.mu.Unlock()
	_ = r.flush(ctx, false)

	r.log.Info("subscriber registered", logx.Int64("chat_id", id), logx.Int("total", total))
	eventbus.Publish(r.bus, eventbus.SubscriberAdded, eventbus.SubscriberEvent{ChatID: id, Total: total})
	return true
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(ctx context.Context, id int64) bool {
	return r.remove(ctx, id, "")
}

// UnregisterReason is Unregister with a reason recorded on the emitted event.
func (r *Registry) UnregisterReason(ctx context.Context, id int64, reason string) bool {
	return r.remove(ctx, id, reason)
}

func (r *Registry) remove(ctx context.Context, id int64, reason string) bool {
	r.mu.Lock()
	if _, ok := r.set[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.set, id)
	r.gen++
	total := len(r.set)
	r.mu.Unlock()
	_ = r.flush(ctx, false)

	r.log.Info("subscriber removed", logx.Int64("chat_id", id), logx.Int("total", total), logx.String("reason", reason))
	eventbus.Publish(r.bus, eventbus.SubscriberRemoved, eventbus.SubscriberEvent{ChatID: id, Total: total, Reason: reason})
	return true
}

// Snapshot returns a sorted copy of the current set.
func (r *Registry) Snapshot() []int64 {
	r.mu.Lock()
	out := make([]int64, 0, len(r.set))
	for id := range r.set {
		out = append(out, id)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.set)
}

func (r *Registry) Contains(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.set[id]
	return ok
}

// Dirty reports whether the last flush failed.
func (r *Registry) Dirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

// Flush writes the current set if a previous flush failed.
func (r *Registry) Flush(ctx context.Context) error {
	return r.flush(ctx, true)
}

// Close performs a final flush when needed and closes the store.
func (r *Registry) Close(ctx context.Context) error {
	ferr := r.Flush(ctx)
	cerr := r.store.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

// flush saves the full set with bounded retries. Failures are logged and
// leave the registry dirty; memory is never rolled back. With onlyDirty it is
// a no-op unless a previous flush failed.
func (r *Registry) flush(ctx context.Context, onlyDirty bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if (onlyDirty && !r.dirty) || (!r.dirty && r.savedGen == r.gen) {
		r.mu.Unlock()
		return nil
	}
	gen := r.gen
	ids := make([]int64, 0, len(r.set))
	for id := range r.set {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)

	backoff := r.opt.SaveBackoff
	var err error
	for attempt := 1; attempt <= r.opt.SaveAttempts; attempt++ {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opt.SaveTimeout)
		err = r.store.Save(sctx, ids)
		cancel()
		if err == nil {
			break
		}
		if attempt < r.opt.SaveAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	r.mu.Lock()
	wasDirty := r.dirty
	if err == nil {
		r.savedGen = gen
		r.dirty = false
	} else {
		r.dirty = true
	}
	r.mu.Unlock()

	if err == nil {
		if wasDirty {
			r.log.Info("registry store recovered", logx.Int("count", len(ids)))
		}
		return nil
	}
	r.log.Error("registry persist failed; change kept in memory only",
		logx.Err(err), logx.Int("count", len(ids)), logx.Int("attempts", r.opt.SaveAttempts))
	eventbus.Publish(r.bus, eventbus.StorePersistFail, err.Error())
	return err
}
