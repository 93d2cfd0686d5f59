package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bot core.
const (
	SubscriberAdded   = "subscriber.added"
	SubscriberRemoved = "subscriber.removed"
	StorePersistFail  = "store.persist_failed"
	DeliveryOutcome   = "broadcast.delivery"
	BroadcastFinished = "broadcast.finished"
	NotifySent        = "notifier.sent"
	NotifyFailed      = "notifier.failed"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// SubscriberEvent is the payload of SubscriberAdded/SubscriberRemoved.
type SubscriberEvent struct {
	ChatID int64
	Total  int
	Reason string
}

// DeliveryEvent is the payload of DeliveryOutcome.
type DeliveryEvent struct {
	BroadcastID string
	ChatID      int64
	Outcome     string
	Mode        string
}

// BroadcastEvent is the payload of BroadcastFinished.
type BroadcastEvent struct {
	BroadcastID string
	Result      string
	Delivered   int
	Blocked     int
	Transient   int
	Took        time.Duration
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Publish is a nil-safe helper for optional buses.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
