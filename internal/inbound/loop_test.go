package inbound

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ratebot/internal/transport"
	logx "ratebot/pkg/logx"
)

func TestLoopDispatchesUpdates(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	done := make(chan struct{})
	h := func(ctx context.Context, req *Request) error {
		if n.Add(1) == 3 {
			close(done)
		}
		return nil
	}
	l := NewLoop(h, logx.Nop(), LoopOptions{Workers: 2}, nil)

	updates := make(chan transport.Update, 3)
	for i := 0; i < 3; i++ {
		updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: int64(i), Text: "x"}}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx, updates) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("updates not dispatched")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestLoopSurvivesPanics(t *testing.T) {
	t.Parallel()
	var n atomic.Int32
	done := make(chan struct{})
	h := func(ctx context.Context, req *Request) error {
		if n.Add(1) == 2 {
			close(done)
			return nil
		}
		panic("boom")
	}
	l := NewLoop(h, logx.Nop(), LoopOptions{Workers: 1}, nil)
	updates := make(chan transport.Update, 2)
	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{Text: "a"}}
	updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{Text: "b"}}
	close(updates)

	go func() { _ = l.Run(context.Background(), updates) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking handler")
	}
}

func TestChainOrderAndTimeout(t *testing.T) {
	t.Parallel()
	var order []string
	mw := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(func(ctx context.Context, req *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, mw("a"), mw("b"), MWTimeout(10*time.Millisecond))

	err := h(context.Background(), &Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v", order)
	}
}
