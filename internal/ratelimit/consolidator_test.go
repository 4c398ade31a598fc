package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu    sync.Mutex
	sends []string
}

func (r *recordingSender) SendMessage(ctx context.Context, destination, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sends = append(r.sends, text)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

func TestProgressDroppedOutsideStream(t *testing.T) {
	sender := &recordingSender{}
	c := NewConsolidator(sender, 50*time.Millisecond)

	c.PushProgress(context.Background(), "dest", "should drop")
	if sender.count() != 0 {
		t.Error("progress outside a stream must be dropped")
	}
}

func TestProgressSpacing(t *testing.T) {
	sender := &recordingSender{}
	c := NewConsolidator(sender, 200*time.Millisecond)

	c.StartStream("dest")
	c.PushProgress(context.Background(), "dest", "first")
	c.PushProgress(context.Background(), "dest", "too soon")
	if got := sender.count(); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}

	if c.CanEdit("dest") {
		t.Error("CanEdit should be false inside the spacing window")
	}

	time.Sleep(250 * time.Millisecond)
	if !c.CanEdit("dest") {
		t.Error("CanEdit should be true after the spacing window")
	}
	c.PushProgress(context.Background(), "dest", "spaced out")
	if got := sender.count(); got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
}

func TestFinalDeliveredExactlyOnce(t *testing.T) {
	sender := &recordingSender{}
	c := NewConsolidator(sender, time.Hour)

	c.StartStream("dest")
	// Final bypasses spacing even with a huge window.
	if err := c.DeliverFinal(context.Background(), "dest", "result"); err != nil {
		t.Fatal(err)
	}
	// Repeats are no-ops, not errors.
	if err := c.DeliverFinal(context.Background(), "dest", "result again"); err != nil {
		t.Fatal(err)
	}
	c.StopStream("dest")

	if got := sender.count(); got != 1 {
		t.Errorf("final must be delivered exactly once, got %d", got)
	}
}

func TestNewStreamResetsFinalGuard(t *testing.T) {
	sender := &recordingSender{}
	c := NewConsolidator(sender, 10*time.Millisecond)

	c.StartStream("dest")
	_ = c.DeliverFinal(context.Background(), "dest", "first result")
	c.StopStream("dest")

	c.StartStream("dest")
	_ = c.DeliverFinal(context.Background(), "dest", "second result")
	c.StopStream("dest")

	if got := sender.count(); got != 2 {
		t.Errorf("each stream gets its own final, got %d total", got)
	}
}

func TestEvictionSkipsStreaming(t *testing.T) {
	sender := &recordingSender{}
	c := NewConsolidator(sender, 10*time.Millisecond)

	c.StartStream("busy")
	c.StartStream("idle")
	c.StopStream("idle")

	time.Sleep(20 * time.Millisecond)
	c.evictStale(time.Nanosecond)

	c.mu.Lock()
	_, busyKept := c.dests["busy"]
	_, idleKept := c.dests["idle"]
	c.mu.Unlock()

	if !busyKept {
		t.Error("streaming destination must survive eviction")
	}
	if idleKept {
		t.Error("idle destination should be evicted")
	}
}
