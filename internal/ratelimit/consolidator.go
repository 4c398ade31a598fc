// Package ratelimit throttles outbound progress updates per delivery
// destination and guarantees exactly-once final delivery per invocation.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sender delivers text to a notification destination. Implemented by the
// output adapters.
type Sender interface {
	SendMessage(ctx context.Context, destination, text string) error
}

type destState struct {
	lastPush  time.Time
	streaming bool
	finalSent bool
	dropped   int
	lastSeen  time.Time
}

// Consolidator tracks per-destination update times. While a stream is in
// flight, intermediate pushes are best-effort; the final delivery is
// guaranteed and sent at most once per stream.
type Consolidator struct {
	sender  Sender
	spacing time.Duration

	mu    sync.Mutex
	dests map[string]*destState
}

func NewConsolidator(sender Sender, minSpacing time.Duration) *Consolidator {
	if minSpacing <= 0 {
		minSpacing = 3 * time.Second
	}
	return &Consolidator{
		sender:  sender,
		spacing: minSpacing,
		dests:   make(map[string]*destState),
	}
}

// CanEdit reports whether enough time has passed since the last push to the
// destination. It does not consume the slot; PushProgress does.
func (c *Consolidator) CanEdit(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(destination)
	return time.Since(st.lastPush) >= c.spacing
}

// StartStream marks a streaming invocation in flight for the destination.
// Resets the exactly-once guard for the final delivery.
func (c *Consolidator) StartStream(destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(destination)
	st.streaming = true
	st.finalSent = false
	st.dropped = 0
}

// StopStream ends progress suppression for the destination. Dropped-event
// counts are logged so silent throttling is observable.
func (c *Consolidator) StopStream(destination string) {
	c.mu.Lock()
	st := c.state(destination)
	st.streaming = false
	dropped := st.dropped
	st.dropped = 0
	c.mu.Unlock()

	if dropped > 0 {
		slog.Debug("Progress updates dropped by rate limiter",
			"destination", destination, "dropped", dropped)
	}
}

// PushProgress sends an intermediate update if the rate limiter allows it.
// Denied updates are dropped; they are best-effort by contract.
func (c *Consolidator) PushProgress(ctx context.Context, destination, text string) {
	c.mu.Lock()
	st := c.state(destination)
	if !st.streaming || time.Since(st.lastPush) < c.spacing {
		st.dropped++
		c.mu.Unlock()
		return
	}
	st.lastPush = time.Now()
	c.mu.Unlock()

	if err := c.sender.SendMessage(ctx, destination, text); err != nil {
		slog.Warn("Progress push failed", "destination", destination, "error", err)
	}
}

// DeliverFinal sends the final result for the current stream. It bypasses
// spacing and is sent exactly once per stream; repeat calls are no-ops.
func (c *Consolidator) DeliverFinal(ctx context.Context, destination, text string) error {
	c.mu.Lock()
	st := c.state(destination)
	if st.finalSent {
		c.mu.Unlock()
		return nil
	}
	st.finalSent = true
	st.lastPush = time.Now()
	c.mu.Unlock()

	return c.sender.SendMessage(ctx, destination, text)
}

// StartEviction launches a background goroutine that periodically removes
// destinations not seen within maxAge, bounding memory over long uptimes.
func (c *Consolidator) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.evictStale(maxAge)
			}
		}
	}()
}

func (c *Consolidator) evictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for dest, st := range c.dests {
		if st.streaming {
			continue
		}
		if st.lastSeen.Before(cutoff) {
			delete(c.dests, dest)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("Consolidator eviction", "evicted", evicted, "remaining", len(c.dests))
	}
}

// state returns the destination state, creating it if needed. Caller holds mu.
func (c *Consolidator) state(destination string) *destState {
	st, ok := c.dests[destination]
	if !ok {
		st = &destState{}
		c.dests[destination] = st
	}
	st.lastSeen = time.Now()
	return st
}
