// Package testutil provides shared helpers for engine tests: a thread-safe
// log buffer, deterministic capability fakes, and an event collector.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vk/stitchgrid/internal/bus"
	"github.com/vk/stitchgrid/internal/capability"
	"github.com/vk/stitchgrid/internal/ctxlog"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Context returns a context carrying a debug logger writing into buf. When
// buf is nil the logs are discarded into a fresh SafeBuffer.
func Context(buf *SafeBuffer) context.Context {
	if buf == nil {
		buf = &SafeBuffer{}
	}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return ctxlog.WithLogger(context.Background(), logger)
}

// FakeOracle answers relevance queries from a fixed set. Nodes listed in
// Irrelevant answer no; everything else answers yes. Err, when set, is
// returned for every call.
type FakeOracle struct {
	Irrelevant map[string]bool
	Err        error

	mu    sync.Mutex
	Calls []string
}

// Relevant implements capability.Oracle.
func (o *FakeOracle) Relevant(_ context.Context, _ string, nodeCtx capability.NodeContext) (bool, error) {
	o.mu.Lock()
	o.Calls = append(o.Calls, nodeCtx.NodeID)
	o.mu.Unlock()
	if o.Err != nil {
		return false, o.Err
	}
	return !o.Irrelevant[nodeCtx.NodeID], nil
}

// FakeGenerator returns canned text per node id, with an optional error
// budget: the first Failures calls for a node fail before succeeding.
type FakeGenerator struct {
	// Texts maps node id to the generated replacement text. Missing nodes
	// get Default.
	Texts    map[string]string
	Default  string
	Failures map[string]int
	Err      error

	mu    sync.Mutex
	calls map[string]int
}

// Generate implements capability.Generator.
func (g *FakeGenerator) Generate(_ context.Context, _ string, nodeCtx capability.NodeContext) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[nodeCtx.NodeID]++

	if g.Err != nil {
		return "", g.Err
	}
	if remaining := g.Failures[nodeCtx.NodeID]; remaining > 0 {
		g.Failures[nodeCtx.NodeID] = remaining - 1
		return "", errors.New("transient generator failure")
	}
	if text, ok := g.Texts[nodeCtx.NodeID]; ok {
		return text, nil
	}
	return g.Default, nil
}

// CallCount reports how many times Generate ran for a node.
func (g *FakeGenerator) CallCount(nodeID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[nodeID]
}

// Collector subscribes to a bus and records every event it sees.
type Collector struct {
	sub *bus.Subscription

	mu     sync.Mutex
	events []bus.Event
	done   chan struct{}
}

// Collect starts recording all events emitted on b from now on.
func Collect(b *bus.Bus, types ...bus.Type) *Collector {
	c := &Collector{
		sub:  b.Subscribe(types...),
		done: make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for ev := range c.sub.C() {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

// Stop unsubscribes and waits for the recording goroutine to drain.
func (c *Collector) Stop() {
	c.sub.Close()
	<-c.done
}

// Events returns a copy of everything recorded so far.
func (c *Collector) Events() []bus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bus.Event, len(c.events))
	copy(out, c.events)
	return out
}

// OfType filters recorded events by type.
func (c *Collector) OfType(t bus.Type) []bus.Event {
	var out []bus.Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
