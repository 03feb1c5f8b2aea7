// Package capability defines the narrow interfaces through which agents
// reach a language model. The engine treats both calls as black boxes with
// value-in/bool-out and text-in/text-out contracts; failures surface as
// node-level errors handled by the node's error policy.
package capability

import (
	"context"
	"time"

	"github.com/vk/stitchgrid/internal/ctxlog"
)

// NodeContext is what an agent knows about its node when calling out.
type NodeContext struct {
	// NodeID identifies the node making the call.
	NodeID string
	// Path is the source file the node's span belongs to.
	Path string
	// SpanText is the raw text of the node's span.
	SpanText string
	// UpstreamOutputs carries the text outputs of completed upstream nodes,
	// keyed by node id. Entries may be missing under the continue policy.
	UpstreamOutputs map[string]string
}

// Oracle decides whether a node needs to act on a given intent.
type Oracle interface {
	Relevant(ctx context.Context, intent string, nodeCtx NodeContext) (bool, error)
}

// Generator produces new text for a node's span.
type Generator interface {
	Generate(ctx context.Context, intent string, nodeCtx NodeContext) (string, error)
}

// Capabilities bundles the two calls an agent needs.
type Capabilities struct {
	Oracle    Oracle
	Generator Generator
}

// RetryConfig bounds the local retries applied to capability calls.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is the delay between tries.
	Backoff time.Duration
}

// DefaultRetry allows two tries with a short pause.
var DefaultRetry = RetryConfig{Attempts: 2, Backoff: 500 * time.Millisecond}

// WithRetry wraps a Generator with bounded, node-local retries. Context
// cancellation aborts immediately.
func WithRetry(g Generator, cfg RetryConfig) Generator {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &retryGenerator{inner: g, cfg: cfg}
}

type retryGenerator struct {
	inner Generator
	cfg   RetryConfig
}

func (r *retryGenerator) Generate(ctx context.Context, intent string, nodeCtx NodeContext) (string, error) {
	logger := ctxlog.FromContext(ctx)
	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		out, err := r.inner.Generate(ctx, intent, nodeCtx)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == r.cfg.Attempts || ctx.Err() != nil {
			break
		}
		logger.Warn("Generation attempt failed, retrying.", "node_id", nodeCtx.NodeID, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.cfg.Backoff):
		}
	}
	return "", lastErr
}
