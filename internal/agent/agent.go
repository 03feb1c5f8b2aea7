// Package agent drives a single node's execution inside its isolated
// workspace: relevance gate, generation, and output shaping. The engine
// only sees the Runner interface; the LLM-backed runner here is the
// default implementation and tests substitute deterministic ones.
package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/stitchgrid/internal/capability"
	"github.com/vk/stitchgrid/internal/ctxlog"
	"github.com/vk/stitchgrid/internal/graph"
	"github.com/vk/stitchgrid/internal/result"
	"github.com/vk/stitchgrid/internal/stitch"
	"github.com/vk/stitchgrid/internal/workspace"
)

// Runner executes one node inside its workspace and returns its outputs.
// A nil output slice with a nil error means the node had nothing to do.
type Runner interface {
	RunNode(ctx context.Context, node *graph.Node, ws *workspace.Workspace, upstream map[string]string) ([]result.Output, error)
}

// LLMRunner asks the relevance oracle whether the node's span matters for
// the run intent, then generates replacement text for it. Leaf spans yield
// byte-range patches; aggregate (file-level) spans yield text artifacts
// summarizing their children's results.
type LLMRunner struct {
	caps   capability.Capabilities
	intent string
}

// NewLLMRunner wires a runner for the given intent. The generator is
// wrapped with bounded node-local retries.
func NewLLMRunner(caps capability.Capabilities, intent string, retry capability.RetryConfig) *LLMRunner {
	caps.Generator = capability.WithRetry(caps.Generator, retry)
	return &LLMRunner{caps: caps, intent: intent}
}

// RunNode implements Runner.
func (r *LLMRunner) RunNode(ctx context.Context, node *graph.Node, ws *workspace.Workspace, upstream map[string]string) ([]result.Output, error) {
	logger := ctxlog.FromContext(ctx).With("node_id", node.ID)

	nodeCtx := capability.NodeContext{
		NodeID:          node.ID,
		Path:            node.Descriptor.Path,
		SpanText:        node.Descriptor.Text,
		UpstreamOutputs: upstream,
	}
	if nodeCtx.SpanText == "" {
		content, err := ws.Read(node.Descriptor.Path)
		if err != nil {
			return nil, err
		}
		// The buffer may have shrunk since discovery, for example after a
		// merged-content seed. Clamp both bounds rather than panic; a span
		// past the end degrades to an empty span.
		start, end := node.Descriptor.Start, node.Descriptor.End
		if end > len(content) {
			end = len(content)
		}
		if start > end {
			start = end
		}
		nodeCtx.SpanText = string(content[start:end])
	}

	relevant, err := r.caps.Oracle.Relevant(ctx, r.intent, nodeCtx)
	if err != nil {
		return nil, fmt.Errorf("relevance oracle: %w", err)
	}
	if !relevant {
		logger.Debug("Node judged not relevant to intent, producing no output.")
		return nil, nil
	}

	text, err := r.caps.Generator.Generate(ctx, r.intent, nodeCtx)
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}

	if node.Descriptor.Parent == "" {
		// Aggregate node: its upstream children already patched the file;
		// this node derives a report instead of editing bytes.
		return []result.Output{{
			Artifact: &result.Artifact{
				Name:    "summary.md",
				Kind:    result.ArtifactText,
				Content: []byte(text),
			},
		}}, nil
	}

	return []result.Output{{
		Patch: &stitch.Patch{
			Start:   node.Descriptor.Start,
			End:     node.Descriptor.End,
			Content: []byte(strings.TrimRight(text, "\n") + trailingNewline(node.Descriptor.Text)),
			NodeID:  node.ID,
		},
	}}, nil
}

// trailingNewline preserves the span's trailing newline, if it had one.
func trailingNewline(spanText string) string {
	if strings.HasSuffix(spanText, "\n") {
		return "\n"
	}
	return ""
}
