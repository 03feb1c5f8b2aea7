// Package executor schedules ready nodes under a bounded concurrency
// limit, enforces per-node error policy, and drives the run to completion.
package executor

import (
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/vk/stitchgrid/internal/agent"
	"github.com/vk/stitchgrid/internal/bus"
	"github.com/vk/stitchgrid/internal/checkpoint"
	"github.com/vk/stitchgrid/internal/graph"
	"github.com/vk/stitchgrid/internal/result"
	"github.com/vk/stitchgrid/internal/source"
	"github.com/vk/stitchgrid/internal/workspace"
)

var (
	tracer = otel.Tracer("stitchgrid.executor")
	meter  = otel.Meter("stitchgrid.executor")
)

// ErrorPolicy selects how a node failure affects the rest of the run.
type ErrorPolicy string

const (
	// PolicyStopGraph halts the run: running nodes finish, nothing new starts.
	PolicyStopGraph ErrorPolicy = "stop_graph"
	// PolicySkipDownstream skips the failed node's transitive dependents;
	// unrelated branches proceed.
	PolicySkipDownstream ErrorPolicy = "skip_downstream"
	// PolicyContinue records the failure and lets downstream nodes run
	// without the missing upstream output.
	PolicyContinue ErrorPolicy = "continue"
)

// ParsePolicy validates a policy name from configuration.
func ParsePolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(s) {
	case PolicyStopGraph, PolicySkipDownstream, PolicyContinue:
		return ErrorPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown error policy %q", s)
	}
}

// TimeoutError reports that a node exceeded its deadline. The node fails
// and its configured error policy applies.
type TimeoutError struct {
	NodeID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("node %q exceeded its %s deadline", e.NodeID, e.Timeout)
}

// Options configures a run.
type Options struct {
	// RunID identifies the run in events, logs, and checkpoints.
	RunID string
	// Intent is the run's driving intent, recorded in checkpoints.
	Intent string
	// Concurrency bounds the number of nodes running at once.
	Concurrency int
	// NodeTimeout is the per-node deadline; zero disables it.
	NodeTimeout time.Duration
	// Policy is the global error policy.
	Policy ErrorPolicy
	// PolicyOverrides selects a different policy for specific nodes.
	PolicyOverrides map[string]ErrorPolicy
	// CheckpointEvery checkpoints after this many node commits; zero
	// disables periodic checkpointing.
	CheckpointEvery int
}

// Report is the aggregate outcome of a run, carried on the terminal
// graph.complete event. Status is "succeeded", "partial", or "failed".
type Report struct {
	RunID        string                     `json:"run_id"`
	Status       string                     `json:"status"`
	Summaries    map[string]*result.Summary `json:"summaries"`
	Merged       map[string][]byte          `json:"merged,omitempty"`
	StitchErrors map[string]string          `json:"stitch_errors,omitempty"`
}

// Executor drives one graph to completion. It is the only component that
// mutates node status.
type Executor struct {
	graph       *graph.Graph
	runner      agent.Runner
	workspaces  *workspace.Manager
	handler     *result.Handler
	validator   source.Validator
	events      *bus.Bus
	checkpoints *checkpoint.Manager
	opts        Options

	mu              sync.Mutex
	scheduled       map[string]bool
	summaries       map[string]*result.Summary
	outputs         map[string]string
	merged          map[string][]byte
	stitched        map[string]bool
	stitchErrors    map[string]string
	stopped         bool
	sinceCheckpoint int

	metricsOnce  sync.Once
	nodeLatency  metric.Float64Histogram
	nodeOutcomes metric.Int64Counter
	activeNodes  metric.Int64UpDownCounter
}

// New wires an executor. The checkpoint manager may be nil to disable
// checkpointing; the validator may be nil to skip structural re-checks.
func New(g *graph.Graph, runner agent.Runner, workspaces *workspace.Manager, handler *result.Handler, validator source.Validator, events *bus.Bus, checkpoints *checkpoint.Manager, opts Options) *Executor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicyStopGraph
	}
	return &Executor{
		graph:        g,
		runner:       runner,
		workspaces:   workspaces,
		handler:      handler,
		validator:    validator,
		events:       events,
		checkpoints:  checkpoints,
		opts:         opts,
		scheduled:    make(map[string]bool),
		summaries:    make(map[string]*result.Summary),
		outputs:      make(map[string]string),
		merged:       make(map[string][]byte),
		stitched:     make(map[string]bool),
		stitchErrors: make(map[string]string),
	}
}

// policyFor resolves the effective error policy for a node.
func (e *Executor) policyFor(id string) ErrorPolicy {
	if p, ok := e.opts.PolicyOverrides[id]; ok {
		return p
	}
	return e.opts.Policy
}

// initMetrics lazily creates instruments; failures degrade to no-ops.
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		e.nodeLatency, _ = meter.Float64Histogram("stitchgrid_node_duration_seconds",
			metric.WithDescription("Time spent executing each agent node"),
			metric.WithUnit("s"),
		)
		e.nodeOutcomes, _ = meter.Int64Counter("stitchgrid_node_outcomes_total",
			metric.WithDescription("Terminal node states by status"),
		)
		e.activeNodes, _ = meter.Int64UpDownCounter("stitchgrid_active_nodes",
			metric.WithDescription("Number of currently executing nodes"),
		)
	})
}
