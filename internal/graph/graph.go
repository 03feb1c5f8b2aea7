// Package graph builds and validates the dependency topology of agent
// nodes. The graph is an arena of nodes indexed by id with explicit
// upstream/downstream id lists, so it carries no live object references and
// serializes cleanly for checkpoints.
package graph

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/vk/stitchgrid/internal/source"
)

// Status is the execution state of a node.
type Status int32

const (
	// StatusPending means upstream dependencies are not yet satisfied.
	StatusPending Status = iota
	// StatusReady means the node is eligible to run.
	StatusReady
	// StatusRunning means a worker is currently executing the node.
	StatusRunning
	// StatusSucceeded is terminal: the node completed and committed.
	StatusSucceeded
	// StatusFailed is terminal: the node errored or timed out.
	StatusFailed
	// StatusSkipped is terminal: an upstream failure cancelled the node.
	StatusSkipped
)

// Terminal reports whether the status is one of the three terminal states.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ParseStatus maps a serialized status name back to its Status value.
func ParseStatus(s string) (Status, error) {
	for st := StatusPending; st <= StatusSkipped; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusPending, fmt.Errorf("unknown node status %q", s)
}

// Node is one schedulable unit of work in the graph. Nodes are created at
// build time and never deleted during a run; only their status mutates, and
// only the executor mutates it.
type Node struct {
	// ID is the unique identifier, taken from the descriptor.
	ID string
	// Descriptor is the span of source this node acts on.
	Descriptor source.Descriptor
	// Upstream lists dependency ids in declaration order.
	Upstream []string
	// Downstream lists dependent ids, sorted.
	Downstream []string
	// Priority is a scheduling hint; higher runs earlier among ready nodes.
	Priority int

	status atomic.Int32
}

// Status returns the node's current execution state.
func (n *Node) Status() Status {
	return Status(n.status.Load())
}

// SetStatus records a new execution state. Callers are expected to respect
// the pending→ready→running→terminal state machine; terminal states are
// never overwritten.
func (n *Node) SetStatus(s Status) bool {
	for {
		cur := Status(n.status.Load())
		if cur.Terminal() {
			return false
		}
		if n.status.CompareAndSwap(int32(cur), int32(s)) {
			return true
		}
	}
}

// Graph is an immutable topology of agent nodes. The node arena itself is
// fixed after Build; per-node status is the only mutable state.
type Graph struct {
	nodes map[string]*Node
	// order holds node ids sorted by (priority desc, id asc) so that every
	// traversal of the arena is deterministic.
	order []string
}

// Len returns the number of nodes in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	return g.nodes[id]
}

// NodeIDs returns all node ids in deterministic scheduling order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// ReadySet returns the ids of nodes whose entire upstream set has reached a
// terminal state and that are not in the scheduled set. It is a pure
// function of its inputs and safe to call repeatedly from the scheduler.
func (g *Graph) ReadySet(scheduled map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if scheduled[id] {
			continue
		}
		node := g.nodes[id]
		if node.Status().Terminal() {
			continue
		}
		ok := true
		for _, up := range node.Upstream {
			if !g.nodes[up].Status().Terminal() {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Downstream returns the transitive closure of dependents of the given
// node, not including the node itself. Used by the skip_downstream policy.
func (g *Graph) DownstreamClosure(id string) []string {
	seen := make(map[string]bool)
	var visit func(string)
	visit = func(cur string) {
		for _, dep := range g.nodes[cur].Downstream {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(id)

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}
