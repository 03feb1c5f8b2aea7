package graph

import (
	"fmt"
	"sort"

	"github.com/vk/stitchgrid/internal/source"
)

// Build constructs a validated graph from externally supplied descriptors.
// Each descriptor yields one node; edges are derived from the declared
// parent link (child runs before parent, for bottom-up aggregation) plus
// any explicit DependsOn ids. Duplicate ids, dangling references, and
// cycles are build errors.
func Build(descriptors []source.Descriptor) (*Graph, error) {
	nodes := make(map[string]*Node, len(descriptors))

	// First pass: create all nodes.
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, exists := nodes[d.ID]; exists {
			return nil, fmt.Errorf("duplicate descriptor id %q", d.ID)
		}
		nodes[d.ID] = &Node{
			ID:         d.ID,
			Descriptor: d,
			Priority:   d.Priority,
		}
	}

	// Second pass: link dependencies.
	for _, d := range descriptors {
		node := nodes[d.ID]
		upstream := append([]string(nil), d.DependsOn...)
		if d.Parent != "" {
			// The child feeds the parent, so the parent depends on it.
			parent, ok := nodes[d.Parent]
			if !ok {
				return nil, fmt.Errorf("descriptor %q references unknown parent %q", d.ID, d.Parent)
			}
			parent.Upstream = append(parent.Upstream, d.ID)
			node.Downstream = append(node.Downstream, d.Parent)
		}
		for _, up := range upstream {
			if up == d.ID {
				return nil, fmt.Errorf("descriptor %q depends on itself", d.ID)
			}
			upNode, ok := nodes[up]
			if !ok {
				return nil, fmt.Errorf("descriptor %q depends on unknown node %q", d.ID, up)
			}
			node.Upstream = append(node.Upstream, up)
			upNode.Downstream = append(upNode.Downstream, d.ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for id := range nodes {
		order = append(order, id)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := nodes[order[i]], nodes[order[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	for _, n := range nodes {
		sort.Strings(n.Downstream)
	}

	g := &Graph{nodes: nodes, order: order}
	if err := g.detectCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// detectCycles runs a depth-first search with three node sets: permanent
// (fully visited, known safe), temporary (on the current recursion stack),
// and unvisited. Hitting a temporary node again means a cycle.
func (g *Graph) detectCycles() error {
	permanent := make(map[string]bool)
	temporary := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return &CycleError{NodeID: id}
		}

		temporary[id] = true
		for _, dep := range g.nodes[id].Downstream {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for _, id := range g.order {
		if !permanent[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
