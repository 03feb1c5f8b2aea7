package graph

import "fmt"

// CycleError reports that the declared dependencies contain a cycle. It is
// fatal: a cyclic graph can never be scheduled.
type CycleError struct {
	// NodeID is the first node found to participate in the cycle.
	NodeID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected involving node %q", e.NodeID)
}
