// Package result validates and persists agent outputs. Every node
// execution ends in exactly one Summary, whether it produced a patch, an
// artifact, nothing, or an error.
package result

import (
	"time"

	"github.com/vk/stitchgrid/internal/stitch"
)

// ArtifactKind classifies a derived artifact.
type ArtifactKind string

const (
	// ArtifactText is free-form derived text (notes, reports, summaries).
	ArtifactText ArtifactKind = "text"
	// ArtifactDiff is a unified diff; it must parse as one.
	ArtifactDiff ArtifactKind = "diff"
)

// Artifact is a derived output that is not a byte-range patch.
type Artifact struct {
	Name    string       `json:"name"`
	Kind    ArtifactKind `json:"kind"`
	Content []byte       `json:"content"`
}

// Output is what one node execution hands to the handler: either a patch
// or an artifact per entry.
type Output struct {
	Patch    *stitch.Patch
	Artifact *Artifact
}

// Summary is the structured record of one node's outcome. It is attached
// to the node's entry in the run state and carried into checkpoints.
type Summary struct {
	NodeID    string         `json:"node_id"`
	Status    string         `json:"status"`
	Patches   []stitch.Patch `json:"patches,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Error     string         `json:"error,omitempty"`
	Duration  time.Duration  `json:"duration"`
}
