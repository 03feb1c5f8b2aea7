package result

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/vk/stitchgrid/internal/bus"
	"github.com/vk/stitchgrid/internal/ctxlog"
	"github.com/vk/stitchgrid/internal/graph"
	"github.com/vk/stitchgrid/internal/source"
	"github.com/vk/stitchgrid/internal/stitch"
	"github.com/vk/stitchgrid/internal/workspace"
)

// Handler validates agent outputs and persists accepted ones into the
// node's workspace overlay.
type Handler struct {
	validator source.Validator
	events    *bus.Bus
}

// NewHandler creates a handler. The validator may be nil to skip per-patch
// structural checks (tests, artifact-only runs).
func NewHandler(validator source.Validator, events *bus.Bus) *Handler {
	return &Handler{validator: validator, events: events}
}

// Accept validates every output of a node and persists them into ws. On
// the first rejected output the whole node output is rejected: nothing is
// persisted and the returned error describes the failure.
func (h *Handler) Accept(ctx context.Context, node *graph.Node, ws *workspace.Workspace, outputs []Output) (*Summary, error) {
	logger := ctxlog.FromContext(ctx).With("node_id", node.ID)

	summary := &Summary{NodeID: node.ID}
	for _, out := range outputs {
		switch {
		case out.Patch != nil:
			if err := h.checkPatch(ctx, node, ws, *out.Patch); err != nil {
				h.events.Emit(bus.TypeResultRejected, node.ID, err.Error())
				return nil, err
			}
			summary.Patches = append(summary.Patches, *out.Patch)
		case out.Artifact != nil:
			if err := checkArtifact(*out.Artifact); err != nil {
				h.events.Emit(bus.TypeResultRejected, node.ID, err.Error())
				return nil, err
			}
			summary.Artifacts = append(summary.Artifacts, out.Artifact.Name)
		default:
			err := fmt.Errorf("node %q produced an empty output entry", node.ID)
			h.events.Emit(bus.TypeResultRejected, node.ID, err.Error())
			return nil, err
		}
	}

	// All outputs passed; persist them into the overlay.
	for _, out := range outputs {
		if out.Artifact != nil {
			target := path.Join("artifacts", node.ID, out.Artifact.Name)
			if err := ws.Write(target, out.Artifact.Content); err != nil {
				return nil, err
			}
		}
	}
	if len(summary.Patches) > 0 {
		encoded, err := json.Marshal(summary.Patches)
		if err != nil {
			return nil, fmt.Errorf("encoding patches for node %q: %w", node.ID, err)
		}
		if err := ws.Write(path.Join("patches", node.ID+".json"), encoded); err != nil {
			return nil, err
		}
	}

	logger.Debug("Node output accepted.", "patches", len(summary.Patches), "artifacts", len(summary.Artifacts))
	h.events.Emit(bus.TypeResultAccepted, node.ID, summary)
	return summary, nil
}

// checkPatch verifies range sanity against the node's declared span and
// structurally validates the patched buffer before acceptance.
func (h *Handler) checkPatch(ctx context.Context, node *graph.Node, ws *workspace.Workspace, p stitch.Patch) error {
	d := node.Descriptor
	if p.Start < d.Start || p.End > d.End {
		return &source.ValidationError{
			Path: d.Path,
			Diagnostics: []source.Diagnostic{{
				Message: fmt.Sprintf("patch range [%d,%d) escapes node span [%d,%d)", p.Start, p.End, d.Start, d.End),
			}},
		}
	}

	content, err := ws.Read(d.Path)
	if err != nil {
		return err
	}
	if _, err := stitch.Stitch(ctx, d.Path, content, []stitch.Patch{p}, h.validator); err != nil {
		return err
	}
	return nil
}

// checkArtifact validates artifact content by kind. Diff artifacts must
// parse as unified diffs.
func checkArtifact(a Artifact) error {
	if a.Name == "" {
		return fmt.Errorf("artifact has empty name")
	}
	switch a.Kind {
	case ArtifactText:
		return nil
	case ArtifactDiff:
		if _, err := diff.ParseMultiFileDiff(a.Content); err != nil {
			return &source.ValidationError{
				Path: a.Name,
				Diagnostics: []source.Diagnostic{{
					Message: fmt.Sprintf("malformed unified diff: %v", err),
				}},
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
}
