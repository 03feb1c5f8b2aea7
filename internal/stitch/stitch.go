// Package stitch merges batches of sibling byte-range patches into a shared
// parent buffer. Application order is deterministic: patches are applied
// from the highest start offset down, so a length change in one patch never
// shifts the offsets of patches not yet applied.
package stitch

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/stitchgrid/internal/ctxlog"
	"github.com/vk/stitchgrid/internal/source"
)

// Patch is a half-open, byte-addressed replacement produced by one node's
// execution. It is consumed exactly once by Stitch.
type Patch struct {
	// Start is the inclusive byte offset of the replaced range.
	Start int `json:"start"`
	// End is the exclusive byte offset of the replaced range.
	End int `json:"end"`
	// Content is the replacement bytes.
	Content []byte `json:"content"`
	// NodeID identifies the node that produced the patch.
	NodeID string `json:"node_id"`
}

// Len returns the length of the replaced range.
func (p Patch) Len() int {
	return p.End - p.Start
}

// MergeConflictError reports that two patches in a batch address
// overlapping byte ranges. The whole batch is rejected.
type MergeConflictError struct {
	A, B Patch
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("patch ranges overlap: [%d,%d) from %q and [%d,%d) from %q",
		e.A.Start, e.A.End, e.A.NodeID, e.B.Start, e.B.End, e.B.NodeID)
}

// Stitch merges a batch of patches into base and re-validates the result
// with the caller-supplied structural validator. On any rejection the
// original buffer is returned unchanged; a partial merge is never visible.
//
// The empty batch is the identity: the base buffer comes back as-is.
func Stitch(ctx context.Context, path string, base []byte, patches []Patch, validator source.Validator) ([]byte, error) {
	logger := ctxlog.FromContext(ctx)
	if len(patches) == 0 {
		return base, nil
	}

	if err := checkRanges(base, patches); err != nil {
		return base, err
	}

	// Sort by descending start offset; ties cannot survive the disjointness
	// check except for empty ranges, which are ordered by node id so the
	// result stays deterministic regardless of completion order.
	sorted := append([]Patch(nil), patches...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start > sorted[j].Start
		}
		return sorted[i].NodeID > sorted[j].NodeID
	})

	merged := append([]byte(nil), base...)
	for _, p := range sorted {
		merged = splice(merged, p)
	}

	if validator != nil {
		if err := validator.Validate(ctx, path, merged); err != nil {
			logger.Debug("Merged buffer failed re-validation, rejecting batch.", "path", path, "patches", len(patches), "error", err)
			return base, err
		}
	}

	logger.Debug("Stitched patch batch.", "path", path, "patches", len(patches), "base_bytes", len(base), "merged_bytes", len(merged))
	return merged, nil
}

// checkRanges validates every patch against the buffer bounds and ensures
// the batch is pairwise disjoint.
func checkRanges(base []byte, patches []Patch) error {
	byStart := append([]Patch(nil), patches...)
	sort.Slice(byStart, func(i, j int) bool {
		if byStart[i].Start != byStart[j].Start {
			return byStart[i].Start < byStart[j].Start
		}
		return byStart[i].End < byStart[j].End
	})

	for i, p := range byStart {
		if p.Start < 0 || p.End < p.Start || p.End > len(base) {
			return fmt.Errorf("patch from %q has invalid range [%d,%d) for %d-byte buffer", p.NodeID, p.Start, p.End, len(base))
		}
		if i > 0 {
			prev := byStart[i-1]
			if p.Start < prev.End {
				return &MergeConflictError{A: prev, B: p}
			}
		}
	}
	return nil
}

// splice replaces [p.Start, p.End) in buf with p.Content.
func splice(buf []byte, p Patch) []byte {
	out := make([]byte, 0, len(buf)-p.Len()+len(p.Content))
	out = append(out, buf[:p.Start]...)
	out = append(out, p.Content...)
	out = append(out, buf[p.End:]...)
	return out
}
