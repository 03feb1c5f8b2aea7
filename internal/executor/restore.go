package executor

import (
	"context"
	"fmt"

	"github.com/vk/stitchgrid/internal/checkpoint"
	"github.com/vk/stitchgrid/internal/ctxlog"
	"github.com/vk/stitchgrid/internal/graph"
)

// Restore primes a fresh executor from a verified checkpoint. Finished
// nodes keep their terminal status and summaries; a subsequent Run only
// executes the checkpoint's pending set.
func (e *Executor) Restore(ctx context.Context, cp *checkpoint.Checkpoint) error {
	logger := ctxlog.FromContext(ctx).With("run_id", e.opts.RunID)

	if cp.RunID != e.opts.RunID {
		return &checkpoint.MismatchError{ID: cp.ID, Reason: fmt.Sprintf("checkpoint belongs to run %q, not %q", cp.RunID, e.opts.RunID)}
	}
	if cp.State.Intent != "" && e.opts.Intent != "" && cp.State.Intent != e.opts.Intent {
		return &checkpoint.MismatchError{ID: cp.ID, Reason: "run intent differs from the checkpointed intent"}
	}
	for id := range cp.State.Statuses {
		if e.graph.Node(id) == nil {
			return &checkpoint.MismatchError{ID: cp.ID, Reason: fmt.Sprintf("checkpointed node %q is not in the graph", id)}
		}
	}

	if err := e.workspaces.RestoreSnapshot(ctx, cp.Snapshot); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, name := range cp.State.Statuses {
		status, err := graph.ParseStatus(name)
		if err != nil {
			return &checkpoint.MismatchError{ID: cp.ID, Reason: err.Error()}
		}
		e.graph.Node(id).SetStatus(status)
		e.scheduled[id] = true
	}
	for id, s := range cp.State.Summaries {
		e.summaries[id] = s
		if s.Status == graph.StatusSucceeded.String() && len(s.Patches) > 0 {
			e.outputs[id] = string(s.Patches[0].Content)
		}
	}
	for path, content := range cp.State.Merged {
		e.merged[path] = append([]byte(nil), content...)
	}
	// Parents of fully stitched groups must not re-stitch on resume.
	for path := range cp.State.Merged {
		for _, id := range e.graph.NodeIDs() {
			node := e.graph.Node(id)
			if node.Descriptor.Parent == "" && node.Descriptor.Path == path {
				e.stitched[id] = true
			}
		}
	}
	e.sinceCheckpoint = 0

	logger.Info("Run state restored from checkpoint.", "checkpoint_id", cp.ID, "completed", len(cp.State.Statuses), "pending", len(cp.State.Pending))
	return nil
}
