// Package checkpoint persists executor progress so a crashed or cancelled
// run can resume without redoing completed nodes. Records live in an
// embedded BadgerDB keyed by checkpoint id, with a per-run latest pointer.
package checkpoint

import (
	"fmt"
	"time"

	"github.com/vk/stitchgrid/internal/result"
	"github.com/vk/stitchgrid/internal/workspace"
)

// Version is the on-disk checkpoint format version.
const Version = "1.0.0"

// RunState is the serializable executor progress captured at a safe point.
type RunState struct {
	// RunID identifies the run this state belongs to.
	RunID string `json:"run_id"`
	// Intent is the run's driving intent, kept so a resumed run can verify
	// it continues the same work.
	Intent string `json:"intent,omitempty"`
	// Statuses records the terminal status of every finished node.
	Statuses map[string]string `json:"statuses"`
	// Summaries holds one result per finished node.
	Summaries map[string]*result.Summary `json:"summaries"`
	// Pending lists node ids that had not reached a terminal state.
	Pending []string `json:"pending"`
	// Merged carries file contents already stitched into the run's merge
	// workspace, keyed by path.
	Merged map[string][]byte `json:"merged,omitempty"`
	// LastEventSeq is the sequence number of the last processed event.
	LastEventSeq uint64 `json:"last_event_seq"`
}

// Checkpoint is one persisted record: run state plus the workspace
// snapshot it was taken with, atomically.
type Checkpoint struct {
	ID           string              `json:"id"`
	RunID        string              `json:"run_id"`
	Version      string              `json:"version"`
	CreatedAt    time.Time           `json:"created_at"`
	State        *RunState           `json:"state"`
	WorkspaceRef string              `json:"workspace_ref"`
	Snapshot     *workspace.Snapshot `json:"snapshot"`
	Checksum     string              `json:"checksum"`
}

// MismatchError reports a resume-time inconsistency: a corrupt record or a
// workspace snapshot that does not match the checkpoint's recorded
// reference. It is fatal to the resume attempt.
type MismatchError struct {
	ID     string
	Reason string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checkpoint %s cannot be resumed: %s", e.ID, e.Reason)
}
