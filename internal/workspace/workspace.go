package workspace

import (
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"
)

// WorkspaceError reports an isolation or lifecycle violation. It is fatal
// to the affected node, not to the run.
type WorkspaceError struct {
	ID  string
	Op  string
	Err error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s: %s: %v", e.ID, e.Op, e.Err)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}

// Workspace is one node's private view over the shared base layer. The
// overlay records only this node's writes; a delete is recorded as a
// whiteout so the base entry disappears from reads and listings.
//
// A Workspace is exclusively owned by the node that requested it. Methods
// are still guarded by a mutex so a node's own fan-out sub-tasks may share
// it safely.
type Workspace struct {
	id        string
	base      BaseLayer
	createdAt time.Time

	mu        sync.RWMutex
	overlay   map[string][]byte
	whiteouts map[string]bool
	lastUsed  time.Time
	disposed  bool
}

// ID returns the workspace identity.
func (w *Workspace) ID() string {
	return w.id
}

// CreatedAt returns the workspace creation time.
func (w *Workspace) CreatedAt() time.Time {
	return w.createdAt
}

// Read resolves overlay-first, falling back to the base layer.
func (w *Workspace) Read(path string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disposed {
		return nil, &WorkspaceError{ID: w.id, Op: "read", Err: fmt.Errorf("workspace disposed")}
	}
	w.lastUsed = time.Now()

	if w.whiteouts[path] {
		return nil, &WorkspaceError{ID: w.id, Op: "read", Err: fmt.Errorf("%q: %w", path, fs.ErrNotExist)}
	}
	if content, ok := w.overlay[path]; ok {
		return append([]byte(nil), content...), nil
	}
	content, err := w.base.ReadFile(path)
	if err != nil {
		return nil, &WorkspaceError{ID: w.id, Op: "read", Err: err}
	}
	return content, nil
}

// Write records content in the overlay. The base layer is never touched.
func (w *Workspace) Write(path string, content []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disposed {
		return &WorkspaceError{ID: w.id, Op: "write", Err: fmt.Errorf("workspace disposed")}
	}
	w.lastUsed = time.Now()
	delete(w.whiteouts, path)
	w.overlay[path] = append([]byte(nil), content...)
	return nil
}

// Delete hides a path from this workspace's view via a whiteout entry.
func (w *Workspace) Delete(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.disposed {
		return &WorkspaceError{ID: w.id, Op: "delete", Err: fmt.Errorf("workspace disposed")}
	}
	w.lastUsed = time.Now()
	delete(w.overlay, path)
	w.whiteouts[path] = true
	return nil
}

// List returns the union of base and overlay paths, sorted, with overlay
// entries shadowing base entries and whiteouts removed.
func (w *Workspace) List() ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.disposed {
		return nil, &WorkspaceError{ID: w.id, Op: "list", Err: fmt.Errorf("workspace disposed")}
	}

	basePaths, err := w.base.Paths()
	if err != nil {
		return nil, &WorkspaceError{ID: w.id, Op: "list", Err: err}
	}

	seen := make(map[string]bool, len(basePaths)+len(w.overlay))
	for _, p := range basePaths {
		if !w.whiteouts[p] {
			seen[p] = true
		}
	}
	for p := range w.overlay {
		seen[p] = true
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// overlaySnapshot copies the overlay state for checkpointing.
func (w *Workspace) overlaySnapshot() (map[string][]byte, []string) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	overlay := make(map[string][]byte, len(w.overlay))
	for p, c := range w.overlay {
		overlay[p] = append([]byte(nil), c...)
	}
	whiteouts := make([]string, 0, len(w.whiteouts))
	for p := range w.whiteouts {
		whiteouts = append(whiteouts, p)
	}
	sort.Strings(whiteouts)
	return overlay, whiteouts
}
