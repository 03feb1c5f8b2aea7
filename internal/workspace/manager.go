package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/stitchgrid/internal/ctxlog"
)

// ErrCommitNotSupported is returned by Commit. Promoting an overlay into
// the shared base is a declared extension point without a resolution
// strategy yet; rejecting loudly beats discarding writes silently.
var ErrCommitNotSupported = errors.New("workspace commit is not supported")

// DefaultTTL is how long an untouched workspace survives before the
// background reaper disposes it.
const DefaultTTL = 30 * time.Minute

// Manager owns every workspace of a run. All methods are safe for
// concurrent use.
type Manager struct {
	base BaseLayer
	ttl  time.Duration

	mu         sync.Mutex
	workspaces map[string]*Workspace
	done       chan struct{}
	reapOnce   sync.Once
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTL overrides the orphan workspace TTL.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// NewManager creates a manager over the given base layer.
func NewManager(base BaseLayer, opts ...ManagerOption) *Manager {
	m := &Manager{
		base:       base,
		ttl:        DefaultTTL,
		workspaces: make(map[string]*Workspace),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Base returns the shared read-only layer all workspaces fork from.
func (m *Manager) Base() BaseLayer {
	return m.base
}

// Create forks a new workspace off the base layer and returns it.
func (m *Manager) Create(ctx context.Context) (*Workspace, error) {
	logger := ctxlog.FromContext(ctx)

	if det, ok := m.base.(mutationDetector); ok && det.Mutated() {
		return nil, &WorkspaceError{Op: "create", Err: fmt.Errorf("base layer was modified during the run")}
	}

	ws := &Workspace{
		id:        uuid.NewString(),
		base:      m.base,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		overlay:   make(map[string][]byte),
		whiteouts: make(map[string]bool),
	}

	m.mu.Lock()
	m.workspaces[ws.id] = ws
	m.mu.Unlock()

	logger.Debug("Workspace created.", "workspace_id", ws.id)
	return ws, nil
}

// Reopen returns a live workspace by id.
func (m *Manager) Reopen(id string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, &WorkspaceError{ID: id, Op: "reopen", Err: fmt.Errorf("unknown or disposed workspace")}
	}
	return ws, nil
}

// Dispose drops a workspace's overlay. Disposing twice is an error.
func (m *Manager) Dispose(id string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	delete(m.workspaces, id)
	m.mu.Unlock()

	if !ok {
		return &WorkspaceError{ID: id, Op: "dispose", Err: fmt.Errorf("unknown or already disposed workspace")}
	}

	ws.mu.Lock()
	ws.disposed = true
	ws.overlay = nil
	ws.whiteouts = nil
	ws.mu.Unlock()
	return nil
}

// Commit would promote a workspace's overlay into the shared base. The
// contract is exposed now so callers fail loudly; see ErrCommitNotSupported.
func (m *Manager) Commit(id string) error {
	m.mu.Lock()
	_, ok := m.workspaces[id]
	m.mu.Unlock()
	if !ok {
		return &WorkspaceError{ID: id, Op: "commit", Err: fmt.Errorf("unknown or disposed workspace")}
	}
	return &WorkspaceError{ID: id, Op: "commit", Err: ErrCommitNotSupported}
}

// StartReaper launches the TTL reaper for orphaned workspaces. It stops
// when ctx is cancelled or the manager closes.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	m.reapOnce.Do(func() {
		logger := ctxlog.FromContext(ctx)
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-m.done:
					return
				case <-ticker.C:
					for _, id := range m.expired() {
						logger.Warn("Reaping orphaned workspace past TTL.", "workspace_id", id, "ttl", m.ttl)
						_ = m.Dispose(id)
					}
				}
			}
		}()
	})
}

// expired returns ids of workspaces idle past the TTL.
func (m *Manager) expired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var out []string
	for id, ws := range m.workspaces {
		ws.mu.RLock()
		idle := now.Sub(ws.lastUsed)
		ws.mu.RUnlock()
		if idle > m.ttl {
			out = append(out, id)
		}
	}
	return out
}

// Close stops the reaper and disposes every remaining workspace.
func (m *Manager) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.workspaces))
	for id := range m.workspaces {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Dispose(id)
	}
}

// overlayRecord is the serialized form of one workspace in a snapshot.
type overlayRecord struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Overlay   map[string][]byte `json:"overlay"`
	Whiteouts []string          `json:"whiteouts,omitempty"`
}

// Snapshot is a consistent copy of every live overlay, identified by a
// content hash so a checkpoint can verify it resumes against the same
// workspace state it recorded.
type Snapshot struct {
	Ref        string          `json:"ref"`
	TakenAt    time.Time       `json:"taken_at"`
	Workspaces []overlayRecord `json:"workspaces"`
}

// Snapshot captures all live overlays. The manager lock is held for the
// whole capture so the snapshot is atomic with respect to Create/Dispose.
func (m *Manager) Snapshot() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]overlayRecord, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		overlay, whiteouts := ws.overlaySnapshot()
		records = append(records, overlayRecord{
			ID:        ws.id,
			CreatedAt: ws.createdAt,
			Overlay:   overlay,
			Whiteouts: whiteouts,
		})
	}
	sortRecords(records)

	ref, err := snapshotRef(records)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Ref: ref, TakenAt: time.Now().UTC(), Workspaces: records}, nil
}

// RestoreSnapshot recreates the workspaces recorded in a snapshot,
// replacing any current state. Used on checkpoint resume.
func (m *Manager) RestoreSnapshot(ctx context.Context, snap *Snapshot) error {
	logger := ctxlog.FromContext(ctx)

	ref, err := snapshotRef(snap.Workspaces)
	if err != nil {
		return err
	}
	if ref != snap.Ref {
		return &WorkspaceError{Op: "restore", Err: fmt.Errorf("snapshot ref %s does not match content hash %s", snap.Ref, ref)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.workspaces = make(map[string]*Workspace, len(snap.Workspaces))
	for _, rec := range snap.Workspaces {
		overlay := make(map[string][]byte, len(rec.Overlay))
		for p, c := range rec.Overlay {
			overlay[p] = append([]byte(nil), c...)
		}
		whiteouts := make(map[string]bool, len(rec.Whiteouts))
		for _, p := range rec.Whiteouts {
			whiteouts[p] = true
		}
		m.workspaces[rec.ID] = &Workspace{
			id:        rec.ID,
			base:      m.base,
			createdAt: rec.CreatedAt,
			lastUsed:  time.Now(),
			overlay:   overlay,
			whiteouts: whiteouts,
		}
	}
	logger.Debug("Workspace snapshot restored.", "ref", snap.Ref, "workspaces", len(snap.Workspaces))
	return nil
}

// snapshotRef hashes the serialized records. CreatedAt is excluded so the
// ref depends only on overlay content.
func snapshotRef(records []overlayRecord) (string, error) {
	type hashRecord struct {
		ID        string            `json:"id"`
		Overlay   map[string][]byte `json:"overlay"`
		Whiteouts []string          `json:"whiteouts,omitempty"`
	}
	hashable := make([]hashRecord, len(records))
	for i, r := range records {
		hashable[i] = hashRecord{ID: r.ID, Overlay: r.Overlay, Whiteouts: r.Whiteouts}
	}
	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("hashing workspace snapshot: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func sortRecords(records []overlayRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})
}
