package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/vk/stitchgrid/internal/ctxlog"
	"github.com/vk/stitchgrid/internal/workspace"
)

// Config holds settings for the checkpoint store.
type Config struct {
	// Dir is the directory for BadgerDB files. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in RAM; used by tests.
	InMemory bool
	// SyncWrites forces fsync per write for durability.
	SyncWrites bool
}

// DefaultConfig returns durable on-disk settings.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, SyncWrites: true}
}

// InMemoryConfig returns settings for tests: no disk, no fsync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Manager snapshots and resumes run state. Safe for concurrent use; the
// executor is expected to call Snapshot only between safe points.
type Manager struct {
	db *badger.DB
}

// Open creates the checkpoint store.
func Open(cfg Config) (*Manager, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	return &Manager{db: db}, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.db.Close()
}

func recordKey(runID, id string) []byte {
	return []byte("checkpoint/" + runID + "/" + id)
}

func latestKey(runID string) []byte {
	return []byte("latest/" + runID)
}

// checksum hashes the parts of the record that must survive storage intact.
func checksum(state *RunState, wsRef string, createdAt time.Time) (string, error) {
	payload := struct {
		State     *RunState `json:"state"`
		Ref       string    `json:"ref"`
		Version   string    `json:"version"`
		CreatedAt int64     `json:"created_at"`
	}{state, wsRef, Version, createdAt.UnixMilli()}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hashing checkpoint: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Snapshot persists run state together with a workspace snapshot,
// atomically: both land in a single store transaction or neither does.
func (m *Manager) Snapshot(ctx context.Context, state *RunState, snap *workspace.Snapshot) (string, error) {
	logger := ctxlog.FromContext(ctx)

	id := uuid.NewString()
	createdAt := time.Now().UTC()
	sum, err := checksum(state, snap.Ref, createdAt)
	if err != nil {
		return "", err
	}

	record := Checkpoint{
		ID:           id,
		RunID:        state.RunID,
		Version:      Version,
		CreatedAt:    createdAt,
		State:        state,
		WorkspaceRef: snap.Ref,
		Snapshot:     snap,
		Checksum:     sum,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encoding checkpoint: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordKey(state.RunID, id), encoded); err != nil {
			return err
		}
		return txn.Set(latestKey(state.RunID), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("writing checkpoint: %w", err)
	}

	logger.Debug("Checkpoint saved.", "checkpoint_id", id, "run_id", state.RunID, "completed", len(state.Statuses), "pending", len(state.Pending))
	return id, nil
}

// Latest returns the most recent checkpoint id for a run, or "" if none.
func (m *Manager) Latest(runID string) (string, error) {
	var id string
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey(runID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			id = string(val)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("reading latest checkpoint: %w", err)
	}
	return id, nil
}

// Resume loads and verifies a checkpoint. The stored checksum must match
// and the embedded workspace snapshot must match the recorded reference;
// either failure is a *MismatchError.
func (m *Manager) Resume(ctx context.Context, runID, id string) (*Checkpoint, error) {
	logger := ctxlog.FromContext(ctx)

	var encoded []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(runID, id))
		if err != nil {
			return err
		}
		encoded, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, &MismatchError{ID: id, Reason: "no such checkpoint"}
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", id, err)
	}

	var record Checkpoint
	if err := json.Unmarshal(encoded, &record); err != nil {
		return nil, &MismatchError{ID: id, Reason: fmt.Sprintf("corrupt record: %v", err)}
	}
	if record.Version != Version {
		return nil, &MismatchError{ID: id, Reason: fmt.Sprintf("format version %s, want %s", record.Version, Version)}
	}

	sum, err := checksum(record.State, record.WorkspaceRef, record.CreatedAt)
	if err != nil {
		return nil, err
	}
	if sum != record.Checksum {
		return nil, &MismatchError{ID: id, Reason: "checksum verification failed"}
	}
	if record.Snapshot == nil || record.Snapshot.Ref != record.WorkspaceRef {
		return nil, &MismatchError{ID: id, Reason: "workspace snapshot does not match recorded reference"}
	}

	logger.Info("Checkpoint loaded.", "checkpoint_id", id, "run_id", runID, "completed", len(record.State.Statuses), "pending", len(record.State.Pending))
	return &record, nil
}
