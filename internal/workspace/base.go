// Package workspace provides copy-on-write, isolated storage per agent
// node. A run shares one immutable base layer; every active node gets a
// private overlay recording only its writes. Reads resolve overlay-first
// and fall through to base; sibling overlays are mutually invisible.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/vk/stitchgrid/internal/ctxlog"
)

// BaseLayer is the shared, read-only content all workspaces fork from. It
// must be immutable for the duration of the run.
type BaseLayer interface {
	// ReadFile returns the content of the file at the given relative path.
	ReadFile(path string) ([]byte, error)
	// Paths returns every file path in the layer, sorted.
	Paths() ([]string, error)
}

// mutationDetector is implemented by base layers that can notice external
// modification mid-run.
type mutationDetector interface {
	Mutated() bool
}

// MapBase is an in-memory base layer, used by tests and for synthetic runs.
type MapBase struct {
	files map[string][]byte
}

// NewMapBase copies the given files into an immutable in-memory layer.
func NewMapBase(files map[string][]byte) *MapBase {
	copied := make(map[string][]byte, len(files))
	for p, c := range files {
		copied[p] = append([]byte(nil), c...)
	}
	return &MapBase{files: copied}
}

// ReadFile implements BaseLayer.
func (b *MapBase) ReadFile(path string) ([]byte, error) {
	content, ok := b.files[path]
	if !ok {
		return nil, fmt.Errorf("%q: %w", path, fs.ErrNotExist)
	}
	return append([]byte(nil), content...), nil
}

// Paths implements BaseLayer.
func (b *MapBase) Paths() ([]string, error) {
	out := make([]string, 0, len(b.files))
	for p := range b.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// DirBase serves a directory tree as the base layer. It watches the tree
// with fsnotify: the base is contractually immutable for the run, so any
// write event marks the layer mutated and later workspace operations fail.
type DirBase struct {
	root    string
	watcher *fsnotify.Watcher
	mutated atomic.Bool
}

// NewDirBase opens a directory as a base layer and starts watching it.
func NewDirBase(ctx context.Context, root string) (*DirBase, error) {
	logger := ctxlog.FromContext(ctx)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("opening base layer: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base layer root %q is not a directory", root)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating base layer watcher: %w", err)
	}

	b := &DirBase{root: root, watcher: watcher}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching base layer: %w", err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					logger.Warn("Base layer modified during run.", "path", ev.Name, "op", ev.Op.String())
					b.mutated.Store(true)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return b, nil
}

// ReadFile implements BaseLayer.
func (b *DirBase) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.root, filepath.FromSlash(path)))
}

// Paths implements BaseLayer.
func (b *DirBase) Paths() ([]string, error) {
	var out []string
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			rel, err := filepath.Rel(b.root, path)
			if err != nil {
				return err
			}
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Mutated reports whether the watched tree changed since the base opened.
func (b *DirBase) Mutated() bool {
	return b.mutated.Load()
}

// Close stops the watcher.
func (b *DirBase) Close() error {
	return b.watcher.Close()
}
