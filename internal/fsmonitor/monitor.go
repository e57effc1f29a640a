// internal/fsmonitor/monitor.go
package fsmonitor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stix/internal/bitmap"
	"stix/internal/index"
)

// Monitor watches a worktree and accumulates the paths dirtied since
// the current token was issued. A snapshot of that set can be turned
// into the index's filesystem-monitor extension, letting the next
// reader skip stat calls for entries the bitmap leaves clean.
type Monitor struct {
	root       string
	watcher    *fsnotify.Watcher
	logger     *zap.Logger
	ignoreDirs map[string]bool

	mu    sync.Mutex
	token string
	dirty map[string]struct{}

	done chan struct{}
}

// New starts watching root recursively.
func New(root string, logger *zap.Logger) (*Monitor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	m := &Monitor{
		root:    root,
		watcher: watcher,
		logger:  logger,
		ignoreDirs: map[string]bool{
			".git":         true,
			".stix":        true,
			"node_modules": true,
			"vendor":       true,
			"dist":         true,
			"build":        true,
		},
		token: newToken(),
		dirty: make(map[string]struct{}),
		done:  make(chan struct{}),
	}

	go m.watchLoop()

	if err := m.watchTree(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("initializing watches: %w", err)
	}
	return m, nil
}

func newToken() string {
	return "stix:" + uuid.NewString()
}

func (m *Monitor) watchTree() error {
	return filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if m.ignoreDirs[d.Name()] && path != m.root {
			return filepath.SkipDir
		}
		if err := m.watcher.Add(path); err != nil {
			return fmt.Errorf("adding %s to watcher: %w", path, err)
		}
		return nil
	})
}

func (m *Monitor) watchLoop() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (m *Monitor) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(m.root, event.Name)
	if err != nil {
		m.logger.Warn("event outside root", zap.String("name", event.Name))
		return
	}
	rel = filepath.ToSlash(rel)

	// New directories need their own watch before events inside them
	// can be seen.
	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if !m.ignoreDirs[fi.Name()] {
				if err := m.watcher.Add(event.Name); err != nil {
					m.logger.Warn("adding new directory to watcher", zap.String("path", event.Name), zap.Error(err))
				}
			}
			return
		}
	}

	m.mu.Lock()
	m.dirty[rel] = struct{}{}
	m.mu.Unlock()
	m.logger.Debug("path dirtied", zap.String("path", rel), zap.String("op", event.Op.String()))
}

// Token returns the token the current dirty set is relative to.
func (m *Monitor) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Reset issues a fresh token and clears the dirty set, typically right
// after the index was rewritten with the previous snapshot.
func (m *Monitor) Reset() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = newToken()
	m.dirty = make(map[string]struct{})
	return m.token
}

// DirtyPaths returns the dirtied paths in sorted order.
func (m *Monitor) DirtyPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.dirty))
	for p := range m.dirty {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Extension builds the filesystem-monitor extension for the given
// entry table: the current token plus a bitmap marking, by table
// position, the entries dirtied since that token.
func (m *Monitor) Extension(t *index.Table) *index.FSMonitor {
	m.mu.Lock()
	defer m.mu.Unlock()

	bm := bitmap.New(uint32(t.Len()))
	pos := uint32(0)
	for e := range t.All() {
		if _, ok := m.dirty[e.PathString()]; ok {
			bm.Set(pos)
		}
		pos++
	}
	return &index.FSMonitor{
		Version: 2,
		Token:   []byte(m.token),
		Dirty:   bm,
	}
}

// Close stops the watch loop and releases the watcher.
func (m *Monitor) Close() error {
	close(m.done)
	return m.watcher.Close()
}
