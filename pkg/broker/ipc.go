package broker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/pyrunner/pyrunner/pkg/logging"
)

// ipcManager allocates per-invocation scoped temp directories under a
// single root and keeps at most maxDirs of them, pruning the oldest by
// modification time (LRU) whenever a prune is triggered.
type ipcManager struct {
	root    string
	maxDirs int
	logger  *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// newIPCManager creates the IPC root directory (MCP_BRIDGE_STATE_DIR/ipc,
// or the OS temp dir if no state dir is configured) and starts an
// fsnotify watch on it. Pruning is done by Release, not by the watch.
func newIPCManager(stateDir string, maxDirs int) (*ipcManager, error) {
	root := filepath.Join(stateDir, "ipc")
	if stateDir == "" {
		root = filepath.Join(os.TempDir(), "pyrunner-ipc")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating ipc root %s: %w", root, err)
	}

	m := &ipcManager{root: root, maxDirs: maxDirs, logger: logging.NewDiscardLogger()}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if watchErr := watcher.Add(root); watchErr == nil {
			m.watcher = watcher
			go m.watchLoop()
		} else {
			watcher.Close()
		}
	}
	// A watcher is advisory only: pruning also runs synchronously after
	// each Release, so failure to start fsnotify never blocks correctness.

	return m, nil
}

// Root returns the single directory bind-mounted into the container at
// /ipc for the container's whole lifetime. Per-invocation directories
// returned by Allocate live as subdirectories of Root, so they are
// visible to an already-running container without remounting.
func (m *ipcManager) Root() string {
	return m.root
}

// SetLogger sets the logger used for prune diagnostics.
func (m *ipcManager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Allocate creates a new scoped IPC directory for one invocation.
func (m *ipcManager) Allocate() (string, error) {
	dir := filepath.Join(m.root, uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating ipc directory: %w", err)
	}
	return dir, nil
}

// Release removes one invocation's IPC directory and triggers an LRU
// prune pass over whatever remains.
func (m *ipcManager) Release(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("failed to remove ipc directory", "dir", dir, "error", err)
	}
	m.prune()
}

// watchLoop drains fsnotify events; pruning itself runs from Release, so
// this loop exists only to keep the watcher's event channel from
// blocking and to log unexpected watcher errors.
func (m *ipcManager) watchLoop() {
	for {
		select {
		case _, ok := <-m.watcher.Events:
			if !ok {
				return
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("ipc watcher error", "error", err)
		}
	}
}

// prune keeps the maxDirs most recently modified entries under root,
// removing the rest. Satisfies the invariant that after a successful run,
// all IPC directories older than the Nth are gone.
func (m *ipcManager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return
	}

	type dirInfo struct {
		path    string
		modTime int64
	}
	var dirs []dirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirInfo{path: filepath.Join(m.root, e.Name()), modTime: info.ModTime().UnixNano()})
	}

	if len(dirs) <= m.maxDirs {
		return
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modTime > dirs[j].modTime })

	for _, d := range dirs[m.maxDirs:] {
		if err := os.RemoveAll(d.path); err != nil {
			m.logger.Warn("failed to prune ipc directory", "dir", d.path, "error", err)
		}
	}
}

// Close stops the fsnotify watcher, if running.
func (m *ipcManager) Close() {
	if m.watcher != nil {
		m.watcher.Close()
	}
}
