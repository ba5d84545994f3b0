package broker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIPCManager_AllocateCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	m, err := newIPCManager(root, 50)
	require.NoError(t, err)
	defer m.Close()

	dir, err := m.Allocate()
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestIPCManager_ReleaseRemovesDirectory(t *testing.T) {
	root := t.TempDir()
	m, err := newIPCManager(root, 50)
	require.NoError(t, err)
	defer m.Close()

	dir, err := m.Allocate()
	require.NoError(t, err)
	m.Release(dir)

	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestIPCManager_PruneKeepsOnlyMaxDirs(t *testing.T) {
	root := t.TempDir()
	m, err := newIPCManager(root, 2)
	require.NoError(t, err)
	defer m.Close()

	var dirs []string
	for i := 0; i < 5; i++ {
		dir, err := m.Allocate()
		require.NoError(t, err)
		dirs = append(dirs, dir)
		time.Sleep(5 * time.Millisecond) // ensure distinct mtimes for LRU ordering
	}

	m.prune()

	entries, err := os.ReadDir(filepath.Join(root, "ipc"))
	require.NoError(t, err)
	require.LessOrEqual(t, len(entries), 2)

	// the two most recent must have survived
	for _, dir := range dirs[3:] {
		_, err := os.Stat(dir)
		require.NoError(t, err, "most recent ipc dir should survive pruning")
	}
}
