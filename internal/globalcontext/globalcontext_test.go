package globalcontext

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "does-not-exist"), nil, nil)
	assert.Error(t, err)
}

func TestSummary_ListsTopLevelEntriesWithoutRedis(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	c, err := New(dir, nil, nil)
	require.NoError(t, err)
	defer c.watcher.Close()

	summary, err := c.Summary(context.Background())
	require.NoError(t, err)
	assert.Contains(t, summary, "a.txt is a file (5 bytes)")
	assert.Contains(t, summary, "sub/ is a subdirectory")
	assert.Contains(t, summary, "Total: 1 top-level files, 1 top-level directories")
}

func TestSummary_SkipsHiddenEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("x"), 0o644))

	c, err := New(dir, nil, nil)
	require.NoError(t, err)
	defer c.watcher.Close()

	summary, err := c.Summary(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, summary, ".hidden")
	assert.Contains(t, summary, "Total: 0 top-level files, 0 top-level directories")
}

func TestUpdateForFiles_MarksDirtyWithoutRedis(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, nil, nil)
	require.NoError(t, err)
	defer c.watcher.Close()

	_, err = c.Summary(context.Background())
	require.NoError(t, err)

	c.mu.Lock()
	assert.False(t, c.dirty)
	c.mu.Unlock()

	require.NoError(t, c.UpdateForFiles(context.Background(), []string{"a.txt"}))

	c.mu.Lock()
	assert.True(t, c.dirty)
	c.mu.Unlock()
}

func TestStart_InvalidatesOnFilesystemEvent(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	defer func() {
		cancel()
		c.Stop()
	}()

	_, err = c.Summary(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.dirty
	}, 2*time.Second, 10*time.Millisecond)
}
