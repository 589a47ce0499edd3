package service_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cleanupLayout writes state files 1-4 for selector 0, whose own metadata
// lists 1 while selector 1's metadata lists 2.
func cleanupLayout(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	dir := selectorDir(base, 0)
	for _, id := range []int{1, 2, 3, 4} {
		writeState(t, dir, id, urlFor(id))
	}
	writeMetadata(t, filepath.Join(dir, metadata.FileName(0)), 0, 1)
	writeMetadata(t, filepath.Join(selectorDir(base, 1), metadata.FileName(1)), 0, 2)
	return base
}

func TestCleanupUnusedFiles(t *testing.T) {
	base := cleanupLayout(t)
	dir := selectorDir(base, 0)

	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	waitMigrations(t, store)

	onLooper(t, rt, func() {
		// 4 is open but has never been saved since
		assert.NoError(t, store.Selector().Model(false).AddTab(model.NewTab(4, urlFor(4), false), -1, model.LaunchFromRestore))
		store.CleanupUnusedFiles(false)
	})
	waitIdle(t, rt)

	assert.True(t, tabstate.Exists(dir, 1, false), "listed by own metadata")
	assert.True(t, tabstate.Exists(dir, 2, false), "listed by a sibling's metadata")
	assert.False(t, tabstate.Exists(dir, 3, false))
	assert.True(t, tabstate.Exists(dir, 4, false), "tab is live")
	assert.Equal(t, 1.0, value(t, rt.Metrics().CleanupDeletedTotal))

	onLooper(t, rt, func() { store.CleanupUnusedFiles(true) })
	waitIdle(t, rt)

	assert.False(t, tabstate.Exists(dir, 1, false))
	assert.True(t, tabstate.Exists(dir, 2, false))
	assert.True(t, tabstate.Exists(dir, 4, false))
	assert.Equal(t, 2.0, value(t, rt.Metrics().CleanupRunsTotal))
}

func TestCleanupUnusedFiles_UnreadableMetadataDeletesNothing(t *testing.T) {
	base := cleanupLayout(t)
	dir := selectorDir(base, 0)
	require.NoError(t, os.WriteFile(filepath.Join(selectorDir(base, 1), metadata.FileName(1)), []byte{0, 0}, 0o600))

	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	waitMigrations(t, store)

	onLooper(t, rt, func() { store.CleanupUnusedFiles(true) })
	waitIdle(t, rt)

	for _, id := range []int{1, 2, 3, 4} {
		assert.True(t, tabstate.Exists(dir, id, false))
	}
	assert.Zero(t, value(t, rt.Metrics().CleanupRunsTotal))
}

func TestCleanupUnusedFiles_SkippedWithSiblingSelectors(t *testing.T) {
	base := cleanupLayout(t)
	dir := selectorDir(base, 0)

	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	newStore(t, rt, 1)

	onLooper(t, rt, func() {
		assert.NoError(t, store.LoadState(false))
		store.RestoreTabs(true)
	})
	waitIdle(t, rt)

	// restore only cleans up automatically when its selector is alone
	assert.True(t, tabstate.Exists(dir, 3, false))
	assert.Zero(t, value(t, rt.Metrics().CleanupRunsTotal))
}
