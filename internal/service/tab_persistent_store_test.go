package service_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/tabstore/internal/config"
	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/metrics"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/service"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/prefs"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/devrev/tabstore/internal/tabmodel"
	"github.com/devrev/tabstore/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addTab(t *testing.T, m *tabmodel.TabModel, id int, url string, blob string) *model.Tab {
	tab := model.NewTab(id, url, m.Incognito())
	if blob != "" {
		tab.SetState([]byte(blob))
	}
	assert.NoError(t, m.AddTab(tab, -1, model.LaunchFromUser))
	return tab
}

// saveMixedSession persists incognito [10] and normal [20, 21] with 21
// selected through a store that is then destroyed.
func saveMixedSession(t *testing.T, rt *service.Runtime) {
	t.Helper()
	first := newStore(t, rt, 0)
	onLooper(t, rt, func() {
		sel := first.Selector()
		addTab(t, sel.Model(true), 10, "https://private.example.com", "incognito-state")
		addTab(t, sel.Model(false), 20, "https://a", "state-a")
		addTab(t, sel.Model(false), 21, "https://b", "state-b")
		sel.Model(false).SetIndex(1)
		first.SaveState()
	})
	waitIdle(t, rt)
	onLooper(t, rt, first.Destroy)
}

func TestStore_SaveThenRestoreMixedSession(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base)
	saveMixedSession(t, rt)

	dir := selectorDir(base, 0)
	rec, _, err := metadata.ReadFile(filepath.Join(dir, metadata.FileName(0)))
	require.NoError(t, err)
	assert.Equal(t, metadata.CurrentVersion, rec.Version)
	assert.Equal(t, 1, rec.IncognitoCount)
	assert.Equal(t, 0, rec.IncognitoActiveIndex)
	assert.Equal(t, 1, rec.NormalActiveIndex)
	assert.Equal(t, []int{10, 20, 21}, rec.IDs())
	assert.True(t, tabstate.Exists(dir, 10, true))
	assert.True(t, tabstate.Exists(dir, 20, false))
	assert.True(t, tabstate.Exists(dir, 21, false))
	assert.Equal(t, 21, rt.Prefs().Int(prefs.KeyActiveTabID, model.InvalidTabID))

	second := newStore(t, rt, 0)
	obs := &storeRecorder{}
	onLooper(t, rt, func() {
		second.AddObserver(obs)
		assert.NoError(t, second.LoadState(false))
		second.RestoreTabs(true)
	})
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		sel := second.Selector()
		assert.Equal(t, []int{20, 21}, modelIDs(sel.Model(false)))
		assert.Equal(t, []int{10}, modelIDs(sel.Model(true)))
		assert.False(t, sel.IsIncognitoSelected())
		assert.Equal(t, 21, sel.CurrentTab().ID())
		assert.Equal(t, []byte("state-b"), sel.CurrentTab().State())
		assert.False(t, sel.CurrentTab().IsDirty())
	})
	assert.True(t, second.StateLoaded())
	assert.Equal(t, []int{3}, obs.initialized)
	assert.Equal(t, []int{10, 20, 21}, obs.details)
	assert.Equal(t, 1, obs.loaded)
	assert.Equal(t, 3.0, value(t, rt.Metrics().RestoresTotal.WithLabelValues(metrics.RestoreFromState)))
	assert.GreaterOrEqual(t, rt.IDs().Peek(), 22)
}

func TestStore_IgnoreIncognitoFiles(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base)
	saveMixedSession(t, rt)

	store := newStore(t, rt, 0)
	onLooper(t, rt, func() {
		assert.NoError(t, store.LoadState(true))
		store.RestoreTabs(true)
	})
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		assert.Equal(t, []int{20, 21}, modelIDs(store.Selector().Model(false)))
		assert.Zero(t, store.Selector().Model(true).Count())
	})
	assert.False(t, tabstate.Exists(selectorDir(base, 0), 10, true))
}

func TestStore_RestoreKeepsOrderAndActiveTabFirst(t *testing.T) {
	base := t.TempDir()
	writeMetadata(t, filepath.Join(selectorDir(base, 0), metadata.FileName(0)), 2, 5, 2, 9, 1)

	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	obs := &storeRecorder{}
	var added []int
	onLooper(t, rt, func() {
		store.AddObserver(obs)
		store.Selector().AddObserver(func(ev tabmodel.Event) {
			if ev.Type == tabmodel.DidAddTab {
				added = append(added, ev.Tab.ID())
			}
		})
		assert.NoError(t, store.LoadState(false))
		assert.Equal(t, 4, store.PendingRestoreCount())
		store.RestoreTabs(true)
		assert.Equal(t, 9, store.Selector().CurrentTab().ID())
	})
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		normal := store.Selector().Model(false)
		assert.Equal(t, []int{5, 2, 9, 1}, modelIDs(normal))
		assert.Equal(t, 9, normal.CurrentTab().ID())
		assert.Equal(t, urlFor(2), normal.TabByID(2).URL())
		assert.Zero(t, store.PendingRestoreCount())
	})
	assert.Equal(t, []int{9, 5, 2, 1}, added)
	assert.Equal(t, []int{4}, obs.initialized)
	assert.Equal(t, []int{5, 2, 9, 1}, obs.details)
	assert.Equal(t, 1, obs.loaded)
	assert.Equal(t, 4.0, value(t, rt.Metrics().RestoresTotal.WithLabelValues(metrics.RestoreFromURL)))
	assert.GreaterOrEqual(t, rt.IDs().Peek(), 10)
}

func TestStore_ActiveTabFallsBackToNextCandidate(t *testing.T) {
	base := t.TempDir()
	normal := model.NewTabModelMetadata(2)
	normal.Add(5, urlFor(5))
	normal.Add(2, urlFor(2))
	normal.Add(9, model.MigratedURL)
	normal.Add(1, urlFor(1))
	data, err := metadata.Serialize(normal, model.NewTabModelMetadata(model.InvalidIndex))
	require.NoError(t, err)
	dir := mkdir(t, selectorDir(base, 0))
	require.NoError(t, metadata.WriteFile(filepath.Join(dir, metadata.FileName(0)), data))

	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	onLooper(t, rt, func() {
		assert.NoError(t, store.LoadState(false))
		store.RestoreTabs(true)

		assert.Equal(t, []int{5}, modelIDs(store.Selector().Model(false)))
		assert.Equal(t, 5, store.Selector().CurrentTab().ID())
	})
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		normal := store.Selector().Model(false)
		assert.Equal(t, []int{5, 2, 1}, modelIDs(normal))
		assert.Equal(t, 5, normal.CurrentTab().ID())
	})
	assert.Equal(t, 1.0, value(t, rt.Metrics().RestoresTotal.WithLabelValues(metrics.RestoreDropped)))
}

// encodeMetadata hand-encodes a version 5 metadata file
func encodeMetadata(incognitoCount, incognitoActive, normalActive int, entries ...metadata.Entry) []byte {
	var data []byte
	for _, v := range []int{5, len(entries), incognitoCount, incognitoActive, normalActive} {
		data = binary.BigEndian.AppendUint32(data, uint32(int32(v)))
	}
	for _, e := range entries {
		data = binary.BigEndian.AppendUint32(data, uint32(int32(e.ID)))
		data = binary.BigEndian.AppendUint16(data, uint16(len(e.URL)))
		data = append(data, e.URL...)
	}
	return data
}

func TestStore_RestoresHandEncodedMixedSession(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base)
	saveMixedSession(t, rt)

	dir := selectorDir(base, 0)
	data := encodeMetadata(1, 0, 1,
		metadata.Entry{ID: 10, URL: ""},
		metadata.Entry{ID: 20, URL: "https://a"},
		metadata.Entry{ID: 21, URL: "https://b"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, metadata.FileName(0)), data, 0o600))

	store := newStore(t, rt, 0)
	onLooper(t, rt, func() {
		assert.NoError(t, store.LoadState(false))
		store.RestoreTabs(true)
	})
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		sel := store.Selector()
		assert.Equal(t, []int{20, 21}, modelIDs(sel.Model(false)))
		assert.Equal(t, []int{10}, modelIDs(sel.Model(true)))
		assert.False(t, sel.IsIncognitoSelected())
		assert.Equal(t, 21, sel.Model(false).CurrentTab().ID())
	})
}

func TestStore_PrefetchedActiveTab(t *testing.T) {
	base := t.TempDir()
	dir := selectorDir(base, 0)
	for _, id := range []int{1, 2, 3} {
		writeState(t, dir, id, urlFor(id))
	}
	writeMetadata(t, filepath.Join(dir, metadata.FileName(0)), 1, 1, 2, 3)

	rt := newRuntime(t, base)
	rt.Prefs().SetInt(prefs.KeyActiveTabID, 2)

	var (
		store *service.TabPersistentStore
		err   error
	)
	onLooper(t, rt, func() {
		store, err = service.NewTabPersistentStore(rt, rt.NewSelector(), service.StoreOptions{Prefetch: true})
	})
	require.NoError(t, err)

	onLooper(t, rt, func() {
		assert.NoError(t, store.LoadState(false))
		store.RestoreTabs(true)
		assert.Equal(t, 2, store.Selector().CurrentTab().ID())
	})
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		assert.Equal(t, []int{1, 2, 3}, modelIDs(store.Selector().Model(false)))
	})
	assert.Equal(t, 3.0, value(t, rt.Metrics().RestoresTotal.WithLabelValues(metrics.RestoreFromState)))
}

func TestStore_MissingOrCorruptMetadataStartsEmpty(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		result  string
	}{
		{"missing", nil, "missing"},
		{"corrupt", []byte("definitely not a metadata file"), "corrupt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := t.TempDir()
			if tt.content != nil {
				require.NoError(t, metadata.WriteFile(filepath.Join(mkdir(t, selectorDir(base, 0)), metadata.FileName(0)), tt.content))
			}

			rt := newRuntime(t, base)
			store := newStore(t, rt, 0)
			obs := &storeRecorder{}
			onLooper(t, rt, func() {
				store.AddObserver(obs)
				assert.NoError(t, store.LoadState(false))
				store.RestoreTabs(true)
			})
			waitIdle(t, rt)

			assert.Equal(t, []int{0}, obs.initialized)
			assert.Equal(t, 1, obs.loaded)
			assert.True(t, store.StateLoaded())
			assert.Equal(t, 1.0, value(t, rt.Metrics().MetadataReadsTotal.WithLabelValues(tt.result)))
		})
	}
}

func TestStore_MetadataWriteIsIdempotent(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)

	onLooper(t, rt, func() {
		addTab(t, store.Selector().Model(false), 1, urlFor(1), "")
		addTab(t, store.Selector().Model(false), 2, urlFor(2), "")
	})
	waitIdle(t, rt)

	writes := rt.Metrics().MetadataWritesTotal.WithLabelValues("ok")
	writesBefore := value(t, writes)
	skippedBefore := value(t, rt.Metrics().MetadataWritesSkipped)

	onLooper(t, rt, func() {
		assert.True(t, store.Selector().Model(false).MoveTab(1, 1))
		store.SaveState()
		store.SaveState()
	})
	waitIdle(t, rt)

	assert.Equal(t, writesBefore+1, value(t, writes))
	assert.GreaterOrEqual(t, value(t, rt.Metrics().MetadataWritesSkipped), skippedBefore+1)

	rec, _, err := metadata.ReadFile(filepath.Join(selectorDir(base, 0), metadata.FileName(0)))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, rec.IDs())
}

func TestStore_SavesDirtyTabsInBackground(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	dir := selectorDir(base, 0)

	var tab *model.Tab
	onLooper(t, rt, func() {
		tab = addTab(t, store.Selector().Model(false), 1, urlFor(1), "v1")
		addTab(t, store.Selector().Model(false), 2, urlFor(2), "")
		ephemeral := model.NewTab(3, urlFor(3), false)
		ephemeral.SetEphemeral(true)
		ephemeral.SetState([]byte("never saved"))
		assert.NoError(t, store.Selector().Model(false).AddTab(ephemeral, -1, model.LaunchFromUser))
	})
	waitIdle(t, rt)

	assert.True(t, tabstate.Exists(dir, 1, false))
	assert.False(t, tabstate.Exists(dir, 2, false))
	assert.False(t, tabstate.Exists(dir, 3, false))
	onLooper(t, rt, func() {
		assert.False(t, tab.IsDirty())
		tab.SetURL("https://example.com/next")
		store.Selector().Model(false).NotifyTabStateChanged(tab)
	})
	waitIdle(t, rt)

	onLooper(t, rt, func() { assert.False(t, tab.IsDirty()) })
	assert.Equal(t, 2.0, value(t, rt.Metrics().TabSavesTotal.WithLabelValues("ok")))
}

func TestStore_TabListWaitsForQueuedTabSaves(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	dir := selectorDir(base, 0)
	path := filepath.Join(dir, metadata.FileName(0))
	waitIdle(t, rt)

	release := make(chan struct{})
	require.NoError(t, rt.Serial().Submit(workerpool.Task{
		ID: "hold",
		Fn: func(ctx context.Context) error {
			<-release
			return nil
		},
	}))

	onLooper(t, rt, func() {
		addTab(t, store.Selector().Model(false), 1, urlFor(1), "one")
		addTab(t, store.Selector().Model(false), 2, urlFor(2), "two")
	})

	// runs right after the first tab save, before the second is scheduled
	missing := make(chan []int, 1)
	require.NoError(t, rt.Serial().Submit(workerpool.Task{
		ID: "check",
		Fn: func(ctx context.Context) error {
			var out []int
			if rec, _, err := metadata.ReadFile(path); err == nil {
				for _, id := range rec.IDs() {
					if !tabstate.Exists(dir, id, false) {
						out = append(out, id)
					}
				}
			}
			missing <- out
			return nil
		},
	}))
	close(release)
	waitIdle(t, rt)

	assert.Empty(t, <-missing)
	rec, _, err := metadata.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, rec.IDs())
	assert.True(t, tabstate.Exists(dir, 1, false))
	assert.True(t, tabstate.Exists(dir, 2, false))
}

func TestStore_SaveStateWinsOverReplacedListWrite(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	path := filepath.Join(selectorDir(base, 0), metadata.FileName(0))
	waitIdle(t, rt)

	writes := rt.Metrics().MetadataWritesTotal.WithLabelValues("ok")
	before := value(t, writes)

	unlock := rt.LockSaveList()
	onLooper(t, rt, func() {
		addTab(t, store.Selector().Model(false), 1, urlFor(1), "")
	})
	// the background list write is running and waits for the lock
	require.Eventually(t, func() bool {
		return rt.Serial().Stats().ActiveWorkers == 1
	}, testTimeout, time.Millisecond)

	onLooper(t, rt, func() {
		addTab(t, store.Selector().Model(false), 2, urlFor(2), "")
	})
	require.True(t, rt.Looper().Post(store.SaveState))
	unlock()
	waitIdle(t, rt)

	rec, _, err := metadata.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, rec.IDs())
	assert.Equal(t, before+1, value(t, writes))
}

func TestStore_ClosingTabDeletesItsState(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	dir := selectorDir(base, 0)

	var first, second *model.Tab
	onLooper(t, rt, func() {
		first = addTab(t, store.Selector().Model(false), 1, urlFor(1), "one")
		second = addTab(t, store.Selector().Model(false), 2, urlFor(2), "two")
	})
	waitIdle(t, rt)
	require.True(t, tabstate.Exists(dir, 1, false))
	require.True(t, tabstate.Exists(dir, 2, false))

	onLooper(t, rt, func() {
		assert.True(t, store.Selector().Model(false).CloseTab(first, false))
		assert.True(t, store.Selector().Model(false).CloseTab(second, true))
	})
	waitIdle(t, rt)

	assert.False(t, tabstate.Exists(dir, 1, false))
	assert.True(t, tabstate.Exists(dir, 2, false), "undoable closure keeps the state")

	onLooper(t, rt, func() {
		assert.True(t, store.Selector().Model(false).CommitTabClosure(2))
	})
	waitIdle(t, rt)
	assert.False(t, tabstate.Exists(dir, 2, false))

	rec, _, err := metadata.ReadFile(filepath.Join(dir, metadata.FileName(0)))
	require.NoError(t, err)
	assert.Empty(t, rec.Entries)
}

func TestStore_OutOfSpaceDropsStaleState(t *testing.T) {
	base := t.TempDir()
	dir := selectorDir(base, 0)
	writeState(t, dir, 7, "https://stale.example.com")

	rt := newRuntime(t, base, func(cfg *config.Config) {
		cfg.Storage.MinFreeBytes = 1 << 62
	})
	store := newStore(t, rt, 0)

	var tab *model.Tab
	onLooper(t, rt, func() {
		tab = addTab(t, store.Selector().Model(false), 7, "https://fresh.example.com", "fresh")
	})
	waitIdle(t, rt)

	assert.False(t, tabstate.Exists(dir, 7, false))
	assert.Equal(t, 1.0, value(t, rt.Metrics().OutOfResourceTotal))
	onLooper(t, rt, func() { assert.True(t, tab.IsDirty()) })

	// the metadata file is not gated by the disk check
	_, _, err := metadata.ReadFile(filepath.Join(dir, metadata.FileName(0)))
	assert.NoError(t, err)
}

func TestStore_RestoreTabStateStealsInFlightLoad(t *testing.T) {
	base := t.TempDir()
	dir := selectorDir(base, 0)
	for _, id := range []int{1, 2, 3} {
		writeState(t, dir, id, urlFor(id))
	}
	writeMetadata(t, filepath.Join(dir, metadata.FileName(0)), 0, 1, 2, 3)

	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)

	onLooper(t, rt, func() {
		assert.NoError(t, store.LoadState(false))
		store.RestoreTabs(false)

		// tab 1 is being loaded in the background; its result cannot be
		// delivered while this closure holds the looper
		assert.True(t, store.RestoreTabStateForID(1))
		assert.NotNil(t, store.Selector().TabByID(1))

		assert.True(t, store.RestoreTabStateForURL(urlFor(3)))
		assert.NotNil(t, store.Selector().TabByID(3))

		assert.False(t, store.RestoreTabStateForID(42))
		assert.False(t, store.RestoreTabStateForURL(""))
	})
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		assert.Equal(t, []int{1, 2, 3}, modelIDs(store.Selector().Model(false)))
	})
	assert.True(t, store.StateLoaded())
	assert.Equal(t, 1.0, value(t, rt.Metrics().RestoresTotal.WithLabelValues(metrics.RestoreStolen)))
	assert.Equal(t, 3.0, value(t, rt.Metrics().RestoresTotal.WithLabelValues(metrics.RestoreFromState)))
}

func TestStore_CancelLoadingTabs(t *testing.T) {
	base := t.TempDir()
	dir := selectorDir(base, 0)
	for _, id := range []int{1, 2, 3} {
		writeState(t, dir, id, urlFor(id))
	}
	writeMetadata(t, filepath.Join(dir, metadata.FileName(0)), 0, 1, 2, 3)

	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	obs := &storeRecorder{}

	onLooper(t, rt, func() {
		store.AddObserver(obs)
		assert.NoError(t, store.LoadState(false))
		store.CancelLoadingTabs(false)
		store.RestoreTabs(false)
	})
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		assert.Zero(t, store.Selector().TotalTabCount())
	})
	assert.Equal(t, 1, obs.loaded)
	assert.Equal(t, 3.0, value(t, rt.Metrics().RestoresTotal.WithLabelValues(metrics.RestoreCancelled)))
}

func TestStore_RestoreFinishesWhenLoadsCannotBeScheduled(t *testing.T) {
	base := t.TempDir()
	dir := selectorDir(base, 0)
	for _, id := range []int{1, 2, 3} {
		writeState(t, dir, id, urlFor(id))
	}
	writeMetadata(t, filepath.Join(dir, metadata.FileName(0)), 0, 1, 2, 3)

	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	obs := &storeRecorder{}
	waitIdle(t, rt)
	require.NoError(t, rt.Serial().Stop(testTimeout))

	onLooper(t, rt, func() {
		store.AddObserver(obs)
		assert.NoError(t, store.LoadState(false))
		store.RestoreTabs(false)
	})
	waitIdle(t, rt)

	assert.True(t, store.StateLoaded())
	assert.Equal(t, 1, obs.loaded)
	onLooper(t, rt, func() {
		assert.Equal(t, []int{1, 2, 3}, modelIDs(store.Selector().Model(false)))
		assert.Zero(t, store.PendingRestoreCount())
	})
}

func TestStore_PendingRestoresStayInMetadata(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(selectorDir(base, 0), metadata.FileName(0))
	writeMetadata(t, path, 0, 1, 2, 3)

	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)

	onLooper(t, rt, func() {
		assert.NoError(t, store.LoadState(false))
		assert.True(t, store.RestoreTabStateForID(2))
		// a save while the queue is not drained keeps the unrestored tabs
		store.SaveState()
	})

	rec, _, err := metadata.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 3}, rec.IDs())
	assert.Equal(t, urlFor(1), rec.Entries[1].URL)
}

func TestStore_ClearState(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base)
	store := newStore(t, rt, 0)
	dir := selectorDir(base, 0)

	onLooper(t, rt, func() {
		addTab(t, store.Selector().Model(false), 1, urlFor(1), "one")
	})
	waitIdle(t, rt)
	require.True(t, tabstate.Exists(dir, 1, false))

	onLooper(t, rt, store.ClearState)
	waitIdle(t, rt)
	assert.False(t, tabstate.Exists(dir, 1, false))
	assert.NoFileExists(t, filepath.Join(dir, metadata.FileName(0)))

	// the forgotten metadata is written again even though nothing changed
	onLooper(t, rt, store.SaveState)
	assert.FileExists(t, filepath.Join(dir, metadata.FileName(0)))
}

func TestStore_Destroy(t *testing.T) {
	rt := newRuntime(t, t.TempDir())
	store := newStore(t, rt, 0)

	var err error
	onLooper(t, rt, func() {
		store.Destroy()
		store.Destroy()
		err = store.LoadState(false)
		assert.False(t, store.RestoreTabStateForID(1))
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStoreDestroyed, errors.GetCode(err))
	assert.Zero(t, rt.Registry().ActiveSelectorCount())

	// the index is free again
	newStore(t, rt, 0)
	assert.Equal(t, []int{0}, rt.Registry().Indices())
}

func TestNewTabPersistentStore_RejectsTakenIndex(t *testing.T) {
	rt := newRuntime(t, t.TempDir())
	newStore(t, rt, 1)

	tests := []struct {
		name  string
		index int
	}{
		{"taken", 1},
		{"negative", -1},
		{"beyond max selectors", 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			onLooper(t, rt, func() {
				_, err = service.NewTabPersistentStore(rt, rt.NewSelector(), service.StoreOptions{SelectorIndex: tt.index})
			})
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
		})
	}
}
