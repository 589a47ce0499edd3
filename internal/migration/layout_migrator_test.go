package migration_test

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/devrev/tabstore/internal/config"
	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/migration"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/service"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/prefs"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTimeout = 10 * time.Second

var allStages = []model.MigrationStage{
	model.StageUninitialized,
	model.StageInitialized,
	model.StageCopyStarted,
	model.StageCopyDone,
	model.StageWriteMetadataStarted,
	model.StageWriteMetadataDone,
	model.StageChangeSettingsStarted,
	model.StageChangeSettingsDone,
	model.StageDeletionStarted,
	model.StageDone,
}

type recorder struct {
	mu     sync.Mutex
	stages []model.MigrationStage
	copied []int
}

func (r *recorder) OnStageChanged(stage model.MigrationStage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *recorder) OnTabCopied(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.copied = append(r.copied, tabID)
}

func (r *recorder) snapshot() ([]model.MigrationStage, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.MigrationStage(nil), r.stages...), append([]int(nil), r.copied...)
}

func newRuntime(t *testing.T, base string, strict bool) *service.Runtime {
	t.Helper()
	cfg := config.Default(base)
	cfg.Debug.StrictThreadChecks = strict
	cfg.Storage.RejectPercent = 100
	cfg.Storage.WarningPercent = 100
	cfg.Storage.MinFreeBytes = 1

	rt := service.NewRuntime(cfg, zap.NewNop())
	require.NoError(t, rt.Init())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func onLooper(t *testing.T, rt *service.Runtime, fn func()) {
	t.Helper()
	require.NoError(t, rt.Looper().Run(fn))
}

func waitIdle(t *testing.T, rt *service.Runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, rt.WaitForIdle(ctx))
}

func waitDone(t *testing.T, m *migration.LayoutMigrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func gauge(t *testing.T, g prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, g.Write(&out))
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

// legacyLayout writes a legacy task index selecting 3 over tabs 1 and 3
// with state files, incognito 2 and URL-only 4.
func legacyLayout(t *testing.T, rt *service.Runtime) config.MigrationConfig {
	t.Helper()
	cfg := rt.Config().Migration

	require.NoError(t, migration.SaveLegacyTasks(cfg.LegacyTaskIndex, &migration.LegacyTaskIndex{
		SelectedTabID: 3,
		Tasks: []migration.LegacyTask{
			{TabID: 1, URL: "https://a"},
			{TabID: 2, URL: "https://private", Incognito: true},
			{TabID: 3, URL: "https://c"},
			{TabID: 4, URL: "https://d"},
		},
	}))

	key, err := tabstate.NewKey()
	require.NoError(t, err)
	codec, err := tabstate.NewCodec(key, tabstate.Options{})
	require.NoError(t, err)
	defer codec.Close()

	store := tabstate.NewStore(cfg.LegacyDir, codec, nil, zap.NewNop())
	for _, id := range []int{1, 3} {
		require.NoError(t, store.Save(&model.TabState{
			TabID:     id,
			URL:       "https://state.example.com/" + strconv.Itoa(id),
			Timestamp: time.UnixMilli(1700000000000),
			Blob:      []byte("legacy"),
		}))
	}
	require.NoError(t, store.Save(&model.TabState{TabID: 2, URL: "https://private", Incognito: true, Blob: []byte("x")}))

	rt.Prefs().SetBool(prefs.KeyLegacyModeEnabled, true)
	return cfg
}

func tabFiles(t *testing.T, dir string) []int {
	t.Helper()
	files, err := tabstate.ListFiles(dir)
	require.NoError(t, err)
	var ids []int
	for _, f := range files {
		ids = append(ids, f.TabID)
	}
	sort.Ints(ids)
	return ids
}

func TestLayoutMigrator_NotNecessary(t *testing.T) {
	rt := newRuntime(t, t.TempDir(), true)
	m := migration.NewLayoutMigrator(rt, rt.Config().Migration)

	rec := &recorder{}
	var err error
	onLooper(t, rt, func() {
		m.AddObserver(rec)
		err = m.Migrate()
	})
	require.NoError(t, err)
	waitDone(t, m)

	stages, copied := rec.snapshot()
	assert.Equal(t, []model.MigrationStage{model.StageDone}, stages)
	assert.Empty(t, copied)
	assert.False(t, rt.LayoutMigrationPending())
}

func TestLayoutMigrator_MigratesToSelectorZero(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base, true)
	cfg := legacyLayout(t, rt)

	m := migration.NewLayoutMigrator(rt, cfg)
	assert.True(t, rt.LayoutMigrationPending())

	rec := &recorder{}
	var err error
	onLooper(t, rt, func() {
		m.AddObserver(rec)
		err = m.Migrate()
	})
	require.NoError(t, err)
	waitDone(t, m)
	waitIdle(t, rt)

	stages, copied := rec.snapshot()
	assert.Equal(t, allStages, stages)
	assert.Equal(t, []int{3, 1}, copied)

	target := filepath.Join(base, "0")
	assert.Equal(t, []int{1, 3}, tabFiles(t, target))

	rec5, _, err := metadata.ReadFile(filepath.Join(target, metadata.FileName(0)))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4}, rec5.IDs())
	assert.Equal(t, model.MigratedURL, rec5.Entries[0].URL)
	assert.Equal(t, model.MigratedURL, rec5.Entries[1].URL)
	assert.Equal(t, "https://d", rec5.Entries[2].URL)
	assert.Equal(t, 1, rec5.NormalActiveIndex)
	assert.Zero(t, rec5.IncognitoCount)

	assert.False(t, rt.Prefs().Bool(prefs.KeyLegacyModeEnabled, true))
	assert.Equal(t, 3, rt.Prefs().Int(prefs.KeyActiveTabID, model.InvalidTabID))
	assert.GreaterOrEqual(t, rt.IDs().Peek(), 5)
	assert.NoDirExists(t, cfg.LegacyDir)
	assert.NoFileExists(t, cfg.LegacyTaskIndex)
	assert.False(t, rt.LayoutMigrationPending())
	assert.Equal(t, 2.0, gauge(t, rt.Metrics().MigrationCopiedTotal))
	assert.Equal(t, float64(model.StageDone), gauge(t, rt.Metrics().MigrationStage))

	// the new layout restores with URLs taken from the copied state files
	var store *service.TabPersistentStore
	onLooper(t, rt, func() {
		store, err = service.NewTabPersistentStore(rt, rt.NewSelector(), service.StoreOptions{})
		if err != nil {
			return
		}
		assert.NoError(t, store.LoadState(false))
		store.RestoreTabs(true)
	})
	require.NoError(t, err)
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		normal := store.Selector().Model(false)
		ids := make([]int, 0, normal.Count())
		for _, tab := range normal.Tabs() {
			ids = append(ids, tab.ID())
		}
		assert.Equal(t, []int{1, 3, 4}, ids)
		assert.Equal(t, 3, store.Selector().CurrentTab().ID())
		assert.Equal(t, "https://state.example.com/3", store.Selector().CurrentTab().URL())
		assert.Equal(t, "https://d", normal.TabByID(4).URL())
	})
}

func TestLayoutMigrator_ResumesAfterCopyDone(t *testing.T) {
	base := t.TempDir()
	rt := newRuntime(t, base, true)
	cfg := legacyLayout(t, rt)

	interrupted := migration.NewLayoutMigratorAt(rt, cfg, model.StageInitialized, false)
	var err error
	onLooper(t, rt, func() { err = interrupted.CopyTabStateFiles(model.InvalidTabID) })
	require.NoError(t, err)
	waitIdle(t, rt)

	onLooper(t, rt, func() {
		assert.Equal(t, model.StageCopyDone, interrupted.Stage())
	})
	assert.NoFileExists(t, filepath.Join(base, "0", metadata.FileName(0)))

	// the stage is not persisted, so the next start begins again
	restarted := migration.NewLayoutMigrator(rt, cfg)
	onLooper(t, rt, func() {
		assert.Equal(t, model.StageUninitialized, restarted.Stage())
		err = restarted.Migrate()
	})
	require.NoError(t, err)
	waitDone(t, restarted)
	waitIdle(t, rt)

	target := filepath.Join(base, "0")
	assert.Equal(t, []int{1, 3}, tabFiles(t, target))
	rec, _, err := metadata.ReadFile(filepath.Join(target, metadata.FileName(0)))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4}, rec.IDs())
	assert.NoDirExists(t, cfg.LegacyDir)
}

func TestLayoutMigrator_SingleStage(t *testing.T) {
	rt := newRuntime(t, t.TempDir(), true)
	cfg := legacyLayout(t, rt)

	m := migration.NewLayoutMigratorAt(rt, cfg, model.StageWriteMetadataDone, false)
	rec := &recorder{}
	var err error
	onLooper(t, rt, func() {
		m.AddObserver(rec)
		err = m.ChangePreferences()
	})
	require.NoError(t, err)
	waitIdle(t, rt)

	stages, _ := rec.snapshot()
	assert.Equal(t, []model.MigrationStage{
		model.StageWriteMetadataDone,
		model.StageChangeSettingsStarted,
		model.StageChangeSettingsDone,
	}, stages)
	assert.False(t, rt.Prefs().Bool(prefs.KeyLegacyModeEnabled, true))
	assert.DirExists(t, cfg.LegacyDir, "deletion is not started without automatic progress")
}

func TestLayoutMigrator_RejectsUnexpectedStage(t *testing.T) {
	rt := newRuntime(t, t.TempDir(), false)
	m := migration.NewLayoutMigratorAt(rt, rt.Config().Migration, model.StageCopyDone, false)

	var setErr, copyErr error
	onLooper(t, rt, func() {
		setErr = m.SetStage(model.StageInitialized, model.StageCopyStarted)
		copyErr = m.CopyTabStateFiles(model.InvalidTabID)
		assert.Equal(t, model.StageCopyDone, m.Stage())
	})
	require.Error(t, setErr)
	assert.Equal(t, errors.ErrCodeInvalidStage, errors.GetCode(setErr))
	assert.Equal(t, errors.ErrCodeInvalidStage, errors.GetCode(copyErr))
}

func TestLayoutMigrator_UnexpectedStagePanicsWhenStrict(t *testing.T) {
	rt := newRuntime(t, t.TempDir(), true)
	m := migration.NewLayoutMigratorAt(rt, rt.Config().Migration, model.StageCopyDone, false)

	assert.Panics(t, func() {
		_ = rt.Looper().Run(func() {
			_ = m.SetStage(model.StageDone, model.StageInitialized)
		})
	})
}
