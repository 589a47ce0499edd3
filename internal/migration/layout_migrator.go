// Package migration moves tab data from the legacy per-document layout into
// selector 0 of the per-selector layout.
//
// The move is a stage machine driven from the control looper. Every unit of
// work runs on the serial executor and reports back by advancing the stage,
// which starts the next unit. The stage is not persisted: a migration cut
// short is detected at the next start by the legacy mode flag still being
// set, and starts over. Every unit is safe to repeat.
package migration

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/devrev/tabstore/internal/config"
	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/metrics"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/service"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/prefs"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/devrev/tabstore/internal/util/fileutil"
	"github.com/devrev/tabstore/internal/util/looper"
	"github.com/devrev/tabstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// targetSelector receives the migrated tabs
const targetSelector = 0

// Observer follows a LayoutMigrator
type Observer interface {
	// OnStageChanged is called on the looper after every transition, and
	// once with the current stage when the observer is added.
	OnStageChanged(stage model.MigrationStage)
	// OnTabCopied is called on the serial executor for every tab state
	// file copied into the new layout.
	OnTabCopied(tabID int)
}

// LayoutMigrator runs the structural layout migration
type LayoutMigrator struct {
	rt      *service.Runtime
	loop    *looper.Looper
	prefs   *prefs.Prefs
	metrics *metrics.Metrics
	logger  *zap.Logger

	legacyDir string
	taskIndex string
	targetDir string

	stage       model.MigrationStage
	automatic   bool
	observers   []Observer
	migratedIDs map[int]bool

	mu        sync.Mutex
	copyObs   []Observer
	done      chan struct{}
	closeDone sync.Once
}

// NewLayoutMigrator creates the migrator. When no migration is needed it
// starts at DONE and never advances on its own.
func NewLayoutMigrator(rt *service.Runtime, cfg config.MigrationConfig) *LayoutMigrator {
	m := newLayoutMigrator(rt, cfg, model.StageUninitialized, true)
	if !m.IsMigrationNecessary() {
		m.stage = model.StageDone
		m.automatic = false
		m.closeDone.Do(func() { close(m.done) })
	} else {
		rt.SetLayoutMigrationPending(true)
	}
	m.metrics.MigrationStage.Set(float64(m.stage))
	return m
}

// NewLayoutMigratorAt creates a migrator at stage. Without automatic
// progress each unit of work has to be started by hand.
func NewLayoutMigratorAt(rt *service.Runtime, cfg config.MigrationConfig, stage model.MigrationStage, automatic bool) *LayoutMigrator {
	m := newLayoutMigrator(rt, cfg, stage, automatic)
	if stage == model.StageDone {
		m.closeDone.Do(func() { close(m.done) })
	}
	m.metrics.MigrationStage.Set(float64(m.stage))
	return m
}

func newLayoutMigrator(rt *service.Runtime, cfg config.MigrationConfig, stage model.MigrationStage, automatic bool) *LayoutMigrator {
	return &LayoutMigrator{
		rt:        rt,
		loop:      rt.Looper(),
		prefs:     rt.Prefs(),
		metrics:   rt.Metrics(),
		logger:    rt.Logger().With(zap.String("component", "layout_migration")),
		legacyDir: cfg.LegacyDir,
		taskIndex: cfg.LegacyTaskIndex,
		targetDir: filepath.Join(rt.BaseDir(), "0"),
		stage:     stage,
		automatic: automatic,
		done:      make(chan struct{}),
	}
}

// IsMigrationNecessary reports whether the legacy layout is still in use
func (m *LayoutMigrator) IsMigrationNecessary() bool {
	return m.prefs.Bool(prefs.KeyLegacyModeEnabled, false)
}

// Stage returns the current stage
func (m *LayoutMigrator) Stage() model.MigrationStage {
	m.loop.Check("Stage")
	return m.stage
}

// Done is closed once the migrator reaches DONE
func (m *LayoutMigrator) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until DONE or ctx expires
func (m *LayoutMigrator) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddObserver registers o and reports the current stage to it right away
func (m *LayoutMigrator) AddObserver(o Observer) {
	m.loop.Check("AddObserver")
	m.observers = append(m.observers, o)

	m.mu.Lock()
	m.copyObs = append(m.copyObs, o)
	m.mu.Unlock()

	o.OnStageChanged(m.stage)
}

// Migrate starts the migration, or jumps to DONE when none is needed
func (m *LayoutMigrator) Migrate() error {
	m.loop.Check("Migrate")

	if !m.IsMigrationNecessary() {
		if m.stage == model.StageDone {
			return nil
		}
		return m.SetStage(m.stage, model.StageDone)
	}
	if m.stage != model.StageUninitialized {
		return nil
	}
	m.logger.Info("Starting layout migration",
		zap.String("legacy_dir", m.legacyDir),
		zap.String("target_dir", m.targetDir))
	return m.SetStage(model.StageUninitialized, model.StageInitialized)
}

// SetStage moves from expected to next, notifies observers and starts the
// work of the new stage.
func (m *LayoutMigrator) SetStage(expected, next model.MigrationStage) error {
	m.loop.Check("SetStage")

	if m.stage != expected {
		err := errors.InvalidStage(expected, m.stage).WithDetail("next", next.String())
		m.loop.Assert(false, "Unexpected layout migration stage",
			zap.Stringer("expected", expected),
			zap.Stringer("actual", m.stage),
			zap.Stringer("next", next))
		return err
	}

	m.stage = next
	m.metrics.MigrationStage.Set(float64(next))
	m.rt.SetLayoutMigrationPending(next != model.StageDone)
	m.logger.Info("Layout migration stage changed",
		zap.Stringer("from", expected),
		zap.Stringer("stage", next))

	for _, o := range m.observers {
		o.OnStageChanged(next)
	}
	if next == model.StageDone {
		m.closeDone.Do(func() { close(m.done) })
	}

	m.startStage()
	return nil
}

func (m *LayoutMigrator) startStage() {
	if !m.automatic {
		return
	}

	var err error
	switch m.stage {
	case model.StageInitialized:
		err = m.CopyTabStateFiles(model.InvalidTabID)
	case model.StageCopyDone:
		err = m.WriteTabModelMetadata(m.migratedIDs)
	case model.StageWriteMetadataDone:
		err = m.ChangePreferences()
	case model.StageChangeSettingsDone:
		err = m.DeleteLegacyData()
	}
	if err != nil {
		m.logger.Error("Layout migration stalled",
			zap.Stringer("stage", m.stage),
			zap.Error(err))
	}
}

// CopyTabStateFiles copies the normal tabs' state files into the target
// directory, selected first. Incognito tabs are left behind. An invalid
// selected id uses the task index's selection.
func (m *LayoutMigrator) CopyTabStateFiles(selected int) error {
	m.loop.Check("CopyTabStateFiles")
	if err := m.SetStage(model.StageInitialized, model.StageCopyStarted); err != nil {
		return err
	}

	return m.submit("layout-migration-copy", func(ctx context.Context) {
		copied := make(map[int]bool)

		idx, err := LoadLegacyTasks(m.taskIndex)
		if err != nil {
			m.logger.Warn("Legacy task index unreadable, no tabs copied", zap.Error(err))
		} else if err := os.MkdirAll(m.targetDir, 0o700); err != nil {
			m.logger.Error("Failed to create target directory",
				zap.String("dir", m.targetDir),
				zap.Error(err))
		} else {
			for _, id := range idx.CopyOrder(selected) {
				if ctx.Err() != nil {
					break
				}
				name := tabstate.FileName(id, false)
				src := filepath.Join(m.legacyDir, name)
				if err := fileutil.CopyAtomic(src, filepath.Join(m.targetDir, name)); err != nil {
					m.logger.Warn("Failed to copy tab state file",
						zap.Int("tab_id", id),
						zap.String("file", name),
						zap.Error(err))
					continue
				}
				copied[id] = true
				m.metrics.MigrationCopiedTotal.Inc()
				m.notifyTabCopied(id)
			}
		}

		m.logger.Info("Tab state files copied", zap.Int("files", len(copied)))
		m.loop.Post(func() {
			m.migratedIDs = copied
			m.advance(model.StageCopyStarted, model.StageCopyDone)
		})
	})
}

// WriteTabModelMetadata writes selector 0's metadata file from the legacy
// task index. Tabs in migratedIDs get an empty URL: their copied state
// file carries the real one.
func (m *LayoutMigrator) WriteTabModelMetadata(migratedIDs map[int]bool) error {
	m.loop.Check("WriteTabModelMetadata")
	if err := m.SetStage(model.StageCopyDone, model.StageWriteMetadataStarted); err != nil {
		return err
	}

	path := filepath.Join(m.targetDir, metadata.FileName(targetSelector))
	return m.submit("layout-migration-metadata", func(ctx context.Context) {
		selected := model.InvalidTabID
		maxID := model.InvalidTabID

		idx, err := LoadLegacyTasks(m.taskIndex)
		if err != nil {
			m.logger.Warn("Legacy task index unreadable, writing an empty tab list", zap.Error(err))
			idx = &LegacyTaskIndex{SelectedTabID: model.InvalidTabID}
		}

		normal := model.NewTabModelMetadata(model.InvalidIndex)
		for _, task := range idx.NormalTasks() {
			url := task.URL
			if migratedIDs[task.TabID] {
				url = model.MigratedURL
			} else if url == "" {
				// neither a state file nor a URL to rebuild it from
				continue
			}
			if task.TabID == idx.SelectedTabID {
				normal.Index = len(normal.IDs)
			}
			if task.TabID > maxID {
				maxID = task.TabID
			}
			normal.Add(task.TabID, url)
		}
		if normal.Index == model.InvalidIndex && len(normal.IDs) > 0 {
			normal.Index = 0
		}
		if normal.Index != model.InvalidIndex {
			selected = normal.IDs[normal.Index]
		}

		data, err := metadata.Serialize(normal, model.NewTabModelMetadata(model.InvalidIndex))
		if err == nil {
			if err = os.MkdirAll(m.targetDir, 0o700); err == nil {
				err = metadata.WriteFile(path, data)
			}
		}
		if err != nil {
			m.logger.Error("Failed to write migrated tab metadata",
				zap.String("file", path),
				zap.Error(err))
		} else {
			m.logger.Info("Migrated tab metadata written",
				zap.String("file", path),
				zap.Int("tabs", len(normal.IDs)))
		}

		m.loop.Post(func() {
			if selected != model.InvalidTabID {
				m.prefs.SetInt(prefs.KeyActiveTabID, selected)
			}
			if maxID != model.InvalidTabID {
				m.rt.IDs().IncrementTo(maxID + 1)
			}
			m.advance(model.StageWriteMetadataStarted, model.StageWriteMetadataDone)
		})
	})
}

// ChangePreferences turns the legacy mode flag off
func (m *LayoutMigrator) ChangePreferences() error {
	m.loop.Check("ChangePreferences")
	if err := m.SetStage(model.StageWriteMetadataDone, model.StageChangeSettingsStarted); err != nil {
		return err
	}

	return m.submit("layout-migration-prefs", func(ctx context.Context) {
		if err := m.prefs.CommitBool(ctx, prefs.KeyLegacyModeEnabled, false); err != nil {
			m.logger.Error("Failed to turn legacy mode off", zap.Error(err))
		}
		m.loop.Post(func() {
			m.advance(model.StageChangeSettingsStarted, model.StageChangeSettingsDone)
		})
	})
}

// DeleteLegacyData removes the legacy directory and task index
func (m *LayoutMigrator) DeleteLegacyData() error {
	m.loop.Check("DeleteLegacyData")
	if err := m.SetStage(model.StageChangeSettingsDone, model.StageDeletionStarted); err != nil {
		return err
	}

	return m.submit("layout-migration-delete", func(ctx context.Context) {
		if err := os.RemoveAll(m.legacyDir); err != nil {
			m.logger.Warn("Failed to delete legacy directory",
				zap.String("dir", m.legacyDir),
				zap.Error(err))
		}
		if err := RemoveLegacyTasks(m.taskIndex); err != nil {
			m.logger.Warn("Failed to delete legacy task index",
				zap.String("file", m.taskIndex),
				zap.Error(err))
		}
		m.loop.Post(func() {
			m.advance(model.StageDeletionStarted, model.StageDone)
		})
	})
}

func (m *LayoutMigrator) submit(id string, fn func(ctx context.Context)) error {
	_, err := workerpool.Go(m.rt.Context(), m.rt.Serial(), id,
		func(ctx context.Context, f *workerpool.Future[struct{}]) (struct{}, error) {
			fn(ctx)
			return struct{}{}, nil
		})
	if err != nil {
		return errors.InternalError("failed to schedule "+id, err)
	}
	return nil
}

// advance is SetStage for completions, where an error has been logged
// already and there is no caller to return it to.
func (m *LayoutMigrator) advance(expected, next model.MigrationStage) {
	_ = m.SetStage(expected, next)
}

func (m *LayoutMigrator) notifyTabCopied(id int) {
	m.mu.Lock()
	observers := append([]Observer(nil), m.copyObs...)
	m.mu.Unlock()

	for _, o := range observers {
		o.OnTabCopied(id)
	}
}
