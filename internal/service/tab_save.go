package service

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/prefs"
	"github.com/devrev/tabstore/internal/tabmodel"
	"github.com/devrev/tabstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// AddTabToSaveQueue queues tab for a background state save when it has
// unsaved changes, then kicks the save scheduler.
func (s *TabPersistentStore) AddTabToSaveQueue(tab *model.Tab) {
	s.loop.Check("AddTabToSaveQueue")
	if s.enqueueForSave(tab) {
		s.saveNextTab()
	}
}

func (s *TabPersistentStore) enqueueForSave(tab *model.Tab) bool {
	if s.destroyed.Load() || !shouldSave(tab) {
		return false
	}
	for _, queued := range s.tabsToSave {
		if queued == tab {
			return false
		}
	}
	s.tabsToSave = append(s.tabsToSave, tab)
	s.updateQueueMetrics()
	return true
}

func shouldSave(tab *model.Tab) bool {
	return tab != nil && tab.IsDirty() && !tab.Ephemeral() && !tab.IsDestroyed()
}

// saveNextTab starts the next tab save unless one is in flight. Once the
// queue is drained the tab list is saved, so every listed tab that needed a
// write has its state file on disk first.
func (s *TabPersistentStore) saveNextTab() {
	if s.destroyed.Load() || s.saveTabTask != nil {
		return
	}

	for len(s.tabsToSave) > 0 {
		tab := s.tabsToSave[0]
		s.tabsToSave[0] = nil
		s.tabsToSave = s.tabsToSave[1:]
		s.updateQueueMetrics()

		if !shouldSave(tab) {
			continue
		}
		state, err := s.snapshot(tab)
		if err != nil {
			s.logger.Warn("Failed to snapshot tab state",
				zap.Int("tab_id", tab.ID()),
				zap.Error(err))
			continue
		}

		task := &saveTabTask{tab: tab, state: state, gen: tab.DirtyGeneration()}
		f, err := workerpool.Go(s.ctx(), s.rt.serial, fmt.Sprintf("save-tab-%d", tab.ID()),
			func(ctx context.Context, f *workerpool.Future[struct{}]) (struct{}, error) {
				if f.Cancelled() || s.destroyed.Load() {
					return struct{}{}, workerpool.ErrCancelled
				}
				err := s.writeTabState(task.state)
				if err == nil {
					task.saved.Store(true)
				}
				s.loop.Post(func() { s.onTabSaved(task, err) })
				return struct{}{}, err
			})
		if err != nil {
			s.logger.Error("Failed to schedule tab save",
				zap.Int("tab_id", tab.ID()),
				zap.Error(err))
			return
		}
		task.future = f
		s.saveTabTask = task
		return
	}

	s.SaveTabListAsynchronously()
}

func (s *TabPersistentStore) onTabSaved(task *saveTabTask, err error) {
	if s.destroyed.Load() || task.future.Cancelled() || s.saveTabTask != task {
		return
	}
	s.saveTabTask = nil

	if err == nil {
		task.tab.MarkSaved(task.gen)
	}
	s.saveNextTab()
}

// snapshot captures what a background save writes. The engine, when set,
// owns the blob.
func (s *TabPersistentStore) snapshot(tab *model.Tab) (*model.TabState, error) {
	blob := tab.State()
	if s.engine != nil {
		var err error
		if blob, err = s.engine.GetState(tab); err != nil {
			return nil, err
		}
	}
	return &model.TabState{
		TabID:     tab.ID(),
		URL:       tab.URL(),
		Incognito: tab.Incognito(),
		Timestamp: tab.Timestamp(),
		Blob:      append([]byte(nil), blob...),
	}, nil
}

// writeTabState writes one state file. When the disk cannot take it the
// tab's file is deleted so a stale state is never restored.
func (s *TabPersistentStore) writeTabState(state *model.TabState) error {
	start := time.Now()
	err := s.states.Save(state)
	s.rt.metrics.RecordTabSave(err, len(state.Blob), time.Since(start))
	if err == nil {
		return nil
	}

	if errors.IsOutOfResource(err) {
		s.rt.metrics.OutOfResourceTotal.Inc()
		s.logger.Warn("Out of space saving tab state, dropping its file",
			zap.Int("tab_id", state.TabID),
			zap.Error(err))
		if delErr := s.states.Delete(state.TabID, state.Incognito); delErr != nil {
			s.logger.Warn("Failed to delete tab state file",
				zap.Int("tab_id", state.TabID),
				zap.Error(delErr))
		}
		return err
	}

	s.logger.Error("Failed to save tab state",
		zap.Int("tab_id", state.TabID),
		zap.Error(err))
	return err
}

// SaveState synchronously persists the tab list and every dirty tab, for
// use when the process is about to go away.
func (s *TabPersistentStore) SaveState() {
	s.loop.Check("SaveState")
	if s.destroyed.Load() {
		return
	}

	// The list goes first in case the process dies mid-save.
	if s.saveListTask != nil {
		s.saveListTask.Cancel()
		s.saveListTask = nil
	}
	if data, err := s.serializeTabMetadata(); err != nil {
		s.logger.Error("Failed to serialize tab metadata", zap.Error(err))
	} else if err := s.saveListToFile(nil, data); err != nil {
		s.logger.Error("Failed to write tab metadata", zap.Error(err))
	}

	s.enqueueForSave(s.selector.Model(false).CurrentTab())
	s.enqueueForSave(s.selector.Model(true).CurrentTab())

	if task := s.saveTabTask; task != nil {
		s.saveTabTask = nil
		if !task.future.Cancel() {
			// Already writing; let it finish so it cannot overwrite ours.
			_, _ = task.future.Get()
		}
		if task.saved.Load() {
			task.tab.MarkSaved(task.gen)
		} else {
			s.enqueueForSave(task.tab)
		}
	}

	for _, tab := range s.tabsToSave {
		if !shouldSave(tab) {
			continue
		}
		gen := tab.DirtyGeneration()
		state, err := s.snapshot(tab)
		if err != nil {
			s.logger.Warn("Failed to snapshot tab state",
				zap.Int("tab_id", tab.ID()),
				zap.Error(err))
			continue
		}
		if err := s.writeTabState(state); err == nil {
			tab.MarkSaved(gen)
		}
	}
	s.tabsToSave = nil
	s.updateQueueMetrics()
}

// SaveTabListAsynchronously serializes the tab list now and writes it on
// the serial executor, replacing any list write not yet started.
func (s *TabPersistentStore) SaveTabListAsynchronously() {
	s.loop.Check("SaveTabListAsynchronously")
	if s.destroyed.Load() {
		return
	}

	if s.saveListTask != nil {
		s.saveListTask.Cancel()
		s.saveListTask = nil
	}

	data, err := s.serializeTabMetadata()
	if err != nil {
		s.logger.Error("Failed to serialize tab metadata", zap.Error(err))
		return
	}

	f, err := workerpool.Go(s.ctx(), s.rt.serial, "save-tab-list",
		func(ctx context.Context, f *workerpool.Future[struct{}]) (struct{}, error) {
			if f.Cancelled() || s.destroyed.Load() {
				return struct{}{}, workerpool.ErrCancelled
			}
			err := s.saveListToFile(f, data)
			s.loop.Post(func() { s.onListSaved(f, err) })
			return struct{}{}, err
		})
	if err != nil {
		s.logger.Error("Failed to schedule tab list save", zap.Error(err))
		return
	}
	s.saveListTask = f
}

func (s *TabPersistentStore) onListSaved(f *workerpool.Future[struct{}], err error) {
	if s.destroyed.Load() || f.Cancelled() {
		return
	}
	if s.saveListTask == f {
		s.saveListTask = nil
	}
	if err == nil {
		s.notifyMetadataSaved()
	}
}

// saveListToFile writes data as the metadata file unless it equals what
// was last written. A background write (f non-nil) replaced while waiting
// for the lock is dropped.
func (s *TabPersistentStore) saveListToFile(f *workerpool.Future[struct{}], data []byte) error {
	s.rt.saveListMu.Lock()
	defer s.rt.saveListMu.Unlock()

	if f != nil && f.Cancelled() {
		return workerpool.ErrCancelled
	}

	if s.lastSavedMetadata != nil && bytes.Equal(s.lastSavedMetadata, data) {
		s.rt.metrics.MetadataWritesSkipped.Inc()
		return nil
	}

	start := time.Now()
	err := metadata.WriteFile(s.policy.MetadataPath(), data)
	s.rt.metrics.RecordMetadataWrite(err, time.Since(start))
	if err != nil {
		return err
	}

	s.lastSavedMetadata = append(s.lastSavedMetadata[:0], data...)
	s.logger.Debug("Tab metadata written",
		zap.String("file", s.policy.MetadataFileName()),
		zap.Int("bytes", len(data)))
	return nil
}

// serializeTabMetadata encodes both models followed by the tabs still
// waiting to be restored, and refreshes the last active tab id.
func (s *TabPersistentStore) serializeTabMetadata() ([]byte, error) {
	normal := metadataFromModel(s.selector.Model(false))
	incognito := metadataFromModel(s.selector.Model(true))

	if s.loadInProgress {
		pending := make([]*model.TabRestoreDetails, 0, len(s.tabsToRestore)+1)
		if s.loadTabTask != nil {
			pending = append(pending, s.loadTabTask.details)
		}
		pending = append(pending, s.tabsToRestore...)

		for _, d := range pending {
			if d.Incognito == model.HintIncognito {
				if !incognito.Contains(d.ID) {
					incognito.Add(d.ID, "")
				}
				continue
			}
			if !normal.Contains(d.ID) {
				normal.Add(d.ID, d.URL)
			}
		}
	}

	if current := s.selector.CurrentTab(); current != nil {
		s.rt.prefs.SetInt(prefs.KeyActiveTabID, current.ID())
	}

	return metadata.Serialize(normal, incognito)
}

func metadataFromModel(m *tabmodel.TabModel) *model.TabModelMetadata {
	md := model.NewTabModelMetadata(m.Index())
	for _, tab := range m.Tabs() {
		md.Add(tab.ID(), tab.URL())
	}
	return md
}

// RemoveTabFromQueues forgets tab: it leaves the save and restore queues,
// in-flight work on it is cancelled and its state file is deleted.
func (s *TabPersistentStore) RemoveTabFromQueues(tab *model.Tab) {
	s.loop.Check("RemoveTabFromQueues")
	s.removeTabFromQueues(tab, true)
}

func (s *TabPersistentStore) removeTabFromQueues(tab *model.Tab, deleteFile bool) {
	if tab == nil {
		return
	}
	id := tab.ID()

	for i, queued := range s.tabsToSave {
		if queued == tab {
			s.tabsToSave = append(s.tabsToSave[:i], s.tabsToSave[i+1:]...)
			break
		}
	}
	for i, d := range s.tabsToRestore {
		if d.ID == id {
			s.tabsToRestore = append(s.tabsToRestore[:i], s.tabsToRestore[i+1:]...)
			break
		}
	}
	s.updateQueueMetrics()

	if task := s.loadTabTask; task != nil && task.details.ID == id {
		task.future.Cancel()
		s.loadTabTask = nil
		s.loadNextTab()
	}
	if task := s.saveTabTask; task != nil && task.tab.ID() == id {
		task.future.Cancel()
		s.saveTabTask = nil
		s.saveNextTab()
	}

	if deleteFile {
		s.deleteTabStateAsync(id, tab.Incognito())
	}
}

func (s *TabPersistentStore) deleteTabStateAsync(id int, incognito bool) {
	_, err := workerpool.Go(s.ctx(), s.rt.serial, fmt.Sprintf("delete-tab-%d", id),
		func(ctx context.Context, f *workerpool.Future[struct{}]) (struct{}, error) {
			if err := s.states.Delete(id, incognito); err != nil {
				s.logger.Warn("Failed to delete tab state file",
					zap.Int("tab_id", id),
					zap.Error(err))
				return struct{}{}, err
			}
			return struct{}{}, nil
		})
	if err != nil {
		s.logger.Error("Failed to schedule tab state deletion",
			zap.Int("tab_id", id),
			zap.Error(err))
	}
}
