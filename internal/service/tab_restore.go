package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/devrev/tabstore/internal/errors"
	"github.com/devrev/tabstore/internal/metrics"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/prefs"
	"github.com/devrev/tabstore/internal/tabmodel"
	"github.com/devrev/tabstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// restoredTabs maps original metadata indices to the ids restored from
// them, sorted by original index.
type restoredTabs struct {
	entries []restoredTab
}

type restoredTab struct {
	originalIndex int
	id            int
}

func (r *restoredTabs) len() int {
	return len(r.entries)
}

func (r *restoredTabs) reset() {
	r.entries = nil
}

func (r *restoredTabs) put(originalIndex, id int) {
	i := sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].originalIndex >= originalIndex
	})
	r.entries = append(r.entries, restoredTab{})
	copy(r.entries[i+1:], r.entries[i:])
	r.entries[i] = restoredTab{originalIndex: originalIndex, id: id}
}

// insertionIndex places an entry so restored tabs keep their original
// relative order: after everything restored so far when its original
// index is the largest, else right before the first restored tab with a
// larger original index.
func (r *restoredTabs) insertionIndex(originalIndex int, m *tabmodel.TabModel) int {
	n := len(r.entries)
	if n == 0 || originalIndex > r.entries[n-1].originalIndex {
		return m.Count()
	}
	for _, e := range r.entries {
		if e.originalIndex <= originalIndex {
			continue
		}
		if tab := m.TabByID(e.id); tab != nil {
			return m.IndexOf(tab)
		}
		break
	}
	return m.Count()
}

func (s *TabPersistentStore) restoredFor(incognito bool) *restoredTabs {
	if incognito {
		return &s.incognitoRestored
	}
	return &s.normalRestored
}

// startPrefetch reads the metadata file and the last active tab's state
// in the background so LoadState and the first restore do not wait on disk.
func (s *TabPersistentStore) startPrefetch() {
	exec := s.policy.PrefetchExecutor()
	path := s.policy.MetadataPath()

	f, err := workerpool.Go(s.ctx(), exec, "prefetch-tab-list",
		func(ctx context.Context, f *workerpool.Future[[]byte]) ([]byte, error) {
			return os.ReadFile(path)
		})
	if err == nil {
		s.prefetchTabList = f
	}

	activeID := s.rt.prefs.Int(prefs.KeyActiveTabID, model.InvalidTabID)
	if activeID == model.InvalidTabID {
		return
	}
	f2, err := workerpool.Go(s.ctx(), exec, fmt.Sprintf("prefetch-tab-%d", activeID),
		func(ctx context.Context, f *workerpool.Future[*model.TabState]) (*model.TabState, error) {
			return s.states.Restore(activeID, model.HintUnknown)
		})
	if err == nil {
		s.prefetchActiveTab = f2
		s.prefetchActiveID = activeID
	}
}

// LoadState reads the metadata file and builds the restore queue. A
// missing or unreadable file leaves the queue empty.
func (s *TabPersistentStore) LoadState(ignoreIncognitoFiles bool) error {
	s.loop.Check("LoadState")
	if s.destroyed.Load() {
		return errors.StoreDestroyed()
	}

	s.loadStart = time.Now()
	s.loadInProgress = true
	s.stateLoaded.Store(false)

	if err := s.policy.WaitForInitialization(s.ctx()); err != nil {
		s.logger.Warn("File migration did not complete", zap.Error(err))
	}
	s.ensureMaxIDComputed()

	data, err := s.metadataBytes()
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			s.rt.metrics.MetadataReadsTotal.WithLabelValues("missing").Inc()
			s.logger.Info("No tab metadata file, starting empty")
		} else {
			s.rt.metrics.MetadataReadsTotal.WithLabelValues("error").Inc()
			s.logger.Warn("Failed to read tab metadata file", zap.Error(err))
		}
		s.notifyInitialized(0)
		return nil
	}

	rec, err := metadata.Decode(data)
	if err != nil {
		s.rt.metrics.MetadataReadsTotal.WithLabelValues("corrupt").Inc()
		s.logger.Warn("Tab metadata file unreadable, starting empty",
			zap.String("file", s.policy.MetadataFileName()),
			zap.Error(err))
		s.notifyInitialized(0)
		return nil
	}
	s.rt.metrics.MetadataReadsTotal.WithLabelValues("ok").Inc()

	preferIncognito := s.prefersIncognito(rec)
	maxID := model.InvalidTabID
	seen := make(map[int]bool, len(rec.Entries))

	for _, d := range rec.Details() {
		if d.ID > maxID {
			maxID = d.ID
		}
		if seen[d.ID] {
			s.logger.Warn("Duplicate tab id in metadata", zap.Int("tab_id", d.ID))
			continue
		}
		seen[d.ID] = true

		if ignoreIncognitoFiles && d.Incognito == model.HintIncognito {
			s.deleteTabStateAsync(d.ID, true)
			continue
		}

		details := &model.TabRestoreDetails{
			ID:            d.ID,
			OriginalIndex: d.Index,
			Incognito:     d.Incognito,
			URL:           d.URL,
		}
		s.notifyDetailsRead(d)

		if (preferIncognito && d.IsIncognitoActive) || (!preferIncognito && d.IsNormalActive) {
			s.tabsToRestore = append([]*model.TabRestoreDetails{details}, s.tabsToRestore...)
		} else {
			s.tabsToRestore = append(s.tabsToRestore, details)
		}
	}

	if maxID != model.InvalidTabID {
		s.rt.ids.IncrementTo(maxID + 1)
	}
	s.updateQueueMetrics()

	s.logger.Info("Tab metadata loaded",
		zap.Int("version", rec.Version),
		zap.Int("tabs", len(s.tabsToRestore)),
		zap.Bool("prefer_incognito", preferIncognito))
	s.notifyInitialized(len(s.tabsToRestore))
	return nil
}

// prefersIncognito reports whether the last active tab was the incognito
// model's selection.
func (s *TabPersistentStore) prefersIncognito(rec *metadata.Record) bool {
	i := rec.IncognitoActiveIndex
	if i < 0 || i >= len(rec.Entries) {
		return false
	}
	if rec.IncognitoCount >= 0 && i >= rec.IncognitoCount {
		return false
	}
	activeID := s.rt.prefs.Int(prefs.KeyActiveTabID, model.InvalidTabID)
	return activeID != model.InvalidTabID && rec.Entries[i].ID == activeID
}

func (s *TabPersistentStore) metadataBytes() ([]byte, error) {
	if f := s.prefetchTabList; f != nil {
		s.prefetchTabList = nil
		data, err := f.Get()
		if err == nil || stderrors.Is(err, os.ErrNotExist) {
			return data, err
		}
		s.logger.Debug("Prefetched tab list unusable, reading again", zap.Error(err))
	}
	return os.ReadFile(s.policy.MetadataPath())
}

// ensureMaxIDComputed seeds the id manager from every metadata file once
// per installation.
func (s *TabPersistentStore) ensureMaxIDComputed() {
	if s.rt.prefs.Bool(prefs.KeyMaxIDComputed, false) {
		return
	}

	files, err := scanMetadataFiles(s.rt.BaseDir())
	if err != nil {
		s.logger.Warn("Failed to scan metadata files for the max tab id", zap.Error(err))
		return
	}
	if maxID := maxListedID(s.ctx(), files, s.logger); maxID != model.InvalidTabID {
		s.rt.ids.IncrementTo(maxID + 1)
	}
	s.rt.prefs.SetBool(prefs.KeyMaxIDComputed, true)

	s.logger.Info("Computed tab id seed",
		zap.Int("metadata_files", len(files)),
		zap.Int("next_tab_id", s.rt.ids.Peek()))
}

// RestoreTabs drains the restore queue. With setActiveTab the front of the
// queue is restored synchronously until one tab exists and it is selected;
// the rest load one at a time on the serial executor.
func (s *TabPersistentStore) RestoreTabs(setActiveTab bool) {
	s.loop.Check("RestoreTabs")
	if s.destroyed.Load() {
		return
	}

	if setActiveTab {
		for len(s.tabsToRestore) > 0 && s.normalRestored.len() == 0 && s.incognitoRestored.len() == 0 {
			d := s.tabsToRestore[0]
			s.tabsToRestore = s.tabsToRestore[1:]
			s.restoreTabSync(d, true)
		}
		s.updateQueueMetrics()
	}
	s.loadNextTab()
}

func (s *TabPersistentStore) loadNextTab() {
	if s.destroyed.Load() || s.loadTabTask != nil {
		return
	}
	if len(s.tabsToRestore) == 0 {
		s.finishLoad()
		return
	}

	d := s.tabsToRestore[0]
	s.tabsToRestore[0] = nil
	s.tabsToRestore = s.tabsToRestore[1:]
	s.updateQueueMetrics()

	task := &loadTabTask{details: d}
	f, err := workerpool.Go(s.ctx(), s.rt.serial, fmt.Sprintf("load-tab-%d", d.ID),
		func(ctx context.Context, f *workerpool.Future[*model.TabState]) (*model.TabState, error) {
			if f.Cancelled() || s.destroyed.Load() {
				return nil, workerpool.ErrCancelled
			}
			state, err := s.states.Restore(d.ID, d.Incognito)
			s.loop.Post(func() { s.onTabLoaded(task, state, err) })
			return state, err
		})
	if err != nil {
		s.logger.Error("Failed to schedule tab load, restoring the rest on the looper",
			zap.Int("tab_id", d.ID),
			zap.Int("remaining", len(s.tabsToRestore)),
			zap.Error(err))
		s.restoreQueueSync(d)
		return
	}
	task.future = f
	s.loadTabTask = task
}

// restoreQueueSync drains first and the restore queue without the serial
// executor, then finishes the load.
func (s *TabPersistentStore) restoreQueueSync(first *model.TabRestoreDetails) {
	pending := append([]*model.TabRestoreDetails{first}, s.tabsToRestore...)
	s.tabsToRestore = nil
	s.updateQueueMetrics()

	for _, d := range pending {
		incognito := d.Incognito == model.HintIncognito
		if (incognito && s.cancelIncognitoLoads) || (!incognito && s.cancelNormalLoads) {
			s.rt.metrics.RecordRestore(metrics.RestoreCancelled)
			continue
		}
		s.restoreTabSync(d, false)
	}
	s.finishLoad()
}

func (s *TabPersistentStore) onTabLoaded(task *loadTabTask, state *model.TabState, err error) {
	if s.destroyed.Load() || task.future.Cancelled() || s.loadTabTask != task {
		return
	}
	s.loadTabTask = nil

	if err != nil && !errors.IsNotFound(err) {
		s.logger.Warn("Tab state unreadable",
			zap.Int("tab_id", task.details.ID),
			zap.Error(err))
	}

	incognito := s.isIncognitoBeingRestored(task.details, state)
	if (incognito && s.cancelIncognitoLoads) || (!incognito && s.cancelNormalLoads) {
		s.rt.metrics.RecordRestore(metrics.RestoreCancelled)
	} else {
		s.restoreTab(task.details, state, false)
	}
	s.loadNextTab()
}

func (s *TabPersistentStore) finishLoad() {
	if !s.loadInProgress {
		return
	}
	s.loadInProgress = false
	s.normalRestored.reset()
	s.incognitoRestored.reset()
	s.prefetchActiveTab = nil

	s.rt.metrics.RestoreDuration.Observe(time.Since(s.loadStart).Seconds())
	s.logger.Info("Tab restore finished",
		zap.Int("tabs", s.selector.TotalTabCount()),
		zap.Duration("duration", time.Since(s.loadStart)))

	s.stateLoaded.Store(true)
	s.notifyStateLoaded()
	s.saveNextTab()

	if s.rt.registry.ActiveSelectorCount() == 1 {
		s.CleanupUnusedFiles(false)
	}
}

// restoreTabSync reads and restores one entry on the looper, using the
// prefetched state of the last active tab when it matches.
func (s *TabPersistentStore) restoreTabSync(d *model.TabRestoreDetails, setAsActive bool) {
	var (
		state *model.TabState
		err   error
	)
	if s.prefetchActiveTab != nil && d.ID == s.prefetchActiveID {
		state, err = s.prefetchActiveTab.Get()
		s.prefetchActiveTab = nil
		if stderrors.Is(err, workerpool.ErrCancelled) {
			state, err = s.states.Restore(d.ID, d.Incognito)
		}
		if state != nil && d.Incognito != model.HintUnknown && state.Incognito != (d.Incognito == model.HintIncognito) {
			state, err = s.states.Restore(d.ID, d.Incognito)
		}
	} else {
		state, err = s.states.Restore(d.ID, d.Incognito)
	}

	if err != nil && !errors.IsNotFound(err) {
		s.logger.Warn("Tab state unreadable",
			zap.Int("tab_id", d.ID),
			zap.Error(err))
	}
	s.restoreTab(d, state, setAsActive)
}

func (s *TabPersistentStore) isIncognitoBeingRestored(d *model.TabRestoreDetails, state *model.TabState) bool {
	if state != nil {
		return state.Incognito
	}
	return d.Incognito == model.HintIncognito
}

// restoreTab materializes one entry into its model. Without a state the
// tab is rebuilt from its metadata URL when it is known to be normal.
func (s *TabPersistentStore) restoreTab(d *model.TabRestoreDetails, state *model.TabState, setAsActive bool) {
	incognito := s.isIncognitoBeingRestored(d, state)
	fields := []zap.Field{
		zap.Int("tab_id", d.ID),
		zap.Int("original_index", d.OriginalIndex),
		zap.Stringer("hint", d.Incognito),
	}

	if state == nil {
		switch {
		case incognito:
			s.rt.metrics.RecordRestore(metrics.RestoreDropped)
			s.logger.Info("Dropping incognito tab without a readable state", fields...)
			return
		case d.Incognito == model.HintUnknown && s.states.Exists(d.ID, true):
			s.rt.metrics.RecordRestore(metrics.RestoreDropped)
			s.logger.Info("Dropping tab whose incognito state is unreadable", fields...)
			return
		case d.URL == model.MigratedURL:
			s.rt.metrics.RecordRestore(metrics.RestoreDropped)
			s.logger.Warn("Dropping tab without state or URL", fields...)
			return
		}
	}

	if s.selector.ModelForTabID(d.ID) != nil || s.rt.registry.IsTabLive(d.ID) {
		s.rt.metrics.RecordRestore(metrics.RestoreAlreadyExist)
		s.logger.Debug("Tab already restored", fields...)
		return
	}

	m := s.selector.Model(incognito)
	restored := s.restoredFor(incognito)
	index := restored.insertionIndex(d.OriginalIndex, m)

	var (
		tab     *model.Tab
		outcome string
	)
	if state != nil {
		tab = model.NewTabFromState(state)
		if s.engine != nil {
			if err := s.engine.SetState(tab, state.Blob); err != nil {
				s.logger.Warn("Engine rejected restored state", append(fields, zap.Error(err))...)
			}
		}
		outcome = metrics.RestoreFromState
	} else {
		tab = model.NewTab(d.ID, d.URL, false)
		outcome = metrics.RestoreFromURL
	}

	if err := m.AddTab(tab, index, model.LaunchFromRestore); err != nil {
		s.rt.metrics.RecordRestore(metrics.RestoreDropped)
		s.logger.Warn("Failed to add restored tab", append(fields, zap.Error(err))...)
		return
	}
	restored.put(d.OriginalIndex, d.ID)
	s.rt.metrics.RecordRestore(outcome)

	if setAsActive {
		m.SetIndex(m.IndexOf(tab))
		s.selector.SelectModel(incognito)
	}

	s.logger.Debug("Tab restored", append(fields, zap.String("outcome", outcome), zap.Int("index", index))...)
}

// RestoreTabStateForURL restores the queued entry with url right away. It
// reports whether an entry was found.
func (s *TabPersistentStore) RestoreTabStateForURL(url string) bool {
	s.loop.Check("RestoreTabStateForURL")
	if url == "" {
		return false
	}
	return s.restoreTabStateInternal(func(d *model.TabRestoreDetails) bool { return d.URL == url })
}

// RestoreTabStateForID restores the queued entry with id right away. It
// reports whether an entry was found.
func (s *TabPersistentStore) RestoreTabStateForID(id int) bool {
	s.loop.Check("RestoreTabStateForID")
	return s.restoreTabStateInternal(func(d *model.TabRestoreDetails) bool { return d.ID == id })
}

func (s *TabPersistentStore) restoreTabStateInternal(match func(*model.TabRestoreDetails) bool) bool {
	if s.destroyed.Load() {
		return false
	}

	var (
		d      *model.TabRestoreDetails
		stolen bool
	)
	if task := s.loadTabTask; task != nil && match(task.details) {
		task.future.Cancel()
		s.loadTabTask = nil
		d = task.details
		stolen = true
		s.rt.metrics.RecordRestore(metrics.RestoreStolen)
	} else {
		for i, queued := range s.tabsToRestore {
			if match(queued) {
				d = queued
				s.tabsToRestore = append(s.tabsToRestore[:i], s.tabsToRestore[i+1:]...)
				break
			}
		}
	}
	if d == nil {
		return false
	}
	s.updateQueueMetrics()

	s.restoreTabSync(d, false)
	if stolen {
		s.loadNextTab()
	}
	return true
}

// CancelLoadingTabs discards the results of loads of the given type,
// including those already dispatched.
func (s *TabPersistentStore) CancelLoadingTabs(incognito bool) {
	s.loop.Check("CancelLoadingTabs")
	if incognito {
		s.cancelIncognitoLoads = true
	} else {
		s.cancelNormalLoads = true
	}
}
