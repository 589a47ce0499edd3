package service

import (
	"context"
	"os"
	"path/filepath"

	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/devrev/tabstore/internal/util/fileutil"
	"github.com/devrev/tabstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// cleanupScan is what the background half of a cleanup found
type cleanupScan struct {
	files      []tabstate.FileInfo
	referenced map[int]bool
}

// CleanupUnusedFiles deletes the selector's tab state files that no
// metadata file and no live selector refers to. With deleteAllFiles the
// selector's own metadata file does not protect its tabs. A cleanup still
// scanning is replaced.
func (s *TabPersistentStore) CleanupUnusedFiles(deleteAllFiles bool) {
	s.loop.Check("CleanupUnusedFiles")
	if s.destroyed.Load() {
		return
	}

	own := filepath.Clean(s.policy.MetadataPath())
	base := s.rt.BaseDir()

	s.rt.cleanupMu.Lock()
	defer s.rt.cleanupMu.Unlock()

	if s.rt.cleanupTask != nil {
		s.rt.cleanupTask.Cancel()
	}

	f, err := workerpool.Go(s.ctx(), s.rt.pool, "cleanup-scan",
		func(ctx context.Context, f *workerpool.Future[*cleanupScan]) (*cleanupScan, error) {
			if f.Cancelled() {
				return nil, workerpool.ErrCancelled
			}
			scan, err := s.scanForCleanup(ctx, base, own, deleteAllFiles)
			s.loop.Post(func() { s.onCleanupScanned(f, scan, err) })
			return scan, err
		})
	if err != nil {
		s.logger.Error("Failed to schedule cleanup", zap.Error(err))
		return
	}
	s.rt.cleanupTask = f
}

func (s *TabPersistentStore) scanForCleanup(ctx context.Context, base, own string, deleteAllFiles bool) (*cleanupScan, error) {
	files, err := s.states.List()
	if err != nil {
		return nil, err
	}

	metadataFiles, err := scanMetadataFiles(base)
	if err != nil {
		return nil, err
	}
	if deleteAllFiles {
		kept := metadataFiles[:0]
		for _, f := range metadataFiles {
			if filepath.Clean(f.path) != own {
				kept = append(kept, f)
			}
		}
		metadataFiles = kept
	}

	// Any unreadable metadata file aborts: its tabs cannot be told apart.
	referenced, err := readMetadataIDs(ctx, metadataFiles, true, s.logger)
	if err != nil {
		return nil, err
	}
	return &cleanupScan{files: files, referenced: referenced}, nil
}

func (s *TabPersistentStore) onCleanupScanned(f *workerpool.Future[*cleanupScan], scan *cleanupScan, err error) {
	s.rt.cleanupMu.Lock()
	if s.rt.cleanupTask == f {
		s.rt.cleanupTask = nil
	}
	s.rt.cleanupMu.Unlock()

	if s.destroyed.Load() || f.Cancelled() {
		return
	}
	if err != nil {
		s.logger.Warn("Cleanup scan failed, nothing deleted", zap.Error(err))
		return
	}
	s.rt.metrics.CleanupRunsTotal.Inc()

	var unused []string
	for _, file := range scan.files {
		if scan.referenced[file.TabID] || s.rt.registry.IsTabLive(file.TabID) {
			continue
		}
		unused = append(unused, file.Name)
	}
	if len(unused) == 0 {
		return
	}

	_, err = workerpool.Go(s.ctx(), s.rt.serial, "cleanup-delete",
		func(ctx context.Context, f *workerpool.Future[struct{}]) (struct{}, error) {
			for _, name := range unused {
				if err := s.states.DeleteFile(name); err != nil {
					s.logger.Warn("Failed to delete unused tab state file",
						zap.String("file", name),
						zap.Error(err))
					continue
				}
				s.rt.metrics.CleanupDeletedTotal.Inc()
			}
			s.logger.Info("Deleted unused tab state files", zap.Int("files", len(unused)))
			return struct{}{}, nil
		})
	if err != nil {
		s.logger.Error("Failed to schedule unused file deletion", zap.Error(err))
	}
}

// ClearState drops everything the selector has on disk and forgets the
// last written metadata.
func (s *TabPersistentStore) ClearState() {
	s.loop.Check("ClearState")
	if s.destroyed.Load() {
		return
	}

	s.cancelTasks()
	s.tabsToSave = nil
	s.updateQueueMetrics()

	s.rt.saveListMu.Lock()
	s.lastSavedMetadata = nil
	s.rt.saveListMu.Unlock()

	dir := s.policy.StateDir()
	_, err := workerpool.Go(s.ctx(), s.rt.serial, "clear-state",
		func(ctx context.Context, f *workerpool.Future[struct{}]) (struct{}, error) {
			entries, err := os.ReadDir(dir)
			if err != nil {
				return struct{}{}, err
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				if err := fileutil.RemoveIfExists(filepath.Join(dir, e.Name())); err != nil {
					s.logger.Warn("Failed to delete file",
						zap.String("file", e.Name()),
						zap.Error(err))
				}
			}
			s.logger.Info("Selector state cleared", zap.String("dir", dir))
			return struct{}{}, nil
		})
	if err != nil {
		s.logger.Error("Failed to schedule state clearing", zap.Error(err))
	}
}

// Destroy detaches the store from its selector and the runtime. Queued
// work is dropped and results of in-flight tasks are ignored.
func (s *TabPersistentStore) Destroy() {
	s.loop.Check("Destroy")
	if s.destroyed.Swap(true) {
		return
	}

	s.cancelTasks()
	s.tabsToSave = nil
	s.tabsToRestore = nil
	s.loadInProgress = false
	s.updateQueueMetrics()

	if s.prefetchTabList != nil {
		s.prefetchTabList.Cancel()
		s.prefetchTabList = nil
	}
	if s.prefetchActiveTab != nil {
		s.prefetchActiveTab.Cancel()
		s.prefetchActiveTab = nil
	}

	if s.removeObserver != nil {
		s.removeObserver()
	}
	s.rt.registry.Unregister(s.policy.SelectorIndex(), s.selector)
	s.logger.Info("Tab persistent store destroyed")
}

func (s *TabPersistentStore) cancelTasks() {
	if s.saveTabTask != nil {
		s.saveTabTask.future.Cancel()
		s.saveTabTask = nil
	}
	if s.saveListTask != nil {
		s.saveListTask.Cancel()
		s.saveListTask = nil
	}
	if s.loadTabTask != nil {
		s.loadTabTask.future.Cancel()
		s.loadTabTask = nil
	}
}
