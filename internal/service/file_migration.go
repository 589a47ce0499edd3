package service

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/storage/prefs"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/devrev/tabstore/internal/util/fileutil"
	"github.com/devrev/tabstore/internal/util/workerpool"
	"go.uber.org/zap"
)

const (
	migrationKindLegacy        = "legacy"
	migrationKindMultiInstance = "multi_instance"
)

// startFileMigrations creates the one-time file migration task on the
// serial executor. It returns nil when both migrations already ran.
func (rt *Runtime) startFileMigrations() *workerpool.Future[struct{}] {
	rt.migrationMu.Lock()
	defer rt.migrationMu.Unlock()

	if rt.migrationTask != nil {
		return rt.migrationTask
	}

	legacyDone := rt.prefs.Bool(prefs.KeyLegacyMigrationDone, false)
	multiDone := rt.prefs.Bool(prefs.KeyMultiInstanceMigrationDone, false)
	if legacyDone && multiDone {
		return nil
	}

	task, err := workerpool.Go(rt.ctx, rt.serial, "file-migration",
		func(ctx context.Context, f *workerpool.Future[struct{}]) (struct{}, error) {
			if !legacyDone {
				rt.performLegacyMigration(ctx)
			}
			if !multiDone {
				rt.performMultiInstanceMigration(ctx)
			}
			return struct{}{}, nil
		})
	if err != nil {
		rt.logger.Error("Failed to schedule file migration", zap.Error(err))
	}
	rt.migrationTask = task
	return task
}

// performLegacyMigration moves the flat layout (metadata and tab files
// directly under the base directory) into selector 0's directory. Nothing
// is moved once selector 0's directory has content.
func (rt *Runtime) performLegacyMigration(ctx context.Context) {
	base := rt.BaseDir()
	target := filepath.Join(base, "0")

	if err := rt.ensureDir(target); err != nil {
		rt.logger.Error("Legacy migration skipped, cannot create directory",
			zap.String("dir", target),
			zap.Error(err))
		return
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		rt.logger.Error("Legacy migration skipped, cannot list directory",
			zap.String("dir", target),
			zap.Error(err))
		return
	}

	if len(entries) == 0 {
		moved := 0
		legacyMetadata := filepath.Join(base, metadata.LegacyFileName)
		if _, err := os.Stat(legacyMetadata); err == nil {
			if err := fileutil.Move(legacyMetadata, filepath.Join(target, metadata.FileName(0))); err != nil {
				rt.logger.Warn("Failed to move legacy metadata file",
					zap.String("file", legacyMetadata),
					zap.Error(err))
			} else {
				moved++
			}
		}

		files, err := tabstate.ListFiles(base)
		if err != nil {
			rt.logger.Warn("Failed to list legacy tab state files", zap.Error(err))
		}
		for _, file := range files {
			src := filepath.Join(base, file.Name)
			if err := fileutil.Move(src, filepath.Join(target, file.Name)); err != nil {
				rt.logger.Warn("Failed to move legacy tab state file",
					zap.String("file", file.Name),
					zap.Error(err))
				continue
			}
			moved++
		}

		rt.logger.Info("Legacy file migration completed",
			zap.String("target", target),
			zap.Int("moved_files", moved))
	}

	if err := rt.prefs.CommitBool(ctx, prefs.KeyLegacyMigrationDone, true); err != nil {
		rt.logger.Error("Failed to persist legacy migration flag", zap.Error(err))
		return
	}
	rt.metrics.FileMigrationsTotal.WithLabelValues(migrationKindLegacy).Inc()
}

// performMultiInstanceMigration moves metadata files of selectors other
// than 0 out of selector 0's directory into their own, together with the
// tab files they list, then renames or drops unindexed metadata files.
func (rt *Runtime) performMultiInstanceMigration(ctx context.Context) {
	base := rt.BaseDir()
	source := filepath.Join(base, "0")

	for i := 1; i < rt.cfg.Restore.MaxSelectors; i++ {
		if ctx.Err() != nil {
			return
		}

		src := filepath.Join(source, metadata.FileName(i))
		if _, err := os.Stat(src); err != nil {
			continue
		}

		target := filepath.Join(base, strconv.Itoa(i))
		if err := rt.ensureDir(target); err != nil {
			rt.logger.Warn("Failed to create selector directory",
				zap.String("dir", target),
				zap.Error(err))
			continue
		}

		rec, _, err := metadata.ReadFile(src)
		if err != nil {
			rt.logger.Warn("Moving unreadable metadata file without its tabs",
				zap.String("file", src),
				zap.Error(err))
		}
		if rec != nil {
			for _, id := range rec.IDs() {
				for _, incognito := range []bool{false, true} {
					name := tabstate.FileName(id, incognito)
					rt.moveKeepingNewer(filepath.Join(source, name), filepath.Join(target, name))
				}
			}
		}
		rt.moveKeepingNewer(src, filepath.Join(target, metadata.FileName(i)))

		rt.logger.Info("Moved selector out of the shared directory",
			zap.Int("selector_index", i),
			zap.String("target", target))
	}

	rt.resolveLegacyMetadataFiles()

	if err := rt.prefs.CommitBool(ctx, prefs.KeyMultiInstanceMigrationDone, true); err != nil {
		rt.logger.Error("Failed to persist multi-instance migration flag", zap.Error(err))
		return
	}
	rt.metrics.FileMigrationsTotal.WithLabelValues(migrationKindMultiInstance).Inc()
}

// resolveLegacyMetadataFiles renames an unindexed tab_state file in a
// selector directory to the indexed name, or deletes it when the indexed
// file already exists.
func (rt *Runtime) resolveLegacyMetadataFiles() {
	base := filepath.Clean(rt.BaseDir())

	var (
		mu    sync.Mutex
		stale []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, base, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != base && filepath.Dir(p) != base {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != metadata.LegacyFileName || filepath.Dir(filepath.Dir(p)) != base {
			return nil
		}
		mu.Lock()
		stale = append(stale, p)
		mu.Unlock()
		return nil
	})
	if err != nil && !stderrors.Is(err, os.ErrNotExist) {
		rt.logger.Warn("Failed to scan for legacy metadata files", zap.Error(err))
		return
	}

	for _, p := range stale {
		dir := filepath.Dir(p)
		index, err := strconv.Atoi(filepath.Base(dir))
		if err != nil || index < 0 {
			continue
		}
		indexed := filepath.Join(dir, metadata.FileName(index))
		if _, err := os.Stat(indexed); err == nil {
			if err := fileutil.RemoveIfExists(p); err != nil {
				rt.logger.Warn("Failed to delete leftover metadata file",
					zap.String("file", p),
					zap.Error(err))
			}
			continue
		}
		if err := fileutil.Move(p, indexed); err != nil {
			rt.logger.Warn("Failed to rename legacy metadata file",
				zap.String("file", p),
				zap.Error(err))
		}
	}
}

// moveKeepingNewer moves src to dst unless dst exists and is newer, in
// which case src is deleted.
func (rt *Runtime) moveKeepingNewer(src, dst string) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return
	}
	if dstInfo, err := os.Stat(dst); err == nil && dstInfo.ModTime().After(srcInfo.ModTime()) {
		if err := fileutil.RemoveIfExists(src); err != nil {
			rt.logger.Warn("Failed to delete superseded file",
				zap.String("file", src),
				zap.Error(err))
		}
		return
	}
	if err := fileutil.Move(src, dst); err != nil {
		rt.logger.Warn("Failed to move file",
			zap.String("from", src),
			zap.String("to", dst),
			zap.Error(err))
	}
}
