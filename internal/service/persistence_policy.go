package service

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/devrev/tabstore/internal/model"
	"github.com/devrev/tabstore/internal/storage/metadata"
	"github.com/devrev/tabstore/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PersistencePolicy maps one selector onto the on-disk layout:
// <base>/<index>/tab_state<index> plus the tab state files next to it.
type PersistencePolicy struct {
	rt    *Runtime
	index int
}

func newPersistencePolicy(rt *Runtime, index int) *PersistencePolicy {
	return &PersistencePolicy{rt: rt, index: index}
}

// SelectorIndex returns the index of the selector the policy serves
func (p *PersistencePolicy) SelectorIndex() int {
	return p.index
}

// StateDir returns the selector's directory
func (p *PersistencePolicy) StateDir() string {
	return filepath.Join(p.rt.BaseDir(), strconv.Itoa(p.index))
}

// MetadataFileName returns the selector's metadata file name
func (p *PersistencePolicy) MetadataFileName() string {
	return metadata.FileName(p.index)
}

// MetadataPath returns the selector's metadata file path
func (p *PersistencePolicy) MetadataPath() string {
	return filepath.Join(p.StateDir(), p.MetadataFileName())
}

// EnsureStateDir creates the selector's directory
func (p *PersistencePolicy) EnsureStateDir() error {
	return p.rt.ensureDir(p.StateDir())
}

// PerformInitialization starts the one-time file migrations. It reports
// whether a migration task is still pending.
func (p *PersistencePolicy) PerformInitialization() bool {
	return p.rt.startFileMigrations() != nil && p.IsMigrationPending()
}

// WaitForInitialization blocks until the file migration task, if any, is done
func (p *PersistencePolicy) WaitForInitialization(ctx context.Context) error {
	p.rt.migrationMu.Lock()
	task := p.rt.migrationTask
	p.rt.migrationMu.Unlock()

	if task == nil {
		return nil
	}
	_, err := task.Wait(ctx)
	return err
}

// IsMigrationPending reports whether a file or layout migration has not
// finished yet
func (p *PersistencePolicy) IsMigrationPending() bool {
	if p.rt.LayoutMigrationPending() {
		return true
	}
	p.rt.migrationMu.Lock()
	task := p.rt.migrationTask
	p.rt.migrationMu.Unlock()
	if task == nil {
		return false
	}
	select {
	case <-task.Done():
		return false
	default:
		return true
	}
}

// PrefetchExecutor picks where prefetch reads run. While a migration is
// pending they queue behind it on the serial executor.
func (p *PersistencePolicy) PrefetchExecutor() workerpool.Executor {
	if p.IsMigrationPending() {
		return p.rt.serial
	}
	return p.rt.pool
}

// metadataFile is one metadata file found under the base directory
type metadataFile struct {
	path          string
	selectorIndex int
	legacy        bool
}

// scanMetadataFiles lists every metadata file in base and its direct
// subdirectories, legacy unindexed files included.
func scanMetadataFiles(base string) ([]metadataFile, error) {
	var (
		mu    sync.Mutex
		found []metadataFile
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, base, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		rel, relErr := filepath.Rel(base, p)
		if relErr != nil {
			return nil
		}
		depth := len(strings.Split(rel, string(os.PathSeparator)))

		if d.IsDir() {
			if rel != "." && depth > 1 {
				return filepath.SkipDir
			}
			return nil
		}
		if depth > 2 {
			return nil
		}

		name := d.Name()
		file := metadataFile{path: p, selectorIndex: model.InvalidIndex}
		if name == metadata.LegacyFileName {
			file.legacy = true
		} else if index, ok := metadata.ParseFileName(name); ok {
			file.selectorIndex = index
		} else {
			return nil
		}

		mu.Lock()
		found = append(found, file)
		mu.Unlock()
		return nil
	})
	if err != nil && !stderrors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return found, nil
}

// readMetadataIDs decodes the given metadata files in parallel and returns
// the set of tab ids they list. Missing files are skipped; with strict set
// any other failure aborts the read.
func readMetadataIDs(ctx context.Context, files []metadataFile, strict bool, logger *zap.Logger) (map[int]bool, error) {
	var mu sync.Mutex
	ids := make(map[int]bool)

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, _, err := metadata.ReadFile(f.path)
			if err != nil {
				if stderrors.Is(err, os.ErrNotExist) {
					return nil
				}
				logger.Warn("Failed to read metadata file",
					zap.String("file", f.path),
					zap.Error(err))
				if strict {
					return err
				}
				return nil
			}

			mu.Lock()
			for _, id := range rec.IDs() {
				ids[id] = true
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// maxListedID returns the largest tab id listed by any metadata file
func maxListedID(ctx context.Context, files []metadataFile, logger *zap.Logger) int {
	ids, err := readMetadataIDs(ctx, files, false, logger)
	if err != nil {
		return model.InvalidTabID
	}
	maxID := model.InvalidTabID
	for id := range ids {
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}
