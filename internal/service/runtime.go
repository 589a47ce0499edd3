package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/tabstore/internal/config"
	"github.com/devrev/tabstore/internal/metrics"
	"github.com/devrev/tabstore/internal/storage/diskmanager"
	"github.com/devrev/tabstore/internal/storage/prefs"
	"github.com/devrev/tabstore/internal/storage/tabstate"
	"github.com/devrev/tabstore/internal/tabmodel"
	"github.com/devrev/tabstore/internal/util/looper"
	"github.com/devrev/tabstore/internal/util/workerpool"
	"go.uber.org/zap"
)

// Runtime holds the process-wide state every TabPersistentStore shares:
// the control looper, both executors, persisted flags, the tab id manager
// and the registry of live selectors.
type Runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	loop     *looper.Looper
	serial   *workerpool.WorkerPool
	pool     *workerpool.WorkerPool
	prefs    *prefs.Prefs
	ids      *tabmodel.IDManager
	disk     *diskmanager.DiskManager
	codec    *tabstate.Codec
	registry *Registry

	// migrationMu guards creation of the one-time file migration task
	migrationMu   sync.Mutex
	migrationTask *workerpool.Future[struct{}]

	layoutMigrationPending atomic.Bool

	// saveListMu serializes metadata file writes of all selectors
	saveListMu sync.Mutex

	// cleanupMu guards the single cleanup scan of the runtime
	cleanupMu   sync.Mutex
	cleanupTask *workerpool.Future[*cleanupScan]

	// dirMu guards creation of the base and selector directories
	dirMu sync.Mutex

	ctx         context.Context
	cancel      context.CancelFunc
	initialized bool
	stopOnce    sync.Once
}

// NewRuntime creates an uninitialized runtime
func NewRuntime(cfg *config.Config, logger *zap.Logger) *Runtime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewMetrics(),
	}
}

// Init opens the prefs file, creates the incognito sealing key and starts
// the looper and both executors.
func (rt *Runtime) Init() error {
	if rt.initialized {
		return fmt.Errorf("runtime already initialized")
	}

	if err := rt.ensureDir(rt.cfg.Storage.BaseDir); err != nil {
		return fmt.Errorf("failed to create base directory: %w", err)
	}
	if err := rt.ensureDir(filepath.Dir(rt.cfg.Storage.PrefsPath)); err != nil {
		return fmt.Errorf("failed to create prefs directory: %w", err)
	}

	p, err := prefs.Open(rt.cfg.Storage.PrefsPath, rt.logger)
	if err != nil {
		return err
	}

	key, err := tabstate.NewKey()
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("failed to create incognito key: %w", err)
	}
	codec, err := tabstate.NewCodec(key, tabstate.Options{
		Compress:        rt.cfg.Storage.CompressState,
		CompressMinSize: rt.cfg.Storage.CompressMinSize,
	})
	if err != nil {
		_ = p.Close()
		return fmt.Errorf("failed to create tab state codec: %w", err)
	}

	disk, err := diskmanager.NewDiskManager(&diskmanager.Config{
		DataDir:        rt.cfg.Storage.BaseDir,
		CheckInterval:  rt.cfg.Storage.DiskCheckInterval,
		WarningPercent: rt.cfg.Storage.WarningPercent,
		RejectPercent:  rt.cfg.Storage.RejectPercent,
		MinFreeBytes:   rt.cfg.Storage.MinFreeBytes,
	}, rt.logger)
	if err != nil {
		codec.Close()
		_ = p.Close()
		return fmt.Errorf("failed to create disk manager: %w", err)
	}

	rt.prefs = p
	rt.codec = codec
	rt.disk = disk
	rt.ids = tabmodel.NewIDManager(p)
	rt.registry = NewRegistry(rt.cfg.Restore.MaxSelectors)

	rt.ctx, rt.cancel = context.WithCancel(context.Background())

	rt.loop = looper.New(looper.Config{
		Name:               "control",
		StrictThreadChecks: rt.cfg.Debug.StrictThreadChecks,
		Logger:             rt.logger,
	})
	rt.loop.Start()

	rt.serial = workerpool.NewSerialExecutor("serial", rt.cfg.Executors.SerialQueueSize, rt.logger)
	rt.pool = workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "pool",
		MaxWorkers: rt.cfg.Executors.PoolWorkers,
		QueueSize:  rt.cfg.Executors.PoolQueueSize,
		Logger:     rt.logger,
	})

	rt.initialized = true
	rt.logger.Info("Tab store runtime initialized",
		zap.String("base_dir", rt.cfg.Storage.BaseDir),
		zap.Int("next_tab_id", rt.ids.Peek()),
		zap.Bool("strict_thread_checks", rt.cfg.Debug.StrictThreadChecks))
	return nil
}

// Shutdown drains the looper and the serial executor, stops the pool and
// closes the prefs file. Queued saves finish before it returns unless ctx
// expires first.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if !rt.initialized {
		return nil
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	rt.stopOnce.Do(func() {
		rt.logger.Info("Shutting down tab store runtime")

		record(rt.WaitForIdle(ctx))
		record(rt.loop.Stop(ctx))
		record(rt.serial.Drain(ctx))

		timeout := rt.cfg.Executors.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		rt.cancel()
		record(rt.serial.Stop(timeout))
		record(rt.pool.Stop(timeout))

		if err := rt.prefs.Flush(ctx); err != nil && !errors.Is(err, prefs.ErrClosed) {
			record(err)
		}
		record(rt.prefs.Close())
		rt.codec.Close()

		rt.logger.Info("Tab store runtime stopped")
	})
	return firstErr
}

// WaitForIdle blocks until the looper and both executors have nothing
// queued or running.
func (rt *Runtime) WaitForIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		before := rt.serial.Pending() + rt.pool.Pending()
		idle := rt.loop.Idle()
		after := rt.serial.Pending() + rt.pool.Pending()
		if before == 0 && idle && after == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for idle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Context is cancelled when the runtime shuts down
func (rt *Runtime) Context() context.Context { return rt.ctx }

// Config returns the runtime configuration
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// Logger returns the runtime logger
func (rt *Runtime) Logger() *zap.Logger { return rt.logger }

// Metrics returns the runtime's metrics
func (rt *Runtime) Metrics() *metrics.Metrics { return rt.metrics }

// Looper returns the control looper
func (rt *Runtime) Looper() *looper.Looper { return rt.loop }

// Serial returns the single-worker executor used for tab file I/O
func (rt *Runtime) Serial() *workerpool.WorkerPool { return rt.serial }

// Pool returns the thread pool used for prefetch and cleanup scans
func (rt *Runtime) Pool() *workerpool.WorkerPool { return rt.pool }

// Prefs returns the persisted flags
func (rt *Runtime) Prefs() *prefs.Prefs { return rt.prefs }

// IDs returns the tab id manager
func (rt *Runtime) IDs() *tabmodel.IDManager { return rt.ids }

// Registry returns the live selector registry
func (rt *Runtime) Registry() *Registry { return rt.registry }

// DiskManager returns the disk space gate of the base directory
func (rt *Runtime) DiskManager() *diskmanager.DiskManager { return rt.disk }

// BaseDir returns the root of the tab storage layout
func (rt *Runtime) BaseDir() string { return rt.cfg.Storage.BaseDir }

// NewSelector creates a selector bound to the runtime's looper
func (rt *Runtime) NewSelector() *tabmodel.Selector {
	return tabmodel.NewSelector(tabmodel.SelectorOptions{
		NormalMaxTabs:    rt.cfg.TabModel.NormalMaxTabs,
		IncognitoMaxTabs: rt.cfg.TabModel.IncognitoMaxTabs,
		Looper:           rt.loop,
		Logger:           rt.logger,
	})
}

// SetLayoutMigrationPending marks the structural layout migration as
// running. While set, prefetch reads share the serial executor with it.
func (rt *Runtime) SetLayoutMigrationPending(pending bool) {
	rt.layoutMigrationPending.Store(pending)
}

// LayoutMigrationPending reports whether the layout migration is running
func (rt *Runtime) LayoutMigrationPending() bool {
	return rt.layoutMigrationPending.Load()
}

// UpdateExecutorMetrics publishes executor queue gauges and disk usage
func (rt *Runtime) UpdateExecutorMetrics() {
	rt.metrics.ExecutorPendingTasks.WithLabelValues(rt.serial.Name()).Set(float64(rt.serial.Pending()))
	rt.metrics.ExecutorPendingTasks.WithLabelValues(rt.pool.Name()).Set(float64(rt.pool.Pending()))
	usage := rt.disk.Usage()
	rt.metrics.UpdateDiskStats(usage.UsagePercent, usage.AvailableBytes)
}

func (rt *Runtime) ensureDir(dir string) error {
	rt.dirMu.Lock()
	defer rt.dirMu.Unlock()
	return os.MkdirAll(dir, 0o700)
}
