package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/devrev/tabstore/internal/config"
	"github.com/devrev/tabstore/internal/logging"
	"github.com/devrev/tabstore/internal/migration"
	"github.com/devrev/tabstore/internal/server"
	"github.com/devrev/tabstore/internal/service"
	"github.com/devrev/tabstore/internal/storage/prefs"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Migrate, restore and keep a tab session until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = os.Getenv("CONFIG_PATH")
			}
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}

			logger, err := logging.New(logging.Config{
				Level:       cfg.Logging.Level,
				Format:      cfg.Logging.Format,
				Development: cfg.Logging.Development,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config file (default $CONFIG_PATH)")
	return cmd
}

type loadedObserver struct {
	service.BaseStoreObserver
	loaded *atomic.Bool
}

func (o loadedObserver) OnStateLoaded() { o.loaded.Store(true) }

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	rt := service.NewRuntime(cfg, logger)
	if err := rt.Init(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Executors.ShutdownTimeout)
		defer cancel()
		if err := rt.Shutdown(shutdownCtx); err != nil {
			logger.Error("Runtime shutdown incomplete", zap.Error(err))
		}
	}()

	var restored atomic.Bool
	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(&server.MetricsServerConfig{
			Port:            cfg.Metrics.Port,
			Path:            cfg.Metrics.Path,
			Collect:         rt.UpdateExecutorMetrics,
			CollectInterval: cfg.Storage.DiskCheckInterval,
		}, rt.Metrics(), func() (bool, string) {
			if rt.LayoutMigrationPending() {
				return false, "layout migration pending"
			}
			if !restored.Load() {
				return false, "restore in progress"
			}
			return true, ""
		}, logger)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Executors.ShutdownTimeout)
			defer cancel()
			if err := metricsServer.Stop(stopCtx); err != nil {
				logger.Error("Failed to stop metrics server", zap.Error(err))
			}
		}()
	}

	if err := migrateLayout(ctx, rt, cfg.Migration, logger); err != nil {
		return err
	}

	var (
		store    *service.TabPersistentStore
		storeErr error
	)
	err := rt.Looper().Run(func() {
		store, storeErr = service.NewTabPersistentStore(rt, rt.NewSelector(), service.StoreOptions{
			SelectorIndex: cfg.Restore.SelectorIndex,
			Prefetch:      cfg.Restore.Prefetch,
		})
		if storeErr != nil {
			return
		}
		store.AddObserver(loadedObserver{loaded: &restored})
		if storeErr = store.LoadState(cfg.Restore.IgnoreIncognitoFiles); storeErr != nil {
			return
		}
		store.RestoreTabs(cfg.Restore.SetActiveTab)
	})
	if err == nil {
		err = storeErr
	}
	if err != nil {
		return fmt.Errorf("failed to open selector %d: %w", cfg.Restore.SelectorIndex, err)
	}

	logger.Info("Tab store running", zap.Int("selector_index", cfg.Restore.SelectorIndex))
	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	return rt.Looper().Run(func() {
		store.SaveState()
		store.Destroy()
	})
}

// migrateLayout moves a legacy layout into selector 0 before any store
// opens. The legacy mode flag is recorded once, the first time the legacy
// directory is seen.
func migrateLayout(ctx context.Context, rt *service.Runtime, cfg config.MigrationConfig, logger *zap.Logger) error {
	if cfg.Enabled && !rt.Prefs().Has(prefs.KeyLegacyModeEnabled) {
		if _, err := os.Stat(cfg.LegacyDir); err == nil {
			logger.Info("Legacy layout found", zap.String("dir", cfg.LegacyDir))
			if err := rt.Prefs().CommitBool(ctx, prefs.KeyLegacyModeEnabled, true); err != nil {
				return fmt.Errorf("failed to record legacy mode: %w", err)
			}
		}
	}

	m := migration.NewLayoutMigrator(rt, cfg)
	var migrateErr error
	if err := rt.Looper().Run(func() { migrateErr = m.Migrate() }); err != nil {
		return err
	}
	if migrateErr != nil {
		return migrateErr
	}
	return m.Wait(ctx)
}
