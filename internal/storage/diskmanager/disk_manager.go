package diskmanager

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Checker gates a write of estimatedBytes against the free space of the
// tab storage volume.
type Checker interface {
	CheckBeforeWrite(estimatedBytes uint64) error
}

// statFunc returns total and available bytes for a path
type statFunc func(path string) (total, available uint64, err error)

// DiskManager caches filesystem usage for the tab storage directory and
// rejects tab state writes once usage crosses the configured limits.
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	stat          statFunc
	checkInterval time.Duration

	warningPercent float64
	rejectPercent  float64
	minFreeBytes   uint64

	mu             sync.Mutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64
	rejecting      bool
}

// Config holds configuration for the disk manager
type Config struct {
	DataDir        string
	CheckInterval  time.Duration
	WarningPercent float64
	RejectPercent  float64
	MinFreeBytes   uint64
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:        dataDir,
		CheckInterval:  10 * time.Second,
		WarningPercent: 90.0,
		RejectPercent:  98.0,
		MinFreeBytes:   1 << 20,
	}
}

// NewDiskManager creates a disk manager for cfg.DataDir
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dm := &DiskManager{
		dataDir:        cfg.DataDir,
		logger:         logger,
		stat:           statfs,
		checkInterval:  cfg.CheckInterval,
		warningPercent: cfg.WarningPercent,
		rejectPercent:  cfg.RejectPercent,
		minFreeBytes:   cfg.MinFreeBytes,
	}

	if err := dm.refresh(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}

	return dm, nil
}

// CheckBeforeWrite returns a *DiskSpaceError when the write should not
// proceed. A failing statfs never blocks writes.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refresh(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
			return nil
		}
	}

	if dm.rejecting {
		return &DiskSpaceError{
			Code:           ErrCodeDiskFull,
			Message:        fmt.Sprintf("disk usage at %.2f%%, tab state writes rejected", dm.usagePercent),
			UsagePercent:   dm.usagePercent,
			AvailableBytes: dm.availableBytes,
		}
	}

	if estimatedBytes+dm.minFreeBytes > dm.availableBytes {
		return &DiskSpaceError{
			Code:           ErrCodeInsufficientSpace,
			Message:        fmt.Sprintf("insufficient space: need %d bytes, have %d bytes", estimatedBytes, dm.availableBytes),
			UsagePercent:   dm.usagePercent,
			AvailableBytes: dm.availableBytes,
		}
	}

	return nil
}

// refresh must be called with mu held
func (dm *DiskManager) refresh() error {
	total, available, err := dm.stat(dm.dataDir)
	if err != nil {
		return err
	}

	usage := 0.0
	if total > 0 {
		usage = float64(total-available) / float64(total) * 100.0
	}

	wasRejecting := dm.rejecting
	dm.usagePercent = usage
	dm.availableBytes = available
	dm.lastCheck = time.Now()
	dm.rejecting = usage >= dm.rejectPercent

	switch {
	case dm.rejecting && !wasRejecting:
		dm.logger.Error("Tab state writes suspended, disk nearly full",
			zap.String("dir", dm.dataDir),
			zap.Float64("usage_percent", usage),
			zap.Uint64("available_bytes", available))
	case !dm.rejecting && wasRejecting:
		dm.logger.Info("Tab state writes resumed",
			zap.String("dir", dm.dataDir),
			zap.Float64("usage_percent", usage))
	case usage >= dm.warningPercent && !dm.rejecting:
		dm.logger.Warn("Disk usage warning",
			zap.String("dir", dm.dataDir),
			zap.Float64("usage_percent", usage),
			zap.Float64("warning_percent", dm.warningPercent))
	}

	return nil
}

// Usage returns the cached usage, refreshing it when stale
func (dm *DiskManager) Usage() UsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refresh(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return UsageStats{
		UsagePercent:   dm.usagePercent,
		AvailableBytes: dm.availableBytes,
		Rejecting:      dm.rejecting,
		LastCheck:      dm.lastCheck,
	}
}

// UsageStats contains disk usage statistics
type UsageStats struct {
	UsagePercent   float64
	AvailableBytes uint64
	Rejecting      bool
	LastCheck      time.Time
}

func statfs(path string) (uint64, uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return st.Blocks * uint64(st.Bsize), st.Bavail * uint64(st.Bsize), nil
}

// Error codes for disk space errors
type ErrorCode int

const (
	ErrCodeDiskFull ErrorCode = iota + 1
	ErrCodeInsufficientSpace
)

// DiskSpaceError represents a disk space related error
type DiskSpaceError struct {
	Code           ErrorCode
	Message        string
	UsagePercent   float64
	AvailableBytes uint64
}

func (e *DiskSpaceError) Error() string {
	return e.Message
}

// IsDiskSpaceError checks if an error is a disk space error
func IsDiskSpaceError(err error) bool {
	var dse *DiskSpaceError
	return errors.As(err, &dse)
}
