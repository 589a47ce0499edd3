package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tabstore"

// Restore outcomes
const (
	RestoreFromState    = "state"
	RestoreFromURL      = "url"
	RestoreDropped      = "dropped"
	RestoreCancelled    = "cancelled"
	RestoreStolen       = "stolen"
	RestoreAlreadyExist = "already_exists"
)

// Metrics holds all Prometheus metrics of one runtime. Each runtime
// registers into its own registry so several can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Save pipeline
	TabSavesTotal         *prometheus.CounterVec
	TabSaveDuration       prometheus.Histogram
	TabSaveBytes          prometheus.Histogram
	SaveQueueDepth        *prometheus.GaugeVec
	MetadataWritesTotal   *prometheus.CounterVec
	MetadataWritesSkipped prometheus.Counter
	MetadataWriteDuration prometheus.Histogram
	OutOfResourceTotal    prometheus.Counter

	// Restore pipeline
	RestoresTotal      *prometheus.CounterVec
	RestoreQueueDepth  *prometheus.GaugeVec
	RestoreDuration    prometheus.Histogram
	MetadataReadsTotal *prometheus.CounterVec

	// Cleanup
	CleanupRunsTotal    prometheus.Counter
	CleanupDeletedTotal prometheus.Counter

	// Migrations
	MigrationStage       prometheus.Gauge
	MigrationCopiedTotal prometheus.Counter
	FileMigrationsTotal  *prometheus.CounterVec

	// Executors
	ExecutorPendingTasks *prometheus.GaugeVec

	// System
	DiskUsagePercent   prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
}

// NewMetrics creates all metrics in a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		TabSavesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "tab_saves_total",
			Help:      "Tab state file writes by result",
		}, []string{"result"}),
		TabSaveDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "tab_save_duration_seconds",
			Help:      "Histogram of tab state save durations",
			Buckets:   prometheus.DefBuckets,
		}),
		TabSaveBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "tab_save_bytes",
			Help:      "Histogram of tab state blob sizes in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10), // 256B to 64MB
		}),
		SaveQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "queue_depth",
			Help:      "Tabs waiting to be saved",
		}, []string{"selector"}),
		MetadataWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "metadata_writes_total",
			Help:      "Metadata file writes by result",
		}, []string{"result"}),
		MetadataWritesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "metadata_writes_skipped_total",
			Help:      "Metadata writes skipped because the content was unchanged",
		}),
		MetadataWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "metadata_write_duration_seconds",
			Help:      "Histogram of metadata write durations",
			Buckets:   prometheus.DefBuckets,
		}),
		OutOfResourceTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "save",
			Name:      "out_of_resource_total",
			Help:      "Tab saves abandoned because the disk was full",
		}),

		RestoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "tabs_total",
			Help:      "Restore queue entries by outcome",
		}, []string{"outcome"}),
		RestoreQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "queue_depth",
			Help:      "Tabs waiting to be restored",
		}, []string{"selector"}),
		RestoreDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "duration_seconds",
			Help:      "Time from LoadState to the restore queue draining",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		MetadataReadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restore",
			Name:      "metadata_reads_total",
			Help:      "Metadata file reads by result",
		}, []string{"result"}),

		CleanupRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "runs_total",
			Help:      "Completed cleanup scans",
		}),
		CleanupDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "deleted_files_total",
			Help:      "Unreferenced tab state files deleted",
		}),

		MigrationStage: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "stage",
			Help:      "Current layout migration stage",
		}),
		MigrationCopiedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "copied_files_total",
			Help:      "Tab state files copied by the layout migration",
		}),
		FileMigrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "file_migrations_total",
			Help:      "One-time file migrations by kind",
		}, []string{"kind"}),

		ExecutorPendingTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "pending_tasks",
			Help:      "Submitted tasks not yet finished",
		}, []string{"executor"}),

		DiskUsagePercent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_usage_percent",
			Help:      "Disk usage percentage of the storage volume",
		}),
		DiskAvailableBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "disk_available_bytes",
			Help:      "Available bytes on the storage volume",
		}),
	}
}

// RecordTabSave records one tab state write
func (m *Metrics) RecordTabSave(err error, bytes int, duration time.Duration) {
	m.TabSavesTotal.WithLabelValues(result(err)).Inc()
	m.TabSaveDuration.Observe(duration.Seconds())
	if err == nil {
		m.TabSaveBytes.Observe(float64(bytes))
	}
}

// RecordMetadataWrite records one metadata write attempt
func (m *Metrics) RecordMetadataWrite(err error, duration time.Duration) {
	m.MetadataWritesTotal.WithLabelValues(result(err)).Inc()
	m.MetadataWriteDuration.Observe(duration.Seconds())
}

// RecordRestore records the outcome of one restore queue entry
func (m *Metrics) RecordRestore(outcome string) {
	m.RestoresTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepths updates the queue gauges of a selector
func (m *Metrics) SetQueueDepths(selector string, save, restore int) {
	m.SaveQueueDepth.WithLabelValues(selector).Set(float64(save))
	m.RestoreQueueDepth.WithLabelValues(selector).Set(float64(restore))
}

// UpdateDiskStats updates the disk gauges
func (m *Metrics) UpdateDiskStats(usagePercent float64, available uint64) {
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(available))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
