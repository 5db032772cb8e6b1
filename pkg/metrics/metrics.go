package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreRetriesTotal      *prometheus.CounterVec

	// Schema metrics
	MigrationsAppliedTotal prometheus.Counter

	// Backup metrics
	BackupsTotal    *prometheus.CounterVec
	BackupSizeBytes prometheus.Gauge

	// Import metrics
	ImportRowsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardvault_store_operations_total",
				Help: "Total number of store operations",
			},
			[]string{"operation", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cardvault_store_operation_duration_seconds",
				Help:    "Store operation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"operation"},
		),
		StoreRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardvault_store_retries_total",
				Help: "Total number of retried store operations after SQLITE_BUSY",
			},
			[]string{"operation"},
		),
		MigrationsAppliedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cardvault_migrations_applied_total",
				Help: "Total number of schema migrations applied",
			},
		),
		BackupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardvault_backups_total",
				Help: "Total number of backup runs",
			},
			[]string{"status"},
		),
		BackupSizeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cardvault_backup_size_bytes",
				Help: "Size of the most recent backup snapshot",
			},
		),
		ImportRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cardvault_import_rows_total",
				Help: "Total number of imported CSV rows",
			},
			[]string{"kind", "result"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.StoreOperationsTotal,
			m.StoreOperationDuration,
			m.StoreRetriesTotal,
			m.MigrationsAppliedTotal,
			m.BackupsTotal,
			m.BackupSizeBytes,
			m.ImportRowsTotal,
		)
	}

	return m
}

// ObserveStoreOperation records the outcome and latency of a store call. Safe on nil.
func (m *Metrics) ObserveStoreOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetriesTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) RecordMigration() {
	if m == nil {
		return
	}
	m.MigrationsAppliedTotal.Inc()
}

// RecordBackup counts a backup run and, on success, the snapshot size.
func (m *Metrics) RecordBackup(size int64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BackupsTotal.WithLabelValues("error").Inc()
		return
	}
	m.BackupsTotal.WithLabelValues("ok").Inc()
	m.BackupSizeBytes.Set(float64(size))
}

func (m *Metrics) RecordImportRow(kind, result string) {
	if m == nil {
		return
	}
	m.ImportRowsTotal.WithLabelValues(kind, result).Inc()
}
