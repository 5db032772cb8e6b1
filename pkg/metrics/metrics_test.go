package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveStoreOperation(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveStoreOperation("create_card", time.Now(), nil)
	m.ObserveStoreOperation("create_card", time.Now(), nil)
	m.ObserveStoreOperation("create_card", time.Now(), errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("create_card", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("create_card", "error")))
}

func TestRecordBackup(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordBackup(4096, nil)
	m.RecordBackup(0, errors.New("disk full"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackupsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackupsTotal.WithLabelValues("error")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.BackupSizeBytes))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveStoreOperation("get_card", time.Now(), nil)
		m.RecordRetry("get_card")
		m.RecordMigration()
		m.RecordBackup(1, nil)
		m.RecordImportRow("cards", "ok")
	})
}
