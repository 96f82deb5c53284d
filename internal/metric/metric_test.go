package metric

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRunStarted("probe.Alarm")
		m.RecordRunFailed("probe.Alarm")
		m.RecordRunDuration("probe.Alarm", time.Second)
		m.RecordEmitted("probe.Alarm")
		m.AddActiveSources(1)
		m.RecordUpload("http", "ok")
		m.SetQueueDepth(3)
		m.RecordConfigErrors(2)
		m.SetCachedInstances(4)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.RecordRunStarted("probe.Alarm")
	m.RecordRunStarted("probe.Alarm")
	m.RecordRunFailed("probe.DirScan")
	m.RecordUpload("dest", "failed")
	m.SetQueueDepth(5)
	m.RecordConfigErrors(0)
	m.RecordConfigErrors(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("probe.Alarm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunFailures.WithLabelValues("probe.DirScan")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UploadsTotal.WithLabelValues("dest", "failed")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ArchiveQueue))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConfigErrors))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordRunStarted("probe.Runtime")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "funf_probe_runs_total"))
}
