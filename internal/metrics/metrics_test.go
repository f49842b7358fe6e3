package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := New()
	m.ObserveRows(3, 1, 2)
	m.ObserveBatch("hold")
	m.ObserveBatch("hold")
	m.Time("reduce")()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Rows.WithLabelValues(RowAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rows.WithLabelValues(RowRejected)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Batches.WithLabelValues("hold")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `cameratrap_batches_total{decision="hold"} 2`)
	assert.Contains(t, string(body), "cameratrap_stage_duration_seconds_count")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveRows(1, 1, 1)
	m.ObserveBatch("commit")
	m.Time("x")()
}
