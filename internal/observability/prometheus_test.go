package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mine-and-die/replication/internal/telemetry"
)

func TestCountersAndGauges(t *testing.T) {
	p := NewPrometheus(map[string]string{"role": "server"})
	var metrics telemetry.Metrics = p

	metrics.Add(telemetry.MetricFramesSent, 3)
	metrics.Add(telemetry.MetricFramesSent, 2)
	metrics.Store(telemetry.MetricJournalRecords, 42)
	metrics.Store(telemetry.MetricJournalRecords, 7)

	assert.Equal(t, float64(5), testutil.ToFloat64(p.counter(telemetry.MetricFramesSent)))
	assert.Equal(t, float64(7), testutil.ToFloat64(p.gauge(telemetry.MetricJournalRecords)))
}

func TestAddOnGaugeKeyAccumulates(t *testing.T) {
	p := NewPrometheus(nil)
	p.Add(telemetry.MetricInboxDepth, 2)
	p.Add(telemetry.MetricInboxDepth, 1)
	assert.Equal(t, float64(3), testutil.ToFloat64(p.gauge(telemetry.MetricInboxDepth)))
}

func TestHandlerExposesSeries(t *testing.T) {
	p := NewPrometheus(map[string]string{"role": "server"})
	p.Add(telemetry.MetricSnapshotsSent, 1)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `replication_snapshots_sent_total{role="server"} 1`), body)
}

func TestNewServerDisabled(t *testing.T) {
	assert.Nil(t, NewServer(Config{}, NewPrometheus(nil), nil))
	assert.NotNil(t, NewServer(Config{EnablePrometheus: true, Addr: "127.0.0.1:0"}, NewPrometheus(nil), nil))
}
