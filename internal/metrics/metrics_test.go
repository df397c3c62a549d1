package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func TestConnectionLifecycle(t *testing.T) {
	m := New("test")

	m.ConnectionOpened("line")
	m.ConnectionOpened("line")
	m.ConnectionClosed("line", "ok", 2*time.Second)
	m.ConnectionRejected("frame")

	assert.Equal(t, 1.0, gatherValue(t, m, "test_active_connections", map[string]string{"mode": "line"}))
	assert.Equal(t, 1.0, gatherValue(t, m, "test_connections_total", map[string]string{"mode": "line", "status": "ok"}))
	assert.Equal(t, 1.0, gatherValue(t, m, "test_connections_total", map[string]string{"mode": "frame", "status": "rejected"}))
	assert.Equal(t, 1.0, gatherValue(t, m, "test_connection_duration_seconds", map[string]string{"mode": "line"}))
}

func TestCounters(t *testing.T) {
	m := New("")

	m.Unit("frame")
	m.Unit("frame")
	m.Frame("ping", Inbound)
	m.Frame("pong", Outbound)
	m.SendError()
	m.JournalWrite("sqlite", nil)
	m.JournalWrite("redis", errors.New("down"))

	assert.Equal(t, 2.0, gatherValue(t, m, "cogserver_units_total", map[string]string{"mode": "frame"}))
	assert.Equal(t, 1.0, gatherValue(t, m, "cogserver_websocket_frames_total", map[string]string{"opcode": "pong", "direction": "out"}))
	assert.Equal(t, 1.0, gatherValue(t, m, "cogserver_send_errors_total", nil))
	assert.Equal(t, 1.0, gatherValue(t, m, "cogserver_journal_writes_total", map[string]string{"backend": "redis", "status": "error"}))
}

func TestSeparateRegistries(t *testing.T) {
	a, b := New("dup"), New("dup")
	a.SendError()
	assert.Equal(t, 1.0, gatherValue(t, a, "dup_send_errors_total", nil))
	assert.Equal(t, 0.0, gatherValue(t, b, "dup_send_errors_total", nil))
}

func TestHandler(t *testing.T) {
	m := New("cogserver")
	m.Unit("line")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `cogserver_units_total{mode="line"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ConnectionOpened("line")
		m.ConnectionClosed("line", "ok", time.Second)
		m.ConnectionRejected("line")
		m.Unit("line")
		m.Frame("text", Inbound)
		m.SendError()
		m.JournalWrite("sqlite", nil)
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
