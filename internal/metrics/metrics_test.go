package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveRun("ws", "ok", 20*time.Millisecond)
	m.ObserveRun("ws", "ok", 30*time.Millisecond)
	m.ObserveRun("http", "timeout", time.Second)
	m.ObserveApproval("timeout")
	m.CountMessage("hello")
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetPTYRunning(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runs.WithLabelValues("ws", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("http", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.approvals.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ptyRunning))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveSummary("heuristic", "updated", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `vcd_summaries_total{engine="heuristic",outcome="updated"} 1`)
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRun("ws", "ok", 0)
	m.ObserveApproval("approved")
	m.ObserveSummary("llm", "fallback", 0)
	m.CountMessage("prompt")
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.SetPTYRunning(false)
	assert.Nil(t, m.Registry())
}
