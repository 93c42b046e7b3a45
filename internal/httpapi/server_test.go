package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/vcd/internal/config"
	"github.com/agent-command/vcd/internal/metrics"
	"github.com/agent-command/vcd/internal/runner"
	"github.com/agent-command/vcd/internal/summary"
	"github.com/agent-command/vcd/internal/terminal"
)

type stubStatus struct{ status terminal.Status }

func (s stubStatus) Status() terminal.Status { return s.status }

type stubHealth struct{ health summary.Health }

func (s stubHealth) Health(context.Context) summary.Health { return s.health }

func newTestRouter(t *testing.T, command string, origins ...string) (http.Handler, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	h := NewRouter(Options{
		Runner: runner.New(runner.Config{
			Command:  command,
			Timeout:  5 * time.Second,
			MaxInput: 2000,
		}, nil),
		Summary:        stubHealth{summary.Health{Engine: config.EngineHeuristic, OK: true}},
		Terminal:       stubStatus{terminal.Status{State: terminal.StateStopped}},
		WS:             http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		AllowedOrigins: origins,
		Metrics:        m,
	})
	return h, m
}

func do(t *testing.T, h http.Handler, method, path, body string, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := rec.Result()
	t.Cleanup(func() { _ = resp.Body.Close() })

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func TestPromptSuccess(t *testing.T) {
	h, _ := newTestRouter(t, "echo")
	resp, body := do(t, h, http.MethodPost, "/api/prompt", `{"id":"p1","text":"hello there"}`, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p1", body["id"])
	assert.Equal(t, "hello there", body["text"])
	assert.NotContains(t, body, "error")
}

func TestPromptNumericID(t *testing.T) {
	h, _ := newTestRouter(t, "echo")
	_, body := do(t, h, http.MethodPost, "/api/prompt", `{"id":7,"text":"x"}`, nil)
	assert.Equal(t, float64(7), body["id"])
}

func TestPromptMissingText(t *testing.T) {
	h, _ := newTestRouter(t, "echo")
	for _, payload := range []string{`{}`, `{"text":""}`, ``} {
		resp, body := do(t, h, http.MethodPost, "/api/prompt", payload, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
		assert.Equal(t, "missing_text", body["error"], payload)
	}
}

func TestPromptBadJSON(t *testing.T) {
	h, _ := newTestRouter(t, "echo")
	resp, body := do(t, h, http.MethodPost, "/api/prompt", `{"text":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["error"])
}

func TestPromptWhitespaceIsEmptyInput(t *testing.T) {
	h, _ := newTestRouter(t, "echo")
	resp, body := do(t, h, http.MethodPost, "/api/prompt", `{"text":"   "}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(runner.KindEmptyInput), body["error"])
}

func TestPromptCommandFailure(t *testing.T) {
	h, m := newTestRouter(t, "false")
	resp, body := do(t, h, http.MethodPost, "/api/prompt", `{"id":"f","text":"anything"}`, nil)

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "f", body["id"])
	assert.Equal(t, string(runner.KindCommandFailed), body["error"])
	assert.Equal(t, "Command failed (code 1).", body["message"])

	expected := `
# HELP vcd_runs_total Subprocess runs by entry point and outcome.
# TYPE vcd_runs_total counter
vcd_runs_total{outcome="command_failed",source="http"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "vcd_runs_total"))
}

func TestSpawnFailure(t *testing.T) {
	h, _ := newTestRouter(t, "/nonexistent/vcd-test-binary")
	resp, body := do(t, h, http.MethodPost, "/api/prompt", `{"text":"x"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, string(runner.KindSpawn), body["error"])
}

func TestSummarizerHealth(t *testing.T) {
	h, _ := newTestRouter(t, "echo")
	resp, body := do(t, h, http.MethodGet, "/api/summarizer/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "heuristic", body["engine"])
	assert.Equal(t, true, body["ok"])
}

func TestSessionStatus(t *testing.T) {
	h, _ := newTestRouter(t, "echo")
	resp, body := do(t, h, http.MethodGet, "/api/session", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stopped", body["state"])
	assert.Equal(t, false, body["running"])
}

func TestHealthzAndWSRoute(t *testing.T) {
	h, _ := newTestRouter(t, "echo")
	resp, body := do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, _ = do(t, h, http.MethodGet, "/ws", "", nil)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(t, "echo")
	do(t, h, http.MethodPost, "/api/prompt", `{"text":"count me"}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `source="http"`)
}

func TestCORS(t *testing.T) {
	h, _ := newTestRouter(t, "echo", "http://good.example")

	resp, body := do(t, h, http.MethodGet, "/healthz", "", http.Header{"Origin": {"http://evil.example"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", body["error"])

	resp, _ = do(t, h, http.MethodGet, "/healthz", "", http.Header{"Origin": {"http://good.example"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://good.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = do(t, h, http.MethodOptions, "/api/prompt", "", http.Header{"Origin": {"http://good.example"}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed("http://a", nil))
	assert.True(t, originAllowed("http://a", []string{"*"}))
	assert.True(t, originAllowed("HTTP://A", []string{"http://a"}))
	assert.False(t, originAllowed("http://b", []string{"http://a"}))
}
