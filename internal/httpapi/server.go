// Package httpapi routes the HTTP surface: the websocket endpoint, the
// one-shot prompt API, diagnostics, and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/agent-command/vcd/internal/logging"
	"github.com/agent-command/vcd/internal/metrics"
	"github.com/agent-command/vcd/internal/runner"
	"github.com/agent-command/vcd/internal/summary"
	"github.com/agent-command/vcd/internal/terminal"
)

const maxPromptBody = 1 << 20

type Runner interface {
	Run(ctx context.Context, input string) runner.Result
}

type HealthChecker interface {
	Health(ctx context.Context) summary.Health
}

type SessionStatus interface {
	Status() terminal.Status
}

type Options struct {
	Runner   Runner
	Summary  HealthChecker
	Terminal SessionStatus
	// WS serves /ws. Nil leaves the route unregistered.
	WS http.Handler
	// AllowedOrigins restricts cross-origin requests. Empty allows any.
	AllowedOrigins []string
	Metrics        *metrics.Metrics
	Logger         *log.Logger
}

type server struct {
	opts   Options
	logger *log.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &server{opts: opts, logger: opts.Logger.With("component", "http")}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/healthz", s.handleHealthz)
	if opts.WS != nil {
		r.Handle("/ws", opts.WS)
	}
	r.Route("/api", func(r chi.Router) {
		r.Post("/prompt", s.handlePrompt)
		r.Get("/summarizer/health", s.handleSummarizerHealth)
		r.Get("/session", s.handleSession)
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}
	return r
}

type promptRequest struct {
	ID   json.RawMessage `json:"id,omitempty"`
	Text string          `json:"text"`
}

type promptResponse struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Text    string          `json:"text,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Preview string          `json:"preview,omitempty"`
}

func (s *server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPromptBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, promptResponse{Error: "bad_request", Message: "invalid JSON body"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, promptResponse{ID: req.ID, Error: "missing_text", Message: "missing text"})
		return
	}

	start := time.Now()
	res := s.opts.Runner.Run(r.Context(), req.Text)
	outcome := "ok"
	if !res.OK {
		outcome = string(res.Error)
	}
	s.opts.Metrics.ObserveRun("http", outcome, time.Since(start))

	if res.OK {
		writeJSON(w, http.StatusOK, promptResponse{ID: req.ID, Text: res.Text})
		return
	}
	status := res.Status
	if status < http.StatusBadRequest {
		status = http.StatusInternalServerError
	}
	s.logger.Debug("prompt failed", "error", res.Error, "status", status)
	writeJSON(w, status, promptResponse{
		ID:      req.ID,
		Error:   string(res.Error),
		Message: res.Message,
		Preview: res.Preview,
	})
}

func (s *server) handleSummarizerHealth(w http.ResponseWriter, r *http.Request) {
	h := s.opts.Summary.Health(r.Context())
	s.logger.Debug("summarizer health", "engine", h.Engine, "ok", h.OK)
	writeJSON(w, http.StatusOK, h)
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Terminal.Status())
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if !originAllowed(origin, s.opts.AllowedOrigins) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden", "message": "origin not allowed"})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
