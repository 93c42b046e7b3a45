package summary

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/x/ansi"

	"github.com/agent-command/vcd/internal/config"
	"github.com/agent-command/vcd/internal/logging"
	"github.com/agent-command/vcd/internal/metrics"
)

// hashWindow is how much of the output tail feeds the change hash.
const hashWindow = 5000

// Hash fingerprints the tail of text for change detection.
func Hash(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(tail(text, hashWindow)), 16)
}

// Change is the result of SummarizeIfChanged. Summary is only set when
// Changed is true.
type Change struct {
	Changed bool
	Hash    string
	Summary *Summary
}

type Health struct {
	Engine   config.Engine `json:"engine"`
	OK       bool          `json:"ok"`
	Server   string        `json:"server,omitempty"`
	Model    string        `json:"model,omitempty"`
	HasModel *bool         `json:"hasModel,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Service picks the configured engine and falls back to the heuristic when
// the model server cannot be reached.
type Service struct {
	engine  config.Engine
	llm     *LLM
	logger  *log.Logger
	metrics *metrics.Metrics
}

// NewService returns a summarizer for engine. llm may be nil for the
// heuristic engine; an LLM engine without a client degrades to heuristic.
func NewService(engine config.Engine, llm *LLM, logger *log.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if engine == config.EngineLLM && llm == nil {
		engine = config.EngineHeuristic
	}
	return &Service{
		engine:  engine,
		llm:     llm,
		logger:  logger.With("component", "summary"),
		metrics: m,
	}
}

func (s *Service) Engine() config.Engine {
	return s.engine
}

// Summarize never fails: model errors degrade to the heuristic.
func (s *Service) Summarize(ctx context.Context, text string) Summary {
	start := time.Now()
	clean := ansi.Strip(text)

	if s.engine == config.EngineLLM {
		sum, err := s.llm.Summarize(ctx, clean)
		if err == nil {
			s.metrics.ObserveSummary(string(config.EngineLLM), "ok", time.Since(start))
			return sum
		}
		s.logger.Debug("llm summarize failed, using heuristic", "err", err)
		s.metrics.ObserveSummary(string(config.EngineLLM), "fallback", time.Since(start))
		return Heuristic(clean)
	}

	sum := Heuristic(clean)
	s.metrics.ObserveSummary(string(config.EngineHeuristic), "ok", time.Since(start))
	return sum
}

// SummarizeIfChanged skips summarization when the output tail hashes to
// lastHash.
func (s *Service) SummarizeIfChanged(ctx context.Context, text, lastHash string) Change {
	h := Hash(text)
	if h == lastHash {
		s.metrics.ObserveSummary(string(s.engine), "unchanged", 0)
		return Change{Hash: h}
	}
	sum := s.Summarize(ctx, text)
	return Change{Changed: true, Hash: h, Summary: &sum}
}

func (s *Service) Health(ctx context.Context) Health {
	if s.engine != config.EngineLLM {
		return Health{Engine: s.engine, OK: true}
	}
	lh := s.llm.Health(ctx)
	hasModel := lh.HasModel
	return Health{
		Engine:   s.engine,
		OK:       lh.OK,
		Server:   lh.Server,
		Model:    lh.Model,
		HasModel: &hasModel,
		Error:    lh.Error,
	}
}
