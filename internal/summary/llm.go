package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/agent-command/vcd/internal/logging"
)

const (
	healthTimeout = 3 * time.Second
	errBodyLimit  = 4096
)

const systemPrompt = "You compress arbitrary developer tool output into strict JSON."

const schemaHint = `{
  "version": "1.0",
  "bullets": string[]            // at most 6 short bullets
  "filesChanged": [{"path": string, "adds": number, "dels": number}],
  "tests": {"passed": number, "failed": number, "failures": [{"name": string, "message": string}]},
  "errors": [{"type": string, "message": string, "file"?: string, "line"?: number}],
  "actions": string[]            // at most 6 suggested next steps
  "metrics": {"durationMs"?: number, "commandsRun"?: number, "exitCode"?: number}
}`

// ErrNoResponse means the model server never produced a usable reply, as
// opposed to replying with something that did not parse.
var ErrNoResponse = errors.New("llm: no response from model server")

// ProviderError is a non-200 reply from the model server.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Message)
}

type LLMConfig struct {
	URL            string
	Model          string
	ChunkSize      int
	MaxInput       int
	Timeout        time.Duration
	MapConcurrency int
}

// LLM summarizes through an Ollama server with a map-reduce over chunks.
type LLM struct {
	cfg    LLMConfig
	client *http.Client
	logger *log.Logger
}

func NewLLM(cfg LLMConfig, client *http.Client, logger *log.Logger) *LLM {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 6000
	}
	if cfg.MaxInput <= 0 {
		cfg.MaxInput = 200000
	}
	if cfg.MapConcurrency <= 0 {
		cfg.MapConcurrency = 1
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &LLM{cfg: cfg, client: client, logger: logger.With("component", "llm")}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Response string `json:"response"`
}

// Summarize map-reduces text into a Summary. Chunks whose reply does not
// parse are skipped; if none parse the result is Empty. ErrNoResponse is
// returned only when every chunk call failed at the transport level.
func (l *LLM) Summarize(ctx context.Context, text string) (Summary, error) {
	if strings.TrimSpace(text) == "" {
		return Empty(), nil
	}
	chunks := Chunk(tail(text, l.cfg.MaxInput), l.cfg.ChunkSize)
	if len(chunks) == 0 {
		return Empty(), nil
	}

	parts := make([]*Summary, len(chunks))
	failures := make([]error, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.cfg.MapConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			reply, err := l.chat(gctx, mapPrompt(chunk, i, len(chunks)))
			if err != nil {
				failures[i] = err
				return nil
			}
			raw, ok := ParseModelJSON(reply)
			if !ok {
				l.logger.Debug("chunk reply did not parse", "chunk", i, "len", len(reply))
				return nil
			}
			s := Normalize(raw)
			parts[i] = &s
			return nil
		})
	}
	_ = g.Wait()

	var (
		summaries []Summary
		transport int
	)
	for i := range chunks {
		if parts[i] != nil {
			summaries = append(summaries, *parts[i])
		}
		if failures[i] != nil {
			transport++
		}
	}

	if transport == len(chunks) {
		return Summary{}, fmt.Errorf("%w: %v", ErrNoResponse, failures[0])
	}
	switch len(summaries) {
	case 0:
		return Empty(), nil
	case 1:
		return summaries[0], nil
	}

	reduced, err := l.reduce(ctx, summaries)
	if err != nil {
		l.logger.Debug("reduce failed, merging locally", "parts", len(summaries), "err", err)
		return NaiveMerge(summaries), nil
	}
	return reduced, nil
}

func (l *LLM) reduce(ctx context.Context, parts []Summary) (Summary, error) {
	payload, err := json.Marshal(parts)
	if err != nil {
		return Summary{}, fmt.Errorf("marshal parts: %w", err)
	}
	reply, err := l.chat(ctx, reducePrompt(len(parts), string(payload)))
	if err != nil {
		return Summary{}, err
	}
	raw, ok := ParseModelJSON(reply)
	if !ok {
		return Summary{}, fmt.Errorf("reduce reply is not a JSON object")
	}
	return Normalize(raw), nil
}

func (l *LLM) chat(ctx context.Context, prompt string) (string, error) {
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(chatRequest{
		Model: l.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Options: map[string]any{"temperature": 0, "num_ctx": 2048},
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.URL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
		return "", &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llm: decoding response: %w", err)
	}
	if out.Message.Content != "" {
		return out.Message.Content, nil
	}
	return out.Response, nil
}

type LLMHealth struct {
	OK       bool   `json:"ok"`
	Server   string `json:"server"`
	Model    string `json:"model"`
	HasModel bool   `json:"hasModel"`
	Error    string `json:"error,omitempty"`
}

// Health checks that the server answers and whether the configured model is
// installed.
func (l *LLM) Health(ctx context.Context) LLMHealth {
	h := LLMHealth{Server: l.cfg.URL, Model: l.cfg.Model}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.URL+"/api/tags", nil)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	resp, err := l.client.Do(req)
	if err != nil {
		h.Error = err.Error()
		return h
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return h
	}

	var tags struct {
		Models []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		h.Error = fmt.Sprintf("decode tags: %v", err)
		return h
	}

	base := l.cfg.Model
	if i := strings.Index(base, ":"); i >= 0 {
		base = base[:i]
	}
	for _, m := range tags.Models {
		if strings.Contains(m.Name, base) || strings.Contains(m.Model, base) {
			h.HasModel = true
			break
		}
	}
	h.OK = true
	return h
}

// Chunk splits text into consecutive pieces of at most size bytes, never
// splitting a rune.
func Chunk(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	var out []string
	for len(text) > 0 {
		piece := truncateBytes(text, size)
		if piece == "" {
			// size is smaller than the next rune; take the rune whole.
			_, n := utf8.DecodeRuneInString(text)
			piece = text[:n]
		}
		out = append(out, piece)
		text = text[len(piece):]
	}
	return out
}

func mapPrompt(chunk string, index, total int) string {
	var b strings.Builder
	b.WriteString("Return JSON ONLY matching this schema:\n")
	b.WriteString(schemaHint)
	b.WriteString("\n\nSummarize only this chunk of developer tool output. ")
	b.WriteString("Keep bullets short and factual. Count tests and list failures and errors you can see. ")
	b.WriteString("Do not invent files or numbers.\n")
	fmt.Fprintf(&b, "CHUNK_INDEX=%d/%d\n---\n", index+1, total)
	b.WriteString(chunk)
	b.WriteString("\n---")
	return b.String()
}

func reducePrompt(n int, partsJSON string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Given %d JSON chunk summaries of one output stream, merge them into a single summary with the same schema:\n", n)
	b.WriteString(schemaHint)
	b.WriteString("\nMerge duplicate files and sum their counts, sum test counts, keep unique bullets (at most 6) and unique actions (at most 6).\n")
	b.WriteString("Return JSON ONLY.\nINPUT_JSON = ")
	b.WriteString(partsJSON)
	return b.String()
}
