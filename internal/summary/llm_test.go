package summary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama answers /api/chat with reply(prompt) and records prompts.
type fakeOllama struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (int, string)
	models  []string
}

func (f *fakeOllama) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.False(t, req.Stream)
		assert.Equal(t, "system", req.Messages[0].Role)
		prompt := req.Messages[len(req.Messages)-1].Content

		f.mu.Lock()
		f.prompts = append(f.prompts, prompt)
		f.mu.Unlock()

		status, content := f.reply(prompt)
		if status != http.StatusOK {
			http.Error(w, content, status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": content}})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var models []map[string]string
		for _, m := range f.models {
			models = append(models, map[string]string{"name": m})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	return mux
}

func (f *fakeOllama) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func newTestLLM(t *testing.T, f *fakeOllama, chunkSize int) *LLM {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewLLM(LLMConfig{
		URL:       srv.URL + "/",
		Model:     "qwen2.5:3b-instruct-q4_0",
		ChunkSize: chunkSize,
		Timeout:   5 * time.Second,
	}, srv.Client(), nil)
}

func isReduce(prompt string) bool {
	return strings.Contains(prompt, "INPUT_JSON")
}

func TestLLMSingleChunk(t *testing.T) {
	f := &fakeOllama{reply: func(string) (int, string) {
		return http.StatusOK, "Sure! Here you go:\n```json\n" +
			`{"bullets":["built ok"],"filesChanged":[{"path":"a.go","adds":3,"dels":1},{"adds":9}],"tests":{"passed":4,"failed":1,"failures":[{"name":"TestX","message":"boom"}]}}` +
			"\n```"
	}}
	l := newTestLLM(t, f, 6000)

	s, err := l.Summarize(context.Background(), "some output")
	require.NoError(t, err)
	assert.Equal(t, []string{"built ok"}, s.Bullets)
	assert.Equal(t, []FileChange{{Path: "a.go", Adds: 3, Dels: 1}}, s.FilesChanged)
	assert.Equal(t, 4, s.Tests.Passed)
	assert.Equal(t, 1, s.Tests.Failed)
	assert.Equal(t, 1, f.promptCount())
	f.mu.Lock()
	assert.Contains(t, f.prompts[0], "CHUNK_INDEX=1/1")
	f.mu.Unlock()
}

func TestLLMMapReduce(t *testing.T) {
	f := &fakeOllama{reply: func(p string) (int, string) {
		if isReduce(p) {
			return http.StatusOK, `{"bullets":["merged"],"tests":{"passed":2,"failed":0}}`
		}
		return http.StatusOK, `{"bullets":["part"],"tests":{"passed":1,"failed":0}}`
	}}
	l := newTestLLM(t, f, 10)

	s, err := l.Summarize(context.Background(), strings.Repeat("a", 25))
	require.NoError(t, err)
	assert.Equal(t, []string{"merged"}, s.Bullets)
	assert.Equal(t, 2, s.Tests.Passed)
	assert.Equal(t, 4, f.promptCount(), "three map calls and one reduce")
}

func TestLLMReduceFailureFallsBackToNaiveMerge(t *testing.T) {
	f := &fakeOllama{reply: func(p string) (int, string) {
		if isReduce(p) {
			return http.StatusInternalServerError, "model crashed"
		}
		return http.StatusOK, `{"bullets":["same"],"filesChanged":[{"path":"x.go","adds":1,"dels":2}]}`
	}}
	l := newTestLLM(t, f, 10)

	s, err := l.Summarize(context.Background(), strings.Repeat("b", 20))
	require.NoError(t, err)
	assert.Equal(t, []string{"same"}, s.Bullets)
	assert.Equal(t, []FileChange{{Path: "x.go", Adds: 2, Dels: 4}}, s.FilesChanged)
}

func TestLLMReduceUnparseableFallsBackToNaiveMerge(t *testing.T) {
	f := &fakeOllama{reply: func(p string) (int, string) {
		if isReduce(p) {
			return http.StatusOK, "I cannot do that"
		}
		return http.StatusOK, `{"tests":{"passed":1,"failed":1}}`
	}}
	l := newTestLLM(t, f, 10)

	s, err := l.Summarize(context.Background(), strings.Repeat("c", 20))
	require.NoError(t, err)
	assert.Equal(t, 2, s.Tests.Passed)
	assert.Equal(t, 2, s.Tests.Failed)
}

func TestLLMNoChunkParses(t *testing.T) {
	f := &fakeOllama{reply: func(string) (int, string) { return http.StatusOK, "not json at all" }}
	l := newTestLLM(t, f, 10)

	s, err := l.Summarize(context.Background(), strings.Repeat("d", 30))
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())
	assert.Equal(t, SchemaVersion, s.Version)
}

func TestLLMSkipsBadChunks(t *testing.T) {
	f := &fakeOllama{reply: func(p string) (int, string) {
		if strings.Contains(p, "CHUNK_INDEX=2/2") {
			return http.StatusOK, `{"bullets":["second"]}`
		}
		return http.StatusOK, "garbage"
	}}
	l := newTestLLM(t, f, 10)

	s, err := l.Summarize(context.Background(), strings.Repeat("e", 20))
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, s.Bullets)
	assert.Equal(t, 2, f.promptCount(), "a single parsed chunk needs no reduce")
}

func TestLLMServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	l := NewLLM(LLMConfig{URL: url, Model: "m", Timeout: time.Second}, nil, nil)
	_, err := l.Summarize(context.Background(), "output")
	require.ErrorIs(t, err, ErrNoResponse)
}

func TestLLMEmptyInput(t *testing.T) {
	l := NewLLM(LLMConfig{URL: "http://127.0.0.1:1"}, nil, nil)
	s, err := l.Summarize(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())
}

func TestLLMWhitespaceInput(t *testing.T) {
	f := &fakeOllama{reply: func(string) (int, string) {
		return http.StatusOK, `{"summary":"should not be asked"}`
	}}
	l := newTestLLM(t, f, 100)

	s, err := l.Summarize(context.Background(), "  \n\t\n   ")
	require.NoError(t, err)
	assert.True(t, s.IsEmpty())
	assert.Zero(t, f.promptCount())
}

func TestLLMHealth(t *testing.T) {
	f := &fakeOllama{models: []string{"llama3:8b", "qwen2.5:7b"}}
	l := newTestLLM(t, f, 0)

	h := l.Health(context.Background())
	assert.True(t, h.OK)
	assert.True(t, h.HasModel)
	assert.Equal(t, "qwen2.5:3b-instruct-q4_0", h.Model)

	f.mu.Lock()
	f.models = []string{"llama3:8b"}
	f.mu.Unlock()
	h = l.Health(context.Background())
	assert.True(t, h.OK)
	assert.False(t, h.HasModel)
}

func TestLLMHealthUnreachable(t *testing.T) {
	l := NewLLM(LLMConfig{URL: "http://127.0.0.1:1", Model: "m"}, nil, nil)
	h := l.Health(context.Background())
	assert.False(t, h.OK)
	assert.NotEmpty(t, h.Error)
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk("", 10))
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, Chunk("abcdefghij", 4))
	assert.Equal(t, []string{"a", "€", "b"}, Chunk("a€b", 2))
	assert.Equal(t, []string{"whole"}, Chunk("whole", 0))
}

func TestParseModelJSON(t *testing.T) {
	obj, ok := ParseModelJSON(`{"bullets":["x"]}`)
	require.True(t, ok)
	assert.Contains(t, obj, "bullets")

	obj, ok = ParseModelJSON("prefix {\"a\": 1} suffix")
	require.True(t, ok)
	assert.EqualValues(t, 1, obj["a"])

	_, ok = ParseModelJSON("[1,2,3]")
	assert.False(t, ok)
	_, ok = ParseModelJSON("} nope {")
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	raw := map[string]any{
		"bullets": []any{"a", 3.0, " ", "b", "c", "d", "e", "f", "g"},
		"actions": []any{"run tests"},
		"errors": []any{
			map[string]any{"type": "TypeError", "message": "x is undefined", "file": "a.js", "line": "12"},
			map[string]any{},
			"junk",
		},
		"metrics": map[string]any{"durationMs": 1500.0, "exitCode": 0.0, "commandsRun": "nope"},
		"tests":   map[string]any{"passed": "7", "failed": -2.0},
	}

	s := Normalize(raw)
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, s.Bullets)
	assert.Equal(t, []string{"run tests"}, s.Actions)
	require.Len(t, s.Errors, 1)
	require.NotNil(t, s.Errors[0].Line)
	assert.Equal(t, 12, *s.Errors[0].Line)
	require.NotNil(t, s.Metrics.DurationMs)
	assert.Equal(t, int64(1500), *s.Metrics.DurationMs)
	require.NotNil(t, s.Metrics.ExitCode)
	assert.Equal(t, 0, *s.Metrics.ExitCode)
	assert.Nil(t, s.Metrics.CommandsRun)
	assert.Equal(t, 7, s.Tests.Passed)
	assert.Equal(t, 0, s.Tests.Failed)
}
