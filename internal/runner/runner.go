// Package runner executes a configured command once per prompt, passing the
// sanitized prompt as the final argument, and captures bounded output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/agent-command/vcd/internal/logging"
)

// ErrorKind classifies a failed run. It is sent to clients verbatim.
type ErrorKind string

const (
	KindEmptyInput    ErrorKind = "empty_input"
	KindSpawn         ErrorKind = "spawn_error"
	KindTimeout       ErrorKind = "timeout"
	KindCommandFailed ErrorKind = "command_failed"
	KindCanceled      ErrorKind = "canceled"
)

const (
	inputTruncatedNote  = "[input truncated]"
	outputTruncatedNote = "[output truncated]"
	previewLimit        = 2000
	// waitDelay bounds how long Wait keeps copying output after the process
	// is gone, for children that leaked the pipes to grandchildren.
	waitDelay = time.Second
)

type Config struct {
	Command   string
	Args      []string
	Timeout   time.Duration
	MaxInput  int
	MaxStdout int
	MaxStderr int
}

// Result is the outcome of one run. Exactly one of OK or Error is set.
type Result struct {
	OK      bool      `json:"ok"`
	Text    string    `json:"text,omitempty"`
	Error   ErrorKind `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
	Details string    `json:"details,omitempty"`
	Preview string    `json:"preview,omitempty"`
	// Status is the HTTP status the result maps to.
	Status int `json:"status"`

	Stdout          string        `json:"-"`
	Stderr          string        `json:"-"`
	ExitCode        int           `json:"-"`
	InputTruncated  bool          `json:"-"`
	StdoutTruncated bool          `json:"-"`
	StderrTruncated bool          `json:"-"`
	Duration        time.Duration `json:"-"`
}

// StreamHandlers receive sanitized output chunks as they arrive. Either may
// be nil. Handlers are called from the goroutines copying the process
// output, one call at a time per stream.
type StreamHandlers struct {
	OnStdout func(chunk string)
	OnStderr func(chunk string)
}

type Runner struct {
	cfg    Config
	logger *log.Logger
}

func New(cfg Config, logger *log.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "runner")}
}

// Config returns the runner configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Run executes the command and buffers its output.
func (r *Runner) Run(ctx context.Context, input string) Result {
	return r.RunStream(ctx, input, StreamHandlers{})
}

// RunStream executes the command, invoking h for every output chunk. The
// call returns once the process has exited and its output has been drained.
func (r *Runner) RunStream(ctx context.Context, input string, h StreamHandlers) Result {
	start := time.Now()
	text, inputTruncated := Sanitize(input, r.cfg.MaxInput)
	if text == "" {
		return Result{
			Error:   KindEmptyInput,
			Message: "Please provide some text.",
			Status:  http.StatusBadRequest,
		}
	}

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if r.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
	}
	defer cancel()

	args := append(append([]string(nil), r.cfg.Args...), text)
	cmd := exec.CommandContext(runCtx, r.cfg.Command, args...)
	cmd.WaitDelay = waitDelay

	stdout := &captureWriter{max: r.cfg.MaxStdout, emit: h.OnStdout}
	stderr := &captureWriter{max: r.cfg.MaxStderr, emit: h.OnStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.Debug("spawning", "cmd", r.cfg.Command, "args", len(args), "input_len", len(text))

	if err := cmd.Start(); err != nil {
		r.logger.Warn("spawn failed", "cmd", r.cfg.Command, "err", err)
		return Result{
			Error:    KindSpawn,
			Message:  "Command failed to start.",
			Details:  err.Error(),
			Status:   http.StatusInternalServerError,
			Duration: time.Since(start),
		}
	}

	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	res := Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		ExitCode:        -1,
		InputTruncated:  inputTruncated,
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Duration:        time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Error = KindTimeout
		res.Message = fmt.Sprintf("Command timed out after %gs", r.cfg.Timeout.Seconds())
		res.Status = http.StatusGatewayTimeout
		res.Preview = preview(res.Stderr, res.Stdout)
	case ctx.Err() != nil:
		res.Error = KindCanceled
		res.Message = "Command canceled."
		res.Status = 499
	case waitErr == nil && res.ExitCode == 0:
		res.OK = true
		res.Status = http.StatusOK
		res.Text = withNotes(strings.TrimSpace(res.Stdout), inputTruncated, stdout.truncated)
	default:
		res.Error = KindCommandFailed
		res.Message = fmt.Sprintf("Command failed (code %d).", res.ExitCode)
		res.Status = http.StatusInternalServerError
		res.Preview = preview(res.Stderr, res.Stdout)
		if waitErr != nil {
			res.Details = waitErr.Error()
		}
	}

	r.logger.Debug("finished", "ok", res.OK, "error", res.Error, "exit", res.ExitCode,
		"stdout", len(res.Stdout), "stderr", len(res.Stderr), "took", res.Duration)
	return res
}

func withNotes(text string, inputTruncated, outputTruncated bool) string {
	var notes []string
	if inputTruncated {
		notes = append(notes, inputTruncatedNote)
	}
	if outputTruncated {
		notes = append(notes, outputTruncatedNote)
	}
	if len(notes) == 0 {
		return text
	}
	if text == "" {
		return strings.Join(notes, "\n")
	}
	return text + "\n\n" + strings.Join(notes, "\n")
}

func preview(stderr, stdout string) string {
	for _, s := range []string{stderr, stdout} {
		if s = strings.TrimSpace(s); s != "" {
			return truncate(s, previewLimit)
		}
	}
	return "No output"
}

// captureWriter accumulates sanitized output up to max bytes and forwards
// each sanitized chunk to emit. Bytes past max are discarded.
type captureWriter struct {
	mu        sync.Mutex
	max       int
	emit      func(string)
	buf       bytes.Buffer
	pending   []byte
	truncated bool
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.pending, p...)
	cut := completePrefix(data)
	w.pending = append([]byte(nil), data[cut:]...)
	w.append(StripControl(string(data[:cut])))
	return len(p), nil
}

// flush emits any trailing partial rune left once the stream has ended.
func (w *captureWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.append(StripControl(string(w.pending)))
		w.pending = nil
	}
}

func (w *captureWriter) append(chunk string) {
	if chunk == "" {
		return
	}
	if w.max > 0 {
		room := w.max - w.buf.Len()
		if room <= 0 {
			w.truncated = true
			return
		}
		if len(chunk) > room {
			chunk = truncate(chunk, room)
			w.truncated = true
		}
	}
	w.buf.WriteString(chunk)
	if w.emit != nil && chunk != "" {
		w.emit(chunk)
	}
}

func (w *captureWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
