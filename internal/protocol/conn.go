// Package protocol implements the per-connection message state machine:
// session control, prompts with approval gating, buffer slices, and
// debounced summaries.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agent-command/vcd/internal/approval"
	"github.com/agent-command/vcd/internal/expand"
	"github.com/agent-command/vcd/internal/logging"
	"github.com/agent-command/vcd/internal/metrics"
	"github.com/agent-command/vcd/internal/runner"
	"github.com/agent-command/vcd/internal/summary"
	"github.com/agent-command/vcd/internal/terminal"
)

const (
	DefaultDebounce = 500 * time.Millisecond

	approvalReason = "risky_action_detected"
)

// Sender delivers one outbound message to the client.
type Sender interface {
	Send(v any) error
}

// Terminal is the shared PTY session.
type Terminal interface {
	Start(opts terminal.Options) (terminal.StartResult, error)
	Write(data []byte) error
	Interrupt() error
	Resize(cols, rows int) error
	Stop() error
	Reset() (terminal.StartResult, error)
	Running() bool
	Buffer() string
	Subscribe() (*terminal.Subscription, string)
	Unsubscribe(sub *terminal.Subscription)
}

type Runner interface {
	RunStream(ctx context.Context, input string, h runner.StreamHandlers) runner.Result
}

type Summarizer interface {
	Summarize(ctx context.Context, text string) summary.Summary
	SummarizeIfChanged(ctx context.Context, text, lastHash string) summary.Change
}

type Classifier interface {
	Classify(text string) approval.Risk
}

// Options carries the collaborators shared by every connection.
type Options struct {
	Terminal        Terminal
	Runner          Runner
	Summarizer      Summarizer
	Classifier      Classifier
	ApprovalTimeout time.Duration
	// Debounce is the quiet period before a summary pass. Zero means
	// DefaultDebounce.
	Debounce time.Duration
	Logger   *log.Logger
	Metrics  *metrics.Metrics
}

// Conn is the protocol state of one client connection. Handle must be called
// from a single goroutine; everything else is safe for concurrent use.
type Conn struct {
	opts    Options
	out     Sender
	logger  *log.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup

	gate  *approval.Gate
	sched *scheduler

	mu   sync.Mutex
	corr string
	agg  strings.Builder
	hash string
	last *summary.Summary
	sub  *terminal.Subscription
}

// NewConn starts the connection's summary scheduler. Close releases it.
func NewConn(ctx context.Context, out Sender, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		opts:    opts,
		out:     out,
		logger:  opts.Logger.With("component", "protocol"),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.gate = approval.NewGate(opts.ApprovalTimeout, approval.Notifier{
		OnRequest: func(r approval.Request) {
			c.send(actionRequestOut{Type: "actionRequest", Request: r})
		},
		OnResolved: func(d approval.Decision) {
			c.metrics.ObserveApproval(approvalOutcome(d))
			c.send(actionResolvedOut{Type: "actionResolved", Decision: d})
		},
	})
	c.sched = newScheduler(opts.Debounce, c.summaryPass, c.summaryStatus)
	go c.sched.run(ctx)
	return c
}

// Close cancels running work, denies pending approvals, detaches from the
// terminal, and waits for the connection's goroutines. Messages produced
// after Close are dropped.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.gate.Close()

		c.mu.Lock()
		sub := c.sub
		c.sub = nil
		c.mu.Unlock()
		if sub != nil {
			c.opts.Terminal.Unsubscribe(sub)
		}

		<-c.sched.done
		c.wg.Wait()
	})
}

// Handle dispatches one inbound frame.
func (c *Conn) Handle(data []byte) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil || env == nil {
		c.metrics.CountMessage("invalid")
		c.send(errorMsg(nil, ErrInvalidJSON, "invalid json"))
		return
	}
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		c.metrics.CountMessage("invalid")
		c.send(errorMsg(nil, ErrBadRequest, "type must be a string"))
		return
	}

	switch msg.Type {
	case "hello":
		c.send(helloOut{Type: "hello", OK: true})
	case "startSession":
		c.handleStartSession(data)
	case "prompt":
		c.handlePrompt(data)
	case "actionResponse":
		c.handleActionResponse(data)
	case "interrupt":
		c.handleInterrupt()
	case "resize":
		c.handleResize(data)
	case "reset":
		c.handleReset()
	case "stop":
		if err := c.opts.Terminal.Stop(); err != nil {
			c.logger.Warn("stop failed", "err", err)
		}
	case "expandRequest":
		c.handleExpand(data)
	default:
		c.metrics.CountMessage("unknown")
		c.logger.Debug("unknown message type", "type", msg.Type)
		c.send(errorMsg(nil, ErrUnknownType, "unknown message type"))
		return
	}
	c.metrics.CountMessage(msg.Type)
}

func (c *Conn) decode(data []byte, v any) bool {
	if err := json.Unmarshal(data, v); err != nil {
		c.send(errorMsg(nil, ErrBadRequest, fmt.Sprintf("bad request: %v", err)))
		return false
	}
	return true
}

func (c *Conn) handleStartSession(data []byte) {
	var msg startSessionMsg
	if !c.decode(data, &msg) {
		return
	}
	res, err := c.opts.Terminal.Start(msg.Options)
	if err != nil {
		c.logger.Error("start session failed", "err", err)
		c.send(errorMsg(nil, ErrPTYStartFailed, err.Error()))
		c.send(sessionStartedOut{Type: "sessionStarted"})
		return
	}
	c.sessionStarted(res)
}

func (c *Conn) handleReset() {
	res, err := c.opts.Terminal.Reset()
	if err != nil {
		c.logger.Error("reset failed", "err", err)
		c.send(errorMsg(nil, ErrPTYStartFailed, err.Error()))
		return
	}
	c.sessionStarted(res)
}

// sessionStarted reports a (re)started session and attaches this connection
// to its output.
func (c *Conn) sessionStarted(res terminal.StartResult) {
	// Terminal output is summarized from the PTY buffer from here on.
	c.mu.Lock()
	c.agg.Reset()
	c.mu.Unlock()

	cfg := res.Config
	c.send(sessionStartedOut{
		Type:           "sessionStarted",
		OK:             res.OK,
		AlreadyRunning: res.AlreadyRunning,
		PID:            res.PID,
		Config:         &cfg,
		Running:        c.opts.Terminal.Running(),
	})
	c.attach()
	c.sched.Trigger()
}

// attach subscribes to the terminal once per connection and replays the
// retained output.
func (c *Conn) attach() {
	c.mu.Lock()
	if c.sub != nil || c.closed.Load() {
		c.mu.Unlock()
		return
	}
	sub, history := c.opts.Terminal.Subscribe()
	c.sub = sub
	c.mu.Unlock()

	if history != "" {
		c.send(outputOut{Type: "output", Data: history})
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for ev := range sub.C {
			if ev.Exit != nil {
				c.send(sessionExitOut{Type: "sessionExit", Info: ev.Exit})
				continue
			}
			c.send(outputOut{Type: "output", Data: ev.Data})
			c.sched.Trigger()
		}
	}()
}

func (c *Conn) handlePrompt(data []byte) {
	var msg promptMsg
	if !c.decode(data, &msg) {
		return
	}
	c.send(ackOut{Type: "ack", ID: msg.ID})

	corr := idString(msg.ID)
	if corr == "" {
		corr = uuid.NewString()
	}
	c.mu.Lock()
	c.corr = corr
	c.hash = ""
	c.last = nil
	c.mu.Unlock()

	// Approval waits must not hold up the dispatch loop: the decision
	// arrives as a later message on this same connection.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runPrompt(msg.ID, corr, msg.Text)
	}()
}

func (c *Conn) runPrompt(id json.RawMessage, corr, text string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("prompt handler panic", "panic", r, "stack", string(debug.Stack()))
			c.send(errorMsg(id, ErrServer, "Unexpected error."))
			c.finalize(corr)
		}
	}()

	if risk := c.opts.Classifier.Classify(text); risk.Risky {
		d := c.gate.Await(c.ctx, approvalReason, risk.Reasons, text)
		if !d.Approved {
			c.send(errorMsg(id, ErrDenied, "Action denied (approval required)."))
			return
		}
	}

	if c.opts.Terminal.Running() {
		err := c.opts.Terminal.Write([]byte(text + "\n"))
		if err == nil {
			return
		}
		if !errors.Is(err, terminal.ErrNotRunning) {
			c.logger.Warn("pty write failed", "err", err)
			c.send(errorMsg(id, ErrPTYWriteFailed, err.Error()))
			return
		}
		// The session ended in between; run the prompt as a command instead.
	}

	c.mu.Lock()
	c.agg.Reset()
	c.mu.Unlock()

	start := time.Now()
	res := c.opts.Runner.RunStream(c.ctx, text, runner.StreamHandlers{
		OnStdout: func(chunk string) {
			c.mu.Lock()
			c.agg.WriteString(chunk)
			c.mu.Unlock()
			c.send(replyChunkOut{Type: "replyChunk", ID: id, CorrelationID: corr, Data: chunk})
			c.sched.Trigger()
		},
		OnStderr: func(chunk string) {
			c.send(replyChunkOut{Type: "replyChunk", ID: id, CorrelationID: corr, Data: chunk, Stderr: true})
		},
	})
	c.metrics.ObserveRun("ws", runOutcome(res), time.Since(start))

	if res.OK {
		c.send(replyOut{Type: "reply", ID: id, CorrelationID: corr, Text: res.Text})
	} else {
		c.logger.Debug("prompt failed", "corr", corr, "error", res.Error, "status", res.Status)
		c.send(errorOut{Type: "error", ID: id, Error: string(res.Error), Message: res.Message, Preview: res.Preview})
	}
	c.finalize(corr)
}

// finalize sends the closing summary of a command run, always computed
// fresh, followed by an idle status.
func (c *Conn) finalize(corr string) {
	c.sched.Cancel()

	c.mu.Lock()
	buf := c.agg.String()
	c.mu.Unlock()

	sum := c.opts.Summarizer.Summarize(c.ctx, buf)

	c.mu.Lock()
	c.last = &sum
	c.hash = summary.Hash(buf)
	c.mu.Unlock()

	c.send(summaryOut{Type: "summaryFinal", CorrelationID: corr, Summary: &sum})
	c.send(summaryStatusOut{Type: "summaryStatus", Running: false, CorrelationID: corr})
}

func (c *Conn) handleActionResponse(data []byte) {
	var msg actionResponseMsg
	if !c.decode(data, &msg) {
		return
	}
	if !c.gate.Resolve(msg.ActionID, msg.Approve) {
		c.logger.Debug("decision for unknown or resolved action", "action", msg.ActionID)
	}
}

func (c *Conn) handleInterrupt() {
	if err := c.opts.Terminal.Interrupt(); err != nil {
		c.terminalError(err)
	}
}

func (c *Conn) handleResize(data []byte) {
	var msg resizeMsg
	if !c.decode(data, &msg) {
		return
	}
	if err := c.opts.Terminal.Resize(msg.Cols, msg.Rows); err != nil {
		c.terminalError(err)
	}
}

func (c *Conn) terminalError(err error) {
	switch {
	case errors.Is(err, terminal.ErrNotRunning):
		c.send(errorMsg(nil, ErrNotRunning, "No terminal session is running."))
	case errors.Is(err, terminal.ErrInvalidSize):
		c.send(errorMsg(nil, ErrBadRequest, err.Error()))
	default:
		c.logger.Warn("terminal operation failed", "err", err)
		c.send(errorMsg(nil, ErrServer, err.Error()))
	}
}

func (c *Conn) handleExpand(data []byte) {
	var msg expandRequestMsg
	if !c.decode(data, &msg) {
		return
	}
	if msg.RequestID == "" {
		msg.RequestID = uuid.NewString()
	}

	s, err := expand.Extract(expand.Kind(msg.ExpandType), c.currentBuffer())
	resp := expandResponseOut{Type: "expandResponse", RequestID: msg.RequestID}
	switch {
	case errors.Is(err, expand.ErrUnknownKind):
		resp.Error = ErrUnknownExpand
		resp.Message = "Unknown expandType: " + msg.ExpandType
	case errors.Is(err, expand.ErrNotFound):
		resp.Error = ErrNoContent
		resp.Message = "No matching content found in buffer."
	case err != nil:
		resp.Error = "expand_failed"
		resp.Message = err.Error()
	default:
		resp.OK = true
		resp.Kind = s.Kind
		resp.Title = s.Title
		resp.Mime = s.Mime
		resp.Content = s.Content
	}
	c.send(resp)
}

// currentBuffer is the output summaries and slices are taken from: the PTY
// buffer while a session is running and has output, otherwise this
// connection's last command output.
func (c *Conn) currentBuffer() string {
	if c.opts.Terminal.Running() {
		if buf := c.opts.Terminal.Buffer(); buf != "" {
			return buf
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agg.String()
}

func (c *Conn) summaryPass(ctx context.Context) {
	c.mu.Lock()
	hash := c.hash
	corr := c.corr
	c.mu.Unlock()

	ch := c.opts.Summarizer.SummarizeIfChanged(ctx, c.currentBuffer(), hash)
	if !ch.Changed {
		return
	}

	c.mu.Lock()
	c.hash = ch.Hash
	c.last = ch.Summary
	c.mu.Unlock()

	c.send(summaryOut{Type: "summaryUpdate", CorrelationID: corr, Summary: ch.Summary})
}

func (c *Conn) summaryStatus(running bool) {
	c.mu.Lock()
	corr := c.corr
	c.mu.Unlock()
	c.send(summaryStatusOut{Type: "summaryStatus", Running: running, CorrelationID: corr})
}

// LastSummary returns the most recent summary sent on this connection.
func (c *Conn) LastSummary() *summary.Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Conn) send(v any) {
	if c.closed.Load() {
		return
	}
	if err := c.out.Send(v); err != nil {
		c.logger.Debug("send failed", "err", err)
	}
}

func approvalOutcome(d approval.Decision) string {
	switch {
	case d.Approved:
		return "approved"
	case d.Reason != "":
		return d.Reason
	default:
		return "denied"
	}
}

func runOutcome(res runner.Result) string {
	if res.OK {
		return "ok"
	}
	return string(res.Error)
}
