// Package terminal owns the process-wide interactive shell session. The shell
// runs on a pseudo-terminal; its output is kept in a bounded buffer and fanned
// out to subscribers.
package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/agent-command/vcd/internal/logging"
	"github.com/agent-command/vcd/internal/metrics"
	"github.com/agent-command/vcd/internal/proc"
)

var (
	ErrNotRunning  = errors.New("pty not running")
	ErrInvalidSize = errors.New("invalid terminal size")
)

const (
	defaultShell     = "/bin/bash"
	defaultCols      = 120
	defaultRows      = 30
	defaultMaxBuffer = 100 * 1024
	maxDimension     = 1000

	subscriberBuffer = 256
	// exitReserve slots of every subscriber channel are kept free of output
	// so exit events are never dropped.
	exitReserve = 4

	stopGrace    = 2 * time.Second
	drainTimeout = 500 * time.Millisecond
	interruptKey = 0x03
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

// Defaults apply when Start is called without the corresponding option.
type Defaults struct {
	Shell     string
	Args      []string
	Cwd       string
	Env       map[string]string
	Cols      int
	Rows      int
	MaxBuffer int
	// ProcRoot is where Status looks up child processes. Empty means /proc.
	ProcRoot string
}

// Options are the client-supplied start parameters.
type Options struct {
	Shell string            `json:"cmd,omitempty"`
	Args  []string          `json:"args,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Cols  int               `json:"cols,omitempty"`
	Rows  int               `json:"rows,omitempty"`
}

// Config is the resolved configuration of a session.
type Config struct {
	Shell string            `json:"shell"`
	Args  []string          `json:"args"`
	Cwd   string            `json:"cwd,omitempty"`
	Cols  int               `json:"cols"`
	Rows  int               `json:"rows"`
	Env   map[string]string `json:"-"`
}

type StartResult struct {
	OK             bool   `json:"ok"`
	AlreadyRunning bool   `json:"alreadyRunning,omitempty"`
	PID            int    `json:"pid,omitempty"`
	Config         Config `json:"cfg"`
}

type ExitInfo struct {
	PID      int    `json:"pid"`
	ExitCode int    `json:"exitCode"`
	Signal   string `json:"signal,omitempty"`
}

// Event is either a chunk of output or the exit of the session process.
type Event struct {
	Data string
	Exit *ExitInfo
}

// Subscription receives session events until it is unsubscribed.
type Subscription struct {
	ID string
	C  <-chan Event
}

type Status struct {
	State       State        `json:"state"`
	Running     bool         `json:"running"`
	PID         int          `json:"pid,omitempty"`
	Config      *Config      `json:"cfg,omitempty"`
	BufferBytes int          `json:"bufferBytes"`
	Subscribers int          `json:"subscribers"`
	Children    []proc.Entry `json:"children,omitempty"`
}

type process struct {
	cmd      *exec.Cmd
	ptmx     *os.File
	pid      int
	readDone chan struct{}
	exited   chan struct{}
}

type Manager struct {
	defaults Defaults
	logger   *log.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex // guards state, proc, cfg, last
	state State
	proc  *process
	cfg   Config
	last  *Config

	outMu sync.Mutex // guards buf and subs, held across append and fan-out
	buf   *ring
	subs  map[string]chan Event
}

func NewManager(defaults Defaults, logger *log.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	if defaults.MaxBuffer <= 0 {
		defaults.MaxBuffer = defaultMaxBuffer
	}
	if defaults.ProcRoot == "" {
		defaults.ProcRoot = proc.DefaultRoot
	}
	return &Manager{
		defaults: defaults,
		logger:   logger.With("component", "terminal"),
		metrics:  m,
		state:    StateStopped,
		buf:      newRing(defaults.MaxBuffer),
		subs:     make(map[string]chan Event),
	}
}

// Start spawns the shell. If a session is already running it is left alone
// and reported with AlreadyRunning set.
func (m *Manager) Start(opts Options) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateRunning && m.proc != nil {
		return StartResult{OK: true, AlreadyRunning: true, PID: m.proc.pid, Config: m.cfg}, nil
	}
	return m.startLocked(m.resolve(opts))
}

func (m *Manager) startLocked(cfg Config) (StartResult, error) {
	m.state = StateStarting

	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = buildEnv(cfg.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(cfg.Rows), Cols: uint16(cfg.Cols)})
	if err != nil {
		m.state = StateStopped
		m.logger.Warn("pty start failed", "shell", cfg.Shell, "err", err)
		return StartResult{}, fmt.Errorf("start %s: %w", cfg.Shell, err)
	}

	p := &process{
		cmd:      cmd,
		ptmx:     ptmx,
		pid:      cmd.Process.Pid,
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}

	m.outMu.Lock()
	m.buf.Reset()
	m.outMu.Unlock()

	m.proc = p
	m.cfg = cfg
	last := cfg
	m.last = &last
	m.state = StateRunning
	m.metrics.SetPTYRunning(true)

	go m.readLoop(p)
	go m.waitForExit(p)

	m.logger.Info("pty started", "pid", p.pid, "shell", cfg.Shell, "cols", cfg.Cols, "rows", cfg.Rows)
	return StartResult{OK: true, PID: p.pid, Config: cfg}, nil
}

// Write sends raw input to the shell.
func (m *Manager) Write(data []byte) error {
	m.mu.Lock()
	p := m.proc
	m.mu.Unlock()

	if p == nil {
		return ErrNotRunning
	}
	if _, err := p.ptmx.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Interrupt sends Ctrl-C.
func (m *Manager) Interrupt() error {
	return m.Write([]byte{interruptKey})
}

// Resize changes the window size of the running session.
func (m *Manager) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > maxDimension || rows > maxDimension {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc == nil {
		return ErrNotRunning
	}
	if err := pty.Setsize(m.proc.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	m.cfg.Cols, m.cfg.Rows = cols, rows
	if m.last != nil {
		m.last.Cols, m.last.Rows = cols, rows
	}
	return nil
}

// Stop terminates the session and waits briefly for it to exit. Stopping a
// stopped session is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	p := m.proc
	m.proc = nil
	m.state = StateStopped
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	m.metrics.SetPTYRunning(false)

	_ = p.cmd.Process.Signal(syscall.SIGHUP)
	select {
	case <-p.exited:
	case <-time.After(stopGrace):
		m.logger.Warn("pty ignored SIGHUP, killing", "pid", p.pid)
		_ = p.cmd.Process.Kill()
		select {
		case <-p.exited:
		case <-time.After(stopGrace):
			return fmt.Errorf("pty %d did not exit", p.pid)
		}
	}
	return nil
}

// Reset restarts the session with the configuration it last ran with. With
// no prior session it starts one from the defaults.
func (m *Manager) Reset() (StartResult, error) {
	m.mu.Lock()
	var last *Config
	if m.last != nil {
		c := *m.last
		last = &c
	}
	m.mu.Unlock()

	if err := m.Stop(); err != nil {
		m.logger.Warn("reset: stop failed", "err", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateRunning && m.proc != nil {
		return StartResult{OK: true, AlreadyRunning: true, PID: m.proc.pid, Config: m.cfg}, nil
	}
	if last == nil {
		resolved := m.resolve(Options{})
		last = &resolved
	}
	return m.startLocked(*last)
}

func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateRunning
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Config returns the configuration of the running session.
func (m *Manager) Config() (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return Config{}, false
	}
	return m.cfg, true
}

// Buffer returns the retained output, oldest first.
func (m *Manager) Buffer() string {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	return m.buf.String()
}

// Subscribe registers a subscriber and returns it together with the output
// retained so far. Nothing published after the snapshot is missed.
func (m *Manager) Subscribe() (*Subscription, string) {
	m.outMu.Lock()
	defer m.outMu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := uuid.NewString()
	m.subs[id] = ch
	return &Subscription{ID: id, C: ch}, m.buf.String()
}

// Unsubscribe removes the subscriber and closes its channel.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	m.outMu.Lock()
	defer m.outMu.Unlock()
	if ch, ok := m.subs[sub.ID]; ok {
		delete(m.subs, sub.ID)
		close(ch)
	}
}

// Status reports the session state and what the shell is running.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: m.state, Running: m.state == StateRunning}
	if m.proc != nil {
		st.PID = m.proc.pid
		cfg := m.cfg
		st.Config = &cfg
	}
	m.mu.Unlock()

	m.outMu.Lock()
	st.BufferBytes = m.buf.Len()
	st.Subscribers = len(m.subs)
	m.outMu.Unlock()

	if st.PID > 0 {
		st.Children = proc.TakeSnapshot(m.defaults.ProcRoot).Descendants(st.PID)
	}
	return st
}

func (m *Manager) current(p *process) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc == p
}

func (m *Manager) readLoop(p *process) {
	defer close(p.readDone)

	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			cut := completePrefix(data)
			pending = append([]byte(nil), data[cut:]...)
			if cut > 0 && m.current(p) {
				m.publishOutput(data[:cut])
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && m.current(p) {
				m.logger.Debug("pty read ended", "pid", p.pid, "err", err)
			}
			return
		}
	}
}

func (m *Manager) waitForExit(p *process) {
	_ = p.cmd.Wait()
	info := exitInfo(p.pid, p.cmd.ProcessState)

	select {
	case <-p.readDone:
	case <-time.After(drainTimeout):
	}
	_ = p.ptmx.Close()

	m.mu.Lock()
	if m.proc == p {
		m.proc = nil
		m.state = StateStopped
		m.metrics.SetPTYRunning(false)
	}
	m.mu.Unlock()

	m.logger.Info("pty exited", "pid", info.PID, "code", info.ExitCode, "signal", info.Signal)
	m.publishExit(info)
	close(p.exited)
}

func (m *Manager) publishOutput(data []byte) {
	m.outMu.Lock()
	defer m.outMu.Unlock()

	m.buf.Write(data)
	ev := Event{Data: string(data)}
	for id, ch := range m.subs {
		if len(ch) >= cap(ch)-exitReserve {
			m.logger.Debug("subscriber lagging, output dropped", "sub", id, "bytes", len(data))
			continue
		}
		ch <- ev
	}
}

func (m *Manager) publishExit(info ExitInfo) {
	m.outMu.Lock()
	defer m.outMu.Unlock()

	ev := Event{Exit: &info}
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// resolve merges start options over the configured defaults.
func (m *Manager) resolve(opts Options) Config {
	d := m.defaults
	cfg := Config{
		Shell: firstNonEmpty(opts.Shell, d.Shell, os.Getenv("SHELL"), defaultShell),
		Cwd:   firstNonEmpty(opts.Cwd, d.Cwd),
		Cols:  firstDimension(opts.Cols, d.Cols, defaultCols),
		Rows:  firstDimension(opts.Rows, d.Rows, defaultRows),
	}

	switch {
	case opts.Args != nil:
		cfg.Args = append([]string(nil), opts.Args...)
	case d.Args != nil:
		cfg.Args = append([]string(nil), d.Args...)
	default:
		cfg.Args = []string{"-i"}
	}

	if len(d.Env) > 0 || len(opts.Env) > 0 {
		cfg.Env = make(map[string]string, len(d.Env)+len(opts.Env))
		for k, v := range d.Env {
			cfg.Env[k] = v
		}
		for k, v := range opts.Env {
			cfg.Env[k] = v
		}
	}
	return cfg
}

func buildEnv(overlay map[string]string) []string {
	env := append(os.Environ(), "TERM=xterm-256color")
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

func exitInfo(pid int, ps *os.ProcessState) ExitInfo {
	info := ExitInfo{PID: pid, ExitCode: -1}
	if ps == nil {
		return info
	}
	info.ExitCode = ps.ExitCode()
	if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		info.Signal = status.Signal().String()
	}
	return info
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstDimension(values ...int) int {
	for _, v := range values {
		if v > 0 {
			if v > maxDimension {
				return maxDimension
			}
			return v
		}
	}
	return 0
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}
