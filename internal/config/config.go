package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine selects the summarization backend.
type Engine string

const (
	EngineHeuristic Engine = "heuristic"
	EngineLLM       Engine = "llm"
)

// ParseEngine maps a configured engine name onto an Engine. Anything that is
// not recognised as a model-backed engine falls back to the heuristic.
func ParseEngine(name string) Engine {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "llm", "ollama", "model":
		return EngineLLM
	default:
		return EngineHeuristic
	}
}

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Runner   RunnerConfig   `yaml:"runner"`
	PTY      PTYConfig      `yaml:"pty"`
	Summary  SummaryConfig  `yaml:"summary"`
	Approval ApprovalConfig `yaml:"approval"`
}

type ServerConfig struct {
	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// AllowedOrigins is matched against the websocket Origin header. Empty
	// allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	SendBuffer     int      `yaml:"send_buffer"`
}

type RunnerConfig struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	TimeoutMs int      `yaml:"timeout_ms"`
	MaxInput  int      `yaml:"max_input"`
	MaxStdout int      `yaml:"max_stdout"`
	MaxStderr int      `yaml:"max_stderr"`
}

type PTYConfig struct {
	Shell     string            `yaml:"shell"`
	Args      []string          `yaml:"args"`
	Cwd       string            `yaml:"cwd"`
	Env       map[string]string `yaml:"env"`
	Cols      int               `yaml:"cols"`
	Rows      int               `yaml:"rows"`
	MaxBuffer int               `yaml:"max_buffer"`
}

type SummaryConfig struct {
	EngineName     string `yaml:"engine"`
	OllamaURL      string `yaml:"ollama_url"`
	Model          string `yaml:"model"`
	ChunkSize      int    `yaml:"chunk_size"`
	MaxInput       int    `yaml:"max_input"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	MapConcurrency int    `yaml:"map_concurrency"`
	DebounceMs     int    `yaml:"debounce_ms"`

	// Engine is resolved from EngineName once at load time.
	Engine Engine `yaml:"-"`
}

type ApprovalConfig struct {
	Patterns []string `yaml:"patterns"`
	Always   bool     `yaml:"always"`

	// TimeoutMs bounds the wait for a decision. 0 waits indefinitely; unset
	// takes the default.
	TimeoutMs *int `yaml:"timeout_ms"`
}

// Timeout is the approval wait limit. Zero means no limit.
func (a ApprovalConfig) Timeout() time.Duration {
	if a.TimeoutMs == nil {
		return 0
	}
	return time.Duration(*a.TimeoutMs) * time.Millisecond
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path, fills defaults, and applies VC_*
// environment overrides. A missing file is not an error; defaults and the
// environment are used instead.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":4001"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.SendBuffer == 0 {
		c.Server.SendBuffer = 256
	}

	if c.Runner.Command == "" {
		c.Runner.Command = "echo"
	}
	if c.Runner.TimeoutMs == 0 {
		c.Runner.TimeoutMs = 5000
	}
	if c.Runner.MaxInput == 0 {
		c.Runner.MaxInput = 2000
	}
	if c.Runner.MaxStdout == 0 {
		c.Runner.MaxStdout = 64 * 1024
	}
	if c.Runner.MaxStderr == 0 {
		c.Runner.MaxStderr = 16 * 1024
	}

	if len(c.PTY.Args) == 0 {
		c.PTY.Args = []string{"-i"}
	}
	if c.PTY.Cols == 0 {
		c.PTY.Cols = 120
	}
	if c.PTY.Rows == 0 {
		c.PTY.Rows = 30
	}
	if c.PTY.MaxBuffer == 0 {
		c.PTY.MaxBuffer = 100 * 1024
	}

	if c.Summary.EngineName == "" {
		c.Summary.EngineName = string(EngineHeuristic)
	}
	if c.Summary.OllamaURL == "" {
		c.Summary.OllamaURL = "http://127.0.0.1:11434"
	}
	if c.Summary.Model == "" {
		c.Summary.Model = "qwen2.5:3b-instruct-q4_0"
	}
	if c.Summary.ChunkSize == 0 {
		c.Summary.ChunkSize = 6000
	}
	if c.Summary.MaxInput == 0 {
		c.Summary.MaxInput = 200000
	}
	if c.Summary.TimeoutMs == 0 {
		c.Summary.TimeoutMs = 15000
	}
	if c.Summary.MapConcurrency == 0 {
		c.Summary.MapConcurrency = 1
	}
	if c.Summary.DebounceMs == 0 {
		c.Summary.DebounceMs = 500
	}
	c.Summary.Engine = ParseEngine(c.Summary.EngineName)

	if c.Approval.TimeoutMs == nil {
		timeout := 15000
		c.Approval.TimeoutMs = &timeout
	}
}

// applyEnv overlays the VC_* variables the backend has always honoured.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("VC_CMD", &c.Runner.Command)
	if v := strings.TrimSpace(getenv("VC_ARGS")); v != "" {
		c.Runner.Args = strings.Fields(v)
	}
	str("VC_PTY_CMD", &c.PTY.Shell)
	str("VC_SUMMARY_ENGINE", &c.Summary.EngineName)
	str("VC_OLLAMA_URL", &c.Summary.OllamaURL)
	str("VC_OLLAMA_MODEL", &c.Summary.Model)
	str("VC_SUMMARY_MODEL", &c.Summary.Model)
	if v := strings.TrimSpace(getenv("VC_PTY_ARGS")); v != "" {
		c.PTY.Args = strings.Fields(v)
	}
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Server.Listen = ":" + port
	}
	if v := getenv("VC_APPROVAL_PATTERNS"); strings.TrimSpace(v) != "" {
		c.Approval.Patterns = SplitPatterns(v)
	}
	if v := strings.TrimSpace(getenv("VC_APPROVAL_ALWAYS")); v != "" {
		always, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("VC_APPROVAL_ALWAYS: %w", err)
		}
		c.Approval.Always = always
	}

	for key, dst := range map[string]*int{
		"VC_TIMEOUT_MS":         &c.Runner.TimeoutMs,
		"VC_MAX_INPUT":          &c.Runner.MaxInput,
		"VC_MAX_STDOUT":         &c.Runner.MaxStdout,
		"VC_MAX_STDERR":         &c.Runner.MaxStderr,
		"VC_PTY_COLS":           &c.PTY.Cols,
		"VC_PTY_ROWS":           &c.PTY.Rows,
		"VC_PTY_MAX_BUFFER":     &c.PTY.MaxBuffer,
		"VC_SUMMARY_CHUNK_SIZE": &c.Summary.ChunkSize,
		"VC_SUMMARY_MAX_INPUT":  &c.Summary.MaxInput,
		"VC_SUMMARY_TIMEOUT_MS": &c.Summary.TimeoutMs,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}

	if strings.TrimSpace(getenv("VC_APPROVAL_TIMEOUT_MS")) != "" {
		var timeout int
		if err := num("VC_APPROVAL_TIMEOUT_MS", &timeout); err != nil {
			return err
		}
		c.Approval.TimeoutMs = &timeout
	}
	return nil
}

// Validate rejects values the components cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.Runner.TimeoutMs < 0:
		return fmt.Errorf("runner.timeout_ms must not be negative")
	case c.Runner.MaxInput < 0, c.Runner.MaxStdout < 0, c.Runner.MaxStderr < 0:
		return fmt.Errorf("runner limits must not be negative")
	case c.PTY.Cols < 0 || c.PTY.Cols > 1000, c.PTY.Rows < 0 || c.PTY.Rows > 1000:
		return fmt.Errorf("pty size %dx%d out of range", c.PTY.Cols, c.PTY.Rows)
	case c.PTY.MaxBuffer < 0:
		return fmt.Errorf("pty.max_buffer must not be negative")
	case c.Summary.ChunkSize < 0 || c.Summary.MaxInput < 0:
		return fmt.Errorf("summary sizes must not be negative")
	case c.Approval.TimeoutMs != nil && *c.Approval.TimeoutMs < 0:
		return fmt.Errorf("approval.timeout_ms must not be negative")
	}
	return nil
}

// SplitPatterns splits a comma or newline separated pattern list, dropping
// blanks.
func SplitPatterns(s string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
