package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/agent-command/vcd/internal/approval"
	"github.com/agent-command/vcd/internal/config"
	"github.com/agent-command/vcd/internal/httpapi"
	"github.com/agent-command/vcd/internal/logging"
	"github.com/agent-command/vcd/internal/metrics"
	"github.com/agent-command/vcd/internal/protocol"
	"github.com/agent-command/vcd/internal/runner"
	"github.com/agent-command/vcd/internal/summary"
	"github.com/agent-command/vcd/internal/terminal"
	"github.com/agent-command/vcd/internal/ws"
)

// Version is set at build time.
var Version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
}

// load reads the config and builds the logger, letting flags override the
// file's log settings.
func (f *globalFlags) load(cmd *cobra.Command) (*config.Config, *log.Logger, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if f.logLevel != "" {
		cfg.Server.LogLevel = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Server.LogFormat = f.logFormat
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logging: %w", err)
	}
	return cfg, logger, nil
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "vcd",
		Short:         "Session and streaming backend for the voice command console",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", os.Getenv("VCD_CONFIG"), "path to the YAML config file")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format (text, json, logfmt)")

	root.AddCommand(
		newServeCmd(flags),
		newPromptCmd(flags),
		newStatusCmd(flags),
		newHealthCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}
}

func runServe(cmd *cobra.Command, flags *globalFlags) error {
	cfg, logger, err := flags.load(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	m := metrics.New()
	term := terminal.NewManager(ptyDefaults(cfg), logger, m)
	defer func() {
		if err := term.Stop(); err != nil {
			logger.Warn("stop terminal", "err", err)
		}
	}()

	classifier, err := approval.NewClassifier(cfg.Approval.Patterns, cfg.Approval.Always)
	if err != nil {
		return fmt.Errorf("approval patterns: %w", err)
	}
	run := runner.New(runnerConfig(cfg), logger)
	summarizer := newSummarizer(cfg, logger, m)

	logger.Info("starting",
		"listen", cfg.Server.Listen,
		"cmd", cfg.Runner.Command,
		"args", cfg.Runner.Args,
		"timeout", millis(cfg.Runner.TimeoutMs),
		"engine", cfg.Summary.Engine,
		"model", cfg.Summary.Model,
		"approval_timeout", cfg.Approval.Timeout(),
		"approval_patterns", len(classifier.Patterns()),
	)

	g, gctx := errgroup.WithContext(ctx)

	wsSrv := ws.NewServer(gctx, ws.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Server.SendBuffer,
	}, protocol.Options{
		Terminal:        term,
		Runner:          run,
		Summarizer:      summarizer,
		Classifier:      classifier,
		ApprovalTimeout: cfg.Approval.Timeout(),
		Debounce:        millis(cfg.Summary.DebounceMs),
		Logger:          logger,
		Metrics:         m,
	})

	httpSrv := &http.Server{
		Addr: cfg.Server.Listen,
		Handler: httpapi.NewRouter(httpapi.Options{
			Runner:         run,
			Summary:        summarizer,
			Terminal:       term,
			WS:             wsSrv,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Metrics:        m,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Server.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		wsSrv.Wait()
		return err
	})

	if flags.configPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, flags.configPath, func(next *config.Config) {
				if err := classifier.Update(next.Approval.Patterns, next.Approval.Always); err != nil {
					logger.Warn("approval patterns not reloaded", "err", err)
					return
				}
				logger.Info("approval patterns reloaded", "patterns", len(next.Approval.Patterns), "always", next.Approval.Always)
			}, func(err error) {
				logger.Warn("config reload failed", "err", err)
			})
			if err != nil {
				logger.Warn("config watch disabled", "err", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func newPromptCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "prompt <text>...",
		Short: "Run the configured command once and print its reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(cmd)
			if err != nil {
				return err
			}
			res := runner.New(runnerConfig(cfg), logger).Run(cmd.Context(), strings.Join(args, " "))
			if asJSON {
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else if res.OK {
				fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			} else if res.Preview != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), res.Preview)
			}
			if !res.OK {
				return fmt.Errorf("%s: %s", res.Error, res.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the terminal session of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				cfg, _, err := flags.load(cmd)
				if err != nil {
					return err
				}
				addr = baseURL(cfg.Server.Listen)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(addr, "/")+"/api/session", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("query %s: %w", addr, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("query %s: HTTP %d", addr, resp.StatusCode)
			}
			var status terminal.Status
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), status)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server base URL (default derived from server.listen)")
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the configured summarizer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load(cmd)
			if err != nil {
				return err
			}
			h := newSummarizer(cfg, logger, nil).Health(cmd.Context())
			if err := writeJSON(cmd.OutOrStdout(), h); err != nil {
				return err
			}
			if !h.OK {
				return errors.New("summarizer unhealthy")
			}
			return nil
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vcd %s\n", Version)
		},
	}
}

func newSummarizer(cfg *config.Config, logger *log.Logger, m *metrics.Metrics) *summary.Service {
	var llm *summary.LLM
	if cfg.Summary.Engine == config.EngineLLM {
		llm = summary.NewLLM(summary.LLMConfig{
			URL:            cfg.Summary.OllamaURL,
			Model:          cfg.Summary.Model,
			ChunkSize:      cfg.Summary.ChunkSize,
			MaxInput:       cfg.Summary.MaxInput,
			Timeout:        millis(cfg.Summary.TimeoutMs),
			MapConcurrency: cfg.Summary.MapConcurrency,
		}, nil, logger)
	}
	return summary.NewService(cfg.Summary.Engine, llm, logger, m)
}

func runnerConfig(cfg *config.Config) runner.Config {
	return runner.Config{
		Command:   cfg.Runner.Command,
		Args:      cfg.Runner.Args,
		Timeout:   millis(cfg.Runner.TimeoutMs),
		MaxInput:  cfg.Runner.MaxInput,
		MaxStdout: cfg.Runner.MaxStdout,
		MaxStderr: cfg.Runner.MaxStderr,
	}
}

func ptyDefaults(cfg *config.Config) terminal.Defaults {
	return terminal.Defaults{
		Shell:     cfg.PTY.Shell,
		Args:      cfg.PTY.Args,
		Cwd:       cfg.PTY.Cwd,
		Env:       cfg.PTY.Env,
		Cols:      cfg.PTY.Cols,
		Rows:      cfg.PTY.Rows,
		MaxBuffer: cfg.PTY.MaxBuffer,
	}
}

// baseURL turns a listen address into a URL reachable from this host.
func baseURL(listen string) string {
	host := listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	} else if strings.HasPrefix(host, "0.0.0.0:") {
		host = "127.0.0.1" + strings.TrimPrefix(host, "0.0.0.0")
	}
	return "http://" + host
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
