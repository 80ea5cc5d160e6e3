package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harrison/agentloop/internal/completion"
	"github.com/harrison/agentloop/internal/config"
	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/logger"
	"github.com/harrison/agentloop/internal/prompts"
	"github.com/harrison/agentloop/internal/report"
	"github.com/harrison/agentloop/internal/store"
	"github.com/harrison/agentloop/internal/tracing"
	"github.com/harrison/agentloop/internal/workflow"
)

// newService builds the completion backend. Tests replace it.
var newService = func(ctx context.Context, cfg *config.Config) (completion.Service, error) {
	switch cfg.Completion.Backend {
	case "genai":
		return completion.NewGenAIService(ctx, os.Getenv(cfg.Completion.APIKeyEnv), cfg.Completion.Model)
	default:
		return completion.NewCLIService(cfg.Completion.ClaudePath, cfg.Completion.Model), nil
	}
}

// loadConfig reads the config file named by --config (or the default
// location), applies the common flags and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(".")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	maxAttemptsFlag, _ := cmd.Flags().GetInt("max-attempts")
	maxConcurrencyFlag, _ := cmd.Flags().GetInt("max-concurrency")
	timeoutStr, _ := cmd.Flags().GetString("timeout")
	logDirFlag, _ := cmd.Flags().GetString("log-dir")
	verboseFlag, _ := cmd.Flags().GetBool("verbose")

	// Build flag pointers for merge (only flags the user set)
	var maxAttemptsPtr *int
	if cmd.Flags().Changed("max-attempts") {
		maxAttemptsPtr = &maxAttemptsFlag
	}

	var timeoutPtr *time.Duration
	if cmd.Flags().Changed("timeout") {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout format %q: %w", timeoutStr, err)
		}
		timeoutPtr = &timeout
	}

	var maxConcurrencyPtr *int
	if cmd.Flags().Changed("max-concurrency") {
		maxConcurrencyPtr = &maxConcurrencyFlag
	}

	var logDirPtr *string
	if cmd.Flags().Changed("log-dir") {
		logDirPtr = &logDirFlag
	}

	var verbosePtr *bool
	if cmd.Flags().Changed("verbose") {
		verbosePtr = &verboseFlag
	}

	cfg.MergeWithFlags(maxAttemptsPtr, timeoutPtr, maxConcurrencyPtr, logDirPtr, verbosePtr)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// environment holds everything a workflow command wires together.
type environment struct {
	cfg      *config.Config
	log      logger.Logger
	file     *logger.FileLogger
	records  *store.Store
	writer   *report.Writer
	registry *prometheus.Registry
	tracing  *tracing.Provider
	deps     workflow.Deps
}

// newEnvironment builds loggers, the record store, metrics, tracing and the
// completion backend from cfg. Close must be called when done.
func newEnvironment(cmd *cobra.Command, cfg *config.Config) (*environment, error) {
	env := &environment{cfg: cfg}

	loggers := []logger.Logger{logger.NewConsoleLogger(cmd.ErrOrStderr(), cfg.LogLevel)}
	logDir, err := config.ResolvePath(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	if fl, err := logger.NewFileLoggerWithDirAndLevel(logDir, cfg.LogLevel); err != nil {
		loggers[0].LogWarn(fmt.Sprintf("file logging disabled: %v", err))
	} else {
		env.file = fl
		loggers = append(loggers, fl)
	}
	env.log = logger.NewMultiLogger(loggers...)

	var recorder executor.Recorder
	if cfg.Store.Enabled {
		dbPath, err := config.ResolvePath(cfg.Store.DBPath)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.records, err = store.NewStore(dbPath)
		if err != nil {
			env.Close()
			return nil, fmt.Errorf("open record store: %w", err)
		}
		recorder = env.records
	}

	svc, err := newService(cmd.Context(), cfg)
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("create completion service: %w", err)
	}
	provider, err := prompts.New()
	if err != nil {
		env.Close()
		return nil, err
	}

	env.registry = prometheus.NewRegistry()
	metrics, err := executor.NewMetrics(env.registry)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.tracing, err = tracing.New(cmd.Context(), cfg.Tracing, logDir)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.writer = report.NewWriter(cfg.OutputDir)
	env.deps = workflow.Deps{
		Service:  svc,
		Prompts:  provider,
		Logger:   env.log,
		Metrics:  metrics,
		Tracer:   env.tracing.Tracer("github.com/harrison/agentloop"),
		Recorder: recorder,
	}
	return env, nil
}

// Close flushes tracing, logs the collected loop metrics and releases the
// store and log files.
func (e *environment) Close() {
	if e.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.tracing.Shutdown(ctx); err != nil {
			e.log.LogWarn(fmt.Sprintf("flush traces: %v", err))
		} else if path := e.tracing.Path(); path != "" {
			e.log.LogDebug(fmt.Sprintf("trace file: %s", path))
		}
		cancel()
	}
	if e.registry != nil {
		e.logMetrics()
	}
	if e.records != nil {
		if err := e.records.Close(); err != nil {
			e.log.LogWarn(fmt.Sprintf("close record store: %v", err))
		}
	}
	if e.file != nil {
		e.log.LogDebug(fmt.Sprintf("run log: %s", e.file.RunFile()))
		_ = e.file.Close()
	}
}

// logMetrics writes every counter and histogram sample at debug level.
func (e *environment) logMetrics() {
	families, err := e.registry.Gather()
	if err != nil {
		e.log.LogWarn(fmt.Sprintf("gather metrics: %v", err))
		return
	}
	var lines []string
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, m.GetCounter().GetValue()))
			case m.GetHistogram() != nil:
				h := m.GetHistogram()
				lines = append(lines, fmt.Sprintf("%s count=%d sum=%.3fs", name, h.GetSampleCount(), h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		e.log.LogDebug("metric " + l)
	}
}
