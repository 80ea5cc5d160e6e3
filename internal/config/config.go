package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/agentloop/internal/executor"
)

// LoopConfig is the attempt policy shared by every workflow loop.
type LoopConfig struct {
	// MaxAttempts is the attempt budget per loop (values <= 0 mean 1)
	MaxAttempts int `yaml:"max_attempts"`

	// AttemptTimeout bounds a single attempt (0 = no limit)
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// StoreConfig represents record store configuration
type StoreConfig struct {
	// Enabled persists every finished loop record
	Enabled bool `yaml:"enabled"`

	// DBPath is the path to the SQLite record database
	DBPath string `yaml:"db_path"`

	// KeepDays is used by "records prune" when no --older-than is given
	KeepDays int `yaml:"keep_days"`
}

// CompletionConfig selects and configures the completion backend
type CompletionConfig struct {
	// Backend is "cli" (claude CLI) or "genai" (Gemini API)
	Backend string `yaml:"backend"`

	// Model overrides the backend's default model
	Model string `yaml:"model"`

	// ClaudePath is the claude executable used by the cli backend
	ClaudePath string `yaml:"claude_path"`

	// APIKeyEnv names the environment variable holding the genai API key
	APIKeyEnv string `yaml:"api_key_env"`

	// Temperature is passed to backends that support it
	Temperature float32 `yaml:"temperature"`
}

// SearchConfig configures the help-desk document index
type SearchConfig struct {
	// PersistPath is a directory for the vector index; empty keeps it in memory
	PersistPath string `yaml:"persist_path"`

	// EmbeddingBackend is openai, ollama or hash
	EmbeddingBackend string `yaml:"embedding_backend"`

	// EmbeddingModel overrides the backend's default embedding model
	EmbeddingModel string `yaml:"embedding_model"`

	// CacheSize is the number of tool results cached by the registry
	CacheSize int `yaml:"cache_size"`
}

// SandboxConfig configures the programmer's interpreter sandbox
type SandboxConfig struct {
	RunTimeout time.Duration `yaml:"run_timeout"`
	MaxOutput  int           `yaml:"max_output"`
	Imports    []string      `yaml:"imports"`
}

// HelpdeskConfig configures the help-desk workflow
type HelpdeskConfig struct {
	Product string `yaml:"product"`
}

// ProgrammerConfig configures the data-analysis workflow
type ProgrammerConfig struct {
	MaxTasks int `yaml:"max_tasks"`
}

// AnalyzerConfig configures the paper analyzer
type AnalyzerConfig struct {
	// MaxSections bounds the sections chosen per selection
	MaxSections int `yaml:"max_sections"`

	// CheckCount is the number of sufficiency checks; 0 uses loop.max_attempts
	CheckCount int `yaml:"check_count"`
}

// TracingConfig configures span export
type TracingConfig struct {
	// Exporter is file (JSON lines next to the run log), otlp, zipkin or none
	Exporter string `yaml:"exporter"`

	// OTLPEndpoint is the OTLP/HTTP collector host:port (default localhost:4318)
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// ZipkinEndpoint is the Zipkin span URL (default http://localhost:9411/api/v2/spans)
	ZipkinEndpoint string `yaml:"zipkin_endpoint"`

	// SampleRate is the fraction of loops traced, 0.0 to 1.0
	SampleRate float64 `yaml:"sample_rate"`
}

// ResearchConfig configures the research workflow
type ResearchConfig struct {
	// PapersDir holds the local paper collection (markdown files)
	PapersDir string `yaml:"papers_dir"`

	// MinTasks and MaxTasks bound the decomposition of a goal
	MinTasks int `yaml:"min_tasks"`
	MaxTasks int `yaml:"max_tasks"`

	// MaxPapers bounds the papers analyzed per task
	MaxPapers int `yaml:"max_papers"`

	// MaxEvaluations is the number of evaluation rounds before reporting
	// with what was gathered
	MaxEvaluations int `yaml:"max_evaluations"`
}

// Config represents agentloop configuration options
type Config struct {
	// Loop is the default attempt policy
	Loop LoopConfig `yaml:"loop"`

	// MaxConcurrency is the maximum number of concurrent loops (0 = unlimited)
	MaxConcurrency int `yaml:"max_concurrency"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where logs will be written
	LogDir string `yaml:"log_dir"`

	// OutputDir receives reports
	OutputDir string `yaml:"output_dir"`

	Store      StoreConfig      `yaml:"store"`
	Completion CompletionConfig `yaml:"completion"`
	Search     SearchConfig     `yaml:"search"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Helpdesk   HelpdeskConfig   `yaml:"helpdesk"`
	Programmer ProgrammerConfig `yaml:"programmer"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer"`
	Research   ResearchConfig   `yaml:"research"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		Loop: LoopConfig{
			MaxAttempts:    3,
			AttemptTimeout: 5 * time.Minute,
		},
		MaxConcurrency: 0, // Unlimited
		LogLevel:       "info",
		LogDir:         ".agentloop/logs",
		OutputDir:      "outputs",
		Store: StoreConfig{
			Enabled:  true,
			DBPath:   ".agentloop/records.db",
			KeepDays: 90,
		},
		Completion: CompletionConfig{
			Backend:    "cli",
			ClaudePath: "claude",
			APIKeyEnv:  "GEMINI_API_KEY",
		},
		Search: SearchConfig{
			EmbeddingBackend: "openai",
			CacheSize:        128,
		},
		Sandbox: SandboxConfig{
			RunTimeout: 2 * time.Minute,
		},
		Helpdesk: HelpdeskConfig{
			Product: "XYZ",
		},
		Programmer: ProgrammerConfig{
			MaxTasks: 3,
		},
		Analyzer: AnalyzerConfig{
			MaxSections: 5,
			CheckCount:  3,
		},
		Research: ResearchConfig{
			PapersDir:      "papers",
			MinTasks:       3,
			MaxTasks:       5,
			MaxPapers:      3,
			MaxEvaluations: 3,
		},
		Tracing: TracingConfig{
			Exporter:   "file",
			SampleRate: 1.0,
		},
	}
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decoding onto the defaults keeps every key the file leaves out.
	// Durations use Go syntax ("90s", "5m").
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .agentloop/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	configPath := filepath.Join(dir, ".agentloop", "config.yaml")
	return LoadConfig(configPath)
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
func (c *Config) MergeWithFlags(maxAttempts *int, timeout *time.Duration, maxConcurrency *int, logDir *string, verbose *bool) {
	if maxAttempts != nil {
		c.Loop.MaxAttempts = *maxAttempts
	}
	if timeout != nil {
		c.Loop.AttemptTimeout = *timeout
	}
	if maxConcurrency != nil {
		c.MaxConcurrency = *maxConcurrency
	}
	if logDir != nil {
		c.LogDir = *logDir
	}
	if verbose != nil && *verbose {
		c.LogLevel = "debug"
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	if c.Loop.MaxAttempts < 1 {
		return fmt.Errorf("loop.max_attempts must be >= 1, got %d", c.Loop.MaxAttempts)
	}
	if c.Loop.AttemptTimeout < 0 {
		return fmt.Errorf("loop.attempt_timeout must be >= 0, got %v", c.Loop.AttemptTimeout)
	}

	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be >= 0, got %d", c.MaxConcurrency)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.Store.Enabled && c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path cannot be empty when the store is enabled")
	}
	if c.Store.KeepDays < 0 {
		return fmt.Errorf("store.keep_days must be >= 0, got %d", c.Store.KeepDays)
	}

	switch c.Completion.Backend {
	case "cli":
		if c.Completion.ClaudePath == "" {
			return fmt.Errorf("completion.claude_path cannot be empty for the cli backend")
		}
	case "genai":
		if c.Completion.APIKeyEnv == "" {
			return fmt.Errorf("completion.api_key_env cannot be empty for the genai backend")
		}
	default:
		return fmt.Errorf("invalid completion.backend %q, must be one of: cli, genai", c.Completion.Backend)
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		return fmt.Errorf("completion.temperature must be between 0 and 2, got %v", c.Completion.Temperature)
	}

	switch c.Search.EmbeddingBackend {
	case "openai", "ollama", "hash":
	default:
		return fmt.Errorf("invalid search.embedding_backend %q, must be one of: openai, ollama, hash", c.Search.EmbeddingBackend)
	}
	if c.Search.CacheSize < 0 {
		return fmt.Errorf("search.cache_size must be >= 0, got %d", c.Search.CacheSize)
	}

	if c.Sandbox.RunTimeout < 0 {
		return fmt.Errorf("sandbox.run_timeout must be >= 0, got %v", c.Sandbox.RunTimeout)
	}
	if c.Programmer.MaxTasks < 1 {
		return fmt.Errorf("programmer.max_tasks must be >= 1, got %d", c.Programmer.MaxTasks)
	}
	if c.Analyzer.MaxSections < 1 {
		return fmt.Errorf("analyzer.max_sections must be >= 1, got %d", c.Analyzer.MaxSections)
	}
	if c.Analyzer.CheckCount < 0 {
		return fmt.Errorf("analyzer.check_count must be >= 0, got %d", c.Analyzer.CheckCount)
	}

	if c.Research.MinTasks < 1 {
		return fmt.Errorf("research.min_tasks must be >= 1, got %d", c.Research.MinTasks)
	}
	if c.Research.MaxTasks < c.Research.MinTasks {
		return fmt.Errorf("research.max_tasks must be >= research.min_tasks (%d), got %d", c.Research.MinTasks, c.Research.MaxTasks)
	}
	if c.Research.MaxPapers < 1 {
		return fmt.Errorf("research.max_papers must be >= 1, got %d", c.Research.MaxPapers)
	}
	if c.Research.MaxEvaluations < 1 {
		return fmt.Errorf("research.max_evaluations must be >= 1, got %d", c.Research.MaxEvaluations)
	}

	switch c.Tracing.Exporter {
	case "file", "otlp", "zipkin", "none":
	default:
		return fmt.Errorf("invalid tracing.exporter %q, must be one of: file, otlp, zipkin, none", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}

	return nil
}

// LoopConfig converts the loop section into the controller's policy.
func (c *Config) LoopConfig() executor.LoopConfig {
	return executor.LoopConfig{
		MaxAttempts:    c.Loop.MaxAttempts,
		AttemptTimeout: c.Loop.AttemptTimeout,
	}
}

// AnalyzerLoopConfig is LoopConfig with the analyzer's check count as the
// attempt budget.
func (c *Config) AnalyzerLoopConfig() executor.LoopConfig {
	lc := c.LoopConfig()
	if c.Analyzer.CheckCount > 0 {
		lc.MaxAttempts = c.Analyzer.CheckCount
	}
	return lc
}

// ResearchLoopConfig is LoopConfig with the research evaluation rounds as
// the attempt budget. A round runs many paper loops, each bounded by
// loop.attempt_timeout, so the round itself has no timeout.
func (c *Config) ResearchLoopConfig() executor.LoopConfig {
	lc := c.LoopConfig()
	lc.MaxAttempts = c.Research.MaxEvaluations
	lc.AttemptTimeout = 0
	return lc
}
