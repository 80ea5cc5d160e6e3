package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultSystemPrompt is sent when a request carries no system prompt of its own.
const DefaultSystemPrompt = "You are a careful assistant. Follow the output format requested in the prompt exactly."

const cliBackend = "claude-cli"

// CLIService runs completions through the claude CLI in print mode.
// It follows the http.Client pattern: create once, use many times.
// Thread-safe for concurrent use.
type CLIService struct {
	// ClaudePath is the path to the claude CLI binary.
	// Defaults to "claude" (found in PATH).
	ClaudePath string

	// Model is passed with --model when set.
	Model string

	// Timeout bounds each invocation. Can be tightened per request via context.
	Timeout time.Duration

	tmpOnce sync.Once
	tmpDir  string
}

// NewCLIService creates a CLIService with default settings.
func NewCLIService(claudePath, model string) *CLIService {
	if claudePath == "" {
		claudePath = "claude"
	}
	return &CLIService{
		ClaudePath: claudePath,
		Model:      model,
	}
}

// BuildCommandArgs constructs the command-line arguments for one request.
// Always includes: --system-prompt, -p, --output-format json, --settings.
// --model and --json-schema are added when set.
func (s *CLIService) BuildCommandArgs(req Request) ([]string, error) {
	prompt := Transcript(req)
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	system := req.System
	if system == "" {
		system = DefaultSystemPrompt
	}

	args := []string{"--system-prompt", system, "-p", prompt}

	model := req.Model
	if model == "" {
		model = s.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if req.Schema != nil && req.Schema.JSON != "" {
		args = append(args, "--json-schema", req.Schema.JSON)
	}

	args = append(args, "--output-format", "json")

	// Disable hooks for automation
	args = append(args, "--settings", `{"disableAllHooks": true}`)

	return args, nil
}

// Complete invokes the CLI and parses its JSON envelope.
func (s *CLIService) Complete(ctx context.Context, req Request) (*Response, error) {
	args, err := s.BuildCommandArgs(req)
	if err != nil {
		return nil, &ServiceError{Backend: cliBackend, Err: err}
	}

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	claudePath := s.ClaudePath
	if claudePath == "" {
		claudePath = "claude"
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, claudePath, args...)
	cmd.WaitDelay = time.Second
	s.setCleanEnv(cmd)

	output, err := cmd.CombinedOutput()
	duration := time.Since(start)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("claude invocation interrupted: %w", ctxErr)
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, &ServiceError{Backend: cliBackend, Err: fmt.Errorf("claude binary not found at %q: %w", claudePath, err)}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ServiceError{
				Backend:   cliBackend,
				Transient: true,
				Err:       fmt.Errorf("exit code %d: %s", exitErr.ExitCode(), truncate(strings.TrimSpace(string(output)), 500)),
			}
		}
		return nil, &ServiceError{Backend: cliBackend, Err: err}
	}

	parsed, err := ParseCLIOutput(output)
	if err != nil {
		return nil, &ServiceError{Backend: cliBackend, Transient: true, Err: err}
	}
	if parsed.IsError {
		msg := parsed.Error
		if msg == "" {
			msg = parsed.Text
		}
		return nil, &ServiceError{Backend: cliBackend, Transient: true, Err: errors.New(msg)}
	}

	model := req.Model
	if model == "" {
		model = s.Model
	}
	cost := parsed.CostUSD
	if cost == 0 {
		cost = Cost(model, parsed.InputTokens, parsed.OutputTokens)
	}

	return &Response{
		Text:         parsed.Text,
		Model:        model,
		InputTokens:  parsed.InputTokens,
		OutputTokens: parsed.OutputTokens,
		Cost:         cost,
		Duration:     duration,
	}, nil
}

// CLIOutput is the parsed envelope printed by `claude -p --output-format json`.
type CLIOutput struct {
	Text         string
	Error        string
	IsError      bool
	SessionID    string
	CostUSD      float64
	InputTokens  int
	OutputTokens int
}

type cliEnvelope struct {
	Type             string          `json:"type"`
	Result           string          `json:"result"`
	Content          string          `json:"content"`
	Error            string          `json:"error"`
	IsError          bool            `json:"is_error"`
	SessionID        string          `json:"session_id"`
	StructuredOutput json.RawMessage `json:"structured_output"`
	TotalCostUSD     float64         `json:"total_cost_usd"`
	Usage            struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseCLIOutput extracts the response text from the CLI's JSON envelope. Structured output
// wins over the free-text result. Output that is not an envelope is returned as text as-is,
// so a CLI that printed warnings before the JSON still parses.
func ParseCLIOutput(raw []byte) (*CLIOutput, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, fmt.Errorf("empty response from claude")
	}

	var env cliEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		start := strings.IndexByte(trimmed, '{')
		end := strings.LastIndexByte(trimmed, '}')
		if start < 0 || end <= start || json.Unmarshal([]byte(trimmed[start:end+1]), &env) != nil {
			return &CLIOutput{Text: trimmed}, nil
		}
	}

	out := &CLIOutput{
		Error:        env.Error,
		IsError:      env.IsError,
		SessionID:    env.SessionID,
		CostUSD:      env.TotalCostUSD,
		InputTokens:  env.Usage.InputTokens,
		OutputTokens: env.Usage.OutputTokens,
	}
	switch {
	case len(env.StructuredOutput) > 0 && string(env.StructuredOutput) != "null":
		out.Text = string(env.StructuredOutput)
	case env.Result != "":
		out.Text = env.Result
	case env.Content != "":
		out.Text = env.Content
	case env.Type == "" && env.Error == "":
		// Not an envelope at all: a bare JSON document.
		out.Text = trimmed
	}
	return out, nil
}

// setCleanEnv points TMPDIR at a dedicated directory. Socket files left in the shared
// temp dir by editors crash the CLI when --settings is used.
func (s *CLIService) setCleanEnv(cmd *exec.Cmd) {
	s.tmpOnce.Do(func() {
		dir := filepath.Join(os.TempDir(), "agentloop-claude")
		if err := os.MkdirAll(dir, 0755); err == nil {
			s.tmpDir = dir
		}
	})
	if s.tmpDir == "" {
		return
	}

	cmd.Env = os.Environ()
	for i, env := range cmd.Env {
		if strings.HasPrefix(env, "TMPDIR=") {
			cmd.Env[i] = "TMPDIR=" + s.tmpDir
			return
		}
	}
	cmd.Env = append(cmd.Env, "TMPDIR="+s.tmpDir)
}
