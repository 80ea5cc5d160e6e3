// Package logger provides logging implementations for agentloop runs.
//
// Loggers report loop progress: attempts, verdicts, finished records and
// fan-out summaries. Implementations are thread-safe and support various
// output destinations (console, file, several at once).
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/agentloop/internal/models"
)

// feedbackLimit caps verdict feedback on a console line.
const feedbackLimit = 160

// ConsoleLogger logs loop progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps for tracking execution flow.
// It supports log level filtering to control message verbosity.
// Color output is enabled only when writing to a terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: isTerminal(writer),
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// NO_COLOR (via color.NoColor) always wins.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil || color.NoColor {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// LogTrace logs a trace-level message (most verbose).
// Format: "[HH:MM:SS] [TRACE] <message>"
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil || !enabled(cl.logLevel, strings.ToLower(level)) {
		return
	}

	label := level
	if cl.colorOutput {
		label = colorLevel(level)
	}
	cl.write(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), label, message))
}

// LogAttemptStart logs the start of an attempt at DEBUG level.
// Format: "[HH:MM:SS] <task>: attempt <n> (<k> context entries)"
func (cl *ConsoleLogger) LogAttemptStart(task models.Task, attempt int) {
	if cl.writer == nil || !enabled(cl.logLevel, "debug") {
		return
	}
	cl.write(fmt.Sprintf("[%s] %s: attempt %d (%d context entries)\n", timestamp(), task.ID, attempt+1, len(task.Context)))
}

// LogVerdict logs the verdict on an attempt at INFO level.
// Format: "[HH:MM:SS] <task>: attempt <n> ADEQUATE|INADEQUATE|FAILED - <feedback>"
func (cl *ConsoleLogger) LogVerdict(task models.Task, attempt models.Attempt, verdict models.Verdict) {
	if cl.writer == nil || !enabled(cl.logLevel, "info") {
		return
	}

	status := verdictStatus(attempt, verdict)
	if cl.colorOutput {
		status = colorStatus(status)
	}
	line := fmt.Sprintf("[%s] %s: attempt %d %s", timestamp(), task.ID, attempt.Index+1, status)
	if verdict.Feedback != "" {
		line += " - " + oneLine(verdict.Feedback, feedbackLimit)
	}
	cl.write(line + "\n")
}

// LogRecord logs a finished loop at INFO level.
// Format: "[HH:MM:SS] <task> <state> after <n> attempt(s) (<duration>)"
func (cl *ConsoleLogger) LogRecord(record models.TaskRecord) {
	if cl.writer == nil || !enabled(cl.logLevel, "info") {
		return
	}

	state := string(record.TerminalState)
	if cl.colorOutput {
		state = colorState(record.TerminalState)
	}
	line := fmt.Sprintf("[%s] %s %s after %d attempt(s) (%s)", timestamp(), record.Task.ID, state, record.AttemptCount(), formatDuration(record.Duration()))
	if record.TerminalState == models.StateAborted && record.Reason != "" {
		line += ": " + oneLine(record.Reason, feedbackLimit)
	}
	cl.write(line + "\n")
}

// LogSummary logs the fan-out summary with completion statistics at INFO level.
func (cl *ConsoleLogger) LogSummary(result models.ExecutionResult) {
	if cl.writer == nil || !enabled(cl.logLevel, "info") {
		return
	}

	ts := timestamp()
	scheme := newColorScheme(cl.colorOutput)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s\n", ts, scheme.header("=== Loop Summary ==="))
	fmt.Fprintf(&sb, "[%s] %s\n", ts, renderBar(result.Completed, result.Total, 10, cl.colorOutput))
	fmt.Fprintf(&sb, "[%s] %s\n", ts, scheme.count("Completed", result.Completed, scheme.success))
	fmt.Fprintf(&sb, "[%s] %s\n", ts, scheme.count("Exhausted", result.Exhausted, scheme.warn))
	fmt.Fprintf(&sb, "[%s] %s\n", ts, scheme.count("Aborted", result.Aborted, scheme.fail))
	fmt.Fprintf(&sb, "[%s] Duration: %s\n", ts, formatDuration(result.Duration))

	if len(result.Unresolved) > 0 {
		fmt.Fprintf(&sb, "[%s] Unresolved:\n", ts)
		for _, r := range result.Unresolved {
			fmt.Fprintf(&sb, "[%s]   - %s: %s\n", ts, r.Task.ID, r.TerminalState)
		}
	}
	cl.write(sb.String())
}

func (cl *ConsoleLogger) write(s string) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	_, _ = io.WriteString(cl.writer, s)
}

func verdictStatus(attempt models.Attempt, verdict models.Verdict) string {
	switch {
	case attempt.Failed():
		return "FAILED"
	case verdict.IsAdequate:
		return "ADEQUATE"
	default:
		return "INADEQUATE"
	}
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}

// formatDuration converts a time.Duration to a human-readable string.
// Examples: "5s", "1m30s", "2h15m"
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		hours := d / time.Hour
		remainder := d % time.Hour
		if remainder == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		minutes := remainder / time.Minute
		remainder = remainder % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dh%dm", hours, minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case d >= time.Minute:
		minutes := d / time.Minute
		remainder := d % time.Minute
		if remainder == 0 {
			return fmt.Sprintf("%dm", minutes)
		}
		seconds := remainder / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	case d >= time.Second:
		return fmt.Sprintf("%ds", int64(d.Seconds()))
	default:
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
}
