package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/harrison/agentloop/internal/models"
	"github.com/harrison/agentloop/internal/report"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileLogger logs loop events to files in a log directory.
// It creates timestamped per-run log files, a markdown audit file per
// finished record under records/, and maintains a latest.log symlink
// pointing to the most recent run.
// It is thread-safe and implements the executor.Logger interface.
type FileLogger struct {
	logDir     string
	runLog     *os.File
	runFile    string
	recordsDir string
	logLevel   string
	mu         sync.Mutex
}

// NewFileLogger creates a FileLogger that writes to .agentloop/logs/ at
// level info.
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(filepath.Join(".agentloop", "logs"), "info")
}

// NewFileLoggerWithDirAndLevel creates a new FileLogger with a custom log directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	recordsDir := filepath.Join(logDir, "records")
	if err := os.MkdirAll(recordsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create records directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log; a second run within the same second appends.
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	logger := &FileLogger{
		logDir:     logDir,
		runLog:     file,
		runFile:    runFile,
		recordsDir: recordsDir,
		logLevel:   normalizeLogLevel(logLevel),
	}

	logger.writeRunLog("=== agentloop Run Log ===\n")
	logger.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))

	return logger, nil
}

// RunFile returns the path of this run's log file.
func (fl *FileLogger) RunFile() string {
	return fl.runFile
}

// LogTrace logs a trace-level message (most verbose).
func (fl *FileLogger) LogTrace(message string) {
	fl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.logWithLevel("ERROR", message)
}

func (fl *FileLogger) logWithLevel(level string, message string) {
	if !enabled(fl.logLevel, strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogAttemptStart logs the start of an attempt at DEBUG level, including
// the context the attempter will see.
func (fl *FileLogger) LogAttemptStart(task models.Task, attempt int) {
	if !enabled(fl.logLevel, "debug") {
		return
	}
	message := fmt.Sprintf("[%s] %s: attempt %d started\n", timestamp(), task.ID, attempt+1)
	for i, c := range task.Context {
		message += fmt.Sprintf("[%s]   context %d: %s\n", timestamp(), i+1, oneLine(c, 400))
	}
	fl.writeRunLog(message)
}

// LogVerdict logs the verdict on an attempt at INFO level with the full feedback.
func (fl *FileLogger) LogVerdict(task models.Task, attempt models.Attempt, verdict models.Verdict) {
	if !enabled(fl.logLevel, "info") {
		return
	}
	message := fmt.Sprintf("[%s] %s: attempt %d %s (%.1fs, %d side effect(s))\n",
		timestamp(), task.ID, attempt.Index+1, verdictStatus(attempt, verdict), attempt.Duration.Seconds(), len(attempt.SideEffects))
	if attempt.Err != "" {
		message += fmt.Sprintf("[%s]   error: %s\n", timestamp(), attempt.Err)
	}
	if verdict.Feedback != "" {
		message += fmt.Sprintf("[%s]   feedback: %s\n", timestamp(), verdict.Feedback)
	}
	fl.writeRunLog(message)
}

// LogRecord writes the record's audit trail to records/<task>-<record>.md and
// a one-line entry to the run log.
func (fl *FileLogger) LogRecord(record models.TaskRecord) {
	name := unsafeFileChars.ReplaceAllString(record.Task.ID, "_")
	if record.ID != "" {
		name += "-" + record.ID
	}
	path := filepath.Join(fl.recordsDir, name+".md")

	if err := os.WriteFile(path, []byte(report.RenderRecord(record)), 0644); err != nil {
		fl.LogWarn(fmt.Sprintf("failed to write record log %s: %v", path, err))
	}

	if !enabled(fl.logLevel, "info") {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] %s %s after %d attempt(s) (%.1fs) -> %s\n",
		timestamp(), record.Task.ID, record.TerminalState, record.AttemptCount(), record.Duration().Seconds(), filepath.Base(path)))
}

// LogSummary logs the fan-out summary at INFO level.
func (fl *FileLogger) LogSummary(result models.ExecutionResult) {
	if !enabled(fl.logLevel, "info") {
		return
	}

	ts := timestamp()
	status := "SUCCESS"
	if result.Completed < result.Total {
		if result.Completed == 0 {
			status = "FAILED"
		} else {
			status = "PARTIAL"
		}
	}

	message := fmt.Sprintf(
		"\n[%s] === LOOP SUMMARY ===\n"+
			"[%s] Total loops:  %d\n"+
			"[%s] Completed:    %d\n"+
			"[%s] Exhausted:    %d\n"+
			"[%s] Aborted:      %d\n"+
			"[%s] Total time:   %.1fs\n"+
			"[%s] Status:       %s (%d/%d completed)\n",
		ts,
		ts, result.Total,
		ts, result.Completed,
		ts, result.Exhausted,
		ts, result.Aborted,
		ts, result.Duration.Seconds(),
		ts, status, result.Completed, result.Total,
	)
	fl.writeRunLog(message)
}

// Close flushes and closes the run log file.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		if err := fl.runLog.Sync(); err != nil {
			return fmt.Errorf("failed to sync run log: %w", err)
		}
		if err := fl.runLog.Close(); err != nil {
			return fmt.Errorf("failed to close run log: %w", err)
		}
		fl.runLog = nil
	}
	return nil
}

// writeRunLog is a thread-safe helper to write to the run log file.
func (fl *FileLogger) writeRunLog(message string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.runLog != nil {
		fl.runLog.WriteString(message)
		fl.runLog.Sync()
	}
}
