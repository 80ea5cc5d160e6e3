package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/agentloop/internal/models"
)

func newFileLogger(t *testing.T, level string) (*FileLogger, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "logs")
	fl, err := NewFileLoggerWithDirAndLevel(dir, level)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fl.Close() })
	return fl, dir
}

func readRunLog(t *testing.T, fl *FileLogger) string {
	t.Helper()
	data, err := os.ReadFile(fl.RunFile())
	require.NoError(t, err)
	return string(data)
}

func TestNewFileLogger_CreatesLayout(t *testing.T) {
	fl, dir := newFileLogger(t, "info")

	info, err := os.Stat(filepath.Join(dir, "records"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(fl.RunFile()), target)
	assert.Regexp(t, `^run-\d{8}-\d{6}\.log$`, target)

	assert.Contains(t, readRunLog(t, fl), "=== agentloop Run Log ===")
}

func TestNewFileLogger_ReplacesLatestSymlink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.Symlink("run-old.log", filepath.Join(dir, "latest.log")))

	fl, err := NewFileLoggerWithDirAndLevel(dir, "info")
	require.NoError(t, err)
	defer fl.Close()

	target, err := os.Readlink(filepath.Join(dir, "latest.log"))
	require.NoError(t, err)
	assert.NotEqual(t, "run-old.log", target)
}

func TestFileLogger_LevelsAndEvents(t *testing.T) {
	fl, _ := newFileLogger(t, "info")
	task := models.Task{ID: "task-1", Context: []string{"use the dataset"}}

	fl.LogDebug("not written")
	fl.LogAttemptStart(task, 0)
	fl.LogInfo("starting analysis")
	fl.LogVerdict(task, models.Attempt{Index: 0, Err: "no code"}, models.Verdict{Feedback: "attempt failed: no code"})
	fl.LogSummary(models.ExecutionResult{Total: 2, Completed: 1, Exhausted: 1})

	out := readRunLog(t, fl)
	assert.NotContains(t, out, "not written")
	assert.NotContains(t, out, "attempt 1 started", "attempt starts are debug level")
	assert.Contains(t, out, "[INFO] starting analysis")
	assert.Contains(t, out, "task-1: attempt 1 FAILED")
	assert.Contains(t, out, "  error: no code")
	assert.Contains(t, out, "  feedback: attempt failed: no code")
	assert.Contains(t, out, "=== LOOP SUMMARY ===")
	assert.Contains(t, out, "Status:       PARTIAL (1/2 completed)")
}

func TestFileLogger_DebugIncludesContext(t *testing.T) {
	fl, _ := newFileLogger(t, "debug")
	fl.LogAttemptStart(models.Task{ID: "task-1", Context: []string{"first", "second"}}, 1)

	out := readRunLog(t, fl)
	assert.Contains(t, out, "task-1: attempt 2 started")
	assert.Contains(t, out, "context 2: second")
}

func TestFileLogger_LogRecordWritesAudit(t *testing.T) {
	fl, dir := newFileLogger(t, "info")
	rec := sampleRecord(models.StateCompleted)
	rec.Task.ID = "paper/2408.14317"

	fl.LogRecord(rec)

	path := filepath.Join(dir, "records", "paper_2408.14317-rec-1.md")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "## paper/2408.14317"))
	assert.Contains(t, string(data), "| # | Result | Adequate | Feedback |")

	assert.Contains(t, readRunLog(t, fl), "paper/2408.14317 completed after 2 attempt(s) (90.0s) -> paper_2408.14317-rec-1.md")
}

func TestFileLogger_Close(t *testing.T) {
	fl, _ := newFileLogger(t, "info")
	require.NoError(t, fl.Close())
	require.NoError(t, fl.Close(), "second close is a no-op")
	fl.LogInfo("after close is dropped")
}
