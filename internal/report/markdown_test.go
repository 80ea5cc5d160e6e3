package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/agentloop/internal/models"
)

func sampleRecord() models.TaskRecord {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return models.TaskRecord{
		ID:       "rec-1",
		Workflow: "helpdesk",
		Task:     models.Task{ID: "subtask-1", Description: "find the reset\nprocedure", Context: []string{"try search_qa"}},
		Attempts: []models.Attempt{
			{Index: 0, Result: "not found | sorry"},
			{Index: 1, Result: "Open Settings > Reset password"},
		},
		Verdicts: []models.Verdict{
			{IsAdequate: false, Feedback: "try search_qa"},
			{IsAdequate: true, Feedback: "complete"},
		},
		TerminalState: models.StateCompleted,
		FinalResult:   "Open Settings > Reset password",
		Reason:        "complete",
		StartedAt:     start,
		FinishedAt:    start.Add(1500 * time.Millisecond),
	}
}

func TestRenderRecord(t *testing.T) {
	out := RenderRecord(sampleRecord())

	assert.True(t, strings.HasPrefix(out, "## subtask-1\n"))
	assert.Contains(t, out, "- **Task:** find the reset procedure")
	assert.Contains(t, out, "- **State:** completed")
	assert.Contains(t, out, "- **Attempts:** 2")
	assert.Contains(t, out, "- **Duration:** 1.5s")
	assert.Contains(t, out, `| 1 | not found \| sorry | no | try search_qa |`)
	assert.Contains(t, out, "| 2 | Open Settings > Reset password | yes | complete |")
	assert.Contains(t, out, "### Final result\n\nOpen Settings > Reset password")
}

func TestRenderRecord_AbortedAttemptWithoutVerdict(t *testing.T) {
	r := sampleRecord()
	r.Attempts = []models.Attempt{{Index: 0, Err: "fatal task subtask-1 in attempt phase: permission denied"}}
	r.Verdicts = nil
	r.TerminalState = models.StateAborted
	r.FinalResult = ""

	out := RenderRecord(r)
	assert.Contains(t, out, "| 1 | error: fatal task subtask-1 in attempt phase: permission denied | - |  |")
	assert.NotContains(t, out, "Final result")
}

func TestRenderRecords(t *testing.T) {
	out := RenderRecords("Help desk", []models.TaskRecord{sampleRecord()}, models.ExecutionResult{Total: 1, Completed: 1, Duration: 2 * time.Second})
	assert.True(t, strings.HasPrefix(out, "# Help desk\n\n1 tasks: 1 completed, 0 exhausted, 0 aborted in 2s\n"))
	assert.Contains(t, out, "## subtask-1")
}

func TestCellTruncates(t *testing.T) {
	got := cell(strings.Repeat("a", 300))
	assert.Equal(t, cellLimit+3, len(got))
}

func TestHTML(t *testing.T) {
	html, err := HTML(RenderRecord(sampleRecord()))
	require.NoError(t, err)
	assert.Contains(t, string(html), "<table>")
	assert.Contains(t, string(html), "<h2>subtask-1</h2>")
}
