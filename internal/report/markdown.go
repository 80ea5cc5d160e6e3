package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/harrison/agentloop/internal/models"
)

const cellLimit = 120

// RenderRecord renders one record with its attempt/verdict audit table.
func RenderRecord(r models.TaskRecord) string {
	var sb strings.Builder
	title := r.Task.ID
	if title == "" {
		title = r.ID
	}
	fmt.Fprintf(&sb, "## %s\n\n", title)
	fmt.Fprintf(&sb, "- **Task:** %s\n", oneLine(r.Task.Description))
	if r.Workflow != "" {
		fmt.Fprintf(&sb, "- **Workflow:** %s\n", r.Workflow)
	}
	fmt.Fprintf(&sb, "- **State:** %s\n", r.TerminalState)
	fmt.Fprintf(&sb, "- **Attempts:** %d\n", r.AttemptCount())
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(&sb, "- **Duration:** %s\n", d.Round(time.Millisecond))
	}
	if r.Reason != "" {
		fmt.Fprintf(&sb, "- **Reason:** %s\n", oneLine(r.Reason))
	}

	if pairs := r.Pairs(); len(pairs) > 0 {
		sb.WriteString("\n| # | Result | Adequate | Feedback |\n|---|--------|----------|----------|\n")
		for _, p := range pairs {
			result := p.Attempt.Result
			if p.Attempt.Err != "" {
				result = "error: " + p.Attempt.Err
			}
			adequate, feedback := "-", ""
			if p.Verdict != nil {
				adequate = "no"
				if p.Verdict.IsAdequate {
					adequate = "yes"
				}
				feedback = p.Verdict.Feedback
			}
			fmt.Fprintf(&sb, "| %d | %s | %s | %s |\n", p.Attempt.Index+1, cell(result), adequate, cell(feedback))
		}
	}

	if r.FinalResult != "" {
		fmt.Fprintf(&sb, "\n### Final result\n\n%s\n", strings.TrimSpace(r.FinalResult))
	}
	return sb.String()
}

// RenderRecords renders a summary line followed by every record.
func RenderRecords(title string, records []models.TaskRecord, summary models.ExecutionResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "%d tasks: %d completed, %d exhausted, %d aborted", summary.Total, summary.Completed, summary.Exhausted, summary.Aborted)
	if summary.Duration > 0 {
		fmt.Fprintf(&sb, " in %s", summary.Duration.Round(time.Millisecond))
	}
	sb.WriteString("\n")
	for _, r := range records {
		sb.WriteString("\n")
		sb.WriteString(RenderRecord(r))
	}
	return sb.String()
}

// HTML converts markdown to HTML (GitHub flavoured tables included).
func HTML(markdown string) ([]byte, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return buf.Bytes(), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func cell(s string) string {
	s = strings.ReplaceAll(oneLine(s), "|", `\|`)
	if r := []rune(s); len(r) > cellLimit {
		s = string(r[:cellLimit]) + "..."
	}
	return s
}
