package logger

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/harrison/agentloop/internal/models"
)

// colorScheme defines consistent colors for summary lines.
// Green: completed loops
// Red: aborted loops
// Yellow: exhausted loops
// A disabled scheme prints plain text.
type colorScheme struct {
	enabled bool
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	bold    *color.Color
}

func newColorScheme(enabled bool) *colorScheme {
	return &colorScheme{
		enabled: enabled,
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		bold:    color.New(color.Bold),
	}
}

func (s *colorScheme) header(text string) string {
	if !s.enabled {
		return text
	}
	return s.bold.Sprint(text)
}

// count formats "label: n", colored only when n > 0.
func (s *colorScheme) count(label string, n int, c *color.Color) string {
	text := fmt.Sprintf("%s: %d", label, n)
	if !s.enabled || n == 0 {
		return text
	}
	return c.Sprint(text)
}

func colorLevel(level string) string {
	switch strings.ToUpper(level) {
	case "TRACE":
		return color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		return color.New(color.FgCyan).Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		return color.New(color.FgRed).Sprint(level)
	default:
		return level
	}
}

func colorStatus(status string) string {
	switch status {
	case "ADEQUATE":
		return color.New(color.FgGreen).Sprint(status)
	case "INADEQUATE":
		return color.New(color.FgYellow).Sprint(status)
	case "FAILED":
		return color.New(color.FgRed).Sprint(status)
	default:
		return status
	}
}

func colorState(state models.TerminalState) string {
	switch state {
	case models.StateCompleted:
		return color.New(color.FgGreen).Sprint(state)
	case models.StateExhausted:
		return color.New(color.FgYellow).Sprint(state)
	case models.StateAborted:
		return color.New(color.FgRed).Sprint(state)
	default:
		return string(state)
	}
}

// renderBar draws "[=====     ] 1/2 (50%)". Cyan while incomplete, green when done.
func renderBar(current, total, width int, enableColor bool) string {
	if width < 1 {
		width = 10
	}
	perc := 0
	if total > 0 {
		perc = min(max((current*100)/total, 0), 100)
	}
	filled := (perc * width) / 100

	bar := "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
	result := fmt.Sprintf("%s %d/%d (%d%%)", bar, current, total, perc)

	if !enableColor {
		return result
	}
	if perc < 100 {
		return color.New(color.FgCyan).Sprint(result)
	}
	return color.New(color.FgGreen).Sprint(result)
}
