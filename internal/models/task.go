package models

import (
	"errors"
	"time"
)

// Side effect kinds recorded by attempts.
const (
	SideEffectToolCall = "tool_call" // A registry tool invocation and its hits
	SideEffectCode     = "code"      // Source code submitted to the sandbox
	SideEffectStdout   = "stdout"    // Captured standard output of a sandbox run
	SideEffectStderr   = "stderr"    // Captured standard error of a sandbox run
	SideEffectCodeDiff = "code_diff" // Patch between this attempt's code and the previous one
	SideEffectSections = "sections"  // Document sections chosen by the attempt
	SideEffectTasks    = "tasks"     // Search tasks a research goal was decomposed into
	SideEffectSearch   = "search"    // A paper search and the papers it returned
	SideEffectReading  = "reading"   // A paper answer gathered for a research task
)

// Task represents one unit of work driven by a loop controller.
type Task struct {
	ID          string         // Stable identifier used in records and logs
	Description string         // Natural-language goal, never changed by the loop
	Context     []string       // Accumulated auxiliary text, including corrective feedback
	Metadata    map[string]any // Caller supplied values carried through to executors (workflow name, paper id, ...)
}

// Validate checks if the task has all required fields
func (t *Task) Validate() error {
	if t.Description == "" {
		return errors.New("task description is required")
	}
	return nil
}

// Clone returns a copy of the task whose Context slice does not alias the original.
func (t Task) Clone() Task {
	c := t
	c.Context = CopyStrings(t.Context)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// SideEffect records an externally observable action taken during an attempt.
type SideEffect struct {
	Kind   string // One of the SideEffect* constants
	Name   string // Tool name, file name or other label
	Input  string // Arguments, source code, ...
	Output string // Tool hits, captured stream, patch text, ...
}

// Attempt represents a single executor invocation within a loop.
type Attempt struct {
	Index         int           // Zero-based attempt number
	InputSnapshot []string      // Task context as seen by the executor
	Result        string        // Executor output
	SideEffects   []SideEffect  // Effects caused by this attempt
	Err           string        // Error text when the attempt failed
	StartedAt     time.Time     // When the attempt began
	Duration      time.Duration // Time spent in the executor
}

// Failed reports whether the executor returned an error instead of a result.
func (a Attempt) Failed() bool {
	return a.Err != ""
}

// SideEffectsOfKind returns the side effects with the given kind, in order.
func (a Attempt) SideEffectsOfKind(kind string) []SideEffect {
	var out []SideEffect
	for _, se := range a.SideEffects {
		if se.Kind == kind {
			out = append(out, se)
		}
	}
	return out
}

// Verdict is the adequacy judgment on one attempt.
type Verdict struct {
	IsAdequate bool   // Whether the attempt satisfies the task
	Feedback   string // Explanation; corrective guidance when inadequate
}

// CopyStrings returns a copy of s, or nil when s is empty.
func CopyStrings(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
