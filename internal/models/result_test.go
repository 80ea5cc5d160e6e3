package models

import (
	"testing"
	"time"
)

func TestTerminalState_IsTerminal(t *testing.T) {
	tests := []struct {
		state TerminalState
		want  bool
	}{
		{StatePending, false},
		{StateCompleted, true},
		{StateExhausted, true},
		{StateAborted, true},
		{TerminalState("weird"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTerminalState(t *testing.T) {
	if s, ok := ParseTerminalState("exhausted"); !ok || s != StateExhausted {
		t.Errorf("ParseTerminalState(exhausted) = %q, %v", s, ok)
	}
	if _, ok := ParseTerminalState("done"); ok {
		t.Error("ParseTerminalState(done) should fail")
	}
}

func TestTaskRecord_Pairs(t *testing.T) {
	record := TaskRecord{
		Attempts: []Attempt{{Index: 0, Result: "a"}, {Index: 1, Result: "b"}, {Index: 2, Err: "boom"}},
		Verdicts: []Verdict{{IsAdequate: false, Feedback: "more"}, {IsAdequate: false, Feedback: "again"}},
	}

	pairs := record.Pairs()
	if len(pairs) != 3 {
		t.Fatalf("len(Pairs()) = %d, want 3", len(pairs))
	}
	if pairs[0].Verdict == nil || pairs[0].Verdict.Feedback != "more" {
		t.Errorf("pairs[0].Verdict = %+v, want feedback 'more'", pairs[0].Verdict)
	}
	if pairs[1].Attempt.Result != "b" {
		t.Errorf("pairs[1].Attempt.Result = %q, want b", pairs[1].Attempt.Result)
	}
	if pairs[2].Verdict != nil {
		t.Errorf("pairs[2].Verdict = %+v, want nil for unjudged attempt", pairs[2].Verdict)
	}
}

func TestTaskRecord_Accessors(t *testing.T) {
	var empty TaskRecord
	if _, ok := empty.LastVerdict(); ok {
		t.Error("LastVerdict() on empty record should report false")
	}
	if _, ok := empty.LastAttempt(); ok {
		t.Error("LastAttempt() on empty record should report false")
	}
	if empty.Succeeded() {
		t.Error("empty record should not be Succeeded()")
	}

	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	record := TaskRecord{
		Attempts:      []Attempt{{Index: 0}, {Index: 1, Result: "42"}},
		Verdicts:      []Verdict{{Feedback: "no"}, {IsAdequate: true, Feedback: "ok"}},
		TerminalState: StateCompleted,
		StartedAt:     start,
		FinishedAt:    start.Add(3 * time.Second),
	}

	v, ok := record.LastVerdict()
	if !ok || !v.IsAdequate {
		t.Errorf("LastVerdict() = %+v, %v", v, ok)
	}
	a, ok := record.LastAttempt()
	if !ok || a.Result != "42" {
		t.Errorf("LastAttempt() = %+v, %v", a, ok)
	}
	if !record.Succeeded() {
		t.Error("Succeeded() = false, want true")
	}
	if record.AttemptCount() != 2 {
		t.Errorf("AttemptCount() = %d, want 2", record.AttemptCount())
	}
	if record.Duration() != 3*time.Second {
		t.Errorf("Duration() = %v, want 3s", record.Duration())
	}
}

func TestTaskRecord_CloneDoesNotAlias(t *testing.T) {
	record := TaskRecord{
		Task: Task{Description: "d", Context: []string{"c1"}},
		Attempts: []Attempt{{
			InputSnapshot: []string{"c1"},
			SideEffects:   []SideEffect{{Kind: SideEffectToolCall, Name: "search_qa"}},
		}},
		Verdicts: []Verdict{{Feedback: "f"}},
	}

	clone := record.Clone()
	clone.Task.Context[0] = "changed"
	clone.Attempts[0].InputSnapshot[0] = "changed"
	clone.Attempts[0].SideEffects[0].Name = "changed"
	clone.Verdicts[0].Feedback = "changed"

	if record.Task.Context[0] != "c1" {
		t.Error("clone aliases Task.Context")
	}
	if record.Attempts[0].InputSnapshot[0] != "c1" {
		t.Error("clone aliases InputSnapshot")
	}
	if record.Attempts[0].SideEffects[0].Name != "search_qa" {
		t.Error("clone aliases SideEffects")
	}
	if record.Verdicts[0].Feedback != "f" {
		t.Error("clone aliases Verdicts")
	}
}
