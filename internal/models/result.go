package models

import "time"

// TerminalState is the state a loop reached when it stopped.
type TerminalState string

// Loop states. Only Completed, Exhausted and Aborted are terminal.
const (
	StatePending   TerminalState = "pending"   // Loop has not finished
	StateCompleted TerminalState = "completed" // An attempt was judged adequate
	StateExhausted TerminalState = "exhausted" // Attempt budget spent without an adequate result
	StateAborted   TerminalState = "aborted"   // A fatal error stopped the loop
)

// IsTerminal reports whether s is one of the terminal states.
func (s TerminalState) IsTerminal() bool {
	return s == StateCompleted || s == StateExhausted || s == StateAborted
}

// ParseTerminalState converts a stored string back into a TerminalState.
func ParseTerminalState(s string) (TerminalState, bool) {
	switch TerminalState(s) {
	case StatePending, StateCompleted, StateExhausted, StateAborted:
		return TerminalState(s), true
	}
	return "", false
}

// TaskRecord is the audit trail and final outcome of one loop invocation.
type TaskRecord struct {
	ID            string        // Record identifier (uuid)
	Workflow      string        // Workflow that produced the record (helpdesk, programmer, analyzer)
	Task          Task          // Task as it stood when the loop stopped
	Attempts      []Attempt     // Append-only, execution order
	Verdicts      []Verdict     // Index aligned with Attempts
	TerminalState TerminalState // Terminal state, StatePending while running
	FinalResult   string        // Adequate result or fallback
	Reason        string        // Why the terminal state was reached
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Pair is one attempt together with the verdict that judged it.
// Verdict is nil when the loop aborted before the attempt was judged.
type Pair struct {
	Attempt Attempt
	Verdict *Verdict
}

// Pairs reconstructs the (attempt, verdict) sequence for auditing.
func (r TaskRecord) Pairs() []Pair {
	pairs := make([]Pair, 0, len(r.Attempts))
	for i, a := range r.Attempts {
		p := Pair{Attempt: a}
		if i < len(r.Verdicts) {
			v := r.Verdicts[i]
			p.Verdict = &v
		}
		pairs = append(pairs, p)
	}
	return pairs
}

// LastVerdict returns the most recent verdict, if any.
func (r TaskRecord) LastVerdict() (Verdict, bool) {
	if len(r.Verdicts) == 0 {
		return Verdict{}, false
	}
	return r.Verdicts[len(r.Verdicts)-1], true
}

// LastAttempt returns the most recent attempt, if any.
func (r TaskRecord) LastAttempt() (Attempt, bool) {
	if len(r.Attempts) == 0 {
		return Attempt{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}

// Succeeded returns true if the loop completed with an adequate result.
func (r TaskRecord) Succeeded() bool {
	return r.TerminalState == StateCompleted
}

// AttemptCount returns the number of attempts made.
func (r TaskRecord) AttemptCount() int {
	return len(r.Attempts)
}

// Duration returns the wall time between start and finish.
func (r TaskRecord) Duration() time.Duration {
	if r.FinishedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Clone returns a deep copy so the caller cannot mutate controller-owned slices.
func (r TaskRecord) Clone() TaskRecord {
	c := r
	c.Task = r.Task.Clone()
	if r.Attempts != nil {
		c.Attempts = make([]Attempt, len(r.Attempts))
		for i, a := range r.Attempts {
			a.InputSnapshot = CopyStrings(a.InputSnapshot)
			if a.SideEffects != nil {
				se := make([]SideEffect, len(a.SideEffects))
				copy(se, a.SideEffects)
				a.SideEffects = se
			}
			c.Attempts[i] = a
		}
	}
	if r.Verdicts != nil {
		c.Verdicts = make([]Verdict, len(r.Verdicts))
		copy(c.Verdicts, r.Verdicts)
	}
	return c
}

// ExecutionResult represents the aggregate result of a fan-out of loops
type ExecutionResult struct {
	Total      int           // Number of loops run
	Completed  int           // Loops that reached StateCompleted
	Exhausted  int           // Loops that reached StateExhausted
	Aborted    int           // Loops that reached StateAborted
	Duration   time.Duration // Wall time of the fan-out
	Unresolved []TaskRecord  // Exhausted and aborted records
}
