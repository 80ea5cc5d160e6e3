package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/agentloop/internal/completion"
	"github.com/harrison/agentloop/internal/completion/completiontest"
	"github.com/harrison/agentloop/internal/document"
	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/models"
	"github.com/harrison/agentloop/internal/workflow"
)

const paper = `# Abstract

We survey claim verification with LLMs.

# Introduction

Fact checking by hand does not scale.

# Retrieval

Most systems retrieve evidence with dense retrievers.

# Datasets

FEVER and AVeriTeC are the common benchmarks.

# Conclusion

Retrieval augmented generation dominates.
`

const (
	selectKey  = "Select up to"
	checkKey   = "Do these sections contain enough"
	summaryKey = "Answer the question from these sections only"
	goal       = "How is claim verification evaluated?"
)

func reply(text string) completiontest.Reply { return completiontest.Reply{Text: text} }

func newAnalyzer(t *testing.T, svc completion.Service, cfg Config, docs *document.Store) *Analyzer {
	t.Helper()
	a, err := New(cfg, workflow.Deps{Service: svc}, docs)
	require.NoError(t, err)
	return a
}

func TestAnalyzer_SufficientAfterReselection(t *testing.T) {
	svc := completiontest.New().
		Route(selectKey, reply("1,2"), reply("4, 3")).
		Route(checkKey,
			reply(`{"is_sufficient": false, "reason": "the benchmarks are not covered"}`),
			reply(`{"is_sufficient": true, "reason": "datasets are listed"}`)).
		Route(summaryKey, reply("FEVER and AVeriTeC are used (Datasets)."))

	a := newAnalyzer(t, svc, Config{}, nil)
	res, err := a.Analyze(context.Background(), goal, Paper{ID: "2408.14317", Task: "Which datasets are used?", Markdown: paper})
	require.NoError(t, err)

	assert.True(t, res.IsRelated)
	assert.Equal(t, "FEVER and AVeriTeC are used (Datasets).", res.Answer)
	assert.Equal(t, []int{4, 3}, res.Sections)
	assert.Equal(t, models.StateCompleted, res.Record.TerminalState)
	assert.Equal(t, 2, res.Record.AttemptCount())

	first := res.Record.Attempts[0]
	se := first.SideEffectsOfKind(models.SideEffectSections)
	require.Len(t, se, 1)
	assert.Equal(t, "1,2", se[0].Input)
	assert.Equal(t, "Abstract\nIntroduction", se[0].Output)

	// The rejected selection reaches the second attempt through the task context.
	second := res.Record.Attempts[1]
	require.Len(t, second.InputSnapshot, 1)
	selected, reason := splitFeedback(second.InputSnapshot[0], 5)
	assert.Equal(t, []int{1, 2}, selected)
	assert.Equal(t, "the benchmarks are not covered", reason)

	// The second selection prompt shows the previous choice and why it failed.
	var selects []string
	for _, req := range svc.Requests() {
		if text := completion.Transcript(req); strings.Contains(text, selectKey) {
			selects = append(selects, text)
		}
	}
	require.Len(t, selects, 2)
	assert.NotContains(t, selects[0], "Previously selected")
	assert.Contains(t, selects[1], "Previously selected sections: 1,2")
	assert.Contains(t, selects[1], "the benchmarks are not covered")

	// The summary is written from the final selection only.
	summary := completion.Transcript(svc.Requests()[len(svc.Requests())-1])
	assert.Contains(t, summary, "<header>Datasets</header>")
	assert.NotContains(t, summary, "<header>Abstract</header>")
}

func TestAnalyzer_NotRelatedAfterCheckCount(t *testing.T) {
	svc := completiontest.New().
		Route(selectKey, reply("1"), reply("2"), reply("5")).
		Route(checkKey,
			reply(`{"is_sufficient": false, "reason": "no"}`),
			reply(`{"is_sufficient": false, "reason": "no"}`),
			reply(`{"is_sufficient": false, "reason": "no"}`))

	a := newAnalyzer(t, svc, Config{}, nil)
	res, err := a.Analyze(context.Background(), goal, Paper{Task: "What GPU was used?", Markdown: paper})
	require.NoError(t, err)

	assert.False(t, res.IsRelated)
	assert.Equal(t, models.StateExhausted, res.Record.TerminalState)
	assert.Equal(t, DefaultCheckCount, res.Record.AttemptCount())
	assert.Contains(t, res.Answer, `the paper does not answer "What GPU was used?"`)
	assert.Equal(t, "paper-1", res.ID)
	assert.Equal(t, 0, svc.Remaining())
}

func TestAnalyzer_InvalidSelectionIsRetried(t *testing.T) {
	svc := completiontest.New().
		Route(selectKey, reply("none of them, 9"), reply("3")).
		Route(checkKey, reply(`{"is_sufficient": true, "reason": "ok"}`)).
		Route(summaryKey, reply("dense retrievers"))

	a := newAnalyzer(t, svc, Config{}, nil)
	res, err := a.Analyze(context.Background(), goal, Paper{Task: "How is evidence retrieved?", Markdown: paper})
	require.NoError(t, err)

	require.Equal(t, 2, res.Record.AttemptCount())
	assert.Contains(t, res.Record.Attempts[0].Err, "no valid section index")
	assert.True(t, res.IsRelated)
	assert.Equal(t, []int{3}, res.Sections)
}

func TestAnalyzer_FatalServiceErrorAborts(t *testing.T) {
	svc := completiontest.New().
		Route(selectKey, completiontest.Reply{Err: &completion.ServiceError{Backend: "cli", Err: errors.New("not logged in")}})

	a := newAnalyzer(t, svc, Config{}, nil)
	res, err := a.Analyze(context.Background(), goal, Paper{Task: "q", Markdown: paper})
	require.Error(t, err)
	assert.True(t, executor.IsFatal(err))
	require.NotNil(t, res)
	assert.Equal(t, models.StateAborted, res.Record.TerminalState)
	assert.False(t, res.IsRelated)
	assert.Empty(t, res.Answer)
}

func TestAnalyzer_AnalyzeAllFromStore(t *testing.T) {
	dir := t.TempDir()
	docs, err := document.NewStore(dir, 8)
	require.NoError(t, err)
	pathA, err := docs.Write("a.md", paper)
	require.NoError(t, err)
	pathB, err := docs.Write("b.md", "# Only\n\nNothing relevant here.\n")
	require.NoError(t, err)

	svc := completiontest.New().
		Route(selectKey, reply("4"), reply("1"), reply("1")).
		Route(checkKey,
			reply(`{"is_sufficient": true, "reason": "ok"}`),
			reply(`{"is_sufficient": false, "reason": "unrelated"}`),
			reply(`{"is_sufficient": false, "reason": "unrelated"}`)).
		Route(summaryKey, reply("FEVER"))

	a := newAnalyzer(t, svc, Config{Loop: executor.LoopConfig{MaxAttempts: 2}, MaxConcurrency: 1}, docs)
	results, err := a.AnalyzeAll(context.Background(), goal, []Paper{
		{Task: "datasets?", Path: pathA},
		{Task: "datasets?", Path: pathB},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, pathA, results[0].ID)
	assert.True(t, results[0].IsRelated)
	assert.Equal(t, "FEVER", results[0].Answer)
	assert.False(t, results[1].IsRelated)
	assert.Equal(t, 2, results[1].Record.AttemptCount())
}

func TestAnalyzer_Validation(t *testing.T) {
	a := newAnalyzer(t, completiontest.New(), Config{}, nil)

	_, err := a.Analyze(context.Background(), "", Paper{Task: "q", Markdown: paper})
	assert.Error(t, err)

	_, err = a.Analyze(context.Background(), goal, Paper{Task: "q", Markdown: "no headings at all"})
	assert.Error(t, err)

	_, err = a.Analyze(context.Background(), goal, Paper{Task: "q", Path: filepath.Join(t.TempDir(), "x.md")})
	assert.Error(t, err, "path without a document store")

	docs, err := document.NewStore(t.TempDir(), 1)
	require.NoError(t, err)
	a = newAnalyzer(t, completiontest.New(), Config{}, docs)
	_, err = a.Analyze(context.Background(), goal, Paper{Task: "q", Path: filepath.Join(t.TempDir(), "missing.md")})
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)

	_, err = New(Config{}, workflow.Deps{}, nil)
	assert.Error(t, err)
}

func TestParseIndices(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		count int
		limit int
		want  []int
	}{
		{"simple", "1,3,5", 5, 5, []int{1, 3, 5}},
		{"spaces and newline", " 2 ,\n4 ", 5, 5, []int{2, 4}},
		{"out of range dropped", "0,2,6", 5, 5, []int{2}},
		{"junk dropped", "two,3,[4]", 5, 5, []int{3, 4}},
		{"duplicates dropped", "2,2,1", 5, 5, []int{2, 1}},
		{"capped", "1,2,3,4", 5, 2, []int{1, 2}},
		{"nothing valid", "none", 5, 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseIndices(tt.text, tt.count, tt.limit))
		})
	}
}

func TestAnalyzer_SelectionSurvivesFailedAttempt(t *testing.T) {
	svc := completiontest.New().
		Route(selectKey, reply("2"), reply("no idea"), reply("4")).
		Route(checkKey,
			reply(`{"is_sufficient": false, "reason": "too general"}`),
			reply(`{"is_sufficient": true, "reason": "ok"}`)).
		Route(summaryKey, reply("FEVER"))

	a := newAnalyzer(t, svc, Config{}, nil)
	res, err := a.Analyze(context.Background(), goal, Paper{Task: "Which datasets are used?", Markdown: paper})
	require.NoError(t, err)
	require.Equal(t, 3, res.Record.AttemptCount())

	var selects []string
	for _, req := range svc.Requests() {
		if text := completion.Transcript(req); strings.Contains(text, selectKey) {
			selects = append(selects, text)
		}
	}
	require.Len(t, selects, 3)
	assert.Contains(t, selects[2], "Previously selected sections: 2")
	assert.Contains(t, selects[2], "no valid section index")
}

func TestSplitFeedback(t *testing.T) {
	tests := []struct {
		name       string
		entry      string
		wantIdx    []int
		wantReason string
	}{
		{"selection", "Selected sections: 1,3\nmethods are missing", []int{1, 3}, "methods are missing"},
		{"out of range dropped", "Selected sections: 2,9\nno", []int{2}, "no"},
		{"no reason", "Selected sections: 4", []int{4}, ""},
		{"other feedback", "attempt failed: timeout", nil, "attempt failed: timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, reason := splitFeedback(tt.entry, 5)
			assert.Equal(t, tt.wantIdx, idx)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}
