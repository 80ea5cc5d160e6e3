// Package analyzer reads papers for a research goal. For each paper it picks
// the sections worth reading, checks they are enough to answer the question
// and either summarises them or marks the paper as unrelated.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/harrison/agentloop/internal/completion"
	"github.com/harrison/agentloop/internal/document"
	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/models"
	"github.com/harrison/agentloop/internal/prompts"
	"github.com/harrison/agentloop/internal/workflow"
)

// Name identifies analyzer records.
const Name = "analyzer"

const (
	// DefaultMaxSections bounds how many sections one selection may contain.
	DefaultMaxSections = 5
	// DefaultCheckCount is how many selections are checked before giving up.
	DefaultCheckCount = 3
)

const sufficiencySchema = `{"type":"object","properties":{"is_sufficient":{"type":"boolean"},"reason":{"type":"string"}},"required":["is_sufficient","reason"]}`

// Config configures the analyzer. Loop.MaxAttempts is the check count.
type Config struct {
	Loop           executor.LoopConfig
	MaxSections    int
	MaxConcurrency int
	Temperature    float32
}

// Paper is one paper to read. Markdown wins over Path when both are set.
type Paper struct {
	ID       string
	Task     string // question to answer from this paper
	Path     string
	Markdown string
}

// ReadingResult is what was learned from one paper.
type ReadingResult struct {
	ID        string
	Task      string
	Path      string
	Answer    string
	IsRelated bool
	Sections  []int // 1-based indices the answer was based on
	Record    models.TaskRecord
}

// Analyzer is the paper reading workflow.
type Analyzer struct {
	cfg  Config
	deps workflow.Deps
	docs *document.Store
}

// New creates an Analyzer. docs is needed only for papers given by path.
func New(cfg Config, deps workflow.Deps, docs *document.Store) (*Analyzer, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxSections <= 0 {
		cfg.MaxSections = DefaultMaxSections
	}
	if cfg.Loop.MaxAttempts <= 0 {
		cfg.Loop.MaxAttempts = DefaultCheckCount
	}
	if cfg.Loop.Fallback == nil {
		cfg.Loop.Fallback = Fallback
	}
	return &Analyzer{cfg: cfg, deps: deps, docs: docs}, nil
}

// Fallback is the answer for a paper that never yielded sufficient sections.
func Fallback(task models.Task, attempts int) string {
	return fmt.Sprintf("the paper does not answer %q (%d section selection(s) checked)", task.Description, attempts)
}

// Analyze reads one paper.
func (a *Analyzer) Analyze(ctx context.Context, goal string, paper Paper) (*ReadingResult, error) {
	results, err := a.AnalyzeAll(ctx, goal, []Paper{paper})
	if len(results) == 0 {
		return nil, err
	}
	return &results[0], err
}

// AnalyzeAll reads papers concurrently. Results are in input order; papers
// whose loop aborted carry an empty answer and the error is returned joined.
func (a *Analyzer) AnalyzeAll(ctx context.Context, goal string, papers []Paper) ([]ReadingResult, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("research goal is required")
	}

	sections := make([][]document.Section, len(papers))
	tasks := make([]models.Task, len(papers))
	for i, p := range papers {
		secs, err := a.sections(p)
		if err != nil {
			return nil, err
		}
		if len(secs) == 0 {
			return nil, fmt.Errorf("paper %s has no sections", paperName(p, i))
		}
		sections[i] = secs
		tasks[i] = models.Task{
			ID:          paperName(p, i),
			Description: p.Task,
			Metadata:    map[string]any{"goal": goal, "paper": i, "path": p.Path},
		}
	}

	fanout := executor.NewFanOut(func(task models.Task) (executor.LoopRunner, error) {
		secs := sections[task.Metadata["paper"].(int)]
		att := &attempter{analyzer: a, goal: goal, sections: secs, overview: document.Overview(secs)}
		ev := &evaluator{analyzer: a, goal: goal}
		return executor.NewController(a.cfg.Loop, att, ev, a.deps.Options(Name)...)
	}, a.cfg.MaxConcurrency, a.deps.Logger)

	records, runErr := fanout.Run(ctx, tasks)

	results := make([]ReadingResult, len(records))
	var errs []error
	for i, r := range records {
		res := ReadingResult{ID: r.Task.ID, Task: papers[i].Task, Path: papers[i].Path, Record: r}
		switch r.TerminalState {
		case models.StateCompleted:
			if last, ok := r.LastAttempt(); ok {
				if se := last.SideEffectsOfKind(models.SideEffectSections); len(se) > 0 {
					res.Sections = ParseIndices(se[0].Input, len(sections[i]), a.cfg.MaxSections)
				}
			}
			answer, err := a.summarize(ctx, goal, r.Task.Description, r.FinalResult)
			if err != nil {
				errs = append(errs, fmt.Errorf("summarize %s: %w", res.ID, err))
				break
			}
			res.Answer = answer
			res.IsRelated = true
		case models.StateExhausted:
			res.Answer = r.FinalResult
		}
		results[i] = res
	}
	return results, errors.Join(append([]error{runErr}, errs...)...)
}

func paperName(p Paper, i int) string {
	if p.ID != "" {
		return p.ID
	}
	if p.Path != "" {
		return p.Path
	}
	return fmt.Sprintf("paper-%d", i+1)
}

func (a *Analyzer) sections(p Paper) ([]document.Section, error) {
	if p.Markdown != "" {
		return document.Sections(p.Markdown), nil
	}
	if p.Path == "" {
		return nil, fmt.Errorf("paper needs markdown or a path")
	}
	if a.docs == nil {
		return nil, fmt.Errorf("no document store to read %s", p.Path)
	}
	return a.docs.Sections(p.Path)
}

func (a *Analyzer) request(user, schemaName, schema string) (completion.Request, error) {
	system, err := a.deps.Render(prompts.AnalyzerSystem, nil)
	if err != nil {
		return completion.Request{}, err
	}
	req := completion.Prompt(system, user)
	req.Temperature = a.cfg.Temperature
	if schema != "" {
		req = req.WithSchema(schemaName, schema)
	}
	return req, nil
}

func (a *Analyzer) summarize(ctx context.Context, goal, task, sections string) (string, error) {
	user, err := a.deps.Render(prompts.AnalyzerSummarize, prompts.SectionsData{Goal: goal, Task: task, Sections: sections})
	if err != nil {
		return "", err
	}
	req, err := a.request(user, "", "")
	if err != nil {
		return "", err
	}
	answer, err := a.deps.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// ParseIndices reads a comma separated list of 1-based section indices.
// Tokens that are not numbers or fall outside 1..count are dropped, as are
// duplicates; at most limit indices are kept.
func ParseIndices(text string, count, limit int) []int {
	var out []int
	seen := make(map[int]bool)
	for _, tok := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' }) {
		n, err := strconv.Atoi(strings.Trim(strings.TrimSpace(tok), "[]."))
		if err != nil || n < 1 || n > count || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func formatIndices(indices []int) string {
	parts := make([]string, len(indices))
	for i, n := range indices {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

// selectionPrefix starts the feedback of a rejected selection so the next
// attempt can read the selection back from its task context.
const selectionPrefix = "Selected sections: "

// splitFeedback separates a context entry into the selection it rejected
// (nil for other feedback) and the reason.
func splitFeedback(entry string, count int) ([]int, string) {
	if !strings.HasPrefix(entry, selectionPrefix) {
		return nil, entry
	}
	line, reason, _ := strings.Cut(strings.TrimPrefix(entry, selectionPrefix), "\n")
	return ParseIndices(line, count, 0), strings.TrimSpace(reason)
}

// attempter selects sections.
type attempter struct {
	analyzer *Analyzer
	goal     string
	sections []document.Section
	overview string
}

func (s *attempter) Attempt(ctx context.Context, task models.Task) (*executor.AttemptOutput, error) {
	a := s.analyzer
	data := prompts.SelectSectionsData{
		Goal:        s.goal,
		Task:        task.Description,
		Overview:    s.overview,
		MaxSections: a.cfg.MaxSections,
	}
	for i := len(task.Context) - 1; i >= 0 && data.Selected == nil; i-- {
		data.Selected, _ = splitFeedback(task.Context[i], len(s.sections))
	}
	if n := len(task.Context); n > 0 {
		if _, reason := splitFeedback(task.Context[n-1], len(s.sections)); reason != "" {
			data.Feedback = []string{reason}
		}
	}
	user, err := a.deps.Render(prompts.AnalyzerSelectSections, data)
	if err != nil {
		return nil, err
	}
	req, err := a.request(user, "", "")
	if err != nil {
		return nil, err
	}
	text, err := a.deps.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	indices := ParseIndices(text, len(s.sections), a.cfg.MaxSections)
	if len(indices) == 0 {
		return nil, executor.NewTransientError(fmt.Errorf("no valid section index in %q", strings.TrimSpace(text)))
	}

	headers := make([]string, len(indices))
	for i, idx := range indices {
		headers[i] = s.sections[idx-1].Header
	}
	return &executor.AttemptOutput{
		Result: document.Selected(s.sections, indices),
		SideEffects: []models.SideEffect{{
			Kind:   models.SideEffectSections,
			Name:   "sections",
			Input:  formatIndices(indices),
			Output: strings.Join(headers, "\n"),
		}},
	}, nil
}

// evaluator checks whether the selected sections can answer the task.
type evaluator struct {
	analyzer *Analyzer
	goal     string
}

type sufficiency struct {
	IsSufficient bool   `json:"is_sufficient"`
	Reason       string `json:"reason"`
}

func (e *evaluator) Evaluate(ctx context.Context, task models.Task, attempt models.Attempt) (models.Verdict, error) {
	a := e.analyzer
	user, err := a.deps.Render(prompts.AnalyzerCheckSufficiency, prompts.SectionsData{Goal: e.goal, Task: task.Description, Sections: attempt.Result})
	if err != nil {
		return models.Verdict{}, err
	}
	req, err := a.request(user, "sufficiency", sufficiencySchema)
	if err != nil {
		return models.Verdict{}, err
	}
	var s sufficiency
	if err := a.deps.CompleteJSON(ctx, req, &s); err != nil {
		return models.Verdict{}, fmt.Errorf("sufficiency: %w", err)
	}
	verdict := models.Verdict{IsAdequate: s.IsSufficient, Feedback: strings.TrimSpace(s.Reason)}
	if !verdict.IsAdequate {
		if se := attempt.SideEffectsOfKind(models.SideEffectSections); len(se) > 0 {
			if verdict.Feedback == "" {
				verdict.Feedback = executor.MissingFeedback
			}
			verdict.Feedback = selectionPrefix + se[0].Input + "\n" + verdict.Feedback
		}
	}
	return verdict, nil
}
