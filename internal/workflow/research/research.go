// Package research answers a research goal from a paper collection. Each
// round decomposes the goal into search tasks, reads the papers the tasks
// find and asks whether the readings cover the goal; an uncovered goal
// starts another round aimed at what is still missing. The report is
// written from everything gathered.
package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/agentloop/internal/completion"
	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/models"
	"github.com/harrison/agentloop/internal/prompts"
	"github.com/harrison/agentloop/internal/workflow"
	"github.com/harrison/agentloop/internal/workflow/analyzer"
)

// Name identifies research records.
const Name = "research"

const (
	DefaultMinTasks       = 3
	DefaultMaxTasks       = 5
	DefaultMaxPapers      = 3
	DefaultMaxEvaluations = 3
)

const (
	tasksSchema = `{"type":"object","properties":{"tasks":{"type":"array","items":{"type":"string"}}},"required":["tasks"]}`

	evaluationSchema = `{"type":"object","properties":{"need_more_information":{"type":"boolean"},"reason":{"type":"string"},"content":{"type":"string"}},"required":["need_more_information","reason","content"]}`
)

// Config configures the researcher. Loop.MaxAttempts is the number of
// evaluation rounds.
type Config struct {
	Loop        executor.LoopConfig
	MinTasks    int
	MaxTasks    int
	MaxPapers   int
	Temperature float32
}

// Result is the outcome of one research goal.
type Result struct {
	Goal     string
	Record   models.TaskRecord
	Readings []Reading
	Gaps     string // what the last evaluation still found missing
	Report   string
}

// Researcher is the research workflow.
type Researcher struct {
	cfg      Config
	deps     workflow.Deps
	searcher Searcher
	reader   *analyzer.Analyzer
	now      func() time.Time
}

// New creates a Researcher that finds papers with searcher and reads them
// with reader.
func New(cfg Config, deps workflow.Deps, searcher Searcher, reader *analyzer.Analyzer) (*Researcher, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if searcher == nil {
		return nil, fmt.Errorf("paper searcher is required")
	}
	if reader == nil {
		return nil, fmt.Errorf("paper analyzer is required")
	}
	if cfg.MinTasks <= 0 {
		cfg.MinTasks = DefaultMinTasks
	}
	if cfg.MaxTasks < cfg.MinTasks {
		cfg.MaxTasks = max(DefaultMaxTasks, cfg.MinTasks)
	}
	if cfg.MaxPapers <= 0 {
		cfg.MaxPapers = DefaultMaxPapers
	}
	if cfg.Loop.MaxAttempts <= 0 {
		cfg.Loop.MaxAttempts = DefaultMaxEvaluations
	}
	if cfg.Loop.Fallback == nil {
		cfg.Loop.Fallback = Fallback
	}
	return &Researcher{cfg: cfg, deps: deps, searcher: searcher, reader: reader, now: time.Now}, nil
}

// Fallback is the final result of a goal the readings never covered.
func Fallback(task models.Task, attempts int) string {
	return fmt.Sprintf("the papers do not fully cover %q after %d evaluation(s)", task.Description, attempts)
}

type decomposition struct {
	Tasks []string `json:"tasks"`
}

type evaluation struct {
	NeedMoreInformation bool   `json:"need_more_information"`
	Reason              string `json:"reason"`
	Content             string `json:"content"`
}

func (r *Researcher) request(user, schemaName, schema string) (completion.Request, error) {
	system, err := r.deps.Render(prompts.ResearchSystem, prompts.ResearchSystemData{Date: r.now().Format("2006-01-02")})
	if err != nil {
		return completion.Request{}, err
	}
	req := completion.Prompt(system, user)
	req.Temperature = r.cfg.Temperature
	if schema != "" {
		req = req.WithSchema(schemaName, schema)
	}
	return req, nil
}

// Decompose splits query into search tasks for goal. Blank and repeated
// tasks are dropped and at most MaxTasks kept; an empty decomposition falls
// back to the query itself.
func (r *Researcher) Decompose(ctx context.Context, goal, query string, notes []string) ([]string, error) {
	if strings.TrimSpace(query) == "" {
		query = goal
	}
	user, err := r.deps.Render(prompts.ResearchDecompose, prompts.DecomposeData{
		Goal:     goal,
		Query:    query,
		Feedback: notes,
		MinTasks: r.cfg.MinTasks,
		MaxTasks: r.cfg.MaxTasks,
	})
	if err != nil {
		return nil, err
	}
	req, err := r.request(user, "tasks", tasksSchema)
	if err != nil {
		return nil, err
	}

	var d decomposition
	if err := r.deps.CompleteJSON(ctx, req, &d); err != nil {
		return nil, fmt.Errorf("decompose: %w", err)
	}
	seen := make(map[string]bool)
	var tasks []string
	for _, t := range d.Tasks {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		tasks = append(tasks, t)
		if len(tasks) == r.cfg.MaxTasks {
			break
		}
	}
	if len(tasks) == 0 {
		tasks = []string{query}
	}
	return tasks, nil
}

// Run researches goal and writes the report.
func (r *Researcher) Run(ctx context.Context, goal string) (*Result, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("research goal is required")
	}

	ctrl, err := executor.NewController(r.cfg.Loop, &attempter{researcher: r}, &evaluator{researcher: r}, r.deps.Options(Name)...)
	if err != nil {
		return nil, err
	}
	rec, runErr := ctrl.Run(ctx, models.Task{ID: Name, Description: goal})
	result := &Result{Goal: goal, Record: rec, Readings: gathered(rec)}
	if runErr != nil {
		return result, runErr
	}
	if rec.TerminalState == models.StateExhausted {
		// The last verdict is not in the task context; a failed last round
		// leaves the gap named by the evaluation before it.
		_, result.Gaps, _ = carried(append(models.CopyStrings(rec.Task.Context), rec.Reason))
	}
	if len(result.Readings) == 0 {
		return result, fmt.Errorf("no paper answered any research task: %s", rec.Reason)
	}
	if r.deps.Logger != nil {
		r.deps.Logger.LogInfo(fmt.Sprintf("Research %s after %d round(s) with %d reading(s)", rec.TerminalState, len(rec.Attempts), len(result.Readings)))
	}

	report, err := r.report(ctx, result)
	if err != nil {
		return result, err
	}
	result.Report = report
	return result, nil
}

// gathered returns the readings of the latest round that produced any.
// Results are cumulative, so that round holds everything read.
func gathered(rec models.TaskRecord) []Reading {
	for i := len(rec.Attempts) - 1; i >= 0; i-- {
		if rs := parseReadings(rec.Attempts[i].Result); len(rs) > 0 {
			return rs
		}
	}
	return nil
}

func (r *Researcher) report(ctx context.Context, result *Result) (string, error) {
	user, err := r.deps.Render(prompts.ResearchReport, prompts.ReadingsData{
		Goal:     result.Goal,
		Readings: renderReadings(result.Readings),
		Gaps:     result.Gaps,
	})
	if err != nil {
		return "", err
	}
	req, err := r.request(user, "", "")
	if err != nil {
		return "", err
	}
	report, err := r.deps.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("report: %w", err)
	}
	return strings.TrimSpace(report), nil
}

// attempter runs one research round.
type attempter struct {
	researcher *Researcher
}

func (s *attempter) Attempt(ctx context.Context, task models.Task) (*executor.AttemptOutput, error) {
	r := s.researcher
	goal := task.Description
	previous, missing, notes := carried(task.Context)

	query := goal
	if missing != "" {
		query = missing
	}
	tasks, err := r.Decompose(ctx, goal, query, notes)
	if err != nil {
		return nil, err
	}
	out := &executor.AttemptOutput{SideEffects: []models.SideEffect{{
		Kind:   models.SideEffectTasks,
		Name:   "decompose",
		Input:  query,
		Output: strings.Join(tasks, "\n"),
	}}}

	read := make(map[string]bool, len(previous))
	for _, p := range previous {
		read[p.key()] = true
	}
	var papers []analyzer.Paper
	titles := make(map[string]string)
	var failures []error
	for i, t := range tasks {
		effect := models.SideEffect{Kind: models.SideEffectSearch, Name: fmt.Sprintf("task-%d", i+1), Input: t}
		hits, err := r.searcher.Search(ctx, t, r.cfg.MaxPapers)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			effect.Output = "error: " + err.Error()
			failures = append(failures, err)
			out.SideEffects = append(out.SideEffects, effect)
			continue
		}
		var found []string
		for _, h := range hits {
			found = append(found, h.Path)
			if read[Reading{Task: t, Path: h.Path}.key()] {
				continue
			}
			titles[h.Path] = h.Title
			papers = append(papers, analyzer.Paper{
				ID:       fmt.Sprintf("task-%d:%s", i+1, h.ID),
				Task:     t,
				Path:     h.Path,
				Markdown: h.Markdown,
			})
		}
		effect.Output = strings.Join(found, "\n")
		out.SideEffects = append(out.SideEffects, effect)
	}
	if len(failures) == len(tasks) {
		return out, executor.NewTransientError(fmt.Errorf("every paper search failed: %w", errors.Join(failures...)))
	}
	if len(papers) == 0 {
		return out, executor.NewTransientError(fmt.Errorf("no unread paper matched tasks: %s", strings.Join(tasks, "; ")))
	}
	if r.deps.Logger != nil {
		r.deps.Logger.LogInfo(fmt.Sprintf("Reading %d paper(s) for %d task(s)", len(papers), len(tasks)))
	}

	results, err := r.reader.AnalyzeAll(ctx, goal, papers)
	if results == nil {
		return out, err
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		if r.deps.Logger != nil {
			r.deps.Logger.LogWarn(fmt.Sprintf("some papers could not be read: %v", err))
		}
	}

	readings := append([]Reading(nil), previous...)
	added := 0
	for _, res := range results {
		if !res.IsRelated || strings.TrimSpace(res.Answer) == "" {
			continue
		}
		reading := Reading{Task: res.Task, Path: res.Path, Title: titles[res.Path], Answer: res.Answer, Sections: res.Sections}
		readings = append(readings, reading)
		added++
		out.SideEffects = append(out.SideEffects, models.SideEffect{
			Kind:   models.SideEffectReading,
			Name:   res.Path,
			Input:  res.Task,
			Output: res.Answer,
		})
	}
	if added == 0 {
		return out, executor.NewTransientError(fmt.Errorf("none of the %d paper(s) read answered its task", len(papers)))
	}
	out.Result = renderReadings(readings)
	return out, nil
}

// evaluator decides whether the readings cover the goal.
type evaluator struct {
	researcher *Researcher
}

func (e *evaluator) Evaluate(ctx context.Context, task models.Task, attempt models.Attempt) (models.Verdict, error) {
	r := e.researcher
	user, err := r.deps.Render(prompts.ResearchEvaluate, prompts.ReadingsData{Goal: task.Description, Readings: attempt.Result})
	if err != nil {
		return models.Verdict{}, err
	}
	req, err := r.request(user, "evaluation", evaluationSchema)
	if err != nil {
		return models.Verdict{}, err
	}

	var ev evaluation
	if err := r.deps.CompleteJSON(ctx, req, &ev); err != nil {
		return models.Verdict{}, fmt.Errorf("evaluate: %w", err)
	}
	reason := strings.TrimSpace(ev.Reason)
	if !ev.NeedMoreInformation {
		return models.Verdict{IsAdequate: true, Feedback: reason}, nil
	}
	if reason == "" {
		reason = executor.MissingFeedback
	}
	missing := strings.TrimSpace(ev.Content)
	if missing == "" {
		missing = reason
	}
	return models.Verdict{
		Feedback: gap{Reason: reason, Missing: missing, Gathered: parseReadings(attempt.Result)}.String(),
	}, nil
}
