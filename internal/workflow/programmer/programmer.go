// Package programmer analyses a CSV dataset by having the model write Go
// programs, running them in a sandbox and reviewing their output until each
// analysis task is done.
package programmer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/harrison/agentloop/internal/completion"
	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/models"
	"github.com/harrison/agentloop/internal/prompts"
	"github.com/harrison/agentloop/internal/report"
	"github.com/harrison/agentloop/internal/sandbox"
	"github.com/harrison/agentloop/internal/workflow"
)

// Name identifies programmer records.
const Name = "programmer"

// errorStream names the stderr side effect that carries the interpreter error.
const errorStream = "error"

const (
	planSchema = `{"type":"object","properties":{"purpose":{"type":"string"},"achievement":{"type":"string"},"tasks":{"type":"array","items":{"type":"object","properties":{"hypothesis":{"type":"string"},"purpose":{"type":"string"},"description":{"type":"string"},"chart_type":{"type":"string"}},"required":["hypothesis","purpose","description","chart_type"]}}},"required":["purpose","achievement","tasks"]}`

	programSchema = `{"type":"object","properties":{"achievement_condition":{"type":"string"},"execution_plan":{"type":"string"},"code":{"type":"string"}},"required":["achievement_condition","execution_plan","code"]}`

	reviewSchema = `{"type":"object","properties":{"observation":{"type":"string"},"is_completed":{"type":"boolean"}},"required":["observation","is_completed"]}`
)

// Config configures the programmer workflow.
type Config struct {
	Loop           executor.LoopConfig
	MaxConcurrency int
	MaxTasks       int  // plan size limit, default 3
	Plan           bool // split the request into hypothesis tasks first
	Sandbox        sandbox.Options
	Temperature    float32
	ReportName     string // default report.md
}

// Request is one analysis request.
type Request struct {
	DataName string
	Data     []byte
	Request  string
}

// Task is one hypothesis of an analysis plan.
type Task struct {
	Hypothesis  string `json:"hypothesis"`
	Purpose     string `json:"purpose"`
	Description string `json:"description"`
	ChartType   string `json:"chart_type"`
}

// AnalysisPlan breaks a request into tasks.
type AnalysisPlan struct {
	Purpose     string `json:"purpose"`
	Achievement string `json:"achievement"`
	Tasks       []Task `json:"tasks"`
}

// Result is the outcome of an analysis.
type Result struct {
	DataInfo   string
	Plan       *AnalysisPlan
	Threads    []models.TaskRecord
	Report     string
	ReportPath string
}

// Programmer is the data-analysis workflow.
type Programmer struct {
	cfg    Config
	deps   workflow.Deps
	writer *report.Writer
}

// New creates a Programmer. writer may be nil to skip writing reports.
func New(cfg Config, deps workflow.Deps, writer *report.Writer) (*Programmer, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 3
	}
	if cfg.ReportName == "" {
		cfg.ReportName = "report.md"
	}
	return &Programmer{cfg: cfg, deps: deps, writer: writer}, nil
}

func (p *Programmer) request(user, schemaName, schema string) (completion.Request, error) {
	system, err := p.deps.Render(prompts.ProgrammerSystem, prompts.ProgrammerSystemData{Imports: p.imports()})
	if err != nil {
		return completion.Request{}, err
	}
	req := completion.Prompt(system, user)
	req.Temperature = p.cfg.Temperature
	if schema != "" {
		req = req.WithSchema(schemaName, schema)
	}
	return req, nil
}

func (p *Programmer) imports() []string {
	if p.cfg.Sandbox.Imports != nil {
		return p.cfg.Sandbox.Imports
	}
	return sandbox.DefaultImports
}

// Plan asks for an analysis plan of at most MaxTasks tasks.
func (p *Programmer) Plan(ctx context.Context, dataInfo, request string) (*AnalysisPlan, error) {
	user, err := p.deps.Render(prompts.ProgrammerPlan, prompts.ProgrammerPlanData{DataInfo: dataInfo, Request: request, MaxTasks: p.cfg.MaxTasks})
	if err != nil {
		return nil, err
	}
	req, err := p.request(user, "plan", planSchema)
	if err != nil {
		return nil, err
	}
	var plan AnalysisPlan
	if err := p.deps.CompleteJSON(ctx, req, &plan); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	if len(plan.Tasks) > p.cfg.MaxTasks {
		plan.Tasks = plan.Tasks[:p.cfg.MaxTasks]
	}
	return &plan, nil
}

// Run analyses req.Data. Each task runs in its own sandbox.
func (p *Programmer) Run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Request) == "" {
		return nil, fmt.Errorf("analysis request is required")
	}
	if req.DataName == "" {
		req.DataName = "data.csv"
	}
	dataInfo, err := DescribeCSV(req.Data)
	if err != nil {
		return nil, err
	}
	result := &Result{DataInfo: dataInfo}

	tasks := []models.Task{{ID: "task-1", Description: req.Request}}
	if p.cfg.Plan {
		plan, err := p.Plan(ctx, dataInfo, req.Request)
		if err != nil {
			return result, err
		}
		result.Plan = plan
		if len(plan.Tasks) > 0 {
			tasks = tasks[:0]
			for i, t := range plan.Tasks {
				tasks = append(tasks, models.Task{
					ID:          fmt.Sprintf("task-%d", i+1),
					Description: describeTask(t),
					Metadata:    map[string]any{"hypothesis": t.Hypothesis, "chart_type": t.ChartType},
				})
			}
		}
	}

	fanout := executor.NewFanOut(func(task models.Task) (executor.LoopRunner, error) {
		sb := sandbox.New(p.cfg.Sandbox)
		if err := sb.LoadDataset(req.DataName, req.Data); err != nil {
			return nil, err
		}
		att := &attempter{programmer: p, sandbox: sb, dataInfo: dataInfo}
		ev := &evaluator{programmer: p, dataInfo: dataInfo}
		return executor.NewController(p.cfg.Loop, att, ev, p.deps.Options(Name, executor.WithResource(sb))...)
	}, p.cfg.MaxConcurrency, p.deps.Logger)

	records, runErr := fanout.Run(ctx, tasks)
	result.Threads = records

	var threads []prompts.Thread
	for _, r := range records {
		if r.TerminalState != models.StateCompleted {
			continue
		}
		v, _ := r.LastVerdict()
		threads = append(threads, prompts.Thread{Request: r.Task.Description, Observation: v.Feedback, Stdout: stdoutOf(r)})
	}
	if len(threads) == 0 {
		if p.deps.Logger != nil {
			p.deps.Logger.LogWarn("No analysis task completed; skipping report")
		}
		return result, runErr
	}

	if err := p.writeReport(ctx, result, req.Request, threads); err != nil {
		return result, errors.Join(runErr, err)
	}
	return result, runErr
}

func (p *Programmer) writeReport(ctx context.Context, result *Result, request string, threads []prompts.Thread) error {
	user, err := p.deps.Render(prompts.ProgrammerReport, prompts.ReportData{DataInfo: result.DataInfo, Request: request, Threads: threads})
	if err != nil {
		return err
	}
	req, err := p.request(user, "", "")
	if err != nil {
		return err
	}
	text, err := p.deps.Complete(ctx, req)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	result.Report = strings.TrimSpace(text)

	if p.writer == nil {
		return nil
	}
	path, err := p.writer.Write(ctx, p.cfg.ReportName, []byte(result.Report+"\n"))
	if err != nil {
		return err
	}
	result.ReportPath = path

	html, err := report.HTML(result.Report)
	if err != nil {
		return err
	}
	htmlName := strings.TrimSuffix(p.cfg.ReportName, ".md") + ".html"
	if _, err := p.writer.Write(ctx, htmlName, html); err != nil {
		return err
	}

	audit := report.RenderRecords("Analysis threads", result.Threads, executor.Summarize(result.Threads, 0))
	_, err = p.writer.Write(ctx, "records.md", []byte(audit))
	return err
}

func describeTask(t Task) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(t.Purpose))
	if t.Hypothesis != "" {
		fmt.Fprintf(&sb, "\nHypothesis: %s", t.Hypothesis)
	}
	if t.Description != "" {
		fmt.Fprintf(&sb, "\nMethod: %s", t.Description)
	}
	if t.ChartType != "" {
		fmt.Fprintf(&sb, "\nPresent the result as data for a %s.", t.ChartType)
	}
	return strings.TrimSpace(sb.String())
}

func stdoutOf(r models.TaskRecord) string {
	last, ok := r.LastAttempt()
	if !ok {
		return ""
	}
	if out := last.SideEffectsOfKind(models.SideEffectStdout); len(out) > 0 {
		return out[0].Output
	}
	return ""
}

type program struct {
	AchievementCondition string `json:"achievement_condition"`
	ExecutionPlan        string `json:"execution_plan"`
	Code                 string `json:"code"`
}

// attempter writes a program and runs it. The program it corrects comes
// from the task context, where the evaluator left it.
type attempter struct {
	programmer *Programmer
	sandbox    *sandbox.Sandbox
	dataInfo   string
}

func (a *attempter) Attempt(ctx context.Context, task models.Task) (*executor.AttemptOutput, error) {
	p := a.programmer
	prev, _ := lastRun(task.Context)
	user, err := p.deps.Render(prompts.ProgrammerCode, prompts.CodeData{
		DataInfo:       a.dataInfo,
		Request:        task.Description,
		PreviousCode:   prev.Code,
		PreviousStdout: prev.Stdout,
		PreviousStderr: prev.Stderr,
		Feedback:       observations(task.Context),
	})
	if err != nil {
		return nil, err
	}
	req, err := p.request(user, "program", programSchema)
	if err != nil {
		return nil, err
	}

	var prog program
	if err := p.deps.CompleteJSON(ctx, req, &prog); err != nil {
		return nil, err
	}
	code := strings.TrimSpace(prog.Code)
	if code == "" {
		return nil, executor.NewTransientError(errors.New("the reply contained no code"))
	}

	out := &executor.AttemptOutput{SideEffects: []models.SideEffect{
		{Kind: models.SideEffectCode, Name: "main.go", Input: code, Output: prog.ExecutionPlan},
	}}
	if prev.Code != "" && prev.Code != code {
		out.SideEffects = append(out.SideEffects, models.SideEffect{Kind: models.SideEffectCodeDiff, Name: "main.go", Output: codeDiff(prev.Code, code)})
	}

	exec, err := a.sandbox.Run(ctx, code)
	if err != nil {
		// The error text becomes the next attempt's feedback, so it carries the program.
		carried := fmt.Errorf("%w\n%s", err, previousRun{Code: code}.String())
		switch {
		case errors.Is(err, sandbox.ErrClosed), errors.Is(err, sandbox.ErrNotAcquired):
			return out, executor.NewFatalError(executor.PhaseAttempt, err)
		case errors.Is(err, sandbox.ErrForbiddenImport):
			return out, executor.NewTransientError(carried)
		default:
			return out, carried
		}
	}

	out.SideEffects = append(out.SideEffects,
		models.SideEffect{Kind: models.SideEffectStdout, Name: "stdout", Output: exec.Stdout},
		models.SideEffect{Kind: models.SideEffectStderr, Name: "stderr", Output: exec.Stderr},
	)
	if exec.Failed() {
		out.SideEffects = append(out.SideEffects, models.SideEffect{Kind: models.SideEffectStderr, Name: errorStream, Output: exec.Error})
		out.Result = strings.TrimSpace(exec.Stdout + "\nexecution error: " + exec.Error)
		return out, nil
	}
	out.Result = exec.Stdout
	return out, nil
}

func codeDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(before, after, false)
	return dmp.PatchToText(dmp.PatchMake(before, diffs))
}

// evaluator reviews the program output.
type evaluator struct {
	programmer *Programmer
	dataInfo   string
}

type review struct {
	Observation string `json:"observation"`
	IsCompleted bool   `json:"is_completed"`
}

func (e *evaluator) Evaluate(ctx context.Context, task models.Task, attempt models.Attempt) (models.Verdict, error) {
	p := e.programmer
	data := prompts.CodeReviewData{DataInfo: e.dataInfo, Request: task.Description}
	for _, se := range attempt.SideEffects {
		switch {
		case se.Kind == models.SideEffectCode:
			data.Code = se.Input
		case se.Kind == models.SideEffectStdout:
			data.Stdout = se.Output
		case se.Kind == models.SideEffectStderr && se.Name == errorStream:
			data.Error = se.Output
		case se.Kind == models.SideEffectStderr:
			data.Stderr = se.Output
		}
	}

	user, err := p.deps.Render(prompts.ProgrammerReview, data)
	if err != nil {
		return models.Verdict{}, err
	}
	req, err := p.request(user, "review", reviewSchema)
	if err != nil {
		return models.Verdict{}, err
	}
	var r review
	if err := p.deps.CompleteJSON(ctx, req, &r); err != nil {
		return models.Verdict{}, fmt.Errorf("review: %w", err)
	}
	verdict := models.Verdict{IsAdequate: r.IsCompleted && data.Error == "", Feedback: strings.TrimSpace(r.Observation)}
	if !verdict.IsAdequate {
		stderr := strings.TrimSpace(data.Stderr + "\n" + data.Error)
		verdict.Feedback = previousRun{Observation: verdict.Feedback, Code: data.Code, Stdout: data.Stdout, Stderr: stderr}.String()
	}
	return verdict, nil
}
