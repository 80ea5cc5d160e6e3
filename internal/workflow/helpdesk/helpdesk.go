// Package helpdesk answers product questions: it plans subtasks, runs one
// self-correcting search loop per subtask and composes the final answer.
package helpdesk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harrison/agentloop/internal/completion"
	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/models"
	"github.com/harrison/agentloop/internal/prompts"
	"github.com/harrison/agentloop/internal/search"
	"github.com/harrison/agentloop/internal/workflow"
)

// Name identifies help-desk records.
const Name = "helpdesk"

const (
	planSchema = `{"type":"object","properties":{"subtasks":{"type":"array","items":{"type":"string"}}},"required":["subtasks"]}`

	callsSchema = `{"type":"object","properties":{"calls":{"type":"array","items":{"type":"object","properties":{"tool":{"type":"string"},"arguments":{"type":"string"}},"required":["tool","arguments"]}}},"required":["calls"]}`

	reflectionSchema = `{"type":"object","properties":{"advice":{"type":"string"},"is_completed":{"type":"boolean"}},"required":["advice","is_completed"]}`
)

// Config configures the help-desk agent.
type Config struct {
	Loop           executor.LoopConfig
	MaxConcurrency int
	Product        string
	Temperature    float32
}

// Result is the outcome of answering one question.
type Result struct {
	Question string
	Plan     []string
	Subtasks []models.TaskRecord
	Answer   string
}

// Agent is the help-desk workflow.
type Agent struct {
	cfg   Config
	deps  workflow.Deps
	tools *search.Registry
}

// New creates an Agent.
func New(cfg Config, deps workflow.Deps, tools *search.Registry) (*Agent, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	if tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Product == "" {
		cfg.Product = "XYZ"
	}
	if cfg.Loop.Fallback == nil {
		cfg.Loop.Fallback = Fallback
	}
	return &Agent{cfg: cfg, deps: deps, tools: tools}, nil
}

// Fallback is the final result of a subtask that never got an adequate answer.
func Fallback(task models.Task, _ int) string {
	return fmt.Sprintf("could not find an answer for %q", task.Description)
}

type plan struct {
	Subtasks []string `json:"subtasks"`
}

type toolCall struct {
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
}

type toolSelection struct {
	Calls []toolCall `json:"calls"`
}

type reflection struct {
	Advice      string `json:"advice"`
	IsCompleted bool   `json:"is_completed"`
}

func (a *Agent) system() (string, error) {
	return a.deps.Render(prompts.HelpdeskSystem, prompts.HelpdeskSystemData{Product: a.cfg.Product})
}

func (a *Agent) request(user string, schemaName, schema string) (completion.Request, error) {
	system, err := a.system()
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

func (a *Agent) toolInfo() []prompts.ToolInfo {
	tools := a.tools.Tools()
	out := make([]prompts.ToolInfo, 0, len(tools))
	for _, t := range tools {
		out = append(out, prompts.ToolInfo{Name: t.Name(), Description: t.Description()})
	}
	return out
}

// Plan splits question into subtasks. An empty plan falls back to the
// question itself.
func (a *Agent) Plan(ctx context.Context, question string) ([]string, error) {
	user, err := a.deps.Render(prompts.HelpdeskPlan, prompts.HelpdeskPlanData{Question: question, Tools: a.toolInfo()})
	if err != nil {
		return nil, err
	}
	req, err := a.request(user, "plan", planSchema)
	if err != nil {
		return nil, err
	}

	var p plan
	if err := a.deps.CompleteJSON(ctx, req, &p); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	var subtasks []string
	for _, s := range p.Subtasks {
		if s = strings.TrimSpace(s); s != "" {
			subtasks = append(subtasks, s)
		}
	}
	if len(subtasks) == 0 {
		subtasks = []string{question}
	}
	return subtasks, nil
}

// Run answers question.
func (a *Agent) Run(ctx context.Context, question string) (*Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}

	subtasks, err := a.Plan(ctx, question)
	if err != nil {
		return nil, err
	}
	if a.deps.Logger != nil {
		a.deps.Logger.LogInfo(fmt.Sprintf("Planned %d subtask(s) for question", len(subtasks)))
	}

	tasks := make([]models.Task, len(subtasks))
	for i, s := range subtasks {
		tasks[i] = models.Task{
			ID:          fmt.Sprintf("subtask-%d", i+1),
			Description: s,
			Metadata:    map[string]any{"question": question},
		}
	}

	fanout := executor.NewFanOut(func(models.Task) (executor.LoopRunner, error) {
		att := &attempter{agent: a, question: question, plan: subtasks}
		ev := &evaluator{agent: a, question: question}
		return executor.NewController(a.cfg.Loop, att, ev, a.deps.Options(Name)...)
	}, a.cfg.MaxConcurrency, a.deps.Logger)

	records, runErr := fanout.Run(ctx, tasks)
	result := &Result{Question: question, Plan: subtasks, Subtasks: records}

	var execErr *executor.ExecutionError
	if runErr != nil && !errors.As(runErr, &execErr) {
		return result, runErr
	}
	if runErr != nil && execErr.FailedTasks == len(tasks) {
		return result, runErr
	}

	answer, err := a.finalAnswer(ctx, question, records)
	if err != nil {
		return result, errors.Join(runErr, err)
	}
	result.Answer = answer
	return result, runErr
}

func (a *Agent) finalAnswer(ctx context.Context, question string, records []models.TaskRecord) (string, error) {
	data := prompts.FinalData{Question: question}
	for _, r := range records {
		if r.TerminalState == models.StateAborted {
			continue
		}
		data.Subtasks = append(data.Subtasks, prompts.SubtaskAnswer{Subtask: r.Task.Description, Answer: r.FinalResult})
	}
	user, err := a.deps.Render(prompts.HelpdeskFinal, data)
	if err != nil {
		return "", err
	}
	req, err := a.request(user, "", "")
	if err != nil {
		return "", err
	}
	answer, err := a.deps.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("final answer: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// attempter selects tools, runs them and answers one subtask.
type attempter struct {
	agent    *Agent
	question string
	plan     []string
}

func (s *attempter) Attempt(ctx context.Context, task models.Task) (*executor.AttemptOutput, error) {
	a := s.agent
	user, err := a.deps.Render(prompts.HelpdeskSelectTools, prompts.SelectToolsData{
		Question: s.question,
		Plan:     s.plan,
		Subtask:  task.Description,
		Tools:    a.toolInfo(),
		Feedback: task.Context,
	})
	if err != nil {
		return nil, err
	}
	req, err := a.request(user, "tool_calls", callsSchema)
	if err != nil {
		return nil, err
	}

	var sel toolSelection
	if err := a.deps.CompleteJSON(ctx, req, &sel); err != nil {
		return nil, err
	}
	if len(sel.Calls) == 0 {
		return nil, executor.NewTransientError(errors.New("no tool calls were selected"))
	}

	out := &executor.AttemptOutput{}
	var failures []error
	for _, call := range sel.Calls {
		effect := models.SideEffect{Kind: models.SideEffectToolCall, Name: call.Tool, Input: call.Arguments}
		hits, err := a.tools.Invoke(ctx, call.Tool, call.Arguments)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			effect.Output = "error: " + err.Error()
			failures = append(failures, err)
		} else {
			effect.Output = search.FormatHits(hits)
		}
		out.SideEffects = append(out.SideEffects, effect)
	}
	if len(failures) == len(sel.Calls) {
		return out, executor.NewTransientError(fmt.Errorf("every tool call failed: %w", errors.Join(failures...)))
	}

	user, err = a.deps.Render(prompts.HelpdeskAnswer, prompts.HelpdeskAnswerData{
		Question: s.question,
		Subtask:  task.Description,
		Results:  out.SideEffects,
	})
	if err != nil {
		return out, err
	}
	req, err = a.request(user, "", "")
	if err != nil {
		return out, err
	}
	answer, err := a.deps.Complete(ctx, req)
	if err != nil {
		return out, err
	}
	out.Result = strings.TrimSpace(answer)
	return out, nil
}

// evaluator reflects on a subtask answer.
type evaluator struct {
	agent    *Agent
	question string
}

func (e *evaluator) Evaluate(ctx context.Context, task models.Task, attempt models.Attempt) (models.Verdict, error) {
	a := e.agent
	user, err := a.deps.Render(prompts.HelpdeskReflect, prompts.ReflectData{
		Question: e.question,
		Subtask:  task.Description,
		Answer:   attempt.Result,
		Results:  attempt.SideEffectsOfKind(models.SideEffectToolCall),
		Feedback: task.Context,
	})
	if err != nil {
		return models.Verdict{}, err
	}
	req, err := a.request(user, "reflection", reflectionSchema)
	if err != nil {
		return models.Verdict{}, err
	}

	var r reflection
	if err := a.deps.CompleteJSON(ctx, req, &r); err != nil {
		return models.Verdict{}, fmt.Errorf("reflection: %w", err)
	}
	return models.Verdict{IsAdequate: r.IsCompleted, Feedback: strings.TrimSpace(r.Advice)}, nil
}
