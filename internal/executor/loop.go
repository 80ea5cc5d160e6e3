package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harrison/agentloop/internal/models"
)

// Feedback substituted by the controller when an evaluator or attempt leaves none.
const (
	EmptyResultFeedback   = "the attempt produced an empty result; produce a non-empty answer that addresses the task"
	MissingFeedback       = "the result was judged inadequate without explanation"
	attemptFailedFeedback = "attempt failed: "
)

// AttemptOutput is what an attempter produces for one attempt.
type AttemptOutput struct {
	Result      string
	SideEffects []models.SideEffect
}

// Attempter performs one unit of work for a task. It never decides whether to retry.
// Errors are classified by the controller: *FatalExecutionError or anything wrapping
// ErrFatal aborts the loop, everything else is retried while attempts remain.
type Attempter interface {
	Attempt(ctx context.Context, task models.Task) (*AttemptOutput, error)
}

// AttempterFunc adapts a function to the Attempter interface.
type AttempterFunc func(ctx context.Context, task models.Task) (*AttemptOutput, error)

// Attempt calls f.
func (f AttempterFunc) Attempt(ctx context.Context, task models.Task) (*AttemptOutput, error) {
	if f == nil {
		return nil, NewFatalError(PhaseAttempt, errors.New("attempter func is nil"))
	}
	return f(ctx, task)
}

// Evaluator judges one attempt. Any error it returns aborts the loop.
type Evaluator interface {
	Evaluate(ctx context.Context, task models.Task, attempt models.Attempt) (models.Verdict, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, task models.Task, attempt models.Attempt) (models.Verdict, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, task models.Task, attempt models.Attempt) (models.Verdict, error) {
	if f == nil {
		return models.Verdict{}, errors.New("evaluator func is nil")
	}
	return f(ctx, task, attempt)
}

// Resource is external state that attempts share within one loop, such as a sandbox
// holding a loaded dataset. It is acquired before the first attempt and released once
// when the loop reaches a terminal state.
type Resource interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Recorder persists finished records.
type Recorder interface {
	RecordTask(ctx context.Context, record models.TaskRecord) error
}

// Logger receives loop events. Implemented by the logger package.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogAttemptStart(task models.Task, attempt int)
	LogVerdict(task models.Task, attempt models.Attempt, verdict models.Verdict)
	LogRecord(record models.TaskRecord)
	LogSummary(result models.ExecutionResult)
}

// FallbackFunc builds the final result of an exhausted loop.
type FallbackFunc func(task models.Task, attempts int) string

// DefaultFallback states that the task could not be resolved, quoting its description.
func DefaultFallback(task models.Task, attempts int) string {
	return fmt.Sprintf("could not resolve task %q: no adequate result after %d attempt(s)", task.Description, attempts)
}

// LoopConfig is the per-loop policy.
type LoopConfig struct {
	MaxAttempts    int           // Attempts allowed; values <= 0 mean 1
	AttemptTimeout time.Duration // Bound on each attempter call; 0 disables it
	Fallback       FallbackFunc  // Final result on exhaustion; DefaultFallback when nil
}

// Normalize returns the config with defaults applied.
func (c LoopConfig) Normalize() LoopConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.AttemptTimeout < 0 {
		c.AttemptTimeout = 0
	}
	if c.Fallback == nil {
		c.Fallback = DefaultFallback
	}
	return c
}

// Option configures a Controller.
type Option func(*Controller)

// WithResource brackets every loop with r.Acquire and r.Release.
func WithResource(r Resource) Option {
	return func(c *Controller) { c.resource = r }
}

// WithLogger sets the loop event logger.
func WithLogger(l Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics records attempt and loop outcomes.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer overrides the OpenTelemetry tracer (the global provider's by default).
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithRecorder persists each finished record. Recorder failures are logged, not returned.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithWorkflow tags records with the workflow that produced them.
func WithWorkflow(name string) Option {
	return func(c *Controller) { c.workflow = name }
}

// Controller runs the bounded self-correcting loop for one task at a time.
// A Controller holds no per-loop state; Run may be called concurrently only when the
// configured Resource tolerates it (FanOut builds one controller per loop).
type Controller struct {
	cfg       LoopConfig
	attempter Attempter
	evaluator Evaluator
	resource  Resource
	logger    Logger
	metrics   *Metrics
	tracer    trace.Tracer
	recorder  Recorder
	clock     func() time.Time
	workflow  string
	newID     func() string
}

// NewController builds a controller from an explicit loop config and its collaborators.
func NewController(cfg LoopConfig, attempter Attempter, evaluator Evaluator, opts ...Option) (*Controller, error) {
	if attempter == nil {
		return nil, errors.New("attempter is required")
	}
	if evaluator == nil {
		return nil, errors.New("evaluator is required")
	}

	c := &Controller{
		cfg:       cfg.Normalize(),
		attempter: attempter,
		evaluator: evaluator,
		clock:     time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.tracer == nil {
		c.tracer = defaultTracer()
	}
	return c, nil
}

// Config returns the normalised loop config.
func (c *Controller) Config() LoopConfig {
	return c.cfg
}

// Run drives task through Executing, Evaluating and Retrying until it completes, exhausts
// its attempts or aborts. The returned record is always populated; err is a
// *FatalExecutionError exactly when the record is aborted.
func (c *Controller) Run(ctx context.Context, task models.Task) (models.TaskRecord, error) {
	record := models.TaskRecord{
		ID:            c.newID(),
		Workflow:      c.workflow,
		TerminalState: models.StatePending,
		StartedAt:     c.clock(),
	}
	if task.ID == "" {
		task.ID = record.ID
	}
	work := task.Clone()
	record.Task = work

	ctx, span := c.tracer.Start(ctx, "agentloop.loop", trace.WithAttributes(
		attribute.String("agentloop.task.id", task.ID),
		attribute.String("agentloop.workflow", c.workflow),
		attribute.Int("agentloop.max_attempts", c.cfg.MaxAttempts),
	))
	defer span.End()

	if err := task.Validate(); err != nil {
		return c.abort(ctx, span, &record, NewFatalError(PhaseLoop, err))
	}

	if c.resource != nil {
		if err := c.resource.Acquire(ctx); err != nil {
			return c.abort(ctx, span, &record, NewFatalError(PhaseResource, fmt.Errorf("acquire resource: %w", err)))
		}
		defer c.release(ctx)
	}

	for i := 0; i < c.cfg.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			record.Task = work.Clone()
			return c.abort(ctx, span, &record, NewFatalError(PhaseLoop, err))
		}

		if c.logger != nil {
			c.logger.LogAttemptStart(work, i)
		}

		attempt, err := c.runAttempt(ctx, work, i)
		var verdict models.Verdict

		if err != nil {
			classified := classifyAttemptError(ctx, work, i, c.cfg.AttemptTimeout, err)
			attempt.Err = classified.Error()
			record.Attempts = append(record.Attempts, attempt)

			var fatal *FatalExecutionError
			if errors.As(classified, &fatal) {
				c.metrics.observeAttempt(OutcomeFatal, attempt.Duration)
				record.Task = work.Clone()
				return c.abort(ctx, span, &record, fatal)
			}

			c.metrics.observeAttempt(OutcomeTransient, attempt.Duration)
			verdict = models.Verdict{IsAdequate: false, Feedback: attemptFailedFeedback + classified.Error()}
		} else {
			record.Attempts = append(record.Attempts, attempt)

			verdict, err = c.evaluate(ctx, work, attempt)
			if err != nil {
				c.metrics.observeAttempt(OutcomeFatal, attempt.Duration)
				record.Task = work.Clone()
				fatal := NewFatalError(PhaseEvaluate, err)
				fatal.TaskID = work.ID
				return c.abort(ctx, span, &record, fatal)
			}
			if verdict.IsAdequate {
				c.metrics.observeAttempt(OutcomeAdequate, attempt.Duration)
			} else {
				c.metrics.observeAttempt(OutcomeInadequate, attempt.Duration)
			}
		}

		record.Verdicts = append(record.Verdicts, verdict)
		if c.logger != nil {
			c.logger.LogVerdict(work, attempt, verdict)
		}

		if verdict.IsAdequate {
			record.Task = work.Clone()
			record.FinalResult = attempt.Result
			record.Reason = verdict.Feedback
			return c.finish(ctx, span, &record, models.StateCompleted), nil
		}

		if i+1 >= c.cfg.MaxAttempts {
			record.Task = work.Clone()
			record.FinalResult = c.cfg.Fallback(task, len(record.Attempts))
			record.Reason = verdict.Feedback
			return c.finish(ctx, span, &record, models.StateExhausted), nil
		}

		work.Context = append(work.Context, verdict.Feedback)
	}

	// Unreachable: MaxAttempts >= 1 and every iteration either returns or continues.
	record.Task = work.Clone()
	record.FinalResult = c.cfg.Fallback(task, len(record.Attempts))
	return c.finish(ctx, span, &record, models.StateExhausted), nil
}

func (c *Controller) runAttempt(ctx context.Context, task models.Task, index int) (models.Attempt, error) {
	attempt := models.Attempt{
		Index:         index,
		InputSnapshot: models.CopyStrings(task.Context),
		StartedAt:     c.clock(),
	}

	attemptCtx, span := c.tracer.Start(ctx, "agentloop.attempt", trace.WithAttributes(
		attribute.Int("agentloop.attempt.index", index),
		attribute.Int("agentloop.attempt.context_len", len(task.Context)),
	))
	defer span.End()

	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(attemptCtx, c.cfg.AttemptTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := c.attempter.Attempt(attemptCtx, task.Clone())
	attempt.Duration = time.Since(start)

	if err == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && out == nil {
		err = context.DeadlineExceeded
	}
	// Side effects are kept even when the attempt fails; they are part of the audit trail.
	if out != nil && len(out.SideEffects) > 0 {
		attempt.SideEffects = append([]models.SideEffect(nil), out.SideEffects...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return attempt, err
	}
	if out != nil {
		attempt.Result = out.Result
	}
	return attempt, nil
}

func (c *Controller) evaluate(ctx context.Context, task models.Task, attempt models.Attempt) (models.Verdict, error) {
	ctx, span := c.tracer.Start(ctx, "agentloop.evaluate", trace.WithAttributes(
		attribute.Int("agentloop.attempt.index", attempt.Index),
	))
	defer span.End()

	var verdict models.Verdict
	if strings.TrimSpace(attempt.Result) == "" {
		verdict = models.Verdict{IsAdequate: false, Feedback: EmptyResultFeedback}
	} else {
		v, err := c.evaluator.Evaluate(ctx, task.Clone(), attempt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return models.Verdict{}, err
		}
		verdict = v
	}

	if !verdict.IsAdequate && strings.TrimSpace(verdict.Feedback) == "" {
		verdict.Feedback = MissingFeedback
	}
	span.SetAttributes(attribute.Bool("agentloop.verdict.adequate", verdict.IsAdequate))
	return verdict, nil
}

func (c *Controller) release(ctx context.Context) {
	if err := c.resource.Release(context.WithoutCancel(ctx)); err != nil && c.logger != nil {
		c.logger.LogWarn(fmt.Sprintf("release resource: %v", err))
	}
}

func (c *Controller) abort(ctx context.Context, span trace.Span, record *models.TaskRecord, fatal *FatalExecutionError) (models.TaskRecord, error) {
	if fatal.TaskID == "" {
		fatal.TaskID = record.Task.ID
	}
	record.Reason = fatal.Error()
	span.RecordError(fatal)
	span.SetStatus(codes.Error, record.Reason)

	final := c.finish(ctx, span, record, models.StateAborted)
	partial := final.Clone()
	fatal.Record = &partial
	return final, fatal
}

func (c *Controller) finish(ctx context.Context, span trace.Span, record *models.TaskRecord, state models.TerminalState) models.TaskRecord {
	record.TerminalState = state
	record.FinishedAt = c.clock()

	span.SetAttributes(
		attribute.String("agentloop.state", string(state)),
		attribute.Int("agentloop.attempts", len(record.Attempts)),
	)
	c.metrics.observeLoop(state)

	out := record.Clone()
	if c.logger != nil {
		c.logger.LogRecord(out)
	}
	if c.recorder != nil {
		if err := c.recorder.RecordTask(context.WithoutCancel(ctx), out); err != nil && c.logger != nil {
			c.logger.LogWarn(fmt.Sprintf("record task %s: %v", out.ID, err))
		}
	}
	return out
}
