// Package workflow holds the collaborators shared by the agent workflows.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/harrison/agentloop/internal/completion"
	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/prompts"
)

// Deps are the collaborators every workflow needs.
type Deps struct {
	Service  completion.Service
	Prompts  *prompts.Provider
	Logger   executor.Logger
	Metrics  *executor.Metrics
	Tracer   trace.Tracer
	Recorder executor.Recorder
}

// Validate fills in defaults and checks required collaborators.
func (d *Deps) Validate() error {
	if d.Service == nil {
		return fmt.Errorf("completion service is required")
	}
	if d.Prompts == nil {
		p, err := prompts.New()
		if err != nil {
			return err
		}
		d.Prompts = p
	}
	return nil
}

// Options returns the controller options for a loop of the named workflow.
func (d Deps) Options(name string, extra ...executor.Option) []executor.Option {
	opts := []executor.Option{executor.WithWorkflow(name)}
	if d.Logger != nil {
		opts = append(opts, executor.WithLogger(d.Logger))
	}
	if d.Metrics != nil {
		opts = append(opts, executor.WithMetrics(d.Metrics))
	}
	if d.Tracer != nil {
		opts = append(opts, executor.WithTracer(d.Tracer))
	}
	if d.Recorder != nil {
		opts = append(opts, executor.WithRecorder(d.Recorder))
	}
	return append(opts, extra...)
}

// Render renders a prompt template. A template failure is a programming
// error and aborts the loop.
func (d Deps) Render(name string, data any) (string, error) {
	out, err := d.Prompts.Render(name, data)
	if err != nil {
		return "", executor.NewFatalError(executor.PhaseAttempt, err)
	}
	return out, nil
}

// Complete sends req and classifies failures for the loop controller:
// permanent service errors become fatal, everything else stays transient.
func (d Deps) Complete(ctx context.Context, req completion.Request) (string, error) {
	resp, err := d.Service.Complete(ctx, req)
	if err != nil {
		return "", AttemptError(err)
	}
	return resp.Text, nil
}

// CompleteJSON is Complete followed by a tolerant JSON decode into v.
// Undecodable replies are transient: the model may do better next time.
func (d Deps) CompleteJSON(ctx context.Context, req completion.Request, v any) error {
	resp, err := completion.CompleteJSON(ctx, d.Service, req, v)
	switch {
	case err == nil:
		return nil
	case resp == nil:
		return AttemptError(err)
	default:
		return executor.NewTransientError(fmt.Errorf("decode reply: %w", err))
	}
}

// AttemptError maps a completion error onto the loop's error taxonomy.
func AttemptError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if completion.IsPermanent(err) {
		return executor.NewFatalError(executor.PhaseAttempt, err)
	}
	return err
}
