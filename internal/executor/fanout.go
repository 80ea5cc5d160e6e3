package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/harrison/agentloop/internal/models"
)

// LoopRunner runs one loop to a terminal state. *Controller implements it.
type LoopRunner interface {
	Run(ctx context.Context, task models.Task) (models.TaskRecord, error)
}

// ControllerFactory builds the runner for one task. It is called once per task so that
// per-loop resources such as sandboxes are never shared between loops.
type ControllerFactory func(task models.Task) (LoopRunner, error)

// FanOut runs one independent loop per task with bounded parallelism.
type FanOut struct {
	NewRunner      ControllerFactory
	MaxConcurrency int    // 0 means one goroutine per task
	Logger         Logger // optional; receives the summary
}

// NewFanOut constructs a FanOut with the provided factory.
// The logger parameter is optional and can be nil to disable logging.
func NewFanOut(factory ControllerFactory, maxConcurrency int, logger Logger) *FanOut {
	return &FanOut{
		NewRunner:      factory,
		MaxConcurrency: maxConcurrency,
		Logger:         logger,
	}
}

// Run executes every task and returns the records in input order. A loop that aborts does
// not cancel its siblings; all fatal errors are collected into one *ExecutionError.
func (f *FanOut) Run(ctx context.Context, tasks []models.Task) ([]models.TaskRecord, error) {
	if f == nil {
		return nil, fmt.Errorf("fan-out is nil")
	}
	if f.NewRunner == nil {
		return nil, fmt.Errorf("controller factory is required")
	}
	if len(tasks) == 0 {
		return []models.TaskRecord{}, nil
	}

	start := time.Now()
	records := make([]models.TaskRecord, len(tasks))
	errs := make([]error, len(tasks))

	var g errgroup.Group
	if f.MaxConcurrency > 0 {
		g.SetLimit(f.MaxConcurrency)
	}

	for i, task := range tasks {
		g.Go(func() error {
			records[i], errs[i] = f.runOne(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	execErr := NewExecutionError(PhaseLoop, len(tasks))
	for i, err := range errs {
		if err == nil {
			continue
		}
		id := records[i].Task.ID
		if id == "" {
			id = tasks[i].ID
		}
		execErr.AddTask(NewTaskError(id, "loop aborted", err))
	}

	if f.Logger != nil {
		f.Logger.LogSummary(Summarize(records, time.Since(start)))
	}

	if execErr.FailedTasks > 0 {
		return records, execErr
	}
	return records, nil
}

func (f *FanOut) runOne(ctx context.Context, task models.Task) (models.TaskRecord, error) {
	runner, err := f.NewRunner(task)
	if err != nil {
		fatal := &FatalExecutionError{TaskID: task.ID, Phase: PhaseLoop, Err: fmt.Errorf("build controller: %w", err)}
		now := time.Now()
		record := models.TaskRecord{
			Task:          task.Clone(),
			TerminalState: models.StateAborted,
			Reason:        fatal.Error(),
			StartedAt:     now,
			FinishedAt:    now,
		}
		partial := record.Clone()
		fatal.Record = &partial
		return record, fatal
	}
	return runner.Run(ctx, task)
}

// Summarize counts records per terminal state. Exhausted and aborted records are
// returned as Unresolved, in order.
func Summarize(records []models.TaskRecord, duration time.Duration) models.ExecutionResult {
	result := models.ExecutionResult{
		Total:      len(records),
		Duration:   duration,
		Unresolved: []models.TaskRecord{},
	}

	for _, r := range records {
		switch r.TerminalState {
		case models.StateCompleted:
			result.Completed++
		case models.StateExhausted:
			result.Exhausted++
			result.Unresolved = append(result.Unresolved, r)
		case models.StateAborted:
			result.Aborted++
			result.Unresolved = append(result.Unresolved, r)
		}
	}
	return result
}
