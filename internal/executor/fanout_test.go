package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/harrison/agentloop/internal/models"
)

type concurrencyGauge struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (p *concurrencyGauge) enter() {
	n := p.current.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (p *concurrencyGauge) leave() { p.current.Add(-1) }

func TestFanOut_OrderedRecordsAndBoundedConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	gauge := &concurrencyGauge{}
	var resources sync.Map

	factory := func(task models.Task) (LoopRunner, error) {
		res := &countingResource{}
		resources.Store(task.ID, res)
		attempter := AttempterFunc(func(ctx context.Context, task models.Task) (*AttemptOutput, error) {
			gauge.enter()
			defer gauge.leave()
			time.Sleep(15 * time.Millisecond)
			return &AttemptOutput{Result: "answer for " + task.Description}, nil
		})
		return NewController(LoopConfig{MaxAttempts: 2}, attempter, &stubEvaluator{}, WithResource(res))
	}

	var tasks []models.Task
	for i := 0; i < 8; i++ {
		tasks = append(tasks, models.Task{ID: fmt.Sprintf("t%d", i), Description: fmt.Sprintf("subtask %d", i)})
	}

	log := &recordingLogger{}
	records, err := NewFanOut(factory, 3, log).Run(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, records, len(tasks))

	for i, r := range records {
		assert.Equal(t, tasks[i].ID, r.Task.ID, "records keep input order")
		assert.Equal(t, "answer for "+tasks[i].Description, r.FinalResult)
	}
	assert.LessOrEqual(t, gauge.peak.Load(), int32(3))

	resources.Range(func(_, v any) bool {
		res := v.(*countingResource)
		assert.Equal(t, 1, res.acquired)
		assert.Equal(t, 1, res.released)
		return true
	})

	require.NotNil(t, log.summary)
	assert.Equal(t, 8, log.summary.Total)
	assert.Equal(t, 8, log.summary.Completed)
}

func TestFanOut_FatalLoopDoesNotCancelSiblings(t *testing.T) {
	defer goleak.VerifyNone(t)

	factory := func(task models.Task) (LoopRunner, error) {
		if task.ID == "bad-factory" {
			return nil, errors.New("missing sandbox")
		}
		attempter := AttempterFunc(func(ctx context.Context, task models.Task) (*AttemptOutput, error) {
			if task.ID == "fatal" {
				return nil, NewFatalError(PhaseAttempt, errors.New("bad config"))
			}
			time.Sleep(20 * time.Millisecond)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &AttemptOutput{Result: "done"}, nil
		})
		return NewController(LoopConfig{MaxAttempts: 1}, attempter, &stubEvaluator{})
	}

	tasks := []models.Task{
		{ID: "fatal", Description: "a"},
		{ID: "slow-ok", Description: "b"},
		{ID: "bad-factory", Description: "c"},
	}
	records, err := NewFanOut(factory, 0, nil).Run(context.Background(), tasks)

	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.FailedTasks)
	assert.Equal(t, 3, execErr.TotalTasks)
	assert.True(t, IsFatal(err))

	assert.Equal(t, models.StateAborted, records[0].TerminalState)
	assert.Equal(t, models.StateCompleted, records[1].TerminalState, "sibling keeps running")
	assert.Equal(t, models.StateAborted, records[2].TerminalState)
	assert.Contains(t, records[2].Reason, "missing sandbox")
}

func TestFanOut_Validation(t *testing.T) {
	var nilFanOut *FanOut
	_, err := nilFanOut.Run(context.Background(), nil)
	assert.Error(t, err)

	_, err = (&FanOut{}).Run(context.Background(), []models.Task{{Description: "x"}})
	assert.Error(t, err)

	records, err := NewFanOut(func(models.Task) (LoopRunner, error) { return nil, nil }, 1, nil).Run(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestSummarize(t *testing.T) {
	records := []models.TaskRecord{
		{ID: "1", TerminalState: models.StateCompleted},
		{ID: "2", TerminalState: models.StateExhausted},
		{ID: "3", TerminalState: models.StateCompleted},
		{ID: "4", TerminalState: models.StateAborted},
	}

	result := Summarize(records, time.Second)
	if result.Total != 4 || result.Completed != 2 || result.Exhausted != 1 || result.Aborted != 1 {
		t.Errorf("Summarize() = %+v", result)
	}
	if len(result.Unresolved) != 2 || result.Unresolved[0].ID != "2" || result.Unresolved[1].ID != "4" {
		t.Errorf("Unresolved = %+v", result.Unresolved)
	}
	if result.Duration != time.Second {
		t.Errorf("Duration = %v", result.Duration)
	}
}
