package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/models"
)

var _ executor.Recorder = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string, state models.TerminalState, finished time.Time) models.TaskRecord {
	started := finished.Add(-3 * time.Second)
	return models.TaskRecord{
		ID:       id,
		Workflow: "programmer",
		Task: models.Task{
			ID:          "task-1",
			Description: "sum the amounts per region",
			Context:     []string{"data.csv", "fix the undefined variable"},
			Metadata:    map[string]any{"chart_type": "bar"},
		},
		Attempts: []models.Attempt{
			{
				Index:         0,
				InputSnapshot: []string{"data.csv"},
				Result:        "execution error: undefined: total",
				SideEffects: []models.SideEffect{
					{Kind: models.SideEffectCode, Name: "main.go", Input: "package main"},
					{Kind: models.SideEffectStderr, Name: "error", Output: "undefined: total"},
				},
				StartedAt: started,
				Duration:  time.Second,
			},
			{
				Index:         1,
				InputSnapshot: []string{"data.csv", "fix the undefined variable"},
				Result:        "total=47",
				StartedAt:     started.Add(time.Second),
				Duration:      1500 * time.Millisecond,
			},
		},
		Verdicts: []models.Verdict{
			{IsAdequate: false, Feedback: "fix the undefined variable"},
			{IsAdequate: true, Feedback: "correct"},
		},
		TerminalState: state,
		FinalResult:   "total=47",
		StartedAt:     started,
		FinishedAt:    finished,
	}
}

func TestNewStore(t *testing.T) {
	tests := []struct {
		name    string
		dbPath  string
		wantErr bool
	}{
		{"creates database successfully", filepath.Join(t.TempDir(), "records.db"), false},
		{"handles in-memory database", ":memory:", false},
		{"creates parent directories if needed", filepath.Join(t.TempDir(), "nested", "dir", "records.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStore(tt.dbPath)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer s.Close()

			version, err := s.SchemaVersion(context.Background())
			require.NoError(t, err)
			assert.Equal(t, len(migrations), version)
			assert.Equal(t, tt.dbPath, s.Path())
		})
	}
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations(context.Background()))
	require.NoError(t, s.Close())

	reopened, err := NewStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	versions, err := reopened.GetAppliedVersions(context.Background())
	require.NoError(t, err)
	require.Len(t, versions, len(migrations))
	for i, v := range versions {
		assert.Equal(t, i+1, v.Version)
		assert.False(t, v.AppliedAt.IsZero())
	}
}

func TestRecordTask_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	want := sampleRecord("rec-1", models.StateCompleted, time.Now())

	require.NoError(t, s.RecordTask(ctx, want))

	got, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}

	pairs := got.Pairs()
	require.Len(t, pairs, 2)
	assert.False(t, pairs[0].Verdict.IsAdequate)
	assert.Len(t, pairs[0].Attempt.SideEffectsOfKind(models.SideEffectStderr), 1)
}

func TestRecordTask_AssignsIDAndReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTask(ctx, sampleRecord("", models.StateExhausted, time.Now())))
	list, err := s.ListRecords(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, list[0].ID, 36, "generated ids are uuids")

	rec := sampleRecord("rec-1", models.StateExhausted, time.Now())
	require.NoError(t, s.RecordTask(ctx, rec))
	rec.Attempts = rec.Attempts[:1]
	rec.Verdicts = rec.Verdicts[:1]
	rec.TerminalState = models.StateAborted
	require.NoError(t, s.RecordTask(ctx, rec))

	got, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateAborted, got.TerminalState)
	assert.Len(t, got.Attempts, 1)
	assert.Len(t, got.Verdicts, 1)
}

func TestRecordTask_AbortedWithoutVerdict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := sampleRecord("rec-aborted", models.StateAborted, time.Now())
	rec.Verdicts = rec.Verdicts[:1]
	rec.Reason = "completion backend unavailable"
	require.NoError(t, s.RecordTask(ctx, rec))

	got, err := s.GetRecord(ctx, "rec-aborted")
	require.NoError(t, err)
	pairs := got.Pairs()
	require.Len(t, pairs, 2)
	assert.Nil(t, pairs[1].Verdict, "aborted attempt has no verdict")
	assert.Equal(t, "completion backend unavailable", got.Reason)
}

func TestGetRecord_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRecords_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i, state := range []models.TerminalState{models.StateCompleted, models.StateExhausted, models.StateCompleted} {
		rec := sampleRecord(fmt.Sprintf("rec-%d", i), state, now.Add(time.Duration(i)*time.Minute))
		if i == 2 {
			rec.Workflow = "analyzer"
		}
		require.NoError(t, s.RecordTask(ctx, rec))
	}

	all, err := s.ListRecords(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "rec-2", all[0].ID, "most recent first")
	assert.Equal(t, 2, all[0].AttemptCount)

	completed, err := s.ListRecords(ctx, Filter{State: models.StateCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	programmer, err := s.ListRecords(ctx, Filter{Workflow: "programmer", State: models.StateCompleted})
	require.NoError(t, err)
	require.Len(t, programmer, 1)
	assert.Equal(t, "rec-0", programmer[0].ID)

	limited, err := s.ListRecords(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.Zero(t, empty.MeanAttempts)

	require.NoError(t, s.RecordTask(ctx, sampleRecord("a", models.StateCompleted, time.Now())))
	single := sampleRecord("b", models.StateExhausted, time.Now())
	single.Attempts = single.Attempts[:1]
	single.Workflow = "helpdesk"
	require.NoError(t, s.RecordTask(ctx, single))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByState[models.StateCompleted])
	assert.Equal(t, 1, st.ByState[models.StateExhausted])
	assert.Equal(t, 1, st.ByWorkflow["helpdesk"])
	assert.InDelta(t, 1.5, st.MeanAttempts, 1e-9)
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordTask(ctx, sampleRecord("old", models.StateCompleted, time.Now().Add(-48*time.Hour))))
	require.NoError(t, s.RecordTask(ctx, sampleRecord("new", models.StateCompleted, time.Now())))

	n, err := s.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "non-positive age keeps everything")

	n, err = s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetRecord(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRecord(ctx, "new")
	assert.NoError(t, err)

	var orphans int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts WHERE record_id = 'old'`).Scan(&orphans))
	assert.Zero(t, orphans)
}

func TestRecordTask_Concurrent(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.RecordTask(ctx, sampleRecord(fmt.Sprintf("rec-%d", i), models.StateCompleted, time.Now()))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, st.Total)
}
