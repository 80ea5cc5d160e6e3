// Package store persists finished loop records in SQLite so runs can be
// audited and summarized after the process exits.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/agentloop/internal/models"
)

// ErrNotFound is returned by GetRecord for an unknown record ID.
var ErrNotFound = errors.New("record not found")

// Filter narrows ListRecords. Zero values match everything.
type Filter struct {
	Workflow string
	State    models.TerminalState
	Limit    int
}

// Summary is one row of ListRecords: the record without its attempts.
type Summary struct {
	ID           string
	Workflow     string
	TaskID       string
	Description  string
	State        models.TerminalState
	FinalResult  string
	Reason       string
	AttemptCount int
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Stats aggregates the stored records.
type Stats struct {
	Total        int
	ByState      map[models.TerminalState]int
	ByWorkflow   map[string]int
	MeanAttempts float64
}

// Store manages the SQLite database of task records
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the database at dbPath and applies
// pending migrations. ":memory:" opens a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	if dbPath == ":memory:" {
		return openAndInitStore(dbPath)
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	return openAndInitStore(dbPath)
}

func openAndInitStore(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		// Pooled connections do not share pragmas; the DSN applies these to each.
		dsn += "?_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	// busy_timeout must be first so the remaining pragmas wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-16000",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// execWithRetry executes a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordTask stores rec with its attempts and verdicts in one transaction.
// A record without an ID gets a fresh uuid; storing an existing ID replaces it.
func (s *Store) RecordTask(ctx context.Context, rec models.TaskRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	contextJSON, err := marshal(rec.Task.Context, "[]")
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	metadataJSON, err := marshal(rec.Task.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := deleteRecordTx(ctx, tx, rec.ID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO task_records (
  id, workflow, task_id, description, context, metadata, state,
  final_result, reason, attempt_count, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Workflow, rec.Task.ID, rec.Task.Description, contextJSON, metadataJSON,
		string(rec.TerminalState), rec.FinalResult, rec.Reason, len(rec.Attempts),
		unixNano(rec.StartedAt), unixNano(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}

	for _, a := range rec.Attempts {
		snapshot, err := marshal(a.InputSnapshot, "[]")
		if err != nil {
			return fmt.Errorf("encode input snapshot: %w", err)
		}
		effects, err := marshal(a.SideEffects, "[]")
		if err != nil {
			return fmt.Errorf("encode side effects: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO attempts (record_id, idx, input_snapshot, result, side_effects, err, started_at, duration_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, a.Index, snapshot, a.Result, effects, a.Err, unixNano(a.StartedAt), int64(a.Duration)); err != nil {
			return fmt.Errorf("insert attempt %d: %w", a.Index, err)
		}
	}

	for i, v := range rec.Verdicts {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO verdicts (record_id, idx, is_adequate, feedback) VALUES (?, ?, ?, ?)`,
			rec.ID, i, v.IsAdequate, v.Feedback); err != nil {
			return fmt.Errorf("insert verdict %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record %s: %w", rec.ID, err)
	}
	return nil
}

// GetRecord loads a full record, attempts and verdicts included.
func (s *Store) GetRecord(ctx context.Context, id string) (models.TaskRecord, error) {
	var (
		rec                  models.TaskRecord
		state                string
		contextJSON, metaStr string
		attemptCount         int
		started, finished    int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, workflow, task_id, description, context, metadata, state,
       final_result, reason, attempt_count, started_at, finished_at
FROM task_records WHERE id = ?`, id).Scan(
		&rec.ID, &rec.Workflow, &rec.Task.ID, &rec.Task.Description, &contextJSON, &metaStr, &state,
		&rec.FinalResult, &rec.Reason, &attemptCount, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TaskRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.TaskRecord{}, fmt.Errorf("query record %s: %w", id, err)
	}
	rec.TerminalState = models.TerminalState(state)
	rec.StartedAt = fromUnixNano(started)
	rec.FinishedAt = fromUnixNano(finished)
	if err := unmarshal(contextJSON, &rec.Task.Context); err != nil {
		return models.TaskRecord{}, fmt.Errorf("decode context: %w", err)
	}
	if err := unmarshal(metaStr, &rec.Task.Metadata); err != nil {
		return models.TaskRecord{}, fmt.Errorf("decode metadata: %w", err)
	}

	if rec.Attempts, err = s.attempts(ctx, id); err != nil {
		return models.TaskRecord{}, err
	}
	if rec.Verdicts, err = s.verdicts(ctx, id); err != nil {
		return models.TaskRecord{}, err
	}
	return rec, nil
}

func (s *Store) attempts(ctx context.Context, id string) ([]models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT idx, input_snapshot, result, side_effects, err, started_at, duration_ns
FROM attempts WHERE record_id = ? ORDER BY idx ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []models.Attempt
	for rows.Next() {
		var (
			a                 models.Attempt
			snapshot, effects string
			started, duration int64
		)
		if err := rows.Scan(&a.Index, &snapshot, &a.Result, &effects, &a.Err, &started, &duration); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if err := unmarshal(snapshot, &a.InputSnapshot); err != nil {
			return nil, fmt.Errorf("decode input snapshot: %w", err)
		}
		if err := unmarshal(effects, &a.SideEffects); err != nil {
			return nil, fmt.Errorf("decode side effects: %w", err)
		}
		a.StartedAt = fromUnixNano(started)
		a.Duration = time.Duration(duration)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) verdicts(ctx context.Context, id string) ([]models.Verdict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT is_adequate, feedback FROM verdicts WHERE record_id = ? ORDER BY idx ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	var out []models.Verdict
	for rows.Next() {
		var v models.Verdict
		if err := rows.Scan(&v.IsAdequate, &v.Feedback); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListRecords returns record summaries, most recently finished first.
func (s *Store) ListRecords(ctx context.Context, f Filter) ([]Summary, error) {
	query := `
SELECT id, workflow, task_id, description, state, final_result, reason,
       attempt_count, started_at, finished_at
FROM task_records`
	var (
		where []string
		args  []any
	)
	if f.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, f.Workflow)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY finished_at DESC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum               Summary
			state             string
			started, finished int64
		)
		if err := rows.Scan(&sum.ID, &sum.Workflow, &sum.TaskID, &sum.Description, &state,
			&sum.FinalResult, &sum.Reason, &sum.AttemptCount, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		sum.State = models.TerminalState(state)
		sum.StartedAt = fromUnixNano(started)
		sum.FinishedAt = fromUnixNano(finished)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Stats counts records per terminal state and workflow and averages the
// number of attempts per record.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByState:    make(map[models.TerminalState]int),
		ByWorkflow: make(map[string]int),
	}

	var mean sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(attempt_count) FROM task_records`).Scan(&st.Total, &mean); err != nil {
		return Stats{}, fmt.Errorf("query totals: %w", err)
	}
	st.MeanAttempts = mean.Float64

	if err := s.countBy(ctx, "state", func(k string, n int) { st.ByState[models.TerminalState(k)] = n }); err != nil {
		return Stats{}, err
	}
	if err := s.countBy(ctx, "workflow", func(k string, n int) { st.ByWorkflow[k] = n }); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *Store) countBy(ctx context.Context, column string, add func(string, int)) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM task_records GROUP BY %s", column, column))
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		add(key, n)
	}
	return rows.Err()
}

// Prune deletes records that finished more than olderThan ago and returns
// how many were removed. olderThan <= 0 keeps everything.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-olderThan).UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"attempts", "verdicts"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE record_id IN (SELECT id FROM task_records WHERE finished_at < ?)`, table), cutoff); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM task_records WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune records: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return deleted, nil
}

func deleteRecordTx(ctx context.Context, tx *sql.Tx, id string) error {
	for _, stmt := range []string{
		`DELETE FROM attempts WHERE record_id = ?`,
		`DELETE FROM verdicts WHERE record_id = ?`,
		`DELETE FROM task_records WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("replace record %s: %w", id, err)
		}
	}
	return nil
}

func marshal(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

// unmarshal leaves v untouched for empty collections so nil slices and maps
// read back as nil.
func unmarshal(s string, v any) error {
	switch s {
	case "", "[]", "{}", "null":
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
