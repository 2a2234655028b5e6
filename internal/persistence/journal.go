package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskengine/internal/events"
)

const journalWriteTimeout = 5 * time.Second

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID         string
	Tasks      int
	Batches    int
	Counts     events.Counts
	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt *time.Time // Nil while the run is in progress or if it never finished
}

// TaskRecord is the terminal outcome of one task in one run.
type TaskRecord struct {
	RunID      string
	TaskID     string
	Status     string
	Source     string
	Attempts   int
	Similarity float64
	Adapted    bool
	Error      string
	BlockedBy  []string
	Duration   time.Duration
	RecordedAt time.Time
}

// Journal records run history from the event stream. It implements
// events.Sink and is meant to be driven by a single publisher goroutine.
type Journal struct {
	store *SQLiteStore
	log   *zap.Logger
}

// NewJournal creates a journal writing to store.
func NewJournal(store *SQLiteStore, log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{store: store, log: log}
}

// Emit implements events.Sink. Write errors are logged, never returned.
func (j *Journal) Emit(event events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	var err error
	switch e := event.(type) {
	case events.RunStartedEvent:
		err = j.store.StartRun(ctx, e.RunID, e.Tasks, e.Batches, e.Timestamp)
	case events.RunFinishedEvent:
		err = j.store.FinishRun(ctx, e.RunID, e.Counts, e.Duration, e.Timestamp)
	case events.TaskCompletedEvent:
		status := "cached"
		if e.Source == events.SourceExecuted {
			status = "succeeded"
		}
		err = j.store.SaveTaskRecord(ctx, TaskRecord{
			RunID:      e.RunID,
			TaskID:     e.ID,
			Status:     status,
			Source:     e.Source,
			Attempts:   e.Attempts,
			Similarity: e.Similarity,
			Adapted:    e.Adapted,
			Duration:   e.Duration,
			RecordedAt: e.Timestamp,
		})
	case events.TaskFailedEvent:
		rec := TaskRecord{
			RunID:      e.RunID,
			TaskID:     e.ID,
			Status:     "failed",
			Source:     events.SourceExecuted,
			Attempts:   e.Attempts,
			Duration:   e.Duration,
			RecordedAt: e.Timestamp,
		}
		if e.Err != nil {
			rec.Error = e.Err.Error()
		}
		err = j.store.SaveTaskRecord(ctx, rec)
	case events.TaskBlockedEvent:
		err = j.store.SaveTaskRecord(ctx, TaskRecord{
			RunID:      e.RunID,
			TaskID:     e.ID,
			Status:     "blocked",
			BlockedBy:  e.BlockedBy,
			RecordedAt: e.Timestamp,
		})
	case events.TaskCancelledEvent:
		err = j.store.SaveTaskRecord(ctx, TaskRecord{
			RunID:      e.RunID,
			TaskID:     e.ID,
			Status:     "cancelled",
			RecordedAt: e.Timestamp,
		})
	default:
		return
	}

	if err != nil {
		j.log.Warn("Failed to journal event",
			zap.String("event_type", event.EventType()),
			zap.String("task_id", event.TaskID()),
			zap.Error(err),
		)
	}
}

// StartRun inserts a run row.
func (s *SQLiteStore) StartRun(ctx context.Context, runID string, tasks, batches int, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tasks, batches, started_at)
		VALUES (?, ?, ?, ?)
	`, runID, tasks, batches, startedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", runID, err)
	}
	return nil
}

// FinishRun stores the final counts of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, counts events.Counts, duration time.Duration, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET succeeded = ?, cached = ?, failed = ?, blocked = ?, cancelled = ?,
			duration_ms = ?, finished_at = ?
		WHERE id = ?
	`, counts.Succeeded, counts.Cached, counts.Failed, counts.Blocked, counts.Cancelled,
		duration.Milliseconds(), finishedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// SaveTaskRecord upserts the outcome of a task.
func (s *SQLiteStore) SaveTaskRecord(ctx context.Context, rec TaskRecord) error {
	var errText, blockedBy sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}
	if len(rec.BlockedBy) > 0 {
		blockedBy = sql.NullString{String: strings.Join(rec.BlockedBy, ","), Valid: true}
	}
	source := rec.Source
	if source == "" {
		source = "none"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (run_id, task_id, status, source, attempts, similarity, adapted, error, blocked_by, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, task_id) DO UPDATE SET
			status = excluded.status,
			source = excluded.source,
			attempts = excluded.attempts,
			similarity = excluded.similarity,
			adapted = excluded.adapted,
			error = excluded.error,
			blocked_by = excluded.blocked_by,
			duration_ms = excluded.duration_ms,
			recorded_at = excluded.recorded_at
	`, rec.RunID, rec.TaskID, rec.Status, source, rec.Attempts, rec.Similarity, rec.Adapted,
		errText, blockedBy, rec.Duration.Milliseconds(), rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to save task record %s/%s: %w", rec.RunID, rec.TaskID, err)
	}
	return nil
}

// ListRuns returns the most recent runs first. A limit of zero returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tasks, batches, succeeded, cached, failed, blocked, cancelled,
			duration_ms, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r          RunRecord
			durationMs sql.NullInt64
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Tasks, &r.Batches,
			&r.Counts.Succeeded, &r.Counts.Cached, &r.Counts.Failed, &r.Counts.Blocked, &r.Counts.Cancelled,
			&durationMs, &r.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if durationMs.Valid {
			r.Duration = time.Duration(durationMs.Int64) * time.Millisecond
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// TaskRecords returns every recorded task outcome of a run ordered by task ID.
func (s *SQLiteStore) TaskRecords(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, status, source, attempts, similarity, adapted,
			error, blocked_by, duration_ms, recorded_at
		FROM task_results
		WHERE run_id = ?
		ORDER BY task_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task records: %w", err)
	}
	defer rows.Close()

	var records []TaskRecord
	for rows.Next() {
		var (
			rec        TaskRecord
			errText    sql.NullString
			blockedBy  sql.NullString
			durationMs int64
		)
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.Status, &rec.Source, &rec.Attempts,
			&rec.Similarity, &rec.Adapted, &errText, &blockedBy, &durationMs, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		rec.Error = errText.String
		if blockedBy.Valid && blockedBy.String != "" {
			rec.BlockedBy = strings.Split(blockedBy.String, ",")
		}
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task records: %w", err)
	}
	return records, nil
}

var _ events.Sink = (*Journal)(nil)
