package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// RunRepository handles database operations for ingestion runs
type RunRepository struct {
	q Querier
}

var runColumns = []string{
	"id", "source_id", "run_type", "channel", "country_code", "status",
	"started_at", "completed_at", "items_fetched", "items_changed", "items_failed",
	"tickets_created", "last_error", "created_at",
}

func scanRun(row rowScanner) (*IngestionRun, error) {
	var run IngestionRun
	var runType, channel, status string
	err := row.Scan(
		&run.ID, &run.SourceID, &runType, &channel, &run.CountryCode, &status,
		&run.StartedAt, &run.CompletedAt, &run.ItemsFetched, &run.ItemsChanged, &run.ItemsFailed,
		&run.TicketsCreated, &run.LastError, &run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	run.RunType = RunType(runType)
	run.Channel = Channel(channel)
	run.Status = RunStatus(status)
	return &run, nil
}

// Create inserts a run, assigning an id and creation time when missing.
func (r *RunRepository) Create(ctx context.Context, run *IngestionRun) error {
	if run.ID == "" {
		run.ID = newID()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.CreatedAt = utc(run.CreatedAt)

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ingestion_runs (
			id, source_id, run_type, channel, country_code, status,
			started_at, completed_at, items_fetched, items_changed, items_failed,
			tickets_created, last_error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.SourceID, string(run.RunType), string(run.Channel), run.CountryCode, string(run.Status),
		utcPtr(run.StartedAt), utcPtr(run.CompletedAt), run.ItemsFetched, run.ItemsChanged, run.ItemsFailed,
		run.TicketsCreated, run.LastError, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Get returns the run with the given id, or nil when it does not exist.
func (r *RunRepository) Get(ctx context.Context, id string) (*IngestionRun, error) {
	query, args, err := sq.Select(runColumns...).From("ingestion_runs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build run query: %w", err)
	}

	run, err := scanRun(r.q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// MarkRunning moves a run to RUNNING and clears the outcome of a previous
// failed attempt. It returns false when the run already succeeded.
func (r *RunRepository) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE ingestion_runs
		SET status = ?, started_at = COALESCE(started_at, ?), completed_at = NULL, last_error = ''
		WHERE id = ? AND status NOT IN (?, ?)
	`, string(RunStatusRunning), utc(startedAt), id, string(RunStatusSucceeded), string(RunStatusPartial))
	if err != nil {
		return false, fmt.Errorf("failed to mark run running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (r *RunRepository) SetItemsFetched(ctx context.Context, id string, n int) error {
	return r.setCounter(ctx, id, "items_fetched", n)
}

func (r *RunRepository) SetItemsChanged(ctx context.Context, id string, n int) error {
	return r.setCounter(ctx, id, "items_changed", n)
}

func (r *RunRepository) setCounter(ctx context.Context, id, column string, n int) error {
	query, args, err := sq.Update("ingestion_runs").Set(column, n).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build counter update: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	return nil
}

// Finish records the terminal outcome of a successful run.
func (r *RunRepository) Finish(ctx context.Context, run *IngestionRun) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE ingestion_runs
		SET status = ?, completed_at = ?, items_fetched = ?, items_changed = ?,
			items_failed = ?, tickets_created = ?, last_error = ''
		WHERE id = ?
	`, string(run.Status), utcPtr(run.CompletedAt), run.ItemsFetched, run.ItemsChanged,
		run.ItemsFailed, run.TicketsCreated, run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// MarkFailed records a stage failure on the run.
func (r *RunRepository) MarkFailed(ctx context.Context, id string, completedAt time.Time, lastError string) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE ingestion_runs SET status = ?, completed_at = ?, last_error = ? WHERE id = ?
	`, string(RunStatusFailed), utc(completedAt), lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return nil
}

// RunFilter narrows run listings. Zero values are ignored.
type RunFilter struct {
	SourceID string
	Status   RunStatus
	Limit    uint64
}

// List returns runs matching the filter, newest first.
func (r *RunRepository) List(ctx context.Context, f RunFilter) ([]IngestionRun, error) {
	b := sq.Select(runColumns...).From("ingestion_runs").OrderBy("created_at DESC", "id")
	if f.SourceID != "" {
		b = b.Where(sq.Eq{"source_id": f.SourceID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		b = b.Limit(f.Limit)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build run listing: %w", err)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []IngestionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, *run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}

	return runs, nil
}

// CountByStatus returns the number of runs per status.
func (r *RunRepository) CountByStatus(ctx context.Context) (map[RunStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM ingestion_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		counts[RunStatus(status)] = n
	}
	return counts, rows.Err()
}
