package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SourceRepository handles database operations for ingestion sources
type SourceRepository struct {
	q Querier
}

const sourceColumns = `id, channel, country_code, url, handle, crawl_frequency_minutes,
	is_enabled, is_deleted, last_run_at, next_run_at, created_at, updated_at`

// dueCondition selects sources the scheduler must pick up at the bound time.
const dueCondition = `is_enabled = 1 AND is_deleted = 0
	AND crawl_frequency_minutes IS NOT NULL
	AND (next_run_at <= ? OR (next_run_at IS NULL AND last_run_at IS NULL))`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSource(row rowScanner) (*Source, error) {
	var s Source
	var channel string
	err := row.Scan(
		&s.ID, &channel, &s.CountryCode, &s.URL, &s.Handle, &s.CrawlFrequencyMinutes,
		&s.IsEnabled, &s.IsDeleted, &s.LastRunAt, &s.NextRunAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Channel = Channel(channel)
	return &s, nil
}

// Get returns the source with the given id, or nil when it does not exist.
func (r *SourceRepository) Get(ctx context.Context, id string) (*Source, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	s, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source: %w", err)
	}
	return s, nil
}

// List returns all sources, soft-deleted ones included.
func (r *SourceRepository) List(ctx context.Context) ([]Source, error) {
	return r.query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
}

// ListDue returns sources whose next run is due at now, ordered by id.
func (r *SourceRepository) ListDue(ctx context.Context, now time.Time) ([]Source, error) {
	return r.query(ctx, `SELECT `+sourceColumns+` FROM sources WHERE `+dueCondition+` ORDER BY id`, utc(now))
}

func (r *SourceRepository) query(ctx context.Context, query string, args ...interface{}) ([]Source, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source rows: %w", err)
	}

	return sources, nil
}

// ClaimDue advances the schedule of a source that is still due at now.
// It returns false when another sweep already moved it.
func (r *SourceRepository) ClaimDue(ctx context.Context, id string, now time.Time, nextRunAt *time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE sources SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ? AND `+dueCondition,
		utc(now), utcPtr(nextRunAt), utc(now), id, utc(now))
	if err != nil {
		return false, fmt.Errorf("failed to advance source schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// SetRunTimes records the outcome timestamps of a finished run.
func (r *SourceRepository) SetRunTimes(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		UPDATE sources SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		utc(lastRunAt), utcPtr(nextRunAt), utc(lastRunAt), id)
	if err != nil {
		return fmt.Errorf("failed to update source run times: %w", err)
	}
	return nil
}

// Upsert writes the configured fields of a source. Scheduling state is kept;
// a source that already ran without a frequency and now gets one becomes due
// immediately.
func (r *SourceRepository) Upsert(ctx context.Context, s Source, now time.Time) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO sources (
			id, channel, country_code, url, handle, crawl_frequency_minutes,
			is_enabled, is_deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			channel = excluded.channel,
			country_code = excluded.country_code,
			url = excluded.url,
			handle = excluded.handle,
			crawl_frequency_minutes = excluded.crawl_frequency_minutes,
			is_enabled = excluded.is_enabled,
			is_deleted = 0,
			next_run_at = CASE
				WHEN sources.next_run_at IS NULL AND sources.last_run_at IS NOT NULL
					AND excluded.crawl_frequency_minutes IS NOT NULL THEN excluded.updated_at
				ELSE sources.next_run_at
			END,
			updated_at = excluded.updated_at
	`, s.ID, string(s.Channel), s.CountryCode, s.URL, s.Handle, s.CrawlFrequencyMinutes,
		s.IsEnabled, utc(now), utc(now))
	if err != nil {
		return fmt.Errorf("failed to upsert source %s: %w", s.ID, err)
	}
	return nil
}

// MarkDeletedExcept soft-deletes every live source whose id is not in keep.
func (r *SourceRepository) MarkDeletedExcept(ctx context.Context, keep []string, now time.Time) (int64, error) {
	query, args, err := sq.Update("sources").
		Set("is_deleted", 1).
		Set("updated_at", utc(now)).
		Where(sq.Eq{"is_deleted": 0}).
		Where(sq.NotEq{"id": keep}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete query: %w", err)
	}

	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to soft-delete sources: %w", err)
	}
	return res.RowsAffected()
}

// SourceCounts summarises the source table for the stats endpoint.
type SourceCounts struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
	Deleted int `json:"deleted"`
}

func (r *SourceRepository) Counts(ctx context.Context) (SourceCounts, error) {
	var c SourceCounts
	err := r.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN is_enabled = 1 AND is_deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_deleted = 1 THEN 1 ELSE 0 END), 0)
		FROM sources
	`).Scan(&c.Total, &c.Enabled, &c.Deleted)
	if err != nil {
		return c, fmt.Errorf("failed to count sources: %w", err)
	}
	return c, nil
}
