package database

import (
	"context"
	"fmt"
	"time"
)

// ItemRepository handles database operations for per-run fetch records
type ItemRepository struct {
	q Querier
}

// Insert records one fetched item outcome, OK or not.
func (r *ItemRepository) Insert(ctx context.Context, item *IngestionItem) error {
	if item.ID == "" {
		item.ID = newID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.CreatedAt = utc(item.CreatedAt)

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ingestion_items (
			id, run_id, source_id, channel, country_code, external_id, url,
			fetch_status, fetch_error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.RunID, item.SourceID, string(item.Channel), item.CountryCode, item.ExternalID, item.URL,
		string(item.FetchStatus), item.FetchError, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to store ingestion item: %w", err)
	}
	return nil
}

// latestPerExternalID keeps only the most recent attempt for each item of a
// run. Duplicate records are tracked apart so they never shadow the kept item.
const latestPerExternalID = `i.rowid = (
	SELECT MAX(j.rowid) FROM ingestion_items j
	WHERE j.run_id = i.run_id AND j.external_id = i.external_id
	  AND (j.fetch_status = 'DUPLICATE') = (i.fetch_status = 'DUPLICATE')
)`

// CountFailed returns how many items of the run ended with a non-OK status on
// their latest attempt.
func (r *ItemRepository) CountFailed(ctx context.Context, runID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ingestion_items i
		WHERE i.run_id = ? AND i.fetch_status != ? AND `+latestPerExternalID,
		runID, string(FetchStatusOK)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed items: %w", err)
	}
	return n, nil
}

// ListByRun returns the latest record per external id for a run.
func (r *ItemRepository) ListByRun(ctx context.Context, runID string) ([]IngestionItem, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT i.id, i.run_id, i.source_id, i.channel, i.country_code, i.external_id, i.url,
		       i.fetch_status, i.fetch_error, i.created_at
		FROM ingestion_items i
		WHERE i.run_id = ? AND `+latestPerExternalID+`
		ORDER BY i.rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingestion items: %w", err)
	}
	defer rows.Close()

	var items []IngestionItem
	for rows.Next() {
		var item IngestionItem
		var channel, status string
		err := rows.Scan(
			&item.ID, &item.RunID, &item.SourceID, &channel, &item.CountryCode, &item.ExternalID, &item.URL,
			&status, &item.FetchError, &item.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ingestion item row: %w", err)
		}
		item.Channel = Channel(channel)
		item.FetchStatus = FetchStatus(status)
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ingestion item rows: %w", err)
	}

	return items, nil
}
