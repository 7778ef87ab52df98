package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ContentRepository handles content items, their revisions and analyses
type ContentRepository struct {
	q Querier
}

// UpsertItem returns the content item identified by (source id, external id),
// creating it on first sight. The stored URL follows the latest fetch.
func (r *ContentRepository) UpsertItem(ctx context.Context, item ContentItem, now time.Time) (*ContentItem, error) {
	row := r.q.QueryRowContext(ctx, `
		INSERT INTO content_items (
			id, source_id, external_id, url, channel, country_code, latest_revision, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (source_id, external_id) DO UPDATE SET
			url = excluded.url,
			updated_at = excluded.updated_at
		RETURNING id, latest_revision
	`, newID(), item.SourceID, item.ExternalID, item.URL, string(item.Channel), item.CountryCode, utc(now), utc(now))

	out := item
	if err := row.Scan(&out.ID, &out.LatestRevision); err != nil {
		return nil, fmt.Errorf("failed to upsert content item: %w", err)
	}
	out.UpdatedAt = utc(now)
	return &out, nil
}

const revisionColumns = `id, content_id, run_id, revision_number, normalized_text_hash, content_key, text, created_at`

func scanRevision(row rowScanner) (*ContentRevision, error) {
	var rev ContentRevision
	err := row.Scan(&rev.ID, &rev.ContentID, &rev.RunID, &rev.RevisionNumber,
		&rev.NormalizedTextHash, &rev.ContentKey, &rev.Text, &rev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rev, nil
}

func (r *ContentRepository) getRevision(ctx context.Context, query string, args ...interface{}) (*ContentRevision, error) {
	rev, err := scanRevision(r.q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content revision: %w", err)
	}
	return rev, nil
}

// RevisionForRun returns the revision a run materialised for a content item.
func (r *ContentRepository) RevisionForRun(ctx context.Context, contentID, runID string) (*ContentRevision, error) {
	return r.getRevision(ctx, `SELECT `+revisionColumns+` FROM content_revisions WHERE content_id = ? AND run_id = ?`,
		contentID, runID)
}

// Revision returns revision number n of a content item.
func (r *ContentRepository) Revision(ctx context.Context, contentID string, n int) (*ContentRevision, error) {
	return r.getRevision(ctx, `SELECT `+revisionColumns+` FROM content_revisions WHERE content_id = ? AND revision_number = ?`,
		contentID, n)
}

// AppendRevision stores the next revision of item for rev.RunID. A run that
// already materialised a revision for the item gets that revision back.
// Callers must run it inside a transaction.
func (r *ContentRepository) AppendRevision(ctx context.Context, item *ContentItem, rev ContentRevision) (*ContentRevision, error) {
	existing, err := r.RevisionForRun(ctx, item.ID, rev.RunID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var latest int
	err = r.q.QueryRowContext(ctx, `SELECT latest_revision FROM content_items WHERE id = ?`, item.ID).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest revision: %w", err)
	}

	rev.ID = newID()
	rev.ContentID = item.ID
	rev.RevisionNumber = latest + 1
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now()
	}
	rev.CreatedAt = utc(rev.CreatedAt)

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO content_revisions (`+revisionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rev.ID, rev.ContentID, rev.RunID, rev.RevisionNumber, rev.NormalizedTextHash, rev.ContentKey, rev.Text, rev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert content revision: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `UPDATE content_items SET latest_revision = ?, updated_at = ? WHERE id = ?`,
		rev.RevisionNumber, rev.CreatedAt, item.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update latest revision: %w", err)
	}

	item.LatestRevision = rev.RevisionNumber
	return &rev, nil
}

// SaveAnalysis stores the analysis of a revision. It reports false when the
// revision already had one.
func (r *ContentRepository) SaveAnalysis(ctx context.Context, a *ContentAnalysis) (bool, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = utc(a.CreatedAt)
	if a.Violations == "" {
		a.Violations = "[]"
	}

	res, err := r.q.ExecContext(ctx, `
		INSERT INTO content_analyses (
			id, revision_id, run_id, compliance_status, violations, language_detected,
			language_confidence, raw_response, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (revision_id) DO NOTHING
	`, a.ID, a.RevisionID, a.RunID, a.ComplianceStatus, a.Violations, a.LanguageDetected,
		a.LanguageConfidence, a.RawResponse, a.Error, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to store content analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// Analysis returns the analysis of a revision, or nil when none exists.
func (r *ContentRepository) Analysis(ctx context.Context, revisionID string) (*ContentAnalysis, error) {
	var a ContentAnalysis
	err := r.q.QueryRowContext(ctx, `
		SELECT id, revision_id, run_id, compliance_status, violations, language_detected,
		       language_confidence, raw_response, error, created_at
		FROM content_analyses WHERE revision_id = ?
	`, revisionID).Scan(&a.ID, &a.RevisionID, &a.RunID, &a.ComplianceStatus, &a.Violations, &a.LanguageDetected,
		&a.LanguageConfidence, &a.RawResponse, &a.Error, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get content analysis: %w", err)
	}
	return &a, nil
}

// CountAnalysesByStatus returns the number of analyses per compliance status.
func (r *ContentRepository) CountAnalysesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT compliance_status, COUNT(*) FROM content_analyses GROUP BY compliance_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count analyses: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan analysis count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
