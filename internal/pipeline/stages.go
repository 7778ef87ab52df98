package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/ingest-comb/internal/classifier"
	"github.com/lysyi3m/ingest-comb/internal/connector"
	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/fault"
	"github.com/lysyi3m/ingest-comb/internal/normalize"
)

func (o *Orchestrator) runStart(ctx context.Context, rc *RunContext) error {
	now := o.now()

	return o.store.WithTx(ctx, func(tx *database.Store) error {
		ok, err := tx.Runs.MarkRunning(ctx, rc.Run.ID, now)
		if err != nil {
			return err
		}
		if !ok {
			current, err := tx.Runs.Get(ctx, rc.Run.ID)
			if err != nil {
				return err
			}
			if current == nil {
				return fault.Configurationf("run %s does not exist", rc.Run.ID)
			}
			rc.Run = *current
			return ErrRunAlreadyFinished
		}

		rc.Run.Status = database.RunStatusRunning
		rc.Run.CompletedAt = nil
		rc.Run.LastError = ""
		if rc.Run.StartedAt == nil {
			rc.Run.StartedAt = &now
		}

		return tx.Audit.Record(ctx, &database.AuditEvent{
			EventType:   database.EventRunStarted,
			EntityType:  database.EntityIngestionRun,
			EntityID:    rc.Run.ID,
			ActorType:   database.ActorSystem,
			Payload:     map[string]interface{}{"source_id": rc.Source.ID, "run_type": string(rc.Run.RunType)},
			CountryCode: rc.Source.CountryCode,
			Channel:     rc.Source.Channel,
		})
	})
}

func (o *Orchestrator) fetchItems(ctx context.Context, rc *RunContext) error {
	c, err := o.connectors.Resolve(rc.Source.Channel)
	if err != nil {
		return err
	}

	items, err := c.Fetch(ctx, rc.Source)
	if err != nil {
		return fmt.Errorf("connector failed: %w", err)
	}
	items = markDuplicates(items)

	err = o.store.WithTx(ctx, func(tx *database.Store) error {
		for _, item := range items {
			err := tx.Items.Insert(ctx, &database.IngestionItem{
				RunID:       rc.Run.ID,
				SourceID:    rc.Source.ID,
				Channel:     rc.Source.Channel,
				CountryCode: rc.Source.CountryCode,
				ExternalID:  item.ExternalID,
				URL:         item.URL,
				FetchStatus: item.Status,
				FetchError:  item.Error,
			})
			if err != nil {
				return err
			}
		}
		return tx.Runs.SetItemsFetched(ctx, rc.Run.ID, len(items))
	})
	if err != nil {
		return err
	}

	rc.FetchedItems = items
	rc.ItemsFetched = len(items)
	rc.Run.ItemsFetched = len(items)

	slog.Debug("Items fetched", "run_id", rc.Run.ID, "count", len(items))
	return nil
}

// markDuplicates keeps the first OK item per external id. Later OK items
// with the same id are recorded as DUPLICATE so their text is not merged
// into the first item's revision.
func markDuplicates(items []connector.FetchedItem) []connector.FetchedItem {
	out := make([]connector.FetchedItem, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if item.OK() {
			if seen[item.ExternalID] {
				item.Status = database.FetchStatusDuplicate
				item.Error = "duplicate external id in fetch result"
			}
			seen[item.ExternalID] = true
		}
		out[i] = item
	}
	return out
}

func (o *Orchestrator) normalizeAndHash(ctx context.Context, rc *RunContext) error {
	rc.NormalizedItems = rc.NormalizedItems[:0]
	for _, item := range rc.FetchedItems {
		if !item.OK() {
			continue
		}
		rc.NormalizedItems = append(rc.NormalizedItems, NormalizedItem{
			Item:        item,
			Fingerprint: normalize.Normalize(item.Fields, item.URL, item.ExternalID),
		})
	}
	return nil
}

// diff materialises one revision per content item for this run and marks it
// changed when the item is new or its hash differs from the previous revision.
func (o *Orchestrator) diff(ctx context.Context, rc *RunContext) error {
	now := o.now()
	rc.StoredRevisions = rc.StoredRevisions[:0]
	rc.ChangedRevisions = rc.ChangedRevisions[:0]

	for _, n := range rc.NormalizedItems {
		var stored StoredRevision

		err := o.store.WithTx(ctx, func(tx *database.Store) error {
			content, err := tx.Contents.UpsertItem(ctx, database.ContentItem{
				SourceID:    rc.Source.ID,
				ExternalID:  n.Item.ExternalID,
				URL:         n.Item.URL,
				Channel:     rc.Source.Channel,
				CountryCode: rc.Source.CountryCode,
			}, now)
			if err != nil {
				return err
			}

			rev, err := tx.Contents.AppendRevision(ctx, content, database.ContentRevision{
				RunID:              rc.Run.ID,
				NormalizedTextHash: n.Fingerprint.NormalizedTextHash,
				ContentKey:         n.Fingerprint.ContentKey,
				Text:               n.Fingerprint.Text,
				CreatedAt:          now,
			})
			if err != nil {
				return err
			}

			stored = StoredRevision{Content: *content, Revision: *rev}
			return nil
		})
		if err != nil {
			return err
		}

		changed, err := o.isChanged(ctx, stored.Revision)
		if err != nil {
			return err
		}
		stored.IsChanged = changed

		rc.StoredRevisions = append(rc.StoredRevisions, stored)
		if changed {
			rc.ChangedRevisions = append(rc.ChangedRevisions, stored)
		}
	}

	if err := o.store.Runs.SetItemsChanged(ctx, rc.Run.ID, len(rc.ChangedRevisions)); err != nil {
		return err
	}
	rc.ItemsChanged = len(rc.ChangedRevisions)
	rc.Run.ItemsChanged = rc.ItemsChanged

	slog.Debug("Diff complete", "run_id", rc.Run.ID, "revisions", len(rc.StoredRevisions), "changed", rc.ItemsChanged)
	return nil
}

func (o *Orchestrator) isChanged(ctx context.Context, rev database.ContentRevision) (bool, error) {
	if rev.IsNew() {
		return true, nil
	}
	prior, err := o.store.Contents.Revision(ctx, rev.ContentID, rev.RevisionNumber-1)
	if err != nil {
		return false, err
	}
	if prior == nil {
		return true, nil
	}
	return prior.NormalizedTextHash != rev.NormalizedTextHash, nil
}

// analyze classifies every changed revision once. Format problems are stored
// as UNCERTAIN. Revisions the classifier could not be reached for are left
// unanalysed and fail the stage after the rest are stored, so a retry of the
// run classifies them again.
func (o *Orchestrator) analyze(ctx context.Context, rc *RunContext) error {
	rc.TicketsCreated = 0
	var unreached int
	var lastErr error

	for _, stored := range rc.ChangedRevisions {
		if err := ctx.Err(); err != nil {
			return err
		}

		existing, err := o.store.Contents.Analysis(ctx, stored.Revision.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.ComplianceStatus == string(classifier.StatusNonCompliant) {
				rc.TicketsCreated++
			}
			continue
		}

		out, classifyErr := o.classifier.Classify(ctx, stored.Revision.Text)
		if classifyErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Classifier call failed, leaving revision unanalysed",
				"run_id", rc.Run.ID,
				"revision_id", stored.Revision.ID,
				"error", classifyErr)
			unreached++
			lastErr = classifyErr
			continue
		}

		analysis, err := toAnalysis(stored, rc.Run.ID, out)
		if err != nil {
			return err
		}

		err = o.store.WithTx(ctx, func(tx *database.Store) error {
			saved, err := tx.Contents.SaveAnalysis(ctx, analysis)
			if err != nil {
				return err
			}
			if !saved || out.ComplianceStatus != classifier.StatusNonCompliant {
				return nil
			}
			return o.sink.Report(ctx, tx, ViolationReport{Source: rc.Source, Run: rc.Run, Revision: stored, Output: out})
		})
		if err != nil {
			return err
		}

		if out.ComplianceStatus == classifier.StatusNonCompliant {
			rc.TicketsCreated++
		}
	}

	rc.Run.TicketsCreated = rc.TicketsCreated

	if unreached > 0 {
		return fault.Transient(fmt.Errorf("classifier unavailable for %d of %d revisions: %w",
			unreached, len(rc.ChangedRevisions), lastErr))
	}
	return nil
}

func toAnalysis(stored StoredRevision, runID string, out classifier.AnalysisOutput) (*database.ContentAnalysis, error) {
	violations, err := json.Marshal(out.Violations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal violations: %w", err)
	}

	return &database.ContentAnalysis{
		RevisionID:         stored.Revision.ID,
		RunID:              runID,
		ComplianceStatus:   string(out.ComplianceStatus),
		Violations:         string(violations),
		LanguageDetected:   out.LanguageDetected,
		LanguageConfidence: out.LanguageConfidence,
		RawResponse:        out.Raw,
		Error:              out.ParseError,
	}, nil
}

func (o *Orchestrator) runFinish(ctx context.Context, rc *RunContext) error {
	now := o.now()

	err := o.store.WithTx(ctx, func(tx *database.Store) error {
		failed, err := tx.Items.CountFailed(ctx, rc.Run.ID)
		if err != nil {
			return err
		}

		rc.ItemsFailed = failed
		rc.Run.ItemsFailed = failed
		rc.Run.Status = database.RunStatusSucceeded
		if failed > 0 {
			rc.Run.Status = database.RunStatusPartial
		}
		rc.Run.CompletedAt = &now
		rc.Run.ItemsFetched = rc.ItemsFetched
		rc.Run.ItemsChanged = rc.ItemsChanged
		rc.Run.TicketsCreated = rc.TicketsCreated
		rc.Run.LastError = ""

		if err := tx.Runs.Finish(ctx, &rc.Run); err != nil {
			return err
		}

		if err := tx.Sources.SetRunTimes(ctx, rc.Source.ID, now, rc.Source.NextRunAfter(now)); err != nil {
			return err
		}

		return tx.Audit.Record(ctx, &database.AuditEvent{
			EventType:  database.EventRunCompleted,
			EntityType: database.EntityIngestionRun,
			EntityID:   rc.Run.ID,
			ActorType:  database.ActorSystem,
			Message:    fmt.Sprintf("Run %s", rc.Run.Status),
			Payload: map[string]interface{}{
				"source_id":       rc.Source.ID,
				"status":          string(rc.Run.Status),
				"items_fetched":   rc.ItemsFetched,
				"items_changed":   rc.ItemsChanged,
				"items_failed":    rc.ItemsFailed,
				"tickets_created": rc.TicketsCreated,
			},
			CountryCode: rc.Source.CountryCode,
			Channel:     rc.Source.Channel,
		})
	})
	if err != nil {
		return err
	}

	rc.Source.LastRunAt = &now
	rc.Source.NextRunAt = rc.Source.NextRunAfter(now)
	return nil
}
