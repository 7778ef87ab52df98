package pipeline

import (
	"context"

	"github.com/lysyi3m/ingest-comb/internal/classifier"
	"github.com/lysyi3m/ingest-comb/internal/database"
)

// ViolationReport describes one NON_COMPLIANT analysis handed to the ticket
// workflow.
type ViolationReport struct {
	Source   database.Source
	Run      database.IngestionRun
	Revision StoredRevision
	Output   classifier.AnalysisOutput
}

// ViolationSink receives NON_COMPLIANT analyses. It runs inside the
// transaction that stores the analysis.
type ViolationSink interface {
	Report(ctx context.Context, tx *database.Store, report ViolationReport) error
}

// AuditSink records each violation as a VIOLATION_DETECTED audit event.
type AuditSink struct{}

func (AuditSink) Report(ctx context.Context, tx *database.Store, report ViolationReport) error {
	rules := make([]string, 0, len(report.Output.Violations))
	for _, v := range report.Output.Violations {
		if v.Rule != "" {
			rules = append(rules, v.Rule)
		}
	}

	return tx.Audit.Record(ctx, &database.AuditEvent{
		EventType:  database.EventViolation,
		EntityType: database.EntityContentRevision,
		EntityID:   report.Revision.Revision.ID,
		ActorType:  database.ActorSystem,
		Message:    "Compliance violation detected",
		Payload: map[string]interface{}{
			"run_id":          report.Run.ID,
			"source_id":       report.Source.ID,
			"content_id":      report.Revision.Content.ID,
			"external_id":     report.Revision.Content.ExternalID,
			"url":             report.Revision.Content.URL,
			"revision_number": report.Revision.Revision.RevisionNumber,
			"violations":      len(report.Output.Violations),
			"rules":           rules,
		},
		CountryCode: report.Source.CountryCode,
		Channel:     report.Source.Channel,
	})
}
