// Package pipeline executes one ingestion run as an ordered list of stages
// and owns the run's state transitions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/ingest-comb/internal/classifier"
	"github.com/lysyi3m/ingest-comb/internal/connector"
	"github.com/lysyi3m/ingest-comb/internal/database"
)

// ErrRunAlreadyFinished is returned by run-start for a run that already
// reached SUCCEEDED or PARTIAL, e.g. a redelivered job.
var ErrRunAlreadyFinished = errors.New("run already finished")

// Resolver maps a channel to its connector.
type Resolver interface {
	Resolve(channel database.Channel) (connector.Connector, error)
}

type Stage struct {
	Name string
	Run  func(ctx context.Context, rc *RunContext) error
}

type Orchestrator struct {
	store      *database.Store
	connectors Resolver
	classifier classifier.Classifier
	sink       ViolationSink
	now        func() time.Time
}

func NewOrchestrator(store *database.Store, connectors Resolver, c classifier.Classifier, sink ViolationSink) *Orchestrator {
	if c == nil {
		c = classifier.Disabled{}
	}
	if sink == nil {
		sink = AuditSink{}
	}
	return &Orchestrator{
		store:      store,
		connectors: connectors,
		classifier: c,
		sink:       sink,
		now:        time.Now,
	}
}

// Stages returns the stages in execution order.
func (o *Orchestrator) Stages() []Stage {
	return []Stage{
		{Name: "run-start", Run: o.runStart},
		{Name: "fetch-items", Run: o.fetchItems},
		{Name: "normalize-and-hash", Run: o.normalizeAndHash},
		{Name: "diff", Run: o.diff},
		{Name: "analyze", Run: o.analyze},
		{Name: "run-finish", Run: o.runFinish},
	}
}

// Run executes every stage for run. A stage error marks the run FAILED and
// is returned to the caller.
func (o *Orchestrator) Run(ctx context.Context, source database.Source, run database.IngestionRun) (*RunContext, error) {
	rc := &RunContext{Source: source, Run: run}
	start := time.Now()

	for _, stage := range o.Stages() {
		slog.Debug("Stage started", "stage", stage.Name, "run_id", run.ID, "source_id", source.ID)

		if err := stage.Run(ctx, rc); err != nil {
			if errors.Is(err, ErrRunAlreadyFinished) {
				slog.Info("Run already finished, skipping", "run_id", run.ID, "source_id", source.ID)
				return rc, nil
			}

			stageErr := fmt.Errorf("stage %s: %w", stage.Name, err)
			o.markFailed(ctx, rc, stageErr)
			return rc, stageErr
		}
	}

	slog.Info("Run completed",
		"run_id", run.ID,
		"source_id", source.ID,
		"status", rc.Run.Status,
		"fetched", rc.ItemsFetched,
		"changed", rc.ItemsChanged,
		"failed", rc.ItemsFailed,
		"tickets", rc.TicketsCreated,
		"duration", time.Since(start))

	return rc, nil
}

func (o *Orchestrator) markFailed(ctx context.Context, rc *RunContext, cause error) {
	// the run must be marked even when ctx was cancelled
	ctx = context.WithoutCancel(ctx)
	now := o.now()

	err := o.store.WithTx(ctx, func(tx *database.Store) error {
		if err := tx.Runs.MarkFailed(ctx, rc.Run.ID, now, cause.Error()); err != nil {
			return err
		}
		return tx.Audit.Record(ctx, &database.AuditEvent{
			EventType:   database.EventRunFailed,
			EntityType:  database.EntityIngestionRun,
			EntityID:    rc.Run.ID,
			ActorType:   database.ActorSystem,
			Message:     cause.Error(),
			Payload:     map[string]interface{}{"source_id": rc.Source.ID, "items_fetched": rc.ItemsFetched},
			CountryCode: rc.Source.CountryCode,
			Channel:     rc.Source.Channel,
		})
	})
	if err != nil {
		slog.Error("Failed to persist run failure", "run_id", rc.Run.ID, "error", err)
	}

	rc.Run.Status = database.RunStatusFailed
	rc.Run.CompletedAt = &now
	rc.Run.LastError = cause.Error()

	slog.Error("Run failed", "run_id", rc.Run.ID, "source_id", rc.Source.ID, "error", cause)
}
