package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/fault"
	"github.com/lysyi3m/ingest-comb/internal/pipeline"
	"github.com/lysyi3m/ingest-comb/internal/queue"
)

const JobTypeIngestionRun = "ingestion-run"

// IngestionRunPayload is the body of an ingestion-run job.
type IngestionRunPayload struct {
	SourceID string `json:"sourceId"`
	RunID    string `json:"runId"`
}

type Runner interface {
	Run(ctx context.Context, source database.Source, run database.IngestionRun) (*pipeline.RunContext, error)
}

// IngestionRunTask consumes ingestion-run jobs and drives the orchestrator.
type IngestionRunTask struct {
	store  *database.Store
	runner Runner
}

func NewIngestionRunTask(store *database.Store, runner Runner) *IngestionRunTask {
	return &IngestionRunTask{store: store, runner: runner}
}

// Handle returns the orchestrator's error unchanged so the queue's retry
// policy applies.
func (t *IngestionRunTask) Handle(ctx context.Context, job *queue.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	start := time.Now()

	var payload IngestionRunPayload
	if err := job.Decode(&payload); err != nil {
		return fault.Configuration(err, "the job payload is malformed and will never succeed")
	}
	if payload.SourceID == "" || payload.RunID == "" {
		return fault.Configurationf("job %s is missing sourceId or runId", job.ID)
	}

	source, err := t.store.Sources.Get(ctx, payload.SourceID)
	if err != nil {
		return fault.Transient(fmt.Errorf("failed to load source: %w", err))
	}
	if source == nil {
		return fault.Configurationf("source %s not found", payload.SourceID)
	}

	run, err := t.store.Runs.Get(ctx, payload.RunID)
	if err != nil {
		return fault.Transient(fmt.Errorf("failed to load run: %w", err))
	}
	if run == nil {
		return fault.Configurationf("run %s not found", payload.RunID)
	}

	rc, err := t.runner.Run(ctx, *source, *run)
	if err != nil {
		return err
	}

	slog.Info("Task completed",
		"type", JobTypeIngestionRun,
		"source_id", source.ID,
		"run_id", run.ID,
		"status", rc.Run.Status,
		"attempt", job.Attempts,
		"duration", time.Since(start))

	return nil
}
