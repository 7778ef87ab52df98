package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lysyi3m/ingest-comb/internal/database"
	"github.com/lysyi3m/ingest-comb/internal/queue"
	"github.com/lysyi3m/ingest-comb/internal/tasks"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrSourceDeleted  = errors.New("source is deleted")
)

// Enqueuer adds a job inside the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, exec database.Querier, jobType string, payload interface{}) (*queue.Job, error)
}

// Scheduler turns due sources into ingestion runs and queued jobs.
type Scheduler struct {
	store    *database.Store
	queue    Enqueuer
	schedule string
	cron     *cron.Cron
	now      func() time.Time

	mu    sync.RWMutex
	stats *Stats
}

// Stats holds scheduler statistics
type Stats struct {
	TotalSweeps      int64         `json:"total_sweeps"`
	TotalEnqueued    int64         `json:"total_enqueued"`
	TotalTriggered   int64         `json:"total_triggered"`
	TotalErrors      int64         `json:"total_errors"`
	LastSweepAt      *time.Time    `json:"last_sweep_at,omitempty"`
	AverageSweepTime time.Duration `json:"average_sweep_time"`
	sweepTimes       []time.Duration
}

func New(store *database.Store, q Enqueuer, schedule string) *Scheduler {
	if schedule == "" {
		schedule = "@every 1m"
	}
	return &Scheduler{
		store:    store,
		queue:    q,
		schedule: schedule,
		now:      time.Now,
		stats:    &Stats{sweepTimes: make([]time.Duration, 0, 100)},
	}
}

// Start registers the sweep on the cron schedule and starts it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.Sweep(ctx, s.now()); err != nil {
			slog.Error("Sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register sweep schedule %q: %w", s.schedule, err)
	}

	s.cron.Start()
	slog.Info("Scheduler started", "schedule", s.schedule)
	return nil
}

// Stop halts the cron driver and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	slog.Info("Scheduler stopped")
}

// Sweep enqueues one ingestion run for every source due at now. A failing
// source does not stop the others; their errors are joined.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()

	due, err := s.store.Sources.ListDue(ctx, now)
	if err != nil {
		s.record(start, 0, err)
		return 0, fmt.Errorf("failed to list due sources: %w", err)
	}

	if len(due) == 0 {
		slog.Debug("No sources due", "now", now)
		s.record(start, 0, nil)
		return 0, nil
	}

	seen := make(map[string]struct{}, len(due))
	enqueued := 0
	var errs []error

	for _, source := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, ok := seen[source.ID]; ok {
			continue
		}
		seen[source.ID] = struct{}{}

		run, err := s.scheduleSource(ctx, source, now)
		if err != nil {
			slog.Error("Failed to schedule source", "source_id", source.ID, "error", err)
			errs = append(errs, fmt.Errorf("source %s: %w", source.ID, err))
			continue
		}
		if run == nil {
			slog.Debug("Source already claimed", "source_id", source.ID)
			continue
		}

		enqueued++
		slog.Info("Ingestion run scheduled", "source_id", source.ID, "run_id", run.ID, "channel", source.Channel)
	}

	err = errors.Join(errs...)
	s.record(start, enqueued, err)
	return enqueued, err
}

func (s *Scheduler) scheduleSource(ctx context.Context, source database.Source, now time.Time) (*database.IngestionRun, error) {
	var run *database.IngestionRun
	err := s.store.WithTx(ctx, func(tx *database.Store) error {
		claimed, err := tx.Sources.ClaimDue(ctx, source.ID, now, source.NextRunAfter(now))
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}

		run, err = s.createRun(ctx, tx, source, now, database.ActorScheduler)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// TriggerSource starts a manual run for a source. The source schedule is left
// untouched.
func (s *Scheduler) TriggerSource(ctx context.Context, sourceID string) (*database.IngestionRun, error) {
	now := s.now()

	var run *database.IngestionRun
	err := s.store.WithTx(ctx, func(tx *database.Store) error {
		source, err := tx.Sources.Get(ctx, sourceID)
		if err != nil {
			return err
		}
		if source == nil {
			return ErrSourceNotFound
		}
		if source.IsDeleted {
			return ErrSourceDeleted
		}

		run, err = s.createRun(ctx, tx, *source, now, database.ActorOperator)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.stats.TotalTriggered++
	s.mu.Unlock()

	slog.Info("Ingestion run triggered", "source_id", sourceID, "run_id", run.ID)
	return run, nil
}

func (s *Scheduler) createRun(ctx context.Context, tx *database.Store, source database.Source, now time.Time, actor database.ActorType) (*database.IngestionRun, error) {
	run := &database.IngestionRun{
		SourceID:    source.ID,
		RunType:     source.Channel.RunType(),
		Channel:     source.Channel,
		CountryCode: source.CountryCode,
		Status:      database.RunStatusRunning,
		CreatedAt:   now,
	}
	if err := tx.Runs.Create(ctx, run); err != nil {
		return nil, err
	}

	payload := tasks.IngestionRunPayload{SourceID: source.ID, RunID: run.ID}
	job, err := s.queue.Enqueue(ctx, tx.Querier(), tasks.JobTypeIngestionRun, payload)
	if err != nil {
		return nil, err
	}

	err = tx.Audit.Record(ctx, &database.AuditEvent{
		EventType:   database.EventRunScheduled,
		EntityType:  database.EntityIngestionRun,
		EntityID:    run.ID,
		ActorType:   actor,
		Message:     fmt.Sprintf("%s run scheduled for source %s", run.RunType, source.ID),
		Payload:     map[string]interface{}{"sourceId": source.ID, "jobId": job.ID},
		CountryCode: source.CountryCode,
		Channel:     source.Channel,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Scheduler) record(start time.Time, enqueued int, err error) {
	duration := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalSweeps++
	s.stats.TotalEnqueued += int64(enqueued)
	if err != nil {
		s.stats.TotalErrors++
	}
	now := time.Now()
	s.stats.LastSweepAt = &now

	s.stats.sweepTimes = append(s.stats.sweepTimes, duration)
	if len(s.stats.sweepTimes) > 100 {
		s.stats.sweepTimes = s.stats.sweepTimes[1:]
	}

	var total time.Duration
	for _, t := range s.stats.sweepTimes {
		total += t
	}
	s.stats.AverageSweepTime = total / time.Duration(len(s.stats.sweepTimes))
}

// Stats returns a copy of the current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statsCopy := *s.stats
	statsCopy.sweepTimes = nil
	return statsCopy
}
