package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one job. A returned error fails the attempt.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// WorkerPool runs a fixed number of workers consuming one job type.
type WorkerPool struct {
	queue        *Queue
	jobType      string
	handler      Handler
	workerCount  int
	pollInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

func NewWorkerPool(q *Queue, jobType string, handler Handler, workerCount int, pollInterval time.Duration) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &WorkerPool{
		queue:        q,
		jobType:      jobType,
		handler:      handler,
		workerCount:  workerCount,
		pollInterval: pollInterval,
	}
}

// Consume starts a worker pool for jobType. Stop it with WorkerPool.Stop.
func (q *Queue) Consume(ctx context.Context, jobType string, handler Handler, workerCount int, pollInterval time.Duration) *WorkerPool {
	p := NewWorkerPool(q, jobType, handler, workerCount, pollInterval)
	p.Start(ctx)
	return p
}

func (p *WorkerPool) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	slog.Info("Worker pool started", "type", p.jobType, "workers", p.workerCount)
}

// Stop cancels in-flight jobs and waits for the workers to exit.
func (p *WorkerPool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	slog.Info("Worker pool stopped", "type", p.jobType)
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		processed, err := p.ProcessNext(p.ctx)
		if err != nil && p.ctx.Err() == nil {
			slog.Error("Worker failed to process job", "worker_id", id, "type", p.jobType, "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-p.ctx.Done():
			return
		case <-time.After(p.pollInterval):
		}
	}
}

// ProcessNext claims and handles a single job. It reports whether a job was
// found. Handler failures are recorded on the job, not returned.
func (p *WorkerPool) ProcessNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	job, err := p.queue.Claim(ctx, p.jobType)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	handleErr := p.handler.Handle(ctx, job)

	// bookkeeping must survive shutdown cancellation
	bookCtx := context.WithoutCancel(ctx)

	if handleErr == nil {
		slog.Debug("Job completed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts, "duration", time.Since(start))
		return true, p.queue.Complete(bookCtx, job)
	}

	if ctx.Err() != nil && errors.Is(handleErr, ctx.Err()) {
		slog.Warn("Job interrupted, releasing", "job_id", job.ID, "type", job.Type)
		return true, p.queue.Release(bookCtx, job)
	}

	slog.Error("Job failed",
		"job_id", job.ID,
		"type", job.Type,
		"attempt", job.Attempts,
		"duration", time.Since(start),
		"error", handleErr)
	return true, p.queue.Fail(bookCtx, job, handleErr)
}
