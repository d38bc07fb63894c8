package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/atenova/sintesi/internal/data/repos"
	"github.com/atenova/sintesi/internal/platform/logger"
)

// Worker polls for queued batch jobs and hands each claimed job to the
// processor. Claiming uses row locks, so multiple instances can run the same
// loop without double-processing.
type Worker struct {
	log       *logger.Logger
	jobs      repos.BatchJobRepo
	processor *Processor
	interval  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewWorker(baseLog *logger.Logger, jobRepo repos.BatchJobRepo, processor *Processor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Worker{
		log:       baseLog.With("component", "Worker"),
		jobs:      jobRepo,
		processor: processor,
		interval:  pollInterval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
	w.log.Info("Batch worker started", "poll_interval", w.interval)
}

// Stop blocks until the in-flight job, if any, has settled.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain claims and processes jobs until the queue is empty, so a backlog does
// not pay one poll interval per job.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
		job, err := w.jobs.ClaimNextQueued(ctx, nil)
		if err != nil {
			w.log.Error("Claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		w.log.Info("Claimed batch job", "batch_job_id", job.ID, "total_units", job.TotalUnits)
		if err := w.processor.Run(ctx, job); err != nil {
			w.log.Error("Job processing aborted", "batch_job_id", job.ID, "error", err)
		}
	}
}
