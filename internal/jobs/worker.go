package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawdeck/internal/model"
)

// Executor handles one job type.
type Executor func(ctx context.Context, payloadJSON string) error

// Worker drains the queue: it wakes on enqueue notifications and on a poll
// ticker, so jobs enqueued by other processes are also picked up.
type Worker struct {
	queue        *Queue
	executors    map[string]Executor
	pollInterval time.Duration
	workerID     string
}

// NewWorker creates a worker with a unique id.
func NewWorker(queue *Queue, pollInterval time.Duration) *Worker {
	return &Worker{
		queue:        queue,
		executors:    make(map[string]Executor),
		pollInterval: pollInterval,
		workerID:     "worker-" + uuid.New().String()[:8],
	}
}

// Register binds an executor to a job type.
func (w *Worker) Register(jobType string, executor Executor) {
	w.executors[jobType] = executor
}

// Run processes jobs until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("Job worker %s started", w.workerID)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	if n, err := w.queue.CleanupStale(ctx); err != nil {
		log.Printf("Cleaning up stale jobs: %v", err)
	} else if n > 0 {
		log.Printf("Requeued %d stale jobs", n)
	}

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			log.Printf("Job worker %s stopping", w.workerID)
			return
		case <-w.queue.Notify():
		case <-ticker.C:
		}
	}
}

// drain claims and runs jobs until the queue is empty.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Claim(ctx, w.workerID)
		if err != nil {
			if !errors.Is(err, ErrNoJobs) {
				log.Printf("Claiming job: %v", err)
			}
			return
		}
		w.runJob(ctx, job)
	}
}

func (w *Worker) runJob(ctx context.Context, job *model.Job) {
	executor, ok := w.executors[job.Type]
	if !ok {
		log.Printf("No executor for job type %s, failing job %s", job.Type, job.ID)
		job.Attempts = job.MaxAttempts
		if err := w.queue.Fail(ctx, job, errors.New("no executor registered")); err != nil {
			log.Printf("Failing job %s: %v", job.ID, err)
		}
		return
	}

	if err := executor(ctx, job.Payload); err != nil {
		log.Printf("Job %s (%s) attempt %d/%d failed: %v", job.ID, job.Type, job.Attempts, job.MaxAttempts, err)
		if failErr := w.queue.Fail(ctx, job, err); failErr != nil {
			log.Printf("Recording failure for job %s: %v", job.ID, failErr)
		}
		return
	}
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		log.Printf("Completing job %s: %v", job.ID, err)
	}
}
