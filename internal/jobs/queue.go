// Package jobs provides a durable database-backed job queue and the worker
// loop that drains it. Provisioning runs here so it survives process
// restarts and its progress is visible as a task id.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/store"
)

// ErrNoJobs is returned by Claim when no runnable job exists.
var ErrNoJobs = errors.New("no pending jobs")

// staleRunningAge is how long a running job may go without completing before
// it is assumed orphaned by a dead worker.
const staleRunningAge = 15 * time.Minute

// Queue persists and claims jobs.
type Queue struct {
	store    *store.Store
	notifyCh chan struct{}
}

// NewQueue creates a queue on top of the store.
func NewQueue(s *store.Store) *Queue {
	return &Queue{
		store:    s,
		notifyCh: make(chan struct{}, 1),
	}
}

// Notify returns a channel that receives a tick whenever a job is enqueued.
func (q *Queue) Notify() <-chan struct{} {
	return q.notifyCh
}

// Enqueue persists a new job and wakes the worker.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload interface{}, maxAttempts int) (*model.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	job := &model.Job{
		Type:        jobType,
		Payload:     string(data),
		Status:      model.JobStatusPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: time.Now(),
	}
	if err := q.store.DB().WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
	return job, nil
}

// Claim atomically takes the next runnable job for the given worker. The
// conditional update guarantees a job is claimed by at most one worker.
func (q *Queue) Claim(ctx context.Context, workerID string) (*model.Job, error) {
	db := q.store.DB().WithContext(ctx)

	var job model.Job
	err := db.Where("status = ? AND scheduled_at <= ?", model.JobStatusPending, time.Now()).
		Order("priority DESC, scheduled_at ASC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoJobs
		}
		return nil, err
	}

	now := time.Now()
	result := db.Model(&model.Job{}).
		Where("id = ? AND status = ?", job.ID, model.JobStatusPending).
		Updates(map[string]interface{}{
			"status":     model.JobStatusRunning,
			"worker_id":  workerID,
			"started_at": now,
			"attempts":   job.Attempts + 1,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		// Another worker won the race.
		return nil, ErrNoJobs
	}

	job.Status = model.JobStatusRunning
	job.WorkerID = &workerID
	job.StartedAt = &now
	job.Attempts++
	return &job, nil
}

// Complete marks a job as finished.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	now := time.Now()
	return q.store.DB().WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"completed_at": now,
		}).Error
}

// Fail records a job failure. Jobs with remaining attempts are rescheduled
// with exponential backoff; exhausted jobs go to failed permanently.
func (q *Queue) Fail(ctx context.Context, job *model.Job, jobErr error) error {
	msg := jobErr.Error()
	fields := map[string]interface{}{"error": msg}

	if job.Attempts < job.MaxAttempts {
		backoff := time.Duration(1<<uint(job.Attempts)) * 30 * time.Second
		fields["status"] = model.JobStatusPending
		fields["scheduled_at"] = time.Now().Add(backoff)
		fields["worker_id"] = nil
	} else {
		now := time.Now()
		fields["status"] = model.JobStatusFailed
		fields["completed_at"] = now
	}

	return q.store.DB().WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", job.ID).
		Updates(fields).Error
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	if err := q.store.DB().WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// CleanupStale requeues jobs stuck in running from a crashed worker.
func (q *Queue) CleanupStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-staleRunningAge)
	result := q.store.DB().WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":       model.JobStatusPending,
			"worker_id":    nil,
			"scheduled_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}
