package queue

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"storf/internal/apperrors"
	"storf/internal/models"
)

// Conditions reported for entries that are not making progress.
const (
	ConditionNoWorkers  = "no_available_workers"
	ConditionBacklogged = "backlogged"
	ConditionStalled    = "stalled"
)

// Heartbeat registers the worker or refreshes its registration.
func (q *Queue) Heartbeat(ctx context.Context, w *models.Worker) error {
	now := q.now()
	w.LastHeartbeat = now
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = now
	}
	if w.Status == "" {
		w.Status = models.WorkerIdle
	}
	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hostname", "pid", "status", "current_job_id", "last_heartbeat", "updated_at"}),
	}).Create(w).Error
	return apperrors.Storage("worker heartbeat", err)
}

// Deregister removes the worker from the registry.
func (q *Queue) Deregister(ctx context.Context, workerID string) error {
	err := q.db.WithContext(ctx).Delete(&models.Worker{}, "id = ?", workerID).Error
	return apperrors.Storage("deregister worker", err)
}

// ActiveWorkers lists workers whose last heartbeat is within the worker
// timeout.
func (q *Queue) ActiveWorkers(ctx context.Context) ([]models.Worker, error) {
	var workers []models.Worker
	err := q.db.WithContext(ctx).
		Where("last_heartbeat >= ? AND status <> ?", q.now().Add(-q.opts.WorkerTimeout), models.WorkerStopped).
		Order("id ASC").
		Find(&workers).Error
	if err != nil {
		return nil, apperrors.Storage("list workers", err)
	}
	return workers, nil
}

// Condition explains why an entry is not progressing. It returns "" for
// finished entries, live leases, retries still in backoff and entries that
// became claimable less than threshold ago.
func (q *Queue) Condition(ctx context.Context, entry *models.QueueEntry, threshold time.Duration) (string, error) {
	now := q.now()
	switch entry.State {
	case models.QueueActive:
		if entry.LeaseExpiresAt != nil && entry.LeaseExpiresAt.Before(now) {
			return ConditionStalled, nil
		}
		return "", nil
	case models.QueueWaiting, models.QueueDelayed:
		// A delayed entry is claimable once its backoff has elapsed.
		if entry.AvailableAt.After(now) || now.Sub(entry.AvailableAt) < threshold {
			return "", nil
		}
	default:
		return "", nil
	}

	workers, err := q.ActiveWorkers(ctx)
	if err != nil {
		return "", err
	}
	if len(workers) == 0 {
		return ConditionNoWorkers, nil
	}
	return ConditionBacklogged, nil
}
