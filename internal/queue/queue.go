package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"storf/internal/apperrors"
	"storf/internal/database"
	"storf/internal/models"
)

var (
	// ErrLeaseLost is returned when a lease was taken over by another worker
	// or the entry was finished or removed in the meantime.
	ErrLeaseLost = errors.New("queue: lease lost")

	// ErrJobActive is returned when removing an entry a worker holds.
	ErrJobActive = errors.New("queue: job is being processed")
)

const (
	// StalledMessage is recorded when an entry's lease expired too often.
	StalledMessage = "job stalled more than allowable limit"
	// ExpiredMessage is recorded for entries no worker picked up in time.
	ExpiredMessage = "expired before a worker became available"

	claimRetries    = 5
	maxBackoffShift = 20
)

type Options struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	LeaseTimeout  time.Duration
	MaxStalled    int
	WorkerTimeout time.Duration
}

// Queue is a persistent work queue on top of the queue_entries table. Every
// job is delivered at least once; a lease that is not extended before it
// expires makes the entry claimable again.
type Queue struct {
	db   *gorm.DB
	opts Options
	now  func() time.Time
}

// NewQueue creates a new queue instance
func NewQueue(db *gorm.DB, opts Options) *Queue {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 30 * time.Second
	}
	if opts.WorkerTimeout <= 0 {
		opts.WorkerTimeout = 2 * time.Minute
	}
	return &Queue{
		db:   db,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Lease is a worker's exclusive claim on one entry for one attempt.
type Lease struct {
	EntryID   string
	JobID     string
	Token     string
	WorkerID  string
	Attempt   int
	ExpiresAt time.Time
}

// Outcome is what a worker reports when it finishes an attempt. A nil Err
// means success.
type Outcome struct {
	Result *models.Result
	Err    error
}

// AckResult tells the worker what the queue decided.
type AckResult struct {
	State    models.QueueState
	Attempts int
	RetryAt  time.Time
	Error    string
}

// Enqueue adds a waiting entry for jobID.
func (q *Queue) Enqueue(ctx context.Context, jobID string) (*models.QueueEntry, error) {
	now := q.now()
	entry := &models.QueueEntry{
		ID:          uuid.New().String(),
		JobID:       jobID,
		State:       models.QueueWaiting,
		MaxAttempts: q.opts.MaxAttempts,
		AvailableAt: now,
		EnqueuedAt:  now,
	}
	if err := q.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, apperrors.Storage("enqueue job", err)
	}
	return entry, nil
}

// Claim leases the oldest available entry to workerID. It returns nil when
// nothing is available. Entries whose lease expired are reclaimed without
// consuming an attempt; an entry that stalls more than MaxStalled times is
// failed instead.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Lease, error) {
	var lease *Lease
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := 0; i < claimRetries; i++ {
			now := q.now()

			var entry models.QueueEntry
			err := database.ForUpdate(tx, true).
				Where("(state IN ? AND available_at <= ?) OR (state = ? AND lease_expires_at < ?)",
					[]models.QueueState{models.QueueWaiting, models.QueueDelayed}, now,
					models.QueueActive, now).
				Order("available_at ASC, enqueued_at ASC").
				Take(&entry).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			stalled := entry.State == models.QueueActive
			if stalled && entry.StalledCount+1 > q.opts.MaxStalled {
				ok, err := q.cas(tx, &entry, map[string]any{
					"state":            models.QueueFailed,
					"stalled_count":    entry.StalledCount + 1,
					"lease_token":      "",
					"leased_by":        "",
					"lease_expires_at": nil,
					"finished_at":      now,
					"last_error":       StalledMessage,
				})
				if err != nil {
					return err
				}
				if ok {
					log.Printf("Queue: job %s stalled %d times, failing it", entry.JobID, entry.StalledCount+1)
				}
				continue
			}

			token := uuid.New().String()
			expires := now.Add(q.opts.LeaseTimeout)
			updates := map[string]any{
				"state":            models.QueueActive,
				"lease_token":      token,
				"leased_by":        workerID,
				"lease_expires_at": expires,
				"started_at":       now,
			}
			// A reclaimed lease continues the same attempt, so its
			// progress stands.
			if stalled {
				updates["stalled_count"] = entry.StalledCount + 1
			} else {
				updates["progress"] = 0
			}
			ok, err := q.cas(tx, &entry, updates)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}

			lease = &Lease{
				EntryID:   entry.ID,
				JobID:     entry.JobID,
				Token:     token,
				WorkerID:  workerID,
				Attempt:   entry.Attempts + 1,
				ExpiresAt: expires,
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Storage("claim job", err)
	}
	return lease, nil
}

// cas applies updates only if the entry still has the version it was read
// with.
func (q *Queue) cas(tx *gorm.DB, entry *models.QueueEntry, updates map[string]any) (bool, error) {
	updates["version"] = entry.Version + 1
	res := tx.Model(&models.QueueEntry{}).
		Where("id = ? AND version = ?", entry.ID, entry.Version).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (q *Queue) leased(tx *gorm.DB, lease *Lease) *gorm.DB {
	return tx.Model(&models.QueueEntry{}).
		Where("id = ? AND lease_token = ? AND state = ?", lease.EntryID, lease.Token, models.QueueActive)
}

// Extend pushes the lease expiry forward by the lease timeout.
func (q *Queue) Extend(ctx context.Context, lease *Lease) error {
	expires := q.now().Add(q.opts.LeaseTimeout)
	res := q.leased(q.db.WithContext(ctx), lease).Updates(map[string]any{
		"lease_expires_at": expires,
		"version":          gorm.Expr("version + 1"),
	})
	if res.Error != nil {
		return apperrors.Storage("extend lease", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	lease.ExpiresAt = expires
	return nil
}

// Progress records progress for the leased attempt and extends the lease.
// Progress never decreases within an attempt.
func (q *Queue) Progress(ctx context.Context, lease *Lease, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	expires := q.now().Add(q.opts.LeaseTimeout)
	res := q.leased(q.db.WithContext(ctx), lease).Updates(map[string]any{
		"progress":         gorm.Expr("CASE WHEN progress < ? THEN ? ELSE progress END", progress, progress),
		"lease_expires_at": expires,
		"version":          gorm.Expr("version + 1"),
	})
	if res.Error != nil {
		return apperrors.Storage("record progress", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	lease.ExpiresAt = expires
	return nil
}

// Ack finishes the leased attempt. A failure is retried after Backoff until
// MaxAttempts attempts were made; after that the entry fails for good.
func (q *Queue) Ack(ctx context.Context, lease *Lease, outcome Outcome) (*AckResult, error) {
	var result *AckResult
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.QueueEntry
		err := database.ForUpdate(tx, false).Where("id = ?", lease.EntryID).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrLeaseLost
		}
		if err != nil {
			return apperrors.Storage("load entry", err)
		}
		if entry.State != models.QueueActive || entry.LeaseToken != lease.Token {
			return ErrLeaseLost
		}

		now := q.now()
		updates := map[string]any{
			"lease_token":      "",
			"leased_by":        "",
			"lease_expires_at": nil,
		}

		if outcome.Err == nil {
			updates["state"] = models.QueueCompleted
			updates["progress"] = 100
			updates["finished_at"] = now
			updates["return_value"] = outcome.Result
			updates["last_error"] = ""
			result = &AckResult{State: models.QueueCompleted, Attempts: lease.Attempt}
		} else {
			attempts := entry.Attempts + 1
			msg := outcome.Err.Error()
			updates["attempts"] = attempts
			updates["last_error"] = msg
			updates["progress"] = 0
			result = &AckResult{Attempts: attempts, Error: msg}

			if attempts < entry.MaxAttempts {
				retryAt := now.Add(q.Backoff(attempts))
				updates["state"] = models.QueueDelayed
				updates["available_at"] = retryAt
				result.State = models.QueueDelayed
				result.RetryAt = retryAt
			} else {
				updates["state"] = models.QueueFailed
				updates["finished_at"] = now
				result.State = models.QueueFailed
			}
		}

		ok, err := q.cas(tx, &entry, updates)
		if err != nil {
			return apperrors.Storage("ack job", err)
		}
		if !ok {
			return ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Backoff is the delay before the retry that follows the given number of
// failed attempts: base, 2*base, 4*base and so on.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return q.opts.BackoffBase * time.Duration(1<<shift)
}

// Find returns the entry for jobID.
func (q *Queue) Find(ctx context.Context, jobID string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := q.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("queue entry for job %s", jobID)
	}
	if err != nil {
		return nil, apperrors.Storage("find entry", err)
	}
	return &entry, nil
}

// Query lists entries in the given states in delivery order. No states
// means every entry.
func (q *Queue) Query(ctx context.Context, limit int, states ...models.QueueState) ([]models.QueueEntry, error) {
	query := q.db.WithContext(ctx).Order("available_at ASC, enqueued_at ASC")
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []models.QueueEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, apperrors.Storage("query entries", err)
	}
	return entries, nil
}

// Counts returns the number of entries per state. Every state is present.
func (q *Queue) Counts(ctx context.Context) (map[models.QueueState]int64, error) {
	var rows []struct {
		State models.QueueState
		Count int64
	}
	err := q.db.WithContext(ctx).Model(&models.QueueEntry{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, apperrors.Storage("count entries", err)
	}

	counts := map[models.QueueState]int64{
		models.QueueWaiting:   0,
		models.QueueActive:    0,
		models.QueueDelayed:   0,
		models.QueueCompleted: 0,
		models.QueueFailed:    0,
	}
	for _, r := range rows {
		counts[r.State] = r.Count
	}
	return counts, nil
}

// Remove deletes the entry for jobID unless a worker holds it.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry models.QueueEntry
		err := database.ForUpdate(tx, false).Where("job_id = ?", jobID).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NotFound("queue entry for job %s", jobID)
		}
		if err != nil {
			return apperrors.Storage("load entry", err)
		}
		if entry.State == models.QueueActive && entry.LeaseExpiresAt != nil && entry.LeaseExpiresAt.After(q.now()) {
			return ErrJobActive
		}
		if err := tx.Delete(&models.QueueEntry{}, "id = ?", entry.ID).Error; err != nil {
			return apperrors.Storage("remove entry", err)
		}
		return nil
	})
}

// RetentionPolicy bounds how long finished entries are kept. Zero values
// disable the corresponding rule.
type RetentionPolicy struct {
	CompletedAge  time.Duration
	CompletedKeep int
	FailedAge     time.Duration
}

// Prune deletes finished entries outside the retention policy and returns
// how many were removed.
func (q *Queue) Prune(ctx context.Context, policy RetentionPolicy) (int64, error) {
	now := q.now()
	var removed int64
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if policy.CompletedAge > 0 {
			res := tx.Where("state = ? AND finished_at < ?", models.QueueCompleted, now.Add(-policy.CompletedAge)).
				Delete(&models.QueueEntry{})
			if res.Error != nil {
				return res.Error
			}
			removed += res.RowsAffected
		}
		if policy.CompletedKeep > 0 {
			newest := tx.Model(&models.QueueEntry{}).
				Select("id").
				Where("state = ?", models.QueueCompleted).
				Order("finished_at DESC").
				Limit(policy.CompletedKeep)
			res := tx.Where("state = ? AND id NOT IN (?)", models.QueueCompleted, newest).
				Delete(&models.QueueEntry{})
			if res.Error != nil {
				return res.Error
			}
			removed += res.RowsAffected
		}
		if policy.FailedAge > 0 {
			res := tx.Where("state = ? AND finished_at < ?", models.QueueFailed, now.Add(-policy.FailedAge)).
				Delete(&models.QueueEntry{})
			if res.Error != nil {
				return res.Error
			}
			removed += res.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, apperrors.Storage("prune entries", err)
	}
	return removed, nil
}

// ExpireWaiting fails entries that were never picked up within maxAge and
// returns their job ids.
func (q *Queue) ExpireWaiting(ctx context.Context, maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	now := q.now()
	var expired []string
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []models.QueueEntry
		err := database.ForUpdate(tx, true).
			Where("state = ? AND attempts = 0 AND enqueued_at < ?", models.QueueWaiting, now.Add(-maxAge)).
			Find(&entries).Error
		if err != nil {
			return err
		}
		for i := range entries {
			ok, err := q.cas(tx, &entries[i], map[string]any{
				"state":       models.QueueFailed,
				"finished_at": now,
				"last_error":  ExpiredMessage,
			})
			if err != nil {
				return err
			}
			if ok {
				expired = append(expired, entries[i].JobID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Storage("expire waiting entries", err)
	}
	return expired, nil
}

func (l *Lease) String() string {
	return fmt.Sprintf("job %s attempt %d", l.JobID, l.Attempt)
}
