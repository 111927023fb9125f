// Package sweeper applies the retention rules on a cron schedule. Only one
// process sweeps at a time.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"storf/internal/apperrors"
	"storf/internal/events"
	"storf/internal/lock"
	"storf/internal/models"
	"storf/internal/queue"
	"storf/internal/storage"
	"storf/internal/store"
)

const gcBatchSize = 200

type Queue interface {
	Prune(ctx context.Context, policy queue.RetentionPolicy) (int64, error)
	ExpireWaiting(ctx context.Context, maxAge time.Duration) ([]string, error)
	Remove(ctx context.Context, jobID string) error
}

type JobStore interface {
	Update(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error)
	List(ctx context.Context, f store.Filter) ([]models.Job, int64, error)
	Delete(ctx context.Context, id string) error
}

type Config struct {
	Schedule      string
	Retention     queue.RetentionPolicy
	PendingMaxAge time.Duration
	// JobRetention is how long finished job records and their files are
	// kept. Zero keeps them forever.
	JobRetention time.Duration
}

// Report summarizes one sweep.
type Report struct {
	Skipped bool
	Pruned  int64
	Expired int
	Removed int
}

func (r Report) String() string {
	if r.Skipped {
		return "skipped, another instance holds the lock"
	}
	return fmt.Sprintf("pruned %d queue entries, expired %d jobs, removed %d jobs", r.Pruned, r.Expired, r.Removed)
}

type Sweeper struct {
	queue   Queue
	jobs    JobStore
	storage *storage.Storage
	locker  lock.Locker
	bus     events.Bus
	cfg     Config
	now     func() time.Time
	// onRemove is called for every job garbage-collected.
	onRemove func(jobID string)
}

func New(q Queue, jobs JobStore, st *storage.Storage, locker lock.Locker, bus events.Bus, cfg Config) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	return &Sweeper{
		queue:   q,
		jobs:    jobs,
		storage: st,
		locker:  locker,
		bus:     bus,
		cfg:     cfg,
		now:     time.Now,
	}
}

// OnRemove registers fn to be told about removed jobs.
func (s *Sweeper) OnRemove(fn func(jobID string)) {
	s.onRemove = fn
}

// Start runs sweeps on the schedule until ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		report, err := s.RunOnce(ctx)
		if err != nil {
			log.Printf("Sweeper: sweep failed: %v", err)
			return
		}
		if !report.Skipped && (report.Pruned > 0 || report.Expired > 0 || report.Removed > 0) {
			log.Printf("Sweeper: %s", report)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	log.Printf("Sweeper: scheduled %s", s.cfg.Schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	log.Println("Sweeper stopped")
	return nil
}

// RunOnce performs one sweep if no other process is sweeping.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	ok, err := s.locker.TryAcquire(ctx, lock.SweeperLockID)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{Skipped: true}, nil
	}
	defer func() {
		if err := s.locker.Release(context.Background(), lock.SweeperLockID); err != nil {
			log.Printf("Sweeper: %v", err)
		}
	}()

	var report Report
	report.Pruned, err = s.queue.Prune(ctx, s.cfg.Retention)
	if err != nil {
		return report, err
	}
	report.Expired, err = s.expire(ctx)
	if err != nil {
		return report, err
	}
	report.Removed, err = s.collect(ctx)
	return report, err
}

// expire fails jobs that waited longer than PendingMaxAge for a worker.
func (s *Sweeper) expire(ctx context.Context) (int, error) {
	ids, err := s.queue.ExpireWaiting(ctx, s.cfg.PendingMaxAge)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		job, err := s.jobs.Update(ctx, id, func(j *models.Job) error {
			return j.Fail(j.Attempts, queue.ExpiredMessage)
		})
		if err != nil {
			log.Printf("Sweeper: job %s: failed to record expiry: %v", id, err)
			continue
		}
		log.Printf("Sweeper: job %s expired after waiting more than %s", id, s.cfg.PendingMaxAge)
		if s.bus != nil {
			if err := s.bus.Publish(ctx, events.FromJob(job)); err != nil {
				log.Printf("Sweeper: job %s: failed to publish event: %v", id, err)
			}
		}
	}
	return len(ids), nil
}

// collect deletes finished jobs older than JobRetention along with their
// queue entries and files.
func (s *Sweeper) collect(ctx context.Context) (int, error) {
	if s.cfg.JobRetention <= 0 {
		return 0, nil
	}
	jobs, _, err := s.jobs.List(ctx, store.Filter{
		States:        []models.JobState{models.JobCompleted, models.JobFailed},
		CreatedBefore: s.now().Add(-s.cfg.JobRetention),
		Limit:         gcBatchSize,
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, job := range jobs {
		err := s.queue.Remove(ctx, job.ID)
		if errors.Is(err, queue.ErrJobActive) {
			continue
		}
		if err != nil && !apperrors.IsNotFound(err) {
			return removed, err
		}
		if err := s.jobs.Delete(ctx, job.ID); err != nil && !apperrors.IsNotFound(err) {
			return removed, err
		}
		if err := s.storage.RemoveJob(job.ID); err != nil && !apperrors.IsNotFound(err) {
			log.Printf("Sweeper: job %s: failed to remove files: %v", job.ID, err)
		}
		if s.onRemove != nil {
			s.onRemove(job.ID)
		}
		removed++
	}
	return removed, nil
}
