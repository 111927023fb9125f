// Package status answers "what is this job doing" by reconciling the work
// queue's live view into the job store.
package status

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"storf/internal/apperrors"
	"storf/internal/events"
	"storf/internal/models"
	"storf/internal/queue"
	"storf/internal/results"
)

// Status is what clients see for a job.
type Status struct {
	JobID      string            `json:"jobId"`
	State      models.JobState   `json:"status"`
	Progress   int               `json:"progress"`
	Attempts   int               `json:"attempts"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	LogPreview string            `json:"logPreview,omitempty"`
	Error      string            `json:"error,omitempty"`
	Condition  string            `json:"condition,omitempty"`
}

type JobStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	Update(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error)
}

type QueueReader interface {
	Find(ctx context.Context, jobID string) (*models.QueueEntry, error)
	Condition(ctx context.Context, entry *models.QueueEntry, threshold time.Duration) (string, error)
}

// LogPreviewer renders the start of a job's standard output.
type LogPreviewer interface {
	LogPreview(job *models.Job, n int) string
}

type Config struct {
	// CacheTTL is how long an event keeps a job fresh enough to skip the
	// queue lookup.
	CacheTTL       time.Duration
	StuckThreshold time.Duration
	LogPreview     int
}

const maxCachedTerminal = 10000

var errUnchanged = errors.New("status: nothing to reconcile")

type Service struct {
	jobs    JobStore
	queue   QueueReader
	preview LogPreviewer
	cfg     Config
	now     func() time.Time

	mu       sync.Mutex
	terminal map[string]Status
	fresh    map[string]time.Time
}

func NewService(jobs JobStore, q QueueReader, preview LogPreviewer, cfg Config) *Service {
	if cfg.LogPreview <= 0 {
		cfg.LogPreview = 5000
	}
	return &Service{
		jobs:     jobs,
		queue:    q,
		preview:  preview,
		cfg:      cfg,
		now:      time.Now,
		terminal: make(map[string]Status),
		fresh:    make(map[string]time.Time),
	}
}

// Get returns the job's status. Once a job is seen completed or failed the
// answer never changes until Forget.
func (s *Service) Get(ctx context.Context, jobID string) (*Status, error) {
	if st, ok := s.cached(jobID); ok {
		return &st, nil
	}

	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var entry *models.QueueEntry
	if !job.State.Terminal() && !s.isFresh(jobID) {
		entry, err = s.queue.Find(ctx, jobID)
		switch {
		case apperrors.IsNotFound(err):
			entry = nil
		case err != nil:
			return nil, err
		default:
			job = s.reconcile(ctx, job, entry)
		}
	}

	st := s.build(job)
	if !job.State.Terminal() && entry != nil {
		cond, err := s.queue.Condition(ctx, entry, s.cfg.StuckThreshold)
		if err != nil {
			log.Printf("Status: job %s: failed to check queue condition: %v", jobID, err)
		}
		st.Condition = cond
		if cond == queue.ConditionNoWorkers {
			st.Error = apperrors.ErrNoWorkerAvailable.Error()
		}
	}

	if job.State.Terminal() {
		s.remember(st)
	}
	return &st, nil
}

// reconcile refreshes the store record from the queue's view. It is best
// effort: a failed write leaves the stored view in place.
func (s *Service) reconcile(ctx context.Context, job *models.Job, entry *models.QueueEntry) *models.Job {
	if !needsReconcile(job, entry) {
		return job
	}
	updated, err := s.jobs.Update(ctx, job.ID, func(j *models.Job) error {
		if !needsReconcile(j, entry) {
			return errUnchanged
		}
		return apply(j, entry)
	})
	var invalid *models.ErrInvalidTransition
	switch {
	case err == nil:
		log.Printf("Status: job %s reconciled to %s (queue %s)", job.ID, updated.State, entry.State)
		return updated
	case errors.Is(err, errUnchanged), errors.As(err, &invalid):
		if fresh, err := s.jobs.Get(ctx, job.ID); err == nil {
			return fresh
		}
		return job
	default:
		log.Printf("Status: job %s: failed to reconcile with queue: %v", job.ID, err)
		return job
	}
}

// needsReconcile reports whether the queue knows more than the record.
func needsReconcile(j *models.Job, e *models.QueueEntry) bool {
	if j.State.Terminal() {
		return false
	}
	switch e.State {
	case models.QueueActive:
		attempt := e.Attempts + 1
		return j.State != models.JobRunning || attempt > j.Attempts ||
			(attempt == j.Attempts && e.Progress > j.Progress)
	case models.QueueDelayed:
		return j.State != models.JobRunning || e.Attempts > j.Attempts
	case models.QueueCompleted, models.QueueFailed:
		return true
	default:
		return false
	}
}

func apply(j *models.Job, e *models.QueueEntry) error {
	switch e.State {
	case models.QueueActive:
		return j.SetProgress(e.Attempts+1, e.Progress)
	case models.QueueDelayed:
		return j.Retry(e.Attempts)
	case models.QueueCompleted:
		return j.Complete(e.ReturnValue)
	default:
		return j.Fail(e.Attempts, e.LastError)
	}
}

func (s *Service) build(job *models.Job) Status {
	st := Status{
		JobID:     job.ID,
		State:     job.State,
		Progress:  job.Progress,
		Attempts:  job.Attempts,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Error:     job.Error,
	}
	if job.State == models.JobCompleted && job.Result != nil {
		st.Outputs = make(map[string]string)
		for _, kind := range []results.Kind{results.KindGFF, results.KindFASTA} {
			if out, ok := job.Result.Outputs[kind.LogicalName()]; ok {
				st.Outputs[string(kind)] = out.Filename
			}
		}
	}
	if job.State.Terminal() && s.preview != nil {
		st.LogPreview = s.preview.LogPreview(job, s.cfg.LogPreview)
	}
	return st
}

// Observe records an event. A running job with a recent event is served from
// the store without asking the queue.
func (s *Service) Observe(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.State.Terminal() {
		delete(s.fresh, ev.JobID)
		return
	}
	s.fresh[ev.JobID] = s.now()
}

// Watch feeds events from bus into the service until ctx is done.
func (s *Service) Watch(ctx context.Context, bus events.Bus) error {
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range ch {
		s.Observe(ev)
	}
	return nil
}

// Forget drops everything cached for the job.
func (s *Service) Forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.terminal, jobID)
	delete(s.fresh, jobID)
}

func (s *Service) cached(jobID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.terminal[jobID]
	return st, ok
}

func (s *Service) isFresh(jobID string) bool {
	if s.cfg.CacheTTL <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.fresh[jobID]
	if !ok {
		return false
	}
	if s.now().Sub(seen) > s.cfg.CacheTTL {
		delete(s.fresh, jobID)
		return false
	}
	return true
}

func (s *Service) remember(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.terminal) >= maxCachedTerminal {
		s.terminal = make(map[string]Status)
	}
	s.terminal[st.JobID] = st
	delete(s.fresh, st.JobID)
}
