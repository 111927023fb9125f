package worker

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"storf/internal/apperrors"
	"storf/internal/events"
	"storf/internal/executor"
	"storf/internal/models"
	"storf/internal/queue"
	"storf/internal/results"
	"storf/internal/storage"
)

// Progress milestones reported for every attempt.
const (
	ProgressStaged    = 10
	ProgressStarted   = 20
	ProgressFinished  = 80
	ProgressCollected = 100
)

// Queue is the part of the work queue a worker consumes.
type Queue interface {
	Claim(ctx context.Context, workerID string) (*queue.Lease, error)
	Extend(ctx context.Context, lease *queue.Lease) error
	Progress(ctx context.Context, lease *queue.Lease, progress int) error
	Ack(ctx context.Context, lease *queue.Lease, outcome queue.Outcome) (*queue.AckResult, error)
	Heartbeat(ctx context.Context, w *models.Worker) error
	Deregister(ctx context.Context, workerID string) error
}

// JobStore loads and mutates job records.
type JobStore interface {
	Update(ctx context.Context, id string, fn func(job *models.Job) error) (*models.Job, error)
}

// Invoker runs the external analysis.
type Invoker interface {
	Execute(ctx context.Context, inv executor.Invocation, started func()) (*executor.Result, error)
}

type Config struct {
	ID                string
	Hostname          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LeaseTimeout      time.Duration
	// DrainTimeout bounds how long a claimed job may keep running after
	// shutdown starts. Zero lets it finish.
	DrainTimeout time.Duration
}

// Worker claims jobs from the queue and runs them one at a time.
type Worker struct {
	cfg       Config
	queue     Queue
	jobs      JobStore
	storage   *storage.Storage
	invoker   Invoker
	bus       events.Bus
	heartbeat *Heartbeat
}

func New(cfg Config, q Queue, jobs JobStore, st *storage.Storage, inv Invoker, bus events.Bus) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 30 * time.Second
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	return &Worker{
		cfg:       cfg,
		queue:     q,
		jobs:      jobs,
		storage:   st,
		invoker:   inv,
		bus:       bus,
		heartbeat: NewHeartbeat(q, cfg.ID, cfg.Hostname, cfg.HeartbeatInterval),
	}
}

func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run processes jobs until ctx is done. A job already claimed when ctx ends
// is finished and acknowledged before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("Worker %s: started", w.cfg.ID)
	// The registry entry stays fresh while a claimed job drains.
	go w.heartbeat.Start(context.WithoutCancel(ctx))
	defer func() {
		w.heartbeat.Stop()
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.queue.Deregister(dctx, w.cfg.ID); err != nil {
			log.Printf("Worker %s: failed to deregister: %v", w.cfg.ID, err)
		}
		log.Printf("Worker %s: stopped", w.cfg.ID)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			log.Printf("Worker %s: %v", w.cfg.ID, err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessNext claims and runs one job. It reports false when the queue had
// nothing to hand out. Cancelling ctx stops new claims only; see drain.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	lease, err := w.queue.Claim(ctx, w.cfg.ID)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}

	w.heartbeat.SetCurrentJob(lease.JobID)
	defer w.heartbeat.SetCurrentJob("")

	log.Printf("Worker %s: claimed job %s (attempt %d)", w.cfg.ID, lease.JobID, lease.Attempt)
	return true, w.process(ctx, lease)
}

func (w *Worker) process(ctx context.Context, lease *queue.Lease) error {
	work, release := w.drain(ctx, lease)
	defer release()

	renewCtx, stopRenew := context.WithCancel(work)
	go w.renew(renewCtx, lease)
	result, runErr := w.run(work, lease)
	stopRenew()

	// The outcome is recorded even when the drain deadline cut the run short.
	ctx = context.WithoutCancel(ctx)

	if runErr != nil {
		log.Printf("Worker %s: job %s attempt %d failed: %v", w.cfg.ID, lease.JobID, lease.Attempt, runErr)
		if err := w.storage.WriteLog(lease.JobID, storage.ErrorLog, []byte(runErr.Error())); err != nil && !apperrors.IsNotFound(err) {
			log.Printf("Worker %s: job %s: failed to write error log: %v", w.cfg.ID, lease.JobID, err)
		}
	}

	ack, err := w.queue.Ack(ctx, lease, queue.Outcome{Result: result, Err: runErr})
	if errors.Is(err, queue.ErrLeaseLost) {
		log.Printf("Worker %s: job %s attempt %d: lease lost, result discarded", w.cfg.ID, lease.JobID, lease.Attempt)
		return nil
	}
	if err != nil {
		return err
	}
	w.apply(ctx, lease, ack, result)
	return nil
}

// drain detaches the claimed job from shutdown. The returned context is
// cancelled only once DrainTimeout has passed after ctx ends.
func (w *Worker) drain(ctx context.Context, lease *queue.Lease) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		if w.cfg.DrainTimeout <= 0 {
			log.Printf("Worker %s: shutting down, finishing job %s first", w.cfg.ID, lease.JobID)
			return
		}
		log.Printf("Worker %s: shutting down, job %s has %s to finish", w.cfg.ID, lease.JobID, w.cfg.DrainTimeout)
		time.AfterFunc(w.cfg.DrainTimeout, cancel)
	})
	return work, func() {
		stop()
		cancel()
	}
}

// run executes one attempt: stage, invoke, collect.
func (w *Worker) run(ctx context.Context, lease *queue.Lease) (*models.Result, error) {
	job, err := w.jobs.Update(ctx, lease.JobID, func(j *models.Job) error {
		return j.Start(lease.Attempt)
	})
	if err != nil {
		return nil, err
	}

	input, outDir, err := w.stage(job)
	if err != nil {
		return nil, err
	}
	w.report(ctx, lease, ProgressStaged)

	res, err := w.invoker.Execute(ctx, executor.Invocation{
		JobID:     job.ID,
		Attempt:   lease.Attempt,
		InputPath: input,
		OutputDir: outDir,
		Options:   job.Options,
	}, func() {
		w.report(ctx, lease, ProgressStarted)
	})
	if res != nil {
		if logErr := w.writeLogs(job.ID, res); logErr != nil && err == nil {
			err = logErr
		}
	}
	if err != nil {
		return nil, err
	}
	w.report(ctx, lease, ProgressFinished)

	embed := job.Input.Kind == models.InputEmbedded
	outputs, err := results.Capture(outDir, embed)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, apperrors.Execution(lease.Attempt, nil, "analysis produced no annotation or sequence output")
	}
	w.report(ctx, lease, ProgressCollected)

	return &models.Result{
		Stdout:  string(res.Stdout),
		Stderr:  string(res.Stderr),
		Outputs: outputs,
	}, nil
}

// stage makes the input available on local disk and gives the attempt an
// empty output directory. Only this step depends on the input variant.
func (w *Worker) stage(job *models.Job) (input, outDir string, err error) {
	switch job.Input.Kind {
	case models.InputEmbedded:
		input, err = w.storage.Materialize(job.ID, job.Filename, job.Input.Content)
		if err != nil {
			return "", "", err
		}
	default:
		if _, err := os.Stat(job.Input.Path); err != nil {
			return "", "", apperrors.Storage("stat input", err)
		}
		input = job.Input.Path
	}

	outDir, err = w.storage.ResetOutputDir(job.ID)
	if err != nil {
		return "", "", err
	}
	return input, outDir, nil
}

func (w *Worker) writeLogs(jobID string, res *executor.Result) error {
	if err := w.storage.WriteLog(jobID, storage.StdoutLog, res.Stdout); err != nil {
		return err
	}
	return w.storage.WriteLog(jobID, storage.StderrLog, res.Stderr)
}

// report records progress in the queue and the job record and announces it.
// Failures are logged; progress is advisory.
func (w *Worker) report(ctx context.Context, lease *queue.Lease, progress int) {
	if err := w.queue.Progress(ctx, lease, progress); err != nil {
		log.Printf("Worker %s: job %s: failed to record progress %d: %v", w.cfg.ID, lease.JobID, progress, err)
	}
	job, err := w.jobs.Update(ctx, lease.JobID, func(j *models.Job) error {
		return j.SetProgress(lease.Attempt, progress)
	})
	if err != nil {
		log.Printf("Worker %s: job %s: failed to store progress %d: %v", w.cfg.ID, lease.JobID, progress, err)
		return
	}
	w.publish(ctx, job)
}

// apply mirrors the queue's decision into the job record.
func (w *Worker) apply(ctx context.Context, lease *queue.Lease, ack *queue.AckResult, result *models.Result) {
	job, err := w.jobs.Update(ctx, lease.JobID, func(j *models.Job) error {
		switch ack.State {
		case models.QueueCompleted:
			return j.Complete(result)
		case models.QueueDelayed:
			return j.Retry(ack.Attempts)
		default:
			return j.Fail(ack.Attempts, ack.Error)
		}
	})
	var invalid *models.ErrInvalidTransition
	if errors.As(err, &invalid) {
		// Already reconciled from the queue by a status read.
		return
	}
	if err != nil {
		log.Printf("Worker %s: job %s: failed to record %s: %v", w.cfg.ID, lease.JobID, ack.State, err)
		return
	}

	switch ack.State {
	case models.QueueCompleted:
		log.Printf("Worker %s: job %s completed (attempt %d)", w.cfg.ID, lease.JobID, lease.Attempt)
	case models.QueueDelayed:
		log.Printf("Worker %s: job %s will retry at %s (attempt %d failed)", w.cfg.ID, lease.JobID, ack.RetryAt.Format(time.RFC3339), ack.Attempts)
	default:
		log.Printf("Worker %s: job %s failed after %d attempts: %s", w.cfg.ID, lease.JobID, ack.Attempts, ack.Error)
	}
	w.publish(ctx, job)
}

func (w *Worker) publish(ctx context.Context, job *models.Job) {
	if w.bus == nil {
		return
	}
	if err := w.bus.Publish(ctx, events.FromJob(job)); err != nil {
		log.Printf("Worker %s: job %s: failed to publish event: %v", w.cfg.ID, job.ID, err)
	}
}

// renew extends the lease until ctx is cancelled.
func (w *Worker) renew(ctx context.Context, lease *queue.Lease) {
	ticker := time.NewTicker(w.cfg.LeaseTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Extend(ctx, lease); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Worker %s: job %s: failed to extend lease: %v", w.cfg.ID, lease.JobID, err)
				if errors.Is(err, queue.ErrLeaseLost) {
					return
				}
			}
		}
	}
}
