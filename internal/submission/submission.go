// Package submission accepts genome uploads, records them as jobs and hands
// them to the work queue.
package submission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"storf/internal/apperrors"
	"storf/internal/config"
	"storf/internal/events"
	"storf/internal/models"
	"storf/internal/options"
	"storf/internal/queue"
	"storf/internal/storage"
)

var fastaExtensions = map[string]bool{
	".fa":    true,
	".fasta": true,
	".fna":   true,
}

type JobStore interface {
	Create(ctx context.Context, job *models.Job) error
	Delete(ctx context.Context, id string) error
}

type Queue interface {
	Enqueue(ctx context.Context, jobID string) (*models.QueueEntry, error)
	Remove(ctx context.Context, jobID string) error
}

// Request is one upload.
type Request struct {
	Filename string
	Content  io.Reader
	// Options is the raw options document; empty means defaults.
	Options []byte
}

type Config struct {
	// Mode is config.StorageShared or config.StorageEmbedded.
	Mode           string
	MaxUploadBytes int64
}

type Service struct {
	jobs    JobStore
	queue   Queue
	storage *storage.Storage
	bus     events.Bus
	cfg     Config
}

func NewService(jobs JobStore, q Queue, st *storage.Storage, bus events.Bus, cfg Config) *Service {
	if cfg.Mode == "" {
		cfg.Mode = config.StorageShared
	}
	return &Service{jobs: jobs, queue: q, storage: st, bus: bus, cfg: cfg}
}

// ValidFilename reports whether name looks like a FASTA file.
func ValidFilename(name string) bool {
	return fastaExtensions[strings.ToLower(filepath.Ext(name))]
}

// Submit validates req, records the job and enqueues it. Nothing is left
// behind when any step fails.
func (s *Service) Submit(ctx context.Context, req Request) (*models.Job, error) {
	verr := &apperrors.ValidationError{}
	opts, err := options.Parse(req.Options)
	if err != nil {
		var optErr *apperrors.ValidationError
		if !errors.As(err, &optErr) {
			return nil, err
		}
		verr.Errors = append(verr.Errors, optErr.Errors...)
	}
	if req.Content == nil {
		verr.Addf("no file uploaded")
	}
	if req.Filename == "" || !ValidFilename(req.Filename) {
		verr.Addf("file must be a FASTA file (.fa, .fasta or .fna)")
	}
	if verr.HasError() {
		return nil, verr
	}

	job := &models.Job{
		ID:       uuid.New().String(),
		Filename: filepath.Base(req.Filename),
		Options:  opts,
		State:    models.JobPending,
	}

	input, err := s.stageInput(job.ID, job.Filename, req.Content)
	if err != nil {
		return nil, err
	}
	if input.Size == 0 {
		s.cleanupFiles(job.ID)
		verr.Addf("uploaded file is empty")
		return nil, verr
	}
	job.Input = input

	if err := s.jobs.Create(ctx, job); err != nil {
		s.cleanupFiles(job.ID)
		return nil, err
	}
	if _, err := s.queue.Enqueue(ctx, job.ID); err != nil {
		if derr := s.jobs.Delete(ctx, job.ID); derr != nil {
			log.Printf("Submission: job %s: failed to delete record after enqueue failure: %v", job.ID, derr)
		}
		s.cleanupFiles(job.ID)
		return nil, apperrors.Storage("enqueue job", err)
	}

	log.Printf("Submission: job %s queued (%s, %d bytes, %s)", job.ID, job.Filename, job.Input.Size, job.Input.Kind)
	if s.bus != nil {
		if err := s.bus.Publish(ctx, events.FromJob(job)); err != nil {
			log.Printf("Submission: job %s: failed to publish event: %v", job.ID, err)
		}
	}
	return job, nil
}

// stageInput stores the upload on the shared volume, or keeps the bytes for
// the record when workers share no filesystem with the server.
func (s *Service) stageInput(jobID, filename string, r io.Reader) (models.InputRef, error) {
	if s.cfg.Mode == config.StorageEmbedded {
		src := r
		if s.cfg.MaxUploadBytes > 0 {
			src = io.LimitReader(r, s.cfg.MaxUploadBytes+1)
		}
		content, err := io.ReadAll(src)
		if err != nil {
			return models.InputRef{}, apperrors.Storage("read upload", err)
		}
		if s.cfg.MaxUploadBytes > 0 && int64(len(content)) > s.cfg.MaxUploadBytes {
			verr := &apperrors.ValidationError{}
			verr.Addf("file exceeds the %d byte upload limit", s.cfg.MaxUploadBytes)
			return models.InputRef{}, verr
		}
		sum := sha256.Sum256(content)
		return models.InputRef{
			Kind:    models.InputEmbedded,
			Content: content,
			SHA256:  hex.EncodeToString(sum[:]),
			Size:    int64(len(content)),
		}, nil
	}

	path, hash, size, err := s.storage.SaveInput(jobID, filename, r, s.cfg.MaxUploadBytes)
	if err != nil {
		return models.InputRef{}, err
	}
	return models.InputRef{Kind: models.InputPath, Path: path, SHA256: hash, Size: size}, nil
}

func (s *Service) cleanupFiles(jobID string) {
	if err := s.storage.RemoveJob(jobID); err != nil {
		log.Printf("Submission: job %s: failed to remove files: %v", jobID, err)
	}
}

// Delete removes a job's queue entry, record and files. A job a worker is
// running cannot be deleted.
func (s *Service) Delete(ctx context.Context, jobID string) error {
	err := s.queue.Remove(ctx, jobID)
	if errors.Is(err, queue.ErrJobActive) {
		return err
	}
	if err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	if err := s.jobs.Delete(ctx, jobID); err != nil {
		return err
	}
	if err := s.storage.RemoveJob(jobID); err != nil && !apperrors.IsNotFound(err) {
		return err
	}
	log.Printf("Submission: job %s deleted", jobID)
	return nil
}
