package results

import (
	"context"

	"storf/internal/apperrors"
	"storf/internal/models"
	"storf/internal/storage"
)

// JobGetter loads job records.
type JobGetter interface {
	Get(ctx context.Context, id string) (*models.Job, error)
}

// Artifact is a downloadable file.
type Artifact struct {
	Content     []byte
	ContentType string
	Filename    string
}

// Materializer serves a job's artifacts from the job record when the bytes
// are embedded there, or from the shared jobs directory otherwise.
type Materializer struct {
	jobs    JobGetter
	storage *storage.Storage
}

func NewMaterializer(jobs JobGetter, st *storage.Storage) *Materializer {
	return &Materializer{jobs: jobs, storage: st}
}

// Download returns the requested artifact. Annotation and sequence files
// exist only for completed jobs; anything missing is NotFound.
func (m *Materializer) Download(ctx context.Context, jobID string, kind Kind) (*Artifact, error) {
	job, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if kind == KindLog {
		stdout, err := m.stdout(job)
		if err != nil {
			return nil, err
		}
		return &Artifact{Content: stdout, ContentType: ContentType(false), Filename: Filename(KindLog, false)}, nil
	}

	if job.State != models.JobCompleted {
		return nil, apperrors.NotFound("%s output for job %s", kind, jobID)
	}

	out, ok := m.output(job, kind)
	if !ok {
		return nil, apperrors.NotFound("%s output for job %s", kind, jobID)
	}

	content := out.Content
	if content == nil {
		content, err = m.storage.ReadOutput(jobID, out.Filename)
		if err != nil {
			if apperrors.IsNotFound(err) {
				return nil, apperrors.NotFound("%s output for job %s", kind, jobID)
			}
			return nil, err
		}
	}

	return &Artifact{
		Content:     content,
		ContentType: ContentType(out.Compressed),
		Filename:    Filename(kind, out.Compressed),
	}, nil
}

// output finds the artifact in the recorded result, falling back to
// scanning the output directory for jobs recorded without outputs.
func (m *Materializer) output(job *models.Job, kind Kind) (models.Output, bool) {
	if job.Result != nil {
		if out, ok := job.Result.Outputs[kind.LogicalName()]; ok {
			return out, true
		}
	}
	names, err := m.storage.ListOutputs(job.ID)
	if err != nil {
		return models.Output{}, false
	}
	for _, name := range names {
		k, compressed, ok := Classify(name)
		if ok && k == kind {
			return models.Output{Filename: name, Compressed: compressed}, true
		}
	}
	return models.Output{}, false
}

func (m *Materializer) stdout(job *models.Job) ([]byte, error) {
	data, err := m.storage.ReadLog(job.ID, storage.StdoutLog)
	if err == nil {
		return data, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}
	if job.Result != nil {
		return []byte(job.Result.Stdout), nil
	}
	return nil, apperrors.NotFound("log for job %s", job.ID)
}

// LogPreview returns the first n characters of the job's standard output, or
// "" when there is none yet.
func (m *Materializer) LogPreview(job *models.Job, n int) string {
	data, err := m.stdout(job)
	if err != nil {
		return ""
	}
	return Truncate(string(data), n)
}
