package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"storf/internal/apperrors"
	"storf/internal/auth"
	"storf/internal/models"
	"storf/internal/queue"
	"storf/internal/results"
	"storf/internal/status"
	"storf/internal/store"
	"storf/internal/submission"
)

// multipart framing and the options field on top of the file itself
const formOverhead = 1 << 20

type QueueInspector interface {
	Counts(ctx context.Context) (map[models.QueueState]int64, error)
	Query(ctx context.Context, limit int, states ...models.QueueState) ([]models.QueueEntry, error)
	ActiveWorkers(ctx context.Context) ([]models.Worker, error)
}

type JobLister interface {
	List(ctx context.Context, f store.Filter) ([]models.Job, int64, error)
}

// Deps are the services the handlers call.
type Deps struct {
	Submissions    *submission.Service
	Status         *status.Service
	Results        *results.Materializer
	Queue          QueueInspector
	Jobs           JobLister
	Issuer         *auth.Issuer
	PasswordHash   string
	MaxUploadBytes int64
	// Ping checks the backing stores for /healthz.
	Ping func(ctx context.Context) error
}

// Handler contains API handlers
type Handler struct {
	submissions    *submission.Service
	status         *status.Service
	results        *results.Materializer
	queue          QueueInspector
	jobs           JobLister
	issuer         *auth.Issuer
	passwordHash   string
	maxUploadBytes int64
	ping           func(ctx context.Context) error
}

// NewHandler creates a new API handler
func NewHandler(d Deps) *Handler {
	return &Handler{
		submissions:    d.Submissions,
		status:         d.Status,
		results:        d.Results,
		queue:          d.Queue,
		jobs:           d.Jobs,
		issuer:         d.Issuer,
		passwordHash:   d.PasswordHash,
		maxUploadBytes: d.MaxUploadBytes,
		ping:           d.Ping,
	}
}

// SubmitJob accepts a multipart upload with a "file" and an optional
// "options" JSON document.
func (h *Handler) SubmitJob(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+formOverhead)
	}

	file, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no file uploaded"})
		return
	}

	src, err := file.Open()
	if err != nil {
		respondError(c, apperrors.Storage("open upload", err))
		return
	}
	defer src.Close()

	job, err := h.submissions.Submit(c.Request.Context(), submission.Request{
		Filename: file.Filename,
		Content:  src,
		Options:  []byte(c.PostForm("options")),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobId": job.ID})
}

// GetJobStatus returns the reconciled status of a job
func (h *Handler) GetJobStatus(c *gin.Context) {
	st, err := h.status.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// DownloadArtifact serves gff, fasta or log as an attachment
func (h *Handler) DownloadArtifact(c *gin.Context) {
	kind, err := results.ParseKind(c.Param("type"))
	if err != nil {
		respondError(c, err)
		return
	}

	artifact, err := h.results.Download(c.Request.Context(), c.Param("id"), kind)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+artifact.Filename+`"`)
	c.Header("Content-Length", strconv.Itoa(len(artifact.Content)))
	c.Data(http.StatusOK, artifact.ContentType, artifact.Content)
}

// DeleteJob removes a job that no worker is running
func (h *Handler) DeleteJob(c *gin.Context) {
	jobID := c.Param("id")
	if err := h.submissions.Delete(c.Request.Context(), jobID); err != nil {
		respondError(c, err)
		return
	}
	h.status.Forget(jobID)
	c.JSON(http.StatusOK, gin.H{"deleted": jobID})
}

type LoginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login exchanges the admin password for a bearer token
func (h *Handler) Login(c *gin.Context) {
	if h.issuer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin API is not configured"})
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password is required"})
		return
	}
	if !auth.CheckPassword(h.passwordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	token, expires, err := h.issuer.Issue(auth.AdminSubject)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expires})
}

// QueueOverview shows queue depth, in-flight entries and live workers
func (h *Handler) QueueOverview(c *gin.Context) {
	ctx := c.Request.Context()
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	counts, err := h.queue.Counts(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	waiting, err := h.queue.Query(ctx, limit, models.QueueWaiting, models.QueueDelayed)
	if err != nil {
		respondError(c, err)
		return
	}
	active, err := h.queue.Query(ctx, limit, models.QueueActive)
	if err != nil {
		respondError(c, err)
		return
	}
	workers, err := h.queue.ActiveWorkers(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"counts":  counts,
		"waiting": waiting,
		"active":  active,
		"workers": workers,
	})
}

// ListJobs returns a page of job records
func (h *Handler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	filter := store.Filter{Limit: limit, Offset: offset}
	if s := c.Query("status"); s != "" {
		filter.States = []models.JobState{models.JobState(s)}
	}

	jobs, total, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Health reports whether the backing stores answer
func (h *Handler) Health(c *gin.Context) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			log.Printf("API: health check failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps the error taxonomy onto HTTP. Unexpected errors are
// logged and reported without detail.
func respondError(c *gin.Context, err error) {
	var verr *apperrors.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": verr.Messages()})
	case apperrors.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrJobActive):
		c.JSON(http.StatusConflict, gin.H{"error": "job is being processed"})
	case errors.Is(err, apperrors.ErrNoWorkerAvailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		log.Printf("API: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
