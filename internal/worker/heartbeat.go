package worker

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"storf/internal/models"
)

// Registry records worker liveness.
type Registry interface {
	Heartbeat(ctx context.Context, w *models.Worker) error
}

// Heartbeat keeps a worker's registry entry fresh
type Heartbeat struct {
	registry Registry
	workerID string
	hostname string
	interval time.Duration

	mu         sync.Mutex
	status     models.WorkerStatus
	currentJob string
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewHeartbeat creates a new heartbeat manager
func NewHeartbeat(r Registry, workerID, hostname string, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		registry: r,
		workerID: workerID,
		hostname: hostname,
		interval: interval,
		status:   models.WorkerIdle,
		stopChan: make(chan struct{}),
	}
}

// Start starts the heartbeat loop
func (h *Heartbeat) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	// Send initial heartbeat
	h.sendHeartbeat(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.sendHeartbeat(ctx)
		}
	}
}

// Stop stops the heartbeat loop
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// SetCurrentJob marks the worker busy with jobID, or idle for "".
func (h *Heartbeat) SetCurrentJob(jobID string) {
	h.mu.Lock()
	h.currentJob = jobID
	if jobID != "" {
		h.status = models.WorkerBusy
	} else {
		h.status = models.WorkerIdle
	}
	h.mu.Unlock()
}

func (h *Heartbeat) snapshot() *models.Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &models.Worker{
		ID:           h.workerID,
		Hostname:     h.hostname,
		PID:          os.Getpid(),
		Status:       h.status,
		CurrentJobID: h.currentJob,
	}
}

func (h *Heartbeat) sendHeartbeat(ctx context.Context) {
	if err := h.registry.Heartbeat(ctx, h.snapshot()); err != nil && ctx.Err() == nil {
		log.Printf("Worker %s: failed to send heartbeat: %v", h.workerID, err)
	}
}
