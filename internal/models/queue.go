package models

import "time"

type QueueState string

const (
	QueueWaiting   QueueState = "waiting"
	QueueActive    QueueState = "active"
	QueueDelayed   QueueState = "delayed"
	QueueCompleted QueueState = "completed"
	QueueFailed    QueueState = "failed"
)

func (s QueueState) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// QueueEntry is the queue's own bookkeeping for a job. It is authoritative
// for lease ownership and attempt counts; the job record mirrors it.
type QueueEntry struct {
	ID             string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	JobID          string     `gorm:"not null;type:varchar(36);uniqueIndex" json:"job_id"`
	State          QueueState `gorm:"not null;type:varchar(20);default:'waiting';index:idx_queue_state_available,priority:1" json:"state"`
	Attempts       int        `gorm:"default:0" json:"attempts"`
	MaxAttempts    int        `gorm:"default:3" json:"max_attempts"`
	Progress       int        `gorm:"default:0" json:"progress"`
	LeaseToken     string     `gorm:"type:varchar(36)" json:"-"`
	LeasedBy       string     `gorm:"type:varchar(255)" json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	StalledCount   int        `gorm:"default:0" json:"stalled_count"`
	AvailableAt    time.Time  `gorm:"not null;index:idx_queue_state_available,priority:2" json:"available_at"`
	EnqueuedAt     time.Time  `gorm:"not null" json:"enqueued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `gorm:"index" json:"finished_at,omitempty"`
	LastError      string     `gorm:"type:text" json:"last_error,omitempty"`
	ReturnValue    *Result    `gorm:"type:text" json:"return_value,omitempty"`
	Version        int64      `gorm:"default:0" json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (QueueEntry) TableName() string {
	return "queue_entries"
}

type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerStopped WorkerStatus = "stopped"
)

// Worker is a registered queue consumer. A worker whose heartbeat is older
// than the queue's worker timeout is not counted as alive.
type Worker struct {
	ID            string       `gorm:"primaryKey;type:varchar(255)" json:"id"`
	Hostname      string       `gorm:"not null;type:varchar(255)" json:"hostname"`
	PID           int          `json:"pid"`
	Status        WorkerStatus `gorm:"not null;type:varchar(20);default:'idle'" json:"status"`
	CurrentJobID  string       `gorm:"type:varchar(36)" json:"current_job_id,omitempty"`
	RegisteredAt  time.Time    `gorm:"not null" json:"registered_at"`
	LastHeartbeat time.Time    `gorm:"not null;index" json:"last_heartbeat"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (Worker) TableName() string {
	return "workers"
}
