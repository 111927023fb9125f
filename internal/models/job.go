package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"storf/internal/options"
)

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// ValidTransitions lists the states a job may move to from each state.
// Completed and failed have no entry: once reached they never change.
var ValidTransitions = map[JobState][]JobState{
	JobPending: {JobRunning, JobCompleted, JobFailed},
	JobRunning: {JobRunning, JobCompleted, JobFailed},
}

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

const (
	InputPath     = "path"
	InputEmbedded = "embedded"
)

// InputRef points at the uploaded genome: either a file in the shared jobs
// directory or the bytes themselves when no filesystem is shared.
type InputRef struct {
	Kind    string `gorm:"type:varchar(16);not null;default:'path'" json:"kind"`
	Path    string `gorm:"type:varchar(500)" json:"path,omitempty"`
	Content []byte `json:"-"`
	SHA256  string `gorm:"type:varchar(64)" json:"sha256"`
	Size    int64  `json:"size"`
}

// Output is one artifact produced by a successful run.
type Output struct {
	Filename   string `json:"filename"`
	Location   string `json:"location,omitempty"`
	Content    []byte `json:"content,omitempty"`
	Compressed bool   `json:"compressed"`
}

// Result is what a completed run leaves behind.
type Result struct {
	Stdout  string            `json:"stdout"`
	Stderr  string            `json:"stderr"`
	Outputs map[string]Output `json:"outputs"`
}

// Value stores a Result as a JSON document.
func (r Result) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r *Result) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("cannot scan %T into Result", value)
	}
}

type Job struct {
	ID        string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Filename  string          `gorm:"not null;type:varchar(255)" json:"filename"`
	Input     InputRef        `gorm:"embedded;embeddedPrefix:input_" json:"input"`
	Options   options.Options `gorm:"serializer:json;type:text" json:"options"`
	State     JobState        `gorm:"not null;type:varchar(20);default:'pending';index" json:"state"`
	Progress  int             `gorm:"default:0" json:"progress"`
	Attempts  int             `gorm:"default:0" json:"attempts"`
	Result    *Result         `gorm:"type:text" json:"result,omitempty"`
	Error     string          `gorm:"type:text" json:"error,omitempty"`
	CreatedAt time.Time       `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}

// ErrInvalidTransition is returned when a job is asked to leave a terminal
// state or skip back to pending.
type ErrInvalidTransition struct {
	From JobState
	To   JobState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid job transition %s -> %s", e.From, e.To)
}

func (j *Job) transition(next JobState) error {
	if !j.State.CanTransitionTo(next) {
		return &ErrInvalidTransition{From: j.State, To: next}
	}
	j.State = next
	return nil
}

// Start marks the beginning of an attempt. Progress restarts at zero only
// when the attempt number grows; a lease reclaimed for the same attempt keeps
// what was already reported.
func (j *Job) Start(attempt int) error {
	fresh := j.State == JobPending || attempt > j.Attempts
	if err := j.transition(JobRunning); err != nil {
		return err
	}
	if attempt > j.Attempts {
		j.Attempts = attempt
	}
	if fresh {
		j.Progress = 0
	}
	j.Error = ""
	return nil
}

// SetProgress records progress of the current attempt. Lower values than
// already recorded are ignored.
func (j *Job) SetProgress(attempt, progress int) error {
	if j.State.Terminal() {
		return &ErrInvalidTransition{From: j.State, To: JobRunning}
	}
	if j.State == JobPending || attempt > j.Attempts {
		if err := j.Start(attempt); err != nil {
			return err
		}
	}
	if progress > 100 {
		progress = 100
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	return nil
}

// Retry records a failed attempt that will run again after backoff. The
// failure reason stays on the queue entry until the job fails for good.
func (j *Job) Retry(attempts int) error {
	if err := j.transition(JobRunning); err != nil {
		return err
	}
	j.Attempts = attempts
	j.Progress = 0
	j.Error = ""
	return nil
}

func (j *Job) Complete(result *Result) error {
	if err := j.transition(JobCompleted); err != nil {
		return err
	}
	j.Progress = 100
	j.Result = result
	j.Error = ""
	return nil
}

func (j *Job) Fail(attempts int, reason string) error {
	if err := j.transition(JobFailed); err != nil {
		return err
	}
	if attempts > j.Attempts {
		j.Attempts = attempts
	}
	j.Error = reason
	return nil
}
