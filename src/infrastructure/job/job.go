package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrJobNotFound = errors.New("job not found")

// TaskType names the kind of work a job carries.
type TaskType string

// Status is the lifecycle state of a background job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one unit of background work. The queue carries only the job id
// and payload; this row is the source of truth for its state.
type Job struct {
	ID        int64           `gorm:"primaryKey" json:"id"`
	TaskType  TaskType        `gorm:"not null" json:"task_type"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `gorm:"not null" json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Repository persists jobs and their status transitions.
type Repository interface {
	Create(ctx context.Context, taskType TaskType, payload json.RawMessage) (*Job, error)
	GetByID(ctx context.Context, id int64) (*Job, error)
	UpdateStatus(ctx context.Context, id int64, status Status, errMsg string) error
}
