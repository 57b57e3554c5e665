package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus is the lifecycle state of a queued CRM push.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Job is one unit of deferred work, today always the CRM push of a
// committed assignment. ResourceType/ResourceID point at the log entry so a
// second push for the same entry is never queued while one is active.
type Job struct {
	ID           string          `gorm:"primaryKey;type:text" json:"id"`
	Type         string          `gorm:"not null;type:text;index:idx_job_status_type" json:"type"`
	Payload      json.RawMessage `gorm:"type:text;not null" json:"payload"`
	Status       string          `gorm:"not null;type:text;default:pending;index:idx_job_status_type" json:"status"`
	Priority     int             `gorm:"not null;default:0;index" json:"priority"`
	Attempts     int             `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int             `gorm:"column:max_attempts;not null;default:3" json:"max_attempts"`
	Error        *string         `gorm:"type:text" json:"error,omitempty"`
	WorkerID     *string         `gorm:"column:worker_id;type:text" json:"worker_id,omitempty"`
	ResourceType *string         `gorm:"column:resource_type;type:text;index:idx_job_resource" json:"resource_type,omitempty"`
	ResourceID   *string         `gorm:"column:resource_id;type:text;index:idx_job_resource" json:"resource_id,omitempty"`
	ScheduledAt  time.Time       `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	StartedAt    *time.Time      `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

func (j *Job) BeforeCreate(*gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = string(JobStatusPending)
	}
	if j.ScheduledAt.IsZero() {
		j.ScheduledAt = time.Now().UTC()
	}
	return nil
}

// LeaderRowID keys the one dispatcher_leaders row replicas compete for.
const LeaderRowID = "singleton"

// DispatcherLeader records which replica drains the job table. A leader
// whose HeartbeatAt goes stale may be replaced by any other replica.
type DispatcherLeader struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	ServerID    string    `gorm:"column:server_id;not null;type:text" json:"server_id"`
	HeartbeatAt time.Time `gorm:"column:heartbeat_at;not null" json:"heartbeat_at"`
	AcquiredAt  time.Time `gorm:"column:acquired_at;not null" json:"acquired_at"`
}

func (DispatcherLeader) TableName() string { return "dispatcher_leaders" }
