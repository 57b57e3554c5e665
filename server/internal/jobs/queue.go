package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/obot-platform/leadqueue/server/internal/config"
	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

const (
	// ResourceTypeAssignment keys assignment_sync jobs by log entry id.
	ResourceTypeAssignment = "assignment"

	defaultPriority    = 10
	defaultMaxAttempts = 3
)

// ErrJobAlreadyExists is returned when a pending or running job already
// covers the payload's resource.
var ErrJobAlreadyExists = errors.New("job already exists for resource")

// Queue persists jobs for the dispatcher and wakes it after each enqueue.
type Queue struct {
	store      *store.Store
	cfg        *config.Config
	notifyFunc func()
}

// NewQueue creates a new job queue helper.
func NewQueue(s *store.Store, cfg *config.Config) *Queue {
	return &Queue{store: s, cfg: cfg}
}

// SetNotifyFunc sets the function called after each enqueue, typically
// dispatcher.NotifyNewJob.
func (q *Queue) SetNotifyFunc(f func()) {
	q.notifyFunc = f
}

// Enqueue stores payload as a pending job. A payload whose resource already
// has an active job is rejected with ErrJobAlreadyExists.
func (q *Queue) Enqueue(ctx context.Context, payload JobPayload) error {
	resType, resID := payload.ResourceKey()

	exists, err := q.store.HasActiveJobForResource(ctx, resType, resID)
	if err != nil {
		return err
	}
	if exists {
		return ErrJobAlreadyExists
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", payload.JobType(), err)
	}

	maxAttempts := defaultMaxAttempts
	if q.cfg != nil && q.cfg.JobMaxAttempts > 0 {
		maxAttempts = q.cfg.JobMaxAttempts
	}

	job := &model.Job{
		Type:         string(payload.JobType()),
		Payload:      data,
		Status:       string(model.JobStatusPending),
		MaxAttempts:  maxAttempts,
		Priority:     defaultPriority,
		ResourceType: &resType,
		ResourceID:   &resID,
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return err
	}

	if q.notifyFunc != nil {
		q.notifyFunc()
	}
	return nil
}

// EnqueueAssignmentSync queues the CRM push for a committed log entry.
func (q *Queue) EnqueueAssignmentSync(ctx context.Context, entry *model.DistributionLogEntry) error {
	return q.Enqueue(ctx, AssignmentSyncPayload{
		EntryID:              entry.ID,
		UnitID:               entry.UnitID,
		LeadID:               entry.LeadID,
		AgentID:              entry.AgentID,
		PositionInQueue:      entry.PositionInQueue,
		TotalInQueue:         entry.TotalInQueue,
		PreviousOwnerAgentID: entry.PreviousOwnerAgentID,
		AssignedAt:           entry.AssignedAt,
	})
}
