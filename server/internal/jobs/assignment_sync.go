package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/obot-platform/leadqueue/server/internal/crm"
	"github.com/obot-platform/leadqueue/server/internal/model"
)

// Pusher delivers an assignment to the CRM.
type Pusher interface {
	PushAssignment(ctx context.Context, a crm.Assignment) error
}

// AssignmentSyncExecutor handles assignment_sync jobs.
type AssignmentSyncExecutor struct {
	pusher Pusher
}

// NewAssignmentSyncExecutor creates a new assignment sync executor.
func NewAssignmentSyncExecutor(p Pusher) *AssignmentSyncExecutor {
	return &AssignmentSyncExecutor{pusher: p}
}

// Type returns the job type this executor handles.
func (e *AssignmentSyncExecutor) Type() JobType {
	return JobTypeAssignmentSync
}

// Execute processes the job.
func (e *AssignmentSyncExecutor) Execute(ctx context.Context, job *model.Job) error {
	if e.pusher == nil {
		return fmt.Errorf("crm client not available")
	}

	var payload AssignmentSyncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if payload.UnitID == "" || payload.LeadID == "" || payload.AgentID == "" {
		return fmt.Errorf("unitId, leadId and agentId are required")
	}

	return e.pusher.PushAssignment(ctx, crm.Assignment{
		EntryID:              payload.EntryID,
		UnitID:               payload.UnitID,
		LeadID:               payload.LeadID,
		AgentID:              payload.AgentID,
		PositionInQueue:      payload.PositionInQueue,
		TotalInQueue:         payload.TotalInQueue,
		PreviousOwnerAgentID: payload.PreviousOwnerAgentID,
		AssignedAt:           payload.AssignedAt,
	})
}
