// Package jobs defines job types and payloads for background job processing.
package jobs

import (
	"strconv"
	"time"
)

// JobType represents the type of job.
type JobType string

// JobTypeAssignmentSync pushes one committed assignment to the CRM.
const JobTypeAssignmentSync JobType = "assignment_sync"

// JobPayload is implemented by all job payloads. The payload struct itself
// is stored as the job's JSON Payload; ResourceKey serializes jobs that
// touch the same resource.
type JobPayload interface {
	JobType() JobType
	ResourceKey() (resourceType string, resourceID string)
}

// AssignmentSyncPayload is the payload for assignment_sync jobs. It carries
// a copy of the committed log entry so the push never reads the log back.
type AssignmentSyncPayload struct {
	EntryID              int64     `json:"entryId"`
	UnitID               string    `json:"unitId"`
	LeadID               string    `json:"leadId"`
	AgentID              string    `json:"agentId"`
	PositionInQueue      int       `json:"positionInQueue"`
	TotalInQueue         int       `json:"totalInQueue"`
	PreviousOwnerAgentID *string   `json:"previousOwnerAgentId,omitempty"`
	AssignedAt           time.Time `json:"assignedAt"`
}

func (p AssignmentSyncPayload) JobType() JobType { return JobTypeAssignmentSync }
func (p AssignmentSyncPayload) ResourceKey() (string, string) {
	return ResourceTypeAssignment, strconv.FormatInt(p.EntryID, 10)
}
