// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Unit represents a business/sales location. Written by directory sync.
type Unit struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	Name      string    `gorm:"not null;type:text" json:"name"`
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Unit) TableName() string { return "units" }

// Agent represents a sales representative. Active is the global flag,
// independent of any unit's rotation.
type Agent struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	DisplayName string    `gorm:"column:display_name;not null;type:text" json:"displayName"`
	Active      bool      `gorm:"not null" json:"active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Agent) TableName() string { return "agents" }

// UnitAgent is the directory's view of unit membership. It is the source
// that rotation resync reconciles against.
type UnitAgent struct {
	UnitID    string    `gorm:"column:unit_id;primaryKey;type:text" json:"unitId"`
	AgentID   string    `gorm:"column:agent_id;primaryKey;type:text;index" json:"agentId"`
	Position  int       `gorm:"not null" json:"position"` // directory listing order
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (UnitAgent) TableName() string { return "unit_agents" }

// RotationMembership places an agent inside one unit's rotation.
// Active members hold positions 1..N; parked members hold position 0.
type RotationMembership struct {
	UnitID           string    `gorm:"column:unit_id;primaryKey;type:text" json:"unitId"`
	AgentID          string    `gorm:"column:agent_id;primaryKey;type:text" json:"agentId"`
	SequencePosition int       `gorm:"column:sequence_position;not null;index" json:"sequencePosition"`
	ActiveInRotation bool      `gorm:"column:active_in_rotation;not null" json:"activeInRotation"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (RotationMembership) TableName() string { return "rotation_memberships" }

// RotationCursor is the position of the member that received the most
// recent lead. Position 0 means the rotation has never fired.
type RotationCursor struct {
	UnitID    string    `gorm:"column:unit_id;primaryKey;type:text" json:"unitId"`
	Position  int       `gorm:"not null" json:"position"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (RotationCursor) TableName() string { return "rotation_cursors" }

// Absence excludes an agent from a unit's eligibility between StartAt and
// EndAt. A nil EndAt stays in effect until the record is removed.
type Absence struct {
	ID        string     `gorm:"primaryKey;type:text" json:"id"`
	AgentID   string     `gorm:"column:agent_id;not null;type:text;index:idx_absence_unit_agent,priority:2" json:"agentId"`
	UnitID    string     `gorm:"column:unit_id;not null;type:text;index:idx_absence_unit_agent,priority:1" json:"unitId"`
	StartAt   time.Time  `gorm:"column:start_at;not null" json:"start"`
	EndAt     *time.Time `gorm:"column:end_at" json:"end,omitempty"`
	Reason    *string    `gorm:"type:text" json:"reason,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"createdAt"`
}

func (Absence) TableName() string { return "absences" }

func (a *Absence) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// Covers reports whether the absence is in effect at t.
func (a *Absence) Covers(t time.Time) bool {
	if t.Before(a.StartAt) {
		return false
	}
	return a.EndAt == nil || t.Before(*a.EndAt)
}

// IsOpen reports whether the absence is still in effect or upcoming at t.
func (a *Absence) IsOpen(t time.Time) bool {
	return a.EndAt == nil || a.EndAt.After(t)
}

// DistributionLogEntry is the immutable audit record of one assignment.
type DistributionLogEntry struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UnitID               string    `gorm:"column:unit_id;not null;type:text;index:idx_distribution_unit_assigned,priority:1;index:idx_distribution_unit_lead,priority:1" json:"unitId"`
	AgentID              string    `gorm:"column:agent_id;not null;type:text;index" json:"agentId"`
	LeadID               string    `gorm:"column:lead_id;not null;type:text;index:idx_distribution_unit_lead,priority:2" json:"leadId"`
	PositionInQueue      int       `gorm:"column:position_in_queue;not null" json:"positionInQueue"`
	TotalInQueue         int       `gorm:"column:total_in_queue;not null" json:"totalInQueue"`
	PreviousOwnerAgentID *string   `gorm:"column:previous_owner_agent_id;type:text" json:"previousOwnerAgentId,omitempty"`
	AssignedAt           time.Time `gorm:"column:assigned_at;not null;index:idx_distribution_unit_assigned,priority:2,sort:desc" json:"assignedAt"`
}

func (DistributionLogEntry) TableName() string { return "distribution_log" }

// Event type constants
const (
	EventTypeAssignmentCreated = "assignment_created"
	EventTypeRotationUpdated   = "rotation_updated"
	EventTypeAbsenceUpdated    = "absence_updated"
)

// UnitEvent represents a persisted event for a unit.
// Events are used for SSE streaming to clients.
type UnitEvent struct {
	Seq       int64           `gorm:"primaryKey;autoIncrement" json:"seq"`
	ID        string          `gorm:"uniqueIndex;not null;type:text" json:"id"`
	UnitID    string          `gorm:"column:unit_id;not null;type:text;index:idx_unit_seq,priority:1" json:"unitId"`
	Type      string          `gorm:"not null;type:text" json:"type"`
	Data      json.RawMessage `gorm:"type:text;not null" json:"data"`
	CreatedAt time.Time       `gorm:"autoCreateTime;index:idx_unit_seq,priority:2" json:"createdAt"`
}

func (UnitEvent) TableName() string { return "unit_events" }

func (e *UnitEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Unit{},
		&Agent{},
		&UnitAgent{},
		&RotationMembership{},
		&RotationCursor{},
		&Absence{},
		&DistributionLogEntry{},
		&UnitEvent{},
		&Job{},
		&DispatcherLeader{},
	}
}
