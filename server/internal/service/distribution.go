package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/directory"
	"github.com/obot-platform/leadqueue/server/internal/lock"
	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// Assignment is the outcome of distributing one lead. Replayed is set when
// the lead was already assigned and the original assignment is returned.
type Assignment struct {
	EntryID              int64     `json:"entryId"`
	UnitID               string    `json:"unitId"`
	LeadID               string    `json:"leadId"`
	AgentID              string    `json:"agentId"`
	PositionInQueue      int       `json:"positionInQueue"`
	TotalInQueue         int       `json:"totalInQueue"`
	PreviousOwnerAgentID *string   `json:"previousOwnerAgentId,omitempty"`
	AssignedAt           time.Time `json:"assignedAt"`
	Replayed             bool      `json:"replayed,omitempty"`
}

func assignmentFromEntry(e *model.DistributionLogEntry) *Assignment {
	return &Assignment{
		EntryID:              e.ID,
		UnitID:               e.UnitID,
		LeadID:               e.LeadID,
		AgentID:              e.AgentID,
		PositionInQueue:      e.PositionInQueue,
		TotalInQueue:         e.TotalInQueue,
		PreviousOwnerAgentID: e.PreviousOwnerAgentID,
		AssignedAt:           e.AssignedAt,
	}
}

// DistributionOptions tunes the distribution engine.
type DistributionOptions struct {
	// DedupLeads returns the existing assignment when a fresh lead id was
	// already distributed in the unit.
	DedupLeads bool
	// Syncer, when set, receives every committed assignment.
	Syncer AssignmentSyncer
}

// DistributionService is the distribution engine: it picks the next
// eligible agent for a unit and records the assignment.
type DistributionService struct {
	store     *store.Store
	locker    lock.Locker
	directory directory.Directory
	notifier  Notifier
	opts      DistributionOptions
	log       *zap.Logger
	now       func() time.Time
}

// NewDistributionService creates a new distribution engine.
func NewDistributionService(s *store.Store, locker lock.Locker, dir directory.Directory, notifier Notifier, opts DistributionOptions, log *zap.Logger) *DistributionService {
	return &DistributionService{
		store:     s,
		locker:    locker,
		directory: dir,
		notifier:  notifierOrNop(notifier),
		opts:      opts,
		log:       logOrNop(log).Named("distribution"),
		now:       utcNow,
	}
}

// AssignLead assigns leadID to the next eligible agent of the unit.
//
// The scan starts at the position after the cursor, wraps after the last
// active member and stops at the first agent that is active in the
// rotation, not absent, and globally active. When previousOwnerID is set the
// lead is a reassignment and that agent is passed over unless nobody else
// is eligible.
//
// Returns ErrNoEligibleAgent without touching the cursor or the log when no
// agent qualifies, and ErrTimeout when the unit's section is busy.
func (s *DistributionService) AssignLead(ctx context.Context, unitID, leadID string, previousOwnerID *string) (*Assignment, error) {
	if unitID == "" {
		return nil, invalidf("unit id is required")
	}
	if leadID == "" {
		return nil, invalidf("lead id is required")
	}
	if previousOwnerID != nil && *previousOwnerID == "" {
		previousOwnerID = nil
	}

	unlock, err := enterUnit(ctx, s.locker, unitID)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			s.log.Warn("unit busy, assignment rejected", zap.String("unit_id", unitID), zap.String("lead_id", leadID))
		}
		return nil, err
	}

	// Inside the section the caller going away must not abort the commit.
	entry, replayed, err := s.assignLocked(context.WithoutCancel(ctx), unitID, leadID, previousOwnerID)
	unlock()
	if err != nil {
		return nil, err
	}

	a := assignmentFromEntry(entry)
	if replayed {
		a.Replayed = true
		return a, nil
	}

	s.afterCommit(context.WithoutCancel(ctx), entry)
	return a, nil
}

func (s *DistributionService) assignLocked(ctx context.Context, unitID, leadID string, previousOwnerID *string) (*model.DistributionLogEntry, bool, error) {
	if s.opts.DedupLeads && previousOwnerID == nil {
		existing, err := s.store.FindAssignmentByLead(ctx, unitID, leadID)
		switch {
		case err == nil:
			s.log.Info("lead already assigned, replaying",
				zap.String("unit_id", unitID), zap.String("lead_id", leadID), zap.String("agent_id", existing.AgentID))
			return existing, true, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, false, err
		}
	}

	rot, err := s.store.GetRotation(ctx, unitID)
	if err != nil {
		return nil, false, err
	}
	n := rot.Size()
	if n == 0 {
		return nil, false, ErrNoEligibleAgent
	}

	now := s.now()
	absent, err := s.store.AbsentAgents(ctx, unitID, now)
	if err != nil {
		return nil, false, err
	}

	picked, err := s.pick(ctx, rot, absent, previousOwnerID)
	if err != nil {
		return nil, false, err
	}
	if picked == nil {
		s.log.Info("no eligible agent", zap.String("unit_id", unitID), zap.String("lead_id", leadID), zap.Int("active", n))
		return nil, false, ErrNoEligibleAgent
	}

	entry := &model.DistributionLogEntry{
		UnitID:               unitID,
		AgentID:              picked.AgentID,
		LeadID:               leadID,
		PositionInQueue:      picked.SequencePosition,
		TotalInQueue:         n,
		PreviousOwnerAgentID: previousOwnerID,
		AssignedAt:           now,
	}
	if err := s.store.CommitAssignment(ctx, entry); err != nil {
		s.log.Error("failed to commit assignment", zap.String("unit_id", unitID), zap.String("lead_id", leadID), zap.Error(err))
		return nil, false, err
	}

	s.log.Info("lead assigned",
		zap.String("unit_id", unitID),
		zap.String("lead_id", leadID),
		zap.String("agent_id", entry.AgentID),
		zap.Int("position", entry.PositionInQueue),
		zap.Int("total", entry.TotalInQueue),
	)
	return entry, false, nil
}

// pick scans the active ordering from the position after the cursor.
// A previous owner is remembered and only returned when the scan finds no
// one else.
func (s *DistributionService) pick(ctx context.Context, rot *store.Rotation, absent map[string]bool, previousOwnerID *string) (*model.RotationMembership, error) {
	n := rot.Size()
	start := rot.Cursor % n

	var fallback *model.RotationMembership
	for k := 0; k < n; k++ {
		m := &rot.Active[(start+k)%n]
		if absent[m.AgentID] {
			continue
		}
		ok, err := s.globallyActive(ctx, m.AgentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if previousOwnerID != nil && m.AgentID == *previousOwnerID {
			fallback = m
			continue
		}
		return m, nil
	}
	return fallback, nil
}

func (s *DistributionService) globallyActive(ctx context.Context, agentID string) (bool, error) {
	if s.directory == nil {
		return true, nil
	}
	ok, err := s.directory.IsAgentGloballyActive(ctx, agentID)
	if err != nil {
		return false, asStorage("agent directory", err)
	}
	return ok, nil
}

// afterCommit hands the assignment to the notification and CRM
// collaborators. Their failures never reach the caller.
func (s *DistributionService) afterCommit(ctx context.Context, entry *model.DistributionLogEntry) {
	if err := s.notifier.PublishAssignmentCreated(ctx, entry); err != nil {
		s.log.Warn("failed to publish assignment", zap.Int64("entry_id", entry.ID), zap.Error(err))
	}
	if s.opts.Syncer != nil {
		if err := s.opts.Syncer.EnqueueAssignmentSync(ctx, entry); err != nil {
			s.log.Warn("failed to enqueue crm sync", zap.Int64("entry_id", entry.ID), zap.Error(err))
		}
	}
}
