package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// Actions carried by absence_updated events.
const (
	AbsenceActionAdded   = "added"
	AbsenceActionRemoved = "removed"
)

// AbsenceInput describes a new absence window. A nil End keeps the absence
// in effect until it is removed.
type AbsenceInput struct {
	AgentID string
	UnitID  string
	Start   time.Time
	End     *time.Time
	Reason  *string
}

// AbsenceService is the absence registry.
type AbsenceService struct {
	store    *store.Store
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

// NewAbsenceService creates a new absence service.
func NewAbsenceService(s *store.Store, notifier Notifier, log *zap.Logger) *AbsenceService {
	return &AbsenceService{
		store:    s,
		notifier: notifierOrNop(notifier),
		log:      logOrNop(log).Named("absence"),
		now:      utcNow,
	}
}

// AddAbsence records an absence. Overlapping windows are allowed and act as
// their union.
func (s *AbsenceService) AddAbsence(ctx context.Context, in AbsenceInput) (*model.Absence, error) {
	if in.End != nil && !in.Start.Before(*in.End) {
		return nil, invalidf("absence start %s must be before end %s",
			in.Start.UTC().Format(time.RFC3339), in.End.UTC().Format(time.RFC3339))
	}
	absence := &model.Absence{
		AgentID: in.AgentID,
		UnitID:  in.UnitID,
		StartAt: in.Start,
		EndAt:   in.End,
		Reason:  in.Reason,
	}
	if err := s.store.CreateAbsence(ctx, absence); err != nil {
		return nil, err
	}

	s.log.Info("absence added",
		zap.String("absence_id", absence.ID),
		zap.String("agent_id", absence.AgentID),
		zap.String("unit_id", absence.UnitID),
		zap.Time("start", absence.StartAt),
	)
	s.publish(ctx, absence, AbsenceActionAdded)
	return absence, nil
}

// RemoveAbsence hard-deletes an absence.
func (s *AbsenceService) RemoveAbsence(ctx context.Context, id string) error {
	if id == "" {
		return invalidf("absence id is required")
	}
	absence, err := s.store.DeleteAbsence(ctx, id)
	if err != nil {
		return err
	}

	s.log.Info("absence removed", zap.String("absence_id", id), zap.String("agent_id", absence.AgentID))
	s.publish(ctx, absence, AbsenceActionRemoved)
	return nil
}

// ListAbsences returns the unit's absences, optionally for one agent only.
func (s *AbsenceService) ListAbsences(ctx context.Context, unitID, agentID string) ([]model.Absence, error) {
	if unitID == "" {
		return nil, invalidf("unit id is required")
	}
	absences, err := s.store.ListAbsences(ctx, unitID, agentID)
	if err != nil {
		return nil, err
	}
	if absences == nil {
		absences = []model.Absence{}
	}
	return absences, nil
}

// IsAbsent reports whether any absence of the agent in the unit covers at.
// A zero at means now.
func (s *AbsenceService) IsAbsent(ctx context.Context, agentID, unitID string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = s.now()
	}
	return s.store.IsAbsent(ctx, agentID, unitID, at)
}

func (s *AbsenceService) publish(ctx context.Context, absence *model.Absence, action string) {
	if err := s.notifier.PublishAbsenceUpdated(context.WithoutCancel(ctx), absence, action); err != nil {
		s.log.Warn("failed to publish absence update", zap.String("absence_id", absence.ID), zap.Error(err))
	}
}
