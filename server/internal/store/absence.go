package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/obot-platform/leadqueue/server/internal/model"
)

// --- Absences ---

// CreateAbsence records an absence window. EndAt, when set, must be after
// StartAt.
func (s *Store) CreateAbsence(ctx context.Context, absence *model.Absence) error {
	if absence.AgentID == "" || absence.UnitID == "" {
		return invalidf("agent id and unit id are required")
	}
	if absence.StartAt.IsZero() {
		return invalidf("absence start is required")
	}
	absence.StartAt = absence.StartAt.UTC()
	if absence.EndAt != nil {
		end := absence.EndAt.UTC()
		if !absence.StartAt.Before(end) {
			return invalidf("absence start must be before end")
		}
		absence.EndAt = &end
	}
	return wrap(s.db.WithContext(ctx).Create(absence).Error)
}

// GetAbsence retrieves an absence by ID.
func (s *Store) GetAbsence(ctx context.Context, id string) (*model.Absence, error) {
	var absence model.Absence
	if err := s.db.WithContext(ctx).First(&absence, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("absence %s not found", id)
		}
		return nil, wrap(err)
	}
	return &absence, nil
}

// DeleteAbsence hard-deletes an absence and returns the removed record.
func (s *Store) DeleteAbsence(ctx context.Context, id string) (*model.Absence, error) {
	var absence model.Absence
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&absence, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundf("absence %s not found", id)
			}
			return err
		}
		return tx.Delete(&model.Absence{}, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	return &absence, nil
}

// ListAbsences returns a unit's absences ordered by start. An empty agentID
// lists every agent.
func (s *Store) ListAbsences(ctx context.Context, unitID, agentID string) ([]model.Absence, error) {
	var absences []model.Absence
	q := s.db.WithContext(ctx).Where("unit_id = ?", unitID)
	if agentID != "" {
		q = q.Where("agent_id = ?", agentID)
	}
	if err := q.Order("start_at ASC, id ASC").Find(&absences).Error; err != nil {
		return nil, wrap(err)
	}
	return absences, nil
}

// IsAbsent reports whether any absence for the pair covers at.
func (s *Store) IsAbsent(ctx context.Context, agentID, unitID string, at time.Time) (bool, error) {
	absences, err := s.unendedAbsences(ctx, unitID, agentID, at)
	if err != nil {
		return false, err
	}
	for i := range absences {
		if absences[i].Covers(at) {
			return true, nil
		}
	}
	return false, nil
}

// AbsentAgents returns the set of agents in the unit with an absence
// covering at.
func (s *Store) AbsentAgents(ctx context.Context, unitID string, at time.Time) (map[string]bool, error) {
	absences, err := s.unendedAbsences(ctx, unitID, "", at)
	if err != nil {
		return nil, err
	}
	absent := make(map[string]bool)
	for i := range absences {
		if absences[i].Covers(at) {
			absent[absences[i].AgentID] = true
		}
	}
	return absent, nil
}

// unendedAbsences loads the absences that have not ended by at, so the
// assign path never reads closed history.
func (s *Store) unendedAbsences(ctx context.Context, unitID, agentID string, at time.Time) ([]model.Absence, error) {
	var absences []model.Absence
	q := s.db.WithContext(ctx).
		Where("unit_id = ?", unitID).
		Where("(end_at IS NULL OR end_at > ?)", at.UTC())
	if agentID != "" {
		q = q.Where("agent_id = ?", agentID)
	}
	if err := q.Find(&absences).Error; err != nil {
		return nil, wrap(err)
	}
	return absences, nil
}

// deleteOpenAbsences removes absences of the given agents that are still in
// effect or upcoming at now. Closed windows stay as history.
func deleteOpenAbsences(tx *gorm.DB, unitID string, agentIDs []string, now time.Time) error {
	var absences []model.Absence
	if err := tx.Where("unit_id = ? AND agent_id IN ?", unitID, agentIDs).Find(&absences).Error; err != nil {
		return err
	}
	var ids []string
	for i := range absences {
		if absences[i].IsOpen(now) {
			ids = append(ids, absences[i].ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return tx.Delete(&model.Absence{}, "id IN ?", ids).Error
}
