package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/obot-platform/leadqueue/server/internal/model"
)

// --- Distribution Log ---

// CommitAssignment advances the unit's cursor to the entry's position and
// appends the entry, in one transaction.
func (s *Store) CommitAssignment(ctx context.Context, entry *model.DistributionLogEntry) error {
	entry.AssignedAt = entry.AssignedAt.UTC()
	return s.transaction(ctx, func(tx *gorm.DB) error {
		if err := advanceCursor(tx, entry.UnitID, entry.PositionInQueue); err != nil {
			return err
		}
		return tx.Create(entry).Error
	})
}

// DistributionLogPage returns a page of the unit's log, newest first, and
// the unit's total entry count, read in one transaction so both describe the
// same log. Entry ids follow commit order inside the unit's section, so they
// order the log; assigned_at is wall-clock data and may step backwards.
// A non-positive limit returns every entry after offset.
func (s *Store) DistributionLogPage(ctx context.Context, unitID string, limit, offset int) ([]model.DistributionLogEntry, int64, error) {
	var entries []model.DistributionLogEntry
	var total int64
	err := s.snapshot(ctx, func(tx *gorm.DB) error {
		var err error
		if entries, err = listDistributionLog(tx, unitID, limit, offset); err != nil {
			return err
		}
		return tx.Model(&model.DistributionLogEntry{}).Where("unit_id = ?", unitID).Count(&total).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func listDistributionLog(db *gorm.DB, unitID string, limit, offset int) ([]model.DistributionLogEntry, error) {
	var entries []model.DistributionLogEntry
	q := db.Where("unit_id = ?", unitID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// CountDistributionLog returns the number of entries for a unit.
func (s *Store) CountDistributionLog(ctx context.Context, unitID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.DistributionLogEntry{}).
		Where("unit_id = ?", unitID).
		Count(&count).Error
	return count, wrap(err)
}

// CountDistributionLogAfter returns how many of the unit's entries were
// appended after the entry with afterID.
func (s *Store) CountDistributionLogAfter(ctx context.Context, unitID string, afterID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.DistributionLogEntry{}).
		Where("unit_id = ? AND id > ?", unitID, afterID).
		Count(&count).Error
	return count, wrap(err)
}

// FindAssignmentByLead returns the newest entry for a lead in a unit.
func (s *Store) FindAssignmentByLead(ctx context.Context, unitID, leadID string) (*model.DistributionLogEntry, error) {
	var entry model.DistributionLogEntry
	err := s.db.WithContext(ctx).
		Where("unit_id = ? AND lead_id = ?", unitID, leadID).
		Order("id DESC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, wrap(err)
	}
	return &entry, nil
}

// LatestAssignmentPerAgent returns each agent's most recent entry in the unit.
func (s *Store) LatestAssignmentPerAgent(ctx context.Context, unitID string) (map[string]model.DistributionLogEntry, error) {
	var ids []int64
	if err := s.db.WithContext(ctx).Model(&model.DistributionLogEntry{}).
		Where("unit_id = ?", unitID).
		Group("agent_id").
		Pluck("MAX(id)", &ids).Error; err != nil {
		return nil, wrap(err)
	}

	latest := make(map[string]model.DistributionLogEntry, len(ids))
	if len(ids) == 0 {
		return latest, nil
	}

	var entries []model.DistributionLogEntry
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&entries).Error; err != nil {
		return nil, wrap(err)
	}
	for _, e := range entries {
		latest[e.AgentID] = e
	}
	return latest, nil
}
