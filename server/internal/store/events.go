package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/obot-platform/leadqueue/server/internal/model"
)

// --- Unit Events ---

// CreateUnitEvent persists a new event for a unit.
func (s *Store) CreateUnitEvent(ctx context.Context, event *model.UnitEvent) error {
	return wrap(s.db.WithContext(ctx).Create(event).Error)
}

// ListUnitEventsSince returns a unit's events created after the given time,
// oldest first.
func (s *Store) ListUnitEventsSince(ctx context.Context, unitID string, since time.Time) ([]model.UnitEvent, error) {
	var events []model.UnitEvent
	err := s.db.WithContext(ctx).
		Where("unit_id = ? AND created_at > ?", unitID, since.UTC()).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, wrap(err)
	}
	return events, nil
}

// ListUnitEventsAfterID returns a unit's events persisted after the event
// with the given ID. An unknown ID replays the unit's whole history.
func (s *Store) ListUnitEventsAfterID(ctx context.Context, unitID, afterID string) ([]model.UnitEvent, error) {
	var ref model.UnitEvent
	if err := s.db.WithContext(ctx).First(&ref, "id = ?", afterID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.listUnitEventsAfterSeq(ctx, unitID, 0)
		}
		return nil, wrap(err)
	}
	return s.listUnitEventsAfterSeq(ctx, unitID, ref.Seq)
}

func (s *Store) listUnitEventsAfterSeq(ctx context.Context, unitID string, afterSeq int64) ([]model.UnitEvent, error) {
	var events []model.UnitEvent
	err := s.db.WithContext(ctx).
		Where("unit_id = ? AND seq > ?", unitID, afterSeq).
		Order("seq ASC").
		Find(&events).Error
	if err != nil {
		return nil, wrap(err)
	}
	return events, nil
}

// ListEventsAfterSeq returns events across all units with seq > afterSeq.
// This is used by the event poller to fetch new events globally.
func (s *Store) ListEventsAfterSeq(ctx context.Context, afterSeq int64, limit int) ([]model.UnitEvent, error) {
	var events []model.UnitEvent
	q := s.db.WithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, wrap(err)
	}
	return events, nil
}

// GetMaxEventSeq returns the highest event sequence number, 0 when empty.
func (s *Store) GetMaxEventSeq(ctx context.Context) (int64, error) {
	var maxSeq int64
	err := s.db.WithContext(ctx).
		Model(&model.UnitEvent{}).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error
	return maxSeq, wrap(err)
}

// DeleteOldUnitEvents deletes events older than the specified duration.
func (s *Store) DeleteOldUnitEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.UnitEvent{})
	return result.RowsAffected, wrap(result.Error)
}
