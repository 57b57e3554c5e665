package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/obot-platform/leadqueue/server/internal/model"
)

// Rotation is a committed snapshot of one unit's queue.
type Rotation struct {
	UnitID string
	// Cursor is the position of the member who received the most recent
	// lead, 0 if the rotation has never fired.
	Cursor int
	// Active members ascending by sequence position (1..N).
	Active []model.RotationMembership
	// Parked members, ordered by agent id.
	Parked []model.RotationMembership
}

// Size returns the number of members in the active ordering.
func (r *Rotation) Size() int {
	return len(r.Active)
}

// Member returns the membership for agentID, active or parked.
func (r *Rotation) Member(agentID string) (*model.RotationMembership, bool) {
	for i := range r.Active {
		if r.Active[i].AgentID == agentID {
			return &r.Active[i], true
		}
	}
	for i := range r.Parked {
		if r.Parked[i].AgentID == agentID {
			return &r.Parked[i], true
		}
	}
	return nil, false
}

// ResyncResult reports how many memberships a resync created and deleted.
type ResyncResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// GetRotation returns the unit's rotation. A unit whose rotation was never
// initialized yields ErrNotFound.
func (s *Store) GetRotation(ctx context.Context, unitID string) (*Rotation, error) {
	var rot *Rotation
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var err error
		rot, err = loadRotation(tx, unitID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rot, nil
}

func loadRotation(tx *gorm.DB, unitID string) (*Rotation, error) {
	var cursor model.RotationCursor
	if err := tx.First(&cursor, "unit_id = ?", unitID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("unit %s has no rotation", unitID)
		}
		return nil, err
	}

	var members []model.RotationMembership
	if err := tx.Where("unit_id = ?", unitID).
		Order("active_in_rotation DESC, sequence_position ASC, agent_id ASC").
		Find(&members).Error; err != nil {
		return nil, err
	}

	rot := &Rotation{UnitID: unitID, Cursor: cursor.Position}
	for _, m := range members {
		if m.ActiveInRotation {
			rot.Active = append(rot.Active, m)
		} else {
			rot.Parked = append(rot.Parked, m)
		}
	}
	return rot, nil
}

// InitRotation creates the unit's cursor row if it does not exist yet.
func (s *Store) InitRotation(ctx context.Context, unitID string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return ensureCursor(tx, unitID)
	})
}

func ensureCursor(tx *gorm.DB, unitID string) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.RotationCursor{UnitID: unitID}).Error
}

// ReplaceRotation makes agentIDs the unit's active ordering, positions 1..N
// in list order. Members left out of the list are parked. Ids without a
// membership get one. The cursor is left as is.
func (s *Store) ReplaceRotation(ctx context.Context, unitID string, agentIDs []string) error {
	seen := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		if id == "" {
			return invalidf("agent id must not be empty")
		}
		if seen[id] {
			return invalidf("duplicate agent id %s", id)
		}
		seen[id] = true
	}

	return s.transaction(ctx, func(tx *gorm.DB) error {
		if err := ensureCursor(tx, unitID); err != nil {
			return err
		}

		park := tx.Model(&model.RotationMembership{}).Where("unit_id = ?", unitID)
		if len(agentIDs) > 0 {
			park = park.Where("agent_id NOT IN ?", agentIDs)
		}
		if err := park.Updates(map[string]any{
			"active_in_rotation": false,
			"sequence_position":  0,
		}).Error; err != nil {
			return err
		}

		for i, id := range agentIDs {
			m := model.RotationMembership{
				UnitID:           unitID,
				AgentID:          id,
				SequencePosition: i + 1,
				ActiveInRotation: true,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "unit_id"}, {Name: "agent_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"sequence_position", "active_in_rotation", "updated_at"}),
			}).Create(&m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SetMembershipActive parks or reactivates one member. Parking compacts the
// remaining active positions; reactivation appends at N+1. Setting the
// current state again changes nothing. The cursor is never touched.
func (s *Store) SetMembershipActive(ctx context.Context, unitID, agentID string, active bool) (*model.RotationMembership, error) {
	var m model.RotationMembership
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&m, "unit_id = ? AND agent_id = ?", unitID, agentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFoundf("agent %s is not a member of unit %s", agentID, unitID)
			}
			return err
		}
		if err := ensureCursor(tx, unitID); err != nil {
			return err
		}
		if m.ActiveInRotation == active {
			return nil
		}

		if !active {
			vacated := m.SequencePosition
			m.ActiveInRotation = false
			m.SequencePosition = 0
			if err := saveMembership(tx, &m); err != nil {
				return err
			}
			return tx.Model(&model.RotationMembership{}).
				Where("unit_id = ? AND active_in_rotation = ? AND sequence_position > ?", unitID, true, vacated).
				Update("sequence_position", gorm.Expr("sequence_position - 1")).Error
		}

		var n int64
		if err := tx.Model(&model.RotationMembership{}).
			Where("unit_id = ? AND active_in_rotation = ?", unitID, true).
			Count(&n).Error; err != nil {
			return err
		}
		m.ActiveInRotation = true
		m.SequencePosition = int(n) + 1
		return saveMembership(tx, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func saveMembership(tx *gorm.DB, m *model.RotationMembership) error {
	return tx.Model(m).
		Where("unit_id = ? AND agent_id = ?", m.UnitID, m.AgentID).
		Updates(map[string]any{
			"active_in_rotation": m.ActiveInRotation,
			"sequence_position":  m.SequencePosition,
		}).Error
}

// AdvanceCursor sets the unit's cursor. Only the distribution engine calls
// this, from inside the unit's exclusive section.
func (s *Store) AdvanceCursor(ctx context.Context, unitID string, position int) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return advanceCursor(tx, unitID, position)
	})
}

func advanceCursor(tx *gorm.DB, unitID string, position int) error {
	var cursor model.RotationCursor
	err := forUpdate(tx).First(&cursor, "unit_id = ?", unitID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&model.RotationCursor{UnitID: unitID, Position: position}).Error
	}
	if err != nil {
		return err
	}
	return tx.Model(&cursor).Update("position", position).Error
}

// ResyncRotation reconciles the unit's memberships with the directory list.
// New agents are appended to the active ordering in list order. Departed
// agents lose their membership and any absence that is still open at now.
// Retained members keep their relative order.
func (s *Store) ResyncRotation(ctx context.Context, unitID string, directoryAgentIDs []string, now time.Time) (ResyncResult, error) {
	var result ResyncResult

	wanted := make(map[string]bool, len(directoryAgentIDs))
	var ordered []string
	for _, id := range directoryAgentIDs {
		if id == "" || wanted[id] {
			continue
		}
		wanted[id] = true
		ordered = append(ordered, id)
	}

	err := s.transaction(ctx, func(tx *gorm.DB) error {
		if err := ensureCursor(tx, unitID); err != nil {
			return err
		}

		var members []model.RotationMembership
		if err := tx.Where("unit_id = ?", unitID).Find(&members).Error; err != nil {
			return err
		}
		existing := make(map[string]bool, len(members))
		var departed []string
		for _, m := range members {
			existing[m.AgentID] = true
			if !wanted[m.AgentID] {
				departed = append(departed, m.AgentID)
			}
		}

		if len(departed) > 0 {
			if err := tx.Where("unit_id = ? AND agent_id IN ?", unitID, departed).
				Delete(&model.RotationMembership{}).Error; err != nil {
				return err
			}
			if err := deleteOpenAbsences(tx, unitID, departed, now); err != nil {
				return err
			}
		}

		n, err := compact(tx, unitID)
		if err != nil {
			return err
		}

		for _, id := range ordered {
			if existing[id] {
				continue
			}
			n++
			if err := tx.Create(&model.RotationMembership{
				UnitID:           unitID,
				AgentID:          id,
				SequencePosition: n,
				ActiveInRotation: true,
			}).Error; err != nil {
				return err
			}
			result.Added++
		}
		result.Removed = len(departed)
		return nil
	})
	if err != nil {
		return ResyncResult{}, err
	}
	return result, nil
}

// compact renumbers the unit's active members 1..N keeping their order and
// returns N.
func compact(tx *gorm.DB, unitID string) (int, error) {
	var active []model.RotationMembership
	if err := tx.Where("unit_id = ? AND active_in_rotation = ?", unitID, true).
		Order("sequence_position ASC, agent_id ASC").
		Find(&active).Error; err != nil {
		return 0, err
	}
	for i := range active {
		if active[i].SequencePosition == i+1 {
			continue
		}
		active[i].SequencePosition = i + 1
		if err := saveMembership(tx, &active[i]); err != nil {
			return 0, err
		}
	}
	return len(active), nil
}
