package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/obot-platform/leadqueue/server/internal/model"
)

// --- Directory (units, agents, unit membership) ---

// DirectorySnapshot is a full copy of the agent directory.
type DirectorySnapshot struct {
	Units  []model.Unit
	Agents []model.Agent
	// Members maps unit id to its agent ids in listing order.
	Members map[string][]string
}

// GetUnit retrieves a unit by ID.
func (s *Store) GetUnit(ctx context.Context, id string) (*model.Unit, error) {
	var unit model.Unit
	if err := s.db.WithContext(ctx).First(&unit, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("unit %s not found", id)
		}
		return nil, wrap(err)
	}
	return &unit, nil
}

// ListUnits returns all units ordered by ID.
func (s *Store) ListUnits(ctx context.Context) ([]model.Unit, error) {
	var units []model.Unit
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&units).Error; err != nil {
		return nil, wrap(err)
	}
	return units, nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundf("agent %s not found", id)
		}
		return nil, wrap(err)
	}
	return &agent, nil
}

// ListUnitAgentIDs returns the directory's member list for a unit in
// listing order.
func (s *Store) ListUnitAgentIDs(ctx context.Context, unitID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.UnitAgent{}).
		Where("unit_id = ?", unitID).
		Order("position ASC, agent_id ASC").
		Pluck("agent_id", &ids).Error
	if err != nil {
		return nil, wrap(err)
	}
	return ids, nil
}

// UpsertUnit creates or updates a unit.
func (s *Store) UpsertUnit(ctx context.Context, unit *model.Unit) error {
	return wrap(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "active", "updated_at"}),
	}).Create(unit).Error)
}

// UpsertAgent creates or updates an agent.
func (s *Store) UpsertAgent(ctx context.Context, agent *model.Agent) error {
	return wrap(s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "active", "updated_at"}),
	}).Create(agent).Error)
}

// SetUnitAgents replaces the directory's member list for one unit.
func (s *Store) SetUnitAgents(ctx context.Context, unitID string, agentIDs []string) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		return setUnitAgents(tx, unitID, agentIDs)
	})
}

func setUnitAgents(tx *gorm.DB, unitID string, agentIDs []string) error {
	if err := tx.Where("unit_id = ?", unitID).Delete(&model.UnitAgent{}).Error; err != nil {
		return err
	}
	seen := make(map[string]bool, len(agentIDs))
	rows := make([]model.UnitAgent, 0, len(agentIDs))
	for _, id := range agentIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		rows = append(rows, model.UnitAgent{UnitID: unitID, AgentID: id, Position: len(rows) + 1})
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Create(&rows).Error
}

// ImportDirectory writes a directory snapshot in one transaction. Units and
// agents are upserted; each listed unit's member list is replaced. Rotation
// memberships are not touched.
func (s *Store) ImportDirectory(ctx context.Context, snap DirectorySnapshot) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		for i := range snap.Units {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "active", "updated_at"}),
			}).Create(&snap.Units[i]).Error; err != nil {
				return err
			}
		}
		for i := range snap.Agents {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoUpdates: clause.AssignmentColumns([]string{"display_name", "active", "updated_at"}),
			}).Create(&snap.Agents[i]).Error; err != nil {
				return err
			}
		}
		for unitID, agentIDs := range snap.Members {
			if err := setUnitAgents(tx, unitID, agentIDs); err != nil {
				return err
			}
		}
		return nil
	})
}
