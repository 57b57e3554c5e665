// Package directory is the read side of the agent directory: which agents
// belong to which unit and whether an agent is globally active. The engine
// only ever reads it; the tables are written by directory imports.
package directory

import (
	"context"
	"errors"

	"github.com/obot-platform/leadqueue/server/internal/store"
)

// Directory answers membership and activity questions about agents.
type Directory interface {
	// ListUnitMembers returns the unit's agent ids in listing order.
	ListUnitMembers(ctx context.Context, unitID string) ([]string, error)
	// IsAgentGloballyActive reports the agent's global active flag.
	IsAgentGloballyActive(ctx context.Context, agentID string) (bool, error)
}

// DB is a Directory backed by the units, agents and unit_agents tables.
type DB struct {
	store *store.Store
}

// NewDB creates a database-backed directory.
func NewDB(s *store.Store) *DB {
	return &DB{store: s}
}

// ListUnitMembers returns the unit's agent ids in listing order.
func (d *DB) ListUnitMembers(ctx context.Context, unitID string) ([]string, error) {
	return d.store.ListUnitAgentIDs(ctx, unitID)
}

// IsAgentGloballyActive reports the agent's global active flag. Agents the
// directory does not know are treated as active so that rotations managed
// without a directory keep working.
func (d *DB) IsAgentGloballyActive(ctx context.Context, agentID string) (bool, error) {
	agent, err := d.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return agent.Active, nil
}
