package service

import (
	"context"
	"time"

	"github.com/obot-platform/leadqueue/server/internal/model"
)

const (
	DefaultLogLimit = 50
	MaxLogLimit     = 500

	DefaultLoadWindow = 100
	MaxLoadWindow     = 1000

	// SkewThreshold is how many full cycles an active agent may go without
	// a lead before the load summary flags it.
	SkewThreshold = 1.0
)

// LogPage is one page of a unit's distribution log, newest first.
type LogPage struct {
	UnitID  string                       `json:"unitId"`
	Entries []model.DistributionLogEntry `json:"entries"`
	Total   int64                        `json:"total"`
	Limit   int                          `json:"limit"`
	Offset  int                          `json:"offset"`
}

// ListLogs returns a page of the unit's distribution log. A zero limit uses
// DefaultLogLimit; larger limits are capped at MaxLogLimit.
func (s *DistributionService) ListLogs(ctx context.Context, unitID string, limit, offset int) (*LogPage, error) {
	if unitID == "" {
		return nil, invalidf("unit id is required")
	}
	if limit < 0 {
		return nil, invalidf("limit must not be negative")
	}
	if offset < 0 {
		return nil, invalidf("offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}

	entries, total, err := s.store.DistributionLogPage(ctx, unitID, limit, offset)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.DistributionLogEntry{}
	}
	return &LogPage{
		UnitID:  unitID,
		Entries: entries,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	}, nil
}

// AgentLoad is one active agent's share of recent leads. CyclesSinceLast is
// the number of leads the unit received since this agent's last one,
// divided by the active member count.
type AgentLoad struct {
	AgentID          string     `json:"agentId"`
	SequencePosition int        `json:"sequencePosition"`
	LeadsInWindow    int        `json:"leadsInWindow"`
	LastAssignedAt   *time.Time `json:"lastAssignedAt,omitempty"`
	CyclesSinceLast  float64    `json:"cyclesSinceLast"`
	Skewed           bool       `json:"skewed"`
}

// LoadSummary reports how evenly the last Window leads were spread.
type LoadSummary struct {
	UnitID      string      `json:"unitId"`
	Window      int         `json:"window"`
	LeadsInView int         `json:"leadsInView"`
	TotalLeads  int64       `json:"totalLeads"`
	ActiveCount int         `json:"activeCount"`
	Agents      []AgentLoad `json:"agents"`
}

// LoadSummary counts each active agent's leads among the unit's last window
// log entries and flags agents that were skipped for more than
// SkewThreshold full cycles.
func (s *DistributionService) LoadSummary(ctx context.Context, unitID string, window int) (*LoadSummary, error) {
	if unitID == "" {
		return nil, invalidf("unit id is required")
	}
	if window < 0 {
		return nil, invalidf("window must not be negative")
	}
	if window == 0 {
		window = DefaultLoadWindow
	}
	if window > MaxLoadWindow {
		window = MaxLoadWindow
	}

	rot, err := s.store.GetRotation(ctx, unitID)
	if err != nil {
		return nil, err
	}
	recent, total, err := s.store.DistributionLogPage(ctx, unitID, window, 0)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestAssignmentPerAgent(ctx, unitID)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, e := range recent {
		counts[e.AgentID]++
	}

	n := rot.Size()
	summary := &LoadSummary{
		UnitID:      unitID,
		Window:      window,
		LeadsInView: len(recent),
		TotalLeads:  total,
		ActiveCount: n,
		Agents:      make([]AgentLoad, 0, n),
	}
	for _, m := range rot.Active {
		load := AgentLoad{
			AgentID:          m.AgentID,
			SequencePosition: m.SequencePosition,
			LeadsInWindow:    counts[m.AgentID],
		}

		since := total
		if last, ok := latest[m.AgentID]; ok {
			at := last.AssignedAt
			load.LastAssignedAt = &at
			since, err = s.store.CountDistributionLogAfter(ctx, unitID, last.ID)
			if err != nil {
				return nil, err
			}
		}
		load.CyclesSinceLast = float64(since) / float64(n)
		load.Skewed = load.CyclesSinceLast > SkewThreshold
		summary.Agents = append(summary.Agents, load)
	}
	return summary, nil
}
