package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/directory"
	"github.com/obot-platform/leadqueue/server/internal/lock"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// Reasons carried by rotation_updated events.
const (
	RotationReasonReorder = "reorder"
	RotationReasonToggle  = "toggle"
	RotationReasonResync  = "resync"
)

// RotationMember is one agent's place in a unit's rotation.
type RotationMember struct {
	AgentID          string `json:"agentId"`
	SequencePosition int    `json:"sequencePosition"`
	ActiveInRotation bool   `json:"activeInRotation"`
}

// RotationView is a unit's rotation as shown to operators. Cursor is the
// position of the last agent that received a lead.
type RotationView struct {
	UnitID string           `json:"unitId"`
	Cursor int              `json:"cursor"`
	Size   int              `json:"size"`
	Active []RotationMember `json:"active"`
	Parked []RotationMember `json:"parked"`
}

func viewFromRotation(rot *store.Rotation) *RotationView {
	v := &RotationView{
		UnitID: rot.UnitID,
		Cursor: rot.Cursor,
		Size:   rot.Size(),
		Active: make([]RotationMember, 0, len(rot.Active)),
		Parked: make([]RotationMember, 0, len(rot.Parked)),
	}
	for _, m := range rot.Active {
		v.Active = append(v.Active, RotationMember{AgentID: m.AgentID, SequencePosition: m.SequencePosition, ActiveInRotation: true})
	}
	for _, m := range rot.Parked {
		v.Parked = append(v.Parked, RotationMember{AgentID: m.AgentID})
	}
	return v
}

// RotationService is the queue administration side: reorder, toggle and
// resync of a unit's rotation.
type RotationService struct {
	store     *store.Store
	locker    lock.Locker
	directory directory.Directory
	notifier  Notifier
	log       *zap.Logger
	now       func() time.Time
}

// NewRotationService creates a new rotation service.
func NewRotationService(s *store.Store, locker lock.Locker, dir directory.Directory, notifier Notifier, log *zap.Logger) *RotationService {
	return &RotationService{
		store:     s,
		locker:    locker,
		directory: dir,
		notifier:  notifierOrNop(notifier),
		log:       logOrNop(log).Named("rotation"),
		now:       utcNow,
	}
}

// GetRotation returns the unit's committed rotation. ErrNotFound when the
// unit has no rotation.
func (s *RotationService) GetRotation(ctx context.Context, unitID string) (*RotationView, error) {
	rot, err := s.store.GetRotation(ctx, unitID)
	if err != nil {
		return nil, err
	}
	return viewFromRotation(rot), nil
}

// withUnit runs fn inside the unit's exclusive section. Once entered, the
// caller's cancellation no longer reaches fn.
func (s *RotationService) withUnit(ctx context.Context, unitID string, fn func(ctx context.Context) error) error {
	unlock, err := enterUnit(ctx, s.locker, unitID)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(context.WithoutCancel(ctx))
}

// Reorder replaces the unit's active ordering with agentIDs. Every id must
// already be a member of the unit, active or parked. Members left out of
// the list are parked. The cursor keeps its value.
func (s *RotationService) Reorder(ctx context.Context, unitID string, agentIDs []string) (*RotationView, error) {
	if unitID == "" {
		return nil, invalidf("unit id is required")
	}
	if len(agentIDs) == 0 {
		return nil, invalidf("agent list must not be empty")
	}

	var view *RotationView
	err := s.withUnit(ctx, unitID, func(ctx context.Context) error {
		rot, err := s.store.GetRotation(ctx, unitID)
		if err != nil {
			return err
		}
		for _, id := range agentIDs {
			if _, ok := rot.Member(id); !ok {
				return invalidf("agent %s is not a member of unit %s", id, unitID)
			}
		}
		if err := s.store.ReplaceRotation(ctx, unitID, agentIDs); err != nil {
			return err
		}
		rot, err = s.store.GetRotation(ctx, unitID)
		if err != nil {
			return err
		}
		view = viewFromRotation(rot)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("rotation reordered", zap.String("unit_id", unitID), zap.Strings("agent_ids", agentIDs))
	s.publish(ctx, unitID, RotationReasonReorder, view)
	return view, nil
}

// ToggleActive flips the member's participation and returns the new state.
// Deactivation compacts the remaining positions; reactivation appends the
// member at the end.
func (s *RotationService) ToggleActive(ctx context.Context, unitID, agentID string) (bool, error) {
	if unitID == "" || agentID == "" {
		return false, invalidf("unit id and agent id are required")
	}

	var active bool
	var view *RotationView
	err := s.withUnit(ctx, unitID, func(ctx context.Context) error {
		rot, err := s.store.GetRotation(ctx, unitID)
		if err != nil {
			return err
		}
		m, ok := rot.Member(agentID)
		if !ok {
			return notFoundf("agent %s is not a member of unit %s", agentID, unitID)
		}
		updated, err := s.store.SetMembershipActive(ctx, unitID, agentID, !m.ActiveInRotation)
		if err != nil {
			return err
		}
		active = updated.ActiveInRotation

		rot, err = s.store.GetRotation(ctx, unitID)
		if err != nil {
			return err
		}
		view = viewFromRotation(rot)
		return nil
	})
	if err != nil {
		return false, err
	}

	s.log.Info("rotation member toggled",
		zap.String("unit_id", unitID), zap.String("agent_id", agentID), zap.Bool("active", active))
	s.publish(ctx, unitID, RotationReasonToggle, view)
	return active, nil
}

// Resync reconciles the unit's memberships with directoryAgentIDs. New
// agents are appended, departed agents are removed along with their open
// absences, and retained members keep their order. Running it twice with
// the same list changes nothing the second time.
func (s *RotationService) Resync(ctx context.Context, unitID string, directoryAgentIDs []string) (store.ResyncResult, error) {
	if unitID == "" {
		return store.ResyncResult{}, invalidf("unit id is required")
	}

	var result store.ResyncResult
	var view *RotationView
	err := s.withUnit(ctx, unitID, func(ctx context.Context) error {
		var err error
		result, err = s.store.ResyncRotation(ctx, unitID, directoryAgentIDs, s.now())
		if err != nil {
			return err
		}
		if result.Added == 0 && result.Removed == 0 {
			return nil
		}
		rot, err := s.store.GetRotation(ctx, unitID)
		if err != nil {
			return err
		}
		view = viewFromRotation(rot)
		return nil
	})
	if err != nil {
		return store.ResyncResult{}, err
	}

	s.log.Info("rotation resynced",
		zap.String("unit_id", unitID), zap.Int("added", result.Added), zap.Int("removed", result.Removed))
	if view != nil {
		s.publish(ctx, unitID, RotationReasonResync, view)
	}
	return result, nil
}

// ResyncFromDirectory resyncs the unit against the agent directory's
// current member list.
func (s *RotationService) ResyncFromDirectory(ctx context.Context, unitID string) (store.ResyncResult, error) {
	if s.directory == nil {
		return store.ResyncResult{}, invalidf("no agent directory configured, pass agentIds explicitly")
	}
	ids, err := s.directory.ListUnitMembers(ctx, unitID)
	if err != nil {
		return store.ResyncResult{}, asStorage("agent directory", err)
	}
	return s.Resync(ctx, unitID, ids)
}

func (s *RotationService) publish(ctx context.Context, unitID, reason string, view *RotationView) {
	ids := make([]string, len(view.Active))
	for i, m := range view.Active {
		ids[i] = m.AgentID
	}
	if err := s.notifier.PublishRotationUpdated(context.WithoutCancel(ctx), unitID, reason, ids); err != nil {
		s.log.Warn("failed to publish rotation update", zap.String("unit_id", unitID), zap.Error(err))
	}
}
