// Package service holds the lead distribution engine and the queue
// administration operations built on top of the store.
//
// Every write to a unit's rotation (assignment, reorder, toggle, resync)
// runs inside that unit's exclusive section from package lock. Reads go
// straight to the store and see committed state only.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/lock"
	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// Common errors
var (
	// ErrNoEligibleAgent means the unit has no active, present agent. It is
	// a business outcome, not a failure.
	ErrNoEligibleAgent = errors.New("no available agent")
	// ErrTimeout means the unit's exclusive section could not be entered in
	// time. Safe to retry.
	ErrTimeout = lock.ErrTimeout
)

// Notifier receives changes after they have committed. Errors are logged
// and never undo the change.
type Notifier interface {
	PublishAssignmentCreated(ctx context.Context, entry *model.DistributionLogEntry) error
	PublishRotationUpdated(ctx context.Context, unitID, reason string, agentIDs []string) error
	PublishAbsenceUpdated(ctx context.Context, absence *model.Absence, action string) error
}

// AssignmentSyncer hands a committed assignment to the CRM push queue.
type AssignmentSyncer interface {
	EnqueueAssignmentSync(ctx context.Context, entry *model.DistributionLogEntry) error
}

type nopNotifier struct{}

func (nopNotifier) PublishAssignmentCreated(context.Context, *model.DistributionLogEntry) error {
	return nil
}

func (nopNotifier) PublishRotationUpdated(context.Context, string, string, []string) error {
	return nil
}

func (nopNotifier) PublishAbsenceUpdated(context.Context, *model.Absence, string) error {
	return nil
}

func notifierOrNop(n Notifier) Notifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}

func logOrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// unitKey is the lock key of a unit's exclusive section.
func unitKey(unitID string) string {
	return "unit:" + unitID
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrNotFound, fmt.Sprintf(format, args...))
}

// asStorage reports a collaborator failure as ErrStorage unless it already
// carries one of the store sentinels.
func asStorage(what string, err error) error {
	if errors.Is(err, store.ErrStorage) || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidArgument) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", store.ErrStorage, what, err)
}

// enterUnit takes the unit's exclusive section. An unreachable lock backend
// is reported as ErrStorage; ErrTimeout passes through.
func enterUnit(ctx context.Context, locker lock.Locker, unitID string) (lock.Unlock, error) {
	unlock, err := locker.Lock(ctx, unitKey(unitID))
	if errors.Is(err, lock.ErrUnavailable) {
		return nil, asStorage("unit lock", err)
	}
	return unlock, err
}
