package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/leadqueue/server/internal/store"
)

func TestGetRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.Rotation.GetRotation(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	env.seed(t, "u1", "a", "b")
	env.assign(t, "u1", "lead-0")

	view, err := env.Rotation.GetRotation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", view.UnitID)
	assert.Equal(t, 1, view.Cursor)
	assert.Equal(t, 2, view.Size)
	assert.Equal(t, []RotationMember{
		{AgentID: "a", SequencePosition: 1, ActiveInRotation: true},
		{AgentID: "b", SequencePosition: 2, ActiveInRotation: true},
	}, view.Active)
	assert.Empty(t, view.Parked)
}

func TestReorder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "u1", "a", "b", "c")
	env.assign(t, "u1", "lead-0")

	view, err := env.Rotation.Reorder(ctx, "u1", []string{"c", "a"})
	require.NoError(t, err)
	require.Len(t, view.Active, 2)
	assert.Equal(t, "c", view.Active[0].AgentID)
	assert.Equal(t, "a", view.Active[1].AgentID)
	require.Len(t, view.Parked, 1)
	assert.Equal(t, "b", view.Parked[0].AgentID)
	assert.Equal(t, 1, view.Cursor)
	env.assertContiguous(t, "u1")

	// The parked member can be brought back by a later reorder
	view, err = env.Rotation.Reorder(ctx, "u1", []string{"b", "c", "a"})
	require.NoError(t, err)
	assert.Equal(t, 3, view.Size)
	assert.Empty(t, view.Parked)

	assert.Equal(t, []string{"reorder:c,a", "reorder:b,c,a"}, env.Notifier.rotations)

	// Cursor 1 points at b now, so c is next
	assert.Equal(t, "c", env.assign(t, "u1", "lead-1").AgentID)
}

func TestReorderRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "u1", "a", "b")

	_, err := env.Rotation.Reorder(ctx, "u1", []string{"a", "zed"})
	require.ErrorIs(t, err, store.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "zed")

	_, err = env.Rotation.Reorder(ctx, "u1", []string{"a", "a"})
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = env.Rotation.Reorder(ctx, "u1", nil)
	assert.ErrorIs(t, err, store.ErrInvalidArgument)

	_, err = env.Rotation.Reorder(ctx, "missing", []string{"a"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Rejected reorders leave the rotation untouched
	view, err := env.Rotation.GetRotation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a", view.Active[0].AgentID)
	assert.Equal(t, "b", view.Active[1].AgentID)
	assert.Empty(t, env.Notifier.rotations)
}

func TestToggleActive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "u1", "a", "b", "c")
	env.assign(t, "u1", "lead-0")
	env.assign(t, "u1", "lead-1")

	active, err := env.Rotation.ToggleActive(ctx, "u1", "b")
	require.NoError(t, err)
	assert.False(t, active)

	view, err := env.Rotation.GetRotation(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, view.Active, 2)
	assert.Equal(t, "a", view.Active[0].AgentID)
	assert.Equal(t, "c", view.Active[1].AgentID)
	assert.Equal(t, 2, view.Active[1].SequencePosition)
	assert.Equal(t, 2, view.Cursor)
	env.assertContiguous(t, "u1")

	active, err = env.Rotation.ToggleActive(ctx, "u1", "b")
	require.NoError(t, err)
	assert.True(t, active)

	view, err = env.Rotation.GetRotation(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, view.Active, 3)
	assert.Equal(t, "b", view.Active[2].AgentID)
	assert.Equal(t, 3, view.Active[2].SequencePosition)
	env.assertContiguous(t, "u1")

	assert.Equal(t, []string{"toggle:a,c", "toggle:a,c,b"}, env.Notifier.rotations)
}

func TestToggleActiveUnknownMember(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "u1", "a")

	_, err := env.Rotation.ToggleActive(ctx, "u1", "zed")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.Rotation.ToggleActive(ctx, "nope", "a")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.Rotation.ToggleActive(ctx, "u1", "")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestResync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.Rotation.Resync(ctx, "u1", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, store.ResyncResult{Added: 3}, result)

	// Same list again is a no-op and publishes nothing
	result, err = env.Rotation.Resync(ctx, "u1", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, store.ResyncResult{}, result)
	assert.Equal(t, []string{"resync:a,b,c"}, env.Notifier.rotations)

	now := time.Now().UTC()
	pastEnd := now.Add(-time.Hour)
	_, err = env.Absence.AddAbsence(ctx, AbsenceInput{AgentID: "b", UnitID: "u1", Start: now.Add(-2 * time.Hour), End: &pastEnd})
	require.NoError(t, err)
	_, err = env.Absence.AddAbsence(ctx, AbsenceInput{AgentID: "b", UnitID: "u1", Start: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = env.Absence.AddAbsence(ctx, AbsenceInput{AgentID: "b", UnitID: "u1", Start: now.Add(24 * time.Hour)})
	require.NoError(t, err)

	result, err = env.Rotation.Resync(ctx, "u1", []string{"a", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, store.ResyncResult{Added: 1, Removed: 1}, result)

	view, err := env.Rotation.GetRotation(ctx, "u1")
	require.NoError(t, err)
	var ids []string
	for _, m := range view.Active {
		ids = append(ids, m.AgentID)
	}
	assert.Equal(t, []string{"a", "c", "d"}, ids)
	env.assertContiguous(t, "u1")

	// Only the closed window survives as history
	left, err := env.Absence.ListAbsences(ctx, "u1", "b")
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.NotNil(t, left[0].EndAt)
}

func TestResyncKeepsParkedMembers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "u1", "a", "b")
	_, err := env.Rotation.ToggleActive(ctx, "u1", "a")
	require.NoError(t, err)

	result, err := env.Rotation.Resync(ctx, "u1", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, store.ResyncResult{}, result)

	view, err := env.Rotation.GetRotation(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, view.Parked, 1)
	assert.Equal(t, "a", view.Parked[0].AgentID)
}

func TestResyncFromDirectory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.Store.SetUnitAgents(ctx, "u1", []string{"x", "y"}))

	result, err := env.Rotation.ResyncFromDirectory(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Added)

	view, err := env.Rotation.GetRotation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "x", view.Active[0].AgentID)
	assert.Equal(t, "y", view.Active[1].AgentID)

	noDir := NewRotationService(env.Store, env.Locker, nil, nil, nil)
	_, err = noDir.ResyncFromDirectory(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}
