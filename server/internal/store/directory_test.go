package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obot-platform/leadqueue/server/internal/model"
)

func TestImportDirectory(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	snap := DirectorySnapshot{
		Units: []model.Unit{{ID: "north", Name: "North Store", Active: true}},
		Agents: []model.Agent{
			{ID: "ana", DisplayName: "Ana", Active: true},
			{ID: "bo", DisplayName: "Bo", Active: false},
		},
		Members: map[string][]string{"north": {"bo", "ana", "bo"}},
	}
	require.NoError(t, s.ImportDirectory(ctx, snap))

	ids, err := s.ListUnitAgentIDs(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, []string{"bo", "ana"}, ids)

	agent, err := s.GetAgent(ctx, "bo")
	require.NoError(t, err)
	assert.False(t, agent.Active)

	// Re-import updates in place and rotations are untouched
	snap.Agents[1].Active = true
	snap.Members["north"] = []string{"ana"}
	require.NoError(t, s.ImportDirectory(ctx, snap))

	agent, err = s.GetAgent(ctx, "bo")
	require.NoError(t, err)
	assert.True(t, agent.Active)

	ids, err = s.ListUnitAgentIDs(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, []string{"ana"}, ids)

	_, err = s.GetRotation(ctx, "north")
	assert.ErrorIs(t, err, ErrNotFound)

	units, err := s.ListUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "North Store", units[0].Name)
}

func TestGetUnitNotFound(t *testing.T) {
	s := testDB(t)
	_, err := s.GetUnit(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetAgent(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnitEvents(t *testing.T) {
	s := testDB(t)
	ctx := context.Background()

	maxSeq, err := s.GetMaxEventSeq(ctx)
	require.NoError(t, err)
	assert.Zero(t, maxSeq)

	first := &model.UnitEvent{UnitID: "u1", Type: model.EventTypeRotationUpdated, Data: []byte(`{}`)}
	require.NoError(t, s.CreateUnitEvent(ctx, first))
	require.NoError(t, s.CreateUnitEvent(ctx, &model.UnitEvent{UnitID: "u2", Type: model.EventTypeRotationUpdated, Data: []byte(`{}`)}))
	third := &model.UnitEvent{UnitID: "u1", Type: model.EventTypeAssignmentCreated, Data: []byte(`{}`)}
	require.NoError(t, s.CreateUnitEvent(ctx, third))

	after, err := s.ListUnitEventsAfterID(ctx, "u1", first.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, third.ID, after[0].ID)

	all, err := s.ListUnitEventsAfterID(ctx, "u1", "unknown")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	global, err := s.ListEventsAfterSeq(ctx, first.Seq, 10)
	require.NoError(t, err)
	assert.Len(t, global, 2)

	maxSeq, err = s.GetMaxEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, third.Seq, maxSeq)

	deleted, err := s.DeleteOldUnitEvents(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = s.DeleteOldUnitEvents(ctx, -time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 3, deleted)
}
