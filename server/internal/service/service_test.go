package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/obot-platform/leadqueue/server/internal/config"
	"github.com/obot-platform/leadqueue/server/internal/database"
	"github.com/obot-platform/leadqueue/server/internal/directory"
	"github.com/obot-platform/leadqueue/server/internal/lock"
	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// recordingNotifier captures published changes.
type recordingNotifier struct {
	mu          sync.Mutex
	assignments []model.DistributionLogEntry
	rotations   []string // reason:agent,agent
	absences    []string // action:absenceID
}

func (n *recordingNotifier) PublishAssignmentCreated(_ context.Context, e *model.DistributionLogEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.assignments = append(n.assignments, *e)
	return nil
}

func (n *recordingNotifier) PublishRotationUpdated(_ context.Context, _ string, reason string, ids []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := reason + ":"
	for i, id := range ids {
		if i > 0 {
			s += ","
		}
		s += id
	}
	n.rotations = append(n.rotations, s)
	return nil
}

func (n *recordingNotifier) PublishAbsenceUpdated(_ context.Context, a *model.Absence, action string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.absences = append(n.absences, action+":"+a.ID)
	return nil
}

// recordingSyncer captures entries handed to the CRM queue.
type recordingSyncer struct {
	mu      sync.Mutex
	entries []int64
}

func (r *recordingSyncer) EnqueueAssignmentSync(_ context.Context, e *model.DistributionLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e.ID)
	return nil
}

type testEnv struct {
	Store        *store.Store
	Locker       *lock.Local
	Notifier     *recordingNotifier
	Syncer       *recordingSyncer
	Distribution *DistributionService
	Rotation     *RotationService
	Absence      *AbsenceService
}

type envOption func(*DistributionOptions)

func withDedup() envOption {
	return func(o *DistributionOptions) { o.DedupLeads = true }
}

// newTestEnv wires the services over a fresh SQLite database.
func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:    "sqlite3://" + filepath.Join(t.TempDir(), "service.db"),
		DatabaseDriver: "sqlite",
	}
	db, err := database.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	s := store.New(db.DB)
	locker := lock.NewLocal(10 * time.Second)
	dir := directory.NewDB(s)
	notifier := &recordingNotifier{}
	syncer := &recordingSyncer{}

	dopts := DistributionOptions{Syncer: syncer}
	for _, o := range opts {
		o(&dopts)
	}

	return &testEnv{
		Store:        s,
		Locker:       locker,
		Notifier:     notifier,
		Syncer:       syncer,
		Distribution: NewDistributionService(s, locker, dir, notifier, dopts, nil),
		Rotation:     NewRotationService(s, locker, dir, notifier, nil),
		Absence:      NewAbsenceService(s, notifier, nil),
	}
}

// seed creates the unit's rotation with agentIDs at positions 1..N.
func (e *testEnv) seed(t *testing.T, unitID string, agentIDs ...string) {
	t.Helper()
	require.NoError(t, e.Store.ReplaceRotation(context.Background(), unitID, agentIDs))
}

func (e *testEnv) cursor(t *testing.T, unitID string) int {
	t.Helper()
	rot, err := e.Store.GetRotation(context.Background(), unitID)
	require.NoError(t, err)
	return rot.Cursor
}

func (e *testEnv) logCount(t *testing.T, unitID string) int64 {
	t.Helper()
	n, err := e.Store.CountDistributionLog(context.Background(), unitID)
	require.NoError(t, err)
	return n
}

func (e *testEnv) assign(t *testing.T, unitID, leadID string) *Assignment {
	t.Helper()
	a, err := e.Distribution.AssignLead(context.Background(), unitID, leadID, nil)
	require.NoError(t, err)
	return a
}

// assertContiguous checks that active positions are exactly 1..N.
func (e *testEnv) assertContiguous(t *testing.T, unitID string) {
	t.Helper()
	rot, err := e.Store.GetRotation(context.Background(), unitID)
	require.NoError(t, err)
	for i, m := range rot.Active {
		require.Equal(t, i+1, m.SequencePosition, "agent %s", m.AgentID)
	}
}
