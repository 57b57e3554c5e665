package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/obot-platform/leadqueue/server/internal/config"
	"github.com/obot-platform/leadqueue/server/internal/database"
	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// testEnv holds the test environment
type testEnv struct {
	Store   *store.Store
	DB      *database.DB
	Cleanup func()
}

// testSetup creates a test database and store
func testSetup(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		DatabaseDSN:    fmt.Sprintf("sqlite3://%s/test.db", t.TempDir()),
		DatabaseDriver: "sqlite",
	}

	db, err := database.New(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	return &testEnv{
		Store: store.New(db.DB),
		DB:    db,
		Cleanup: func() {
			db.Close()
		},
	}
}

func testPollerConfig() PollerConfig {
	return PollerConfig{PollInterval: 10 * time.Millisecond, BatchSize: 100}
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case e := <-sub.Events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for event")
		return nil
	}
}

func TestPoller_StartsWithMaxSeq(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()

	// Insert some events before starting poller
	for i := 0; i < 5; i++ {
		event := &model.UnitEvent{
			UnitID: "unit-1",
			Type:   "test",
			Data:   json.RawMessage(`{}`),
		}
		if err := env.Store.CreateUnitEvent(ctx, event); err != nil {
			t.Fatalf("Failed to create event: %v", err)
		}
	}

	poller := NewPoller(env.Store, testPollerConfig(), nil)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	if poller.LastSeq() != 5 {
		t.Errorf("Expected lastSeq to be 5, got %d", poller.LastSeq())
	}
}

func TestBroker_PublishesToUnitSubscribers(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()
	poller := NewPoller(env.Store, testPollerConfig(), nil)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()
	broker := NewBroker(env.Store, poller)

	subA := broker.Subscribe("unit-a")
	subB := broker.Subscribe("unit-b")
	defer broker.Unsubscribe(subA)
	defer broker.Unsubscribe(subB)

	entry := &model.DistributionLogEntry{
		UnitID:          "unit-a",
		AgentID:         "agent-2",
		LeadID:          "lead-9",
		PositionInQueue: 2,
		TotalInQueue:    3,
		AssignedAt:      time.Now().UTC(),
	}
	if err := broker.PublishAssignmentCreated(ctx, entry); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if err := broker.PublishRotationUpdated(ctx, "unit-b", "reorder", []string{"x", "y"}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	got := receive(t, subA)
	if got.Type != EventTypeAssignmentCreated || got.UnitID != "unit-a" {
		t.Fatalf("unexpected event for unit-a: %+v", got)
	}
	var data AssignmentCreatedData
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	if data.AgentID != "agent-2" || data.LeadID != "lead-9" || data.PositionInQueue != 2 || data.TotalInQueue != 3 {
		t.Errorf("unexpected payload: %+v", data)
	}

	got = receive(t, subB)
	if got.Type != EventTypeRotationUpdated {
		t.Fatalf("unexpected event for unit-b: %+v", got)
	}

	// Neither subscriber sees the other unit's event
	select {
	case e := <-subA.Events:
		t.Errorf("unit-a received extra event %+v", e)
	case e := <-subB.Events:
		t.Errorf("unit-b received extra event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_GetEventsAfterID(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()
	poller := NewPoller(env.Store, testPollerConfig(), nil)
	broker := NewBroker(env.Store, poller)

	first, err := broker.Publish(ctx, "unit-1", EventTypeAbsenceUpdated, AbsenceUpdatedData{AbsenceID: "a", AgentID: "x", Action: "added"})
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if _, err := broker.Publish(ctx, "unit-1", EventTypeAbsenceUpdated, AbsenceUpdatedData{AbsenceID: "a", AgentID: "x", Action: "removed"}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	if _, err := broker.Publish(ctx, "unit-2", EventTypeAbsenceUpdated, AbsenceUpdatedData{}); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	after, err := broker.GetEventsAfterID(ctx, "unit-1", first.ID)
	if err != nil {
		t.Fatalf("GetEventsAfterID: %v", err)
	}
	if len(after) != 1 {
		t.Fatalf("Expected 1 event after %s, got %d", first.ID, len(after))
	}

	all, err := broker.GetEventsAfterID(ctx, "unit-1", "unknown")
	if err != nil {
		t.Fatalf("GetEventsAfterID: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected unknown id to replay 2 events, got %d", len(all))
	}
}

func TestPoller_StopClosesSubscribers(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	poller := NewPoller(env.Store, testPollerConfig(), nil)
	if err := poller.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	sub := poller.Subscribe("unit-1")
	poller.Stop()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed on stop")
	}
	// Closing twice is a no-op
	sub.Close()
}

func TestCleaner_DeletesExpiredEvents(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()
	old := &model.UnitEvent{UnitID: "unit-1", Type: "test", Data: json.RawMessage(`{}`)}
	if err := env.Store.CreateUnitEvent(ctx, old); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}
	if err := env.DB.Model(old).Update("created_at", time.Now().UTC().Add(-48*time.Hour)).Error; err != nil {
		t.Fatalf("Failed to age event: %v", err)
	}
	fresh := &model.UnitEvent{UnitID: "unit-1", Type: "test", Data: json.RawMessage(`{}`)}
	if err := env.Store.CreateUnitEvent(ctx, fresh); err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}

	c := NewCleaner(env.Store, 24*time.Hour, nil)
	c.cleanup(ctx)

	remaining, err := env.Store.ListUnitEventsAfterID(ctx, "unit-1", "")
	if err != nil {
		t.Fatalf("ListUnitEventsAfterID: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != fresh.ID {
		t.Errorf("Expected only the fresh event to remain, got %d", len(remaining))
	}
}

func TestPoller_DrainsInBatches(t *testing.T) {
	env := testSetup(t)
	defer env.Cleanup()

	ctx := context.Background()
	poller := NewPoller(env.Store, PollerConfig{PollInterval: time.Hour, BatchSize: 2}, nil)
	if err := poller.Start(ctx); err != nil {
		t.Fatalf("Failed to start poller: %v", err)
	}
	defer poller.Stop()

	sub := poller.Subscribe("unit-1")
	other := poller.Subscribe("unit-2")
	broker := NewBroker(env.Store, poller)

	for i := 0; i < 5; i++ {
		if _, err := broker.Publish(ctx, "unit-1", EventTypeRotationUpdated, map[string]int{"n": i}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	var last int64
	for i := 0; i < 5; i++ {
		e := receive(t, sub)
		if e.Seq <= last {
			t.Fatalf("events out of order: %d after %d", e.Seq, last)
		}
		last = e.Seq
	}

	select {
	case e := <-other.Events:
		t.Fatalf("unit-2 subscriber got a unit-1 event: %+v", e)
	default:
	}

	poller.Unsubscribe(sub)
	if _, ok := <-sub.Events; ok {
		t.Fatal("expected closed channel after Unsubscribe")
	}
}
