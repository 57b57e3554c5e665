// Package events provides a Server-Sent Events (SSE) system backed by database persistence.
// Events are written to the database and then polled and broadcast to subscribers.
// It is the notification collaborator of the distribution engine: events are
// only published after the change they describe has committed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obot-platform/leadqueue/server/internal/model"
	"github.com/obot-platform/leadqueue/server/internal/store"
)

// EventType represents the type of event being broadcast
type EventType string

const (
	// EventTypeAssignmentCreated indicates a lead was assigned to an agent
	EventTypeAssignmentCreated EventType = model.EventTypeAssignmentCreated
	// EventTypeRotationUpdated indicates a unit's rotation order or membership changed
	EventTypeRotationUpdated EventType = model.EventTypeRotationUpdated
	// EventTypeAbsenceUpdated indicates an absence was added or removed
	EventTypeAbsenceUpdated EventType = model.EventTypeAbsenceUpdated
)

// Event represents a server-sent event
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	UnitID    string          `json:"unitId"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// FromModel converts a model.UnitEvent to an Event
func FromModel(e *model.UnitEvent) *Event {
	return &Event{
		ID:        e.ID,
		Seq:       e.Seq,
		UnitID:    e.UnitID,
		Type:      EventType(e.Type),
		Timestamp: e.CreatedAt,
		Data:      e.Data,
	}
}

// AssignmentCreatedData is the payload for assignment_created events
type AssignmentCreatedData struct {
	LeadID               string    `json:"leadId"`
	AgentID              string    `json:"agentId"`
	PositionInQueue      int       `json:"positionInQueue"`
	TotalInQueue         int       `json:"totalInQueue"`
	PreviousOwnerAgentID *string   `json:"previousOwnerAgentId,omitempty"`
	AssignedAt           time.Time `json:"assignedAt"`
}

// RotationUpdatedData is the payload for rotation_updated events
type RotationUpdatedData struct {
	Reason   string   `json:"reason"` // reorder, toggle, resync
	AgentIDs []string `json:"agentIds"`
}

// AbsenceUpdatedData is the payload for absence_updated events
type AbsenceUpdatedData struct {
	AbsenceID string `json:"absenceId"`
	AgentID   string `json:"agentId"`
	Action    string `json:"action"` // added, removed
}

// Subscriber is one open stream for a unit. Events is closed when the
// subscription ends.
type Subscriber struct {
	ID     string
	UnitID string
	Events chan *Event

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// offer delivers event without blocking. It reports false when the buffer
// is full; a closed subscriber silently discards.
func (s *Subscriber) offer(event *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.Events <- event:
		return true
	default:
		return false
	}
}

// Close closes the subscriber's event channel. It is safe to call twice.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.Events)
	}
}

// Done returns a channel that's closed when the subscriber is closed
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Broker manages event publishing and subscription through the database.
// Events are persisted to the database first, then the poller picks them up
// and broadcasts to subscribers.
type Broker struct {
	store  *store.Store
	poller *Poller
}

// NewBroker creates a new event broker.
// The poller should be started separately via poller.Start().
func NewBroker(s *store.Store, poller *Poller) *Broker {
	return &Broker{
		store:  s,
		poller: poller,
	}
}

// Subscribe creates a new subscription for a unit's events.
func (b *Broker) Subscribe(unitID string) *Subscriber {
	return b.poller.Subscribe(unitID)
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	b.poller.Unsubscribe(sub)
}

// Publish persists an event to the database and notifies the poller.
func (b *Broker) Publish(ctx context.Context, unitID string, eventType EventType, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	modelEvent := &model.UnitEvent{
		ID:     uuid.New().String(),
		UnitID: unitID,
		Type:   string(eventType),
		Data:   dataBytes,
	}
	if err := b.store.CreateUnitEvent(ctx, modelEvent); err != nil {
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	b.poller.NotifyNewEvent()
	return FromModel(modelEvent), nil
}

// PublishAssignmentCreated publishes an assignment_created event.
func (b *Broker) PublishAssignmentCreated(ctx context.Context, entry *model.DistributionLogEntry) error {
	_, err := b.Publish(ctx, entry.UnitID, EventTypeAssignmentCreated, AssignmentCreatedData{
		LeadID:               entry.LeadID,
		AgentID:              entry.AgentID,
		PositionInQueue:      entry.PositionInQueue,
		TotalInQueue:         entry.TotalInQueue,
		PreviousOwnerAgentID: entry.PreviousOwnerAgentID,
		AssignedAt:           entry.AssignedAt,
	})
	return err
}

// PublishRotationUpdated publishes a rotation_updated event carrying the new
// active ordering.
func (b *Broker) PublishRotationUpdated(ctx context.Context, unitID, reason string, agentIDs []string) error {
	if agentIDs == nil {
		agentIDs = []string{}
	}
	_, err := b.Publish(ctx, unitID, EventTypeRotationUpdated, RotationUpdatedData{
		Reason:   reason,
		AgentIDs: agentIDs,
	})
	return err
}

// PublishAbsenceUpdated publishes an absence_updated event.
func (b *Broker) PublishAbsenceUpdated(ctx context.Context, absence *model.Absence, action string) error {
	_, err := b.Publish(ctx, absence.UnitID, EventTypeAbsenceUpdated, AbsenceUpdatedData{
		AbsenceID: absence.ID,
		AgentID:   absence.AgentID,
		Action:    action,
	})
	return err
}

// GetEventsSince returns all persisted events for a unit since the given time.
func (b *Broker) GetEventsSince(ctx context.Context, unitID string, since time.Time) ([]*Event, error) {
	modelEvents, err := b.store.ListUnitEventsSince(ctx, unitID, since)
	if err != nil {
		return nil, err
	}
	return fromModels(modelEvents), nil
}

// GetEventsAfterID returns all persisted events for a unit after the given event ID.
func (b *Broker) GetEventsAfterID(ctx context.Context, unitID, afterID string) ([]*Event, error) {
	modelEvents, err := b.store.ListUnitEventsAfterID(ctx, unitID, afterID)
	if err != nil {
		return nil, err
	}
	return fromModels(modelEvents), nil
}

func fromModels(in []model.UnitEvent) []*Event {
	out := make([]*Event, len(in))
	for i := range in {
		out[i] = FromModel(&in[i])
	}
	return out
}
