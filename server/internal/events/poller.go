package events

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/store"
)

// subscriberBuffer is how many undelivered events a slow stream may hold
// before new ones are dropped for it.
const subscriberBuffer = 100

// PollerConfig contains configuration for the event poller.
type PollerConfig struct {
	// PollInterval is how often to poll when no publish woke the poller.
	PollInterval time.Duration
	// BatchSize is the maximum number of events to fetch per poll.
	BatchSize int
}

// DefaultPollerConfig returns the default poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval: 100 * time.Millisecond,
		BatchSize:    100,
	}
}

// Poller tails the unit_events table by sequence number and fans each event
// out to the streams subscribed to its unit. Tailing the table rather than
// broadcasting in memory lets every server instance see every event.
type Poller struct {
	store  *store.Store
	config PollerConfig
	log    *zap.Logger

	lastSeq atomic.Int64

	mu    sync.RWMutex
	units map[string]map[*Subscriber]struct{}
	next  int

	notifyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a new event poller.
func NewPoller(s *store.Store, config PollerConfig, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultPollerConfig().BatchSize
	}
	return &Poller{
		store:    s,
		config:   config,
		log:      log.Named("events"),
		units:    make(map[string]map[*Subscriber]struct{}),
		notifyCh: make(chan struct{}, 1),
	}
}

// Start begins tailing from the current end of the table; history is served
// separately by the broker.
func (p *Poller) Start(parentCtx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(parentCtx)

	maxSeq, err := p.store.GetMaxEventSeq(p.ctx)
	if err != nil {
		p.cancel()
		return err
	}
	p.lastSeq.Store(maxSeq)
	p.log.Info("event poller starting", zap.Int64("last_seq", maxSeq))

	p.wg.Add(1)
	go p.loop()
	return nil
}

// Stop ends polling and closes every subscriber so open streams return.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.log.Warn("timeout waiting for event poller to stop")
	}

	p.mu.Lock()
	for _, subs := range p.units {
		for sub := range subs {
			sub.Close()
		}
	}
	p.units = make(map[string]map[*Subscriber]struct{})
	p.mu.Unlock()
	p.log.Info("event poller stopped")
}

// NotifyNewEvent triggers an immediate poll instead of waiting for the
// next interval.
func (p *Poller) NotifyNewEvent() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// Subscribe registers a stream for one unit's events.
func (p *Poller) Subscribe(unitID string) *Subscriber {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.next++
	sub := &Subscriber{
		ID:     unitID + "#" + strconv.Itoa(p.next),
		UnitID: unitID,
		Events: make(chan *Event, subscriberBuffer),
		done:   make(chan struct{}),
	}
	subs := p.units[unitID]
	if subs == nil {
		subs = make(map[*Subscriber]struct{})
		p.units[unitID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes a subscription.
func (p *Poller) Unsubscribe(sub *Subscriber) {
	p.mu.Lock()
	if subs := p.units[sub.UnitID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(p.units, sub.UnitID)
		}
	}
	p.mu.Unlock()
	sub.Close()
}

// LastSeq returns the last seen sequence number.
func (p *Poller) LastSeq() int64 {
	return p.lastSeq.Load()
}

func (p *Poller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		case <-p.notifyCh:
		}
		p.poll()
	}
}

// poll reads events past lastSeq, one batch at a time until caught up, and
// delivers them in sequence order.
func (p *Poller) poll() {
	for p.ctx.Err() == nil {
		rows, err := p.store.ListEventsAfterSeq(p.ctx, p.lastSeq.Load(), p.config.BatchSize)
		if err != nil {
			if p.ctx.Err() == nil {
				p.log.Warn("failed to poll events", zap.Error(err))
			}
			return
		}
		if len(rows) == 0 {
			return
		}
		p.lastSeq.Store(rows[len(rows)-1].Seq)

		p.mu.RLock()
		for i := range rows {
			event := FromModel(&rows[i])
			for sub := range p.units[event.UnitID] {
				if !sub.offer(event) {
					p.log.Warn("subscriber buffer full, dropping event",
						zap.String("subscriber", sub.ID), zap.String("event", event.ID))
				}
			}
		}
		p.mu.RUnlock()

		if len(rows) < p.config.BatchSize {
			return
		}
	}
}
