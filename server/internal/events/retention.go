package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/obot-platform/leadqueue/server/internal/store"
)

// Cleaner periodically deletes persisted events older than the retention
// window. The distribution log is never pruned here.
type Cleaner struct {
	store     *store.Store
	retention time.Duration
	interval  time.Duration
	log       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCleaner creates a cleaner. A zero retention disables it.
func NewCleaner(s *store.Store, retention time.Duration, log *zap.Logger) *Cleaner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{
		store:     s,
		retention: retention,
		interval:  time.Hour,
		log:       log.Named("events"),
	}
}

// Start runs one cleanup immediately and then every interval until Stop.
func (c *Cleaner) Start(parentCtx context.Context) {
	if c.retention <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parentCtx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.cleanup(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.cleanup(ctx)
			}
		}
	}()
}

// Stop halts the cleanup loop.
func (c *Cleaner) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
}

func (c *Cleaner) cleanup(ctx context.Context) {
	deleted, err := c.store.DeleteOldUnitEvents(ctx, c.retention)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("failed to delete old events", zap.Error(err))
		}
		return
	}
	if deleted > 0 {
		c.log.Info("deleted old events", zap.Int64("count", deleted), zap.Duration("retention", c.retention))
	}
}
