package directory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCacheSize = 4096

// Cached wraps a Directory and caches global active flags for a TTL.
// Member lists are always read through since resync must see the latest
// snapshot.
type Cached struct {
	Directory
	active *expirable.LRU[string, bool]
}

// NewCached wraps dir with an expiring active-flag cache.
func NewCached(dir Directory, ttl time.Duration) *Cached {
	return &Cached{
		Directory: dir,
		active:    expirable.NewLRU[string, bool](defaultCacheSize, nil, ttl),
	}
}

// IsAgentGloballyActive returns the cached flag or reads it through.
func (c *Cached) IsAgentGloballyActive(ctx context.Context, agentID string) (bool, error) {
	if v, ok := c.active.Get(agentID); ok {
		return v, nil
	}
	v, err := c.Directory.IsAgentGloballyActive(ctx, agentID)
	if err != nil {
		return false, err
	}
	c.active.Add(agentID, v)
	return v, nil
}

// Purge drops every cached flag.
func (c *Cached) Purge() {
	c.active.Purge()
}
