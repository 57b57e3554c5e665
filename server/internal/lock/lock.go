// Package lock provides the per-unit exclusive section. Holders of the same
// key are serialized; different keys never block each other. Waiting is
// bounded and gives up with ErrTimeout.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when a section could not be entered before the
	// deadline. It is safe to retry.
	ErrTimeout = errors.New("timed out waiting for unit lock")
	// ErrUnavailable is returned when a shared lock backend cannot be
	// reached. Nothing was held; it is safe to retry.
	ErrUnavailable = errors.New("unit lock backend unavailable")
)

// DefaultTimeout is the bounded wait used when none is configured.
const DefaultTimeout = 2 * time.Second

// Unlock releases a held section. Calling it more than once is a no-op.
type Unlock func()

// Locker grants exclusive sections keyed by string.
type Locker interface {
	Lock(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process Locker. Waiters for the same key are granted the
// section in arrival order.
type Local struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an in-process locker with the given bounded wait.
func NewLocal(timeout time.Duration) *Local {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Local{
		timeout: timeout,
		slots:   make(map[string]*slot),
	}
}

// Lock enters the section for key, waiting at most the configured timeout.
func (l *Local) Lock(ctx context.Context, key string) (Unlock, error) {
	s := l.acquireSlot(key)

	if err := ctx.Err(); err != nil {
		l.releaseSlot(key, s)
		return nil, err
	}

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.releaseSlot(key, s)
			})
		}, nil
	case <-timer.C:
		l.releaseSlot(key, s)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, key, l.timeout)
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or waited on.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *Local) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// chain acquires each locker in order under one shared deadline and
// releases in reverse.
type chain struct {
	timeout time.Duration
	lockers []Locker
}

// Chain composes lockers. The section is held only when every locker
// granted it, and the whole acquisition waits at most timeout.
func Chain(timeout time.Duration, lockers ...Locker) Locker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &chain{timeout: timeout}
	for _, l := range lockers {
		if l != nil {
			c.lockers = append(c.lockers, l)
		}
	}
	return c
}

func (c *chain) Lock(ctx context.Context, key string) (Unlock, error) {
	lockCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	held := make([]Unlock, 0, len(c.lockers))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, l := range c.lockers {
		unlock, err := l.Lock(lockCtx, key)
		if err != nil {
			releaseAll()
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, key, c.timeout)
			}
			return nil, err
		}
		held = append(held, unlock)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
