package account

import (
	"context"
	"sync"
	"time"

	"github.com/careportal/careportal/internal/platform/secrets"
)

// CachedUsers is a read-through cache in front of a UserStore. The auth
// pipeline resolves a Principal on every request; this keeps the hot
// GetBySubject lookups off the database for up to TTL. Lookups by
// identifier (the login path) always go to the store, so password checks
// never run against a stale hash.
type CachedUsers struct {
	inner UserStore
	clock secrets.Clock
	ttl   time.Duration

	mu        sync.RWMutex
	bySubject map[string]userCacheEntry

	done      chan struct{}
	closeOnce sync.Once
}

type userCacheEntry struct {
	user      User
	expiresAt time.Time
}

// DefaultUserCacheTTL bounds how long a deactivation can go unnoticed by
// the pipeline.
const DefaultUserCacheTTL = 60 * time.Second

func NewCachedUsers(inner UserStore, clock secrets.Clock, ttl time.Duration) *CachedUsers {
	if clock == nil {
		clock = secrets.SystemClock{}
	}
	if ttl <= 0 {
		ttl = DefaultUserCacheTTL
	}
	c := &CachedUsers{
		inner:     inner,
		clock:     clock,
		ttl:       ttl,
		bySubject: make(map[string]userCacheEntry),
		done:      make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func (c *CachedUsers) GetBySubject(ctx context.Context, subjectID string) (*User, error) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.bySubject[subjectID]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		// Hand out a copy so callers can never mutate the cached record.
		u := entry.user
		return &u, nil
	}

	u, err := c.inner.GetBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.bySubject[subjectID] = userCacheEntry{user: *u, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	return u, nil
}

func (c *CachedUsers) GetByIdentifier(ctx context.Context, identifier string) (*User, error) {
	return c.inner.GetByIdentifier(ctx, identifier)
}

func (c *CachedUsers) Create(ctx context.Context, u *User) error {
	if err := c.inner.Create(ctx, u); err != nil {
		return err
	}
	c.Invalidate(u.SubjectID)
	return nil
}

func (c *CachedUsers) SetPasswordHash(ctx context.Context, subjectID, hash string, at time.Time) error {
	if err := c.inner.SetPasswordHash(ctx, subjectID, hash, at); err != nil {
		return err
	}
	c.Invalidate(subjectID)
	return nil
}

func (c *CachedUsers) SetVerified(ctx context.Context, subjectID, channel string, at time.Time) error {
	if err := c.inner.SetVerified(ctx, subjectID, channel, at); err != nil {
		return err
	}
	c.Invalidate(subjectID)
	return nil
}

// Invalidate drops the cached record for one subject.
func (c *CachedUsers) Invalidate(subjectID string) {
	c.mu.Lock()
	delete(c.bySubject, subjectID)
	c.mu.Unlock()
}

func (c *CachedUsers) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.done:
			return
		}
	}
}

func (c *CachedUsers) cleanup() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for subjectID, entry := range c.bySubject {
		if now.After(entry.expiresAt) {
			delete(c.bySubject, subjectID)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (c *CachedUsers) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
