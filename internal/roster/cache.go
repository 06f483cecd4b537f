// Package roster keeps the scheduler's view of the miner registry.
//
// The cache polls the registry on its own interval and swaps in a new
// immutable snapshot on every successful poll. A failed poll keeps the last
// good snapshot, marked stale, so ticks never block on the registry.
package roster

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/hylo/internal/miner"
	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/log"
)

// Lister is the registry capability the cache polls
type Lister interface {
	List(ctx context.Context) ([]miner.Miner, error)
}

// Store persists the last good roster across restarts. LoadRoster returns
// an empty slice and a zero time when nothing is stored.
type Store interface {
	SaveRoster(ctx context.Context, miners []miner.Miner, updatedAt time.Time) error
	LoadRoster(ctx context.Context) ([]miner.Miner, time.Time, error)
}

// Status describes the cache for observers
type Status struct {
	Size                int       `json:"size"`
	LastUpdated         time.Time `json:"last_updated"`
	LastAttempt         time.Time `json:"last_attempt"`
	Stale               bool      `json:"stale"`
	Warm                bool      `json:"warm_started"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Cache owns the roster snapshot
type Cache struct {
	source Lister
	store  Store
	logger *log.Logger
	now    func() time.Time

	// refreshMu serializes polls so an older answer never replaces a newer one
	refreshMu sync.Mutex

	mu          sync.RWMutex
	current     *miner.Snapshot
	fresh       bool
	warm        bool
	failures    int
	lastErr     error
	lastAttempt time.Time
}

// New creates a cache. store may be nil.
func New(source Lister, store Store, logger *log.Logger) *Cache {
	return &Cache{
		source:  source,
		store:   store,
		logger:  logger.WithComponent("roster"),
		now:     time.Now,
		current: miner.NewSnapshot(nil, time.Time{}),
	}
}

// Current returns the last good snapshot, or an empty one before the first
// successful poll. It never blocks on the registry.
func (c *Cache) Current() *miner.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Refresh polls the registry once. On failure the previous snapshot stays
// current, is marked stale and is returned with an ErrorTypeStaleRoster
// error wrapping the registry failure.
func (c *Cache) Refresh(ctx context.Context) (*miner.Snapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := c.now()
	list, err := c.source.List(ctx)

	if err != nil && ctx.Err() != nil {
		return c.Current(), ctx.Err()
	}
	if err != nil {
		c.mu.Lock()
		c.failures++
		c.lastErr = err
		c.lastAttempt = start
		if !c.current.Stale() {
			c.current = c.current.AsStale()
		}
		snap, failures := c.current, c.failures
		c.mu.Unlock()

		c.logger.WithError(err).Warn("registry poll failed, keeping last good roster",
			"size", snap.Len(),
			"consecutive_failures", failures,
			"last_updated", snap.UpdatedAt(),
		)
		return snap, errors.Wrap(err, errors.ErrorTypeStaleRoster, "roster_refresh",
			"registry poll failed; serving last good roster").
			WithContext("consecutive_failures", failures)
	}

	snap := miner.NewSnapshot(list, c.now())

	c.mu.Lock()
	prev := c.current
	c.current = snap
	c.fresh = true
	c.failures = 0
	c.lastErr = nil
	c.lastAttempt = start
	c.mu.Unlock()

	added, removed := snap.Diff(prev)
	c.logger.LogRosterRefresh(snap.Len(), added, removed)
	c.logger.LogDuration("roster_refresh", c.now().Sub(start))

	if c.store != nil {
		if err := c.store.SaveRoster(ctx, snap.Miners(), snap.UpdatedAt()); err != nil {
			c.logger.WithError(err).Warn("failed to persist roster")
		}
	}

	return snap, nil
}

// Warm seeds the cache from the store, marked stale, unless a poll has
// already succeeded. It is a no-op without a store or stored roster.
func (c *Cache) Warm(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	list, updatedAt, err := c.store.LoadRoster(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "roster_warm", "failed to load stored roster")
	}
	if len(list) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh {
		return nil
	}
	c.current = miner.NewSnapshot(list, updatedAt).AsStale()
	c.warm = true

	c.logger.Info("roster warm started from store",
		"size", c.current.Len(),
		"last_updated", updatedAt,
	)
	return nil
}

// Run polls immediately and then every interval until ctx is done. Poll
// failures are logged and never end the loop.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	c.logger.Info("roster polling started", "interval", interval.String())
	defer c.logger.Info("roster polling stopped")

	_, _ = c.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = c.Refresh(ctx)
		}
	}
}

// Status reports the cache state
func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Status{
		Size:                c.current.Len(),
		LastUpdated:         c.current.UpdatedAt(),
		LastAttempt:         c.lastAttempt,
		Stale:               c.current.Stale(),
		Warm:                c.warm && !c.fresh,
		ConsecutiveFailures: c.failures,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}
