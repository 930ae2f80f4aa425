package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/veridianhealth/scheduling-engine/pkg/logging"

	"github.com/veridianhealth/scheduling-engine/internal/schedule"
)

// ScheduleFetcher is the slice of the calendar client the cache needs.
type ScheduleFetcher interface {
	FetchDaySchedule(ctx context.Context, providerID string, date time.Time) (*schedule.DaySchedule, error)
}

// Observer receives cache lookup outcomes ("hit", "miss", "stale").
// Implemented by the metrics package; nil observers are ignored.
type Observer interface {
	ObserveCacheLookup(outcome string)
}

// Result is a cached or freshly fetched day schedule. Degraded marks a
// stale entry served because the downstream fetch failed; callers treat
// it as valid data and log at warning level only.
type Result struct {
	Schedule  *schedule.DaySchedule
	FetchedAt time.Time
	FromCache bool
	Degraded  bool
}

// Cache serves day schedules with a short TTL and a stale fallback.
// Availability is functionally more important than freshness: a fetch
// failure returns the last known schedule when one exists.
type Cache struct {
	store    Store
	fetcher  ScheduleFetcher
	ttl      time.Duration
	maxAge   time.Duration
	logger   *logging.Logger
	observer Observer
	now      func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) CacheOption {
	return func(c *Cache) { c.observer = o }
}

// WithClock substitutes the time source; tests use this to age entries.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache builds a cache over store and fetcher. Zero ttl/maxAge get
// the defaults (5 minutes, 1 hour).
func NewCache(store Store, fetcher ScheduleFetcher, ttl, maxAge time.Duration, logger *logging.Logger, opts ...CacheOption) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	if logger == nil {
		logger = logging.Default()
	}
	c := &Cache{
		store:   store,
		fetcher: fetcher,
		ttl:     ttl,
		maxAge:  maxAge,
		logger:  logger.WithComponent("availability"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetDaySchedule returns the provider's schedule for a date, from cache
// when fresh, otherwise fetched. A failed fetch falls back to any cached
// entry, even an expired one, flagged Degraded.
func (c *Cache) GetDaySchedule(ctx context.Context, providerID string, date time.Time) (*Result, error) {
	key := cacheKey(providerID, date)

	cached, ok, err := c.store.Get(ctx, key)
	if err != nil {
		// a broken backend must not take availability down with it
		c.logger.Warn("cache read failed", "error", err, "provider", providerID)
		ok = false
	}
	if ok && c.now().Sub(cached.FetchedAt) < c.ttl {
		c.observe("hit")
		return &Result{Schedule: cached.Schedule, FetchedAt: cached.FetchedAt, FromCache: true}, nil
	}

	fresh, fetchErr := c.fetcher.FetchDaySchedule(ctx, providerID, date)
	if fetchErr == nil {
		entry := Entry{Schedule: fresh, FetchedAt: c.now()}
		if err := c.store.Set(ctx, key, entry); err != nil {
			c.logger.Warn("cache write failed", "error", err, "provider", providerID)
		}
		c.observe("miss")
		return &Result{Schedule: fresh, FetchedAt: entry.FetchedAt}, nil
	}

	if ok {
		c.logger.Warn("serving stale schedule after fetch failure",
			"provider", providerID,
			"date", schedule.DateKey(date),
			"age", c.now().Sub(cached.FetchedAt).String(),
			"error", fetchErr)
		c.observe("stale")
		return &Result{Schedule: cached.Schedule, FetchedAt: cached.FetchedAt, FromCache: true, Degraded: true}, nil
	}

	return nil, fmt.Errorf("availability: fetch day schedule: %w", fetchErr)
}

// Invalidate removes one cached day when date is non-zero, or every
// entry for the provider otherwise. Used after a successful booking to
// force a refetch.
func (c *Cache) Invalidate(ctx context.Context, providerID string, date time.Time) error {
	if date.IsZero() {
		if err := c.store.DeleteByProvider(ctx, providerID); err != nil {
			return fmt.Errorf("availability: invalidate provider: %w", err)
		}
		return nil
	}
	if err := c.store.Delete(ctx, cacheKey(providerID, date)); err != nil {
		return fmt.Errorf("availability: invalidate day: %w", err)
	}
	return nil
}

// Sweep removes entries older than the hard age bound regardless of TTL.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	removed, err := c.store.DeleteOlderThan(ctx, c.now().Add(-c.maxAge))
	if err != nil {
		return removed, fmt.Errorf("availability: sweep: %w", err)
	}
	return removed, nil
}

// RunSweeper blocks, sweeping every interval until ctx is cancelled.
// Callers run it in its own goroutine.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Warn("cache sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				c.logger.Debug("cache sweep removed entries", "removed", removed)
			}
		}
	}
}

// CheckBulk probes several candidate intervals, fetching each involved
// day at most once. The result maps slice index to "interval does not
// overlap any busy slot"; conflict rules are the detector's job.
func (c *Cache) CheckBulk(ctx context.Context, providerID string, candidates []schedule.TimeInterval) (map[int]bool, error) {
	byDate := make(map[string][]int)
	for i, iv := range candidates {
		byDate[schedule.DateKey(iv.Start)] = append(byDate[schedule.DateKey(iv.Start)], i)
	}

	results := make(map[int]bool, len(candidates))
	for _, indexes := range byDate {
		res, err := c.GetDaySchedule(ctx, providerID, candidates[indexes[0]].Start)
		if err != nil {
			return nil, err
		}
		for _, i := range indexes {
			results[i] = IsIntervalFree(res.Schedule, candidates[i])
		}
	}
	return results, nil
}

func (c *Cache) observe(outcome string) {
	if c.observer != nil {
		c.observer.ObserveCacheLookup(outcome)
	}
}
