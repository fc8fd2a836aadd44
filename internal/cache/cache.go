// Package cache serves series from a durable store and refreshes them through a
// caller supplied fetch, collapsing concurrent refreshes of the same key into one.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/storage"
)

// ErrNoEntry is returned when a key has never been stored and the refresh failed.
var ErrNoEntry = errors.New("cache: no entry")

// FetchFunc produces a fresh series for a key.
type FetchFunc func(ctx context.Context) (series.Series, error)

// Entry is the latest successful fetch for a key.
type Entry struct {
	Key       series.Key
	Series    series.Series
	FetchedAt time.Time
	TTL       time.Duration
}

// Fresh reports whether now - FetchedAt < TTL.
func (e Entry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// Result is what GetOrRefresh hands back to a caller.
type Result struct {
	Series    series.Series
	FetchedAt time.Time
	// Stale is set when the entry is past its TTL and the refresh failed.
	Stale bool
	// Refreshed is set when this call (or the one it joined) fetched new data.
	Refreshed bool
	// Err is the refresh failure behind a stale result.
	Err error
}

// Failure records the last unsuccessful refresh of a key.
type Failure struct {
	At  time.Time
	Err error
}

// Options configure a Cache.
type Options struct {
	// FetchTimeout bounds a refresh independently of the callers waiting on it.
	FetchTimeout time.Duration
	Now          func() time.Time
}

type flight struct {
	entry   Entry
	fetched bool
}

// Cache is safe for concurrent use.
type Cache struct {
	store  storage.SeriesStore
	opts   Options
	logger zerolog.Logger
	group  singleflight.Group

	mu       sync.Mutex
	failures map[series.Key]Failure
}

// New wires a Cache around store.
func New(store storage.SeriesStore, opts Options, logger zerolog.Logger) *Cache {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 3 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		store:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "cache").Logger(),
		failures: make(map[series.Key]Failure),
	}
}

// Peek returns the stored entry for key without refreshing it.
func (c *Cache) Peek(ctx context.Context, key series.Key) (Entry, bool, error) {
	rec, ok, err := c.store.Load(ctx, key)
	if err != nil || !ok {
		return Entry{}, ok, err
	}
	return Entry{Key: rec.Key, Series: rec.Series, FetchedAt: rec.FetchedAt, TTL: rec.TTL}, true, nil
}

// GetOrRefresh returns the entry for key when fresh. Otherwise it runs fetch, with at
// most one fetch in flight per key; concurrent callers share its outcome. A failed
// refresh falls back to the stale entry when one exists.
func (c *Cache) GetOrRefresh(ctx context.Context, key series.Key, ttl time.Duration, fetch FetchFunc) (Result, error) {
	entry, ok, err := c.Peek(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("cache read failed, refreshing")
		ok = false
	}
	if ok && entry.Fresh(c.opts.Now()) {
		return Result{Series: entry.Series, FetchedAt: entry.FetchedAt}, nil
	}

	ch := c.group.DoChan(key.String(), func() (any, error) {
		// a flight that finished after our read may already have stored the key
		if cur, found, err := c.Peek(context.WithoutCancel(ctx), key); err == nil && found && cur.Fresh(c.opts.Now()) {
			return flight{entry: cur}, nil
		}
		entry, err := c.refresh(context.WithoutCancel(ctx), key, ttl, fetch)
		return flight{entry: entry, fetched: true}, err
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			fl := res.Val.(flight)
			return Result{Series: fl.entry.Series, FetchedAt: fl.entry.FetchedAt, Refreshed: fl.fetched}, nil
		}
		if ok {
			c.logger.Warn().
				Err(res.Err).
				Str("key", key.String()).
				Time("fetched_at", entry.FetchedAt).
				Msg("serving stale entry")
			return Result{Series: entry.Series, FetchedAt: entry.FetchedAt, Stale: true, Err: res.Err}, nil
		}
		return Result{}, fmt.Errorf("%w for %s: %w", ErrNoEntry, key, res.Err)
	}
}

// refresh runs detached from any single caller so one cancellation does not fail
// the others sharing the flight.
func (c *Cache) refresh(ctx context.Context, key series.Key, ttl time.Duration, fetch FetchFunc) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	defer cancel()

	s, err := fetch(ctx)
	if err != nil {
		c.recordFailure(key, err)
		return Entry{}, err
	}
	if s.IsPlaceholder() {
		err := errors.New("cache: fetch returned a placeholder series")
		c.recordFailure(key, err)
		return Entry{}, err
	}
	if s.Key() != key {
		err := fmt.Errorf("cache: fetched %s for key %s", s.Key(), key)
		c.recordFailure(key, err)
		return Entry{}, err
	}

	entry := Entry{Key: key, Series: s, FetchedAt: c.opts.Now(), TTL: ttl}
	if err := c.store.Save(ctx, storage.Record{Key: key, Series: s, FetchedAt: entry.FetchedAt, TTL: ttl}); err != nil {
		// the fresh data is still returned; the next call simply refetches
		c.logger.Error().Err(err).Str("key", key.String()).Msg("cache write failed")
	}

	c.mu.Lock()
	delete(c.failures, key)
	c.mu.Unlock()
	return entry, nil
}

func (c *Cache) recordFailure(key series.Key, err error) {
	c.mu.Lock()
	c.failures[key] = Failure{At: c.opts.Now(), Err: err}
	c.mu.Unlock()
}

// LastFailure returns the most recent refresh failure for key since its last success.
func (c *Cache) LastFailure(key series.Key) (Failure, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.failures[key]
	return f, ok
}
