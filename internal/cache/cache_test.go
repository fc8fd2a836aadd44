package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/storage"
	"entsoe-watch/internal/timeslot"
)

type memStore struct {
	mu      sync.Mutex
	records map[series.Key]storage.Record
	onLoad  func()
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[series.Key]storage.Record)}
}

// Load reads the record before running onLoad, so a held load returns what was
// stored when it started.
func (m *memStore) Load(_ context.Context, key series.Key) (storage.Record, bool, error) {
	m.mu.Lock()
	rec, ok := m.records[key]
	m.mu.Unlock()
	if m.onLoad != nil {
		m.onLoad()
	}
	return rec, ok, nil
}

func (m *memStore) Save(_ context.Context, rec storage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = rec
	m.saves++
	return nil
}

func (m *memStore) Prune(context.Context, timeslot.Date) (int, error) {
	return 0, nil
}

func (m *memStore) Close() error {
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func priceSeries(value float64) series.Series {
	return series.Series{
		Dataset:           series.DayAheadPrice,
		ZoneIn:            "10YNL----------L",
		ZoneOut:           "10YNL----------L",
		Date:              timeslot.NewDate(2024, time.June, 1),
		ResolutionMinutes: 60,
		Points:            []series.Point{{Position: 1, Value: value, Unit: series.UnitCentPerKWh}},
		Provenance:        series.ProvenanceUpstream,
	}
}

func newCache(store storage.SeriesStore, clock *fakeClock) *Cache {
	return New(store, Options{FetchTimeout: time.Second, Now: clock.Now}, zerolog.Nop())
}

func TestGetOrRefreshServesFreshEntryWithoutFetching(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	s := priceSeries(5)
	store.records[s.Key()] = storage.Record{Key: s.Key(), Series: s, FetchedAt: clock.Now().Add(-time.Hour), TTL: 24 * time.Hour}

	c := newCache(store, clock)
	res, err := c.GetOrRefresh(context.Background(), s.Key(), 24*time.Hour, func(context.Context) (series.Series, error) {
		t.Fatal("fresh entry must not be refetched")
		return series.Series{}, nil
	})
	require.NoError(t, err)
	assert.False(t, res.Refreshed)
	assert.False(t, res.Stale)
	assert.Equal(t, 5.0, res.Series.Points[0].Value)
}

func TestGetOrRefreshFetchesAndStoresMissingEntry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	c := newCache(store, clock)
	key := priceSeries(0).Key()

	res, err := c.GetOrRefresh(context.Background(), key, time.Hour, func(context.Context) (series.Series, error) {
		return priceSeries(7), nil
	})
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, clock.Now(), res.FetchedAt)

	entry, ok, err := c.Peek(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Hour, entry.TTL)
	assert.True(t, entry.Fresh(clock.Now().Add(59*time.Minute)))
	assert.False(t, entry.Fresh(clock.Now().Add(time.Hour)))
}

func TestGetOrRefreshServesStaleOnFailure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	s := priceSeries(3)
	fetchedAt := clock.Now().Add(-2 * time.Hour)
	store.records[s.Key()] = storage.Record{Key: s.Key(), Series: s, FetchedAt: fetchedAt, TTL: time.Hour}

	c := newCache(store, clock)
	boom := errors.New("upstream down")
	res, err := c.GetOrRefresh(context.Background(), s.Key(), time.Hour, func(context.Context) (series.Series, error) {
		return series.Series{}, boom
	})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, fetchedAt, res.FetchedAt)
	assert.Equal(t, 3.0, res.Series.Points[0].Value)

	f, ok := c.LastFailure(s.Key())
	require.True(t, ok)
	assert.ErrorIs(t, f.Err, boom)

	_, err = c.GetOrRefresh(context.Background(), s.Key(), time.Hour, func(context.Context) (series.Series, error) {
		return priceSeries(4), nil
	})
	require.NoError(t, err)
	_, ok = c.LastFailure(s.Key())
	assert.False(t, ok, "success clears the failure")
}

func TestGetOrRefreshFailsWithoutEntry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	c := newCache(newMemStore(), clock)
	boom := errors.New("rejected")

	_, err := c.GetOrRefresh(context.Background(), priceSeries(0).Key(), time.Hour, func(context.Context) (series.Series, error) {
		return series.Series{}, boom
	})
	assert.ErrorIs(t, err, ErrNoEntry)
	assert.ErrorIs(t, err, boom)
}

func TestGetOrRefreshRejectsPlaceholder(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	c := newCache(store, clock)

	_, err := c.GetOrRefresh(context.Background(), priceSeries(0).Key(), time.Hour, func(context.Context) (series.Series, error) {
		s := priceSeries(999)
		s.Provenance = series.ProvenancePlaceholder
		return s, nil
	})
	assert.ErrorIs(t, err, ErrNoEntry)
	assert.Zero(t, store.saves)
}

func TestGetOrRefreshSingleFlight(t *testing.T) {
	const callers = 8
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()

	var loaded sync.WaitGroup
	loaded.Add(callers)
	var loads atomic.Int32
	store.onLoad = func() {
		if loads.Add(1) <= callers {
			loaded.Done()
		}
	}

	c := newCache(store, clock)
	release := make(chan struct{})
	var fetches atomic.Int32
	fetch := func(context.Context) (series.Series, error) {
		fetches.Add(1)
		<-release
		return priceSeries(9), nil
	}

	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrRefresh(context.Background(), priceSeries(0).Key(), time.Hour, fetch)
		}(i)
	}

	loaded.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, 1, store.saves)
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, 9.0, results[i].Series.Points[0].Value)
	}
}

func TestGetOrRefreshCallerCancellationDoesNotAbortFetch(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()
	c := newCache(store, clock)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	release := make(chan struct{})

	go func() {
		_, err := c.GetOrRefresh(ctx, priceSeries(0).Key(), time.Hour, func(fctx context.Context) (series.Series, error) {
			close(started)
			<-release
			if err := fctx.Err(); err != nil {
				return series.Series{}, err
			}
			return priceSeries(2), nil
		})
		done <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	close(release)

	require.Eventually(t, func() bool {
		_, ok, _ := c.Peek(context.Background(), priceSeries(0).Key())
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestGetOrRefreshSkipsFetchWhenFlightJustStored(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore()

	var loads atomic.Int32
	held := make(chan struct{})
	gate := make(chan struct{})
	store.onLoad = func() {
		if loads.Add(1) == 1 {
			close(held)
			<-gate
		}
	}

	c := newCache(store, clock)
	var fetches atomic.Int32
	fetch := func(context.Context) (series.Series, error) {
		fetches.Add(1)
		return priceSeries(6), nil
	}
	key := priceSeries(0).Key()

	late := make(chan Result, 1)
	go func() {
		res, err := c.GetOrRefresh(context.Background(), key, time.Hour, fetch)
		assert.NoError(t, err)
		late <- res
	}()

	<-held
	first, err := c.GetOrRefresh(context.Background(), key, time.Hour, fetch)
	require.NoError(t, err)
	assert.True(t, first.Refreshed)
	close(gate)

	second := <-late
	assert.False(t, second.Refreshed)
	assert.Equal(t, 6.0, second.Series.Points[0].Value)
	assert.Equal(t, int32(1), fetches.Load())
	assert.Equal(t, 1, store.saves)
}
