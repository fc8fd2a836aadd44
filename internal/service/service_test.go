package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entsoe-watch/internal/alerting"
	"entsoe-watch/internal/config"
	"entsoe-watch/internal/fetcher"
	"entsoe-watch/internal/scheduler"
	"entsoe-watch/internal/series"
	"entsoe-watch/internal/storage"
	"entsoe-watch/internal/timeslot"
)

const zone = "10YNL----------L"

// dayPrices dips at 03:00-05:00 and 13:00-15:00.
var dayPrices = []float64{
	9, 9, 9, 2, 2, 9, 9, 9, 9, 9, 9, 9,
	9, 1, 1, 9, 9, 9, 9, 9, 9, 9, 9, 9,
}

type fakeSource struct {
	mu     sync.Mutex
	calls  map[series.DatasetType]int
	errFor map[series.DatasetType]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{calls: make(map[series.DatasetType]int), errFor: make(map[series.DatasetType]error)}
}

func (f *fakeSource) Fetch(ctx context.Context, q fetcher.Query, date timeslot.Date) (series.Series, error) {
	f.mu.Lock()
	f.calls[q.Dataset()]++
	err := f.errFor[q.Dataset()]
	f.mu.Unlock()
	if err != nil {
		return series.Series{}, err
	}

	key := fetcher.KeyFor(q, date)
	s := series.Series{
		Dataset:           key.Dataset,
		ZoneIn:            key.ZoneIn,
		ZoneOut:           key.ZoneOut,
		Date:              date,
		ResolutionMinutes: 60,
		Filter:            key.Filter,
		Provenance:        series.ProvenanceUpstream,
	}
	for pos := 1; pos <= 24; pos++ {
		value, unit := 100.0, series.UnitMW
		switch q.Dataset() {
		case series.DayAheadPrice:
			value, unit = dayPrices[pos-1], series.UnitCentPerKWh
		case series.GenerationForecast:
			value = float64(pos * 10)
		}
		s.Points = append(s.Points, series.Point{Position: pos, Value: value, Unit: unit})
	}
	return s, nil
}

func (f *fakeSource) count(ds series.DatasetType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ds]
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, note)
	return nil
}

type lockedStore struct {
	storage.SeriesStore
	acquired bool
}

func (l *lockedStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	return func() {}, l.acquired, nil
}

// midday keeps ticks a minute apart on the same UTC day.
func midday() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour).Add(12 * time.Hour)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Market: config.MarketConfig{
			Zone:            zone,
			Timezone:        "UTC",
			PSRTypes:        []string{"B16", "B19"},
			NetPositionSign: "as_published",
			Datasets:        []string{"day_ahead_price", "load_day_ahead", "load_actual", "generation_forecast"},
		},
		Cache: config.CacheConfig{
			Backend:       config.BackendFile,
			Dir:           t.TempDir(),
			FetchTimeout:  time.Minute,
			RetentionDays: 30,
			TTL: config.TTLConfig{
				DayAheadPrice:      24 * time.Hour,
				LoadDayAhead:       24 * time.Hour,
				LoadActual:         15 * time.Minute,
				GenerationForecast: 3 * time.Hour,
				NetPosition:        time.Hour,
				Exchange:           3 * time.Hour,
			},
		},
		Scheduler: config.SchedulerConfig{
			Interval:        time.Minute,
			Parallelism:     2,
			HorizonDays:     1,
			AdvisoryLockKey: 42,
		},
		Heuristics: config.HeuristicsConfig{Mode: "cheap_green_offpeak", CheapPercentile: 10, PeakLoadPercentile: 80, CheapestShare: 0.1},
		Blocks:     config.BlocksConfig{MaxGapMinutes: 60, MaxBlocks: 3, BestFraction: 0.8},
		Fallback:   config.FallbackConfig{Enabled: true, Price: 999, ResolutionMinutes: 60},
		Alerting:   config.AlertingConfig{Enabled: true, Channels: []string{"telegram"}},
	}
}

func newService(t *testing.T, cfg *config.Config, src fetcher.SeriesFetcher, store storage.SeriesStore, notifier alerting.Notifier) *Service {
	t.Helper()
	if store == nil {
		fs, err := storage.NewFileStore(cfg.Cache.Dir)
		require.NoError(t, err)
		store = fs
	}
	svc, err := New(cfg, nil, src, store, notifier, zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func TestPlanGroupsCheapSlots(t *testing.T) {
	src := newFakeSource()
	svc := newService(t, testConfig(t), src, nil, nil)
	date := svc.Today().AddDays(1)

	plan, err := svc.Plan(context.Background(), date)
	require.NoError(t, err)
	assert.Empty(t, plan.Warnings)
	assert.Equal(t, []int{4, 5, 14, 15}, plan.Recommendation.Positions)

	require.Len(t, plan.Blocks, 2)
	assert.Equal(t, "13:00 - 15:00", plan.Blocks[0].TimeRange)
	assert.Equal(t, 1, plan.Blocks[0].Rank)
	assert.True(t, plan.Blocks[0].IsBest)
	assert.Equal(t, "03:00 - 05:00", plan.Blocks[1].TimeRange)

	_, err = svc.Plan(context.Background(), date)
	require.NoError(t, err)
	assert.Equal(t, 1, src.count(series.DayAheadPrice), "second plan is served from cache")
	assert.Equal(t, 1, src.count(series.GenerationForecast))
	assert.Equal(t, 1, src.count(series.LoadDayAhead))
	assert.Zero(t, src.count(series.LoadActual), "future days use the load forecast")
}

func TestPlanUsesActualLoadForPastDays(t *testing.T) {
	src := newFakeSource()
	svc := newService(t, testConfig(t), src, nil, nil)

	_, err := svc.Plan(context.Background(), svc.Today().AddDays(-1))
	require.NoError(t, err)
	assert.Equal(t, 1, src.count(series.LoadActual))
	assert.Zero(t, src.count(series.LoadDayAhead))
}

func TestSeriesFallsBackToPlaceholder(t *testing.T) {
	src := newFakeSource()
	src.errFor[series.DayAheadPrice] = fetcher.ErrNoDataYet
	svc := newService(t, testConfig(t), src, nil, nil)
	date := svc.Today().AddDays(1)

	res, err := svc.Series(context.Background(), series.DayAheadPrice, date)
	require.NoError(t, err)
	assert.True(t, res.Series.IsPlaceholder())
	assert.ErrorIs(t, res.Err, fetcher.ErrNoDataYet)
	assert.Len(t, res.Series.Points, 24)
	assert.Equal(t, 999.0, res.Series.Points[0].Value)

	_, err = svc.Plan(context.Background(), date)
	assert.ErrorIs(t, err, ErrNoPrices)
	assert.ErrorIs(t, err, fetcher.ErrNoDataYet)

	cfg := testConfig(t)
	cfg.Fallback.Enabled = false
	strict := newService(t, cfg, src, nil, nil)
	_, err = strict.Series(context.Background(), series.DayAheadPrice, date)
	assert.ErrorIs(t, err, fetcher.ErrNoDataYet)
}

func TestPlanWarnsOnMissingGeneration(t *testing.T) {
	src := newFakeSource()
	src.errFor[series.GenerationForecast] = fetcher.ErrUpstreamUnavailable
	svc := newService(t, testConfig(t), src, nil, nil)

	plan, err := svc.Plan(context.Background(), svc.Today().AddDays(1))
	require.NoError(t, err)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "generation_forecast")
	assert.Empty(t, plan.Recommendation.Green)
}

func TestProcessTickRefreshesAndNotifiesOnce(t *testing.T) {
	src := newFakeSource()
	notifier := &recordingNotifier{}
	svc := newService(t, testConfig(t), src, nil, notifier)
	now := midday()
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.ProcessTick(context.Background(), now))
	assert.Equal(t, 2, src.count(series.DayAheadPrice), "today and tomorrow")
	assert.Equal(t, 1, src.count(series.LoadActual), "actual load only for today")
	assert.Len(t, notifier.notes, 2)
	assert.Equal(t, svc.Today(), notifier.notes[0].Date)
	assert.NotEmpty(t, notifier.notes[0].Blocks)

	require.NoError(t, svc.ProcessTick(context.Background(), now.Add(time.Minute)))
	assert.Equal(t, 2, src.count(series.DayAheadPrice), "fresh targets are not refetched")
	assert.Len(t, notifier.notes, 2)
}

func TestProcessTickNoDataIsRetriedLater(t *testing.T) {
	src := newFakeSource()
	src.errFor[series.DayAheadPrice] = fetcher.ErrNoDataYet
	cfg := testConfig(t)
	cfg.Market.Datasets = []string{"day_ahead_price"}
	cfg.Scheduler.NoDataRetry = 15 * time.Minute
	svc := newService(t, cfg, src, nil, nil)
	now := midday()
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.ProcessTick(context.Background(), now))
	key := fetcher.KeyFor(fetcher.DayAheadPrice{Zone: zone}, svc.Today()).String()
	due, ok := svc.Refresher().NextDue(key)
	require.True(t, ok)
	assert.False(t, due.Before(now.Add(15*time.Minute)))
}

func TestProcessTickSkipsWhenLockHeldElsewhere(t *testing.T) {
	src := newFakeSource()
	cfg := testConfig(t)
	fs, err := storage.NewFileStore(cfg.Cache.Dir)
	require.NoError(t, err)
	svc := newService(t, cfg, src, &lockedStore{SeriesStore: fs}, nil)

	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))
	assert.Zero(t, src.count(series.DayAheadPrice))
}

func TestProcessTickPrunesOldDays(t *testing.T) {
	cfg := testConfig(t)
	fs, err := storage.NewFileStore(cfg.Cache.Dir)
	require.NoError(t, err)

	old := timeslot.Today(time.Now(), time.UTC).AddDays(-40)
	src := newFakeSource()
	s, err := src.Fetch(context.Background(), fetcher.DayAheadPrice{Zone: zone}, old)
	require.NoError(t, err)
	require.NoError(t, fs.Save(context.Background(), storage.Record{Key: s.Key(), Series: s, FetchedAt: time.Now(), TTL: time.Hour}))

	svc := newService(t, cfg, src, fs, nil)
	require.NoError(t, svc.ProcessTick(context.Background(), time.Now()))

	_, ok, err := fs.Load(context.Background(), s.Key())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDatesWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.LookbackDays = 1
	cfg.Scheduler.HorizonDays = 2
	svc := newService(t, cfg, newFakeSource(), nil, nil)
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, []timeslot.Date{
		timeslot.NewDate(2024, time.June, 9),
		timeslot.NewDate(2024, time.June, 10),
		timeslot.NewDate(2024, time.June, 11),
		timeslot.NewDate(2024, time.June, 12),
	}, svc.Dates(series.DayAheadPrice, now))
	assert.Len(t, svc.Dates(series.LoadActual, now), 2)
}

func TestRunRequiresScheduler(t *testing.T) {
	svc := newService(t, testConfig(t), newFakeSource(), nil, nil)
	assert.Error(t, svc.Run(context.Background()))

	sched := scheduler.New(scheduler.Options{Interval: time.Hour, StartupDelay: time.Hour}, zerolog.Nop())
	withSched, err := New(testConfig(t), sched, newFakeSource(), nil, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, withSched.Run(context.Background()), "no store configured")
}
