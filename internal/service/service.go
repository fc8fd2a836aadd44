package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"entsoe-watch/internal/alerting"
	"entsoe-watch/internal/blocks"
	"entsoe-watch/internal/cache"
	"entsoe-watch/internal/config"
	"entsoe-watch/internal/fetcher"
	"entsoe-watch/internal/heuristic"
	"entsoe-watch/internal/scheduler"
	"entsoe-watch/internal/series"
	"entsoe-watch/internal/storage"
	"entsoe-watch/internal/timeslot"
)

// Service orchestrates fetching, caching, planning and notifications.
type Service struct {
	cfg       *config.Config
	scheduler *scheduler.Scheduler
	source    fetcher.SeriesFetcher
	cache     *cache.Cache
	store     storage.SeriesStore
	notifier  alerting.Notifier
	logger    zerolog.Logger

	loc       *time.Location
	datasets  []series.DatasetType
	queries   map[series.DatasetType]fetcher.Query
	policy    heuristic.Policy
	fallback  fetcher.Fallback
	refresher *scheduler.Refresher
	locker    storage.AdvisoryLocker
	lockKey   int64
	now       func() time.Time

	mu        sync.Mutex
	landed    map[timeslot.Date]bool
	notified  map[timeslot.Date]bool
	lastPrune timeslot.Date
}

// New constructs the service. sched may be nil for one-shot commands.
func New(cfg *config.Config, sched *scheduler.Scheduler, source fetcher.SeriesFetcher, store storage.SeriesStore, notifier alerting.Notifier, logger zerolog.Logger) (*Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	datasets, err := cfg.DatasetTypes()
	if err != nil {
		return nil, err
	}
	mode, err := heuristic.ParseMode(cfg.Heuristics.Mode)
	if err != nil {
		return nil, fmt.Errorf("heuristics.mode: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		scheduler: sched,
		source:    source,
		store:     store,
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		loc:       loc,
		datasets:  datasets,
		queries:   make(map[series.DatasetType]fetcher.Query),
		policy: heuristic.Policy{
			Mode:               mode,
			CheapPercentile:    cfg.Heuristics.CheapPercentile,
			GreenTopN:          cfg.Heuristics.GreenTopN,
			PeakLoadPercentile: cfg.Heuristics.PeakLoadPercentile,
			CheapestShare:      cfg.Heuristics.CheapestShare,
		},
		fallback: fetcher.Fallback{Price: cfg.Fallback.Price, Quantity: cfg.Fallback.Quantity},
		lockKey:  cfg.Scheduler.AdvisoryLockKey,
		now:      time.Now,
		landed:   make(map[timeslot.Date]bool),
		notified: make(map[timeslot.Date]bool),
	}

	for _, ds := range series.DatasetTypes {
		q, err := s.buildQuery(ds)
		if err != nil {
			if ds == series.Exchange && cfg.Market.ExchangeTo == "" {
				continue
			}
			return nil, fmt.Errorf("%s query: %w", ds, err)
		}
		s.queries[ds] = q
	}

	if store != nil {
		s.cache = cache.New(store, cache.Options{FetchTimeout: cfg.Cache.FetchTimeout}, logger)
		if l, ok := store.(storage.AdvisoryLocker); ok {
			s.locker = l
		}
	}

	jobs := make([]scheduler.Job, 0, len(datasets))
	for _, ds := range datasets {
		jobs = append(jobs, s.job(ds))
	}
	s.refresher = scheduler.NewRefresher(jobs, scheduler.RefresherOptions{
		TickInterval:   cfg.Scheduler.Interval,
		JitterFraction: cfg.Scheduler.JitterFraction,
		NoDataRetry:    cfg.Scheduler.NoDataRetry,
		FailureRetry:   cfg.Scheduler.FailureRetry,
		Parallelism:    cfg.Scheduler.Parallelism,
		IsNoData:       func(err error) bool { return errors.Is(err, fetcher.ErrNoDataYet) },
	}, logger)

	return s, nil
}

// Location returns the market time zone.
func (s *Service) Location() *time.Location { return s.loc }

// Today returns the current delivery date in the market time zone.
func (s *Service) Today() timeslot.Date { return timeslot.Today(s.now(), s.loc) }

// Refresher exposes the per-target schedule.
func (s *Service) Refresher() *scheduler.Refresher { return s.refresher }

// Run begins the refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	if s.cache == nil {
		return fmt.Errorf("cache store not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick runs one refresh pass unless another instance holds the lock.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, tick)
}

func (s *Service) executeTick(ctx context.Context, tick time.Time) error {
	summary, err := s.refresher.Tick(ctx, tick)
	if err != nil {
		return fmt.Errorf("refresh pass: %w", err)
	}

	s.logger.Info().Time("tick", tick).
		Int("targets", summary.Targets).
		Int("due", summary.Due).
		Int("refreshed", summary.Refreshed).
		Int("no_data", summary.NoData).
		Int("failed", summary.Failed).
		Msg("refresh pass complete")

	s.notifyLanded(ctx)
	s.prune(ctx, tick)
	return nil
}

// notifyLanded pushes the plan of every delivery day whose prices arrived during
// the pass, once per day.
func (s *Service) notifyLanded(ctx context.Context) {
	s.mu.Lock()
	dates := make([]timeslot.Date, 0, len(s.landed))
	for d := range s.landed {
		if !s.notified[d] {
			dates = append(dates, d)
		}
	}
	s.landed = make(map[timeslot.Date]bool)
	s.mu.Unlock()

	if !s.cfg.Alerting.Enabled || s.notifier == nil {
		return
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	today := s.Today()
	for _, date := range dates {
		if date.Before(today) {
			continue
		}
		if err := s.NotifyPlan(ctx, date); err != nil {
			s.logger.Error().Err(err).Str("date", date.String()).Msg("failed to dispatch plan")
			continue
		}
		s.mu.Lock()
		s.notified[date] = true
		s.mu.Unlock()
	}
}

// NotifyPlan builds the plan for date and hands it to the notifier.
func (s *Service) NotifyPlan(ctx context.Context, date timeslot.Date) error {
	if s.notifier == nil {
		return fmt.Errorf("notifier not configured")
	}
	plan, err := s.Plan(ctx, date)
	if err != nil {
		return err
	}
	note := alerting.Notification{
		Date:       date,
		Zone:       s.cfg.Market.Zone,
		Unit:       series.UnitCentPerKWh,
		DayAverage: decimal.NewFromFloat(plan.DayAverage),
		Blocks:     plan.Blocks,
		Channels:   s.cfg.Alerting.Channels,
	}
	if plan.Stale {
		note.AdditionalMsg = fmt.Sprintf("Prices last fetched %s\n", plan.FetchedAt.In(s.loc).Format(time.RFC3339))
	}
	return s.notifier.Notify(ctx, note)
}

func (s *Service) markLanded(date timeslot.Date) {
	s.mu.Lock()
	s.landed[date] = true
	s.mu.Unlock()
}

// prune drops cached days older than the retention window, at most once per day.
func (s *Service) prune(ctx context.Context, tick time.Time) {
	if s.store == nil || s.cfg.Cache.RetentionDays <= 0 {
		return
	}
	today := timeslot.Today(tick, s.loc)
	s.mu.Lock()
	if s.lastPrune == today {
		s.mu.Unlock()
		return
	}
	s.lastPrune = today
	s.mu.Unlock()

	cutoff := today.AddDays(-s.cfg.Cache.RetentionDays)
	removed, err := s.store.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Str("before", cutoff.String()).Msg("failed to prune cache")
		return
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Str("before", cutoff.String()).Msg("cache pruned")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

// blockOptions maps configuration onto grouping options for one day.
func (s *Service) blockOptions(dayAverage float64) blocks.Options {
	return blocks.Options{
		MaxGapMinutes: s.cfg.Blocks.MaxGapMinutes,
		MaxSpread:     s.cfg.Blocks.MaxSpread,
		BestFraction:  s.cfg.Blocks.BestFraction,
		DayAverage:    &dayAverage,
	}
}
