package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entsoe-watch/internal/blocks"
	"entsoe-watch/internal/cache"
	"entsoe-watch/internal/fetcher"
	"entsoe-watch/internal/heuristic"
	"entsoe-watch/internal/scheduler"
	"entsoe-watch/internal/series"
	"entsoe-watch/internal/timeslot"
)

// ErrNoPrices is returned when a plan is requested for a day without real prices.
var ErrNoPrices = errors.New("no prices available")

// DayPlan is the planning outcome for one delivery day.
type DayPlan struct {
	Date           timeslot.Date            `json:"date"`
	Zone           string                   `json:"zone"`
	Prices         series.Series            `json:"-"`
	FetchedAt      time.Time                `json:"fetched_at"`
	Stale          bool                     `json:"stale"`
	DayAverage     float64                  `json:"day_average"`
	Recommendation heuristic.Recommendation `json:"recommendation"`
	Blocks         []blocks.Block           `json:"blocks"`
	SpreadUsed     float64                  `json:"spread_used"`
	Warnings       []string                 `json:"warnings,omitempty"`
}

func (s *Service) buildQuery(ds series.DatasetType) (fetcher.Query, error) {
	m := s.cfg.Market
	var q fetcher.Query
	switch ds {
	case series.DayAheadPrice:
		q = fetcher.DayAheadPrice{Zone: m.Zone}
	case series.LoadDayAhead:
		q = fetcher.LoadDayAhead{Zone: m.Zone}
	case series.LoadActual:
		la := fetcher.LoadActual{Zone: m.Zone, RequireInDomain: m.LoadActual.RequireInDomain}
		if m.LoadActual.RequireProcessType {
			la.ProcessType = m.LoadActual.ProcessType
		}
		q = la
	case series.GenerationForecast:
		q = fetcher.GenerationForecast{Zone: m.Zone, PSRTypes: m.PSRTypes}
	case series.NetPosition:
		sign, err := fetcher.ParseSignConvention(m.NetPositionSign)
		if err != nil {
			return nil, err
		}
		q = fetcher.NetPosition{Zone: m.Zone, Sign: sign}
	case series.Exchange:
		q = fetcher.Exchange{From: m.Zone, To: m.ExchangeTo}
	default:
		return nil, fmt.Errorf("unknown dataset %q", ds)
	}
	return fetcher.NewQuery(q)
}

// Query returns the configured query for a dataset.
func (s *Service) Query(ds series.DatasetType) (fetcher.Query, error) {
	q, ok := s.queries[ds]
	if !ok {
		return nil, fmt.Errorf("dataset %s is not configured", ds)
	}
	return q, nil
}

// Dates returns the delivery dates a dataset is kept fresh for at now. Actual load
// only exists for days that have started.
func (s *Service) Dates(ds series.DatasetType, now time.Time) []timeslot.Date {
	today := timeslot.Today(now, s.loc)
	last := today.AddDays(s.cfg.Scheduler.HorizonDays)
	if ds == series.LoadActual {
		last = today
	}
	var out []timeslot.Date
	for d := today.AddDays(-s.cfg.Scheduler.LookbackDays); !d.After(last); d = d.AddDays(1) {
		out = append(out, d)
	}
	return out
}

func (s *Service) job(ds series.DatasetType) scheduler.Job {
	return scheduler.Job{
		Name: string(ds),
		Targets: func(now time.Time) []scheduler.Target {
			q, ok := s.queries[ds]
			if !ok {
				return nil
			}
			dates := s.Dates(ds, now)
			targets := make([]scheduler.Target, 0, len(dates))
			for _, date := range dates {
				date := date
				targets = append(targets, scheduler.Target{
					Key: fetcher.KeyFor(q, date).String(),
					Refresh: func(ctx context.Context) (scheduler.Outcome, error) {
						return s.refresh(ctx, q, date)
					},
				})
			}
			return targets
		},
	}
}

// refresh keeps one key fresh. A stale answer counts as a failure so the target is
// retried on the failure schedule rather than after a full TTL.
func (s *Service) refresh(ctx context.Context, q fetcher.Query, date timeslot.Date) (scheduler.Outcome, error) {
	ttl := s.cfg.TTL(q.Dataset())
	res, err := s.cache.GetOrRefresh(ctx, fetcher.KeyFor(q, date), ttl, s.fetchFunc(q, date))
	if err != nil {
		return scheduler.Outcome{}, err
	}
	if res.Stale {
		return scheduler.Outcome{}, res.Err
	}
	if res.Refreshed && q.Dataset() == series.DayAheadPrice {
		s.markLanded(date)
	}
	return scheduler.Outcome{FetchedAt: res.FetchedAt, TTL: ttl}, nil
}

func (s *Service) fetchFunc(q fetcher.Query, date timeslot.Date) cache.FetchFunc {
	return func(ctx context.Context) (series.Series, error) {
		return s.source.Fetch(ctx, q, date)
	}
}

// Series returns the cached series for a dataset and date, refreshing it when
// stale. When nothing was ever stored and the refresh fails, a placeholder series
// is returned if fallbacks are enabled; Result.Err then carries the failure.
func (s *Service) Series(ctx context.Context, ds series.DatasetType, date timeslot.Date) (cache.Result, error) {
	if s.cache == nil {
		return cache.Result{}, fmt.Errorf("cache store not configured")
	}
	q, err := s.Query(ds)
	if err != nil {
		return cache.Result{}, err
	}

	res, err := s.cache.GetOrRefresh(ctx, fetcher.KeyFor(q, date), s.cfg.TTL(ds), s.fetchFunc(q, date))
	if err == nil {
		if res.Refreshed && ds == series.DayAheadPrice {
			s.markLanded(date)
		}
		return res, nil
	}
	if !s.cfg.Fallback.Enabled || !errors.Is(err, cache.ErrNoEntry) {
		return cache.Result{}, err
	}

	ph, phErr := fetcher.Placeholder(q, date, s.loc, s.cfg.Fallback.ResolutionMinutes, s.fallback)
	if phErr != nil {
		return cache.Result{}, errors.Join(err, phErr)
	}
	s.logger.Warn().Err(err).
		Str("dataset", string(ds)).
		Str("date", date.String()).
		Msg("serving placeholder series")
	return cache.Result{Series: ph, Err: err}, nil
}

// PriceSlots returns the day's price slots in local time.
func (s *Service) PriceSlots(ctx context.Context, date timeslot.Date) ([]series.Slot, cache.Result, error) {
	res, err := s.Series(ctx, series.DayAheadPrice, date)
	if err != nil {
		return nil, cache.Result{}, err
	}
	slots, err := res.Series.Slots(s.loc)
	if err != nil {
		return nil, cache.Result{}, err
	}
	return slots, res, nil
}

// loadDataset picks actual load for finished days and the day-ahead forecast
// otherwise.
func (s *Service) loadDataset(date timeslot.Date) series.DatasetType {
	if date.Before(s.Today()) && s.enabled(series.LoadActual) {
		return series.LoadActual
	}
	return series.LoadDayAhead
}

func (s *Service) enabled(ds series.DatasetType) bool {
	for _, d := range s.datasets {
		if d == ds {
			return true
		}
	}
	return false
}

// Plan ranks the day's slots and groups the recommended ones into blocks.
// Generation and load are optional inputs: when missing or placeholder the plan
// is built without them and a warning is attached.
func (s *Service) Plan(ctx context.Context, date timeslot.Date) (DayPlan, error) {
	prices, err := s.Series(ctx, series.DayAheadPrice, date)
	if err != nil {
		return DayPlan{}, err
	}
	if prices.Series.IsPlaceholder() {
		return DayPlan{}, fmt.Errorf("%w for %s: %w", ErrNoPrices, date, prices.Err)
	}

	plan := DayPlan{
		Date:       date,
		Zone:       s.cfg.Market.Zone,
		Prices:     prices.Series,
		FetchedAt:  prices.FetchedAt,
		Stale:      prices.Stale,
		DayAverage: prices.Series.Average(),
	}
	in := heuristic.PlanInput{Prices: prices.Series}
	resolution := prices.Series.ResolutionMinutes

	if s.enabled(series.GenerationForecast) {
		gen, warn := s.optional(ctx, series.GenerationForecast, date, resolution)
		if warn != "" {
			plan.Warnings = append(plan.Warnings, warn)
		} else {
			in.Generation = []series.Series{gen}
		}
	}
	loadDS := s.loadDataset(date)
	if s.enabled(loadDS) {
		load, warn := s.optional(ctx, loadDS, date, resolution)
		if warn != "" {
			plan.Warnings = append(plan.Warnings, warn)
		} else {
			in.Load = load
		}
	}

	rec, err := heuristic.Plan(in, s.policy)
	if err != nil {
		return DayPlan{}, fmt.Errorf("plan %s: %w", date, err)
	}
	plan.Recommendation = rec

	slots, err := prices.Series.Slots(s.loc)
	if err != nil {
		return DayPlan{}, err
	}
	plan.Blocks, plan.SpreadUsed = blocks.GroupWithFallback(
		selectPositions(slots, rec.Positions),
		s.blockOptions(plan.DayAverage),
		s.cfg.Blocks.MaxBlocks,
	)
	return plan, nil
}

// optional fetches a secondary input aligned to the price resolution. A non-empty
// warning means the input must be left out.
func (s *Service) optional(ctx context.Context, ds series.DatasetType, date timeslot.Date, resolution int) (series.Series, string) {
	res, err := s.Series(ctx, ds, date)
	if err != nil {
		return series.Series{}, fmt.Sprintf("%s unavailable: %v", ds, err)
	}
	if res.Series.IsPlaceholder() {
		return series.Series{}, fmt.Sprintf("%s unavailable: %v", ds, res.Err)
	}
	aligned, err := res.Series.Resample(resolution)
	if err != nil {
		return series.Series{}, fmt.Sprintf("%s not usable: %v", ds, err)
	}
	return aligned, ""
}

func selectPositions(slots []series.Slot, positions []int) []series.Slot {
	want := make(map[int]bool, len(positions))
	for _, p := range positions {
		want[p] = true
	}
	out := make([]series.Slot, 0, len(positions))
	for _, sl := range slots {
		if want[sl.Position] {
			out = append(out, sl)
		}
	}
	return out
}
