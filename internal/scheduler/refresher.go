package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Outcome describes a successful target refresh.
type Outcome struct {
	FetchedAt time.Time
	TTL       time.Duration
}

// Target is one refreshable key.
type Target struct {
	Key     string
	Refresh func(ctx context.Context) (Outcome, error)
}

// Job expands into the targets that matter at a given instant, e.g. one per zone
// and delivery date.
type Job struct {
	Name    string
	Targets func(now time.Time) []Target
}

// RefresherOptions tune retry spacing and parallelism.
type RefresherOptions struct {
	// TickInterval bounds the jitter: each due time gets up to JitterFraction of it.
	TickInterval   time.Duration
	JitterFraction float64
	NoDataRetry    time.Duration
	FailureRetry   time.Duration
	Parallelism    int
	// IsNoData marks failures that mean "not published yet".
	IsNoData func(error) bool
	Rand     func() float64
}

// Summary reports what one pass did.
type Summary struct {
	Targets   int
	Due       int
	Refreshed int
	NoData    int
	Failed    int
}

// Refresher tracks a next-due time per target key.
type Refresher struct {
	jobs   []Job
	opts   RefresherOptions
	logger zerolog.Logger

	mu  sync.Mutex
	due map[string]time.Time
}

// NewRefresher constructs a Refresher over jobs.
func NewRefresher(jobs []Job, opts RefresherOptions, logger zerolog.Logger) *Refresher {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.JitterFraction < 0 {
		opts.JitterFraction = 0
	}
	if opts.NoDataRetry <= 0 {
		opts.NoDataRetry = 15 * time.Minute
	}
	if opts.FailureRetry <= 0 {
		opts.FailureRetry = 5 * time.Minute
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.IsNoData == nil {
		opts.IsNoData = func(error) bool { return false }
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Refresher{
		jobs:   jobs,
		opts:   opts,
		logger: logger.With().Str("component", "refresher").Logger(),
		due:    make(map[string]time.Time),
	}
}

// NextDue returns when key is next eligible for refresh.
func (r *Refresher) NextDue(key string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.due[key]
	return t, ok
}

// Tick runs every due target once. Target failures are logged and rescheduled; they
// never abort the pass or other targets.
func (r *Refresher) Tick(ctx context.Context, now time.Time) (Summary, error) {
	targets := r.expand(now)
	summary := Summary{Targets: len(targets)}

	var due []Target
	r.mu.Lock()
	for _, t := range targets {
		next, ok := r.due[t.Key]
		if !ok || !now.Before(next) {
			due = append(due, t)
		}
	}
	r.mu.Unlock()
	summary.Due = len(due)

	var (
		mu      sync.Mutex
		g, gctx = errgroup.WithContext(ctx)
	)
	g.SetLimit(r.opts.Parallelism)
	for _, t := range due {
		t := t
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome, err := t.Refresh(gctx)
			next, kind := r.schedule(now, outcome, err)

			r.mu.Lock()
			r.due[t.Key] = next
			r.mu.Unlock()

			mu.Lock()
			switch kind {
			case "refreshed":
				summary.Refreshed++
			case "no_data":
				summary.NoData++
			default:
				summary.Failed++
			}
			mu.Unlock()

			event := r.logger.Debug()
			if kind == "failed" {
				event = r.logger.Warn()
			}
			event.Err(err).Str("target", t.Key).Str("result", kind).Time("next_due", next).Msg("target processed")
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (r *Refresher) schedule(now time.Time, outcome Outcome, err error) (time.Time, string) {
	jitter := time.Duration(float64(r.opts.TickInterval) * r.opts.JitterFraction * r.opts.Rand())
	switch {
	case err == nil:
		base := outcome.FetchedAt.Add(outcome.TTL)
		if base.Before(now) {
			base = now
		}
		return base.Add(jitter), "refreshed"
	case errors.Is(err, context.Canceled):
		return now, "failed"
	case r.opts.IsNoData(err):
		return now.Add(r.opts.NoDataRetry + jitter), "no_data"
	default:
		return now.Add(r.opts.FailureRetry + jitter), "failed"
	}
}

// expand collects targets from every job, dropping duplicates and forgetting due
// times of keys no job produces any more.
func (r *Refresher) expand(now time.Time) []Target {
	seen := make(map[string]bool)
	var out []Target
	for _, job := range r.jobs {
		for _, t := range job.Targets(now) {
			if seen[t.Key] {
				continue
			}
			seen[t.Key] = true
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	r.mu.Lock()
	for key := range r.due {
		if !seen[key] {
			delete(r.due, key)
		}
	}
	r.mu.Unlock()
	return out
}
