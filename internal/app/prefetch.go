package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"entsoe-watch/internal/series"
	"entsoe-watch/internal/service"
	"entsoe-watch/internal/timeslot"
)

// Prefetch warms the cache for every dataset and date in [From, To].
func (a *App) Prefetch(ctx context.Context, opts PrefetchOptions) error {
	if opts.To.Before(opts.From) {
		return errors.New("prefetch range is empty, check --from/--to")
	}
	datasets := opts.Datasets
	if len(datasets) == 0 {
		configured, err := a.Config.DatasetTypes()
		if err != nil {
			return err
		}
		datasets = configured
	}

	var dates []timeslot.Date
	for d := opts.From; !d.After(opts.To); d = d.AddDays(1) {
		dates = append(dates, d)
	}

	if opts.DryRun {
		for _, ds := range datasets {
			for _, d := range dates {
				fmt.Fprintf(a.Out, "would fetch %s %s\n", ds, d)
			}
		}
		return nil
	}

	svc, closeStore, err := a.newService(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	workers := opts.Workers
	if workers <= 0 {
		workers = max(a.Config.Scheduler.Parallelism, 1)
	}

	var processed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, ds := range datasets {
		ds := ds
		for _, date := range dates {
			date := date
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err := prefetchOne(gctx, svc, ds, date); err != nil {
					failed.Add(1)
					a.Logger.Error().Err(err).Str("dataset", string(ds)).Str("date", date.String()).Msg("prefetch failed")
					return nil
				}
				processed.Add(1)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.Logger.Info().Int64("processed", processed.Load()).Int64("failed", failed.Load()).Msg("prefetch complete")
	if failed.Load() > 0 {
		return fmt.Errorf("%d of %d fetches failed, check logs", failed.Load(), processed.Load()+failed.Load())
	}
	return nil
}

func prefetchOne(ctx context.Context, svc *service.Service, ds series.DatasetType, date timeslot.Date) error {
	res, err := svc.Series(ctx, ds, date)
	if err != nil {
		return err
	}
	if res.Series.IsPlaceholder() {
		return res.Err
	}
	return nil
}
