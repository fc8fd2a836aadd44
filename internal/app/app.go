package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"entsoe-watch/internal/alerting"
	"entsoe-watch/internal/config"
	"entsoe-watch/internal/fetcher"
	"entsoe-watch/internal/scheduler"
	"entsoe-watch/internal/series"
	"entsoe-watch/internal/service"
	"entsoe-watch/internal/storage"
	"entsoe-watch/internal/timeslot"
	"entsoe-watch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	// source replaces the ENTSO-E client when set.
	source fetcher.SeriesFetcher
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newFetcher() (fetcher.SeriesFetcher, error) {
	if a.source != nil {
		return a.source, nil
	}
	loc, err := a.Config.Location()
	if err != nil {
		return nil, err
	}
	up := a.Config.Upstream
	if up.UserAgent == "" {
		up.UserAgent = version.UserAgent()
	}
	return fetcher.New(fetcher.Options{
		BaseURL:        up.BaseURL,
		APIKey:         up.APIKey,
		UserAgent:      up.UserAgent,
		RequestTimeout: up.RequestTimeout,
		FetchTimeout:   up.FetchTimeout,
		MaxConcurrency: up.MaxConcurrency,
		Location:       loc,
		Retry: fetcher.Policy{
			MaxAttempts:    up.Retry.MaxAttempts,
			BaseDelay:      up.Retry.BaseDelay,
			MaxDelay:       up.Retry.MaxDelay,
			JitterFraction: up.Retry.JitterFraction,
		},
	}, a.Logger), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (storage.SeriesStore, func(), error) {
	store, err := storage.Open(ctx, a.Config.Cache, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close cache store")
		}
	}
	return store, closer, nil
}

// newService opens the store and wires the service; the returned closer releases
// the store.
func (a *App) newService(ctx context.Context, sched *scheduler.Scheduler) (*service.Service, func(), error) {
	src, err := a.newFetcher()
	if err != nil {
		return nil, nil, err
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc, err := service.New(a.Config, sched, src, store, a.newNotifier(), a.Logger)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return svc, closeStore, nil
}

// Run executes the long-running refresh service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Upstream.APIKey == "" {
		a.Logger.Warn().Msg("upstream.api_key not configured; every fetch will be rejected")
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunAtStart:   true,
	}, a.Logger)

	svc, closeStore, err := a.newService(ctx, sched)
	if err != nil {
		return err
	}
	defer closeStore()

	a.Logger.Info().
		Str("zone", a.Config.Market.Zone).
		Str("cache_backend", a.Config.Cache.Backend).
		Msg("starting refresh service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("refresh service stopped")
	return nil
}

// resolveDate defaults a zero date to today in the market time zone.
func (a *App) resolveDate(d timeslot.Date) (timeslot.Date, error) {
	if !d.IsZero() {
		return d, nil
	}
	loc, err := a.Config.Location()
	if err != nil {
		return timeslot.Date{}, err
	}
	return timeslot.Today(time.Now(), loc), nil
}

// ShowOptions configure the prices command.
type ShowOptions struct {
	Date        timeslot.Date
	Dataset     series.DatasetType
	Cheapest    int
	Consecutive bool
}

// PlanOptions configure the plan command.
type PlanOptions struct {
	Date timeslot.Date
	JSON bool
}

// BlocksOptions configure the blocks command.
type BlocksOptions struct {
	Date      timeslot.Date
	MaxBlocks int
	JSON      bool
}

// ExportOptions hold parameters for exporting one delivery day.
type ExportOptions struct {
	Date    timeslot.Date
	PNGPath string
	CSVPath string
}

// PrefetchOptions configure the prefetch job.
type PrefetchOptions struct {
	From     timeslot.Date
	To       timeslot.Date
	Datasets []series.DatasetType
	DryRun   bool
	Workers  int
}

// ParseDate accepts YYYY-MM-DD, "today", "tomorrow" or "yesterday" relative to the
// market time zone. An empty string yields the zero date.
func (a *App) ParseDate(s string) (timeslot.Date, error) {
	switch s {
	case "":
		return timeslot.Date{}, nil
	case "today", "tomorrow", "yesterday":
		today, err := a.resolveDate(timeslot.Date{})
		if err != nil {
			return timeslot.Date{}, err
		}
		switch s {
		case "tomorrow":
			return today.AddDays(1), nil
		case "yesterday":
			return today.AddDays(-1), nil
		}
		return today, nil
	default:
		return timeslot.ParseDate(s)
	}
}
