package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ves-rate-watcher/internal/alerting"
	"ves-rate-watcher/internal/config"
	"ves-rate-watcher/internal/fetcher"
	"ves-rate-watcher/internal/logging"
	"ves-rate-watcher/internal/scheduler"
	"ves-rate-watcher/internal/service"
	"ves-rate-watcher/internal/stats"
	"ves-rate-watcher/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) newFetchers() (fetcher.ReferenceFetcher, fetcher.ListingFetcher, fetcher.CrossRateFetcher) {
	reference := fetcher.NewReference(fetcher.ReferenceOptions{
		URL:     a.Config.Sources.Reference.URL,
		Timeout: a.Config.Sources.Reference.RequestTimeout,
	}, a.Logger)

	listings := fetcher.NewListings(fetcher.ListingOptions{
		BaseURL:   a.Config.Sources.Listings.BaseURL,
		Asset:     a.Config.Sources.Listings.Asset,
		Fiat:      a.Config.Sources.Listings.Fiat,
		TradeType: a.Config.Sources.Listings.TradeType,
		Rows:      a.Config.Sources.Listings.Rows,
		Timeout:   a.Config.Sources.Listings.RequestTimeout,
		UserAgent: a.Config.Sources.Listings.UserAgent,
	}, a.Logger)

	var cross fetcher.CrossRateFetcher
	if a.Config.Sources.Forex.APIKey != "" {
		cross = fetcher.NewCrossRate(fetcher.CrossRateOptions{
			BaseURL:      a.Config.Sources.Forex.BaseURL,
			APIKey:       a.Config.Sources.Forex.APIKey,
			FromCurrency: a.Config.Sources.Forex.FromCurrency,
			ToCurrency:   a.Config.Sources.Forex.ToCurrency,
			Timeout:      a.Config.Sources.Forex.RequestTimeout,
		}, a.Logger)
	}

	return reference, listings, cross
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, a.Config.Alerting.RequestTimeout, a.Logger)
	}
	return nil
}

func (a *App) newEvaluator(store *storage.Store) service.Evaluator {
	if !a.Config.Alerting.Enabled || store == nil {
		return nil
	}
	engine := stats.NewEngine(store, a.Logger)
	return alerting.NewEvaluator(store, engine, a.newNotifier(), a.Config.Window.Duration, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running watcher service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	poll := scheduler.New(scheduler.Options{
		Name:         "poll",
		Interval:     a.Config.Scheduler.PollInterval,
		AlignToStart: a.Config.Scheduler.AlignToInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)
	report := scheduler.New(scheduler.Options{
		Name:         "report",
		Interval:     a.Config.Scheduler.ReportInterval,
		AlignToStart: a.Config.Scheduler.AlignToInterval,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	reference, listings, cross := a.newFetchers()

	var rateStore service.RateStore
	if store != nil {
		rateStore = store
	}

	svc := service.New(a.Config, reference, listings, cross, rateStore, a.Logger,
		service.WithSchedulers(poll, report),
		service.WithEvaluator(a.newEvaluator(store)),
	)

	a.Logger.Info().Msg("starting rate watcher")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate watcher stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// SubscribeOptions configure a subscription upsert.
type SubscribeOptions struct {
	Owner        string
	Series       string
	Direction    string
	ThresholdPct string
}
