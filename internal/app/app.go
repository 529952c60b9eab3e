package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"price-truth/internal/alerting"
	"price-truth/internal/config"
	"price-truth/internal/consensus"
	"price-truth/internal/metrics"
	"price-truth/internal/model"
	"price-truth/internal/scheduler"
	"price-truth/internal/server"
	"price-truth/internal/service"
	"price-truth/internal/source"
	"price-truth/internal/storage"
	"price-truth/internal/transport"
)

const (
	janitorInterval = time.Minute
	shutdownTimeout = 15 * time.Second
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime is the wired object graph shared by serve, query and the admin commands.
type runtime struct {
	coordinator *transport.Coordinator
	store       storage.RecordStore
	service     *service.Service
	registry    *prometheus.Registry
}

func (r *runtime) Close() {
	if r.store != nil {
		r.store.Close()
	}
}

func (a *App) newCoordinator() (*transport.Coordinator, error) {
	cfg := a.Config.Transport

	pool, err := transport.NewProxyPool(cfg.Proxies, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("proxy pool: %w", err)
	}
	cache := transport.NewResponseCache(cfg.CacheTTL())

	return transport.NewCoordinator(transport.Options{
		MaxPerHost: cfg.MaxPerHostConcurrency,
		Timeout:    cfg.FetchTimeout(),
		Retry: transport.RetryPolicy{
			MaxRetries:     cfg.MaxRetries,
			BaseDelay:      cfg.BackoffBase,
			MaxDelay:       cfg.BackoffMax,
			Multiplier:     transport.DefaultMultiplier,
			JitterFraction: cfg.JitterFraction,
		},
		PerHostRPS:   cfg.PerHostRPS,
		UserAgent:    cfg.UserAgent,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, cache, pool, a.Logger), nil
}

func (a *App) newAdapters(fetcher source.Fetcher) ([]source.Adapter, error) {
	cat, err := source.LoadCatalog(a.Config.Sources.CatalogFile)
	if err != nil {
		return nil, err
	}
	cat = cat.Filter(a.Config.Sources.Enabled)
	if len(cat.Sources) == 0 {
		return nil, errors.New("no price source enabled; check sources.enabled and the catalog")
	}
	return source.BuildAdapters(cat, fetcher, a.Logger)
}

func (a *App) newEngine() *consensus.Engine {
	opts := consensus.DefaultOptions()
	opts.TolerancePct = decimal.NewFromFloat(a.Config.Pricing.TolerancePct)
	opts.TrimFraction = a.Config.Pricing.TrimFraction
	return consensus.NewEngine(opts)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (storage.RecordStore, error) {
	store, err := storage.Open(ctx, a.Config.Storage, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.Config.Storage.Driver, err)
	}
	if a.Config.Storage.Driver == config.DriverMemory {
		a.Logger.Warn().Msg("storage.driver=memory; records are lost on exit")
	}
	return store, nil
}

func (a *App) build(ctx context.Context) (*runtime, error) {
	coordinator, err := a.newCoordinator()
	if err != nil {
		return nil, err
	}
	adapters, err := a.newAdapters(coordinator)
	if err != nil {
		return nil, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewTransportCollector(coordinator),
	)

	svc := service.New(service.Options{
		TTLHours:          a.Config.Pricing.TTLHours,
		FanoutConcurrency: a.Config.Pricing.FanoutConcurrency,
		SourceTimeout:     a.Config.Pricing.SourceTimeout,
		AdvisoryLock:      a.Config.Storage.AdvisoryLock,
		AlertsEnabled:     a.Config.Alerting.Enabled,
		MoveThresholdPct:  decimal.NewFromFloat(a.Config.Alerting.MoveThresholdPct),
	}, adapters, a.newEngine(), store, a.newNotifier(), metrics.New(registry), a.Logger)

	a.Logger.Debug().Strs("sources", svc.Sources()).Str("driver", a.Config.Storage.Driver).Msg("runtime ready")

	return &runtime{
		coordinator: coordinator,
		store:       store,
		service:     svc,
		registry:    registry,
	}, nil
}

// TrackedKeys parses scheduler.tracked.
func (a *App) TrackedKeys() ([]model.ProductKey, error) {
	keys := make([]model.ProductKey, 0, len(a.Config.Scheduler.Tracked))
	for _, raw := range a.Config.Scheduler.Tracked {
		key, err := model.ParseProductKey(raw)
		if err != nil {
			return nil, fmt.Errorf("scheduler.tracked %q: %w", raw, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Serve runs the HTTP interface, the cache janitor and, when enabled, the refresh scheduler.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := server.New(server.Options{
		Addr:           a.Config.Server.Addr,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		CORSOrigins:    a.Config.Server.CORSOrigins,
		MetricsHandler: promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
	}, rt.service, rt.coordinator, a.Logger)

	var sched *scheduler.Scheduler
	var keys []model.ProductKey
	if a.Config.Scheduler.Enabled {
		if keys, err = a.TrackedKeys(); err != nil {
			return err
		}
		sched, err = scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToInterval,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   a.Config.Scheduler.RunOnStart,
		}, a.Logger)
		if err != nil {
			return err
		}
		a.Logger.Info().Int("tracked", len(keys)).Dur("interval", a.Config.Scheduler.Interval).Msg("refresh scheduler enabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runJanitor(gctx, rt.coordinator.Cache(), janitorInterval, a.Logger)
		return nil
	})

	if sched != nil {
		g.Go(func() error {
			if err := sched.Run(gctx, rt.service.RefreshTick(keys)); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	a.Logger.Info().Strs("sources", rt.service.Sources()).Msg("price-truth service started")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("price-truth service stopped")
	return nil
}

// runJanitor purges expired cache entries until ctx is done.
func runJanitor(ctx context.Context, cache *transport.ResponseCache, every time.Duration, logger zerolog.Logger) {
	if cache == nil {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := cache.PurgeExpired(); n > 0 {
				logger.Debug().Int("purged", n).Msg("expired cache entries removed")
			}
		}
	}
}

// QueryOptions configure the query and refresh commands.
type QueryOptions struct {
	SKU     string
	Query   string
	Force   bool
	Details bool
}

// ExportOptions hold parameters for exporting round history.
type ExportOptions struct {
	Key       string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ProxiesOptions configure the proxies command.
type ProxiesOptions struct {
	// ProbeURL, when set, is fetched once per registered proxy before printing.
	ProbeURL string
}
