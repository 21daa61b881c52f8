package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/credentials"
	"ArticleRelay/internal/infrastructure/events"
	"ArticleRelay/internal/infrastructure/extractor"
	"ArticleRelay/internal/infrastructure/llm"
	"ArticleRelay/internal/infrastructure/lock"
	"ArticleRelay/internal/infrastructure/media"
	"ArticleRelay/internal/infrastructure/parser"
	"ArticleRelay/internal/infrastructure/scheduler"
	"ArticleRelay/internal/infrastructure/storage"
	"ArticleRelay/internal/infrastructure/telegram"
	"ArticleRelay/internal/infrastructure/wordpress"
	"ArticleRelay/internal/logging"
	"ArticleRelay/internal/ports"
	"ArticleRelay/internal/scanner"
	"ArticleRelay/internal/stage"
	"ArticleRelay/internal/usecase"
	"ArticleRelay/pkg/logger"
	"ArticleRelay/pkg/metrics"
)

const shutdownTimeout = 30 * time.Second

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg         config.Config
	logger      *slog.Logger
	registry    *prometheus.Registry
	scheduler   *usecase.Scheduler
	maintenance *usecase.Maintenance
	wordpress   *wordpress.Client
	closers     []func() error
}

// New builds every adapter from cfg. The returned application owns the
// ledger connection and must be closed.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &Application{cfg: cfg, logger: baseLogger, registry: prometheus.NewRegistry()}

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	ledger, err := storage.Open(ctx, cfg.Ledger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, ledger.Close)

	registry := scanner.NewRegistry()
	registry.Register(parser.NewArxivScanner(nil, logger.Component(baseLogger, "scanner.arxiv")))
	registry.Register(parser.NewRSSScanner(nil, logger.Component(baseLogger, "scanner.rss")))
	registry.Register(parser.NewSitemapScanner(nil, logger.Component(baseLogger, "scanner.sitemap")))

	feed, err := parser.NewStrategySource(registry, cfg.Sources, logger.Component(baseLogger, "source"))
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	stager, err := media.NewStager(cfg.Media.StagingDir, nil, cfg.Media.MaxImageBytes)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	wp := wordpress.NewClient(cfg.WordPress, logger.Component(baseLogger, "wordpress"))
	a.wordpress = wp
	a.loadLinker()

	pool := credentials.NewPool(credentials.Config{
		FailureThreshold: cfg.Credentials.FailureThreshold,
		BaseCooldown:     cfg.Credentials.BaseCooldown,
		QuotaCooldown:    cfg.Credentials.QuotaCooldown,
		MaxCooldown:      cfg.Credentials.MaxCooldown,
	}, credentialGroups(cfg.Credentials))

	executor := stage.NewExecutor(pool,
		stage.WithLogger(logger.Component(baseLogger, "executor")),
		stage.WithObserver(stage.Observers{
			stage.NewLogObserver(logger.Component(baseLogger, "executor")),
			stage.NewMetricsObserver(m),
		}),
	)

	locker, err := a.locker(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	sink, err := a.sinks()
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	pipeline := usecase.NewPipeline(cfg, usecase.PipelineDeps{
		Ledger:    ledger,
		Extractor: extractor.New(nil, logger.Component(baseLogger, "extractor")),
		Rewriter:  llm.NewRewriter(cfg.OpenAI, logger.Component(baseLogger, "rewriter")),
		Media:     media.NewResolver(stager, wp, cfg.Media.FeaturedOnly, logger.Component(baseLogger, "media")),
		Publisher: wp,
		Executor:  executor,
		Locker:    locker,
		Sink:      sink,
		Metrics:   m,
		Logger:    logger.Component(baseLogger, "pipeline"),
	})

	a.maintenance = usecase.NewMaintenance(ledger, stager, cfg.Scheduler.Retention, m, logger.Component(baseLogger, "maintenance"))
	a.scheduler = usecase.NewScheduler(cfg, usecase.SchedulerDeps{
		Feed:        feed,
		Ledger:      ledger,
		Pipeline:    pipeline,
		Maintenance: a.maintenance,
		Driver:      scheduler.NewIntervalScheduler(cfg.Scheduler.Interval, logger.Component(baseLogger, "driver")),
		Credentials: pool,
		Metrics:     m,
		Logger:      logger.Component(baseLogger, "scheduler"),
	})

	return a, nil
}

func (a *Application) locker(ctx context.Context) (ports.ItemLocker, error) {
	if a.cfg.Redis.Addr == "" {
		return lock.NewMemoryLocker(), nil
	}
	rl, err := lock.NewRedisLocker(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rl.Close)
	return rl, nil
}

func (a *Application) sinks() (ports.DispositionSink, error) {
	var sinks []ports.DispositionSink
	if len(a.cfg.Kafka.Brokers) > 0 {
		ks, err := events.NewKafkaSink(a.cfg.Kafka)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ks.Close)
		sinks = append(sinks, ks)
	}
	if a.cfg.Telegram.BotToken != "" && a.cfg.Telegram.ChatID != "" {
		sinks = append(sinks, telegram.NewNotifier(a.cfg.Telegram))
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return events.NewFanout(logger.Component(a.logger, "events"), sinks...), nil
}

func (a *Application) loadLinker() {
	path := a.cfg.WordPress.LinkMapPath
	if path == "" {
		return
	}
	lm, err := wordpress.LoadLinkMap(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			a.logger.Info("no link map, internal linking disabled", "path", path)
		} else {
			a.logger.Warn("link map unusable, internal linking disabled", "path", path, "error", err)
		}
		return
	}
	linker := wordpress.NewLinker(lm, a.cfg.WordPress.PillarPosts, a.cfg.WordPress.MaxInternalLinks)
	a.wordpress.SetLinker(linker)
	a.logger.Info("internal linking enabled", "targets", linker.Len())
}

// BuildLinkMap refreshes the link map file from the published posts and
// enables it for this process. It returns the number of link targets.
func (a *Application) BuildLinkMap(ctx context.Context) (int, error) {
	if a.cfg.WordPress.LinkMapPath == "" {
		return 0, errors.New("wordpress.linkMapPath is not set")
	}
	lm, err := a.wordpress.BuildLinkMap(ctx, a.cfg.WordPress.LinkMapMaxPosts)
	if err != nil {
		return 0, fmt.Errorf("build link map: %w", err)
	}
	if err := wordpress.SaveLinkMap(a.cfg.WordPress.LinkMapPath, lm); err != nil {
		return 0, err
	}
	a.wordpress.SetLinker(wordpress.NewLinker(lm, a.cfg.WordPress.PillarPosts, a.cfg.WordPress.MaxInternalLinks))
	return len(lm.Posts), nil
}

func credentialGroups(cfg config.CredentialsConfig) map[string][]credentials.Credential {
	groups := make(map[string][]credentials.Credential, len(cfg.Groups))
	for name, creds := range cfg.Groups {
		for _, c := range creds {
			groups[name] = append(groups[name], credentials.Credential{Name: c.Name, Key: c.Key})
		}
	}
	return groups
}

// Run drives cycles until ctx is cancelled, serving metrics alongside when
// enabled.
func (a *Application) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		return a.scheduler.RunForever(gctx)
	})

	if a.cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(a.cfg.Metrics.Port, a.registry, logger.Component(a.logger, "metrics"))
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer scancel()
			return shutdown(sctx)
		})
	}

	err := g.Wait()
	a.logger.Info("relay stopped")
	return err
}

// RunOnce executes a single cycle.
func (a *Application) RunOnce(ctx context.Context) usecase.CycleReport {
	return a.scheduler.RunOnce(ctx)
}

// Purge runs maintenance only.
func (a *Application) Purge(ctx context.Context) (usecase.MaintenanceReport, error) {
	return a.maintenance.Run(ctx)
}

// Close releases connections in reverse order of acquisition.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("close application: %w", errors.Join(errs...))
	}
	return nil
}
