package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
	"ArticleRelay/pkg/logger"
	"ArticleRelay/pkg/metrics"
	"ArticleRelay/pkg/resilience"
)

// CredentialGauge reports credential availability for metrics.
type CredentialGauge interface {
	Groups() []string
	AvailableCount(group string) int
}

// SchedulerDeps wires the cycle scheduler.
type SchedulerDeps struct {
	Feed        ports.FeedReader
	Ledger      ports.Ledger
	Pipeline    *Pipeline
	Maintenance *Maintenance
	// Driver is only needed by RunForever.
	Driver      ports.Scheduler
	Credentials CredentialGauge
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// SourceReport summarises one source within a cycle.
type SourceReport struct {
	SourceID     string
	BreakerOpen  bool
	FetchErr     error
	Fetched      int
	New          int
	Registered   int
	Resumed      int
	Dispositions map[domain.Disposition]int
	// Err is the infrastructure failure that ended the source early.
	Err error
}

// CycleReport summarises one pass over all sources.
type CycleReport struct {
	CycleID     string
	StartedAt   time.Time
	FinishedAt  time.Time
	Sources     []SourceReport
	Maintenance MaintenanceReport
	Aborted     bool
	Err         error
}

// Scheduler runs cycles over the configured sources in priority order.
type Scheduler struct {
	feed        ports.FeedReader
	ledger      ports.Ledger
	pipeline    *Pipeline
	maintenance *Maintenance
	driver      ports.Scheduler
	creds       CredentialGauge
	metrics     *metrics.Metrics
	logger      *slog.Logger

	sources  []string
	breakers map[string]*resilience.CircuitBreaker
	limiter  *rate.Limiter
	maxItems int
	parallel int

	runMu sync.Mutex
}

// NewScheduler builds the scheduler for cfg.Sources in their configured
// order.
func NewScheduler(cfg config.Config, deps SchedulerDeps) *Scheduler {
	log := deps.Logger
	if log == nil {
		log = logger.Discard()
	}

	s := &Scheduler{
		feed:        deps.Feed,
		ledger:      deps.Ledger,
		pipeline:    deps.Pipeline,
		maintenance: deps.Maintenance,
		driver:      deps.Driver,
		creds:       deps.Credentials,
		metrics:     deps.Metrics,
		logger:      log,
		sources:     cfg.SourceIDs(),
		breakers:    make(map[string]*resilience.CircuitBreaker, len(cfg.Sources)),
		maxItems:    cfg.Scheduler.MaxItemsPerSource,
		parallel:    cfg.Scheduler.ParallelSources,
	}

	// An open breaker must outlast exactly one following cycle.
	reset := cfg.Scheduler.Interval * 3 / 2
	for _, id := range s.sources {
		s.breakers[id] = resilience.NewCircuitBreaker("source:"+id, resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Scheduler.BreakerThreshold,
			ResetTimeout:     reset,
			Logger:           log,
		})
	}
	if cfg.Scheduler.ItemDelay > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.Scheduler.ItemDelay), 1)
	}
	return s
}

// RunOnce executes exactly one cycle. Fatal infrastructure errors are
// reported, never returned: a source-scoped one ends that source, a
// cycle-scoped one ends the cycle.
func (s *Scheduler) RunOnce(ctx context.Context) CycleReport {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report := CycleReport{CycleID: uuid.NewString(), StartedAt: time.Now()}
	ctx = logger.WithCycleID(ctx, report.CycleID)
	log := logger.FromContext(ctx, s.logger)
	log.Info("cycle started", "sources", len(s.sources))

	report.Sources = make([]SourceReport, len(s.sources))
	if s.parallel > 1 {
		report.Err = s.runParallel(ctx, report.Sources)
	} else {
		report.Err = s.runSequential(ctx, report.Sources)
	}
	report.Aborted = report.Err != nil

	switch {
	case report.Aborted:
		log.Error("cycle aborted", "error", report.Err)
	case ctx.Err() != nil:
		log.Info("cycle interrupted by shutdown")
	case s.maintenance != nil:
		mr, err := s.maintenance.Run(ctx)
		report.Maintenance = mr
		if err != nil {
			log.Error("maintenance failed", "error", err)
		}
	}

	report.FinishedAt = time.Now()
	s.observeCycle(report)
	log.Info("cycle finished",
		"duration", report.FinishedAt.Sub(report.StartedAt),
		"aborted", report.Aborted,
	)
	return report
}

func (s *Scheduler) runSequential(ctx context.Context, reports []SourceReport) error {
	for i, id := range s.sources {
		reports[i].SourceID = id
		if ctx.Err() != nil {
			return nil
		}
		reports[i] = s.runSource(ctx, id)
		if cycleScoped(reports[i].Err) {
			return reports[i].Err
		}
	}
	return nil
}

func (s *Scheduler) runParallel(ctx context.Context, reports []SourceReport) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for i, id := range s.sources {
		i, id := i, id
		reports[i].SourceID = id
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			reports[i] = s.runSource(gctx, id)
			if cycleScoped(reports[i].Err) {
				return reports[i].Err
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) runSource(ctx context.Context, id string) SourceReport {
	report := SourceReport{SourceID: id, Dispositions: map[domain.Disposition]int{}}
	log := logger.FromContext(ctx, s.logger).With("source", id)

	breaker := s.breakers[id]
	if err := breaker.Allow(); err != nil {
		report.BreakerOpen = true
		log.Warn("source skipped, breaker open")
		s.observeBreaker(id, breaker)
		return report
	}

	items, err := s.feed.Fetch(ctx, id)
	breaker.Record(err)
	s.observeBreaker(id, breaker)
	if err != nil {
		report.FetchErr = err
		log.Warn("fetch failed, skipping source", "error", err)
		return report
	}
	report.Fetched = len(items)

	// Pending records are listed before new items are registered so a
	// capped source works through its backlog oldest first.
	budget := s.maxItems
	limited := budget > 0
	pending, err := s.ledger.ListPending(ctx, id, budget)
	if err != nil {
		report.Err = domain.NewInfraError(domain.ScopeCycle, fmt.Errorf("list pending of %s: %w", id, err))
		return report
	}

	// Under a cap, up to half the budget (rounded up) is held for the
	// backlog; new items only take what the backlog leaves.
	newBudget := budget
	if limited {
		newBudget = budget - min(len(pending), (budget+1)/2)
	}

	for _, it := range items {
		if ctx.Err() != nil {
			return report
		}
		seen, err := s.ledger.HasSeen(ctx, it.SourceID, it.ItemID)
		if err != nil {
			report.Err = domain.NewInfraError(domain.ScopeCycle, fmt.Errorf("check %s: %w", it.Key(), err))
			return report
		}
		if seen {
			continue
		}
		report.New++

		if limited && newBudget == 0 {
			if _, err := s.pipeline.Register(ctx, it); err != nil {
				report.Err = err
				return report
			}
			report.Registered++
			continue
		}
		newBudget--
		budget--

		if !s.process(ctx, it, &report, log) {
			return report
		}
	}

	s.resumePending(ctx, pending, budget, &report, log)
	return report
}

// resumePending continues non-terminal records left by earlier cycles,
// oldest first, while the budget lasts.
func (s *Scheduler) resumePending(ctx context.Context, pending []domain.LedgerRecord, budget int, report *SourceReport, log *slog.Logger) {
	for _, rec := range pending {
		if ctx.Err() != nil {
			return
		}
		if s.maxItems > 0 && budget <= 0 {
			return
		}
		budget--
		report.Resumed++

		item := domain.SourceItem{SourceID: rec.SourceID, ItemID: rec.ItemID, Payload: rec.Checkpoint.Item}
		if !s.process(ctx, item, report, log) {
			return
		}
	}
}

// process paces and runs one item. It returns false when the source must
// stop.
func (s *Scheduler) process(ctx context.Context, it domain.SourceItem, report *SourceReport, log *slog.Logger) bool {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return false
		}
	}

	d, err := s.pipeline.Process(ctx, it)
	if d != "" {
		report.Dispositions[d]++
	}
	if err != nil {
		report.Err = err
		log.Error("source stopped by infrastructure failure", "item", it.ItemID, "error", err)
		return false
	}
	return d != domain.DispositionInterrupted
}

// RunForever runs cycles on the interval driver until ctx is cancelled or
// Stop is called.
func (s *Scheduler) RunForever(ctx context.Context) error {
	if s.driver == nil {
		return errors.New("scheduler: no interval driver configured")
	}
	err := s.driver.Start(ctx, func(jobCtx context.Context, _ time.Time) {
		s.RunOnce(jobCtx)
	})
	if err != nil {
		return fmt.Errorf("start driver: %w", err)
	}
	<-s.driver.Done()
	return nil
}

// Stop halts the driver and waits for the in-flight cycle.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}

func (s *Scheduler) observeCycle(report CycleReport) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if report.Aborted {
		status = "aborted"
	}
	s.metrics.CyclesTotal.WithLabelValues(status).Inc()
	s.metrics.CycleDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	if s.creds != nil {
		for _, group := range s.creds.Groups() {
			s.metrics.CredentialsAvailable.WithLabelValues(group).Set(float64(s.creds.AvailableCount(group)))
		}
	}
}

func (s *Scheduler) observeBreaker(id string, b *resilience.CircuitBreaker) {
	if s.metrics != nil {
		s.metrics.SourceBreakerState.WithLabelValues(id).Set(float64(b.GetState()))
	}
}

func cycleScoped(err error) bool {
	var infra *domain.InfraError
	return errors.As(err, &infra) && infra.Scope == domain.ScopeCycle
}
