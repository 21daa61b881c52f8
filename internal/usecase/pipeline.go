package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
	"ArticleRelay/internal/stage"
	"ArticleRelay/pkg/logger"
	"ArticleRelay/pkg/metrics"
)

// PipelineDeps wires all driven adapters into the item pipeline.
type PipelineDeps struct {
	Ledger    ports.Ledger
	Extractor ports.Extractor
	Rewriter  ports.Rewriter
	Media     ports.MediaResolver
	Publisher ports.Publisher
	Executor  *stage.Executor

	// Optional.
	Locker  ports.ItemLocker
	Sink    ports.DispositionSink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// Pipeline drives one item through extract, rewrite, media and publish,
// persisting every transition in the ledger.
type Pipeline struct {
	ledger    ports.Ledger
	extractor ports.Extractor
	rewriter  ports.Rewriter
	media     ports.MediaResolver
	publisher ports.Publisher
	executor  *stage.Executor
	locker    ports.ItemLocker
	sink      ports.DispositionSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	policies    map[domain.Stage]stage.Policy
	sources     map[string]config.SourceConfig
	credentials config.CredentialsConfig
	maxAttempts int
	lockTTL     time.Duration
}

// NewPipeline constructs the orchestration component.
func NewPipeline(cfg config.Config, deps PipelineDeps) *Pipeline {
	p := &Pipeline{
		ledger:    deps.Ledger,
		extractor: deps.Extractor,
		rewriter:  deps.Rewriter,
		media:     deps.Media,
		publisher: deps.Publisher,
		executor:  deps.Executor,
		locker:    deps.Locker,
		sink:      deps.Sink,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,

		policies: map[domain.Stage]stage.Policy{
			domain.StageExtract: stage.PolicyFromConfig(cfg.Stages.Extract),
			domain.StageRewrite: stage.PolicyFromConfig(cfg.Stages.Rewrite),
			domain.StageMedia:   stage.PolicyFromConfig(cfg.Stages.Media),
			domain.StagePublish: stage.PolicyFromConfig(cfg.Stages.Publish),
		},
		sources:     make(map[string]config.SourceConfig, len(cfg.Sources)),
		credentials: cfg.Credentials,
		maxAttempts: cfg.Scheduler.MaxItemAttempts,
		lockTTL:     cfg.Scheduler.LockTTL,
	}
	for _, src := range cfg.Sources {
		p.sources[src.ID] = src
	}
	if p.executor == nil {
		p.executor = stage.NewExecutor(nil)
	}
	if p.logger == nil {
		p.logger = logger.Discard()
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.lockTTL <= 0 {
		p.lockTTL = 30 * time.Minute
	}
	return p
}

// Register records a first sighting without running any stage. It reports
// whether the item was new.
func (p *Pipeline) Register(ctx context.Context, item domain.SourceItem) (bool, error) {
	created, err := p.ledger.InsertIfAbsent(ctx, domain.NewRecord(item, p.now()))
	if err != nil {
		return false, domain.NewInfraError(domain.ScopeCycle, err)
	}
	return created, nil
}

// Process runs the remaining stages of item. Terminal items are skipped
// without any stage call. The only error returned is *domain.InfraError;
// every other failure is recorded in the ledger and reflected in the
// disposition.
func (p *Pipeline) Process(ctx context.Context, item domain.SourceItem) (domain.Disposition, error) {
	key := item.Key()
	log := logger.FromContext(ctx, p.logger).With("source", key.SourceID, "item", key.ItemID)

	if p.locker != nil {
		ok, err := p.locker.TryLock(ctx, key, p.lockTTL)
		if err != nil {
			return "", domain.NewInfraError(domain.ScopeSource, fmt.Errorf("lock item %s: %w", key, err))
		}
		if !ok {
			log.Debug("item leased elsewhere")
			return p.count(key, domain.DispositionLocked), nil
		}
		defer func() {
			if err := p.locker.Unlock(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("unlock item", "error", err)
			}
		}()
	}

	rec, err := p.load(ctx, item)
	if err != nil {
		return "", err
	}
	if rec.State.Terminal() {
		return p.count(key, domain.DispositionSkipped), nil
	}

	disposition, err := p.drive(ctx, &rec, log)
	if disposition != "" {
		p.count(key, disposition)
	}
	return disposition, err
}

func (p *Pipeline) load(ctx context.Context, item domain.SourceItem) (domain.LedgerRecord, error) {
	rec, err := p.ledger.Get(ctx, item.SourceID, item.ItemID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.LedgerRecord{}, domain.NewInfraError(domain.ScopeCycle, err)
	}

	rec = domain.NewRecord(item, p.now())
	created, err := p.ledger.InsertIfAbsent(ctx, rec)
	if err != nil {
		return domain.LedgerRecord{}, domain.NewInfraError(domain.ScopeCycle, err)
	}
	if created {
		return rec, nil
	}

	// Lost the insert race; continue from the winner's record.
	rec, err = p.ledger.Get(ctx, item.SourceID, item.ItemID)
	if err != nil {
		return domain.LedgerRecord{}, domain.NewInfraError(domain.ScopeCycle, err)
	}
	return rec, nil
}

func (p *Pipeline) drive(ctx context.Context, rec *domain.LedgerRecord, log *slog.Logger) (domain.Disposition, error) {
	src := p.sources[rec.SourceID]

	for _, st := range domain.RemainingStages(rec.State) {
		if ctx.Err() != nil {
			log.Info("shutdown requested, stopping before stage", "stage", st, "state", rec.State)
			return domain.DispositionInterrupted, nil
		}

		outcome := p.runStage(ctx, st, rec, src)
		now := p.now()

		switch outcome.Status {
		case domain.StatusSuccess:
			if err := rec.Advance(st, now); err != nil {
				return "", domain.NewInfraError(domain.ScopeCycle, err)
			}
			if err := p.persist(ctx, *rec); err != nil {
				return "", err
			}
			log.Debug("stage completed", "stage", st, "state", rec.State)

		case domain.StatusInterrupted:
			log.Info("stage interrupted", "stage", st, "state", rec.State)
			return domain.DispositionInterrupted, nil

		case domain.StatusRetryable:
			rec.Defer(outcome.ErrorKind, now)
			if p.maxAttempts > 0 && rec.AttemptCount >= p.maxAttempts {
				log.Warn("item out of attempts", "stage", st, "kind", outcome.ErrorKind, "attempts", rec.AttemptCount)
				return p.fail(ctx, rec, st, outcome.ErrorKind, now, log)
			}
			if err := p.persist(ctx, *rec); err != nil {
				return "", err
			}
			log.Info("item deferred", "stage", st, "kind", outcome.ErrorKind, "attempts", rec.AttemptCount, "error", outcome.Err)
			return domain.DispositionDeferred, nil

		case domain.StatusTerminal:
			if outcome.ErrorKind == domain.KindFatalInfrastructure {
				rec.LastErrorKind = outcome.ErrorKind
				rec.LastUpdatedAt = now
				if err := p.persist(ctx, *rec); err != nil {
					return "", err
				}
				return domain.DispositionDeferred, domain.NewInfraError(domain.ScopeSource,
					fmt.Errorf("%s stage of %s: %w", st, rec.Key(), outcome.Err))
			}
			log.Warn("item failed", "stage", st, "kind", outcome.ErrorKind, "error", outcome.Err)
			return p.fail(ctx, rec, st, outcome.ErrorKind, now, log)
		}
	}

	log.Info("item published", "ref", rec.PublishedRef)
	p.notify(ctx, *rec, log)
	return domain.DispositionPublished, nil
}

func (p *Pipeline) fail(ctx context.Context, rec *domain.LedgerRecord, st domain.Stage, kind domain.ErrorKind, now time.Time, log *slog.Logger) (domain.Disposition, error) {
	rec.Fail(st, kind, now)
	if err := p.persist(ctx, *rec); err != nil {
		return "", err
	}
	p.notify(ctx, *rec, log)
	return domain.DispositionFailed, nil
}

// persist writes the record even when ctx is already cancelled so a
// finished stage is never lost on shutdown.
func (p *Pipeline) persist(ctx context.Context, rec domain.LedgerRecord) error {
	if err := p.ledger.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		return domain.NewInfraError(domain.ScopeCycle, err)
	}
	return nil
}

func (p *Pipeline) notify(ctx context.Context, rec domain.LedgerRecord, log *slog.Logger) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Notify(context.WithoutCancel(ctx), domain.EventFromRecord(rec)); err != nil {
		log.Warn("disposition sink", "state", rec.State, "error", err)
	}
}

func (p *Pipeline) count(key domain.ItemKey, d domain.Disposition) domain.Disposition {
	if p.metrics != nil {
		p.metrics.ItemDispositions.WithLabelValues(key.SourceID, string(d)).Inc()
	}
	return d
}

// runStage executes one stage and, on success, stores its artifact in the
// record checkpoint.
func (p *Pipeline) runStage(ctx context.Context, st domain.Stage, rec *domain.LedgerRecord, src config.SourceConfig) domain.StageOutcome {
	policy := p.policies[st]
	name := string(st)
	cp := &rec.Checkpoint

	switch st {
	case domain.StageExtract:
		link := cp.Item.Link
		var out latch[domain.Extraction]
		outcome := p.executor.Run(ctx, name, policy, func(ctx context.Context) error {
			ext, err := p.extractor.Extract(ctx, link)
			if err != nil {
				return err
			}
			out.store(ext)
			return nil
		})
		if ext, ok := out.load(); ok && outcome.OK() {
			cp.Extraction = &ext
		}
		return outcome

	case domain.StageRewrite:
		if cp.Extraction == nil {
			return missingCheckpoint(name, "extraction")
		}
		req := rewriteRequest(cp.Item, *cp.Extraction, src)
		var out latch[domain.RewrittenContent]
		group := p.credentials.GroupFor(src.Category)
		outcome := p.executor.RunWithCredential(ctx, name, group, policy, func(ctx context.Context, key string) error {
			content, err := p.rewriter.Rewrite(ctx, req, key)
			if err != nil {
				return err
			}
			out.store(content)
			return nil
		})
		if content, ok := out.load(); ok && outcome.OK() {
			cp.Rewritten = &content
		}
		return outcome

	case domain.StageMedia:
		if cp.Extraction == nil || cp.Rewritten == nil {
			return missingCheckpoint(name, "rewritten content")
		}
		item, extraction, content := cp.Item, *cp.Extraction, *cp.Rewritten
		var out latch[domain.ResolvedMedia]
		outcome := p.executor.Run(ctx, name, policy, func(ctx context.Context) error {
			resolved, err := p.media.Resolve(ctx, item, extraction, content)
			if err != nil {
				return err
			}
			out.store(resolved)
			return nil
		})
		if resolved, ok := out.load(); ok && outcome.OK() {
			cp.Media = &resolved
		}
		return outcome

	case domain.StagePublish:
		if cp.Rewritten == nil {
			return missingCheckpoint(name, "rewritten content")
		}
		draft := domain.PostDraft{
			Content:      *cp.Rewritten,
			Category:     src.Category,
			SourceName:   sourceName(src),
			CanonicalURL: cp.Item.Link,
			Identity:     rec.Key().String(),
		}
		if cp.Media != nil {
			draft.Media = *cp.Media
		}
		var out latch[string]
		outcome := p.executor.Run(ctx, name, policy, func(ctx context.Context) error {
			ref, err := p.publisher.Publish(ctx, draft)
			if err != nil {
				return err
			}
			out.store(ref)
			return nil
		})
		if ref, ok := out.load(); ok && outcome.OK() {
			rec.PublishedRef = ref
		}
		return outcome
	}

	return missingCheckpoint(name, "stage definition")
}

func rewriteRequest(item domain.ItemPayload, ext domain.Extraction, src config.SourceConfig) domain.RewriteRequest {
	title := ext.Title
	if strings.TrimSpace(title) == "" {
		title = item.Title
	}
	return domain.RewriteRequest{
		Title:      title,
		Text:       ext.Text,
		SourceURL:  item.Link,
		SourceName: sourceName(src),
		Category:   src.Category,
		Media:      ext.Media,
	}
}

func sourceName(src config.SourceConfig) string {
	if src.SourceName != "" {
		return src.SourceName
	}
	return src.ID
}

func missingCheckpoint(stageName, what string) domain.StageOutcome {
	return domain.StageOutcome{
		Status:    domain.StatusTerminal,
		ErrorKind: domain.KindPermanentContent,
		Err:       domain.NewStageError(domain.KindPermanentContent, stageName, fmt.Errorf("checkpoint has no %s", what)),
	}
}

// latch keeps the first value stored. An attempt abandoned after its
// timeout may still complete later, so writes are guarded.
type latch[T any] struct {
	mu  sync.Mutex
	v   T
	set bool
}

func (l *latch[T]) store(v T) {
	l.mu.Lock()
	if !l.set {
		l.v, l.set = v, true
	}
	l.mu.Unlock()
}

func (l *latch[T]) load() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v, l.set
}
