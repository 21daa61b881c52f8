package usecase

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/credentials"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/infrastructure/storage"
	"ArticleRelay/internal/stage"
)

type calls struct {
	mu    sync.Mutex
	count map[string]int
}

func (c *calls) inc(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == nil {
		c.count = map[string]int{}
	}
	c.count[name]++
}

func (c *calls) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[name]
}

func (c *calls) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.count {
		n += v
	}
	return n
}

type fakeExtractor struct {
	calls *calls
	fail  map[string]error
}

func (f *fakeExtractor) Extract(_ context.Context, link string) (domain.Extraction, error) {
	f.calls.inc("extract")
	if err := f.fail[link]; err != nil {
		return domain.Extraction{}, err
	}
	return domain.Extraction{Title: "Extracted", Text: "body of " + link}, nil
}

type fakeRewriter struct {
	calls *calls
	mu    sync.Mutex
	keys  []string
	fn    func(key string) error
}

func (f *fakeRewriter) Rewrite(_ context.Context, req domain.RewriteRequest, key string) (domain.RewrittenContent, error) {
	f.calls.inc("rewrite")
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	if f.fn != nil {
		if err := f.fn(key); err != nil {
			return domain.RewrittenContent{}, err
		}
	}
	return domain.RewrittenContent{Title: "Rewritten " + req.Title, Body: "<p>" + req.Text + "</p>"}, nil
}

type fakeMedia struct {
	calls *calls
}

func (f *fakeMedia) Resolve(context.Context, domain.ItemPayload, domain.Extraction, domain.RewrittenContent) (domain.ResolvedMedia, error) {
	f.calls.inc("media")
	return domain.ResolvedMedia{}, nil
}

type fakePublisher struct {
	calls  *calls
	ref    string
	err    error
	mu     sync.Mutex
	drafts []domain.PostDraft
}

func (f *fakePublisher) Publish(_ context.Context, draft domain.PostDraft) (string, error) {
	f.calls.inc("publish")
	f.mu.Lock()
	f.drafts = append(f.drafts, draft)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.ref, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.DispositionEvent
}

func (s *recordingSink) Notify(_ context.Context, e domain.DispositionEvent) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type harness struct {
	cfg       config.Config
	ledger    *storage.SQLLedger
	pool      *credentials.Pool
	calls     *calls
	extractor *fakeExtractor
	rewriter  *fakeRewriter
	media     *fakeMedia
	publisher *fakePublisher
	sink      *recordingSink
	pipeline  *Pipeline
}

func testConfig() config.Config {
	policy := config.PolicyConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, Timeout: time.Second}
	return config.Config{
		Scheduler: config.SchedulerConfig{
			Interval:          time.Hour,
			Retention:         72 * time.Hour,
			MaxItemsPerSource: 0,
			ParallelSources:   1,
			BreakerThreshold:  3,
			MaxItemAttempts:   3,
			LockTTL:           time.Minute,
		},
		Credentials: config.CredentialsConfig{DefaultGroup: "default"},
		Stages:      config.StagesConfig{Extract: policy, Rewrite: policy, Media: policy, Publish: policy},
		Sources: []config.SourceConfig{
			{ID: "A", Scanner: "rss", Category: "sport", SourceName: "Source A"},
			{ID: "B", Scanner: "rss", Category: "tech", SourceName: "Source B"},
		},
	}
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	ledger, err := storage.Open(context.Background(), config.LedgerConfig{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	c := &calls{}
	h := &harness{
		cfg:       cfg,
		ledger:    ledger,
		calls:     c,
		extractor: &fakeExtractor{calls: c, fail: map[string]error{}},
		rewriter:  &fakeRewriter{calls: c},
		media:     &fakeMedia{calls: c},
		publisher: &fakePublisher{calls: c, ref: "post-42"},
		sink:      &recordingSink{},
	}

	groups := map[string][]credentials.Credential{
		"default": {{Name: "k1", Key: "key-1"}, {Name: "k2", Key: "key-2"}, {Name: "k3", Key: "key-3"}},
	}
	for group, creds := range cfg.Credentials.Groups {
		for _, c := range creds {
			groups[group] = append(groups[group], credentials.Credential{Name: c.Name, Key: c.Key})
		}
	}
	h.pool = credentials.NewPool(credentials.Config{FailureThreshold: 1, BaseCooldown: time.Minute}, groups)

	exec := stage.NewExecutor(h.pool, stage.WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
	h.pipeline = NewPipeline(cfg, PipelineDeps{
		Ledger:    ledger,
		Extractor: h.extractor,
		Rewriter:  h.rewriter,
		Media:     h.media,
		Publisher: h.publisher,
		Executor:  exec,
		Sink:      h.sink,
	})
	return h
}

func item(source, id string) domain.SourceItem {
	return domain.SourceItem{
		SourceID: source,
		ItemID:   id,
		Payload:  domain.ItemPayload{Title: "Item " + id, Link: "https://example.org/" + id},
	}
}

func (h *harness) record(t *testing.T, source, id string) domain.LedgerRecord {
	t.Helper()
	rec, err := h.ledger.Get(context.Background(), source, id)
	require.NoError(t, err)
	return rec
}

var errContent = domain.NewStageError(domain.KindPermanentContent, "extract", errors.New("empty content"))
