package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/infrastructure/lock"
)

func TestProcessPublishesAndRecordsRef(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	d, err := h.pipeline.Process(ctx, item("A", "x1"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionPublished, d)

	rec := h.record(t, "A", "x1")
	require.Equal(t, domain.StatePublished, rec.State)
	require.Equal(t, "post-42", rec.PublishedRef)
	require.NotNil(t, rec.Checkpoint.Rewritten)
	require.Equal(t, 1, h.calls.get("extract"))
	require.Equal(t, 1, h.calls.get("rewrite"))
	require.Equal(t, 1, h.calls.get("media"))
	require.Equal(t, 1, h.calls.get("publish"))
	require.Equal(t, 1, h.sink.len())
}

func TestProcessSkipsTerminalItems(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.extractor.fail["https://example.org/x2"] = errContent

	_, err := h.pipeline.Process(ctx, item("A", "x1"))
	require.NoError(t, err)
	d, err := h.pipeline.Process(ctx, item("A", "x2"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionFailed, d)

	before := h.calls.total()
	for i := 0; i < 3; i++ {
		for _, id := range []string{"x1", "x2"} {
			d, err := h.pipeline.Process(ctx, item("A", id))
			require.NoError(t, err)
			require.Equal(t, domain.DispositionSkipped, d)
		}
	}
	require.Equal(t, before, h.calls.total())
}

func TestProcessFailsOnTerminalStageError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.extractor.fail["https://example.org/x2"] = errContent

	d, err := h.pipeline.Process(context.Background(), item("A", "x2"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionFailed, d)

	rec := h.record(t, "A", "x2")
	require.Equal(t, domain.StateFailed, rec.State)
	require.Equal(t, domain.StageExtract, rec.FailedStage)
	require.Equal(t, domain.KindPermanentContent, rec.LastErrorKind)
	require.Zero(t, h.calls.get("rewrite"))
	require.Zero(t, h.calls.get("publish"))
}

func TestProcessResumesFromRewritten(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	now := time.Now()
	rec := domain.NewRecord(item("A", "x3"), now)
	require.NoError(t, rec.Advance(domain.StageExtract, now))
	rec.Checkpoint.Extraction = &domain.Extraction{Title: "T", Text: "saved"}
	require.NoError(t, rec.Advance(domain.StageRewrite, now))
	rec.Checkpoint.Rewritten = &domain.RewrittenContent{Title: "Saved", Body: "<p>saved</p>"}
	require.NoError(t, h.ledger.Upsert(ctx, rec))

	d, err := h.pipeline.Process(ctx, item("A", "x3"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionPublished, d)
	require.Zero(t, h.calls.get("extract"))
	require.Zero(t, h.calls.get("rewrite"))
	require.Equal(t, 1, h.calls.get("media"))
	require.Equal(t, 1, h.calls.get("publish"))
	require.Equal(t, "post-42", h.record(t, "A", "x3").PublishedRef)
}

func TestProcessFailsOverCredentials(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.rewriter.fn = func(key string) error {
		if key == "key-3" {
			return nil
		}
		return domain.NewStageError(domain.KindPermanentCredential, "rewrite", errors.New("invalid api key"))
	}

	d, err := h.pipeline.Process(context.Background(), item("A", "x4"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionPublished, d)
	require.Equal(t, []string{"key-1", "key-2", "key-3"}, h.rewriter.keys)

	for _, e := range h.pool.Snapshot("default") {
		require.Equal(t, e.Name != "k3", e.Disabled, e.Name)
	}
}

func TestProcessExhaustedGroupIsSourceScopedInfraError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.rewriter.fn = func(string) error {
		return domain.NewStageError(domain.KindPermanentCredential, "rewrite", errors.New("revoked"))
	}

	_, err := h.pipeline.Process(context.Background(), item("A", "x5"))
	var infra *domain.InfraError
	require.ErrorAs(t, err, &infra)
	require.Equal(t, domain.ScopeSource, infra.Scope)

	rec := h.record(t, "A", "x5")
	require.Equal(t, domain.StateExtracted, rec.State)
	require.Equal(t, domain.KindFatalInfrastructure, rec.LastErrorKind)
}

func TestProcessDefersExhaustedRetriesThenFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.publisher.err = domain.NewStageError(domain.KindTransient, "publish", errors.New("502"))

	for i := 1; i < h.cfg.Scheduler.MaxItemAttempts; i++ {
		d, err := h.pipeline.Process(ctx, item("A", "x6"))
		require.NoError(t, err)
		require.Equal(t, domain.DispositionDeferred, d)
		rec := h.record(t, "A", "x6")
		require.Equal(t, domain.StateMediaResolved, rec.State)
		require.Equal(t, i, rec.AttemptCount)
		require.Equal(t, domain.KindTransient, rec.LastErrorKind)
	}

	d, err := h.pipeline.Process(ctx, item("A", "x6"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionFailed, d)
	rec := h.record(t, "A", "x6")
	require.Equal(t, domain.StateFailed, rec.State)
	require.Equal(t, domain.StagePublish, rec.FailedStage)
	require.Equal(t, 1, h.calls.get("extract"))
}

func TestProcessInterruptedLeavesLastState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.publisher.err = domain.NewStageError(domain.KindTransient, "publish", errors.New("502"))
	h.rewriter.fn = func(string) error {
		cancel()
		return nil
	}

	d, err := h.pipeline.Process(ctx, item("A", "x7"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionInterrupted, d)

	rec := h.record(t, "A", "x7")
	require.Equal(t, domain.StateRewritten, rec.State)
	require.Zero(t, rec.AttemptCount)
	require.Zero(t, h.calls.get("media"))
}

func TestProcessHonoursItemLease(t *testing.T) {
	t.Parallel()
	locker := lock.NewMemoryLocker()
	h := newHarness(t, nil)
	h.pipeline.locker = locker

	ctx := context.Background()
	key := domain.ItemKey{SourceID: "A", ItemID: "x8"}
	ok, err := locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	d, err := h.pipeline.Process(ctx, item("A", "x8"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionLocked, d)
	require.Zero(t, h.calls.total())

	require.NoError(t, locker.Unlock(ctx, key))
	d, err = h.pipeline.Process(ctx, item("A", "x8"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionPublished, d)

	ok, err = locker.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lease must be released after processing")
}

func TestProcessHandsItemIdentityToPublisher(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.pipeline.Process(context.Background(), item("B", "y1"))
	require.NoError(t, err)

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	require.Len(t, h.publisher.drafts, 1)
	require.Equal(t, "B/y1", h.publisher.drafts[0].Identity)
	require.Equal(t, "https://example.org/y1", h.publisher.drafts[0].CanonicalURL)
}

type failingSink struct{}

func (failingSink) Notify(context.Context, domain.DispositionEvent) error {
	return errors.New("broker unreachable")
}

func TestProcessSinkFailureLogsItemFields(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.extractor.fail["https://example.org/x5"] = errContent

	var buf bytes.Buffer
	h.pipeline.logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h.pipeline.sink = failingSink{}

	d, err := h.pipeline.Process(context.Background(), item("A", "x5"))
	require.NoError(t, err)
	require.Equal(t, domain.DispositionFailed, d)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["msg"] != "disposition sink" {
			continue
		}
		found = true
		require.Equal(t, "A", entry["source"])
		require.Equal(t, "x5", entry["item"])
		require.Equal(t, "broker unreachable", entry["error"])
	}
	require.True(t, found, "sink failure was not logged:\n%s", buf.String())
}
