package ports

import (
	"context"
	"time"

	"ArticleRelay/internal/domain"
)

// FeedReader pulls the current item list of one configured source.
// An empty feed is not an error.
type FeedReader interface {
	Fetch(ctx context.Context, sourceID string) ([]domain.SourceItem, error)
}

// Extractor turns an article URL into readable text plus media references.
type Extractor interface {
	Extract(ctx context.Context, link string) (domain.Extraction, error)
}

// Rewriter sends text to an AI provider using the given credential key.
type Rewriter interface {
	Rewrite(ctx context.Context, req domain.RewriteRequest, key string) (domain.RewrittenContent, error)
}

// MediaResolver uploads the usable media of an item to the publishing backend.
type MediaResolver interface {
	Resolve(ctx context.Context, item domain.ItemPayload, extraction domain.Extraction, content domain.RewrittenContent) (domain.ResolvedMedia, error)
}

// Publisher creates a post on the content-management backend.
type Publisher interface {
	Publish(ctx context.Context, draft domain.PostDraft) (string, error)
}

// Ledger persists item dispositions for deduplication and crash recovery.
type Ledger interface {
	HasSeen(ctx context.Context, sourceID, itemID string) (bool, error)
	Get(ctx context.Context, sourceID, itemID string) (domain.LedgerRecord, error)
	InsertIfAbsent(ctx context.Context, record domain.LedgerRecord) (bool, error)
	Upsert(ctx context.Context, record domain.LedgerRecord) error
	ListPending(ctx context.Context, sourceID string, limit int) ([]domain.LedgerRecord, error)
	PurgeOlderThan(ctx context.Context, horizon time.Time) (int64, error)
}

// ArtifactStore owns transient local files such as staged media downloads.
type ArtifactStore interface {
	RemoveOlderThan(ctx context.Context, horizon time.Time) (int, error)
}

// ItemLocker grants short exclusive leases on an item identity.
type ItemLocker interface {
	TryLock(ctx context.Context, key domain.ItemKey, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key domain.ItemKey) error
}

// DispositionSink receives terminal item dispositions.
type DispositionSink interface {
	Notify(ctx context.Context, event domain.DispositionEvent) error
}

// Scheduler drives a job at a fixed interval.
type Scheduler interface {
	Start(ctx context.Context, job func(context.Context, time.Time)) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}
