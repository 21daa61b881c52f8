package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/scanner"
	"ArticleRelay/pkg/logger"
)

// RSSScanner reads RSS, Atom and JSON feeds.
type RSSScanner struct {
	client *http.Client
	logger *slog.Logger
}

// NewRSSScanner wires an HTTP client used for every feed request.
func NewRSSScanner(client *http.Client, log *slog.Logger) *RSSScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RSSScanner{client: client, logger: log}
}

// Name identifies the strategy inside the registry.
func (r *RSSScanner) Name() string {
	return "rss"
}

// Scan parses every configured feed URL and returns entries in feed order.
// Entries older than req.Since are dropped when Since is set.
func (r *RSSScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.SourceItem, error) {
	if len(req.Categories) == 0 {
		return nil, fmt.Errorf("no feed urls provided for site %s", req.SiteName)
	}

	fp := gofeed.NewParser()
	fp.Client = r.client
	fp.UserAgent = userAgent

	var (
		results []domain.SourceItem
		seen    = map[string]struct{}{}
	)
	for _, cat := range req.Categories {
		feed, err := fp.ParseURLWithContext(cat.URL, ctx)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", cat.URL, err)
		}

		for _, entry := range feed.Items {
			if entry == nil {
				continue
			}
			item := toSourceItem(entry)
			if !req.Since.IsZero() && !item.Payload.PublishedAt.IsZero() && item.Payload.PublishedAt.Before(req.Since) {
				continue
			}
			if _, ok := seen[item.ItemID]; ok {
				continue
			}
			seen[item.ItemID] = struct{}{}
			results = append(results, item)
		}
		r.logger.Debug("feed parsed", "url", cat.URL, "entries", len(feed.Items))
	}

	return results, nil
}

func toSourceItem(entry *gofeed.Item) domain.SourceItem {
	var published time.Time
	switch {
	case entry.PublishedParsed != nil:
		published = entry.PublishedParsed.UTC()
	case entry.UpdatedParsed != nil:
		published = entry.UpdatedParsed.UTC()
	}

	link := strings.TrimSpace(entry.Link)
	summary := strings.TrimSpace(entry.Description)
	if summary == "" {
		summary = strings.TrimSpace(entry.Content)
	}

	return domain.SourceItem{
		ItemID: itemID(entry.GUID, link, entry.Title, published),
		Payload: domain.ItemPayload{
			Title:       strings.TrimSpace(entry.Title),
			Link:        link,
			Summary:     summary,
			PublishedAt: published,
		},
	}
}

// itemID prefers the feed GUID, then the link, then a digest of title and
// publication time.
func itemID(guid, link, title string, published time.Time) string {
	if guid = strings.TrimSpace(guid); guid != "" {
		return guid
	}
	if link != "" {
		return link
	}
	sum := sha256.Sum256([]byte(title + published.Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])
}
