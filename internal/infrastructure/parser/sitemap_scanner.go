package parser

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/scanner"
	"ArticleRelay/pkg/logger"
)

const (
	defaultSitemapLimit = 50
	maxSitemapDepth     = 2
)

// sitemapDocument covers both <urlset> and <sitemapindex>. Tags carry no
// namespace so the sitemap and news namespaces both match.
type sitemapDocument struct {
	XMLName  xml.Name
	URLs     []sitemapURL `xml:"url"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

type sitemapURL struct {
	Loc       string `xml:"loc"`
	LastMod   string `xml:"lastmod"`
	NewsTitle string `xml:"news>title"`
}

// SitemapScanner reads sitemap.xml files and Google News sitemaps. Index
// files are followed one level down.
type SitemapScanner struct {
	client *http.Client
	logger *slog.Logger
}

// NewSitemapScanner wires an HTTP client used for every sitemap request.
func NewSitemapScanner(client *http.Client, log *slog.Logger) *SitemapScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &SitemapScanner{client: client, logger: log}
}

// Name identifies the strategy inside the registry.
func (s *SitemapScanner) Name() string {
	return "sitemap"
}

// Scan returns up to the "limit" option (default 50) newest URLs per
// configured sitemap. The optional "allowPattern" keeps only matching URLs.
func (s *SitemapScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.SourceItem, error) {
	if len(req.Categories) == 0 {
		return nil, fmt.Errorf("no sitemap urls provided for site %s", req.SiteName)
	}

	limit := defaultSitemapLimit
	if v, err := strconv.Atoi(req.Options["limit"]); err == nil && v > 0 {
		limit = v
	}
	var allow *regexp.Regexp
	if pattern := req.Options["allowPattern"]; pattern != "" {
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("sitemap allow pattern: %w", err)
		}
		allow = expr
	}

	var (
		results []domain.SourceItem
		seen    = map[string]struct{}{}
	)
	for _, cat := range req.Categories {
		entries, err := s.collect(ctx, cat.URL, allow, limit, 0)
		if err != nil {
			return nil, fmt.Errorf("sitemap %s: %w", cat.URL, err)
		}
		for _, item := range newestFirst(entries, limit) {
			if !req.Since.IsZero() && !item.Payload.PublishedAt.IsZero() && item.Payload.PublishedAt.Before(req.Since) {
				continue
			}
			if _, ok := seen[item.ItemID]; ok {
				continue
			}
			seen[item.ItemID] = struct{}{}
			results = append(results, item)
		}
		s.logger.Debug("sitemap parsed", "url", cat.URL, "entries", len(entries))
	}
	return results, nil
}

func (s *SitemapScanner) collect(ctx context.Context, sitemapURL string, allow *regexp.Regexp, limit, depth int) ([]domain.SourceItem, error) {
	doc, err := s.fetch(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	if doc.XMLName.Local == "sitemapindex" {
		if depth >= maxSitemapDepth {
			return nil, nil
		}
		var items []domain.SourceItem
		for _, child := range doc.Sitemaps {
			loc := strings.TrimSpace(child.Loc)
			if loc == "" {
				continue
			}
			if len(items) >= limit {
				break
			}
			nested, err := s.collect(ctx, loc, allow, limit, depth+1)
			if err != nil {
				s.logger.Warn("child sitemap skipped", "url", loc, "error", err)
				continue
			}
			items = append(items, nested...)
		}
		return items, nil
	}

	items := make([]domain.SourceItem, 0, len(doc.URLs))
	for _, u := range doc.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" || (allow != nil && !allow.MatchString(loc)) {
			continue
		}
		title := strings.TrimSpace(u.NewsTitle)
		if title == "" {
			title = loc
		}
		items = append(items, domain.SourceItem{
			ItemID: loc,
			Payload: domain.ItemPayload{
				Title:       title,
				Link:        loc,
				PublishedAt: parseLastMod(u.LastMod),
			},
		})
	}
	return items, nil
}

func (s *SitemapScanner) fetch(ctx context.Context, sitemapURL string) (sitemapDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDocument{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return sitemapDocument{}, fmt.Errorf("request sitemap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return sitemapDocument{}, fmt.Errorf("sitemap returned %s", resp.Status)
	}

	var doc sitemapDocument
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&doc); err != nil {
		return sitemapDocument{}, fmt.Errorf("parse sitemap: %w", err)
	}
	return doc, nil
}

// newestFirst orders entries by lastmod, undated last, and keeps limit.
func newestFirst(items []domain.SourceItem, limit int) []domain.SourceItem {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Payload.PublishedAt.After(items[j].Payload.PublishedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func parseLastMod(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
