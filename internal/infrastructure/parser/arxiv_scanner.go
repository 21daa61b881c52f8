package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/scanner"
	"ArticleRelay/pkg/logger"
)

const (
	arxivBaseURL = "https://arxiv.org"
	userAgent    = "ArticleRelay/1.0"
)

var dateExpr = regexp.MustCompile(`\d{1,2} [A-Za-z]{3} \d{4}`)

// ArxivScanner crawls listing pages and returns entries published since the
// requested day.
type ArxivScanner struct {
	client   *http.Client
	pageSize int
	logger   *slog.Logger
}

// NewArxivScanner wires an HTTP client; pageSize defaults to 200.
func NewArxivScanner(client *http.Client, log *slog.Logger) *ArxivScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &ArxivScanner{client: client, pageSize: 200, logger: log}
}

// Name identifies the strategy inside the registry.
func (a *ArxivScanner) Name() string {
	return "arxiv"
}

// Scan walks through each category URL. A zero req.Since reads only the
// first page.
func (a *ArxivScanner) Scan(ctx context.Context, req scanner.Request) ([]domain.SourceItem, error) {
	if len(req.Categories) == 0 {
		return nil, fmt.Errorf("no categories provided for site %s", req.SiteName)
	}

	pageSize := a.pageSize
	if v, err := strconv.Atoi(req.Options["page_size"]); err == nil && v > 0 {
		pageSize = v
	}

	sinceDay := req.Since.UTC().Truncate(24 * time.Hour)
	results := make([]domain.SourceItem, 0)
	seen := map[string]struct{}{}

	for _, cat := range req.Categories {
		skip := 0
		for {
			pageURL, err := buildPageURL(cat.URL, skip, pageSize)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", cat.Name, err)
			}

			doc, err := a.fetchDocument(ctx, pageURL)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", cat.Name, err)
			}

			pageItems, shouldContinue := extractItems(doc, sinceDay, pageSize)
			for _, item := range pageItems {
				if _, ok := seen[item.ItemID]; ok {
					continue
				}
				seen[item.ItemID] = struct{}{}
				results = append(results, item)
			}

			if !shouldContinue || req.Since.IsZero() {
				break
			}
			skip += pageSize
		}
		a.logger.Debug("arxiv category scanned", "category", cat.Name, "items", len(results))
	}

	return results, nil
}

func (a *ArxivScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("arxiv returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	return doc, nil
}

func extractItems(doc *goquery.Document, sinceDay time.Time, pageSize int) ([]domain.SourceItem, bool) {
	var (
		collected    []domain.SourceItem
		continueScan = true
		processed    int
	)

	doc.Find("dl > dt").EachWithBreak(func(i int, dt *goquery.Selection) bool {
		dd := dt.Next()
		processed++

		item, err := parseEntry(dt, dd)
		if err != nil {
			return true
		}

		itemDay := item.Payload.PublishedAt.UTC().Truncate(24 * time.Hour)
		if itemDay.Before(sinceDay) {
			continueScan = false
			return false
		}
		collected = append(collected, item)
		return true
	})

	if processed < pageSize {
		continueScan = false
	}

	return collected, continueScan
}

func parseEntry(dt, dd *goquery.Selection) (domain.SourceItem, error) {
	link := dt.Find("a[href*=\"/abs/\"]").First()
	href, _ := link.Attr("href")

	id := strings.TrimSpace(link.Text())
	if id == "" {
		id = strings.TrimPrefix(href, "/abs/")
	}

	if href != "" && !strings.HasPrefix(href, "http") {
		href = strings.TrimSuffix(arxivBaseURL, "/") + href
	}
	if id == "" {
		id = href
	}
	if id == "" {
		return domain.SourceItem{}, fmt.Errorf("entry without identifier")
	}

	title := strings.TrimSpace(dd.Find(".list-title").First().Text())
	title = strings.TrimPrefix(title, "Title:")
	title = strings.TrimSpace(title)

	summary := dd.Find("p.mathjax").First().Text()
	summary = strings.TrimPrefix(strings.TrimSpace(summary), "Abstract:")
	summary = strings.TrimSpace(summary)

	dateText := strings.TrimSpace(dd.Find(".list-date").First().Text())
	if dateText == "" {
		dateText = strings.TrimSpace(dd.Find(".list-dateline").First().Text())
	}

	publishedAt := time.Now().UTC()
	if match := dateExpr.FindString(dateText); match != "" {
		if parsed, err := time.Parse("2 Jan 2006", match); err == nil {
			publishedAt = parsed
		}
	}

	return domain.SourceItem{
		ItemID: id,
		Payload: domain.ItemPayload{
			Title:       title,
			Link:        href,
			Summary:     summary,
			PublishedAt: publishedAt,
		},
	}, nil
}

func buildPageURL(base string, skip, pageSize int) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid category url %s: %w", base, err)
	}

	query := parsed.Query()
	query.Set("skip", strconv.Itoa(skip))
	query.Set("show", strconv.Itoa(pageSize))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
