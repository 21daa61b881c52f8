// Package extractor fetches an article page and reduces it to readable text
// plus the media it references.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
	"ArticleRelay/pkg/logger"
)

const (
	userAgent       = "ArticleRelay/1.0"
	maxPageBytes    = 5 << 20
	defaultMinChars = 200
)

var (
	errEmptyContent = errors.New("article has no readable content")

	bodySelectors = []string{
		"[itemprop=articleBody]",
		"article .entry-content",
		"article .post-content",
		".entry-content",
		".post-content",
		".article-body",
		"article",
		"main",
		"body",
	}

	noiseSelectors = "script, style, noscript, nav, footer, header, aside, form, iframe[src*='ads'], figure.related"

	noiseClass = regexp.MustCompile(`(?i)(related|trending|sidebar|recommend|newsletter|subscribe|share|social|advert|sponsor|outbrain|taboola|most-popular|comment)`)

	videoHosts = regexp.MustCompile(`(?i)(youtube\.com/(embed/|shorts/|v/)|youtu\.be/|player\.vimeo\.com/video/)`)
)

// Extractor implements ports.Extractor on top of goquery.
type Extractor struct {
	client   *http.Client
	minChars int
	logger   *slog.Logger
}

var _ ports.Extractor = (*Extractor)(nil)

// Option customises an Extractor.
type Option func(*Extractor)

// WithMinChars sets the shortest body accepted as an article.
func WithMinChars(n int) Option {
	return func(e *Extractor) { e.minChars = n }
}

// New builds an extractor; a nil client gets a 30s timeout.
func New(client *http.Client, log *slog.Logger, opts ...Option) *Extractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logger.Discard()
	}
	e := &Extractor{client: client, minChars: defaultMinChars, logger: log}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract downloads link and returns its title, text and media. Network
// failures and 5xx/429 responses are transient; anything that cannot yield
// an article is permanent_content.
func (e *Extractor) Extract(ctx context.Context, link string) (domain.Extraction, error) {
	base, err := url.Parse(link)
	if err != nil || base.Host == "" {
		return domain.Extraction{}, domain.NewStageError(domain.KindPermanentContent, "extract", fmt.Errorf("invalid link %q", link))
	}

	doc, err := e.fetch(ctx, link)
	if err != nil {
		return domain.Extraction{}, err
	}

	return e.parse(doc, base)
}

func (e *Extractor) fetch(ctx context.Context, link string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, domain.NewStageError(domain.KindPermanentContent, "extract", fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, domain.NewStageError(domain.KindTransient, "extract", fmt.Errorf("request page: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return nil, domain.NewStageError(domain.KindTransient, "extract", fmt.Errorf("page returned %s", resp.Status))
	case resp.StatusCode != http.StatusOK:
		return nil, domain.NewStageError(domain.KindPermanentContent, "extract", fmt.Errorf("page returned %s", resp.Status))
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, domain.NewStageError(domain.KindPermanentContent, "extract", fmt.Errorf("parse page: %w", err))
	}
	return doc, nil
}

func (e *Extractor) parse(doc *goquery.Document, base *url.URL) (domain.Extraction, error) {
	out := domain.Extraction{
		Title:         pageTitle(doc),
		FeaturedImage: resolve(base, metaContent(doc, "og:image")),
	}

	body := articleBody(doc)
	body.Find(noiseSelectors).Remove()
	body.Find("[class], [id]").Each(func(_ int, s *goquery.Selection) {
		class, _ := s.Attr("class")
		id, _ := s.Attr("id")
		if noiseClass.MatchString(class + " " + id) {
			s.Remove()
		}
	})

	var paragraphs []string
	body.Find("p, h2, h3, li, blockquote").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("li, blockquote").Length() > 0 {
			return
		}
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	out.Text = strings.Join(paragraphs, "\n\n")

	if len([]rune(out.Text)) < e.minChars {
		return domain.Extraction{}, domain.NewStageError(domain.KindPermanentContent, "extract", errEmptyContent)
	}

	seen := map[string]bool{}
	body.Find("img").Each(func(_ int, s *goquery.Selection) {
		src := imageSource(s)
		if src = resolve(base, src); src == "" || seen[src] {
			return
		}
		seen[src] = true
		alt, _ := s.Attr("alt")
		out.Media = append(out.Media, domain.MediaRef{Kind: domain.MediaImage, URL: src, Alt: strings.TrimSpace(alt)})
	})
	doc.Find("iframe[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		if src = resolve(base, src); src == "" || seen[src] || !videoHosts.MatchString(src) {
			return
		}
		seen[src] = true
		out.Media = append(out.Media, domain.MediaRef{Kind: domain.MediaVideo, URL: src})
	})

	if out.FeaturedImage == "" {
		for _, m := range out.Media {
			if m.Kind == domain.MediaImage {
				out.FeaturedImage = m.URL
				break
			}
		}
	}

	e.logger.Debug("article extracted", "url", base.String(), "chars", len(out.Text), "media", len(out.Media))
	return out, nil
}

func articleBody(doc *goquery.Document) *goquery.Selection {
	for _, sel := range bodySelectors {
		if found := doc.Find(sel).First(); found.Length() > 0 {
			return found
		}
	}
	return doc.Selection
}

func pageTitle(doc *goquery.Document) string {
	if title := metaContent(doc, "og:title"); title != "" {
		return title
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func metaContent(doc *goquery.Document, property string) string {
	sel := doc.Find(fmt.Sprintf("meta[property=%q], meta[name=%q]", property, property)).First()
	content, _ := sel.Attr("content")
	return strings.TrimSpace(content)
}

// imageSource prefers the widest srcset candidate, then lazy-load attributes.
func imageSource(s *goquery.Selection) string {
	if srcset, ok := s.Attr("srcset"); ok {
		if best := widestCandidate(srcset); best != "" {
			return best
		}
	}
	for _, attr := range []string{"data-src", "data-lazy-src", "src"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" && !strings.HasPrefix(v, "data:") {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func widestCandidate(srcset string) string {
	best, bestWidth := "", -1
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		width := 0
		if len(fields) > 1 && strings.HasSuffix(fields[1], "w") {
			width, _ = strconv.Atoi(strings.TrimSuffix(fields[1], "w"))
		}
		if width >= bestWidth {
			best, bestWidth = fields[0], width
		}
	}
	return best
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
