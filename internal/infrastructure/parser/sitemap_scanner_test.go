package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ArticleRelay/internal/scanner"
)

const sampleSitemap = `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:news="http://www.google.com/schemas/sitemap-news/0.9">
  <url>
    <loc>https://news.example.org/sport/older</loc>
    <lastmod>2025-11-07</lastmod>
  </url>
  <url>
    <loc>https://news.example.org/sport/newest</loc>
    <lastmod>2025-11-08T10:00:00+00:00</lastmod>
    <news:news><news:title>Newest story</news:title></news:news>
  </url>
  <url>
    <loc>https://news.example.org/tag/football</loc>
    <lastmod>2025-11-08T11:00:00+00:00</lastmod>
  </url>
  <url>
    <loc>https://news.example.org/sport/ancient</loc>
    <lastmod>2025-10-01</lastmod>
  </url>
</urlset>`

func newSitemapServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleSitemap))
	})
	mux.HandleFunc("/index.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>http://` + r.Host + `/missing.xml</loc></sitemap>
  <sitemap><loc>http://` + r.Host + `/sitemap.xml</loc></sitemap>
</sitemapindex>`))
	})
	mux.HandleFunc("/missing.xml", http.NotFound)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestSitemapScannerNewestFirstWithAllowPattern(t *testing.T) {
	t.Parallel()
	server := newSitemapServer(t)

	sc := NewSitemapScanner(server.Client(), nil)
	items, err := sc.Scan(context.Background(), scanner.Request{
		Since:      time.Date(2025, time.November, 1, 0, 0, 0, 0, time.UTC),
		Categories: []scanner.Category{{URL: server.URL + "/sitemap.xml"}},
		Options:    map[string]string{"allowPattern": `/sport/`},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d: %+v", len(items), items)
	}
	if items[0].ItemID != "https://news.example.org/sport/newest" || items[0].Payload.Title != "Newest story" {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[1].Payload.Title != "https://news.example.org/sport/older" {
		t.Fatalf("loc should stand in for a missing title, got %s", items[1].Payload.Title)
	}
	if !items[1].Payload.PublishedAt.Equal(time.Date(2025, time.November, 7, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected lastmod: %s", items[1].Payload.PublishedAt)
	}
}

func TestSitemapScannerFollowsIndexAndLimits(t *testing.T) {
	t.Parallel()
	server := newSitemapServer(t)

	sc := NewSitemapScanner(server.Client(), nil)
	items, err := sc.Scan(context.Background(), scanner.Request{
		Categories: []scanner.Category{{URL: server.URL + "/index.xml"}},
		Options:    map[string]string{"limit": "2"},
	})
	if err != nil {
		t.Fatalf("Scan error: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].ItemID != "https://news.example.org/tag/football" || items[1].ItemID != "https://news.example.org/sport/newest" {
		t.Fatalf("unexpected order: %s, %s", items[0].ItemID, items[1].ItemID)
	}
}

func TestSitemapScannerRejectsBadInput(t *testing.T) {
	t.Parallel()
	server := newSitemapServer(t)
	sc := NewSitemapScanner(server.Client(), nil)

	if _, err := sc.Scan(context.Background(), scanner.Request{SiteName: "x"}); err == nil {
		t.Fatal("expected error without urls")
	}
	_, err := sc.Scan(context.Background(), scanner.Request{
		Categories: []scanner.Category{{URL: server.URL + "/sitemap.xml"}},
		Options:    map[string]string{"allowPattern": "("},
	})
	if err == nil {
		t.Fatal("expected error for a bad allow pattern")
	}
	if _, err := sc.Scan(context.Background(), scanner.Request{
		Categories: []scanner.Category{{URL: server.URL + "/missing.xml"}},
	}); err == nil {
		t.Fatal("expected error for a missing sitemap")
	}
}
