package wordpress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
)

func sampleLinkMap() LinkMap {
	return LinkMap{Posts: []LinkTarget{
		{Link: "https://blog.example.org/real-madrid", Keywords: []string{"Real Madrid", "Real Madrid Club de Futbol"}, Categories: []int{3}},
		{Link: "https://blog.example.org/derby-guide", Keywords: []string{"derby"}, Categories: []int{9}},
		{Link: "https://blog.example.org/champions", Keywords: []string{"Champions League"}},
		{Link: "https://blog.example.org/empty", Keywords: []string{" "}},
	}}
}

func TestLinkerInsertsLongestKeywordOnce(t *testing.T) {
	t.Parallel()
	l := NewLinker(sampleLinkMap(), nil, 0)
	if l.Len() != 3 {
		t.Fatalf("expected 3 targets, got %d", l.Len())
	}

	body := `<p>Real Madrid Club de Futbol won the derby.</p><p>Real Madrid again in the Champions League.</p>`
	got := l.Apply(body, []int{3})

	if strings.Count(got, `href="https://blog.example.org/real-madrid"`) != 1 {
		t.Fatalf("real madrid linked more than once: %s", got)
	}
	if !strings.Contains(got, `<a href="https://blog.example.org/real-madrid">Real Madrid Club de Futbol</a>`) {
		t.Fatalf("longest keyword not preferred: %s", got)
	}
	if !strings.Contains(got, `<a href="https://blog.example.org/champions">Champions League</a>`) {
		t.Fatalf("second paragraph not linked: %s", got)
	}
	if !strings.Contains(got, " won the derby.") {
		t.Fatalf("text after the link lost: %s", got)
	}
}

func TestLinkerSkipsExcludedElements(t *testing.T) {
	t.Parallel()
	l := NewLinker(sampleLinkMap(), nil, 0)

	body := `<h2>Champions League</h2><blockquote>derby</blockquote><p><a href="/x">derby</a></p>`
	if got := l.Apply(body, nil); got != body {
		t.Fatalf("excluded elements were modified: %s", got)
	}
}

func TestLinkerPriorityAndLimit(t *testing.T) {
	t.Parallel()
	lm := LinkMap{Posts: []LinkTarget{
		{Link: "https://blog.example.org/other", Keywords: []string{"match"}},
		{Link: "https://blog.example.org/same-cat", Keywords: []string{"match"}, Categories: []int{5}},
		{Link: "https://blog.example.org/pillar", Keywords: []string{"match"}},
	}}
	l := NewLinker(lm, []string{"https://blog.example.org/pillar"}, 2)

	got := l.Apply(`<p>match one</p><p>match two</p><p>match three</p>`, []int{5})
	pillar := strings.Index(got, "/pillar")
	sameCat := strings.Index(got, "/same-cat")
	if pillar < 0 || sameCat < 0 || pillar > sameCat {
		t.Fatalf("priority order not respected: %s", got)
	}
	if strings.Contains(got, "/other") {
		t.Fatalf("link limit exceeded: %s", got)
	}
}

func TestRenderContentAppliesLinker(t *testing.T) {
	t.Parallel()
	l := NewLinker(sampleLinkMap(), nil, 0)
	draft := domain.PostDraft{Content: domain.RewrittenContent{Body: "<p>A tense derby.</p>"}}

	got := RenderContent(draft, WithInternalLinks(l, nil))
	if !strings.Contains(got, `<a href="https://blog.example.org/derby-guide">derby</a>`) {
		t.Fatalf("link missing: %s", got)
	}
	if plain := RenderContent(draft, WithInternalLinks(nil, nil)); plain != "<p>A tense derby.</p>" {
		t.Fatalf("nil linker changed the body: %s", plain)
	}
}

func TestLinkMapRoundTripsThroughFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "links.json")
	if err := SaveLinkMap(path, sampleLinkMap()); err != nil {
		t.Fatalf("SaveLinkMap: %v", err)
	}
	lm, err := LoadLinkMap(path)
	if err != nil {
		t.Fatalf("LoadLinkMap: %v", err)
	}
	if len(lm.Posts) != 4 || lm.Posts[0].Keywords[1] != "Real Madrid Club de Futbol" {
		t.Fatalf("unexpected link map: %+v", lm)
	}
}

func TestBuildLinkMapResolvesTags(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/wp-json/wp/v2/posts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "link": "https://blog.example.org/a", "title": map[string]string{"rendered": "Cup &amp; Glory"}, "categories": []int{3}, "tags": []int{7, 8}},
			{"id": 2, "link": "", "title": map[string]string{"rendered": "No link"}},
		})
	})
	mux.HandleFunc("/wp-json/wp/v2/tags", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("include"); got != "7,8" {
			t.Errorf("unexpected include: %s", got)
		}
		_, _ = w.Write([]byte(`[{"id":7,"name":"Final"},{"id":8,"name":"cup &amp; glory"}]`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewClient(config.WordPressConfig{URL: server.URL}, nil)
	lm, err := client.BuildLinkMap(context.Background(), 10)
	if err != nil {
		t.Fatalf("BuildLinkMap: %v", err)
	}
	if len(lm.Posts) != 1 {
		t.Fatalf("expected one target, got %+v", lm.Posts)
	}
	got := lm.Posts[0]
	if got.Link != "https://blog.example.org/a" || len(got.Keywords) != 2 || got.Keywords[0] != "Cup & Glory" || got.Keywords[1] != "Final" {
		t.Fatalf("unexpected target: %+v", got)
	}
}
