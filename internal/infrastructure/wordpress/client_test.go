package wordpress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
)

type storedPost struct {
	ID      int64
	Slug    string
	Meta    map[string]string
	Content string
}

type fakeWordPress struct {
	mu          sync.Mutex
	posts       []storedPost
	nextID      int64
	created     int
	posted      postPayload
	uploads     int
	altTexts    map[string]string
	postStatus  int
	contentType string
}

func (f *fakeWordPress) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *fakeWordPress) listBySlug(slug string) []map[string]any {
	out := []map[string]any{}
	for _, p := range f.posts {
		if p.Slug != slug {
			continue
		}
		entry := map[string]any{"id": p.ID, "content": map[string]string{"raw": p.Content}}
		if p.Meta != nil {
			entry["meta"] = p.Meta
		} else {
			entry["meta"] = []any{}
		}
		out = append(out, entry)
	}
	return out
}

func (f *fakeWordPress) lastPost() postPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posted
}

func (f *fakeWordPress) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/wp-json/wp/v2/posts", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if user, pass, ok := r.BasicAuth(); !ok || user != "editor" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"rest_not_logged_in","message":"nope"}`))
			return
		}
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(f.listBySlug(r.URL.Query().Get("slug")))
			return
		}
		if f.postStatus != 0 {
			w.WriteHeader(f.postStatus)
			_, _ = w.Write([]byte(`{"code":"rest_invalid_param","message":"bad"}`))
			return
		}
		f.posted = postPayload{}
		if err := json.NewDecoder(r.Body).Decode(&f.posted); err != nil {
			t.Errorf("decode post: %v", err)
		}
		if f.nextID == 0 {
			f.nextID = 42
		}
		id := f.nextID
		f.nextID++
		f.created++
		f.posts = append(f.posts, storedPost{ID: id, Slug: f.posted.Slug, Meta: f.posted.Meta, Content: f.posted.Content})
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]int64{"id": id})
	})
	mux.HandleFunc("/wp-json/wp/v2/tags", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			if r.URL.Query().Get("search") == "Football" {
				_, _ = w.Write([]byte(`[{"id":7,"name":"football"}]`))
				return
			}
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"term_exists","message":"exists","data":{"term_id":9}}`))
	})
	mux.HandleFunc("/wp-json/wp/v2/media", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.uploads++
		f.contentType = r.Header.Get("Content-Type")
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":501,"source_url":"https://blog.example.org/wp-content/uploads/a.jpg"}`))
	})
	mux.HandleFunc("/wp-json/wp/v2/media/501", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.altTexts["501"] = body["alt_text"]
		_, _ = w.Write([]byte(`{"id":501}`))
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakeWordPress, password string) *Client {
	t.Helper()
	fake.altTexts = map[string]string{}
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	return NewClient(config.WordPressConfig{
		URL:              server.URL + "/",
		User:             "editor",
		Password:         password,
		Categories:       map[string]int{"Sports": 3, "futebol": 4},
		FixedCategoryIDs: []int{1},
	}, nil)
}

func sampleDraft() domain.PostDraft {
	return domain.PostDraft{
		Content: domain.RewrittenContent{
			Title:           "Big Match Ends Level",
			Body:            "<p>Body</p>",
			Tags:            []string{"Football", "Derby", "football"},
			FocusKeyphrase:  "big match",
			SuggestedLabels: []string{"Futebol", "Unknown"},
		},
		Media: domain.ResolvedMedia{
			Featured: &domain.UploadedMedia{BackendID: 501},
			Videos:   []domain.MediaRef{{Kind: domain.MediaVideo, URL: "https://www.youtube.com/embed/abcdefghijk?rel=0"}},
		},
		Category:     "sports",
		SourceName:   "Example News",
		CanonicalURL: "https://news.example.org/match",
		Identity:     "feed-a/match",
	}
}

func TestPublishCreatesPost(t *testing.T) {
	t.Parallel()
	fake := &fakeWordPress{}
	client := newTestClient(t, fake, "secret")

	ref, err := client.Publish(context.Background(), sampleDraft())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ref != "post-42" {
		t.Fatalf("unexpected ref: %s", ref)
	}

	got := fake.lastPost()
	if got.Slug != "big-match-ends-level" {
		t.Fatalf("unexpected slug: %s", got.Slug)
	}
	if got.FeaturedMedia != 501 {
		t.Fatalf("featured media not set: %d", got.FeaturedMedia)
	}
	if len(got.Categories) != 3 || got.Categories[0] != 1 || got.Categories[1] != 3 || got.Categories[2] != 4 {
		t.Fatalf("unexpected categories: %v", got.Categories)
	}
	if len(got.Tags) != 2 || got.Tags[0] != 7 || got.Tags[1] != 9 {
		t.Fatalf("unexpected tags: %v", got.Tags)
	}
	if !strings.Contains(got.Content, "https://www.youtube.com/watch?v=abcdefghijk") {
		t.Fatalf("video embed missing: %s", got.Content)
	}
	if !strings.Contains(got.Content, `<a href="https://news.example.org/match"`) || !strings.Contains(got.Content, "Example News") {
		t.Fatalf("credit line missing: %s", got.Content)
	}
	if got.Meta["_yoast_wpseo_focuskw"] != "big match" {
		t.Fatalf("focus keyphrase missing: %v", got.Meta)
	}
	if got.Meta[identityMeta] != "feed-a/match" {
		t.Fatalf("identity meta missing: %v", got.Meta)
	}
}

func TestPublishReusesOwnPost(t *testing.T) {
	t.Parallel()
	fake := &fakeWordPress{posts: []storedPost{{
		ID:   77,
		Slug: "big-match-ends-level",
		Meta: map[string]string{identityMeta: "feed-a/match"},
	}}}
	client := newTestClient(t, fake, "secret")

	ref, err := client.Publish(context.Background(), sampleDraft())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ref != "post-77" {
		t.Fatalf("expected existing post, got %s", ref)
	}
	if fake.createdCount() != 0 {
		t.Fatalf("no new post should have been created, got %d", fake.createdCount())
	}
}

func TestPublishReusesPostByCreditLine(t *testing.T) {
	t.Parallel()
	fake := &fakeWordPress{posts: []storedPost{{
		ID:      78,
		Slug:    "big-match-ends-level",
		Content: `<p>Body</p><p><strong>Source:</strong> <a href="https://news.example.org/match">Example News</a></p>`,
	}}}
	client := newTestClient(t, fake, "secret")

	ref, err := client.Publish(context.Background(), sampleDraft())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ref != "post-78" || fake.createdCount() != 0 {
		t.Fatalf("expected post-78 without creation, got %s (created %d)", ref, fake.createdCount())
	}
}

func TestPublishSameTitleDifferentItems(t *testing.T) {
	t.Parallel()
	fake := &fakeWordPress{}
	client := newTestClient(t, fake, "secret")
	ctx := context.Background()

	first := domain.PostDraft{
		Content:      domain.RewrittenContent{Title: "Dollar rises", Body: "<p>first</p>"},
		CanonicalURL: "https://a.example.org/1",
		Identity:     "A/1",
	}
	second := domain.PostDraft{
		Content:      domain.RewrittenContent{Title: "Dollar rises", Body: "<p>second</p>"},
		CanonicalURL: "https://b.example.org/2",
		Identity:     "B/2",
	}

	refA, err := client.Publish(ctx, first)
	if err != nil {
		t.Fatalf("Publish first: %v", err)
	}
	refB, err := client.Publish(ctx, second)
	if err != nil {
		t.Fatalf("Publish second: %v", err)
	}
	if refA == refB {
		t.Fatalf("distinct items share ref %s", refA)
	}
	if fake.createdCount() != 2 {
		t.Fatalf("expected 2 posts, got %d", fake.createdCount())
	}
	secondSlug := fake.lastPost().Slug
	if secondSlug == "dollar-rises" || !strings.HasPrefix(secondSlug, "dollar-rises-") {
		t.Fatalf("second post slug = %q", secondSlug)
	}

	again, err := client.Publish(ctx, second)
	if err != nil {
		t.Fatalf("Publish retry: %v", err)
	}
	if again != refB || fake.createdCount() != 2 {
		t.Fatalf("retry of second item: ref %s (want %s), created %d", again, refB, fake.createdCount())
	}
}

func TestPublishErrorKinds(t *testing.T) {
	t.Parallel()

	_, err := newTestClient(t, &fakeWordPress{}, "wrong").Publish(context.Background(), sampleDraft())
	if kind := domain.KindOf(err); kind != domain.KindFatalInfrastructure {
		t.Fatalf("auth failure kind = %s (%v)", kind, err)
	}

	_, err = newTestClient(t, &fakeWordPress{postStatus: http.StatusUnprocessableEntity}, "secret").Publish(context.Background(), sampleDraft())
	if kind := domain.KindOf(err); kind != domain.KindPermanentBackend {
		t.Fatalf("validation failure kind = %s (%v)", kind, err)
	}

	_, err = newTestClient(t, &fakeWordPress{postStatus: http.StatusBadGateway}, "secret").Publish(context.Background(), sampleDraft())
	if kind := domain.KindOf(err); kind != domain.KindTransient {
		t.Fatalf("gateway failure kind = %s (%v)", kind, err)
	}
}

func TestUploadMediaSetsAltText(t *testing.T) {
	t.Parallel()
	fake := &fakeWordPress{}
	client := newTestClient(t, fake, "secret")

	media, err := client.UploadMedia(context.Background(), "a.jpg", "image/jpeg", strings.NewReader("jpegdata"), "Stadium at night")
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	if media.BackendID != 501 || media.BackendURL == "" {
		t.Fatalf("unexpected media: %+v", media)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.contentType != "image/jpeg" {
		t.Fatalf("unexpected content type: %s", fake.contentType)
	}
	if fake.altTexts["501"] != "Stadium at night" {
		t.Fatalf("alt text not set: %v", fake.altTexts)
	}
}

func TestSlugify(t *testing.T) {
	t.Parallel()

	if got := Slugify("  Olá, Mundo! São Paulo 2025 "); got != "ola-mundo-sao-paulo-2025" {
		t.Fatalf("unexpected slug: %s", got)
	}
}
