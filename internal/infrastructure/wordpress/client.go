// Package wordpress talks to the WordPress REST API to upload media and
// create posts.
package wordpress

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/pkg/logger"
)

const maxTags = 10

// Client is a minimal WordPress REST client using application passwords.
type Client struct {
	apiURL     string
	user       string
	password   string
	status     string
	categories map[string]int
	fixedIDs   []int
	linker     atomic.Pointer[Linker]
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a client for cfg.URL (the site root).
func NewClient(cfg config.WordPressConfig, log *slog.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	categories := make(map[string]int, len(cfg.Categories))
	for name, id := range cfg.Categories {
		categories[strings.ToLower(strings.TrimSpace(name))] = id
	}
	status := cfg.Status
	if status == "" {
		status = "publish"
	}
	return &Client{
		apiURL:     strings.TrimSuffix(cfg.URL, "/") + "/wp-json/wp/v2",
		user:       cfg.User,
		password:   cfg.Password,
		status:     status,
		categories: categories,
		fixedIDs:   cfg.FixedCategoryIDs,
		httpClient: &http.Client{Timeout: time.Minute},
		logger:     log,
	}
}

// apiError carries the WordPress error code, e.g. "term_exists".
type apiError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Data   struct {
		TermID int `json:"term_id"`
	} `json:"data"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("wordpress %d %s: %s", e.Status, e.Code, e.Msg)
}

// kindOf maps an HTTP status to an error kind. Authentication failures
// stop the whole source, not only the item.
func kindOf(status int) domain.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.KindFatalInfrastructure
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return domain.KindTransient
	default:
		return domain.KindPermanentBackend
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, header http.Header, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return domain.NewStageError(domain.KindPermanentBackend, op, fmt.Errorf("build request: %w", err))
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewStageError(domain.KindTransient, op, fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return domain.NewStageError(domain.KindTransient, op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(payload, apiErr); jsonErr != nil {
			apiErr.Msg = strings.TrimSpace(string(payload))
		}
		return domain.NewStageError(kindOf(resp.StatusCode), op, apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return domain.NewStageError(domain.KindTransient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	return c.do(ctx, op, http.MethodPost, path, header, bytes.NewReader(body), out)
}

// UploadMedia streams a file into the media library and sets its alt text.
func (c *Client) UploadMedia(ctx context.Context, filename, contentType string, body io.Reader, alt string) (domain.UploadedMedia, error) {
	header := http.Header{
		"Content-Type":        []string{contentType},
		"Content-Disposition": []string{fmt.Sprintf("attachment; filename=%q", filename)},
	}

	var created struct {
		ID        int64  `json:"id"`
		SourceURL string `json:"source_url"`
	}
	if err := c.do(ctx, "media", http.MethodPost, "/media", header, body, &created); err != nil {
		return domain.UploadedMedia{}, err
	}

	if alt = strings.TrimSpace(alt); alt != "" {
		path := "/media/" + strconv.FormatInt(created.ID, 10)
		if err := c.postJSON(ctx, "media", path, map[string]string{"alt_text": alt}, nil); err != nil {
			c.logger.Warn("set media alt text failed", "media_id", created.ID, "error", err)
		}
	}

	return domain.UploadedMedia{BackendID: created.ID, BackendURL: created.SourceURL}, nil
}

type postPayload struct {
	Title         string            `json:"title"`
	Content       string            `json:"content"`
	Excerpt       string            `json:"excerpt,omitempty"`
	Slug          string            `json:"slug,omitempty"`
	Status        string            `json:"status"`
	Categories    []int             `json:"categories,omitempty"`
	Tags          []int             `json:"tags,omitempty"`
	FeaturedMedia int64             `json:"featured_media,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
}

// identityMeta is the post meta key holding the item identity. The site
// must register it with show_in_rest for the value to round-trip.
const identityMeta = "articlerelay_item"

// Publish creates the post and returns "post-<id>". A post already carrying
// the draft identity is returned instead of creating a duplicate. When the
// slug belongs to another item the post gets a slug derived from the
// identity, so retries of the same item land on the same slug.
func (c *Client) Publish(ctx context.Context, draft domain.PostDraft) (string, error) {
	content := draft.Content
	slug := content.Slug
	if slug == "" {
		slug = Slugify(content.Title)
	}

	if slug != "" {
		id, found, taken, err := c.findOwnPost(ctx, slug, draft)
		if err != nil {
			return "", err
		}
		if found {
			c.logger.Info("post already exists, reusing", "slug", slug, "post_id", id)
			return postRef(id), nil
		}
		if taken {
			slug = identitySlug(slug, draftIdentity(draft))
			id, found, _, err = c.findOwnPost(ctx, slug, draft)
			if err != nil {
				return "", err
			}
			if found {
				c.logger.Info("post already exists, reusing", "slug", slug, "post_id", id)
				return postRef(id), nil
			}
		}
	}

	categories := c.categoryIDs(draft.Category, content.SuggestedLabels)
	payload := postPayload{
		Title:      content.Title,
		Content:    RenderContent(draft, WithInternalLinks(c.linker.Load(), categories)),
		Excerpt:    content.Excerpt,
		Slug:       slug,
		Status:     c.status,
		Categories: categories,
		Tags:       c.tagIDs(ctx, content.Tags),
		Meta:       map[string]string{},
	}
	if draft.Media.Featured != nil {
		payload.FeaturedMedia = draft.Media.Featured.BackendID
	}
	if identity := draftIdentity(draft); identity != "" {
		payload.Meta[identityMeta] = identity
	}
	if content.FocusKeyphrase != "" {
		payload.Meta["_yoast_wpseo_focuskw"] = content.FocusKeyphrase
	}

	var created struct {
		ID int64 `json:"id"`
	}
	if err := c.postJSON(ctx, "publish", "/posts", payload, &created); err != nil {
		return "", err
	}
	if created.ID == 0 {
		return "", domain.NewStageError(domain.KindPermanentBackend, "publish", errors.New("backend returned no post id"))
	}

	c.logger.Info("post created", "post_id", created.ID, "title", content.Title)
	return postRef(created.ID), nil
}

func postRef(id int64) string {
	return "post-" + strconv.FormatInt(id, 10)
}

func draftIdentity(draft domain.PostDraft) string {
	if draft.Identity != "" {
		return draft.Identity
	}
	return draft.CanonicalURL
}

// identitySlug appends a short digest of identity to slug.
func identitySlug(slug, identity string) string {
	sum := sha256.Sum256([]byte(identity))
	suffix := hex.EncodeToString(sum[:4])
	if len(slug) > 80 {
		slug = strings.TrimRight(slug[:80], "-")
	}
	return slug + "-" + suffix
}

type existingPost struct {
	ID      int64           `json:"id"`
	Meta    json.RawMessage `json:"meta"`
	Content struct {
		Raw string `json:"raw"`
	} `json:"content"`
}

// ownedBy reports whether the post was created for identity. Posts without
// the meta key fall back to the credit line linking canonicalURL.
func (p existingPost) ownedBy(identity, canonicalURL string) bool {
	var meta map[string]any
	if len(p.Meta) > 0 && json.Unmarshal(p.Meta, &meta) == nil {
		if v, ok := meta[identityMeta].(string); ok && v != "" {
			return v == identity
		}
	}
	if canonicalURL == "" {
		return false
	}
	return strings.Contains(p.Content.Raw, `href="`+html.EscapeString(canonicalURL)+`"`)
}

// findOwnPost looks up posts with slug. found means one of them belongs to
// the draft; taken means the slug is used by other items only.
func (c *Client) findOwnPost(ctx context.Context, slug string, draft domain.PostDraft) (id int64, found, taken bool, err error) {
	query := url.Values{}
	query.Set("slug", slug)
	query.Set("status", "publish,future,draft,pending,private")
	query.Set("context", "edit")
	query.Set("_fields", "id,meta,content")

	var posts []existingPost
	if err := c.do(ctx, "publish", http.MethodGet, "/posts?"+query.Encode(), nil, nil, &posts); err != nil {
		return 0, false, false, err
	}

	identity := draftIdentity(draft)
	for _, p := range posts {
		if p.ownedBy(identity, draft.CanonicalURL) {
			return p.ID, true, false, nil
		}
	}
	return 0, false, len(posts) > 0, nil
}

func (c *Client) categoryIDs(category string, suggested []string) []int {
	seen := map[int]bool{}
	var ids []int
	add := func(id int) {
		if id > 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, id := range c.fixedIDs {
		add(id)
	}
	add(c.categories[strings.ToLower(category)])
	for _, name := range suggested {
		add(c.categories[strings.ToLower(strings.TrimSpace(name))])
	}
	return ids
}

// tagIDs resolves tag names, creating missing ones. Tags that cannot be
// resolved are dropped.
func (c *Client) tagIDs(ctx context.Context, names []string) []int {
	var ids []int
	seen := map[string]bool{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true
		if len(ids) >= maxTags {
			break
		}

		id, err := c.ensureTag(ctx, name)
		if err != nil {
			c.logger.Warn("tag skipped", "tag", name, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (c *Client) ensureTag(ctx context.Context, name string) (int, error) {
	query := url.Values{}
	query.Set("search", name)
	query.Set("_fields", "id,name")

	var existing []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	if err := c.do(ctx, "tags", http.MethodGet, "/tags?"+query.Encode(), nil, nil, &existing); err != nil {
		return 0, err
	}
	for _, tag := range existing {
		if strings.EqualFold(tag.Name, name) {
			return tag.ID, nil
		}
	}

	var created struct {
		ID int `json:"id"`
	}
	err := c.postJSON(ctx, "tags", "/tags", map[string]string{"name": name}, &created)
	if err == nil {
		return created.ID, nil
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Code == "term_exists" && apiErr.Data.TermID > 0 {
		return apiErr.Data.TermID, nil
	}
	return 0, err
}
