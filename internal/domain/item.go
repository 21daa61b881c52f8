package domain

import "time"

// SourceItem is one entry discovered in a feed during a cycle.
type SourceItem struct {
	SourceID  string
	ItemID    string
	FetchedAt time.Time
	Payload   ItemPayload
}

// ItemPayload carries the fields provided by the feed itself.
type ItemPayload struct {
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Summary     string    `json:"summary,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Key returns the ledger identity of the item.
func (i SourceItem) Key() ItemKey {
	return ItemKey{SourceID: i.SourceID, ItemID: i.ItemID}
}

// ItemKey is the unique identity of a ledger record.
type ItemKey struct {
	SourceID string
	ItemID   string
}

func (k ItemKey) String() string {
	return k.SourceID + "/" + k.ItemID
}

// MediaKind distinguishes images from embedded video.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// MediaRef points at a media asset referenced by the source article.
type MediaRef struct {
	Kind MediaKind `json:"kind"`
	URL  string    `json:"url"`
	Alt  string    `json:"alt,omitempty"`
}

// Extraction is the readable body of a fetched article.
type Extraction struct {
	Title         string     `json:"title"`
	Text          string     `json:"text"`
	Media         []MediaRef `json:"media,omitempty"`
	FeaturedImage string     `json:"featured_image,omitempty"`
}

// RewriteRequest is everything the AI rewriter needs for one item.
type RewriteRequest struct {
	Title      string
	Text       string
	SourceURL  string
	SourceName string
	Category   string
	Media      []MediaRef
}

// RewrittenContent is the validated AI output.
type RewrittenContent struct {
	Title           string            `json:"title"`
	Body            string            `json:"body"`
	Excerpt         string            `json:"excerpt,omitempty"`
	Slug            string            `json:"slug,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	FocusKeyphrase  string            `json:"focus_keyphrase,omitempty"`
	ImageAltTexts   map[string]string `json:"image_alt_texts,omitempty"`
	SuggestedLabels []string          `json:"suggested_categories,omitempty"`
}

// UploadedMedia is a media asset accepted by the publishing backend.
type UploadedMedia struct {
	SourceURL  string `json:"source_url"`
	BackendID  int64  `json:"backend_id"`
	BackendURL string `json:"backend_url"`
}

// ResolvedMedia is the output of the media stage.
type ResolvedMedia struct {
	Featured *UploadedMedia  `json:"featured,omitempty"`
	Uploaded []UploadedMedia `json:"uploaded,omitempty"`
	Videos   []MediaRef      `json:"videos,omitempty"`
}

// PostDraft is handed to the publisher.
type PostDraft struct {
	Content      RewrittenContent
	Media        ResolvedMedia
	Category     string
	SourceName   string
	CanonicalURL string
	// Identity is the ledger key of the item, stored with the post so a
	// retried publish finds its own post and no other.
	Identity string
}

// Checkpoint accumulates the artifacts of completed stages so that a
// restarted item resumes without repeating them.
type Checkpoint struct {
	Item       ItemPayload       `json:"item"`
	Extraction *Extraction       `json:"extraction,omitempty"`
	Rewritten  *RewrittenContent `json:"rewritten,omitempty"`
	Media      *ResolvedMedia    `json:"media,omitempty"`
}
