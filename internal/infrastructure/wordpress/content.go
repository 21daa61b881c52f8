package wordpress

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"ArticleRelay/internal/domain"
)

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// RenderOption post-processes the rendered body.
type RenderOption func(body string) string

// WithInternalLinks links keywords of the body to existing posts. A nil
// linker leaves the body untouched.
func WithInternalLinks(l *Linker, categories []int) RenderOption {
	return func(body string) string {
		if l == nil {
			return body
		}
		return l.Apply(body, categories)
	}
}

// RenderContent returns the post HTML: the rewritten body, embedded videos
// and a closing source credit line. Options apply to the body only.
func RenderContent(draft domain.PostDraft, opts ...RenderOption) string {
	body := draft.Content.Body
	for _, opt := range opts {
		body = opt(body)
	}

	var b strings.Builder
	b.WriteString(body)

	for _, video := range draft.Media.Videos {
		fmt.Fprintf(&b, "\n<figure class=\"wp-block-embed is-type-video\"><div class=\"wp-block-embed__wrapper\">\n%s\n</div></figure>", html.EscapeString(watchURL(video.URL)))
	}

	if draft.CanonicalURL != "" {
		name := draft.SourceName
		if name == "" {
			name = draft.CanonicalURL
		}
		fmt.Fprintf(&b, "\n<p><strong>Source:</strong> <a href=\"%s\" target=\"_blank\" rel=\"noopener noreferrer\">%s</a></p>",
			html.EscapeString(draft.CanonicalURL), html.EscapeString(name))
	}
	return b.String()
}

// watchURL turns a YouTube embed URL into a watch URL WordPress can oEmbed.
func watchURL(raw string) string {
	const embed = "youtube.com/embed/"
	if idx := strings.Index(raw, embed); idx >= 0 {
		id := raw[idx+len(embed):]
		if cut := strings.IndexAny(id, "?&#/"); cut >= 0 {
			id = id[:cut]
		}
		return "https://www.youtube.com/watch?v=" + id
	}
	return raw
}

// Slugify lowercases title, strips accents and joins words with hyphens.
func Slugify(title string) string {
	decomposed := norm.NFD.String(strings.ToLower(title))
	var b strings.Builder
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	slug := strings.Trim(slugInvalid.ReplaceAllString(b.String(), "-"), "-")
	if len(slug) > 90 {
		slug = strings.TrimRight(slug[:90], "-")
	}
	return slug
}
