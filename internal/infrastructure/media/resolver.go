// Package media resolves the images of an article into uploads on the
// publishing backend.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
	"ArticleRelay/pkg/logger"
)

// Uploader pushes one file to the backend media library.
type Uploader interface {
	UploadMedia(ctx context.Context, filename, contentType string, body io.Reader, alt string) (domain.UploadedMedia, error)
}

// Resolver implements ports.MediaResolver.
type Resolver struct {
	stager       *Stager
	uploader     Uploader
	featuredOnly bool
	logger       *slog.Logger
}

var _ ports.MediaResolver = (*Resolver)(nil)

// NewResolver wires staging and upload. With featuredOnly only the lead
// image is uploaded.
func NewResolver(stager *Stager, uploader Uploader, featuredOnly bool, log *slog.Logger) *Resolver {
	if log == nil {
		log = logger.Discard()
	}
	return &Resolver{stager: stager, uploader: uploader, featuredOnly: featuredOnly, logger: log}
}

// Resolve uploads the usable images of an item. Candidates that cannot be
// downloaded or are rejected by the backend are skipped; transient and
// fatal failures abort so the stage can be retried.
func (r *Resolver) Resolve(ctx context.Context, item domain.ItemPayload, extraction domain.Extraction, content domain.RewrittenContent) (domain.ResolvedMedia, error) {
	var out domain.ResolvedMedia

	for _, ref := range extraction.Media {
		if ref.Kind == domain.MediaVideo {
			out.Videos = append(out.Videos, ref)
		}
	}

	for _, cand := range r.candidates(extraction) {
		alt := content.ImageAltTexts[cand.URL]
		if alt == "" {
			alt = cand.Alt
		}
		if alt == "" {
			alt = content.Title
		}

		uploaded, err := r.upload(ctx, cand.URL, alt)
		if err != nil {
			switch domain.KindOf(err) {
			case domain.KindTransient, domain.KindFatalInfrastructure:
				return domain.ResolvedMedia{}, err
			}
			r.logger.Info("media candidate skipped", "url", cand.URL, "item", item.Link, "error", err)
			continue
		}

		if out.Featured == nil && cand.URL == extraction.FeaturedImage {
			featured := uploaded
			out.Featured = &featured
		}
		out.Uploaded = append(out.Uploaded, uploaded)
	}

	if out.Featured == nil && len(out.Uploaded) > 0 {
		featured := out.Uploaded[0]
		out.Featured = &featured
	}
	return out, nil
}

func (r *Resolver) candidates(extraction domain.Extraction) []domain.MediaRef {
	seen := map[string]bool{}
	var list []domain.MediaRef
	add := func(ref domain.MediaRef) {
		if seen[ref.URL] || !IsUploadCandidate(ref.URL) {
			return
		}
		seen[ref.URL] = true
		list = append(list, ref)
	}

	if extraction.FeaturedImage != "" {
		add(domain.MediaRef{Kind: domain.MediaImage, URL: extraction.FeaturedImage})
	}
	for _, ref := range extraction.Media {
		if ref.Kind != domain.MediaImage {
			continue
		}
		if ref.URL == extraction.FeaturedImage && seen[ref.URL] {
			if list[0].Alt == "" {
				list[0].Alt = ref.Alt
			}
			continue
		}
		if r.featuredOnly && len(list) > 0 {
			break
		}
		add(ref)
	}
	return list
}

func (r *Resolver) upload(ctx context.Context, rawURL, alt string) (domain.UploadedMedia, error) {
	staged, err := r.stager.Stage(ctx, rawURL)
	if err != nil {
		return domain.UploadedMedia{}, err
	}

	f, err := os.Open(staged.Path)
	if err != nil {
		return domain.UploadedMedia{}, fmt.Errorf("open staged media: %w", err)
	}
	uploaded, err := r.uploader.UploadMedia(ctx, staged.Name, staged.ContentType, f, alt)
	_ = f.Close()
	if releaseErr := r.stager.Release(staged); releaseErr != nil {
		r.logger.Warn("release staged media", "path", staged.Path, "error", releaseErr)
	}
	if err != nil {
		return domain.UploadedMedia{}, err
	}
	uploaded.SourceURL = rawURL
	return uploaded, nil
}
