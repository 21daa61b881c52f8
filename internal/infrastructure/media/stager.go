package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
)

const sniffLen = 512

// Stager downloads media into a local staging directory before upload and
// owns the cleanup of leftovers.
type Stager struct {
	dir      string
	client   *http.Client
	maxBytes int64
}

var _ ports.ArtifactStore = (*Stager)(nil)

// StagedFile is a downloaded media file waiting for upload.
type StagedFile struct {
	Path        string
	Name        string
	ContentType string
}

// NewStager creates dir if needed.
func NewStager(dir string, client *http.Client, maxBytes int64) (*Stager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Stager{dir: dir, client: client, maxBytes: maxBytes}, nil
}

// Stage downloads rawURL. Network failures and 5xx are transient; anything
// that is not an image, too large or missing is permanent_content.
func (s *Stager) Stage(ctx context.Context, rawURL string) (StagedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return StagedFile{}, domain.NewStageError(domain.KindPermanentContent, "media", err)
	}
	req.Header.Set("User-Agent", "ArticleRelay/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return StagedFile{}, domain.NewStageError(domain.KindTransient, "media", fmt.Errorf("download %s: %w", rawURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return StagedFile{}, domain.NewStageError(domain.KindTransient, "media", fmt.Errorf("download %s: %s", rawURL, resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return StagedFile{}, domain.NewStageError(domain.KindPermanentContent, "media", fmt.Errorf("download %s: %s", rawURL, resp.Status))
	}

	name := fileName(rawURL)
	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(s.dir, name+".part-*")
	if err != nil {
		return StagedFile{}, fmt.Errorf("create staged file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	written, err := io.Copy(tmp, io.LimitReader(resp.Body, s.maxBytes+1))
	closeErr := tmp.Close()
	if err != nil {
		return StagedFile{}, domain.NewStageError(domain.KindTransient, "media", fmt.Errorf("read %s: %w", rawURL, err))
	}
	if closeErr != nil {
		return StagedFile{}, fmt.Errorf("close staged file: %w", closeErr)
	}
	if written > s.maxBytes {
		return StagedFile{}, domain.NewStageError(domain.KindPermanentContent, "media", fmt.Errorf("%s exceeds %d bytes", rawURL, s.maxBytes))
	}

	contentType, err := sniff(tmp.Name())
	if err != nil {
		return StagedFile{}, err
	}
	if !strings.HasPrefix(contentType, "image/") {
		return StagedFile{}, domain.NewStageError(domain.KindPermanentContent, "media", fmt.Errorf("%s is %s, not an image", rawURL, contentType))
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return StagedFile{}, fmt.Errorf("commit staged file: %w", err)
	}
	return StagedFile{Path: target, Name: name, ContentType: contentType}, nil
}

// Release removes a staged file once it has been uploaded.
func (s *Stager) Release(file StagedFile) error {
	if err := os.Remove(file.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveOlderThan deletes staged files last modified before horizon.
func (s *Stager) RemoveOlderThan(ctx context.Context, horizon time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(horizon) {
			if err := os.Remove(p); err == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("sweep staging dir: %w", err)
	}
	return removed, nil
}

func sniff(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("open staged file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read staged file: %w", err)
	}
	return http.DetectContentType(buf[:n]), nil
}

// fileName keeps the original base name, prefixed with a short digest of
// the URL so distinct sources never collide.
func fileName(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	prefix := hex.EncodeToString(sum[:6])

	base := "image"
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	if b := path.Base(rawURL); b != "" && b != "." && b != "/" {
		base = b
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '-'
	}, base)
	return prefix + "-" + base
}
