package parser

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"ArticleRelay/internal/config"
	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
	"ArticleRelay/internal/scanner"
)

const defaultLookback = 48 * time.Hour

// StrategySource implements ports.FeedReader via registered scanner strategies.
type StrategySource struct {
	registry *scanner.Registry
	sources  map[string]config.SourceConfig
	deny     map[string]*regexp.Regexp
	now      func() time.Time
	logger   *slog.Logger
}

var _ ports.FeedReader = (*StrategySource)(nil)

// NewStrategySource wires scanner registry with config-defined sources.
func NewStrategySource(reg *scanner.Registry, sources []config.SourceConfig, log *slog.Logger) (*StrategySource, error) {
	s := &StrategySource{
		registry: reg,
		sources:  map[string]config.SourceConfig{},
		deny:     map[string]*regexp.Regexp{},
		now:      time.Now,
		logger:   log,
	}
	for _, src := range sources {
		s.sources[src.ID] = src
		if src.DenyPattern == "" {
			continue
		}
		expr, err := regexp.Compile(src.DenyPattern)
		if err != nil {
			return nil, fmt.Errorf("source %s deny pattern: %w", src.ID, err)
		}
		s.deny[src.ID] = expr
	}
	return s, nil
}

// Fetch executes the scanner of one source. Items keep feed order; the
// same item ID appearing twice is reported once.
func (s *StrategySource) Fetch(ctx context.Context, sourceID string) ([]domain.SourceItem, error) {
	if s.registry == nil {
		return nil, fmt.Errorf("scanner registry is not configured")
	}

	src, ok := s.sources[sourceID]
	if !ok {
		return nil, fmt.Errorf("source %s is not configured", sourceID)
	}

	strategy, err := s.registry.Resolve(src.Scanner)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", sourceID, err)
	}

	now := s.now()
	req := scanner.Request{
		SourceID:   src.ID,
		SiteName:   src.SourceName,
		Since:      now.Add(-lookback(src.Options)),
		Options:    src.Options,
		Categories: toScannerCategories(src),
	}

	s.debug("scan source", "source", src.ID, "scanner", src.Scanner, "urls", len(src.URLs))
	results, err := strategy.Scan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("scan source %s: %w", sourceID, err)
	}

	deny := s.deny[sourceID]
	items := make([]domain.SourceItem, 0, len(results))
	seen := map[string]struct{}{}
	for _, item := range results {
		if item.ItemID == "" {
			continue
		}
		if deny != nil && (deny.MatchString(item.Payload.Link) || deny.MatchString(item.Payload.Title)) {
			s.debug("item denied", "source", src.ID, "item", item.ItemID)
			continue
		}
		if _, dup := seen[item.ItemID]; dup {
			continue
		}
		seen[item.ItemID] = struct{}{}

		item.SourceID = src.ID
		item.FetchedAt = now
		items = append(items, item)
	}

	s.debug("source produced items", "source", src.ID, "count", len(items))
	return items, nil
}

func lookback(options map[string]string) time.Duration {
	if v := options["lookback"]; v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultLookback
}

func toScannerCategories(src config.SourceConfig) []scanner.Category {
	categories := make([]scanner.Category, 0, len(src.URLs))
	for _, u := range src.URLs {
		categories = append(categories, scanner.Category{
			Name: src.Category,
			URL:  u,
		})
	}
	return categories
}

func (s *StrategySource) debug(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, args...)
	}
}
