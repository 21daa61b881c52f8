package events

import (
	"context"
	"errors"
	"log/slog"

	"ArticleRelay/internal/domain"
	"ArticleRelay/internal/ports"
	"ArticleRelay/pkg/logger"
)

// Fanout forwards every event to all sinks. A failing sink does not stop
// delivery to the others.
type Fanout struct {
	sinks  []ports.DispositionSink
	logger *slog.Logger
}

var _ ports.DispositionSink = (*Fanout)(nil)

// NewFanout ignores nil sinks.
func NewFanout(log *slog.Logger, sinks ...ports.DispositionSink) *Fanout {
	if log == nil {
		log = logger.Discard()
	}
	f := &Fanout{logger: log}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Len returns the number of wired sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Notify delivers to every sink and joins their errors.
func (f *Fanout) Notify(ctx context.Context, event domain.DispositionEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Notify(ctx, event); err != nil {
			f.logger.Warn("disposition sink failed", "source", event.SourceID, "item", event.ItemID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
