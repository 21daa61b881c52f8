// Package logger carries per-cycle logging context.
package logger

import (
	"context"
	"io"
	"log/slog"
)

type contextKey struct{}

// WithCycleID attaches a cycle identifier to ctx.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, contextKey{}, cycleID)
}

// CycleID returns the cycle identifier stored in ctx, if any.
func CycleID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromContext decorates base with the cycle identifier found in ctx.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	if id := CycleID(ctx); id != "" {
		return base.With("cycle_id", id)
	}
	return base
}

// Component returns base tagged with a component name; nil base yields Discard.
func Component(base *slog.Logger, component string) *slog.Logger {
	if base == nil {
		return Discard()
	}
	return base.With("component", component)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
