package stage

import (
	"log/slog"

	"ArticleRelay/internal/domain"
	"ArticleRelay/pkg/metrics"
)

// MetricsObserver records attempts and outcomes in Prometheus.
type MetricsObserver struct {
	m *metrics.Metrics
}

// NewMetricsObserver wraps the relay metrics.
func NewMetricsObserver(m *metrics.Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

// OnAttempt counts the attempt by result and observes its duration.
func (o *MetricsObserver) OnAttempt(a Attempt) {
	result := "success"
	if a.Kind != "" {
		result = string(a.Kind)
	}
	o.m.StageAttemptsTotal.WithLabelValues(a.Stage, result).Inc()
	o.m.StageDuration.WithLabelValues(a.Stage).Observe(a.Duration.Seconds())
}

// OnOutcome counts the final status of a stage run.
func (o *MetricsObserver) OnOutcome(stage string, outcome domain.StageOutcome) {
	o.m.StageOutcomesTotal.WithLabelValues(stage, string(outcome.Status)).Inc()
}

// LogObserver writes every attempt at debug level.
type LogObserver struct {
	logger *slog.Logger
}

// NewLogObserver logs through l.
func NewLogObserver(l *slog.Logger) *LogObserver {
	return &LogObserver{logger: l}
}

// OnAttempt logs the attempt at debug level.
func (o *LogObserver) OnAttempt(a Attempt) {
	o.logger.Debug("stage attempt",
		"stage", a.Stage,
		"attempt", a.Number,
		"credential", a.Credential,
		"kind", a.Kind,
		"duration", a.Duration,
	)
}

// OnOutcome logs runs that did not succeed.
func (o *LogObserver) OnOutcome(stage string, outcome domain.StageOutcome) {
	if outcome.OK() {
		return
	}
	o.logger.Info("stage finished without success",
		"stage", stage,
		"status", outcome.Status,
		"kind", outcome.ErrorKind,
		"attempts", outcome.Attempts,
		"error", outcome.Err,
	)
}

// Observers fans out to several observers.
type Observers []Observer

// OnAttempt forwards a to every observer in order.
func (obs Observers) OnAttempt(a Attempt) {
	for _, o := range obs {
		o.OnAttempt(a)
	}
}

// OnOutcome forwards the outcome to every observer in order.
func (obs Observers) OnOutcome(stage string, outcome domain.StageOutcome) {
	for _, o := range obs {
		o.OnOutcome(stage, outcome)
	}
}
