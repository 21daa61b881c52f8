// Package metrics defines the Prometheus metric collectors used across the
// relay and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the relay.
type Metrics struct {
	StageAttemptsTotal   *prometheus.CounterVec
	StageOutcomesTotal   *prometheus.CounterVec
	StageDuration        *prometheus.HistogramVec
	ItemDispositions     *prometheus.CounterVec
	CyclesTotal          *prometheus.CounterVec
	CycleDuration        prometheus.Histogram
	CredentialsAvailable *prometheus.GaugeVec
	SourceBreakerState   *prometheus.GaugeVec
	LedgerPurgedTotal    prometheus.Counter
	MediaRemovedTotal    prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		StageAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "articlerelay_stage_attempts_total",
				Help: "Stage call attempts by stage and result (success or error kind).",
			},
			[]string{"stage", "result"},
		),
		StageOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "articlerelay_stage_outcomes_total",
				Help: "Final stage outcomes after retries by stage and status.",
			},
			[]string{"stage", "status"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "articlerelay_stage_attempt_duration_seconds",
				Help:    "Duration of a single stage attempt in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		ItemDispositions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "articlerelay_item_dispositions_total",
				Help: "Item dispositions by source and disposition.",
			},
			[]string{"source", "disposition"},
		),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "articlerelay_cycles_total",
				Help: "Completed cycles by status (ok, aborted).",
			},
			[]string{"status"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "articlerelay_cycle_duration_seconds",
				Help:    "Cycle wall time in seconds.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),
		CredentialsAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "articlerelay_credentials_available",
				Help: "Eligible credentials per group.",
			},
			[]string{"group"},
		),
		SourceBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "articlerelay_source_breaker_state",
				Help: "Source circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"source"},
		),
		LedgerPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "articlerelay_ledger_purged_total",
				Help: "Terminal ledger records removed by maintenance.",
			},
		),
		MediaRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "articlerelay_staged_media_removed_total",
				Help: "Staged media files removed by maintenance.",
			},
		),
	}

	reg.MustRegister(
		m.StageAttemptsTotal,
		m.StageOutcomesTotal,
		m.StageDuration,
		m.ItemDispositions,
		m.CyclesTotal,
		m.CycleDuration,
		m.CredentialsAvailable,
		m.SourceBreakerState,
		m.LedgerPurgedTotal,
		m.MediaRemovedTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for gatherer. A nil
// gatherer uses the default registry.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
