package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"ArticleRelay/internal/ports"
	"ArticleRelay/pkg/logger"
	"ArticleRelay/pkg/metrics"
)

// MaintenanceReport counts what a maintenance pass removed.
type MaintenanceReport struct {
	Horizon        time.Time
	PurgedRecords  int64
	RemovedStaging int
}

// Maintenance purges aged terminal ledger records and staged media.
type Maintenance struct {
	ledger    ports.Ledger
	artifacts ports.ArtifactStore
	retention time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewMaintenance wires the ledger and an optional artifact store. m and
// log may be nil.
func NewMaintenance(ledger ports.Ledger, artifacts ports.ArtifactStore, retention time.Duration, m *metrics.Metrics, log *slog.Logger) *Maintenance {
	if log == nil {
		log = logger.Discard()
	}
	return &Maintenance{
		ledger:    ledger,
		artifacts: artifacts,
		retention: retention,
		metrics:   m,
		logger:    log,
		now:       time.Now,
	}
}

// Run removes everything older than now minus retention. Running it twice
// in a row removes nothing the second time.
func (m *Maintenance) Run(ctx context.Context) (MaintenanceReport, error) {
	report := MaintenanceReport{Horizon: m.now().Add(-m.retention)}
	log := logger.FromContext(ctx, m.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := m.ledger.PurgeOlderThan(gctx, report.Horizon)
		if err != nil {
			return fmt.Errorf("purge ledger: %w", err)
		}
		report.PurgedRecords = n
		return nil
	})
	if m.artifacts != nil {
		g.Go(func() error {
			n, err := m.artifacts.RemoveOlderThan(gctx, report.Horizon)
			if err != nil {
				return fmt.Errorf("remove staged media: %w", err)
			}
			report.RemovedStaging = n
			return nil
		})
	}
	err := g.Wait()

	if m.metrics != nil {
		m.metrics.LedgerPurgedTotal.Add(float64(report.PurgedRecords))
		m.metrics.MediaRemovedTotal.Add(float64(report.RemovedStaging))
	}
	log.Info("maintenance finished",
		"horizon", report.Horizon,
		"purged_records", report.PurgedRecords,
		"removed_staging", report.RemovedStaging,
	)
	return report, err
}
