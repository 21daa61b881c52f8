package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ArticleRelay/internal/app"
	"ArticleRelay/internal/config"
	"ArticleRelay/internal/logging"
	"ArticleRelay/internal/usecase"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "articlerelay",
		Short:         "Relay feed articles through AI rewriting to WordPress",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config (defaults to $ARTICLERELAY_CONFIG)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newOnceCommand(opts))
	cmd.AddCommand(newPurgeCommand(opts))
	cmd.AddCommand(newLinkMapCommand(opts))
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run cycles at the configured interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.Application) error {
				return a.Run(ctx)
			})
		},
	}
}

func newOnceCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.Application) error {
				report := a.RunOnce(ctx)
				printCycle(cmd.OutOrStdout(), report)
				if report.Aborted {
					return fmt.Errorf("cycle %s aborted: %w", report.CycleID, report.Err)
				}
				return nil
			})
		},
	}
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove aged terminal ledger records and staged media",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.Application) error {
				report, err := a.Purge(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d ledger records and %d staged files older than %s\n",
					report.PurgedRecords, report.RemovedStaging, report.Horizon.Format("2006-01-02 15:04:05"))
				return err
			})
		},
	}
}

func newLinkMapCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "linkmap",
		Short: "Rebuild the internal link map from published posts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, func(ctx context.Context, a *app.Application) error {
				n, err := a.BuildLinkMap(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "link map written with %d posts\n", n)
				return nil
			})
		},
	}
}

func withApp(parent context.Context, opts *rootOptions, fn func(context.Context, *app.Application) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if cerr := application.Close(); cerr != nil {
			log.Error("close application", "error", cerr)
		}
	}()

	return fn(ctx, application)
}

func printCycle(w io.Writer, report usecase.CycleReport) {
	fmt.Fprintf(w, "cycle %s finished in %s\n", report.CycleID, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	for _, src := range report.Sources {
		switch {
		case src.BreakerOpen:
			fmt.Fprintf(w, "  %-16s skipped (breaker open)\n", src.SourceID)
		case src.FetchErr != nil:
			fmt.Fprintf(w, "  %-16s fetch failed: %v\n", src.SourceID, src.FetchErr)
		default:
			fmt.Fprintf(w, "  %-16s fetched=%d new=%d registered=%d resumed=%d %v\n",
				src.SourceID, src.Fetched, src.New, src.Registered, src.Resumed, src.Dispositions)
		}
		if src.Err != nil {
			fmt.Fprintf(w, "  %-16s stopped: %v\n", "", src.Err)
		}
	}
	fmt.Fprintf(w, "  maintenance: purged=%d staged_removed=%d\n", report.Maintenance.PurgedRecords, report.Maintenance.RemovedStaging)
}
