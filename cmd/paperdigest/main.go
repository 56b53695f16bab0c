package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"PaperDigest/internal/app"
	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
	"PaperDigest/internal/logging"
)

const dayLayout = "2006-01-02"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withApp loads the configuration, builds the application and closes it after run.
func withApp(cmd *cobra.Command, run func(ctx context.Context, a *app.Application) error) error {
	cfg := config.Load()
	logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	ctx := cmd.Context()
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()
	return run(ctx, application)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "paperdigest",
		Short:         "Ingest research papers, classify them against user prompts and refine the prompts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newIngestCmd(),
		newReplayCmd(),
		newClassifyCmd(),
		newAdviseCmd(),
		newDeliverCmd(),
		newServeCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				return a.Migrate(ctx)
			})
		},
	}
}

func newIngestCmd() *cobra.Command {
	var (
		day   string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Poll the listing of one day and store new papers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				target := time.Now()
				if day != "" {
					parsed, err := parseDay(day)
					if err != nil {
						return err
					}
					target = parsed
				}
				n, err := a.Ingest(ctx, target, watch)
				cmd.Printf("%d new papers\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "listing day as YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&watch, "watch", false, "re-poll the listing to pick up late entries")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var since, until string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-publish new-paper events for papers first seen in [since, until)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := parseDay(since)
			if err != nil {
				return err
			}
			to, err := parseDay(until)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				n, err := a.Replay(ctx, from, to)
				cmd.Printf("%d events replayed\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "first day, YYYY-MM-DD")
	cmd.Flags().StringVar(&until, "until", "", "day after the last one, YYYY-MM-DD")
	_ = cmd.MarkFlagRequired("since")
	_ = cmd.MarkFlagRequired("until")
	return cmd
}

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify",
		Short: "Classify pending (prompt version, paper) pairs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				return a.Classify(ctx)
			})
		},
	}
}

func newAdviseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advise",
		Short: "Produce prompt refinement suggestions from recent votes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				return a.Advise(ctx)
			})
		},
	}
}

func newDeliverCmd() *cobra.Command {
	var userID, period string
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Build the delivery batches that are due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (userID == "") != (period == "") {
				return fmt.Errorf("%w: --user and --period go together", domain.ErrConfiguration)
			}
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				return a.Deliver(ctx, userID, domain.PeriodKey(period))
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "build only this user's batch")
	cmd.Flags().StringVar(&period, "period", "", "period key, e.g. 2025-11-10..daily")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the periodic jobs and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.Application) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				return a.Serve(ctx)
			})
		},
	}
}

func parseDay(raw string) (time.Time, error) {
	day, err := time.Parse(dayLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: day %q must look like %s", domain.ErrConfiguration, raw, dayLayout)
	}
	return day, nil
}
