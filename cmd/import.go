package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-relay/config"
	"github.com/dhcgn/mail-relay/mbox"
	"github.com/dhcgn/mail-relay/progress"
	"github.com/dhcgn/mail-relay/runner"
	"github.com/dhcgn/mail-relay/state"
	"github.com/dhcgn/mail-relay/stats"
)

var importCmd = &cobra.Command{
	Use:   config.CommandImport,
	Short: "Replay an mbox archive through the relay pipeline",
	Long: "Replay an mbox archive through the relay pipeline. Messages already replayed\n" +
		"are recorded in the state directory and skipped on the next run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		logger.Info("starting mbox replay", "mbox", cfg.MboxPath, "storageDir", cfg.StorageDir, "dryRun", cfg.DryRun)
		return replay(cmd.Context(), cfg, logger)
	},
}

func init() {
	if err := config.RegisterImportFlags(importCmd); err != nil {
		panic(fmt.Sprintf("register import flags: %v", err))
	}
	rootCmd.AddCommand(importCmd)
}

func replay(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	tracker, err := state.NewFileTracker(cfg.StateDir, !cfg.DryRun)
	if err != nil {
		return fmt.Errorf("open replay state: %w", err)
	}
	defer func() {
		if err := tracker.Close(); err != nil {
			logger.Error("close replay state", "path", tracker.Path(), "err", err)
		}
	}()

	f, err := newFilter(cfg)
	if err != nil {
		return err
	}
	st, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	notifier, closeNotifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	pipeline, err := newPipeline(cfg, f, st, notifier, logger)
	if err != nil {
		return err
	}

	r, err := runner.New(runner.Options{
		Processor: pipeline,
		Tracker:   tracker,
		DryRun:    cfg.DryRun,
	}, logger.With("component", "runner"))
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	if !cfg.DryRun {
		pipeline.WithEvents(r)
	}

	total, err := mbox.CountMessages(cfg.MboxPath)
	if err != nil {
		logger.Warn("count messages failed, progress disabled", "mbox", cfg.MboxPath, "err", err)
		total = 0
	}
	bar := progress.New(total, tracker.Snapshot().Processed, cfg.LogLevel)
	if bar.Enabled() {
		progress.NewReporter(r, bar, logger)
	} else {
		stats.NewReporter(r, logger)
	}

	if _, err := mbox.NewProducer(mbox.Options{Path: cfg.MboxPath}, r, logger.With("component", "mbox")); err != nil {
		return fmt.Errorf("create mbox producer: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		r.Stop()
	}()

	return r.Start()
}
