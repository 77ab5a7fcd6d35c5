package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-relay/config"
)

var sweepCmd = &cobra.Command{
	Use:   config.CommandSweep,
	Short: "Run one cleanup sweep over the storage directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		st, err := newStore(cfg, logger)
		if err != nil {
			return err
		}

		result, err := st.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep %s: %w", cfg.StorageDir, err)
		}
		logger.Info("cleanup sweep finished", result.LogAttrs()...)

		count, size, err := st.Usage(cmd.Context())
		if err != nil {
			return err
		}

		rows := [][]string{
			{"Metric", "Value"},
			{"Expired", pterm.Sprint(result.Expired)},
			{"Evicted over budget", pterm.Sprint(result.Evicted)},
			{"Unreadable (skipped)", pterm.Sprint(result.Skipped)},
			{"Stored messages", pterm.Sprint(count)},
			{"Stored bytes", fmt.Sprintf("%d / %d", size, cfg.MaxStorageSize)},
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
