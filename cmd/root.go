package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-relay/config"
)

var rootCmd = &cobra.Command{
	Use:           "mail-relay",
	Short:         "Relay one-time codes from inbound mail to a notifier",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv()
	},
}

func init() {
	config.RegisterPersistentFlags(rootCmd)
}

// Execute runs the command selected on the command line.
func Execute() error {
	return rootCmd.Execute()
}
