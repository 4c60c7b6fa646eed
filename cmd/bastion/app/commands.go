// Package app provides the entry point for the bastion command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stackmesh/bastion/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "bastion",
	DisableAutoGenTag: true,
	Short:             "Bastion is an OAuth-protected server-sent-events gateway",
	Long: `Bastion exposes a server-sent-events streaming endpoint behind an OAuth 2.0
bearer-token gate. It validates tokens against the authorization server's
published JWKS, advertises RFC 9728 protected-resource metadata, and ships
an interactive login command that walks the authorization code flow with a
local callback listener.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the bastion CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		// Re-initialize so the debug flag takes effect on the logger.
		logger.Initialize()
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)

	return rootCmd
}
