// Package commands implements the AssistClaw CLI with cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "assistclaw",
		Short: "AssistClaw - WhatsApp personal assistant",
		Long: `AssistClaw is a WhatsApp personal assistant for Google Calendar,
Gmail and Google Contacts. Messages arrive through Twilio or WhatsApp Web,
are classified and validated, and completed requests are carried out.

Examples:
  assistclaw config init
  assistclaw google login
  assistclaw serve
  assistclaw chat "What's on my calendar tomorrow?"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(version),
		newChatCmd(),
		newContactsCmd(),
		newGoogleCmd(),
		newConfigCmd(),
		newHealthCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
