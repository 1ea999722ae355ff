// Package commands implements the Mechanic CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mechanic",
		Short: "Mechanic - Discord conversational agent",
		Long: `Mechanic is a mention-triggered Discord bot that answers with an
LLM, can look up live guild data through tools, and keeps a consistent
voice through a personality rendering pass.

Examples:
  mechanic serve
  mechanic serve --config ./mechanic.yaml
  mechanic chat
  mechanic version`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
