// Package cmd contains the relay command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay routes chat requests across LLM providers",
	Long: `Relay is a chat request router. It classifies each message, answers
from a TTL cache when it can, enriches the prompt with stored facts about the
requester, and walks a tiered provider list with sliding-window rate limits
until one provider answers.

Running relay without a subcommand starts the HTTP server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
