package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "voice-gateway",
	Short: "Voice agent for the insurance claims phone line",
	Long: `voice-gateway terminates the carrier media stream for each call, transcribes
the caller, answers from the claims database and speaks the reply.

Commands:
  serve   run the HTTP server taking calls
  search  run one claims search against the configured backend`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, searchCmd)
}
