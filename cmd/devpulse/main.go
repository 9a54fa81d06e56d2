package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	format    string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "devpulse",
		Short: "devpulse: session analytics for AI coding assistant telemetry",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "", "API URL (default http://localhost:8080)")
	root.PersistentFlags().StringVar(&format, "format", "table", "output format: table or json")

	sessionsCmd := &cobra.Command{Use: "sessions", Short: "Inspect sessions"}
	sessionsCmd.AddCommand(
		sessionsListCmd(),
		sessionsGetCmd(),
		sessionsInsightCmd(),
	)

	configCmd := &cobra.Command{Use: "config", Short: "Work with config files"}
	configCmd.AddCommand(configValidateCmd())

	root.AddCommand(
		serveCmd(),
		configCmd,
		sessionsCmd,
		insightsCmd(),
		trendsCmd(),
		watchCmd(),
	)
	return root
}
