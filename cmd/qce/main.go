package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quenlab/qce/cmd/qce/commands"
	"github.com/quenlab/qce/logger"
)

var rootCmd = &cobra.Command{
	Use:   "qce",
	Short: "qce - QQ chat history export engine",
	Long: `qce exports QQ chat history through a local bridge.

Available commands:
  serve     - Start the export service (HTTP API + WebSocket events + scheduler)
  export    - Run a one-shot export from the command line
  tasks     - Inspect and manage export tasks
  schedules - Inspect scheduled exports and their history
  version   - Show build information

Examples:
  qce serve                              # Start the local service
  qce export --group 12345 --format json # One-shot group export
  qce tasks ls                           # List export tasks
  qce schedules history <id>             # Show execution history`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: <storage root>/config.toml)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ExportCmd)
	rootCmd.AddCommand(commands.TasksCmd)
	rootCmd.AddCommand(commands.SchedulesCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
