package commands

import (
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// SchedulesCmd groups scheduled-export subcommands.
var SchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Inspect scheduled exports",
	Long: `Inspect scheduled export definitions and their execution history.
Definitions are managed over the HTTP API while the service runs.

  qce schedules ls             # List definitions with next run times
  qce schedules history <id>   # Show execution history, newest first`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var schedulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled exports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedulesLs(cmd)
	},
}

var schedulesHistoryCmd = &cobra.Command{
	Use:   "history <schedule-id>",
	Short: "Show execution history of a scheduled export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runSchedulesHistory(cmd, args[0], limit)
	},
}

func init() {
	schedulesHistoryCmd.Flags().Int("limit", 20, "Maximum number of history rows")

	SchedulesCmd.AddCommand(schedulesLsCmd)
	SchedulesCmd.AddCommand(schedulesHistoryCmd)
}

func runSchedulesLs(cmd *cobra.Command) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	defs, err := e.schedules.List(cmd.Context())
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		pterm.Info.Println("No scheduled exports")
		return nil
	}

	rows := pterm.TableData{{"ID", "NAME", "TYPE", "RANGE", "ENABLED", "LAST RUN", "NEXT RUN"}}
	for _, se := range defs {
		rows = append(rows, []string{
			se.ID,
			se.Name,
			string(se.ScheduleType),
			string(se.TimeRangeType),
			fmt.Sprintf("%t", se.Enabled),
			formatRunTime(se.LastRun),
			formatRunTime(se.NextRun),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runSchedulesHistory(cmd *cobra.Command, id string, limit int) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	hist, err := e.schedules.History(cmd.Context(), id, limit)
	if err != nil {
		return err
	}
	if len(hist) == 0 {
		pterm.Info.Println("No executions recorded")
		return nil
	}

	rows := pterm.TableData{{"EXECUTED", "STATUS", "MESSAGES", "DURATION", "FILE"}}
	for _, h := range hist {
		file := h.FilePath
		if h.Error != "" {
			file = h.Error
		}
		rows = append(rows, []string{
			h.ExecutedAt.Local().Format("2006-01-02 15:04"),
			string(h.Status),
			fmt.Sprintf("%d", h.MessageCount),
			(time.Duration(h.DurationMillis) * time.Millisecond).String(),
			file,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func formatRunTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
