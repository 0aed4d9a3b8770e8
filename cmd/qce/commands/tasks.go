package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/quenlab/qce/task"
)

// TasksCmd groups task inspection subcommands.
var TasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage export tasks",
	Long: `Inspect export tasks recorded in the task store.

  qce tasks ls            # List tasks, newest first
  qce tasks status <id>   # Show one task in detail
  qce tasks rm <id>       # Delete a task and its state`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var tasksLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List export tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		return runTasksLs(cmd, statusFilter)
	},
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show details of one export task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTasksStatus(cmd, args[0])
	},
}

var tasksRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Delete an export task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTasksRm(cmd, args[0])
	},
}

func init() {
	tasksLsCmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed, canceled)")

	TasksCmd.AddCommand(tasksLsCmd)
	TasksCmd.AddCommand(tasksStatusCmd)
	TasksCmd.AddCommand(tasksRmCmd)
}

func runTasksLs(cmd *cobra.Command, statusFilter string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	ctx := cmd.Context()
	var tasks []*task.TaskWithState
	if statusFilter != "" {
		tasks, err = e.tasks.TasksByStatus(ctx, task.Status(statusFilter))
	} else {
		tasks, err = e.tasks.ListTasks(ctx)
	}
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		pterm.Info.Println("No tasks found")
		return nil
	}

	rows := pterm.TableData{{"TASK ID", "CHAT", "STATUS", "PROGRESS", "MESSAGES", "CREATED"}}
	for _, tw := range tasks {
		rows = append(rows, []string{
			tw.Task.TaskID,
			tw.Task.ChatName,
			string(tw.State.Status),
			fmt.Sprintf("%d%%", tw.State.ProgressPct),
			fmt.Sprintf("%d/%d", tw.State.ProcessedMsgs, tw.State.TotalMsgs),
			tw.Task.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runTasksStatus(cmd *cobra.Command, taskID string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	tw, err := e.tasks.GetTask(cmd.Context(), taskID)
	if err != nil {
		return err
	}

	formats := make([]string, len(tw.Task.Formats))
	for i, f := range tw.Task.Formats {
		formats[i] = string(f)
	}

	rows := pterm.TableData{
		{"Task", tw.Task.TaskID},
		{"Chat", fmt.Sprintf("%s (%s %s)", tw.Task.ChatName, tw.Task.ChatRef.ChatType, tw.Task.ChatRef.PeerUid)},
		{"Formats", strings.Join(formats, ", ")},
		{"Status", string(tw.State.Status)},
		{"Progress", fmt.Sprintf("%d%%", tw.State.ProgressPct)},
		{"Messages", fmt.Sprintf("%d/%d (%d failed)", tw.State.ProcessedMsgs, tw.State.TotalMsgs, tw.State.Failure)},
		{"Speed", fmt.Sprintf("%.1f msg/s", tw.State.SpeedMps)},
		{"Started", tw.State.StartTime.Format("2006-01-02 15:04:05")},
	}
	if tw.State.EndTime != nil {
		rows = append(rows, []string{"Ended", tw.State.EndTime.Format("2006-01-02 15:04:05")})
	}
	if tw.State.Error != "" {
		rows = append(rows, []string{"Error", tw.State.Error})
	}
	return pterm.DefaultTable.WithData(rows).Render()
}

func runTasksRm(cmd *cobra.Command, taskID string) error {
	e, err := openEngine(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.tasks.DeleteTask(cmd.Context(), taskID); err != nil {
		return err
	}
	pterm.Success.Printf("Deleted task %s\n", taskID)
	return nil
}
