package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

var (
	tasksStatus    string
	tasksType      string
	tasksLimit     int
	tasksJSON      bool
	tasksOlderThan time.Duration
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and maintain the task queue",
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksStatus,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasksList,
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a pending task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksCancel,
}

var tasksPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove finished tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasksPurge,
}

var tasksStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth",
	Args:  cobra.NoArgs,
	RunE:  runTasksStats,
}

func init() {
	tasksStatusCmd.Flags().BoolVar(&tasksJSON, "json", false, "output as JSON")
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status (pending, processing, completed, failed)")
	tasksListCmd.Flags().StringVar(&tasksType, "type", "", "filter by task type")
	tasksListCmd.Flags().IntVar(&tasksLimit, "limit", 50, "maximum number of tasks")
	tasksListCmd.Flags().BoolVar(&tasksJSON, "json", false, "output as JSON")
	tasksPurgeCmd.Flags().DurationVar(&tasksOlderThan, "older-than", 24*time.Hour, "minimum age of finished tasks to remove")
	tasksStatsCmd.Flags().BoolVar(&tasksJSON, "json", false, "output as JSON")

	tasksCmd.AddCommand(tasksStatusCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
	tasksCmd.AddCommand(tasksPurgeCmd)
	tasksCmd.AddCommand(tasksStatsCmd)
	rootCmd.AddCommand(tasksCmd)
}

var errNoTasks = errors.New("task queue not configured")

func tasksApp() (*App, error) {
	a, err := currentApp()
	if err != nil {
		return nil, err
	}
	if a.Tasks == nil {
		return nil, errNoTasks
	}
	return a, nil
}

func runTasksStatus(cmd *cobra.Command, args []string) error {
	a, err := tasksApp()
	if err != nil {
		return err
	}

	task, err := a.Tasks.Task(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if tasksJSON {
		return printJSON(cmd, task)
	}

	cmd.Printf("Task:     %s\n", task.ID)
	cmd.Printf("Type:     %s\n", task.Type)
	cmd.Printf("Status:   %s\n", task.Status)
	cmd.Printf("Attempts: %d/%d\n", task.Attempts, task.MaxAttempts)
	if id := task.DocumentID(); id != "" {
		cmd.Printf("Document: %s\n", id)
	}
	cmd.Printf("Created:  %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.CompletedAt != nil {
		cmd.Printf("Finished: %s\n", task.CompletedAt.Format(time.RFC3339))
	}
	if task.Error != "" {
		cmd.Printf("Error:    %s\n", task.Error)
	}
	return nil
}

func runTasksList(cmd *cobra.Command, _ []string) error {
	a, err := tasksApp()
	if err != nil {
		return err
	}

	tasks, err := a.Tasks.Tasks(cmd.Context(), domain.TaskFilter{
		Status: domain.TaskStatus(tasksStatus),
		Type:   domain.TaskType(tasksType),
		Limit:  tasksLimit,
	})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if tasksJSON {
		return printJSON(cmd, tasks)
	}
	if len(tasks) == 0 {
		cmd.Println("No tasks.")
		return nil
	}

	for _, t := range tasks {
		cmd.Printf("  %-36s %-16s %-10s %d/%d  %s\n",
			t.ID, t.Type, t.Status, t.Attempts, t.MaxAttempts, t.DocumentID())
		if t.Error != "" {
			cmd.Printf("  %-36s error: %s\n", "", t.Error)
		}
	}
	return nil
}

func runTasksCancel(cmd *cobra.Command, args []string) error {
	a, err := tasksApp()
	if err != nil {
		return err
	}
	if err := a.Tasks.Cancel(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	cmd.Printf("Cancelled %s\n", args[0])
	return nil
}

func runTasksPurge(cmd *cobra.Command, _ []string) error {
	a, err := tasksApp()
	if err != nil {
		return err
	}
	n, err := a.Tasks.Purge(cmd.Context(), tasksOlderThan)
	if err != nil {
		return fmt.Errorf("purge tasks: %w", err)
	}
	cmd.Printf("Purged %d task(s)\n", n)
	return nil
}

func runTasksStats(cmd *cobra.Command, _ []string) error {
	a, err := tasksApp()
	if err != nil {
		return err
	}
	stats, err := a.Tasks.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	if tasksJSON {
		return printJSON(cmd, stats)
	}
	printQueueStats(cmd, stats)
	return nil
}

func printQueueStats(cmd *cobra.Command, stats *domain.QueueStats) {
	cmd.Printf("  pending     %d\n", stats.PendingCount)
	cmd.Printf("  processing  %d\n", stats.ProcessingCount)
	cmd.Printf("  completed   %d\n", stats.CompletedCount)
	cmd.Printf("  failed      %d\n", stats.FailedCount)
	if stats.PendingCount > 0 {
		cmd.Printf("  oldest pending %s\n", time.Duration(stats.OldestPendingAge)*time.Second)
	}
}
