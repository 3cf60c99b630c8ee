package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage maintenance schedules",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	Args:  cobra.NoArgs,
	RunE:  runScheduleList,
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable [schedule-id]",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runScheduleSetEnabled(cmd, args[0], true) },
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable [schedule-id]",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runScheduleSetEnabled(cmd, args[0], false) },
}

var scheduleTriggerCmd = &cobra.Command{
	Use:   "trigger [schedule-id]",
	Short: "Enqueue the task of a schedule now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduleTrigger,
}

func init() {
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleEnableCmd)
	scheduleCmd.AddCommand(scheduleDisableCmd)
	scheduleCmd.AddCommand(scheduleTriggerCmd)
	rootCmd.AddCommand(scheduleCmd)
}

var errNoSchedules = errors.New("schedules not configured")

func runScheduleList(cmd *cobra.Command, _ []string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}
	if a.Schedules == nil {
		return errNoSchedules
	}

	schedules, err := a.Schedules.Schedules(cmd.Context())
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	if len(schedules) == 0 {
		cmd.Println("No schedules.")
		return nil
	}

	for _, s := range schedules {
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		}
		cmd.Printf("  %-12s %-10s every %-8s next %s  %s\n",
			s.ID, s.Type, s.Interval, s.NextRun.Format("2006-01-02 15:04:05"), state)
		if s.LastError != "" {
			cmd.Printf("  %-12s last error: %s\n", "", s.LastError)
		}
	}
	return nil
}

func runScheduleSetEnabled(cmd *cobra.Command, id string, enabled bool) error {
	a, err := currentApp()
	if err != nil {
		return err
	}
	if a.Schedules == nil {
		return errNoSchedules
	}

	if err := a.Schedules.SetEnabled(cmd.Context(), id, enabled); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if enabled {
		cmd.Printf("Enabled %s\n", id)
	} else {
		cmd.Printf("Disabled %s\n", id)
	}
	return nil
}

func runScheduleTrigger(cmd *cobra.Command, args []string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}
	if a.Schedules == nil {
		return errNoSchedules
	}

	task, err := a.Schedules.TriggerNow(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("trigger schedule: %w", err)
	}
	cmd.Printf("Queued %s (task %s)\n", task.Type, task.ID)
	return nil
}
