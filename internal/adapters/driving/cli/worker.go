package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	workerShutdown time.Duration
	healthTimeout  time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the task worker",
	Long: `Processes queued ingest, delete and reap tasks until interrupted.
The maintenance scheduler runs alongside when enabled in the config.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check dependencies",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

func init() {
	workerCmd.Flags().DurationVar(&workerShutdown, "shutdown-timeout", 30*time.Second, "time allowed for in-flight tasks on shutdown")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "timeout per check")
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(healthCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}
	if a.Worker == nil {
		return errors.New("worker not configured")
	}

	ctx := cmd.Context()
	if err := a.Worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	cmd.Println("Worker started. Press Ctrl+C to stop.")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), workerShutdown)
	defer cancel()
	if err := a.Worker.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop worker: %w", err)
	}
	cmd.Println("Worker stopped.")
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}

	failed := 0
	for _, check := range a.Checks {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		err := check.Check(ctx)
		cancel()
		if err != nil {
			failed++
			cmd.Printf("  %-10s error: %v\n", check.Name, err)
			continue
		}
		cmd.Printf("  %-10s ok\n", check.Name)
	}

	if a.IndexStats != nil {
		st := a.IndexStats()
		cmd.Printf("Index: %d document(s), %d visible, %d staged\n", st.Documents, st.Visible, st.Staged)
	}
	if a.Tasks != nil {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		stats, err := a.Tasks.Stats(ctx)
		cancel()
		if err != nil {
			cmd.Printf("Queue: error: %v\n", err)
		} else {
			cmd.Println("Queue:")
			printQueueStats(cmd, stats)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(a.Checks))
	}
	return nil
}
