package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
	"github.com/custodia-labs/ragdoc/internal/core/ports/driving"
)

// version is set at build time via -ldflags
var version = "dev"

// Runner is a long-running background process such as the task worker
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthCheck checks one dependency
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// App holds the services the commands drive
type App struct {
	Ingestion driving.IngestionService
	Retrieval driving.RetrievalService
	Documents driving.DocumentService
	Schedules driving.ScheduleService
	Tasks     driving.TaskService
	Worker    Runner
	Checks    []HealthCheck

	// IndexStats reports the vector index size. Optional.
	IndexStats func() domain.IndexStats

	// Close releases connections. Optional.
	Close func() error
}

// BootstrapFunc builds the App once flags are parsed
type BootstrapFunc func(ctx context.Context, configPath string) (*App, error)

// skipBootstrap marks commands that run without services
const skipBootstrap = "skip-bootstrap"

var (
	cfgFile   string
	bootstrap BootstrapFunc
	app       *App
)

var rootCmd = &cobra.Command{
	Use:   "ragdoc",
	Short: "Document ingestion and retrieval for RAG",
	Long: `ragdoc chunks and embeds documents, keeps them versioned in a document
store and answers similarity queries over the indexed chunks.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupApp,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file")
}

// setupApp runs the bootstrap hook unless the App is already wired
func setupApp(cmd *cobra.Command, _ []string) error {
	if app != nil || bootstrap == nil || cmd.Annotations[skipBootstrap] == "true" {
		return nil
	}
	a, err := bootstrap(cmd.Context(), cfgFile)
	if err != nil {
		return err
	}
	app = a
	return nil
}

func currentApp() (*App, error) {
	if app == nil {
		return nil, errors.New("services not configured")
	}
	return app, nil
}

// Execute runs the root command. The bootstrap hook is called lazily so that
// help and version output never touch external services.
func Execute(ctx context.Context, fn BootstrapFunc) error {
	bootstrap = fn
	defer func() {
		if app != nil && app.Close != nil {
			if err := app.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "close: %v\n", err)
			}
		}
	}()
	return rootCmd.ExecuteContext(ctx)
}
