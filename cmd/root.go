// Package cmd defines the CLI commands for the ingestor executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-ingestor/internal/config"
	"github.com/JakeFAU/forum-ingestor/internal/docstore"
	"github.com/JakeFAU/forum-ingestor/internal/ingestor"
	"github.com/JakeFAU/forum-ingestor/internal/logging"
	"github.com/JakeFAU/forum-ingestor/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the surface the commands use. Tests inject a fake.
type App interface {
	Serve(ctx context.Context) error
	RunOnce(ctx context.Context, channels []string, params ingestor.JobParams) (ingestor.Job, error)
	Health(ctx context.Context) (docstore.HealthStatus, error)
	Close(ctx context.Context)
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, configPath string) (App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := server.Build(ctx, cfg, logger, server.Options{})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ingestor",
		Short: "Ingests recent forum posts and replies into a document store.",
		Long: `ingestor reads the newest items of configured forum channels within a
time window, flattens each item and its reply tree into documents, and
bulk-ingests them into a search document store. It runs either as an HTTP
service with a job queue or as a single synchronous job.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml); env vars and .env files apply on top")

	cmd.AddCommand(newServeCmd(), newRunCmd(), newHealthCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp runs fn against the injected app and closes it afterwards, whether
// or not fn succeeds. A PersistentPostRun hook would be skipped on error.
func withApp(cmd *cobra.Command, fn func(App) error) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer appInstance.Close(context.WithoutCancel(cmd.Context()))
	return fn(appInstance)
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		_ = zap.L().Sync()
		os.Exit(1)
	}
}
