package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcache/internal/app"
	"github.com/JakeFAU/fetchcache/internal/config"
	"github.com/JakeFAU/fetchcache/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so it can be swapped
// out, e.g. to pass app.WithFetcher.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "fetchcache",
		Short: "Asynchronous fetch-and-cache pipeline.",
		Long: `fetchcache fetches resources concurrently, deduplicates repeated
requests, and hands completed results back newest first. Results can be
stored on local disk or GCS and logged to Postgres.`,
		SilenceUsage: true,

		// Builds the application after flags are parsed but before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}

			ctx := context.WithValue(cmd.Context(), appKey, appInstance)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			closeApp(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); FETCHCACHE_* env vars override it")

	cmd.AddCommand(newFetchCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func closeApp(ctx context.Context) {
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return
	}
	timeout := appInstance.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := appInstance.Close(closeCtx); err != nil {
		appInstance.Logger.Warn("close application", zap.Error(err))
	}
	_ = appInstance.Logger.Sync()
}

// Execute is the main entry point.
func Execute() {
	executed, err := newRootCmd().ExecuteC()
	if err != nil {
		// PersistentPostRun is skipped when RunE fails.
		if executed != nil && executed.Context() != nil {
			closeApp(executed.Context())
		}
		zap.L().Error("command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
