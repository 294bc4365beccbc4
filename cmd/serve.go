package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcache/internal/api"
	"github.com/JakeFAU/fetchcache/internal/app"
	"github.com/JakeFAU/fetchcache/internal/consumer"
)

// newServeCmd creates the 'serve' subcommand, which exposes the pipeline over
// HTTP until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API",
		Long: `Starts the HTTP API (health probes, /metrics, and the /v1 pipeline
routes). With --drain, completed results are stored in-process by the
consumer loop; without it they wait for GET /v1/results/next.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, appInstance, drain)
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", true, "drain completed results into storage in-process")
	return cmd
}

func runServe(ctx context.Context, a *app.App, drain bool) error {
	logger := a.Logger
	cfg := a.Config

	server := api.NewServer(a.Loader, a.IDs, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Server.Port)),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var loop *consumer.Loop
	loopDone := make(chan struct{})
	if drain {
		loop = consumer.New(a.Loader, a.Sink, consumer.Config{
			FrameInterval: cfg.Consumer.FrameInterval,
			MaxPerFrame:   cfg.Consumer.MaxPerFrame,
		}, logger.Named("consumer"))
		go func() {
			defer close(loopDone)
			logger.Info("consumer loop started", zap.Duration("frame_interval", cfg.Consumer.FrameInterval))
			loop.Run(ctx)
		}()
	} else {
		close(loopDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")
	server.SetReady(false)

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-loopDone

	if loop != nil {
		drainPending(ctx, a, loop)
	}
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// drainPending waits for in-flight fetches and stores whatever is still
// queued, bounded by consumer.drain_timeout.
func drainPending(ctx context.Context, a *app.App, loop *consumer.Loop) {
	timeout := a.Config.Consumer.DrainTimeout
	if timeout <= 0 {
		return
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := a.Loader.Close(drainCtx); err != nil {
		a.Logger.Warn("in-flight fetches still running at shutdown", zap.Error(err))
	}
	err := loop.RunUntil(drainCtx, func() bool {
		stats := a.Loader.Stats()
		return stats.Queued == 0 && stats.InFlight == 0
	})
	if err != nil {
		a.Logger.Warn("results left undrained at shutdown",
			zap.Int("queued", a.Loader.Stats().Queued),
			zap.Error(err),
		)
	}
}
