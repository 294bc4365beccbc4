package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcache/internal/app"
	"github.com/JakeFAU/fetchcache/internal/consumer"
	"github.com/JakeFAU/fetchcache/internal/pipeline"
)

// errFetchFailed is returned when at least one fetch did not succeed.
var errFetchFailed = errors.New("some fetches failed")

// newFetchCmd creates the 'fetch' subcommand, a one-shot run of the pipeline
// over the URLs given on the command line.
func newFetchCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "fetch URL...",
		Short: "Fetches URLs through the pipeline and stores the results",
		Long: `Submits every URL to the fetch pipeline, drains completed results
newest first into the configured storage backend, and prints one line per
result. Duplicate URLs are fetched once.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return runFetch(cmd.Context(), appInstance, args, timeout, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "give up waiting for results after this long")
	return cmd
}

func runFetch(ctx context.Context, a *app.App, urls []string, timeout time.Duration, out io.Writer) error {
	logger := a.Logger.Named("fetch")

	keys := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		key := strings.TrimSpace(raw)
		if key == "" {
			continue
		}
		keys[key] = struct{}{}
		a.Loader.Submit(key)
	}
	if len(keys) == 0 {
		return errors.New("no URLs to fetch")
	}
	logger.Info("submitted urls", zap.Int("count", len(keys)))

	collector := consumer.NewCollector(a.Sink)
	loop := consumer.New(a.Loader, collector, consumer.Config{
		FrameInterval: a.Config.Consumer.FrameInterval,
		MaxPerFrame:   a.Config.Consumer.MaxPerFrame,
	}, logger)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	waitErr := loop.RunUntil(ctx, func() bool {
		return collector.Distinct() >= len(keys)
	})

	results := collector.Results()
	failed := 0
	for _, result := range results {
		if !result.Success {
			failed++
		}
		if _, err := fmt.Fprintln(out, formatResult(result)); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}

	if waitErr != nil {
		return fmt.Errorf("waiting for results (%d of %d done): %w", collector.Distinct(), len(keys), waitErr)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", errFetchFailed, failed, len(results))
	}
	return nil
}

func formatResult(result pipeline.FetchResult) string {
	status := "ok"
	if !result.Success {
		status = "failed"
	}
	return fmt.Sprintf("%s\t%s\t%d bytes\t%dms",
		status, result.Key, len(result.Payload), result.Duration.Milliseconds())
}
