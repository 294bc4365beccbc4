// Package consumer drains completed fetch results from a Loader on a fixed
// frame cadence and hands them to a Handler.
package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchcache/internal/pipeline"
)

const defaultFrameInterval = 16 * time.Millisecond

// Source yields completed results without blocking. *pipeline.Loader
// satisfies it.
type Source interface {
	TryTakeNext() (pipeline.FetchResult, bool)
}

// Handler processes one drained result. Returned errors are logged and the
// loop moves on.
type Handler interface {
	Handle(ctx context.Context, result pipeline.FetchResult) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, result pipeline.FetchResult) error

// Handle calls f(ctx, result).
func (f HandlerFunc) Handle(ctx context.Context, result pipeline.FetchResult) error {
	return f(ctx, result)
}

// Config controls Loop pacing.
type Config struct {
	// FrameInterval is the time between frames.
	FrameInterval time.Duration
	// MaxPerFrame caps results handled per frame; zero or less drains the
	// queue completely each frame.
	MaxPerFrame int
}

// Loop polls a Source once per frame.
type Loop struct {
	source  Source
	handler Handler
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Loop.
func New(source Source, handler Handler, cfg Config, logger *zap.Logger) *Loop {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = defaultFrameInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		source:  source,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}
}

// Frame drains up to MaxPerFrame results and returns how many were handled.
func (l *Loop) Frame(ctx context.Context) int {
	handled := 0
	for l.cfg.MaxPerFrame <= 0 || handled < l.cfg.MaxPerFrame {
		if ctx.Err() != nil {
			break
		}
		result, ok := l.source.TryTakeNext()
		if !ok {
			break
		}
		handled++
		if err := l.handler.Handle(ctx, result); err != nil {
			l.logger.Error("handle result failed",
				zap.String("key", result.Key),
				zap.Bool("success", result.Success),
				zap.Error(err),
			)
		}
	}
	return handled
}

// Run blocks, running a frame per tick until ctx is done.
func (l *Loop) Run(ctx context.Context) {
	_ = l.RunUntil(ctx, nil)
}

// RunUntil runs frames until done reports true after a frame, or ctx ends.
// It returns ctx.Err() in the latter case.
func (l *Loop) RunUntil(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(l.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		if n := l.Frame(ctx); n > 0 {
			l.logger.Debug("frame drained results", zap.Int("count", n))
		}
		if done != nil && done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
