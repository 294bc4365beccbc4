package pipeline

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the structured logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp results.
func WithClock(clock Clock) Option {
	return func(l *Loader) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithObserver registers a lifecycle observer, e.g. Prometheus metrics.
func WithObserver(observer Observer) Option {
	return func(l *Loader) {
		if observer != nil {
			l.observer = observer
		}
	}
}

// WithFailurePolicy selects how failed keys are tracked. Defaults to
// SuppressFailures.
func WithFailurePolicy(policy FailurePolicy) Option {
	return func(l *Loader) {
		l.policy = policy
	}
}

// WithBaseContext sets the context handed to every Fetch call. Canceling it
// is the only way to abort in-flight fetches; the Loader itself never does.
func WithBaseContext(ctx context.Context) Option {
	return func(l *Loader) {
		if ctx != nil {
			l.baseCtx = ctx
		}
	}
}

// WithGroup runs workers inside a caller-owned errgroup so the caller can join
// them alongside its own goroutines. The group must not have a limit set,
// otherwise Submit blocks once the limit is reached.
func WithGroup(group *errgroup.Group) Option {
	return func(l *Loader) {
		if group != nil {
			l.group = group
		}
	}
}
