package engine

import (
	"log/slog"

	"github.com/roach88/realmindex/internal/index"
)

// CategoryFromScratch is the queue category of rebuild jobs.
const CategoryFromScratch = "from-scratch"

type options struct {
	clock  index.Clock
	logger *slog.Logger
}

// Option configures engine components.
type Option func(*options)

// WithClock sets the timestamp source.
func WithClock(c index.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: index.WallClock{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
