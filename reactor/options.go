package reactor

import (
	"github.com/solstice-io/reactorws/clock"
	"github.com/solstice-io/reactorws/internal/logx"
)

// Options configures a Reactor instance (spec.md §6 "Runtime
// configuration"). Mirrors the teacher's server/options.go convention
// of a plain struct with a Default constructor and With... functional
// options, rather than a config file or environment variables (the
// core defines neither).
type Options struct {
	// MaxSleep caps the multiplex call's timeout, so timers are
	// re-evaluated periodically even under clock skew. Default 5s.
	MaxSleep clock.Duration
	// Logger receives structured diagnostics. Defaults to a no-op.
	Logger logx.Logger
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxSleep: 5 * clock.Second,
		Logger:   logx.NopLogger(),
	}
}

// WithMaxSleep overrides the multiplex timeout cap.
func WithMaxSleep(d clock.Duration) Option {
	return func(o *Options) { o.MaxSleep = d }
}

// WithLogger overrides the diagnostics sink.
func WithLogger(l logx.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func buildOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, apply := range opts {
		apply(&o)
	}
	if o.Logger == nil {
		o.Logger = logx.NopLogger()
	}
	return o
}
