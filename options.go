package contest

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/luno/jettison"
)

type Logger interface {
	Debug(ctx context.Context, s string, ol ...jettison.Option)
	Info(ctx context.Context, s string, ol ...jettison.Option)
	Error(ctx context.Context, err error, ol ...jettison.Option)
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...jettison.Option) {}
func (noopLogger) Info(context.Context, string, ...jettison.Option)  {}
func (noopLogger) Error(context.Context, error, ...jettison.Option)  {}

type options struct {
	Log Logger

	Clock clockwork.Clock

	// Hold returns how long a contestant keeps leadership before
	// relinquishing it.
	Hold func() time.Duration

	// RetryInterval is how long to wait before retrying after a benign
	// coordination error mid-cycle.
	RetryInterval time.Duration

	// NodePrefix is the name prefix for election nodes under the parent.
	NodePrefix string

	// SchedulerSlots overrides the scheduler size. Zero means twice the
	// number of contestants, enough for every run task plus every deferred
	// relinquish task.
	SchedulerSlots int
}

type Option func(*options)

// WithLogger sets the logger used for contest activity.
func WithLogger(l Logger) Option {
	return func(o *options) {
		o.Log = l
	}
}

// WithClock replaces the clock used for leadership hold timers.
// Intended for deterministic tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithHold replaces the randomized leadership hold duration with a custom
// source, for deterministic tests or different rotation rates.
func WithHold(f func() time.Duration) Option {
	return func(o *options) {
		o.Hold = f
	}
}

// WithRetryInterval sets the wait between retries of failed coordination
// calls mid-cycle.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.RetryInterval = d
	}
}

// WithNodePrefix sets the election node name prefix.
func WithNodePrefix(prefix string) Option {
	return func(o *options) {
		o.NodePrefix = prefix
	}
}

// WithSchedulerSlots overrides the scheduler size. It must be at least twice
// the contestant count to avoid a contestant's own deferred task starving.
func WithSchedulerSlots(slots int) Option {
	return func(o *options) {
		o.SchedulerSlots = slots
	}
}

func buildOptions(opts []Option) options {
	o := options{
		Hold:          defaultHold,
		RetryInterval: time.Second,
		NodePrefix:    "contestant-",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Log == nil {
		o.Log = noopLogger{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// defaultHold is uniform in [5s, 10s).
func defaultHold() time.Duration {
	return 5*time.Second + time.Duration(rand.Int63n(int64(5*time.Second)))
}
