package scheduler

import (
	"context"
	"time"

	"paceq/eventbus"
	logx "paceq/pkg/logx"
)

// DefaultBackoff is the backoff ladder used when none is configured.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	60 * time.Second,
}

const (
	defaultPaceInterval = 500 * time.Millisecond
	defaultConcurrency  = 5
)

type options struct {
	pace        time.Duration
	concurrency int
	autoStart   bool
	ordered     bool
	policy      Policy
	backoff     []time.Duration
	alwaysRetry bool
	decider     Decider

	log     logx.Logger
	bus     eventbus.Bus
	baseCtx context.Context
}

func defaultOptions() options {
	return options{
		pace:        defaultPaceInterval,
		concurrency: defaultConcurrency,
		autoStart:   true,
		ordered:     true,
		policy:      RetryThenFail,
		backoff:     DefaultBackoff,
		log:         logx.Nop(),
		baseCtx:     context.Background(),
	}
}

// Option customizes a Scheduler at construction time. The resulting
// configuration is immutable for the scheduler's lifetime.
type Option func(*options)

// WithPaceInterval sets the minimum time between task starts within one
// execution slot. Default 500ms.
func WithPaceInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.pace = d
		}
	}
}

// WithConcurrency bounds the number of in-flight tasks. Default 5.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithAutoStart controls whether Enqueue starts the scheduler when it is
// eligible to run. Default true.
func WithAutoStart(on bool) Option {
	return func(o *options) { o.autoStart = on }
}

// WithOrderedResults controls whether resolve notifications are emitted in
// original submission order. Default true; disabled, completions are
// emitted as they happen.
func WithOrderedResults(on bool) Option {
	return func(o *options) { o.ordered = on }
}

// WithPolicy selects the rejection policy. Default RetryThenFail.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithBackoff replaces the backoff ladder. Entries must be >= 0.
func WithBackoff(ladder []time.Duration) Option {
	return func(o *options) {
		cp := make([]time.Duration, 0, len(ladder))
		for _, d := range ladder {
			if d < 0 {
				d = 0
			}
			cp = append(cp, d)
		}
		o.backoff = cp
	}
}

// WithAlwaysRetry keeps retrying past the end of the ladder using its last
// entry. There is no escape hatch; see the package docs before enabling.
func WithAlwaysRetry(on bool) Option {
	return func(o *options) { o.alwaysRetry = on }
}

// WithRetryDecider installs the predicate consulted on every retryable
// failure.
func WithRetryDecider(d Decider) Option {
	return func(o *options) { o.decider = d }
}

// WithLogger attaches a structured logger.
func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithBus attaches the bus that lifecycle notifications are published on.
// Without a bus the scheduler still runs, it just has no observers.
func WithBus(bus eventbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithBaseContext sets the context passed to task factories. Stopping the
// scheduler never cancels it; in-flight tasks run to natural completion.
func WithBaseContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.baseCtx = ctx
		}
	}
}
