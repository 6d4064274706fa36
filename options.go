package pitfall

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/cache"
	"github.com/discochess/pitfall/internal/dispatch"
	"github.com/discochess/pitfall/internal/jobstore"
	"github.com/discochess/pitfall/internal/stats"
	"github.com/discochess/pitfall/internal/tracker"
)

// Option configures a Client.
type Option interface {
	apply(*options)
}

// options holds the client configuration.
type options struct {
	jobStore            jobstore.Store
	tracker             *tracker.Tracker
	cache               *cache.Cache
	invoker             dispatch.Invoker
	batchSize           int
	maxParallel         int
	dispatchConcurrency int
	stats               stats.Collector
	logger              *zap.Logger
	newID               func() string
}

// defaultOptions returns the default configuration.
func defaultOptions() options {
	return options{
		batchSize:           dispatch.DefaultBatchSize,
		maxParallel:         dispatch.DefaultMaxParallel,
		dispatchConcurrency: dispatch.DefaultConcurrency,
		stats:               stats.NewNoop(),
		logger:              zap.NewNop(),
		newID:               uuid.NewString,
	}
}

// optionFunc wraps a function to implement Option.
type optionFunc func(*options)

// Compile-time check that optionFunc implements Option.
var _ Option = optionFunc(nil)

func (f optionFunc) apply(o *options) { f(o) }

// WithJobStore sets the store that holds job and batch records. The
// client builds its own tracker on it.
func WithJobStore(s jobstore.Store) Option {
	return optionFunc(func(o *options) {
		o.jobStore = s
	})
}

// WithTracker sets a tracker shared with in-process workers. It takes
// precedence over WithJobStore.
func WithTracker(t *tracker.Tracker) Option {
	return optionFunc(func(o *options) {
		o.tracker = t
	})
}

// WithCache sets the analysis cache consulted before dispatching.
// If not set, every game is dispatched.
func WithCache(c *cache.Cache) Option {
	return optionFunc(func(o *options) {
		o.cache = c
	})
}

// WithInvoker sets how batch commands reach workers.
func WithInvoker(iv dispatch.Invoker) Option {
	return optionFunc(func(o *options) {
		o.invoker = iv
	})
}

// WithBatchSize sets the preferred number of games per batch.
// Default is 20.
func WithBatchSize(n int) Option {
	return optionFunc(func(o *options) {
		o.batchSize = n
	})
}

// WithMaxParallel caps the number of batches per job. Larger requests get
// larger batches. Default is 50.
func WithMaxParallel(n int) Option {
	return optionFunc(func(o *options) {
		o.maxParallel = n
	})
}

// WithDispatchConcurrency bounds concurrent issue calls while dispatching.
// Default is 16.
func WithDispatchConcurrency(n int) Option {
	return optionFunc(func(o *options) {
		o.dispatchConcurrency = n
	})
}

// WithStats sets the stats collector.
// If not set, a no-op collector is used.
func WithStats(c stats.Collector) Option {
	return optionFunc(func(o *options) {
		o.stats = c
	})
}

// WithLogger sets the logger.
// If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return optionFunc(func(o *options) {
		o.logger = l
	})
}

// WithIDGenerator sets the job ID source. Default is random UUIDs.
func WithIDGenerator(fn func() string) Option {
	return optionFunc(func(o *options) {
		o.newID = fn
	})
}
