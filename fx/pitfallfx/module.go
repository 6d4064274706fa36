// Package pitfallfx provides an fx module that builds the pitfall pipeline
// from a *config.Config.
//
// The job store, cache and transport are owned by the fx lifecycle and are
// released on stop in reverse construction order.
package pitfallfx

import (
	"context"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/pitfall"
	"github.com/discochess/pitfall/internal/cache"
	"github.com/discochess/pitfall/internal/config"
	"github.com/discochess/pitfall/internal/dispatch"
	"github.com/discochess/pitfall/internal/jobstore"
	"github.com/discochess/pitfall/internal/stats"
	"github.com/discochess/pitfall/internal/stats/logger"
	"github.com/discochess/pitfall/internal/stats/prometheus"
	"github.com/discochess/pitfall/internal/tracker"
	"github.com/discochess/pitfall/internal/worker"
)

// Module provides the client, tracker and worker.
// Requires a *config.Config and a *zap.Logger to be provided. When a
// prometheus.Registerer is also provided, metrics are exported through it.
var Module = fx.Module("pitfall",
	fx.Provide(
		newStatsCollector,
		newJobStore,
		newCache,
		newTracker,
		newWorker,
		newInvoker,
		newClient,
	),
)

// StatsParams holds dependencies for the stats collector.
type StatsParams struct {
	fx.In

	Logger   *zap.Logger
	Registry promclient.Registerer `optional:"true"`
}

func newStatsCollector(p StatsParams) stats.Collector {
	if p.Registry != nil {
		return prometheus.New(p.Registry)
	}
	return logger.New(p.Logger.Named("pitfall.stats"))
}

func newJobStore(lc fx.Lifecycle, cfg *config.Config) (jobstore.Store, error) {
	s, err := cfg.OpenJobStore(context.Background())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(s.Close))
	return s, nil
}

func newCache(lc fx.Lifecycle, cfg *config.Config, c stats.Collector, log *zap.Logger) (*cache.Cache, error) {
	ca, err := cfg.OpenCache(context.Background(), c, log)
	if err != nil {
		return nil, err
	}
	if ca != nil {
		lc.Append(fx.StopHook(ca.Close))
	}
	return ca, nil
}

func newTracker(cfg *config.Config, s jobstore.Store, c stats.Collector, log *zap.Logger) *tracker.Tracker {
	return tracker.New(s,
		tracker.WithTTL(cfg.JobStore.TTL),
		tracker.WithStats(c),
		tracker.WithLogger(log),
	)
}

func newWorker(cfg *config.Config, tr *tracker.Tracker, ca *cache.Cache, c stats.Collector, log *zap.Logger) *worker.Worker {
	opts := []worker.Option{worker.WithStats(c), worker.WithLogger(log)}
	if ca != nil {
		opts = append(opts, worker.WithCache(ca))
	}
	return worker.New(tr, cfg.Analyzer(c, log), cfg.EngineFactory(log), opts...)
}

func newInvoker(lc fx.Lifecycle, cfg *config.Config, w *worker.Worker, log *zap.Logger) (dispatch.Invoker, error) {
	iv, release, err := cfg.OpenInvoker(context.Background(), w, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(release))
	return iv, nil
}

// Params holds dependencies for creating the client.
type Params struct {
	fx.In

	Config    *config.Config
	Logger    *zap.Logger
	Collector stats.Collector
	Tracker   *tracker.Tracker
	Cache     *cache.Cache
	Invoker   dispatch.Invoker
}

func newClient(p Params) (*pitfall.Client, error) {
	opts := []pitfall.Option{
		pitfall.WithTracker(p.Tracker),
		pitfall.WithInvoker(p.Invoker),
		pitfall.WithBatchSize(p.Config.Dispatch.BatchSize),
		pitfall.WithMaxParallel(p.Config.Dispatch.MaxParallel),
		pitfall.WithDispatchConcurrency(p.Config.Dispatch.Concurrency),
		pitfall.WithStats(p.Collector),
		pitfall.WithLogger(p.Logger),
	}
	if p.Cache != nil {
		opts = append(opts, pitfall.WithCache(p.Cache))
	}
	return pitfall.New(opts...)
}
