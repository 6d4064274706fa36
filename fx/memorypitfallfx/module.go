// Package memorypitfallfx provides an fx module for an in-memory pitfall
// pipeline whose workers run in process. Useful for testing.
package memorypitfallfx

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/pitfall"
	"github.com/discochess/pitfall/internal/analysis"
	"github.com/discochess/pitfall/internal/cache"
	"github.com/discochess/pitfall/internal/dispatch/localinvoker"
	"github.com/discochess/pitfall/internal/jobstore/memjobstore"
	"github.com/discochess/pitfall/internal/stats"
	"github.com/discochess/pitfall/internal/stats/logger"
	"github.com/discochess/pitfall/internal/store/memstore"
	"github.com/discochess/pitfall/internal/tracker"
	"github.com/discochess/pitfall/internal/worker"
)

// Module provides an in-memory pitfall client for testing.
// Requires a *zap.Logger and a worker.EngineFactory to be provided.
var Module = fx.Module("memorypitfall",
	fx.Provide(
		newStatsCollector,
		newJobStore,
		newClient,
	),
)

func newStatsCollector(log *zap.Logger) stats.Collector {
	return logger.New(log.Named("pitfall.stats"))
}

func newJobStore() *memjobstore.Store {
	return memjobstore.New()
}

// Params holds dependencies for creating the client.
type Params struct {
	fx.In

	Logger    *zap.Logger
	Collector stats.Collector
	JobStore  *memjobstore.Store
	Engines   worker.EngineFactory
	Lifecycle fx.Lifecycle
}

// Result holds the provided client and its collaborators.
type Result struct {
	fx.Out

	Client  *pitfall.Client
	Tracker *tracker.Tracker // Exposed for test assertions
	Cache   *cache.Cache
}

func newClient(p Params) (Result, error) {
	tr := tracker.New(p.JobStore,
		tracker.WithStats(p.Collector),
		tracker.WithLogger(p.Logger),
	)
	ca := cache.New(memstore.New(),
		cache.WithStats(p.Collector),
		cache.WithLogger(p.Logger),
	)
	w := worker.New(tr, analysis.New(analysis.WithStats(p.Collector)), p.Engines,
		worker.WithCache(ca),
		worker.WithStats(p.Collector),
		worker.WithLogger(p.Logger),
	)
	iv := localinvoker.New(w, localinvoker.WithLogger(p.Logger))

	client, err := pitfall.New(
		pitfall.WithJobStore(p.JobStore),
		pitfall.WithTracker(tr),
		pitfall.WithCache(ca),
		pitfall.WithInvoker(iv),
		pitfall.WithStats(p.Collector),
		pitfall.WithLogger(p.Logger),
	)
	if err != nil {
		return Result{}, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			iv.Wait()
			return client.Close()
		},
	})

	return Result{
		Client:  client,
		Tracker: tr,
		Cache:   ca,
	}, nil
}
