// Package memory implements an in-memory cache backend.
package memory

import (
	"sync/atomic"

	"github.com/discochess/pitfall/internal/stats"
	"github.com/discochess/pitfall/internal/store/cachedstore"
	"github.com/discochess/pitfall/internal/store/cachedstore/cachestrategy"
)

var _ cachedstore.Backend = (*Backend)(nil)

// Backend is a thread-safe in-memory cache backend.
// Thread safety comes from the strategy; hit and miss counts are atomic.
type Backend struct {
	strategy  cachestrategy.Strategy
	collector stats.Collector

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a new memory backend with the given eviction strategy.
// The collector is optional; if nil, a no-op collector is used.
func New(strategy cachestrategy.Strategy, collector stats.Collector) *Backend {
	if collector == nil {
		collector = stats.NewNoop()
	}
	return &Backend{
		strategy:  strategy,
		collector: collector,
	}
}

// Get retrieves an object from the cache.
func (b *Backend) Get(key string) ([]byte, bool) {
	val, ok := b.strategy.Get(key)
	if ok {
		b.hits.Add(1)
		return val, true
	}
	b.misses.Add(1)
	return nil, false
}

// Set stores an object in the cache.
func (b *Backend) Set(key string, data []byte) {
	if b.strategy.Add(key, data) {
		b.evictions.Add(1)
	}
	b.collector.SetGauge(stats.MetricCacheSize, int64(b.strategy.Len()))
}

// Stats returns current cache statistics.
func (b *Backend) Stats() cachedstore.Stats {
	return cachedstore.Stats{
		Hits:   b.hits.Load(),
		Misses: b.misses.Load(),
		Size:   b.strategy.Len(),
	}
}

// Evictions returns how many entries were evicted to make room.
func (b *Backend) Evictions() int64 {
	return b.evictions.Load()
}
