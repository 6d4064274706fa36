// Package cache stores per-game analysis results so a game is analyzed at
// most once per color.
//
// The cache is an optimization: every fault is logged and counted, reads
// degrade to misses, and writes are best effort. Callers never see an error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/game"
	"github.com/discochess/pitfall/internal/stats"
	"github.com/discochess/pitfall/internal/store"
)

// Key returns the cache key for a game analyzed from color's side.
func Key(gameID string, color game.Color) string {
	return gameID + "#" + string(color)
}

// Meta describes how an entry was produced.
type Meta struct {
	AnalyzedAt time.Time `json:"analyzed_at"`
	Depth      int       `json:"depth,omitempty"`
	Window     int       `json:"window,omitempty"`
	Threshold  int       `json:"threshold,omitempty"`
}

// entry is the stored form. Mistakes is never null for a stored entry; an
// empty list records a clean game.
type entry struct {
	Meta
	Mistakes []game.Mistake `json:"mistakes"`
}

// Option configures a Cache.
type Option func(*Cache)

// WithStats sets the stats collector.
func WithStats(c stats.Collector) Option {
	return func(ca *Cache) { ca.stats = c }
}

// WithLogger sets the logger. If not set, a no-op logger is used.
func WithLogger(l *zap.Logger) Option {
	return func(ca *Cache) { ca.logger = l }
}

// WithTimeout bounds each store call. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return func(ca *Cache) { ca.timeout = d }
}

// Cache is a keyed store of analysis results.
type Cache struct {
	store   store.Store
	stats   stats.Collector
	logger  *zap.Logger
	timeout time.Duration
}

// New creates a cache backed by s.
func New(s store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:  s,
		stats:  stats.NewNoop(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("cache")
	return c
}

// Get returns the cached mistakes for a game. The boolean reports a hit; a
// hit with an empty slice means the game was analyzed and found clean.
func (c *Cache) Get(ctx context.Context, gameID string, color game.Color) ([]game.Mistake, bool) {
	key := Key(gameID, color)
	ctx, cancel := c.bound(ctx)
	defer cancel()

	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.fault("get", key, err)
		}
		c.stats.IncCounter(stats.MetricCacheMisses, 1)
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.fault("decode", key, err)
		c.stats.IncCounter(stats.MetricCacheMisses, 1)
		return nil, false
	}
	if e.Mistakes == nil {
		e.Mistakes = []game.Mistake{}
	}

	c.stats.IncCounter(stats.MetricCacheHits, 1)
	return e.Mistakes, true
}

// Put records the analysis result for a game. mistakes may be empty.
func (c *Cache) Put(ctx context.Context, gameID string, color game.Color, mistakes []game.Mistake, meta Meta) {
	key := Key(gameID, color)
	if mistakes == nil {
		mistakes = []game.Mistake{}
	}
	if meta.AnalyzedAt.IsZero() {
		meta.AnalyzedAt = time.Now().UTC()
	}

	data, err := json.Marshal(entry{Meta: meta, Mistakes: mistakes})
	if err != nil {
		c.fault("encode", key, err)
		return
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()
	if err := c.store.Put(ctx, key, data); err != nil {
		c.fault("put", key, err)
	}
}

// Lookup splits games into cached results and games that still need
// analysis. Cached mistakes are returned in input order.
func (c *Cache) Lookup(ctx context.Context, games []game.Game) (cached []game.Mistake, missing []game.Game) {
	cached = []game.Mistake{}
	for _, g := range games {
		if m, ok := c.Get(ctx, g.ID, g.Color); ok {
			cached = append(cached, m...)
			continue
		}
		missing = append(missing, g)
	}
	return cached, missing
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Cache) fault(op, key string, err error) {
	c.stats.IncCounter(stats.MetricCacheErrors, 1)
	c.logger.Warn("cache fault ignored",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}
