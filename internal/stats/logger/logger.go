// Package logger provides a zap-based stats collector that logs metrics and
// keeps running totals for end-of-run summaries.
package logger

import (
	"maps"
	"sync"

	"go.uber.org/zap"

	"github.com/discochess/pitfall/internal/stats"
)

// Collector implements stats.Collector by logging metrics via zap.
type Collector struct {
	logger *zap.Logger

	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]int64
}

var _ stats.Collector = (*Collector)(nil)

// New creates a new logger-based collector.
// If logger is nil, a no-op logger is used.
func New(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		logger:   logger.Named("stats"),
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
	}
}

// IncCounter logs a counter increment.
func (c *Collector) IncCounter(name string, delta int64) {
	c.mu.Lock()
	c.counters[name] += delta
	total := c.counters[name]
	c.mu.Unlock()

	c.logger.Debug("counter",
		zap.String("metric", name),
		zap.Int64("delta", delta),
		zap.Int64("total", total),
	)
}

// SetGauge logs a gauge value.
func (c *Collector) SetGauge(name string, value int64) {
	c.mu.Lock()
	c.gauges[name] = value
	c.mu.Unlock()

	c.logger.Debug("gauge",
		zap.String("metric", name),
		zap.Int64("value", value),
	)
}

// ObserveHistogram logs a histogram observation.
func (c *Collector) ObserveHistogram(name string, value float64) {
	c.logger.Debug("histogram",
		zap.String("metric", name),
		zap.Float64("value", value),
	)
}

// Counters returns a copy of the counter totals.
func (c *Collector) Counters() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.counters)
}

// Counter returns the total for one counter.
func (c *Collector) Counter(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Summary logs every counter total at info level.
func (c *Collector) Summary(msg string) {
	c.mu.Lock()
	fields := make([]zap.Field, 0, len(c.counters)+len(c.gauges))
	for name, v := range c.counters {
		fields = append(fields, zap.Int64(name, v))
	}
	for name, v := range c.gauges {
		fields = append(fields, zap.Int64(name, v))
	}
	c.mu.Unlock()
	c.logger.Info(msg, fields...)
}
