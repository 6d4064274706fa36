package stats

// Noop is a no-op collector that discards all metrics.
type Noop struct{}

var _ Collector = (*Noop)(nil)

// NewNoop creates a new no-op collector.
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) IncCounter(string, int64)         {}
func (n *Noop) SetGauge(string, int64)           {}
func (n *Noop) ObserveHistogram(string, float64) {}
