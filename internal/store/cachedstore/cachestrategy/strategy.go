// Package cachestrategy defines cache eviction strategy interfaces.
package cachestrategy

// Strategy stores values by key and decides what to evict when full.
type Strategy interface {
	Get(key string) ([]byte, bool)
	// Add stores value and reports whether an eviction occurred.
	Add(key string, value []byte) bool
	Len() int
}
