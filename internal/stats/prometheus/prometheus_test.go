package prometheus

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/discochess/pitfall/internal/stats"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func TestNew_DefaultRegistry(t *testing.T) {
	c := New(nil)
	if c.registry != prometheus.DefaultRegisterer {
		t.Error("registry should be the default registerer")
	}
}

func TestCollector_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.IncCounter(stats.MetricMistakesFound, 5)
	c.IncCounter(stats.MetricMistakesFound, 3)
	c.SetGauge(stats.MetricCacheSize, 42)
	c.ObserveHistogram(stats.MetricAnalyzeDuration, 1.5)
	c.ObserveHistogram(stats.MetricAnalyzeDuration, 12)

	counter := gather(t, reg, stats.MetricMistakesFound)
	if v := counter.GetMetric()[0].GetCounter().GetValue(); v != 8 {
		t.Errorf("counter value = %v, want 8", v)
	}
	if got := counter.GetHelp(); got != stats.Help(stats.MetricMistakesFound) {
		t.Errorf("help = %q", got)
	}

	gauge := gather(t, reg, stats.MetricCacheSize)
	if v := gauge.GetMetric()[0].GetGauge().GetValue(); v != 42 {
		t.Errorf("gauge value = %v, want 42", v)
	}

	hist := gather(t, reg, stats.MetricAnalyzeDuration).GetMetric()[0].GetHistogram()
	if hist.GetSampleCount() != 2 {
		t.Errorf("histogram count = %d, want 2", hist.GetSampleCount())
	}
	if len(hist.GetBucket()) != len(durationBuckets) {
		t.Errorf("histogram buckets = %d, want %d", len(hist.GetBucket()), len(durationBuckets))
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.IncCounter("concurrent_counter", 1)
				c.SetGauge("concurrent_gauge", int64(j))
				c.ObserveHistogram("concurrent_histogram", float64(j))
			}
		}()
	}
	wg.Wait()

	if v := gather(t, reg, "concurrent_counter").GetMetric()[0].GetCounter().GetValue(); v != 1000 {
		t.Errorf("counter value = %v, want 1000", v)
	}
	if n := gather(t, reg, "concurrent_histogram").GetMetric()[0].GetHistogram().GetSampleCount(); n != 1000 {
		t.Errorf("histogram count = %d, want 1000", n)
	}
}

func TestCollector_AlreadyRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	existing := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "preexisting_counter",
		Help: "preexisting_counter",
	})
	reg.MustRegister(existing)
	existing.Add(100)

	c := New(reg)
	c.IncCounter("preexisting_counter", 5)

	if v := gather(t, reg, "preexisting_counter").GetMetric()[0].GetCounter().GetValue(); v != 105 {
		t.Errorf("counter value = %v, want 105", v)
	}
}

func TestCollector_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.IncCounter(stats.MetricSubmissions, 1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), stats.MetricSubmissions+" 1") {
		t.Errorf("handler output missing %s:\n%s", stats.MetricSubmissions, body)
	}
}
