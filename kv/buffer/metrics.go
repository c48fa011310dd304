package buffer

import "github.com/prometheus/client_golang/prometheus"

var (
	fetchHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unikv",
		Subsystem: "bufferpool",
		Name:      "fetch_hits_total",
		Help:      "Page fetches served from the pool.",
	})
	fetchMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unikv",
		Subsystem: "bufferpool",
		Name:      "fetch_misses_total",
		Help:      "Page fetches that had to read the volume file.",
	})
	evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unikv",
		Subsystem: "bufferpool",
		Name:      "evictions_total",
		Help:      "Frames reclaimed from the pool.",
	})
	flushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unikv",
		Subsystem: "bufferpool",
		Name:      "flushes_total",
		Help:      "Dirty pages written back to volume files.",
	})
	exhaustions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unikv",
		Subsystem: "bufferpool",
		Name:      "exhaustions_total",
		Help:      "Fetches failed because every frame was pinned.",
	})
)

func init() {
	prometheus.MustRegister(fetchHits, fetchMisses, evictions, flushes, exhaustions)
}
