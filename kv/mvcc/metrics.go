package mvcc

import "github.com/prometheus/client_golang/prometheus"

var (
	beginsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unikv",
		Subsystem: "txn",
		Name:      "begins_total",
		Help:      "Transactions started.",
	})
	commitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unikv",
		Subsystem: "txn",
		Name:      "commits_total",
		Help:      "Transactions committed.",
	})
	conflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "unikv",
		Subsystem: "txn",
		Name:      "conflicts_total",
		Help:      "Commits failed with a write-write conflict.",
	})
)

func init() {
	prometheus.MustRegister(beginsTotal, commitsTotal, conflictsTotal)
}
