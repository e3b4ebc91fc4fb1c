package discovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pairsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weave_pairs_processed_total",
		Help: "Repo pairs processed by the discovery engine.",
	})
	pairsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weave_pairs_skipped_total",
		Help: "Repo pairs skipped after exhausting comparator retries.",
	})
	weavesFoundTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weave_weaves_found_total",
		Help: "Weaves persisted by the discovery engine.",
	})
	comparatorRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weave_comparator_retries_total",
		Help: "Comparator invocations that failed and were retried.",
	})
	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weave_active_discovery_runs",
		Help: "Discovery runs currently executing in this process.",
	})
)
