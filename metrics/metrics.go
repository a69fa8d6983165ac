// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var KeysDerived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keys_derived_total",
		Help: "Scalars derived to public keys, by producer",
	},
	[]string{"producer"},
)

var BatchesProduced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "batches_produced_total",
		Help: "Batches pushed into the consumer queue, by producer",
	},
	[]string{"producer"},
)

var BatchesDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "batches_dropped_total",
		Help: "Batches dropped after a failed derivation, by producer",
	},
	[]string{"producer"},
)

var BatchesConsumed = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "batches_consumed_total",
		Help: "Batches hashed and matched by the consumer",
	},
)

var Hits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hits_total",
		Help: "Hit records written to the sink, by kind (store, vanity)",
	},
	[]string{"kind"},
)

var QueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "batch_queue_depth",
		Help: "Batches currently waiting in the bounded queue",
	},
)

var ImportedLines = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "import_lines_total",
		Help: "Address dump lines imported into the store",
	},
)

var SkippedLines = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "import_lines_skipped_total",
		Help: "Address dump lines not imported, by reason (skipped, failed)",
	},
	[]string{"reason"},
)
