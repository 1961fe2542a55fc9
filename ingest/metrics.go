package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var changesAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cowrite_ingest_changes_total",
	Help: "Count of changes accepted into the durable log.",
})

var changesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cowrite_ingest_rejected_total",
	Help: "Count of rejected changes, by reason.",
}, []string{"reason"})
