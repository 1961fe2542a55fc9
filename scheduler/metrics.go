package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mergeCycles = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cowrite_merge_cycles_total",
	Help: "Count of merge cycles, by outcome.",
}, []string{"status"})

var mergeFoldedChanges = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cowrite_merge_folded_changes_total",
	Help: "Count of logged changes folded into snapshots.",
})
