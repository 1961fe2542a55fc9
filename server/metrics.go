package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cowrite_ws_sessions_total",
	Help: "Count of collaboration sessions started.",
})

var sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "cowrite_ws_sessions_active",
	Help: "Number of collaboration sessions currently live.",
})
