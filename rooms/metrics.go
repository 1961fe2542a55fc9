package rooms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var roomsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cowrite_rooms_created_total",
	Help: "Count of rooms created by a first member joining.",
})

var roomsRemoved = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cowrite_rooms_removed_total",
	Help: "Count of rooms removed by their last member leaving.",
})

var connectionsAdded = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cowrite_room_connections_added_total",
	Help: "Count of connections added to rooms.",
})

var connectionsRemoved = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cowrite_room_connections_removed_total",
	Help: "Count of connections removed from rooms.",
})

var broadcastFrames = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cowrite_broadcast_frames_total",
	Help: "Count of broadcast frame deliveries, by outcome.",
}, []string{"status"})
