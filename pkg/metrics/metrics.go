package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ActiveSessions tracks market sessions currently in the OPEN state
var ActiveSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "marketfeed_active_sessions",
		Help: "Number of open market websocket sessions",
	},
)

// FramesDropped counts outbound frames a session could not accept, by overflow policy
var FramesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketfeed_frames_dropped_total",
		Help: "Outbound frames dropped because a session buffer was full",
	},
	[]string{"policy"},
)

// TicksPublished counts ticks handed to the channel layer by the publisher
var TicksPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketfeed_ticks_published_total",
		Help: "Ticks sent to a broadcast group",
	},
	[]string{"symbol"},
)

// Deliveries counts group fan-out attempts by outcome (delivered, skipped)
var Deliveries = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketfeed_group_deliveries_total",
		Help: "Events delivered to group members",
	},
	[]string{"group", "outcome"},
)

func init() {
	prometheus.MustRegister(ActiveSessions, FramesDropped, TicksPublished, Deliveries)
}
