// Package metrics provides Prometheus instrumentation for OpenFleet.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics.
var (
	OnlineAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openfleet_online_agents",
		Help: "Number of currently connected agent sessions.",
	})

	SessionMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openfleet_session_messages_total",
		Help: "Total number of inbound agent session messages by type.",
	}, []string{"type"})
)

// Dispatch metrics.
var (
	TasksDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openfleet_tasks_dispatched_total",
		Help: "Total number of task dispatches.",
	})

	PushesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "openfleet_pushes_dropped_total",
		Help: "Total number of pushes dropped due to congested or missing sessions.",
	})
)
