// README: Prometheus metrics for event streams and ride transitions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label cardinality is bounded: topics, states, and drop reasons are all
// small fixed enums. No user or match identifiers in labels.

var (
	// EventsDroppedTotal counts inbound push events discarded before they
	// reach the state machine, by topic and reason (malformed, inapplicable,
	// duplicate).
	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_events_dropped_total",
		Help: "Total inbound push events dropped, by topic and reason.",
	}, []string{"topic", "reason"})

	// EventsFilteredTotal counts events discarded by the identity filter.
	EventsFilteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_events_filtered_total",
		Help: "Total inbound push events for another actor's identity.",
	}, []string{"topic"})

	// StreamOpensTotal counts subscription opens, by topic.
	StreamOpensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_stream_opens_total",
		Help: "Total notification subscriptions opened, by topic.",
	}, []string{"topic"})

	// StreamErrorsTotal counts transport failures on open subscriptions.
	StreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_stream_errors_total",
		Help: "Total transport errors on notification subscriptions, by topic.",
	}, []string{"topic"})

	// TransitionsTotal counts ride state transitions actually applied.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carpool_ride_transitions_total",
		Help: "Total ride state transitions applied, by from and to state.",
	}, []string{"from", "to"})
)
