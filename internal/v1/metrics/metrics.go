package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the conference focus.
//
// Naming convention: namespace_subsystem_name
// - namespace: focus (application-level grouping)
// - subsystem: conference, bridge, queue, auth (feature-level grouping)
//
// Gauges hold current state, counters cumulative events, histograms
// latency distributions.

var (
	// ActiveConferences tracks the current number of live conferences.
	ActiveConferences = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "conference",
		Name:      "conferences_active",
		Help:      "Current number of active conferences",
	})

	// ConferenceParticipants tracks participants per conference.
	ConferenceParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "conference",
		Name:      "participants_count",
		Help:      "Number of participants in each conference",
	}, []string{"room"})

	// ConferencesCreated counts conference creations since start.
	ConferencesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "conference",
		Name:      "created_total",
		Help:      "Total conferences created",
	})

	// BridgeCount tracks the size of the bridge registry.
	BridgeCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "bridge",
		Name:      "registry_size",
		Help:      "Number of bridges in the registry",
	})

	// BridgeStress mirrors the last reported stress per bridge.
	BridgeStress = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "bridge",
		Name:      "stress",
		Help:      "Last reported stress per bridge",
	}, []string{"bridge"})

	// BridgeFailures counts failure reports per bridge.
	BridgeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "bridge",
		Name:      "failures_total",
		Help:      "Total bridge failure reports",
	}, []string{"bridge"})

	// StanzasProcessed counts routed request stanzas by element and outcome.
	StanzasProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "queue",
		Name:      "stanzas_total",
		Help:      "Total request stanzas processed",
	}, []string{"element", "status"})

	// QueueDepth tracks the per-conference queue backlog.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending stanzas per conference queue",
	}, []string{"room"})

	// QueueDropped counts stanzas rejected because a queue was full.
	QueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "queue",
		Name:      "dropped_total",
		Help:      "Total stanzas rejected with resource-constraint",
	})

	// StanzaProcessingDuration tracks handler latency by element.
	StanzaProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "focus",
		Subsystem: "queue",
		Name:      "processing_seconds",
		Help:      "Time spent handling request stanzas",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
	}, []string{"element"})

	// AuthSessions tracks live authentication sessions.
	AuthSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "auth",
		Name:      "sessions_active",
		Help:      "Current number of live auth sessions",
	})

	// CircuitBreakerState mirrors breaker state per backend
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "focus",
		Subsystem: "backend",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per external backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// ReservationRequests counts reservation backend calls by outcome.
	ReservationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "backend",
		Name:      "reservation_requests_total",
		Help:      "Total reservation backend requests",
	}, []string{"operation", "status"})

	// RateLimitExceeded counts rejected rate-limited calls.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "focus",
		Subsystem: "queue",
		Name:      "rate_limited_total",
		Help:      "Total requests rejected by a rate limiter",
	}, []string{"endpoint", "limit_type"})
)
