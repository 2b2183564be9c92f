package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsByState tracks the number of simulated sessions in each lifecycle state.
	SessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simulator_sessions",
		Help: "Number of simulated charge point sessions, labeled by state.",
	}, []string{"state"})

	// FramesSent counts OCPP frames written to the wire, labeled by action.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_frames_sent_total",
		Help: "Total number of OCPP frames sent to the CSMS.",
	}, []string{"action"})

	// FramesReceived counts OCPP frames read from the wire, labeled by action.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_frames_received_total",
		Help: "Total number of OCPP frames received from the CSMS.",
	}, []string{"action"})

	// CallErrors counts CALLERROR frames, labeled by error code and direction.
	CallErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_call_errors_total",
		Help: "Total number of CALLERROR frames, labeled by error code and direction.",
	}, []string{"error_code", "direction"})

	// CallTimeouts counts outbound calls that never got a reply within the deadline.
	CallTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_call_timeouts_total",
		Help: "Total number of outbound calls that timed out.",
	})

	// Reconnects counts reconnect attempts across all sessions.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_reconnects_total",
		Help: "Total number of reconnect attempts.",
	})

	// CallRTT observes the round-trip time of outbound calls.
	CallRTT = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simulator_call_rtt_seconds",
		Help:    "Histogram of outbound call round-trip times.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
	}, []string{"action"})

	// ActiveProfiles tracks the number of charging profiles installed across all sessions.
	ActiveProfiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_charging_profiles_active",
		Help: "Number of charging profiles currently installed.",
	})

	// EventsExported counts events published to the message broker, labeled by topic.
	EventsExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_events_exported_total",
		Help: "Total number of events exported to the message broker.",
	}, []string{"topic"})

	// ControlCommands counts control plane commands processed, labeled by command and outcome.
	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_control_commands_total",
		Help: "Total number of control commands processed.",
	}, []string{"command", "outcome"})
)
