package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Push event outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeUnknown   = "unknown"
	OutcomeStale     = "stale"
)

// Metrics holds the collectors shared by the chat components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ReconnectAttempts prometheus.Counter
	StateTransitions  *prometheus.CounterVec
	PushEvents        *prometheus.CounterVec
	TypingSignals     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect cycles scheduled by the connection manager.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		PushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "push_events_total",
			Help:      "Push events processed by the reconciler.",
		}, []string{"event", "outcome"}),
		TypingSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "typing_signals_total",
			Help:      "Outbound typing signals.",
		}, []string{"signal"}),
	}
	if reg != nil {
		reg.MustRegister(m.ReconnectAttempts, m.StateTransitions, m.PushEvents, m.TypingSignals)
	}
	return m
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) State(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Push(event, outcome string) {
	if m == nil {
		return
	}
	m.PushEvents.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) Typing(signal string) {
	if m == nil {
		return
	}
	m.TypingSignals.WithLabelValues(signal).Inc()
}
