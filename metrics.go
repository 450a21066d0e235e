package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts what the sync engine does. Collectors are always live;
// they are only exported when NewMetrics is given a registerer.
type Metrics struct {
	EventsReceived     *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	DuplicatesAbsorbed prometheus.Counter
	MessagesSent       *prometheus.CounterVec
	SendFailures       *prometheus.CounterVec
	Reconnects         prometheus.Counter
	StateTransitions   *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_received_total",
			Help:      "Inbound events by type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped, by reason.",
		}, []string{"reason"}),
		DuplicatesAbsorbed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicates_absorbed_total",
			Help:      "Redelivered messages ignored by the synchronizer.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by path (transport or rest).",
		}, []string{"path"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "send_failures_total",
			Help:      "Messages that ended in the failed state, by reason.",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnects_total",
			Help:      "Successful automatic reconnects.",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsReceived,
			m.EventsDropped,
			m.DuplicatesAbsorbed,
			m.MessagesSent,
			m.SendFailures,
			m.Reconnects,
			m.StateTransitions,
		)
	}
	return m
}
