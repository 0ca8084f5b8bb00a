package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_bridge_commands_total",
			Help: "Outbox command outcomes",
		},
		[]string{"outcome"}, // committed|reconciled|retry_scheduled|dead|conflict|lease_expired
	)

	CommandsClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_bridge_claimed_total",
			Help: "Commands claimed from the outbox",
		},
	)

	SubmitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledger_bridge_submit_seconds",
			Help:    "Ledger submission latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_bridge_events_total",
			Help: "Projected event outcomes per stream",
		},
		[]string{"stream", "outcome"}, // applied|duplicate|dead_lettered|halted|unknown
	)

	CheckpointPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_bridge_checkpoint_position",
			Help: "Last committed checkpoint position per stream",
		},
		[]string{"stream"},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_bridge_dead_letters_total",
			Help: "Dead-letter entries written",
		},
		[]string{"source"}, // COMMAND|EVENT
	)

	LeaderState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_bridge_projector_leader",
			Help: "1 while this process holds the projector lease of a stream",
		},
		[]string{"stream"},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		CommandsTotal,
		CommandsClaimed,
		SubmitSeconds,
		EventsTotal,
		CheckpointPosition,
		DeadLettersTotal,
		LeaderState,
	)
}
