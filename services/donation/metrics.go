package donation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "recorder",
		Name:      "recorded_total",
		Help:      "Donations recorded, by contribution kind.",
	}, []string{"kind"})

	recordFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "recorder",
		Name:      "failures_total",
		Help:      "Recorder failures by reason.",
	}, []string{"reason"})

	replayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "recorder",
		Name:      "replayed_total",
		Help:      "Duplicate confirmations answered with an existing donation.",
	})

	raisedAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "recorder",
		Name:      "raised_amount",
		Help:      "Amount applied to campaign totals, in major currency units.",
	}, []string{"currency"})
)
