package receipt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "receipt",
		Name:      "delivery_total",
		Help:      "Receipt delivery attempts by outcome.",
	}, []string{"outcome"})

	requeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "receipt",
		Name:      "requeued_total",
		Help:      "Stale receipt notifications handed back to the queue.",
	})
)
