package distribution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "distribution",
		Name:      "allocation_total",
		Help:      "Batch allocation outcomes.",
	}, []string{"outcome"})

	statusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "distribution",
		Name:      "item_status_total",
		Help:      "Fulfillment status updates by target status and outcome.",
	}, []string{"status", "outcome"})

	stickersExported = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "distribution",
		Name:      "stickers_exported_total",
		Help:      "Sticker records produced by bulk export.",
	})
)
