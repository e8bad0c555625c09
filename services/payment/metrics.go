package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "payment",
		Name:      "checkout_total",
		Help:      "Checkout attempts by outcome.",
	}, []string{"kind", "outcome"})

	confirmTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "donations",
		Subsystem: "payment",
		Name:      "confirm_total",
		Help:      "Payment confirmations by outcome.",
	}, []string{"outcome"})

	gatewayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "donations",
		Subsystem: "payment",
		Name:      "gateway_order_seconds",
		Help:      "Latency of gateway order creation.",
		Buckets:   prometheus.DefBuckets,
	})
)
