package transaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transactionsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "transactions_sent",
		Namespace: "hsec_client",
		Help:      "number of requests sent to the hub",
	}, []string{"op"})
	timeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "transaction_timeouts",
		Namespace: "hsec_client",
		Help:      "number of requests that got no answer in time",
	}, []string{"op"})
	orphanResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "orphan_responses",
		Namespace: "hsec_client",
		Help:      "number of responses matching no pending request",
	})
	idCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "transaction_id_collisions",
		Namespace: "hsec_client",
		Help:      "number of generated ids discarded because they were in use",
	})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "transactions_pending",
		Namespace: "hsec_client",
		Help:      "number of requests awaiting a response",
	})
	roundTrip = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "transaction_round_trip_seconds",
		Namespace: "hsec_client",
		Help:      "time from request to matching response",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"op"})
)
