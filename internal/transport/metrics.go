package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "connect_attempts",
		Namespace: "hsec_client",
		Help:      "number of hub connection attempts by result",
	}, []string{"result"})
	sessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "session_state",
		Namespace: "hsec_client",
		Help:      "current session state (0 disconnected, 1 connecting, 2 open, 3 closing, 4 failed)",
	})
	framesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "frames_received",
		Namespace: "hsec_client",
		Help:      "number of inbound websocket messages",
	})
	framesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "frames_sent",
		Namespace: "hsec_client",
		Help:      "number of outbound websocket messages",
	})
)
