// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AppendsTotal counts append attempts by outcome.
	AppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evently_appends_total",
		Help: "Append attempts by outcome.",
	}, []string{"outcome"})

	// NotificationsTotal counts upstream event notifications handled.
	NotificationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evently_notifications_total",
		Help: "Upstream event notifications handled.",
	})

	// SSEMessagesTotal counts SSE messages delivered to clients.
	SSEMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evently_sse_messages_total",
		Help: "SSE messages delivered to clients.",
	})

	// OpenChannels gauges currently open notification channels.
	OpenChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evently_open_channels",
		Help: "Currently open notification channels.",
	})

	// OpenStreams gauges currently attached SSE streams.
	OpenStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evently_open_sse_streams",
		Help: "Currently attached SSE streams.",
	})
)
