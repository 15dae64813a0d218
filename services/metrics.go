package services

import (
	"powerwatch/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerwatch",
		Name:      "mqtt_messages_total",
		Help:      "Broker messages handled, by outcome (decoded, opaque, dropped).",
	}, []string{"outcome"})

	subscribeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powerwatch",
		Name:      "mqtt_subscribe_failures_total",
		Help:      "Topic subscriptions rejected or timed out.",
	})

	reconnectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "powerwatch",
		Name:      "mqtt_reconnect_attempts_total",
		Help:      "Reconnect attempts made after an unexpected drop.",
	})

	connectionStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "powerwatch",
		Name:      "mqtt_connection_state",
		Help:      "1 for the current connection state, 0 otherwise.",
	}, []string{"state"})

	historyEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "powerwatch",
		Name:      "history_entries",
		Help:      "Entries currently held in the history log.",
	})

	forwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "powerwatch",
		Name:      "forwarded_readings_total",
		Help:      "Readings forwarded to AMQP, by result.",
	}, []string{"result"})
)

func recordState(state models.ConnectionState) {
	for _, s := range []models.ConnectionState{
		models.StateDisconnected,
		models.StateConnecting,
		models.StateConnected,
		models.StateError,
	} {
		v := 0.0
		if s == state {
			v = 1
		}
		connectionStateGauge.WithLabelValues(string(s)).Set(v)
	}
}
