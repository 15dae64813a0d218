package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"powerwatch/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// CheckBroker opens a throwaway connection with the current broker config and
// closes it right away. No topics are subscribed and the adapter's own
// connection, state and listeners are left alone.
func (a *TelemetryAdapter) CheckBroker(ctx context.Context) models.BrokerCheck {
	var result models.BrokerCheck

	bc, err := a.provider.BrokerConfig(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("failed to get broker config: %v", err)
		return result
	}

	protocol := bc.Scheme
	if protocol == "" {
		protocol = "wss"
	}
	if bc.Secure() {
		protocol += " (TLS)"
	}
	result.Details = models.BrokerCheckDetails{
		Host:        bc.Host,
		Port:        bc.Port,
		Protocol:    protocol,
		HasUsername: bc.Username != "",
		HasPassword: bc.Password != "",
	}
	if err := bc.Validate(); err != nil {
		result.Error = fmt.Sprintf("invalid broker config: %v", err)
		return result
	}

	brokerURL := bc.BrokerURL()
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("%s_check_%s", a.cfg.MQTTClientPrefix, randomHex(8)))
	opts.SetUsername(bc.Username)
	opts.SetPassword(bc.Password)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(a.cfg.MQTTConnectTimeout)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if bc.Secure() {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	start := time.Now()
	client := a.newClient(opts)
	if err := waitToken(ctx, client.Connect(), a.cfg.MQTTConnectTimeout); err != nil {
		client.Disconnect(0)
		a.logger.Warn("Broker check failed",
			zap.String("broker", brokerURL),
			zap.Error(err))
		result.Error = fmt.Sprintf("failed to connect to %s: %v", brokerURL, err)
		return result
	}
	client.Disconnect(0)

	result.Success = true
	result.Message = "Connected to MQTT broker and disconnected cleanly"
	result.Details.LatencyMs = time.Since(start).Milliseconds()
	a.logger.Info("Broker check succeeded",
		zap.String("broker", brokerURL),
		zap.Int64("latency_ms", result.Details.LatencyMs))
	return result
}
