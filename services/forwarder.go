package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"powerwatch/config"
	"powerwatch/models"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const forwardBuffer = 512

// amqpPublisher is the part of *amqp.Channel the forwarder publishes through.
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// TelemetryForwarder republishes decoded readings to a topic exchange with
// routing key telemetry.<deviceId>.
type TelemetryForwarder struct {
	config   *config.Config
	logger   *zap.Logger
	readings chan models.Reading

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   amqpPublisher
	isClosing atomic.Bool
}

// NewTelemetryForwarder dials RabbitMQ, declares the exchange and keeps the
// connection alive until Close.
func NewTelemetryForwarder(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*TelemetryForwarder, error) {
	f := newTelemetryForwarder(cfg, logger, nil)
	if err := f.connect(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

func newTelemetryForwarder(cfg *config.Config, logger *zap.Logger, pub amqpPublisher) *TelemetryForwarder {
	return &TelemetryForwarder{
		config:   cfg,
		logger:   logger,
		readings: make(chan models.Reading, forwardBuffer),
		channel:  pub,
	}
}

// connect establishes connection to RabbitMQ and declares the exchange
func (f *TelemetryForwarder) connect(ctx context.Context) error {
	f.logger.Info("Connecting to RabbitMQ", zap.String("exchange", f.config.RabbitMQExchange))

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(f.config.RabbitMQURL)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.logger.Warn("Failed to connect to RabbitMQ",
				zap.Duration("retry_in", wait),
				zap.Error(err))
		}))
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		f.config.RabbitMQExchange, // name
		"topic",                   // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.channel = ch
	f.mu.Unlock()

	f.logger.Info("Connected to RabbitMQ", zap.String("exchange", f.config.RabbitMQExchange))

	go f.handleReconnect(conn)
	return nil
}

// handleReconnect redials after the broker closes the connection
func (f *TelemetryForwarder) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if f.isClosing.Load() {
		f.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	f.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))
	f.mu.Lock()
	f.channel = nil
	f.mu.Unlock()

	for !f.isClosing.Load() {
		f.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := f.connect(context.Background())
		if err == nil {
			f.logger.Info("Successfully reconnected to RabbitMQ")
			return
		}
		f.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

// Listener returns the adapter listener feeding decoded readings to the forwarder.
func (f *TelemetryForwarder) Listener() Listener {
	return func(u Update) {
		if u.Kind == UpdateReading && u.Reading != nil {
			f.Enqueue(*u.Reading)
		}
	}
}

// Enqueue hands a reading to Run without blocking; it is dropped when the buffer is full.
func (f *TelemetryForwarder) Enqueue(r models.Reading) bool {
	select {
	case f.readings <- r:
		return true
	default:
		forwardedTotal.WithLabelValues("dropped").Inc()
		f.logger.Warn("Forward buffer full, dropping reading", zap.String("device_id", r.DeviceID))
		return false
	}
}

// Run publishes queued readings until ctx is cancelled.
func (f *TelemetryForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Stopping telemetry forwarder")
			return
		case r := <-f.readings:
			if err := f.Publish(ctx, r); err != nil {
				forwardedTotal.WithLabelValues("failed").Inc()
				f.logger.Error("Failed to forward reading",
					zap.String("device_id", r.DeviceID),
					zap.Error(err))
				continue
			}
			forwardedTotal.WithLabelValues("ok").Inc()
		}
	}
}

// Publish sends one reading to the exchange.
func (f *TelemetryForwarder) Publish(ctx context.Context, r models.Reading) error {
	f.mu.RLock()
	ch := f.channel
	f.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("rabbitmq channel not available")
	}

	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(pubCtx,
		f.config.RabbitMQExchange, // exchange
		RoutingKey(r.DeviceID),    // routing key
		false,                     // mandatory
		false,                     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    r.Timestamp,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	f.logger.Debug("Forwarded reading", zap.String("device_id", r.DeviceID))
	return nil
}

// RoutingKey is the AMQP routing key readings of deviceID are published with.
func RoutingKey(deviceID string) string {
	return "telemetry." + deviceID
}

// Close gracefully closes RabbitMQ connection
func (f *TelemetryForwarder) Close() error {
	f.isClosing.Store(true)
	f.logger.Info("Closing RabbitMQ connection")

	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.channel = nil
	f.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			f.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}
	f.logger.Info("RabbitMQ connection closed")
	return nil
}
