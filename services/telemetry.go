package services

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"powerwatch/config"
	"powerwatch/models"

	"github.com/cenkalti/backoff/v5"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrReconnectExhausted is recorded when the reconnect policy gives up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrConnectCancelled is returned when Disconnect races an in-flight connect.
	ErrConnectCancelled = errors.New("connect cancelled")
)

// ClientFactory builds the MQTT client for one connection attempt.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// UpdateKind tells listeners what changed
type UpdateKind string

const (
	UpdateReading UpdateKind = "reading"
	UpdateOpaque  UpdateKind = "opaque"
	UpdateStatus  UpdateKind = "status"
)

// Update is delivered to listeners after a message is applied or the
// connection state changes.
type Update struct {
	Kind    UpdateKind
	Entry   models.HistoryEntry
	Reading *models.Reading
	Status  *models.ConnectionStatus
}

// Listener receives adapter updates. It must not block.
type Listener func(Update)

type AdapterOption func(*TelemetryAdapter)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f ClientFactory) AdapterOption {
	return func(a *TelemetryAdapter) { a.newClient = f }
}

// WithEnqueueTimeout bounds how long a delivery waits for queue space before it is dropped.
func WithEnqueueTimeout(d time.Duration) AdapterOption {
	return func(a *TelemetryAdapter) { a.enqueueTimeout = d }
}

// TelemetryAdapter owns one broker connection, the latest-value cache and the
// history log. Deliveries are queued and applied by a single consumer (Run),
// so messages are processed one at a time in arrival order.
type TelemetryAdapter struct {
	cfg            *config.Config
	provider       BrokerConfigProvider
	logger         *zap.Logger
	newClient      ClientFactory
	policy         ReconnectPolicy
	enqueueTimeout time.Duration
	now            func() time.Time

	history *HistoryLog
	latest  *LatestStore
	queue   chan models.IncomingMessage

	mu                sync.Mutex
	client            mqtt.Client
	generation        uint64
	state             models.ConnectionState
	lastErr           string
	broker            string
	clientID          string
	topics            []string
	connectedAt       time.Time
	reconnectAttempts int
	stopReconnect     context.CancelFunc

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewTelemetryAdapter creates a disconnected adapter subscribed to topics once connected
func NewTelemetryAdapter(cfg *config.Config, provider BrokerConfigProvider, logger *zap.Logger, topics []string, opts ...AdapterOption) *TelemetryAdapter {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	enqueueTimeout := cfg.EnqueueTimeout
	if enqueueTimeout <= 0 {
		enqueueTimeout = 5 * time.Second
	}

	a := &TelemetryAdapter{
		cfg:            cfg,
		provider:       provider,
		logger:         logger,
		newClient:      mqtt.NewClient,
		policy:         NewReconnectPolicy(cfg),
		enqueueTimeout: enqueueTimeout,
		now:            time.Now,
		history:        NewHistoryLog(cfg.HistoryLimit),
		latest:         NewLatestStore(),
		queue:          make(chan models.IncomingMessage, queueSize),
		state:          models.StateDisconnected,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.topics = mergeTopics(nil, topics)
	recordState(a.state)
	return a
}

// Run applies queued messages until ctx is cancelled.
func (a *TelemetryAdapter) Run(ctx context.Context) {
	a.logger.Info("Starting telemetry dispatcher",
		zap.Int("queue_size", cap(a.queue)),
		zap.Int("history_limit", a.history.Limit()))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Telemetry dispatcher stopped")
			return
		case msg := <-a.queue:
			a.apply(msg)
		}
	}
}

// Connect opens the broker connection and subscribes to every known topic.
// It is a no-op while a connection is active or being established. Errors are
// also kept for LastError and never escape as panics.
func (a *TelemetryAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state == models.StateConnected || a.state == models.StateConnecting {
		a.mu.Unlock()
		return nil
	}
	a.cancelReconnectLocked()
	a.reconnectAttempts = 0
	gen := a.beginAttemptLocked()
	a.mu.Unlock()
	a.emitStatus()

	if err := a.dial(ctx, gen); err != nil {
		a.failAttempt(gen, err)
		return err
	}
	return nil
}

// Disconnect closes the connection immediately and stops any reconnect loop.
// Calling it without an active connection does nothing.
func (a *TelemetryAdapter) Disconnect() {
	a.mu.Lock()
	client := a.client
	a.client = nil
	a.cancelReconnectLocked()
	prev := a.state
	a.generation++
	a.state = models.StateDisconnected
	a.connectedAt = time.Time{}
	a.reconnectAttempts = 0
	a.mu.Unlock()

	if client != nil {
		client.Disconnect(0)
	}
	if prev != models.StateDisconnected {
		recordState(models.StateDisconnected)
		a.logger.Info("Disconnected from MQTT broker", zap.String("previous_state", string(prev)))
		a.emitStatus()
	}
}

// Subscribe adds topics to the subscription set. When connected they are
// subscribed right away; each topic succeeds or fails on its own.
func (a *TelemetryAdapter) Subscribe(topics []string) error {
	a.mu.Lock()
	added := newTopics(a.topics, topics)
	a.topics = mergeTopics(a.topics, added)
	client, gen := a.client, a.generation
	a.mu.Unlock()

	if client == nil || len(added) == 0 {
		return nil
	}
	return a.subscribeAll(client, gen, added)
}

// Unsubscribe removes topics from the subscription set.
func (a *TelemetryAdapter) Unsubscribe(topics []string) error {
	a.mu.Lock()
	var removed []string
	kept := a.topics[:0:0]
	for _, t := range a.topics {
		if containsTopic(topics, t) {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	a.topics = kept
	client := a.client
	a.mu.Unlock()

	if client == nil || len(removed) == 0 {
		return nil
	}
	token := client.Unsubscribe(removed...)
	if err := waitToken(context.Background(), token, a.cfg.MQTTConnectTimeout); err != nil {
		a.logger.Warn("Failed to unsubscribe", zap.Strings("topics", removed), zap.Error(err))
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// AddListener registers l for every subsequent update.
func (a *TelemetryAdapter) AddListener(l Listener) {
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, l)
	a.listenersMu.Unlock()
}

func (a *TelemetryAdapter) State() models.ConnectionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the most recent captured error, empty if none.
func (a *TelemetryAdapter) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *TelemetryAdapter) Status() models.ConnectionStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusLocked()
}

func (a *TelemetryAdapter) Latest(deviceID string) (models.Reading, bool) {
	return a.latest.Get(deviceID)
}

func (a *TelemetryAdapter) LatestAll() []models.Reading {
	return a.latest.All()
}

// History returns the device's entries, newest first.
func (a *TelemetryAdapter) History(deviceID string) []models.HistoryEntry {
	return a.history.ForDevice(deviceID)
}

func (a *TelemetryAdapter) HistoryAll() []models.HistoryEntry {
	return a.history.All()
}

// ClearHistory empties the history log. The latest-value cache is untouched.
func (a *TelemetryAdapter) ClearHistory() {
	a.history.Clear()
	historyEntries.Set(0)
}

// ClearLatest empties the latest-value cache. The history log is untouched.
func (a *TelemetryAdapter) ClearLatest() {
	a.latest.Clear()
}

func (a *TelemetryAdapter) beginAttemptLocked() uint64 {
	a.generation++
	a.state = models.StateConnecting
	a.lastErr = ""
	recordState(a.state)
	return a.generation
}

func (a *TelemetryAdapter) cancelReconnectLocked() {
	if a.stopReconnect != nil {
		a.stopReconnect()
		a.stopReconnect = nil
	}
}

// dial runs one connection attempt for generation gen.
func (a *TelemetryAdapter) dial(ctx context.Context, gen uint64) error {
	bc, err := a.provider.BrokerConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to get broker config: %w", err)
	}
	if err := bc.Validate(); err != nil {
		return fmt.Errorf("invalid broker config: %w", err)
	}

	brokerURL := bc.BrokerURL()
	clientID := fmt.Sprintf("%s_%s", a.cfg.MQTTClientPrefix, randomHex(8))
	opts := a.clientOptions(bc, brokerURL, clientID, gen)

	a.logger.Info("Connecting to MQTT broker",
		zap.String("broker", brokerURL),
		zap.String("client_id", clientID))

	client := a.newClient(opts)
	if err := waitToken(ctx, client.Connect(), a.cfg.MQTTConnectTimeout); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("failed to connect to %s: %w", brokerURL, err)
	}

	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		client.Disconnect(0)
		return ErrConnectCancelled
	}
	a.client = client
	a.state = models.StateConnected
	a.lastErr = ""
	a.broker = brokerURL
	a.clientID = clientID
	a.connectedAt = a.now()
	a.reconnectAttempts = 0
	topics := append([]string(nil), a.topics...)
	a.mu.Unlock()

	recordState(models.StateConnected)
	a.logger.Info("Connected to MQTT broker",
		zap.String("broker", brokerURL),
		zap.Int("topics", len(topics)))
	a.emitStatus()

	if err := a.subscribeAll(client, gen, topics); err != nil {
		a.logger.Warn("Some topic subscriptions failed", zap.Error(err))
	}
	return nil
}

func (a *TelemetryAdapter) clientOptions(bc *models.BrokerConfig, brokerURL, clientID string, gen uint64) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetUsername(bc.Username)
	opts.SetPassword(bc.Password)
	opts.SetCleanSession(a.cfg.MQTTCleanSession)
	opts.SetConnectTimeout(a.cfg.MQTTConnectTimeout)
	opts.SetKeepAlive(a.cfg.MQTTKeepAlive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(true)
	// reconnects are driven by ReconnectPolicy, not by paho
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if bc.Secure() {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.handleConnectionLost(gen, err)
	})
	return opts
}

func (a *TelemetryAdapter) subscribeAll(client mqtt.Client, gen uint64, topics []string) error {
	var errs []error
	for _, topic := range topics {
		token := client.Subscribe(topic, a.cfg.MQTTQoS, a.messageHandler(gen))
		if err := waitToken(context.Background(), token, a.cfg.MQTTConnectTimeout); err != nil {
			subscribeFailures.Inc()
			a.logger.Error("Failed to subscribe",
				zap.String("topic", topic),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("subscribe %s: %w", topic, err))
			continue
		}
		a.logger.Info("Subscribed to topic", zap.String("topic", topic))
	}
	return errors.Join(errs...)
}

// messageHandler drops deliveries from any client other than the current one,
// so a replaced connection can never feed duplicates.
func (a *TelemetryAdapter) messageHandler(gen uint64) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		a.mu.Lock()
		current := gen == a.generation
		a.mu.Unlock()
		if !current {
			return
		}
		a.onMessage(msg.Topic(), msg.Payload())
	}
}

// onMessage queues a delivery for the dispatcher.
func (a *TelemetryAdapter) onMessage(topic string, payload []byte) {
	msg := models.IncomingMessage{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: a.now(),
	}

	select {
	case a.queue <- msg:
		return
	default:
	}

	timer := time.NewTimer(a.enqueueTimeout)
	defer timer.Stop()
	select {
	case a.queue <- msg:
	case <-timer.C:
		messagesTotal.WithLabelValues("dropped").Inc()
		a.logger.Error("Dropping message, dispatcher queue full",
			zap.String("topic", topic),
			zap.Int("queue_size", cap(a.queue)))
	}
}

// apply decodes one message and updates the stores. Undecodable payloads are
// still recorded in history with the raw payload.
func (a *TelemetryAdapter) apply(msg models.IncomingMessage) {
	deviceID := models.DeviceIDFromTopic(msg.Topic)
	entry := models.HistoryEntry{
		ID:        newEntryID(deviceID, msg.ReceivedAt),
		DeviceID:  deviceID,
		Topic:     msg.Topic,
		Timestamp: msg.ReceivedAt,
	}

	metrics, err := models.DecodeMetrics(msg.Payload)
	if err != nil {
		entry.Raw = string(msg.Payload)
		a.history.Add(entry)
		historyEntries.Set(float64(a.history.Len()))
		messagesTotal.WithLabelValues("opaque").Inc()

		a.logger.Warn("Failed to parse MQTT message",
			zap.String("topic", msg.Topic),
			zap.String("device_id", deviceID),
			zap.Int("payload_bytes", len(msg.Payload)),
			zap.Error(err))
		a.emit(Update{Kind: UpdateOpaque, Entry: entry})
		return
	}

	entry.Decoded = true
	entry.Metrics = &metrics
	reading := models.Reading{
		DeviceID:  deviceID,
		Topic:     msg.Topic,
		Metrics:   metrics,
		Timestamp: msg.ReceivedAt,
	}

	a.latest.Set(reading)
	a.history.Add(entry)
	historyEntries.Set(float64(a.history.Len()))
	messagesTotal.WithLabelValues("decoded").Inc()

	a.logger.Debug("Received device metrics",
		zap.String("device_id", deviceID),
		zap.String("topic", msg.Topic),
		zap.Float64("current", metrics.Current),
		zap.Float64("voltage", metrics.Voltage),
		zap.Float64("frequency", metrics.Frequency),
		zap.Float64("power", metrics.Power),
		zap.Float64("energy", metrics.Energy),
		zap.Float64("power_factor", metrics.PowerFactor))
	a.emit(Update{Kind: UpdateReading, Entry: entry, Reading: &reading})
}

func (a *TelemetryAdapter) failAttempt(gen uint64, err error) {
	a.mu.Lock()
	if gen != a.generation {
		a.mu.Unlock()
		return
	}
	a.client = nil
	a.state = models.StateError
	a.lastErr = err.Error()
	a.mu.Unlock()

	recordState(models.StateError)
	a.logger.Error("MQTT connection error", zap.Error(err))
	a.emitStatus()
}

func (a *TelemetryAdapter) handleConnectionLost(gen uint64, err error) {
	a.mu.Lock()
	if gen != a.generation || a.state != models.StateConnected {
		a.mu.Unlock()
		return
	}
	a.client = nil
	a.state = models.StateError
	if err != nil {
		a.lastErr = err.Error()
	} else {
		a.lastErr = "connection lost"
	}
	a.connectedAt = time.Time{}

	var loopCtx context.Context
	if a.policy.Enabled() {
		var cancel context.CancelFunc
		loopCtx, cancel = context.WithCancel(context.Background())
		a.stopReconnect = cancel
	}
	a.mu.Unlock()

	recordState(models.StateError)
	a.logger.Error("MQTT connection lost", zap.Error(err))
	a.emitStatus()

	if loopCtx != nil {
		go a.reconnectLoop(loopCtx)
	}
}

// reconnectLoop retries per the policy until connected, cancelled or exhausted.
func (a *TelemetryAdapter) reconnectLoop(ctx context.Context) {
	schedule := a.policy.NewBackOff()
	var lastErr error

	for attempt := 1; ; attempt++ {
		wait := schedule.NextBackOff()
		if a.policy.Exhausted(attempt) || wait == backoff.Stop {
			a.giveUp(ctx, attempt-1, lastErr)
			return
		}

		a.logger.Info("Scheduling MQTT reconnect",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", a.policy.MaxAttempts),
			zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		a.mu.Lock()
		if ctx.Err() != nil {
			a.mu.Unlock()
			return
		}
		a.reconnectAttempts = attempt
		gen := a.beginAttemptLocked()
		a.mu.Unlock()
		reconnectAttemptsTotal.Inc()
		a.emitStatus()

		lastErr = a.dial(ctx, gen)
		if lastErr == nil {
			a.mu.Lock()
			if a.generation == gen && a.stopReconnect != nil {
				a.stopReconnect()
				a.stopReconnect = nil
			}
			a.mu.Unlock()
			return
		}
		if errors.Is(lastErr, ErrConnectCancelled) || ctx.Err() != nil {
			return
		}
		a.failAttempt(gen, lastErr)
	}
}

func (a *TelemetryAdapter) giveUp(ctx context.Context, attempts int, lastErr error) {
	a.mu.Lock()
	if ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	a.stopReconnect = nil
	a.generation++
	a.state = models.StateDisconnected
	a.lastErr = ErrReconnectExhausted.Error()
	if lastErr != nil {
		a.lastErr = fmt.Sprintf("%s: %v", ErrReconnectExhausted, lastErr)
	}
	a.mu.Unlock()

	recordState(models.StateDisconnected)
	a.logger.Error("Giving up on MQTT reconnect",
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	a.emitStatus()
}

func (a *TelemetryAdapter) statusLocked() models.ConnectionStatus {
	st := models.ConnectionStatus{
		State:             a.state,
		Error:             a.lastErr,
		Broker:            a.broker,
		ClientID:          a.clientID,
		Topics:            append([]string{}, a.topics...),
		ReconnectAttempts: a.reconnectAttempts,
	}
	if !a.connectedAt.IsZero() {
		t := a.connectedAt
		st.ConnectedAt = &t
	}
	return st
}

func (a *TelemetryAdapter) emitStatus() {
	st := a.Status()
	a.emit(Update{Kind: UpdateStatus, Status: &st})
}

func (a *TelemetryAdapter) emit(u Update) {
	a.listenersMu.RLock()
	listeners := append([]Listener(nil), a.listeners...)
	a.listenersMu.RUnlock()

	for _, l := range listeners {
		l(u)
	}
}

// waitToken waits for a paho token, the context or the timeout, whichever comes first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func newEntryID(deviceID string, ts time.Time) string {
	return fmt.Sprintf("%s-%d-%s", deviceID, ts.UnixNano(), randomHex(7))
}

func randomHex(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	return s[:n]
}

func containsTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func newTopics(existing, candidates []string) []string {
	var out []string
	for _, t := range candidates {
		t = strings.TrimSpace(t)
		if t == "" || containsTopic(existing, t) || containsTopic(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func mergeTopics(existing, candidates []string) []string {
	return append(append([]string{}, existing...), newTopics(existing, candidates)...)
}
