package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"powerwatch/config"
	"powerwatch/models"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func testConfig() *config.Config {
	return &config.Config{
		MQTTHost:           "broker.test",
		MQTTPort:           8084,
		MQTTScheme:         "wss",
		MQTTPath:           "/mqtt",
		MQTTClientPrefix:   "test",
		MQTTCleanSession:   true,
		MQTTConnectTimeout: time.Second,
		MQTTKeepAlive:      time.Minute,
		ReconnectPolicy:    config.ReconnectNone,
		ReconnectInterval:  10 * time.Millisecond,
		HistoryLimit:       50,
		QueueSize:          16,
	}
}

type failingProvider struct{ err error }

func (p failingProvider) BrokerConfig(context.Context) (*models.BrokerConfig, error) {
	return nil, p.err
}

func newTestAdapter(t *testing.T, cfg *config.Config, broker *fakeBroker, topics ...string) *TelemetryAdapter {
	t.Helper()
	a := NewTelemetryAdapter(cfg, NewStaticBrokerConfigProvider(cfg), zap.NewNop(), topics,
		WithClientFactory(broker.factory))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		a.Disconnect()
		cancel()
	})
	go a.Run(ctx)
	return a
}

func TestAdapterDecodesAliasPayload(t *testing.T) {
	broker := newFakeBroker()
	a := newTestAdapter(t, testConfig(), broker, "devices/device_1/metrics")

	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, models.StateConnected, a.State())

	broker.Publish("devices/device_1/metrics", []byte(`{"I": 12.5, "V": 230}`))

	require.Eventually(t, func() bool {
		_, ok := a.Latest("device_1")
		return ok
	}, waitFor, tick)

	reading, _ := a.Latest("device_1")
	assert.Equal(t, models.DeviceMetrics{
		Current:   12.5,
		Voltage:   230,
		Frequency: 50,
	}, reading.Metrics)
	assert.Equal(t, "devices/device_1/metrics", reading.Topic)
}

func TestAdapterKeepsMalformedPayload(t *testing.T) {
	broker := newFakeBroker()
	a := newTestAdapter(t, testConfig(), broker, "devices/device_1/metrics")
	require.NoError(t, a.Connect(context.Background()))

	broker.Publish("devices/device_1/metrics", []byte("not json"))

	require.Eventually(t, func() bool { return len(a.HistoryAll()) == 1 }, waitFor, tick)

	entry := a.HistoryAll()[0]
	assert.False(t, entry.Decoded)
	assert.Nil(t, entry.Metrics)
	assert.Equal(t, "not json", entry.Raw)
	assert.Equal(t, "device_1", entry.DeviceID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.Empty(t, a.LatestAll())
}

func TestAdapterHistoryCap(t *testing.T) {
	cfg := testConfig()
	cfg.HistoryLimit = 3
	a := NewTelemetryAdapter(cfg, NewStaticBrokerConfigProvider(cfg), zap.NewNop(), nil)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		a.apply(models.IncomingMessage{
			Topic:      "devices/device_1/metrics",
			Payload:    []byte(fmt.Sprintf(`{"current": %d}`, i)),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	history := a.HistoryAll()
	require.Len(t, history, 3)
	for i, want := range []float64{3, 2, 1} {
		require.NotNil(t, history[i].Metrics)
		assert.Equal(t, want, history[i].Metrics.Current)
	}
	assert.True(t, history[0].Timestamp.After(history[1].Timestamp))
}

func TestAdapterReconnectDoesNotDuplicateDeliveries(t *testing.T) {
	broker := newFakeBroker()
	a := newTestAdapter(t, testConfig(), broker, "devices/device_1/metrics")

	require.NoError(t, a.Connect(context.Background()))
	a.Disconnect()
	assert.Equal(t, models.StateDisconnected, a.State())
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, models.StateConnected, a.State())

	clients := broker.Clients()
	require.Len(t, clients, 2)
	assert.False(t, clients[0].IsConnected())
	assert.Equal(t, 1, clients[0].disconnects)

	// both clients still hold a handler, only the current one may feed the adapter
	broker.Publish("devices/device_1/metrics", []byte(`{"V": 220}`))

	require.Eventually(t, func() bool { return len(a.HistoryAll()) >= 1 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, a.HistoryAll(), 1)
}

func TestAdapterConnectIsNoopWhenConnected(t *testing.T) {
	broker := newFakeBroker()
	a := newTestAdapter(t, testConfig(), broker, "devices/device_1/metrics")

	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Connect(context.Background()))
	assert.Len(t, broker.Clients(), 1)
}

func TestAdapterDevicesDoNotCrossPollute(t *testing.T) {
	broker := newFakeBroker()
	a := newTestAdapter(t, testConfig(), broker, "devices/device_1/metrics", "devices/device_2/metrics")
	require.NoError(t, a.Connect(context.Background()))

	broker.Publish("devices/device_1/metrics", []byte(`{"current": 1}`))
	broker.Publish("devices/device_2/metrics", []byte(`{"current": 2, "PF": 0.9}`))
	broker.Publish("devices/device_1/metrics", []byte(`{"current": 3}`))

	require.Eventually(t, func() bool { return len(a.HistoryAll()) == 3 }, waitFor, tick)

	r1, ok := a.Latest("device_1")
	require.True(t, ok)
	r2, ok := a.Latest("device_2")
	require.True(t, ok)

	assert.Equal(t, 3.0, r1.Metrics.Current)
	assert.Equal(t, 0.0, r1.Metrics.PowerFactor)
	assert.Equal(t, 2.0, r2.Metrics.Current)
	assert.Equal(t, 0.9, r2.Metrics.PowerFactor)

	assert.Len(t, a.History("device_1"), 2)
	assert.Len(t, a.History("device_2"), 1)
}

func TestAdapterConnectFailureIsCaptured(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		broker := newFakeBroker()
		cfg := testConfig()
		a := NewTelemetryAdapter(cfg, failingProvider{err: errors.New("MQTT credentials not configured")},
			zap.NewNop(), nil, WithClientFactory(broker.factory))

		err := a.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, models.StateError, a.State())
		assert.Contains(t, a.LastError(), "MQTT credentials not configured")
		assert.Empty(t, broker.Clients())
	})

	t.Run("broker refuses", func(t *testing.T) {
		broker := newFakeBroker()
		broker.failNextConnects(errBrokerDown)
		a := newTestAdapter(t, testConfig(), broker, "devices/device_1/metrics")

		err := a.Connect(context.Background())
		require.Error(t, err)
		assert.Equal(t, models.StateError, a.State())
		assert.Contains(t, a.LastError(), "connection refused")

		// error is not terminal
		require.NoError(t, a.Connect(context.Background()))
		assert.Equal(t, models.StateConnected, a.State())
		assert.Empty(t, a.LastError())
	})

	t.Run("invalid broker config", func(t *testing.T) {
		broker := newFakeBroker()
		cfg := testConfig()
		cfg.MQTTHost = ""
		a := NewTelemetryAdapter(cfg, NewStaticBrokerConfigProvider(cfg), zap.NewNop(), nil,
			WithClientFactory(broker.factory))

		require.Error(t, a.Connect(context.Background()))
		assert.Contains(t, a.LastError(), "broker host is required")
		assert.Empty(t, broker.Clients())
	})
}

func TestAdapterDisconnectIsIdempotent(t *testing.T) {
	broker := newFakeBroker()
	a := newTestAdapter(t, testConfig(), broker)

	var mu sync.Mutex
	var updates []Update
	a.AddListener(func(u Update) {
		mu.Lock()
		updates = append(updates, u)
		mu.Unlock()
	})

	a.Disconnect()
	a.Disconnect()
	assert.Equal(t, models.StateDisconnected, a.State())

	mu.Lock()
	assert.Empty(t, updates)
	mu.Unlock()
}

func TestAdapterSubscribeFailureIsIsolated(t *testing.T) {
	broker := newFakeBroker()
	broker.failTopics["devices/bad/metrics"] = errors.New("not authorized")
	a := newTestAdapter(t, testConfig(), broker,
		"devices/device_1/metrics", "devices/bad/metrics", "devices/device_2/metrics")

	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, models.StateConnected, a.State())

	client := broker.last()
	assert.True(t, client.subscribed("devices/device_1/metrics"))
	assert.False(t, client.subscribed("devices/bad/metrics"))
	assert.True(t, client.subscribed("devices/device_2/metrics"))
}

func TestAdapterSubscribeAfterConnect(t *testing.T) {
	broker := newFakeBroker()
	a := newTestAdapter(t, testConfig(), broker, "devices/device_1/metrics")
	require.NoError(t, a.Connect(context.Background()))

	require.NoError(t, a.Subscribe([]string{"devices/device_3/metrics", "devices/device_1/metrics"}))
	client := broker.last()
	assert.True(t, client.subscribed("devices/device_3/metrics"))
	assert.Equal(t, []string{"devices/device_1/metrics", "devices/device_3/metrics"}, a.Status().Topics)

	require.NoError(t, a.Unsubscribe([]string{"devices/device_1/metrics"}))
	assert.False(t, client.subscribed("devices/device_1/metrics"))
	assert.Equal(t, []string{"devices/device_3/metrics"}, a.Status().Topics)
}

func TestAdapterClearStoresIndependently(t *testing.T) {
	cfg := testConfig()
	a := NewTelemetryAdapter(cfg, NewStaticBrokerConfigProvider(cfg), zap.NewNop(), nil)
	a.apply(models.IncomingMessage{Topic: "devices/device_1/metrics", Payload: []byte(`{"V": 230}`), ReceivedAt: time.Now()})

	a.ClearHistory()
	assert.Empty(t, a.HistoryAll())
	_, ok := a.Latest("device_1")
	assert.True(t, ok)

	a.apply(models.IncomingMessage{Topic: "devices/device_1/metrics", Payload: []byte(`{"V": 231}`), ReceivedAt: time.Now()})
	a.ClearLatest()
	assert.Empty(t, a.LatestAll())
	assert.Len(t, a.HistoryAll(), 1)
}

func TestAdapterReconnectsAfterDrop(t *testing.T) {
	broker := newFakeBroker()
	cfg := testConfig()
	cfg.ReconnectPolicy = config.ReconnectFixed
	a := newTestAdapter(t, cfg, broker, "devices/device_1/metrics")
	require.NoError(t, a.Connect(context.Background()))

	broker.failNextConnects(errBrokerDown)
	broker.last().dropConnection(errors.New("EOF"))

	require.Eventually(t, func() bool {
		return a.State() == models.StateConnected && len(broker.Clients()) == 3
	}, waitFor, tick)

	// the fresh connection carries the subscriptions
	assert.True(t, broker.last().subscribed("devices/device_1/metrics"))
	assert.Equal(t, 0, a.Status().ReconnectAttempts)
}

func TestAdapterReconnectGivesUp(t *testing.T) {
	broker := newFakeBroker()
	cfg := testConfig()
	cfg.ReconnectPolicy = config.ReconnectBackoff
	cfg.ReconnectMaxInterval = 20 * time.Millisecond
	cfg.ReconnectMaxAttempts = 2
	a := newTestAdapter(t, cfg, broker, "devices/device_1/metrics")
	require.NoError(t, a.Connect(context.Background()))

	broker.failNextConnects(errBrokerDown, errBrokerDown)
	broker.last().dropConnection(errors.New("EOF"))

	require.Eventually(t, func() bool {
		return a.State() == models.StateDisconnected
	}, waitFor, tick)

	assert.Contains(t, a.LastError(), ErrReconnectExhausted.Error())
	assert.Len(t, broker.Clients(), 3)

	// a manual connect still works afterwards
	require.NoError(t, a.Connect(context.Background()))
	assert.Equal(t, models.StateConnected, a.State())
}

func TestAdapterDisconnectStopsReconnect(t *testing.T) {
	broker := newFakeBroker()
	cfg := testConfig()
	cfg.ReconnectPolicy = config.ReconnectFixed
	cfg.ReconnectInterval = 50 * time.Millisecond
	a := newTestAdapter(t, cfg, broker, "devices/device_1/metrics")
	require.NoError(t, a.Connect(context.Background()))

	broker.last().dropConnection(errors.New("EOF"))
	assert.Equal(t, models.StateError, a.State())
	a.Disconnect()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, models.StateDisconnected, a.State())
	assert.Len(t, broker.Clients(), 1)
}

func TestAdapterNotifiesListeners(t *testing.T) {
	broker := newFakeBroker()
	a := newTestAdapter(t, testConfig(), broker, "devices/device_1/metrics")

	var mu sync.Mutex
	var kinds []UpdateKind
	var states []models.ConnectionState
	a.AddListener(func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, u.Kind)
		if u.Status != nil {
			states = append(states, u.Status.State)
		}
	})

	require.NoError(t, a.Connect(context.Background()))
	broker.Publish("devices/device_1/metrics", []byte(`{"P": 1}`))
	broker.Publish("devices/device_1/metrics", []byte(`oops`))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 4
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []UpdateKind{UpdateStatus, UpdateStatus, UpdateReading, UpdateOpaque}, kinds)
	assert.Equal(t, []models.ConnectionState{models.StateConnecting, models.StateConnected}, states)
}

func droppedMessages(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, messagesTotal.WithLabelValues("dropped").Write(&m))
	return m.GetCounter().GetValue()
}

func TestAdapterDropsWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	a := NewTelemetryAdapter(cfg, NewStaticBrokerConfigProvider(cfg), zap.NewNop(), nil,
		WithEnqueueTimeout(10*time.Millisecond))

	before := droppedMessages(t)
	start := time.Now()
	for i := 0; i < 3; i++ {
		a.onMessage("devices/device_1/metrics", []byte(fmt.Sprintf(`{"current":%d}`, i)))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, before+2, droppedMessages(t))
	require.Len(t, a.queue, 1)

	// the message that fit is still applied once the dispatcher runs
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	require.Eventually(t, func() bool { return len(a.HistoryAll()) == 1 }, waitFor, tick)
	r, ok := a.Latest("device_1")
	require.True(t, ok)
	assert.Equal(t, 0.0, r.Metrics.Current)
}
