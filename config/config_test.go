package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.local")
	t.Setenv("MQTT_PORT", "")
	t.Setenv("RECONNECT_POLICY", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "broker.local", cfg.MQTTHost)
	assert.Equal(t, 8084, cfg.MQTTPort)
	assert.Equal(t, ReconnectFixed, cfg.ReconnectPolicy)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, 30*time.Second, cfg.MQTTConnectTimeout)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.True(t, cfg.MQTTCleanSession)
	assert.Equal(t, 5*time.Second, cfg.EnqueueTimeout)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.local")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_TOPICS", "devices/+/metrics, plant/meter ,")
	t.Setenv("RECONNECT_POLICY", "Backoff")
	t.Setenv("RECONNECT_INTERVAL", "2500")
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "7")
	t.Setenv("HISTORY_LIMIT", "100")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8883, cfg.MQTTPort)
	assert.Equal(t, []string{"devices/+/metrics", "plant/meter"}, cfg.MQTTTopics)
	assert.Equal(t, ReconnectBackoff, cfg.ReconnectPolicy)
	assert.Equal(t, 2500*time.Millisecond, cfg.ReconnectInterval)
	assert.Equal(t, 7, cfg.ReconnectMaxAttempts)
	assert.Equal(t, 100, cfg.HistoryLimit)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			MQTTHost:          "broker.local",
			MQTTPort:          8084,
			ReconnectPolicy:   ReconnectFixed,
			ReconnectInterval: time.Second,
			HistoryLimit:      50,
			QueueSize:         10,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "missing host", mutate: func(c *Config) { c.MQTTHost = " " }},
		{name: "bad port", mutate: func(c *Config) { c.MQTTPort = 70000 }},
		{name: "provider url skips host check", mutate: func(c *Config) {
			c.MQTTHost = ""
			c.BrokerConfigURL = "http://localhost/broker"
		}, ok: true},
		{name: "unknown policy", mutate: func(c *Config) { c.ReconnectPolicy = "random" }},
		{name: "zero interval", mutate: func(c *Config) { c.ReconnectInterval = 0 }},
		{name: "none policy ignores interval", mutate: func(c *Config) {
			c.ReconnectPolicy = ReconnectNone
			c.ReconnectInterval = 0
		}, ok: true},
		{name: "negative attempts", mutate: func(c *Config) { c.ReconnectMaxAttempts = -1 }},
		{name: "zero history", mutate: func(c *Config) { c.HistoryLimit = 0 }},
		{name: "bad qos", mutate: func(c *Config) { c.MQTTQoS = 3 }},
		{name: "zero enqueue timeout falls back", mutate: func(c *Config) { c.EnqueueTimeout = 0 }, ok: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidReconnectPolicy(t *testing.T) {
	for _, p := range []string{ReconnectFixed, ReconnectBackoff, ReconnectNone} {
		assert.True(t, ValidReconnectPolicy(p), p)
	}
	assert.False(t, ValidReconnectPolicy(""))
	assert.False(t, ValidReconnectPolicy("Fixed"))
	assert.False(t, ValidReconnectPolicy("bogus"))
}
