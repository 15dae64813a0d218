package services

import (
	"testing"
	"time"

	"powerwatch/config"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
)

func TestReconnectPolicyEnabled(t *testing.T) {
	tests := []struct {
		name   string
		policy ReconnectPolicy
		want   bool
	}{
		{"fixed", ReconnectPolicy{Kind: config.ReconnectFixed, Interval: time.Second}, true},
		{"backoff", ReconnectPolicy{Kind: config.ReconnectBackoff, Interval: time.Second}, true},
		{"none", ReconnectPolicy{Kind: config.ReconnectNone, Interval: time.Second}, false},
		{"zero interval", ReconnectPolicy{Kind: config.ReconnectFixed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Enabled())
		})
	}
}

func TestReconnectPolicyFixedSchedule(t *testing.T) {
	p := ReconnectPolicy{Kind: config.ReconnectFixed, Interval: 5 * time.Second}
	b := p.NewBackOff()
	for i := 0; i < 5; i++ {
		assert.Equal(t, 5*time.Second, b.NextBackOff())
	}
}

func TestReconnectPolicyBackoffSchedule(t *testing.T) {
	p := ReconnectPolicy{Kind: config.ReconnectBackoff, Interval: 100 * time.Millisecond, MaxInterval: time.Second}
	b := p.NewBackOff()

	for i := 0; i < 20; i++ {
		wait := b.NextBackOff()
		assert.NotEqual(t, backoff.Stop, wait)
		assert.Greater(t, wait, time.Duration(0))
		// randomization may push a single wait above MaxInterval by the jitter factor
		assert.LessOrEqual(t, wait, 1500*time.Millisecond)
	}
}

func TestReconnectPolicyExhausted(t *testing.T) {
	unlimited := ReconnectPolicy{Kind: config.ReconnectFixed, Interval: time.Second}
	assert.False(t, unlimited.Exhausted(1000))

	limited := ReconnectPolicy{Kind: config.ReconnectFixed, Interval: time.Second, MaxAttempts: 3}
	assert.False(t, limited.Exhausted(3))
	assert.True(t, limited.Exhausted(4))
}

func TestNewReconnectPolicyFromConfig(t *testing.T) {
	cfg := &config.Config{
		ReconnectPolicy:      config.ReconnectBackoff,
		ReconnectInterval:    2 * time.Second,
		ReconnectMaxInterval: time.Minute,
		ReconnectMaxAttempts: 7,
	}
	p := NewReconnectPolicy(cfg)
	assert.Equal(t, ReconnectPolicy{
		Kind:        config.ReconnectBackoff,
		Interval:    2 * time.Second,
		MaxInterval: time.Minute,
		MaxAttempts: 7,
	}, p)
}
