package services

import (
	"time"

	"powerwatch/config"

	"github.com/cenkalti/backoff/v5"
)

// ReconnectPolicy decides how the adapter retries after an unexpected drop.
// MaxAttempts of zero means retry forever.
type ReconnectPolicy struct {
	Kind        string
	Interval    time.Duration
	MaxInterval time.Duration
	MaxAttempts int
}

func NewReconnectPolicy(cfg *config.Config) ReconnectPolicy {
	return ReconnectPolicy{
		Kind:        cfg.ReconnectPolicy,
		Interval:    cfg.ReconnectInterval,
		MaxInterval: cfg.ReconnectMaxInterval,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	}
}

// Enabled reports whether the adapter should reconnect on its own.
func (p ReconnectPolicy) Enabled() bool {
	return p.Kind != config.ReconnectNone && p.Interval > 0
}

// NewBackOff returns a fresh schedule for one reconnect episode.
func (p ReconnectPolicy) NewBackOff() backoff.BackOff {
	if p.Kind != config.ReconnectBackoff {
		return backoff.NewConstantBackOff(p.Interval)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.Reset()
	return b
}

// Exhausted reports whether attempt (1-based) is past the ceiling.
func (p ReconnectPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
