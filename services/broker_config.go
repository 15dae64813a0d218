package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"powerwatch/config"
	"powerwatch/models"

	"go.uber.org/zap"
)

// BrokerConfigProvider hands out connection parameters at connect time, so the
// adapter does not keep long-lived secrets of its own.
type BrokerConfigProvider interface {
	BrokerConfig(ctx context.Context) (*models.BrokerConfig, error)
}

// StaticBrokerConfigProvider serves parameters taken from the environment
type StaticBrokerConfigProvider struct {
	cfg models.BrokerConfig
}

func NewStaticBrokerConfigProvider(cfg *config.Config) *StaticBrokerConfigProvider {
	return &StaticBrokerConfigProvider{cfg: models.BrokerConfig{
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		Scheme:   cfg.MQTTScheme,
		Path:     cfg.MQTTPath,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}}
}

func (p *StaticBrokerConfigProvider) BrokerConfig(ctx context.Context) (*models.BrokerConfig, error) {
	c := p.cfg
	return &c, nil
}

// HTTPBrokerConfigProvider requests broker parameters from a credential endpoint
type HTTPBrokerConfigProvider struct {
	logger     *zap.Logger
	endpoint   string
	authToken  string
	httpClient *http.Client
}

type brokerConfigRequest struct {
	Action string `json:"action"`
}

type brokerConfigResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Config  struct {
		Broker   string `json:"broker"`
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"config"`
}

// NewHTTPBrokerConfigProvider creates a provider calling endpoint. authToken is
// sent as a bearer token when set.
func NewHTTPBrokerConfigProvider(logger *zap.Logger, endpoint, authToken string) *HTTPBrokerConfigProvider {
	return &HTTPBrokerConfigProvider{
		logger:    logger,
		endpoint:  endpoint,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (p *HTTPBrokerConfigProvider) BrokerConfig(ctx context.Context) (*models.BrokerConfig, error) {
	body, err := json.Marshal(brokerConfigRequest{Action: "connect"})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "powerwatch/1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("Failed to request broker config",
			zap.String("url", p.endpoint),
			zap.Error(err))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed brokerConfigResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("broker config endpoint returned %s: %w", resp.Status, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !parsed.Success {
		msg := parsed.Error
		if msg == "" {
			msg = "Failed to get MQTT config"
		}
		return nil, fmt.Errorf("broker config endpoint: %s", msg)
	}

	bc, err := brokerConfigFromResponse(parsed)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("Broker config received",
		zap.String("host", bc.Host),
		zap.Int("port", bc.Port),
		zap.Bool("has_username", bc.Username != ""))

	return bc, nil
}

// brokerConfigFromResponse accepts either a full broker URL or a host/port pair.
func brokerConfigFromResponse(r brokerConfigResponse) (*models.BrokerConfig, error) {
	bc := &models.BrokerConfig{
		Host:     r.Config.Host,
		Port:     r.Config.Port,
		Username: r.Config.Username,
		Password: r.Config.Password,
	}

	if r.Config.Broker != "" {
		u, err := url.Parse(r.Config.Broker)
		if err != nil {
			return nil, fmt.Errorf("invalid broker url %q: %w", r.Config.Broker, err)
		}
		bc.Scheme = u.Scheme
		bc.Host = u.Hostname()
		bc.Path = u.Path
		if port := u.Port(); port != "" {
			p, err := strconv.Atoi(port)
			if err != nil {
				return nil, fmt.Errorf("invalid broker port %q: %w", port, err)
			}
			bc.Port = p
		}
		if bc.Port == 0 {
			bc.Port = models.DefaultPort(bc.Scheme)
		}
	}

	if err := bc.Validate(); err != nil {
		return nil, err
	}
	return bc, nil
}

// SettingsSource returns the saved non-secret connection settings.
type SettingsSource func(ctx context.Context) (models.ConnectionSettings, error)

// SettingsBrokerConfigProvider lets saved dashboard settings override the
// address served by base. Credentials always come from base.
type SettingsBrokerConfigProvider struct {
	base     BrokerConfigProvider
	settings SettingsSource
	logger   *zap.Logger
}

func NewSettingsBrokerConfigProvider(base BrokerConfigProvider, settings SettingsSource, logger *zap.Logger) *SettingsBrokerConfigProvider {
	return &SettingsBrokerConfigProvider{base: base, settings: settings, logger: logger}
}

func (p *SettingsBrokerConfigProvider) BrokerConfig(ctx context.Context) (*models.BrokerConfig, error) {
	bc, err := p.base.BrokerConfig(ctx)
	if err != nil {
		return nil, err
	}

	s, err := p.settings(ctx)
	if err != nil {
		// nothing saved yet is the common case
		p.logger.Debug("Using base broker config", zap.Error(err))
		return bc, nil
	}
	if s.Host != "" {
		bc.Host = s.Host
	}
	if s.Port != 0 {
		bc.Port = s.Port
	}
	if s.Scheme != "" {
		bc.Scheme = s.Scheme
	}
	if s.Path != "" {
		bc.Path = s.Path
	}
	return bc, nil
}
