package models

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionState tracks the broker connection lifecycle
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// ConnectionStatus is a point-in-time view of the ingestion adapter
type ConnectionStatus struct {
	State             ConnectionState `json:"state"`
	Error             string          `json:"error,omitempty"`
	Broker            string          `json:"broker,omitempty"`
	ClientID          string          `json:"clientId,omitempty"`
	Topics            []string        `json:"topics"`
	ReconnectAttempts int             `json:"reconnectAttempts"`
	ConnectedAt       *time.Time      `json:"connectedAt,omitempty"`
}

// BrokerConfig holds what is needed to open a broker connection.
// Username and Password must never be written to persistent storage.
type BrokerConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Scheme   string `json:"scheme,omitempty"`
	Path     string `json:"path,omitempty"`
	Username string `json:"-"`
	Password string `json:"-"`
}

// BrokerURL renders the address handed to the MQTT client.
func (b BrokerConfig) BrokerURL() string {
	scheme := b.Scheme
	if scheme == "" {
		scheme = "wss"
	}
	path := b.Path
	if scheme == "ws" || scheme == "wss" {
		if path == "" {
			path = "/mqtt"
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	} else {
		path = ""
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, b.Host, b.Port, path)
}

// DefaultPort is the well-known port of a broker URL scheme, 0 if unknown.
func DefaultPort(scheme string) int {
	switch strings.ToLower(scheme) {
	case "wss":
		return 443
	case "ws":
		return 80
	case "ssl", "tls", "mqtts":
		return 8883
	case "tcp", "mqtt":
		return 1883
	}
	return 0
}

// Secure reports whether the scheme runs over TLS.
func (b BrokerConfig) Secure() bool {
	switch b.Scheme {
	case "", "wss", "ssl", "tls", "mqtts":
		return true
	}
	return false
}

// Validate checks the host/port pair.
func (b BrokerConfig) Validate() error {
	if strings.TrimSpace(b.Host) == "" {
		return fmt.Errorf("broker host is required")
	}
	if b.Port <= 0 || b.Port > 65535 {
		return fmt.Errorf("broker port %d out of range", b.Port)
	}
	return nil
}

// BrokerCheck is the outcome of a one-shot connectivity test against the broker.
type BrokerCheck struct {
	Success bool               `json:"success"`
	Message string             `json:"message,omitempty"`
	Error   string             `json:"error,omitempty"`
	Details BrokerCheckDetails `json:"details"`
}

type BrokerCheckDetails struct {
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	HasUsername bool   `json:"hasUsername"`
	HasPassword bool   `json:"hasPassword"`
	LatencyMs   int64  `json:"latencyMs,omitempty"`
}
