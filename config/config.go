package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Reconnect policy names.
const (
	ReconnectFixed   = "fixed"
	ReconnectBackoff = "backoff"
	ReconnectNone    = "none"
)

type Config struct {
	// Broker connection. Credentials are never persisted.
	MQTTHost           string
	MQTTPort           int
	MQTTScheme         string
	MQTTPath           string
	MQTTUsername       string
	MQTTPassword       string
	MQTTClientPrefix   string
	MQTTCleanSession   bool
	MQTTConnectTimeout time.Duration
	MQTTKeepAlive      time.Duration
	MQTTQoS            byte
	MQTTTopics         []string
	MQTTAutoConnect    bool
	BrokerConfigURL    string
	BrokerConfigToken  string

	// Reconnect policy applied after an unexpected drop
	ReconnectPolicy      string
	ReconnectInterval    time.Duration
	ReconnectMaxInterval time.Duration
	ReconnectMaxAttempts int

	HistoryLimit int
	// Deliveries wait up to EnqueueTimeout for queue space before being dropped
	QueueSize      int
	EnqueueTimeout time.Duration

	HTTPAddr string
	DBPath   string

	RabbitMQURL      string
	RabbitMQExchange string

	TelegramBotToken string
	TelegramChatID   string
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	config := &Config{
		MQTTHost:           getEnv("MQTT_HOST", "k2f268df.ala.asia-southeast1.emqxsl.com"),
		MQTTPort:           getEnvInt("MQTT_PORT", 8084),
		MQTTScheme:         getEnv("MQTT_SCHEME", "wss"),
		MQTTPath:           getEnv("MQTT_PATH", "/mqtt"),
		MQTTUsername:       getEnv("MQTT_USERNAME", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTClientPrefix:   getEnv("MQTT_CLIENT_PREFIX", "powerwatch"),
		MQTTCleanSession:   getEnvBool("MQTT_CLEAN_SESSION", true),
		MQTTConnectTimeout: getEnvDuration("MQTT_CONNECT_TIMEOUT", 30*time.Second),
		MQTTKeepAlive:      getEnvDuration("MQTT_KEEPALIVE", 60*time.Second),
		MQTTQoS:            byte(getEnvInt("MQTT_QOS", 0)),
		MQTTTopics:         getEnvList("MQTT_TOPICS", nil),
		MQTTAutoConnect:    getEnvBool("MQTT_AUTOCONNECT", true),
		BrokerConfigURL:    getEnv("BROKER_CONFIG_URL", ""),
		BrokerConfigToken:  getEnv("BROKER_CONFIG_TOKEN", ""),

		ReconnectPolicy:      strings.ToLower(getEnv("RECONNECT_POLICY", ReconnectFixed)),
		ReconnectInterval:    getEnvDuration("RECONNECT_INTERVAL", 5*time.Second),
		ReconnectMaxInterval: getEnvDuration("RECONNECT_MAX_INTERVAL", 2*time.Minute),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 0),

		HistoryLimit:   getEnvInt("HISTORY_LIMIT", 50),
		QueueSize:      getEnvInt("MESSAGE_QUEUE_SIZE", 256),
		EnqueueTimeout: getEnvDuration("MESSAGE_ENQUEUE_TIMEOUT", 5*time.Second),

		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		DBPath:   getEnv("DB_PATH", "powerwatch.db"),

		RabbitMQURL:      getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange: getEnv("RABBITMQ_EXCHANGE", "powerwatch.telemetry"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate reports configuration errors before any network attempt is made.
func (c *Config) Validate() error {
	if c.BrokerConfigURL == "" {
		if strings.TrimSpace(c.MQTTHost) == "" {
			return fmt.Errorf("%w: MQTT_HOST is required", ErrInvalidConfig)
		}
		if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
			return fmt.Errorf("%w: MQTT_PORT %d out of range", ErrInvalidConfig, c.MQTTPort)
		}
	}
	if c.MQTTQoS > 2 {
		return fmt.Errorf("%w: MQTT_QOS must be 0, 1 or 2", ErrInvalidConfig)
	}
	if !ValidReconnectPolicy(c.ReconnectPolicy) {
		return fmt.Errorf("%w: unknown RECONNECT_POLICY %q", ErrInvalidConfig, c.ReconnectPolicy)
	}
	if c.ReconnectPolicy != ReconnectNone && c.ReconnectInterval <= 0 {
		return fmt.Errorf("%w: RECONNECT_INTERVAL must be positive", ErrInvalidConfig)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("%w: RECONNECT_MAX_ATTEMPTS must not be negative", ErrInvalidConfig)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("%w: HISTORY_LIMIT must be positive", ErrInvalidConfig)
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 5 * time.Second
	}
	return nil
}

// ValidReconnectPolicy reports whether name is one of the reconnect policies.
func ValidReconnectPolicy(name string) bool {
	switch name {
	case ReconnectFixed, ReconnectBackoff, ReconnectNone:
		return true
	}
	return false
}

// TelegramEnabled reports whether connection alerts should be sent.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("5s") or a bare number of milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
