package services

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"powerwatch/config"
	"powerwatch/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// AlertKind groups alerts for throttling
type AlertKind string

const (
	AlertConnectionError   AlertKind = "connection_error"
	AlertReconnectGaveUp   AlertKind = "reconnect_exhausted"
	AlertConnectionRestore AlertKind = "connection_restored"
)

// DefaultAlertInterval is the minimum gap between two alerts of the same kind.
const DefaultAlertInterval = 5 * time.Minute

// messageSender is the part of *tgbotapi.BotAPI used for alerts.
type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type connectionAlert struct {
	kind   AlertKind
	status models.ConnectionStatus
	at     time.Time
}

// ConnectionAlerter sends Telegram messages when the broker connection fails,
// when reconnecting is abandoned and when it recovers after a failure.
type ConnectionAlerter struct {
	bot      messageSender
	chatID   int64
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
	alerts   chan connectionAlert

	mu           sync.Mutex
	lastAlert    map[AlertKind]time.Time
	lastState    models.ConnectionState
	failureSince time.Time
}

func NewConnectionAlerter(cfg *config.Config, logger *zap.Logger) (*ConnectionAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("error creating telegram bot: %w", err)
	}

	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parsing chat ID: %w", err)
	}

	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))
	return newConnectionAlerter(bot, chatID, logger), nil
}

func newConnectionAlerter(bot messageSender, chatID int64, logger *zap.Logger) *ConnectionAlerter {
	return &ConnectionAlerter{
		bot:       bot,
		chatID:    chatID,
		logger:    logger,
		interval:  DefaultAlertInterval,
		now:       time.Now,
		alerts:    make(chan connectionAlert, 16),
		lastAlert: make(map[AlertKind]time.Time),
		lastState: models.StateDisconnected,
	}
}

// Listener returns the adapter listener that turns status changes into alerts.
func (a *ConnectionAlerter) Listener() Listener {
	return func(u Update) {
		if u.Kind == UpdateStatus && u.Status != nil {
			a.Observe(*u.Status)
		}
	}
}

// Observe classifies a status change and queues an alert when one is due.
func (a *ConnectionAlerter) Observe(st models.ConnectionStatus) {
	now := a.now()

	a.mu.Lock()
	prev := a.lastState
	a.lastState = st.State

	var kind AlertKind
	switch {
	case st.State == models.StateError:
		kind = AlertConnectionError
		if a.failureSince.IsZero() {
			a.failureSince = now
		}
	case st.State == models.StateDisconnected && strings.HasPrefix(st.Error, ErrReconnectExhausted.Error()):
		kind = AlertReconnectGaveUp
	case st.State == models.StateConnected && !a.failureSince.IsZero():
		kind = AlertConnectionRestore
	}
	if st.State == models.StateConnected || (st.State == models.StateDisconnected && kind == "") {
		a.failureSince = time.Time{}
	}

	if kind == "" || (kind == AlertConnectionError && prev == models.StateError) || a.throttledLocked(kind, now) {
		a.mu.Unlock()
		return
	}
	a.lastAlert[kind] = now
	a.mu.Unlock()

	select {
	case a.alerts <- connectionAlert{kind: kind, status: st, at: now}:
	default:
		a.logger.Warn("Alert queue full, dropping alert", zap.String("kind", string(kind)))
	}
}

// throttledLocked reports whether an alert of kind was sent within the interval
func (a *ConnectionAlerter) throttledLocked(kind AlertKind, now time.Time) bool {
	last, ok := a.lastAlert[kind]
	return ok && now.Sub(last) < a.interval
}

// Run sends queued alerts until ctx is cancelled.
func (a *ConnectionAlerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-a.alerts:
			if err := a.send(alert); err != nil {
				a.logger.Error("Failed to send connection alert",
					zap.String("kind", string(alert.kind)),
					zap.Error(err))
			}
		}
	}
}

func (a *ConnectionAlerter) send(alert connectionAlert) error {
	msg := tgbotapi.NewMessage(a.chatID, formatConnectionAlert(alert))
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true

	if _, err := a.bot.Send(msg); err != nil {
		return fmt.Errorf("error sending telegram message: %w", err)
	}
	a.logger.Info("Sent connection alert", zap.String("kind", string(alert.kind)))
	return nil
}

func formatConnectionAlert(alert connectionAlert) string {
	var sb strings.Builder
	st := alert.status

	switch alert.kind {
	case AlertConnectionError:
		sb.WriteString("🚨 <b>MQTT CONNECTION ERROR</b>\n\n")
	case AlertReconnectGaveUp:
		sb.WriteString("⛔ <b>MQTT RECONNECT ABANDONED</b>\n\n")
	case AlertConnectionRestore:
		sb.WriteString("✅ <b>MQTT CONNECTION RESTORED</b>\n\n")
	}

	if st.Broker != "" {
		sb.WriteString(fmt.Sprintf("📡 <b>Broker:</b> %s\n", html.EscapeString(st.Broker)))
	}
	sb.WriteString(fmt.Sprintf("🕐 <b>Time:</b> %s\n", alert.at.Format("2006-01-02 15:04:05")))
	if st.ReconnectAttempts > 0 {
		sb.WriteString(fmt.Sprintf("🔁 <b>Reconnect attempts:</b> %d\n", st.ReconnectAttempts))
	}
	if st.Error != "" {
		sb.WriteString(fmt.Sprintf("\n⚠️ %s\n", html.EscapeString(st.Error)))
	}
	if alert.kind == AlertReconnectGaveUp {
		sb.WriteString("\n💡 Telemetry is no longer received. Reconnect from the dashboard once the broker is reachable.")
	}
	return sb.String()
}
