package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"powerwatch/config"
	"powerwatch/models"
	"powerwatch/services"
	"powerwatch/store"
	"powerwatch/websocket"

	"github.com/go-chi/chi/v5"
	gwebsocket "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = gwebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	defaultChartPoints = 10
	maxChartPoints     = 500
	connectTimeout     = 45 * time.Second
)

// Telemetry is what the dashboard needs from the ingestion adapter.
type Telemetry interface {
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(topics []string) error
	Unsubscribe(topics []string) error
	Status() models.ConnectionStatus
	CheckBroker(ctx context.Context) models.BrokerCheck
	Latest(deviceID string) (models.Reading, bool)
	LatestAll() []models.Reading
	History(deviceID string) []models.HistoryEntry
	HistoryAll() []models.HistoryEntry
	ClearHistory()
	ClearLatest()
	AddListener(l services.Listener)
}

// SettingsStore persists the non-secret connection settings.
type SettingsStore interface {
	ConnectionSettings(ctx context.Context) (models.ConnectionSettings, error)
	SaveConnectionSettings(ctx context.Context, s models.ConnectionSettings) error
}

type Handler struct {
	cfg       *config.Config
	logger    *zap.Logger
	telemetry Telemetry
	devices   *services.DeviceRegistry
	metrics   *services.MetricsProvider
	mock      *services.MockGenerator
	settings  SettingsStore
	hub       *websocket.Hub
	now       func() time.Time
}

// NewHandler builds the dashboard handler and starts relaying adapter updates
// to the hub. settings may be nil.
func NewHandler(cfg *config.Config, logger *zap.Logger, telemetry Telemetry, devices *services.DeviceRegistry,
	mock *services.MockGenerator, settings SettingsStore, hub *websocket.Hub) *Handler {
	h := &Handler{
		cfg:       cfg,
		logger:    logger,
		telemetry: telemetry,
		devices:   devices,
		metrics:   services.NewMetricsProvider(telemetry),
		mock:      mock,
		settings:  settings,
		hub:       hub,
		now:       time.Now,
	}
	telemetry.AddListener(h.relay)
	return h
}

// relay forwards adapter updates to every dashboard.
func (h *Handler) relay(u services.Update) {
	switch u.Kind {
	case services.UpdateReading, services.UpdateOpaque:
		h.hub.Broadcast(websocket.TypeReading, u.Entry)
	case services.UpdateStatus:
		if u.Status != nil {
			h.hub.Broadcast(websocket.TypeStatus, u.Status)
		}
	}
}

// HandleWebSocket upgrades connections and registers clients with the hub.
// New clients get the current history and status first.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	status := h.telemetry.Status()
	websocket.NewClient(h.hub, conn).Start(
		websocket.Envelope{Type: websocket.TypeStatus, Payload: status},
		websocket.Envelope{Type: websocket.TypeHistory, Payload: h.telemetry.HistoryAll()},
	)
}

func (h *Handler) ListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.devices.List())
}

type createDeviceRequest struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Status    models.DeviceStatus `json:"status"`
	MQTTTopic string              `json:"mqttTopic"`
}

func (h *Handler) CreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	d, err := h.devices.Add(r.Context(), models.Device{
		ID:        req.ID,
		Name:      req.Name,
		Status:    req.Status,
		MQTTTopic: req.MQTTTopic,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) GetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := h.devices.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.devices.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UpdateDeviceTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic string `json:"topic"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	d, err := h.devices.UpdateTopic(r.Context(), chi.URLParam(r, "id"), req.Topic)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) UpdateDeviceStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.DeviceStatus `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	d, err := h.devices.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DeviceMetrics serves the live reading or the mock baseline when the device
// has not reported yet.
func (h *Handler) DeviceMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.devices.Get(id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.metrics.MetricsFor(id))
}

func (h *Handler) DeviceChart(w http.ResponseWriter, r *http.Request) {
	if _, err := h.devices.Get(chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}

	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = services.ChartCurrent
	}
	if metric != services.ChartCurrent && metric != services.ChartVoltage {
		writeError(w, http.StatusBadRequest, "metric must be current or voltage")
		return
	}

	count := defaultChartPoints
	if raw := r.URL.Query().Get("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxChartPoints {
			writeError(w, http.StatusBadRequest, "count must be between 1 and 500")
			return
		}
		count = n
	}

	writeJSON(w, http.StatusOK, h.mock.ChartSeries(metric, count, h.now()))
}

func (h *Handler) DeviceHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.telemetry.History(chi.URLParam(r, "id")))
}

// DeviceRecords serves hourly three-phase rows for [start, end). Both bounds
// accept RFC 3339 or YYYY-MM-DD and default to the last 24 hours.
func (h *Handler) DeviceRecords(w http.ResponseWriter, r *http.Request) {
	if _, err := h.devices.Get(chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, err)
		return
	}

	end := h.now()
	start := end.Add(-24 * time.Hour)
	var err error
	if raw := r.URL.Query().Get("start"); raw != "" {
		if start, err = parseTime(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
			return
		}
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		if end, err = parseTime(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
			return
		}
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}

	writeJSON(w, http.StatusOK, h.mock.HistoryRecords(start, end))
}

func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.telemetry.HistoryAll())
}

func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	h.telemetry.ClearHistory()
	h.hub.Broadcast(websocket.TypeHistory, []models.HistoryEntry{})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListLatest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.telemetry.LatestAll())
}

func (h *Handler) ClearLatest(w http.ResponseWriter, r *http.Request) {
	h.telemetry.ClearLatest()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ConnectionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.telemetry.Status())
}

// Connect always answers with the resulting status; a failed attempt shows
// up as state "error" with the captured message.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	if err := h.telemetry.Connect(ctx); err != nil {
		h.logger.Warn("Connect request failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, h.telemetry.Status())
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	h.telemetry.Disconnect()
	writeJSON(w, http.StatusOK, h.telemetry.Status())
}

// TestConnection runs a one-shot broker connect with the current config.
// The adapter's own connection is not touched.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	res := h.telemetry.CheckBroker(ctx)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.currentSettings(r.Context()))
}

// UpdateSettings stores the non-secret settings. Credential fields in the
// body are ignored. A new topic is subscribed right away and the one it
// replaces is dropped unless a device or MQTT_TOPICS still uses it. Address
// changes apply on the next connect; the history limit and reconnect policy
// on the next start.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		writeError(w, http.StatusNotImplemented, "settings storage not configured")
		return
	}

	var s models.ConnectionSettings
	if !decodeJSON(w, r, &s) {
		return
	}
	s.Topic = strings.TrimSpace(s.Topic)
	s.ReconnectPolicy = strings.ToLower(strings.TrimSpace(s.ReconnectPolicy))
	if err := s.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.ReconnectPolicy != "" && !config.ValidReconnectPolicy(s.ReconnectPolicy) {
		writeError(w, http.StatusBadRequest, "reconnect policy must be fixed, backoff or none")
		return
	}

	prev, err := h.settings.ConnectionSettings(r.Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Warn("Failed to load previous settings", zap.Error(err))
	}
	if err := h.settings.SaveConnectionSettings(r.Context(), s); err != nil {
		h.logger.Error("Failed to save settings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	if s.Topic != "" {
		if err := h.telemetry.Subscribe([]string{s.Topic}); err != nil {
			h.logger.Warn("Failed to subscribe to settings topic", zap.String("topic", s.Topic), zap.Error(err))
		}
	}
	if old := prev.Topic; old != "" && old != s.Topic && !h.topicInUse(old) {
		if err := h.telemetry.Unsubscribe([]string{old}); err != nil {
			h.logger.Warn("Failed to unsubscribe replaced settings topic", zap.String("topic", old), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, s)
}

// topicInUse reports whether a device or the environment still subscribes to topic.
func (h *Handler) topicInUse(topic string) bool {
	for _, t := range h.devices.Topics() {
		if t == topic {
			return true
		}
	}
	for _, t := range h.cfg.MQTTTopics {
		if t == topic {
			return true
		}
	}
	return false
}

func (h *Handler) currentSettings(ctx context.Context) models.ConnectionSettings {
	if h.settings != nil {
		s, err := h.settings.ConnectionSettings(ctx)
		if err == nil {
			return s
		}
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn("Failed to load settings", zap.Error(err))
		}
	}
	return models.ConnectionSettings{
		Host:            h.cfg.MQTTHost,
		Port:            h.cfg.MQTTPort,
		Scheme:          h.cfg.MQTTScheme,
		Path:            h.cfg.MQTTPath,
		HistoryLimit:    h.cfg.HistoryLimit,
		ReconnectPolicy: h.cfg.ReconnectPolicy,
	}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrDuplicateDevice):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrInvalidDevice):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}
