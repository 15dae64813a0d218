package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"powerwatch/models"

	"go.uber.org/zap"
)

var (
	ErrDuplicateDevice = errors.New("device already exists")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrInvalidDevice   = errors.New("invalid device")
)

// DeviceStore persists registry changes. *store.Store satisfies it.
type DeviceStore interface {
	Devices(ctx context.Context) ([]models.Device, error)
	SaveDevice(ctx context.Context, d models.Device) error
	DeleteDevice(ctx context.Context, id string) error
	SetDeviceTopic(ctx context.Context, deviceID, topic string) error
}

// TopicsChangedFunc is called with the topics that appeared and disappeared
// from the effective subscription set.
type TopicsChangedFunc func(added, removed []string)

// DeviceRegistry holds the monitored devices. Order of insertion is kept.
type DeviceRegistry struct {
	logger *zap.Logger
	store  DeviceStore

	mu      sync.RWMutex
	devices []models.Device

	onTopicsChanged TopicsChangedFunc
}

// NewDeviceRegistry loads persisted devices, falling back to the seed set on
// first start. store may be nil for a purely in-memory registry.
func NewDeviceRegistry(ctx context.Context, logger *zap.Logger, store DeviceStore) (*DeviceRegistry, error) {
	r := &DeviceRegistry{logger: logger, store: store}

	if store == nil {
		r.devices = models.SeedDevices()
		return r, nil
	}

	devices, err := store.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	if len(devices) == 0 {
		devices = models.SeedDevices()
		for _, d := range devices {
			if err := store.SaveDevice(ctx, d); err != nil {
				return nil, fmt.Errorf("failed to seed devices: %w", err)
			}
		}
		logger.Info("Seeded device registry", zap.Int("devices", len(devices)))
	}
	r.devices = devices
	return r, nil
}

// OnTopicsChanged registers the callback fired after the effective topic set changes.
func (r *DeviceRegistry) OnTopicsChanged(fn TopicsChangedFunc) {
	r.mu.Lock()
	r.onTopicsChanged = fn
	r.mu.Unlock()
}

func (r *DeviceRegistry) List() []models.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.Device{}, r.devices...)
}

func (r *DeviceRegistry) Get(id string) (models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.devices[i], nil
	}
	return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// Topics returns the effective topic of every device, without duplicates.
func (r *DeviceRegistry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topicsLocked()
}

// Add registers a new device. Empty and duplicate ids are rejected.
func (r *DeviceRegistry) Add(ctx context.Context, d models.Device) (models.Device, error) {
	d.ID = strings.TrimSpace(d.ID)
	d.Name = strings.TrimSpace(d.Name)
	d.MQTTTopic = strings.TrimSpace(d.MQTTTopic)
	if d.ID == "" {
		return models.Device{}, fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Status == "" {
		d.Status = models.DeviceOnline
	}
	if !d.Status.Valid() {
		return models.Device{}, fmt.Errorf("%w: unknown status %q", ErrInvalidDevice, d.Status)
	}

	r.mu.Lock()
	if r.indexLocked(d.ID) >= 0 {
		r.mu.Unlock()
		return models.Device{}, fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID)
	}
	if r.store != nil {
		if err := r.store.SaveDevice(ctx, d); err != nil {
			r.mu.Unlock()
			return models.Device{}, err
		}
	}
	before := r.topicsLocked()
	r.devices = append(r.devices, d)
	after := r.topicsLocked()
	notify := r.onTopicsChanged
	r.mu.Unlock()

	r.logger.Info("Device added", zap.String("device_id", d.ID), zap.String("topic", d.Topic()))
	fireTopicsChanged(notify, before, after)
	return d, nil
}

func (r *DeviceRegistry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if r.store != nil {
		if err := r.store.DeleteDevice(ctx, id); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	before := r.topicsLocked()
	r.devices = append(r.devices[:i:i], r.devices[i+1:]...)
	after := r.topicsLocked()
	notify := r.onTopicsChanged
	r.mu.Unlock()

	r.logger.Info("Device removed", zap.String("device_id", id))
	fireTopicsChanged(notify, before, after)
	return nil
}

// UpdateTopic overrides the device topic. An empty topic restores the default.
func (r *DeviceRegistry) UpdateTopic(ctx context.Context, id, topic string) (models.Device, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = models.DefaultTopic(id)
	}

	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if r.store != nil {
		if err := r.store.SetDeviceTopic(ctx, id, topic); err != nil {
			r.mu.Unlock()
			return models.Device{}, err
		}
	}
	before := r.topicsLocked()
	r.devices[i].MQTTTopic = topic
	d := r.devices[i]
	after := r.topicsLocked()
	notify := r.onTopicsChanged
	r.mu.Unlock()

	r.logger.Info("Device topic updated", zap.String("device_id", id), zap.String("topic", topic))
	fireTopicsChanged(notify, before, after)
	return d, nil
}

// SetStatus records an operator-set status. Telemetry never changes it.
func (r *DeviceRegistry) SetStatus(ctx context.Context, id string, status models.DeviceStatus) (models.Device, error) {
	if !status.Valid() {
		return models.Device{}, fmt.Errorf("%w: unknown status %q", ErrInvalidDevice, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexLocked(id)
	if i < 0 {
		return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	d := r.devices[i]
	d.Status = status
	if r.store != nil {
		if err := r.store.SaveDevice(ctx, d); err != nil {
			return models.Device{}, err
		}
	}
	r.devices[i] = d
	return d, nil
}

func (r *DeviceRegistry) indexLocked(id string) int {
	for i, d := range r.devices {
		if d.ID == id {
			return i
		}
	}
	return -1
}

func (r *DeviceRegistry) topicsLocked() []string {
	var topics []string
	for _, d := range r.devices {
		topics = mergeTopics(topics, []string{d.Topic()})
	}
	return topics
}

func fireTopicsChanged(fn TopicsChangedFunc, before, after []string) {
	if fn == nil {
		return
	}
	added := newTopics(before, after)
	removed := newTopics(after, before)
	if len(added) == 0 && len(removed) == 0 {
		return
	}
	fn(added, removed)
}

// TopicSubscriber is the part of the adapter the registry drives.
type TopicSubscriber interface {
	Subscribe(topics []string) error
	Unsubscribe(topics []string) error
}

// SyncSubscriptions returns a TopicsChangedFunc that mirrors registry changes
// onto sub. Topics returned by pinned (environment or saved settings) stay
// subscribed when the last device using them goes away.
func SyncSubscriptions(sub TopicSubscriber, pinned func() []string, logger *zap.Logger) TopicsChangedFunc {
	return func(added, removed []string) {
		if len(added) > 0 {
			if err := sub.Subscribe(added); err != nil {
				logger.Warn("Failed to subscribe to device topics", zap.Strings("topics", added), zap.Error(err))
			}
		}

		var keep []string
		if pinned != nil {
			keep = pinned()
		}
		var drop []string
		for _, t := range removed {
			if !containsTopic(keep, t) {
				drop = append(drop, t)
			}
		}
		if len(drop) == 0 {
			return
		}
		if err := sub.Unsubscribe(drop); err != nil {
			logger.Warn("Failed to unsubscribe from device topics", zap.Strings("topics", drop), zap.Error(err))
		}
	}
}
