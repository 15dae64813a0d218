package models

import (
	"fmt"
)

// DeviceStatus is set by an operator, it is not derived from telemetry
type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// Valid reports whether s is a known status.
func (s DeviceStatus) Valid() bool {
	return s == DeviceOnline || s == DeviceOffline
}

// Device is a monitored power meter
type Device struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Status    DeviceStatus `json:"status"`
	MQTTTopic string       `json:"mqttTopic,omitempty"`
}

// DefaultTopic returns the topic a device publishes to when no override is set.
func DefaultTopic(deviceID string) string {
	return fmt.Sprintf("devices/%s/metrics", deviceID)
}

// Topic returns the effective subscription topic of the device.
func (d Device) Topic() string {
	if d.MQTTTopic != "" {
		return d.MQTTTopic
	}
	return DefaultTopic(d.ID)
}

// SeedDevices returns the devices present before any user action.
func SeedDevices() []Device {
	return []Device{
		{ID: "device_1", Name: "Generator 1", Status: DeviceOnline, MQTTTopic: DefaultTopic("device_1")},
		{ID: "device_2", Name: "Generator 2", Status: DeviceOnline, MQTTTopic: DefaultTopic("device_2")},
	}
}
