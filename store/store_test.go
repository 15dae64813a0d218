package store

import (
	"context"
	"path/filepath"
	"testing"

	"powerwatch/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "powerwatch_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDevicesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveDevice(ctx, models.Device{ID: "device_1", Name: "Generator 1", Status: models.DeviceOnline}))
	require.NoError(t, s.SaveDevice(ctx, models.Device{ID: "device_3", Name: "Pump", Status: models.DeviceOffline, MQTTTopic: "site/pump/metrics"}))

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "device_1", devices[0].ID)
	assert.Empty(t, devices[0].MQTTTopic)
	assert.Equal(t, models.Device{ID: "device_3", Name: "Pump", Status: models.DeviceOffline, MQTTTopic: "site/pump/metrics"}, devices[1])

	// update keeps a single row
	require.NoError(t, s.SaveDevice(ctx, models.Device{ID: "device_1", Name: "Generator 1", Status: models.DeviceOffline}))
	devices, err = s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, models.DeviceOffline, devices[0].Status)

	require.NoError(t, s.DeleteDevice(ctx, "device_3"))
	devices, err = s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
}

func TestDeviceTopicOverride(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveDevice(ctx, models.Device{ID: "device_1", Name: "Generator 1", Status: models.DeviceOnline}))
	require.NoError(t, s.SaveDevice(ctx, models.Device{ID: "device_2", Name: "Generator 2", Status: models.DeviceOnline}))
	require.NoError(t, s.SetDeviceTopic(ctx, "device_1", "a/device_1/metrics"))
	require.NoError(t, s.SetDeviceTopic(ctx, "device_1", "b/device_1/metrics"))

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "b/device_1/metrics", devices[0].MQTTTopic)
	assert.Empty(t, devices[1].MQTTTopic)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Setting(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.ConnectionSettings(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	want := models.ConnectionSettings{Host: "broker.test", Port: 8084, Topic: "devices/+/metrics", HistoryLimit: 20}
	require.NoError(t, s.SaveConnectionSettings(ctx, want))

	got, err := s.ConnectionSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	raw, err := s.Setting(ctx, KeyMQTTConfig)
	require.NoError(t, err)
	assert.NotContains(t, raw, "password")
	assert.NotContains(t, raw, "username")
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveDevice(ctx, models.Device{ID: "device_9", Name: "Feeder", Status: models.DeviceOnline}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	devices, err := s.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "Feeder", devices[0].Name)
}
