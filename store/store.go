package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"powerwatch/models"

	_ "modernc.org/sqlite"
)

// Fixed setting keys.
const (
	KeyMQTTConfig = "mqtt_config"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS device_topics (
	device_id TEXT PRIMARY KEY,
	topic     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);`

// Store keeps the dashboard's local state in a SQLite file
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// one writer at a time, sqlite serialises them anyway
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Devices returns the persisted devices ordered by creation.
func (s *Store) Devices(ctx context.Context) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.name, d.status, COALESCE(t.topic, '')
		FROM devices d
		LEFT JOIN device_topics t ON t.device_id = d.id
		ORDER BY d.created_at, d.rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		var d models.Device
		var status string
		if err := rows.Scan(&d.ID, &d.Name, &status, &d.MQTTTopic); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.Status = models.DeviceStatus(status)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SaveDevice inserts or updates a device. A non-empty MQTTTopic is stored as
// the device's topic override.
func (s *Store) SaveDevice(ctx context.Context, d models.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (id, name, status) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status`,
		d.ID, d.Name, string(d.Status)); err != nil {
		return fmt.Errorf("failed to save device %s: %w", d.ID, err)
	}
	if d.MQTTTopic != "" {
		if err := upsertTopic(ctx, tx, d.ID, d.MQTTTopic); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteDevice removes the device and its topic override.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM device_topics WHERE device_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete topic of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete device %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) SetDeviceTopic(ctx context.Context, deviceID, topic string) error {
	return upsertTopic(ctx, s.db, deviceID, topic)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTopic(ctx context.Context, db execer, deviceID, topic string) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO device_topics (device_id, topic) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET topic = excluded.topic`,
		deviceID, topic); err != nil {
		return fmt.Errorf("failed to save topic of %s: %w", deviceID, err)
	}
	return nil
}

// Setting returns the raw value stored under key, ErrNotFound if absent.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value); err != nil {
		return fmt.Errorf("failed to save setting %s: %w", key, err)
	}
	return nil
}

// ConnectionSettings loads the mqtt_config setting.
func (s *Store) ConnectionSettings(ctx context.Context) (models.ConnectionSettings, error) {
	var settings models.ConnectionSettings
	raw, err := s.Setting(ctx, KeyMQTTConfig)
	if err != nil {
		return settings, err
	}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return settings, fmt.Errorf("failed to decode %s: %w", KeyMQTTConfig, err)
	}
	return settings, nil
}

func (s *Store) SaveConnectionSettings(ctx context.Context, settings models.ConnectionSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", KeyMQTTConfig, err)
	}
	return s.SetSetting(ctx, KeyMQTTConfig, string(raw))
}
