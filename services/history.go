package services

import (
	"sort"
	"sync"

	"powerwatch/models"
)

// DefaultHistoryLimit is used when a history log is created with a non-positive cap.
const DefaultHistoryLimit = 50

// HistoryLog keeps the most recent messages newest-first. Once the cap is
// reached the oldest arrival is evicted.
type HistoryLog struct {
	mu      sync.RWMutex
	entries []models.HistoryEntry
	limit   int
}

// NewHistoryLog creates a history log holding at most limit entries
func NewHistoryLog(limit int) *HistoryLog {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryLog{
		entries: make([]models.HistoryEntry, 0, limit),
		limit:   limit,
	}
}

// Add records an entry as the newest one.
func (h *HistoryLog) Add(entry models.HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) >= h.limit {
		h.entries = h.entries[:h.limit-1]
	}
	h.entries = append(h.entries, models.HistoryEntry{})
	copy(h.entries[1:], h.entries[:len(h.entries)-1])
	h.entries[0] = entry
}

// All returns a copy of every entry, newest first.
func (h *HistoryLog) All() []models.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]models.HistoryEntry, len(h.entries))
	copy(result, h.entries)
	return result
}

// ForDevice returns the entries of one device, newest first.
func (h *HistoryLog) ForDevice(deviceID string) []models.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]models.HistoryEntry, 0)
	for _, e := range h.entries {
		if e.DeviceID == deviceID {
			result = append(result, e)
		}
	}
	return result
}

func (h *HistoryLog) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *HistoryLog) Limit() int {
	return h.limit
}

// Clear drops every entry.
func (h *HistoryLog) Clear() {
	h.mu.Lock()
	h.entries = h.entries[:0]
	h.mu.Unlock()
}

// LatestStore is the per-device latest-value cache. Last write wins.
type LatestStore struct {
	mu       sync.RWMutex
	readings map[string]models.Reading
}

func NewLatestStore() *LatestStore {
	return &LatestStore{readings: make(map[string]models.Reading)}
}

// Set replaces the reading held for the device.
func (s *LatestStore) Set(reading models.Reading) {
	s.mu.Lock()
	s.readings[reading.DeviceID] = reading
	s.mu.Unlock()
}

func (s *LatestStore) Get(deviceID string) (models.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[deviceID]
	return r, ok
}

// All returns every reading ordered by device id.
func (s *LatestStore) All() []models.Reading {
	s.mu.RLock()
	result := make([]models.Reading, 0, len(s.readings))
	for _, r := range s.readings {
		result = append(result, r)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result
}

func (s *LatestStore) Clear() {
	s.mu.Lock()
	s.readings = make(map[string]models.Reading)
	s.mu.Unlock()
}
