package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrPayloadNotObject is returned for payloads that are valid JSON but not an object.
var ErrPayloadNotObject = errors.New("payload is not a JSON object")

// Field names accepted for each metric, full name first.
var (
	currentKeys     = []string{"current", "I"}
	voltageKeys     = []string{"voltage", "V"}
	frequencyKeys   = []string{"frequency", "F"}
	powerKeys       = []string{"power", "P"}
	energyKeys      = []string{"energy", "E"}
	powerFactorKeys = []string{"powerFactor", "PF"}
)

// DecodeMetrics parses a power meter payload. Every field is optional, the
// first key of a field holding a number wins and missing fields take their
// default (0, frequency 50). Unknown keys are ignored.
func DecodeMetrics(raw []byte) (DeviceMetrics, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return DeviceMetrics{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	payload, ok := generic.(map[string]interface{})
	if !ok {
		return DeviceMetrics{}, ErrPayloadNotObject
	}

	m := DefaultMetrics()
	lookupNumber(payload, currentKeys, &m.Current)
	lookupNumber(payload, voltageKeys, &m.Voltage)
	lookupNumber(payload, frequencyKeys, &m.Frequency)
	lookupNumber(payload, powerKeys, &m.Power)
	lookupNumber(payload, energyKeys, &m.Energy)
	lookupNumber(payload, powerFactorKeys, &m.PowerFactor)
	return m, nil
}

// lookupNumber overwrites dst with the first numeric value found under keys.
func lookupNumber(payload map[string]interface{}, keys []string, dst *float64) {
	for _, key := range keys {
		if v, ok := toFloat(payload[key]); ok {
			*dst = v
			return
		}
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// DeviceIDFromTopic returns the second path segment of a topic, or the whole
// topic when there is no usable second segment.
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return topic
}
