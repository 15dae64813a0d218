package models

import (
	"time"
)

// NominalFrequency is the mains frequency assumed when a payload omits it.
const NominalFrequency = 50.0

// DeviceMetrics is the six-field power telemetry snapshot of a meter
type DeviceMetrics struct {
	Current     float64 `json:"current"`
	Voltage     float64 `json:"voltage"`
	Frequency   float64 `json:"frequency"`
	Power       float64 `json:"power"`
	Energy      float64 `json:"energy"`
	PowerFactor float64 `json:"powerFactor"`
}

// DefaultMetrics returns the record used for fields a payload leaves out.
func DefaultMetrics() DeviceMetrics {
	return DeviceMetrics{Frequency: NominalFrequency}
}

// IncomingMessage is a raw broker delivery waiting to be decoded
type IncomingMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Reading is the latest decoded metrics of a device
type Reading struct {
	DeviceID  string        `json:"deviceId"`
	Topic     string        `json:"topic"`
	Metrics   DeviceMetrics `json:"metrics"`
	Timestamp time.Time     `json:"timestamp"`
}

// HistoryEntry is one received message as kept in the history log.
// Entries whose payload could not be decoded carry Raw instead of Metrics.
type HistoryEntry struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"deviceId"`
	Topic     string         `json:"topic"`
	Decoded   bool           `json:"decoded"`
	Metrics   *DeviceMetrics `json:"metrics,omitempty"`
	Raw       string         `json:"raw,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HistoryRecord is a three-phase meter row shown on the history page
type HistoryRecord struct {
	ID         int       `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	IR         float64   `json:"ir"`
	IS         float64   `json:"is"`
	IT         float64   `json:"it"`
	IAverage   float64   `json:"iAverage"`
	VoltRS     float64   `json:"voltRS"`
	VoltST     float64   `json:"voltST"`
	VoltTR     float64   `json:"voltTR"`
	VoltRN     float64   `json:"voltRN"`
	VoltSN     float64   `json:"voltSN"`
	VoltTN     float64   `json:"voltTN"`
	VAverage   float64   `json:"vAverage"`
	PR         float64   `json:"pr"`
	PS         float64   `json:"ps"`
	PT         float64   `json:"pt"`
	TotalPower float64   `json:"totalPower"`
}

// ChartPoint is one sample of a chart series
type ChartPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}
