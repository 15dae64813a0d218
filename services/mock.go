package services

import (
	"math"
	"math/rand"
	"sync"
	"time"
	"unicode/utf16"

	"powerwatch/models"
)

// MockGenerator produces stand-in telemetry for devices that have not
// reported yet. Baselines are deterministic per device id; chart and
// history series are jittered on every call.
type MockGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewMockGenerator(seed int64) *MockGenerator {
	return &MockGenerator{rnd: rand.New(rand.NewSource(seed))}
}

// BaselineMetrics derives a stable metrics record from the device id. The
// seed is the sum of its UTF-16 code units.
func BaselineMetrics(deviceID string) models.DeviceMetrics {
	seed := 0
	for _, u := range utf16.Encode([]rune(deviceID)) {
		seed += int(u)
	}
	return models.DeviceMetrics{
		Current:     round(float64(seed%20), 1),
		Voltage:     float64(200 + seed%50),
		Frequency:   models.NominalFrequency,
		Power:       round(float64(seed%10), 2),
		Energy:      round(float64(seed%100), 1),
		PowerFactor: round(0.8+float64(seed%20)/100, 2),
	}
}

// Chart metrics.
const (
	ChartCurrent = "current"
	ChartVoltage = "voltage"
)

const chartStep = 5 * time.Minute

// ChartSeries returns count samples ending at now, five minutes apart.
// Unknown metrics are charted as current.
func (g *MockGenerator) ChartSeries(metric string, count int, now time.Time) []models.ChartPoint {
	base, variance := 0.1, 0.05
	if metric == ChartVoltage {
		base, variance = 71, 1
	}
	if count < 0 {
		count = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	points := make([]models.ChartPoint, count)
	for i := range points {
		points[i] = models.ChartPoint{
			Time:  now.Add(-time.Duration(count-1-i) * chartStep),
			Value: base + (g.rnd.Float64()-0.5)*variance*2,
		}
	}
	return points
}

// maxHistoryRecords caps the rows returned for one history query.
const maxHistoryRecords = 100

// HistoryRecords returns hourly three-phase rows from start, one day of rows
// per started day in [start, end), at most maxHistoryRecords.
func (g *MockGenerator) HistoryRecords(start, end time.Time) []models.HistoryRecord {
	if !end.After(start) {
		return []models.HistoryRecord{}
	}
	days := int(math.Ceil(end.Sub(start).Hours() / 24))
	n := min(days*24, maxHistoryRecords)

	g.mu.Lock()
	defer g.mu.Unlock()

	records := make([]models.HistoryRecord, n)
	for i := range records {
		r := models.HistoryRecord{
			ID:        i + 1,
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			IR:        round(g.rnd.Float64()*10, 2),
			IS:        round(g.rnd.Float64()*10, 2),
			IT:        round(g.rnd.Float64()*10, 2),
			VoltRS:    round(380+g.rnd.Float64()*20, 1),
			VoltST:    round(380+g.rnd.Float64()*20, 1),
			VoltTR:    round(380+g.rnd.Float64()*20, 1),
			VoltRN:    round(220+g.rnd.Float64()*10, 1),
			VoltSN:    round(220+g.rnd.Float64()*10, 1),
			VoltTN:    round(220+g.rnd.Float64()*10, 1),
			PR:        round(g.rnd.Float64()*5, 2),
			PS:        round(g.rnd.Float64()*5, 2),
			PT:        round(g.rnd.Float64()*5, 2),
		}
		r.IAverage = round((r.IR+r.IS+r.IT)/3, 2)
		r.VAverage = round((r.VoltRN+r.VoltSN+r.VoltTN)/3, 1)
		r.TotalPower = round(r.PR+r.PS+r.PT, 2)
		records[i] = r
	}
	return records
}

// MetricsSource tells whether a value came from the broker or the mock generator
type MetricsSource string

const (
	SourceLive MetricsSource = "live"
	SourceMock MetricsSource = "mock"
)

// DeviceSnapshot is what dashboards render for one device.
type DeviceSnapshot struct {
	DeviceID  string               `json:"deviceId"`
	Metrics   models.DeviceMetrics `json:"metrics"`
	Source    MetricsSource        `json:"source"`
	Timestamp *time.Time           `json:"timestamp,omitempty"`
}

// LatestReader is the read side of the latest-value cache.
type LatestReader interface {
	Latest(deviceID string) (models.Reading, bool)
}

// MetricsProvider serves live metrics and falls back to the deterministic
// baseline, so a device is never shown empty.
type MetricsProvider struct {
	latest LatestReader
}

func NewMetricsProvider(latest LatestReader) *MetricsProvider {
	return &MetricsProvider{latest: latest}
}

func (p *MetricsProvider) MetricsFor(deviceID string) DeviceSnapshot {
	if p.latest != nil {
		if r, ok := p.latest.Latest(deviceID); ok {
			ts := r.Timestamp
			return DeviceSnapshot{DeviceID: deviceID, Metrics: r.Metrics, Source: SourceLive, Timestamp: &ts}
		}
	}
	return DeviceSnapshot{DeviceID: deviceID, Metrics: BaselineMetrics(deviceID), Source: SourceMock}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
