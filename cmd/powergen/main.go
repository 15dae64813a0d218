package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"powerwatch/models"
	"powerwatch/services"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	rps        = flag.Int("rps", 1, "Messages per second per device")
	devices    = flag.String("devices", "device_1,device_2", "Comma separated device ids")
	short      = flag.Bool("short", false, "Use short field aliases (I, V, F, P, E, PF)")
	garbage    = flag.Float64("garbage", 0, "Probability of publishing a malformed payload (0.0-1.0)")
	mqttBroker = flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	mqttUser   = flag.String("user", "", "MQTT username")
	mqttPass   = flag.String("pass", "", "MQTT password")
)

// MockPublisher produces meter payloads drifting around each device's baseline
type MockPublisher struct {
	rnd     *rand.Rand
	short   bool
	garbage float64
	energy  map[string]float64
}

func NewMockPublisher(seed int64, short bool, garbage float64) *MockPublisher {
	return &MockPublisher{
		rnd:     rand.New(rand.NewSource(seed)),
		short:   short,
		garbage: garbage,
		energy:  make(map[string]float64),
	}
}

// Payload returns the next payload for deviceID and whether it is malformed on purpose.
func (m *MockPublisher) Payload(deviceID string) ([]byte, bool) {
	if m.rnd.Float64() < m.garbage {
		return []byte(fmt.Sprintf("garbage-%d", m.rnd.Intn(1000))), true
	}

	base := services.BaselineMetrics(deviceID)
	current := math.Max(0, base.Current+(m.rnd.Float64()-0.5)*2)
	voltage := base.Voltage + (m.rnd.Float64()-0.5)*4
	pf := math.Min(1, base.PowerFactor+(m.rnd.Float64()-0.5)*0.04)
	power := current * voltage * pf / 1000
	m.energy[deviceID] += power / 3600
	energy := base.Energy + m.energy[deviceID]

	values := []float64{
		round(current, 2),
		round(voltage, 1),
		round(models.NominalFrequency+(m.rnd.Float64()-0.5)*0.2, 2),
		round(power, 3),
		round(energy, 3),
		round(pf, 2),
	}
	names := []string{"current", "voltage", "frequency", "power", "energy", "powerFactor"}
	if m.short {
		names = []string{"I", "V", "F", "P", "E", "PF"}
	}

	payload := make(map[string]float64, len(names))
	for i, name := range names {
		payload[name] = values[i]
	}
	b, _ := json.Marshal(payload)
	return b, false
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ids := strings.Split(*devices, ",")
	logger.Info("Power meter generator started",
		zap.Strings("devices", ids),
		zap.Int("rps", *rps),
		zap.Bool("short_aliases", *short),
		zap.Float64("garbage_probability", *garbage),
		zap.String("mqtt_broker", *mqttBroker))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(*mqttBroker)
	opts.SetClientID(fmt.Sprintf("powergen-%d", time.Now().UnixNano()))
	opts.SetUsername(*mqttUser)
	opts.SetPassword(*mqttPass)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	if strings.HasPrefix(*mqttBroker, "wss://") || strings.HasPrefix(*mqttBroker, "ssl://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", *mqttBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Fatal("Failed to connect to MQTT broker", zap.Error(token.Error()))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gen := NewMockPublisher(time.Now().UnixNano(), *short, *garbage)
	interval := time.Second / time.Duration(max(*rps, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent, malformed := 0, 0
	startTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down",
				zap.Int("total_messages", sent),
				zap.Int("malformed", malformed),
				zap.Duration("uptime", time.Since(startTime)))
			client.Disconnect(250)
			return

		case <-ticker.C:
			for _, id := range ids {
				id = strings.TrimSpace(id)
				if id == "" {
					continue
				}
				payload, bad := gen.Payload(id)
				topic := models.DefaultTopic(id)

				token := client.Publish(topic, 0, false, payload)
				if token.Wait() && token.Error() != nil {
					logger.Error("Failed to publish MQTT message", zap.String("topic", topic), zap.Error(token.Error()))
					continue
				}
				sent++
				if bad {
					malformed++
				}
				logger.Debug("Published MQTT message",
					zap.String("topic", topic),
					zap.ByteString("payload", payload))
			}
			if sent > 0 && sent%100 == 0 {
				logger.Info("MQTT messages published",
					zap.Int("count", sent),
					zap.Float64("rate", float64(sent)/time.Since(startTime).Seconds()))
			}
		}
	}
}
