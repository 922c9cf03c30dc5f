// Package driver — mqtt.go
//
// MQTT adapter. Push transport: stations and meters publish telemetry
// to the broker and the adapter subscribes; no polling.
//
// Topic layout under the configured prefix:
//
//	{prefix}/station/{id}/telemetry   ← station JSON telemetry
//	{prefix}/meter/{id}/telemetry     ← meter JSON telemetry
//	{prefix}/station/{id}/set/ac      → {"a":16,"b":16,"c":16}
//	{prefix}/station/{id}/set/dc      → {"power_kw":50}
//	{prefix}/station/{id}/session     → {"action":"start","session_id":...,"user":...}
package driver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/faults"
	"github.com/jessejamescox/platform-dlm/internal/observability"
	"github.com/jessejamescox/platform-dlm/internal/resilience"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

// MQTTSettings parameterizes the adapter.
type MQTTSettings struct {
	BrokerURL      string
	Username       string
	Password       string
	TopicPrefix    string
	ConnectTimeout time.Duration
	Breaker        resilience.BreakerSettings
}

// stationTelemetry is the JSON wire shape stations publish.
type stationTelemetry struct {
	Status       string   `json:"status"`
	PowerKW      float64  `json:"power_kw"`
	EnergyKWh    float64  `json:"session_energy_kwh"`
	PhaseA       *float64 `json:"phase_a,omitempty"`
	PhaseB       *float64 `json:"phase_b,omitempty"`
	PhaseC       *float64 `json:"phase_c,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	SoC          *float64 `json:"soc,omitempty"`
	Voltage      *float64 `json:"voltage,omitempty"`
	Timestamp    int64    `json:"ts,omitempty"` // unix millis
}

// meterTelemetry is the JSON wire shape meters publish.
type meterTelemetry struct {
	PowerKW     float64 `json:"power_kw"`
	EnergyKWh   float64 `json:"total_energy_kwh"`
	Voltage     float64 `json:"voltage"`
	Current     float64 `json:"current"`
	PowerFactor float64 `json:"power_factor"`
	Frequency   float64 `json:"frequency"`
	Timestamp   int64   `json:"ts,omitempty"`
}

// MQTTDriver implements Driver over an MQTT broker.
type MQTTDriver struct {
	set     MQTTSettings
	log     *zap.Logger
	metrics *observability.Metrics

	client  mqtt.Client
	breaker *resilience.Breaker

	mu        sync.Mutex
	connected bool
}

// NewMQTTDriver creates the adapter. metrics may be nil.
func NewMQTTDriver(set MQTTSettings, metrics *observability.Metrics, log *zap.Logger) *MQTTDriver {
	if set.TopicPrefix == "" {
		set.TopicPrefix = "dlm"
	}
	if set.ConnectTimeout <= 0 {
		set.ConnectTimeout = 10 * time.Second
	}
	bset := set.Breaker
	bset.Name = "mqtt:" + set.BrokerURL
	return &MQTTDriver{
		set:     set,
		log:     log,
		metrics: metrics,
		breaker: resilience.NewBreaker(bset, log),
	}
}

// Protocol implements Driver.
func (d *MQTTDriver) Protocol() Protocol { return ProtocolMQTT }

// Connect implements Driver. Idempotent; auto-reconnect is delegated to
// the paho client.
func (d *MQTTDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	opts := mqtt.NewClientOptions().
		AddBroker(d.set.BrokerURL).
		SetUsername(d.set.Username).
		SetPassword(d.set.Password).
		SetClientID("dlm-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectTimeout(d.set.ConnectTimeout).
		SetOrderMatters(true)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		d.log.Warn("mqtt connection lost", zap.Error(err))
	}
	opts.OnConnect = func(mqtt.Client) {
		d.log.Info("mqtt connected", zap.String("broker", d.set.BrokerURL))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(d.set.ConnectTimeout) {
		return faults.Newf(faults.KindTransport, "mqtt connect to %s timed out", d.set.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return faults.Wrap(faults.KindTransport, "mqtt connect", err)
	}
	d.client = client
	d.connected = true
	return nil
}

func (d *MQTTDriver) topic(parts ...string) string {
	t := d.set.TopicPrefix
	for _, p := range parts {
		t += "/" + p
	}
	return t
}

// ObserveStation implements Driver: subscribes to the station's
// telemetry topic.
func (d *MQTTDriver) ObserveStation(stationID string, cb StationCallback) error {
	client := d.clientHandle()
	if client == nil {
		return faults.New(faults.KindStateConflict, "mqtt driver not connected")
	}
	topic := d.topic("station", stationID, "telemetry")
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var t stationTelemetry
		if err := json.Unmarshal(msg.Payload(), &t); err != nil {
			d.log.Warn("malformed station telemetry",
				zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		obs := StationObservation{
			StationID:        stationID,
			Status:           state.Status(t.Status),
			PowerKW:          t.PowerKW,
			SessionEnergyKWh: t.EnergyKWh,
			TemperatureC:     t.TemperatureC,
			SoCPercent:       t.SoC,
			Voltage:          t.Voltage,
			ObservedAt:       telemetryTime(t.Timestamp),
		}
		if t.PhaseA != nil || t.PhaseB != nil || t.PhaseC != nil {
			p := state.PhaseCurrents{}
			if t.PhaseA != nil {
				p.A = *t.PhaseA
			}
			if t.PhaseB != nil {
				p.B = *t.PhaseB
			}
			if t.PhaseC != nil {
				p.C = *t.PhaseC
			}
			obs.Phases = &p
		}
		if d.metrics != nil {
			d.metrics.DriverObservationsTotal.WithLabelValues(string(ProtocolMQTT)).Inc()
		}
		cb(obs)
	})
	if !token.WaitTimeout(d.set.ConnectTimeout) || token.Error() != nil {
		return faults.Wrap(faults.KindTransport, "mqtt subscribe "+topic, token.Error())
	}
	return nil
}

// ObserveMeter implements Driver: subscribes to the meter's telemetry
// topic.
func (d *MQTTDriver) ObserveMeter(meterID string, cb MeterCallback) error {
	client := d.clientHandle()
	if client == nil {
		return faults.New(faults.KindStateConflict, "mqtt driver not connected")
	}
	topic := d.topic("meter", meterID, "telemetry")
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		var t meterTelemetry
		if err := json.Unmarshal(msg.Payload(), &t); err != nil {
			d.log.Warn("malformed meter telemetry",
				zap.String("topic", msg.Topic()), zap.Error(err))
			return
		}
		if d.metrics != nil {
			d.metrics.DriverObservationsTotal.WithLabelValues(string(ProtocolMQTT)).Inc()
		}
		cb(MeterObservation{
			MeterID:        meterID,
			PowerKW:        t.PowerKW,
			TotalEnergyKWh: t.EnergyKWh,
			Voltage:        t.Voltage,
			Current:        t.Current,
			PowerFactor:    t.PowerFactor,
			Frequency:      t.Frequency,
			ObservedAt:     telemetryTime(t.Timestamp),
		})
	})
	if !token.WaitTimeout(d.set.ConnectTimeout) || token.Error() != nil {
		return faults.Wrap(faults.KindTransport, "mqtt subscribe "+topic, token.Error())
	}
	return nil
}

// publish sends one command payload under the breaker.
func (d *MQTTDriver) publish(ctx context.Context, topic string, payload any) error {
	client := d.clientHandle()
	if client == nil {
		return faults.New(faults.KindStateConflict, "mqtt driver not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return faults.Wrap(faults.KindFatal, "marshal command", err)
	}
	err = d.breaker.Execute(ctx, func(ctx context.Context) error {
		token := client.Publish(topic, 1, false, data)
		select {
		case <-token.Done():
			return token.Error()
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	d.countCommand(err)
	return err
}

// CommandAC implements Driver.
func (d *MQTTDriver) CommandAC(ctx context.Context, stationID string, phases state.PhaseCurrents) error {
	return d.publish(ctx, d.topic("station", stationID, "set", "ac"), map[string]float64{
		"a": phases.A, "b": phases.B, "c": phases.C,
	})
}

// CommandDC implements Driver.
func (d *MQTTDriver) CommandDC(ctx context.Context, stationID string, powerKW float64) error {
	return d.publish(ctx, d.topic("station", stationID, "set", "dc"), map[string]float64{
		"power_kw": powerKW,
	})
}

// StartSession implements Driver.
func (d *MQTTDriver) StartSession(ctx context.Context, stationID, userTag string) (string, error) {
	sessionID := uuid.NewString()
	err := d.publish(ctx, d.topic("station", stationID, "session"), map[string]string{
		"action": "start", "session_id": sessionID, "user": userTag,
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// StopSession implements Driver.
func (d *MQTTDriver) StopSession(ctx context.Context, stationID string) error {
	return d.publish(ctx, d.topic("station", stationID, "session"), map[string]string{
		"action": "stop",
	})
}

// Disconnect implements Driver.
func (d *MQTTDriver) Disconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	d.client.Disconnect(uint(250))
	d.connected = false
	d.client = nil
	return nil
}

// Breaker exposes the broker breaker for the operator API.
func (d *MQTTDriver) Breaker() *resilience.Breaker { return d.breaker }

func (d *MQTTDriver) clientHandle() mqtt.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil
	}
	return d.client
}

func (d *MQTTDriver) countCommand(err error) {
	if d.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.DriverCommandsTotal.WithLabelValues(string(ProtocolMQTT), result).Inc()
}

func telemetryTime(millis int64) time.Time {
	if millis <= 0 {
		return time.Now()
	}
	return time.UnixMilli(millis)
}
