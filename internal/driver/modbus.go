// Package driver — modbus.go
//
// Modbus TCP adapter. Polling transport: each observed station runs a
// poll loop at its device interval reading the holding-register block
// below. The status-register mapping to station status is per-driver
// configuration; the default follows the common {0..4} convention.
//
// Register block (holding registers, base 0, big-endian):
//
//	0      status code
//	1-2    active power, W (uint32)
//	3-4    session energy, Wh (uint32)
//	5,6,7  phase currents A/B/C, deci-amps
//	8      controller temperature, deci-°C
//	9      max current capability, deci-amps
//	10     phase count
//	100,101,102  phase current setpoints A/B/C, deci-amps (write)
//	103-104      power setpoint, W (write, uint32 offset-signed for V2G)
//	110    session control: 1 start, 0 stop (write)
package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/capability"
	"github.com/jessejamescox/platform-dlm/internal/faults"
	"github.com/jessejamescox/platform-dlm/internal/observability"
	"github.com/jessejamescox/platform-dlm/internal/resilience"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

const (
	regStatus       = 0
	regPower        = 1
	regEnergy       = 3
	regPhaseA       = 5
	regTemperature  = 8
	regMaxCurrent   = 9
	regPhaseCount   = 10
	regSetPhaseA    = 100
	regSetPower     = 103
	regSession      = 110
	powerSignOffset = 1 << 31 // register value = W + offset, negative exports below
)

// ModbusDevice locates one station or meter on a Modbus endpoint.
type ModbusDevice struct {
	Endpoint     string // host:port
	UnitID       byte
	PollInterval time.Duration
}

// ModbusSettings parameterizes the adapter.
type ModbusSettings struct {
	Timeout   time.Duration
	StatusMap map[uint16]state.Status
	Stations  map[string]ModbusDevice
	Meters    map[string]ModbusDevice
	Breaker   resilience.BreakerSettings
}

// ModbusDriver implements Driver over Modbus TCP.
type ModbusDriver struct {
	set     ModbusSettings
	log     *zap.Logger
	metrics *observability.Metrics

	handlers *pool[*modbus.TCPClientHandler]
	breakers map[string]*resilience.Breaker // per endpoint
	bmu      sync.Mutex

	mu        sync.Mutex
	pollStops map[string]context.CancelFunc
	rootCtx   context.Context
	rootStop  context.CancelFunc
}

// NewModbusDriver creates the adapter. metrics may be nil.
func NewModbusDriver(set ModbusSettings, metrics *observability.Metrics, log *zap.Logger) *ModbusDriver {
	if set.Timeout <= 0 {
		set.Timeout = time.Second
	}
	d := &ModbusDriver{
		set:       set,
		log:       log,
		metrics:   metrics,
		breakers:  make(map[string]*resilience.Breaker),
		pollStops: make(map[string]context.CancelFunc),
	}
	d.handlers = newPool(
		func(endpoint string) (*modbus.TCPClientHandler, error) {
			h := modbus.NewTCPClientHandler(endpoint)
			h.Timeout = set.Timeout
			if err := h.Connect(); err != nil {
				return nil, fmt.Errorf("modbus connect %s: %w", endpoint, err)
			}
			return h, nil
		},
		func(h *modbus.TCPClientHandler) error { return h.Close() },
	)
	return d
}

// Protocol implements Driver.
func (d *ModbusDriver) Protocol() Protocol { return ProtocolModbus }

// Connect implements Driver. Connections are dialed lazily per
// endpoint, so Connect only establishes the root lifetime context.
func (d *ModbusDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rootCtx == nil {
		d.rootCtx, d.rootStop = context.WithCancel(context.Background())
	}
	return nil
}

func (d *ModbusDriver) breaker(endpoint string) *resilience.Breaker {
	d.bmu.Lock()
	defer d.bmu.Unlock()
	b, ok := d.breakers[endpoint]
	if !ok {
		set := d.set.Breaker
		set.Name = "modbus:" + endpoint
		b = resilience.NewBreaker(set, d.log)
		d.breakers[endpoint] = b
	}
	return b
}

// Breakers returns the per-endpoint breakers for the operator API.
func (d *ModbusDriver) Breakers() []*resilience.Breaker {
	d.bmu.Lock()
	defer d.bmu.Unlock()
	out := make([]*resilience.Breaker, 0, len(d.breakers))
	for _, b := range d.breakers {
		out = append(out, b)
	}
	return out
}

// exec runs one Modbus transaction under the endpoint breaker. The
// handler is dropped from the pool on failure so the next call
// re-dials.
func (d *ModbusDriver) exec(ctx context.Context, dev ModbusDevice, op func(client modbus.Client) error) error {
	return d.breaker(dev.Endpoint).Execute(ctx, func(ctx context.Context) error {
		h, err := d.handlers.get(dev.Endpoint)
		if err != nil {
			return err
		}
		h.SlaveId = dev.UnitID
		if err := op(modbus.NewClient(h)); err != nil {
			d.handlers.drop(dev.Endpoint)
			return err
		}
		return nil
	})
}

// ObserveStation implements Driver: starts the poll loop for a station.
func (d *ModbusDriver) ObserveStation(stationID string, cb StationCallback) error {
	dev, ok := d.set.Stations[stationID]
	if !ok {
		return faults.Newf(faults.KindValidation, "no modbus device for station %q", stationID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rootCtx == nil {
		return faults.New(faults.KindStateConflict, "modbus driver not connected")
	}
	if _, running := d.pollStops["station:"+stationID]; running {
		return nil
	}
	ctx, cancel := context.WithCancel(d.rootCtx)
	d.pollStops["station:"+stationID] = cancel
	go d.pollStation(ctx, stationID, dev, cb)
	return nil
}

func (d *ModbusDriver) pollStation(ctx context.Context, stationID string, dev ModbusDevice, cb StationCallback) {
	interval := dev.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		obs, err := d.readStation(ctx, stationID, dev)
		if err != nil {
			d.log.Debug("modbus station poll failed",
				zap.String("station_id", stationID), zap.Error(err))
			continue
		}
		if d.metrics != nil {
			d.metrics.DriverObservationsTotal.WithLabelValues(string(ProtocolModbus)).Inc()
		}
		cb(obs)
	}
}

func (d *ModbusDriver) readStation(ctx context.Context, stationID string, dev ModbusDevice) (StationObservation, error) {
	var raw []byte
	err := d.exec(ctx, dev, func(c modbus.Client) error {
		var err error
		raw, err = c.ReadHoldingRegisters(regStatus, 9)
		return err
	})
	if err != nil {
		return StationObservation{}, err
	}
	if len(raw) < 18 {
		return StationObservation{}, faults.Newf(faults.KindTransport, "short register read: %d bytes", len(raw))
	}

	statusCode := binary.BigEndian.Uint16(raw[0:2])
	status, ok := d.set.StatusMap[statusCode]
	if !ok {
		status = state.StatusError
	}
	powerW := binary.BigEndian.Uint32(raw[2:6])
	energyWh := binary.BigEndian.Uint32(raw[6:10])
	phases := state.PhaseCurrents{
		A: float64(binary.BigEndian.Uint16(raw[10:12])) / 10,
		B: float64(binary.BigEndian.Uint16(raw[12:14])) / 10,
		C: float64(binary.BigEndian.Uint16(raw[14:16])) / 10,
	}
	temp := float64(binary.BigEndian.Uint16(raw[16:18])) / 10

	return StationObservation{
		StationID:        stationID,
		Status:           status,
		PowerKW:          float64(powerW) / 1000,
		SessionEnergyKWh: float64(energyWh) / 1000,
		Phases:           &phases,
		TemperatureC:     &temp,
		ObservedAt:       time.Now(),
	}, nil
}

// ObserveMeter implements Driver: starts the meter poll loop.
func (d *ModbusDriver) ObserveMeter(meterID string, cb MeterCallback) error {
	dev, ok := d.set.Meters[meterID]
	if !ok {
		return faults.Newf(faults.KindValidation, "no modbus device for meter %q", meterID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rootCtx == nil {
		return faults.New(faults.KindStateConflict, "modbus driver not connected")
	}
	if _, running := d.pollStops["meter:"+meterID]; running {
		return nil
	}
	ctx, cancel := context.WithCancel(d.rootCtx)
	d.pollStops["meter:"+meterID] = cancel
	go d.pollMeter(ctx, meterID, dev, cb)
	return nil
}

// Meter register block: power W (int32, sign-offset), energy Wh
// (uint32), voltage deci-V, current deci-A, power factor milli,
// frequency centi-Hz.
func (d *ModbusDriver) pollMeter(ctx context.Context, meterID string, dev ModbusDevice, cb MeterCallback) {
	interval := dev.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var raw []byte
		err := d.exec(ctx, dev, func(c modbus.Client) error {
			var err error
			raw, err = c.ReadHoldingRegisters(0, 8)
			return err
		})
		if err != nil || len(raw) < 16 {
			d.log.Debug("modbus meter poll failed",
				zap.String("meter_id", meterID), zap.Error(err))
			continue
		}
		powerW := int64(binary.BigEndian.Uint32(raw[0:4])) - powerSignOffset
		cb(MeterObservation{
			MeterID:        meterID,
			PowerKW:        float64(powerW) / 1000,
			TotalEnergyKWh: float64(binary.BigEndian.Uint32(raw[4:8])) / 1000,
			Voltage:        float64(binary.BigEndian.Uint16(raw[8:10])) / 10,
			Current:        float64(binary.BigEndian.Uint16(raw[10:12])) / 10,
			PowerFactor:    float64(binary.BigEndian.Uint16(raw[12:14])) / 1000,
			Frequency:      float64(binary.BigEndian.Uint16(raw[14:16])) / 100,
			ObservedAt:     time.Now(),
		})
		if d.metrics != nil {
			d.metrics.DriverObservationsTotal.WithLabelValues(string(ProtocolModbus)).Inc()
		}
	}
}

// CommandAC implements Driver: writes the per-phase setpoint registers.
func (d *ModbusDriver) CommandAC(ctx context.Context, stationID string, phases state.PhaseCurrents) error {
	dev, ok := d.set.Stations[stationID]
	if !ok {
		return faults.Newf(faults.KindValidation, "no modbus device for station %q", stationID)
	}
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], uint16(phases.A*10))
	binary.BigEndian.PutUint16(payload[2:4], uint16(phases.B*10))
	binary.BigEndian.PutUint16(payload[4:6], uint16(phases.C*10))
	err := d.exec(ctx, dev, func(c modbus.Client) error {
		_, err := c.WriteMultipleRegisters(regSetPhaseA, 3, payload)
		return err
	})
	d.countCommand(err)
	return err
}

// CommandDC implements Driver: writes the power setpoint registers.
func (d *ModbusDriver) CommandDC(ctx context.Context, stationID string, powerKW float64) error {
	dev, ok := d.set.Stations[stationID]
	if !ok {
		return faults.Newf(faults.KindValidation, "no modbus device for station %q", stationID)
	}
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(int64(powerKW*1000)+powerSignOffset))
	err := d.exec(ctx, dev, func(c modbus.Client) error {
		_, err := c.WriteMultipleRegisters(regSetPower, 2, payload)
		return err
	})
	d.countCommand(err)
	return err
}

// StartSession implements Driver.
func (d *ModbusDriver) StartSession(ctx context.Context, stationID, _ string) (string, error) {
	dev, ok := d.set.Stations[stationID]
	if !ok {
		return "", faults.Newf(faults.KindValidation, "no modbus device for station %q", stationID)
	}
	err := d.exec(ctx, dev, func(c modbus.Client) error {
		_, err := c.WriteSingleRegister(regSession, 1)
		return err
	})
	if err != nil {
		return "", err
	}
	return uuid.NewString(), nil
}

// StopSession implements Driver.
func (d *ModbusDriver) StopSession(ctx context.Context, stationID string) error {
	dev, ok := d.set.Stations[stationID]
	if !ok {
		return faults.Newf(faults.KindValidation, "no modbus device for station %q", stationID)
	}
	return d.exec(ctx, dev, func(c modbus.Client) error {
		_, err := c.WriteSingleRegister(regSession, 0)
		return err
	})
}

// Disconnect implements Driver: stops polling and closes connections.
func (d *ModbusDriver) Disconnect(context.Context) error {
	d.mu.Lock()
	for key, stop := range d.pollStops {
		stop()
		delete(d.pollStops, key)
	}
	if d.rootStop != nil {
		d.rootStop()
		d.rootCtx, d.rootStop = nil, nil
	}
	d.mu.Unlock()
	d.handlers.closeAll()
	return nil
}

// Interrogate implements capability.Interrogator by reading the
// capability registers. Stations that do not expose them fail the read
// and fall back to a profile.
func (d *ModbusDriver) Interrogate(ctx context.Context, stationID string) (capability.Capability, error) {
	dev, ok := d.set.Stations[stationID]
	if !ok {
		return capability.Capability{}, faults.Newf(faults.KindValidation, "no modbus device for station %q", stationID)
	}
	var raw []byte
	err := d.exec(ctx, dev, func(c modbus.Client) error {
		var err error
		raw, err = c.ReadHoldingRegisters(regMaxCurrent, 2)
		return err
	})
	if err != nil {
		return capability.Capability{}, err
	}
	if len(raw) < 4 {
		return capability.Capability{}, faults.New(faults.KindTransport, "short capability read")
	}
	maxA := float64(binary.BigEndian.Uint16(raw[0:2])) / 10
	phaseCount := int(binary.BigEndian.Uint16(raw[2:4]))
	if maxA <= 0 || (phaseCount != 1 && phaseCount != 3) {
		return capability.Capability{}, faults.Newf(faults.KindTransport,
			"implausible capability registers: %.1f A, %d phases", maxA, phaseCount)
	}
	class := state.ClassAC1P
	maxKW := maxA * 230 / 1000
	if phaseCount == 3 {
		class = state.ClassAC3P
		maxKW = sqrt3 * 400 * maxA / 1000
	}
	return capability.Capability{
		Profile: "modbus_discovered",
		Class:   class,
		Envelope: capability.Envelope{
			MinCurrentA: 6, MaxCurrentA: maxA, CurrentStepA: 1,
			MinPowerKW: 1.4, MaxPowerKW: maxKW,
			RampRate: 8, Phases: phaseCount,
			MinUpdateInterval:     2 * time.Second,
			TypicalUpdateInterval: 5 * time.Second,
		},
		Features: map[capability.Feature]bool{},
	}, nil
}

const sqrt3 = 1.7320508075688772

func (d *ModbusDriver) countCommand(err error) {
	if d.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.DriverCommandsTotal.WithLabelValues(string(ProtocolModbus), result).Inc()
}
