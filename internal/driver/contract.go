// Package driver defines the uniform station and meter I/O surface and
// the protocol adapters implementing it (Modbus, MQTT, OCPP).
//
// Adapters push observations through registered callbacks; they never
// call into controllers directly. Every outward call runs under the
// endpoint's circuit breaker with retry and deadline discipline.
// Polling transports (Modbus) run a per-device poll loop; push
// transports (MQTT, OCPP) do not poll.
package driver

import (
	"context"
	"time"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

// Protocol identifies the transport an adapter speaks.
type Protocol string

const (
	ProtocolModbus Protocol = "modbus"
	ProtocolMQTT   Protocol = "mqtt"
	ProtocolOCPP   Protocol = "ocpp"
	ProtocolSim    Protocol = "sim"
)

// StationObservation is one push measurement from a charging station.
type StationObservation struct {
	StationID        string
	Status           state.Status
	PowerKW          float64
	SessionEnergyKWh float64
	Phases           *state.PhaseCurrents
	TemperatureC     *float64
	SoCPercent       *float64
	Voltage          *float64
	ObservedAt       time.Time
}

// Measurement converts the observation to a store command payload.
func (o StationObservation) Measurement() state.StationMeasurement {
	return state.StationMeasurement{
		Status:           o.Status,
		PowerKW:          o.PowerKW,
		SessionEnergyKWh: o.SessionEnergyKWh,
		Phases:           o.Phases,
		TemperatureC:     o.TemperatureC,
		SoCPercent:       o.SoCPercent,
		Voltage:          o.Voltage,
		ObservedAt:       o.ObservedAt,
	}
}

// MeterObservation is one push measurement from a meter.
type MeterObservation struct {
	MeterID        string
	PowerKW        float64
	TotalEnergyKWh float64
	Voltage        float64
	Current        float64
	PowerFactor    float64
	Frequency      float64
	ObservedAt     time.Time
}

// StationCallback receives station observations.
type StationCallback func(StationObservation)

// MeterCallback receives meter observations.
type MeterCallback func(MeterObservation)

// Driver is the contract every protocol adapter implements.
type Driver interface {
	// Protocol names the transport.
	Protocol() Protocol

	// Connect establishes transport connections. Idempotent.
	Connect(ctx context.Context) error

	// ObserveStation registers a station for observation delivery.
	// Polling transports start the device poll loop here.
	ObserveStation(stationID string, cb StationCallback) error

	// ObserveMeter registers a meter for observation delivery.
	ObserveMeter(meterID string, cb MeterCallback) error

	// CommandAC applies per-phase current setpoints in amps.
	CommandAC(ctx context.Context, stationID string, phases state.PhaseCurrents) error

	// CommandDC applies a power setpoint in kW; negative exports (V2G).
	CommandDC(ctx context.Context, stationID string, powerKW float64) error

	// StartSession begins a charging session and returns its id.
	StartSession(ctx context.Context, stationID, userTag string) (string, error)

	// StopSession ends the active charging session.
	StopSession(ctx context.Context, stationID string) error

	// Disconnect tears down transport connections and stops polling.
	Disconnect(ctx context.Context) error
}
