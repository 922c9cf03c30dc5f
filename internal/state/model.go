// Package state — model.go
//
// Data model owned by the State Store: stations, meters, allocation tick
// history, violations, shedding level, fail-safe flags. All other
// components hold read handles (snapshots) and mutate via typed commands.
package state

import "time"

// StationClass distinguishes current-controlled AC stations from
// power-controlled DC fast chargers.
type StationClass string

const (
	ClassAC1P StationClass = "ac_1p"
	ClassAC3P StationClass = "ac_3p"
	ClassDC   StationClass = "dc"
)

// IsAC reports whether the class is current-controlled.
func (c StationClass) IsAC() bool { return c == ClassAC1P || c == ClassAC3P }

// Status is the station lifecycle status. Transitions are driven only by
// driver observations or fail-safe overrides; the allocator never
// mutates status.
type Status string

const (
	StatusOffline     Status = "offline"
	StatusReady       Status = "ready"
	StatusCharging    Status = "charging"
	StatusError       Status = "error"
	StatusUnavailable Status = "unavailable"
)

// PhaseCurrents holds per-phase setpoints or measurements in amps.
type PhaseCurrents struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
}

// Total returns A+B+C.
func (p PhaseCurrents) Total() float64 { return p.A + p.B + p.C }

// Station is the authoritative record for one charging station.
type Station struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Zone      string       `json:"zone,omitempty"`
	Class     StationClass `json:"class"`
	Connector string       `json:"connector,omitempty"`
	// NominalVoltage is line voltage for 3-phase, phase voltage for
	// single-phase.
	NominalVoltage float64 `json:"nominal_voltage"`

	// Priority 1-10, higher served earlier. UserPriority is the optional
	// RFID priority class, lower = higher; 0 means unset.
	Priority          int  `json:"priority"`
	UserPriority      int  `json:"user_priority,omitempty"`
	ScheduledCharging bool `json:"scheduled_charging,omitempty"`

	Status Status `json:"status"`
	Online bool   `json:"online"`

	RequestedPowerKW float64       `json:"requested_power_kw"`
	CurrentPowerKW   float64       `json:"current_power_kw"`
	Phases           PhaseCurrents `json:"phases,omitempty"`

	// DC-only telemetry.
	TemperatureC    float64 `json:"temperature_c,omitempty"`
	SoCPercent      float64 `json:"soc_percent,omitempty"`
	MeasuredVoltage float64 `json:"measured_voltage,omitempty"`
	V2GEnabled      bool    `json:"v2g_enabled,omitempty"`

	SessionID        string  `json:"session_id,omitempty"`
	SessionUser      string  `json:"session_user,omitempty"`
	SessionEnergyKWh float64 `json:"session_energy_kwh"`
	TotalEnergyKWh   float64 `json:"total_energy_kwh"`

	CreatedAt         time.Time `json:"created_at"`
	LastSeen          time.Time `json:"last_seen"`
	ChargingStartedAt time.Time `json:"charging_started_at,omitempty"`
	LastCommandAt     time.Time `json:"last_command_at,omitempty"`
}

// MeterRole determines how a meter contributes to building consumption.
// Admission load = sum(grid) - sum(solar) when solar meters are present.
type MeterRole string

const (
	MeterGrid     MeterRole = "grid"
	MeterBuilding MeterRole = "building"
	MeterSolar    MeterRole = "solar"
	MeterZone     MeterRole = "zone"
)

// Meter is the most recent reading from one metering point.
type Meter struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Role           MeterRole `json:"role"`
	PowerKW        float64   `json:"power_kw"`
	TotalEnergyKWh float64   `json:"total_energy_kwh"`
	Voltage        float64   `json:"voltage"`
	Current        float64   `json:"current"`
	PowerFactor    float64   `json:"power_factor"`
	Frequency      float64   `json:"frequency"`
	LastSeen       time.Time `json:"last_seen"`
}

// AllocationDecision is the per-station outcome of one allocator tick.
type AllocationDecision struct {
	StationID string  `json:"station_id"`
	DecidedKW float64 `json:"decided_kw"`
	Reason    string  `json:"reason"`
}

// AllocationTick is one pass of the balancing loop, kept in a ring of
// the most recent ticks for history queries.
type AllocationTick struct {
	ID          uint64               `json:"id"`
	At          time.Time            `json:"at"`
	AvailableKW float64              `json:"available_kw"`
	AllocatedKW float64              `json:"allocated_kw"`
	Decisions   []AllocationDecision `json:"decisions"`
}

// Severity grades a constraint violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Violation records one breach of the site electrical envelope.
type Violation struct {
	Component string    `json:"component"`
	Type      string    `json:"type"`
	Severity  Severity  `json:"severity"`
	Measured  float64   `json:"measured"`
	Limit     float64   `json:"limit"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// OfflineAction selects the fail-safe behaviour when a station's
// communication is lost.
type OfflineAction string

const (
	ActionMaintain OfflineAction = "maintain"
	ActionReduce   OfflineAction = "reduce"
	ActionStop     OfflineAction = "stop"
)

// FailSafeState is the per-station fail-safe record.
type FailSafeState struct {
	SafePowerKW         float64       `json:"safe_power_kw"`
	OfflineAction       OfflineAction `json:"offline_action"`
	CommTimeout         time.Duration `json:"comm_timeout"`
	LastComm            time.Time     `json:"last_comm"`
	Active              bool          `json:"active"`
	ConsecutiveTimeouts int           `json:"consecutive_timeouts"`
	LastKnownGoodKW     float64       `json:"last_known_good_kw"`
}
