// Package state — commands.go
//
// Typed mutation commands. Every command is applied by the single store
// writer; apply returns the events to publish after the mutation has
// been committed. Commands never run subscriber code.
package state

import (
	"time"

	"github.com/jessejamescox/platform-dlm/internal/faults"
)

// Command is one serialized mutation of the store.
type Command interface {
	// apply mutates st and returns the events to publish post-commit.
	// Returning an error leaves st untouched by convention: commands
	// validate before mutating.
	apply(st *tables, now time.Time) ([]Event, error)
}

// Event is a bus message published after a committed mutation.
type Event struct {
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

// tables is the mutable backing state, owned by the store writer.
type tables struct {
	stations map[string]*Station
	meters   map[string]*Meter
	failsafe map[string]*FailSafeState

	sheddingLevel  int
	pvProductionKW float64

	ticks      []AllocationTick // ring, capacity tickHistory
	violations []Violation      // ring, capacity violationHistory
	nextTickID uint64
}

const (
	tickHistory      = 128
	violationHistory = 1024
)

// ─── Station lifecycle ───────────────────────────────────────────────────────

// RegisterStation creates a station record. The zero Status defaults to
// offline until the first observation arrives.
type RegisterStation struct {
	Station Station
}

func (c RegisterStation) apply(st *tables, now time.Time) ([]Event, error) {
	s := c.Station
	if s.ID == "" {
		return nil, faults.New(faults.KindValidation, "station id required")
	}
	if _, exists := st.stations[s.ID]; exists {
		return nil, faults.Newf(faults.KindStateConflict, "station %q already registered", s.ID)
	}
	if s.Status == "" {
		s.Status = StatusOffline
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	st.stations[s.ID] = &s
	return []Event{{Topic: "station.registered", At: now, Data: s}}, nil
}

// UpdateStation applies a partial update. Nil fields are left unchanged.
// Status is deliberately absent: status transitions come only from
// observations or fail-safe commands.
type UpdateStation struct {
	ID                string
	Name              *string
	Zone              *string
	Priority          *int
	UserPriority      *int
	ScheduledCharging *bool
	RequestedPowerKW  *float64
	NominalVoltage    *float64
	V2GEnabled        *bool
}

func (c UpdateStation) apply(st *tables, now time.Time) ([]Event, error) {
	s, ok := st.stations[c.ID]
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown station %q", c.ID)
	}
	if c.Name != nil {
		s.Name = *c.Name
	}
	if c.Zone != nil {
		s.Zone = *c.Zone
	}
	if c.Priority != nil {
		s.Priority = *c.Priority
	}
	if c.UserPriority != nil {
		s.UserPriority = *c.UserPriority
	}
	if c.ScheduledCharging != nil {
		s.ScheduledCharging = *c.ScheduledCharging
	}
	if c.RequestedPowerKW != nil {
		s.RequestedPowerKW = *c.RequestedPowerKW
	}
	if c.NominalVoltage != nil {
		s.NominalVoltage = *c.NominalVoltage
	}
	if c.V2GEnabled != nil {
		s.V2GEnabled = *c.V2GEnabled
	}
	return []Event{{Topic: "station.updated", At: now, Data: *s}}, nil
}

// RemoveStation destroys a station record. Drivers are not notified: an
// existing poll loop or subscription for the station keeps running until
// the driver disconnects.
type RemoveStation struct {
	ID string
}

func (c RemoveStation) apply(st *tables, now time.Time) ([]Event, error) {
	s, ok := st.stations[c.ID]
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown station %q", c.ID)
	}
	delete(st.stations, c.ID)
	delete(st.failsafe, c.ID)
	return []Event{{Topic: "station.deleted", At: now, Data: *s}}, nil
}

// ─── Observations ────────────────────────────────────────────────────────────

// StationMeasurement is a driver push observation.
type StationMeasurement struct {
	Status           Status
	PowerKW          float64
	SessionEnergyKWh float64
	Phases           *PhaseCurrents
	TemperatureC     *float64
	SoCPercent       *float64
	Voltage          *float64
	ObservedAt       time.Time
}

// ObserveStationMeasurement folds a driver observation into the station
// record. last_seen always advances; an observation clears an active
// fail-safe.
type ObserveStationMeasurement struct {
	ID          string
	Measurement StationMeasurement
}

func (c ObserveStationMeasurement) apply(st *tables, now time.Time) ([]Event, error) {
	s, ok := st.stations[c.ID]
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown station %q", c.ID)
	}
	m := c.Measurement
	at := m.ObservedAt
	if at.IsZero() {
		at = now
	}

	var events []Event

	prevStatus := s.Status
	if m.Status != "" {
		s.Status = m.Status
		if m.Status == StatusCharging && prevStatus != StatusCharging {
			s.ChargingStartedAt = at
		}
	}
	s.Online = s.Status != StatusOffline
	if m.SessionEnergyKWh > s.SessionEnergyKWh {
		s.TotalEnergyKWh += m.SessionEnergyKWh - s.SessionEnergyKWh
	}
	s.SessionEnergyKWh = m.SessionEnergyKWh
	s.CurrentPowerKW = m.PowerKW
	if m.Phases != nil {
		s.Phases = *m.Phases
	}
	if m.TemperatureC != nil {
		s.TemperatureC = *m.TemperatureC
	}
	if m.SoCPercent != nil {
		s.SoCPercent = *m.SoCPercent
	}
	if m.Voltage != nil {
		s.MeasuredVoltage = *m.Voltage
	}
	s.LastSeen = at

	if fs, ok := st.failsafe[c.ID]; ok {
		fs.LastComm = at
		fs.ConsecutiveTimeouts = 0
		if fs.Active {
			fs.Active = false
			events = append(events, Event{Topic: "fail_safe.transition", At: now, Data: failSafeTransition(c.ID, *fs)})
		}
	}

	events = append(events, Event{Topic: "station.updated", At: now, Data: *s})
	return events, nil
}

// RegisterMeter creates a meter record.
type RegisterMeter struct {
	Meter Meter
}

func (c RegisterMeter) apply(st *tables, now time.Time) ([]Event, error) {
	m := c.Meter
	if m.ID == "" {
		return nil, faults.New(faults.KindValidation, "meter id required")
	}
	if _, exists := st.meters[m.ID]; exists {
		return nil, faults.Newf(faults.KindStateConflict, "meter %q already registered", m.ID)
	}
	st.meters[m.ID] = &m
	return []Event{{Topic: "meter.registered", At: now, Data: m}}, nil
}

// RemoveMeter deletes a meter record.
type RemoveMeter struct {
	ID string
}

func (c RemoveMeter) apply(st *tables, now time.Time) ([]Event, error) {
	m, ok := st.meters[c.ID]
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown meter %q", c.ID)
	}
	delete(st.meters, c.ID)
	return []Event{{Topic: "meter.deleted", At: now, Data: *m}}, nil
}

// ObserveMeterMeasurement folds a meter reading into the meter record.
type ObserveMeterMeasurement struct {
	ID             string
	PowerKW        float64
	TotalEnergyKWh float64
	Voltage        float64
	Current        float64
	PowerFactor    float64
	Frequency      float64
	ObservedAt     time.Time
}

func (c ObserveMeterMeasurement) apply(st *tables, now time.Time) ([]Event, error) {
	m, ok := st.meters[c.ID]
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown meter %q", c.ID)
	}
	at := c.ObservedAt
	if at.IsZero() {
		at = now
	}
	m.PowerKW = c.PowerKW
	m.TotalEnergyKWh = c.TotalEnergyKWh
	m.Voltage = c.Voltage
	m.Current = c.Current
	m.PowerFactor = c.PowerFactor
	m.Frequency = c.Frequency
	m.LastSeen = at
	return []Event{{Topic: "meter.updated", At: now, Data: *m}}, nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// StartSession records a charging session start.
type StartSession struct {
	ID        string
	SessionID string
	User      string
}

func (c StartSession) apply(st *tables, now time.Time) ([]Event, error) {
	s, ok := st.stations[c.ID]
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown station %q", c.ID)
	}
	if s.SessionID != "" {
		return nil, faults.Newf(faults.KindStateConflict, "station %q already has session %s", c.ID, s.SessionID)
	}
	s.SessionID = c.SessionID
	s.SessionUser = c.User
	s.SessionEnergyKWh = 0
	return []Event{{Topic: "station.session.started", At: now, Data: *s}}, nil
}

// StopSession records a charging session end.
type StopSession struct {
	ID string
}

func (c StopSession) apply(st *tables, now time.Time) ([]Event, error) {
	s, ok := st.stations[c.ID]
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown station %q", c.ID)
	}
	if s.SessionID == "" {
		return nil, faults.Newf(faults.KindStateConflict, "station %q has no active session", c.ID)
	}
	s.SessionID = ""
	s.SessionUser = ""
	return []Event{{Topic: "station.session.stopped", At: now, Data: *s}}, nil
}

// ─── Control plane records ───────────────────────────────────────────────────

// RecordSetpoint records a dispatched controller command: the applied
// power and, for AC, the per-phase currents.
type RecordSetpoint struct {
	ID      string
	PowerKW float64
	Phases  *PhaseCurrents
	AC      bool
}

func (c RecordSetpoint) apply(st *tables, now time.Time) ([]Event, error) {
	s, ok := st.stations[c.ID]
	if !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown station %q", c.ID)
	}
	s.CurrentPowerKW = c.PowerKW
	if c.Phases != nil {
		s.Phases = *c.Phases
	}
	s.LastCommandAt = now
	if fs, ok := st.failsafe[c.ID]; ok && !fs.Active {
		fs.LastKnownGoodKW = c.PowerKW
	}
	topic := "station.command.dc"
	if c.AC {
		topic = "station.command.ac"
	}
	return []Event{{Topic: topic, At: now, Data: *s}}, nil
}

// RecordAllocation appends an allocator tick to the history ring and
// publishes load.updated.
type RecordAllocation struct {
	Tick AllocationTick
}

func (c RecordAllocation) apply(st *tables, now time.Time) ([]Event, error) {
	t := c.Tick
	st.nextTickID++
	t.ID = st.nextTickID
	if t.At.IsZero() {
		t.At = now
	}
	st.ticks = append(st.ticks, t)
	if len(st.ticks) > tickHistory {
		st.ticks = st.ticks[len(st.ticks)-tickHistory:]
	}
	return []Event{{Topic: "load.updated", At: now, Data: t}}, nil
}

// RecordViolation appends a site-constraint violation to the bounded ring.
type RecordViolation struct {
	Violation Violation
}

func (c RecordViolation) apply(st *tables, now time.Time) ([]Event, error) {
	v := c.Violation
	if v.At.IsZero() {
		v.At = now
	}
	st.violations = append(st.violations, v)
	if len(st.violations) > violationHistory {
		st.violations = st.violations[len(st.violations)-violationHistory:]
	}
	return []Event{{Topic: "violation", At: now, Data: v}}, nil
}

// SetSheddingLevel commits a shedding level transition.
type SetSheddingLevel struct {
	Level int
	From  int
	Ratio float64
}

func (c SetSheddingLevel) apply(st *tables, now time.Time) ([]Event, error) {
	if c.Level < 0 || c.Level > 5 {
		return nil, faults.Newf(faults.KindValidation, "shedding level %d out of range", c.Level)
	}
	st.sheddingLevel = c.Level
	return []Event{{Topic: "shedding.transition", At: now, Data: map[string]any{
		"from": c.From, "to": c.Level, "smoothed_ratio": c.Ratio,
	}}}, nil
}

// SetFailSafeState replaces the fail-safe record for a station.
type SetFailSafeState struct {
	ID    string
	State FailSafeState
}

func (c SetFailSafeState) apply(st *tables, now time.Time) ([]Event, error) {
	if _, ok := st.stations[c.ID]; !ok {
		return nil, faults.Newf(faults.KindValidation, "unknown station %q", c.ID)
	}
	prev, had := st.failsafe[c.ID]
	fs := c.State
	st.failsafe[c.ID] = &fs
	if !had || prev.Active != fs.Active {
		return []Event{{Topic: "fail_safe.transition", At: now, Data: failSafeTransition(c.ID, fs)}}, nil
	}
	return nil, nil
}

// SetPVProduction sets the current PV production estimate in kW.
type SetPVProduction struct {
	PowerKW float64
}

func (c SetPVProduction) apply(st *tables, now time.Time) ([]Event, error) {
	if c.PowerKW < 0 {
		return nil, faults.New(faults.KindValidation, "pv production must be >= 0")
	}
	st.pvProductionKW = c.PowerKW
	return []Event{{Topic: "pv.production", At: now, Data: map[string]float64{"power_kw": c.PowerKW}}}, nil
}

// Publish injects a bare event onto the bus without mutating state.
// Used by controllers for informational transitions (e.g. thermal
// derating bucket changes) that have no table of their own.
type Publish struct {
	Topic string
	Data  any
}

func (c Publish) apply(st *tables, now time.Time) ([]Event, error) {
	if c.Topic == "" {
		return nil, faults.New(faults.KindValidation, "event topic required")
	}
	return []Event{{Topic: c.Topic, At: now, Data: c.Data}}, nil
}

func failSafeTransition(id string, fs FailSafeState) map[string]any {
	return map[string]any{
		"station_id":           id,
		"active":               fs.Active,
		"offline_action":       fs.OfflineAction,
		"safe_power_kw":        fs.SafePowerKW,
		"consecutive_timeouts": fs.ConsecutiveTimeouts,
	}
}
