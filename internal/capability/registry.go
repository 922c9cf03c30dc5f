// Package capability maintains the per-station electrical envelope and
// validates every command against it.
//
// Discovery attempts protocol-specific interrogation through an
// Interrogator supplied by the owning driver. If interrogation fails or
// no Interrogator is supplied, the station's named profile is used; if
// the profile is unknown too, a conservative fallback envelope (flagged
// fallback) is used, so that validation is always defined for a
// registered station until it is removed.
package capability

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/faults"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

// Feature flags a station capability beyond the electrical envelope.
type Feature string

const (
	FeatureBidirectional     Feature = "bidirectional"
	FeatureVehicleTaper      Feature = "vehicle_taper"
	FeatureThermalManagement Feature = "thermal_management"
	FeatureISO15118          Feature = "iso15118"
	FeaturePhaseBalancing    Feature = "phase_balancing"
)

// Envelope is the electrical operating range a station accepts.
type Envelope struct {
	MinCurrentA  float64 `json:"min_current_a"`
	MaxCurrentA  float64 `json:"max_current_a"`
	CurrentStepA float64 `json:"current_step_a"`
	MinPowerKW   float64 `json:"min_power_kw"`
	MaxPowerKW   float64 `json:"max_power_kw"`
	// RampRate is A/s for AC stations, kW/s for DC.
	RampRate float64 `json:"ramp_rate"`
	Phases   int     `json:"phases"`

	MinUpdateInterval     time.Duration `json:"min_update_interval"`
	TypicalUpdateInterval time.Duration `json:"typical_update_interval"`
}

// Capability is the discovered envelope plus feature set for a station.
type Capability struct {
	StationID    string             `json:"station_id"`
	Profile      string             `json:"profile"`
	Class        state.StationClass `json:"class"`
	Envelope     Envelope           `json:"envelope"`
	Features     map[Feature]bool   `json:"features"`
	Fallback     bool               `json:"fallback"`
	DiscoveredAt time.Time          `json:"discovered_at"`
}

// HasFeature reports whether the capability carries a feature flag.
func (c Capability) HasFeature(f Feature) bool { return c.Features[f] }

// Profiles are the built-in envelope defaults keyed by profile name.
var Profiles = map[string]Capability{
	"ac_l2_1p": {
		Profile: "ac_l2_1p", Class: state.ClassAC1P,
		Envelope: Envelope{
			MinCurrentA: 6, MaxCurrentA: 32, CurrentStepA: 1,
			MinPowerKW: 1.4, MaxPowerKW: 7.4,
			RampRate: 8, Phases: 1,
			MinUpdateInterval: 2 * time.Second, TypicalUpdateInterval: 5 * time.Second,
		},
		Features: map[Feature]bool{},
	},
	"ac_l2_3p": {
		Profile: "ac_l2_3p", Class: state.ClassAC3P,
		Envelope: Envelope{
			MinCurrentA: 6, MaxCurrentA: 32, CurrentStepA: 1,
			MinPowerKW: 4.1, MaxPowerKW: 22,
			RampRate: 8, Phases: 3,
			MinUpdateInterval: 2 * time.Second, TypicalUpdateInterval: 5 * time.Second,
		},
		Features: map[Feature]bool{FeaturePhaseBalancing: true},
	},
	"dcfc_medium": {
		Profile: "dcfc_medium", Class: state.ClassDC,
		Envelope: Envelope{
			MinPowerKW: 5, MaxPowerKW: 50,
			RampRate: 5, Phases: 3,
			MinUpdateInterval: time.Second, TypicalUpdateInterval: time.Second,
		},
		Features: map[Feature]bool{FeatureVehicleTaper: true, FeatureThermalManagement: true},
	},
	"dcfc_high": {
		Profile: "dcfc_high", Class: state.ClassDC,
		Envelope: Envelope{
			MinPowerKW: 10, MaxPowerKW: 150,
			RampRate: 10, Phases: 3,
			MinUpdateInterval: time.Second, TypicalUpdateInterval: time.Second,
		},
		Features: map[Feature]bool{
			FeatureVehicleTaper: true, FeatureThermalManagement: true, FeatureISO15118: true,
		},
	},
	"chademo": {
		Profile: "chademo", Class: state.ClassDC,
		Envelope: Envelope{
			MinPowerKW: 5, MaxPowerKW: 50,
			RampRate: 5, Phases: 3,
			MinUpdateInterval: time.Second, TypicalUpdateInterval: time.Second,
		},
		Features: map[Feature]bool{FeatureBidirectional: true, FeatureVehicleTaper: true},
	},
}

// fallback is the conservative envelope used when interrogation fails.
func fallback(stationID string, class state.StationClass, now time.Time) Capability {
	phases := 1
	if class == state.ClassAC3P || class == state.ClassDC {
		phases = 3
	}
	return Capability{
		StationID: stationID,
		Profile:   "fallback",
		Class:     class,
		Envelope: Envelope{
			MinCurrentA: 6, MaxCurrentA: 16, CurrentStepA: 1,
			MinPowerKW: 1.4, MaxPowerKW: 3.7,
			RampRate: 4, Phases: phases,
			MinUpdateInterval: 5 * time.Second, TypicalUpdateInterval: 10 * time.Second,
		},
		Features:     map[Feature]bool{},
		Fallback:     true,
		DiscoveredAt: now,
	}
}

// Interrogator performs protocol-specific capability interrogation.
// Drivers implement this against their transport.
type Interrogator interface {
	Interrogate(ctx context.Context, stationID string) (Capability, error)
}

// Registry holds discovered capabilities keyed by station ID.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
	log  *zap.Logger
	now  func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		caps: make(map[string]Capability),
		log:  log,
		now:  time.Now,
	}
}

// Discover resolves a capability for the station: interrogation first
// (if an Interrogator is supplied), then the named profile, then the
// flagged fallback. Once Discover has returned, Validate is defined for
// the station until Remove.
func (r *Registry) Discover(ctx context.Context, stationID, profile string, class state.StationClass, in Interrogator) Capability {
	now := r.now()

	if in != nil {
		cap, err := in.Interrogate(ctx, stationID)
		if err == nil {
			cap.StationID = stationID
			cap.DiscoveredAt = now
			features := make(map[Feature]bool, len(cap.Features))
			for f, v := range cap.Features {
				features[f] = v
			}
			cap.Features = features
			r.put(cap)
			return cap
		}
		r.log.Warn("capability interrogation failed, using profile/fallback",
			zap.String("station_id", stationID), zap.Error(err))
	}

	if p, ok := Profiles[profile]; ok {
		cap := p
		cap.StationID = stationID
		cap.DiscoveredAt = now
		features := make(map[Feature]bool, len(p.Features))
		for f, v := range p.Features {
			features[f] = v
		}
		cap.Features = features
		r.put(cap)
		return cap
	}

	cap := fallback(stationID, class, now)
	r.put(cap)
	return cap
}

func (r *Registry) put(cap Capability) {
	r.mu.Lock()
	r.caps[cap.StationID] = cap
	r.mu.Unlock()
}

// Get returns the capability for a station.
func (r *Registry) Get(stationID string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[stationID]
	return cap, ok
}

// Remove drops the capability when a station is destroyed.
func (r *Registry) Remove(stationID string) {
	r.mu.Lock()
	delete(r.caps, stationID)
	r.mu.Unlock()
}

// SetFeature toggles a feature flag, e.g. enabling V2G after an
// operator confirms the hardware supports export.
func (r *Registry) SetFeature(stationID string, f Feature, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cap, ok := r.caps[stationID]
	if !ok {
		return faults.Newf(faults.KindNotDiscovered, "no capability for station %q", stationID)
	}
	cap.Features[f] = enabled
	r.caps[stationID] = cap
	return nil
}

// ValidateAC checks per-phase currents against the envelope: bounds,
// step alignment, and live phase count. Zero phases are permitted (a
// paused phase), and a full-zero command pauses the session.
func (r *Registry) ValidateAC(stationID string, phases state.PhaseCurrents, lastCommandAt time.Time) error {
	cap, ok := r.Get(stationID)
	if !ok {
		return faults.Newf(faults.KindNotDiscovered, "no capability for station %q", stationID)
	}
	if !cap.Class.IsAC() {
		return faults.Newf(faults.KindValidation, "station %q is not AC", stationID)
	}
	if err := r.checkInterval(cap, lastCommandAt); err != nil {
		return err
	}

	values := []struct {
		name string
		amps float64
	}{{"A", phases.A}, {"B", phases.B}, {"C", phases.C}}

	live := 0
	for _, p := range values {
		if p.amps == 0 {
			continue
		}
		live++
		if p.amps < 0 {
			return faults.Newf(faults.KindValidation,
				"station %q phase %s current %.1f A is negative", stationID, p.name, p.amps)
		}
		if p.amps < cap.Envelope.MinCurrentA || p.amps > cap.Envelope.MaxCurrentA {
			return faults.Newf(faults.KindValidation,
				"station %q phase %s current %.1f A outside [%.1f, %.1f]",
				stationID, p.name, p.amps, cap.Envelope.MinCurrentA, cap.Envelope.MaxCurrentA)
		}
		if cap.Envelope.CurrentStepA > 0 {
			steps := p.amps / cap.Envelope.CurrentStepA
			if math.Abs(steps-math.Round(steps)) > 1e-9 {
				return faults.Newf(faults.KindValidation,
					"station %q phase %s current %.2f A not aligned to %.1f A step",
					stationID, p.name, p.amps, cap.Envelope.CurrentStepA)
			}
		}
	}
	if live > cap.Envelope.Phases {
		return faults.Newf(faults.KindValidation,
			"station %q command uses %d phases, capability has %d", stationID, live, cap.Envelope.Phases)
	}
	return nil
}

// ValidateDC checks a DC power setpoint. Negative power requires the
// bidirectional feature.
func (r *Registry) ValidateDC(stationID string, powerKW float64, lastCommandAt time.Time) error {
	cap, ok := r.Get(stationID)
	if !ok {
		return faults.Newf(faults.KindNotDiscovered, "no capability for station %q", stationID)
	}
	if cap.Class != state.ClassDC {
		return faults.Newf(faults.KindValidation, "station %q is not DC", stationID)
	}
	if err := r.checkInterval(cap, lastCommandAt); err != nil {
		return err
	}
	if powerKW < 0 {
		if !cap.HasFeature(FeatureBidirectional) {
			return faults.Newf(faults.KindValidation,
				"station %q does not support bidirectional power", stationID)
		}
		if -powerKW > cap.Envelope.MaxPowerKW {
			return faults.Newf(faults.KindValidation,
				"station %q export %.1f kW exceeds %.1f kW", stationID, -powerKW, cap.Envelope.MaxPowerKW)
		}
		return nil
	}
	// Zero pauses the session; positive must sit inside the envelope.
	if powerKW != 0 && (powerKW < cap.Envelope.MinPowerKW || powerKW > cap.Envelope.MaxPowerKW) {
		return faults.Newf(faults.KindValidation,
			"station %q power %.1f kW outside [%.1f, %.1f]",
			stationID, powerKW, cap.Envelope.MinPowerKW, cap.Envelope.MaxPowerKW)
	}
	return nil
}

func (r *Registry) checkInterval(cap Capability, lastCommandAt time.Time) error {
	if cap.Envelope.MinUpdateInterval <= 0 || lastCommandAt.IsZero() {
		return nil
	}
	if elapsed := r.now().Sub(lastCommandAt); elapsed < cap.Envelope.MinUpdateInterval {
		return faults.Newf(faults.KindValidation,
			"station %q commanded %.0f ms ago, minimum interval %s",
			cap.StationID, float64(elapsed.Milliseconds()), cap.Envelope.MinUpdateInterval)
	}
	return nil
}

// Recommend clamps a desired per-phase current into the envelope and
// aligns it to the current step. Values below the minimum clamp to 0
// (session paused), never to a sub-minimum positive current.
func (r *Registry) Recommend(stationID string, desiredA float64) float64 {
	cap, ok := r.Get(stationID)
	if !ok {
		return 0
	}
	e := cap.Envelope
	if desiredA <= 0 {
		return 0
	}
	if desiredA > e.MaxCurrentA {
		desiredA = e.MaxCurrentA
	}
	if e.CurrentStepA > 0 {
		desiredA = math.Floor(desiredA/e.CurrentStepA) * e.CurrentStepA
	}
	if desiredA < e.MinCurrentA {
		return 0
	}
	return desiredA
}

// RampLimit constrains the step from current toward target so that
// |delta| <= rate * dt. Units follow the station class (A for AC,
// kW for DC).
func (r *Registry) RampLimit(stationID string, current, target float64, dt time.Duration) float64 {
	cap, ok := r.Get(stationID)
	if !ok {
		return current
	}
	maxDelta := cap.Envelope.RampRate * dt.Seconds()
	if maxDelta <= 0 {
		return target
	}
	delta := target - current
	if delta > maxDelta {
		return current + maxDelta
	}
	if delta < -maxDelta {
		return current - maxDelta
	}
	return target
}
