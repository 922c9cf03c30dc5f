// Package control — acphase.go
//
// AC per-phase current controller. Setpoints below the IEC 61851 6 A
// minimum clamp to 0 A (session paused), never to a sub-minimum
// positive current.
package control

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/capability"
	"github.com/jessejamescox/platform-dlm/internal/faults"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

const sqrt3 = 1.7320508075688772

// ACSettings parameterizes the AC controller.
type ACSettings struct {
	// MaxImbalance is the phase imbalance fraction above which
	// auto-balance redistributes, default 0.20.
	MaxImbalance float64
}

// ACController holds per-station phase setpoints and ramp tasks.
type ACController struct {
	store *state.Store
	caps  *capability.Registry
	disp  Dispatcher
	set   ACSettings
	log   *zap.Logger

	mu    sync.Mutex
	ramps map[string]context.CancelFunc
}

// NewACController creates an ACController.
func NewACController(store *state.Store, caps *capability.Registry, disp Dispatcher, set ACSettings, log *zap.Logger) *ACController {
	if set.MaxImbalance <= 0 {
		set.MaxImbalance = 0.20
	}
	return &ACController{
		store: store,
		caps:  caps,
		disp:  disp,
		set:   set,
		log:   log,
		ramps: make(map[string]context.CancelFunc),
	}
}

// SetPhaseCurrents validates, optionally rebalances, dispatches, and
// records a per-phase setpoint.
func (c *ACController) SetPhaseCurrents(ctx context.Context, stationID string, phases state.PhaseCurrents, autoBalance bool) error {
	st, ok := c.store.Station(stationID)
	if !ok {
		return faults.Newf(faults.KindValidation, "unknown station %q", stationID)
	}
	cap, ok := c.caps.Get(stationID)
	if !ok {
		return faults.Newf(faults.KindNotDiscovered, "no capability for station %q", stationID)
	}
	if !cap.Class.IsAC() {
		return faults.Newf(faults.KindValidation, "station %q is not AC", stationID)
	}

	phases = normalizePhases(phases, cap.Envelope.Phases)

	if err := c.caps.ValidateAC(stationID, phases, st.LastCommandAt); err != nil {
		return err
	}

	if imb := imbalance(phases); imb > c.set.MaxImbalance && cap.Envelope.Phases == 3 {
		if autoBalance {
			per := c.caps.Recommend(stationID, math.Round(phases.Total()/3))
			phases = state.PhaseCurrents{A: per, B: per, C: per}
			c.log.Debug("auto-balanced phases",
				zap.String("station_id", stationID),
				zap.Float64("imbalance", imb),
				zap.Float64("per_phase_a", per))
		} else {
			c.log.Warn("phase imbalance above limit",
				zap.String("station_id", stationID),
				zap.Float64("imbalance", imb),
				zap.Float64("limit", c.set.MaxImbalance))
		}
	}

	if err := c.disp.CommandAC(ctx, stationID, phases); err != nil {
		return err
	}
	return c.store.Apply(ctx, state.RecordSetpoint{
		ID:      stationID,
		PowerKW: c.PhasesToPower(stationID, phases),
		Phases:  &phases,
		AC:      true,
	})
}

// RampPhaseCurrents starts a ramp task stepping the station toward the
// target at its capability ramp rate, one step per stepTime. The task
// exits when every phase is within 1 A of target, on error, or on ctx
// cancellation. A new ramp for the same station cancels the previous.
func (c *ACController) RampPhaseCurrents(ctx context.Context, stationID string, target state.PhaseCurrents, stepTime time.Duration) error {
	cap, ok := c.caps.Get(stationID)
	if !ok {
		return faults.Newf(faults.KindNotDiscovered, "no capability for station %q", stationID)
	}
	if stepTime <= 0 {
		stepTime = cap.Envelope.TypicalUpdateInterval
	}
	target = normalizePhases(target, cap.Envelope.Phases)

	rampCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev, ok := c.ramps[stationID]; ok {
		prev()
	}
	c.ramps[stationID] = cancel
	c.mu.Unlock()

	go c.runRamp(rampCtx, stationID, target, stepTime)
	return nil
}

func (c *ACController) runRamp(ctx context.Context, stationID string, target state.PhaseCurrents, stepTime time.Duration) {
	defer func() {
		c.mu.Lock()
		delete(c.ramps, stationID)
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(stepTime)
	defer ticker.Stop()

	for {
		st, ok := c.store.Station(stationID)
		if !ok {
			return
		}
		cur := st.Phases
		if atTarget(cur, target, 1.0) {
			return
		}
		next := state.PhaseCurrents{
			A: c.caps.RampLimit(stationID, cur.A, target.A, stepTime),
			B: c.caps.RampLimit(stationID, cur.B, target.B, stepTime),
			C: c.caps.RampLimit(stationID, cur.C, target.C, stepTime),
		}
		if err := c.SetPhaseCurrents(ctx, stationID, next, false); err != nil {
			if faults.KindOf(err) == faults.KindValidation {
				// Typically the minimum command interval; retry next step.
				c.log.Debug("ramp step deferred",
					zap.String("station_id", stationID), zap.Error(err))
			} else {
				c.log.Warn("ramp step failed, stopping ramp",
					zap.String("station_id", stationID), zap.Error(err))
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StopRamp cancels an active ramp task for a station, if any.
func (c *ACController) StopRamp(stationID string) {
	c.mu.Lock()
	if cancel, ok := c.ramps[stationID]; ok {
		cancel()
		delete(c.ramps, stationID)
	}
	c.mu.Unlock()
}

// PowerToPhases converts a power target to per-phase currents.
// Single-phase: I = P·1000 / V. Three-phase: I = P·1000 / (√3 · V_line)
// on each phase.
func (c *ACController) PowerToPhases(stationID string, powerKW float64) (state.PhaseCurrents, error) {
	cap, ok := c.caps.Get(stationID)
	if !ok {
		return state.PhaseCurrents{}, faults.Newf(faults.KindNotDiscovered, "no capability for station %q", stationID)
	}
	v := c.voltage(stationID, cap)
	if v <= 0 {
		return state.PhaseCurrents{}, faults.Newf(faults.KindValidation, "station %q has no usable voltage", stationID)
	}
	// Pure conversion; clamping and step alignment happen where the
	// setpoint is actually dispatched.
	if cap.Envelope.Phases == 1 {
		return state.PhaseCurrents{A: powerKW * 1000 / v}, nil
	}
	amps := powerKW * 1000 / (sqrt3 * v)
	return state.PhaseCurrents{A: amps, B: amps, C: amps}, nil
}

// PhasesToPower converts per-phase currents back to power in kW.
func (c *ACController) PhasesToPower(stationID string, phases state.PhaseCurrents) float64 {
	cap, ok := c.caps.Get(stationID)
	if !ok {
		return 0
	}
	v := c.voltage(stationID, cap)
	if cap.Envelope.Phases == 1 {
		return phases.A * v / 1000
	}
	// Balanced-equivalent: each phase carries I at V_line/√3 phase voltage.
	avg := phases.Total() / 3
	return sqrt3 * v * avg / 1000
}

func (c *ACController) voltage(stationID string, cap capability.Capability) float64 {
	if st, ok := c.store.Station(stationID); ok && st.NominalVoltage > 0 {
		return st.NominalVoltage
	}
	if cap.Envelope.Phases == 3 {
		return 400
	}
	return 230
}

// PhaseBalance is the fleet-wide per-phase totals view.
type PhaseBalance struct {
	TotalA    state.PhaseCurrents `json:"totals_a"`
	Imbalance float64             `json:"imbalance"`
	Warning   bool                `json:"warning"`
}

// SystemPhaseBalance sums phase currents across all AC stations and
// flags imbalance above the configured limit.
func (c *ACController) SystemPhaseBalance() PhaseBalance {
	snap := c.store.Snapshot()
	var totals state.PhaseCurrents
	for _, st := range snap.Stations {
		if !st.Class.IsAC() {
			continue
		}
		totals.A += st.Phases.A
		totals.B += st.Phases.B
		totals.C += st.Phases.C
	}
	imb := imbalance(totals)
	return PhaseBalance{
		TotalA:    totals,
		Imbalance: imb,
		Warning:   imb > c.set.MaxImbalance,
	}
}

// normalizePhases zeroes unused phases for single-phase stations,
// folding any B/C request into A.
func normalizePhases(p state.PhaseCurrents, phases int) state.PhaseCurrents {
	if phases == 1 {
		if p.A == 0 {
			if p.B != 0 {
				p.A = p.B
			} else if p.C != 0 {
				p.A = p.C
			}
		}
		p.B, p.C = 0, 0
	}
	return p
}

// imbalance is max |Ii - avg| / avg over non-zero phases.
func imbalance(p state.PhaseCurrents) float64 {
	var live []float64
	for _, i := range []float64{p.A, p.B, p.C} {
		if i != 0 {
			live = append(live, i)
		}
	}
	if len(live) < 2 {
		return 0
	}
	var sum float64
	for _, i := range live {
		sum += i
	}
	avg := sum / float64(len(live))
	if avg == 0 {
		return 0
	}
	var worst float64
	for _, i := range live {
		worst = math.Max(worst, math.Abs(i-avg))
	}
	return worst / avg
}

func atTarget(cur, target state.PhaseCurrents, tolA float64) bool {
	return math.Abs(cur.A-target.A) <= tolA &&
		math.Abs(cur.B-target.B) <= tolA &&
		math.Abs(cur.C-target.C) <= tolA
}
