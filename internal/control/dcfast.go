// Package control — dcfast.go
//
// DC fast-charge setpoint pipeline, applied on every SetPowerLimit:
//
//	validate → ramp limit → thermal derating → vehicle taper → dispatch
//
// Thermal derating buckets on measured temperature:
//
//	< 70 °C   no reduction
//	70–80 °C  20%
//	80–90 °C  50%
//	>= 90 °C  80%
//
// A bucket crossing emits thermal_derating_changed exactly once.
// Vehicle taper above the start SoC scales the setpoint down linearly,
// floored at 10% of the ramped and derated setpoint. Negative setpoints
// (V2G export) require
// both the bidirectional capability feature and the station's
// v2g_enabled flag.
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

// TaperConfig is the per-station vehicle taper curve.
type TaperConfig struct {
	Enabled  bool    `json:"enabled"`
	StartSoC float64 `json:"start_soc"`
	Rate     float64 `json:"rate"`
}

// DefaultTaper starts at 80% SoC with a full linear taper.
func DefaultTaper() TaperConfig {
	return TaperConfig{Enabled: true, StartSoC: 80, Rate: 1.0}
}

// DCCommand is the persisted outcome of one setpoint pipeline run.
type DCCommand struct {
	AppliedKW float64   `json:"applied_kw"`
	TargetKW  float64   `json:"target_kw"`
	Ramped    bool      `json:"ramped"`
	Derated   bool      `json:"derated"`
	Tapered   bool      `json:"tapered"`
	At        time.Time `json:"at"`
}

// thermal derating buckets, highest first.
var thermalBuckets = []struct {
	minTempC float64
	factor   float64
}{
	{90, 0.80},
	{80, 0.50},
	{70, 0.20},
}

// DCController runs the DC setpoint pipeline per station.
type DCController struct {
	store *state.Store
	caps  *capability.Registry
	disp  Dispatcher
	log   *zap.Logger

	mu      sync.Mutex
	last    map[string]DCCommand
	taper   map[string]TaperConfig
	buckets map[string]int // last thermal bucket index, -1 = none
	ramps   map[string]context.CancelFunc

	now func() time.Time
}

// NewDCController creates a DCController.
func NewDCController(store *state.Store, caps *capability.Registry, disp Dispatcher, log *zap.Logger) *DCController {
	return &DCController{
		store:   store,
		caps:    caps,
		disp:    disp,
		log:     log,
		last:    make(map[string]DCCommand),
		taper:   make(map[string]TaperConfig),
		buckets: make(map[string]int),
		ramps:   make(map[string]context.CancelFunc),
		now:     time.Now,
	}
}

// ConfigureTaper sets the vehicle taper curve for a station.
func (c *DCController) ConfigureTaper(stationID string, cfg TaperConfig) {
	c.mu.Lock()
	c.taper[stationID] = cfg
	c.mu.Unlock()
}

// LastCommand returns the most recent pipeline outcome for a station.
func (c *DCController) LastCommand(stationID string) (DCCommand, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, ok := c.last[stationID]
	return cmd, ok
}

// SetPowerLimit runs the pipeline and dispatches the resulting setpoint.
// autoRamp schedules continuous ramping toward the target when the ramp
// limit truncated this step.
func (c *DCController) SetPowerLimit(ctx context.Context, stationID string, targetKW float64, autoRamp bool) error {
	st, ok := c.store.Station(stationID)
	if !ok {
		return faults.Newf(faults.KindValidation, "unknown station %q", stationID)
	}
	cap, ok := c.caps.Get(stationID)
	if !ok {
		return faults.Newf(faults.KindNotDiscovered, "no capability for station %q", stationID)
	}
	if targetKW < 0 && !st.V2GEnabled {
		return faults.Newf(faults.KindStateConflict, "station %q has V2G disabled", stationID)
	}
	if err := c.caps.ValidateDC(stationID, targetKW, st.LastCommandAt); err != nil {
		return err
	}

	cmd := c.pipeline(stationID, st, cap, targetKW)

	if err := c.disp.CommandDC(ctx, stationID, cmd.AppliedKW); err != nil {
		return err
	}
	if err := c.store.Apply(ctx, state.RecordSetpoint{
		ID:      stationID,
		PowerKW: cmd.AppliedKW,
		AC:      false,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.last[stationID] = cmd
	c.mu.Unlock()

	if autoRamp && cmd.Ramped {
		c.scheduleRamp(ctx, stationID, targetKW, cap.Envelope.TypicalUpdateInterval)
	}
	return nil
}

// SetCurrentLimit derives a power target from the last measured voltage
// (nominal fallback) and delegates to SetPowerLimit.
func (c *DCController) SetCurrentLimit(ctx context.Context, stationID string, currentA float64, autoRamp bool) error {
	st, ok := c.store.Station(stationID)
	if !ok {
		return faults.Newf(faults.KindValidation, "unknown station %q", stationID)
	}
	v := st.MeasuredVoltage
	if v <= 0 {
		v = st.NominalVoltage
	}
	if v <= 0 {
		return faults.Newf(faults.KindValidation, "station %q has no usable voltage", stationID)
	}
	return c.SetPowerLimit(ctx, stationID, currentA*v/1000, autoRamp)
}

// pipeline applies ramp, derate, and taper to the validated target.
func (c *DCController) pipeline(stationID string, st state.Station, cap capability.Capability, targetKW float64) DCCommand {
	now := c.now()
	cmd := DCCommand{TargetKW: targetKW, At: now}

	applied := targetKW

	// Ramp limit against the last applied setpoint; the first command
	// ramps from the station's measured power over one typical interval.
	c.mu.Lock()
	prev, hasPrev := c.last[stationID]
	c.mu.Unlock()
	base := st.CurrentPowerKW
	lastAt := st.LastCommandAt
	if hasPrev {
		base = prev.AppliedKW
		lastAt = prev.At
	}
	dt := cap.Envelope.TypicalUpdateInterval
	if !lastAt.IsZero() {
		dt = now.Sub(lastAt)
	}
	if maxDelta := cap.Envelope.RampRate * dt.Seconds(); maxDelta > 0 {
		if delta := applied - base; math.Abs(delta) > maxDelta {
			if delta > 0 {
				applied = base + maxDelta
			} else {
				applied = base - maxDelta
			}
			cmd.Ramped = true
		}
	}

	// Thermal derating on the magnitude.
	factor, bucket := thermalFactor(st.TemperatureC)
	c.mu.Lock()
	prevBucket, seen := c.buckets[stationID]
	c.buckets[stationID] = bucket
	c.mu.Unlock()
	if factor > 0 {
		applied *= 1 - factor
		cmd.Derated = true
	}
	if seen && prevBucket != bucket {
		c.log.Info("thermal derating bucket change",
			zap.String("station_id", stationID),
			zap.Float64("temperature_c", st.TemperatureC),
			zap.Float64("reduction", factor))
		_ = c.store.Apply(context.Background(), state.Publish{
			Topic: "thermal_derating_changed",
			Data: map[string]any{
				"station_id":    stationID,
				"temperature_c": st.TemperatureC,
				"reduction":     factor,
			},
		})
	}

	// Vehicle taper above the start SoC, floored at 10% of the ramped and
	// derated setpoint.
	c.mu.Lock()
	taper, hasTaper := c.taper[stationID]
	c.mu.Unlock()
	if hasTaper && taper.Enabled && cap.HasFeature(capability.FeatureVehicleTaper) &&
		st.SoCPercent >= taper.StartSoC && taper.StartSoC < 100 && applied > 0 {
		factor := 1 - ((st.SoCPercent-taper.StartSoC)/(100-taper.StartSoC))*taper.Rate
		if factor < 0.1 {
			factor = 0.1
		}
		applied *= factor
		cmd.Tapered = true
	}

	cmd.AppliedKW = applied
	return cmd
}

// scheduleRamp starts a task re-running SetPowerLimit at the typical
// update interval until the target is reached. A new ramp for the same
// station cancels the previous one.
func (c *DCController) scheduleRamp(ctx context.Context, stationID string, targetKW float64, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	rampCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if prev, ok := c.ramps[stationID]; ok {
		prev()
	}
	c.ramps[stationID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.ramps, stationID)
			c.mu.Unlock()
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rampCtx.Done():
				return
			case <-ticker.C:
			}
			cmd, ok := c.LastCommand(stationID)
			if !ok || math.Abs(cmd.AppliedKW-targetKW) <= 0.1 {
				return
			}
			if err := c.SetPowerLimit(rampCtx, stationID, targetKW, false); err != nil {
				if faults.KindOf(err) == faults.KindValidation {
					continue // typically the minimum command interval
				}
				c.log.Warn("dc ramp step failed, stopping ramp",
					zap.String("station_id", stationID), zap.Error(err))
				return
			}
			cmd, _ = c.LastCommand(stationID)
			if !cmd.Ramped {
				return // target reached this step
			}
		}
	}()
}

// StopRamp cancels an active ramp task, if any.
func (c *DCController) StopRamp(stationID string) {
	c.mu.Lock()
	if cancel, ok := c.ramps[stationID]; ok {
		cancel()
		delete(c.ramps, stationID)
	}
	c.mu.Unlock()
}

// thermalFactor returns the derating fraction and the bucket index for
// a measured temperature (-1 when below every bucket).
func thermalFactor(tempC float64) (float64, int) {
	for i, b := range thermalBuckets {
		if tempC >= b.minTempC {
			return b.factor, i
		}
	}
	return 0, -1
}
