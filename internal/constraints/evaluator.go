// Package constraints evaluates the site electrical envelope: service,
// feeders, transformers, and cable runs.
//
// Two axes:
//   - Capacity: available headroom for charging, derated by the NEC 625
//     continuous-load factor and capped by every configured feeder and
//     transformer.
//   - Violations: every measurement update is audited against the
//     envelope; breaches are recorded through the violation sink and
//     never crash the control loop.
package constraints

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/config"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

// Sink receives detected violations. Wired to the State Store's
// RecordViolation command by the daemon.
type Sink func(state.Violation)

// ServiceMeasurement is one reading of the utility service entrance.
type ServiceMeasurement struct {
	PowerKW       float64
	PhaseCurrents state.PhaseCurrents
	Voltage       float64
	Frequency     float64
	PowerFactor   float64
	At            time.Time
}

// Evaluator audits measurements against the configured topology.
type Evaluator struct {
	mu  sync.Mutex
	cfg config.SiteConfig
	log *zap.Logger

	sink Sink
	now  func() time.Time

	service      ServiceMeasurement
	feederPower  map[string]float64 // kW
	feederAmps   map[string]float64
	xfmrLoadKVA  map[string]float64
	xfmrTempC    map[string]float64
	// overloadSince tracks when a transformer first exceeded a thermal
	// curve point, keyed by transformer name.
	overloadSince map[string]time.Time
}

// NewEvaluator creates an Evaluator over the given topology.
func NewEvaluator(cfg config.SiteConfig, sink Sink, log *zap.Logger) *Evaluator {
	if sink == nil {
		sink = func(state.Violation) {}
	}
	return &Evaluator{
		cfg:           cfg,
		log:           log,
		sink:          sink,
		now:           time.Now,
		feederPower:   make(map[string]float64),
		feederAmps:    make(map[string]float64),
		xfmrLoadKVA:   make(map[string]float64),
		xfmrTempC:     make(map[string]float64),
		overloadSince: make(map[string]time.Time),
	}
}

// AvailableCapacityKW computes the charging headroom: service limit
// minus measured draw, derated by the continuous-load factor, then
// capped by every feeder and transformer headroom. Floored at 0.
func (e *Evaluator) AvailableCapacityKW() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	avail := (e.cfg.MaxPowerKW - e.service.PowerKW) * e.cfg.ContinuousFactor

	for _, f := range e.cfg.Feeders {
		if f.MaxPowerKW <= 0 {
			continue
		}
		headroom := f.MaxPowerKW - e.feederPower[f.Name]
		avail = math.Min(avail, headroom)
	}
	for _, tr := range e.cfg.Transformers {
		cf := tr.ContinuousFactor
		if cf <= 0 {
			cf = e.cfg.ContinuousFactor
		}
		headroom := tr.RatedKVA*cf - e.xfmrLoadKVA[tr.Name]
		avail = math.Min(avail, headroom)
	}
	return math.Max(0, avail)
}

// UpdateServiceMeasurements audits a service-entrance reading and
// returns the violations found (already delivered to the sink).
func (e *Evaluator) UpdateServiceMeasurements(m ServiceMeasurement) []state.Violation {
	e.mu.Lock()
	if m.At.IsZero() {
		m.At = e.now()
	}
	e.service = m
	cfg := e.cfg
	e.mu.Unlock()

	var vs []state.Violation
	add := func(typ string, sev state.Severity, measured, limit float64, msg string) {
		vs = append(vs, state.Violation{
			Component: "service", Type: typ, Severity: sev,
			Measured: measured, Limit: limit, Message: msg, At: m.At,
		})
	}

	if cfg.MaxPowerKW > 0 && m.PowerKW > cfg.MaxPowerKW {
		add("power_limit", state.SeverityCritical, m.PowerKW, cfg.MaxPowerKW,
			fmt.Sprintf("service power %.1f kW exceeds %.1f kW", m.PowerKW, cfg.MaxPowerKW))
	}

	for _, p := range []struct {
		name string
		amps float64
	}{{"A", m.PhaseCurrents.A}, {"B", m.PhaseCurrents.B}, {"C", m.PhaseCurrents.C}} {
		if cfg.MaxCurrentA > 0 && p.amps > cfg.MaxCurrentA {
			add("phase_current", state.SeverityCritical, p.amps, cfg.MaxCurrentA,
				fmt.Sprintf("phase %s current %.1f A exceeds %.1f A", p.name, p.amps, cfg.MaxCurrentA))
		}
	}

	if cfg.Phases == 3 && cfg.MaxPhaseImbalance > 0 {
		if imb := phaseImbalance(m.PhaseCurrents); imb > cfg.MaxPhaseImbalance {
			add("phase_imbalance", state.SeverityWarning, imb, cfg.MaxPhaseImbalance,
				fmt.Sprintf("phase imbalance %.0f%% exceeds %.0f%%", imb*100, cfg.MaxPhaseImbalance*100))
		}
	}

	if cfg.MinPowerFactor > 0 && m.PowerFactor > 0 && m.PowerFactor < cfg.MinPowerFactor {
		add("power_factor", state.SeverityWarning, m.PowerFactor, cfg.MinPowerFactor,
			fmt.Sprintf("power factor %.2f below %.2f", m.PowerFactor, cfg.MinPowerFactor))
	}

	if cfg.VoltageNominal > 0 && m.Voltage > 0 {
		dev := math.Abs(m.Voltage-cfg.VoltageNominal) / cfg.VoltageNominal
		switch {
		case dev > 0.10:
			add("voltage_deviation", state.SeverityCritical, m.Voltage, cfg.VoltageNominal,
				fmt.Sprintf("voltage %.1f V deviates %.0f%% from nominal", m.Voltage, dev*100))
		case dev > cfg.VoltageTolerance:
			add("voltage_deviation", state.SeverityWarning, m.Voltage, cfg.VoltageNominal,
				fmt.Sprintf("voltage %.1f V outside ±%.0f%% tolerance", m.Voltage, cfg.VoltageTolerance*100))
		}
	}

	if cfg.FrequencyNominal > 0 && m.Frequency > 0 {
		if math.Abs(m.Frequency-cfg.FrequencyNominal) > cfg.FrequencyTolerance {
			add("frequency_deviation", state.SeverityCritical, m.Frequency, cfg.FrequencyNominal,
				fmt.Sprintf("frequency %.2f Hz outside ±%.1f Hz", m.Frequency, cfg.FrequencyTolerance))
		}
	}

	e.emit(vs)
	return vs
}

// UpdateFeederMeasurements audits one feeder reading.
func (e *Evaluator) UpdateFeederMeasurements(name string, currentA, powerKW float64) []state.Violation {
	e.mu.Lock()
	e.feederAmps[name] = currentA
	e.feederPower[name] = powerKW
	var fc *config.FeederConfig
	for i := range e.cfg.Feeders {
		if e.cfg.Feeders[i].Name == name {
			fc = &e.cfg.Feeders[i]
			break
		}
	}
	now := e.now()
	cables := e.cfg.Cables
	e.mu.Unlock()

	if fc == nil {
		return nil
	}

	var vs []state.Violation
	add := func(typ string, sev state.Severity, measured, limit float64, msg string) {
		vs = append(vs, state.Violation{
			Component: "feeder:" + name, Type: typ, Severity: sev,
			Measured: measured, Limit: limit, Message: msg, At: now,
		})
	}

	if currentA > fc.MaxCurrentA {
		add("current_limit", state.SeverityCritical, currentA, fc.MaxCurrentA,
			fmt.Sprintf("feeder %s current %.1f A exceeds %.1f A", name, currentA, fc.MaxCurrentA))
	}
	if fc.BreakerRating > 0 && currentA > 0.8*fc.BreakerRating {
		add("breaker_margin", state.SeverityWarning, currentA, 0.8*fc.BreakerRating,
			fmt.Sprintf("feeder %s at %.0f%% of breaker rating", name, currentA/fc.BreakerRating*100))
	}
	ampacity := fc.CableAmpacity
	if ampacity <= 0 {
		// Fall back to a derated cable run sharing the feeder's name.
		for _, c := range cables {
			if c.Name == name {
				ampacity = deratedAmpacity(c)
				break
			}
		}
	}
	if ampacity > 0 && currentA > ampacity {
		add("cable_ampacity", state.SeverityCritical, currentA, ampacity,
			fmt.Sprintf("feeder %s current %.1f A exceeds cable ampacity %.1f A", name, currentA, ampacity))
	}

	e.emit(vs)
	return vs
}

// UpdateTransformerMeasurements audits one transformer reading.
func (e *Evaluator) UpdateTransformerMeasurements(name string, loadKVA, tempC float64) []state.Violation {
	e.mu.Lock()
	e.xfmrLoadKVA[name] = loadKVA
	e.xfmrTempC[name] = tempC
	var tc *config.TransformerConfig
	for i := range e.cfg.Transformers {
		if e.cfg.Transformers[i].Name == name {
			tc = &e.cfg.Transformers[i]
			break
		}
	}
	now := e.now()

	var vs []state.Violation
	if tc == nil {
		e.mu.Unlock()
		return nil
	}

	add := func(typ string, sev state.Severity, measured, limit float64, msg string) {
		vs = append(vs, state.Violation{
			Component: "transformer:" + name, Type: typ, Severity: sev,
			Measured: measured, Limit: limit, Message: msg, At: now,
		})
	}

	loadFactor := 0.0
	if tc.RatedKVA > 0 {
		loadFactor = loadKVA / tc.RatedKVA
	}

	if loadFactor > 1.0 {
		add("load_factor", state.SeverityWarning, loadFactor, 1.0,
			fmt.Sprintf("transformer %s at %.0f%% of rating", name, loadFactor*100))
		// Thermal curve: the tightest curve point the load factor
		// exceeds bounds how long the overload may be sustained.
		if limitMin, ok := thermalLimitMinutes(tc.ThermalCurve, loadFactor); ok {
			since, tracking := e.overloadSince[name]
			if !tracking {
				e.overloadSince[name] = now
			} else if now.Sub(since) > time.Duration(limitMin*float64(time.Minute)) {
				add("thermal_time_limit", state.SeverityCritical, now.Sub(since).Minutes(), limitMin,
					fmt.Sprintf("transformer %s overloaded %.0f min, limit %.0f min at %.0f%% load",
						name, now.Sub(since).Minutes(), limitMin, loadFactor*100))
			}
		}
	} else {
		delete(e.overloadSince, name)
	}

	if tc.MaxTemperatureC > 0 && tempC > tc.MaxTemperatureC {
		add("temperature", state.SeverityCritical, tempC, tc.MaxTemperatureC,
			fmt.Sprintf("transformer %s at %.1f °C, max %.1f °C", name, tempC, tc.MaxTemperatureC))
	}
	e.mu.Unlock()

	e.emit(vs)
	return vs
}

// Status summarizes the evaluator for the API surface.
type Status struct {
	AvailableCapacityKW float64            `json:"available_capacity_kw"`
	ServicePowerKW      float64            `json:"service_power_kw"`
	FeederPowerKW       map[string]float64 `json:"feeder_power_kw"`
	TransformerLoadKVA  map[string]float64 `json:"transformer_load_kva"`
}

// Status returns the current measured view.
func (e *Evaluator) Status() Status {
	avail := e.AvailableCapacityKW()
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		AvailableCapacityKW: avail,
		ServicePowerKW:      e.service.PowerKW,
		FeederPowerKW:       make(map[string]float64, len(e.feederPower)),
		TransformerLoadKVA:  make(map[string]float64, len(e.xfmrLoadKVA)),
	}
	for k, v := range e.feederPower {
		st.FeederPowerKW[k] = v
	}
	for k, v := range e.xfmrLoadKVA {
		st.TransformerLoadKVA[k] = v
	}
	return st
}

func (e *Evaluator) emit(vs []state.Violation) {
	for _, v := range vs {
		e.sink(v)
	}
}

// phaseImbalance is max |Ii - avg| / avg over non-zero phases.
func phaseImbalance(p state.PhaseCurrents) float64 {
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

// thermalLimitMinutes returns the sustain limit for the tightest curve
// point at or below the load factor.
func thermalLimitMinutes(curve map[float64]float64, loadFactor float64) (float64, bool) {
	if len(curve) == 0 {
		return 0, false
	}
	points := make([]float64, 0, len(curve))
	for lf := range curve {
		points = append(points, lf)
	}
	sort.Float64s(points)
	var (
		limit float64
		found bool
	)
	for _, lf := range points {
		if loadFactor >= lf {
			limit = curve[lf]
			found = true
		}
	}
	return limit, found
}

func deratedAmpacity(c config.CableConfig) float64 {
	a := c.BaseAmpacityA
	for _, f := range []float64{c.BundlingFactor, c.TemperatureFactor, c.ConduitFactor} {
		if f > 0 {
			a *= f
		}
	}
	return a
}
