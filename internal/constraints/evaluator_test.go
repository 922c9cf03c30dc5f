package constraints

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/config"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

func testSite() config.SiteConfig {
	return config.SiteConfig{
		Phases:             3,
		MaxCurrentA:        100,
		MaxPowerKW:         69,
		VoltageNominal:     230,
		VoltageTolerance:   0.05,
		FrequencyNominal:   50,
		FrequencyTolerance: 0.5,
		MinPowerFactor:     0.90,
		ContinuousFactor:   0.80,
		MaxPhaseImbalance:  0.20,
		Feeders: []config.FeederConfig{
			{Name: "f1", MaxCurrentA: 63, MaxPowerKW: 43, BreakerRating: 63, CableAmpacity: 70},
		},
		Transformers: []config.TransformerConfig{
			{Name: "t1", RatedKVA: 100, ContinuousFactor: 0.9, MaxTemperatureC: 90,
				ThermalCurve: map[float64]float64{1.2: 30, 1.5: 5}},
		},
	}
}

func collectSink(dst *[]state.Violation) Sink {
	return func(v state.Violation) { *dst = append(*dst, v) }
}

func TestAvailableCapacityDerating(t *testing.T) {
	e := NewEvaluator(testSite(), nil, zap.NewNop())
	e.UpdateServiceMeasurements(ServiceMeasurement{PowerKW: 19})
	// (69 - 19) * 0.80 = 40, feeder headroom 43, transformer 90.
	if got := e.AvailableCapacityKW(); got != 40 {
		t.Errorf("expected 40 kW, got %f", got)
	}
}

func TestAvailableCapacityFeederCap(t *testing.T) {
	e := NewEvaluator(testSite(), nil, zap.NewNop())
	e.UpdateFeederMeasurements("f1", 10, 40)
	// Service headroom 55.2, feeder headroom 43-40 = 3.
	if got := e.AvailableCapacityKW(); got != 3 {
		t.Errorf("expected 3 kW, got %f", got)
	}
}

func TestAvailableCapacityFloorsAtZero(t *testing.T) {
	e := NewEvaluator(testSite(), nil, zap.NewNop())
	e.UpdateServiceMeasurements(ServiceMeasurement{PowerKW: 100})
	if got := e.AvailableCapacityKW(); got != 0 {
		t.Errorf("expected 0 kW, got %f", got)
	}
}

func TestServiceViolations(t *testing.T) {
	var got []state.Violation
	e := NewEvaluator(testSite(), collectSink(&got), zap.NewNop())

	e.UpdateServiceMeasurements(ServiceMeasurement{
		PowerKW:       80,                                      // > 69 critical
		PhaseCurrents: state.PhaseCurrents{A: 110, B: 50, C: 50}, // A over limit + imbalance
		Voltage:       245,                                     // ~6.5% dev, warning
		Frequency:     50.1,
		PowerFactor:   0.85, // below 0.90, warning
	})

	types := map[string]state.Severity{}
	for _, v := range got {
		types[v.Type] = v.Severity
	}
	if types["power_limit"] != state.SeverityCritical {
		t.Error("expected critical power_limit")
	}
	if types["phase_current"] != state.SeverityCritical {
		t.Error("expected critical phase_current")
	}
	if _, ok := types["phase_imbalance"]; !ok {
		t.Error("expected phase_imbalance")
	}
	if types["voltage_deviation"] != state.SeverityWarning {
		t.Error("expected warning voltage_deviation")
	}
	if types["power_factor"] != state.SeverityWarning {
		t.Error("expected warning power_factor")
	}
}

func TestVoltageCriticalAbove10Percent(t *testing.T) {
	var got []state.Violation
	e := NewEvaluator(testSite(), collectSink(&got), zap.NewNop())
	e.UpdateServiceMeasurements(ServiceMeasurement{Voltage: 200}) // 13% dev
	if len(got) != 1 || got[0].Severity != state.SeverityCritical {
		t.Errorf("expected one critical violation, got %+v", got)
	}
}

func TestFeederViolations(t *testing.T) {
	var got []state.Violation
	e := NewEvaluator(testSite(), collectSink(&got), zap.NewNop())

	e.UpdateFeederMeasurements("f1", 55, 38) // > 80% of 63 A breaker
	if len(got) != 1 || got[0].Type != "breaker_margin" {
		t.Fatalf("expected breaker_margin warning, got %+v", got)
	}

	got = nil
	e.UpdateFeederMeasurements("f1", 72, 48) // over 63 A limit and 70 A ampacity
	types := map[string]bool{}
	for _, v := range got {
		types[v.Type] = true
	}
	if !types["current_limit"] || !types["cable_ampacity"] {
		t.Errorf("expected current_limit and cable_ampacity, got %+v", got)
	}
}

func TestTransformerThermalCurve(t *testing.T) {
	var got []state.Violation
	e := NewEvaluator(testSite(), collectSink(&got), zap.NewNop())

	base := time.Now()
	e.now = func() time.Time { return base }

	// 130 kVA on a 100 kVA unit = 1.3 load factor → 30 min limit.
	e.UpdateTransformerMeasurements("t1", 130, 60)
	for _, v := range got {
		if v.Type == "thermal_time_limit" {
			t.Fatal("time limit must not trip immediately")
		}
	}

	got = nil
	e.now = func() time.Time { return base.Add(31 * time.Minute) }
	e.UpdateTransformerMeasurements("t1", 130, 60)
	found := false
	for _, v := range got {
		if v.Type == "thermal_time_limit" && v.Severity == state.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("expected thermal_time_limit after 31 min, got %+v", got)
	}
}

func TestTransformerTemperature(t *testing.T) {
	var got []state.Violation
	e := NewEvaluator(testSite(), collectSink(&got), zap.NewNop())
	e.UpdateTransformerMeasurements("t1", 50, 95)
	if len(got) != 1 || got[0].Type != "temperature" {
		t.Errorf("expected temperature violation, got %+v", got)
	}
}

func TestPhaseImbalance(t *testing.T) {
	cases := []struct {
		p    state.PhaseCurrents
		want float64
	}{
		{state.PhaseCurrents{A: 10, B: 10, C: 10}, 0},
		{state.PhaseCurrents{A: 30, B: 10, C: 20}, 0.5},
		{state.PhaseCurrents{A: 10}, 0}, // single live phase
	}
	for _, tc := range cases {
		if got := phaseImbalance(tc.p); got != tc.want {
			t.Errorf("imbalance(%+v) = %f, want %f", tc.p, got, tc.want)
		}
	}
}
