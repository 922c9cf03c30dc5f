package alloc

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/capability"
	"github.com/jessejamescox/platform-dlm/internal/control"
	"github.com/jessejamescox/platform-dlm/internal/shedding"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

type harness struct {
	store *state.Store
	caps  *capability.Registry
	alloc *Allocator
	shed  *shedding.Controller
	ctx   context.Context
}

func newHarness(t *testing.T, set Settings) (*harness, context.CancelFunc) {
	t.Helper()
	store := state.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)

	caps := capability.NewRegistry(zap.NewNop())
	ac := control.NewACController(store, caps, control.NopDispatcher{}, control.ACSettings{}, zap.NewNop())
	dc := control.NewDCController(store, caps, control.NopDispatcher{}, zap.NewNop())
	shed := shedding.NewController(shedding.Settings{
		UpperThreshold: 0.95, LowerThreshold: 0.85, WindowSize: 1,
	}, zap.NewNop())

	if set.TickInterval == 0 {
		set.TickInterval = 5 * time.Second
	}
	if set.MinChargingPowerKW == 0 {
		set.MinChargingPowerKW = 3.7
	}
	if set.MaxStationPowerKW == 0 {
		set.MaxStationPowerKW = 22
	}
	a := New(store, caps, nil, shed, ac, dc, set, nil, zap.NewNop())
	return &harness{store: store, caps: caps, alloc: a, shed: shed, ctx: ctx}, cancel
}

func (h *harness) addAC(t *testing.T, id string, prio int, reqKW float64) {
	t.Helper()
	if err := h.store.Apply(h.ctx, state.RegisterStation{Station: state.Station{
		ID: id, Class: state.ClassAC3P, NominalVoltage: 400,
		Priority: prio, RequestedPowerKW: reqKW,
	}}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Apply(h.ctx, state.ObserveStationMeasurement{
		ID: id, Measurement: state.StationMeasurement{Status: state.StatusCharging},
	}); err != nil {
		t.Fatal(err)
	}
	h.caps.Discover(h.ctx, id, "ac_l2_3p", state.ClassAC3P, nil)
}

func decisions(tick state.AllocationTick) map[string]state.AllocationDecision {
	out := make(map[string]state.AllocationDecision, len(tick.Decisions))
	for _, d := range tick.Decisions {
		out[d.StationID] = d
	}
	return out
}

func TestAmpleCapacityBothFull(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 50})
	defer cancel()

	h.addAC(t, "a", 7, 22)
	h.addAC(t, "b", 3, 22)

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	d := decisions(tick)
	if d["a"].DecidedKW != 22 || d["b"].DecidedKW != 22 {
		t.Errorf("expected 22/22, got %f/%f", d["a"].DecidedKW, d["b"].DecidedKW)
	}
	if tick.AllocatedKW != 44 {
		t.Errorf("expected 44 kW total, got %f", tick.AllocatedKW)
	}
}

func TestPriorityMonotonicity(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 30})
	defer cancel()

	h.addAC(t, "hi", 8, 22)
	h.addAC(t, "lo", 2, 22)

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	d := decisions(tick)
	if d["hi"].DecidedKW < d["lo"].DecidedKW {
		t.Errorf("higher priority got %f < lower %f", d["hi"].DecidedKW, d["lo"].DecidedKW)
	}
	if tick.AllocatedKW > tick.AvailableKW+0.1 {
		t.Errorf("allocated %f exceeds available %f", tick.AllocatedKW, tick.AvailableKW)
	}
}

func TestInsufficientCapacityAllZero(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 2})
	defer cancel()

	h.addAC(t, "a", 5, 22)
	h.addAC(t, "b", 5, 22)

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range tick.Decisions {
		if d.DecidedKW != 0 {
			t.Errorf("%s allocated %f with 2 kW available", d.StationID, d.DecidedKW)
		}
		if d.Reason != ReasonInsufficient {
			t.Errorf("%s reason %q, want %q", d.StationID, d.Reason, ReasonInsufficient)
		}
	}
	// Status stays charging: transitions are the driver's job.
	st, _ := h.store.Station("a")
	if st.Status != state.StatusCharging {
		t.Errorf("allocator must not mutate status, got %s", st.Status)
	}
}

func TestNoActiveStations(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 50})
	defer cancel()

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tick.AllocatedKW != 0 || len(tick.Decisions) != 0 {
		t.Errorf("expected empty tick, got %+v", tick)
	}
	if len(h.store.Ticks(0)) != 1 {
		t.Error("empty tick must still be recorded")
	}
}

func TestBuildingLoadReducesCapacity(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 50})
	defer cancel()

	if err := h.store.Apply(h.ctx, state.RegisterMeter{Meter: state.Meter{ID: "grid", Role: state.MeterGrid}}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Apply(h.ctx, state.ObserveMeterMeasurement{ID: "grid", PowerKW: 30}); err != nil {
		t.Fatal(err)
	}
	h.addAC(t, "a", 5, 22)

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	// 50 - 30 other load = 20 available.
	if tick.AvailableKW != 20 {
		t.Errorf("expected 20 kW available, got %f", tick.AvailableKW)
	}
}

func TestPVAddsCapacity(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 50, PVEnabled: true})
	defer cancel()

	if err := h.store.Apply(h.ctx, state.SetPVProduction{PowerKW: 10}); err != nil {
		t.Fatal(err)
	}
	h.addAC(t, "a", 5, 22)

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tick.AvailableKW != 60 {
		t.Errorf("expected 60 kW available with PV, got %f", tick.AvailableKW)
	}
}

func TestZoneCapProportionalScaling(t *testing.T) {
	h, cancel := newHarness(t, Settings{
		GridCapacityKW: 100,
		ZoneCaps:       map[string]float64{"garage": 20},
	})
	defer cancel()

	for _, id := range []string{"z1", "z2"} {
		if err := h.store.Apply(h.ctx, state.RegisterStation{Station: state.Station{
			ID: id, Class: state.ClassAC3P, NominalVoltage: 400, Zone: "garage",
			Priority: 5, RequestedPowerKW: 20,
		}}); err != nil {
			t.Fatal(err)
		}
		if err := h.store.Apply(h.ctx, state.ObserveStationMeasurement{
			ID: id, Measurement: state.StationMeasurement{Status: state.StatusCharging},
		}); err != nil {
			t.Fatal(err)
		}
		h.caps.Discover(h.ctx, id, "ac_l2_3p", state.ClassAC3P, nil)
	}

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	var zoneTotal float64
	for _, d := range tick.Decisions {
		zoneTotal += d.DecidedKW
	}
	if zoneTotal > 20+1e-9 {
		t.Errorf("zone total %f exceeds 20 kW cap", zoneTotal)
	}
	d := decisions(tick)
	// 40 kW demand scaled by 0.5: 10 kW each, above the 4.1 kW envelope min.
	if math.Abs(d["z1"].DecidedKW-10) > 1e-9 {
		t.Errorf("expected 10 kW, got %f", d["z1"].DecidedKW)
	}
}

func TestZoneCapClampsBelowMin(t *testing.T) {
	h, cancel := newHarness(t, Settings{
		GridCapacityKW: 100,
		ZoneCaps:       map[string]float64{"garage": 2},
	})
	defer cancel()

	if err := h.store.Apply(h.ctx, state.RegisterStation{Station: state.Station{
		ID: "z1", Class: state.ClassAC3P, NominalVoltage: 400, Zone: "garage",
		Priority: 5, RequestedPowerKW: 20,
	}}); err != nil {
		t.Fatal(err)
	}
	if err := h.store.Apply(h.ctx, state.ObserveStationMeasurement{
		ID: "z1", Measurement: state.StationMeasurement{Status: state.StatusCharging},
	}); err != nil {
		t.Fatal(err)
	}
	h.caps.Discover(h.ctx, "z1", "ac_l2_3p", state.ClassAC3P, nil)

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	d := decisions(tick)
	if d["z1"].DecidedKW != 0 || d["z1"].Reason != ReasonZoneCap {
		t.Errorf("expected 0 kW / zone_cap, got %f / %s", d["z1"].DecidedKW, d["z1"].Reason)
	}
}

func TestSheddingOverride(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 50, SheddingEnabled: true})
	defer cancel()

	// Five stations, 12 kW each: demand 60 on capacity 50 → ratio 1.2,
	// overshoot 0.25 → level 5: stop priority <= 8.
	prios := []int{1, 3, 5, 7, 9}
	ids := []string{"p1", "p3", "p5", "p7", "p9"}
	for i, id := range ids {
		if err := h.store.Apply(h.ctx, state.RegisterStation{Station: state.Station{
			ID: id, Class: state.ClassAC3P, NominalVoltage: 400,
			Priority: prios[i], RequestedPowerKW: 12,
		}}); err != nil {
			t.Fatal(err)
		}
		if err := h.store.Apply(h.ctx, state.ObserveStationMeasurement{
			ID: id, Measurement: state.StationMeasurement{Status: state.StatusCharging},
		}); err != nil {
			t.Fatal(err)
		}
		h.caps.Discover(h.ctx, id, "ac_l2_3p", state.ClassAC3P, nil)
	}

	sub := h.store.Subscribe(8, "shedding.transition")
	defer sub.Close()

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	d := decisions(tick)
	for _, id := range []string{"p1", "p3", "p5", "p7"} {
		if d[id].DecidedKW != 0 {
			t.Errorf("%s should be stopped at level 5, got %f", id, d[id].DecidedKW)
		}
	}
	if d["p9"].DecidedKW != 12 {
		t.Errorf("p9 should keep 12 kW, got %f", d["p9"].DecidedKW)
	}

	select {
	case ev := <-sub.C:
		data := ev.Data.(map[string]any)
		if data["from"] != 0 || data["to"] != 5 {
			t.Errorf("expected 0→5 transition, got %+v", data)
		}
	case <-time.After(time.Second):
		t.Error("expected shedding.transition event")
	}
}

func TestFailSafeOverride(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 50})
	defer cancel()

	h.addAC(t, "a", 5, 22)
	if err := h.store.Apply(h.ctx, state.SetFailSafeState{ID: "a", State: state.FailSafeState{
		Active: true, OfflineAction: state.ActionReduce, SafePowerKW: 4.1,
	}}); err != nil {
		t.Fatal(err)
	}

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	d := decisions(tick)
	if d["a"].DecidedKW != 4.1 || d["a"].Reason != ReasonFailSafe {
		t.Errorf("expected 4.1 kW / fail_safe, got %f / %s", d["a"].DecidedKW, d["a"].Reason)
	}
}

func TestFailSafeStopOverride(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 50})
	defer cancel()

	h.addAC(t, "a", 5, 22)
	if err := h.store.Apply(h.ctx, state.SetFailSafeState{ID: "a", State: state.FailSafeState{
		Active: true, OfflineAction: state.ActionStop,
	}}); err != nil {
		t.Fatal(err)
	}

	tick, _ := h.alloc.Tick(h.ctx)
	d := decisions(tick)
	if d["a"].DecidedKW != 0 {
		t.Errorf("expected 0 kW under stop action, got %f", d["a"].DecidedKW)
	}
}

func TestEnvelopeSafetyInvariant(t *testing.T) {
	h, cancel := newHarness(t, Settings{GridCapacityKW: 200})
	defer cancel()

	h.addAC(t, "a", 5, 30) // request above the 22 kW envelope

	tick, err := h.alloc.Tick(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	d := decisions(tick)
	if d["a"].DecidedKW > 22 {
		t.Errorf("allocation %f exceeds envelope max 22", d["a"].DecidedKW)
	}
	if tick.AllocatedKW > tick.AvailableKW+0.1 {
		t.Errorf("total %f exceeds available %f", tick.AllocatedKW, tick.AvailableKW)
	}
}
