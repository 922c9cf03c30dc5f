package failsafe

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

func testSettings() Settings {
	return Settings{
		HeartbeatInterval:  10 * time.Second,
		HeartbeatTimeout:   60 * time.Second,
		DefaultCommTimeout: 30 * time.Second,
		DefaultAction:      state.ActionReduce,
		DefaultSafePowerKW: 3.7,
	}
}

func setup(t *testing.T) (*Manager, *state.Store, context.Context, context.CancelFunc) {
	t.Helper()
	store := state.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)
	m := NewManager(store, testSettings(), zap.NewNop())
	return m, store, ctx, cancel
}

func register(t *testing.T, store *state.Store, ctx context.Context, id string, lastSeen time.Time) {
	t.Helper()
	if err := store.Apply(ctx, state.RegisterStation{Station: state.Station{
		ID: id, Class: state.ClassAC3P, RequestedPowerKW: 11,
	}}); err != nil {
		t.Fatal(err)
	}
	if err := store.Apply(ctx, state.ObserveStationMeasurement{ID: id, Measurement: state.StationMeasurement{
		Status: state.StatusCharging, PowerKW: 11, ObservedAt: lastSeen,
	}}); err != nil {
		t.Fatal(err)
	}
}

func TestSweepActivatesAfterTimeout(t *testing.T) {
	m, store, ctx, cancel := setup(t)
	defer cancel()

	base := time.Now()
	register(t, store, ctx, "a", base.Add(-31*time.Second))
	m.now = func() time.Time { return base }

	m.sweep(ctx)

	fs := store.Snapshot().FailSafe["a"]
	if !fs.Active {
		t.Fatal("fail-safe must engage after 31 s of silence on a 30 s timeout")
	}
	if fs.ConsecutiveTimeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", fs.ConsecutiveTimeouts)
	}
	if fs.OfflineAction != state.ActionReduce || fs.SafePowerKW != 3.7 {
		t.Errorf("defaults not applied: %+v", fs)
	}
}

func TestSweepLeavesFreshStationsAlone(t *testing.T) {
	m, store, ctx, cancel := setup(t)
	defer cancel()

	base := time.Now()
	register(t, store, ctx, "a", base.Add(-5*time.Second))
	m.now = func() time.Time { return base }

	m.sweep(ctx)

	fs := store.Snapshot().FailSafe["a"]
	if fs.Active {
		t.Error("fail-safe must not engage for a fresh station")
	}
}

func TestObservationClearsActive(t *testing.T) {
	m, store, ctx, cancel := setup(t)
	defer cancel()

	base := time.Now()
	register(t, store, ctx, "a", base.Add(-31*time.Second))
	m.now = func() time.Time { return base }
	m.sweep(ctx)

	if !store.Snapshot().FailSafe["a"].Active {
		t.Fatal("precondition: fail-safe engaged")
	}

	// Observation resumes at t+45s: the store clears the record.
	if err := store.Apply(ctx, state.ObserveStationMeasurement{ID: "a", Measurement: state.StationMeasurement{
		Status: state.StatusCharging, PowerKW: 11, ObservedAt: base.Add(45 * time.Second),
	}}); err != nil {
		t.Fatal(err)
	}
	fs := store.Snapshot().FailSafe["a"]
	if fs.Active {
		t.Error("observation must clear fail-safe")
	}
	if fs.ConsecutiveTimeouts != 0 {
		t.Errorf("timeouts must reset, got %d", fs.ConsecutiveTimeouts)
	}
}

func TestConsecutiveTimeoutsAccumulate(t *testing.T) {
	m, store, ctx, cancel := setup(t)
	defer cancel()

	base := time.Now()
	register(t, store, ctx, "a", base.Add(-31*time.Second))
	m.now = func() time.Time { return base }

	m.sweep(ctx)
	m.now = func() time.Time { return base.Add(10 * time.Second) }
	m.sweep(ctx)

	if got := store.Snapshot().FailSafe["a"].ConsecutiveTimeouts; got != 2 {
		t.Errorf("expected 2 consecutive timeouts, got %d", got)
	}
}

func TestSystemOfflineAppliesToAll(t *testing.T) {
	m, store, ctx, cancel := setup(t)
	defer cancel()

	base := time.Now()
	register(t, store, ctx, "a", base.Add(-time.Second))
	register(t, store, ctx, "b", base.Add(-2*time.Second))
	m.now = func() time.Time { return base }

	m.systemOffline.Store(true)
	m.sweep(ctx)

	snap := store.Snapshot()
	for _, id := range []string{"a", "b"} {
		if !snap.FailSafe[id].Active {
			t.Errorf("station %s must be under fail-safe in system offline mode", id)
		}
	}
}

func TestTestFailsafeDoesNotMutate(t *testing.T) {
	m, store, ctx, cancel := setup(t)
	defer cancel()

	register(t, store, ctx, "a", time.Now())
	before := store.Snapshot().Version

	res, err := m.TestFailsafe("a")
	if err != nil {
		t.Fatal(err)
	}
	if res.OfflineAction != state.ActionReduce || res.TargetKW != 3.7 {
		t.Errorf("expected reduce to 3.7, got %+v", res)
	}
	if store.Snapshot().Version != before {
		t.Error("TestFailsafe must not mutate state")
	}
}

func TestTestFailsafeMaintainUsesLastKnownGood(t *testing.T) {
	m, store, ctx, cancel := setup(t)
	defer cancel()

	register(t, store, ctx, "a", time.Now())
	if err := m.Configure(ctx, "a", state.FailSafeState{
		OfflineAction: state.ActionMaintain, SafePowerKW: 3.7, CommTimeout: 30 * time.Second,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Apply(ctx, state.RecordSetpoint{ID: "a", PowerKW: 11}); err != nil {
		t.Fatal(err)
	}

	res, err := m.TestFailsafe("a")
	if err != nil {
		t.Fatal(err)
	}
	if res.TargetKW != 11 {
		t.Errorf("maintain should target last known good 11 kW, got %f", res.TargetKW)
	}
}
