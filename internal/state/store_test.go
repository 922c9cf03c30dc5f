package state

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/faults"
)

func newTestStore(t *testing.T) (*Store, context.CancelFunc) {
	t.Helper()
	s := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	return s, cancel
}

func TestRegisterAndSnapshot(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	err := s.Apply(context.Background(), RegisterStation{Station: Station{
		ID: "st-1", Name: "Bay 1", Class: ClassAC3P, NominalVoltage: 400, Priority: 5,
	}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Stations) != 1 {
		t.Fatalf("expected 1 station, got %d", len(snap.Stations))
	}
	if snap.Stations[0].Status != StatusOffline {
		t.Errorf("expected default status offline, got %s", snap.Stations[0].Status)
	}
	if snap.Version == 0 {
		t.Error("version should advance on mutation")
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	ctx := context.Background()
	if err := s.Apply(ctx, RegisterStation{Station: Station{ID: "st-1"}}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := s.Apply(ctx, RegisterStation{Station: Station{ID: "st-1"}})
	if faults.KindOf(err) != faults.KindStateConflict {
		t.Errorf("expected state conflict, got %v", err)
	}
}

func TestObservationClearsFailSafe(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	ctx := context.Background()
	if err := s.Apply(ctx, RegisterStation{Station: Station{ID: "st-1", Class: ClassDC}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Apply(ctx, SetFailSafeState{ID: "st-1", State: FailSafeState{
		Active: true, OfflineAction: ActionReduce, SafePowerKW: 3.7, ConsecutiveTimeouts: 2,
	}}); err != nil {
		t.Fatalf("set failsafe: %v", err)
	}

	if err := s.Apply(ctx, ObserveStationMeasurement{ID: "st-1", Measurement: StationMeasurement{
		Status: StatusCharging, PowerKW: 11, ObservedAt: time.Now(),
	}}); err != nil {
		t.Fatalf("observe: %v", err)
	}

	snap := s.Snapshot()
	fs := snap.FailSafe["st-1"]
	if fs.Active {
		t.Error("observation should clear fail-safe")
	}
	if fs.ConsecutiveTimeouts != 0 {
		t.Errorf("expected timeouts reset, got %d", fs.ConsecutiveTimeouts)
	}
}

func TestEventDeliveryAfterCommit(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	sub := s.Subscribe(8, "station.*")
	defer sub.Close()

	if err := s.Apply(context.Background(), RegisterStation{Station: Station{ID: "st-1"}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	select {
	case ev := <-sub.C:
		if ev.Topic != "station.registered" {
			t.Errorf("expected station.registered, got %s", ev.Topic)
		}
		// The event must observe the committed mutation.
		if _, ok := s.Station("st-1"); !ok {
			t.Error("event delivered before commit")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	sub := s.Subscribe(1, "meter.*")
	defer sub.Close()

	ctx := context.Background()
	if err := s.Apply(ctx, RegisterMeter{Meter: Meter{ID: "m-1", Role: MeterGrid}}); err != nil {
		t.Fatalf("register meter: %v", err)
	}
	// Queue depth 1 is now full; further events must drop, not block.
	for i := 0; i < 5; i++ {
		if err := s.Apply(ctx, ObserveMeterMeasurement{ID: "m-1", PowerKW: float64(i)}); err != nil {
			t.Fatalf("observe meter: %v", err)
		}
	}
	if sub.Dropped() == 0 {
		t.Error("expected dropped events on full queue")
	}
}

func TestTopicMatching(t *testing.T) {
	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"station.*", "station.updated", true},
		{"station.*", "station.command.ac", true},
		{"station.*", "meter.updated", false},
		{"load.updated", "load.updated", true},
		{"load.updated", "load.history", false},
		{"*", "anything", true},
	}
	for _, tc := range cases {
		sub := &Subscription{topics: []string{tc.pattern}}
		if got := sub.matches(tc.topic); got != tc.want {
			t.Errorf("pattern %q topic %q: got %v want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestTickHistoryRing(t *testing.T) {
	s, cancel := newTestStore(t)
	defer cancel()

	ctx := context.Background()
	for i := 0; i < tickHistory+10; i++ {
		if err := s.Apply(ctx, RecordAllocation{Tick: AllocationTick{AvailableKW: float64(i)}}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	ticks := s.Ticks(0)
	if len(ticks) != tickHistory {
		t.Fatalf("ring should hold %d ticks, got %d", tickHistory, len(ticks))
	}
	if ticks[len(ticks)-1].ID != uint64(tickHistory+10) {
		t.Errorf("tick ids must be monotonic, last = %d", ticks[len(ticks)-1].ID)
	}
}

func TestBuildingConsumption(t *testing.T) {
	snap := Snapshot{Meters: []Meter{
		{ID: "grid", Role: MeterGrid, PowerKW: 40},
		{ID: "pv", Role: MeterSolar, PowerKW: 12},
		{ID: "sub", Role: MeterZone, PowerKW: 99},
	}}
	if got := snap.BuildingConsumptionKW(); got != 28 {
		t.Errorf("expected 28 kW, got %f", got)
	}
}
