package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "dlm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSaveAndLoad(t *testing.T) {
	db := openTestDB(t)

	snap := state.Snapshot{
		Stations: []state.Station{
			{ID: "st-1", Name: "Bay 1", Class: state.ClassAC3P, Priority: 5, RequestedPowerKW: 11},
			{ID: "st-2", Name: "Bay 2", Class: state.ClassDC, Priority: 7},
		},
		Meters: []state.Meter{
			{ID: "grid", Role: state.MeterGrid, PowerKW: 30},
		},
		FailSafe: map[string]state.FailSafeState{
			"st-1": {SafePowerKW: 3.7, OfflineAction: state.ActionReduce, CommTimeout: 30 * time.Second},
		},
	}
	if err := db.Save(snap); err != nil {
		t.Fatal(err)
	}

	p, err := db.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Stations) != 2 || len(p.Meters) != 1 {
		t.Fatalf("load mismatch: %d stations, %d meters", len(p.Stations), len(p.Meters))
	}
	if p.Stations[0].ID != "st-1" || p.Stations[0].RequestedPowerKW != 11 {
		t.Errorf("station round trip: %+v", p.Stations[0])
	}
	if p.FailSafe["st-1"].SafePowerKW != 3.7 {
		t.Errorf("failsafe round trip: %+v", p.FailSafe["st-1"])
	}
	if p.SavedAt.IsZero() {
		t.Error("saved_at not stamped")
	}
}

func TestSaveReplacesRemovedEntries(t *testing.T) {
	db := openTestDB(t)

	_ = db.Save(state.Snapshot{Stations: []state.Station{{ID: "st-1"}, {ID: "st-2"}}})
	_ = db.Save(state.Snapshot{Stations: []state.Station{{ID: "st-1"}}})

	p, err := db.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Stations) != 1 {
		t.Errorf("removed station survived save: %+v", p.Stations)
	}
}

func TestLoadEmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	p, err := db.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Stations) != 0 || len(p.Meters) != 0 {
		t.Errorf("expected empty snapshot, got %+v", p)
	}
}

func TestRestoreMarksStationsOffline(t *testing.T) {
	db := openTestDB(t)
	_ = db.Save(state.Snapshot{
		Stations: []state.Station{{ID: "st-1", Status: state.StatusCharging, Online: true}},
		FailSafe: map[string]state.FailSafeState{"st-1": {Active: true, SafePowerKW: 3.7}},
	})

	store := state.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	p, err := db.Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := Restore(ctx, p, store); err != nil {
		t.Fatal(err)
	}

	snap := store.Snapshot()
	if snap.Stations[0].Status != state.StatusOffline {
		t.Errorf("restored station must start offline, got %s", snap.Stations[0].Status)
	}
	if snap.FailSafe["st-1"].Active {
		t.Error("restored fail-safe must start inactive")
	}
}
