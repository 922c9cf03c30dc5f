package driver

import (
	"errors"
	"testing"
	"time"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

func TestPoolReusesHandles(t *testing.T) {
	dials := 0
	p := newPool(func(endpoint string) (int, error) {
		dials++
		return dials, nil
	}, nil)

	a1, err := p.get("host-a:502")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := p.get("host-a:502")
	if a1 != a2 {
		t.Error("same endpoint must reuse the handle")
	}
	b, _ := p.get("host-b:502")
	if b == a1 {
		t.Error("different endpoints must not share handles")
	}
	if dials != 2 {
		t.Errorf("expected 2 dials, got %d", dials)
	}
}

func TestPoolDropForcesRedial(t *testing.T) {
	dials := 0
	closed := 0
	p := newPool(func(string) (int, error) {
		dials++
		return dials, nil
	}, func(int) error {
		closed++
		return nil
	})

	_, _ = p.get("host:502")
	p.drop("host:502")
	_, _ = p.get("host:502")
	if dials != 2 {
		t.Errorf("expected redial after drop, got %d dials", dials)
	}
	if closed != 1 {
		t.Errorf("expected dropped handle closed, got %d", closed)
	}
}

func TestPoolDialErrorNotCached(t *testing.T) {
	fail := true
	p := newPool(func(string) (int, error) {
		if fail {
			return 0, errors.New("refused")
		}
		return 42, nil
	}, nil)

	if _, err := p.get("host:502"); err == nil {
		t.Fatal("expected dial error")
	}
	fail = false
	h, err := p.get("host:502")
	if err != nil || h != 42 {
		t.Errorf("expected successful redial, got %v %v", h, err)
	}
}

func TestMapOCPPStatus(t *testing.T) {
	cases := map[string]state.Status{
		"Available":     state.StatusReady,
		"Preparing":     state.StatusReady,
		"Charging":      state.StatusCharging,
		"SuspendedEV":   state.StatusCharging,
		"Faulted":       state.StatusError,
		"Unavailable":   state.StatusUnavailable,
		"SomethingNew":  state.StatusOffline,
	}
	for in, want := range cases {
		if got := mapOCPPStatus(in); got != want {
			t.Errorf("mapOCPPStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestObservationMeasurement(t *testing.T) {
	temp := 42.0
	phases := state.PhaseCurrents{A: 16, B: 16, C: 16}
	obs := StationObservation{
		StationID:        "st-1",
		Status:           state.StatusCharging,
		PowerKW:          11,
		SessionEnergyKWh: 3.2,
		Phases:           &phases,
		TemperatureC:     &temp,
		ObservedAt:       time.Now(),
	}
	m := obs.Measurement()
	if m.Status != state.StatusCharging || m.PowerKW != 11 || m.SessionEnergyKWh != 3.2 {
		t.Errorf("measurement mismatch: %+v", m)
	}
	if m.Phases == nil || m.Phases.A != 16 {
		t.Error("phases not carried")
	}
	if m.TemperatureC == nil || *m.TemperatureC != 42 {
		t.Error("temperature not carried")
	}
}

func TestTelemetryTimeFallback(t *testing.T) {
	if telemetryTime(0).IsZero() {
		t.Error("zero millis must fall back to now")
	}
	want := time.UnixMilli(1700000000000)
	if got := telemetryTime(1700000000000); !got.Equal(want) {
		t.Errorf("expected %s, got %s", want, got)
	}
}
