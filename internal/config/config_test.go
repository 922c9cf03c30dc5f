package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
grid:
  max_capacity_kw: 120
  peak_threshold_kw: 100
shedding:
  upper_threshold: 0.90
  lower_threshold: 0.80
zones:
  garage: 40
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Grid.MaxCapacityKW != 120 {
		t.Errorf("file value not applied: %f", cfg.Grid.MaxCapacityKW)
	}
	// Untouched defaults survive.
	if cfg.Alloc.TickInterval != 5*time.Second {
		t.Errorf("default lost: %s", cfg.Alloc.TickInterval)
	}
	if cfg.Zones["garage"] != 40 {
		t.Errorf("zone cap not parsed: %v", cfg.Zones)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MAX_GRID_CAPACITY_KW", "75")
	t.Setenv("ENABLE_LOAD_SHEDDING", "false")
	t.Setenv("NEC625_CONTINUOUS_FACTOR", "0.9")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Grid.MaxCapacityKW != 75 {
		t.Errorf("env override not applied: %f", cfg.Grid.MaxCapacityKW)
	}
	if cfg.Shedding.Enabled {
		t.Error("ENABLE_LOAD_SHEDDING=false not applied")
	}
	if cfg.Site.ContinuousFactor != 0.9 {
		t.Errorf("continuous factor not applied: %f", cfg.Site.ContinuousFactor)
	}
}

func TestUnparsableEnvIgnored(t *testing.T) {
	t.Setenv("MAX_GRID_CAPACITY_KW", "lots")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Grid.MaxCapacityKW != Defaults().Grid.MaxCapacityKW {
		t.Errorf("unparsable env must keep default, got %f", cfg.Grid.MaxCapacityKW)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Grid.MaxCapacityKW = -1
	cfg.Site.Phases = 2
	cfg.Shedding.UpperThreshold = 0.5
	cfg.Shedding.LowerThreshold = 0.8
	cfg.FailSafe.DefaultAction = state.OfflineAction("panic")

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, frag := range []string{"max_capacity_kw", "site.phases", "upper_threshold", "default_action"} {
		if !strings.Contains(msg, frag) {
			t.Errorf("error must mention %q:\n%s", frag, msg)
		}
	}
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("site:\n  phases: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid config must fail to load")
	}
}

func TestTransportDeviceMapsParse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
transports:
  modbus:
    stations:
      st-1:
        endpoint: 10.0.0.5:502
        unit_id: 3
        poll_interval: 2s
    meters:
      grid:
        endpoint: 10.0.0.6:502
        unit_id: 1
  ocpp:
    stations:
      dc-1:
        endpoint: ws://cp-01.local:8887/ocpp
        connector_id: 1
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	dev := cfg.Transports.Modbus.Stations["st-1"]
	if dev.Endpoint != "10.0.0.5:502" || dev.UnitID != 3 || dev.PollInterval != 2*time.Second {
		t.Errorf("modbus station not parsed: %+v", dev)
	}
	if cfg.Transports.Modbus.Meters["grid"].Endpoint != "10.0.0.6:502" {
		t.Errorf("modbus meter not parsed: %+v", cfg.Transports.Modbus.Meters)
	}
	st := cfg.Transports.OCPP.Stations["dc-1"]
	if st.Endpoint != "ws://cp-01.local:8887/ocpp" || st.ConnectorID != 1 {
		t.Errorf("ocpp station not parsed: %+v", st)
	}
}

func TestTransportDeviceValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Transports.Modbus.Stations = map[string]ModbusDeviceConfig{
		"st-1": {}, // endpoint missing
	}
	cfg.Transports.OCPP.Stations = map[string]OCPPStationConfig{
		"dc-1": {Endpoint: "http://not-a-socket", ConnectorID: 0},
	}
	err := Validate(&cfg)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	msg := err.Error()
	for _, frag := range []string{
		"transports.modbus.stations.st-1",
		"transports.ocpp.stations.dc-1 endpoint",
		"connector_id",
	} {
		if !strings.Contains(msg, frag) {
			t.Errorf("error must mention %q:\n%s", frag, msg)
		}
	}
}

func TestModbusStatusMapDefault(t *testing.T) {
	cfg := Defaults()
	if cfg.Transports.Modbus.StatusMap[2] != state.StatusCharging {
		t.Errorf("default status map wrong: %v", cfg.Transports.Modbus.StatusMap)
	}
}
