// Package config provides configuration loading, validation, and
// hot-reload for the DLM daemon.
//
// Precedence: Defaults() ← config.yaml ← environment variables.
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read, re-apply env, re-validate.
//   - On SIGHUP the daemon applies the shedding thresholds and the grid
//     capacity/peak limits live; other settings, including costs and log
//     level, take effect only after a restart.
//   - Destructive changes (DB path, listen addresses, broker URLs)
//     require restart.
//   - Invalid hot-reload config is logged and discarded; the old config
//     remains active. Invalid startup config is fatal.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the DLM daemon.
// All fields have defaults; see Defaults().
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	Grid GridConfig `yaml:"grid"`
	Site SiteConfig `yaml:"site"`

	// Zones maps a zone tag to its power cap in kW. A zone without an
	// entry is unlimited.
	Zones map[string]float64 `yaml:"zones"`

	Alloc    AllocConfig    `yaml:"allocator"`
	Shedding SheddingConfig `yaml:"shedding"`
	FailSafe FailSafeConfig `yaml:"fail_safe"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Storage  StorageConfig  `yaml:"storage"`
	API      APIConfig      `yaml:"api"`

	Observability ObservabilityConfig `yaml:"observability"`
	Transports    TransportsConfig    `yaml:"transports"`
}

// GridConfig holds the capacity and cost parameters of the site feed.
type GridConfig struct {
	MaxCapacityKW       float64 `yaml:"max_capacity_kw"`
	PeakThresholdKW     float64 `yaml:"peak_threshold_kw"`
	MinChargingPowerKW  float64 `yaml:"min_charging_power_kw"`
	MaxStationPowerKW   float64 `yaml:"max_station_power_kw"`
	EnergyCostPerKWh    float64 `yaml:"energy_cost_per_kwh"`
	PeakCostPerKWh      float64 `yaml:"peak_cost_per_kwh"`
	PVEnabled           bool    `yaml:"pv_enabled"`
	EnableLoadBalancing bool    `yaml:"enable_load_balancing"`
	EnablePVExcess      bool    `yaml:"enable_pv_excess_charging"`
}

// SiteConfig describes the electrical service and the downstream
// topology used by the constraints evaluator.
type SiteConfig struct {
	Phases             int     `yaml:"phases"`
	MaxCurrentA        float64 `yaml:"max_current_a"` // per phase
	MaxPowerKW         float64 `yaml:"max_power_kw"`
	VoltageNominal     float64 `yaml:"voltage_nominal"`
	VoltageTolerance   float64 `yaml:"voltage_tolerance"` // fraction
	FrequencyNominal   float64 `yaml:"frequency_nominal"`
	FrequencyTolerance float64 `yaml:"frequency_tolerance"` // absolute Hz
	MinPowerFactor     float64 `yaml:"min_power_factor"`
	ContinuousFactor   float64 `yaml:"continuous_factor"` // NEC 625, default 0.80
	MaxPhaseImbalance  float64 `yaml:"max_phase_imbalance"`

	Feeders      []FeederConfig      `yaml:"feeders"`
	Transformers []TransformerConfig `yaml:"transformers"`
	Cables       []CableConfig       `yaml:"cables"`
}

// FeederConfig is one feeder circuit and its associated stations.
type FeederConfig struct {
	Name          string   `yaml:"name"`
	MaxCurrentA   float64  `yaml:"max_current_a"`
	MaxPowerKW    float64  `yaml:"max_power_kw"`
	BreakerRating float64  `yaml:"breaker_rating_a"`
	CableAmpacity float64  `yaml:"cable_ampacity_a"`
	Stations      []string `yaml:"stations"`
}

// TransformerConfig is one transformer and its thermal curve.
type TransformerConfig struct {
	Name             string  `yaml:"name"`
	RatedKVA         float64 `yaml:"rated_kva"`
	ContinuousFactor float64 `yaml:"continuous_factor"`
	MaxTemperatureC  float64 `yaml:"max_temperature_c"`
	// ThermalCurve maps load factor to the maximum minutes the
	// transformer may sustain it, e.g. {1.2: 30, 1.5: 5}.
	ThermalCurve map[float64]float64 `yaml:"thermal_curve"`
	Feeders      []string            `yaml:"feeders"`
}

// CableConfig is an optional cable run with derating factors.
type CableConfig struct {
	Name              string  `yaml:"name"`
	BaseAmpacityA     float64 `yaml:"base_ampacity_a"`
	BundlingFactor    float64 `yaml:"bundling_factor"`
	TemperatureFactor float64 `yaml:"temperature_factor"`
	ConduitFactor     float64 `yaml:"conduit_factor"`
}

// AllocConfig holds balancing loop parameters.
type AllocConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	// DispatchDeltaKW is the minimum change from the last applied
	// setpoint worth dispatching.
	DispatchDeltaKW float64 `yaml:"dispatch_delta_kw"`
}

// SheddingConfig holds the hysteretic load-shedding parameters.
type SheddingConfig struct {
	Enabled           bool          `yaml:"enabled"`
	UpperThreshold    float64       `yaml:"upper_threshold"`
	LowerThreshold    float64       `yaml:"lower_threshold"`
	WindowSize        int           `yaml:"window_size"`
	MinUpdateInterval time.Duration `yaml:"min_update_interval"`
}

// FailSafeConfig holds fail-safe manager parameters and per-station
// defaults applied at registration.
type FailSafeConfig struct {
	Enabled            bool                `yaml:"enabled"`
	HeartbeatInterval  time.Duration       `yaml:"heartbeat_interval"`
	HeartbeatTimeout   time.Duration       `yaml:"heartbeat_timeout"`
	DefaultCommTimeout time.Duration       `yaml:"default_comm_timeout"`
	DefaultAction      state.OfflineAction `yaml:"default_action"`
	DefaultSafePowerKW float64             `yaml:"default_safe_power_kw"`
}

// BreakerConfig holds the circuit breaker and retry discipline for
// driver I/O.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
}

// StorageConfig holds the bbolt snapshot store parameters.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
	// SaveDebounce coalesces rapid mutations into one snapshot write.
	SaveDebounce time.Duration `yaml:"save_debounce"`
}

// APIConfig holds the HTTP/WebSocket surface parameters.
type APIConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat   string `yaml:"log_format"` // json, console
}

// TransportsConfig holds protocol adapter endpoints. Credentials are
// opaque to the core.
type TransportsConfig struct {
	Modbus ModbusConfig `yaml:"modbus"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	OCPP   OCPPConfig   `yaml:"ocpp"`
}

// ModbusConfig holds Modbus transport parameters. StatusMap resolves
// the status register value to a station status; the default follows
// the common {0..4} convention but devices differ. Stations and Meters
// bind ids to their Modbus devices; an id absent from both maps is not
// reachable over Modbus.
type ModbusConfig struct {
	Timeout   time.Duration           `yaml:"timeout"`
	StatusMap map[uint16]state.Status `yaml:"status_map"`

	Stations map[string]ModbusDeviceConfig `yaml:"stations"`
	Meters   map[string]ModbusDeviceConfig `yaml:"meters"`
}

// ModbusDeviceConfig locates one device behind a Modbus TCP endpoint.
type ModbusDeviceConfig struct {
	Endpoint     string        `yaml:"endpoint"` // host:port
	UnitID       uint8         `yaml:"unit_id"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MQTTConfig holds broker connection parameters.
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// OCPPConfig holds charge-point websocket parameters. Stations binds a
// station id to the charge point endpoint and connector it lives on.
type OCPPConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`

	Stations map[string]OCPPStationConfig `yaml:"stations"`
}

// OCPPStationConfig locates one connector behind a charge point.
type OCPPStationConfig struct {
	Endpoint    string `yaml:"endpoint"` // ws:// or wss:// URL
	ConnectorID int    `yaml:"connector_id"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Grid: GridConfig{
			MaxCapacityKW:       50,
			PeakThresholdKW:     45,
			MinChargingPowerKW:  3.7,
			MaxStationPowerKW:   22,
			EnergyCostPerKWh:    0.30,
			PeakCostPerKWh:      0.45,
			EnableLoadBalancing: true,
		},
		Site: SiteConfig{
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
		},
		Alloc: AllocConfig{
			TickInterval:    5 * time.Second,
			DispatchDeltaKW: 0.1,
		},
		Shedding: SheddingConfig{
			Enabled:           true,
			UpperThreshold:    0.95,
			LowerThreshold:    0.85,
			WindowSize:        5,
			MinUpdateInterval: 2 * time.Second,
		},
		FailSafe: FailSafeConfig{
			Enabled:            true,
			HeartbeatInterval:  10 * time.Second,
			HeartbeatTimeout:   60 * time.Second,
			DefaultCommTimeout: 30 * time.Second,
			DefaultAction:      state.ActionReduce,
			DefaultSafePowerKW: 3.7,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
			CallTimeout:      5 * time.Second,
			MaxRetries:       3,
			RetryDelay:       200 * time.Millisecond,
		},
		Storage: StorageConfig{
			DBPath:       "/var/lib/dlm/dlm.db",
			SaveDebounce: time.Second,
		},
		API: APIConfig{
			ListenAddr:      "127.0.0.1:8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Transports: TransportsConfig{
			Modbus: ModbusConfig{
				Timeout: time.Second,
				StatusMap: map[uint16]state.Status{
					0: state.StatusOffline,
					1: state.StatusReady,
					2: state.StatusCharging,
					3: state.StatusError,
					4: state.StatusUnavailable,
				},
			},
			MQTT: MQTTConfig{
				TopicPrefix:    "dlm",
				ConnectTimeout: 10 * time.Second,
			},
			OCPP: OCPPConfig{
				HandshakeTimeout: 10 * time.Second,
				CallTimeout:      10 * time.Second,
			},
		},
	}
}

// Load reads, merges, and validates a config file. path == "" skips the
// file layer and applies environment overrides to defaults only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
		}
	}

	ApplyEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides config fields from the enumerated environment
// variables. Unparsable values are ignored; the file/default value wins.
func ApplyEnv(cfg *Config) {
	envFloat("MAX_GRID_CAPACITY_KW", &cfg.Grid.MaxCapacityKW)
	envFloat("PEAK_DEMAND_THRESHOLD_KW", &cfg.Grid.PeakThresholdKW)
	envFloat("MIN_CHARGING_POWER_KW", &cfg.Grid.MinChargingPowerKW)
	envFloat("MAX_CHARGING_POWER_PER_STATION_KW", &cfg.Grid.MaxStationPowerKW)
	envFloat("ENERGY_COST_PER_KWH", &cfg.Grid.EnergyCostPerKWh)
	envFloat("PEAK_COST_PER_KWH", &cfg.Grid.PeakCostPerKWh)
	envBool("PV_SYSTEM_ENABLED", &cfg.Grid.PVEnabled)
	envBool("ENABLE_LOAD_BALANCING", &cfg.Grid.EnableLoadBalancing)
	envBool("ENABLE_PV_EXCESS_CHARGING", &cfg.Grid.EnablePVExcess)

	envFloat("MAX_SERVICE_CURRENT", &cfg.Site.MaxCurrentA)
	envFloat("SERVICE_VOLTAGE", &cfg.Site.VoltageNominal)
	envInt("SERVICE_PHASES", &cfg.Site.Phases)
	envFloat("MAX_PHASE_IMBALANCE", &cfg.Site.MaxPhaseImbalance)
	envFloat("MIN_POWER_FACTOR", &cfg.Site.MinPowerFactor)
	envFloat("SERVICE_FREQUENCY", &cfg.Site.FrequencyNominal)
	envFloat("NEC625_CONTINUOUS_FACTOR", &cfg.Site.ContinuousFactor)

	envBool("ENABLE_LOAD_SHEDDING", &cfg.Shedding.Enabled)
	envFloat("LOAD_SHEDDING_UPPER_THRESHOLD", &cfg.Shedding.UpperThreshold)
	envFloat("LOAD_SHEDDING_LOWER_THRESHOLD", &cfg.Shedding.LowerThreshold)

	envBool("ENABLE_FAIL_SAFE", &cfg.FailSafe.Enabled)

	envString("MQTT_BROKER_URL", &cfg.Transports.MQTT.BrokerURL)
	envString("MQTT_USERNAME", &cfg.Transports.MQTT.Username)
	envString("MQTT_PASSWORD", &cfg.Transports.MQTT.Password)
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Grid.MaxCapacityKW <= 0 {
		errs = append(errs, fmt.Sprintf("grid.max_capacity_kw must be > 0, got %g", cfg.Grid.MaxCapacityKW))
	}
	if cfg.Grid.PeakThresholdKW <= 0 || cfg.Grid.PeakThresholdKW > cfg.Grid.MaxCapacityKW {
		errs = append(errs, fmt.Sprintf("grid.peak_threshold_kw must be in (0, max_capacity_kw], got %g", cfg.Grid.PeakThresholdKW))
	}
	if cfg.Grid.MinChargingPowerKW <= 0 {
		errs = append(errs, fmt.Sprintf("grid.min_charging_power_kw must be > 0, got %g", cfg.Grid.MinChargingPowerKW))
	}
	if cfg.Site.Phases != 1 && cfg.Site.Phases != 3 {
		errs = append(errs, fmt.Sprintf("site.phases must be 1 or 3, got %d", cfg.Site.Phases))
	}
	if cfg.Site.ContinuousFactor <= 0 || cfg.Site.ContinuousFactor > 1 {
		errs = append(errs, fmt.Sprintf("site.continuous_factor must be in (0, 1], got %g", cfg.Site.ContinuousFactor))
	}
	if cfg.Site.MaxPhaseImbalance <= 0 || cfg.Site.MaxPhaseImbalance > 1 {
		errs = append(errs, fmt.Sprintf("site.max_phase_imbalance must be in (0, 1], got %g", cfg.Site.MaxPhaseImbalance))
	}
	if cfg.Site.MinPowerFactor < 0 || cfg.Site.MinPowerFactor > 1 {
		errs = append(errs, fmt.Sprintf("site.min_power_factor must be in [0, 1], got %g", cfg.Site.MinPowerFactor))
	}
	for zone, limit := range cfg.Zones {
		if limit <= 0 {
			errs = append(errs, fmt.Sprintf("zones.%s cap must be > 0, got %g", zone, limit))
		}
	}
	if cfg.Alloc.TickInterval < 500*time.Millisecond {
		errs = append(errs, fmt.Sprintf("allocator.tick_interval must be >= 500ms, got %s", cfg.Alloc.TickInterval))
	}
	if cfg.Shedding.UpperThreshold <= cfg.Shedding.LowerThreshold {
		errs = append(errs, fmt.Sprintf("shedding.upper_threshold (%g) must exceed lower_threshold (%g)",
			cfg.Shedding.UpperThreshold, cfg.Shedding.LowerThreshold))
	}
	if cfg.Shedding.WindowSize < 1 {
		errs = append(errs, fmt.Sprintf("shedding.window_size must be >= 1, got %d", cfg.Shedding.WindowSize))
	}
	switch cfg.FailSafe.DefaultAction {
	case state.ActionMaintain, state.ActionReduce, state.ActionStop:
	default:
		errs = append(errs, fmt.Sprintf("fail_safe.default_action must be maintain|reduce|stop, got %q", cfg.FailSafe.DefaultAction))
	}
	if cfg.Breaker.FailureThreshold < 1 {
		errs = append(errs, "breaker.failure_threshold must be >= 1")
	}
	if cfg.Breaker.SuccessThreshold < 1 {
		errs = append(errs, "breaker.success_threshold must be >= 1")
	}
	if cfg.Breaker.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("breaker.max_retries must be >= 0, got %d", cfg.Breaker.MaxRetries))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json|console, got %q", cfg.Observability.LogFormat))
	}
	for _, f := range cfg.Site.Feeders {
		if f.Name == "" {
			errs = append(errs, "site.feeders entries require a name")
		}
		if f.MaxCurrentA <= 0 {
			errs = append(errs, fmt.Sprintf("feeder %q max_current_a must be > 0", f.Name))
		}
	}
	for _, tr := range cfg.Site.Transformers {
		if tr.RatedKVA <= 0 {
			errs = append(errs, fmt.Sprintf("transformer %q rated_kva must be > 0", tr.Name))
		}
	}
	for id, dev := range cfg.Transports.Modbus.Stations {
		if dev.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("transports.modbus.stations.%s requires an endpoint", id))
		}
	}
	for id, dev := range cfg.Transports.Modbus.Meters {
		if dev.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("transports.modbus.meters.%s requires an endpoint", id))
		}
	}
	for id, st := range cfg.Transports.OCPP.Stations {
		if !strings.HasPrefix(st.Endpoint, "ws://") && !strings.HasPrefix(st.Endpoint, "wss://") {
			errs = append(errs, fmt.Sprintf("transports.ocpp.stations.%s endpoint must be a ws:// or wss:// URL", id))
		}
		if st.ConnectorID < 1 {
			errs = append(errs, fmt.Sprintf("transports.ocpp.stations.%s connector_id must be >= 1", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
