// Package main — cmd/dlmd/main.go
//
// DLM daemon entrypoint.
//
// Startup sequence:
//  1. Load and validate config (file + environment overrides).
//  2. Initialise structured logger (zap).
//  3. Open the BoltDB snapshot store.
//  4. Start the State Store writer and restore persisted state into it.
//  5. Start the Prometheus metrics server.
//  6. Build the capability registry, controllers, and constraints
//     evaluator; connect protocol drivers and start observation flows.
//  7. Start the fail-safe manager, allocator, push hub, API server,
//     and snapshot persister.
//  8. Register SIGHUP for threshold hot-reload.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence:
//  1. Cancel the root context (stops allocator ticks after the in-flight
//     tick, fail-safe sweeps, API, hub).
//  2. Best-effort stop_session for stations left charging, bounded by
//     the API shutdown timeout.
//  3. Disconnect drivers.
//  4. Save the final snapshot and close BoltDB.
//  5. Flush the logger. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jessejamescox/platform-dlm/internal/alloc"
	"github.com/jessejamescox/platform-dlm/internal/api"
	"github.com/jessejamescox/platform-dlm/internal/capability"
	"github.com/jessejamescox/platform-dlm/internal/config"
	"github.com/jessejamescox/platform-dlm/internal/constraints"
	"github.com/jessejamescox/platform-dlm/internal/control"
	"github.com/jessejamescox/platform-dlm/internal/driver"
	"github.com/jessejamescox/platform-dlm/internal/failsafe"
	"github.com/jessejamescox/platform-dlm/internal/observability"
	"github.com/jessejamescox/platform-dlm/internal/resilience"
	"github.com/jessejamescox/platform-dlm/internal/shedding"
	"github.com/jessejamescox/platform-dlm/internal/state"
	"github.com/jessejamescox/platform-dlm/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/dlm/config.yaml", "Path to config.yaml (empty = defaults + env)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("dlmd %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfgPath := *configPath
	if _, err := os.Stat(cfgPath); err != nil && cfgPath == "/etc/dlm/config.yaml" {
		// Default path missing: run on defaults + environment.
		cfgPath = ""
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("dlmd starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("config", cfgPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Persistence ───────────────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("snapshot store open failed", zap.Error(err),
			zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck

	// ── State store ───────────────────────────────────────────────────────────
	store := state.New(log)
	go store.Run(ctx)

	persisted, err := db.Load()
	if err != nil {
		log.Fatal("snapshot load failed", zap.Error(err))
	}
	if err := storage.Restore(ctx, persisted, store); err != nil {
		log.Fatal("snapshot restore failed", zap.Error(err))
	}
	log.Info("snapshot restored",
		zap.Int("stations", len(persisted.Stations)),
		zap.Int("meters", len(persisted.Meters)))

	// ── Metrics ───────────────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	go relayBusMetrics(ctx, store, metrics)

	// ── Control plane ─────────────────────────────────────────────────────────
	caps := capability.NewRegistry(log)

	var cons *constraints.Evaluator
	if len(cfg.Site.Feeders) > 0 || len(cfg.Site.Transformers) > 0 || cfg.Site.MaxPowerKW > 0 {
		cons = constraints.NewEvaluator(cfg.Site, func(v state.Violation) {
			metrics.ViolationsTotal.WithLabelValues(v.Component, string(v.Severity)).Inc()
			if err := store.Apply(ctx, state.RecordViolation{Violation: v}); err != nil {
				log.Warn("violation record failed", zap.Error(err))
			}
		}, log)
	}

	var shedCtl *shedding.Controller
	if cfg.Shedding.Enabled {
		shedCtl = shedding.NewController(shedding.Settings{
			UpperThreshold:    cfg.Shedding.UpperThreshold,
			LowerThreshold:    cfg.Shedding.LowerThreshold,
			WindowSize:        cfg.Shedding.WindowSize,
			MinUpdateInterval: cfg.Shedding.MinUpdateInterval,
		}, log)
	}

	// ── Drivers ───────────────────────────────────────────────────────────────
	breakerSet := resilience.BreakerSettings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		CallTimeout:      cfg.Breaker.CallTimeout,
		MaxRetries:       cfg.Breaker.MaxRetries,
		RetryDelay:       cfg.Breaker.RetryDelay,
	}
	drivers := buildDrivers(cfg, breakerSet, metrics, log)
	mux := newDriverMux(drivers, log)
	for _, d := range drivers {
		if err := d.Connect(ctx); err != nil {
			log.Warn("driver connect failed (will retry on use)",
				zap.String("protocol", string(d.Protocol())), zap.Error(err))
		}
	}

	dispatcher := &storeDispatcher{mux: mux}
	ac := control.NewACController(store, caps, dispatcher,
		control.ACSettings{MaxImbalance: cfg.Site.MaxPhaseImbalance}, log)
	dc := control.NewDCController(store, caps, dispatcher, log)

	allocator := alloc.New(store, caps, cons, shedCtl, ac, dc, alloc.Settings{
		TickInterval:       cfg.Alloc.TickInterval,
		GridCapacityKW:     cfg.Grid.MaxCapacityKW,
		PeakThresholdKW:    cfg.Grid.PeakThresholdKW,
		MinChargingPowerKW: cfg.Grid.MinChargingPowerKW,
		MaxStationPowerKW:  cfg.Grid.MaxStationPowerKW,
		PVEnabled:          cfg.Grid.PVEnabled,
		ZoneCaps:           cfg.Zones,
		DispatchDeltaKW:    cfg.Alloc.DispatchDeltaKW,
		SheddingEnabled:    cfg.Shedding.Enabled,
	}, metrics, log)
	if cfg.Grid.EnableLoadBalancing {
		go allocator.Run(ctx)
	} else {
		log.Warn("load balancing disabled: allocator runs only on explicit rebalance")
	}

	fsMgr := failsafe.NewManager(store, failsafe.Settings{
		HeartbeatInterval:  cfg.FailSafe.HeartbeatInterval,
		HeartbeatTimeout:   cfg.FailSafe.HeartbeatTimeout,
		DefaultCommTimeout: cfg.FailSafe.DefaultCommTimeout,
		DefaultAction:      cfg.FailSafe.DefaultAction,
		DefaultSafePowerKW: cfg.FailSafe.DefaultSafePowerKW,
	}, log)
	if cfg.FailSafe.Enabled {
		go fsMgr.Run(ctx)
	}

	// Wire restored stations to their drivers and discover capabilities.
	startObservations(ctx, store, caps, mux, log)

	// ── API + push channel ────────────────────────────────────────────────────
	srv := api.NewServer(api.Deps{
		Store:    store,
		Caps:     caps,
		AC:       ac,
		DC:       dc,
		Cons:     cons,
		Shed:     shedCtl,
		FailSafe: fsMgr,
		Alloc:    allocator,
		Sessions: mux,
		Breakers: mux.Breakers,
		Watchdog: func() resilience.WatchdogStatus { return fsMgr.Status().Watchdog },
		Cost: api.CostSettings{
			EnergyCostPerKWh: cfg.Grid.EnergyCostPerKWh,
			PeakCostPerKWh:   cfg.Grid.PeakCostPerKWh,
		},
		Log: log,
	})
	go srv.Hub().Run(ctx)
	go func() {
		if err := srv.Serve(ctx, cfg.API.ListenAddr, cfg.API.ShutdownTimeout); err != nil {
			log.Error("api server error", zap.Error(err))
		}
	}()
	log.Info("api listening", zap.String("addr", cfg.API.ListenAddr))

	// ── Snapshot persister ────────────────────────────────────────────────────
	go persistLoop(ctx, store, db, metrics, cfg.Storage.SaveDebounce, log)

	// ── SIGHUP hot-reload ─────────────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config")
			newCfg, err := config.Load(cfgPath)
			if err != nil {
				log.Error("config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			// Non-destructive changes only.
			if shedCtl != nil {
				shedCtl.Configure(newCfg.Shedding.UpperThreshold, newCfg.Shedding.LowerThreshold)
			}
			if err := allocator.SetLimits(newCfg.Grid.MaxCapacityKW, newCfg.Grid.PeakThresholdKW); err != nil {
				log.Warn("hot-reload limits rejected", zap.Error(err))
			}
			log.Info("config hot-reload applied",
				zap.Float64("max_capacity_kw", newCfg.Grid.MaxCapacityKW),
				zap.Float64("shedding_upper", newCfg.Shedding.UpperThreshold))
		}
	}()

	// ── Wait for shutdown ─────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer shutdownCancel()

	// Best-effort stop for stations left charging.
	for _, st := range store.Snapshot().Stations {
		if st.Status == state.StatusCharging && st.SessionID != "" {
			if err := mux.StopSession(shutdownCtx, st.ID); err != nil {
				log.Warn("session stop failed during shutdown",
					zap.String("station_id", st.ID), zap.Error(err))
			}
		}
	}
	for _, d := range drivers {
		if err := d.Disconnect(shutdownCtx); err != nil {
			log.Warn("driver disconnect failed",
				zap.String("protocol", string(d.Protocol())), zap.Error(err))
		}
	}

	if err := db.Save(store.Snapshot()); err != nil {
		log.Error("final snapshot save failed", zap.Error(err))
	}

	log.Info("dlmd shutdown complete")
}

// buildLogger constructs the zap logger per config.
func buildLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

// buildDrivers constructs the protocol adapters that have devices or a
// broker configured. An empty transports section yields no drivers and
// the daemon runs store-only (demo mode).
func buildDrivers(cfg *config.Config, breakerSet resilience.BreakerSettings, metrics *observability.Metrics, log *zap.Logger) []driver.Driver {
	var drivers []driver.Driver

	if mb := cfg.Transports.Modbus; len(mb.Stations) > 0 || len(mb.Meters) > 0 {
		drivers = append(drivers, driver.NewModbusDriver(driver.ModbusSettings{
			Timeout:   mb.Timeout,
			StatusMap: mb.StatusMap,
			Stations:  modbusDevices(mb.Stations),
			Meters:    modbusDevices(mb.Meters),
			Breaker:   breakerSet,
		}, metrics, log))
		log.Info("modbus transport configured",
			zap.Int("stations", len(mb.Stations)),
			zap.Int("meters", len(mb.Meters)))
	}

	if cfg.Transports.MQTT.BrokerURL != "" {
		drivers = append(drivers, driver.NewMQTTDriver(driver.MQTTSettings{
			BrokerURL:      cfg.Transports.MQTT.BrokerURL,
			Username:       cfg.Transports.MQTT.Username,
			Password:       cfg.Transports.MQTT.Password,
			TopicPrefix:    cfg.Transports.MQTT.TopicPrefix,
			ConnectTimeout: cfg.Transports.MQTT.ConnectTimeout,
			Breaker:        breakerSet,
		}, metrics, log))
		log.Info("mqtt transport configured",
			zap.String("broker", cfg.Transports.MQTT.BrokerURL))
	}

	if oc := cfg.Transports.OCPP; len(oc.Stations) > 0 {
		stations := make(map[string]driver.OCPPStation, len(oc.Stations))
		for id, st := range oc.Stations {
			stations[id] = driver.OCPPStation{
				Endpoint:    st.Endpoint,
				ConnectorID: st.ConnectorID,
			}
		}
		drivers = append(drivers, driver.NewOCPPDriver(driver.OCPPSettings{
			Stations:         stations,
			HandshakeTimeout: oc.HandshakeTimeout,
			CallTimeout:      oc.CallTimeout,
			Breaker:          breakerSet,
		}, metrics, log))
		log.Info("ocpp transport configured", zap.Int("stations", len(oc.Stations)))
	}

	return drivers
}

func modbusDevices(devs map[string]config.ModbusDeviceConfig) map[string]driver.ModbusDevice {
	out := make(map[string]driver.ModbusDevice, len(devs))
	for id, dev := range devs {
		out[id] = driver.ModbusDevice{
			Endpoint:     dev.Endpoint,
			UnitID:       dev.UnitID,
			PollInterval: dev.PollInterval,
		}
	}
	return out
}

// startObservations subscribes every known station and meter to its
// transport, discovering capabilities on the way, and keeps doing so as
// stations register.
func startObservations(ctx context.Context, store *state.Store, caps *capability.Registry, mux *driverMux, log *zap.Logger) {
	observe := func(st state.Station) {
		profile := defaultProfile(st.Class)
		caps.Discover(ctx, st.ID, profile, st.Class, mux.interrogator(st.ID))
		if err := mux.ObserveStation(st.ID, func(obs driver.StationObservation) {
			if err := store.Apply(ctx, state.ObserveStationMeasurement{
				ID: obs.StationID, Measurement: obs.Measurement(),
			}); err != nil {
				log.Debug("observation apply failed",
					zap.String("station_id", obs.StationID), zap.Error(err))
			}
		}); err != nil {
			log.Debug("station has no transport yet", zap.String("station_id", st.ID))
		}
	}
	observeMeter := func(m state.Meter) {
		if err := mux.ObserveMeter(m.ID, func(obs driver.MeterObservation) {
			if err := store.Apply(ctx, state.ObserveMeterMeasurement{
				ID:             obs.MeterID,
				PowerKW:        obs.PowerKW,
				TotalEnergyKWh: obs.TotalEnergyKWh,
				Voltage:        obs.Voltage,
				Current:        obs.Current,
				PowerFactor:    obs.PowerFactor,
				Frequency:      obs.Frequency,
				ObservedAt:     obs.ObservedAt,
			}); err != nil {
				log.Debug("meter observation apply failed",
					zap.String("meter_id", obs.MeterID), zap.Error(err))
			}
		}); err != nil {
			log.Debug("meter has no transport yet", zap.String("meter_id", m.ID))
		}
	}

	snap := store.Snapshot()
	for _, st := range snap.Stations {
		observe(st)
	}
	for _, m := range snap.Meters {
		observeMeter(m)
	}

	sub := store.Subscribe(64, "station.registered", "meter.registered")
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				switch data := ev.Data.(type) {
				case state.Station:
					observe(data)
				case state.Meter:
					observeMeter(data)
				}
			}
		}
	}()
}

func defaultProfile(class state.StationClass) string {
	switch class {
	case state.ClassAC1P:
		return "ac_l2_1p"
	case state.ClassAC3P:
		return "ac_l2_3p"
	default:
		return "dcfc_medium"
	}
}

// persistLoop saves the snapshot after every mutation, debounced.
func persistLoop(ctx context.Context, store *state.Store, db *storage.DB, metrics *observability.Metrics, debounce time.Duration, log *zap.Logger) {
	if debounce <= 0 {
		debounce = time.Second
	}
	sub := store.Subscribe(256, "station.*", "meter.*", "fail_safe.transition")
	defer sub.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			start := time.Now()
			if err := db.Save(store.Snapshot()); err != nil {
				log.Error("snapshot save failed", zap.Error(err))
				continue
			}
			metrics.SnapshotWriteLatency.Observe(time.Since(start).Seconds())
		}
	}
}

// relayBusMetrics mirrors bus counters into Prometheus counters.
func relayBusMetrics(ctx context.Context, store *state.Store, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	var lastPub, lastDrop uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pub, drop := store.BusStats()
			metrics.BusEventsPublishedTotal.Add(float64(pub - lastPub))
			metrics.BusEventsDroppedTotal.Add(float64(drop - lastDrop))
			lastPub, lastDrop = pub, drop
		}
	}
}

// ─── Driver mux ──────────────────────────────────────────────────────────────

// driverMux routes per-station calls to the owning protocol adapter.
// Routing: the first driver that accepts the station's observation
// registration owns it; commands follow the same route.
type driverMux struct {
	drivers []driver.Driver
	log     *zap.Logger

	mu    sync.Mutex
	route map[string]driver.Driver
}

func newDriverMux(drivers []driver.Driver, log *zap.Logger) *driverMux {
	return &driverMux{
		drivers: drivers,
		log:     log,
		route:   make(map[string]driver.Driver),
	}
}

func (m *driverMux) owner(stationID string) driver.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.route[stationID]
}

func (m *driverMux) ObserveStation(stationID string, cb driver.StationCallback) error {
	var lastErr error
	for _, d := range m.drivers {
		if err := d.ObserveStation(stationID, cb); err == nil {
			m.mu.Lock()
			m.route[stationID] = d
			m.mu.Unlock()
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no transport configured for station %q", stationID)
	}
	return lastErr
}

func (m *driverMux) ObserveMeter(meterID string, cb driver.MeterCallback) error {
	var lastErr error
	for _, d := range m.drivers {
		if err := d.ObserveMeter(meterID, cb); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no transport configured for meter %q", meterID)
	}
	return lastErr
}

// interrogator returns the first adapter capable of protocol-level
// capability interrogation, if any.
func (m *driverMux) interrogator(string) capability.Interrogator {
	for _, d := range m.drivers {
		if in, ok := d.(capability.Interrogator); ok {
			return in
		}
	}
	return nil
}

func (m *driverMux) Breakers() []*resilience.Breaker {
	var out []*resilience.Breaker
	for _, d := range m.drivers {
		switch v := d.(type) {
		case interface{ Breakers() []*resilience.Breaker }:
			out = append(out, v.Breakers()...)
		case interface{ Breaker() *resilience.Breaker }:
			out = append(out, v.Breaker())
		}
	}
	return out
}

func (m *driverMux) StartSession(ctx context.Context, stationID, userTag string) (string, error) {
	if d := m.owner(stationID); d != nil {
		return d.StartSession(ctx, stationID, userTag)
	}
	// No transport: the session is tracked in the store only.
	return uuid.NewString(), nil
}

func (m *driverMux) StopSession(ctx context.Context, stationID string) error {
	if d := m.owner(stationID); d != nil {
		return d.StopSession(ctx, stationID)
	}
	return nil
}

// storeDispatcher adapts the mux to the controller Dispatcher contract.
// Stations without a transport accept commands silently: the setpoint
// is recorded and takes effect when a driver attaches (demo mode).
type storeDispatcher struct {
	mux *driverMux
}

func (s *storeDispatcher) CommandAC(ctx context.Context, stationID string, phases state.PhaseCurrents) error {
	if d := s.mux.owner(stationID); d != nil {
		return d.CommandAC(ctx, stationID, phases)
	}
	return nil
}

func (s *storeDispatcher) CommandDC(ctx context.Context, stationID string, powerKW float64) error {
	if d := s.mux.owner(stationID); d != nil {
		return d.CommandDC(ctx, stationID, powerKW)
	}
	return nil
}
