// Package main — cmd/dlm-sim/main.go
//
// DLM demo-mode simulator.
//
// Runs the full control plane in-process against a synthetic fleet: a
// simulated driver feeds station and meter observations through the
// same contract the real adapters use, and obeys the commands the
// controllers dispatch. Building load follows a sinusoidal profile, PV
// follows a day curve, and vehicles accumulate SoC while charging.
//
// Usage:
//   dlm-sim [flags]
//   dlm-sim -stations 6 -dc 2 -grid 50 -api 127.0.0.1:8080 -step 1s
//
// Watch the fleet on the API:
//   curl http://127.0.0.1:8080/api/load/status
//   websocat ws://127.0.0.1:8080/ws
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/alloc"
	"github.com/jessejamescox/platform-dlm/internal/api"
	"github.com/jessejamescox/platform-dlm/internal/capability"
	"github.com/jessejamescox/platform-dlm/internal/control"
	"github.com/jessejamescox/platform-dlm/internal/failsafe"
	"github.com/jessejamescox/platform-dlm/internal/shedding"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

func main() {
	stationCount := flag.Int("stations", 6, "Number of AC stations")
	dcCount := flag.Int("dc", 2, "Number of DC fast chargers")
	gridKW := flag.Float64("grid", 50, "Grid capacity in kW")
	apiAddr := flag.String("api", "127.0.0.1:8080", "API listen address")
	step := flag.Duration("step", time.Second, "Simulation step interval")
	tick := flag.Duration("tick", 5*time.Second, "Allocator tick interval")
	pv := flag.Bool("pv", true, "Simulate PV production")
	flag.Parse()

	if *stationCount < 0 || *dcCount < 0 || *stationCount+*dcCount == 0 {
		fmt.Fprintln(os.Stderr, "ERROR: need at least one station")
		os.Exit(1)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := state.New(log)
	go store.Run(ctx)

	caps := capability.NewRegistry(log)
	sim := newSimDriver(store, log)

	ac := control.NewACController(store, caps, sim, control.ACSettings{}, log)
	dc := control.NewDCController(store, caps, sim, log)
	shedCtl := shedding.NewController(shedding.Settings{
		UpperThreshold: 0.95, LowerThreshold: 0.85, WindowSize: 5,
		MinUpdateInterval: 2 * time.Second,
	}, log)

	allocator := alloc.New(store, caps, nil, shedCtl, ac, dc, alloc.Settings{
		TickInterval:       *tick,
		GridCapacityKW:     *gridKW,
		PeakThresholdKW:    *gridKW * 0.9,
		MinChargingPowerKW: 3.7,
		MaxStationPowerKW:  150,
		PVEnabled:          *pv,
		DispatchDeltaKW:    0.1,
		SheddingEnabled:    true,
	}, nil, log)

	fsMgr := failsafe.NewManager(store, failsafe.Settings{
		HeartbeatInterval:  10 * time.Second,
		HeartbeatTimeout:   60 * time.Second,
		DefaultCommTimeout: 30 * time.Second,
		DefaultAction:      state.ActionReduce,
		DefaultSafePowerKW: 3.7,
	}, log)

	// ── Fleet ─────────────────────────────────────────────────────────────────
	for i := 0; i < *stationCount; i++ {
		id := fmt.Sprintf("ac-%02d", i+1)
		must(store.Apply(ctx, state.RegisterStation{Station: state.Station{
			ID: id, Name: fmt.Sprintf("AC Bay %d", i+1), Zone: "garage",
			Class: state.ClassAC3P, NominalVoltage: 400,
			Priority: 3 + (i % 7), RequestedPowerKW: 11,
		}}), log)
		caps.Discover(ctx, id, "ac_l2_3p", state.ClassAC3P, nil)
		sim.addStation(id, state.ClassAC3P)
	}
	for i := 0; i < *dcCount; i++ {
		id := fmt.Sprintf("dc-%02d", i+1)
		must(store.Apply(ctx, state.RegisterStation{Station: state.Station{
			ID: id, Name: fmt.Sprintf("DC Charger %d", i+1), Zone: "forecourt",
			Class: state.ClassDC, NominalVoltage: 400,
			Priority: 8, RequestedPowerKW: 50,
		}}), log)
		caps.Discover(ctx, id, "dcfc_medium", state.ClassDC, nil)
		sim.addStation(id, state.ClassDC)
	}
	must(store.Apply(ctx, state.RegisterMeter{Meter: state.Meter{
		ID: "grid", Name: "Service Entrance", Role: state.MeterGrid,
	}}), log)

	// ── Tasks ─────────────────────────────────────────────────────────────────
	go sim.run(ctx, *step, *pv)
	go allocator.Run(ctx)
	go fsMgr.Run(ctx)

	srv := api.NewServer(api.Deps{
		Store: store, Caps: caps, AC: ac, DC: dc,
		Shed: shedCtl, FailSafe: fsMgr, Alloc: allocator,
		Sessions: sim,
		Cost:     api.CostSettings{EnergyCostPerKWh: 0.30, PeakCostPerKWh: 0.45},
		Log:      log,
	})
	go srv.Hub().Run(ctx)
	go func() {
		if err := srv.Serve(ctx, *apiAddr, 10*time.Second); err != nil {
			log.Error("api server error", zap.Error(err))
		}
	}()

	log.Info("dlm-sim running",
		zap.Int("ac_stations", *stationCount),
		zap.Int("dc_stations", *dcCount),
		zap.Float64("grid_kw", *gridKW),
		zap.String("api", *apiAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()
	log.Info("dlm-sim stopped")
}

func must(err error, log *zap.Logger) {
	if err != nil {
		log.Fatal("simulation setup failed", zap.Error(err))
	}
}

// ─── Simulated driver ────────────────────────────────────────────────────────

// simStation is the synthetic device state behind one station id.
type simStation struct {
	class     state.StationClass
	command   float64 // last commanded power, kW
	phases    state.PhaseCurrents
	soc       float64
	tempC     float64
	energyKWh float64
	session   string
}

// simDriver obeys controller commands and synthesizes observations.
// It implements both the control.Dispatcher and api.SessionDriver
// surfaces, standing in for the protocol adapters.
type simDriver struct {
	store *state.Store
	log   *zap.Logger

	mu       sync.Mutex
	stations map[string]*simStation
	start    time.Time
}

func newSimDriver(store *state.Store, log *zap.Logger) *simDriver {
	return &simDriver{
		store:    store,
		log:      log,
		stations: make(map[string]*simStation),
		start:    time.Now(),
	}
}

func (s *simDriver) addStation(id string, class state.StationClass) {
	s.mu.Lock()
	s.stations[id] = &simStation{
		class: class,
		soc:   20 + float64(len(s.stations)*7%60),
		tempC: 25,
	}
	s.mu.Unlock()
}

// CommandAC implements control.Dispatcher.
func (s *simDriver) CommandAC(_ context.Context, stationID string, phases state.PhaseCurrents) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[stationID]
	if !ok {
		return fmt.Errorf("sim: unknown station %q", stationID)
	}
	st.phases = phases
	st.command = driverPhasePower(phases)
	return nil
}

// CommandDC implements control.Dispatcher.
func (s *simDriver) CommandDC(_ context.Context, stationID string, powerKW float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[stationID]
	if !ok {
		return fmt.Errorf("sim: unknown station %q", stationID)
	}
	st.command = powerKW
	return nil
}

// StartSession implements api.SessionDriver.
func (s *simDriver) StartSession(_ context.Context, stationID, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[stationID]
	if !ok {
		return "", fmt.Errorf("sim: unknown station %q", stationID)
	}
	st.session = uuid.NewString()
	st.energyKWh = 0
	return st.session, nil
}

// StopSession implements api.SessionDriver.
func (s *simDriver) StopSession(_ context.Context, stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stations[stationID]
	if !ok {
		return fmt.Errorf("sim: unknown station %q", stationID)
	}
	st.session = ""
	st.command = 0
	return nil
}

// run is the simulation loop: advance device physics one step, then
// push observations into the store.
func (s *simDriver) run(ctx context.Context, step time.Duration, pv bool) {
	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := time.Now()
		elapsed := now.Sub(s.start)

		s.mu.Lock()
		observations := make(map[string]state.StationMeasurement, len(s.stations))
		for id, st := range s.stations {
			power := st.command
			// Vehicles accumulate energy and SoC while drawing power.
			st.energyKWh += power * step.Hours()
			if power > 0 {
				st.soc = math.Min(100, st.soc+power*step.Hours()*1.2)
			}
			// DC electronics heat under load, cool otherwise.
			if st.class == state.ClassDC {
				target := 25 + power*0.4
				st.tempC += (target - st.tempC) * 0.1
			}
			status := state.StatusReady
			if power > 0 {
				status = state.StatusCharging
			}
			m := state.StationMeasurement{
				Status:           status,
				PowerKW:          power,
				SessionEnergyKWh: st.energyKWh,
				ObservedAt:       now,
			}
			if st.class.IsAC() {
				p := st.phases
				m.Phases = &p
			} else {
				temp, soc := st.tempC, st.soc
				m.TemperatureC = &temp
				m.SoCPercent = &soc
			}
			observations[id] = m
		}
		s.mu.Unlock()

		for id, m := range observations {
			if err := s.store.Apply(ctx, state.ObserveStationMeasurement{ID: id, Measurement: m}); err != nil {
				s.log.Debug("sim observation rejected", zap.String("station_id", id), zap.Error(err))
			}
		}

		// Building load: 8 kW base + 6 kW sinusoid over a 10 min period.
		building := 8 + 6*math.Sin(elapsed.Seconds()/600*2*math.Pi)
		charging := s.chargingTotal()
		_ = s.store.Apply(ctx, state.ObserveMeterMeasurement{
			ID:          "grid",
			PowerKW:     building + charging,
			Voltage:     230,
			Frequency:   50,
			PowerFactor: 0.96,
			ObservedAt:  now,
		})

		if pv {
			// PV: half-sine day curve compressed into 20 minutes.
			phase := math.Mod(elapsed.Seconds(), 1200) / 1200
			production := math.Max(0, 15*math.Sin(phase*math.Pi))
			_ = s.store.Apply(ctx, state.SetPVProduction{PowerKW: production})
		}
	}
}

func (s *simDriver) chargingTotal() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, st := range s.stations {
		total += math.Max(0, st.command)
	}
	return total
}

// driverPhasePower approximates delivered power from phase setpoints at
// 400 V line voltage.
func driverPhasePower(p state.PhaseCurrents) float64 {
	avg := (p.A + p.B + p.C) / 3
	return 1.7320508 * 400 * avg / 1000
}
