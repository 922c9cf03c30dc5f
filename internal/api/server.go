// Package api exposes the request/response surface and the WebSocket
// push channel.
//
// Every reply is the envelope {ok, data?, error?, code?}. Client and
// validation failures map to 4xx by error kind, transport failures to
// 502, unexpected failures to 500, breaker trips and not-ready to 503. Errors never disconnect the
// push channel; they are delivered as typed events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/alloc"
	"github.com/jessejamescox/platform-dlm/internal/capability"
	"github.com/jessejamescox/platform-dlm/internal/constraints"
	"github.com/jessejamescox/platform-dlm/internal/control"
	"github.com/jessejamescox/platform-dlm/internal/failsafe"
	"github.com/jessejamescox/platform-dlm/internal/faults"
	"github.com/jessejamescox/platform-dlm/internal/resilience"
	"github.com/jessejamescox/platform-dlm/internal/shedding"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

// Response is the uniform reply envelope.
type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// SessionDriver starts and stops sessions on the owning transport.
// nil means sessions are recorded in the store only (demo mode).
type SessionDriver interface {
	StartSession(ctx context.Context, stationID, userTag string) (string, error)
	StopSession(ctx context.Context, stationID string) error
}

// CostSettings prices consumption snapshots.
type CostSettings struct {
	EnergyCostPerKWh float64
	PeakCostPerKWh   float64
}

// Server wires the HTTP surface to the control plane.
type Server struct {
	store    *state.Store
	caps     *capability.Registry
	ac       *control.ACController
	dc       *control.DCController
	cons     *constraints.Evaluator // nil without topology
	shed     *shedding.Controller   // nil when disabled
	failsafe *failsafe.Manager
	alloc    *alloc.Allocator
	sessions SessionDriver                 // nil in demo mode
	breakers func() []*resilience.Breaker  // nil without drivers
	watchdog func() resilience.WatchdogStatus
	cost     CostSettings
	ready    func() bool
	hub      *Hub
	log      *zap.Logger
}

// Deps bundles the Server collaborators.
type Deps struct {
	Store    *state.Store
	Caps     *capability.Registry
	AC       *control.ACController
	DC       *control.DCController
	Cons     *constraints.Evaluator
	Shed     *shedding.Controller
	FailSafe *failsafe.Manager
	Alloc    *alloc.Allocator
	Sessions SessionDriver
	Breakers func() []*resilience.Breaker
	Watchdog func() resilience.WatchdogStatus
	Cost     CostSettings
	Ready    func() bool
	Log      *zap.Logger
}

// NewServer creates the API server and its push hub.
func NewServer(d Deps) *Server {
	s := &Server{
		store:    d.Store,
		caps:     d.Caps,
		ac:       d.AC,
		dc:       d.DC,
		cons:     d.Cons,
		shed:     d.Shed,
		failsafe: d.FailSafe,
		alloc:    d.Alloc,
		sessions: d.Sessions,
		breakers: d.Breakers,
		watchdog: d.Watchdog,
		cost:     d.Cost,
		ready:    d.Ready,
		log:      d.Log,
	}
	if s.ready == nil {
		s.ready = func() bool { return true }
	}
	s.hub = NewHub(d.Store, d.Log)
	return s
}

// Hub returns the push channel hub; the daemon runs it.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.HandleWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/stations", s.handleListStations).Methods(http.MethodGet)
	api.HandleFunc("/stations", s.handleRegisterStation).Methods(http.MethodPost)
	api.HandleFunc("/stations/{id}", s.handleGetStation).Methods(http.MethodGet)
	api.HandleFunc("/stations/{id}", s.handleUpdateStation).Methods(http.MethodPatch)
	api.HandleFunc("/stations/{id}", s.handleRemoveStation).Methods(http.MethodDelete)
	api.HandleFunc("/stations/{id}/power", s.handleSetPower).Methods(http.MethodPost)
	api.HandleFunc("/stations/{id}/session/start", s.handleStartSession).Methods(http.MethodPost)
	api.HandleFunc("/stations/{id}/session/stop", s.handleStopSession).Methods(http.MethodPost)

	api.HandleFunc("/load/status", s.handleLoadStatus).Methods(http.MethodGet)
	api.HandleFunc("/load/capacity", s.handleLoadCapacity).Methods(http.MethodGet)
	api.HandleFunc("/load/limits", s.handleSetLimits).Methods(http.MethodPut)
	api.HandleFunc("/load/history", s.handleLoadHistory).Methods(http.MethodGet)
	api.HandleFunc("/load/rebalance", s.handleRebalance).Methods(http.MethodPost)

	api.HandleFunc("/meters", s.handleListMeters).Methods(http.MethodGet)
	api.HandleFunc("/meters", s.handleRegisterMeter).Methods(http.MethodPost)
	api.HandleFunc("/meters/{id}", s.handleRemoveMeter).Methods(http.MethodDelete)
	api.HandleFunc("/energy/pv", s.handlePVStatus).Methods(http.MethodGet)
	api.HandleFunc("/energy/pv", s.handleSetPV).Methods(http.MethodPut)
	api.HandleFunc("/energy/consumption", s.handleConsumption).Methods(http.MethodGet)
	api.HandleFunc("/energy/cost", s.handleCost).Methods(http.MethodGet)

	api.HandleFunc("/control/phase-balance", s.handlePhaseBalance).Methods(http.MethodGet)
	api.HandleFunc("/control/{id}/discover", s.handleDiscover).Methods(http.MethodPost)
	api.HandleFunc("/control/{id}/phases", s.handleSetPhases).Methods(http.MethodPost)
	api.HandleFunc("/control/{id}/phases/ramp", s.handleRampPhases).Methods(http.MethodPost)
	api.HandleFunc("/control/{id}/dc/power", s.handleSetDCPower).Methods(http.MethodPost)
	api.HandleFunc("/control/{id}/dc/current", s.handleSetDCCurrent).Methods(http.MethodPost)
	api.HandleFunc("/control/{id}/taper", s.handleConfigureTaper).Methods(http.MethodPut)
	api.HandleFunc("/control/{id}/measurements", s.handleUpdateMeasurements).Methods(http.MethodPost)
	api.HandleFunc("/control/{id}/v2g", s.handleEnableV2G).Methods(http.MethodPost)

	api.HandleFunc("/health/shedding", s.handleSheddingStatus).Methods(http.MethodGet)
	api.HandleFunc("/health/shedding", s.handleConfigureShedding).Methods(http.MethodPut)
	api.HandleFunc("/health/constraints", s.handleConstraintsStatus).Methods(http.MethodGet)
	api.HandleFunc("/health/violations", s.handleViolations).Methods(http.MethodGet)
	api.HandleFunc("/health/failsafe", s.handleFailSafeStatus).Methods(http.MethodGet)
	api.HandleFunc("/health/failsafe/{id}", s.handleConfigureFailSafe).Methods(http.MethodPut)
	api.HandleFunc("/health/failsafe/{id}/test", s.handleTestFailSafe).Methods(http.MethodPost)
	api.HandleFunc("/health/breakers", s.handleBreakers).Methods(http.MethodGet)
	api.HandleFunc("/health/breakers/reset", s.handleResetBreakers).Methods(http.MethodPost)
	api.HandleFunc("/health/watchdog", s.handleWatchdog).Methods(http.MethodGet)
	api.HandleFunc("/health/audit", s.handleAudit).Methods(http.MethodGet)

	return r
}

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ─── Envelope helpers ─────────────────────────────────────────────────────────

func (s *Server) ok(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{OK: true, Data: data})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case faults.KindValidation, faults.KindConstraint:
		status = http.StatusBadRequest
	case faults.KindNotDiscovered:
		status = http.StatusNotFound
	case faults.KindStateConflict:
		status = http.StatusConflict
	case faults.KindCircuitOpen:
		status = http.StatusServiceUnavailable
	case faults.KindTransport:
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{OK: false, Error: err.Error(), Code: kind.String()})
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return faults.Wrap(faults.KindValidation, "invalid JSON body", err)
	}
	return nil
}

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// ─── Health root ──────────────────────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ─── Stations ─────────────────────────────────────────────────────────────────

func (s *Server) handleListStations(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, s.store.Snapshot().Stations)
}

type registerStationRequest struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Zone             string  `json:"zone"`
	Class            string  `json:"class"`
	Connector        string  `json:"connector"`
	NominalVoltage   float64 `json:"nominal_voltage"`
	Priority         int     `json:"priority"`
	UserPriority     int     `json:"user_priority"`
	RequestedPowerKW float64 `json:"requested_power_kw"`
	Profile          string  `json:"profile"`
}

func (s *Server) handleRegisterStation(w http.ResponseWriter, r *http.Request) {
	var req registerStationRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	class := state.StationClass(req.Class)
	switch class {
	case state.ClassAC1P, state.ClassAC3P, state.ClassDC:
	default:
		s.fail(w, faults.Newf(faults.KindValidation, "unknown station class %q", req.Class))
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	st := state.Station{
		ID:               req.ID,
		Name:             req.Name,
		Zone:             req.Zone,
		Class:            class,
		Connector:        req.Connector,
		NominalVoltage:   req.NominalVoltage,
		Priority:         req.Priority,
		UserPriority:     req.UserPriority,
		RequestedPowerKW: req.RequestedPowerKW,
	}
	if err := s.store.Apply(r.Context(), state.RegisterStation{Station: st}); err != nil {
		s.fail(w, err)
		return
	}
	cap := s.caps.Discover(r.Context(), req.ID, req.Profile, class, nil)
	s.ok(w, map[string]any{"station": st, "capability": cap})
}

func (s *Server) handleGetStation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.store.Station(id)
	if !ok {
		s.fail(w, faults.Newf(faults.KindNotDiscovered, "unknown station %q", id))
		return
	}
	cap, _ := s.caps.Get(id)
	s.ok(w, map[string]any{"station": st, "capability": cap})
}

type updateStationRequest struct {
	Name              *string  `json:"name"`
	Zone              *string  `json:"zone"`
	Priority          *int     `json:"priority"`
	UserPriority      *int     `json:"user_priority"`
	ScheduledCharging *bool    `json:"scheduled_charging"`
	RequestedPowerKW  *float64 `json:"requested_power_kw"`
	NominalVoltage    *float64 `json:"nominal_voltage"`
}

func (s *Server) handleUpdateStation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req updateStationRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	cmd := state.UpdateStation{
		ID:                id,
		Name:              req.Name,
		Zone:              req.Zone,
		Priority:          req.Priority,
		UserPriority:      req.UserPriority,
		ScheduledCharging: req.ScheduledCharging,
		RequestedPowerKW:  req.RequestedPowerKW,
		NominalVoltage:    req.NominalVoltage,
	}
	if err := s.store.Apply(r.Context(), cmd); err != nil {
		s.fail(w, err)
		return
	}
	st, _ := s.store.Station(id)
	s.ok(w, st)
}

func (s *Server) handleRemoveStation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.Apply(r.Context(), state.RemoveStation{ID: id}); err != nil {
		s.fail(w, err)
		return
	}
	s.caps.Remove(id)
	s.ok(w, map[string]string{"removed": id})
}

func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		PowerKW float64 `json:"power_kw"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.PowerKW < 0 {
		s.fail(w, faults.New(faults.KindValidation, "power_kw must be >= 0"))
		return
	}
	if err := s.store.Apply(r.Context(), state.UpdateStation{ID: id, RequestedPowerKW: &req.PowerKW}); err != nil {
		s.fail(w, err)
		return
	}
	st, _ := s.store.Station(id)
	s.ok(w, st)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		User string `json:"user"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	st, ok := s.store.Station(id)
	if !ok {
		s.fail(w, faults.Newf(faults.KindNotDiscovered, "unknown station %q", id))
		return
	}
	if st.Status == state.StatusOffline || st.Status == state.StatusUnavailable {
		s.fail(w, faults.Newf(faults.KindStateConflict, "station %q is %s", id, st.Status))
		return
	}

	sessionID := ""
	if s.sessions != nil {
		var err error
		sessionID, err = s.sessions.StartSession(r.Context(), id, req.User)
		if err != nil {
			s.fail(w, err)
			return
		}
	} else {
		sessionID = newSessionID()
	}
	if err := s.store.Apply(r.Context(), state.StartSession{ID: id, SessionID: sessionID, User: req.User}); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]string{"session_id": sessionID})
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.sessions != nil {
		if err := s.sessions.StopSession(r.Context(), id); err != nil {
			s.fail(w, err)
			return
		}
	}
	if err := s.store.Apply(r.Context(), state.StopSession{ID: id}); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]string{"stopped": id})
}

// ─── Load ─────────────────────────────────────────────────────────────────────

func (s *Server) loadCapacity() map[string]any {
	snap := s.store.Snapshot()
	maxKW, peakKW := s.alloc.Limits()
	current := snap.ChargingLoadKW()
	available := maxKW - current
	if available < 0 {
		available = 0
	}
	utilization := 0.0
	if maxKW > 0 {
		utilization = current / maxKW * 100
	}
	return map[string]any{
		"max_kw":       maxKW,
		"threshold_kw": peakKW,
		"current_kw":   current,
		"available_kw": available,
		"utilization":  utilization,
		"is_peak":      current >= peakKW,
	}
}

func (s *Server) handleLoadStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	ticks := s.store.Ticks(1)
	status := map[string]any{
		"capacity":       s.loadCapacity(),
		"shedding_level": snap.SheddingLevel,
		"stations":       len(snap.Stations),
		"charging_load":  snap.ChargingLoadKW(),
	}
	if len(ticks) > 0 {
		status["last_tick"] = ticks[0]
	}
	s.ok(w, status)
}

func (s *Server) handleLoadCapacity(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, s.loadCapacity())
}

func (s *Server) handleSetLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxCapacityKW   float64 `json:"max_capacity_kw"`
		PeakThresholdKW float64 `json:"peak_threshold_kw"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.alloc.SetLimits(req.MaxCapacityKW, req.PeakThresholdKW); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, s.loadCapacity())
}

func (s *Server) handleLoadHistory(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.store.Ticks(limitParam(r, 100)))
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	tick, err := s.alloc.Tick(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, tick)
}

// ─── Energy ───────────────────────────────────────────────────────────────────

func (s *Server) handleListMeters(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, s.store.Snapshot().Meters)
}

func (s *Server) handleRegisterMeter(w http.ResponseWriter, r *http.Request) {
	var m state.Meter
	if err := decode(r, &m); err != nil {
		s.fail(w, err)
		return
	}
	switch m.Role {
	case state.MeterGrid, state.MeterBuilding, state.MeterSolar, state.MeterZone:
	default:
		s.fail(w, faults.Newf(faults.KindValidation, "unknown meter role %q", m.Role))
		return
	}
	if err := s.store.Apply(r.Context(), state.RegisterMeter{Meter: m}); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, m)
}

func (s *Server) handleRemoveMeter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.Apply(r.Context(), state.RemoveMeter{ID: id}); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]string{"removed": id})
}

func (s *Server) handlePVStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	var solar float64
	for _, m := range snap.Meters {
		if m.Role == state.MeterSolar {
			solar += m.PowerKW
		}
	}
	s.ok(w, map[string]float64{
		"production_kw": snap.PVProductionKW,
		"metered_kw":    solar,
	})
}

func (s *Server) handleSetPV(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PowerKW float64 `json:"power_kw"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.Apply(r.Context(), state.SetPVProduction{PowerKW: req.PowerKW}); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]float64{"production_kw": req.PowerKW})
}

func (s *Server) handleConsumption(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	var sessionTotal, lifetimeTotal float64
	for _, st := range snap.Stations {
		sessionTotal += st.SessionEnergyKWh
		lifetimeTotal += st.TotalEnergyKWh
	}
	s.ok(w, map[string]float64{
		"building_kw":          snap.BuildingConsumptionKW(),
		"charging_kw":          snap.ChargingLoadKW(),
		"session_energy_kwh":   sessionTotal,
		"delivered_energy_kwh": lifetimeTotal,
	})
}

func (s *Server) handleCost(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	_, peakKW := s.alloc.Limits()
	load := snap.ChargingLoadKW()
	rate := s.cost.EnergyCostPerKWh
	if load >= peakKW {
		rate = s.cost.PeakCostPerKWh
	}
	var delivered float64
	for _, st := range snap.Stations {
		delivered += st.TotalEnergyKWh
	}
	s.ok(w, map[string]any{
		"current_rate_per_kwh": rate,
		"is_peak":              load >= peakKW,
		"hourly_cost_estimate": load * rate,
		"delivered_kwh":        delivered,
	})
}

// ─── Control ──────────────────────────────────────────────────────────────────

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := s.store.Station(id)
	if !ok {
		s.fail(w, faults.Newf(faults.KindNotDiscovered, "unknown station %q", id))
		return
	}
	var req struct {
		Profile string `json:"profile"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	cap := s.caps.Discover(r.Context(), id, req.Profile, st.Class, nil)
	s.ok(w, cap)
}

func (s *Server) handleSetPhases(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		A           float64 `json:"a"`
		B           float64 `json:"b"`
		C           float64 `json:"c"`
		AutoBalance bool    `json:"auto_balance"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	err := s.ac.SetPhaseCurrents(r.Context(), id, state.PhaseCurrents{A: req.A, B: req.B, C: req.C}, req.AutoBalance)
	if err != nil {
		s.fail(w, err)
		return
	}
	st, _ := s.store.Station(id)
	s.ok(w, st)
}

func (s *Server) handleRampPhases(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		A          float64 `json:"a"`
		B          float64 `json:"b"`
		C          float64 `json:"c"`
		StepTimeMS int     `json:"step_time_ms"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	err := s.ac.RampPhaseCurrents(context.WithoutCancel(r.Context()), id,
		state.PhaseCurrents{A: req.A, B: req.B, C: req.C},
		time.Duration(req.StepTimeMS)*time.Millisecond)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]string{"ramping": id})
}

func (s *Server) handleSetDCPower(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		PowerKW  float64 `json:"power_kw"`
		AutoRamp bool    `json:"auto_ramp"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.dc.SetPowerLimit(context.WithoutCancel(r.Context()), id, req.PowerKW, req.AutoRamp); err != nil {
		s.fail(w, err)
		return
	}
	cmd, _ := s.dc.LastCommand(id)
	s.ok(w, cmd)
}

func (s *Server) handleSetDCCurrent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		CurrentA float64 `json:"current_a"`
		AutoRamp bool    `json:"auto_ramp"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.dc.SetCurrentLimit(context.WithoutCancel(r.Context()), id, req.CurrentA, req.AutoRamp); err != nil {
		s.fail(w, err)
		return
	}
	cmd, _ := s.dc.LastCommand(id)
	s.ok(w, cmd)
}

func (s *Server) handleConfigureTaper(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req control.TaperConfig
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.StartSoC < 0 || req.StartSoC >= 100 || req.Rate < 0 || req.Rate > 1 {
		s.fail(w, faults.New(faults.KindValidation, "taper: start_soc in [0,100), rate in [0,1]"))
		return
	}
	s.dc.ConfigureTaper(id, req)
	s.ok(w, req)
}

func (s *Server) handleUpdateMeasurements(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		SoC          *float64 `json:"soc"`
		TemperatureC *float64 `json:"temperature_c"`
		Voltage      *float64 `json:"voltage"`
		PowerKW      *float64 `json:"power_kw"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	st, ok := s.store.Station(id)
	if !ok {
		s.fail(w, faults.Newf(faults.KindNotDiscovered, "unknown station %q", id))
		return
	}
	m := state.StationMeasurement{
		Status:           st.Status,
		PowerKW:          st.CurrentPowerKW,
		SessionEnergyKWh: st.SessionEnergyKWh,
		SoCPercent:       req.SoC,
		TemperatureC:     req.TemperatureC,
		Voltage:          req.Voltage,
	}
	if req.PowerKW != nil {
		m.PowerKW = *req.PowerKW
	}
	if err := s.store.Apply(r.Context(), state.ObserveStationMeasurement{ID: id, Measurement: m}); err != nil {
		s.fail(w, err)
		return
	}
	st, _ = s.store.Station(id)
	s.ok(w, st)
}

func (s *Server) handleEnableV2G(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	cap, ok := s.caps.Get(id)
	if !ok {
		s.fail(w, faults.Newf(faults.KindNotDiscovered, "no capability for station %q", id))
		return
	}
	if req.Enabled && !cap.HasFeature(capability.FeatureBidirectional) {
		s.fail(w, faults.Newf(faults.KindValidation, "station %q hardware is not bidirectional", id))
		return
	}
	if err := s.store.Apply(r.Context(), state.UpdateStation{ID: id, V2GEnabled: &req.Enabled}); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]bool{"v2g_enabled": req.Enabled})
}

func (s *Server) handlePhaseBalance(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, s.ac.SystemPhaseBalance())
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (s *Server) handleSheddingStatus(w http.ResponseWriter, _ *http.Request) {
	if s.shed == nil {
		s.ok(w, map[string]any{"enabled": false})
		return
	}
	s.ok(w, s.shed.Status())
}

func (s *Server) handleConfigureShedding(w http.ResponseWriter, r *http.Request) {
	if s.shed == nil {
		s.fail(w, faults.New(faults.KindStateConflict, "load shedding is disabled"))
		return
	}
	var req struct {
		UpperThreshold float64 `json:"upper_threshold"`
		LowerThreshold float64 `json:"lower_threshold"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.UpperThreshold <= req.LowerThreshold || req.LowerThreshold <= 0 {
		s.fail(w, faults.New(faults.KindValidation, "thresholds must satisfy 0 < lower < upper"))
		return
	}
	s.shed.Configure(req.UpperThreshold, req.LowerThreshold)
	s.ok(w, s.shed.Status())
}

func (s *Server) handleConstraintsStatus(w http.ResponseWriter, _ *http.Request) {
	if s.cons == nil {
		s.ok(w, map[string]any{"configured": false})
		return
	}
	s.ok(w, s.cons.Status())
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.store.Violations(limitParam(r, 100)))
}

func (s *Server) handleFailSafeStatus(w http.ResponseWriter, _ *http.Request) {
	s.ok(w, s.failsafe.Status())
}

func (s *Server) handleConfigureFailSafe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		OfflineAction string  `json:"offline_action"`
		SafePowerKW   float64 `json:"safe_power_kw"`
		CommTimeoutMS int     `json:"comm_timeout_ms"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	action := state.OfflineAction(req.OfflineAction)
	switch action {
	case state.ActionMaintain, state.ActionReduce, state.ActionStop:
	default:
		s.fail(w, faults.Newf(faults.KindValidation, "unknown offline action %q", req.OfflineAction))
		return
	}
	err := s.failsafe.Configure(r.Context(), id, state.FailSafeState{
		OfflineAction: action,
		SafePowerKW:   req.SafePowerKW,
		CommTimeout:   time.Duration(req.CommTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, map[string]string{"configured": id})
}

func (s *Server) handleTestFailSafe(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := s.failsafe.TestFailsafe(id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w, res)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	type breakerStatus struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	var out []breakerStatus
	if s.breakers != nil {
		for _, b := range s.breakers() {
			out = append(out, breakerStatus{Name: b.Name(), State: b.State()})
		}
	}
	s.ok(w, out)
}

func (s *Server) handleResetBreakers(w http.ResponseWriter, _ *http.Request) {
	count := 0
	if s.breakers != nil {
		for _, b := range s.breakers() {
			b.Reset()
			count++
		}
	}
	s.ok(w, map[string]int{"reset": count})
}

func (s *Server) handleWatchdog(w http.ResponseWriter, _ *http.Request) {
	if s.watchdog == nil {
		s.ok(w, map[string]any{"configured": false})
		return
	}
	s.ok(w, s.watchdog())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 100)
	audit := map[string]any{
		"ticks":      s.store.Ticks(limit),
		"violations": s.store.Violations(limit),
	}
	if s.shed != nil {
		audit["shedding"] = s.shed.Status().History
	}
	s.ok(w, audit)
}
