// Package alloc implements the periodic balancing loop.
//
// Each tick:
//
//	snapshot → capacity → priority order → two-pass distribution →
//	zone caps → shedding override → fail-safe override → dispatch
//
// The allocator reads a consistent State Store snapshot, never mutates
// station status, and dispatches only setpoints whose change from the
// last applied value exceeds the dispatch delta. Per-station dispatch
// errors are logged and recorded in the tick; the loop continues for
// the remaining stations.
package alloc

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/capability"
	"github.com/jessejamescox/platform-dlm/internal/constraints"
	"github.com/jessejamescox/platform-dlm/internal/control"
	"github.com/jessejamescox/platform-dlm/internal/faults"
	"github.com/jessejamescox/platform-dlm/internal/observability"
	"github.com/jessejamescox/platform-dlm/internal/shedding"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

// Decision reasons recorded per station.
const (
	ReasonAllocated    = "allocated"
	ReasonNoRequest    = "no_request"
	ReasonInsufficient = "insufficient_capacity"
	ReasonZoneCap      = "zone_cap"
	ReasonShed         = "shed"
	ReasonFailSafe     = "fail_safe"
	ReasonBelowMin     = "below_min"
)

// Settings parameterizes the Allocator.
type Settings struct {
	TickInterval       time.Duration
	GridCapacityKW     float64
	PeakThresholdKW    float64
	MinChargingPowerKW float64
	MaxStationPowerKW  float64
	PVEnabled          bool
	ZoneCaps           map[string]float64
	DispatchDeltaKW    float64
	SheddingEnabled    bool
}

// Allocator is the periodic balancing engine.
type Allocator struct {
	mu      sync.Mutex
	store   *state.Store
	caps    *capability.Registry
	cons    *constraints.Evaluator // nil when no topology configured
	shed    *shedding.Controller   // nil when shedding disabled
	ac      *control.ACController
	dc      *control.DCController
	set     Settings
	metrics *observability.Metrics // nil in tests
	log     *zap.Logger
}

// New creates an Allocator. cons, shed, and metrics may be nil.
func New(
	store *state.Store,
	caps *capability.Registry,
	cons *constraints.Evaluator,
	shed *shedding.Controller,
	ac *control.ACController,
	dc *control.DCController,
	set Settings,
	metrics *observability.Metrics,
	log *zap.Logger,
) *Allocator {
	if set.DispatchDeltaKW <= 0 {
		set.DispatchDeltaKW = 0.1
	}
	return &Allocator{
		store:   store,
		caps:    caps,
		cons:    cons,
		shed:    shed,
		ac:      ac,
		dc:      dc,
		set:     set,
		metrics: metrics,
		log:     log,
	}
}

// Run ticks until ctx is cancelled. The in-flight tick completes before
// Run returns.
func (a *Allocator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.set.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Tick(ctx); err != nil {
				a.log.Error("allocator tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one balancing pass and records it. Also invoked directly by
// the rebalance API operation.
func (a *Allocator) Tick(ctx context.Context) (state.AllocationTick, error) {
	snap := a.store.Snapshot()
	active := snap.ActiveStations()

	capacity := a.capacity(snap)

	tick := state.AllocationTick{At: snap.At, AvailableKW: capacity}

	if a.metrics != nil {
		a.metrics.AllocatorTicksTotal.Inc()
		a.metrics.AvailableCapacityKW.Set(capacity)
		a.metrics.StationsTracked.Set(float64(len(snap.Stations)))
		charging := 0
		for _, st := range snap.Stations {
			if st.Status == state.StatusCharging {
				charging++
			}
		}
		a.metrics.StationsCharging.Set(float64(charging))
	}

	if len(active) == 0 {
		if a.metrics != nil {
			a.metrics.AllocatedPowerKW.Set(0)
		}
		err := a.store.Apply(ctx, state.RecordAllocation{Tick: tick})
		return tick, err
	}

	order := a.order(active)
	allocs := make(map[string]float64, len(order))
	reasons := make(map[string]string, len(order))

	// Pass A: minimum guarantee in priority order.
	remaining := capacity
	for _, st := range order {
		req := a.requested(st)
		if req <= 0 {
			reasons[st.ID] = ReasonNoRequest
			continue
		}
		minNeed := math.Min(a.stationMin(st.ID), req)
		if remaining >= minNeed {
			allocs[st.ID] = minNeed
			remaining -= minNeed
			reasons[st.ID] = ReasonAllocated
		} else {
			reasons[st.ID] = ReasonInsufficient
		}
	}

	// Pass B: surplus top-up toward requested, still in priority order.
	for _, st := range order {
		if remaining <= 0 {
			break
		}
		cur, ok := allocs[st.ID]
		if !ok || cur <= 0 {
			continue
		}
		top := math.Min(a.requested(st), a.stationMax(st.ID))
		add := math.Min(top-cur, remaining)
		if add > 0 {
			allocs[st.ID] = cur + add
			remaining -= add
		}
	}

	// Zone caps: proportional scale-down of any zone over its limit.
	a.applyZoneCaps(order, allocs, reasons)

	// Shedding override.
	if a.set.SheddingEnabled && a.shed != nil {
		demand := 0.0
		for _, st := range order {
			demand += a.requested(st)
		}
		if tr := a.shed.Evaluate(demand, capacity, active); tr != nil {
			if err := a.store.Apply(ctx, state.SetSheddingLevel{
				Level: tr.To, From: tr.From, Ratio: tr.SmoothedRatio,
			}); err != nil {
				a.log.Warn("failed to record shedding transition", zap.Error(err))
			}
			if a.metrics != nil {
				a.metrics.SheddingLevel.Set(float64(tr.To))
				dir := "escalate"
				if tr.To < tr.From {
					dir = "restore"
				}
				a.metrics.SheddingTransitionsTotal.WithLabelValues(dir).Inc()
			}
		}
		for _, st := range order {
			if capped, affected := a.shed.Apply(st, allocs[st.ID]); affected {
				allocs[st.ID] = capped
				reasons[st.ID] = ReasonShed
			}
		}
	}

	// Fail-safe override supersedes everything.
	for _, st := range order {
		fs, ok := snap.FailSafe[st.ID]
		if !ok || !fs.Active {
			continue
		}
		switch fs.OfflineAction {
		case state.ActionMaintain:
			if fs.LastKnownGoodKW > 0 {
				allocs[st.ID] = fs.LastKnownGoodKW
			} else {
				allocs[st.ID] = fs.SafePowerKW
			}
		case state.ActionReduce:
			allocs[st.ID] = fs.SafePowerKW
		case state.ActionStop:
			allocs[st.ID] = 0
		}
		reasons[st.ID] = ReasonFailSafe
	}

	// Clamp positive allocations that fell below the station minimum
	// (zone scaling or shedding): pause rather than under-drive.
	for _, st := range order {
		if kw := allocs[st.ID]; kw > 0 && kw < a.stationMin(st.ID) && reasons[st.ID] != ReasonFailSafe {
			allocs[st.ID] = 0
			if reasons[st.ID] == ReasonAllocated {
				reasons[st.ID] = ReasonBelowMin
			}
		}
	}

	// Dispatch and record.
	var total float64
	for _, st := range order {
		kw := allocs[st.ID]
		total += kw
		reason := reasons[st.ID]
		if math.Abs(kw-st.CurrentPowerKW) > a.set.DispatchDeltaKW {
			if err := a.dispatch(ctx, st, kw); err != nil {
				reason = fmt.Sprintf("dispatch_error: %v", err)
				a.log.Warn("dispatch failed",
					zap.String("station_id", st.ID),
					zap.Float64("decided_kw", kw),
					zap.Error(err))
				if a.metrics != nil {
					a.metrics.DispatchErrorsTotal.WithLabelValues(faults.KindOf(err).String()).Inc()
				}
			}
		}
		tick.Decisions = append(tick.Decisions, state.AllocationDecision{
			StationID: st.ID, DecidedKW: kw, Reason: reason,
		})
	}
	tick.AllocatedKW = total

	if a.metrics != nil {
		a.metrics.AllocatedPowerKW.Set(total)
	}
	err := a.store.Apply(ctx, state.RecordAllocation{Tick: tick})
	return tick, err
}

// capacity computes available charging power for this tick.
func (a *Allocator) capacity(snap state.Snapshot) float64 {
	grid, _ := a.Limits()
	pv := 0.0
	if a.set.PVEnabled {
		pv = snap.PVProductionKW
	}
	// Building loads other than charging draw down the grid budget.
	other := math.Max(0, snap.BuildingConsumptionKW()-snap.ChargingLoadKW())
	avail := math.Max(0, grid+pv-other)
	if a.cons != nil {
		avail = math.Min(avail, a.cons.AvailableCapacityKW())
	}
	return avail
}

// Limits returns the configured grid capacity and peak threshold.
func (a *Allocator) Limits() (maxKW, peakKW float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.set.GridCapacityKW, a.set.PeakThresholdKW
}

// SetLimits replaces the grid capacity and peak threshold at runtime.
func (a *Allocator) SetLimits(maxKW, peakKW float64) error {
	if maxKW <= 0 || peakKW <= 0 || peakKW > maxKW {
		return faults.Newf(faults.KindValidation,
			"limits must satisfy 0 < peak (%g) <= max (%g)", peakKW, maxKW)
	}
	a.mu.Lock()
	a.set.GridCapacityKW = maxKW
	a.set.PeakThresholdKW = peakKW
	a.mu.Unlock()
	return nil
}

// order sorts stations by explicit priority (desc), user priority class
// (asc, unset last), scheduled charging first, then charging start time
// (asc, never-started last). ID breaks remaining ties.
func (a *Allocator) order(stations []state.Station) []state.Station {
	out := make([]state.Station, len(stations))
	copy(out, stations)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i], out[j]
		if si.Priority != sj.Priority {
			return si.Priority > sj.Priority
		}
		ui, uj := userPrio(si), userPrio(sj)
		if ui != uj {
			return ui < uj
		}
		if si.ScheduledCharging != sj.ScheduledCharging {
			return si.ScheduledCharging
		}
		ti, tj := startKey(si), startKey(sj)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return si.ID < sj.ID
	})
	return out
}

func userPrio(st state.Station) int {
	if st.UserPriority == 0 {
		return math.MaxInt32
	}
	return st.UserPriority
}

func startKey(st state.Station) time.Time {
	if st.ChargingStartedAt.IsZero() {
		return time.Unix(1<<40, 0) // never-started sorts last
	}
	return st.ChargingStartedAt
}

func (a *Allocator) requested(st state.Station) float64 {
	return math.Min(st.RequestedPowerKW, a.stationMax(st.ID))
}

func (a *Allocator) stationMin(id string) float64 {
	if cap, ok := a.caps.Get(id); ok && cap.Envelope.MinPowerKW > 0 {
		return cap.Envelope.MinPowerKW
	}
	return a.set.MinChargingPowerKW
}

func (a *Allocator) stationMax(id string) float64 {
	max := a.set.MaxStationPowerKW
	if cap, ok := a.caps.Get(id); ok && cap.Envelope.MaxPowerKW > 0 {
		max = math.Min(max, cap.Envelope.MaxPowerKW)
	}
	return max
}

// applyZoneCaps scales every station in an over-cap zone by
// cap / total. Scaled allocations below the station minimum clamp to 0
// with reason zone_cap.
func (a *Allocator) applyZoneCaps(order []state.Station, allocs map[string]float64, reasons map[string]string) {
	if len(a.set.ZoneCaps) == 0 {
		return
	}
	zoneTotals := make(map[string]float64)
	for _, st := range order {
		if st.Zone != "" {
			zoneTotals[st.Zone] += allocs[st.ID]
		}
	}
	for zone, total := range zoneTotals {
		limit, ok := a.set.ZoneCaps[zone]
		if !ok || total <= limit {
			continue
		}
		scale := limit / total
		for _, st := range order {
			if st.Zone != zone || allocs[st.ID] <= 0 {
				continue
			}
			scaled := allocs[st.ID] * scale
			if scaled < a.stationMin(st.ID) {
				allocs[st.ID] = 0
				reasons[st.ID] = ReasonZoneCap
			} else {
				allocs[st.ID] = scaled
			}
		}
	}
}

// dispatch routes the decision through the class controller, which
// applies ramp, derating, and taper discipline.
func (a *Allocator) dispatch(ctx context.Context, st state.Station, kw float64) error {
	if st.Class.IsAC() {
		raw, err := a.ac.PowerToPhases(st.ID, kw)
		if err != nil {
			return err
		}
		amps := a.caps.Recommend(st.ID, raw.A)
		phases := state.PhaseCurrents{A: amps}
		if cap, ok := a.caps.Get(st.ID); ok && cap.Envelope.Phases == 3 {
			phases.B, phases.C = amps, amps
		}
		return a.ac.SetPhaseCurrents(ctx, st.ID, phases, true)
	}
	return a.dc.SetPowerLimit(ctx, st.ID, kw, true)
}
