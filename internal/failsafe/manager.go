// Package failsafe monitors per-station communication liveness and
// applies the configured offline action when a station goes silent.
//
// Two layers:
//   - Per-station: a heartbeat loop compares each station's last
//     communication against its comm timeout; on expiry the station's
//     fail-safe record is activated and the allocator honors it on the
//     next tick. An arriving observation clears the record (the store
//     does this when it folds the measurement in).
//   - System-wide: a watchdog kicked by every observation event. If no
//     observation arrives within the heartbeat timeout, the whole site
//     has lost its data feed and fail-safe applies to every station
//     until the feed resumes.
package failsafe

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/faults"
	"github.com/jessejamescox/platform-dlm/internal/resilience"
	"github.com/jessejamescox/platform-dlm/internal/state"
)

// Settings parameterizes the Manager.
type Settings struct {
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	DefaultCommTimeout time.Duration
	DefaultAction      state.OfflineAction
	DefaultSafePowerKW float64
}

// Manager runs the fail-safe heartbeat loop.
type Manager struct {
	store *state.Store
	set   Settings
	log   *zap.Logger

	systemOffline atomic.Bool
	watchdog      *resilience.Watchdog
	now           func() time.Time
}

// NewManager creates a Manager. Call Run to start the loops.
func NewManager(store *state.Store, set Settings, log *zap.Logger) *Manager {
	m := &Manager{
		store: store,
		set:   set,
		log:   log,
		now:   time.Now,
	}
	m.watchdog = resilience.NewWatchdog("system-heartbeat", set.HeartbeatTimeout, func() {
		m.systemOffline.Store(true)
		log.Error("system heartbeat lost, applying fail-safe to all stations",
			zap.Duration("timeout", set.HeartbeatTimeout))
	}, log)
	return m
}

// Run starts the heartbeat loop and the observation-driven watchdog.
// Blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.watchdog.Start()
	defer m.watchdog.Stop()

	// Every observation kicks the system heartbeat.
	sub := m.store.Subscribe(256, "station.updated", "meter.updated")
	defer sub.Close()
	go func() {
		for range sub.C {
			if m.systemOffline.CompareAndSwap(true, false) {
				m.log.Info("system heartbeat restored")
			}
			m.watchdog.Kick()
		}
	}()

	ticker := time.NewTicker(m.set.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep is one heartbeat pass over all stations.
func (m *Manager) sweep(ctx context.Context) {
	snap := m.store.Snapshot()
	now := m.now()
	systemDown := m.systemOffline.Load()

	for _, st := range snap.Stations {
		fs, has := snap.FailSafe[st.ID]
		if !has {
			fs = m.defaultState(st)
		}
		lastComm := fs.LastComm
		if st.LastSeen.After(lastComm) {
			lastComm = st.LastSeen
		}
		timeout := fs.CommTimeout
		if timeout <= 0 {
			timeout = m.set.DefaultCommTimeout
		}

		silent := !lastComm.IsZero() && now.Sub(lastComm) > timeout
		if !silent && !systemDown {
			if !has {
				// Seed the record so the API can report it.
				fs.LastComm = lastComm
				_ = m.store.Apply(ctx, state.SetFailSafeState{ID: st.ID, State: fs})
			}
			continue
		}

		fs.Active = true
		fs.ConsecutiveTimeouts++
		fs.LastComm = lastComm
		if err := m.store.Apply(ctx, state.SetFailSafeState{ID: st.ID, State: fs}); err != nil {
			m.log.Warn("failed to set fail-safe state",
				zap.String("station_id", st.ID), zap.Error(err))
			continue
		}
		m.log.Warn("station communication lost, fail-safe engaged",
			zap.String("station_id", st.ID),
			zap.String("action", string(fs.OfflineAction)),
			zap.Float64("safe_power_kw", fs.SafePowerKW),
			zap.Int("consecutive_timeouts", fs.ConsecutiveTimeouts),
			zap.Bool("system_offline", systemDown))
	}
}

// defaultState builds the initial fail-safe record for a station.
func (m *Manager) defaultState(st state.Station) state.FailSafeState {
	return state.FailSafeState{
		SafePowerKW:     m.set.DefaultSafePowerKW,
		OfflineAction:   m.set.DefaultAction,
		CommTimeout:     m.set.DefaultCommTimeout,
		LastComm:        st.LastSeen,
		LastKnownGoodKW: st.CurrentPowerKW,
	}
}

// Configure replaces the fail-safe parameters for one station.
func (m *Manager) Configure(ctx context.Context, stationID string, fs state.FailSafeState) error {
	snap := m.store.Snapshot()
	if prev, ok := snap.FailSafe[stationID]; ok {
		fs.Active = prev.Active
		fs.ConsecutiveTimeouts = prev.ConsecutiveTimeouts
		fs.LastComm = prev.LastComm
		fs.LastKnownGoodKW = prev.LastKnownGoodKW
	}
	return m.store.Apply(ctx, state.SetFailSafeState{ID: stationID, State: fs})
}

// TestResult is the outcome of a simulated fail-safe timeout.
type TestResult struct {
	StationID     string              `json:"station_id"`
	OfflineAction state.OfflineAction `json:"offline_action"`
	TargetKW      float64             `json:"target_kw"`
}

// TestFailsafe simulates a comm timeout for a station and returns the
// action that would be taken. Durable state is not mutated.
func (m *Manager) TestFailsafe(stationID string) (TestResult, error) {
	snap := m.store.Snapshot()
	var st *state.Station
	for i := range snap.Stations {
		if snap.Stations[i].ID == stationID {
			st = &snap.Stations[i]
			break
		}
	}
	if st == nil {
		return TestResult{}, faults.Newf(faults.KindValidation, "unknown station %q", stationID)
	}
	fs, ok := snap.FailSafe[stationID]
	if !ok {
		fs = m.defaultState(*st)
	}
	res := TestResult{StationID: stationID, OfflineAction: fs.OfflineAction}
	switch fs.OfflineAction {
	case state.ActionMaintain:
		if fs.LastKnownGoodKW > 0 {
			res.TargetKW = fs.LastKnownGoodKW
		} else {
			res.TargetKW = fs.SafePowerKW
		}
	case state.ActionReduce:
		res.TargetKW = fs.SafePowerKW
	case state.ActionStop:
		res.TargetKW = 0
	}
	return res, nil
}

// Status summarizes the fail-safe layer for the API surface.
type Status struct {
	SystemOffline bool                           `json:"system_offline"`
	Watchdog      resilience.WatchdogStatus      `json:"watchdog"`
	Stations      map[string]state.FailSafeState `json:"stations"`
}

// Status returns a snapshot of fail-safe state.
func (m *Manager) Status() Status {
	snap := m.store.Snapshot()
	return Status{
		SystemOffline: m.systemOffline.Load(),
		Watchdog:      m.watchdog.Status(),
		Stations:      snap.FailSafe,
	}
}
