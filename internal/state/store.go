// Package state — store.go
//
// Single in-process authority over mutable state.
//
// Architecture:
//
//	[components] ──Apply(Command)──→ [writer goroutine] ──→ tables
//	                                        │
//	                                        └──→ bus.publish (post-commit)
//
// Mutations are serialized through one writer goroutine; readers take a
// deep-copied Snapshot guarded by the same mutex the writer holds while
// applying, so a snapshot is always internally consistent and carries a
// monotonically increasing version.
package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store owns stations, meters, tick history, violations, shedding level,
// and fail-safe records.
type Store struct {
	mu      sync.RWMutex
	tables  tables
	version uint64

	cmds chan cmdEnvelope
	bus  *bus
	log  *zap.Logger

	now func() time.Time
}

type cmdEnvelope struct {
	cmd   Command
	reply chan error
}

// New creates an empty Store. Call Run to start the writer.
func New(log *zap.Logger) *Store {
	return &Store{
		tables: tables{
			stations: make(map[string]*Station),
			meters:   make(map[string]*Meter),
			failsafe: make(map[string]*FailSafeState),
		},
		cmds: make(chan cmdEnvelope, 256),
		bus:  newBus(log),
		log:  log,
		now:  time.Now,
	}
}

// Run is the writer loop. Blocks until ctx is cancelled, then detaches
// all subscribers. Commands still queued at cancellation are drained and
// rejected.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.bus.closeAll()
			// Reject queued commands so callers are not left hanging.
			for {
				select {
				case env := <-s.cmds:
					env.reply <- ctx.Err()
				default:
					return
				}
			}
		case env := <-s.cmds:
			env.reply <- s.commit(env.cmd)
		}
	}
}

// commit applies one command under the write lock, bumps the version,
// and publishes the resulting events after the lock is released.
func (s *Store) commit(cmd Command) error {
	now := s.now()
	s.mu.Lock()
	events, err := cmd.apply(&s.tables, now)
	if err == nil {
		s.version++
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, ev := range events {
		s.bus.publish(ev)
	}
	return nil
}

// Apply submits a command to the writer and waits for the result.
func (s *Store) Apply(ctx context.Context, cmd Command) error {
	env := cmdEnvelope{cmd: cmd, reply: make(chan error, 1)}
	select {
	case s.cmds <- env:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-env.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a bounded event queue for the given topic
// patterns ("station.*", "load.updated", "*"). depth <= 0 selects the
// default queue depth.
func (s *Store) Subscribe(depth int, topics ...string) *Subscription {
	return s.bus.subscribe(depth, topics...)
}

// BusStats returns total published and dropped event counts.
func (s *Store) BusStats() (published, dropped uint64) {
	return s.bus.published.Load(), s.bus.dropped.Load()
}

// Snapshot is an immutable, internally consistent view of the store.
type Snapshot struct {
	Version        uint64
	At             time.Time
	Stations       []Station
	Meters         []Meter
	FailSafe       map[string]FailSafeState
	SheddingLevel  int
	PVProductionKW float64
}

// Snapshot deep-copies the current state. Station and meter slices are
// sorted by ID for deterministic iteration.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Version:        s.version,
		At:             s.now(),
		Stations:       make([]Station, 0, len(s.tables.stations)),
		Meters:         make([]Meter, 0, len(s.tables.meters)),
		FailSafe:       make(map[string]FailSafeState, len(s.tables.failsafe)),
		SheddingLevel:  s.tables.sheddingLevel,
		PVProductionKW: s.tables.pvProductionKW,
	}
	for _, st := range s.tables.stations {
		snap.Stations = append(snap.Stations, *st)
	}
	for _, m := range s.tables.meters {
		snap.Meters = append(snap.Meters, *m)
	}
	for id, fs := range s.tables.failsafe {
		snap.FailSafe[id] = *fs
	}
	sort.Slice(snap.Stations, func(i, j int) bool { return snap.Stations[i].ID < snap.Stations[j].ID })
	sort.Slice(snap.Meters, func(i, j int) bool { return snap.Meters[i].ID < snap.Meters[j].ID })
	return snap
}

// Station returns a copy of one station record.
func (s *Store) Station(id string) (Station, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.tables.stations[id]
	if !ok {
		return Station{}, false
	}
	return *st, true
}

// Meter returns a copy of one meter record.
func (s *Store) Meter(id string) (Meter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.tables.meters[id]
	if !ok {
		return Meter{}, false
	}
	return *m, true
}

// Ticks returns up to limit most recent allocation ticks, newest last.
func (s *Store) Ticks(limit int) []AllocationTick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticks := s.tables.ticks
	if limit > 0 && len(ticks) > limit {
		ticks = ticks[len(ticks)-limit:]
	}
	out := make([]AllocationTick, len(ticks))
	copy(out, ticks)
	return out
}

// Violations returns up to limit most recent violations, newest last.
func (s *Store) Violations(limit int) []Violation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs := s.tables.violations
	if limit > 0 && len(vs) > limit {
		vs = vs[len(vs)-limit:]
	}
	out := make([]Violation, len(vs))
	copy(out, vs)
	return out
}

// BuildingConsumptionKW computes admission load from meters:
// sum of grid-role meters minus sum of solar-role meters.
func (snap Snapshot) BuildingConsumptionKW() float64 {
	var grid, solar float64
	for _, m := range snap.Meters {
		switch m.Role {
		case MeterGrid:
			grid += m.PowerKW
		case MeterSolar:
			solar += m.PowerKW
		}
	}
	return grid - solar
}

// ChargingLoadKW sums current power across all stations.
func (snap Snapshot) ChargingLoadKW() float64 {
	var total float64
	for _, st := range snap.Stations {
		total += st.CurrentPowerKW
	}
	return total
}

// ActiveStations returns stations in charging or ready status.
func (snap Snapshot) ActiveStations() []Station {
	out := make([]Station, 0, len(snap.Stations))
	for _, st := range snap.Stations {
		if st.Status == StatusCharging || st.Status == StatusReady {
			out = append(out, st)
		}
	}
	return out
}
