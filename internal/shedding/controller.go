// Package shedding implements the hysteretic load-shedding state machine.
//
// Level graph:
//
//	0 ──→ 1 ──→ 2 ──→ 3 ──→ 4 ──→ 5
//	↑                              │
//	└──────────────────────────────┘  (restore when smoothed ratio ≤ lower)
//
// Decision input is the load ratio current_load / capacity, smoothed
// with a rolling mean over the last window_size samples. Hysteresis:
// escalate only when the smoothed ratio reaches the upper threshold,
// restore to 0 only when it falls to the lower threshold; in between
// the level holds. The escalation table maps overshoot above the upper
// threshold directly to a target level, so a hard overload can jump
// multiple levels in one evaluation.
//
// Each level selects a strategy: the priority ceiling of affected
// stations and the action applied to them (reduce by a fraction, or
// stop). A station shed by this controller is always restored through
// it; the allocator honors the active strategy until the level returns
// to 0.
package shedding

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

// Action is what a shedding strategy does to an affected station.
type Action string

const (
	ActionReduce Action = "reduce"
	ActionStop   Action = "stop"
)

// Strategy is the per-level shedding behaviour.
type Strategy struct {
	Level           int     `json:"level"`
	MaxPriority     int     `json:"max_priority"` // stations with Priority <= this are affected
	Action          Action  `json:"action"`
	ReductionFactor float64 `json:"reduction_factor"`
}

// DefaultStrategies is the built-in level table.
var DefaultStrategies = []Strategy{
	{Level: 1, MaxPriority: 3, Action: ActionReduce, ReductionFactor: 0.20},
	{Level: 2, MaxPriority: 5, Action: ActionReduce, ReductionFactor: 0.40},
	{Level: 3, MaxPriority: 10, Action: ActionReduce, ReductionFactor: 0.50},
	{Level: 4, MaxPriority: 5, Action: ActionStop, ReductionFactor: 1.0},
	{Level: 5, MaxPriority: 8, Action: ActionStop, ReductionFactor: 1.0},
}

// escalationTable maps overshoot = smoothed_ratio - upper_threshold to
// a target level, evaluated highest first.
var escalationTable = []struct {
	overshoot float64
	level     int
}{
	{0.15, 5},
	{0.10, 4},
	{0.07, 3},
	{0.04, 2},
	{0.00, 1},
}

// StationAction is the per-station outcome of a level transition.
type StationAction struct {
	StationID string `json:"station_id"`
	Action    Action `json:"action"`
	// Factor is the reduction fraction; 1.0 for stop.
	Factor float64 `json:"factor"`
}

// Transition describes one committed level change.
type Transition struct {
	From          int             `json:"from"`
	To            int             `json:"to"`
	SmoothedRatio float64         `json:"smoothed_ratio"`
	At            time.Time       `json:"at"`
	Actions       []StationAction `json:"actions"`
}

// Settings parameterizes the Controller.
type Settings struct {
	UpperThreshold    float64
	LowerThreshold    float64
	WindowSize        int
	MinUpdateInterval time.Duration
	Strategies        []Strategy // nil selects DefaultStrategies
}

// Controller is the hysteretic shedding state machine.
type Controller struct {
	mu  sync.Mutex
	set Settings
	log *zap.Logger
	now func() time.Time

	level         int
	window        []float64
	lastEval      time.Time
	lastShedAt    time.Time
	lastRestoreAt time.Time

	history []Transition // bounded ring
}

const historySize = 64

// NewController creates a Controller at level 0.
func NewController(set Settings, log *zap.Logger) *Controller {
	if set.WindowSize < 1 {
		set.WindowSize = 5
	}
	if set.Strategies == nil {
		set.Strategies = DefaultStrategies
	}
	return &Controller{
		set: set,
		log: log,
		now: time.Now,
	}
}

// Level returns the current shedding level.
func (c *Controller) Level() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// StrategyFor returns the strategy for a level, if any. Level 0 has none.
func (c *Controller) StrategyFor(level int) (Strategy, bool) {
	for _, s := range c.set.Strategies {
		if s.Level == level {
			return s, true
		}
	}
	return Strategy{}, false
}

// Evaluate pushes a load sample and decides the target level. Returns
// the transition if the level changed, nil otherwise. Evaluations
// closer together than MinUpdateInterval are absorbed into the window
// without a level decision.
func (c *Controller) Evaluate(currentLoadKW, capacityKW float64, stations []state.Station) *Transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if capacityKW <= 0 {
		return nil
	}

	ratio := currentLoadKW / capacityKW
	c.window = append(c.window, ratio)
	if len(c.window) > c.set.WindowSize {
		c.window = c.window[len(c.window)-c.set.WindowSize:]
	}

	if !c.lastEval.IsZero() && now.Sub(c.lastEval) < c.set.MinUpdateInterval {
		return nil
	}
	c.lastEval = now

	smoothed := mean(c.window)
	target := c.level
	switch {
	case smoothed >= c.set.UpperThreshold:
		target = levelForOvershoot(smoothed - c.set.UpperThreshold)
		if target < c.level {
			// Hysteresis: never de-escalate while above the upper band.
			target = c.level
		}
	case smoothed <= c.set.LowerThreshold:
		target = 0
	}

	if target == c.level {
		return nil
	}

	tr := &Transition{
		From:          c.level,
		To:            target,
		SmoothedRatio: smoothed,
		At:            now,
		Actions:       c.actionsForTransition(c.level, target, stations),
	}
	if target > c.level {
		c.lastShedAt = now
	} else {
		c.lastRestoreAt = now
	}
	c.level = target
	c.history = append(c.history, *tr)
	if len(c.history) > historySize {
		c.history = c.history[len(c.history)-historySize:]
	}
	c.log.Info("shedding level transition",
		zap.Int("from", tr.From),
		zap.Int("to", tr.To),
		zap.Float64("smoothed_ratio", smoothed),
		zap.Int("actions", len(tr.Actions)))
	return tr
}

// actionsForTransition computes per-station actions. Escalation applies
// the new strategy; full de-escalation restores every affected station;
// partial de-escalation re-applies the lower level's strategy.
func (c *Controller) actionsForTransition(from, to int, stations []state.Station) []StationAction {
	var actions []StationAction
	if to > 0 {
		strat, ok := c.StrategyFor(to)
		if !ok {
			return nil
		}
		for _, st := range stations {
			if st.Priority <= strat.MaxPriority {
				actions = append(actions, StationAction{
					StationID: st.ID,
					Action:    strat.Action,
					Factor:    strat.ReductionFactor,
				})
			}
		}
		return actions
	}
	// Restore: stations affected by the previous level return to their
	// requested power through the allocator.
	if strat, ok := c.StrategyFor(from); ok {
		for _, st := range stations {
			if st.Priority <= strat.MaxPriority {
				actions = append(actions, StationAction{StationID: st.ID, Factor: 0})
			}
		}
	}
	return actions
}

// Apply caps an allocation per the active strategy. Returns the capped
// value and whether the station is affected at the current level.
func (c *Controller) Apply(st state.Station, allocatedKW float64) (float64, bool) {
	c.mu.Lock()
	level := c.level
	c.mu.Unlock()
	if level == 0 {
		return allocatedKW, false
	}
	strat, ok := c.StrategyFor(level)
	if !ok || st.Priority > strat.MaxPriority {
		return allocatedKW, false
	}
	if strat.Action == ActionStop {
		return 0, true
	}
	return allocatedKW * (1 - strat.ReductionFactor), true
}

// Status summarizes the controller for the API surface.
type Status struct {
	Level         int          `json:"level"`
	SmoothedRatio float64      `json:"smoothed_ratio"`
	Upper         float64      `json:"upper_threshold"`
	Lower         float64      `json:"lower_threshold"`
	LastShedAt    time.Time    `json:"last_shed_at,omitempty"`
	LastRestoreAt time.Time    `json:"last_restore_at,omitempty"`
	History       []Transition `json:"history"`
}

// Status returns a snapshot of the controller state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := make([]Transition, len(c.history))
	copy(hist, c.history)
	return Status{
		Level:         c.level,
		SmoothedRatio: mean(c.window),
		Upper:         c.set.UpperThreshold,
		Lower:         c.set.LowerThreshold,
		LastShedAt:    c.lastShedAt,
		LastRestoreAt: c.lastRestoreAt,
		History:       hist,
	}
}

// Configure replaces the thresholds at runtime. Window and strategies
// are retained.
func (c *Controller) Configure(upper, lower float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set.UpperThreshold = upper
	c.set.LowerThreshold = lower
}

func levelForOvershoot(overshoot float64) int {
	for _, e := range escalationTable {
		if overshoot >= e.overshoot {
			return e.level
		}
	}
	return 1
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
