package shedding

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

func testSettings() Settings {
	return Settings{
		UpperThreshold:    0.95,
		LowerThreshold:    0.85,
		WindowSize:        5,
		MinUpdateInterval: 0,
	}
}

func fleet() []state.Station {
	return []state.Station{
		{ID: "p1", Priority: 1, Status: state.StatusCharging},
		{ID: "p3", Priority: 3, Status: state.StatusCharging},
		{ID: "p5", Priority: 5, Status: state.StatusCharging},
		{ID: "p7", Priority: 7, Status: state.StatusCharging},
		{ID: "p9", Priority: 9, Status: state.StatusCharging},
	}
}

// fill pushes enough identical samples to saturate the window.
func fill(c *Controller, load, capacity float64, stations []state.Station) *Transition {
	var last *Transition
	for i := 0; i < 6; i++ {
		if tr := c.Evaluate(load, capacity, stations); tr != nil {
			last = tr
		}
	}
	return last
}

func TestHardOverloadJumpsToLevel5(t *testing.T) {
	c := NewController(testSettings(), zap.NewNop())

	// 60 kW demand on 50 kW capacity: ratio 1.2, overshoot 0.25.
	tr := fill(c, 60, 50, fleet())
	if tr == nil {
		t.Fatal("expected transition")
	}
	if tr.From != 0 || tr.To != 5 {
		t.Fatalf("expected 0→5, got %d→%d", tr.From, tr.To)
	}
	// Level 5 stops priority <= 8: four of five stations.
	if len(tr.Actions) != 4 {
		t.Errorf("expected 4 actions, got %d", len(tr.Actions))
	}
	for _, a := range tr.Actions {
		if a.Action != ActionStop {
			t.Errorf("expected stop, got %s for %s", a.Action, a.StationID)
		}
	}
}

func TestEscalationTable(t *testing.T) {
	cases := []struct {
		ratio float64
		level int
	}{
		{0.95, 1},  // overshoot 0.00
		{1.00, 2},  // 0.05
		{1.03, 3},  // 0.08
		{1.06, 4},  // 0.11
		{1.15, 5},  // 0.20
	}
	for _, tc := range cases {
		c := NewController(testSettings(), zap.NewNop())
		tr := fill(c, tc.ratio*50, 50, fleet())
		if tr == nil {
			t.Fatalf("ratio %f: no transition", tc.ratio)
		}
		if tr.To != tc.level {
			t.Errorf("ratio %f: expected level %d, got %d", tc.ratio, tc.level, tr.To)
		}
	}
}

func TestHysteresisHoldsBetweenBands(t *testing.T) {
	c := NewController(testSettings(), zap.NewNop())
	fill(c, 60, 50, fleet()) // level 5

	// Ratio 0.90 sits between lower (0.85) and upper (0.95): hold.
	if tr := fill(c, 45, 50, fleet()); tr != nil {
		t.Errorf("level must hold inside the hysteresis band, got %d→%d", tr.From, tr.To)
	}
	if c.Level() != 5 {
		t.Errorf("expected level 5, got %d", c.Level())
	}
}

func TestRestoreBelowLowerThreshold(t *testing.T) {
	c := NewController(testSettings(), zap.NewNop())
	fill(c, 60, 50, fleet())

	tr := fill(c, 40, 50, fleet()) // ratio 0.80 <= 0.85
	if tr == nil || tr.To != 0 {
		t.Fatalf("expected restore to 0, got %+v", tr)
	}
	// Restore actions cover the previously affected stations.
	if len(tr.Actions) != 4 {
		t.Errorf("expected 4 restore actions, got %d", len(tr.Actions))
	}
}

func TestSmoothingDelaysReaction(t *testing.T) {
	c := NewController(testSettings(), zap.NewNop())
	// One overload spike in an otherwise calm window must not shed:
	// mean of {0.5, 0.5, 0.5, 0.5, 1.5} = 0.7 < upper.
	for i := 0; i < 4; i++ {
		c.Evaluate(25, 50, fleet())
	}
	if tr := c.Evaluate(75, 50, fleet()); tr != nil {
		t.Errorf("single spike must not shed, got %d→%d", tr.From, tr.To)
	}
}

func TestMinUpdateIntervalGuards(t *testing.T) {
	set := testSettings()
	set.MinUpdateInterval = 2 * time.Second
	c := NewController(set, zap.NewNop())

	base := time.Now()
	c.now = func() time.Time { return base }
	c.Evaluate(60, 50, fleet()) // first evaluation decides

	// Subsequent calls inside the interval only feed the window.
	c.now = func() time.Time { return base.Add(time.Second) }
	before := c.Level()
	if tr := c.Evaluate(10, 50, fleet()); tr != nil {
		t.Error("evaluation inside min interval must not transition")
	}
	if c.Level() != before {
		t.Error("level changed inside min interval")
	}
}

func TestApplyStrategy(t *testing.T) {
	c := NewController(testSettings(), zap.NewNop())
	fill(c, 50, 50, fleet()) // ratio 1.0, overshoot 0.05 → level 2: reduce 40% for prio <= 5

	kw, affected := c.Apply(state.Station{ID: "p3", Priority: 3}, 10)
	if !affected || kw != 6 {
		t.Errorf("expected 6 kW reduced allocation, got %f (affected=%v)", kw, affected)
	}
	kw, affected = c.Apply(state.Station{ID: "p9", Priority: 9}, 10)
	if affected || kw != 10 {
		t.Errorf("priority 9 must be untouched at level 2, got %f", kw)
	}
}

func TestNoChatterInsideBand(t *testing.T) {
	c := NewController(testSettings(), zap.NewNop())
	transitions := 0
	// Trajectory oscillating inside [lower, upper]: no transitions ever.
	ratios := []float64{0.86, 0.94, 0.88, 0.93, 0.87, 0.94, 0.90, 0.92}
	for _, r := range ratios {
		if tr := c.Evaluate(r*50, 50, fleet()); tr != nil {
			transitions++
		}
	}
	if transitions != 0 {
		t.Errorf("expected zero transitions inside hysteresis band, got %d", transitions)
	}
}
