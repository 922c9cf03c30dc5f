// Package control implements the station command controllers: per-phase
// current control for AC stations and the power setpoint pipeline for
// DC fast chargers.
//
// Controllers sit between the allocator and the drivers: they validate
// against the capability envelope, apply ramp/derate/taper discipline,
// dispatch through the Dispatcher, and record the applied setpoint in
// the State Store. They never mutate station status.
package control

import (
	"context"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

// Dispatcher delivers validated commands to the owning driver. The
// daemon wires this to the per-station protocol adapter; commands for
// the same station are applied in dispatch order.
type Dispatcher interface {
	CommandAC(ctx context.Context, stationID string, phases state.PhaseCurrents) error
	CommandDC(ctx context.Context, stationID string, powerKW float64) error
}

// NopDispatcher discards commands. Used in tests and by the simulator
// before drivers attach.
type NopDispatcher struct{}

func (NopDispatcher) CommandAC(context.Context, string, state.PhaseCurrents) error { return nil }
func (NopDispatcher) CommandDC(context.Context, string, float64) error             { return nil }
