package plc

import (
	"math"

	"github.com/fluxline/pipetwin/internal/iomap"
)

// ValveControl drives a valve's position command and watches for a stuck
// stem. The position target comes from the operator when one is set,
// otherwise it cascades from the pressure controller's target register.
// Stuck detection compares commanded and measured position once the
// command has been stable long enough for the stem to finish travelling.
type ValveControl struct {
	valve string

	lastCmd float64
	stuckDb Debounce
}

// Sentinel value for the position parameter meaning "cascade".
const positionCascade = -1.0

func NewValveControl(valveEdgeID string) *ValveControl {
	return &ValveControl{
		valve:   valveEdgeID,
		lastCmd: positionCascade,
		stuckDb: Debounce{Scans: 10},
	}
}

func (v *ValveControl) Describe() Spec {
	return Spec{
		ID:    "valve_control",
		Every: 1,
		Inputs: []string{
			iomap.PositionOf(v.valve),
			iomap.HRValveTarget,
		},
		Outputs: []string{
			iomap.OpenCommandOf(v.valve),
			iomap.CoilValveStuck,
		},
		Params: []Param{
			{Name: "position", Default: positionCascade, Min: positionCascade, Max: 1},
		},
	}
}

func (v *ValveControl) Execute(ctx *Context) error {
	measured := ctx.In(iomap.PositionOf(v.valve))

	target := ctx.Setpoint("position")
	if target == positionCascade {
		target = ctx.In(iomap.HRValveTarget)
	}
	target = math.Max(0, math.Min(1, target))
	ctx.Out(iomap.OpenCommandOf(v.valve), target)

	// Only judge stem health against a settled command; travel after a
	// step is not a fault.
	settled := math.Abs(target-v.lastCmd) < 0.01
	if !settled {
		v.stuckDb.Reset()
	}
	v.lastCmd = target

	// Position tolerance of 2 percent of span.
	stuck := v.stuckDb.Tick(settled && math.Abs(measured-target) > 0.02)
	ctx.OutBit(iomap.CoilValveStuck, stuck)
	ctx.Alarm("valve.stuck", SeverityCritical, stuck,
		"measured position diverged from a settled command")
	return nil
}
