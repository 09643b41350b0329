package plc

import (
	"math"

	"github.com/fluxline/pipetwin/internal/iomap"
)

// PressureControl holds a monitored node at its pressure setpoint by
// cascading a valve opening target to the valve controller. Opening the
// downstream valve relieves upstream pressure, so the loop acts in the
// direct sense: pressure above setpoint drives the target open.
type PressureControl struct {
	node  string
	loop  PID
	devDb Debounce
}

func NewPressureControl(nodeID string) *PressureControl {
	return &PressureControl{
		node: nodeID,
		loop: PID{Kp: 1.0, Ki: 0.1, Kd: 0.01, OutMin: -0.5, OutMax: 0.5},
		// A sustained deviation is worth an alarm; a transient is not.
		devDb: Debounce{Scans: 10},
	}
}

func (p *PressureControl) Describe() Spec {
	return Spec{
		ID:      "pressure_control",
		Every:   1,
		Inputs:  []string{iomap.PressureOf(p.node)},
		Outputs: []string{iomap.HRValveTarget},
		Params: []Param{
			{Name: "pressure", Default: 70, Min: 10, Max: 80},
		},
	}
}

func (p *PressureControl) Execute(ctx *Context) error {
	measured := ctx.In(iomap.PressureOf(p.node))
	setpoint := ctx.Setpoint("pressure")
	err := measured - setpoint

	// Output is a trim around half travel; the PID limits double as the
	// anti-windup clamp.
	target := 0.5 + p.loop.Update(err/10.0, ctx.Dt)
	target = math.Max(0, math.Min(1, target))
	ctx.Out(iomap.HRValveTarget, target)

	ctx.Alarm("pressure.deviation", SeverityWarning,
		p.devDb.Tick(math.Abs(err) > 10),
		"pressure more than 10 bar from setpoint")
	return nil
}
