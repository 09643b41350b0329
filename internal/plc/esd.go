package plc

import (
	"context"
	"fmt"

	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/internal/logging"
)

// Pressure above which the ESD trips directly, without waiting for the
// safety relay.
const esdTripPressure = 90.0

// EmergencyShutdown latches the station shutdown coil on any of: the
// manual pushbutton, a direct critical pressure reading, the safety
// monitoring zone relay, or the leak relay. The relay inputs make the trip
// decision redundant to the local pressure sensor. Once latched, the coil
// holds until an operator reset, and the reset only takes while no trigger
// is still asserted. The scheduler reads the latch coil when assembling
// actuator commands, which is how the interlock overrides any operator
// command issued in the same tick.
type EmergencyShutdown struct {
	node string

	latched   bool
	cause     string
	prevReset float64
	pressDb   Debounce
}

func NewEmergencyShutdown(pressureNodeID string) *EmergencyShutdown {
	return &EmergencyShutdown{
		node:    pressureNodeID,
		pressDb: Debounce{Scans: 2},
	}
}

func (e *EmergencyShutdown) Describe() Spec {
	return Spec{
		ID:    "emergency_shutdown",
		Every: 1,
		Inputs: []string{
			iomap.DIManualESD,
			iomap.PressureOf(e.node),
			iomap.CoilSafetyRelay,
			iomap.CoilLeakRelay,
		},
		Outputs: []string{iomap.CoilESDLatched},
		Params: []Param{
			{Name: "reset", Default: 0, Min: 0, Max: 1},
		},
	}
}

// Latched reports the current latch state.
func (e *EmergencyShutdown) Latched() bool { return e.latched }

func (e *EmergencyShutdown) Execute(ctx *Context) error {
	manual := ctx.InBit(iomap.DIManualESD)
	overpressure := e.pressDb.Tick(ctx.In(iomap.PressureOf(e.node)) > esdTripPressure)
	safetyRelay := ctx.InBit(iomap.CoilSafetyRelay)
	leakRelay := ctx.InBit(iomap.CoilLeakRelay)

	cause := ""
	switch {
	case manual:
		cause = "manual pushbutton"
	case overpressure:
		cause = fmt.Sprintf("pressure above %.0f bar", esdTripPressure)
	case safetyRelay:
		cause = "safety zone relay"
	case leakRelay:
		cause = "leak relay"
	}

	if cause != "" && !e.latched {
		e.latched = true
		e.cause = cause
		ctx.Log().Warn(context.Background(), "emergency shutdown latched",
			logging.String("cause", cause))
	}

	// Reset is edge-triggered on the parameter crossing to 1, and only
	// takes once every trigger has dropped out.
	reset := ctx.Setpoint("reset")
	if e.latched && reset >= 1 && e.prevReset < 1 && cause == "" {
		e.latched = false
		e.cause = ""
		ctx.Log().Info(context.Background(), "emergency shutdown reset")
	}
	e.prevReset = reset

	ctx.OutBit(iomap.CoilESDLatched, e.latched)
	ctx.Alarm("esd.tripped", SeverityCritical, e.latched, e.cause)
	return nil
}
