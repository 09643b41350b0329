package plc

import (
	"math"

	"github.com/fluxline/pipetwin/internal/iomap"
)

// TemperatureControl publishes a thermal compensation factor derived from
// the compressor discharge temperature. Other controllers scale their
// setpoints by it so hot gas derates the station instead of tripping it.
type TemperatureControl struct {
	node   string
	warnDb Debounce
}

func NewTemperatureControl(nodeID string) *TemperatureControl {
	return &TemperatureControl{
		node:   nodeID,
		warnDb: Debounce{Scans: 3},
	}
}

func (t *TemperatureControl) Describe() Spec {
	return Spec{
		ID:      "temperature_control",
		Every:   5,
		Inputs:  []string{iomap.TemperatureOf(t.node)},
		Outputs: []string{iomap.HRTempComp},
		Params: []Param{
			{Name: "temperature", Default: 20, Min: 0, Max: 40},
		},
	}
}

func (t *TemperatureControl) Execute(ctx *Context) error {
	measured := ctx.In(iomap.TemperatureOf(t.node))
	setpoint := ctx.Setpoint("temperature")

	// 1.0 at setpoint, derated 1 percent per degree above, clamped to a
	// 20 percent swing.
	comp := 1.0 - 0.01*(measured-setpoint)
	comp = math.Max(0.8, math.Min(1.2, comp))
	ctx.Out(iomap.HRTempComp, comp)

	ctx.Alarm("temp.high", SeverityWarning, t.warnDb.Tick(measured > 45),
		"discharge temperature above 45 C")
	ctx.Alarm("temp.critical", SeverityCritical, measured > zoneMaxTemp,
		"discharge temperature above the zone limit")
	return nil
}
