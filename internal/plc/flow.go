package plc

import (
	"math"

	"github.com/fluxline/pipetwin/internal/iomap"
)

// FlowRegulation tracks delivery flow against its setpoint and maintains a
// running totalizer of cumulative throughput in kilograms.
type FlowRegulation struct {
	meter  string
	total  float64
	devDb  Debounce
	zeroDb Debounce
}

func NewFlowRegulation(meterEdgeID string) *FlowRegulation {
	return &FlowRegulation{
		meter:  meterEdgeID,
		devDb:  Debounce{Scans: 5},
		zeroDb: Debounce{Scans: 10},
	}
}

func (f *FlowRegulation) Describe() Spec {
	return Spec{
		ID:      "flow_regulation",
		Every:   2,
		Inputs:  []string{iomap.FlowOf(f.meter)},
		Outputs: []string{iomap.HRFlowTotalizer},
		Params: []Param{
			{Name: "flow", Default: 40, Min: 0, Max: 150},
		},
	}
}

func (f *FlowRegulation) Execute(ctx *Context) error {
	measured := ctx.In(iomap.FlowOf(f.meter))
	setpoint := ctx.Setpoint("flow")

	f.total += measured * ctx.Dt
	ctx.Out(iomap.HRFlowTotalizer, f.total)

	ctx.Alarm("flow.deviation", SeverityWarning,
		f.devDb.Tick(math.Abs(measured-setpoint) > 5),
		"delivery flow more than 5 kg/s from setpoint")
	ctx.Alarm("flow.zero", SeverityWarning,
		f.zeroDb.Tick(setpoint > 1 && math.Abs(measured) < 0.5),
		"no delivery flow against a nonzero setpoint")
	return nil
}
