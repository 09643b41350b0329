package plc

import (
	"math"

	"github.com/fluxline/pipetwin/internal/iomap"
)

// LeakDetection compares metered flow into and out of one pipeline segment
// and flags a leak when the imbalance exceeds the threshold for a sustained
// stretch. Linepack breathing produces transient imbalances, so the
// debounce window is deliberately long.
type LeakDetection struct {
	inlet  string
	outlet string
	db     Debounce
}

func NewLeakDetection(inletEdgeID, outletEdgeID string) *LeakDetection {
	return &LeakDetection{
		inlet:  inletEdgeID,
		outlet: outletEdgeID,
		db:     Debounce{Scans: 15},
	}
}

func (l *LeakDetection) Describe() Spec {
	return Spec{
		ID:    "leak_detection",
		Every: 1,
		Inputs: []string{
			iomap.FlowOf(l.inlet),
			iomap.FlowOf(l.outlet),
		},
		Outputs: []string{iomap.CoilLeakRelay},
		Params: []Param{
			{Name: "threshold", Default: 2.0, Min: 0.5, Max: 20},
		},
	}
}

func (l *LeakDetection) Execute(ctx *Context) error {
	residual := ctx.In(iomap.FlowOf(l.inlet)) - ctx.In(iomap.FlowOf(l.outlet))
	confirmed := l.db.Tick(math.Abs(residual) > ctx.Setpoint("threshold"))

	ctx.OutBit(iomap.CoilLeakRelay, confirmed)
	ctx.Alarm("leak.detected", SeverityCritical, confirmed,
		"segment mass balance residual above threshold")
	return nil
}
