package plc

import (
	"context"
	"fmt"

	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/internal/logging"
)

// Compressor protection envelope. Exceeding any bound trips the unit.
const (
	maxDischargeBar = 85.0
	maxVibrationMMs = 5.0
	maxOilTempC     = 120.0
	ratioTripMargin = 0.05
)

// CompressorManagement runs a twin-unit station: one lead unit carries the
// station ratio setpoint while the other rests, swapping on a duty-cycle
// schedule to even out wear. A unit that leaves its protection envelope is
// tripped, latched out, and the other unit takes over on the same scan.
type CompressorManagement struct {
	suction   string
	discharge string
	units     []string
	maxRatio  float64

	lead      int
	sinceSwap int
	tripped   []bool
	tripDb    []Debounce
}

func NewCompressorManagement(suctionNode, dischargeNode string, unitEdgeIDs []string, maxRatio float64) *CompressorManagement {
	c := &CompressorManagement{
		suction:   suctionNode,
		discharge: dischargeNode,
		units:     unitEdgeIDs,
		maxRatio:  maxRatio,
		tripped:   make([]bool, len(unitEdgeIDs)),
		tripDb:    make([]Debounce, len(unitEdgeIDs)),
	}
	for i := range c.tripDb {
		// Two consecutive out-of-envelope scans trip; a single noisy
		// sample does not.
		c.tripDb[i] = Debounce{Scans: 2}
	}
	return c
}

func (c *CompressorManagement) Describe() Spec {
	s := Spec{
		ID:    "compressor_management",
		Every: 1,
		Inputs: []string{
			iomap.PressureOf(c.suction),
			iomap.PressureOf(c.discharge),
		},
		Params: []Param{
			{Name: "ratio", Default: 1.2, Min: 1.0, Max: c.maxRatio},
			{Name: "duty_scans", Default: 600, Min: 10, Max: 100000},
		},
	}
	for _, u := range c.units {
		s.Inputs = append(s.Inputs,
			iomap.VibrationOf(u), iomap.OilTempOf(u), iomap.RunningOf(u))
		s.Outputs = append(s.Outputs,
			iomap.RatioCommandOf(u), iomap.RunCommandOf(u), iomap.TripRelayOf(u))
	}
	return s
}

func (c *CompressorManagement) Execute(ctx *Context) error {
	suction := ctx.In(iomap.PressureOf(c.suction))
	discharge := ctx.In(iomap.PressureOf(c.discharge))

	measuredRatio := 0.0
	if suction > 1 {
		measuredRatio = discharge / suction
	}

	for i, u := range c.units {
		if c.tripped[i] {
			continue
		}
		vib := ctx.In(iomap.VibrationOf(u))
		oil := ctx.In(iomap.OilTempOf(u))
		running := ctx.InBit(iomap.RunningOf(u))

		out := running && (vib > maxVibrationMMs ||
			oil > maxOilTempC ||
			discharge > maxDischargeBar ||
			measuredRatio > c.maxRatio+ratioTripMargin)
		if c.tripDb[i].Tick(out) {
			c.tripped[i] = true
			ctx.Log().Warn(context.Background(), "compressor unit tripped", logging.String("unit", u))
		}
		ctx.Alarm(fmt.Sprintf("compressor.trip.%s", u), SeverityCritical, c.tripped[i],
			"unit outside protection envelope")
	}

	// Duty-cycle rotation among healthy units, with immediate failover
	// when the lead trips.
	c.sinceSwap++
	if c.tripped[c.lead] || c.sinceSwap >= int(ctx.Setpoint("duty_scans")) {
		if next, ok := c.nextHealthy(); ok {
			if next != c.lead {
				c.lead = next
			}
			c.sinceSwap = 0
		}
	}

	allTripped := true
	for i, u := range c.units {
		run := i == c.lead && !c.tripped[i]
		if !c.tripped[i] {
			allTripped = false
		}
		ratio := 1.0
		if run {
			ratio = ctx.Setpoint("ratio")
		}
		ctx.Out(iomap.RatioCommandOf(u), ratio)
		ctx.OutBit(iomap.RunCommandOf(u), run)
		ctx.OutBit(iomap.TripRelayOf(u), c.tripped[i])
	}

	ctx.Alarm("compressor.station-down", SeverityCritical, allTripped,
		"no healthy compressor unit available")
	return nil
}

func (c *CompressorManagement) nextHealthy() (int, bool) {
	for off := 1; off <= len(c.units); off++ {
		i := (c.lead + off) % len(c.units)
		if !c.tripped[i] {
			return i, true
		}
	}
	return 0, false
}

// ResetTrips clears unit trip latches, for maintenance flows.
func (c *CompressorManagement) ResetTrips() {
	for i := range c.tripped {
		c.tripped[i] = false
		c.tripDb[i].Reset()
	}
}
