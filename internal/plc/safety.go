package plc

import (
	"github.com/fluxline/pipetwin/internal/iomap"
)

// Static safe-operating envelope for the monitored zone.
const (
	zoneMaxPressure = 80.0
	zoneMinPressure = 5.0
	zoneMaxTemp     = 60.0
)

// SafetyMonitoring cross-checks every node in its zone against the static
// envelope and drives the zone safety relay. The relay asserts on two
// independent out-of-envelope readings at once, or on a single reading
// held long enough to rule out sensor noise. Either way the decision never
// hangs off one instantaneous sample, which is what lets downstream
// consumers treat the relay as redundant to any individual sensor.
type SafetyMonitoring struct {
	nodes []string

	multiDb  Debounce
	singleDb Debounce
}

func NewSafetyMonitoring(zoneNodeIDs []string) *SafetyMonitoring {
	return &SafetyMonitoring{
		nodes:    zoneNodeIDs,
		multiDb:  Debounce{Scans: 2},
		singleDb: Debounce{Scans: 10},
	}
}

func (s *SafetyMonitoring) Describe() Spec {
	spec := Spec{
		ID:      "safety_monitoring",
		Every:   1,
		Outputs: []string{iomap.CoilSafetyRelay},
	}
	for _, n := range s.nodes {
		spec.Inputs = append(spec.Inputs, iomap.PressureOf(n), iomap.TemperatureOf(n))
	}
	return spec
}

func (s *SafetyMonitoring) Execute(ctx *Context) error {
	outCount := 0
	for _, n := range s.nodes {
		p := ctx.In(iomap.PressureOf(n))
		t := ctx.In(iomap.TemperatureOf(n))
		if p > zoneMaxPressure || p < zoneMinPressure || t > zoneMaxTemp {
			outCount++
		}
	}

	relay := s.multiDb.Tick(outCount >= 2) || s.singleDb.Tick(outCount >= 1)
	ctx.OutBit(iomap.CoilSafetyRelay, relay)

	ctx.Alarm("safety.envelope", SeverityWarning, outCount >= 1,
		"a zone reading is outside the safe operating envelope")
	ctx.Alarm("safety.zone", SeverityCritical, relay,
		"zone-wide envelope violation confirmed")
	return nil
}
