// Package sensors turns physics state into measured values and writes them
// to the input register classes. Every measurement passes through a noise
// model (additive Gaussian plus quantization) and, when a fault is active
// on the point, a fault overlay. Faults are only ever toggled through the
// injection interface; a sensor never fails by itself.
package sensors

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/fluxline/pipetwin/core"
	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/registers"
)

// FaultKind selects a fault overlay.
type FaultKind uint8

const (
	// FaultStuck freezes the last good measurement.
	FaultStuck FaultKind = iota + 1
	// FaultDrift adds a bias that grows at Rate units per refresh.
	FaultDrift
	// FaultSpike replaces the reading with a bounded excursion at
	// probability Chance per refresh.
	FaultSpike
)

func (k FaultKind) String() string {
	switch k {
	case FaultStuck:
		return "stuck"
	case FaultDrift:
		return "drift"
	case FaultSpike:
		return "noise-spike"
	default:
		return fmt.Sprintf("fault(%d)", uint8(k))
	}
}

// Fault configures an active overlay on one point.
type Fault struct {
	Kind      FaultKind
	Rate      float64 // drift: bias added per refresh
	Chance    float64 // spike: probability per refresh, 0..1
	Magnitude float64 // spike: maximum excursion, either sign
}

// noiseProfile holds the per-quantity noise model.
type noiseProfile struct {
	stddev float64
	quant  float64
}

func profileFor(src iomap.SourceKind) noiseProfile {
	switch src {
	case iomap.SourceNodePressure:
		return noiseProfile{stddev: 0.05, quant: 0.01}
	case iomap.SourceNodeTemperature:
		return noiseProfile{stddev: 0.1, quant: 0.1}
	case iomap.SourceEdgeFlow:
		return noiseProfile{stddev: 0.2, quant: 0.1}
	case iomap.SourceValvePosition:
		return noiseProfile{stddev: 0.002, quant: 0.001}
	case iomap.SourceCompressorVibration:
		return noiseProfile{stddev: 0.1, quant: 0.01}
	case iomap.SourceCompressorOilTemp:
		return noiseProfile{stddev: 0.3, quant: 0.1}
	default:
		return noiseProfile{}
	}
}

type pointState struct {
	binding  iomap.Binding
	profile  noiseProfile
	lastGood float64
	seeded   bool
	drift    float64
}

// Bank samples every bound input point once per refresh. A Bank is driven
// by the scheduler from a single goroutine; only fault toggling may come
// from elsewhere.
type Bank struct {
	mu     sync.Mutex
	points []pointState
	byName map[string]int
	faults map[string]Fault
	rng    *rand.Rand

	esdButton bool
	esdPoint  iomap.Point
}

// NewBank builds the sensor set from the address map. The seed fixes the
// noise sequence so scenario runs are reproducible.
func NewBank(m *iomap.Map, seed int64) *Bank {
	b := &Bank{
		byName:   make(map[string]int),
		faults:   make(map[string]Fault),
		rng:      rand.New(rand.NewSource(seed)),
		esdPoint: m.MustLookup(iomap.DIManualESD),
	}
	for _, bind := range m.Bindings() {
		b.byName[bind.Point.Name] = len(b.points)
		b.points = append(b.points, pointState{binding: bind, profile: profileFor(bind.Source)})
	}
	return b
}

// SetFault activates an overlay on a named point. It replaces any overlay
// already active there.
func (b *Bank) SetFault(point string, f Fault) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byName[point]; !ok {
		return fmt.Errorf("no sensor point %q", point)
	}
	b.faults[point] = f
	return nil
}

// ClearFault removes the overlay on a point, if any. Drift bias accumulated
// while the fault was active is discarded.
func (b *Bank) ClearFault(point string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.faults, point)
	if i, ok := b.byName[point]; ok {
		b.points[i].drift = 0
	}
}

// PressESD sets or releases the manual shutdown pushbutton input.
func (b *Bank) PressESD(pressed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.esdButton = pressed
}

// Refresh samples all points against the current physics state and stages
// the measurements into the register file. The caller commits.
func (b *Bank) Refresh(net *core.Network, file *registers.File) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.points {
		p := &b.points[i]
		bind := p.binding

		if bind.Point.Class == registers.DiscreteInput {
			// Run feedback is a clean contact, no noise model.
			v := net.Running[bind.Index]
			if err := file.WriteBit(bind.Point.Class, bind.Point.Addr, v); err != nil {
				return fmt.Errorf("sensor %s: %w", bind.Point.Name, err)
			}
			continue
		}

		truth := b.truth(net, bind)
		measured := b.measure(p, truth)
		if err := file.WriteAnalog(bind.Point.Class, bind.Point.Addr, measured); err != nil {
			return fmt.Errorf("sensor %s: %w", bind.Point.Name, err)
		}
	}

	if err := file.WriteBit(b.esdPoint.Class, b.esdPoint.Addr, b.esdButton); err != nil {
		return fmt.Errorf("sensor %s: %w", b.esdPoint.Name, err)
	}
	return nil
}

// truth reads the exact physics value behind a binding. Vibration and oil
// temperature have no direct physics state; they are synthesized from flow
// and discharge temperature so envelope trips remain drivable through
// drift faults.
func (b *Bank) truth(net *core.Network, bind iomap.Binding) float64 {
	switch bind.Source {
	case iomap.SourceNodePressure:
		return net.Pressure[bind.Index]
	case iomap.SourceNodeTemperature:
		return net.Temperature[bind.Index]
	case iomap.SourceEdgeFlow:
		return net.Flow[bind.Index]
	case iomap.SourceValvePosition:
		return net.Open[bind.Index]
	case iomap.SourceCompressorVibration:
		if !net.Running[bind.Index] {
			return 0.1
		}
		return 1.5 + 0.03*math.Abs(net.Flow[bind.Index])
	case iomap.SourceCompressorOilTemp:
		if !net.Running[bind.Index] {
			return net.Temperature[net.EdgeFrom[bind.Index]]
		}
		return 55 + 0.4*math.Abs(net.Flow[bind.Index])
	default:
		return 0
	}
}

func (b *Bank) measure(p *pointState, truth float64) float64 {
	v := truth + b.rng.NormFloat64()*p.profile.stddev
	if p.profile.quant > 0 {
		v = math.Round(v/p.profile.quant) * p.profile.quant
	}

	f, faulted := b.faults[p.binding.Point.Name]
	if faulted {
		switch f.Kind {
		case FaultStuck:
			// A point stuck before its first sample freezes at the
			// current measurement, not at the zero value.
			if !p.seeded {
				p.lastGood = v
				p.seeded = true
			}
			return p.lastGood
		case FaultDrift:
			p.drift += f.Rate
			v += p.drift
		case FaultSpike:
			if b.rng.Float64() < f.Chance {
				v = truth + (b.rng.Float64()*2-1)*f.Magnitude
			}
		}
		// A faulted reading never refreshes the good-value latch.
		return v
	}

	p.lastGood = v
	p.seeded = true
	return v
}
