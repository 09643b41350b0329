// Package iomap assigns register addresses to every measurable and
// controllable point in a topology. Allocation is deterministic: points are
// laid out in topology declaration order, so two runs over the same
// topology produce identical address maps.
package iomap

import (
	"fmt"

	"github.com/fluxline/pipetwin/model"
	"github.com/fluxline/pipetwin/registers"
)

// SourceKind names the physics quantity backing an input point.
type SourceKind uint8

const (
	SourceNodePressure SourceKind = iota
	SourceNodeTemperature
	SourceEdgeFlow
	SourceValvePosition
	SourceCompressorVibration
	SourceCompressorOilTemp
	SourceCompressorRunning
)

// Point is one named register address.
type Point struct {
	Name  string
	Class registers.Class
	Addr  uint16
}

// Binding ties an input point to the arena index of the physics quantity
// that feeds it. Index is a node index for node-sourced kinds and an edge
// index otherwise.
type Binding struct {
	Point  Point
	Source SourceKind
	Index  int
}

// Well-known output and relay point names. Controllers address their own
// outputs through these; cross-controller signalling happens by reading
// another controller's relay coil back as an input.
const (
	CoilESDLatched  = "esd.latched"
	CoilSafetyRelay = "safety.relay"
	CoilLeakRelay   = "leak.relay"
	CoilValveStuck  = "valve.stuck"
	DIManualESD     = "esd.pushbutton"
	HRFlowTotalizer = "flow.totalizer"
	HRTempComp      = "temp.compensation"
	HRValveTarget   = "pressure.valve_target"
)

// OpenCommandOf names the valve open-fraction holding register for an edge.
func OpenCommandOf(edgeID string) string { return edgeID + ".open_cmd" }

// RatioCommandOf names the compressor ratio holding register for an edge.
func RatioCommandOf(edgeID string) string { return edgeID + ".ratio_cmd" }

// RunCommandOf names the compressor run coil for an edge.
func RunCommandOf(edgeID string) string { return edgeID + ".run_cmd" }

// TripRelayOf names the trip relay coil a compressor unit latches on an
// out-of-envelope condition.
func TripRelayOf(edgeID string) string { return edgeID + ".trip" }

// PressureOf names the pressure input register of a node.
func PressureOf(nodeID string) string { return nodeID + ".pressure" }

// TemperatureOf names the temperature input register of a node.
func TemperatureOf(nodeID string) string { return nodeID + ".temperature" }

// FlowOf names the flow input register of an edge.
func FlowOf(edgeID string) string { return edgeID + ".flow" }

// PositionOf names the measured-position input register of a valve edge.
func PositionOf(edgeID string) string { return edgeID + ".position" }

// VibrationOf names the vibration input register of a compressor edge.
func VibrationOf(edgeID string) string { return edgeID + ".vibration" }

// OilTempOf names the oil temperature input register of a compressor edge.
func OilTempOf(edgeID string) string { return edgeID + ".oil_temp" }

// RunningOf names the run-feedback discrete input of a compressor edge.
func RunningOf(edgeID string) string { return edgeID + ".running" }

// Map holds the full allocation for one topology.
type Map struct {
	points   map[string]Point
	bindings []Binding
	layout   registers.Layout
}

// Build allocates addresses for every point the topology implies. Node and
// edge indices in the returned bindings follow declaration order, matching
// the arena layout the physics engine builds from the same topology.
func Build(t *model.Topology) *Map {
	m := &Map{points: make(map[string]Point)}

	for i, n := range t.Nodes {
		m.bindInput(PressureOf(n.ID), SourceNodePressure, i)
		m.bindInput(TemperatureOf(n.ID), SourceNodeTemperature, i)
	}
	for j, e := range t.Edges {
		m.bindInput(FlowOf(e.ID), SourceEdgeFlow, j)
		switch e.Kind {
		case model.EdgeValve:
			m.bindInput(PositionOf(e.ID), SourceValvePosition, j)
			m.alloc(OpenCommandOf(e.ID), registers.HoldingRegister)
		case model.EdgeCompressor:
			m.bindInput(VibrationOf(e.ID), SourceCompressorVibration, j)
			m.bindInput(OilTempOf(e.ID), SourceCompressorOilTemp, j)
			m.bindBit(RunningOf(e.ID), SourceCompressorRunning, j)
			m.alloc(RatioCommandOf(e.ID), registers.HoldingRegister)
			m.alloc(RunCommandOf(e.ID), registers.Coil)
			m.alloc(TripRelayOf(e.ID), registers.Coil)
		}
	}

	m.alloc(DIManualESD, registers.DiscreteInput)
	m.alloc(CoilESDLatched, registers.Coil)
	m.alloc(CoilSafetyRelay, registers.Coil)
	m.alloc(CoilLeakRelay, registers.Coil)
	m.alloc(CoilValveStuck, registers.Coil)
	m.alloc(HRFlowTotalizer, registers.HoldingRegister)
	m.alloc(HRTempComp, registers.HoldingRegister)
	m.alloc(HRValveTarget, registers.HoldingRegister)

	return m
}

func (m *Map) alloc(name string, c registers.Class) Point {
	var addr *uint16
	switch c {
	case registers.DiscreteInput:
		addr = &m.layout.DiscreteInputs
	case registers.Coil:
		addr = &m.layout.Coils
	case registers.InputRegister:
		addr = &m.layout.InputRegisters
	case registers.HoldingRegister:
		addr = &m.layout.HoldingRegisters
	}
	p := Point{Name: name, Class: c, Addr: *addr}
	*addr++
	m.points[name] = p
	return p
}

func (m *Map) bindInput(name string, src SourceKind, idx int) {
	p := m.alloc(name, registers.InputRegister)
	m.bindings = append(m.bindings, Binding{Point: p, Source: src, Index: idx})
}

func (m *Map) bindBit(name string, src SourceKind, idx int) {
	p := m.alloc(name, registers.DiscreteInput)
	m.bindings = append(m.bindings, Binding{Point: p, Source: src, Index: idx})
}

// Layout sizes a register file for this allocation.
func (m *Map) Layout() registers.Layout { return m.layout }

// Bindings lists every physics-sourced input point in allocation order.
func (m *Map) Bindings() []Binding { return m.bindings }

// Lookup resolves a point by name.
func (m *Map) Lookup(name string) (Point, bool) {
	p, ok := m.points[name]
	return p, ok
}

// MustLookup resolves a point that the address map is guaranteed to carry.
// It panics on a miss, which indicates a wiring bug, not a runtime
// condition.
func (m *Map) MustLookup(name string) Point {
	p, ok := m.points[name]
	if !ok {
		panic(fmt.Sprintf("iomap: no point named %q", name))
	}
	return p
}
