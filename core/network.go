// Package core implements the gas-network physics engine: a flat-arena
// representation of the pipeline graph and an implicit solver that advances
// pressures, flows and temperatures one fixed tick at a time.
package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/fluxline/pipetwin/model"
)

var (
	ErrUnknownEdge = errors.New("unknown edge")
	ErrUnknownNode = errors.New("unknown node")
)

// weymouthCoeff scales pipe conductance so that the default network carries
// realistic mass flows (tens of kg/s) at transmission pressures (40-60 bar).
const weymouthCoeff = 45.0

// Network is the mutable simulation state of a pipeline network, laid out as
// parallel slices indexed by node and edge number. Cyclic topologies need no
// special casing and snapshots are plain deep copies.
//
// The topology (IDs, endpoints, physical parameters) is immutable after
// BuildNetwork; only the dynamic state (pressures, flows, valve positions,
// compressor state, leaks) changes during a run.
type Network struct {
	Name string

	// Node arena.
	NodeIDs     []string
	NodeKinds   []model.NodeKind
	Pressure    []float64 // bar
	Temperature []float64 // Celsius
	NetFlow     []float64 // signed net inflow at the node, kg/s
	Demand      []float64 // fixed offtake for sinks, kg/s
	Boundary    []float64 // held pressure for sources, 0 otherwise
	Capacitance []float64 // linepack capacitance, kg/bar

	// Edge arena. Positive flow runs EdgeFrom -> EdgeTo.
	EdgeIDs     []string
	EdgeKinds   []model.EdgeKind
	EdgeFrom    []int
	EdgeTo      []int
	Conductance []float64
	Flow        []float64 // kg/s

	// Valve state. Open is the actual position, OpenTarget the commanded
	// one; Open tracks OpenTarget at TravelRate per second. Positions below
	// MinOpen are treated as fully closed.
	Open       []float64
	OpenTarget []float64
	MinOpen    []float64
	TravelRate []float64

	// Compressor state.
	Ratio    []float64
	MinRatio []float64
	MaxRatio []float64
	Running  []bool

	// Injected leak withdrawal per edge, kg/s.
	LeakRate []float64

	nodeIndex map[string]int
	edgeIndex map[string]int

	// incident[i] lists the edges touching node i, used by the solver and
	// by capacitance assignment.
	incident [][]int
}

// BuildNetwork converts a validated topology into the arena representation
// and derives conductances and linepack capacitances from the pipe geometry.
// The linepack coefficient is in kg per cubic metre per bar; larger values
// make the network stiffer and slower to respond.
func BuildNetwork(t *model.Topology, linepackCoeff float64) (*Network, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("build network: %w", err)
	}
	if linepackCoeff <= 0 {
		return nil, fmt.Errorf("build network: linepack coefficient must be positive, got %v", linepackCoeff)
	}

	n := &Network{
		Name:      t.Name,
		nodeIndex: make(map[string]int, len(t.Nodes)),
		edgeIndex: make(map[string]int, len(t.Edges)),
	}

	for i, node := range t.Nodes {
		n.nodeIndex[node.ID] = i
		n.NodeIDs = append(n.NodeIDs, node.ID)
		n.NodeKinds = append(n.NodeKinds, node.Kind)
		n.Pressure = append(n.Pressure, node.Pressure)
		n.Temperature = append(n.Temperature, node.Temperature)
		n.NetFlow = append(n.NetFlow, 0)
		n.Demand = append(n.Demand, node.Demand)
		if node.Kind == model.NodeSource {
			n.Boundary = append(n.Boundary, node.Pressure)
		} else {
			n.Boundary = append(n.Boundary, 0)
		}
		n.Capacitance = append(n.Capacitance, 0)
	}
	n.incident = make([][]int, len(t.Nodes))

	for j, edge := range t.Edges {
		from, ok := n.nodeIndex[edge.From]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNode, edge.From)
		}
		to, ok := n.nodeIndex[edge.To]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNode, edge.To)
		}

		n.edgeIndex[edge.ID] = j
		n.EdgeIDs = append(n.EdgeIDs, edge.ID)
		n.EdgeKinds = append(n.EdgeKinds, edge.Kind)
		n.EdgeFrom = append(n.EdgeFrom, from)
		n.EdgeTo = append(n.EdgeTo, to)
		n.Conductance = append(n.Conductance, conductance(edge))
		n.Flow = append(n.Flow, 0)

		open, target := 1.0, 1.0
		if edge.Kind == model.EdgeValve {
			open, target = edge.InitialOpen, edge.InitialOpen
		}
		n.Open = append(n.Open, open)
		n.OpenTarget = append(n.OpenTarget, target)
		n.MinOpen = append(n.MinOpen, edge.MinOpenFraction)
		n.TravelRate = append(n.TravelRate, edge.TravelRate)

		ratio, running := 1.0, false
		if edge.Kind == model.EdgeCompressor {
			ratio = edge.MinRatio
			running = true
		}
		n.Ratio = append(n.Ratio, ratio)
		n.MinRatio = append(n.MinRatio, edge.MinRatio)
		n.MaxRatio = append(n.MaxRatio, edge.MaxRatio)
		n.Running = append(n.Running, running)
		n.LeakRate = append(n.LeakRate, 0)

		n.incident[from] = append(n.incident[from], j)
		n.incident[to] = append(n.incident[to], j)

		// Half the pipe volume counts toward each endpoint's linepack.
		vol := pipeVolume(edge)
		n.Capacitance[from] += linepackCoeff * vol / 2
		n.Capacitance[to] += linepackCoeff * vol / 2
	}

	// A node with no meaningful pipe volume still needs a small capacitance
	// to keep the transient system well conditioned.
	for i := range n.Capacitance {
		if n.Capacitance[i] < 1.0 {
			n.Capacitance[i] = 1.0
		}
	}

	return n, nil
}

// conductance derives a Weymouth-form flow coefficient from pipe geometry:
// q = C * sqrt(pu^2 - pd^2), with C growing with diameter and shrinking with
// length and roughness.
func conductance(e model.Edge) float64 {
	length := e.LengthKm
	if length < 0.05 {
		length = 0.05
	}
	friction := 1.0 + 100.0*e.Roughness
	return weymouthCoeff * math.Pow(e.DiameterM, 2.667) / math.Sqrt(length*friction)
}

// pipeVolume returns the geometric volume of an edge in cubic metres.
func pipeVolume(e model.Edge) float64 {
	return math.Pi / 4 * e.DiameterM * e.DiameterM * e.LengthKm * 1000
}

// NodeIndex resolves a node ID to its arena index.
func (n *Network) NodeIndex(id string) (int, bool) {
	i, ok := n.nodeIndex[id]
	return i, ok
}

// EdgeIndex resolves an edge ID to its arena index.
func (n *Network) EdgeIndex(id string) (int, bool) {
	j, ok := n.edgeIndex[id]
	return j, ok
}

// NumNodes returns the node count.
func (n *Network) NumNodes() int { return len(n.NodeIDs) }

// NumEdges returns the edge count.
func (n *Network) NumEdges() int { return len(n.EdgeIDs) }

// EdgeClosed reports whether an edge currently passes no flow: a valve at or
// below its minimum open fraction, or a stopped compressor.
func (n *Network) EdgeClosed(j int) bool {
	switch n.EdgeKinds[j] {
	case model.EdgeValve:
		return n.Open[j] < n.MinOpen[j] || n.Open[j] == 0
	case model.EdgeCompressor:
		return !n.Running[j]
	default:
		return false
	}
}

// Clone returns a deep copy of the network state. Snapshots published to
// SCADA consumers are built from clones so readers never alias live state.
func (n *Network) Clone() *Network {
	c := &Network{
		Name:      n.Name,
		nodeIndex: n.nodeIndex,
		edgeIndex: n.edgeIndex,
		incident:  n.incident,

		NodeIDs:   n.NodeIDs,
		NodeKinds: n.NodeKinds,
		EdgeIDs:   n.EdgeIDs,
		EdgeKinds: n.EdgeKinds,
		EdgeFrom:  n.EdgeFrom,
		EdgeTo:    n.EdgeTo,

		Pressure:    append([]float64(nil), n.Pressure...),
		Temperature: append([]float64(nil), n.Temperature...),
		NetFlow:     append([]float64(nil), n.NetFlow...),
		Demand:      append([]float64(nil), n.Demand...),
		Boundary:    append([]float64(nil), n.Boundary...),
		Capacitance: append([]float64(nil), n.Capacitance...),
		Conductance: append([]float64(nil), n.Conductance...),
		Flow:        append([]float64(nil), n.Flow...),
		Open:        append([]float64(nil), n.Open...),
		OpenTarget:  append([]float64(nil), n.OpenTarget...),
		MinOpen:     append([]float64(nil), n.MinOpen...),
		TravelRate:  append([]float64(nil), n.TravelRate...),
		Ratio:       append([]float64(nil), n.Ratio...),
		MinRatio:    append([]float64(nil), n.MinRatio...),
		MaxRatio:    append([]float64(nil), n.MaxRatio...),
		Running:     append([]bool(nil), n.Running...),
		LeakRate:    append([]float64(nil), n.LeakRate...),
	}
	return c
}

// restoreFrom copies the dynamic state of src back into n. Used to fall back
// to the last stable state after a divergent solve.
func (n *Network) restoreFrom(src *Network) {
	copy(n.Pressure, src.Pressure)
	copy(n.Temperature, src.Temperature)
	copy(n.NetFlow, src.NetFlow)
	copy(n.Flow, src.Flow)
	copy(n.Open, src.Open)
	copy(n.OpenTarget, src.OpenTarget)
	copy(n.Ratio, src.Ratio)
	copy(n.Running, src.Running)
}
