// Package model defines the static data model of a gas-pipeline network:
// nodes, edges (pipes, compressors, valves) and their physical parameters.
// A Topology is loaded once at startup and is immutable for the lifetime of
// a simulation run.
package model

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrDuplicateNode  = errors.New("duplicate node ID")
	ErrDuplicateEdge  = errors.New("duplicate edge ID")
	ErrUnknownNode    = errors.New("edge references unknown node")
	ErrSelfLoop       = errors.New("edge connects a node to itself")
	ErrNoSource       = errors.New("topology has no source node")
	ErrBadBoundary    = errors.New("invalid boundary condition")
	ErrBadEdgeLimits  = errors.New("invalid edge limits")
)

// NodeKind classifies a network node. Compressor and valve stations are
// hydraulically junctions; the actual machine sits on an adjacent edge.
type NodeKind string

const (
	NodeSource     NodeKind = "source"
	NodeSink       NodeKind = "sink"
	NodeJunction   NodeKind = "junction"
	NodeCompressor NodeKind = "compressor"
	NodeValve      NodeKind = "valve"
)

// EdgeKind classifies a network edge.
type EdgeKind string

const (
	EdgePipe       EdgeKind = "pipe"
	EdgeCompressor EdgeKind = "compressor"
	EdgeValve      EdgeKind = "valve"
)

// Node is one network node. Sources are fixed-pressure boundaries, sinks
// fixed-flow boundaries; everything else is solved from mass balance.
type Node struct {
	ID   string   `yaml:"id" json:"id" validate:"required"`
	Kind NodeKind `yaml:"kind" json:"kind" validate:"required,oneof=source sink junction compressor valve"`

	// Pressure is the initial pressure in bar (and the held boundary
	// pressure for sources).
	Pressure float64 `yaml:"pressure" json:"pressure" validate:"gte=0"`
	// Temperature is the initial gas temperature in degrees Celsius.
	Temperature float64 `yaml:"temperature" json:"temperature"`
	// Demand is the fixed offtake in kg/s; only meaningful on sinks.
	Demand float64 `yaml:"demand,omitempty" json:"demand,omitempty" validate:"gte=0"`
}

// Edge is one pipe, compressor or valve connecting two nodes. Positive flow
// runs From -> To.
type Edge struct {
	ID   string   `yaml:"id" json:"id" validate:"required"`
	Kind EdgeKind `yaml:"kind" json:"kind" validate:"required,oneof=pipe compressor valve"`
	From string   `yaml:"from" json:"from" validate:"required"`
	To   string   `yaml:"to" json:"to" validate:"required"`

	// Pipe parameters.
	LengthKm  float64 `yaml:"length_km,omitempty" json:"length_km,omitempty" validate:"gte=0"`
	DiameterM float64 `yaml:"diameter_m,omitempty" json:"diameter_m,omitempty" validate:"gte=0"`
	Roughness float64 `yaml:"roughness,omitempty" json:"roughness,omitempty" validate:"gte=0"`

	// Compressor pressure-ratio envelope. Ratios outside the envelope are
	// clamped by the physics engine, with a diagnostic.
	MinRatio float64 `yaml:"min_ratio,omitempty" json:"min_ratio,omitempty"`
	MaxRatio float64 `yaml:"max_ratio,omitempty" json:"max_ratio,omitempty"`

	// Valve travel limits. MinOpenFraction is the threshold below which a
	// valve is treated as fully closed; TravelRate is the maximum stroke
	// speed in open-fraction per second.
	MinOpenFraction float64 `yaml:"min_open_fraction,omitempty" json:"min_open_fraction,omitempty" validate:"gte=0,lte=1"`
	TravelRate      float64 `yaml:"travel_rate,omitempty" json:"travel_rate,omitempty" validate:"gte=0"`
	InitialOpen     float64 `yaml:"initial_open,omitempty" json:"initial_open,omitempty" validate:"gte=0,lte=1"`
}

// Topology is the immutable description of a pipeline network.
type Topology struct {
	Name  string `yaml:"name" json:"name"`
	Nodes []Node `yaml:"nodes" json:"nodes" validate:"required,min=2,dive"`
	Edges []Edge `yaml:"edges" json:"edges" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Validate checks field-level constraints and structural invariants:
// unique IDs, edges referencing known distinct nodes, at least one source,
// and sane component limits.
func (t *Topology) Validate() error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("topology %q: %w", t.Name, err)
	}

	nodes := make(map[string]NodeKind, len(t.Nodes))
	hasSource := false
	for _, n := range t.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateNode, n.ID)
		}
		nodes[n.ID] = n.Kind
		if n.Kind == NodeSource {
			hasSource = true
			if n.Pressure <= 0 {
				return fmt.Errorf("%w: source %q needs a positive boundary pressure", ErrBadBoundary, n.ID)
			}
		}
	}
	if !hasSource {
		return ErrNoSource
	}

	edges := make(map[string]struct{}, len(t.Edges))
	for _, e := range t.Edges {
		if _, dup := edges[e.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateEdge, e.ID)
		}
		edges[e.ID] = struct{}{}
		if _, ok := nodes[e.From]; !ok {
			return fmt.Errorf("%w: edge %q from %q", ErrUnknownNode, e.ID, e.From)
		}
		if _, ok := nodes[e.To]; !ok {
			return fmt.Errorf("%w: edge %q to %q", ErrUnknownNode, e.ID, e.To)
		}
		if e.From == e.To {
			return fmt.Errorf("%w: %q", ErrSelfLoop, e.ID)
		}
		switch e.Kind {
		case EdgeCompressor:
			if e.MaxRatio != 0 && e.MaxRatio < e.MinRatio {
				return fmt.Errorf("%w: compressor %q max_ratio < min_ratio", ErrBadEdgeLimits, e.ID)
			}
		case EdgeValve:
			if e.MinOpenFraction >= 1 && e.MinOpenFraction != 0 {
				return fmt.Errorf("%w: valve %q min_open_fraction must be < 1", ErrBadEdgeLimits, e.ID)
			}
		}
	}
	return nil
}

// NodeByID returns the node with the given ID, or false.
func (t *Topology) NodeByID(id string) (Node, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// EdgeByID returns the edge with the given ID, or false.
func (t *Topology) EdgeByID(id string) (Edge, bool) {
	for _, e := range t.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}
