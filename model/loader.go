package model

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the topology file encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// LoadTopology decodes a topology from r and validates it. Callers get back
// either a topology that passed Validate or an error; there is no partially
// loaded state.
func LoadTopology(r io.Reader, format Format) (*Topology, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read topology: %w", err)
	}

	var t Topology
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode topology JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode topology YAML: %w", err)
		}
	}

	applyDefaults(&t)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTopologyFile loads a topology from a file, picking the format from the
// file extension (.json vs .yaml/.yml).
func LoadTopologyFile(path string) (*Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology %q: %w", path, err)
	}
	defer f.Close()

	format := FormatYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = FormatJSON
	}
	return LoadTopology(f, format)
}

// applyDefaults fills in limits that topology authors usually omit.
func applyDefaults(t *Topology) {
	for i := range t.Edges {
		e := &t.Edges[i]
		switch e.Kind {
		case EdgeCompressor:
			if e.MinRatio == 0 {
				e.MinRatio = 1.0
			}
			if e.MaxRatio == 0 {
				e.MaxRatio = 1.6
			}
		case EdgeValve:
			if e.MinOpenFraction == 0 {
				e.MinOpenFraction = 0.05
			}
			if e.TravelRate == 0 {
				e.TravelRate = 0.2
			}
		}
		if e.Roughness == 0 {
			e.Roughness = 0.012
		}
	}
}

// DefaultTopology returns the built-in eight-node demonstration network: one
// source, a twin-unit compressor station, a mid-network control valve and two
// offtakes. It mirrors the trunk of the GasLib-134 reference network at a
// scale small enough for interactive runs.
func DefaultTopology() *Topology {
	t := &Topology{
		Name: "gaslib-trunk-8",
		Nodes: []Node{
			{ID: "source-1", Kind: NodeSource, Pressure: 60.0, Temperature: 20.0},
			{ID: "junction-1", Kind: NodeJunction, Pressure: 55.0, Temperature: 20.0},
			{ID: "junction-2", Kind: NodeJunction, Pressure: 52.0, Temperature: 20.0},
			{ID: "compressor-1", Kind: NodeCompressor, Pressure: 58.0, Temperature: 25.0},
			{ID: "junction-3", Kind: NodeJunction, Pressure: 50.0, Temperature: 22.0},
			{ID: "junction-4", Kind: NodeJunction, Pressure: 48.0, Temperature: 22.0},
			{ID: "sink-1", Kind: NodeSink, Pressure: 45.0, Temperature: 20.0, Demand: 40.0},
			{ID: "sink-2", Kind: NodeSink, Pressure: 40.0, Temperature: 20.0, Demand: 20.0},
		},
		Edges: []Edge{
			{ID: "pipe-1", Kind: EdgePipe, From: "source-1", To: "junction-1", LengthKm: 10.0, DiameterM: 0.8},
			{ID: "pipe-2", Kind: EdgePipe, From: "junction-1", To: "junction-2", LengthKm: 10.0, DiameterM: 0.8},
			{ID: "cmp-a", Kind: EdgeCompressor, From: "junction-2", To: "compressor-1", LengthKm: 0.2, DiameterM: 0.8, MinRatio: 1.0, MaxRatio: 1.6},
			{ID: "cmp-b", Kind: EdgeCompressor, From: "junction-2", To: "compressor-1", LengthKm: 0.2, DiameterM: 0.8, MinRatio: 1.0, MaxRatio: 1.6},
			{ID: "pipe-4", Kind: EdgePipe, From: "compressor-1", To: "junction-3", LengthKm: 10.0, DiameterM: 0.8},
			{ID: "valve-main", Kind: EdgeValve, From: "junction-3", To: "junction-4", LengthKm: 0.1, DiameterM: 0.8, InitialOpen: 1.0},
			{ID: "pipe-6", Kind: EdgePipe, From: "junction-4", To: "sink-1", LengthKm: 10.0, DiameterM: 0.6},
			{ID: "pipe-7", Kind: EdgePipe, From: "junction-2", To: "sink-2", LengthKm: 15.0, DiameterM: 0.4},
		},
	}
	applyDefaults(t)
	return t
}
