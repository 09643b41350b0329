package plc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/internal/logging"
	"github.com/fluxline/pipetwin/model"
)

// ErrUnknownPLC rejects a command addressed to a controller the registry
// does not carry.
var ErrUnknownPLC = errors.New("unknown-plc")

// Registry is the static controller set for one simulation run. Scan order
// is instance ID order, so runs are deterministic.
type Registry struct {
	byID    map[string]*Instance
	ordered []*Instance
}

// NewRegistry wires controllers into instances against the address map and
// enforces exclusive output ownership across the set.
func NewRegistry(m *iomap.Map, log logging.Logger, sink EventSink, ctrls ...Controller) (*Registry, error) {
	r := &Registry{byID: make(map[string]*Instance, len(ctrls))}
	owners := make(map[string]string)

	for _, c := range ctrls {
		inst, err := NewInstance(c, m, log, sink)
		if err != nil {
			return nil, err
		}
		if _, dup := r.byID[inst.ID()]; dup {
			return nil, fmt.Errorf("duplicate controller id %q", inst.ID())
		}
		for _, out := range inst.Spec().Outputs {
			if prev, taken := owners[out]; taken {
				return nil, fmt.Errorf("output point %q claimed by both %s and %s", out, prev, inst.ID())
			}
			owners[out] = inst.ID()
		}
		r.byID[inst.ID()] = inst
		r.ordered = append(r.ordered, inst)
	}

	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].ID() < r.ordered[j].ID()
	})
	return r, nil
}

// DefaultControllers assembles the standard eight-controller set for a
// topology: the first valve edge becomes the controlled valve, compressor
// edges become station units, and the leak segment spans the controlled
// valve from its upstream meter to its downstream meter.
func DefaultControllers(t *model.Topology) ([]Controller, error) {
	var valve string
	var units []string
	maxRatio := 1.6
	for _, e := range t.Edges {
		switch e.Kind {
		case model.EdgeValve:
			if valve == "" {
				valve = e.ID
			}
		case model.EdgeCompressor:
			units = append(units, e.ID)
			if e.MaxRatio > 0 {
				maxRatio = e.MaxRatio
			}
		}
	}
	if valve == "" {
		return nil, errors.New("topology has no valve edge to control")
	}
	if len(units) == 0 {
		return nil, errors.New("topology has no compressor edges")
	}

	valveEdge, _ := t.EdgeByID(valve)
	inlet, outlet, err := meterEdges(t, valveEdge)
	if err != nil {
		return nil, err
	}

	var suction, discharge string
	for _, e := range t.Edges {
		if e.ID == units[0] {
			suction, discharge = e.From, e.To
		}
	}

	var zone []string
	for _, n := range t.Nodes {
		zone = append(zone, n.ID)
	}

	return []Controller{
		NewPressureControl(valveEdge.From),
		NewFlowRegulation(outlet),
		NewCompressorManagement(suction, discharge, units, maxRatio),
		NewValveControl(valve),
		NewSafetyMonitoring(zone),
		NewLeakDetection(inlet, outlet),
		NewTemperatureControl(discharge),
		NewEmergencyShutdown(valveEdge.From),
	}, nil
}

// meterEdges finds one pipe feeding the valve's upstream node and one pipe
// leaving its downstream node, bracketing the monitored segment.
func meterEdges(t *model.Topology, valve model.Edge) (inlet, outlet string, err error) {
	for _, e := range t.Edges {
		if e.ID == valve.ID {
			continue
		}
		if e.To == valve.From && inlet == "" {
			inlet = e.ID
		}
		if e.From == valve.To && outlet == "" {
			outlet = e.ID
		}
	}
	if inlet == "" || outlet == "" {
		return "", "", fmt.Errorf("no metering pipes bracket valve %q", valve.ID)
	}
	return inlet, outlet, nil
}

// Instances returns all instances in scan order.
func (r *Registry) Instances() []*Instance { return r.ordered }

// Get resolves an instance by controller ID.
func (r *Registry) Get(id string) (*Instance, bool) {
	inst, ok := r.byID[id]
	return inst, ok
}

// Submit routes a command to a controller.
func (r *Registry) Submit(plcID string, cmd Command) error {
	inst, ok := r.byID[plcID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPLC, plcID)
	}
	return inst.Submit(cmd)
}

// Acknowledge routes an alarm acknowledgement to a controller.
func (r *Registry) Acknowledge(plcID, alarm string, tick uint64) error {
	inst, ok := r.byID[plcID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPLC, plcID)
	}
	if !inst.Alarms().Acknowledge(tick, alarm) {
		return fmt.Errorf("plc %s has no alarm %q", plcID, alarm)
	}
	return nil
}
