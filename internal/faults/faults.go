// Package faults is the injection surface for exercising degraded modes:
// sensor overlays, pipeline leaks, and forced controller faults. Injections
// are named so they can be listed and withdrawn individually, and every
// path routes through the owning subsystem's own entry point; nothing here
// touches simulation state directly.
package faults

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fluxline/pipetwin/core"
	"github.com/fluxline/pipetwin/internal/logging"
	"github.com/fluxline/pipetwin/internal/plc"
	"github.com/fluxline/pipetwin/internal/sensors"
)

// Kind selects the failure mechanism.
type Kind string

const (
	// SensorStuck freezes a sensor point at its last good reading.
	SensorStuck Kind = "sensor-stuck"
	// SensorDrift biases a sensor point by Rate units per refresh.
	SensorDrift Kind = "sensor-drift"
	// SensorSpike injects bounded excursions at Chance per refresh.
	SensorSpike Kind = "sensor-spike"
	// EdgeLeak withdraws Rate kg/s from an edge.
	EdgeLeak Kind = "edge-leak"
	// PLCFault drops a controller into its terminal Fault state.
	PLCFault Kind = "plc-fault"
)

// Injection is one named fault. Target is a sensor point name, an edge ID,
// or a controller ID depending on Kind.
type Injection struct {
	Name      string  `json:"name"`
	Kind      Kind    `json:"kind"`
	Target    string  `json:"target"`
	Rate      float64 `json:"rate,omitempty"`      // drift bias per refresh, or leak kg/s
	Chance    float64 `json:"chance,omitempty"`    // spike probability per refresh
	Magnitude float64 `json:"magnitude,omitempty"` // spike excursion bound
}

var (
	ErrDuplicateName = errors.New("injection name already active")
	ErrUnknownName   = errors.New("no such active injection")
	ErrBadInjection  = errors.New("invalid injection")
)

// Injector routes injections to the sensor bank, the physics engine, and
// the controller registry. Safe for concurrent use.
type Injector struct {
	bank   *sensors.Bank
	engine *core.Engine
	reg    *plc.Registry
	log    logging.Logger

	mu     sync.Mutex
	active map[string]Injection
}

func NewInjector(bank *sensors.Bank, engine *core.Engine, reg *plc.Registry, log logging.Logger) *Injector {
	if log == nil {
		log = logging.Noop()
	}
	return &Injector{
		bank:   bank,
		engine: engine,
		reg:    reg,
		log:    logging.Component(log, "faults"),
		active: make(map[string]Injection),
	}
}

// Enable activates an injection. The name must be unused; the same target
// may carry several injections of different kinds.
func (i *Injector) Enable(inj Injection) error {
	if inj.Name == "" || inj.Target == "" {
		return fmt.Errorf("%w: name and target are required", ErrBadInjection)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if _, dup := i.active[inj.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateName, inj.Name)
	}

	if err := i.apply(inj); err != nil {
		return err
	}
	i.active[inj.Name] = inj
	i.log.Info(context.Background(), "fault enabled",
		logging.String("name", inj.Name),
		logging.String("kind", string(inj.Kind)),
		logging.String("target", inj.Target))
	return nil
}

func (i *Injector) apply(inj Injection) error {
	switch inj.Kind {
	case SensorStuck:
		return i.bank.SetFault(inj.Target, sensors.Fault{Kind: sensors.FaultStuck})
	case SensorDrift:
		if inj.Rate == 0 {
			return fmt.Errorf("%w: drift needs a nonzero rate", ErrBadInjection)
		}
		return i.bank.SetFault(inj.Target, sensors.Fault{Kind: sensors.FaultDrift, Rate: inj.Rate})
	case SensorSpike:
		if inj.Chance <= 0 || inj.Chance > 1 || inj.Magnitude <= 0 {
			return fmt.Errorf("%w: spike needs chance in (0, 1] and a positive magnitude", ErrBadInjection)
		}
		return i.bank.SetFault(inj.Target, sensors.Fault{
			Kind: sensors.FaultSpike, Chance: inj.Chance, Magnitude: inj.Magnitude,
		})
	case EdgeLeak:
		if inj.Rate <= 0 {
			return fmt.Errorf("%w: leak needs a positive rate", ErrBadInjection)
		}
		return i.engine.SetEdgeLeak(inj.Target, inj.Rate)
	case PLCFault:
		inst, ok := i.reg.Get(inj.Target)
		if !ok {
			return fmt.Errorf("%w: unknown plc %q", ErrBadInjection, inj.Target)
		}
		inst.ForceFault("injected-fault")
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadInjection, inj.Kind)
	}
}

// Disable withdraws a named injection and restores the target.
func (i *Injector) Disable(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	inj, ok := i.active[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownName, name)
	}

	switch inj.Kind {
	case SensorStuck, SensorDrift, SensorSpike:
		i.bank.ClearFault(inj.Target)
	case EdgeLeak:
		if err := i.engine.SetEdgeLeak(inj.Target, 0); err != nil {
			return err
		}
	case PLCFault:
		if inst, ok := i.reg.Get(inj.Target); ok {
			inst.Reset()
		}
	}

	delete(i.active, name)
	i.log.Info(context.Background(), "fault disabled", logging.String("name", name))
	return nil
}

// Active lists the current injections sorted by name.
func (i *Injector) Active() []Injection {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]Injection, 0, len(i.active))
	for _, inj := range i.active {
		out = append(out, inj)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
