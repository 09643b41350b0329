// Package plc implements the scan-cycle framework shared by the eight
// controllers and the controllers themselves. The framework owns the scan
// state machine, register access at the read/write boundary, setpoints,
// command intake, and the alarm table; a Controller contributes only its
// Execute behavior.
package plc

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/internal/logging"
	"github.com/fluxline/pipetwin/registers"
)

// Mode is the coarse operating mode of an instance.
type Mode uint8

const (
	ModeRunning Mode = iota
	ModeStopped
	ModeFaulted
)

func (m Mode) String() string {
	switch m {
	case ModeRunning:
		return "running"
	case ModeStopped:
		return "stopped"
	case ModeFaulted:
		return "fault"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ScanState is the position inside one scan cycle, visible for diagnostics.
type ScanState uint8

const (
	StateIdle ScanState = iota
	StateReadInputs
	StateExecute
	StateWriteOutputs
	StateFault
)

func (s ScanState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadInputs:
		return "read-inputs"
	case StateExecute:
		return "execute"
	case StateWriteOutputs:
		return "write-outputs"
	case StateFault:
		return "fault"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Param declares an operator-settable setpoint with its static range.
type Param struct {
	Name    string
	Default float64
	Min     float64
	Max     float64
}

// Spec describes a controller to the framework: identity, scan rate in
// ticks, the register points it reads and writes, and its setpoints.
// Output points are owned exclusively; the registry rejects two specs
// claiming the same one.
type Spec struct {
	ID      string
	Every   int // scan period as a multiple of the base tick, min 1
	Inputs  []string
	Outputs []string
	Params  []Param
}

// Controller supplies the Execute phase of a scan.
type Controller interface {
	Describe() Spec
	// Execute reads measurements and setpoints from ctx and stages
	// outputs and alarm conditions. A returned error is unrecoverable
	// and faults the instance.
	Execute(ctx *Context) error
}

// Command rejection reasons, returned synchronously to the submitter.
var (
	ErrPLCFault         = errors.New("plc-fault")
	ErrUnknownParameter = errors.New("unknown-parameter")
	ErrOutOfRange       = errors.New("out-of-range")
)

// Command is one operator setpoint change. Commands queue until the
// target's next scan boundary; they never apply mid-scan.
type Command struct {
	Parameter string
	Value     float64
}

// Instance binds a Controller to resolved register addresses and runs its
// scan cycle. All scan-path methods are called from the scheduler
// goroutine only; Submit may be called from one other goroutine (the
// supervisory layer), which is why the command queue is a channel.
type Instance struct {
	ctrl Controller
	spec Spec
	log  logging.Logger

	inputs  []iomap.Point
	outputs []iomap.Point
	outIdx  map[string]int

	mode     Mode
	state    ScanState
	faultMsg string

	setpoints map[string]float64
	params    map[string]Param
	commands  chan Command

	alarms *AlarmTable

	ctx Context // reused across scans
}

// NewInstance resolves the controller's declared points against the
// address map. A point the map doesn't carry is a wiring bug and fails
// construction.
func NewInstance(ctrl Controller, m *iomap.Map, log logging.Logger, sink EventSink) (*Instance, error) {
	spec := ctrl.Describe()
	if spec.Every < 1 {
		spec.Every = 1
	}
	if log == nil {
		log = logging.Noop()
	}

	inst := &Instance{
		ctrl:      ctrl,
		spec:      spec,
		log:       logging.Component(log, "plc."+spec.ID),
		outIdx:    make(map[string]int, len(spec.Outputs)),
		setpoints: make(map[string]float64, len(spec.Params)),
		params:    make(map[string]Param, len(spec.Params)),
		commands:  make(chan Command, 16),
		alarms:    NewAlarmTable(spec.ID, sink),
	}
	for _, name := range spec.Inputs {
		p, ok := m.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("plc %s: unknown input point %q", spec.ID, name)
		}
		inst.inputs = append(inst.inputs, p)
	}
	for _, name := range spec.Outputs {
		p, ok := m.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("plc %s: unknown output point %q", spec.ID, name)
		}
		if p.Class != registers.Coil && p.Class != registers.HoldingRegister {
			return nil, fmt.Errorf("plc %s: output point %q is class %s", spec.ID, name, p.Class)
		}
		inst.outIdx[name] = len(inst.outputs)
		inst.outputs = append(inst.outputs, p)
	}
	for _, par := range spec.Params {
		inst.params[par.Name] = par
		inst.setpoints[par.Name] = par.Default
	}

	inst.ctx.inst = inst
	inst.ctx.in = make(map[string]float64, len(spec.Inputs))
	inst.ctx.inBits = make(map[string]bool)
	inst.ctx.out = make(map[string]float64, len(spec.Outputs))
	inst.ctx.outBits = make(map[string]bool)
	return inst, nil
}

func (i *Instance) ID() string          { return i.spec.ID }
func (i *Instance) Spec() Spec          { return i.spec }
func (i *Instance) Mode() Mode          { return i.mode }
func (i *Instance) State() ScanState    { return i.state }
func (i *Instance) FaultReason() string { return i.faultMsg }
func (i *Instance) Alarms() *AlarmTable { return i.alarms }

// Setpoint returns the current accepted value of a parameter.
func (i *Instance) Setpoint(name string) (float64, bool) {
	v, ok := i.setpoints[name]
	return v, ok
}

// Due reports whether the instance scans on the given tick.
func (i *Instance) Due(tick uint64) bool {
	return tick%uint64(i.spec.Every) == 0
}

// Submit validates a command and queues it for the next scan boundary.
// Rejections are returned to the caller and never touch instance state.
func (i *Instance) Submit(cmd Command) error {
	if i.mode == ModeFaulted {
		return fmt.Errorf("%w: %s", ErrPLCFault, i.faultMsg)
	}
	par, ok := i.params[cmd.Parameter]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParameter, cmd.Parameter)
	}
	if cmd.Value < par.Min || cmd.Value > par.Max || math.IsNaN(cmd.Value) {
		return fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrOutOfRange, cmd.Parameter, cmd.Value, par.Min, par.Max)
	}
	i.commands <- cmd
	return nil
}

// ForceFault drops the instance into the terminal Fault state. Used for
// injected faults and scan-overrun escalation.
func (i *Instance) ForceFault(reason string) {
	if i.mode == ModeFaulted {
		return
	}
	i.mode = ModeFaulted
	i.state = StateFault
	i.faultMsg = reason
	i.log.Warn(context.Background(), "controller faulted", logging.String("reason", reason))
}

// Reset clears Fault and returns the instance to Running. Queued commands
// from before the fault are discarded.
func (i *Instance) Reset() {
	for {
		select {
		case <-i.commands:
		default:
			i.mode = ModeRunning
			i.state = StateIdle
			i.faultMsg = ""
			return
		}
	}
}

// Scan runs one full cycle against the register file: drain commands, read
// committed inputs, execute, stage outputs. Register access failures and
// Execute errors fault the instance but never propagate; a faulted PLC is
// isolated, not fatal to the run.
func (i *Instance) Scan(tick uint64, dt float64, file *registers.File) {
	if i.mode != ModeRunning {
		return
	}

drain:
	for {
		select {
		case cmd := <-i.commands:
			i.setpoints[cmd.Parameter] = cmd.Value
			i.log.Info(context.Background(), "setpoint applied",
				logging.String("parameter", cmd.Parameter),
				logging.Float("value", cmd.Value))
		default:
			break drain
		}
	}

	i.state = StateReadInputs
	clear(i.ctx.in)
	clear(i.ctx.inBits)
	for _, p := range i.inputs {
		if p.Class.Discrete() {
			v, err := file.ReadBit(p.Class, p.Addr)
			if err != nil {
				i.ForceFault(fmt.Sprintf("register read %s: %v", p.Name, err))
				return
			}
			i.ctx.inBits[p.Name] = v
			continue
		}
		v, err := file.ReadAnalog(p.Class, p.Addr)
		if err != nil {
			i.ForceFault(fmt.Sprintf("register read %s: %v", p.Name, err))
			return
		}
		i.ctx.in[p.Name] = v
	}

	i.state = StateExecute
	i.ctx.Tick = tick
	i.ctx.Dt = dt * float64(i.spec.Every)
	clear(i.ctx.out)
	clear(i.ctx.outBits)
	if err := i.ctrl.Execute(&i.ctx); err != nil {
		i.ForceFault(fmt.Sprintf("execute: %v", err))
		return
	}

	i.state = StateWriteOutputs
	for name, v := range i.ctx.out {
		idx, ok := i.outIdx[name]
		if !ok {
			i.ForceFault(fmt.Sprintf("undeclared output %s", name))
			return
		}
		p := i.outputs[idx]
		if err := file.WriteAnalog(p.Class, p.Addr, v); err != nil {
			i.ForceFault(fmt.Sprintf("register write %s: %v", name, err))
			return
		}
	}
	for name, v := range i.ctx.outBits {
		idx, ok := i.outIdx[name]
		if !ok {
			i.ForceFault(fmt.Sprintf("undeclared output %s", name))
			return
		}
		p := i.outputs[idx]
		if err := file.WriteBit(p.Class, p.Addr, v); err != nil {
			i.ForceFault(fmt.Sprintf("register write %s: %v", name, err))
			return
		}
	}

	i.state = StateIdle
}

// Context carries one scan's inputs, staged outputs, and framework
// services into Execute.
type Context struct {
	Tick uint64
	Dt   float64 // seconds between this controller's scans

	inst    *Instance
	in      map[string]float64
	inBits  map[string]bool
	out     map[string]float64
	outBits map[string]bool
}

// In returns an analog input read at the scan boundary.
func (c *Context) In(name string) float64 { return c.in[name] }

// InBit returns a discrete input read at the scan boundary.
func (c *Context) InBit(name string) bool { return c.inBits[name] }

// Out stages an analog output for the write phase.
func (c *Context) Out(name string, v float64) { c.out[name] = v }

// OutBit stages a discrete output for the write phase.
func (c *Context) OutBit(name string, v bool) { c.outBits[name] = v }

// Setpoint returns the accepted value of a declared parameter.
func (c *Context) Setpoint(name string) float64 { return c.inst.setpoints[name] }

// Raise activates an alarm while cond is true and clears it when false.
func (c *Context) Alarm(name string, sev Severity, cond bool, msg string) {
	if cond {
		c.inst.alarms.Raise(c.Tick, name, sev, msg)
	} else {
		c.inst.alarms.Clear(c.Tick, name)
	}
}

// Log exposes the instance logger to controllers.
func (c *Context) Log() logging.Logger { return c.inst.log }
