// Package sched drives the simulation: one goroutine advances physics,
// refreshes sensors, runs controller scans and publishes a snapshot, in
// that order, once per tick. The ordering is the system's consistency
// guarantee: every scan observes sensor data derived from the same physics
// tick, and every published snapshot is a complete tick, never a partial
// one.
package sched

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxline/pipetwin/core"
	"github.com/fluxline/pipetwin/internal/iomap"
	"github.com/fluxline/pipetwin/internal/logging"
	"github.com/fluxline/pipetwin/internal/observability"
	"github.com/fluxline/pipetwin/internal/plc"
	"github.com/fluxline/pipetwin/internal/scada"
	"github.com/fluxline/pipetwin/internal/sensors"
	"github.com/fluxline/pipetwin/model"
	"github.com/fluxline/pipetwin/registers"
	"github.com/fluxline/pipetwin/timectrl"
)

// Config tunes the loop. Zero values take the defaults.
type Config struct {
	// SensorEvery refreshes sensors every N ticks.
	SensorEvery int
	// OverrunFaultAfter faults a controller after this many consecutive
	// period overruns.
	OverrunFaultAfter int
}

func (c *Config) applyDefaults() {
	if c.SensorEvery < 1 {
		c.SensorEvery = 1
	}
	if c.OverrunFaultAfter < 1 {
		c.OverrunFaultAfter = 3
	}
}

type valveActuator struct {
	edgeID string
	cmd    iomap.Point
}

type compressorActuator struct {
	edgeID string
	ratio  iomap.Point
	run    iomap.Point
	trip   iomap.Point
}

// Scheduler owns the tick loop. All simulation state mutation happens on
// the goroutine running Run; the supervisory layer touches the system only
// through the SCADA paths.
type Scheduler struct {
	cfg    Config
	clock  timectrl.TickSource
	engine *core.Engine
	bank   *sensors.Bank
	file   *registers.File
	reg    *plc.Registry
	store  *scada.Store
	log    logging.Logger
	sim    *observability.SimCollector
	scan   *observability.ScanCollector
	tracer trace.Tracer

	valves      []valveActuator
	compressors []compressorActuator
	esdLatch    iomap.Point

	overruns map[string]int
}

// New wires a scheduler. The metrics collectors may be nil.
func New(
	cfg Config,
	clock timectrl.TickSource,
	engine *core.Engine,
	bank *sensors.Bank,
	file *registers.File,
	m *iomap.Map,
	reg *plc.Registry,
	store *scada.Store,
	log logging.Logger,
	sim *observability.SimCollector,
	scan *observability.ScanCollector,
) (*Scheduler, error) {
	cfg.applyDefaults()
	if log == nil {
		log = logging.Noop()
	}

	s := &Scheduler{
		cfg:      cfg,
		clock:    clock,
		engine:   engine,
		bank:     bank,
		file:     file,
		reg:      reg,
		store:    store,
		log:      logging.Component(log, "sched"),
		sim:      sim,
		scan:     scan,
		tracer:   otel.Tracer("pipetwin/sched"),
		esdLatch: m.MustLookup(iomap.CoilESDLatched),
		overruns: make(map[string]int),
	}

	net := engine.Network()
	for j := range net.EdgeIDs {
		switch net.EdgeKinds[j] {
		case model.EdgeValve:
			s.valves = append(s.valves, valveActuator{
				edgeID: net.EdgeIDs[j],
				cmd:    m.MustLookup(iomap.OpenCommandOf(net.EdgeIDs[j])),
			})
		case model.EdgeCompressor:
			s.compressors = append(s.compressors, compressorActuator{
				edgeID: net.EdgeIDs[j],
				ratio:  m.MustLookup(iomap.RatioCommandOf(net.EdgeIDs[j])),
				run:    m.MustLookup(iomap.RunCommandOf(net.EdgeIDs[j])),
				trip:   m.MustLookup(iomap.TripRelayOf(net.EdgeIDs[j])),
			})
		}
	}

	if err := s.primeOutputs(); err != nil {
		return nil, err
	}
	return s, nil
}

// primeOutputs seeds the output registers with the physics initial state so
// the first tick, which runs before any controller has scanned, does not
// command every actuator to zero.
func (s *Scheduler) primeOutputs() error {
	net := s.engine.Network()
	for _, v := range s.valves {
		j, _ := net.EdgeIndex(v.edgeID)
		if err := s.file.WriteAnalog(v.cmd.Class, v.cmd.Addr, net.Open[j]); err != nil {
			return fmt.Errorf("prime %s: %w", v.cmd.Name, err)
		}
	}
	for _, c := range s.compressors {
		j, _ := net.EdgeIndex(c.edgeID)
		if err := s.file.WriteAnalog(c.ratio.Class, c.ratio.Addr, net.Ratio[j]); err != nil {
			return fmt.Errorf("prime %s: %w", c.ratio.Name, err)
		}
		if err := s.file.WriteBit(c.run.Class, c.run.Addr, net.Running[j]); err != nil {
			return fmt.Errorf("prime %s: %w", c.run.Name, err)
		}
	}
	s.file.Commit()
	s.sim.IncCommits()
	return nil
}

// Run drives ticks until the context ends or a fatal fault surfaces.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		now, err := s.clock.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := s.Step(now); err != nil {
			s.log.Error(ctx, "fatal fault, stopping run", logging.Err(err))
			return err
		}
	}
}

// Step executes one complete tick at the given simulation time.
func (s *Scheduler) Step(now time.Time) error {
	tick := s.clock.Tick()
	start := time.Now()

	ctx, span := s.tracer.Start(context.Background(), "tick",
		trace.WithAttributes(attribute.Int64("tick", int64(tick))))
	defer span.End()

	in := s.assembleActuators()
	diag, err := s.engine.Advance(s.clock.Period(), in)
	if err != nil {
		return fmt.Errorf("tick %d: %w", tick, err)
	}
	if diag.Divergence {
		s.log.Warn(ctx, "tick degraded to last stable state",
			logging.Uint64("tick", tick),
			logging.Int("streak", diag.ConsecutiveDivergence))
	}

	// Ticks start at 1; refreshing on 1, 1+N, ... means the first scans
	// never see an empty input image.
	if (tick-1)%uint64(s.cfg.SensorEvery) == 0 {
		if err := s.bank.Refresh(s.engine.Network(), s.file); err != nil {
			// A sensor-side register failure breaks the input ownership
			// invariant; no partial-consistency continuation.
			return fmt.Errorf("tick %d sensor refresh: %w", tick, err)
		}
	}
	s.file.Commit()
	s.sim.IncCommits()

	s.runScans(tick)
	s.file.Commit()
	s.sim.IncCommits()

	elapsed := time.Since(start)
	overrun := elapsed > s.clock.Period()
	if overrun {
		s.sim.IncTickOverrun()
		s.log.Warn(ctx, "tick overran its period",
			logging.Uint64("tick", tick),
			logging.Duration("took", elapsed),
			logging.Duration("period", s.clock.Period()))
	}
	s.publish(tick, now, diag, overrun)

	s.sim.ObserveTick(tick, time.Since(start), diag.Iterations, diag.Divergence)
	return nil
}

// assembleActuators turns committed output registers into physics actuator
// inputs. The ESD latch and unit trip relays override whatever the
// controllers or an operator commanded on the same tick: valves drive to
// their fail-safe closed position and compressor units stop.
func (s *Scheduler) assembleActuators() core.ActuatorInputs {
	esd, _ := s.file.ReadBit(s.esdLatch.Class, s.esdLatch.Addr)

	in := core.ActuatorInputs{
		ValveOpen:       make(map[string]float64, len(s.valves)),
		CompressorRatio: make(map[string]float64, len(s.compressors)),
		CompressorRun:   make(map[string]bool, len(s.compressors)),
	}
	for _, v := range s.valves {
		open, _ := s.file.ReadAnalog(v.cmd.Class, v.cmd.Addr)
		if esd {
			open = 0
		}
		in.ValveOpen[v.edgeID] = open
	}
	for _, c := range s.compressors {
		ratio, _ := s.file.ReadAnalog(c.ratio.Class, c.ratio.Addr)
		run, _ := s.file.ReadBit(c.run.Class, c.run.Addr)
		tripped, _ := s.file.ReadBit(c.trip.Class, c.trip.Addr)
		if esd || tripped {
			run = false
		}
		in.CompressorRatio[c.edgeID] = ratio
		in.CompressorRun[c.edgeID] = run
	}
	return in
}

// runScans executes every due controller in deterministic registry order
// and applies the overrun escalation policy.
func (s *Scheduler) runScans(tick uint64) {
	dt := s.clock.Period().Seconds()
	for _, inst := range s.reg.Instances() {
		if !inst.Due(tick) || inst.Mode() != plc.ModeRunning {
			s.scan.SetFaulted(inst.ID(), inst.Mode() == plc.ModeFaulted)
			continue
		}

		began := time.Now()
		inst.Scan(tick, dt, s.file)
		took := time.Since(began)
		s.scan.ObserveScan(inst.ID(), took)

		period := s.clock.Period() * time.Duration(inst.Spec().Every)
		if took > period {
			s.overruns[inst.ID()]++
			s.scan.IncOverrun(inst.ID())
			s.log.Warn(context.Background(), "scan overran its period",
				logging.String("plc", inst.ID()),
				logging.Duration("took", took),
				logging.Int("consecutive", s.overruns[inst.ID()]))
			if s.overruns[inst.ID()] >= s.cfg.OverrunFaultAfter {
				inst.ForceFault("plc-scan-overrun")
			}
		} else {
			s.overruns[inst.ID()] = 0
		}
		s.scan.SetFaulted(inst.ID(), inst.Mode() == plc.ModeFaulted)
	}
}

// publish assembles and stores the immutable tick snapshot.
func (s *Scheduler) publish(tick uint64, now time.Time, diag core.Diagnostics, overrun bool) {
	net := s.engine.Network()

	snap := &scada.Snapshot{
		Tick:        tick,
		Time:        now,
		Registers:   s.file.SnapshotRegisters(),
		Diagnostics: diag,
		TickOverrun: overrun,
	}
	for i := range net.NodeIDs {
		snap.Nodes = append(snap.Nodes, scada.NodeState{
			ID:          net.NodeIDs[i],
			Kind:        string(net.NodeKinds[i]),
			Pressure:    net.Pressure[i],
			Temperature: net.Temperature[i],
			NetFlow:     net.NetFlow[i],
		})
	}
	for j := range net.EdgeIDs {
		snap.Edges = append(snap.Edges, scada.EdgeState{
			ID:     net.EdgeIDs[j],
			Kind:   string(net.EdgeKinds[j]),
			Flow:   net.Flow[j],
			Open:   net.Open[j],
			Closed: net.EdgeClosed(j),
			Ratio:  net.Ratio[j],
			Run:    net.Running[j],
		})
	}

	activeAlarms := 0
	for _, inst := range s.reg.Instances() {
		alarms := inst.Alarms().Active()
		activeAlarms += len(alarms)
		snap.PLCs = append(snap.PLCs, scada.PLCStatus{
			ID:          inst.ID(),
			Mode:        inst.Mode().String(),
			State:       inst.State().String(),
			FaultReason: inst.FaultReason(),
			Unacked:     inst.Alarms().Unacked(),
			Alarms:      alarms,
		})
	}
	s.sim.SetActiveAlarms(activeAlarms)

	s.store.Publish(snap)
}

// File exposes the register file for the fault-injection interface.
func (s *Scheduler) File() *registers.File { return s.file }
