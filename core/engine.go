package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fluxline/pipetwin/internal/logging"
	"github.com/fluxline/pipetwin/model"
)

// Config tunes the physics engine. DefaultConfig documents the concrete
// bounds chosen for convergence failure handling: a tick that does not reach
// Tolerance within MaxIterations degrades to the last stable state, and
// DivergenceFatalAfter consecutive degraded ticks escalate to a fatal fault.
type Config struct {
	// Tolerance is the convergence bound on the nodal mass-balance
	// residual, kg/s.
	Tolerance float64
	// MaxIterations is the Newton iteration budget per tick.
	MaxIterations int
	// DivergenceFatalAfter is the number of consecutive divergent ticks
	// after which Advance returns ErrDivergenceFatal.
	DivergenceFatalAfter int
	// LinepackCoeff converts pipe volume to pressure capacitance,
	// kg/(m^3 * bar).
	LinepackCoeff float64
	// MinPressure is the floor applied to nodal pressures during the
	// solve, bar.
	MinPressure float64
	// AmbientTemp is the far-field gas temperature, Celsius.
	AmbientTemp float64
	// TemperatureRelax is the per-second relaxation rate toward ambient.
	TemperatureRelax float64
	// CompressorHeating is the discharge heating rate per unit of excess
	// pressure ratio, Celsius per second.
	CompressorHeating float64
}

// DefaultConfig returns the engine tuning used by the stock simulator.
func DefaultConfig() Config {
	return Config{
		Tolerance:            1e-6,
		MaxIterations:        50,
		DivergenceFatalAfter: 10,
		LinepackCoeff:        0.005,
		MinPressure:          2.0,
		AmbientTemp:          20.0,
		TemperatureRelax:     0.05,
		CompressorHeating:    2.0,
	}
}

// Engine advances the gas network state one fixed tick at a time. It is not
// safe for concurrent use; the scheduler serialises access. The only
// cross-thread entry point is SetEdgeLeak, which stages leaks applied at the
// start of the next Advance.
type Engine struct {
	cfg Config
	net *Network
	log logging.Logger

	lastStable *Network
	solv       *solver

	divergeStreak int

	leakMu       sync.Mutex
	pendingLeaks map[int]float64
}

// NewEngine wraps a built network in an engine.
func NewEngine(net *Network, cfg Config, log logging.Logger) *Engine {
	if log == nil {
		log = logging.Noop()
	}
	return &Engine{
		cfg:          cfg,
		net:          net,
		log:          log,
		lastStable:   net.Clone(),
		solv:         newSolver(net, cfg.Tolerance, cfg.MaxIterations, cfg.MinPressure),
		pendingLeaks: make(map[int]float64),
	}
}

// Network exposes the live state for sensor sampling and snapshotting.
// Callers must only touch it between Advance calls.
func (e *Engine) Network() *Network { return e.net }

// SetEdgeLeak stages a leak withdrawal (kg/s) on the named edge, applied at
// the next tick. A rate of zero removes the leak. Safe to call from the
// fault-injection interface while the simulation is running.
func (e *Engine) SetEdgeLeak(edgeID string, rate float64) error {
	j, ok := e.net.EdgeIndex(edgeID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEdge, edgeID)
	}
	if rate < 0 {
		rate = 0
	}
	e.leakMu.Lock()
	e.pendingLeaks[j] = rate
	e.leakMu.Unlock()
	return nil
}

// Advance performs one implicit step of duration dt with the given actuator
// inputs. Out-of-range setpoints are clamped and reported in Diagnostics,
// never rejected. A non-convergent step rolls back to the last stable state;
// persistent divergence returns ErrDivergenceFatal.
func (e *Engine) Advance(dt time.Duration, in ActuatorInputs) (Diagnostics, error) {
	dtSec := dt.Seconds()

	e.leakMu.Lock()
	for j, rate := range e.pendingLeaks {
		e.net.LeakRate[j] = rate
	}
	clear(e.pendingLeaks)
	e.leakMu.Unlock()

	diag := Diagnostics{}
	diag.Clamps = applyActuators(e.net, in, dtSec)

	res := e.solv.step(dtSec)
	diag.Converged = res.converged
	diag.Iterations = res.iterations
	diag.Residual = res.residual

	if !res.converged {
		e.net.restoreFrom(e.lastStable)
		e.divergeStreak++
		diag.Divergence = true
		diag.ConsecutiveDivergence = e.divergeStreak
		e.log.Warn(context.Background(), "solver divergence, state degraded to last stable tick",
			logging.Int("iterations", res.iterations),
			logging.Float("residual", res.residual),
			logging.Int("streak", e.divergeStreak))
		if e.divergeStreak >= e.cfg.DivergenceFatalAfter {
			return diag, fmt.Errorf("%w: %d consecutive ticks", ErrDivergenceFatal, e.divergeStreak)
		}
		return diag, nil
	}

	e.divergeStreak = 0
	e.updateTemperatures(dtSec)
	e.lastStable.restoreFrom(e.net)
	return diag, nil
}

// updateTemperatures relaxes node temperatures toward ambient and applies
// compression heating at the discharge of running compressors. The thermal
// model is deliberately first order; the controllers only need credible
// trends, not a rigorous energy balance.
func (e *Engine) updateTemperatures(dtSec float64) {
	for i := range e.net.Temperature {
		e.net.Temperature[i] += dtSec * e.cfg.TemperatureRelax * (e.cfg.AmbientTemp - e.net.Temperature[i])
	}
	for j, kind := range e.net.EdgeKinds {
		if kind != model.EdgeCompressor || !e.net.Running[j] || e.net.Flow[j] <= 0 {
			continue
		}
		heat := e.cfg.CompressorHeating * (e.net.Ratio[j] - 1)
		e.net.Temperature[e.net.EdgeTo[j]] += dtSec * heat
	}
}

// MassBalanceResidual returns the converged mass-balance residual (kg/s) at
// a node after the last Advance: net inflow minus offtake, leaks and
// linepack accumulation. For every junction this must sit below the solver
// tolerance at tick end; invariant tests assert exactly that. Boundary
// (source) nodes report zero.
func (e *Engine) MassBalanceResidual(node int) float64 {
	if node < 0 || node >= len(e.solv.nodeResidual) {
		return 0
	}
	return e.solv.nodeResidual[node]
}
