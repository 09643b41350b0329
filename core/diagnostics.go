package core

import "errors"

// ErrDivergenceFatal is returned by Advance when the solver has failed to
// converge for more consecutive ticks than the configured limit. The
// scheduler treats it as fatal to the run.
var ErrDivergenceFatal = errors.New("solver divergence persisted beyond limit")

// ClampKind names the reason an actuator input was clamped.
type ClampKind string

const (
	ClampRatioLow   ClampKind = "ratio-below-min"
	ClampRatioHigh  ClampKind = "ratio-above-max"
	ClampOpenRange  ClampKind = "open-fraction-range"
	ClampOpenClosed ClampKind = "open-below-threshold"
)

// Clamp records one out-of-range actuator input that the engine coerced into
// the component's envelope instead of failing.
type Clamp struct {
	EdgeID    string
	Kind      ClampKind
	Requested float64
	Applied   float64
}

// Diagnostics summarises one Advance call. Divergence is reported, not
// fatal, until it persists; see ErrDivergenceFatal.
type Diagnostics struct {
	Converged  bool
	Iterations int
	// Residual is the final infinity norm of the nodal mass-balance
	// residual, kg/s.
	Residual float64
	Clamps   []Clamp
	// Divergence is true when this tick failed to converge and the state
	// was rolled back to the last stable one.
	Divergence bool
	// ConsecutiveDivergence counts back-to-back divergent ticks.
	ConsecutiveDivergence int
}
