package core

import "github.com/fluxline/pipetwin/model"

// ActuatorInputs carries the setpoints the control layer hands to the
// physics engine for one tick. Maps are keyed by edge ID; absent entries
// leave the previous setpoint in place.
type ActuatorInputs struct {
	// ValveOpen is the commanded open fraction in [0, 1].
	ValveOpen map[string]float64
	// CompressorRatio is the commanded pressure ratio.
	CompressorRatio map[string]float64
	// CompressorRun starts or stops a compressor unit. A stopped unit
	// passes no flow (its check valve holds).
	CompressorRun map[string]bool
}

// applyActuators folds the inputs into the network state, clamping anything
// outside the component envelope and recording a diagnostic for each clamp.
// Valve positions then advance toward their targets at the travel rate.
func applyActuators(n *Network, in ActuatorInputs, dtSec float64) []Clamp {
	var clamps []Clamp

	for id, open := range in.ValveOpen {
		j, ok := n.EdgeIndex(id)
		if !ok || n.EdgeKinds[j] != model.EdgeValve {
			continue
		}
		applied := open
		if applied < 0 || applied > 1 {
			applied = clampFloat(applied, 0, 1)
			clamps = append(clamps, Clamp{EdgeID: id, Kind: ClampOpenRange, Requested: open, Applied: applied})
		}
		// Commands below the minimum open fraction mean "close": the valve
		// must report closed, not a near-zero opening.
		if applied > 0 && applied < n.MinOpen[j] {
			clamps = append(clamps, Clamp{EdgeID: id, Kind: ClampOpenClosed, Requested: open, Applied: 0})
			applied = 0
		}
		n.OpenTarget[j] = applied
	}

	for id, ratio := range in.CompressorRatio {
		j, ok := n.EdgeIndex(id)
		if !ok || n.EdgeKinds[j] != model.EdgeCompressor {
			continue
		}
		applied := ratio
		if applied < n.MinRatio[j] {
			applied = n.MinRatio[j]
			clamps = append(clamps, Clamp{EdgeID: id, Kind: ClampRatioLow, Requested: ratio, Applied: applied})
		} else if applied > n.MaxRatio[j] {
			applied = n.MaxRatio[j]
			clamps = append(clamps, Clamp{EdgeID: id, Kind: ClampRatioHigh, Requested: ratio, Applied: applied})
		}
		n.Ratio[j] = applied
	}

	for id, run := range in.CompressorRun {
		j, ok := n.EdgeIndex(id)
		if !ok || n.EdgeKinds[j] != model.EdgeCompressor {
			continue
		}
		n.Running[j] = run
	}

	// Valve travel. The stroke is rate limited; a full 0->1 stroke takes
	// 1/TravelRate seconds.
	for j := range n.Open {
		if n.EdgeKinds[j] != model.EdgeValve {
			continue
		}
		maxStep := n.TravelRate[j] * dtSec
		delta := n.OpenTarget[j] - n.Open[j]
		if delta > maxStep {
			delta = maxStep
		} else if delta < -maxStep {
			delta = -maxStep
		}
		n.Open[j] += delta
		if n.Open[j] < n.MinOpen[j] && n.OpenTarget[j] < n.MinOpen[j] {
			n.Open[j] = 0
		}
	}

	return clamps
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
