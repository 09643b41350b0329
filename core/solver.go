package core

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/fluxline/pipetwin/model"
)

// smoothingEps is the squared-pressure difference (bar^2) below which the
// Weymouth flow law is linearised to keep the Jacobian finite near zero flow.
const smoothingEps = 0.01

// maxNewtonStep bounds the per-iteration pressure update (bar) so a bad
// early Jacobian cannot throw the iterate far outside the physical range.
const maxNewtonStep = 10.0

// solveResult reports the outcome of one implicit step.
type solveResult struct {
	converged  bool
	iterations int
	residual   float64
}

// solver performs one backward-Euler step of the nodal pressure system
//
//	C_i * (p_i - p_i^prev) / dt = inflow_i(p) - demand_i(p) - leak_i
//
// using damped Newton iteration. Source nodes are fixed-pressure boundaries
// and excluded from the unknown vector. The linear step is solved with a
// dense LU factorisation; pipeline networks in this simulator are far too
// small for sparsity to matter.
type solver struct {
	net *Network

	tolerance   float64
	maxIter     int
	minPressure float64

	free    []int // node index per unknown
	unknown []int // unknown index per node, -1 for boundary nodes

	pPrev []float64
	leak  []float64 // per-node leak withdrawal, kg/s

	// nodeResidual holds the final mass-balance residual per node from the
	// last step, kg/s. Zero for boundary nodes.
	nodeResidual []float64
}

func newSolver(net *Network, tolerance float64, maxIter int, minPressure float64) *solver {
	s := &solver{
		net:          net,
		tolerance:    tolerance,
		maxIter:      maxIter,
		minPressure:  minPressure,
		unknown:      make([]int, net.NumNodes()),
		pPrev:        make([]float64, net.NumNodes()),
		leak:         make([]float64, net.NumNodes()),
		nodeResidual: make([]float64, net.NumNodes()),
	}
	for i := range s.unknown {
		if net.NodeKinds[i] == model.NodeSource {
			s.unknown[i] = -1
			continue
		}
		s.unknown[i] = len(s.free)
		s.free = append(s.free, i)
	}
	return s
}

// step advances nodal pressures by dt seconds. On success the network's
// Pressure, Flow and NetFlow slices reflect the new state; on failure the
// caller is responsible for rolling the state back.
func (s *solver) step(dtSec float64) solveResult {
	net := s.net
	copy(s.pPrev, net.Pressure)

	// Edge leaks withdraw mass mid-pipe; attribute half to each endpoint.
	for i := range s.leak {
		s.leak[i] = 0
	}
	for j, rate := range net.LeakRate {
		if rate > 0 {
			s.leak[net.EdgeFrom[j]] += rate / 2
			s.leak[net.EdgeTo[j]] += rate / 2
		}
	}

	// Hold source nodes at their boundary pressure for the whole step.
	for i, kind := range net.NodeKinds {
		if kind == model.NodeSource {
			net.Pressure[i] = net.Boundary[i]
		}
	}

	n := len(s.free)
	if n == 0 {
		s.updateFlows()
		return solveResult{converged: true}
	}

	jac := mat.NewDense(n, n, nil)
	f := mat.NewVecDense(n, nil)
	step := mat.NewVecDense(n, nil)

	var res solveResult
	for iter := 0; iter < s.maxIter; iter++ {
		res.iterations = iter + 1

		norm := s.residual(dtSec, f, jac)
		res.residual = norm
		if norm <= s.tolerance {
			res.converged = true
			break
		}

		var lu mat.LU
		lu.Factorize(jac)
		if err := lu.SolveVecTo(step, false, f); err != nil {
			// Singular Jacobian: an isolated island with no boundary
			// pressure. Report divergence rather than guessing.
			return res
		}

		for k, i := range s.free {
			delta := clampFloat(-step.AtVec(k), -maxNewtonStep, maxNewtonStep)
			p := net.Pressure[i] + delta
			if p < s.minPressure {
				p = s.minPressure
			}
			net.Pressure[i] = p
		}
	}

	if res.converged {
		s.updateFlows()
	}
	return res
}

// residual fills f with the nodal mass-balance residual and jac with its
// derivative with respect to the free pressures, returning the infinity norm
// of f.
func (s *solver) residual(dtSec float64, f *mat.VecDense, jac *mat.Dense) float64 {
	net := s.net
	jac.Zero()

	norm := 0.0
	for k, i := range s.free {
		cap := net.Capacitance[i] / dtSec

		demand, dDemand := s.effectiveDemand(i)

		fi := cap*(net.Pressure[i]-s.pPrev[i]) + demand + s.leak[i]
		jac.Set(k, k, cap+dDemand)

		for _, j := range net.incident[i] {
			q, dqU, dqV := edgeFlowDerivs(net, j)
			u, v := net.EdgeFrom[j], net.EdgeTo[j]
			if i == v {
				// Inflow into i.
				fi -= q
				if ku := s.unknown[u]; ku >= 0 {
					jac.Set(k, ku, jac.At(k, ku)-dqU)
				}
				jac.Set(k, k, jac.At(k, k)-dqV)
			} else {
				// Outflow from i.
				fi += q
				jac.Set(k, k, jac.At(k, k)+dqU)
				if kv := s.unknown[v]; kv >= 0 {
					jac.Set(k, kv, jac.At(k, kv)+dqV)
				}
			}
		}

		f.SetVec(k, fi)
		s.nodeResidual[i] = fi
		if a := math.Abs(fi); a > norm {
			norm = a
		}
	}
	return norm
}

// effectiveDemand curtails a sink's fixed offtake when its pressure falls
// below the minimum deliverable pressure, so that starving a branch (for
// example by closing its feed valve) stays solvable instead of driving the
// system divergent.
func (s *solver) effectiveDemand(i int) (demand, derivative float64) {
	d := s.net.Demand[i]
	if d == 0 {
		return 0, 0
	}
	p := s.net.Pressure[i]
	pMin := s.minPressure * 2
	if p >= pMin {
		return d, 0
	}
	return d * p / pMin, d / pMin
}

// edgeFlowDerivs evaluates the edge flow law and its derivatives with
// respect to the endpoint pressures:
//
//	q = C * g * phi((r*pu)^2 - pd^2)
//
// where g is the valve open fraction, r the compressor ratio, and phi the
// signed square root with linear smoothing near zero. A stopped compressor
// holds its check valve shut; compressors never flow in reverse.
func edgeFlowDerivs(net *Network, j int) (q, dqU, dqV float64) {
	if net.EdgeClosed(j) {
		return 0, 0, 0
	}

	u, v := net.EdgeFrom[j], net.EdgeTo[j]
	pu, pd := net.Pressure[u], net.Pressure[v]

	gain := 1.0
	ratio := 1.0
	switch net.EdgeKinds[j] {
	case model.EdgeValve:
		gain = net.Open[j]
	case model.EdgeCompressor:
		ratio = net.Ratio[j]
	}

	d := (ratio*pu)*(ratio*pu) - pd*pd
	if net.EdgeKinds[j] == model.EdgeCompressor && d < 0 {
		return 0, 0, 0
	}

	c := net.Conductance[j] * gain
	phi, dphi := smoothedRoot(d)
	q = c * phi
	dqU = c * dphi * 2 * ratio * ratio * pu
	dqV = c * dphi * -2 * pd
	return q, dqU, dqV
}

// smoothedRoot is sign(d)*sqrt(|d|) with a linear segment in [-eps, eps].
func smoothedRoot(d float64) (value, derivative float64) {
	if math.Abs(d) < smoothingEps {
		inv := 1 / math.Sqrt(smoothingEps)
		return d * inv, inv
	}
	root := math.Sqrt(math.Abs(d))
	value = math.Copysign(root, d)
	return value, 1 / (2 * root)
}

// updateFlows recomputes edge flows and nodal net inflow from the converged
// pressure field.
func (s *solver) updateFlows() {
	net := s.net
	for i := range net.NetFlow {
		net.NetFlow[i] = 0
	}
	for j := range net.EdgeIDs {
		q, _, _ := edgeFlowDerivs(net, j)
		net.Flow[j] = q
		net.NetFlow[net.EdgeFrom[j]] -= q
		net.NetFlow[net.EdgeTo[j]] += q
	}
}
