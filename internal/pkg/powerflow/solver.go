/*
solver.go is the numeric core: a polar Newton-Raphson power-flow solve over
the energized subnetwork. The external grid bus is the slack reference; all
other buses are PQ. Linear steps go through gonum; the method itself is an
implementation detail behind Model.Solve.
*/

package powerflow

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// solution holds the converged per-unit state, indexed by topology bus
// order. De-energized buses stay at zero.
type solution struct {
	vm         []float64
	va         []float64
	slackP     float64
	iterations int
}

func (m *Model) newtonRaphson(inService, energized []bool, loadP, loadQ, genP []float64) (*solution, error) {
	n := len(m.topo.Buses)

	// Compact the energized buses into solver indices.
	solverIdx := make([]int, n)
	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if energized[i] {
			solverIdx[i] = len(order)
			order = append(order, i)
		} else {
			solverIdx[i] = -1
		}
	}
	ne := len(order)
	slack := solverIdx[m.slack]

	g, b := m.admittance(inService, energized, solverIdx, ne)
	pSpec, qSpec := m.injections(energized, solverIdx, ne, loadP, loadQ, genP)

	// Flat start.
	vm := make([]float64, ne)
	va := make([]float64, ne)
	for i := range vm {
		vm[i] = 1.0
	}
	vm[slack] = m.topo.ExtGrid.VmPu

	// PQ buses are every energized bus except the slack.
	pq := make([]int, 0, ne-1)
	for i := 0; i < ne; i++ {
		if i != slack {
			pq = append(pq, i)
		}
	}
	npq := len(pq)

	iterations := 0
	for iterations < m.maxIterations {
		pCalc, qCalc := calcInjections(g, b, vm, va)

		worst := 0.0
		f := make([]float64, 2*npq)
		for k, i := range pq {
			f[k] = pSpec[i] - pCalc[i]
			f[npq+k] = qSpec[i] - qCalc[i]
			worst = math.Max(worst, math.Abs(f[k]))
			worst = math.Max(worst, math.Abs(f[npq+k]))
		}

		if worst < m.tolerance {
			return m.expand(solverIdx, vm, va, pCalc[slack], iterations), nil
		}

		iterations++
		if npq == 0 {
			continue
		}

		jac := jacobian(g, b, vm, va, pCalc, qCalc, pq)
		rhs := mat.NewVecDense(2*npq, f)
		var dx mat.VecDense
		if err := dx.SolveVec(jac, rhs); err != nil {
			return nil, &DivergenceError{Iterations: iterations}
		}

		for k, i := range pq {
			va[i] += dx.AtVec(k)
			vm[i] += dx.AtVec(npq + k)
			if vm[i] <= 0 || math.IsNaN(vm[i]) || math.IsInf(vm[i], 0) ||
				math.IsNaN(va[i]) || math.IsInf(va[i], 0) {
				return nil, &DivergenceError{Iterations: iterations}
			}
		}
	}

	return nil, &DivergenceError{Iterations: m.maxIterations}
}

// admittance builds the real and imaginary parts of the bus admittance
// matrix over the energized, in-service network.
func (m *Model) admittance(inService, energized []bool, solverIdx []int, ne int) ([][]float64, [][]float64) {
	g := newSquare(ne)
	b := newSquare(ne)

	for i, br := range m.topo.Branches {
		if !inService[i] {
			continue
		}
		from := m.busIndex[br.FromBus]
		to := m.busIndex[br.ToBus]
		if !energized[from] || !energized[to] {
			continue
		}
		f := solverIdx[from]
		t := solverIdx[to]

		y := 1 / complex(br.RPu, br.XPu)
		yg, yb := real(y), imag(y)

		g[f][f] += yg
		b[f][f] += yb
		g[t][t] += yg
		b[t][t] += yb
		g[f][t] -= yg
		b[f][t] -= yb
		g[t][f] -= yg
		b[t][f] -= yb
	}
	return g, b
}

// injections builds the specified per-unit injections (generation minus
// load) at each energized bus.
func (m *Model) injections(energized []bool, solverIdx []int, ne int, loadP, loadQ, genP []float64) ([]float64, []float64) {
	p := make([]float64, ne)
	q := make([]float64, ne)
	base := m.topo.BaseMva

	for i, load := range m.topo.Loads {
		bus := m.busIndex[load.Bus]
		if energized[bus] {
			p[solverIdx[bus]] -= loadP[i] / base
			q[solverIdx[bus]] -= loadQ[i] / base
		}
	}
	for i, gen := range m.topo.Generators {
		bus := m.busIndex[gen.Bus]
		if energized[bus] {
			p[solverIdx[bus]] += genP[i] / base
		}
	}
	return p, q
}

// calcInjections evaluates the power-flow equations at the current state.
func calcInjections(g, b [][]float64, vm, va []float64) ([]float64, []float64) {
	n := len(vm)
	p := make([]float64, n)
	q := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if g[i][j] == 0 && b[i][j] == 0 {
				continue
			}
			theta := va[i] - va[j]
			cos, sin := math.Cos(theta), math.Sin(theta)
			p[i] += vm[i] * vm[j] * (g[i][j]*cos + b[i][j]*sin)
			q[i] += vm[i] * vm[j] * (g[i][j]*sin - b[i][j]*cos)
		}
	}
	return p, q
}

// jacobian assembles the full Newton-Raphson Jacobian in the standard
// [[dP/dθ dP/dV] [dQ/dθ dQ/dV]] block layout over the PQ buses.
func jacobian(g, b [][]float64, vm, va, pCalc, qCalc []float64, pq []int) *mat.Dense {
	npq := len(pq)
	jac := mat.NewDense(2*npq, 2*npq, nil)

	for r, i := range pq {
		for c, j := range pq {
			if i == j {
				jac.Set(r, c, -qCalc[i]-b[i][i]*vm[i]*vm[i])
				jac.Set(r, npq+c, pCalc[i]/vm[i]+g[i][i]*vm[i])
				jac.Set(npq+r, c, pCalc[i]-g[i][i]*vm[i]*vm[i])
				jac.Set(npq+r, npq+c, qCalc[i]/vm[i]-b[i][i]*vm[i])
				continue
			}
			theta := va[i] - va[j]
			cos, sin := math.Cos(theta), math.Sin(theta)
			jac.Set(r, c, vm[i]*vm[j]*(g[i][j]*sin-b[i][j]*cos))
			jac.Set(r, npq+c, vm[i]*(g[i][j]*cos+b[i][j]*sin))
			jac.Set(npq+r, c, -vm[i]*vm[j]*(g[i][j]*cos+b[i][j]*sin))
			jac.Set(npq+r, npq+c, vm[i]*(g[i][j]*sin-b[i][j]*cos))
		}
	}
	return jac
}

// expand maps the compact solver state back onto full topology bus order.
func (m *Model) expand(solverIdx []int, vm, va []float64, slackP float64, iterations int) *solution {
	n := len(m.topo.Buses)
	fullVm := make([]float64, n)
	fullVa := make([]float64, n)
	for i := 0; i < n; i++ {
		if solverIdx[i] >= 0 {
			fullVm[i] = vm[solverIdx[i]]
			fullVa[i] = va[solverIdx[i]]
		}
	}
	return &solution{vm: fullVm, va: fullVa, slackP: slackP, iterations: iterations}
}

func newSquare(n int) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	return m
}
