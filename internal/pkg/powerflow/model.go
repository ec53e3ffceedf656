/*
model.go exposes the power-flow solve. Given the breaker position and the
per-class load and generation figures for one cycle, the model excludes any
breaker-controlled branches from the network graph, de-energizes islands cut
off from the external grid, and runs a Newton-Raphson solve over what
remains. A solve either converges to a fully finite result set or reports
divergence; partial results are never returned.
*/

package powerflow

import (
	"fmt"
	"math"
)

// SolveInput is the per-cycle model input, constructed fresh each cycle and
// consumed once.
type SolveInput struct {
	BreakerClosed  bool
	PerClassLoadMw map[CustomerClass]float64
	GenerationMw   float64
	ImportMw       float64
}

// DivergenceError reports a solve that failed to converge within the
// iteration limit.
type DivergenceError struct {
	Iterations int
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("powerflow: no convergence after %d iterations", e.Iterations)
}

// BusResult is the solved state of one bus.
type BusResult struct {
	ID        string  `json:"ID"`
	VnKv      float64 `json:"VnKv"`
	VmPu      float64 `json:"VmPu"`
	VaDeg     float64 `json:"VaDeg"`
	VoltageKv float64 `json:"VoltageKv"`
	Energized bool    `json:"Energized"`
}

// LineResult is the solved flow on one branch, measured at the from side.
type LineResult struct {
	ID             string  `json:"ID"`
	FromBus        string  `json:"FromBus"`
	ToBus          string  `json:"ToBus"`
	PFromMw        float64 `json:"PFromMw"`
	QFromMvar      float64 `json:"QFromMvar"`
	LoadingPercent float64 `json:"LoadingPercent"`
	CurrentKa      float64 `json:"CurrentKa"`
	InService      bool    `json:"InService"`
}

// LoadResult is the served power of one load. An islanded load is reported
// unserved, not removed.
type LoadResult struct {
	ID     string  `json:"ID"`
	Bus    string  `json:"Bus"`
	PMw    float64 `json:"PMw"`
	QMvar  float64 `json:"QMvar"`
	Served bool    `json:"Served"`
}

// GenResult is the dispatched output of one generator.
type GenResult struct {
	ID     string  `json:"ID"`
	Bus    string  `json:"Bus"`
	PMw    float64 `json:"PMw"`
	QMvar  float64 `json:"QMvar"`
	Online bool    `json:"Online"`
}

// Aggregate is the system power balance for one solve.
type Aggregate struct {
	TotalLoadMw       float64 `json:"TotalLoadMw"`
	TotalGenerationMw float64 `json:"TotalGenerationMw"`
	GridImportMw      float64 `json:"GridImportMw"`
	LossesMw          float64 `json:"LossesMw"`
}

// SolveResult is the complete converged state for one cycle.
type SolveResult struct {
	Converged  bool         `json:"Converged"`
	Iterations int          `json:"Iterations"`
	Buses      []BusResult  `json:"Buses"`
	Lines      []LineResult `json:"Lines"`
	Loads      []LoadResult `json:"Loads"`
	Generators []GenResult  `json:"Generators"`
	Aggregate  Aggregate    `json:"Aggregate"`
}

// Model owns the topology and solver settings.
type Model struct {
	topo          Topology
	maxIterations int
	tolerance     float64
	busIndex      map[string]int
	slack         int
}

// NewModel returns a Model over a validated topology.
func NewModel(topo Topology, maxIterations int, tolerance float64) (*Model, error) {
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	if maxIterations < 1 {
		maxIterations = 20
	}
	if tolerance <= 0 {
		tolerance = 1e-6
	}

	busIndex := make(map[string]int, len(topo.Buses))
	for i, bus := range topo.Buses {
		busIndex[bus.ID] = i
	}

	return &Model{
		topo:          topo,
		maxIterations: maxIterations,
		tolerance:     tolerance,
		busIndex:      busIndex,
		slack:         busIndex[topo.ExtGrid.Bus],
	}, nil
}

// Topology returns the static network description.
func (m *Model) Topology() Topology {
	return m.topo
}

// Solve runs one power-flow computation. De-energized buses report 0.0 pu
// with the Energized flag cleared, never NaN; branch flows on dead islands
// are zero. On non-convergence the error is a *DivergenceError and the
// result must be discarded.
func (m *Model) Solve(input SolveInput) (SolveResult, error) {
	inService := m.inServiceBranches(input.BreakerClosed)
	energized := m.energizedBuses(inService)

	loadP, loadQ := m.distributeLoads(input.PerClassLoadMw)
	genP := m.distributeGeneration(input.GenerationMw)

	sol, err := m.newtonRaphson(inService, energized, loadP, loadQ, genP)
	if err != nil {
		return SolveResult{}, err
	}

	result := m.assemble(sol, inService, energized, loadP, loadQ, genP)
	if !finite(result) {
		// A converged state with non-finite outputs is treated the same
		// as divergence; the caller substitutes prior values.
		return SolveResult{}, &DivergenceError{Iterations: sol.iterations}
	}
	return result, nil
}

// inServiceBranches marks every branch in service except breaker-controlled
// branches while the breaker is open.
func (m *Model) inServiceBranches(breakerClosed bool) []bool {
	inService := make([]bool, len(m.topo.Branches))
	for i, br := range m.topo.Branches {
		inService[i] = !br.BreakerControlled || breakerClosed
	}
	return inService
}

// energizedBuses walks the in-service network from the slack bus. Buses not
// reached form dead islands.
func (m *Model) energizedBuses(inService []bool) []bool {
	adjacent := make(map[int][]int, len(m.topo.Buses))
	for i, br := range m.topo.Branches {
		if !inService[i] {
			continue
		}
		from := m.busIndex[br.FromBus]
		to := m.busIndex[br.ToBus]
		adjacent[from] = append(adjacent[from], to)
		adjacent[to] = append(adjacent[to], from)
	}

	energized := make([]bool, len(m.topo.Buses))
	queue := []int{m.slack}
	energized[m.slack] = true
	for len(queue) > 0 {
		bus := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[bus] {
			if !energized[next] {
				energized[next] = true
				queue = append(queue, next)
			}
		}
	}
	return energized
}

// distributeLoads splits the per-class totals across the loads of each
// class pro-rata by configured base. Negative requests clamp to zero.
func (m *Model) distributeLoads(perClass map[CustomerClass]float64) ([]float64, []float64) {
	base := m.topo.BaseLoadMw()
	loadP := make([]float64, len(m.topo.Loads))
	loadQ := make([]float64, len(m.topo.Loads))

	for i, load := range m.topo.Loads {
		classTotal := math.Max(0, perClass[load.Class])
		share := 0.0
		if base[load.Class] > 0 {
			share = load.BaseMw / base[load.Class]
		}
		loadP[i] = classTotal * share
		loadQ[i] = loadP[i] * load.QPRatio
	}
	return loadP, loadQ
}

// distributeGeneration splits the requested generation across generators
// pro-rata by nameplate, clamped to [0, rated].
func (m *Model) distributeGeneration(totalMw float64) []float64 {
	rated := m.topo.RatedGenerationMw()
	genP := make([]float64, len(m.topo.Generators))

	requested := math.Max(0, totalMw)
	for i, gen := range m.topo.Generators {
		share := 0.0
		if rated > 0 {
			share = gen.RatedMw / rated
		}
		genP[i] = math.Min(requested*share, gen.RatedMw)
	}
	return genP
}

// assemble maps the solved per-unit state onto engineering-unit results.
func (m *Model) assemble(sol *solution, inService, energized []bool, loadP, loadQ, genP []float64) SolveResult {
	base := m.topo.BaseMva

	buses := make([]BusResult, len(m.topo.Buses))
	for i, bus := range m.topo.Buses {
		if !energized[i] {
			buses[i] = BusResult{ID: bus.ID, VnKv: bus.VnKv, Energized: false}
			continue
		}
		buses[i] = BusResult{
			ID:        bus.ID,
			VnKv:      bus.VnKv,
			VmPu:      sol.vm[i],
			VaDeg:     sol.va[i] * 180 / math.Pi,
			VoltageKv: sol.vm[i] * bus.VnKv,
			Energized: true,
		}
	}

	lines := make([]LineResult, len(m.topo.Branches))
	for i, br := range m.topo.Branches {
		from := m.busIndex[br.FromBus]
		to := m.busIndex[br.ToBus]
		lines[i] = LineResult{ID: br.ID, FromBus: br.FromBus, ToBus: br.ToBus}
		if !inService[i] || !energized[from] || !energized[to] {
			continue
		}
		lines[i].InService = true

		vf := polar(sol.vm[from], sol.va[from])
		vt := polar(sol.vm[to], sol.va[to])
		y := 1 / complex(br.RPu, br.XPu)
		current := (vf - vt) * y
		s := vf * cmplxConj(current)

		lines[i].PFromMw = real(s) * base
		lines[i].QFromMvar = imag(s) * base
		lines[i].CurrentKa = cmplxAbs(current) * base / (math.Sqrt(3) * m.topo.Buses[from].VnKv)
		if br.RatingMva > 0 {
			lines[i].LoadingPercent = cmplxAbs(s) * base / br.RatingMva * 100
		}
	}

	var totalLoad float64
	loads := make([]LoadResult, len(m.topo.Loads))
	for i, load := range m.topo.Loads {
		served := energized[m.busIndex[load.Bus]]
		loads[i] = LoadResult{ID: load.ID, Bus: load.Bus, Served: served}
		if served {
			loads[i].PMw = loadP[i]
			loads[i].QMvar = loadQ[i]
			totalLoad += loadP[i]
		}
	}

	var totalGen float64
	gens := make([]GenResult, len(m.topo.Generators))
	for i, gen := range m.topo.Generators {
		online := energized[m.busIndex[gen.Bus]]
		gens[i] = GenResult{ID: gen.ID, Bus: gen.Bus, Online: online}
		if online {
			gens[i].PMw = genP[i]
			totalGen += genP[i]
		}
	}

	importMw := sol.slackP*base - m.slackGeneration(genP) + m.slackLoad(loadP)
	losses := math.Abs(totalGen + importMw - totalLoad)

	return SolveResult{
		Converged:  true,
		Iterations: sol.iterations,
		Buses:      buses,
		Lines:      lines,
		Loads:      loads,
		Generators: gens,
		Aggregate: Aggregate{
			TotalLoadMw:       totalLoad,
			TotalGenerationMw: totalGen,
			GridImportMw:      importMw,
			LossesMw:          losses,
		},
	}
}

func (m *Model) slackGeneration(genP []float64) float64 {
	var p float64
	for i, gen := range m.topo.Generators {
		if m.busIndex[gen.Bus] == m.slack {
			p += genP[i]
		}
	}
	return p
}

func (m *Model) slackLoad(loadP []float64) float64 {
	var p float64
	for i, load := range m.topo.Loads {
		if m.busIndex[load.Bus] == m.slack {
			p += loadP[i]
		}
	}
	return p
}

// finite verifies every numeric field of the result.
func finite(r SolveResult) bool {
	ok := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	for _, b := range r.Buses {
		if !ok(b.VmPu) || !ok(b.VaDeg) || !ok(b.VoltageKv) {
			return false
		}
	}
	for _, l := range r.Lines {
		if !ok(l.PFromMw) || !ok(l.QFromMvar) || !ok(l.LoadingPercent) || !ok(l.CurrentKa) {
			return false
		}
	}
	for _, l := range r.Loads {
		if !ok(l.PMw) || !ok(l.QMvar) {
			return false
		}
	}
	for _, g := range r.Generators {
		if !ok(g.PMw) || !ok(g.QMvar) {
			return false
		}
	}
	agg := r.Aggregate
	return ok(agg.TotalLoadMw) && ok(agg.TotalGenerationMw) && ok(agg.GridImportMw) && ok(agg.LossesMw)
}

func polar(mag, ang float64) complex128 {
	return complex(mag*math.Cos(ang), mag*math.Sin(ang))
}

func cmplxConj(c complex128) complex128 {
	return complex(real(c), -imag(c))
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
