package powerflow

import (
	"errors"
	"math"
	"testing"

	"gotest.tools/v3/assert"
)

func testModel(t *testing.T) *Model {
	t.Helper()
	topo, err := LoadTopology("topology_test_config.json")
	assert.NilError(t, err)

	model, err := NewModel(topo, 20, 1e-8)
	assert.NilError(t, err)
	return model
}

func defaultInput(breakerClosed bool) SolveInput {
	return SolveInput{
		BreakerClosed: breakerClosed,
		PerClassLoadMw: map[CustomerClass]float64{
			Industrial:  0.8,
			Commercial:  0.5,
			Residential: 2.1,
		},
		GenerationMw: 1.5,
		ImportMw:     2.0,
	}
}

func busByID(t *testing.T, r SolveResult, id string) BusResult {
	t.Helper()
	for _, b := range r.Buses {
		if b.ID == id {
			return b
		}
	}
	t.Fatalf("bus %q not in result", id)
	return BusResult{}
}

func lineByID(t *testing.T, r SolveResult, id string) LineResult {
	t.Helper()
	for _, l := range r.Lines {
		if l.ID == id {
			return l
		}
	}
	t.Fatalf("line %q not in result", id)
	return LineResult{}
}

func TestLoadTopology(t *testing.T) {
	topo, err := LoadTopology("topology_test_config.json")
	assert.NilError(t, err)

	assert.Equal(t, topo.Name, "GridGuard Demo System")
	assert.Equal(t, len(topo.Buses), 5)
	assert.Equal(t, len(topo.Branches), 4)
	assert.Equal(t, len(topo.Loads), 3)
	assert.Equal(t, topo.ExtGrid.Bus, "HV Substation")

	base := topo.BaseLoadMw()
	assert.Equal(t, base[Industrial], 0.8)
	assert.Equal(t, base[Commercial], 0.5)
	assert.Equal(t, base[Residential], 2.1)
	assert.Equal(t, topo.RatedGenerationMw(), 1.5)
}

func TestValidateRejectsMalformedTopology(t *testing.T) {
	topo, err := LoadTopology("topology_test_config.json")
	assert.NilError(t, err)

	broken := topo
	broken.ExtGrid.Bus = "No Such Bus"
	assert.ErrorContains(t, broken.Validate(), "unknown bus")

	broken = topo
	broken.BaseMva = 0
	assert.ErrorContains(t, broken.Validate(), "BaseMva")

	broken = topo
	broken.Branches = append([]Branch{}, topo.Branches...)
	broken.Branches[0].XPu = 0
	assert.ErrorContains(t, broken.Validate(), "impedance")
}

// Regression fixture: breaker closed, default load profile, default
// topology. Bands are deliberately loose since production inputs carry
// jitter; the solve here is deterministic, but the bands document the
// expected operating point (critical line near 1.2 MW, roughly half rated).
func TestClosedBreakerReferenceOperatingPoint(t *testing.T) {
	model := testModel(t)

	result, err := model.Solve(defaultInput(true))
	assert.NilError(t, err)
	assert.Assert(t, result.Converged)
	assert.Assert(t, result.Iterations <= 20)

	critical := lineByID(t, result, "Critical Transmission Line")
	assert.Assert(t, critical.InService)
	assert.Assert(t, critical.PFromMw > 0.8 && critical.PFromMw < 1.6,
		"critical line active flow %v MW outside reference band", critical.PFromMw)
	assert.Assert(t, critical.LoadingPercent > 30 && critical.LoadingPercent < 75,
		"critical line loading %v%% outside reference band", critical.LoadingPercent)
	assert.Assert(t, critical.CurrentKa > 0)

	for _, bus := range result.Buses {
		assert.Assert(t, bus.Energized, "bus %v de-energized with breaker closed", bus.ID)
		assert.Assert(t, bus.VmPu > 0.9 && bus.VmPu < 1.1,
			"bus %v voltage %v pu implausible", bus.ID, bus.VmPu)
	}

	agg := result.Aggregate
	assert.Assert(t, math.Abs(agg.TotalLoadMw-3.4) < 1e-9)
	assert.Assert(t, math.Abs(agg.TotalGenerationMw-1.5) < 1e-9)
	assert.Assert(t, agg.GridImportMw > 1.7 && agg.GridImportMw < 2.3)
	assert.Assert(t, agg.LossesMw >= 0 && agg.LossesMw < 0.3)
}

// Opening the breaker must island MV Bus 2 and Load Center 2 within a
// single solve: zero flow on the controlled line, 0.0 pu with the
// de-energized flag on islanded buses, never NaN.
func TestOpenBreakerIslanding(t *testing.T) {
	model := testModel(t)

	result, err := model.Solve(defaultInput(false))
	assert.NilError(t, err)
	assert.Assert(t, result.Converged)

	critical := lineByID(t, result, "Critical Transmission Line")
	assert.Assert(t, !critical.InService)
	assert.Equal(t, critical.PFromMw, 0.0)
	assert.Equal(t, critical.QFromMvar, 0.0)
	assert.Equal(t, critical.CurrentKa, 0.0)

	for _, id := range []string{"MV Bus 2", "Load Center 2"} {
		bus := busByID(t, result, id)
		assert.Assert(t, !bus.Energized)
		assert.Equal(t, bus.VmPu, 0.0)
		assert.Equal(t, bus.VoltageKv, 0.0)
	}

	for _, id := range []string{"HV Substation", "MV Bus 1", "Load Center 1"} {
		bus := busByID(t, result, id)
		assert.Assert(t, bus.Energized)
		assert.Assert(t, bus.VmPu > 0.9)
	}

	// Islanded loads and generation drop out of the aggregate.
	agg := result.Aggregate
	assert.Assert(t, math.Abs(agg.TotalLoadMw-0.8) < 1e-9)
	assert.Equal(t, agg.TotalGenerationMw, 0.0)

	for _, load := range result.Loads {
		if load.ID == "Industrial Load" {
			assert.Assert(t, load.Served)
		} else {
			assert.Assert(t, !load.Served, "load %v should be unserved", load.ID)
			assert.Equal(t, load.PMw, 0.0)
		}
	}
}

func TestSolveOutputsAreFinite(t *testing.T) {
	model := testModel(t)

	for _, closed := range []bool{true, false} {
		result, err := model.Solve(defaultInput(closed))
		assert.NilError(t, err)
		assert.Assert(t, finite(result), "non-finite output with breakerClosed=%v", closed)
	}
}

func TestNegativeInputsClampToZero(t *testing.T) {
	model := testModel(t)

	result, err := model.Solve(SolveInput{
		BreakerClosed: true,
		PerClassLoadMw: map[CustomerClass]float64{
			Industrial:  -1.0,
			Commercial:  -0.5,
			Residential: -2.0,
		},
		GenerationMw: -5.0,
	})
	assert.NilError(t, err)
	assert.Assert(t, result.Converged)

	assert.Equal(t, result.Aggregate.TotalLoadMw, 0.0)
	assert.Equal(t, result.Aggregate.TotalGenerationMw, 0.0)
	for _, load := range result.Loads {
		assert.Equal(t, load.PMw, 0.0)
	}
}

func TestGenerationClampsAtNameplate(t *testing.T) {
	model := testModel(t)

	result, err := model.Solve(SolveInput{
		BreakerClosed:  true,
		PerClassLoadMw: defaultInput(true).PerClassLoadMw,
		GenerationMw:   100.0,
	})
	assert.NilError(t, err)
	assert.Equal(t, result.Aggregate.TotalGenerationMw, 1.5)
}

func TestDivergenceOnAbsurdLoading(t *testing.T) {
	model := testModel(t)

	// Orders of magnitude beyond the network's transfer capability; the
	// solve must report divergence, never a partial result.
	_, err := model.Solve(SolveInput{
		BreakerClosed: true,
		PerClassLoadMw: map[CustomerClass]float64{
			Industrial:  5000,
			Commercial:  5000,
			Residential: 5000,
		},
	})
	assert.Assert(t, err != nil, "absurd loading should not converge")
	var divergence *DivergenceError
	assert.Assert(t, errors.As(err, &divergence))
}
