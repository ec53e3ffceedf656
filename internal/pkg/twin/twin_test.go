package twin

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/gridguard/gridtwin/internal/pkg/arbiter"
	"github.com/gridguard/gridtwin/internal/pkg/loadsim"
	"github.com/gridguard/gridtwin/internal/pkg/metrics"
	"github.com/gridguard/gridtwin/internal/pkg/plc"
	"github.com/gridguard/gridtwin/internal/pkg/powerflow"
)

// newTestTwin wires a full twin against an unreachable controller so every
// poll fails fast and the arbiter holds SIMULATED.
func newTestTwin(t *testing.T) *Twin {
	t.Helper()

	client, err := plc.NewFromConfig(plc.Config{
		Addr:          "127.0.0.1",
		Port:          1,
		SlaveID:       1,
		TimeoutMs:     100,
		CommandCoil:   0,
		PositionInput: 0,
	})
	assert.NilError(t, err)

	arb, err := arbiter.NewFromConfig(arbiter.Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		FreshnessWindowMs: 10000,
	})
	assert.NilError(t, err)

	topo, err := powerflow.LoadTopology("./twin_test_topology.json")
	assert.NilError(t, err)

	sim, err := loadsim.NewFromConfig(loadsim.Config{
		SecondsPerHour:   10,
		JitterPct:        5,
		FloorFraction:    0.1,
		LossFactorPct:    3,
		NominalHz:        60,
		FreqJitterHz:     0.02,
		BreakerClosedSec: 30,
		BreakerOpenSec:   10,
		Seed:             7,
	}, topo)
	assert.NilError(t, err)

	model, err := powerflow.NewModel(topo, 20, 1e-6)
	assert.NilError(t, err)

	tw, err := New(Config{CycleMs: 5000, HistoryDepth: 120},
		client, arb, sim, model, metrics.New(nil))
	assert.NilError(t, err)
	return tw
}

func TestTimeoutMustFitWithinCyclePeriod(t *testing.T) {
	client, err := plc.NewFromConfig(plc.Config{
		Addr:          "127.0.0.1",
		Port:          1,
		SlaveID:       1,
		TimeoutMs:     5000,
		CommandCoil:   0,
		PositionInput: 0,
	})
	assert.NilError(t, err)

	arb, err := arbiter.NewFromConfig(arbiter.Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		FreshnessWindowMs: 10000,
	})
	assert.NilError(t, err)

	topo, err := powerflow.LoadTopology("./twin_test_topology.json")
	assert.NilError(t, err)
	sim, err := loadsim.NewFromConfig(loadsim.Config{
		SecondsPerHour:   10,
		JitterPct:        5,
		FloorFraction:    0.1,
		LossFactorPct:    3,
		NominalHz:        60,
		FreqJitterHz:     0.02,
		BreakerClosedSec: 30,
		BreakerOpenSec:   10,
	}, topo)
	assert.NilError(t, err)
	model, err := powerflow.NewModel(topo, 20, 1e-6)
	assert.NilError(t, err)

	_, err = New(Config{CycleMs: 5000, HistoryDepth: 120},
		client, arb, sim, model, metrics.New(nil))
	assert.ErrorContains(t, err, "protocol timeout")
}

func TestEveryCyclePublishesOneSnapshot(t *testing.T) {
	tw := newTestTwin(t)
	now := time.Now()

	for cycle := 1; cycle <= 4; cycle++ {
		tw.Step(now.Add(time.Duration(cycle) * 5 * time.Second))
		snap := tw.Latest()
		assert.Assert(t, snap != nil)
		assert.Equal(t, snap.CycleID, uint64(cycle))
	}
}

func TestUnreachableControllerHoldsSimulatedMode(t *testing.T) {
	tw := newTestTwin(t)
	now := time.Now()

	for cycle := 1; cycle <= 5; cycle++ {
		tw.Step(now.Add(time.Duration(cycle) * 5 * time.Second))
	}

	snap := tw.Latest()
	assert.Equal(t, snap.Mode, "SIMULATED")
	assert.Equal(t, snap.Session.Connected, false)
	assert.Assert(t, snap.Metrics.ErrorCount >= 5)
	assert.Assert(t, snap.Converged)
}

func TestSimulatedBreakerFollowsDutyCycle(t *testing.T) {
	tw := newTestTwin(t)
	now := time.Now()

	// Duty cycle is closed 30s, open 10s. With 5s cycles the breaker
	// must be seen in both positions within one 40s period.
	sawClosed, sawOpen := false, false
	for cycle := 1; cycle <= 8; cycle++ {
		tw.Step(now.Add(time.Duration(cycle) * 5 * time.Second))
		if tw.Latest().Breaker.Closed {
			sawClosed = true
		} else {
			sawOpen = true
		}
	}
	assert.Assert(t, sawClosed)
	assert.Assert(t, sawOpen)
}

func TestCommandOverridesSimulatedBreaker(t *testing.T) {
	tw := newTestTwin(t)
	now := time.Now()

	assert.NilError(t, tw.CommandBreaker(false))
	for cycle := 1; cycle <= 8; cycle++ {
		tw.Step(now.Add(time.Duration(cycle) * 5 * time.Second))
		snap := tw.Latest()
		assert.Equal(t, snap.Breaker.Closed, false)
		assert.Equal(t, snap.Breaker.Source, "SIMULATED")
	}
}

func TestOpenBreakerCycleStillPublishesFiniteSnapshot(t *testing.T) {
	tw := newTestTwin(t)
	now := time.Now()

	assert.NilError(t, tw.CommandBreaker(false))
	tw.Step(now)

	snap := tw.Latest()
	assert.Assert(t, snap != nil)
	found := false
	for _, line := range snap.Lines {
		if line.ID == "Critical Transmission Line" {
			found = true
			assert.Equal(t, line.PFromMw, 0.0)
			assert.Equal(t, line.InService, false)
		}
	}
	assert.Assert(t, found)
}

func TestRunStopsWithinBound(t *testing.T) {
	tw := newTestTwin(t)
	go tw.Run()

	// First cycle runs immediately; wait for it to land.
	deadline := time.Now().Add(3 * time.Second)
	for tw.Latest() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Assert(t, tw.Latest() != nil)

	done := make(chan struct{})
	go func() {
		tw.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(tw.config.CyclePeriod() + 2*time.Second):
		t.Fatal("shutdown exceeded cycle period plus protocol timeout")
	}
}
