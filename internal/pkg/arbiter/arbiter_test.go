package arbiter

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// Defaults under test: F=3 consecutive failures to leave LIVE, S=2 fresh
// successes to return, freshness window 10s (2x a 5s poll interval).
func testConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		FreshnessWindowMs: 10000,
	}
}

func newTestArbiter(t *testing.T) *Arbiter {
	t.Helper()
	a, err := NewFromConfig(testConfig())
	assert.NilError(t, err)
	return a
}

func toLive(t *testing.T, a *Arbiter, now time.Time) {
	t.Helper()
	for i := 0; i < testConfig().SuccessThreshold; i++ {
		a.Update(true, now, now)
	}
	assert.Equal(t, a.Mode(), Live)
}

func TestInitialModeIsSimulated(t *testing.T) {
	a := newTestArbiter(t)
	assert.Equal(t, a.Mode(), Simulated)
}

func TestSimulatedToLiveRequiresExactSuccesses(t *testing.T) {
	a := newTestArbiter(t)
	now := time.Now()

	mode := a.Update(true, now, now)
	assert.Equal(t, mode, Simulated, "one success must not flip mode with S=2")

	mode = a.Update(true, now, now)
	assert.Equal(t, mode, Live)
}

func TestLiveToSimulatedRequiresExactFailures(t *testing.T) {
	a := newTestArbiter(t)
	now := time.Now()
	toLive(t, a, now)

	assert.Equal(t, a.Update(false, now, now), Live)
	assert.Equal(t, a.Update(false, now, now), Live)
	assert.Equal(t, a.Update(false, now, now), Simulated, "third consecutive failure must flip")
}

func TestNoFlappingOnAlternatingSequence(t *testing.T) {
	a := newTestArbiter(t)
	now := time.Now()
	toLive(t, a, now)

	// Alternating fail/success never reaches either threshold.
	for i := 0; i < 20; i++ {
		a.Update(false, now, now)
		mode := a.Update(true, now, now)
		assert.Equal(t, mode, Live, "alternating sequence flipped mode at step %d", i)
	}
}

func TestStaleSuccessDoesNotCountTowardLive(t *testing.T) {
	a := newTestArbiter(t)
	now := time.Now()
	stale := now.Add(-30 * time.Second)

	for i := 0; i < 5; i++ {
		mode := a.Update(true, stale, now)
		assert.Equal(t, mode, Simulated, "stale reads must not promote to LIVE")
	}

	a.Update(true, now, now)
	mode := a.Update(true, now, now)
	assert.Equal(t, mode, Live)
}

func TestCountersResetAcrossTransition(t *testing.T) {
	a := newTestArbiter(t)
	now := time.Now()
	toLive(t, a, now)

	// Drop to SIMULATED, then require the full success threshold again.
	for i := 0; i < 3; i++ {
		a.Update(false, now, now)
	}
	assert.Equal(t, a.Mode(), Simulated)

	mode := a.Update(true, now, now)
	assert.Equal(t, mode, Simulated)
	mode = a.Update(true, now, now)
	assert.Equal(t, mode, Live)
}

func TestValidateConfig(t *testing.T) {
	bad := []Config{
		{FailureThreshold: 0, SuccessThreshold: 1, FreshnessWindowMs: 1000},
		{FailureThreshold: 1, SuccessThreshold: 0, FreshnessWindowMs: 1000},
		{FailureThreshold: 1, SuccessThreshold: 1, FreshnessWindowMs: 0},
	}
	for _, cfg := range bad {
		_, err := NewFromConfig(cfg)
		assert.Assert(t, err != nil, "config %+v should be rejected", cfg)
	}
}
