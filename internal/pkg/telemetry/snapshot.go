/*
snapshot.go defines the one object that crosses component and goroutine
boundaries: the per-cycle grid snapshot. A snapshot is fully built before it
becomes reachable and never mutated afterwards; every numeric field in a
published snapshot is finite.
*/

package telemetry

import (
	"math"
	"time"

	"github.com/gridguard/gridtwin/internal/pkg/metrics"
	"github.com/gridguard/gridtwin/internal/pkg/plc"
	"github.com/gridguard/gridtwin/internal/pkg/powerflow"
)

// BreakerState is the arbitrated breaker reading for one cycle.
type BreakerState struct {
	Closed     bool      `json:"Closed"`
	Source     string    `json:"Source"`
	ObservedAt time.Time `json:"ObservedAt"`
}

// GridSnapshot is the immutable result of one cycle.
type GridSnapshot struct {
	CycleID     uint64       `json:"CycleID"`
	Timestamp   time.Time    `json:"Timestamp"`
	FrequencyHz float64      `json:"FrequencyHz"`
	Breaker     BreakerState `json:"Breaker"`
	Mode        string       `json:"Mode"`
	Converged   bool         `json:"Converged"`
	// Stale marks a snapshot whose electrical state was carried over from
	// the prior cycle after a divergence or non-finite solver output.
	Stale bool `json:"Stale"`

	Buses      []powerflow.BusResult  `json:"Buses"`
	Lines      []powerflow.LineResult `json:"Lines"`
	Loads      []powerflow.LoadResult `json:"Loads"`
	Generators []powerflow.GenResult  `json:"Generators"`
	Aggregate  powerflow.Aggregate    `json:"Aggregate"`

	Session plc.Session     `json:"Session"`
	Metrics metrics.Metrics `json:"Metrics"`
}

// Builder assembles snapshots cycle over cycle, carrying the prior
// electrical state for degraded cycles.
type Builder struct {
	cycleID uint64
	prior   *GridSnapshot
}

// NewBuilder returns a Builder; cycle IDs start at 1.
func NewBuilder() *Builder {
	return &Builder{}
}

// CycleInput is everything one cycle produced.
type CycleInput struct {
	Timestamp   time.Time
	FrequencyHz float64
	Breaker     BreakerState
	Mode        string
	Result      powerflow.SolveResult
	Solved      bool
	Session     plc.Session
	Metrics     metrics.Metrics
}

// Build produces the cycle's snapshot. When the solve failed or produced a
// non-finite value, the prior cycle's electrical state is substituted and
// the snapshot flagged stale; the cycle always yields exactly one valid,
// fully populated snapshot.
func (b *Builder) Build(in CycleInput) *GridSnapshot {
	b.cycleID++

	snap := &GridSnapshot{
		CycleID:     b.cycleID,
		Timestamp:   in.Timestamp,
		FrequencyHz: sanitize(in.FrequencyHz, 0),
		Breaker:     in.Breaker,
		Mode:        in.Mode,
		Session:     in.Session,
		Metrics:     in.Metrics,
	}

	if in.Solved {
		snap.Converged = true
		snap.Buses = in.Result.Buses
		snap.Lines = in.Result.Lines
		snap.Loads = in.Result.Loads
		snap.Generators = in.Result.Generators
		snap.Aggregate = in.Result.Aggregate
	} else if b.prior != nil {
		snap.Stale = true
		snap.Converged = b.prior.Converged
		snap.Buses = b.prior.Buses
		snap.Lines = b.prior.Lines
		snap.Loads = b.prior.Loads
		snap.Generators = b.prior.Generators
		snap.Aggregate = b.prior.Aggregate
	} else {
		// First cycle with nothing to fall back on: an empty but finite
		// electrical state.
		snap.Stale = true
	}

	b.prior = snap
	return snap
}

// sanitize guards scalar fields that do not come from the solver's own
// finiteness check.
func sanitize(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}
