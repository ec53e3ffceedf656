/*
twin.go is the cycle driver: one fixed-period loop running the full
poll -> arbitrate -> synthesize -> solve -> publish pipeline to completion
each tick. Cycles never overlap, no failure inside the pipeline aborts the
loop, and every cycle publishes exactly one valid snapshot.
*/

package twin

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gridguard/gridtwin/internal/pkg/arbiter"
	"github.com/gridguard/gridtwin/internal/pkg/loadsim"
	"github.com/gridguard/gridtwin/internal/pkg/metrics"
	"github.com/gridguard/gridtwin/internal/pkg/plc"
	"github.com/gridguard/gridtwin/internal/pkg/powerflow"
	"github.com/gridguard/gridtwin/internal/pkg/telemetry"
)

// Config holds the cycle timing and retention settings.
type Config struct {
	CycleMs      int `json:"CycleMs"`
	HistoryDepth int `json:"HistoryDepth"`
}

// LoadConfig reads the cycle driver configuration.
func LoadConfig(configPath string) (Config, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, err
	}
	config := Config{}
	if err := json.Unmarshal(jsonConfig, &config); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate rejects timing that cannot satisfy the cycle contract.
func (c Config) Validate() error {
	if c.CycleMs <= 0 {
		return errors.New("twin config: CycleMs must be positive")
	}
	if c.HistoryDepth < 1 {
		return errors.New("twin config: HistoryDepth must be >= 1")
	}
	return nil
}

// Twin owns every core component and drives the per-cycle pipeline.
type Twin struct {
	mux    *sync.Mutex
	config Config

	client  *plc.Client
	arbiter *arbiter.Arbiter
	sim     *loadsim.Driver
	model   *powerflow.Model
	agg     *metrics.Aggregator
	builder *telemetry.Builder
	pub     *telemetry.Publisher

	// Last trusted live breaker reading, reused while a LIVE-mode poll
	// fails transiently before the arbiter drops the mode.
	lastLive   bool
	lastLiveAt time.Time

	// Operator breaker command; overrides the simulated duty cycle.
	commanded *bool

	live      breakerSource
	simulated breakerSource

	stop chan struct{}
	done chan struct{}
}

// breakerSource reports the arbitrated breaker position for one cycle.
// Two implementations share the interface; the arbiter's mode selects one.
type breakerSource interface {
	currentBreakerPosition(now time.Time) telemetry.BreakerState
}

type liveSource struct{ t *Twin }

func (s liveSource) currentBreakerPosition(now time.Time) telemetry.BreakerState {
	return telemetry.BreakerState{
		Closed:     s.t.lastLive,
		Source:     arbiter.Live.String(),
		ObservedAt: s.t.lastLiveAt,
	}
}

type simulatedSource struct{ t *Twin }

func (s simulatedSource) currentBreakerPosition(now time.Time) telemetry.BreakerState {
	return telemetry.BreakerState{
		Closed:     s.t.sim.BreakerPosition(s.t.commandedValue()),
		Source:     arbiter.Simulated.String(),
		ObservedAt: now,
	}
}

// New assembles a Twin. The protocol timeout must be strictly smaller than
// the cycle period so a stalled field connection cannot stall the loop.
func New(config Config, client *plc.Client, arb *arbiter.Arbiter, sim *loadsim.Driver,
	model *powerflow.Model, agg *metrics.Aggregator) (*Twin, error) {

	if err := config.Validate(); err != nil {
		return nil, err
	}
	if client.Timeout() >= config.CyclePeriod() {
		return nil, fmt.Errorf("twin config: protocol timeout %v must be below cycle period %v",
			client.Timeout(), config.CyclePeriod())
	}

	t := &Twin{
		mux:     &sync.Mutex{},
		config:  config,
		client:  client,
		arbiter: arb,
		sim:     sim,
		model:   model,
		agg:     agg,
		builder: telemetry.NewBuilder(),
		pub:     telemetry.NewPublisher(config.HistoryDepth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	t.live = liveSource{t}
	t.simulated = simulatedSource{t}
	return t, nil
}

// CyclePeriod returns the fixed cycle interval.
func (c Config) CyclePeriod() time.Duration {
	return time.Duration(c.CycleMs) * time.Millisecond
}

// Publisher exposes the snapshot fan-out for presentation and datastream
// layers.
func (t *Twin) Publisher() *telemetry.Publisher {
	return t.pub
}

// Latest returns the most recent snapshot.
func (t *Twin) Latest() *telemetry.GridSnapshot {
	return t.pub.Latest()
}

// Run executes the cycle loop until Stop is called. The first cycle runs
// immediately; each subsequent cycle runs to completion before the next
// tick is honored, so cycles never overlap.
func (t *Twin) Run() {
	log.Printf("[Cycle] Loop started, period %v", t.config.CyclePeriod())
	ticker := time.NewTicker(t.config.CyclePeriod())
	defer ticker.Stop()

	t.Step(time.Now())
loop:
	for {
		select {
		case now := <-ticker.C:
			t.Step(now)
		case <-t.stop:
			break loop
		}
	}

	t.client.Close()
	t.pub.Close()
	log.Println("[Cycle] Loop shutdown")
	close(t.done)
}

// Stop terminates the loop, closes the protocol session and all subscriber
// streams. Bounded by one cycle period plus one protocol timeout.
func (t *Twin) Stop() {
	close(t.stop)
	<-t.done
}

// Step runs one full cycle. Exported for deterministic tests; Run is the
// production caller.
func (t *Twin) Step(now time.Time) {
	liveClosed, pollErr := t.client.ReadBreakerPosition()
	session := t.client.Session()
	if pollErr == nil {
		t.lastLive = liveClosed
		t.lastLiveAt = session.LastSuccessAt
	}

	mode := t.arbiter.Update(pollErr == nil, session.LastSuccessAt, now)
	t.agg.ModeChanged(mode == arbiter.Live)

	source := t.simulated
	if mode == arbiter.Live {
		source = t.live
	}
	breaker := source.currentBreakerPosition(now)

	input := t.sim.Input(breaker.Closed)
	result, solveErr := t.model.Solve(input)

	if pollErr != nil {
		t.agg.ErrorObserved()
	}
	if solveErr != nil {
		t.agg.ErrorObserved()
		log.Printf("[Cycle] %v, republishing prior state", solveErr)
	}

	t.agg.CyclePublished(now)

	snap := t.builder.Build(telemetry.CycleInput{
		Timestamp:   now,
		FrequencyHz: t.sim.FrequencyHz(),
		Breaker:     breaker,
		Mode:        mode.String(),
		Result:      result,
		Solved:      solveErr == nil,
		Session:     session,
		Metrics:     t.agg.Snapshot(now),
	})
	t.pub.Publish(snap)

	t.sim.Advance(t.config.CyclePeriod())
}

// CommandBreaker applies an operator breaker command. The command is
// written to the controller when a session is up and always steers the
// simulated breaker, so the twin follows the commanded state in either
// mode.
func (t *Twin) CommandBreaker(closeBreaker bool) error {
	t.mux.Lock()
	value := closeBreaker
	t.commanded = &value
	t.mux.Unlock()

	if t.client.Session().Connected {
		if err := t.client.WriteBreakerCommand(closeBreaker); err != nil {
			t.agg.ErrorObserved()
			return err
		}
	}
	return nil
}

func (t *Twin) commandedValue() *bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.commanded
}
