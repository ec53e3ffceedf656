/*
arbiter.go decides whether breaker telemetry comes from the live controller
or the simulation. A two-state machine with hysteresis: leaving LIVE requires
FailureThreshold consecutive poll failures, returning to LIVE requires
SuccessThreshold consecutive fresh successes. The arbiter is the single
authority for the mode field in every published snapshot.
*/

package arbiter

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"
)

// Mode identifies the active breaker data source.
type Mode int

const (
	// Simulated mode synthesizes the breaker position. Initial state.
	Simulated Mode = iota
	// Live mode uses the controller-reported breaker position.
	Live
)

func (m Mode) String() string {
	if m == Live {
		return "LIVE"
	}
	return "SIMULATED"
}

// Config holds the hysteresis thresholds.
type Config struct {
	FailureThreshold  int `json:"FailureThreshold"`
	SuccessThreshold  int `json:"SuccessThreshold"`
	FreshnessWindowMs int `json:"FreshnessWindowMs"`
}

// Validate rejects thresholds that would make the machine unable to move.
func (c Config) Validate() error {
	if c.FailureThreshold < 1 {
		return errors.New("arbiter config: FailureThreshold must be >= 1")
	}
	if c.SuccessThreshold < 1 {
		return errors.New("arbiter config: SuccessThreshold must be >= 1")
	}
	if c.FreshnessWindowMs <= 0 {
		return errors.New("arbiter config: FreshnessWindowMs must be positive")
	}
	return nil
}

type stateIn struct {
	consecutiveFailures  int
	consecutiveSuccesses int
	config               Config
}

type state interface {
	mode() Mode
	transition(in stateIn) state
}

type liveState struct{}

func (liveState) mode() Mode { return Live }

func (liveState) transition(in stateIn) state {
	if in.consecutiveFailures >= in.config.FailureThreshold {
		return simulatedState{}
	}
	return liveState{}
}

type simulatedState struct{}

func (simulatedState) mode() Mode { return Simulated }

func (simulatedState) transition(in stateIn) state {
	if in.consecutiveSuccesses >= in.config.SuccessThreshold {
		return liveState{}
	}
	return simulatedState{}
}

// Arbiter runs the LIVE/SIMULATED state machine. Update is called once per
// cycle by the cycle driver; Mode may be read concurrently.
type Arbiter struct {
	mux                  *sync.Mutex
	current              state
	consecutiveFailures  int
	consecutiveSuccesses int
	config               Config
}

// New returns an Arbiter configured from the JSON file at configPath.
func New(configPath string) (*Arbiter, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	config := Config{}
	if err := json.Unmarshal(jsonConfig, &config); err != nil {
		return nil, err
	}
	return NewFromConfig(config)
}

// NewFromConfig returns an Arbiter for a validated Config. Initial state is
// SIMULATED until the first successful poll sequence completes.
func NewFromConfig(config Config) (*Arbiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Arbiter{
		mux:     &sync.Mutex{},
		current: simulatedState{},
		config:  config,
	}, nil
}

// FreshnessWindow returns the maximum age of a read still counted as fresh.
func (a *Arbiter) FreshnessWindow() time.Duration {
	return time.Duration(a.config.FreshnessWindowMs) * time.Millisecond
}

// Update records the outcome of one poll attempt and returns the resulting
// mode. A successful read only counts toward the LIVE transition while it is
// fresh; a stale success resets nothing but does not advance the transition.
func (a *Arbiter) Update(success bool, observedAt time.Time, now time.Time) Mode {
	a.mux.Lock()
	defer a.mux.Unlock()

	if success {
		a.consecutiveFailures = 0
		if now.Sub(observedAt) <= a.FreshnessWindow() {
			a.consecutiveSuccesses++
		}
	} else {
		a.consecutiveSuccesses = 0
		a.consecutiveFailures++
	}

	in := stateIn{
		consecutiveFailures:  a.consecutiveFailures,
		consecutiveSuccesses: a.consecutiveSuccesses,
		config:               a.config,
	}

	next := a.current.transition(in)
	if next.mode() != a.current.mode() {
		// Counters restart on every mode change so hysteresis applies to
		// the new state from zero.
		a.consecutiveFailures = 0
		a.consecutiveSuccesses = 0
	}
	a.current = next
	return a.current.mode()
}

// Mode returns the current arbitration state.
func (a *Arbiter) Mode() Mode {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.current.mode()
}
