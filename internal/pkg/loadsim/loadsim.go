/*
loadsim.go synthesizes the model inputs the field controller cannot report.
The controller only knows the breaker; load and generation figures are
always synthesized here, in LIVE mode as well as SIMULATED. Each customer
class follows a deterministic diurnal curve plus bounded pseudorandom
jitter on an accelerated clock, and the simulated breaker follows a fixed
duty cycle when no live reading or operator command is available.
*/

package loadsim

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/gridguard/gridtwin/internal/pkg/powerflow"
)

// Config governs the synthesis clock and noise envelope.
type Config struct {
	// SecondsPerHour compresses a simulated day; 10 means ten wall
	// seconds advance the diurnal clock by one hour.
	SecondsPerHour float64 `json:"SecondsPerHour"`
	// JitterPct bounds the pseudorandom load variation around the
	// diurnal curve, as a percentage of class base load.
	JitterPct float64 `json:"JitterPct"`
	// FloorFraction is the minimum served fraction of class base load.
	FloorFraction float64 `json:"FloorFraction"`
	// LossFactorPct pads the import estimate for expected network losses.
	LossFactorPct float64 `json:"LossFactorPct"`
	NominalHz     float64 `json:"NominalHz"`
	FreqJitterHz  float64 `json:"FreqJitterHz"`
	// Simulated breaker duty cycle.
	BreakerClosedSec float64 `json:"BreakerClosedSec"`
	BreakerOpenSec   float64 `json:"BreakerOpenSec"`
	Seed             int64   `json:"Seed"`
}

// Validate rejects a config the synthesis cannot run on.
func (c Config) Validate() error {
	if c.SecondsPerHour <= 0 {
		return errors.New("loadsim config: SecondsPerHour must be positive")
	}
	if c.JitterPct < 0 || c.JitterPct > 100 {
		return errors.New("loadsim config: JitterPct out of range")
	}
	if c.FloorFraction < 0 || c.FloorFraction > 1 {
		return errors.New("loadsim config: FloorFraction out of range")
	}
	if c.NominalHz <= 0 {
		return errors.New("loadsim config: NominalHz must be positive")
	}
	if c.BreakerClosedSec <= 0 || c.BreakerOpenSec < 0 {
		return errors.New("loadsim config: breaker duty cycle out of range")
	}
	return nil
}

// Driver owns the synthesis state. All methods are called from the cycle
// driver goroutine; Driver is not safe for concurrent use.
type Driver struct {
	config     Config
	rng        *rand.Rand
	simSeconds float64
	baseLoad   map[powerflow.CustomerClass]float64
	ratedGen   float64
}

// New returns a Driver configured from the JSON file at configPath,
// synthesizing for the given topology.
func New(configPath string, topo powerflow.Topology) (*Driver, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	config := Config{}
	if err := json.Unmarshal(jsonConfig, &config); err != nil {
		return nil, err
	}
	return NewFromConfig(config, topo)
}

// NewFromConfig returns a Driver for a validated Config.
func NewFromConfig(config Config, topo powerflow.Topology) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Driver{
		config:   config,
		rng:      rand.New(rand.NewSource(seed)),
		baseLoad: topo.BaseLoadMw(),
		ratedGen: topo.RatedGenerationMw(),
	}, nil
}

// Advance moves the synthesis clock forward one cycle period.
func (d *Driver) Advance(step time.Duration) {
	d.simSeconds += step.Seconds()
}

// HourOfDay returns the simulated diurnal clock position in [0, 24).
func (d *Driver) HourOfDay() float64 {
	return math.Mod(d.simSeconds/d.config.SecondsPerHour, 24)
}

// Input builds one SolveInput from the diurnal curves. Loads, generation
// and import never go negative.
func (d *Driver) Input(breakerClosed bool) powerflow.SolveInput {
	hour := d.HourOfDay()

	perClass := map[powerflow.CustomerClass]float64{
		powerflow.Industrial:  d.classLoad(powerflow.Industrial, industrialFactor(hour)),
		powerflow.Commercial:  d.classLoad(powerflow.Commercial, d.commercialFactor(hour)),
		powerflow.Residential: d.classLoad(powerflow.Residential, residentialFactor(hour)),
	}

	var totalLoad float64
	for _, mw := range perClass {
		totalLoad += mw
	}

	generation := d.ratedGen
	importMw := math.Max(0, totalLoad*(1+d.config.LossFactorPct/100)-generation)

	return powerflow.SolveInput{
		BreakerClosed:  breakerClosed,
		PerClassLoadMw: perClass,
		GenerationMw:   generation,
		ImportMw:       importMw,
	}
}

// BreakerPosition synthesizes the breaker state while no live reading is
// trusted. An operator command overrides the duty cycle.
func (d *Driver) BreakerPosition(commanded *bool) bool {
	if commanded != nil {
		return *commanded
	}
	period := d.config.BreakerClosedSec + d.config.BreakerOpenSec
	return math.Mod(d.simSeconds, period) < d.config.BreakerClosedSec
}

// FrequencyHz synthesizes the system frequency around nominal.
func (d *Driver) FrequencyHz() float64 {
	return d.config.NominalHz + d.jitterNorm()*d.config.FreqJitterHz
}

// classLoad applies the diurnal factor, bounded jitter and the floor to one
// customer class.
func (d *Driver) classLoad(class powerflow.CustomerClass, factor float64) float64 {
	base := d.baseLoad[class]
	jitter := d.jitterNorm() * d.config.JitterPct / 100 * base
	mw := base*factor + jitter
	return math.Max(base*d.config.FloorFraction, mw)
}

// jitterNorm draws a standard-normal sample clamped to plus/minus three
// sigma so the jitter stays bounded.
func (d *Driver) jitterNorm() float64 {
	n := d.rng.NormFloat64()
	return math.Max(-3, math.Min(3, n))
}

// industrialFactor peaks through working hours and stays comparatively
// flat overnight.
func industrialFactor(hour float64) float64 {
	return 0.7 + 0.3*(1+math.Sin(2*math.Pi*(hour-6)/24))
}

// commercialFactor steps up during business hours.
func (d *Driver) commercialFactor(hour float64) float64 {
	if hour >= 8 && hour <= 18 {
		return 0.9 + 0.2*d.jitterNorm()*0.1
	}
	return 0.3 + 0.1*d.jitterNorm()*0.1
}

// residentialFactor peaks in the evening.
func residentialFactor(hour float64) float64 {
	swing := 1 + math.Sin(2*math.Pi*(hour-19)/24)
	return 0.4 + 0.6*swing*swing
}
