/*
metrics.go accumulates system counters: cycles published, errors observed,
uptime and the current cycle rate. Counters are mutated only by the cycle
driver through the Aggregator; readers take a value copy via Snapshot. The
same counters are registered with prometheus for the /metrics endpoint.
*/

package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// rateWindowSize bounds the sliding window used for the cycle rate.
const rateWindowSize = 60

// Metrics is an immutable counter snapshot.
type Metrics struct {
	StartedAt       time.Time `json:"StartedAt"`
	TotalCycles     uint64    `json:"TotalCycles"`
	ErrorCount      uint64    `json:"ErrorCount"`
	UptimeSeconds   float64   `json:"UptimeSeconds"`
	CyclesPerMinute float64   `json:"CyclesPerMinute"`
}

// UptimeFormatted renders uptime as H:MM:SS for display layers.
func (m Metrics) UptimeFormatted() string {
	total := int64(m.UptimeSeconds)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
}

// Aggregator is the single writer for system counters.
type Aggregator struct {
	mux         *sync.Mutex
	startedAt   time.Time
	totalCycles uint64
	errorCount  uint64
	window      []time.Time

	promCycles prometheus.Counter
	promErrors prometheus.Counter
	promMode   prometheus.Gauge
	promRate   prometheus.Gauge
}

// New returns an Aggregator with its collectors registered on registry.
// A nil registry disables prometheus export; the counters still work.
func New(registry *prometheus.Registry) *Aggregator {
	a := &Aggregator{
		mux:       &sync.Mutex{},
		startedAt: time.Now(),
		window:    make([]time.Time, 0, rateWindowSize),
		promCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridtwin_cycles_total",
			Help: "Snapshots published since start.",
		}),
		promErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridtwin_errors_total",
			Help: "Protocol failures and solve divergences observed.",
		}),
		promMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridtwin_mode_live",
			Help: "1 while breaker telemetry is LIVE, 0 while SIMULATED.",
		}),
		promRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridtwin_cycles_per_minute",
			Help: "Publish rate over the recent cycle window.",
		}),
	}

	if registry != nil {
		registry.MustRegister(a.promCycles, a.promErrors, a.promMode, a.promRate)
	}
	return a
}

// CyclePublished records one published snapshot at the given time.
func (a *Aggregator) CyclePublished(at time.Time) {
	a.mux.Lock()
	defer a.mux.Unlock()

	a.totalCycles++
	a.promCycles.Inc()

	if len(a.window) == rateWindowSize {
		copy(a.window, a.window[1:])
		a.window = a.window[:rateWindowSize-1]
	}
	a.window = append(a.window, at)
	a.promRate.Set(cyclesPerMinute(a.window))
}

// ErrorObserved records one recoverable failure in the current cycle.
func (a *Aggregator) ErrorObserved() {
	a.mux.Lock()
	defer a.mux.Unlock()
	a.errorCount++
	a.promErrors.Inc()
}

// ModeChanged mirrors the arbitration state into the mode gauge.
func (a *Aggregator) ModeChanged(live bool) {
	if live {
		a.promMode.Set(1)
	} else {
		a.promMode.Set(0)
	}
}

// Snapshot returns a copy of the counters as of now.
func (a *Aggregator) Snapshot(now time.Time) Metrics {
	a.mux.Lock()
	defer a.mux.Unlock()

	return Metrics{
		StartedAt:       a.startedAt,
		TotalCycles:     a.totalCycles,
		ErrorCount:      a.errorCount,
		UptimeSeconds:   now.Sub(a.startedAt).Seconds(),
		CyclesPerMinute: cyclesPerMinute(a.window),
	}
}

// cyclesPerMinute derives the rate from the sliding window rather than
// total/elapsed, so it reflects the current cadence after start-up
// transients.
func cyclesPerMinute(window []time.Time) float64 {
	if len(window) < 2 {
		return 0
	}
	span := window[len(window)-1].Sub(window[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(window)-1) / span * 60
}
