/*
topology.go defines the static electrical network configuration. The
topology is loaded once at startup and read-only thereafter; the only
per-cycle mutation is the in-service state of breaker-controlled branches,
and that is handled per solve, never written back.
*/

package powerflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// CustomerClass buckets loads for the diurnal synthesis profiles.
type CustomerClass string

const (
	Industrial  CustomerClass = "industrial"
	Commercial  CustomerClass = "commercial"
	Residential CustomerClass = "residential"
)

// Bus is a network node with a nominal voltage level.
type Bus struct {
	ID   string  `json:"ID"`
	VnKv float64 `json:"VnKv"`
}

// ExtGrid is the external grid connection. Its bus is the slack reference
// for every solve.
type ExtGrid struct {
	Bus  string  `json:"Bus"`
	VmPu float64 `json:"VmPu"`
}

// Branch is a series element between two buses: a line or a transformer,
// both reduced to a per-unit series impedance on the system base.
type Branch struct {
	ID                string  `json:"ID"`
	FromBus           string  `json:"FromBus"`
	ToBus             string  `json:"ToBus"`
	RPu               float64 `json:"RPu"`
	XPu               float64 `json:"XPu"`
	RatingMva         float64 `json:"RatingMva"`
	BreakerControlled bool    `json:"BreakerControlled"`
}

// Load is a PQ consumption point assigned to a customer class.
type Load struct {
	ID      string        `json:"ID"`
	Bus     string        `json:"Bus"`
	Class   CustomerClass `json:"Class"`
	BaseMw  float64       `json:"BaseMw"`
	QPRatio float64       `json:"QPRatio"`
}

// Generator is a distributed generation source, modelled as a fixed
// active-power injection at unity power factor.
type Generator struct {
	ID      string  `json:"ID"`
	Bus     string  `json:"Bus"`
	RatedMw float64 `json:"RatedMw"`
}

// Topology is the full static grid description.
type Topology struct {
	Name       string      `json:"Name"`
	BaseMva    float64     `json:"BaseMva"`
	Buses      []Bus       `json:"Buses"`
	ExtGrid    ExtGrid     `json:"ExtGrid"`
	Branches   []Branch    `json:"Branches"`
	Loads      []Load      `json:"Loads"`
	Generators []Generator `json:"Generators"`
}

// LoadTopology reads and validates a topology JSON file.
func LoadTopology(configPath string) (Topology, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return Topology{}, err
	}

	topo := Topology{}
	if err := json.Unmarshal(jsonConfig, &topo); err != nil {
		return Topology{}, err
	}

	if err := topo.Validate(); err != nil {
		return Topology{}, err
	}
	return topo, nil
}

// Validate checks referential integrity and electrical plausibility.
// A failure here is fatal at startup; the cycle loop never starts on a
// malformed network.
func (t Topology) Validate() error {
	if t.BaseMva <= 0 {
		return errors.New("topology: BaseMva must be positive")
	}
	if len(t.Buses) == 0 {
		return errors.New("topology: no buses defined")
	}

	busIDs := make(map[string]bool, len(t.Buses))
	for _, bus := range t.Buses {
		if bus.ID == "" {
			return errors.New("topology: bus with empty ID")
		}
		if busIDs[bus.ID] {
			return fmt.Errorf("topology: duplicate bus %q", bus.ID)
		}
		if bus.VnKv <= 0 {
			return fmt.Errorf("topology: bus %q nominal voltage must be positive", bus.ID)
		}
		busIDs[bus.ID] = true
	}

	if !busIDs[t.ExtGrid.Bus] {
		return fmt.Errorf("topology: external grid references unknown bus %q", t.ExtGrid.Bus)
	}
	if t.ExtGrid.VmPu <= 0 {
		return errors.New("topology: external grid voltage setpoint must be positive")
	}

	branchIDs := make(map[string]bool, len(t.Branches))
	for _, br := range t.Branches {
		if branchIDs[br.ID] {
			return fmt.Errorf("topology: duplicate branch %q", br.ID)
		}
		branchIDs[br.ID] = true
		if !busIDs[br.FromBus] || !busIDs[br.ToBus] {
			return fmt.Errorf("topology: branch %q references unknown bus", br.ID)
		}
		if br.FromBus == br.ToBus {
			return fmt.Errorf("topology: branch %q connects bus to itself", br.ID)
		}
		if br.RPu < 0 || br.XPu <= 0 {
			return fmt.Errorf("topology: branch %q impedance out of range", br.ID)
		}
	}

	for _, load := range t.Loads {
		if !busIDs[load.Bus] {
			return fmt.Errorf("topology: load %q references unknown bus", load.ID)
		}
		if load.BaseMw < 0 || load.QPRatio < 0 {
			return fmt.Errorf("topology: load %q has negative parameters", load.ID)
		}
		switch load.Class {
		case Industrial, Commercial, Residential:
		default:
			return fmt.Errorf("topology: load %q has unknown class %q", load.ID, load.Class)
		}
	}

	for _, gen := range t.Generators {
		if !busIDs[gen.Bus] {
			return fmt.Errorf("topology: generator %q references unknown bus", gen.ID)
		}
		if gen.RatedMw < 0 {
			return fmt.Errorf("topology: generator %q has negative rating", gen.ID)
		}
	}

	return nil
}

// BaseLoadMw sums configured base load per customer class.
func (t Topology) BaseLoadMw() map[CustomerClass]float64 {
	base := make(map[CustomerClass]float64, 3)
	for _, load := range t.Loads {
		base[load.Class] += load.BaseMw
	}
	return base
}

// RatedGenerationMw sums generator nameplate ratings.
func (t Topology) RatedGenerationMw() float64 {
	var total float64
	for _, gen := range t.Generators {
		total += gen.RatedMw
	}
	return total
}
