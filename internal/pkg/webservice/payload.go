package webservice

import (
	"time"

	"github.com/gridguard/gridtwin/internal/pkg/telemetry"
)

// The wire shape below matches the operator dashboard contract, so field
// names stay snake_case regardless of internal naming.

type statusResponse struct {
	PlcStatus     plcStatus     `json:"plc_status"`
	SystemMetrics systemMetrics `json:"system_metrics"`
	GridData      gridData      `json:"grid_data"`
}

type plcStatus struct {
	Connected          bool    `json:"connected"`
	BreakerState       bool    `json:"breaker_state"`
	LastUpdate         *string `json:"last_update"`
	ConnectionAttempts int     `json:"connection_attempts"`
}

type systemMetrics struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	UptimeFormatted string  `json:"uptime_formatted"`
	TotalCycles     uint64  `json:"total_cycles"`
	ErrorCount      uint64  `json:"error_count"`
	CyclesPerMinute float64 `json:"cycles_per_minute"`
}

type gridData struct {
	Timestamp       string        `json:"timestamp"`
	CycleID         uint64        `json:"cycle_id"`
	Mode            string        `json:"mode"`
	Converged       bool          `json:"converged"`
	Stale           bool          `json:"stale"`
	BreakerState    bool          `json:"breaker_state"`
	BreakerStatus   string        `json:"breaker_status"`
	BreakerSource   string        `json:"breaker_source"`
	SystemFrequency float64       `json:"system_frequency"`
	Buses           []busData     `json:"buses"`
	Lines           []lineData    `json:"lines"`
	Loads           []loadData    `json:"loads"`
	Generators      []genData     `json:"generators"`
	PowerFlow       powerFlowData `json:"power_flow"`
}

type busData struct {
	Name          string  `json:"name"`
	VoltageKv     float64 `json:"voltage_kv"`
	VoltagePu     float64 `json:"voltage_pu"`
	AngleDeg      float64 `json:"angle_deg"`
	VoltageActual float64 `json:"voltage_actual"`
	Energized     bool    `json:"energized"`
}

type lineData struct {
	Name           string  `json:"name"`
	FromBus        string  `json:"from_bus"`
	ToBus          string  `json:"to_bus"`
	PFromMw        float64 `json:"p_from_mw"`
	QFromMvar      float64 `json:"q_from_mvar"`
	LoadingPercent float64 `json:"loading_percent"`
	CurrentKa      float64 `json:"current_ka"`
	InService      bool    `json:"in_service"`
}

type loadData struct {
	Name   string  `json:"name"`
	Bus    string  `json:"bus"`
	PMw    float64 `json:"p_mw"`
	QMvar  float64 `json:"q_mvar"`
	Served bool    `json:"served"`
}

type genData struct {
	Name   string  `json:"name"`
	Bus    string  `json:"bus"`
	PMw    float64 `json:"p_mw"`
	QMvar  float64 `json:"q_mvar"`
	Online bool    `json:"online"`
}

type powerFlowData struct {
	TotalLoadMw       float64 `json:"total_load_mw"`
	TotalGenerationMw float64 `json:"total_generation_mw"`
	GridImportMw      float64 `json:"grid_import_mw"`
	SystemLossesMw    float64 `json:"system_losses_mw"`
}

type historyPoint struct {
	Timestamp       string  `json:"timestamp"`
	CycleID         uint64  `json:"cycle_id"`
	Mode            string  `json:"mode"`
	BreakerState    bool    `json:"breaker_state"`
	SystemFrequency float64 `json:"system_frequency"`
	TotalLoadMw     float64 `json:"total_load_mw"`
	GridImportMw    float64 `json:"grid_import_mw"`
	SystemLossesMw  float64 `json:"system_losses_mw"`
}

func statusPayload(snap *telemetry.GridSnapshot) statusResponse {
	var lastUpdate *string
	if !snap.Session.LastSuccessAt.IsZero() {
		s := snap.Session.LastSuccessAt.Format(time.RFC3339)
		lastUpdate = &s
	}

	buses := make([]busData, 0, len(snap.Buses))
	for _, b := range snap.Buses {
		buses = append(buses, busData{
			Name:          b.ID,
			VoltageKv:     b.VnKv,
			VoltagePu:     b.VmPu,
			AngleDeg:      b.VaDeg,
			VoltageActual: b.VoltageKv,
			Energized:     b.Energized,
		})
	}

	lines := make([]lineData, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		lines = append(lines, lineData{
			Name:           l.ID,
			FromBus:        l.FromBus,
			ToBus:          l.ToBus,
			PFromMw:        l.PFromMw,
			QFromMvar:      l.QFromMvar,
			LoadingPercent: l.LoadingPercent,
			CurrentKa:      l.CurrentKa,
			InService:      l.InService,
		})
	}

	loads := make([]loadData, 0, len(snap.Loads))
	for _, l := range snap.Loads {
		loads = append(loads, loadData{
			Name:   l.ID,
			Bus:    l.Bus,
			PMw:    l.PMw,
			QMvar:  l.QMvar,
			Served: l.Served,
		})
	}

	gens := make([]genData, 0, len(snap.Generators))
	for _, g := range snap.Generators {
		gens = append(gens, genData{
			Name:   g.ID,
			Bus:    g.Bus,
			PMw:    g.PMw,
			QMvar:  g.QMvar,
			Online: g.Online,
		})
	}

	status := "OPEN"
	if snap.Breaker.Closed {
		status = "CLOSED"
	}

	return statusResponse{
		PlcStatus: plcStatus{
			Connected:          snap.Session.Connected,
			BreakerState:       snap.Breaker.Closed,
			LastUpdate:         lastUpdate,
			ConnectionAttempts: snap.Session.ConnectionAttempts,
		},
		SystemMetrics: systemMetrics{
			UptimeSeconds:   snap.Metrics.UptimeSeconds,
			UptimeFormatted: snap.Metrics.UptimeFormatted(),
			TotalCycles:     snap.Metrics.TotalCycles,
			ErrorCount:      snap.Metrics.ErrorCount,
			CyclesPerMinute: snap.Metrics.CyclesPerMinute,
		},
		GridData: gridData{
			Timestamp:       snap.Timestamp.Format(time.RFC3339Nano),
			CycleID:         snap.CycleID,
			Mode:            snap.Mode,
			Converged:       snap.Converged,
			Stale:           snap.Stale,
			BreakerState:    snap.Breaker.Closed,
			BreakerStatus:   status,
			BreakerSource:   snap.Breaker.Source,
			SystemFrequency: snap.FrequencyHz,
			Buses:           buses,
			Lines:           lines,
			Loads:           loads,
			Generators:      gens,
			PowerFlow: powerFlowData{
				TotalLoadMw:       snap.Aggregate.TotalLoadMw,
				TotalGenerationMw: snap.Aggregate.TotalGenerationMw,
				GridImportMw:      snap.Aggregate.GridImportMw,
				SystemLossesMw:    snap.Aggregate.LossesMw,
			},
		},
	}
}

func newHistoryPoint(snap *telemetry.GridSnapshot) historyPoint {
	return historyPoint{
		Timestamp:       snap.Timestamp.Format(time.RFC3339Nano),
		CycleID:         snap.CycleID,
		Mode:            snap.Mode,
		BreakerState:    snap.Breaker.Closed,
		SystemFrequency: snap.FrequencyHz,
		TotalLoadMw:     snap.Aggregate.TotalLoadMw,
		GridImportMw:    snap.Aggregate.GridImportMw,
		SystemLossesMw:  snap.Aggregate.LossesMw,
	}
}
