// Package webservice serves the twin's pull and push surfaces: JSON status
// and history endpoints, an operator breaker command endpoint, a websocket
// stream fed from the snapshot fan-out, and prometheus collectors.
package webservice

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gridguard/gridtwin/internal/pkg/telemetry"
)

type Config struct {
	Addr string `json:"Addr"`
}

// App routes dashboard traffic onto the snapshot publisher and the
// breaker command path. Handlers only ever read published snapshots, so
// they never contend with the cycle loop.
type App struct {
	config   Config
	pub      *telemetry.Publisher
	command  func(closeBreaker bool) error
	registry *prometheus.Registry
	upgrader websocket.Upgrader
}

// New returns an App configured from the JSON file at configPath.
func New(configPath string, pub *telemetry.Publisher,
	command func(bool) error, registry *prometheus.Registry) (*App, error) {

	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	config := Config{}
	if err := json.Unmarshal(jsonConfig, &config); err != nil {
		return nil, err
	}
	return NewFromConfig(config, pub, command, registry)
}

func NewFromConfig(config Config, pub *telemetry.Publisher,
	command func(bool) error, registry *prometheus.Registry) (*App, error) {

	if config.Addr == "" {
		return nil, errors.New("webservice config: empty listen address")
	}
	if pub == nil {
		return nil, errors.New("webservice: nil publisher")
	}
	return &App{
		config:   config,
		pub:      pub,
		command:  command,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

func (app *App) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/status", app.StatusHandler).Methods("GET")
	r.HandleFunc("/api/history", app.HistoryHandler).Methods("GET")
	r.HandleFunc("/api/breaker", app.BreakerHandler).Methods("POST")
	r.HandleFunc("/ws", app.StreamHandler)
	if app.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))
	}
	return r
}

// Serve blocks on the configured listen address.
func (app *App) Serve() error {
	log.Printf("[Webservice] Listening on %v", app.config.Addr)
	return http.ListenAndServe(app.config.Addr, app.Router())
}

func (app *App) StatusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	snap := app.pub.Latest()
	if snap == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "no cycle has completed yet"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(statusPayload(snap))
}

func (app *App) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	history := app.pub.History()
	points := make([]historyPoint, 0, len(history))
	for _, snap := range history {
		points = append(points, newHistoryPoint(snap))
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(points)
}

type breakerCommand struct {
	Close *bool `json:"close"`
}

func (app *App) BreakerHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")

	cmd := breakerCommand{}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.Close == nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "body must be {\"close\": true|false}"})
		return
	}
	if app.command == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "breaker command path not wired"})
		return
	}
	if err := app.command(*cmd.Close); err != nil {
		log.Println("[Webservice] breaker command:", err)
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"close": *cmd.Close})
}

// StreamHandler upgrades to a websocket and forwards each published
// snapshot. A slow client only ever delays itself; the fan-out keeps the
// latest snapshot for it and drops the ones it missed.
func (app *App) StreamHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := app.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("[Webservice] websocket upgrade:", err)
		return
	}

	pid := uuid.New()
	stream, err := app.pub.Subscribe(pid)
	if err != nil {
		conn.Close()
		return
	}

	// Reader pump: detect client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() {
			app.pub.Unsubscribe(pid)
			conn.Close()
		}()
		for {
			select {
			case m, ok := <-stream:
				if !ok {
					return
				}
				snap, ok := m.Payload().(*telemetry.GridSnapshot)
				if !ok {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(statusPayload(snap)); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}()
}
