package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridguard/gridtwin/internal/pkg/arbiter"
	"github.com/gridguard/gridtwin/internal/pkg/datastreams/mongodb"
	"github.com/gridguard/gridtwin/internal/pkg/datastreams/natshandler"
	"github.com/gridguard/gridtwin/internal/pkg/loadsim"
	"github.com/gridguard/gridtwin/internal/pkg/metrics"
	"github.com/gridguard/gridtwin/internal/pkg/plc"
	"github.com/gridguard/gridtwin/internal/pkg/powerflow"
	"github.com/gridguard/gridtwin/internal/pkg/twin"
	"github.com/gridguard/gridtwin/internal/pkg/webservice"
)

const configDir = "./config/"

func main() {
	log.Println("[Main] Starting GridTwin v0.1.0")
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[Main] Loading Topology")
	topo, err := powerflow.LoadTopology(configDir + "topology.json")
	if err != nil {
		panic(err)
	}

	log.Println("[Main] Building Cycle Driver")
	registry := prometheus.NewRegistry()
	system, err := buildTwin(topo, registry)
	if err != nil {
		panic(err)
	}

	log.Println("[Main] Building Webservice")
	app, err := webservice.New(configDir+"webservice.json",
		system.Publisher(), system.CommandBreaker, registry)
	if err != nil {
		panic(err)
	}

	log.Println("[Main] Connecting Datastreams")
	linkDatastreams(system)

	go func() {
		if err := app.Serve(); err != nil {
			log.Println("[Main] webservice:", err)
		}
	}()

	go system.Run()

	<-sigs
	log.Println("[Main] Stopping system")
	system.Stop()
}

func buildTwin(topo powerflow.Topology, registry *prometheus.Registry) (*twin.Twin, error) {
	client, err := plc.New(configDir + "plc.json")
	if err != nil {
		return nil, err
	}

	arb, err := arbiter.New(configDir + "arbiter.json")
	if err != nil {
		return nil, err
	}

	sim, err := loadsim.New(configDir+"loadsim.json", topo)
	if err != nil {
		return nil, err
	}

	model, err := powerflow.NewModel(topo, 20, 1e-8)
	if err != nil {
		return nil, err
	}

	config, err := twin.LoadConfig(configDir + "twin.json")
	if err != nil {
		return nil, err
	}

	return twin.New(config, client, arb, sim, model, metrics.New(registry))
}

// linkDatastreams attaches the optional NATS and Mongo forwarders. A
// missing config file disables that stream; the twin runs without them.
func linkDatastreams(system *twin.Twin) {
	if handler, err := natshandler.New(configDir+"nats.json", system.Publisher().MsgPublisher()); err == nil {
		go handler.Process()
	} else if !os.IsNotExist(err) {
		log.Println("[Main] NATS datastream:", err)
	}

	if handler, err := mongodb.New(configDir+"mongodb.json", system.Publisher().MsgPublisher()); err == nil {
		go handler.Process()
	} else if !os.IsNotExist(err) {
		log.Println("[Main] Mongo datastream:", err)
	}
}
