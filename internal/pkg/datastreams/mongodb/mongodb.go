// Package mongodb keeps a bounded window of recent cycle snapshots in a
// capped collection. The cap makes Mongo a rolling buffer, not a
// historian: old cycles age out as new ones arrive.
package mongodb

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gridguard/gridtwin/internal/pkg/msg"
	"github.com/gridguard/gridtwin/internal/pkg/telemetry"
)

const collection = "cycleSnapshots"

type Handler struct {
	mux    *sync.Mutex
	inbox  <-chan msg.Msg
	pid    uuid.UUID
	config config
	stop   chan bool
}

type config struct {
	URI      string `json:"URI"`
	Database string `json:"Database"`
	// MaxDocuments caps the rolling snapshot window.
	MaxDocuments int64 `json:"MaxDocuments"`
	SizeBytes    int64 `json:"SizeBytes"`
}

func redirectMsg(chIn <-chan msg.Msg, chOut chan<- msg.Msg) {
	for m := range chIn {
		chOut <- m
	}
}

// New subscribes a Mongo writer to the system snapshot stream.
func New(configPath string, system msg.Publisher) (Handler, error) {
	jsonConfig, err := os.ReadFile(configPath)
	if err != nil {
		return Handler{}, err
	}
	cfg := config{}
	if err := json.Unmarshal(jsonConfig, &cfg); err != nil {
		return Handler{}, err
	}

	pid, _ := uuid.NewUUID()

	inbox := make(chan msg.Msg, 50)

	chStatus, err := system.Subscribe(pid, msg.Status)
	if err != nil {
		return Handler{}, err
	}
	go redirectMsg(chStatus, inbox)

	return Handler{
		mux:    &sync.Mutex{},
		inbox:  inbox,
		pid:    pid,
		config: cfg,
		stop:   make(chan bool),
	}, nil
}

func snapshotToBSON(snap *telemetry.GridSnapshot) bson.M {
	return bson.M{
		"cycleId":     snap.CycleID,
		"timestamp":   snap.Timestamp,
		"mode":        snap.Mode,
		"converged":   snap.Converged,
		"stale":       snap.Stale,
		"breaker":     snap.Breaker.Closed,
		"frequencyHz": snap.FrequencyHz,
		"aggregate": bson.M{
			"totalLoadMw":       snap.Aggregate.TotalLoadMw,
			"totalGenerationMw": snap.Aggregate.TotalGenerationMw,
			"gridImportMw":      snap.Aggregate.GridImportMw,
			"lossesMw":          snap.Aggregate.LossesMw,
		},
	}
}

func (h *Handler) StopProcess() {
	h.stop <- true
}

func (h Handler) Process() {
	ctx := context.TODO()
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(h.config.URI).
		SetConnectTimeout(10*time.Second))
	if err != nil {
		log.Println("[Mongo]", err)
		return
	}
	defer client.Disconnect(ctx)

	db := client.Database(h.config.Database)
	opts := options.CreateCollection().
		SetCapped(true).
		SetSizeInBytes(h.config.SizeBytes).
		SetMaxDocuments(h.config.MaxDocuments)
	if err := db.CreateCollection(ctx, collection, opts); err != nil {
		// NamespaceExists on restart is expected.
		log.Println("[Mongo] create collection:", err)
	}

loop:
	for {
		select {
		case m := <-h.inbox:
			if m.Topic() != msg.Status {
				continue
			}
			snap, ok := m.Payload().(*telemetry.GridSnapshot)
			if !ok {
				continue
			}
			if _, err := db.Collection(collection).InsertOne(ctx, snapshotToBSON(snap)); err != nil {
				log.Println("[Mongo] insert:", err)
			}

		case <-h.stop:
			break loop
		}
	}
	log.Println("[Mongo] Process Shutdown")
}
