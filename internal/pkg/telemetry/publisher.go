/*
publisher.go fans snapshots out to consumers. The latest snapshot is
published by reference swap so pull readers never block and never observe a
snapshot under construction; push subscribers get at-most-latest delivery
through the msg layer; a bounded ring keeps short-term history for charts.
*/

package telemetry

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gridguard/gridtwin/internal/pkg/msg"
)

// Publisher distributes snapshots to pull and push consumers.
type Publisher struct {
	mux     *sync.Mutex
	latest  atomic.Value // *GridSnapshot
	ring    []*GridSnapshot
	ringCap int
	pubsub  *msg.PubSub
}

// NewPublisher returns a Publisher retaining up to historyDepth snapshots.
func NewPublisher(historyDepth int) *Publisher {
	if historyDepth < 1 {
		historyDepth = 1
	}
	pid, _ := uuid.NewUUID()
	return &Publisher{
		mux:     &sync.Mutex{},
		ring:    make([]*GridSnapshot, 0, historyDepth),
		ringCap: historyDepth,
		pubsub:  msg.NewPublisher(pid),
	}
}

// Publish makes snap the latest snapshot and broadcasts it. Never blocks on
// slow subscribers.
func (p *Publisher) Publish(snap *GridSnapshot) {
	p.latest.Store(snap)

	p.mux.Lock()
	if len(p.ring) == p.ringCap {
		copy(p.ring, p.ring[1:])
		p.ring = p.ring[:p.ringCap-1]
	}
	p.ring = append(p.ring, snap)
	p.mux.Unlock()

	p.pubsub.Publish(msg.Status, snap)
}

// Latest returns the most recent fully built snapshot, or nil before the
// first publish. Non-blocking.
func (p *Publisher) Latest() *GridSnapshot {
	snap, _ := p.latest.Load().(*GridSnapshot)
	return snap
}

// History returns the retained snapshots, oldest first.
func (p *Publisher) History() []*GridSnapshot {
	p.mux.Lock()
	defer p.mux.Unlock()
	out := make([]*GridSnapshot, len(p.ring))
	copy(out, p.ring)
	return out
}

// Subscribe returns a per-subscriber snapshot stream with at-most-latest
// delivery. Cancel with Unsubscribe.
func (p *Publisher) Subscribe(pid uuid.UUID) (<-chan msg.Msg, error) {
	return p.pubsub.Subscribe(pid, msg.Status)
}

// Unsubscribe cancels pid's stream and closes its channel.
func (p *Publisher) Unsubscribe(pid uuid.UUID) {
	p.pubsub.Unsubscribe(pid)
}

// MsgPublisher exposes the underlying publisher for datastream handlers.
func (p *Publisher) MsgPublisher() msg.Publisher {
	return p.pubsub
}

// Close terminates all subscriber streams.
func (p *Publisher) Close() {
	p.pubsub.Close()
}
