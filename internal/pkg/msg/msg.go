/*
msg.go provides the internal publish/subscribe network. Components publish
topic-tagged messages; subscribers are identified by PID. Delivery is
at-most-latest: a subscriber that has not drained its channel has the pending
message replaced, never queued behind.
*/

package msg

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Topic classifies the payload of a Msg.
type Topic int

const (
	// Status messages carry telemetry snapshots.
	Status Topic = iota
	// Config messages carry component configuration.
	Config
)

// Publisher is the interface for objects that broadcast to subscribers.
type Publisher interface {
	Subscribe(uuid.UUID, Topic) (<-chan Msg, error)
	Unsubscribe(uuid.UUID)
}

// Msg is the envelope passed between components.
type Msg struct {
	sender  uuid.UUID
	topic   Topic
	payload interface{}
}

// New is the Msg factory function.
func New(sender uuid.UUID, topic Topic, payload interface{}) Msg {
	return Msg{sender, topic, payload}
}

// PID returns the sender's PID.
func (m Msg) PID() uuid.UUID {
	return m.sender
}

// Topic returns the message topic.
func (m Msg) Topic() Topic {
	return m.topic
}

// Payload returns the message data.
func (m Msg) Payload() interface{} {
	return m.payload
}

// PubSub broadcasts messages to per-topic subscriber channels.
type PubSub struct {
	mux    *sync.Mutex
	pid    uuid.UUID
	subs   map[Topic]map[uuid.UUID]chan Msg
	closed bool
}

// NewPublisher returns a PubSub owned by the component identified by pid.
func NewPublisher(pid uuid.UUID) *PubSub {
	subs := make(map[Topic]map[uuid.UUID]chan Msg)
	return &PubSub{&sync.Mutex{}, pid, subs, false}
}

// PID returns the publisher's PID.
func (p *PubSub) PID() uuid.UUID {
	return p.pid
}

// Subscribe returns a channel on which the requested topic is broadcast.
// Each subscriber channel holds at most one pending message.
func (p *PubSub) Subscribe(pid uuid.UUID, topic Topic) (<-chan Msg, error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return nil, errors.New("msg: subscribe on closed publisher")
	}

	ch := make(chan Msg, 1)
	if _, ok := p.subs[topic]; !ok {
		p.subs[topic] = make(map[uuid.UUID]chan Msg)
	}
	p.subs[topic][pid] = ch
	return ch, nil
}

// Unsubscribe removes pid from all topic broadcasts and closes its channels.
func (p *PubSub) Unsubscribe(pid uuid.UUID) {
	p.mux.Lock()
	defer p.mux.Unlock()
	for topic := range p.subs {
		if ch, ok := p.subs[topic][pid]; ok {
			delete(p.subs[topic], pid)
			close(ch)
		}
	}
}

// Publish broadcasts payload to all subscribers of topic.
func (p *PubSub) Publish(topic Topic, payload interface{}) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return
	}
	m := New(p.pid, topic, payload)
	for _, ch := range p.subs[topic] {
		deliver(ch, m)
	}
}

// Forward re-broadcasts a message received from another publisher.
func (p *PubSub) Forward(m Msg) {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return
	}
	for _, ch := range p.subs[m.Topic()] {
		deliver(ch, m)
	}
}

// Close terminates all subscriptions. Subsequent publishes are dropped.
func (p *PubSub) Close() {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for topic := range p.subs {
		for pid, ch := range p.subs[topic] {
			delete(p.subs[topic], pid)
			close(ch)
		}
	}
}

// deliver performs an at-most-latest send: if the subscriber has a pending
// message, it is discarded in favor of the new one. The publisher never
// blocks on a slow consumer.
func deliver(ch chan Msg, m Msg) {
	select {
	case ch <- m:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- m:
		default:
		}
	}
}
