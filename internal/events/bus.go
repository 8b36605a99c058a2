package events

import "sync"

// Topic enumerates bus channels shared across the control plane.
type Topic string

const (
	TopicServiceStateChanged Topic = "service_state_changed"
	TopicTopologyChanged     Topic = "topology_changed"
)

// Event represents a message broadcast on the event bus.
type Event struct {
	Topic   Topic
	Payload any
}

// ServiceStateChanged announces a lifecycle transition of the HTTP service.
type ServiceStateChanged struct {
	ServiceID string
	From      string
	To        string
}

// TopologyOp names the mutation that produced a TopologyChanged event.
type TopologyOp string

const (
	OpNodeCreated TopologyOp = "node_created"
	OpNodeRemoved TopologyOp = "node_removed"
	OpLinkCreated TopologyOp = "link_created"
	OpLinkRemoved TopologyOp = "link_removed"
)

// TopologyChanged describes one successful topology mutation.
type TopologyChanged struct {
	Op     TopologyOp
	ID     string
	Name   string
	Detail string
}

// Bus is a simple pub/sub dispatcher for intra-process events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a buffered channel for a topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (b *Bus) Unsubscribe(topic Topic, sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.subs[topic]
	for i, ch := range chans {
		if ch == sub {
			b.subs[topic] = append(chans[:i], chans[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish broadcasts an event to all subscribers without blocking. Events for
// a saturated subscriber are dropped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
