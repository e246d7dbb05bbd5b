package channel

import (
	"encoding/json"
	"sync"
)

// Envelope is a message the landing page relayed, with the origin the
// browser reported for it.
type Envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Bus fans relayed messages out to the subscribers of a topic. Topics are
// buyer keys.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]chan Envelope
	next uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]chan Envelope)}
}

// Subscribe returns a receive channel for topic and a function that
// unsubscribes and closes it. The function is safe to call more than once.
func (b *Bus) Subscribe(topic string, buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	b.next++
	id := b.next
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]chan Envelope)
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish delivers env to every current subscriber of topic without blocking
// and returns how many received it. Full subscribers miss the message.
func (b *Bus) Publish(topic string, env Envelope) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, ch := range b.subs[topic] {
		select {
		case ch <- env:
			delivered++
		default:
		}
	}
	return delivered
}

func (b *Bus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
