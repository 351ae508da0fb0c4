package messaging

import "sync"

// Bus is the in-process fan-out between the outbox drainer and websocket
// subscribers. Transport only; lifecycle invariants live in the engine and
// nothing here feeds back into order state.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe returns a channel of events for one order and a cancel func.
func (b *Bus) Subscribe(orderID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 16)

	b.mu.Lock()
	if b.subs[orderID] == nil {
		b.subs[orderID] = make(map[chan []byte]struct{})
	}
	b.subs[orderID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[orderID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, orderID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to current subscribers of the order. Slow
// subscribers are skipped rather than blocking the drainer.
func (b *Bus) Publish(orderID string, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[orderID] {
		select {
		case ch <- payload:
		default:
		}
	}
}
