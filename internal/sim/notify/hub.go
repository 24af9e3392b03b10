// README: In-process per-topic broadcast hub feeding the SSE handlers.
package notify

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"metrocarpool/internal/log"
)

// Hub fans published events out to every subscriber of a topic. Subscribers
// that stop draining lose events rather than blocking the publisher; the
// client side treats the stream as lossy push anyway.
type Hub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{
		log:  log.WithComponent("notify"),
		subs: make(map[string]map[chan []byte]struct{}),
	}
}

// Subscribe registers a new listener on topic. The returned cancel func is
// safe to call more than once.
func (h *Hub) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, 16)

	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[chan []byte]struct{})
	}
	h.subs[topic][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[topic], ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish marshals v and delivers it to every current subscriber of topic.
func (h *Hub) Publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Str("topic", topic).Msg("unmarshalable event, dropped")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[topic] {
		select {
		case ch <- payload:
		default:
			h.log.Warn().Str("topic", topic).Msg("slow subscriber, event dropped")
		}
	}
}

// Subscribers reports the current listener count for a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}
