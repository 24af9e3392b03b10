// README: Notification channel manager owning per-topic SSE subscriptions.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"metrocarpool/internal/log"
	"metrocarpool/internal/metrics"
	"metrocarpool/internal/ride"
	"metrocarpool/internal/session"
	"metrocarpool/internal/types"
)

// Topic names one push-notification feed on the gateway.
type Topic string

const (
	TopicMatches          Topic = "matches"
	TopicDriverLocation   Topic = "driver-location-for-rider"
	TopicDriverCompletion Topic = "driver-ride-completion"
	TopicRiderCompletion  Topic = "rider-ride-completion"
)

// CompletionTopic returns the role-specific ride-completion feed.
func CompletionTopic(role types.Role) Topic {
	if role == types.RoleDriver {
		return TopicDriverCompletion
	}
	return TopicRiderCompletion
}

var ErrUnauthorized = errors.New("subscription rejected: invalid token")

// Manager owns zero or more concurrently open, unidirectional push
// subscriptions. Opening is the only operation that dials out; closing is
// the only one that tears down. There is no automatic reconnect: a broken
// subscription stays down and is surfaced as a status event.
type Manager struct {
	sess    session.Session
	baseURL string
	client  *http.Client
	log     zerolog.Logger

	events chan ride.Event

	mu   sync.Mutex
	subs map[Topic]*subscription
}

type subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(sess session.Session, baseURL string) *Manager {
	return &Manager{
		sess:    sess,
		baseURL: baseURL,
		client:  &http.Client{}, // no overall timeout: the stream is long-lived
		log:     log.WithComponent("stream"),
		events:  make(chan ride.Event, 64),
		subs:    make(map[Topic]*subscription),
	}
}

// Events is the single feed of normalized events and status changes,
// consumed by the session's one event loop. Per-topic arrival order is
// preserved; there is no ordering across topics.
func (m *Manager) Events() <-chan ride.Event { return m.events }

// Open establishes the subscription for topic. Opening an already-open topic
// is a no-op, not a second connection. The HTTP handshake happens here so
// authentication failures surface to the caller immediately; frame reading
// continues on a goroutine.
func (m *Manager) Open(ctx context.Context, topic Topic) error {
	m.mu.Lock()
	if _, open := m.subs[topic]; open {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	url := fmt.Sprintf("%s/api/notification/%s?status=true", m.baseURL, topic)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+m.sess.Token)

	resp, err := m.client.Do(req)
	if err != nil {
		cancel()
		metrics.StreamErrorsTotal.WithLabelValues(string(topic)).Inc()
		return fmt.Errorf("open %s: %w", topic, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		cancel()
		return ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		metrics.StreamErrorsTotal.WithLabelValues(string(topic)).Inc()
		return fmt.Errorf("open %s: unexpected status %d", topic, resp.StatusCode)
	}

	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	if _, raced := m.subs[topic]; raced {
		// Another open of the same topic won; keep the first connection.
		m.mu.Unlock()
		resp.Body.Close()
		cancel()
		return nil
	}
	m.subs[topic] = sub
	m.mu.Unlock()

	metrics.StreamOpensTotal.WithLabelValues(string(topic)).Inc()
	m.log.Info().Str("topic", string(topic)).Msg("subscription opened")
	m.emit(ride.Event{Kind: ride.EventStreamStatus, Topic: string(topic), Connected: true})

	go func() {
		defer close(sub.done)
		defer resp.Body.Close()

		err := readEvents(resp.Body, func(data []byte) {
			ev, perr := normalize(topic, data)
			if perr != nil {
				metrics.EventsDroppedTotal.WithLabelValues(string(topic), "malformed").Inc()
				m.log.Debug().Err(perr).Str("topic", string(topic)).Msg("malformed event dropped")
				return
			}
			m.emit(ev)
		})

		m.mu.Lock()
		if m.subs[topic] == sub {
			delete(m.subs, topic)
		}
		m.mu.Unlock()

		if streamCtx.Err() != nil {
			// Closed deliberately; not a transport failure.
			return
		}
		// Server hangup or read error. No retry here: the state machine is
		// told and decides nothing more than a connectivity flag.
		metrics.StreamErrorsTotal.WithLabelValues(string(topic)).Inc()
		if err != nil {
			m.log.Warn().Err(err).Str("topic", string(topic)).Msg("subscription transport error")
		} else {
			m.log.Warn().Str("topic", string(topic)).Msg("subscription closed by server")
		}
		m.emit(ride.Event{Kind: ride.EventStreamStatus, Topic: string(topic), Connected: false})
	}()

	return nil
}

// Close releases the topic's connection. Closing an absent or already-closed
// topic is safe and does nothing.
func (m *Manager) Close(topic Topic) {
	m.mu.Lock()
	sub, open := m.subs[topic]
	if open {
		delete(m.subs, topic)
	}
	m.mu.Unlock()
	if !open {
		return
	}
	sub.cancel()
	<-sub.done
	m.log.Info().Str("topic", string(topic)).Msg("subscription closed")
}

// CloseAll tears down every open subscription. Used on ride completion and
// on session teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	subs := make(map[Topic]*subscription, len(m.subs))
	for t, s := range m.subs {
		subs[t] = s
	}
	m.subs = make(map[Topic]*subscription)
	m.mu.Unlock()

	for topic, sub := range subs {
		sub.cancel()
		<-sub.done
		m.log.Info().Str("topic", string(topic)).Msg("subscription closed")
	}
}

// IsOpen reports whether the topic currently has a live subscription.
func (m *Manager) IsOpen(topic Topic) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, open := m.subs[topic]
	return open
}

func (m *Manager) emit(ev ride.Event) {
	select {
	case m.events <- ev:
	default:
		// The consumer loop has stalled badly; dropping beats blocking the
		// read goroutine forever.
		metrics.EventsDroppedTotal.WithLabelValues(ev.Topic, "backpressure").Inc()
		m.log.Error().Str("topic", ev.Topic).Msg("event feed full, dropping")
	}
}

// Wire payloads, field names fixed by the notification gateway.

type matchPayload struct {
	RiderID           *int64 `json:"riderId"`
	DriverID          *int64 `json:"driverId"`
	DriverArrivalTime string `json:"driverArrivalTime"`
}

type locationPayload struct {
	RiderID           *int64 `json:"riderId"`
	DriverID          *int64 `json:"driverId"`
	NextStation       string `json:"nextStation"`
	TimeToNextStation *int   `json:"timeToNextStation"`
}

type completionPayload struct {
	RiderID           *int64 `json:"riderId"`
	DriverID          *int64 `json:"driverId"`
	CompletionMessage string `json:"completionMessage"`
}

// normalize parses one raw SSE data payload into the machine's event type.
func normalize(topic Topic, data []byte) (ride.Event, error) {
	switch topic {
	case TopicMatches:
		var p matchPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return ride.Event{}, err
		}
		if p.RiderID == nil || p.DriverID == nil {
			return ride.Event{}, errors.New("match event missing identity")
		}
		ev := ride.Event{
			Kind:     ride.EventMatchFound,
			Topic:    string(topic),
			RiderID:  types.UserID(*p.RiderID),
			DriverID: types.UserID(*p.DriverID),
		}
		if p.DriverArrivalTime != "" {
			if at, err := time.Parse(time.RFC3339, p.DriverArrivalTime); err == nil {
				ev.ArrivalTime = &at
			}
			// An unparsable optional timestamp degrades to absent; the match
			// itself is still valid.
		}
		return ev, nil

	case TopicDriverLocation:
		var p locationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return ride.Event{}, err
		}
		if p.RiderID == nil || p.DriverID == nil {
			return ride.Event{}, errors.New("location event missing identity")
		}
		return ride.Event{
			Kind:              ride.EventLocation,
			Topic:             string(topic),
			RiderID:           types.UserID(*p.RiderID),
			DriverID:          types.UserID(*p.DriverID),
			NextStation:       p.NextStation,
			TimeToNextStation: p.TimeToNextStation,
		}, nil

	case TopicDriverCompletion, TopicRiderCompletion:
		var p completionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return ride.Event{}, err
		}
		ev := ride.Event{
			Kind:    ride.EventCompletion,
			Topic:   string(topic),
			Message: p.CompletionMessage,
		}
		// Completion carries whichever identity fields the backend set; the
		// machine's identity filter judges them against the local role.
		if p.RiderID != nil {
			ev.RiderID = types.UserID(*p.RiderID)
		}
		if p.DriverID != nil {
			ev.DriverID = types.UserID(*p.DriverID)
		}
		return ev, nil
	}
	return ride.Event{}, fmt.Errorf("unknown topic %q", topic)
}
