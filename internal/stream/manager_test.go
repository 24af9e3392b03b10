// README: Channel manager tests against a stub SSE gateway.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"metrocarpool/internal/ride"
	"metrocarpool/internal/session"
	"metrocarpool/internal/types"
)

func testSession() session.Session {
	return session.Session{Role: types.RoleDriver, UserID: 5, Token: "tok"}
}

// sseHandler writes the given data payloads as SSE frames and then blocks
// until the client goes away.
func sseHandler(connects *atomic.Int32, payloads ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if connects != nil {
			connects.Add(1)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, p := range payloads {
			fmt.Fprintf(w, "data: %s\n\n", p)
		}
		flusher.Flush()
		<-r.Context().Done()
	}
}

func nextEvent(t *testing.T, m *Manager) ride.Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ride.Event{}
	}
}

func TestOpenDeliversNormalizedEvents(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(sseHandler(&connects,
		`{"riderId":9,"driverId":5,"driverArrivalTime":"2026-01-02T15:04:05Z"}`))
	defer srv.Close()

	m := NewManager(testSession(), srv.URL)
	defer m.CloseAll()
	if err := m.Open(context.Background(), TopicMatches); err != nil {
		t.Fatalf("open: %v", err)
	}

	status := nextEvent(t, m)
	if status.Kind != ride.EventStreamStatus || !status.Connected {
		t.Fatalf("first event = %+v, want connected status", status)
	}

	ev := nextEvent(t, m)
	if ev.Kind != ride.EventMatchFound || ev.RiderID != 9 || ev.DriverID != 5 {
		t.Fatalf("event = %+v, want match {9 5}", ev)
	}
	if ev.ArrivalTime == nil || ev.ArrivalTime.Year() != 2026 {
		t.Fatalf("arrival time not parsed: %+v", ev.ArrivalTime)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(sseHandler(&connects))
	defer srv.Close()

	m := NewManager(testSession(), srv.URL)
	defer m.CloseAll()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := m.Open(ctx, TopicMatches); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}
	if got := connects.Load(); got != 1 {
		t.Fatalf("connects = %d, want 1 (re-open must be a no-op)", got)
	}
	if !m.IsOpen(TopicMatches) {
		t.Fatal("topic not reported open")
	}
}

func TestCloseIsSafeTwice(t *testing.T) {
	srv := httptest.NewServer(sseHandler(nil))
	defer srv.Close()

	m := NewManager(testSession(), srv.URL)
	if err := m.Open(context.Background(), TopicMatches); err != nil {
		t.Fatalf("open: %v", err)
	}
	m.Close(TopicMatches)
	m.Close(TopicMatches)          // already closed
	m.Close(TopicDriverCompletion) // never opened
	if m.IsOpen(TopicMatches) {
		t.Fatal("topic still open after close")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	srv := httptest.NewServer(sseHandler(nil,
		`{not json`,
		`{"riderId":9}`, // missing driverId
		`{"riderId":9,"driverId":5}`))
	defer srv.Close()

	m := NewManager(testSession(), srv.URL)
	defer m.CloseAll()
	if err := m.Open(context.Background(), TopicMatches); err != nil {
		t.Fatalf("open: %v", err)
	}

	nextEvent(t, m) // connected status
	ev := nextEvent(t, m)
	if ev.Kind != ride.EventMatchFound || ev.RiderID != 9 || ev.DriverID != 5 {
		t.Fatalf("event = %+v, want the one well-formed match", ev)
	}
}

func TestServerHangupEmitsStatusNoRetry(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		// Hang up immediately: transport failure from the client's side.
	}))
	defer srv.Close()

	m := NewManager(testSession(), srv.URL)
	if err := m.Open(context.Background(), TopicMatches); err != nil {
		t.Fatalf("open: %v", err)
	}

	up := nextEvent(t, m)
	if up.Kind != ride.EventStreamStatus || !up.Connected {
		t.Fatalf("first event = %+v, want connected", up)
	}
	down := nextEvent(t, m)
	if down.Kind != ride.EventStreamStatus || down.Connected {
		t.Fatalf("second event = %+v, want disconnected status", down)
	}

	// No automatic reconnect: still exactly one connection attempt.
	time.Sleep(50 * time.Millisecond)
	if got := connects.Load(); got != 1 {
		t.Fatalf("connects = %d, want 1 (no retry)", got)
	}
	if m.IsOpen(TopicMatches) {
		t.Fatal("dead subscription still reported open")
	}

	// But a deliberate re-open (next ride) must work.
	if err := m.Open(context.Background(), TopicMatches); err != nil {
		t.Fatalf("re-open: %v", err)
	}
	if got := connects.Load(); got != 2 {
		t.Fatalf("connects = %d after re-open, want 2", got)
	}
	m.CloseAll()
}

func TestOpenUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusUnauthorized) // token present but rejected
	}))
	defer srv.Close()

	m := NewManager(testSession(), srv.URL)
	if err := m.Open(context.Background(), TopicMatches); err != ErrUnauthorized {
		t.Fatalf("open with rejected token: expected ErrUnauthorized, got %v", err)
	}
	if m.IsOpen(TopicMatches) {
		t.Fatal("rejected subscription reported open")
	}
}

func TestCompletionTopicPerRole(t *testing.T) {
	if CompletionTopic(types.RoleDriver) != TopicDriverCompletion {
		t.Fatal("driver completion topic wrong")
	}
	if CompletionTopic(types.RoleRider) != TopicRiderCompletion {
		t.Fatal("rider completion topic wrong")
	}
}
