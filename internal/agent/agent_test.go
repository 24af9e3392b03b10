// README: End-to-end agent loop tests against a scripted gateway.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"metrocarpool/internal/config"
	"metrocarpool/internal/dispatch"
	"metrocarpool/internal/ride"
	"metrocarpool/internal/session"
	"metrocarpool/internal/types"
)

// gateway is a scripted stand-in for the matching backend: it accepts the
// intake posts and lets the test push SSE payloads per topic.
type gateway struct {
	srv   *httptest.Server
	feeds map[string]chan string
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{feeds: map[string]chan string{
		"matches":                   make(chan string, 4),
		"driver-location-for-rider": make(chan string, 4),
		"driver-ride-completion":    make(chan string, 4),
		"rider-ride-completion":     make(chan string, 4),
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/driver/driver-info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/rider/rider-info", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/notification/", func(w http.ResponseWriter, r *http.Request) {
		topic := strings.TrimPrefix(r.URL.Path, "/api/notification/")
		feed, ok := g.feeds[topic]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		for {
			select {
			case payload := <-feed:
				fmt.Fprintf(w, "data: %s\n\n", payload)
				w.(http.Flusher).Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gateway) push(topic, payload string) { g.feeds[topic] <- payload }

func newTestAgent(g *gateway, sess session.Session) (*Agent, chan ride.Snapshot) {
	a := New(sess, config.AgentConfig{BaseURL: g.srv.URL})
	snaps := make(chan ride.Snapshot, 16)
	a.OnTransition(func(tr ride.Transition, snap ride.Snapshot) {
		snaps <- snap
	})
	return a, snaps
}

func waitState(t *testing.T, snaps chan ride.Snapshot, want ride.State) ride.Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if snap.State == want {
				return snap
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func waitClosed(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func TestDriverSessionLifecycle(t *testing.T) {
	g := newGateway(t)
	sess := session.Session{Role: types.RoleDriver, UserID: 5, Token: "tok"}
	a, snaps := newTestAgent(g, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.SubmitOffer(ctx, dispatch.Offer{
		RouteStations:  []types.Station{"A", "B", "C"},
		AvailableSeats: 2,
	}); err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	if a.machine.State() != ride.StateWaiting {
		t.Fatalf("state = %s, want waiting", a.machine.State())
	}
	if !a.streams.IsOpen("matches") {
		t.Fatal("match stream not open after acknowledged offer")
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// A match for another driver must be filtered, then ours applies.
	g.push("matches", `{"riderId":9,"driverId":77}`)
	g.push("matches", `{"riderId":9,"driverId":5}`)
	snap := waitState(t, snaps, ride.StateMatched)
	if snap.Match == nil || snap.Match.RiderID != 9 {
		t.Fatalf("match = %+v", snap.Match)
	}

	// Driver holds in Matched until the explicit confirmation.
	a.Confirm()
	waitState(t, snaps, ride.StateActive)
	waitClosed(t, func() bool {
		return !a.streams.IsOpen("matches") && a.streams.IsOpen("driver-ride-completion")
	})

	g.push("driver-ride-completion", `{"driverId":5,"completionMessage":"ride done"}`)
	snap = waitState(t, snaps, ride.StateIdle)
	if snap.Match != nil || snap.Location != nil {
		t.Fatalf("ride data survived completion: %+v", snap)
	}
	if snap.Message != "ride done" {
		t.Fatalf("message = %q", snap.Message)
	}
	waitClosed(t, func() bool { return !a.streams.IsOpen("driver-ride-completion") })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestRiderSessionLifecycle(t *testing.T) {
	g := newGateway(t)
	sess := session.Session{Role: types.RoleRider, UserID: 9, Token: "tok"}
	a, snaps := newTestAgent(g, sess)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.SubmitRequest(ctx, dispatch.Request{
		PickUpStation:    "A",
		DestinationPlace: "C",
		ArrivalTime:      time.Now().Add(30 * time.Minute),
	}); err != nil {
		t.Fatalf("submit request: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// A rider needs no confirmation step: the match goes straight to Active.
	g.push("matches", `{"riderId":9,"driverId":5,"driverArrivalTime":"2026-08-28T18:00:00Z"}`)
	snap := waitState(t, snaps, ride.StateActive)
	if snap.Match == nil || snap.Match.DriverID != 5 {
		t.Fatalf("match = %+v", snap.Match)
	}
	waitClosed(t, func() bool {
		return a.streams.IsOpen("driver-location-for-rider") && a.streams.IsOpen("rider-ride-completion")
	})

	g.push("driver-location-for-rider", `{"riderId":9,"driverId":5,"nextStation":"B","timeToNextStation":120}`)
	deadline := time.After(3 * time.Second)
	for snap.Location == nil {
		select {
		case snap = <-snaps:
		case <-deadline:
			t.Fatal("location update never surfaced")
		}
	}
	if snap.Location.NextStation != "B" || snap.Location.TimeToNextStation != 120 {
		t.Fatalf("location = %+v", snap.Location)
	}

	g.push("rider-ride-completion", `{"riderId":9,"completionMessage":"arrived"}`)
	waitState(t, snaps, ride.StateIdle)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}

func TestConfirmWithoutMatchIgnored(t *testing.T) {
	g := newGateway(t)
	sess := session.Session{Role: types.RoleDriver, UserID: 5, Token: "tok"}
	a, _ := newTestAgent(g, sess)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.Confirm() // nothing pending; must not crash or transition
	time.Sleep(50 * time.Millisecond)
	if a.machine.State() != ride.StateIdle {
		t.Fatalf("state = %s", a.machine.State())
	}

	cancel()
	<-done
}

func TestRejectedTokenEndsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/notification/") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sess := session.Session{Role: types.RoleDriver, UserID: 5, Token: "stale"}
	a := New(sess, config.AgentConfig{BaseURL: srv.URL})

	err := a.SubmitOffer(context.Background(), dispatch.Offer{
		RouteStations:  []types.Station{"A", "B"},
		AvailableSeats: 1,
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
