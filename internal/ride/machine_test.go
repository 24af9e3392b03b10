// README: State machine tests (transition table, identity filter, idempotence, scenarios).
package ride

import (
	"testing"
	"time"

	"metrocarpool/internal/session"
	"metrocarpool/internal/types"
)

// TestCanTransition verifies the session state flow without any transport.
func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		// happy-path forward transitions
		{StateIdle, StateWaiting, true},
		{StateWaiting, StateMatched, true}, // driver branch
		{StateWaiting, StateActive, true},  // rider auto-advance
		{StateMatched, StateActive, true},
		{StateActive, StateCompleted, true},
		{StateCompleted, StateIdle, true},
		// teardown from every in-flight state
		{StateWaiting, StateIdle, true},
		{StateMatched, StateIdle, true},
		{StateActive, StateIdle, true},
		// invalid: skipping states
		{StateIdle, StateMatched, false},
		{StateIdle, StateActive, false},
		{StateIdle, StateCompleted, false},
		{StateWaiting, StateCompleted, false},
		{StateMatched, StateCompleted, false},
		// invalid: backwards
		{StateActive, StateWaiting, false},
		{StateMatched, StateWaiting, false},
		{StateCompleted, StateActive, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func driverMachine(t *testing.T, id types.UserID) *Machine {
	t.Helper()
	return NewMachine(session.Session{Role: types.RoleDriver, UserID: id, Token: "tok"})
}

func riderMachine(t *testing.T, id types.UserID) *Machine {
	t.Helper()
	return NewMachine(session.Session{Role: types.RoleRider, UserID: id, Token: "tok"})
}

func mustSubmit(t *testing.T, m *Machine) []Effect {
	t.Helper()
	effects, err := m.SubmitAccepted()
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return effects
}

func matchEvent(riderID, driverID types.UserID) Event {
	at := time.Now().Add(10 * time.Minute)
	return Event{Kind: EventMatchFound, Topic: "matches", RiderID: riderID, DriverID: driverID, ArrivalTime: &at}
}

func TestDriverHappyPath(t *testing.T) {
	m := driverMachine(t, 5)

	effects := mustSubmit(t, m)
	if m.State() != StateWaiting {
		t.Fatalf("after ack: state = %s, want waiting", m.State())
	}
	if len(effects) != 1 || effects[0] != EffectOpenMatchStream {
		t.Fatalf("after ack: effects = %v, want [open match stream]", effects)
	}

	tr, effects := m.Apply(matchEvent(9, 5))
	if !tr.Applied || m.State() != StateMatched {
		t.Fatalf("match applied=%v state=%s, want applied in matched", tr.Applied, m.State())
	}
	if len(effects) != 0 {
		t.Fatalf("driver match must not open trip streams before confirmation, got %v", effects)
	}
	snap := m.Snapshot()
	if snap.Match == nil || snap.Match.RiderID != 9 || snap.Match.DriverID != 5 {
		t.Fatalf("match record = %+v, want {9 5}", snap.Match)
	}

	effects, err := m.Confirm()
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("after confirm: state = %s, want active", m.State())
	}
	assertEffects(t, effects, EffectCloseMatchStream, EffectOpenCompletionStream)
}

func TestRiderAutoAdvance(t *testing.T) {
	m := riderMachine(t, 9)
	mustSubmit(t, m)

	tr, effects := m.Apply(matchEvent(9, 5))
	if !tr.Applied || m.State() != StateActive {
		t.Fatalf("rider must auto-advance to active, got applied=%v state=%s", tr.Applied, m.State())
	}
	if m.Snapshot().Match == nil {
		t.Fatal("match record not stored")
	}
	assertEffects(t, effects, EffectCloseMatchStream, EffectOpenCompletionStream, EffectOpenLocationStream)

	if _, err := m.Confirm(); err != ErrNoPendingMatch {
		t.Fatalf("rider confirm: expected ErrNoPendingMatch, got %v", err)
	}
}

func TestIdentityFilter(t *testing.T) {
	m := driverMachine(t, 5)
	mustSubmit(t, m)

	// Match for driver 7 while we are driver 5: filtered, no transition.
	tr, _ := m.Apply(matchEvent(9, 7))
	if tr.Applied || tr.Reason != DropFiltered {
		t.Fatalf("foreign match: applied=%v reason=%q, want filtered drop", tr.Applied, tr.Reason)
	}
	if m.State() != StateWaiting {
		t.Fatalf("state = %s, want waiting unchanged", m.State())
	}

	// Any sequence of foreign matches leaves the state untouched.
	for _, driverID := range []types.UserID{1, 2, 3, 100} {
		if tr, _ := m.Apply(matchEvent(9, driverID)); tr.Applied {
			t.Fatalf("match for driver %d applied against driver 5", driverID)
		}
	}
	if m.State() != StateWaiting || m.Snapshot().Match != nil {
		t.Fatal("foreign matches corrupted session state")
	}
}

func TestDuplicateMatchFound(t *testing.T) {
	m := driverMachine(t, 5)
	mustSubmit(t, m)

	first, _ := m.Apply(matchEvent(9, 5))
	if !first.Applied {
		t.Fatalf("first match not applied: %+v", first)
	}

	// Redelivery (reconnect replay) must not re-trigger anything.
	dup, effects := m.Apply(matchEvent(9, 5))
	if dup.Applied || dup.Reason != DropDuplicate {
		t.Fatalf("duplicate match: applied=%v reason=%q, want duplicate drop", dup.Applied, dup.Reason)
	}
	if len(effects) != 0 {
		t.Fatalf("duplicate match produced effects: %v", effects)
	}
	if m.State() != StateMatched {
		t.Fatalf("state = %s after duplicate, want matched", m.State())
	}
}

func TestLocationOnlyWhileActive(t *testing.T) {
	m := riderMachine(t, 9)
	secs := 120
	loc := Event{Kind: EventLocation, Topic: "driver-location-for-rider",
		RiderID: 9, DriverID: 5, NextStation: "B", TimeToNextStation: &secs}

	// Idle and Waiting: correct identity, still dropped as inapplicable.
	for _, setup := range []func(){func() {}, func() { mustSubmit(t, m) }} {
		setup()
		tr, _ := m.Apply(loc)
		if tr.Applied || tr.Reason != DropInapplicable {
			t.Fatalf("location in %s: applied=%v reason=%q", m.State(), tr.Applied, tr.Reason)
		}
		if m.Snapshot().Location != nil {
			t.Fatalf("location stored while %s", m.State())
		}
	}

	m.Apply(matchEvent(9, 5))
	if m.State() != StateActive {
		t.Fatalf("state = %s, want active", m.State())
	}
	tr, _ := m.Apply(loc)
	if !tr.Applied || tr.From != StateActive || tr.To != StateActive {
		t.Fatalf("location while active: %+v, want applied with no state change", tr)
	}
	snap := m.Snapshot()
	if snap.Location == nil || snap.Location.NextStation != "B" || snap.Location.TimeToNextStation != 120 {
		t.Fatalf("location = %+v, want {B 120}", snap.Location)
	}

	// Newer update overwrites, it never accumulates.
	secs2 := 60
	m.Apply(Event{Kind: EventLocation, Topic: "driver-location-for-rider",
		RiderID: 9, DriverID: 5, NextStation: "C", TimeToNextStation: &secs2})
	snap = m.Snapshot()
	if snap.Location.NextStation != "C" || snap.Location.TimeToNextStation != 60 {
		t.Fatalf("location = %+v, want overwritten {C 60}", snap.Location)
	}
}

func TestCompletionResetsToIdle(t *testing.T) {
	m := riderMachine(t, 9)
	mustSubmit(t, m)
	m.Apply(matchEvent(9, 5))

	secs := 30
	m.Apply(Event{Kind: EventLocation, Topic: "driver-location-for-rider",
		RiderID: 9, DriverID: 5, NextStation: "C", TimeToNextStation: &secs})

	tr, effects := m.Apply(Event{Kind: EventCompletion, Topic: "rider-ride-completion",
		RiderID: 9, DriverID: 5, Message: "done"})
	if !tr.Applied || tr.From != StateActive || tr.To != StateIdle {
		t.Fatalf("completion transition = %+v, want active→idle", tr)
	}
	assertEffects(t, effects, EffectCloseAllStreams)

	snap := m.Snapshot()
	if snap.Match != nil || snap.Location != nil {
		t.Fatalf("ride-scoped data survived completion: %+v", snap)
	}
	if snap.Message != "done" {
		t.Fatalf("completion message = %q, want done", snap.Message)
	}

	// Idle is a cycle, not terminal: a fresh submission must work.
	if _, err := m.SubmitAccepted(); err != nil {
		t.Fatalf("submit after completion: %v", err)
	}
}

func TestDuplicateCompletion(t *testing.T) {
	m := riderMachine(t, 9)
	mustSubmit(t, m)
	m.Apply(matchEvent(9, 5))

	done := Event{Kind: EventCompletion, Topic: "rider-ride-completion", RiderID: 9, DriverID: 5, Message: "done"}
	if tr, _ := m.Apply(done); !tr.Applied {
		t.Fatalf("first completion not applied")
	}
	tr, effects := m.Apply(done)
	if tr.Applied || tr.Reason != DropDuplicate {
		t.Fatalf("replayed completion: applied=%v reason=%q, want duplicate drop", tr.Applied, tr.Reason)
	}
	if len(effects) != 0 || m.State() != StateIdle {
		t.Fatalf("replayed completion changed state or effects: %s %v", m.State(), effects)
	}
}

func TestSubmitRefusedUnlessIdle(t *testing.T) {
	m := driverMachine(t, 5)
	mustSubmit(t, m)

	if _, err := m.SubmitAccepted(); err != ErrNotIdle {
		t.Fatalf("second submit while waiting: expected ErrNotIdle, got %v", err)
	}
	m.Apply(matchEvent(9, 5))
	if _, err := m.SubmitAccepted(); err != ErrNotIdle {
		t.Fatalf("submit while matched: expected ErrNotIdle, got %v", err)
	}
}

func TestStreamStatusIsOrthogonal(t *testing.T) {
	m := riderMachine(t, 9)
	mustSubmit(t, m)
	m.Apply(matchEvent(9, 5))

	tr, _ := m.Apply(Event{Kind: EventStreamStatus, Topic: "driver-location-for-rider", Connected: false})
	if m.State() != StateActive {
		t.Fatalf("transport loss changed ride state to %s", m.State())
	}
	if tr.From != tr.To {
		t.Fatalf("stream status produced a transition: %+v", tr)
	}
	if m.Snapshot().Connected {
		t.Fatal("connected flag not flipped")
	}

	m.Apply(Event{Kind: EventStreamStatus, Topic: "driver-location-for-rider", Connected: true})
	if !m.Snapshot().Connected {
		t.Fatal("connected flag not restored")
	}
}

func TestTeardownWipesEverything(t *testing.T) {
	m := driverMachine(t, 5)
	mustSubmit(t, m)
	m.Apply(matchEvent(9, 5))

	effects := m.Teardown()
	assertEffects(t, effects, EffectCloseAllStreams)
	snap := m.Snapshot()
	if snap.State != StateIdle || snap.Match != nil || snap.Location != nil {
		t.Fatalf("teardown left state behind: %+v", snap)
	}

	// Teardown from idle is a no-op reset, not an error.
	m.Teardown()
	if m.State() != StateIdle {
		t.Fatalf("state = %s after double teardown", m.State())
	}
}

func TestMatchWhileIdleDropped(t *testing.T) {
	m := driverMachine(t, 5)
	tr, _ := m.Apply(matchEvent(9, 5))
	if tr.Applied || tr.Reason != DropInapplicable {
		t.Fatalf("match while idle: applied=%v reason=%q", tr.Applied, tr.Reason)
	}
}

func assertEffects(t *testing.T, got []Effect, want ...Effect) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("effects = %v, want %v", got, want)
	}
	seen := make(map[Effect]bool, len(got))
	for _, e := range got {
		seen[e] = true
	}
	for _, e := range want {
		if !seen[e] {
			t.Fatalf("effects = %v, missing %v", got, e)
		}
	}
}
