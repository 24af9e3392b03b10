// README: Per-session ride state machine consuming normalized push events.
package ride

import (
	"errors"

	"github.com/rs/zerolog"

	"metrocarpool/internal/log"
	"metrocarpool/internal/metrics"
	"metrocarpool/internal/session"
	"metrocarpool/internal/types"
)

var (
	ErrNotIdle        = errors.New("a ride is already in progress")
	ErrNoPendingMatch = errors.New("no match awaiting confirmation")
)

// Effect tells the caller which subscription lifecycle actions a transition
// requires. The machine itself never touches the network: the agent executes
// effects, which keeps open/close strictly driven by state (and testable).
type Effect int

const (
	EffectOpenMatchStream Effect = iota
	EffectCloseMatchStream
	EffectOpenLocationStream
	EffectOpenCompletionStream
	EffectCloseAllStreams
)

// DropReason classifies events the machine refused to apply.
type DropReason string

const (
	DropNone         DropReason = ""
	DropFiltered     DropReason = "filtered"     // identity mismatch
	DropDuplicate    DropReason = "duplicate"    // redelivery of an applied event
	DropInapplicable DropReason = "inapplicable" // wrong state for this event
)

// Transition reports what one Apply call did.
type Transition struct {
	From    State
	To      State
	Applied bool
	Reason  DropReason
}

// Snapshot is a read-only copy of the machine's view data.
type Snapshot struct {
	State     State
	Match     *MatchRecord
	Location  *LocationUpdate
	Connected bool
	Message   string // last completion message, informational
}

// Machine is the single finite-state object for one actor session. All calls
// must come from one goroutine; the event-driven model serializes user
// actions and inbound events, so the machine carries no locks.
type Machine struct {
	sess session.Session
	log  zerolog.Logger

	state     State
	match     *MatchRecord
	location  *LocationUpdate
	connected bool
	message   string

	// lastDone remembers the pairing of the most recent completed ride so a
	// replayed RideCompletion after the reset to Idle is recognised as a
	// duplicate rather than an anomaly.
	lastDone *MatchRecord
}

func NewMachine(sess session.Session) *Machine {
	return &Machine{
		sess:  sess,
		log:   log.WithComponent("ride"),
		state: StateIdle,
	}
}

func (m *Machine) State() State { return m.state }

func (m *Machine) Snapshot() Snapshot {
	snap := Snapshot{State: m.state, Connected: m.connected, Message: m.message}
	if m.match != nil {
		c := *m.match
		snap.Match = &c
	}
	if m.location != nil {
		c := *m.location
		snap.Location = &c
	}
	return snap
}

// SubmitAccepted applies the optimistic Idle→Waiting transition. The
// dispatcher calls it only after the outbound request was acknowledged.
func (m *Machine) SubmitAccepted() ([]Effect, error) {
	if m.state != StateIdle {
		return nil, ErrNotIdle
	}
	m.transition(StateWaiting)
	return []Effect{EffectOpenMatchStream}, nil
}

// Confirm is the driver's explicit acceptance of a pending match. Riders
// never reach Matched, so for them this is always ErrNoPendingMatch.
func (m *Machine) Confirm() ([]Effect, error) {
	if m.state != StateMatched || m.match == nil {
		return nil, ErrNoPendingMatch
	}
	m.transition(StateActive)
	return m.activeEffects(), nil
}

// Teardown is the hard reset: logout or fatal session failure. All
// ride-scoped data is wiped and every subscription is closed, whatever
// state the ride was in.
func (m *Machine) Teardown() []Effect {
	if m.state != StateIdle {
		m.transition(StateIdle)
	}
	m.match = nil
	m.location = nil
	m.lastDone = nil
	m.connected = false
	return []Effect{EffectCloseAllStreams}
}

// Apply consumes one normalized event and returns what happened. Events that
// fail the identity filter or arrive in an inapplicable state are counted
// and dropped, never buffered.
func (m *Machine) Apply(ev Event) (Transition, []Effect) {
	switch ev.Kind {
	case EventMatchFound:
		return m.applyMatchFound(ev)
	case EventLocation:
		return m.applyLocation(ev)
	case EventCompletion:
		return m.applyCompletion(ev)
	case EventStreamStatus:
		return m.applyStreamStatus(ev)
	default:
		metrics.EventsDroppedTotal.WithLabelValues(ev.Topic, "malformed").Inc()
		return m.dropped(DropInapplicable), nil
	}
}

func (m *Machine) applyMatchFound(ev Event) (Transition, []Effect) {
	if !m.matchesSelf(ev.RiderID, ev.DriverID) {
		metrics.EventsFilteredTotal.WithLabelValues(ev.Topic).Inc()
		m.log.Debug().Int64("riderId", int64(ev.RiderID)).Int64("driverId", int64(ev.DriverID)).
			Msg("match event for another actor, filtered")
		return m.dropped(DropFiltered), nil
	}

	// Redelivery of the match already applied must not re-trigger the
	// transition or re-open subscriptions.
	if m.match != nil && m.match.SamePair(ev.RiderID, ev.DriverID) {
		metrics.EventsDroppedTotal.WithLabelValues(ev.Topic, string(DropDuplicate)).Inc()
		return m.dropped(DropDuplicate), nil
	}

	if m.state != StateWaiting {
		metrics.EventsDroppedTotal.WithLabelValues(ev.Topic, string(DropInapplicable)).Inc()
		return m.dropped(DropInapplicable), nil
	}

	m.match = &MatchRecord{RiderID: ev.RiderID, DriverID: ev.DriverID, ArrivalTime: ev.ArrivalTime}
	from := m.state

	// Role asymmetry, preserved from the two existing flows: a driver holds
	// in Matched until an explicit confirmation; a rider goes straight to
	// Active, the match is shown informationally only.
	if m.sess.Role == types.RoleDriver {
		m.transition(StateMatched)
		return Transition{From: from, To: m.state, Applied: true}, nil
	}
	m.transition(StateActive)
	return Transition{From: from, To: m.state, Applied: true}, m.activeEffects()
}

func (m *Machine) applyLocation(ev Event) (Transition, []Effect) {
	if !m.matchesSelf(ev.RiderID, ev.DriverID) {
		metrics.EventsFilteredTotal.WithLabelValues(ev.Topic).Inc()
		return m.dropped(DropFiltered), nil
	}
	// Location data is only meaningful while Active; an update racing ahead
	// of the Active transition is inapplicable, not buffered.
	if m.state != StateActive {
		metrics.EventsDroppedTotal.WithLabelValues(ev.Topic, string(DropInapplicable)).Inc()
		return m.dropped(DropInapplicable), nil
	}
	upd := &LocationUpdate{NextStation: types.Station(ev.NextStation), TimeToNextStation: -1}
	if ev.TimeToNextStation != nil {
		upd.TimeToNextStation = *ev.TimeToNextStation
	}
	m.location = upd
	// Overwrite only, no state change.
	return Transition{From: m.state, To: m.state, Applied: true}, nil
}

func (m *Machine) applyCompletion(ev Event) (Transition, []Effect) {
	if !m.matchesSelf(ev.RiderID, ev.DriverID) {
		metrics.EventsFilteredTotal.WithLabelValues(ev.Topic).Inc()
		return m.dropped(DropFiltered), nil
	}

	if m.state != StateActive {
		reason := DropInapplicable
		if m.lastDone != nil && m.lastDone.SamePair(ev.RiderID, ev.DriverID) {
			reason = DropDuplicate
		}
		metrics.EventsDroppedTotal.WithLabelValues(ev.Topic, string(reason)).Inc()
		return m.dropped(reason), nil
	}

	from := m.state
	m.transition(StateCompleted)
	m.message = ev.Message
	m.lastDone = m.match
	m.match = nil
	m.location = nil
	// Completed is not a resting state: settle on Idle so the session can
	// run the next ride.
	m.transition(StateIdle)
	return Transition{From: from, To: m.state, Applied: true}, []Effect{EffectCloseAllStreams}
}

func (m *Machine) applyStreamStatus(ev Event) (Transition, []Effect) {
	// A transport failure is surfaced, never state-altering: losing the
	// stream while Active must not drop the ride.
	m.connected = ev.Connected
	if !ev.Connected {
		m.log.Warn().Str("topic", ev.Topic).Msg("subscription lost, ride state unchanged")
	}
	return Transition{From: m.state, To: m.state, Applied: true}, nil
}

// matchesSelf implements the identity filter: the event field corresponding
// to the local actor's own role must equal the actor's id.
func (m *Machine) matchesSelf(riderID, driverID types.UserID) bool {
	if m.sess.Role == types.RoleDriver {
		return driverID == m.sess.UserID
	}
	return riderID == m.sess.UserID
}

func (m *Machine) activeEffects() []Effect {
	effects := []Effect{EffectCloseMatchStream, EffectOpenCompletionStream}
	if m.sess.Role == types.RoleRider {
		effects = append(effects, EffectOpenLocationStream)
	}
	return effects
}

func (m *Machine) transition(to State) {
	from := m.state
	if !CanTransition(from, to) {
		// Internal callers only move along the table; reaching this is a bug.
		m.log.Error().Str("from", string(from)).Str("to", string(to)).Msg("illegal transition requested")
		return
	}
	m.state = to
	metrics.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("ride state changed")
}

func (m *Machine) dropped(reason DropReason) Transition {
	return Transition{From: m.state, To: m.state, Applied: false, Reason: reason}
}
