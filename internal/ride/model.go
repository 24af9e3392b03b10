// README: Ride session states, transition table, and event payloads.
package ride

import (
	"time"

	"metrocarpool/internal/types"
)

type State string

const (
	StateIdle      State = "idle"
	StateWaiting   State = "waiting"
	StateMatched   State = "matched"
	StateActive    State = "active"
	StateCompleted State = "completed"
)

// AllowedTransitions represents the ride session state flow as code.
// Completed is a pass-through: the machine applies its effects and settles
// back on Idle in the same step, so a session can run another ride.
var AllowedTransitions = map[State][]State{
	StateIdle:      {StateWaiting},
	StateWaiting:   {StateMatched, StateActive, StateIdle},
	StateMatched:   {StateActive, StateIdle},
	StateActive:    {StateCompleted, StateIdle},
	StateCompleted: {StateIdle},
}

func CanTransition(from, to State) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// MatchRecord is the live pairing for the current ride. At most one exists
// per session, and only while the state is Matched or Active.
type MatchRecord struct {
	RiderID     types.UserID
	DriverID    types.UserID
	ArrivalTime *time.Time
}

// SamePair reports whether another record identifies the same rider/driver
// pairing. Used for duplicate detection on redelivered events.
func (r MatchRecord) SamePair(riderID, driverID types.UserID) bool {
	return r.RiderID == riderID && r.DriverID == driverID
}

// LocationUpdate is the latest driver position report. Transient: overwritten
// by each newer event, meaningful only while the ride is Active.
type LocationUpdate struct {
	NextStation       types.Station
	TimeToNextStation int // seconds; -1 when the event omitted it
}

// EventKind discriminates normalized inbound events on the single feed the
// state machine consumes.
type EventKind string

const (
	EventMatchFound   EventKind = "match_found"
	EventLocation     EventKind = "location_update"
	EventCompletion   EventKind = "ride_completion"
	EventStreamStatus EventKind = "stream_status"
)

// Event is one normalized push notification (or subscription status change).
// The channel manager produces these; only fields relevant to Kind are set.
type Event struct {
	Kind  EventKind
	Topic string // originating topic, for logs and metrics

	RiderID  types.UserID // 0 when the payload omitted the field
	DriverID types.UserID

	ArrivalTime       *time.Time // MatchFound
	NextStation       string     // Location
	TimeToNextStation *int       // Location
	Message           string     // Completion

	Connected bool // StreamStatus
}
