// README: Trip progression: walks matched routes, publishing location and completion.
package trip

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"metrocarpool/internal/log"
	"metrocarpool/internal/sim/match"
	"metrocarpool/internal/sim/notify"
	"metrocarpool/internal/sim/station"
	"metrocarpool/internal/types"
)

const (
	TopicDriverLocation   = "driver-location-for-rider"
	TopicDriverCompletion = "driver-ride-completion"
	TopicRiderCompletion  = "rider-ride-completion"
)

// locationEvent is the wire shape on the location topic.
type locationEvent struct {
	RiderID           int64  `json:"riderId"`
	DriverID          int64  `json:"driverId"`
	NextStation       string `json:"nextStation"`
	TimeToNextStation int    `json:"timeToNextStation"`
}

// completionEvent carries only the identity field of the topic's role.
type completionEvent struct {
	RiderID           *int64 `json:"riderId,omitempty"`
	DriverID          *int64 `json:"driverId,omitempty"`
	CompletionMessage string `json:"completionMessage"`
}

type activeTrip struct {
	m   match.Match
	pos int // index of the driver's current station on the route
}

// Runner advances every live trip one station per tick. Reaching the rider's
// drop-off publishes completion to both role topics and clears the match.
type Runner struct {
	store *match.Store
	est   station.Estimator
	hub   *notify.Hub
	log   zerolog.Logger

	mu    sync.Mutex
	trips map[types.UserID]*activeTrip // keyed by driver id
}

func NewRunner(store *match.Store, est station.Estimator, hub *notify.Hub) *Runner {
	return &Runner{
		store: store,
		est:   est,
		hub:   hub,
		log:   log.WithComponent("trip"),
		trips: make(map[types.UserID]*activeTrip),
	}
}

// Start registers a freshly made match. The driver begins at the first
// station of the offered route.
func (r *Runner) Start(m match.Match) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trips[m.DriverID] = &activeTrip{m: m}
	r.log.Info().Str("matchId", m.ID).Int64("driverId", int64(m.DriverID)).Msg("trip started")
}

// Active reports how many trips are currently progressing.
func (r *Runner) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trips)
}

// Run drives all trips until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.step(ctx)
		}
	}
}

func (r *Runner) step(ctx context.Context) {
	r.mu.Lock()
	trips := make([]*activeTrip, 0, len(r.trips))
	for _, t := range r.trips {
		trips = append(trips, t)
	}
	r.mu.Unlock()

	for _, t := range trips {
		r.advance(ctx, t)
	}
}

// advance moves one trip forward a station and publishes what riders see.
func (r *Runner) advance(ctx context.Context, t *activeTrip) {
	route := t.m.Route
	if t.pos+1 >= len(route) || route[t.pos] == t.m.DropOffStation {
		r.complete(ctx, t)
		return
	}
	t.pos++
	if route[t.pos] == t.m.DropOffStation {
		r.complete(ctx, t)
		return
	}

	next := route[t.pos+1]
	eta := 0
	if d, err := r.est.Estimate(ctx, route[t.pos], next); err == nil {
		eta = int(d.Seconds())
	}
	r.hub.Publish(TopicDriverLocation, locationEvent{
		RiderID:           int64(t.m.RiderID),
		DriverID:          int64(t.m.DriverID),
		NextStation:       string(next),
		TimeToNextStation: eta,
	})
}

func (r *Runner) complete(ctx context.Context, t *activeTrip) {
	riderID := int64(t.m.RiderID)
	driverID := int64(t.m.DriverID)
	msg := "Ride completed at " + string(t.m.DropOffStation)

	r.hub.Publish(TopicDriverCompletion, completionEvent{DriverID: &driverID, CompletionMessage: msg})
	r.hub.Publish(TopicRiderCompletion, completionEvent{RiderID: &riderID, CompletionMessage: msg})

	if err := r.store.ClearMatch(ctx, t.m); err != nil {
		r.log.Warn().Err(err).Str("matchId", t.m.ID).Msg("match cleanup failed")
	}
	r.mu.Lock()
	delete(r.trips, t.m.DriverID)
	r.mu.Unlock()
	r.log.Info().Str("matchId", t.m.ID).Msg("trip completed")
}
