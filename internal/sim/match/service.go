// README: Matching service: pairs waiting riders with open offers and announces matches.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metrocarpool/internal/log"
	"metrocarpool/internal/sim/notify"
	"metrocarpool/internal/sim/station"
)

// TopicMatches is the notification topic match announcements go out on.
const TopicMatches = "matches"

// TripStarter is told about every confirmed pairing so the ride can begin
// progressing. May be nil in tests.
type TripStarter interface {
	Start(m Match)
}

type Service struct {
	store *Store
	net   *station.Network
	est   station.Estimator
	hub   *notify.Hub
	trips TripStarter
	log   zerolog.Logger
}

func NewService(store *Store, net *station.Network, est station.Estimator, hub *notify.Hub, trips TripStarter) *Service {
	return &Service{
		store: store,
		net:   net,
		est:   est,
		hub:   hub,
		trips: trips,
		log:   log.WithComponent("match"),
	}
}

// matchEvent is the wire shape published on the matches topic. Clients filter
// by their own identity; the hub broadcasts to everyone.
type matchEvent struct {
	RiderID           int64  `json:"riderId"`
	DriverID          int64  `json:"driverId"`
	DriverArrivalTime string `json:"driverArrivalTime,omitempty"`
}

// SubmitOffer validates and records a driver offer, then tries an immediate
// match against the waiting queue. Returns the match if one was made.
func (s *Service) SubmitOffer(ctx context.Context, o Offer) (*Match, error) {
	if err := s.net.ValidateRoute(o.RouteStations); err != nil {
		return nil, err
	}
	if o.AvailableSeats < 1 {
		return nil, ErrNoSeats
	}
	if o.FinalDestination == "" {
		o.FinalDestination = o.RouteStations[len(o.RouteStations)-1]
	}
	if live, err := s.store.MatchByDriver(ctx, o.DriverID); err != nil {
		return nil, err
	} else if live != nil {
		return nil, ErrAlreadyMatched
	}
	o.CreatedAt = time.Now().UTC()
	if err := s.store.PutOffer(ctx, o); err != nil {
		return nil, err
	}
	s.log.Info().Int64("driverId", int64(o.DriverID)).Int("stations", len(o.RouteStations)).Msg("offer recorded")
	return s.tryMatchOffer(ctx, o)
}

// EnqueueRider validates and queues a rider request, then tries an immediate
// match against the open offers.
func (s *Service) EnqueueRider(ctx context.Context, r WaitingRider) (*Match, error) {
	if !s.net.Contains(r.PickUpStation) || !s.net.Contains(r.DestinationPlace) {
		return nil, station.ErrUnknownStation
	}
	if live, err := s.store.MatchByRider(ctx, r.RiderID); err != nil {
		return nil, err
	} else if live != nil {
		return nil, ErrAlreadyMatched
	}
	r.EnqueuedAt = time.Now().UTC()
	if err := s.store.EnqueueRider(ctx, r); err != nil {
		return nil, err
	}
	s.log.Info().Int64("riderId", int64(r.RiderID)).Str("pickup", string(r.PickUpStation)).Msg("rider queued")

	offers, err := s.store.Offers(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range offers {
		if s.net.Covers(o.RouteStations, r.PickUpStation, r.DestinationPlace) {
			return s.makeMatch(ctx, o, r)
		}
	}
	return nil, nil
}

// RunScheduler periodically sweeps offers against the waiting queue. It
// backstops the immediate-match paths when both sides raced past each other.
func (s *Service) RunScheduler(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.matchOnce(ctx); err != nil {
				s.log.Warn().Err(err).Msg("matching sweep failed")
			}
		}
	}
}

func (s *Service) matchOnce(ctx context.Context) error {
	offers, err := s.store.Offers(ctx)
	if err != nil {
		return err
	}
	for _, o := range offers {
		if _, err := s.tryMatchOffer(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

// tryMatchOffer pairs the offer with the longest-waiting compatible rider.
func (s *Service) tryMatchOffer(ctx context.Context, o Offer) (*Match, error) {
	riders, err := s.store.Waiting(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range riders {
		if s.net.Covers(o.RouteStations, r.PickUpStation, r.DestinationPlace) {
			return s.makeMatch(ctx, o, r)
		}
	}
	return nil, nil
}

func (s *Service) makeMatch(ctx context.Context, o Offer, r WaitingRider) (*Match, error) {
	m := Match{
		ID:             uuid.NewString(),
		RiderID:        r.RiderID,
		DriverID:       o.DriverID,
		PickUpStation:  r.PickUpStation,
		DropOffStation: r.DestinationPlace,
		Route:          o.RouteStations,
		CreatedAt:      time.Now().UTC(),
	}
	if eta, err := s.est.Estimate(ctx, o.RouteStations[0], r.PickUpStation); err == nil {
		m.DriverArrivalTime = m.CreatedAt.Add(eta)
	}

	if err := s.store.PutMatch(ctx, m); err != nil {
		if errors.Is(err, ErrAlreadyMatched) {
			// Lost the race against another pairing; leave both entries alone.
			return nil, nil
		}
		return nil, err
	}
	if err := s.store.RemoveWaiting(ctx, r.RiderID); err != nil {
		return nil, err
	}
	if err := s.store.RemoveOffer(ctx, o.DriverID); err != nil {
		return nil, err
	}

	ev := matchEvent{RiderID: int64(m.RiderID), DriverID: int64(m.DriverID)}
	if !m.DriverArrivalTime.IsZero() {
		ev.DriverArrivalTime = m.DriverArrivalTime.Format(time.RFC3339)
	}
	s.hub.Publish(TopicMatches, ev)
	if s.trips != nil {
		s.trips.Start(m)
	}
	s.log.Info().Str("matchId", m.ID).Int64("riderId", int64(m.RiderID)).
		Int64("driverId", int64(m.DriverID)).Msg("match made")
	return &m, nil
}
