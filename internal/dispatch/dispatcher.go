// README: Action dispatcher turning validated ride forms into one outbound request.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"metrocarpool/internal/log"
	"metrocarpool/internal/ride"
	"metrocarpool/internal/session"
	"metrocarpool/internal/types"
)

var (
	ErrInvalidOffer   = errors.New("offer needs at least 2 route stations and 1 seat")
	ErrInvalidRequest = errors.New("request needs pickup, destination, and arrival time")
	ErrWrongRole      = errors.New("action not available for this role")
	ErrUnauthorized   = errors.New("request rejected: invalid token")
	ErrDispatch       = errors.New("matching backend rejected or unreachable")
)

// Offer is a driver's completed ride offer. The final destination is by
// contract the last entry of RouteStations.
type Offer struct {
	RouteStations  []types.Station
	AvailableSeats int
}

func (o Offer) Validate() error {
	if len(o.RouteStations) < 2 || o.AvailableSeats < 1 {
		return ErrInvalidOffer
	}
	for _, s := range o.RouteStations {
		if s == "" {
			return ErrInvalidOffer
		}
	}
	return nil
}

// Request is a rider's completed ride request.
type Request struct {
	PickUpStation    types.Station
	DestinationPlace types.Station
	ArrivalTime      time.Time
}

func (r Request) Validate() error {
	if r.PickUpStation == "" || r.DestinationPlace == "" || r.ArrivalTime.IsZero() {
		return ErrInvalidRequest
	}
	return nil
}

// Dispatcher issues exactly one outbound request per user action and applies
// the optimistic Idle→Waiting transition only after the backend acknowledged
// it. On any failure the session stays Idle and the user may retry freely.
type Dispatcher struct {
	sess    session.Session
	baseURL string
	client  *http.Client
	machine *ride.Machine
	log     zerolog.Logger
}

func NewDispatcher(sess session.Session, baseURL string, machine *ride.Machine) *Dispatcher {
	return &Dispatcher{
		sess:    sess,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		machine: machine,
		log:     log.WithComponent("dispatch"),
	}
}

type offerPayload struct {
	DriverID         int64    `json:"driverId"`
	RouteStations    []string `json:"routeStations"`
	FinalDestination string   `json:"finalDestination"`
	AvailableSeats   int      `json:"availableSeats"`
}

type requestPayload struct {
	RiderID          int64            `json:"riderId"`
	PickUpStation    string           `json:"pickUpStation"`
	DestinationPlace string           `json:"destinationPlace"`
	ArrivalTime      timestampPayload `json:"arrivalTime"`
}

// timestampPayload mirrors the protobuf Timestamp shape the matching backend
// expects.
type timestampPayload struct {
	Seconds int64 `json:"seconds"`
	Nanos   int32 `json:"nanos"`
}

// SubmitOffer posts a driver offer. Only legal while the ride state is Idle;
// the Waiting transition happens strictly after the 2xx acknowledgment.
func (d *Dispatcher) SubmitOffer(ctx context.Context, offer Offer) ([]ride.Effect, error) {
	if d.sess.Role != types.RoleDriver {
		return nil, ErrWrongRole
	}
	if err := offer.Validate(); err != nil {
		return nil, err
	}
	if d.machine.State() != ride.StateIdle {
		return nil, ride.ErrNotIdle
	}

	stations := make([]string, len(offer.RouteStations))
	for i, s := range offer.RouteStations {
		stations[i] = string(s)
	}
	payload := offerPayload{
		DriverID:         int64(d.sess.UserID),
		RouteStations:    stations,
		FinalDestination: stations[len(stations)-1],
		AvailableSeats:   offer.AvailableSeats,
	}
	if err := d.post(ctx, "/api/driver/driver-info", payload); err != nil {
		return nil, err
	}
	d.log.Info().Int("stations", len(stations)).Int("seats", offer.AvailableSeats).Msg("ride offer accepted")
	return d.machine.SubmitAccepted()
}

// SubmitRequest posts a rider request. Same acknowledgment contract as
// SubmitOffer.
func (d *Dispatcher) SubmitRequest(ctx context.Context, req Request) ([]ride.Effect, error) {
	if d.sess.Role != types.RoleRider {
		return nil, ErrWrongRole
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if d.machine.State() != ride.StateIdle {
		return nil, ride.ErrNotIdle
	}

	payload := requestPayload{
		RiderID:          int64(d.sess.UserID),
		PickUpStation:    string(req.PickUpStation),
		DestinationPlace: string(req.DestinationPlace),
		ArrivalTime: timestampPayload{
			Seconds: req.ArrivalTime.Unix(),
			Nanos:   int32(req.ArrivalTime.Nanosecond()),
		},
	}
	if err := d.post(ctx, "/api/rider/rider-info", payload); err != nil {
		return nil, err
	}
	d.log.Info().Str("pickup", string(req.PickUpStation)).Str("destination", string(req.DestinationPlace)).
		Msg("ride request accepted")
	return d.machine.SubmitAccepted()
}

func (d *Dispatcher) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.sess.Token)

	resp, err := d.client.Do(req)
	if err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("dispatch failed")
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	default:
		d.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("dispatch rejected")
		return fmt.Errorf("%w: status %d", ErrDispatch, resp.StatusCode)
	}
}
