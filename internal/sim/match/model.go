// README: Matching domain model: offers, waiting riders, live matches.
package match

import (
	"errors"
	"time"

	"metrocarpool/internal/types"
)

var (
	ErrAlreadyWaiting  = errors.New("rider already in the waiting queue")
	ErrAlreadyOffering = errors.New("driver already has an open offer")
	ErrAlreadyMatched  = errors.New("actor already has a live match")
	ErrNoSeats         = errors.New("offer needs at least one seat")
)

// Offer is a driver's open ride offer.
type Offer struct {
	DriverID         types.UserID    `json:"driverId"`
	RouteStations    []types.Station `json:"routeStations"`
	FinalDestination types.Station   `json:"finalDestination"`
	AvailableSeats   int             `json:"availableSeats"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// WaitingRider is one queue entry, FIFO by EnqueuedAt.
type WaitingRider struct {
	RiderID          types.UserID  `json:"riderId"`
	PickUpStation    types.Station `json:"pickUpStation"`
	DestinationPlace types.Station `json:"destinationPlace"`
	ArrivalTime      time.Time     `json:"arrivalTime"`
	EnqueuedAt       time.Time     `json:"enqueuedAt"`
}

// Match is a live rider-driver pairing. At most one per rider and one per
// driver at a time.
type Match struct {
	ID                string          `json:"id"`
	RiderID           types.UserID    `json:"riderId"`
	DriverID          types.UserID    `json:"driverId"`
	PickUpStation     types.Station   `json:"pickUpStation"`
	DropOffStation    types.Station   `json:"dropOffStation"`
	Route             []types.Station `json:"route"`
	DriverArrivalTime time.Time       `json:"driverArrivalTime"`
	CreatedAt         time.Time       `json:"createdAt"`
}
