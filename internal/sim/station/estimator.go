// README: Travel-time estimation: Google Maps when a key is set, static hops otherwise.
package station

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"metrocarpool/internal/log"
	"metrocarpool/internal/types"
)

// Estimator answers how long a driver needs between two stations.
type Estimator interface {
	Estimate(ctx context.Context, origin, destination types.Station) (time.Duration, error)
}

// NewEstimator picks the Maps-backed estimator when an API key is configured,
// otherwise the static per-hop estimate from the line topology.
func NewEstimator(apiKey string, net *Network) (Estimator, error) {
	static := staticEstimator{net: net}
	if apiKey == "" {
		return static, nil
	}
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	return &mapsEstimator{client: client, fallback: static}, nil
}

type staticEstimator struct {
	net *Network
}

func (e staticEstimator) Estimate(_ context.Context, origin, destination types.Station) (time.Duration, error) {
	return e.net.Travel(origin, destination)
}

type mapsEstimator struct {
	client   *maps.Client
	fallback staticEstimator
}

// Estimate asks the Directions API for a driving estimate between the two
// stations. Any API failure degrades to the static estimate so matching
// never stalls on an upstream outage.
func (e *mapsEstimator) Estimate(ctx context.Context, origin, destination types.Station) (time.Duration, error) {
	req := &maps.DirectionsRequest{
		Origin:      string(origin) + " station",
		Destination: string(destination) + " station",
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := e.client.Directions(ctx, req)
	if err != nil || len(routes) == 0 || len(routes[0].Legs) == 0 {
		logger := log.WithComponent("station")
		logger.Warn().Err(err).
			Str("origin", string(origin)).Str("destination", string(destination)).
			Msg("directions lookup failed, using static estimate")
		return e.fallback.Estimate(ctx, origin, destination)
	}
	return routes[0].Legs[0].Duration, nil
}
