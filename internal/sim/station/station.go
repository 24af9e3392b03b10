// README: Static metro-line topology with per-hop travel times.
package station

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"metrocarpool/internal/types"
)

//go:embed stations.csv
var stationsCSV []byte

var (
	ErrUnknownStation = errors.New("station is not on the line")
	ErrBadRoute       = errors.New("route must be at least two distinct known stations")
)

// Network is the line every ride runs on. Stations are ordered along the
// line; hop[i] is the travel time from station i to station i+1.
type Network struct {
	order []types.Station
	index map[types.Station]int
	hop   []time.Duration
}

// Load parses the embedded topology.
func Load() (*Network, error) {
	reader := csv.NewReader(bytes.NewReader(stationsCSV))
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("station topology: %w", err)
	}
	if len(rows) < 3 {
		return nil, errors.New("station topology: too few stations")
	}

	n := &Network{index: make(map[types.Station]int)}
	for i, row := range rows[1:] { // skip header
		name := types.Station(row[0])
		secs, err := strconv.Atoi(row[1])
		if err != nil {
			return nil, fmt.Errorf("station topology row %d: %w", i+1, err)
		}
		n.index[name] = len(n.order)
		n.order = append(n.order, name)
		n.hop = append(n.hop, time.Duration(secs)*time.Second)
	}
	return n, nil
}

// Stations returns the line in order.
func (n *Network) Stations() []types.Station {
	out := make([]types.Station, len(n.order))
	copy(out, n.order)
	return out
}

func (n *Network) Contains(s types.Station) bool {
	_, ok := n.index[s]
	return ok
}

// ValidateRoute checks a driver's offered route: at least two stations, all
// on the line, none repeated.
func (n *Network) ValidateRoute(route []types.Station) error {
	if len(route) < 2 {
		return ErrBadRoute
	}
	seen := make(map[types.Station]bool, len(route))
	for _, s := range route {
		if !n.Contains(s) {
			return fmt.Errorf("%w: %q", ErrUnknownStation, s)
		}
		if seen[s] {
			return ErrBadRoute
		}
		seen[s] = true
	}
	return nil
}

// Covers reports whether the route passes pickup strictly before dropoff.
func (n *Network) Covers(route []types.Station, pickup, dropoff types.Station) bool {
	pi, di := -1, -1
	for i, s := range route {
		if s == pickup {
			pi = i
		}
		if s == dropoff {
			di = i
		}
	}
	return pi >= 0 && di >= 0 && pi < di
}

// Travel sums the per-hop times between two stations along the line.
func (n *Network) Travel(from, to types.Station) (time.Duration, error) {
	fi, ok := n.index[from]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStation, from)
	}
	ti, ok := n.index[to]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStation, to)
	}
	if fi > ti {
		fi, ti = ti, fi
	}
	var total time.Duration
	for i := fi; i < ti; i++ {
		total += n.hop[i]
	}
	return total, nil
}
