// README: drive/ride commands: run one full ride session end to end.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"metrocarpool/internal/agent"
	"metrocarpool/internal/dispatch"
	"metrocarpool/internal/ride"
	"metrocarpool/internal/session"
	"metrocarpool/internal/types"
)

func newDriveCmd() *cobra.Command {
	var route []string
	var seats int
	var autoConfirm bool
	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Offer a ride along a route and carry it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			stations := make([]types.Station, len(route))
			for i, s := range route {
				stations[i] = types.Station(s)
			}
			return runSession(cmd, types.RoleDriver, autoConfirm, func(ctx context.Context, a *agent.Agent) error {
				return a.SubmitOffer(ctx, dispatch.Offer{RouteStations: stations, AvailableSeats: seats})
			})
		},
	}
	cmd.Flags().StringSliceVar(&route, "route", nil, "route stations in driving order")
	cmd.Flags().IntVar(&seats, "seats", 1, "available seats")
	cmd.Flags().BoolVar(&autoConfirm, "auto-confirm", true, "confirm matches without prompting")
	cmd.MarkFlagRequired("route")
	return cmd
}

func newRideCmd() *cobra.Command {
	var pickup, destination string
	var arrivalIn time.Duration
	cmd := &cobra.Command{
		Use:   "ride",
		Short: "Request a ride and follow it to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, types.RoleRider, false, func(ctx context.Context, a *agent.Agent) error {
				return a.SubmitRequest(ctx, dispatch.Request{
					PickUpStation:    types.Station(pickup),
					DestinationPlace: types.Station(destination),
					ArrivalTime:      time.Now().Add(arrivalIn),
				})
			})
		},
	}
	cmd.Flags().StringVar(&pickup, "pickup", "", "pickup station")
	cmd.Flags().StringVar(&destination, "destination", "", "destination station")
	cmd.Flags().DurationVar(&arrivalIn, "arrival-in", 30*time.Minute, "desired arrival time from now")
	cmd.MarkFlagRequired("pickup")
	cmd.MarkFlagRequired("destination")
	return cmd
}

// runSession submits the action, then follows the session until the ride
// completes or the user interrupts.
func runSession(cmd *cobra.Command, role types.Role, autoConfirm bool, submit func(context.Context, *agent.Agent) error) error {
	store, err := sessionStore()
	if err != nil {
		return err
	}
	sess, err := store.Load()
	if errors.Is(err, session.ErrNoSession) {
		return errors.New("not logged in, run `carpool-agent login` first")
	}
	if err != nil {
		return err
	}
	if sess.Role != role {
		return fmt.Errorf("logged in as %s, this command needs a %s session", sess.Role, role)
	}

	a := agent.New(sess, agentConfig())
	snaps := make(chan ride.Snapshot, 32)
	a.OnTransition(func(_ ride.Transition, snap ride.Snapshot) {
		select {
		case snaps <- snap:
		default:
		}
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := submit(runCtx, a); err != nil {
		return err
	}
	fmt.Println("waiting for a match...")

	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := a.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case <-runCtx.Done():
				return nil
			case snap := <-snaps:
				render(snap)
				if snap.State == ride.StateMatched {
					if autoConfirm {
						a.Confirm()
					} else {
						fmt.Print("press Enter to confirm the match: ")
						bufio.NewReader(os.Stdin).ReadString('\n')
						a.Confirm()
					}
				}
				if snap.State == ride.StateIdle && snap.Message != "" {
					cancel()
					return nil
				}
			}
		}
	})
	return g.Wait()
}

func render(snap ride.Snapshot) {
	switch snap.State {
	case ride.StateMatched, ride.StateActive:
		if snap.Match != nil {
			line := fmt.Sprintf("[%s] rider #%d with driver #%d", snap.State, snap.Match.RiderID, snap.Match.DriverID)
			if snap.Match.ArrivalTime != nil {
				line += ", driver arrives " + snap.Match.ArrivalTime.Local().Format(time.Kitchen)
			}
			fmt.Println(line)
		}
		if snap.Location != nil {
			fmt.Printf("[%s] driver heading to %s (%ds)\n", snap.State, snap.Location.NextStation, snap.Location.TimeToNextStation)
		}
	case ride.StateIdle:
		if snap.Message != "" {
			fmt.Println(snap.Message)
		}
	default:
		fmt.Printf("[%s]\n", snap.State)
	}
}
