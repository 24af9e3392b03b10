// README: Simulator entry point: config, infra, services, HTTP server, schedulers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"metrocarpool/internal/config"
	"metrocarpool/internal/infra"
	"metrocarpool/internal/log"
	"metrocarpool/internal/sim/httpapi"
	"metrocarpool/internal/sim/match"
	"metrocarpool/internal/sim/notify"
	"metrocarpool/internal/sim/station"
	"metrocarpool/internal/sim/trip"
	"metrocarpool/internal/sim/user"
)

func main() {
	log.Configure(log.Config{Service: "carpool-sim"})
	logger := log.Base()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.Sim.DB.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres init")
	}
	defer dbPool.Close()
	redisClient := infra.NewRedis(cfg.Sim.Redis.Addr)

	net, err := station.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("station topology")
	}
	estimator, err := station.NewEstimator(cfg.Sim.Maps.APIKey, net)
	if err != nil {
		logger.Fatal().Err(err).Msg("travel estimator")
	}

	hub := notify.NewHub()
	tokens := user.NewTokenIssuer(cfg.Sim.JWT.Secret)
	userSvc := user.NewService(user.NewStore(dbPool), tokens)

	matchStore := match.NewStore(redisClient)
	trips := trip.NewRunner(matchStore, estimator, hub)
	matchSvc := match.NewService(matchStore, net, estimator, hub, trips)

	server := httpapi.NewServer(userSvc, tokens, matchSvc, net, hub)
	httpSrv := &http.Server{Addr: cfg.Sim.HTTP.Addr, Handler: server.Routes()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		matchSvc.RunScheduler(ctx, time.Duration(cfg.Sim.Match.TickSeconds)*time.Second)
		return nil
	})
	g.Go(func() error {
		trips.Run(ctx, time.Duration(cfg.Sim.Trip.TickSeconds)*time.Second)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.Sim.HTTP.Addr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("simulator exited")
	}
	logger.Info().Msg("simulator stopped")
}
