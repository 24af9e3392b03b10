// README: One actor session: wires machine, streams, and dispatcher into a single event loop.
package agent

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"metrocarpool/internal/config"
	"metrocarpool/internal/dispatch"
	"metrocarpool/internal/log"
	"metrocarpool/internal/ride"
	"metrocarpool/internal/session"
	"metrocarpool/internal/stream"
)

var ErrAuthFailed = errors.New("session authentication rejected")

// TransitionFunc observes applied transitions. It runs on the event loop
// goroutine, so implementations must not call back into the agent.
type TransitionFunc func(tr ride.Transition, snap ride.Snapshot)

// Agent runs one actor session end to end. All ride state lives in the
// machine and is touched only by the loop goroutine; user actions enter the
// loop through channels. Submit* must be called before Run starts.
type Agent struct {
	sess     session.Session
	machine  *ride.Machine
	streams  *stream.Manager
	dispatch *dispatch.Dispatcher
	log      zerolog.Logger

	confirms     chan struct{}
	onTransition TransitionFunc
}

func New(sess session.Session, cfg config.AgentConfig) *Agent {
	machine := ride.NewMachine(sess)
	return &Agent{
		sess:     sess,
		machine:  machine,
		streams:  stream.NewManager(sess, cfg.BaseURL),
		dispatch: dispatch.NewDispatcher(sess, cfg.BaseURL, machine),
		log:      log.WithComponent("agent"),
		confirms: make(chan struct{}, 1),
	}
}

// OnTransition registers the observer the CLI uses to render snapshots.
func (a *Agent) OnTransition(fn TransitionFunc) { a.onTransition = fn }

// SubmitOffer dispatches a driver offer and, on acknowledgment, opens the
// match stream. Call before Run.
func (a *Agent) SubmitOffer(ctx context.Context, offer dispatch.Offer) error {
	effects, err := a.dispatch.SubmitOffer(ctx, offer)
	if err != nil {
		return err
	}
	return a.execute(ctx, effects)
}

// SubmitRequest dispatches a rider request. Call before Run.
func (a *Agent) SubmitRequest(ctx context.Context, req dispatch.Request) error {
	effects, err := a.dispatch.SubmitRequest(ctx, req)
	if err != nil {
		return err
	}
	return a.execute(ctx, effects)
}

// Confirm queues the driver's match confirmation for the event loop.
func (a *Agent) Confirm() {
	select {
	case a.confirms <- struct{}{}:
	default:
	}
}

// Run is the single consumer loop. It serializes inbound push events and
// user confirmations into the state machine and executes the machine's
// subscription effects. Returns when ctx is cancelled (logout) or the
// session's token is rejected.
func (a *Agent) Run(ctx context.Context) error {
	defer func() {
		a.machine.Teardown()
		a.streams.CloseAll()
	}()

	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("session torn down")
			return ctx.Err()

		case <-a.confirms:
			effects, err := a.machine.Confirm()
			if err != nil {
				a.log.Warn().Err(err).Msg("confirmation ignored")
				continue
			}
			if err := a.execute(ctx, effects); err != nil {
				return err
			}
			a.notify(ride.Transition{From: ride.StateMatched, To: ride.StateActive, Applied: true})

		case ev := <-a.streams.Events():
			tr, effects := a.machine.Apply(ev)
			if err := a.execute(ctx, effects); err != nil {
				return err
			}
			if tr.Applied {
				a.notify(tr)
			}
		}
	}
}

func (a *Agent) notify(tr ride.Transition) {
	if a.onTransition != nil {
		a.onTransition(tr, a.machine.Snapshot())
	}
}

// execute runs the machine's subscription effects. An authentication
// rejection is fatal to the session; any other open failure degrades
// connectivity without touching ride state.
func (a *Agent) execute(ctx context.Context, effects []ride.Effect) error {
	for _, effect := range effects {
		switch effect {
		case ride.EffectOpenMatchStream:
			if err := a.open(ctx, stream.TopicMatches); err != nil {
				return err
			}
		case ride.EffectCloseMatchStream:
			a.streams.Close(stream.TopicMatches)
		case ride.EffectOpenLocationStream:
			if err := a.open(ctx, stream.TopicDriverLocation); err != nil {
				return err
			}
		case ride.EffectOpenCompletionStream:
			if err := a.open(ctx, stream.CompletionTopic(a.sess.Role)); err != nil {
				return err
			}
		case ride.EffectCloseAllStreams:
			a.streams.CloseAll()
		}
	}
	return nil
}

func (a *Agent) open(ctx context.Context, topic stream.Topic) error {
	err := a.streams.Open(ctx, topic)
	if errors.Is(err, stream.ErrUnauthorized) {
		a.log.Error().Str("topic", string(topic)).Msg("token rejected on subscription")
		return ErrAuthFailed
	}
	if err != nil {
		// Degraded but alive: the ride survives a dead stream.
		a.log.Warn().Err(err).Str("topic", string(topic)).Msg("subscription open failed")
		a.machine.Apply(ride.Event{Kind: ride.EventStreamStatus, Topic: string(topic), Connected: false})
	}
	return nil
}
