package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/adwski/yim-server/backend/codec"
	"github.com/adwski/yim-server/backend/model"
	"github.com/adwski/yim-server/backend/stats"
	"github.com/adwski/yim-server/backend/storage/memory"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

var (
	ErrNoRoutingTarget = errors.New("envelope has neither target client nor room")
	ErrConnect         = errors.New("unable to connect")
	ErrDisconnect      = errors.New("unable to disconnect")
	ErrUnknownSender   = errors.New("message from unregistered client")
)

type (
	ClientRegistry interface {
		Register(id string) (*memory.Client, error)
		Unregister(id string) error
		Has(id string) bool
		Send(ctx context.Context, id string, env *model.Envelope) error
		BroadcastAll(ctx context.Context, env *model.Envelope) int
		Len() int
	}

	RoomRegistry interface {
		JoinOrCreate(name, clientID string) *memory.Room
		LeaveAll(clientID string) []string
		Broadcast(ctx context.Context, name, senderID, text string, attrs model.Attributes) (int, error)
		List() []string
		Len() int
	}

	// Router decides who receives every inbound message and keeps
	// client and room membership consistent across connects and disconnects.
	// All registry access is serialized by a single lock, so each event
	// is handled to completion before the next one touches the registries.
	// Frames staged in the outbox during an event are delivered after
	// the lock is released.
	Router struct {
		clients ClientRegistry
		rooms   RoomRegistry
		out     *Outbox
		stats   *stats.Stats
		mx      *sync.Mutex
		strict  bool
		logger  zerolog.Logger
	}

	Config struct {
		Clients ClientRegistry
		Rooms   RoomRegistry
		Logger  *zerolog.Logger

		// Outbox must be the transport of Clients. Without it
		// sends reach the transport under the router lock.
		Outbox *Outbox

		// Strict makes registry invariant violations panic instead of being logged.
		Strict bool
	}
)

func NewRouter(cfg Config) *Router {
	return &Router{
		clients: cfg.Clients,
		rooms:   cfg.Rooms,
		out:     cfg.Outbox,
		stats:   stats.New(),
		mx:      &sync.Mutex{},
		strict:  cfg.Strict,
		logger:  cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// exec runs handler under the router lock, then delivers what it staged.
// Delivery errors are joined to the handler error.
func (r *Router) exec(ctx context.Context, handler func() error) error {
	frames, err := r.locked(handler)
	if len(frames) == 0 {
		return err
	}
	return errors.Join(err, r.out.deliver(ctx, frames, &r.logger))
}

func (r *Router) locked(handler func() error) (frames []frame, err error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	defer func() {
		// also runs on panic, nothing is left staged for the next event
		frames = r.out.take()
	}()
	return nil, handler()
}

// OnConnect registers a new client and greets it with the list of rooms.
// Greeting delivery failures are only logged.
func (r *Router) OnConnect(ctx context.Context, id string) error {
	err := r.exec(ctx, func() error {
		return r.connect(ctx, id)
	})
	if errors.Is(err, ErrConnect) {
		return err
	}
	return nil
}

func (r *Router) connect(ctx context.Context, id string) error {
	if _, err := r.clients.Register(id); err != nil {
		r.violation(err, id)
		return errors.Join(ErrConnect, err)
	}
	r.logger.Debug().Str("clientID", id).Msg("client connected")

	r.notify(ctx, id, fmt.Sprintf(model.NoticeWelcome, id))
	r.notify(ctx, id, strings.Join(r.rooms.List(), ", "))
	return nil
}

// OnDisconnect tells everyone the client is gone and removes it from all rooms.
// Notice delivery failures are only logged.
func (r *Router) OnDisconnect(ctx context.Context, id string) error {
	err := r.exec(ctx, func() error {
		return r.disconnect(ctx, id)
	})
	if errors.Is(err, ErrDisconnect) {
		return err
	}
	return nil
}

func (r *Router) disconnect(ctx context.Context, id string) error {
	err := r.clients.Unregister(id)
	if err != nil {
		r.violation(err, id)
		err = errors.Join(ErrDisconnect, err)
	} else {
		r.clients.BroadcastAll(ctx, model.Notice(fmt.Sprintf(model.NoticeClientGone, id)))
	}
	closed := r.rooms.LeaveAll(id)

	r.logger.Debug().
		Str("clientID", id).
		Strs("closedRooms", closed).
		Msg("client disconnected")
	return err
}

// OnMessage routes one raw inbound message of client id.
// Malformed and empty messages are dropped without error.
func (r *Router) OnMessage(ctx context.Context, id string, raw []byte) error {
	env, err := codec.Decode(raw)
	if err != nil {
		r.stats.Dropped()
		r.logger.Debug().Err(err).Str("clientID", id).Msg("message dropped")
		return nil
	}
	if env.Text == "" {
		r.stats.Dropped()
		r.logger.Debug().Str("clientID", id).Msg("empty message dropped")
		return nil
	}
	if e := r.logger.Trace(); e.Enabled() {
		e.Str("clientID", id).Str("envelope", spew.Sdump(env)).Msg("inbound envelope")
	}

	return r.exec(ctx, func() error {
		return r.route(ctx, id, env, len(raw))
	})
}

func (r *Router) route(ctx context.Context, id string, env *model.Envelope, size int) error {
	if !r.clients.Has(id) {
		r.logger.Warn().Str("clientID", id).Msg("message from unregistered client")
		return ErrUnknownSender
	}

	var room string
	if env.Join != "" {
		r.rooms.JoinOrCreate(env.Join, id)
		room = env.Join
	}

	switch {
	case env.To != "":
		return r.direct(ctx, id, env, size)
	case room != "":
		return r.broadcast(ctx, id, room, env, size)
	default:
		r.stats.Rejected()
		r.logger.Debug().Str("clientID", id).Msg("message without target rejected")
		r.notify(ctx, id, model.NoticeNoTarget)
		return ErrNoRoutingTarget
	}
}

func (r *Router) direct(ctx context.Context, id string, env *model.Envelope, size int) error {
	out := &model.Envelope{
		Text:       env.Text,
		Sender:     id,
		Attributes: env.Attributes,
	}
	err := r.clients.Send(ctx, env.To, out)
	switch {
	case errors.Is(err, memory.ErrUnknownClient):
		r.notify(ctx, id, fmt.Sprintf(model.NoticeNoSuchClient, env.To))
		return nil
	case err != nil:
		r.logger.Warn().Err(err).
			Str("clientID", id).
			Str("dst", env.To).
			Msg("direct message failed")
		return err
	}
	r.stats.Routed(1, size)
	r.logger.Debug().Str("clientID", id).Str("dst", env.To).Msg("direct message routed")
	return nil
}

func (r *Router) broadcast(ctx context.Context, id, room string, env *model.Envelope, size int) error {
	n, err := r.rooms.Broadcast(ctx, room, id, env.Text, env.Attributes)
	if err != nil {
		// room was joined under the same lock, it must exist
		r.violation(err, id)
		return err
	}
	r.stats.Routed(n, size)
	r.logger.Debug().
		Str("clientID", id).
		Str("room", room).
		Int("audience", n).
		Msg("room message routed")
	return nil
}

// notify sends a server notice, failures are only logged.
func (r *Router) notify(ctx context.Context, id, text string) {
	if err := r.clients.Send(ctx, id, model.Notice(text)); err != nil {
		r.logger.Warn().Err(err).Str("dst", id).Msg("failed to send notice")
	}
}

func (r *Router) violation(err error, id string) {
	if r.strict {
		panic(fmt.Sprintf("registry invariant violated for client %s: %v", id, err))
	}
	r.logger.Error().Err(err).Str("clientID", id).Msg("registry invariant violated")
}

// Rooms returns sorted names of existing rooms.
func (r *Router) Rooms() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.rooms.List()
}

func (r *Router) Stats() stats.Report {
	r.mx.Lock()
	defer r.mx.Unlock()

	rep := r.stats.Report()
	rep.Clients = r.clients.Len()
	rep.Rooms = r.rooms.Len()
	return rep
}
