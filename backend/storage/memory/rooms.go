package memory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/adwski/yim-server/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownRoom = errors.New("no such room")
	ErrNotMember   = errors.New("client is not a member of this room")
)

// Sender delivers a single envelope to a registered client.
type Sender interface {
	Send(ctx context.Context, clientID string, env *model.Envelope) error
}

// Room is a named group of clients. It is owned by RoomStore and must
// only be mutated through it. Readers share the store lock, so a Room
// is safe to inspect while the store changes it.
type Room struct {
	Name    string
	mx      *sync.Mutex // lock of the owning store
	members map[string]struct{}
	closed  bool
}

func newRoom(name, initiator string, mx *sync.Mutex) *Room {
	return &Room{
		Name:    name,
		mx:      mx,
		members: map[string]struct{}{initiator: {}},
	}
}

func (r *Room) Has(clientID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.has(clientID)
}

func (r *Room) has(clientID string) bool {
	_, ok := r.members[clientID]
	return ok
}

func (r *Room) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.members)
}

// Closed reports whether the room was emptied and removed from its store.
// A closed room is never reopened, joining the same name creates a new one.
func (r *Room) Closed() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.closed
}

// Members returns sorted snapshot of member ids.
func (r *Room) Members() []string {
	r.mx.Lock()
	defer r.mx.Unlock()

	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// gone removes client from the room and closes it once empty.
func (r *Room) gone(clientID string) (bool, error) {
	if !r.has(clientID) {
		return false, ErrNotMember
	}
	delete(r.members, clientID)
	if len(r.members) == 0 {
		r.closed = true
	}
	return r.closed, nil
}

// RoomStore owns all rooms and their membership.
type RoomStore struct {
	logger zerolog.Logger
	out    Sender
	mx     *sync.Mutex
	db     map[string]*Room
}

func NewRoomStore(out Sender, logger *zerolog.Logger) *RoomStore {
	return &RoomStore{
		logger: logger.With().Str("component", "rooms").Logger(),
		out:    out,
		mx:     &sync.Mutex{},
		db:     make(map[string]*Room),
	}
}

// JoinOrCreate adds client to the named room, creating the room
// if it does not exist yet. Joining twice is a no-op.
func (rs *RoomStore) JoinOrCreate(name, clientID string) *Room {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	room, ok := rs.db[name]
	if !ok {
		room = newRoom(name, clientID, rs.mx)
		rs.db[name] = room
		rs.logger.Debug().
			Str("room", name).
			Str("clientID", clientID).
			Msg("room created")
		return room
	}
	room.members[clientID] = struct{}{}
	return room
}

// Leave removes client from the named room. If the room becomes empty
// it is removed from the store and Leave reports closure.
func (rs *RoomStore) Leave(name, clientID string) (bool, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	room, ok := rs.db[name]
	if !ok {
		return false, ErrUnknownRoom
	}
	closed, err := room.gone(clientID)
	if err != nil {
		return false, err
	}
	if closed {
		rs.drop(name)
	}
	return closed, nil
}

// LeaveAll removes client from every room it belongs to and returns
// names of the rooms that were closed as a result.
func (rs *RoomStore) LeaveAll(clientID string) []string {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	var closed []string
	for name, room := range rs.db {
		if !room.has(clientID) {
			continue
		}
		if c, _ := room.gone(clientID); c {
			closed = append(closed, name)
		}
	}
	for _, name := range closed {
		rs.drop(name)
	}
	slices.Sort(closed)
	return closed
}

func (rs *RoomStore) drop(name string) {
	delete(rs.db, name)
	rs.logger.Debug().Str("room", name).Msg("room closed")
}

// Broadcast sends text to every member of the room except the sender.
// Failed deliveries are logged and skipped. It returns the number
// of members the envelope was delivered to.
func (rs *RoomStore) Broadcast(
	ctx context.Context,
	name string,
	senderID string,
	text string,
	attrs model.Attributes,
) (int, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	room, ok := rs.db[name]
	if !ok {
		return 0, ErrUnknownRoom
	}

	var delivered int
	for id := range room.members {
		if id == senderID {
			continue
		}
		env := &model.Envelope{
			Text:       text,
			Sender:     senderID,
			Room:       name,
			Attributes: attrs,
		}
		if err := rs.out.Send(ctx, id, env); err != nil {
			logger := rs.logger.With().
				Str("room", name).
				Str("dst", id).
				Logger()
			if errors.Is(err, ErrUnknownClient) {
				logger.Error().Err(err).Msg("room member is not registered")
			} else {
				logger.Warn().Err(err).Msg("room delivery failed")
			}
			continue
		}
		delivered++
	}
	return delivered, nil
}

// Get returns the named room.
func (rs *RoomStore) Get(name string) (*Room, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	room, ok := rs.db[name]
	if !ok {
		return nil, ErrUnknownRoom
	}
	return room, nil
}

// List returns sorted snapshot of room names.
func (rs *RoomStore) List() []string {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	names := make([]string, 0, len(rs.db))
	for name := range rs.db {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (rs *RoomStore) Len() int {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	return len(rs.db)
}
