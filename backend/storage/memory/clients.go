package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/yim-server/backend/codec"
	"github.com/adwski/yim-server/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicateClient = errors.New("client is already registered")
	ErrUnknownClient   = errors.New("no such client")
	ErrTransportSend   = errors.New("transport send failed")
)

// Transport delivers serialized messages to live connections.
type Transport interface {
	SendTo(ctx context.Context, id string, data []byte) error
}

type Client struct {
	ID          string
	ConnectedAt time.Time
}

// ClientStore tracks connected clients and dispatches outbound
// envelopes to the transport.
type ClientStore struct {
	logger zerolog.Logger
	tr     Transport
	mx     *sync.RWMutex
	db     map[string]*Client
}

func NewClientStore(tr Transport, logger *zerolog.Logger) *ClientStore {
	return &ClientStore{
		logger: logger.With().Str("component", "clients").Logger(),
		tr:     tr,
		mx:     &sync.RWMutex{},
		db:     make(map[string]*Client),
	}
}

func (cs *ClientStore) Register(id string) (*Client, error) {
	cs.mx.Lock()
	defer cs.mx.Unlock()

	if _, ok := cs.db[id]; ok {
		return nil, ErrDuplicateClient
	}
	client := &Client{
		ID:          id,
		ConnectedAt: time.Now(),
	}
	cs.db[id] = client
	return client, nil
}

func (cs *ClientStore) Unregister(id string) error {
	cs.mx.Lock()
	defer cs.mx.Unlock()

	if _, ok := cs.db[id]; !ok {
		return ErrUnknownClient
	}
	delete(cs.db, id)
	return nil
}

func (cs *ClientStore) Has(id string) bool {
	cs.mx.RLock()
	defer cs.mx.RUnlock()

	_, ok := cs.db[id]
	return ok
}

// Send serializes envelope and hands it to the transport. There are no
// retries, transport failures are returned to the caller.
func (cs *ClientStore) Send(ctx context.Context, id string, env *model.Envelope) error {
	if !cs.Has(id) {
		return ErrUnknownClient
	}
	b, err := codec.Encode(env)
	if err != nil {
		return err
	}
	if err = cs.tr.SendTo(ctx, id, b); err != nil {
		return errors.Join(ErrTransportSend, err)
	}
	return nil
}

// BroadcastAll sends envelope to every registered client. Failed sends
// are logged and do not stop the broadcast. It returns the number of
// successful deliveries.
func (cs *ClientStore) BroadcastAll(ctx context.Context, env *model.Envelope) int {
	b, err := codec.Encode(env)
	if err != nil {
		cs.logger.Error().Err(err).Msg("failed to encode broadcast")
		return 0
	}

	var sent int
	for _, id := range cs.ListIDs() {
		if err = cs.tr.SendTo(ctx, id, b); err != nil {
			cs.logger.Warn().Err(err).Str("dst", id).Msg("broadcast delivery failed")
			continue
		}
		sent++
	}
	return sent
}

// ListIDs returns a snapshot of registered ids in no particular order.
func (cs *ClientStore) ListIDs() []string {
	cs.mx.RLock()
	defer cs.mx.RUnlock()

	ids := make([]string, 0, len(cs.db))
	for id := range cs.db {
		ids = append(ids, id)
	}
	return ids
}

func (cs *ClientStore) Len() int {
	cs.mx.RLock()
	defer cs.mx.RUnlock()
	return len(cs.db)
}
