package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/yim-server/backend/model"
	"github.com/rs/zerolog"
)

const (
	DefaultSendTimeout = 100 * time.Millisecond
)

var (
	ErrDeadEndpoint     = errors.New("dead endpoint")
	ErrUnknownEndpoint  = errors.New("unknown endpoint")
	ErrAlreadyConnected = errors.New("endpoint is already connected")
	ErrCanceled         = errors.New("send canceled")
)

type (
	endpoint struct {
		wire model.Wire
		kick context.CancelFunc
	}

	// Switch maps client ids to outbound queues of their connections.
	Switch struct {
		logger  zerolog.Logger
		mx      *sync.RWMutex
		fwd     map[string]endpoint
		timeout time.Duration
	}

	Config struct {
		Logger      *zerolog.Logger
		SendTimeout time.Duration
	}
)

func NewSwitch(cfg Config) *Switch {
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Switch{
		logger:  cfg.Logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		fwd:     make(map[string]endpoint),
		timeout: timeout,
	}
}

// Connect attaches outbound wire of a connection. kick is called when
// the endpoint stops draining its queue, it must tear the connection down.
func (sw *Switch) Connect(id string, wire model.Wire, kick context.CancelFunc) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[id]; ok {
		return ErrAlreadyConnected
	}
	sw.fwd[id] = endpoint{wire: wire, kick: kick}
	sw.logger.Debug().Str("endpoint", id).Msg("endpoint connected")
	return nil
}

func (sw *Switch) Disconnect(id string) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	if _, ok := sw.fwd[id]; !ok {
		return ErrUnknownEndpoint
	}
	delete(sw.fwd, id)
	sw.logger.Debug().Str("endpoint", id).Msg("endpoint disconnected")
	return nil
}

func (sw *Switch) Len() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.fwd)
}

// SendTo queues data for a single endpoint.
func (sw *Switch) SendTo(ctx context.Context, id string, data []byte) error {
	sw.mx.RLock()
	ep, ok := sw.fwd[id]
	sw.mx.RUnlock()

	if !ok {
		return ErrUnknownEndpoint
	}
	return sw.forward(ctx, id, ep, data)
}

// SendToAll queues data for every connected endpoint.
// Failures are collected and do not stop the fan-out.
func (sw *Switch) SendToAll(ctx context.Context, data []byte) error {
	sw.mx.RLock()
	eps := make(map[string]endpoint, len(sw.fwd))
	for id, ep := range sw.fwd {
		eps[id] = ep
	}
	sw.mx.RUnlock()

	var errs []error
	for id, ep := range eps {
		if err := sw.forward(ctx, id, ep, data); err != nil {
			if errors.Is(err, ErrCanceled) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (sw *Switch) forward(ctx context.Context, id string, ep endpoint, data []byte) error {
	sent, canceled := send(ctx, data, ep.wire.TX, sw.timeout)
	if canceled {
		return ErrCanceled
	}
	if !sent {
		sw.logger.Error().Str("dst", id).Msg("dead endpoint")
		if ep.kick != nil {
			ep.kick()
		}
		return ErrDeadEndpoint
	}
	sw.logger.Trace().Str("dst", id).Msg("message is forwarded")
	return nil
}

func send(ctx context.Context, data []byte, tx chan<- []byte, timeout time.Duration) (bool, bool) {
	select {
	case tx <- data:
		return true, false
	default:
	}

	var sent, canceled bool
	tCh := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
	case tx <- data:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
