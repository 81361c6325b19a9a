package service

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/yim-server/backend/storage/memory"
	"github.com/rs/zerolog"
)

type (
	// Outbox is the transport of registries used by the Router.
	// Frames are staged while the router lock is held and written
	// to the real transport after it is released, so a stalled
	// recipient holds up only the event that addressed it.
	Outbox struct {
		tr     memory.Transport
		mx     *sync.Mutex
		frames []frame
	}

	frame struct {
		id   string
		data []byte
	}
)

func NewOutbox(tr memory.Transport) *Outbox {
	return &Outbox{
		tr: tr,
		mx: &sync.Mutex{},
	}
}

// SendTo stages data for client id, it never fails.
func (o *Outbox) SendTo(_ context.Context, id string, data []byte) error {
	o.mx.Lock()
	defer o.mx.Unlock()

	o.frames = append(o.frames, frame{id: id, data: data})
	return nil
}

// take returns staged frames in staging order and empties the outbox.
func (o *Outbox) take() []frame {
	if o == nil {
		return nil
	}
	o.mx.Lock()
	defer o.mx.Unlock()

	frames := o.frames
	o.frames = nil
	return frames
}

// deliver writes frames one by one, a failed frame doesn't stop the rest.
func (o *Outbox) deliver(ctx context.Context, frames []frame, logger *zerolog.Logger) error {
	var errs []error
	for _, f := range frames {
		if err := o.tr.SendTo(ctx, f.id, f.data); err != nil {
			logger.Warn().Err(err).Str("dst", f.id).Msg("delivery failed")
			errs = append(errs, errors.Join(memory.ErrTransportSend, err))
		}
	}
	return errors.Join(errs...)
}
