package _switch

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/yim-server/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(Config{Logger: &logger, SendTimeout: 10 * time.Millisecond})
}

func TestSwitch_ConnectDisconnect(t *testing.T) {
	sw := newTestSwitch()
	wire := model.NewWire(1)

	require.NoError(t, sw.Connect("a", wire, nil))
	require.ErrorIs(t, sw.Connect("a", wire, nil), ErrAlreadyConnected)
	assert.Equal(t, 1, sw.Len())

	require.NoError(t, sw.Disconnect("a"))
	require.ErrorIs(t, sw.Disconnect("a"), ErrUnknownEndpoint)
	assert.Equal(t, 0, sw.Len())
}

func TestSwitch_SendTo(t *testing.T) {
	sw := newTestSwitch()
	wire := model.NewWire(1)
	require.NoError(t, sw.Connect("a", wire, nil))

	require.NoError(t, sw.SendTo(context.Background(), "a", []byte("one")))
	assert.Equal(t, []byte("one"), <-wire.TX)

	require.ErrorIs(t, sw.SendTo(context.Background(), "ghost", []byte("x")), ErrUnknownEndpoint)
}

func TestSwitch_DeadEndpointIsKicked(t *testing.T) {
	sw := newTestSwitch()
	wire := model.NewWire(1)

	var kicked bool
	require.NoError(t, sw.Connect("a", wire, func() { kicked = true }))

	require.NoError(t, sw.SendTo(context.Background(), "a", []byte("one")))
	err := sw.SendTo(context.Background(), "a", []byte("two"))
	require.ErrorIs(t, err, ErrDeadEndpoint)
	assert.True(t, kicked)
}

func TestSwitch_SendToCanceled(t *testing.T) {
	sw := newTestSwitch()
	wire := model.NewWire(0)
	require.NoError(t, sw.Connect("a", wire, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sw.SendTo(ctx, "a", []byte("x")), ErrCanceled)
}

func TestSwitch_SendToAll(t *testing.T) {
	sw := newTestSwitch()
	alive := model.NewWire(1)
	stuck := model.NewWire(0)
	require.NoError(t, sw.Connect("alive", alive, nil))
	require.NoError(t, sw.Connect("stuck", stuck, nil))

	err := sw.SendToAll(context.Background(), []byte("all"))
	require.ErrorIs(t, err, ErrDeadEndpoint)
	assert.Equal(t, []byte("all"), <-alive.TX)
}
