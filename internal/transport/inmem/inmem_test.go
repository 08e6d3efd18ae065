package inmem

import (
	"context"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlwm2m/core/internal/transport"
)

func TestSendArrivesAsReceiveOnPeer(t *testing.T) {
	a, b := NewPair("device", "server")
	ctx := context.Background()

	_, err := a.Send(ctx, "server", &transport.Response{
		Code:    codes.POST,
		Path:    "/rd",
		Query:   "ep=urn:dev:one&lt=30&b=U",
		Payload: []byte("</3/0>"),
	})
	require.NoError(t, err)

	req, ok, err := b.Receive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "device", req.Peer)
	assert.Equal(t, codes.POST, req.Method)
	assert.Equal(t, "/rd", req.Path)
	assert.Equal(t, "ep=urn:dev:one&lt=30&b=U", req.Query)
	assert.Equal(t, []byte("</3/0>"), req.Payload)
}

func TestReceiveIsNonBlocking(t *testing.T) {
	a, _ := NewPair("device", "server")
	req, ok, err := a.Receive(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, req)
}

func TestSendToUnknownPeerIsDropped(t *testing.T) {
	a, b := NewPair("device", "server")
	ctx := context.Background()

	_, err := a.Send(ctx, "nobody", &transport.Response{Code: codes.POST})
	require.NoError(t, err)

	_, ok, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotificationReachesSubscribedPeer(t *testing.T) {
	device, server := NewPair("device", "server")
	ctx := context.Background()

	handle, err := device.AddObserveSubscription(ctx, "server", []byte{0x01}, "/3/0/15")
	require.NoError(t, err)

	err = device.EmitNotification(ctx, handle, 7, message.MediaType(0), []byte("Pacific/Auckland"))
	require.NoError(t, err)

	req, ok, rerr := server.Receive(ctx)
	require.NoError(t, rerr)
	require.True(t, ok)
	assert.Equal(t, "/3/0/15", req.Path)
	assert.Equal(t, []byte("Pacific/Auckland"), req.Payload)
}

func TestNotificationForUnknownHandleIsDropped(t *testing.T) {
	device, server := NewPair("device", "server")
	ctx := context.Background()

	require.NoError(t, device.EmitNotification(ctx, "nope", 0, message.MediaType(0), []byte("x")))
	_, ok, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
