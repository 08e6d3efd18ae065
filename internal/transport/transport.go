// Package transport defines the CoAP collaborator contract the core
// consumes: a send/receive/observe port. No socket or DTLS code lives
// here. The host supplies a Port implementation; this package only pins
// down the interface and the in-memory message shapes the dispatcher and
// state machines exchange with it. Content-format and response-code
// values reuse github.com/plgd-dev/go-coap/v2's typed constants rather
// than re-declaring them.
package transport

import (
	"context"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
)

// Request is an inbound CoAP request, already demultiplexed to the
// fields the dispatcher needs.
type Request struct {
	Peer          string
	Token         []byte
	Method        codes.Code
	Path          string
	Query         string
	ContentFormat message.MediaType
	Accept        message.MediaType
	HasAccept     bool
	Observe       bool
	HasObserve    bool
	Payload       []byte
}

// Response is the outbound CoAP message the core hands to Send: a
// response built by the dispatcher, or a request originated by a state
// machine (CoAP methods and response codes share one code space, so
// Code carries either). Path and Query address the target when the
// message is an outbound request; LocationPath carries the
// Location-Path option when it is a 2.01 Created response.
type Response struct {
	Code          codes.Code
	ContentFormat message.MediaType
	LocationPath  string
	Path          string
	Query         string
	Payload       []byte
}

// ObserveHandle identifies one active server-side subscription on the
// transport, returned by AddObserveSubscription.
type ObserveHandle string

// Port is the transport collaborator the core requires: Receive drains
// one pending inbound message without blocking, Send emits a response or
// outbound request,
// AddObserveSubscription registers a CoAP Observe relationship, and
// EmitNotification pushes a notification payload carrying an
// incrementing observation sequence number.
type Port interface {
	Receive(ctx context.Context) (*Request, bool, error)
	Send(ctx context.Context, peer string, resp *Response) (messageID uint16, err error)
	AddObserveSubscription(ctx context.Context, peer string, token []byte, path string) (ObserveHandle, error)
	EmitNotification(ctx context.Context, handle ObserveHandle, seq uint32, contentFormat message.MediaType, payload []byte) error
}
