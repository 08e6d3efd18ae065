// Package inmem implements transport.Port entirely in memory: two Ports
// wired to each other's inbound channel let a device session and a
// server session exchange requests/responses/notifications without any
// socket, which is how internal/session's tests (and the cmd/lwm2m-demo
// walkthrough) exercise the full dispatch/bootstrap/registration/notify
// path end to end.
package inmem

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v2/message"

	"github.com/openlwm2m/core/internal/transport"
)

type inboundEnvelope struct {
	req *transport.Request
}

// Port is one endpoint of an in-memory pair. Peer identifies this
// endpoint's own address, used as the From field other Ports see.
type Port struct {
	peer string

	mu     sync.Mutex
	peerOf map[string]*Port // peer address -> the Port instance reachable there
	inbox  chan inboundEnvelope

	obsMu sync.Mutex
	obs   map[transport.ObserveHandle]subscription
}

type subscription struct {
	peer string
	path string
}

// NewPair creates two Ports, each addressed by the given name, wired so
// that a Send from one arrives as a Receive on the other.
func NewPair(nameA, nameB string) (*Port, *Port) {
	registry := make(map[string]*Port, 2)
	a := &Port{peer: nameA, peerOf: registry, inbox: make(chan inboundEnvelope, 64), obs: make(map[transport.ObserveHandle]subscription)}
	b := &Port{peer: nameB, peerOf: registry, inbox: make(chan inboundEnvelope, 64), obs: make(map[transport.ObserveHandle]subscription)}
	registry[nameA] = a
	registry[nameB] = b
	return a, b
}

// Receive returns the next pending inbound request, non-blocking.
func (p *Port) Receive(ctx context.Context) (*transport.Request, bool, error) {
	select {
	case env := <-p.inbox:
		return env.req, true, nil
	default:
		return nil, false, nil
	}
}

// Send delivers resp as an inbound Request to the named peer, translated
// from a Response shape to a Request shape (Code doubles as method when
// used this way, matching CoAP's shared code space for methods and
// response codes).
func (p *Port) Send(ctx context.Context, peer string, resp *transport.Response) (uint16, error) {
	p.mu.Lock()
	target, ok := p.peerOf[peer]
	p.mu.Unlock()
	if !ok {
		return 0, nil
	}
	path := resp.Path
	if path == "" {
		path = resp.LocationPath
	}
	req := &transport.Request{
		Peer:          p.peer,
		Method:        resp.Code,
		Path:          path,
		Query:         resp.Query,
		ContentFormat: resp.ContentFormat,
		Payload:       resp.Payload,
	}
	select {
	case target.inbox <- inboundEnvelope{req: req}:
	default:
	}
	return 0, nil
}

// AddObserveSubscription registers an observation the demo/test can look
// up later to correlate a notification handle with its path.
func (p *Port) AddObserveSubscription(ctx context.Context, peer string, token []byte, path string) (transport.ObserveHandle, error) {
	handle := transport.ObserveHandle(uuid.New().String())
	p.obsMu.Lock()
	p.obs[handle] = subscription{peer: peer, path: path}
	p.obsMu.Unlock()
	return handle, nil
}

// EmitNotification delivers a notification to the subscribing peer as a
// plain inbound Request carrying the payload, observed via Receive like
// any other message.
func (p *Port) EmitNotification(ctx context.Context, handle transport.ObserveHandle, seq uint32, contentFormat message.MediaType, payload []byte) error {
	p.obsMu.Lock()
	sub, ok := p.obs[handle]
	p.obsMu.Unlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	target, ok := p.peerOf[sub.peer]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	req := &transport.Request{
		Peer:          p.peer,
		Path:          sub.path,
		ContentFormat: contentFormat,
		Payload:       payload,
	}
	select {
	case target.inbox <- inboundEnvelope{req: req}:
	default:
	}
	return nil
}

// Deliver injects a request directly, used by tests that want to drive
// one side of the pair without going through Send on the other.
func (p *Port) Deliver(req *transport.Request) {
	select {
	case p.inbox <- inboundEnvelope{req: req}:
	default:
	}
}
