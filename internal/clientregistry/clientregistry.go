// Package clientregistry implements the server-side client registry:
// the LwM2M Server's view of every currently-registered
// endpoint, driven by inbound POST/rd (register), POST /rd/<n> (update),
// and DELETE /rd/<n> (deregister) requests, plus a periodic lifetime
// sweep that expires clients whose Update never arrived.
package clientregistry

import (
	"strconv"
	"strings"
	"time"

	"github.com/openlwm2m/core/internal/obsmetrics"
	"github.com/openlwm2m/core/pkg/errors"
	"github.com/openlwm2m/core/pkg/logging"
)

// ObjectLink is one parsed entry of a Register/Update link-format body,
// e.g. "</1/0>;ver=1.1".
type ObjectLink struct {
	Path    string
	Version string
}

// Client is one registered endpoint as seen by the server.
type Client struct {
	Location   string
	Endpoint   string
	Lifetime   int
	Binding    string
	Queued     bool
	Peer       string
	Objects    []ObjectLink
	Registered time.Time
	LastUpdate time.Time
}

func (c *Client) expiresAt() time.Time {
	return c.LastUpdate.Add(time.Duration(c.Lifetime) * time.Second)
}

// EventKind identifies what changed for a client, handed to the
// registry's optional event callback.
type EventKind int

const (
	EventRegistered EventKind = iota
	EventUpdated
	EventDeregistered
	EventExpired
)

// Registry holds every currently-registered client, keyed by the
// server-assigned location path ("/rd/<n>").
type Registry struct {
	clients map[string]*Client
	nextID  uint64
	onEvent func(EventKind, *Client)
	logger  *logging.Logger
	metrics *obsmetrics.Metrics
}

// New creates an empty client registry.
func New(logger *logging.Logger) *Registry {
	return &Registry{clients: make(map[string]*Client), logger: logger}
}

// SetMetrics installs the obsmetrics collector; nil disables
// instrumentation.
func (r *Registry) SetMetrics(metrics *obsmetrics.Metrics) { r.metrics = metrics }

func (r *Registry) reportGauge() {
	if r.metrics != nil {
		r.metrics.RegisteredClients.Set(float64(len(r.clients)))
	}
}

// OnEvent installs a callback invoked on every registration lifecycle
// transition. Passing nil disables notification.
func (r *Registry) OnEvent(fn func(EventKind, *Client)) {
	r.onEvent = fn
}

// Register allocates a fresh "/rd/<n>" location for a new endpoint.
// endpoint must be unique among currently-registered clients;
// re-registering under the same name replaces the previous entry, so a
// re-register implicitly deregisters the stale session.
func (r *Registry) Register(peer, endpoint string, lifetime int, binding string, queued bool, body string, now time.Time) (*Client, error) {
	if endpoint == "" {
		return nil, errors.DecodeError("register", errNoEndpoint{})
	}
	if existing := r.byEndpoint(endpoint); existing != nil {
		delete(r.clients, existing.Location)
	}
	r.nextID++
	location := "/rd/" + strconv.FormatUint(r.nextID, 10)
	c := &Client{
		Location:   location,
		Endpoint:   endpoint,
		Lifetime:   lifetime,
		Binding:    binding,
		Queued:     queued,
		Peer:       peer,
		Objects:    parseObjectLinks(body),
		Registered: now,
		LastUpdate: now,
	}
	r.clients[location] = c
	r.emit(EventRegistered, c)
	r.reportGauge()
	return c, nil
}

// Update refreshes a client's lifetime (if resent) and last-seen time,
// and replaces its object list when a non-empty body is sent.
func (r *Registry) Update(location string, lifetime int, body string, now time.Time) (*Client, error) {
	c, ok := r.clients[location]
	if !ok {
		return nil, errors.NotFound("registration")
	}
	if lifetime > 0 {
		c.Lifetime = lifetime
	}
	if body != "" {
		c.Objects = parseObjectLinks(body)
	}
	c.LastUpdate = now
	r.emit(EventUpdated, c)
	return c, nil
}

// Deregister removes a client immediately.
func (r *Registry) Deregister(location string) error {
	c, ok := r.clients[location]
	if !ok {
		return errors.NotFound("registration")
	}
	delete(r.clients, location)
	r.emit(EventDeregistered, c)
	r.reportGauge()
	return nil
}

// Sweep expires every client whose lifetime has elapsed since its last
// Update, returning the expired set. The embedding session calls this
// periodically from its cooperative Tick loop; the registry itself
// owns no timer.
func (r *Registry) Sweep(now time.Time) []*Client {
	var expired []*Client
	for loc, c := range r.clients {
		if now.After(c.expiresAt()) {
			expired = append(expired, c)
			delete(r.clients, loc)
		}
	}
	for _, c := range expired {
		r.emit(EventExpired, c)
	}
	if len(expired) > 0 {
		r.reportGauge()
	}
	return expired
}

// Lookup returns the client registered under location, if any.
func (r *Registry) Lookup(location string) (*Client, bool) {
	c, ok := r.clients[location]
	return c, ok
}

// All returns every currently-registered client.
func (r *Registry) All() []*Client {
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

func (r *Registry) byEndpoint(endpoint string) *Client {
	for _, c := range r.clients {
		if c.Endpoint == endpoint {
			return c
		}
	}
	return nil
}

func (r *Registry) emit(kind EventKind, c *Client) {
	if r.onEvent != nil {
		r.onEvent(kind, c)
	}
	if r.logger != nil {
		r.logger.WithFields(nil).WithField("endpoint", c.Endpoint).Debug("clientregistry: state changed")
	}
}

// parseObjectLinks parses an RFC 6690 link-format body into its entries.
// Blank entries are skipped; other entries are not validated, so a
// malformed entry is kept with whatever path text it carries rather than
// failing the whole register.
func parseObjectLinks(body string) []ObjectLink {
	var links []ObjectLink
	for _, part := range strings.Split(body, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		path, attrs, _ := strings.Cut(part, ";")
		path = strings.TrimPrefix(strings.TrimSuffix(path, ">"), "<")
		link := ObjectLink{Path: path}
		for _, attr := range strings.Split(attrs, ";") {
			if k, v, ok := strings.Cut(attr, "="); ok && k == "ver" {
				link.Version = strings.Trim(v, "\"")
			}
		}
		links = append(links, link)
	}
	return links
}

type errNoEndpoint struct{}

func (errNoEndpoint) Error() string { return "missing endpoint client name" }
