// Package session wires the registry, store, codecs, attribute store,
// state machines, and dispatcher into a single cooperative loop: one
// Process(ctx, now) call takes at most one pending transport message,
// routes it to bootstrap, registration, client-registry, or dispatch
// depending on path prefix, ticks every timer-driven state machine, and
// returns without blocking on I/O. The loop owns no goroutine of its
// own, so a state machine can never pre-empt a request that is still
// being processed.
package session

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"

	"github.com/openlwm2m/core/internal/attrs"
	"github.com/openlwm2m/core/internal/bootstrap"
	"github.com/openlwm2m/core/internal/clientregistry"
	"github.com/openlwm2m/core/internal/codec"
	codecopaque "github.com/openlwm2m/core/internal/codec/opaque"
	codecsenml "github.com/openlwm2m/core/internal/codec/senml"
	codectext "github.com/openlwm2m/core/internal/codec/text"
	codectlv "github.com/openlwm2m/core/internal/codec/tlv"
	"github.com/openlwm2m/core/internal/dispatch"
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/store"
	"github.com/openlwm2m/core/internal/model/tree"
	"github.com/openlwm2m/core/internal/notify"
	"github.com/openlwm2m/core/internal/obsmetrics"
	"github.com/openlwm2m/core/internal/persistence"
	"github.com/openlwm2m/core/internal/registration"
	"github.com/openlwm2m/core/internal/transport"
	"github.com/openlwm2m/core/pkg/logging"
)

// Role distinguishes a device-side session (bootstrap + registration
// client) from a server-side session (client registry + dispatch as the
// peer's registration handler), since a single process hosts only one of
// the two roles (a device or a server, never a hybrid of both in one
// session).
type Role int

const (
	RoleDevice Role = iota
	RoleServer
)

// Session is one LwM2M endpoint's runtime: its definition registry,
// object store, codecs, attribute store, observer set, notification
// engine, dispatcher, and (depending on Role) its bootstrap/registration
// client machinery or its server-side client registry.
type Session struct {
	role   Role
	logger *logging.Logger
	port   transport.Port

	Registry *registry.Registry
	Store    *store.Store
	Codecs   *codec.Registry
	Attrs    *attrs.Store
	Observer *attrs.ObserverSet
	Notify   *notify.Engine
	Dispatch *dispatch.Dispatcher

	Bootstrap    *bootstrap.Machine
	Registration *registration.Machine

	ClientRegistry *clientregistry.Registry

	endpoint      string
	snapshotter   persistence.Snapshotter
	snapshotEvery time.Duration
	lastSnapshot  time.Time

	lastPmaxSweep time.Time
	lastRegSweep  time.Time
}

// Config holds the pieces supplied by the embedding host.
type Config struct {
	Role         Role
	Endpoint     string
	Port         transport.Port
	Logger       *logging.Logger
	Registry     *registry.Registry
	DefaultAttrs attrs.Attributes
	ACL          store.ACL
	Bootstrap    *bootstrap.Config
	Registration *registration.Config
	Metrics      *obsmetrics.Metrics

	// Snapshotter, when non-nil, makes the otherwise-volatile store
	// survive restarts: RestoreSnapshot replays the last-saved state and
	// Process re-saves every SnapshotEvery (default 30s).
	Snapshotter   persistence.Snapshotter
	SnapshotEvery time.Duration
}

// New builds a fully wired Session. Codec instances are fresh per
// session (they carry no state beyond their content-format constant), so
// every session gets its own Registry of them rather than sharing a
// package-level singleton.
func New(cfg Config) *Session {
	st := store.New(cfg.Registry)
	if cfg.ACL != nil {
		st.SetACL(cfg.ACL)
	}
	codecs := newCodecRegistry()
	attrStore := attrs.NewStore(cfg.DefaultAttrs)
	observer := attrs.NewObserverSet()
	eng := notify.New(observer, codecs, cfg.Registry, st, cfg.Port, cfg.Logger)
	disp := dispatch.New(cfg.Registry, st, codecs, attrStore, observer, eng, cfg.Port, cfg.Logger)
	if cfg.Metrics != nil {
		eng.SetMetrics(cfg.Metrics)
		disp.SetMetrics(cfg.Metrics)
	}

	snapshotEvery := cfg.SnapshotEvery
	if snapshotEvery <= 0 {
		snapshotEvery = 30 * time.Second
	}

	s := &Session{
		role:          cfg.Role,
		logger:        cfg.Logger,
		port:          cfg.Port,
		endpoint:      cfg.Endpoint,
		snapshotter:   cfg.Snapshotter,
		snapshotEvery: snapshotEvery,
		Registry:      cfg.Registry,
		Store:    st,
		Codecs:   codecs,
		Attrs:    attrStore,
		Observer: observer,
		Notify:   eng,
		Dispatch: disp,
	}

	switch cfg.Role {
	case RoleDevice:
		if cfg.Bootstrap != nil {
			s.Bootstrap = bootstrap.New(*cfg.Bootstrap, st, cfg.Port, cfg.Logger)
			if cfg.Metrics != nil {
				s.Bootstrap.SetMetrics(cfg.Metrics)
			}
		}
		if cfg.Registration != nil {
			s.Registration = registration.New(*cfg.Registration, cfg.Port, cfg.Logger)
			if cfg.Metrics != nil {
				s.Registration.SetMetrics(cfg.Metrics)
			}
		}
	case RoleServer:
		s.ClientRegistry = clientregistry.New(cfg.Logger)
		if cfg.Metrics != nil {
			s.ClientRegistry.SetMetrics(cfg.Metrics)
		}
	}
	return s
}

func newCodecRegistry() *codec.Registry {
	reg := codec.NewRegistry()
	reg.Register(codectlv.New())
	reg.Register(codecsenml.New())
	reg.Register(codectext.New())
	reg.Register(codecopaque.New())
	return reg
}

// Process drains one pending inbound message (if any), routes and
// handles it, ticks every timer-driven state machine, and returns. It
// never blocks on I/O: Receive is expected to be non-blocking, and
// every Tick call below operates purely on in-memory state plus at most
// one outbound Send.
func (s *Session) Process(ctx context.Context, now time.Time) error {
	req, ok, err := s.port.Receive(ctx)
	if err != nil {
		return err
	}
	if ok {
		s.route(ctx, req, now)
	}

	if s.Bootstrap != nil {
		if err := s.Bootstrap.Tick(ctx, now); err != nil && s.logger != nil {
			s.logger.WithFields(nil).WithError(err).Warn("session: bootstrap tick failed")
		}
	}
	if s.Registration != nil {
		if err := s.Registration.Tick(ctx, now); err != nil && s.logger != nil {
			s.logger.WithFields(nil).WithError(err).Warn("session: registration tick failed")
		}
	}
	if s.ClientRegistry != nil && now.Sub(s.lastRegSweep) >= time.Second {
		s.ClientRegistry.Sweep(now)
		s.lastRegSweep = now
	}
	if now.Sub(s.lastPmaxSweep) >= time.Second {
		s.Notify.SweepPmax(ctx, now)
		s.lastPmaxSweep = now
	}
	if s.snapshotter != nil && now.Sub(s.lastSnapshot) >= s.snapshotEvery {
		if err := s.SaveSnapshot(ctx, now); err != nil && s.logger != nil {
			s.logger.WithFields(nil).WithError(err).Warn("session: snapshot save failed")
		}
		s.lastSnapshot = now
	}
	return nil
}

// SaveSnapshot dumps the store through the configured Snapshotter.
func (s *Session) SaveSnapshot(ctx context.Context, now time.Time) error {
	if s.snapshotter == nil {
		return nil
	}
	return s.snapshotter.Save(ctx, persistence.Capture(s.endpoint, s.Store, now))
}

// RestoreSnapshot replays the last-saved snapshot (if any) into the
// store. Hosts call this once after New, before the first Process.
func (s *Session) RestoreSnapshot(ctx context.Context) error {
	if s.snapshotter == nil {
		return nil
	}
	snap, err := s.snapshotter.Load(ctx, s.endpoint)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}
	return persistence.Restore(s.Store, snap)
}

// Shutdown winds the session down: a best-effort Deregister for the
// registered server, every observation torn down, and a final snapshot
// if a Snapshotter is configured. The session must not be Processed
// again afterwards.
func (s *Session) Shutdown(ctx context.Context, now time.Time) {
	if s.Registration != nil {
		s.Registration.RequestDeregister()
		if err := s.Registration.Tick(ctx, now); err != nil && s.logger != nil {
			s.logger.WithFields(nil).WithError(err).Warn("session: deregister on shutdown failed")
		}
	}
	// The dispatcher replaces obs.Handle with the transport's handle, so
	// the observer set (keyed by its own handle) is cleared by peer+path.
	for _, obs := range s.Observer.All() {
		s.Observer.CancelAt(obs.Peer, obs.Path)
		s.Notify.Forget(obs.Handle)
	}
	if s.snapshotter != nil {
		if err := s.SaveSnapshot(ctx, now); err != nil && s.logger != nil {
			s.logger.WithFields(nil).WithError(err).Warn("session: final snapshot failed")
		}
	}
}

// route sends a bootstrap-prefixed request to the bootstrap machine, a
// registration-prefixed request to the client registry (server role) or
// is otherwise a plain device-management/reporting request for the
// dispatcher. This keeps dispatch.Dispatcher's dependency direction
// one-way: it never imports bootstrap, registration, or clientregistry.
func (s *Session) route(ctx context.Context, req *transport.Request, now time.Time) {
	// Only request methods are routed. Responses and notifications share
	// the same code space but are consumed by the state machine that
	// originated the request, not dispatched as new work.
	if req.Method < codes.GET || req.Method > codes.DELETE {
		return
	}
	switch {
	case req.Path == "/bs" && s.Bootstrap != nil:
		s.handleBootstrapFinish(ctx, req)
	case strings.HasPrefix(req.Path, "/0/") || strings.HasPrefix(req.Path, "/1/"):
		if s.Bootstrap != nil && s.Bootstrap.State() == bootstrap.StateFinishPending {
			s.handleBootstrapWrite(ctx, req)
			return
		}
		s.dispatchAndSend(ctx, model.OriginServer, req)
	case req.Path == "/rd" || strings.HasPrefix(req.Path, "/rd/"):
		if s.ClientRegistry != nil {
			s.handleRegistryRequest(ctx, req, now)
		}
	default:
		s.dispatchAndSend(ctx, model.OriginServer, req)
	}
}

func (s *Session) dispatchAndSend(ctx context.Context, origin model.Origin, req *transport.Request) {
	resp := s.Dispatch.Handle(ctx, origin, req)
	if _, err := s.port.Send(ctx, req.Peer, resp); err != nil && s.logger != nil {
		s.logger.WithFields(nil).WithError(err).Warn("session: send response failed")
	}
}

func (s *Session) handleBootstrapFinish(ctx context.Context, req *transport.Request) {
	resp := &transport.Response{Code: codes.Changed}
	if err := s.Bootstrap.Finish(); err != nil {
		resp = &transport.Response{Code: codes.Unauthorized}
	}
	_, _ = s.port.Send(ctx, req.Peer, resp)
}

func (s *Session) handleBootstrapWrite(ctx context.Context, req *transport.Request) {
	addr, err := model.ParseAddress(req.Path)
	resp := &transport.Response{Code: codes.Changed}
	if err == nil {
		var iid *uint16
		if addr.HasInstance() {
			v := addr.Instance
			iid = &v
		}
		c, ok := s.Codecs.Lookup(codec.ContentFormat(req.ContentFormat))
		if !ok {
			resp = &transport.Response{Code: codes.UnsupportedMediaType}
		} else if node, derr := c.Decode(req.Payload, s.Registry, addr.Object, iid, nil); derr != nil {
			resp = &transport.Response{Code: codes.BadRequest}
		} else if werr := s.Bootstrap.AcceptWrite(addr.Object, wrapAsObjectRoot(node, addr)); werr != nil {
			resp = &transport.Response{Code: codes.Unauthorized}
		}
	} else {
		resp = &transport.Response{Code: codes.NotFound}
	}
	_, _ = s.port.Send(ctx, req.Peer, resp)
}

// wrapAsObjectRoot normalizes a decoded node into the
// object-with-instance-children shape store.ApplyTree expects, matching
// the same convention the TLV codec's Decode already guarantees.
func wrapAsObjectRoot(node *tree.Node, addr model.Address) *tree.Node {
	if node.Kind == tree.KindObject {
		return node
	}
	root := tree.NewBranch(tree.KindObject, addr.Object)
	root.Attach(addr.Instance, node)
	return root
}

func (s *Session) handleRegistryRequest(ctx context.Context, req *transport.Request, now time.Time) {
	var resp *transport.Response
	switch req.Method {
	case codes.POST:
		if req.Path == "/rd" {
			ep, lt, binding := parseRegisterQuery(req.Query)
			c, err := s.ClientRegistry.Register(req.Peer, ep, lt, binding, false, string(req.Payload), now)
			if err != nil {
				resp = &transport.Response{Code: codes.BadRequest}
				break
			}
			resp = &transport.Response{Code: codes.Created, LocationPath: c.Location}
			break
		}
		_, lt, _ := parseRegisterQuery(req.Query)
		if _, err := s.ClientRegistry.Update(req.Path, lt, string(req.Payload), now); err != nil {
			resp = &transport.Response{Code: codes.NotFound}
			break
		}
		resp = &transport.Response{Code: codes.Changed}
	case codes.DELETE:
		if err := s.ClientRegistry.Deregister(req.Path); err != nil {
			resp = &transport.Response{Code: codes.NotFound}
			break
		}
		resp = &transport.Response{Code: codes.Deleted}
	default:
		resp = &transport.Response{Code: codes.MethodNotAllowed}
	}
	_, _ = s.port.Send(ctx, req.Peer, resp)
}

func parseRegisterQuery(query string) (endpoint string, lifetime int, binding string) {
	for _, kv := range strings.Split(query, "&") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "ep":
			endpoint = v
		case "lt":
			if n, err := strconv.Atoi(v); err == nil {
				lifetime = n
			}
		case "b":
			binding = v
		}
	}
	return
}
