// Package dispatch implements the endpoint table and dispatcher: it
// turns one transport.Request targeting an object/instance/resource path
// into a store operation and a transport.Response (parse path, map
// method+options to an operation, negotiate content format, check
// permissions, invoke the store, encode the result). Response codes and
// content-format values come from github.com/plgd-dev/go-coap/v2's
// message and message/codes packages, used purely for their typed
// constants; no socket code lives here.
package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/openlwm2m/core/internal/attrs"
	"github.com/openlwm2m/core/internal/codec"
	"github.com/openlwm2m/core/internal/linkformat"
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/store"
	"github.com/openlwm2m/core/internal/notify"
	"github.com/openlwm2m/core/internal/obsmetrics"
	"github.com/openlwm2m/core/internal/transport"
	"github.com/openlwm2m/core/pkg/errors"
	"github.com/openlwm2m/core/pkg/logging"
)

// operation is the LwM2M-level operation a CoAP request resolves to,
// independent of the wire method that carried it.
type operation int

const (
	opRead operation = iota
	opObserve
	opDiscover
	opWrite
	opWriteAttributes
	opCreate
	opExecute
	opDelete
)

func (op operation) String() string {
	switch op {
	case opRead:
		return "read"
	case opObserve:
		return "observe"
	case opDiscover:
		return "discover"
	case opWrite:
		return "write"
	case opWriteAttributes:
		return "write-attributes"
	case opCreate:
		return "create"
	case opExecute:
		return "execute"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Dispatcher routes device-management, reporting, discovery, and
// write-attributes requests (the `/O[/I[/R[/Ri]]]` URI surface)
// against one session's registry, store, codecs, and attribute
// store. Bootstrap (`/bs`) and registration (`/rd`) traffic is not routed
// here; those interfaces are thin enough to be owned directly by
// internal/bootstrap and internal/clientregistry, which this package
// does not import (kept as narrow, one-directional dependencies).
type Dispatcher struct {
	reg    *registry.Registry
	store  *store.Store
	codecs *codec.Registry
	attrs  *attrs.Store
	obs    *attrs.ObserverSet
	notify  *notify.Engine
	port    transport.Port
	logger  *logging.Logger
	metrics *obsmetrics.Metrics
}

// New creates a Dispatcher bound to one session's components.
func New(reg *registry.Registry, st *store.Store, codecs *codec.Registry, attrStore *attrs.Store, obs *attrs.ObserverSet, eng *notify.Engine, port transport.Port, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, store: st, codecs: codecs, attrs: attrStore, obs: obs, notify: eng, port: port, logger: logger}
}

// SetMetrics installs the obsmetrics collector; a nil metrics instance
// (the default) disables instrumentation, which keeps Dispatcher usable
// in tests that don't care about it.
func (d *Dispatcher) SetMetrics(m *obsmetrics.Metrics) { d.metrics = m }

// Handle processes one inbound request to completion and returns the
// response to send. The request is processed to completion before the
// next is dispatched; Handle never yields mid-request.
func (d *Dispatcher) Handle(ctx context.Context, origin model.Origin, req *transport.Request) *transport.Response {
	start := time.Now()
	addr, err := model.ParseAddress(req.Path)
	if err != nil {
		return d.finish(start, "parse", d.errorResponse(err))
	}

	op := resolveOperation(req, addr)

	resp, err := d.dispatch(ctx, origin, addr, op, req)
	if err != nil {
		return d.finish(start, op.String(), d.errorResponse(err))
	}
	return d.finish(start, op.String(), resp)
}

// finish records dispatch latency and outcome instrumentation, if a
// metrics collector is installed, and returns resp unchanged so call
// sites can wrap it in a single expression.
func (d *Dispatcher) finish(start time.Time, opLabel string, resp *transport.Response) *transport.Response {
	if d.metrics == nil {
		return resp
	}
	d.metrics.DispatchRequestSeconds.WithLabelValues(opLabel).Observe(time.Since(start).Seconds())
	d.metrics.DispatchRequestsTotal.WithLabelValues(opLabel, obsmetrics.CodeClass(uint8(resp.Code))).Inc()
	return resp
}

// resolveOperation maps the CoAP method plus request options to the
// LwM2M operation it carries.
func resolveOperation(req *transport.Request, addr model.Address) operation {
	switch {
	case req.Method == codes.GET:
		if req.HasObserve && req.Observe {
			return opObserve
		}
		if req.HasAccept && req.Accept == message.MediaType(codec.FormatLinkFormat) {
			return opDiscover
		}
		return opRead
	case req.Method == codes.PUT:
		if isWriteAttributesQuery(req.Query) {
			return opWriteAttributes
		}
		return opWrite
	case req.Method == codes.POST:
		if !addr.HasInstance() {
			return opCreate
		}
		if addr.HasResource() {
			return opExecute
		}
		return opWrite
	case req.Method == codes.DELETE:
		return opDelete
	default:
		return opRead
	}
}

func isWriteAttributesQuery(query string) bool {
	if query == "" {
		return false
	}
	for _, kv := range strings.Split(query, "&") {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		switch key {
		case "pmin", "pmax", "gt", "lt", "st", "cancel":
			return true
		}
	}
	return false
}

func (d *Dispatcher) dispatch(ctx context.Context, origin model.Origin, addr model.Address, op operation, req *transport.Request) (*transport.Response, error) {
	switch op {
	case opRead:
		return d.handleRead(origin, addr, req)
	case opObserve:
		return d.handleObserve(ctx, origin, addr, req)
	case opDiscover:
		return d.handleDiscover(addr)
	case opWrite:
		return d.handleWrite(ctx, origin, addr, req)
	case opWriteAttributes:
		return d.handleWriteAttributes(addr, req)
	case opCreate:
		return d.handleCreate(ctx, origin, addr, req)
	case opExecute:
		return d.handleExecute(origin, addr)
	case opDelete:
		return d.handleDelete(origin, addr)
	default:
		return nil, errors.Internal("unhandled operation", nil)
	}
}

func (d *Dispatcher) checkReadable(origin model.Origin, addr model.Address) error {
	if !addr.HasResource() {
		return nil
	}
	return d.store.CheckRead(origin, addr.Object, addr.Instance, addr.Resource)
}

func (d *Dispatcher) handleRead(origin model.Origin, addr model.Address, req *transport.Request) (*transport.Response, error) {
	if err := d.checkReadable(origin, addr); err != nil {
		return nil, err
	}
	c, cf, err := d.encoderFor(req, codec.FormatTLV)
	if err != nil {
		return nil, err
	}
	payload, err := d.exportAndEncode(c, addr)
	if err != nil {
		return nil, err
	}
	return &transport.Response{Code: codes.Content, ContentFormat: message.MediaType(cf), Payload: payload}, nil
}

func (d *Dispatcher) exportAndEncode(c codec.Codec, addr model.Address) ([]byte, error) {
	node, err := d.store.Export(addr.Path())
	if err != nil {
		return nil, err
	}
	// Export returns the object root; codecs expect the node rooted at
	// the addressed level.
	if addr.HasInstance() {
		inst, ok := node.Get(addr.Instance)
		if !ok {
			return nil, errors.NotFound("object instance")
		}
		node = inst
		if addr.HasResource() {
			res, ok := node.Get(addr.Resource)
			if !ok {
				return nil, errors.NotFound("resource")
			}
			node = res
		}
	}
	iid, rid := addrPointers(addr)
	return c.Encode(node, addr.Object, iid, rid)
}

func (d *Dispatcher) handleObserve(ctx context.Context, origin model.Origin, addr model.Address, req *transport.Request) (*transport.Response, error) {
	if err := d.checkReadable(origin, addr); err != nil {
		return nil, err
	}
	c, cf, err := d.encoderFor(req, codec.FormatTLV)
	if err != nil {
		return nil, err
	}
	payload, err := d.exportAndEncode(c, addr)
	if err != nil {
		return nil, err
	}
	effective := d.attrs.Resolve(addr.Path())
	handle, err := d.port.AddObserveSubscription(ctx, req.Peer, req.Token, req.Path)
	if err != nil {
		return nil, errors.TransportErr("add-observe-subscription", err)
	}
	obs := d.obs.Add(req.Peer, req.Token, addr.Path(), uint16(cf), effective)
	obs.Handle = string(handle)
	obs.LastValue = payload
	if p := addr.Path(); p.HasResource() {
		// Resource-level observations compare against the stored value, as
		// the notification engine records it after each emission.
		if stored, err := d.store.GetResourceInstance(p.Object, p.Instance, p.Resource, 0); err == nil {
			obs.LastValue = stored
		}
	}
	obs.HasSent = true
	return &transport.Response{Code: codes.Content, ContentFormat: message.MediaType(cf), Payload: payload}, nil
}

func (d *Dispatcher) handleDiscover(addr model.Address) (*transport.Response, error) {
	entries, err := d.discoverEntries(addr)
	if err != nil {
		return nil, err
	}
	body := linkformat.Format(entries)
	return &transport.Response{Code: codes.Content, ContentFormat: message.MediaType(codec.FormatLinkFormat), Payload: []byte(body)}, nil
}

func (d *Dispatcher) discoverEntries(addr model.Address) ([]linkformat.Entry, error) {
	if !d.store.Exists(addr.Path()) {
		return nil, errors.NotFound("discover target")
	}
	var entries []linkformat.Entry
	switch {
	case !addr.HasInstance():
		for _, iid := range d.store.ObjectInstances(addr.Object) {
			entries = append(entries, linkformat.Entry{Path: fmt.Sprintf("/%d/%d", addr.Object, iid)})
			for _, rid := range d.store.InstanceResources(addr.Object, iid) {
				entries = append(entries, d.resourceEntry(addr.Object, iid, rid))
			}
		}
	case !addr.HasResource():
		for _, rid := range d.store.InstanceResources(addr.Object, addr.Instance) {
			entries = append(entries, d.resourceEntry(addr.Object, addr.Instance, rid))
		}
	default:
		entries = append(entries, d.resourceEntry(addr.Object, addr.Instance, addr.Resource))
	}
	return entries, nil
}

// resourceEntry renders one resource link with its Discover attributes:
// dim for multi-instance resources, pmin/pmax when notification
// attributes are set on the resource.
func (d *Dispatcher) resourceEntry(oid, iid, rid uint16) linkformat.Entry {
	e := linkformat.Entry{Path: fmt.Sprintf("/%d/%d/%d", oid, iid, rid)}
	if def, ok := d.reg.LookupResource(oid, rid); ok && def.Max > 1 {
		e.Attrs = append(e.Attrs, fmt.Sprintf("dim=%d", len(d.store.ResourceInstances(oid, iid, rid))))
	}
	eff := d.attrs.Resolve(model.Path{Object: oid, Instance: iid, Resource: rid})
	if eff.PMin != nil {
		e.Attrs = append(e.Attrs, fmt.Sprintf("pmin=%d", *eff.PMin))
	}
	if eff.PMax != nil {
		e.Attrs = append(e.Attrs, fmt.Sprintf("pmax=%d", *eff.PMax))
	}
	return e
}

func (d *Dispatcher) handleWrite(ctx context.Context, origin model.Origin, addr model.Address, req *transport.Request) (*transport.Response, error) {
	c, err := d.decoderFor(req)
	if err != nil {
		return nil, err
	}
	iid, rid := addrPointers(addr)
	node, err := c.Decode(req.Payload, d.reg, addr.Object, iid, rid)
	if err != nil {
		return nil, err
	}
	_, changed, err := d.store.ApplyTree(origin, addr.Object, false, node)
	if err != nil {
		return nil, err
	}
	if changed && d.notify != nil {
		d.notify.OnMutation(ctx, addr.Path())
	}
	return &transport.Response{Code: codes.Changed}, nil
}

func (d *Dispatcher) handleCreate(ctx context.Context, origin model.Origin, addr model.Address, req *transport.Request) (*transport.Response, error) {
	c, err := d.decoderFor(req)
	if err != nil {
		return nil, err
	}
	node, err := c.Decode(req.Payload, d.reg, addr.Object, nil, nil)
	if err != nil {
		return nil, err
	}
	createdIIDs, _, err := d.store.ApplyTree(origin, addr.Object, true, node)
	if err != nil {
		return nil, err
	}
	if len(createdIIDs) == 0 {
		return nil, errors.DecodeError("create", fmt.Errorf("no object instance in payload"))
	}
	if d.notify != nil {
		d.notify.OnMutation(ctx, model.Path{Object: addr.Object, Instance: createdIIDs[0], Resource: model.InvalidID})
	}
	loc := fmt.Sprintf("/%d/%d", addr.Object, createdIIDs[0])
	return &transport.Response{Code: codes.Created, LocationPath: loc}, nil
}

func (d *Dispatcher) handleExecute(origin model.Origin, addr model.Address) (*transport.Response, error) {
	if !addr.HasResource() {
		return nil, errors.OperationNotPermitted("execute requires a resource path")
	}
	if err := d.store.CheckOperation(origin, addr.Object, addr.Instance, addr.Resource, model.OpExecute); err != nil {
		return nil, err
	}
	return &transport.Response{Code: codes.Changed}, nil
}

func (d *Dispatcher) handleDelete(origin model.Origin, addr model.Address) (*transport.Response, error) {
	if err := d.store.Delete(origin, addr.Path()); err != nil {
		return nil, err
	}
	return &transport.Response{Code: codes.Deleted}, nil
}

func (d *Dispatcher) handleWriteAttributes(addr model.Address, req *transport.Request) (*transport.Response, error) {
	a, cancel, err := parseAttributesQuery(req.Query)
	if err != nil {
		return nil, err
	}
	if cancel {
		for _, obs := range d.obs.CancelAt(req.Peer, addr.Path()) {
			if d.notify != nil {
				d.notify.Forget(obs.Handle)
			}
		}
		return &transport.Response{Code: codes.Changed}, nil
	}
	d.attrs.Set(addr.Path(), a)
	return &transport.Response{Code: codes.Changed}, nil
}

func parseAttributesQuery(query string) (attrs.Attributes, bool, error) {
	var a attrs.Attributes
	var cancel bool
	var result *multierror.Error
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		key, val, _ := strings.Cut(kv, "=")
		switch key {
		case "pmin":
			v, err := strconv.Atoi(val)
			if err != nil {
				result = multierror.Append(result, errors.DecodeError("pmin", err))
				continue
			}
			a.PMin = &v
		case "pmax":
			v, err := strconv.Atoi(val)
			if err != nil {
				result = multierror.Append(result, errors.DecodeError("pmax", err))
				continue
			}
			a.PMax = &v
		case "gt":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				result = multierror.Append(result, errors.DecodeError("gt", err))
				continue
			}
			a.GT = &v
		case "lt":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				result = multierror.Append(result, errors.DecodeError("lt", err))
				continue
			}
			a.LT = &v
		case "st":
			v, err := strconv.ParseFloat(val, 64)
			if err != nil {
				result = multierror.Append(result, errors.DecodeError("st", err))
				continue
			}
			a.Step = &v
		case "cancel":
			cancel = true
		}
	}
	if result != nil {
		return attrs.Attributes{}, false, result.ErrorOrNil()
	}
	return a, cancel, nil
}

// encoderFor picks the response codec: the request's Accept option if
// present, otherwise def.
func (d *Dispatcher) encoderFor(req *transport.Request, def codec.ContentFormat) (codec.Codec, codec.ContentFormat, error) {
	cf := def
	if req.HasAccept {
		cf = codec.ContentFormat(req.Accept)
	}
	c, ok := d.codecs.Lookup(cf)
	if !ok {
		return nil, 0, errUnsupportedFormat{cf: cf}
	}
	return c, codec.Normalize(cf), nil
}

// decoderFor picks the request codec from Content-Format; unsupported
// values are a dispatch-time "codec not found", mapped to 4.15
// rather than any error in the closed taxonomy.
func (d *Dispatcher) decoderFor(req *transport.Request) (codec.Codec, error) {
	c, ok := d.codecs.Lookup(codec.ContentFormat(req.ContentFormat))
	if !ok {
		return nil, errUnsupportedFormat{cf: codec.ContentFormat(req.ContentFormat)}
	}
	return c, nil
}

// errUnsupportedFormat is not part of the closed error taxonomy: it
// is purely a dispatch-time negotiation outcome, mapped directly to 4.15
// by errorResponse without going through pkg/errors.
type errUnsupportedFormat struct{ cf codec.ContentFormat }

func (e errUnsupportedFormat) Error() string {
	return fmt.Sprintf("unsupported content-format %d", e.cf)
}

func (d *Dispatcher) errorResponse(err error) *transport.Response {
	if _, ok := err.(errUnsupportedFormat); ok {
		return &transport.Response{Code: codes.UnsupportedMediaType}
	}
	code := errors.CoAPCodeFor(err)
	if d.logger != nil {
		d.logger.WithFields(nil).WithError(err).Debug("dispatch: request failed")
	}
	return &transport.Response{Code: code}
}

func addrPointers(addr model.Address) (iid, rid *uint16) {
	if addr.HasInstance() {
		v := addr.Instance
		iid = &v
	}
	if addr.HasResource() {
		v := addr.Resource
		rid = &v
	}
	return
}
