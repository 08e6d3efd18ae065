// Package notify implements the notification engine: it evaluates
// pmin/pmax/gt/lt/step for every observation covering a mutated path and
// emits CoAP notifications via the transport port. pmin pacing rides on
// golang.org/x/time/rate: a rate.Limiter with rate 1/pmin and burst 1 is
// an exact fit for "at most one notification per pmin window".
package notify

import (
	"context"
	"time"

	"github.com/plgd-dev/go-coap/v2/message"
	"golang.org/x/time/rate"

	"github.com/openlwm2m/core/internal/attrs"
	"github.com/openlwm2m/core/internal/codec"
	"github.com/openlwm2m/core/internal/codec/value"
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/tree"
	"github.com/openlwm2m/core/internal/obsmetrics"
	"github.com/openlwm2m/core/internal/transport"
	"github.com/openlwm2m/core/pkg/logging"
)

// valueExporter is the narrow read contract notify actually needs: the
// raw bytes currently stored at an observed resource (for gt/lt/step
// evaluation and leaf encoding), plus a subtree export for observations
// established at object or instance level, without depending on the
// full store package surface.
type valueExporter interface {
	GetResourceInstance(oid, iid, rid, ri uint16) ([]byte, error)
	Export(p model.Path) (*tree.Node, error)
}

// Engine is the per-session notification engine.
type Engine struct {
	obs      *attrs.ObserverSet
	codecs   *codec.Registry
	reg      *registry.Registry
	port     transport.Port
	store    valueExporter
	limiters map[string]*rate.Limiter
	logger   *logging.Logger
	metrics  *obsmetrics.Metrics
	listener func(path model.Path, seq uint32, payload []byte)
}

// SetMetrics installs the obsmetrics collector; nil disables
// instrumentation.
func (e *Engine) SetMetrics(metrics *obsmetrics.Metrics) { e.metrics = metrics }

// SetListener installs an optional tap invoked after every successfully
// emitted notification (used by the admin introspection API's stream);
// nil removes it.
func (e *Engine) SetListener(fn func(path model.Path, seq uint32, payload []byte)) {
	e.listener = fn
}

// New creates a notification engine bound to the session's observer set,
// codec registry, definition registry, store, and transport port.
func New(obs *attrs.ObserverSet, codecs *codec.Registry, reg *registry.Registry, store valueExporter, port transport.Port, logger *logging.Logger) *Engine {
	return &Engine{
		obs:      obs,
		codecs:   codecs,
		reg:      reg,
		port:     port,
		store:    store,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

func (e *Engine) limiterFor(obs *attrs.Observation) *rate.Limiter {
	lim, ok := e.limiters[obs.Handle]
	if !ok {
		lim = newPMinLimiter(obs.Attrs.PMin)
		e.limiters[obs.Handle] = lim
	}
	return lim
}

func newPMinLimiter(pmin *int) *rate.Limiter {
	seconds := 0
	if pmin != nil {
		seconds = *pmin
	}
	if seconds <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Duration(seconds)*time.Second), 1)
}

// Forget drops the pacing state kept for a cancelled observation.
func (e *Engine) Forget(handle string) {
	delete(e.limiters, handle)
}

// OnMutation is called for every store mutation: it
// re-evaluates every observation covering the mutated path and emits a
// notification for the ones whose pmin/threshold gates pass.
func (e *Engine) OnMutation(ctx context.Context, mutated model.Path) {
	for _, obs := range e.obs.CoveringPath(mutated) {
		e.maybeNotify(ctx, obs, false)
	}
}

// SweepPmax is the periodic scan, independent of mutations: force
// a notification once pmax has elapsed since the last emission, even if
// the value is unchanged.
func (e *Engine) SweepPmax(ctx context.Context, now time.Time) {
	for _, obs := range e.obs.All() {
		if obs.Attrs.PMax == nil || *obs.Attrs.PMax <= 0 {
			continue
		}
		e.maybeNotify(ctx, obs, true)
	}
}

func (e *Engine) maybeNotify(ctx context.Context, obs *attrs.Observation, forced bool) {
	c, ok := e.codecs.Lookup(codec.ContentFormat(obs.ContentFormat))
	if !ok {
		return
	}
	payload, raw, ok := e.snapshot(obs, c)
	if !ok {
		return
	}

	if !forced {
		if !e.gatePasses(obs, raw) {
			return
		}
		if !e.limiterFor(obs).Allow() {
			return
		}
	}

	seq := obs.LastSeq
	if obs.HasSent {
		seq = (seq + 1) % (1 << 24)
	}

	if err := e.port.EmitNotification(ctx, transport.ObserveHandle(obs.Handle), seq, message.MediaType(codec.Normalize(codec.ContentFormat(obs.ContentFormat))), payload); err != nil {
		if e.logger != nil {
			e.logger.WithFields(nil).WithError(err).Warn("notify: emit failed")
		}
		return
	}

	obs.LastValue = raw
	obs.LastSeq = seq
	obs.HasSent = true
	if e.metrics != nil {
		reason := "mutation"
		if forced {
			reason = "pmax"
		}
		e.metrics.NotificationsTotal.WithLabelValues(reason).Inc()
	}
	if e.listener != nil {
		e.listener(obs.Path, seq, payload)
	}
}

// snapshot produces the wire payload for the observation's current state
// plus the identity bytes used for change detection: the stored value
// itself for a resource-level observation, the encoded subtree for an
// object- or instance-level one.
func (e *Engine) snapshot(obs *attrs.Observation, c codec.Codec) (payload, raw []byte, ok bool) {
	if obs.Path.HasResource() {
		stored, err := e.store.GetResourceInstance(obs.Path.Object, obs.Path.Instance, obs.Path.Resource, 0)
		if err != nil {
			return nil, nil, false
		}
		leaf := tree.NewLeaf(tree.KindResource, obs.Path.Resource, stored)
		if def, found := e.reg.LookupResource(obs.Path.Object, obs.Path.Resource); found {
			leaf.ResDef = def
		}
		payload, err = c.Encode(leaf, obs.Path.Object, instPtr(obs.Path), resPtr(obs.Path))
		if err != nil {
			if e.logger != nil {
				e.logger.WithFields(nil).WithError(err).Warn("notify: encode failed")
			}
			return nil, nil, false
		}
		return payload, stored, true
	}

	node, err := e.store.Export(obs.Path)
	if err != nil {
		return nil, nil, false
	}
	if obs.Path.HasInstance() {
		inst, found := node.Get(obs.Path.Instance)
		if !found {
			return nil, nil, false
		}
		node = inst
	}
	payload, err = c.Encode(node, obs.Path.Object, instPtr(obs.Path), nil)
	if err != nil {
		if e.logger != nil {
			e.logger.WithFields(nil).WithError(err).Warn("notify: encode failed")
		}
		return nil, nil, false
	}
	return payload, payload, true
}

// gatePasses decides whether an unforced emission goes out: threshold
// evaluation for resource-level observations, plain change detection for
// coarser ones (gt/lt/step apply only to single numeric resources).
func (e *Engine) gatePasses(obs *attrs.Observation, raw []byte) bool {
	if obs.Path.HasResource() {
		return e.thresholdPasses(obs, raw)
	}
	return !obs.HasSent || string(raw) != string(obs.LastValue)
}

// thresholdPasses gates emission on value change: without gt/lt/step configured,
// any change passes; with them configured, only a crossing/sufficient
// step passes.
func (e *Engine) thresholdPasses(obs *attrs.Observation, raw []byte) bool {
	a := obs.Attrs
	if a.GT == nil && a.LT == nil && a.Step == nil {
		return !obs.HasSent || string(raw) != string(obs.LastValue)
	}
	if !obs.HasSent {
		return true
	}
	cur, ok1 := asFloat(raw)
	prev, ok2 := asFloat(obs.LastValue)
	if !ok1 || !ok2 {
		return string(raw) != string(obs.LastValue)
	}
	if a.GT != nil && crosses(prev, cur, *a.GT) {
		return true
	}
	if a.LT != nil && crosses(prev, cur, *a.LT) {
		return true
	}
	if a.Step != nil && abs(cur-prev) >= *a.Step {
		return true
	}
	return false
}

func crosses(prev, cur, threshold float64) bool {
	return (prev < threshold && cur >= threshold) || (prev > threshold && cur <= threshold)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func asFloat(raw []byte) (float64, bool) {
	switch len(raw) {
	case 4:
		if f, err := value.DecodeFloat(raw); err == nil {
			return f, true
		}
	case 8:
		if f, err := value.DecodeFloat(raw); err == nil {
			return f, true
		}
	}
	if v, err := value.DecodeInt(raw); err == nil {
		return float64(v), true
	}
	return 0, false
}

func instPtr(p model.Path) *uint16 {
	if !p.HasInstance() {
		return nil
	}
	v := p.Instance
	return &v
}

func resPtr(p model.Path) *uint16 {
	if !p.HasResource() {
		return nil
	}
	v := p.Resource
	return &v
}
