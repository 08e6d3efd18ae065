// Package attrs implements the attribute store and observer set:
// per-observation pacing parameters (pmin/pmax/gt/lt/step) with
// most-specific-level-wins inheritance along a path, plus the live
// observation table keyed by (peer, token, path).
package attrs

import (
	"github.com/google/uuid"

	"github.com/openlwm2m/core/internal/model"
)

// Attributes holds the LwM2M notification-pacing parameters settable at
// object, instance, or resource level via Write-Attributes. A nil
// pointer field means "not set at this level"; Merge implements the
// inheritance rule: most-specific non-empty level wins, otherwise
// inherit, independently per attribute.
type Attributes struct {
	PMin *int
	PMax *int
	GT   *float64
	LT   *float64
	Step *float64
}

// Merge returns the attributes visible at a more specific level, taking
// each field from child when child sets it and from parent otherwise.
func (child Attributes) Merge(parent Attributes) Attributes {
	out := parent
	if child.PMin != nil {
		out.PMin = child.PMin
	}
	if child.PMax != nil {
		out.PMax = child.PMax
	}
	if child.GT != nil {
		out.GT = child.GT
	}
	if child.LT != nil {
		out.LT = child.LT
	}
	if child.Step != nil {
		out.Step = child.Step
	}
	return out
}

// Store holds attribute sets keyed by the exact path they were set at
// (object, instance, or resource level), plus a session-wide default.
type Store struct {
	def       Attributes
	byObject  map[uint16]Attributes
	byInst    map[model.Path]Attributes
	byRes     map[model.Path]Attributes
}

// NewStore creates an attribute store seeded with the given session
// defaults (commonly pmin=0, pmax=0 meaning "no pacing unless overridden").
func NewStore(def Attributes) *Store {
	return &Store{
		def:      def,
		byObject: make(map[uint16]Attributes),
		byInst:   make(map[model.Path]Attributes),
		byRes:    make(map[model.Path]Attributes),
	}
}

// Set installs attributes at the level p addresses (object, instance, or
// resource). A field left nil in attrs does NOT clear a previously-set
// value at that same level; callers that want to clear a single
// attribute should re-Set with every other field carried over from Get.
func (s *Store) Set(p model.Path, a Attributes) {
	switch {
	case p.HasResource():
		key := model.Path{Object: p.Object, Instance: p.Instance, Resource: p.Resource}
		s.byRes[key] = s.byRes[key].override(a)
	case p.HasInstance():
		key := model.Path{Object: p.Object, Instance: p.Instance, Resource: model.InvalidID}
		s.byInst[key] = s.byInst[key].override(a)
	default:
		s.byObject[p.Object] = s.byObject[p.Object].override(a)
	}
}

// override returns a copy of base with every non-nil field in a applied.
func (base Attributes) override(a Attributes) Attributes {
	out := base
	if a.PMin != nil {
		out.PMin = a.PMin
	}
	if a.PMax != nil {
		out.PMax = a.PMax
	}
	if a.GT != nil {
		out.GT = a.GT
	}
	if a.LT != nil {
		out.LT = a.LT
	}
	if a.Step != nil {
		out.Step = a.Step
	}
	return out
}

// Resolve returns the effective attributes for p: resource-level
// overrides instance-level overrides object-level overrides the session
// default, independently per attribute name.
func (s *Store) Resolve(p model.Path) Attributes {
	eff := s.def
	if objAttrs, ok := s.byObject[p.Object]; ok {
		eff = objAttrs.Merge(eff)
	}
	if p.HasInstance() {
		key := model.Path{Object: p.Object, Instance: p.Instance, Resource: model.InvalidID}
		if instAttrs, ok := s.byInst[key]; ok {
			eff = instAttrs.Merge(eff)
		}
	}
	if p.HasResource() {
		key := model.Path{Object: p.Object, Instance: p.Instance, Resource: p.Resource}
		if resAttrs, ok := s.byRes[key]; ok {
			eff = resAttrs.Merge(eff)
		}
	}
	return eff
}

// Observation is one server subscription, identified by (peer, token,
// path), carrying the resolved pacing attributes and last-emission state
// the notification engine consults.
type Observation struct {
	Handle        string
	Peer          string
	Token         []byte
	Path          model.Path
	ContentFormat uint16
	Attrs         Attributes

	LastValue []byte
	LastSeq   uint32
	HasSent   bool
}

// ObserverSet is the live table of observations for one session.
type ObserverSet struct {
	observations map[string]*Observation
}

// NewObserverSet creates an empty observer set.
func NewObserverSet() *ObserverSet {
	return &ObserverSet{observations: make(map[string]*Observation)}
}

// Add registers a new observation, returning its handle.
func (o *ObserverSet) Add(peer string, token []byte, path model.Path, cf uint16, a Attributes) *Observation {
	obs := &Observation{
		Handle:        uuid.New().String(),
		Peer:          peer,
		Token:         append([]byte(nil), token...),
		Path:          path,
		ContentFormat: cf,
		Attrs:         a,
	}
	o.observations[obs.Handle] = obs
	return obs
}

// Cancel removes an observation by handle.
func (o *ObserverSet) Cancel(handle string) {
	delete(o.observations, handle)
}

// CancelAt removes every observation peer holds on exactly path (the
// Write-Attributes cancel form) and returns the cancelled set so the
// caller can release any transport-side handles.
func (o *ObserverSet) CancelAt(peer string, path model.Path) []*Observation {
	var cancelled []*Observation
	for h, obs := range o.observations {
		if obs.Peer == peer && obs.Path == path {
			cancelled = append(cancelled, obs)
			delete(o.observations, h)
		}
	}
	return cancelled
}

// CancelPeer removes every observation belonging to peer (session end).
func (o *ObserverSet) CancelPeer(peer string) {
	for h, obs := range o.observations {
		if obs.Peer == peer {
			delete(o.observations, h)
		}
	}
}

// All returns every live observation; iteration order is unspecified.
func (o *ObserverSet) All() []*Observation {
	out := make([]*Observation, 0, len(o.observations))
	for _, obs := range o.observations {
		out = append(out, obs)
	}
	return out
}

// CoveringPath returns every observation whose path covers (is an
// ancestor of or equal to) mutated, the set the notification engine
// re-evaluates on a store mutation.
func (o *ObserverSet) CoveringPath(mutated model.Path) []*Observation {
	var out []*Observation
	for _, obs := range o.observations {
		if covers(obs.Path, mutated) {
			out = append(out, obs)
		}
	}
	return out
}

func covers(observed, mutated model.Path) bool {
	if observed.Object != mutated.Object {
		return false
	}
	if observed.HasInstance() {
		if !mutated.HasInstance() || observed.Instance != mutated.Instance {
			return false
		}
	}
	if observed.HasResource() {
		if !mutated.HasResource() || observed.Resource != mutated.Resource {
			return false
		}
	}
	return true
}
