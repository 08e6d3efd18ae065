// Package registry implements the LwM2M definition registry: the closed
// mapping from object/resource identifiers to their schema, meaning
// cardinality, type, permitted operations, and default value.
package registry

import (
	"sort"
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/pkg/errors"
)

// ResourceDefinition is one resource's schema within an object.
type ResourceDefinition struct {
	ID      uint16
	Name    string
	Type    model.ResourceType
	Min     int
	Max     int
	Ops     model.Operations
	Default []byte // nil if there is no default value
}

// ObjectDefinition is one object's schema: its cardinality and the
// resources it carries.
type ObjectDefinition struct {
	ID        uint16
	Name      string
	Min       int
	Max       int
	Resources map[uint16]*ResourceDefinition
}

// Registry is the append-only (within a session) object/resource schema
// store.
type Registry struct {
	mu      sync.RWMutex
	objects map[uint16]*ObjectDefinition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{objects: make(map[uint16]*ObjectDefinition)}
}

func validCardinality(min, max int) bool {
	return min >= 0 && min <= max && max <= int(model.MaxID)
}

// RegisterObject adds an object definition. Duplicate oid, an inverted
// cardinality range, or max > 65534 is rejected; the existing definition
// (if any) is left untouched.
func (r *Registry) RegisterObject(name string, oid uint16, min, max int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.objects[oid]; exists {
		return errors.AlreadyDefined(name)
	}
	if !validCardinality(min, max) {
		return errors.DefinitionInvalid("invalid object cardinality").WithDetail("object", oid)
	}
	r.objects[oid] = &ObjectDefinition{
		ID:        oid,
		Name:      name,
		Min:       min,
		Max:       max,
		Resources: make(map[uint16]*ResourceDefinition),
	}
	return nil
}

// RegisterResource adds a resource definition to an already-registered
// object. Executable resources must be None-typed singletons; ops=E
// combined with a non-None type or max>1 is rejected.
func (r *Registry) RegisterResource(oid uint16, rid uint16, name string, typ model.ResourceType, min, max int, ops model.Operations, def []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	obj, ok := r.objects[oid]
	if !ok {
		return errors.NotDefined(name)
	}
	if _, exists := obj.Resources[rid]; exists {
		return errors.AlreadyDefined(name)
	}
	if !validCardinality(min, max) {
		return errors.DefinitionInvalid("invalid resource cardinality").WithDetail("resource", rid)
	}
	if ops.Allows(model.OpExecute) && (typ != model.TypeNone || max > 1) {
		return errors.DefinitionInvalid("executable resources must be None-typed singletons").WithDetail("resource", rid)
	}
	obj.Resources[rid] = &ResourceDefinition{
		ID: rid, Name: name, Type: typ, Min: min, Max: max, Ops: ops, Default: def,
	}
	return nil
}

// LookupObject returns the object definition, if any.
func (r *Registry) LookupObject(oid uint16) (*ObjectDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[oid]
	return obj, ok
}

// LookupResource returns the resource definition, if any.
func (r *Registry) LookupResource(oid, rid uint16) (*ResourceDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[oid]
	if !ok {
		return nil, false
	}
	res, ok := obj.Resources[rid]
	return res, ok
}

// Objects returns every defined object id in ascending order.
func (r *Registry) Objects() []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]uint16, 0, len(r.objects))
	for id := range r.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Resources returns every resource id defined on oid, ascending.
func (r *Registry) Resources(oid uint16) []uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[oid]
	if !ok {
		return nil
	}
	ids := make([]uint16, 0, len(obj.Resources))
	for id := range obj.Resources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reset clears the registry (used on session teardown).
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[uint16]*ObjectDefinition)
}

// ObjectSource is the parsed form an external XML object-definitions
// loader (out of scope for this repo) would hand to Load: one entry per
// <ObjectDefinition>, already flattened from the file format described in
// the protocol spec.
type ObjectSource struct {
	Name      string
	ID        uint16
	Min       int
	Max       int
	Resources []ResourceSource
}

// ResourceSource is one <PropertyDefinition> entry, pre-parsed.
type ResourceSource struct {
	ID      uint16
	Name    string
	Type    model.ResourceType
	Min     int
	Max     int
	Ops     model.Operations
	Default []byte
}

// Load registers a batch of object definitions, continuing past a
// rejected entry rather than stopping at the first one, and aggregating
// every failure with go-multierror so a caller can report them all. A
// later definition for an id already registered by an earlier file does
// not affect the existing registration.
func (r *Registry) Load(sources []ObjectSource) error {
	var result *multierror.Error
	for _, src := range sources {
		if err := r.RegisterObject(src.Name, src.ID, src.Min, src.Max); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, res := range src.Resources {
			if err := r.RegisterResource(src.ID, res.ID, res.Name, res.Type, res.Min, res.Max, res.Ops, res.Default); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}
