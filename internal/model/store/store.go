// Package store implements the object tree and store: an ordered,
// four-level sparse tree (object -> instance -> resource ->
// resource-instance) with per-value version ticks for change tracking.
package store

import (
	"bytes"
	"sort"
	"sync"

	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/pkg/errors"
)

// ACL is the pluggable Access-Control-Object mask check consulted for the
// Server origin (which must satisfy both the resource
// operations mask and the Access-Control-Object mask, if the ACL object
// is defined for that target"). A nil ACL means no Access-Control-Object
// is defined, so only the resource operations mask applies.
type ACL interface {
	Allows(oid, iid, rid uint16, op model.Operation) bool
}

type resourceInstance struct {
	value   []byte
	version uint64
}

type resource struct {
	def       *registry.ResourceDefinition
	instances map[uint16]*resourceInstance
	version   uint64
}

type objectInstance struct {
	resources map[uint16]*resource
	version   uint64
}

type object struct {
	def       *registry.ObjectDefinition
	instances map[uint16]*objectInstance
	version   uint64
}

// Store is the session's live object tree.
type Store struct {
	mu       sync.RWMutex
	registry *registry.Registry
	objects  map[uint16]*object
	version  uint64
	acl      ACL
}

// New creates a store bound to a definition registry.
func New(reg *registry.Registry) *Store {
	return &Store{registry: reg, objects: make(map[uint16]*object)}
}

// SetACL installs the Access-Control-Object mask checker.
func (s *Store) SetACL(acl ACL) { s.acl = acl }

func (s *Store) nextVersion() uint64 {
	s.version++
	return s.version
}

func (s *Store) checkWritable(origin model.Origin, oid, iid, rid uint16, def *registry.ResourceDefinition, op model.Operation) error {
	if origin == model.OriginBootstrap {
		return nil
	}
	if origin == model.OriginClient && op == model.OpRead {
		return nil
	}
	if !def.Ops.Allows(op) {
		return errors.OperationNotPermitted(def.Name)
	}
	if origin == model.OriginServer && s.acl != nil && !s.acl.Allows(oid, iid, rid, op) {
		return errors.Unauthorized("access-control-object")
	}
	return nil
}

// CreateObjectInstance creates an object instance, allocating the
// smallest unused id respecting maxInstances when iid is nil.
func (s *Store) CreateObjectInstance(origin model.Origin, oid uint16, iid *uint16) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.registry.LookupObject(oid)
	if !ok {
		return 0, errors.NotDefined("object")
	}

	obj, exists := s.objects[oid]
	if !exists {
		obj = &object{def: def, instances: make(map[uint16]*objectInstance)}
		s.objects[oid] = obj
	}

	if len(obj.instances) >= def.Max {
		return 0, errors.CannotCreate("maxInstances reached")
	}

	var id uint16
	if iid != nil {
		id = *iid
		if _, taken := obj.instances[id]; taken {
			return 0, errors.CannotCreate("instance already exists")
		}
	} else {
		found := false
		for candidate := uint16(0); candidate < model.InvalidID; candidate++ {
			if _, taken := obj.instances[candidate]; !taken {
				id = candidate
				found = true
				break
			}
		}
		if !found {
			return 0, errors.CannotCreate("no free instance id")
		}
	}

	obj.instances[id] = &objectInstance{resources: make(map[uint16]*resource), version: s.nextVersion()}
	obj.version = s.version
	return id, nil
}

// CreateResource creates an empty multi-instance resource container, or a
// default-valued single resource, under an existing object instance.
func (s *Store) CreateResource(origin model.Origin, oid, iid, rid uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resDef, ok := s.registry.LookupResource(oid, rid)
	if !ok {
		return errors.NotDefined("resource")
	}
	obj, ok := s.objects[oid]
	if !ok {
		return errors.NotFound("object instance")
	}
	inst, ok := obj.instances[iid]
	if !ok {
		return errors.NotFound("object instance")
	}
	if _, exists := inst.resources[rid]; exists {
		return errors.CannotCreate("resource already exists")
	}

	res := &resource{def: resDef, instances: make(map[uint16]*resourceInstance), version: s.nextVersion()}
	if resDef.Max <= 1 && resDef.Default != nil {
		res.instances[0] = &resourceInstance{value: append([]byte(nil), resDef.Default...), version: s.version}
	}
	inst.resources[rid] = res
	inst.version = s.version
	return nil
}

// SetResourceInstance writes a resource-instance value. changed is true
// iff the new bytes differ from the prior value.
func (s *Store) SetResourceInstance(origin model.Origin, oid, iid, rid, ri uint16, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resDef, ok := s.registry.LookupResource(oid, rid)
	if !ok {
		return false, errors.NotDefined("resource")
	}
	if err := s.checkWritable(origin, oid, iid, rid, resDef, model.OpWrite); err != nil {
		return false, err
	}

	obj, ok := s.objects[oid]
	if !ok {
		return false, errors.NotFound("object instance")
	}
	inst, ok := obj.instances[iid]
	if !ok {
		return false, errors.NotFound("object instance")
	}
	res, ok := inst.resources[rid]
	if !ok {
		res = &resource{def: resDef, instances: make(map[uint16]*resourceInstance)}
		inst.resources[rid] = res
	}

	existing, exists := res.instances[ri]
	if !exists && len(res.instances) >= resDef.Max {
		return false, errors.CannotCreate("resource maxInstances reached")
	}

	changed := !exists || !bytes.Equal(existing.value, value)
	v := s.nextVersion()
	res.instances[ri] = &resourceInstance{value: append([]byte(nil), value...), version: v}
	res.version = v
	inst.version = v
	obj.version = v
	return changed, nil
}

// GetResourceInstance returns the stored bytes for a resource instance.
func (s *Store) GetResourceInstance(oid, iid, rid, ri uint16) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[oid]
	if !ok {
		return nil, errors.NotFound("object instance")
	}
	inst, ok := obj.instances[iid]
	if !ok {
		return nil, errors.NotFound("object instance")
	}
	res, ok := inst.resources[rid]
	if !ok {
		return nil, errors.NotFound("resource")
	}
	ri_, ok := res.instances[ri]
	if !ok {
		return nil, errors.NotFound("resource instance")
	}
	return append([]byte(nil), ri_.value...), nil
}

// Version returns the version tick at which a node was last mutated, or
// 0 if it does not exist.
func (s *Store) Version(oid uint16, iid, rid, ri *uint16) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[oid]
	if !ok {
		return 0
	}
	if iid == nil {
		return obj.version
	}
	inst, ok := obj.instances[*iid]
	if !ok {
		return 0
	}
	if rid == nil {
		return inst.version
	}
	res, ok := inst.resources[*rid]
	if !ok {
		return 0
	}
	if ri == nil {
		return res.version
	}
	r, ok := res.instances[*ri]
	if !ok {
		return 0
	}
	return r.version
}

// Exists reports membership at any level of p.
func (s *Store) Exists(p model.Path) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[p.Object]
	if !ok {
		return false
	}
	if !p.HasInstance() {
		return true
	}
	inst, ok := obj.instances[p.Instance]
	if !ok {
		return false
	}
	if !p.HasResource() {
		return true
	}
	_, ok = inst.resources[p.Resource]
	return ok
}

// Delete removes the sub-tree rooted at p. Deleting a mandatory
// singleton object instance is rejected unless origin is Bootstrap.
func (s *Store) Delete(origin model.Origin, p model.Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[p.Object]
	if !ok {
		return errors.NotFound("object")
	}

	if !p.HasInstance() {
		delete(s.objects, p.Object)
		s.nextVersion()
		return nil
	}

	inst, ok := obj.instances[p.Instance]
	if !ok {
		return errors.NotFound("object instance")
	}

	if !p.HasResource() {
		if origin != model.OriginBootstrap && obj.def.Min > 0 && len(obj.instances) <= obj.def.Min {
			return errors.OperationNotPermitted("mandatory singleton instance")
		}
		delete(obj.instances, p.Instance)
		obj.version = s.nextVersion()
		return nil
	}

	if _, ok := inst.resources[p.Resource]; !ok {
		return errors.NotFound("resource")
	}
	delete(inst.resources, p.Resource)
	inst.version = s.nextVersion()
	return nil
}

// ObjectInstances returns the defined instance ids of oid, ascending.
func (s *Store) ObjectInstances(oid uint16) []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[oid]
	if !ok {
		return nil
	}
	ids := make([]uint16, 0, len(obj.instances))
	for id := range obj.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InstanceResources returns the populated resource ids under oid/iid, ascending.
func (s *Store) InstanceResources(oid, iid uint16) []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[oid]
	if !ok {
		return nil
	}
	inst, ok := obj.instances[iid]
	if !ok {
		return nil
	}
	ids := make([]uint16, 0, len(inst.resources))
	for id := range inst.resources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ResourceInstances returns the populated resource-instance ids, ascending.
func (s *Store) ResourceInstances(oid, iid, rid uint16) []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[oid]
	if !ok {
		return nil
	}
	inst, ok := obj.instances[iid]
	if !ok {
		return nil
	}
	res, ok := inst.resources[rid]
	if !ok {
		return nil
	}
	ids := make([]uint16, 0, len(res.instances))
	for id := range res.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Objects returns the object ids with at least one instance, ascending.
func (s *Store) Objects() []uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint16, 0, len(s.objects))
	for id, obj := range s.objects {
		if len(obj.instances) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
