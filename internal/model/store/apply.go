package store

import (
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/tree"
	"github.com/openlwm2m/core/pkg/errors"
)

// CheckWrite reports whether origin may write rid under oid/iid, without
// mutating anything. The dispatcher's graft pass uses this to validate an
// entire decoded tree before applying any of it ("the dispatcher
// then grafts [the tree] into the store atomically (all-or-nothing per
// request)").
func (s *Store) CheckWrite(origin model.Origin, oid, iid, rid uint16) error {
	return s.CheckOperation(origin, oid, iid, rid, model.OpWrite)
}

// CheckOperation reports whether origin may perform op against rid under
// oid/iid, without mutating anything. The dispatcher uses this ahead of
// Execute (and, via CheckWrite, Write/Create) so a permission failure
// never requires rolling back a store mutation.
func (s *Store) CheckOperation(origin model.Origin, oid, iid, rid uint16, op model.Operation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resDef, ok := s.registry.LookupResource(oid, rid)
	if !ok {
		return errors.NotDefined("resource")
	}
	return s.checkWritable(origin, oid, iid, rid, resDef, op)
}

// CheckRead reports whether origin may read rid under oid/iid. Unlike
// CheckOperation, a missing read permission maps to Unauthorized rather
// than OperationNotPermitted: the dispatcher must
// respond 4.01 for a denied read versus 4.05 for a denied write, and the
// two errors carry different mandatory CoAP codes.
func (s *Store) CheckRead(origin model.Origin, oid, iid, rid uint16) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resDef, ok := s.registry.LookupResource(oid, rid)
	if !ok {
		return errors.NotDefined("resource")
	}
	if origin == model.OriginBootstrap || origin == model.OriginClient {
		return nil
	}
	if !resDef.Ops.Allows(model.OpRead) {
		return errors.Unauthorized(resDef.Name)
	}
	if s.acl != nil && !s.acl.Allows(oid, iid, rid, model.OpRead) {
		return errors.Unauthorized("access-control-object")
	}
	return nil
}

// ApplyTree grafts a decoded tree, rooted at oid with one
// or more object-instance children, into the store. When create is true,
// each instance child is created first (allocating a fresh instance when
// the decoded child carries model.InvalidID as its id, matching a Create
// request with no explicit instance id); otherwise every addressed
// instance must already exist.
//
// Grafting happens in two passes so a reject reason surfacing partway
// through a multi-resource payload does not leave the store half-written:
// pass one validates every leaf's write permission and the multi-instance
// cardinality the whole batch would produce; pass two performs the writes
// only if pass one found no problem. Within this single-threaded
// cooperative core nothing else runs between the two passes, so this
// gives the same effective atomicity as a transaction would.
func (s *Store) ApplyTree(origin model.Origin, oid uint16, create bool, root *tree.Node) (createdIIDs []uint16, changed bool, err error) {
	instanceIDs := root.ChildIDs()

	if !create {
		for _, iid := range instanceIDs {
			if !s.Exists(model.Path{Object: oid, Instance: iid, Resource: model.InvalidID}) {
				return nil, false, errors.NotFound("object instance")
			}
		}
	}

	for _, iid := range instanceIDs {
		instNode, _ := root.Get(iid)
		if err := s.validateInstanceWrites(origin, oid, iid, instNode); err != nil {
			return nil, false, err
		}
	}

	for _, iid := range instanceIDs {
		instNode, _ := root.Get(iid)
		actualIID := iid
		if create {
			var want *uint16
			if iid != model.InvalidID {
				want = &iid
			}
			newIID, cerr := s.CreateObjectInstance(origin, oid, want)
			if cerr != nil {
				return createdIIDs, changed, cerr
			}
			actualIID = newIID
			createdIIDs = append(createdIIDs, newIID)
		}
		instChanged, aerr := s.applyInstance(origin, oid, actualIID, instNode)
		if aerr != nil {
			return createdIIDs, changed, aerr
		}
		changed = changed || instChanged
	}
	return createdIIDs, changed, nil
}

// validateInstanceWrites pre-checks every leaf's write permission and the
// multi-instance cardinality the whole batch would produce, without
// mutating the store.
func (s *Store) validateInstanceWrites(origin model.Origin, oid, iid uint16, instNode *tree.Node) error {
	for _, rid := range instNode.ChildIDs() {
		resNode, _ := instNode.Get(rid)
		if err := s.CheckWrite(origin, oid, iid, rid); err != nil {
			return err
		}
		if resNode.IsLeaf() {
			continue
		}
		resDef, ok := s.registry.LookupResource(oid, rid)
		if !ok {
			return errors.NotDefined("resource")
		}
		existing := len(s.ResourceInstances(oid, iid, rid))
		incoming := 0
		for _, ri := range resNode.ChildIDs() {
			if _, already := s.resourceInstanceExists(oid, iid, rid, ri); !already {
				incoming++
			}
		}
		if existing+incoming > resDef.Max {
			return errors.CannotCreate("resource maxInstances reached")
		}
	}
	return nil
}

func (s *Store) resourceInstanceExists(oid, iid, rid, ri uint16) (struct{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[oid]
	if !ok {
		return struct{}{}, false
	}
	inst, ok := obj.instances[iid]
	if !ok {
		return struct{}{}, false
	}
	res, ok := inst.resources[rid]
	if !ok {
		return struct{}{}, false
	}
	_, ok = res.instances[ri]
	return struct{}{}, ok
}

// applyInstance writes every resource/resource-instance leaf under
// instNode, already validated by validateInstanceWrites.
func (s *Store) applyInstance(origin model.Origin, oid, iid uint16, instNode *tree.Node) (bool, error) {
	changed := false
	for _, rid := range instNode.ChildIDs() {
		resNode, _ := instNode.Get(rid)
		if resNode.IsLeaf() {
			c, err := s.SetResourceInstance(origin, oid, iid, rid, 0, resNode.Value)
			if err != nil {
				return changed, err
			}
			changed = changed || c
			continue
		}
		for _, ri := range resNode.ChildIDs() {
			riNode, _ := resNode.Get(ri)
			c, err := s.SetResourceInstance(origin, oid, iid, rid, ri, riNode.Value)
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
	}
	return changed, nil
}
