package store

import (
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/tree"
	"github.com/openlwm2m/core/pkg/errors"
)

// Export builds a detached tree IR rooted at the object p
// addresses, populated from the live store down to whatever level p
// pins (object, instance, or resource). This is the store-side half of
// the codec contract: a Codec.Encode call takes the node this method
// returns.
func (s *Store) Export(p model.Path) (*tree.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[p.Object]
	if !ok {
		return nil, errors.NotFound("object")
	}
	root := tree.NewBranch(tree.KindObject, p.Object)
	root.ObjDef = obj.def

	if !p.HasInstance() {
		for iid, inst := range obj.instances {
			root.Attach(iid, exportInstance(iid, inst))
		}
		return root, nil
	}

	inst, ok := obj.instances[p.Instance]
	if !ok {
		return nil, errors.NotFound("object instance")
	}

	if !p.HasResource() {
		root.Attach(p.Instance, exportInstance(p.Instance, inst))
		return root, nil
	}

	res, ok := inst.resources[p.Resource]
	if !ok {
		return nil, errors.NotFound("resource")
	}
	instNode := tree.NewBranch(tree.KindObjectInstance, p.Instance)
	instNode.Attach(p.Resource, exportResource(p.Resource, res))
	root.Attach(p.Instance, instNode)
	return root, nil
}

func exportInstance(iid uint16, inst *objectInstance) *tree.Node {
	n := tree.NewBranch(tree.KindObjectInstance, iid)
	for rid, res := range inst.resources {
		n.Attach(rid, exportResource(rid, res))
	}
	return n
}

func exportResource(rid uint16, res *resource) *tree.Node {
	if res.def.Max <= 1 {
		var val []byte
		if ri, ok := res.instances[0]; ok {
			val = append([]byte(nil), ri.value...)
		}
		leaf := tree.NewLeaf(tree.KindResource, rid, val)
		leaf.ResDef = res.def
		return leaf
	}
	n := tree.NewBranch(tree.KindResource, rid)
	n.ResDef = res.def
	for ri, inst := range res.instances {
		leaf := tree.NewLeaf(tree.KindResourceInstance, ri, append([]byte(nil), inst.value...))
		leaf.ResDef = res.def
		n.Attach(ri, leaf)
	}
	return n
}
