// Package opaque implements the LwM2M opaque wire codec,
// application/octet-stream and the legacy
// application/vnd.oma.lwm2m+opaque. Applies only to a singleton Opaque
// resource; the wire bytes are the value verbatim.
package opaque

import (
	"github.com/openlwm2m/core/internal/codec"
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/tree"
	"github.com/openlwm2m/core/pkg/errors"
)

// Codec implements codec.Codec for application/octet-stream.
type Codec struct{}

// New returns the opaque codec.
func New() *Codec { return &Codec{} }

func (c *Codec) ContentFormat() codec.ContentFormat { return codec.FormatOpaque }

// Encode returns the resource's raw bytes unchanged.
func (c *Codec) Encode(n *tree.Node, oid uint16, iid, rid *uint16) ([]byte, error) {
	if iid == nil || rid == nil || !n.IsLeaf() {
		return nil, errors.TypeMismatch("opaque", "applies only to a singleton resource")
	}
	if n.ResDef != nil && n.ResDef.Type != model.TypeOpaque {
		return nil, errors.TypeMismatch("opaque", "resource is not Opaque-typed")
	}
	return n.Value, nil
}

// Decode wraps the raw bytes verbatim, validating the target resource is
// a singleton Opaque resource.
func (c *Codec) Decode(data []byte, reg *registry.Registry, oid uint16, iid, rid *uint16) (*tree.Node, error) {
	if iid == nil || rid == nil {
		return nil, errors.TypeMismatch("opaque", "applies only to a singleton resource")
	}
	resDef, ok := reg.LookupResource(oid, *rid)
	if !ok {
		return nil, errors.NotDefined("resource")
	}
	if resDef.Type != model.TypeOpaque {
		return nil, errors.TypeMismatch("opaque", "resource is not Opaque-typed")
	}
	if resDef.Max > 1 {
		return nil, errors.TypeMismatch("opaque", "applies only to a singleton resource")
	}

	objDef, ok := reg.LookupObject(oid)
	if !ok {
		return nil, errors.NotDefined("object")
	}
	root := tree.NewBranch(tree.KindObject, oid)
	root.ObjDef = objDef
	instNode := tree.NewBranch(tree.KindObjectInstance, *iid)
	root.Attach(*iid, instNode)
	leaf := tree.NewLeaf(tree.KindResource, *rid, append([]byte(nil), data...))
	leaf.ResDef = resDef
	instNode.Attach(*rid, leaf)
	return root, nil
}
