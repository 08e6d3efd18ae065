// Package text implements the LwM2M plain-text wire codec, text/plain
// and the legacy application/vnd.oma.lwm2m+text. Applies only to a
// singleton resource.
package text

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openlwm2m/core/internal/codec"
	"github.com/openlwm2m/core/internal/codec/value"
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/tree"
	"github.com/openlwm2m/core/pkg/errors"
)

// Codec implements codec.Codec for text/plain.
type Codec struct{}

// New returns the plain-text codec.
func New() *Codec { return &Codec{} }

func (c *Codec) ContentFormat() codec.ContentFormat { return codec.FormatText }

// Encode renders a single leaf resource value as plain text. Only a
// singleton-resource level (rid set, no resource-instance) is supported.
func (c *Codec) Encode(n *tree.Node, oid uint16, iid, rid *uint16) ([]byte, error) {
	if iid == nil || rid == nil {
		return nil, errors.TypeMismatch("text", "applies only to a single resource")
	}
	if !n.IsLeaf() {
		return nil, errors.TypeMismatch("text", "applies only to a singleton resource")
	}
	typ := model.TypeNone
	if n.ResDef != nil {
		typ = n.ResDef.Type
	}
	switch typ {
	case model.TypeString:
		return n.Value, nil
	case model.TypeInteger, model.TypeTime:
		v, err := value.DecodeInt(n.Value)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(v, 10)), nil
	case model.TypeFloat:
		v, err := value.DecodeFloat(n.Value)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("%f", v)), nil
	case model.TypeBoolean:
		v, err := value.DecodeBool(n.Value)
		if err != nil {
			return nil, err
		}
		if v {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case model.TypeObjectLink:
		oidv, iidv, err := value.DecodeObjectLink(n.Value)
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("%d:%d", oidv, iidv)), nil
	case model.TypeOpaque:
		return nil, errors.TypeMismatch("opaque", "text/plain cannot carry opaque values")
	default:
		return nil, errors.TypeMismatch("text", "unsupported type")
	}
}

// Decode parses plain-text bytes for a singleton resource, validating the
// result against the resource's declared type.
func (c *Codec) Decode(data []byte, reg *registry.Registry, oid uint16, iid, rid *uint16) (*tree.Node, error) {
	if iid == nil || rid == nil {
		return nil, errors.TypeMismatch("text", "applies only to a single resource")
	}
	resDef, ok := reg.LookupResource(oid, *rid)
	if !ok {
		return nil, errors.NotDefined("resource")
	}
	if resDef.Max > 1 {
		return nil, errors.TypeMismatch("text", "applies only to a singleton resource")
	}

	var raw []byte
	switch resDef.Type {
	case model.TypeString:
		raw = data
	case model.TypeInteger, model.TypeTime:
		v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return nil, errors.DecodeError("text", err)
		}
		raw = value.EncodeInt(v)
	case model.TypeFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			return nil, errors.DecodeError("text", err)
		}
		raw = value.EncodeFloat(v)
	case model.TypeBoolean:
		switch strings.TrimSpace(string(data)) {
		case "1":
			raw = value.EncodeBool(true)
		case "0":
			raw = value.EncodeBool(false)
		default:
			return nil, errors.DecodeError("text", fmt.Errorf("boolean must be \"0\" or \"1\""))
		}
	case model.TypeObjectLink:
		parts := strings.SplitN(strings.TrimSpace(string(data)), ":", 2)
		if len(parts) != 2 {
			return nil, errors.TypeMismatch("objectlink", `"<oid>:<iid>"`)
		}
		oidv, err1 := strconv.ParseUint(parts[0], 10, 32)
		iidv, err2 := strconv.ParseUint(parts[1], 10, 32)
		if err1 != nil || err2 != nil || oidv > uint64(model.InvalidID) || iidv > uint64(model.InvalidID) {
			return nil, errors.TypeMismatch("objectlink", "out-of-range id")
		}
		raw = value.EncodeObjectLink(uint16(oidv), uint16(iidv))
	case model.TypeOpaque:
		return nil, errors.TypeMismatch("opaque", "text/plain cannot carry opaque values")
	default:
		return nil, errors.TypeMismatch("text", "unsupported type")
	}

	objDef, ok := reg.LookupObject(oid)
	if !ok {
		return nil, errors.NotDefined("object")
	}
	root := tree.NewBranch(tree.KindObject, oid)
	root.ObjDef = objDef
	instNode := tree.NewBranch(tree.KindObjectInstance, *iid)
	root.Attach(*iid, instNode)
	leaf := tree.NewLeaf(tree.KindResource, *rid, raw)
	leaf.ResDef = resDef
	instNode.Attach(*rid, leaf)
	return root, nil
}
