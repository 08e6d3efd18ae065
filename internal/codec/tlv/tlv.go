// Package tlv implements the LwM2M TLV wire codec,
// application/vnd.oma.lwm2m+tlv. Each entry is framed as
// type-byte | id-bytes | len-bytes | value, with integers and times
// encoded in the smallest of 1/2/4/8 bytes that preserves the signed
// value, per the OMA TLV layout.
package tlv

import (
	"fmt"

	"github.com/openlwm2m/core/internal/codec"
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/tree"
	"github.com/openlwm2m/core/pkg/errors"
)

// entryKind is the top-two-bit selector of a TLV type byte.
type entryKind byte

const (
	kindObjectInstance   entryKind = 0 // 00
	kindResourceInstance entryKind = 1 // 01 (resource instance within a multi-instance resource)
	kindMultiResource    entryKind = 2 // 10
	kindResourceValue    entryKind = 3 // 11 (singleton resource with a value)
)

// Codec implements codec.Codec for application/vnd.oma.lwm2m+tlv.
type Codec struct{}

// New returns the TLV codec.
func New() *Codec { return &Codec{} }

func (c *Codec) ContentFormat() codec.ContentFormat { return codec.FormatTLV }

// Encode serializes n (rooted at the object/instance/resource addressed
// by oid/iid/rid) to TLV bytes.
func (c *Codec) Encode(n *tree.Node, oid uint16, iid, rid *uint16) ([]byte, error) {
	var out []byte
	switch {
	case iid == nil:
		// Object-wide: one object-instance entry per child instance.
		for _, id := range n.ChildIDs() {
			child, _ := n.Get(id)
			body, err := encodeInstanceBody(child)
			if err != nil {
				return nil, err
			}
			out = append(out, encodeEntry(kindObjectInstance, id, body)...)
		}
	case rid == nil:
		body, err := encodeInstanceBody(n)
		if err != nil {
			return nil, err
		}
		out = append(out, body...)
	default:
		body, err := encodeResourceEntry(n)
		if err != nil {
			return nil, err
		}
		out = append(out, body...)
	}
	return out, nil
}

// encodeInstanceBody encodes the resources under an object-instance node
// (or, when called for an instance-wide request, the top level itself).
func encodeInstanceBody(instNode *tree.Node) ([]byte, error) {
	var out []byte
	for _, rid := range instNode.ChildIDs() {
		resNode, _ := instNode.Get(rid)
		body, err := encodeResourceEntry(resNode)
		if err != nil {
			return nil, err
		}
		out = append(out, body...)
	}
	return out, nil
}

// encodeResourceEntry encodes a single resource node: either one
// resource-with-value entry (singleton) or a multi-resource entry
// wrapping one resource-instance entry per child.
func encodeResourceEntry(resNode *tree.Node) ([]byte, error) {
	if resNode.IsLeaf() {
		return encodeEntry(kindResourceValue, resNode.ID, resNode.Value), nil
	}
	var inner []byte
	for _, ri := range resNode.ChildIDs() {
		riNode, _ := resNode.Get(ri)
		inner = append(inner, encodeEntry(kindResourceInstance, ri, riNode.Value)...)
	}
	return encodeEntry(kindMultiResource, resNode.ID, inner), nil
}

// encodeEntry frames one TLV entry for the given kind/id/value.
func encodeEntry(kind entryKind, id uint16, value []byte) []byte {
	var typeByte byte = byte(kind) << 6

	var idBytes []byte
	if id > 255 {
		typeByte |= 1 << 5
		idBytes = []byte{byte(id >> 8), byte(id)}
	} else {
		idBytes = []byte{byte(id)}
	}

	n := len(value)
	var lenBytes []byte
	switch {
	case n <= 7:
		typeByte |= byte(n) // length-of-length bits stay 00; low 3 bits carry length
	case n <= 0xFF:
		typeByte |= 1 << 3
		lenBytes = []byte{byte(n)}
	case n <= 0xFFFF:
		typeByte |= 2 << 3
		lenBytes = []byte{byte(n >> 8), byte(n)}
	default:
		typeByte |= 3 << 3
		lenBytes = []byte{byte(n >> 16), byte(n >> 8), byte(n)}
	}

	out := make([]byte, 0, 1+len(idBytes)+len(lenBytes)+n)
	out = append(out, typeByte)
	out = append(out, idBytes...)
	out = append(out, lenBytes...)
	out = append(out, value...)
	return out
}

type rawEntry struct {
	kind  entryKind
	id    uint16
	value []byte
}

// parseEntries splits a byte slice into a flat sequence of TLV entries.
func parseEntries(data []byte) ([]rawEntry, error) {
	var entries []rawEntry
	i := 0
	for i < len(data) {
		if i+1 > len(data) {
			return nil, errors.DecodeError("tlv", fmt.Errorf("truncated type byte"))
		}
		typeByte := data[i]
		i++
		kind := entryKind(typeByte >> 6)
		idIs16 := typeByte&(1<<5) != 0
		lenOfLen := (typeByte >> 3) & 0x3
		shortLen := int(typeByte & 0x7)

		var id uint16
		if idIs16 {
			if i+2 > len(data) {
				return nil, errors.DecodeError("tlv", fmt.Errorf("truncated id"))
			}
			id = uint16(data[i])<<8 | uint16(data[i+1])
			i += 2
		} else {
			if i+1 > len(data) {
				return nil, errors.DecodeError("tlv", fmt.Errorf("truncated id"))
			}
			id = uint16(data[i])
			i++
		}

		var n int
		switch lenOfLen {
		case 0:
			n = shortLen
		case 1:
			if i+1 > len(data) {
				return nil, errors.DecodeError("tlv", fmt.Errorf("truncated length"))
			}
			n = int(data[i])
			i++
		case 2:
			if i+2 > len(data) {
				return nil, errors.DecodeError("tlv", fmt.Errorf("truncated length"))
			}
			n = int(data[i])<<8 | int(data[i+1])
			i += 2
		case 3:
			if i+3 > len(data) {
				return nil, errors.DecodeError("tlv", fmt.Errorf("truncated length"))
			}
			n = int(data[i])<<16 | int(data[i+1])<<8 | int(data[i+2])
			i += 3
		}

		if i+n > len(data) {
			return nil, errors.DecodeError("tlv", fmt.Errorf("truncated value"))
		}
		entries = append(entries, rawEntry{kind: kind, id: id, value: data[i : i+n]})
		i += n
	}
	return entries, nil
}

// Decode parses TLV bytes into a tree rooted according to oid/iid/rid,
// validating every leaf's encoded width against the registry's declared
// type.
func (c *Codec) Decode(data []byte, reg *registry.Registry, oid uint16, iid, rid *uint16) (*tree.Node, error) {
	objDef, ok := reg.LookupObject(oid)
	if !ok {
		return nil, errors.NotDefined("object")
	}

	entries, err := parseEntries(data)
	if err != nil {
		return nil, err
	}

	root := tree.NewBranch(tree.KindObject, oid)
	root.ObjDef = objDef

	switch {
	case iid == nil:
		// Entries are object-instance entries (or, for a single-instance
		// payload addressed to an object, resource entries directly).
		for _, e := range entries {
			if e.kind == kindObjectInstance {
				instNode := tree.NewBranch(tree.KindObjectInstance, e.id)
				innerEntries, err := parseEntries(e.value)
				if err != nil {
					return nil, err
				}
				if err := decodeResourceEntries(instNode, innerEntries, reg, oid); err != nil {
					return nil, err
				}
				root.Attach(e.id, instNode)
				continue
			}
			return nil, errors.PathInvalid("tlv entry at object level must be an object instance")
		}
		return root, nil
	case rid == nil:
		instNode := tree.NewBranch(tree.KindObjectInstance, *iid)
		if err := decodeResourceEntries(instNode, entries, reg, oid); err != nil {
			return nil, err
		}
		root.Attach(*iid, instNode)
		return root, nil
	default:
		instNode := tree.NewBranch(tree.KindObjectInstance, *iid)
		if err := decodeResourceEntries(instNode, entries, reg, oid); err != nil {
			return nil, err
		}
		root.Attach(*iid, instNode)
		return root, nil
	}
}

func decodeResourceEntries(instNode *tree.Node, entries []rawEntry, reg *registry.Registry, oid uint16) error {
	for _, e := range entries {
		resDef, ok := reg.LookupResource(oid, e.id)
		if !ok {
			return errors.NotDefined("resource")
		}
		switch e.kind {
		case kindResourceValue:
			if resDef.Max > 1 {
				return errors.TypeMismatch("resource", "multi-instance resource requires multi-resource entry")
			}
			if err := validateWidth(resDef.Type, e.value); err != nil {
				return err
			}
			leaf := tree.NewLeaf(tree.KindResource, e.id, append([]byte(nil), e.value...))
			leaf.ResDef = resDef
			instNode.Attach(e.id, leaf)
		case kindMultiResource:
			if resDef.Max <= 1 {
				return errors.TypeMismatch("resource", "singleton resource cannot carry multi-resource entry")
			}
			inner, err := parseEntries(e.value)
			if err != nil {
				return err
			}
			resNode := tree.NewBranch(tree.KindResource, e.id)
			resNode.ResDef = resDef
			for _, ri := range inner {
				if ri.kind != kindResourceInstance {
					return errors.PathInvalid("tlv multi-resource entry must contain resource instances")
				}
				if err := validateWidth(resDef.Type, ri.value); err != nil {
					return err
				}
				riLeaf := tree.NewLeaf(tree.KindResourceInstance, ri.id, append([]byte(nil), ri.value...))
				riLeaf.ResDef = resDef
				resNode.Attach(ri.id, riLeaf)
			}
			instNode.Attach(e.id, resNode)
		default:
			return errors.PathInvalid("unexpected tlv entry kind at resource level")
		}
	}
	return nil
}

// validateWidth rejects an encoded value whose byte width is not one the
// declared type permits.
func validateWidth(t model.ResourceType, b []byte) error {
	switch t {
	case model.TypeInteger, model.TypeTime:
		switch len(b) {
		case 1, 2, 4, 8:
		default:
			return errors.TypeMismatch("integer", "1/2/4/8 bytes")
		}
	case model.TypeFloat:
		switch len(b) {
		case 4, 8:
		default:
			return errors.TypeMismatch("float", "4/8 bytes")
		}
	case model.TypeBoolean:
		if len(b) != 1 {
			return errors.TypeMismatch("boolean", "1 byte")
		}
	case model.TypeObjectLink:
		if len(b) != 4 {
			return errors.TypeMismatch("objectlink", "4 bytes")
		}
	case model.TypeString, model.TypeOpaque:
		// any length is valid
	case model.TypeNone:
		if len(b) != 0 {
			return errors.TypeMismatch("none", "0 bytes")
		}
	}
	return nil
}
