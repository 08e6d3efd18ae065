// Package senml implements the LwM2M JSON-senml wire codec,
// application/vnd.oma.lwm2m+json and the legacy application/json.
// Decoding uses tidwall/gjson for the heterogeneous per-entry value
// extraction (sv/v/bv/ov are mutually exclusive keys on a loosely-typed
// object, which a gjson.ForEach walk handles without a hand-rolled
// tokenizer); encoding uses encoding/json with shortest round-trip
// decimals for floats, while still accepting fixed-precision input.
package senml

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/openlwm2m/core/internal/codec"
	"github.com/openlwm2m/core/internal/codec/value"
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/tree"
	"github.com/openlwm2m/core/pkg/errors"
)

// Codec implements codec.Codec for application/vnd.oma.lwm2m+json.
type Codec struct{}

// New returns the senml-JSON codec.
func New() *Codec { return &Codec{} }

func (c *Codec) ContentFormat() codec.ContentFormat { return codec.FormatJSON }

type wireEntry struct {
	N  string       `json:"n"`
	Sv *string      `json:"sv,omitempty"`
	V  *json.Number `json:"v,omitempty"`
	Bv *string      `json:"bv,omitempty"`
	Ov *string      `json:"ov,omitempty"`
}

type wireDoc struct {
	BaseName string       `json:"bn"`
	BaseTime *json.Number `json:"bt,omitempty"`
	Entries  []wireEntry  `json:"e"`
}

func basePath(oid uint16, iid, rid *uint16) string {
	switch {
	case rid != nil:
		return fmt.Sprintf("/%d/%d/%d/", oid, *iid, *rid)
	case iid != nil:
		return fmt.Sprintf("/%d/%d/", oid, *iid)
	default:
		return fmt.Sprintf("/%d/", oid)
	}
}

// Encode serializes n to a single senml-JSON document whose base name is
// derived from the addressed level.
func (c *Codec) Encode(n *tree.Node, oid uint16, iid, rid *uint16) ([]byte, error) {
	doc := wireDoc{BaseName: basePath(oid, iid, rid)}

	switch {
	case rid != nil:
		entries, err := encodeResourceNode(n, "")
		if err != nil {
			return nil, err
		}
		doc.Entries = entries
	case iid != nil:
		for _, rid2 := range n.ChildIDs() {
			resNode, _ := n.Get(rid2)
			entries, err := encodeResourceNode(resNode, strconv.Itoa(int(rid2)))
			if err != nil {
				return nil, err
			}
			doc.Entries = append(doc.Entries, entries...)
		}
	default:
		for _, iid2 := range n.ChildIDs() {
			instNode, _ := n.Get(iid2)
			for _, rid2 := range instNode.ChildIDs() {
				resNode, _ := instNode.Get(rid2)
				prefix := fmt.Sprintf("%d/%d", iid2, rid2)
				entries, err := encodeResourceNode(resNode, prefix)
				if err != nil {
					return nil, err
				}
				doc.Entries = append(doc.Entries, entries...)
			}
		}
	}

	if doc.Entries == nil {
		doc.Entries = []wireEntry{}
	}
	return json.Marshal(doc)
}

func encodeResourceNode(resNode *tree.Node, prefix string) ([]wireEntry, error) {
	if resNode.IsLeaf() {
		e, err := buildEntry(prefix, resNode.ResDef.Type, resNode.Value)
		if err != nil {
			return nil, err
		}
		return []wireEntry{e}, nil
	}
	var entries []wireEntry
	for _, ri := range resNode.ChildIDs() {
		riNode, _ := resNode.Get(ri)
		name := strconv.Itoa(int(ri))
		if prefix != "" {
			name = prefix + "/" + name
		}
		e, err := buildEntry(name, resNode.ResDef.Type, riNode.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func numberOf(s string) *json.Number {
	n := json.Number(s)
	return &n
}

func buildEntry(name string, typ model.ResourceType, raw []byte) (wireEntry, error) {
	e := wireEntry{N: name}
	switch typ {
	case model.TypeString:
		s := string(raw)
		e.Sv = &s
	case model.TypeOpaque:
		s := base64.StdEncoding.EncodeToString(raw)
		e.Sv = &s
	case model.TypeInteger, model.TypeTime:
		v, err := value.DecodeInt(raw)
		if err != nil {
			return e, err
		}
		e.V = numberOf(strconv.FormatInt(v, 10))
	case model.TypeFloat:
		v, err := value.DecodeFloat(raw)
		if err != nil {
			return e, err
		}
		e.V = numberOf(strconv.FormatFloat(v, 'g', -1, 64))
	case model.TypeBoolean:
		v, err := value.DecodeBool(raw)
		if err != nil {
			return e, err
		}
		s := strconv.FormatBool(v)
		e.Bv = &s
	case model.TypeObjectLink:
		oid, iid, err := value.DecodeObjectLink(raw)
		if err != nil {
			return e, err
		}
		s := fmt.Sprintf("%d:%d", oid, iid)
		e.Ov = &s
	default:
		return e, errors.TypeMismatch("resource", "unsupported type for json encode")
	}
	return e, nil
}

// Decode parses a senml-JSON document, resolving every entry's name
// against bn to an absolute path, rejecting PathInvalid if that path
// falls outside the root addressed by oid/iid/rid, and TypeMismatch if
// the JSON field present does not match the registry's declared type.
func (c *Codec) Decode(data []byte, reg *registry.Registry, oid uint16, iid, rid *uint16) (*tree.Node, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.DecodeError("json", fmt.Errorf("invalid json"))
	}
	top := gjson.ParseBytes(data)

	bn := top.Get("bn").String()
	var bt int64
	if btField := top.Get("bt"); btField.Exists() {
		bt = btField.Int()
	}

	objDef, ok := reg.LookupObject(oid)
	if !ok {
		return nil, errors.NotDefined("object")
	}
	root := tree.NewBranch(tree.KindObject, oid)
	root.ObjDef = objDef

	rootAddr := rootAddressOf(oid, iid, rid)

	var decodeErr error
	top.Get("e").ForEach(func(_, v gjson.Result) bool {
		name := v.Get("n").String()
		full := bn + name
		addr, perr := parseAbsolutePath(full)
		if perr != nil {
			decodeErr = perr
			return false
		}
		if !withinRoot(rootAddr, iid != nil, rid != nil, addr) {
			decodeErr = errors.PathInvalid(full)
			return false
		}

		resDef, ok := reg.LookupResource(addr.oid, addr.rid)
		if !ok {
			decodeErr = errors.NotDefined("resource")
			return false
		}

		raw, terr := decodeValue(v, resDef.Type, bt)
		if terr != nil {
			decodeErr = terr
			return false
		}

		instNode, ok := root.Get(addr.iid)
		if !ok {
			instNode = tree.NewBranch(tree.KindObjectInstance, addr.iid)
			root.Attach(addr.iid, instNode)
		}
		if resDef.Max > 1 {
			resNode, ok := instNode.Get(addr.rid)
			if !ok {
				resNode = tree.NewBranch(tree.KindResource, addr.rid)
				resNode.ResDef = resDef
				instNode.Attach(addr.rid, resNode)
			}
			leaf := tree.NewLeaf(tree.KindResourceInstance, addr.ri, raw)
			leaf.ResDef = resDef
			resNode.Attach(addr.ri, leaf)
		} else {
			leaf := tree.NewLeaf(tree.KindResource, addr.rid, raw)
			leaf.ResDef = resDef
			instNode.Attach(addr.rid, leaf)
		}
		return true
	})
	if decodeErr != nil {
		return nil, decodeErr
	}
	return root, nil
}

type absAddr struct {
	oid, iid, rid, ri uint16
	hasRI             bool
}

func rootAddressOf(oid uint16, iid, rid *uint16) absAddr {
	a := absAddr{oid: oid}
	if iid != nil {
		a.iid = *iid
	}
	if rid != nil {
		a.rid = *rid
	}
	return a
}

// withinRoot reports whether addr falls under the root the request
// addressed: same object always, same instance/resource whenever the
// request pinned that level; entries that resolve outside the addressed
// root are rejected.
func withinRoot(root absAddr, hasIID, hasRID bool, addr absAddr) bool {
	if addr.oid != root.oid {
		return false
	}
	if hasIID && addr.iid != root.iid {
		return false
	}
	if hasRID && addr.rid != root.rid {
		return false
	}
	return true
}

func parseAbsolutePath(p string) (absAddr, error) {
	if p == "" || p[0] != '/' {
		return absAddr{}, errors.PathInvalid(p)
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	if len(segs) < 3 || len(segs) > 4 {
		return absAddr{}, errors.PathInvalid(p)
	}
	ids := make([]uint16, len(segs))
	for i, s := range segs {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil || n > uint64(model.MaxID) {
			return absAddr{}, errors.PathInvalid(p)
		}
		ids[i] = uint16(n)
	}
	a := absAddr{oid: ids[0], iid: ids[1], rid: ids[2]}
	if len(ids) == 4 {
		a.ri = ids[3]
		a.hasRI = true
	}
	return a, nil
}

func decodeValue(v gjson.Result, typ model.ResourceType, bt int64) ([]byte, error) {
	switch typ {
	case model.TypeString:
		sv := v.Get("sv")
		if !sv.Exists() {
			return nil, errors.TypeMismatch("string", "sv")
		}
		return []byte(sv.String()), nil
	case model.TypeOpaque:
		sv := v.Get("sv")
		if !sv.Exists() {
			return nil, errors.TypeMismatch("opaque", "sv")
		}
		b, err := base64.StdEncoding.DecodeString(sv.String())
		if err != nil {
			return nil, errors.DecodeError("json", err)
		}
		return b, nil
	case model.TypeInteger:
		vv := v.Get("v")
		if !vv.Exists() {
			return nil, errors.TypeMismatch("integer", "v")
		}
		return value.EncodeInt(vv.Int()), nil
	case model.TypeTime:
		vv := v.Get("v")
		if !vv.Exists() {
			return nil, errors.TypeMismatch("time", "v")
		}
		return value.EncodeInt(vv.Int() + bt), nil
	case model.TypeFloat:
		vv := v.Get("v")
		if !vv.Exists() {
			return nil, errors.TypeMismatch("float", "v")
		}
		return value.EncodeFloat(vv.Float()), nil
	case model.TypeBoolean:
		bv := v.Get("bv")
		if !bv.Exists() {
			return nil, errors.TypeMismatch("boolean", "bv")
		}
		switch bv.String() {
		case "true":
			return value.EncodeBool(true), nil
		case "false":
			return value.EncodeBool(false), nil
		default:
			return nil, errors.TypeMismatch("boolean", `"true"/"false"`)
		}
	case model.TypeObjectLink:
		ov := v.Get("ov")
		if !ov.Exists() {
			return nil, errors.TypeMismatch("objectlink", "ov")
		}
		parts := strings.SplitN(ov.String(), ":", 2)
		if len(parts) != 2 {
			return nil, errors.TypeMismatch("objectlink", `"<oid>:<iid>"`)
		}
		oid, err1 := strconv.ParseUint(parts[0], 10, 32)
		iid, err2 := strconv.ParseUint(parts[1], 10, 32)
		if err1 != nil || err2 != nil || oid > uint64(model.InvalidID) || iid > uint64(model.InvalidID) {
			return nil, errors.TypeMismatch("objectlink", "out-of-range id")
		}
		return value.EncodeObjectLink(uint16(oid), uint16(iid)), nil
	default:
		return nil, errors.TypeMismatch("resource", "unsupported type for json decode")
	}
}
