// Package codec defines the symmetric encode/decode contract (component
// D) every wire format implements, plus the content-format numbers the
// dispatcher negotiates against. Each format lives in its own
// sub-package (tlv, senml, text, opaque) and is registered here so the
// dispatcher can look one up by numeric content-format without importing
// every format package directly.
package codec

import (
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/tree"
)

// ContentFormat is a CoAP Content-Format numeric identifier. Legacy
// IDs are normalized to their current value by Normalize before lookup.
type ContentFormat uint16

const (
	FormatText        ContentFormat = 0
	FormatLinkFormat  ContentFormat = 40
	FormatOpaque      ContentFormat = 42
	FormatTLV         ContentFormat = 1542
	FormatTLVLegacy   ContentFormat = 11542
	FormatJSON        ContentFormat = 1543
	FormatJSONLegacy  ContentFormat = 11543
	FormatPlainLegacy ContentFormat = 1541 // application/vnd.oma.lwm2m+text
	FormatJSONPlain   ContentFormat = 50   // application/json
)

// Normalize maps a legacy content-format id to the current one; the
// dispatcher treats the two identically everywhere.
func Normalize(cf ContentFormat) ContentFormat {
	switch cf {
	case FormatTLVLegacy:
		return FormatTLV
	case FormatJSONLegacy, FormatJSONPlain:
		return FormatJSON
	case FormatPlainLegacy:
		return FormatText
	default:
		return cf
	}
}

// Codec is the symmetric (de)serializer contract. iid/rid are nil when
// the operation targets a coarser level (object-wide or instance-wide
// payload); a codec that cannot represent the requested level returns a
// TypeMismatch error, which the dispatcher maps to 4.00 like any other
// TypeMismatch. It is not reported as an unsupported format (4.15); only
// a content-format with no registered codec is.
type Codec interface {
	ContentFormat() ContentFormat
	Encode(n *tree.Node, oid uint16, iid, rid *uint16) ([]byte, error)
	Decode(data []byte, reg *registry.Registry, oid uint16, iid, rid *uint16) (*tree.Node, error)
}

// Registry is a lookup table from content-format to Codec, built by the
// host (or internal/session) from whichever format packages it imports.
type Registry struct {
	codecs map[ContentFormat]Codec
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[ContentFormat]Codec)}
}

// Register adds a codec, keyed by its own ContentFormat().
func (r *Registry) Register(c Codec) {
	r.codecs[c.ContentFormat()] = c
}

// Lookup normalizes cf and returns the codec registered for it, if any.
func (r *Registry) Lookup(cf ContentFormat) (Codec, bool) {
	c, ok := r.codecs[Normalize(cf)]
	return c, ok
}
