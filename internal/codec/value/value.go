// Package value implements the canonical in-memory byte representation
// every codec converts to and from: the same smallest-width big-endian
// encoding TLV uses on the wire, so the TLV codec is close to an
// identity transform and every other codec (senml, text, opaque)
// converts through these helpers instead of each inventing its own.
package value

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/openlwm2m/core/pkg/errors"
)

// EncodeInt returns the smallest of 1/2/4/8 bytes, big-endian two's
// complement, that preserves v.
func EncodeInt(v int64) []byte {
	switch {
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return []byte{byte(v)}
	case v >= math.MinInt16 && v <= math.MaxInt16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v >= math.MinInt32 && v <= math.MaxInt32:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		return b
	default:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, uint64(v))
		return b
	}
}

// DecodeInt sign-extends a 1/2/4/8-byte big-endian integer.
func DecodeInt(b []byte) (int64, error) {
	switch len(b) {
	case 1:
		return int64(int8(b[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, errors.DecodeError("integer", fmt.Errorf("invalid width %d", len(b)))
	}
}

// EncodeFloat returns the IEEE-754 big-endian form of v, using 4 bytes
// when v round-trips losslessly through float32, 8 bytes otherwise.
func EncodeFloat(v float64) []byte {
	if f32 := float32(v); float64(f32) == v {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, math.Float32bits(f32))
		return b
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// DecodeFloat reads a 4- or 8-byte IEEE-754 big-endian float.
func DecodeFloat(b []byte) (float64, error) {
	switch len(b) {
	case 4:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	case 8:
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, errors.DecodeError("float", fmt.Errorf("invalid width %d", len(b)))
	}
}

// EncodeBool returns a single 0x00 or 0x01 byte.
func EncodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeBool reads a single boolean byte.
func DecodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, errors.DecodeError("boolean", fmt.Errorf("invalid width %d", len(b)))
	}
	switch b[0] {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, errors.DecodeError("boolean", fmt.Errorf("value %d not 0 or 1", b[0]))
	}
}

// EncodeObjectLink packs (oid, iid) as two big-endian uint16s.
func EncodeObjectLink(oid, iid uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], oid)
	binary.BigEndian.PutUint16(b[2:4], iid)
	return b
}

// DecodeObjectLink unpacks the 4-byte ObjectLink form.
func DecodeObjectLink(b []byte) (oid, iid uint16, err error) {
	if len(b) != 4 {
		return 0, 0, errors.DecodeError("objectlink", fmt.Errorf("invalid width %d", len(b)))
	}
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), nil
}
