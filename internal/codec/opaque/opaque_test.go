package opaque

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/tree"
)

func opaqueRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.RegisterObject("Test", 9999, 0, 1))
	require.NoError(t, r.RegisterResource(9999, 5, "Blob", model.TypeOpaque, 1, 1, model.ParseOperations("RW"), nil))
	return r
}

func TestRoundTrip(t *testing.T) {
	reg := opaqueRegistry(t)
	iid, rid := uint16(0), uint16(5)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	n, err := New().Decode(payload, reg, 9999, &iid, &rid)
	require.NoError(t, err)
	inst, _ := n.Get(0)
	leaf, ok := inst.Get(5)
	require.True(t, ok)

	out, err := New().Encode(leaf, 9999, &iid, &rid)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDecode_RejectsNonOpaqueResource(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterObject("Test", 1, 0, 1))
	require.NoError(t, reg.RegisterResource(1, 0, "Name", model.TypeString, 1, 1, model.ParseOperations("RW"), nil))
	iid, rid := uint16(0), uint16(0)
	_, err := New().Decode([]byte("x"), reg, 1, &iid, &rid)
	require.Error(t, err)
}

func TestEncode_RejectsMissingLevel(t *testing.T) {
	leaf := tree.NewLeaf(tree.KindResource, 5, []byte{0x01})
	_, err := New().Encode(leaf, 9999, nil, nil)
	require.Error(t, err)
}
