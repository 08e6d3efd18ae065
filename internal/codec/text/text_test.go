package text

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/tree"
)

func deviceRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.RegisterObject("Device", 3, 1, 1))
	require.NoError(t, r.RegisterResource(3, 0, "Manufacturer", model.TypeString, 1, 1, model.ParseOperations("R"), nil))
	require.NoError(t, r.RegisterResource(3, 15, "Timezone", model.TypeString, 1, 1, model.ParseOperations("RW"), nil))
	require.NoError(t, r.RegisterResource(3, 11, "ErrorCode", model.TypeInteger, 0, 10, model.ParseOperations("R"), nil))
	return r
}

func TestEncode_ReadManufacturer(t *testing.T) {
	leaf := tree.NewLeaf(tree.KindResource, 0, []byte("Open Mobile Alliance"))
	leaf.ResDef = &registry.ResourceDefinition{Type: model.TypeString}

	iid, rid := uint16(0), uint16(0)
	out, err := New().Encode(leaf, 3, &iid, &rid)
	require.NoError(t, err)
	assert.Equal(t, "Open Mobile Alliance", string(out))
	assert.Len(t, out, 20)
}

func TestDecode_WriteTimezone(t *testing.T) {
	reg := deviceRegistry(t)
	iid, rid := uint16(0), uint16(15)
	n, err := New().Decode([]byte("Pacific/Auckland"), reg, 3, &iid, &rid)
	require.NoError(t, err)
	inst, ok := n.Get(0)
	require.True(t, ok)
	res, ok := inst.Get(15)
	require.True(t, ok)
	assert.Equal(t, "Pacific/Auckland", string(res.Value))
}

func TestDecode_RejectsMultiInstanceResource(t *testing.T) {
	reg := deviceRegistry(t)
	iid, rid := uint16(0), uint16(11)
	_, err := New().Decode([]byte("5"), reg, 3, &iid, &rid)
	require.Error(t, err)
}

func TestCodec_IntegerRoundTrip(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.RegisterObject("Test", 9, 0, 1))
	require.NoError(t, reg.RegisterResource(9, 1, "Value", model.TypeInteger, 1, 1, model.ParseOperations("RW"), nil))

	for _, v := range []int64{0, -1, 127, -128, 32767, -32768} {
		iid, rid := uint16(0), uint16(1)
		n, err := New().Decode([]byte(strconv.FormatInt(v, 10)), reg, 9, &iid, &rid)
		require.NoError(t, err)
		res, _ := n.Get(0)
		leaf, _ := res.Get(1)
		out, err := New().Encode(leaf, 9, &iid, &rid)
		require.NoError(t, err)
		assert.Equal(t, strconv.FormatInt(v, 10), string(out))
	}
}
