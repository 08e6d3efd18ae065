package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachDetached(t *testing.T) {
	root := NewRoot()
	obj := NewBranch(KindObject, 3)
	inst := NewBranch(KindObjectInstance, 0)
	res := NewLeaf(KindResource, 0, []byte("Open Mobile Alliance"))

	require.True(t, inst.Attach(0, res))
	require.True(t, obj.Attach(0, inst))
	require.True(t, root.Attach(3, obj))

	got, ok := root.Get(3)
	require.True(t, ok)
	assert.Equal(t, KindObject, got.Kind)

	assert.Equal(t, []uint16{3}, root.ChildIDs())
}

func TestLeafAttachIsNoop(t *testing.T) {
	leaf := NewLeaf(KindResourceInstance, 0, []byte{1})
	assert.True(t, leaf.IsLeaf())
	assert.False(t, leaf.Attach(1, NewLeaf(KindResourceInstance, 1, nil)))
}

func TestChildIDsAscending(t *testing.T) {
	n := NewBranch(KindObjectInstance, 0)
	n.Attach(5, NewLeaf(KindResource, 5, nil))
	n.Attach(1, NewLeaf(KindResource, 1, nil))
	n.Attach(3, NewLeaf(KindResource, 3, nil))
	assert.Equal(t, []uint16{1, 3, 5}, n.ChildIDs())
}
