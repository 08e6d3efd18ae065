// Package tree implements the uniform intermediate representation
// that every codec produces and consumes: a small tagged
// tree, detached from the store until the dispatcher grafts it in.
package tree

import (
	"sort"

	"github.com/openlwm2m/core/internal/model/registry"
)

// Kind tags a Node's position in the hierarchy.
type Kind int

const (
	KindRoot Kind = iota
	KindObject
	KindObjectInstance
	KindResource
	KindResourceInstance
)

// Node is the IR's single type. Non-leaf nodes (Root, Object,
// ObjectInstance, multi-instance Resource) carry Children; leaf nodes
// (ResourceInstance, and single-instance Resource) carry Value. A Node
// owns its Children (single-owner); building a tree does not require
// the addressed object/instance to already exist in the store.
type Node struct {
	Kind     Kind
	ID       uint16
	ObjDef   *registry.ObjectDefinition
	ResDef   *registry.ResourceDefinition
	Children map[uint16]*Node
	Value    []byte
}

// NewRoot creates an empty root node.
func NewRoot() *Node {
	return &Node{Kind: KindRoot, Children: make(map[uint16]*Node)}
}

// NewBranch creates a non-leaf node of the given kind and id.
func NewBranch(kind Kind, id uint16) *Node {
	return &Node{Kind: kind, ID: id, Children: make(map[uint16]*Node)}
}

// NewLeaf creates a leaf node carrying a raw value.
func NewLeaf(kind Kind, id uint16, value []byte) *Node {
	return &Node{Kind: kind, ID: id, Value: value}
}

// IsLeaf reports whether the node carries a value rather than children.
func (n *Node) IsLeaf() bool { return n.Children == nil }

// Attach adds a child under the given id, replacing any existing child
// with that id. It is a no-op (returns false) on a leaf node.
func (n *Node) Attach(id uint16, child *Node) bool {
	if n.Children == nil {
		return false
	}
	n.Children[id] = child
	return true
}

// Get returns the child with the given id, if any.
func (n *Node) Get(id uint16) (*Node, bool) {
	if n.Children == nil {
		return nil, false
	}
	c, ok := n.Children[id]
	return c, ok
}

// ChildIDs returns child ids in ascending order.
func (n *Node) ChildIDs() []uint16 {
	if n.Children == nil {
		return nil
	}
	ids := make([]uint16, 0, len(n.Children))
	for id := range n.Children {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
