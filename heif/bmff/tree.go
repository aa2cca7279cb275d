/*
Copyright 2018 The go4 Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bmff

import (
	"io"
	"math"

	"github.com/pkg/errors"
)

// Tree holds per-item byte ranges keyed by the box type that stores
// them and the item they belong to. A Node either owns its bytes or
// points at extents of an io.ReaderAt (a file being read, or the body
// of its idat box).
//
// Methods on Tree should not be called concurrently.
type Tree struct {
	nodes map[nodeKey]*Node
}

type nodeKey struct {
	typ  BoxType
	item uint32
}

// Node is a handle to one item's bytes inside a Tree.
type Node struct {
	Type   BoxType
	ItemID uint32

	data    []byte
	src     io.ReaderAt
	extents []OffsetLength
	err     error // location that could not be resolved
}

func NewTree() *Tree {
	return &Tree{nodes: make(map[nodeKey]*Node)}
}

// FindOrCreate returns the node for (typ, itemID), creating an empty one
// if none exists.
func (t *Tree) FindOrCreate(typ BoxType, itemID uint32) *Node {
	k := nodeKey{typ, itemID}
	if n, ok := t.nodes[k]; ok {
		return n
	}
	n := &Node{Type: typ, ItemID: itemID}
	t.nodes[k] = n
	return n
}

// Find returns the node for (typ, itemID), or nil.
func (t *Tree) Find(typ BoxType, itemID uint32) *Node {
	return t.nodes[nodeKey{typ, itemID}]
}

// Remove drops the node for (typ, itemID), if any.
func (t *Tree) Remove(typ BoxType, itemID uint32) {
	delete(t.nodes, nodeKey{typ, itemID})
}

// Write replaces the node's contents with data. The node takes
// ownership of data.
func (n *Node) Write(data []byte) {
	n.data = data
	n.src = nil
	n.extents = nil
	n.err = nil
}

// SetExtents points the node at byte ranges of src. Offsets are
// absolute within src.
func (n *Node) SetExtents(src io.ReaderAt, extents []OffsetLength) {
	n.data = nil
	n.src = src
	n.extents = extents
	n.err = nil
}

// SetUnresolved marks the node's bytes as present in the file but not
// readable, e.g. stored in another file. Bytes returns err until the
// node is written again.
func (n *Node) SetUnresolved(err error) {
	n.data = nil
	n.src = nil
	n.extents = nil
	n.err = err
}

// Err returns the error set by SetUnresolved, if any.
func (n *Node) Err() error { return n.err }

// Len returns the number of bytes the node holds, without reading them.
func (n *Node) Len() int64 {
	if n.src == nil {
		return int64(len(n.data))
	}
	var total uint64
	for _, e := range n.extents {
		total += e.Length
	}
	if total > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(total)
}

// Bytes returns the node's contents. For nodes that own their bytes the
// returned slice is shared and must not be modified.
func (n *Node) Bytes() ([]byte, error) {
	if n.err != nil {
		return nil, n.err
	}
	if n.src == nil {
		return n.data, nil
	}
	out := make([]byte, 0, n.Len())
	for _, e := range n.extents {
		if e.Offset > math.MaxInt64 || e.Length > math.MaxInt64-e.Offset {
			return nil, errors.Errorf("bmff: extent %d+%d of item %d out of range", e.Offset, e.Length, n.ItemID)
		}
		chunk := make([]byte, e.Length)
		if _, err := n.src.ReadAt(chunk, int64(e.Offset)); err != nil {
			return nil, errors.Wrapf(err, "bmff: reading extent %d+%d of item %d", e.Offset, e.Length, n.ItemID)
		}
		out = append(out, chunk...)
	}
	return out, nil
}
