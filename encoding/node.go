// Package encoding defines the on-disk record shape for a single Merkle
// Search Tree node and its msgpack serialization.
package encoding

import (
	"github.com/vmihailenco/msgpack/v4"

	"github.com/dapperlabs/mstree/digest"
	"github.com/dapperlabs/mstree/node"
)

// DiskNode is the serialized shape of a node.Node once every child has
// been flushed to a stable offset: keys and values as their codec-encoded
// bytes, children as (offset, hash) pairs, and the node's own subtree
// digest. A DiskNode never holds a Loaded child.
type DiskNode struct {
	Level        uint32   `msgpack:"level"`
	Keys         [][]byte `msgpack:"keys"`
	Values       [][]byte `msgpack:"values"`
	ChildOffsets []uint64 `msgpack:"child_offsets"`
	ChildHashes  [][]byte `msgpack:"child_hashes"`
	Hash         []byte   `msgpack:"hash"`
}

// Marshal encodes a DiskNode to msgpack bytes.
func Marshal(d *DiskNode) ([]byte, error) {
	return msgpack.Marshal(d)
}

// Unmarshal decodes msgpack bytes into a DiskNode.
func Unmarshal(b []byte) (*DiskNode, error) {
	var d DiskNode
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// FromNode converts an in-memory node whose children are all Disk links
// into its DiskNode record. Callers (store.WriteNode) are responsible for
// having already flushed every Loaded child first.
func FromNode[K any, V any](codec node.Codec[K, V], n *node.Node[K, V]) *DiskNode {
	hash := n.Hash
	d := &DiskNode{
		Level:        n.Level,
		Keys:         make([][]byte, len(n.Keys)),
		Values:       make([][]byte, len(n.Values)),
		ChildOffsets: make([]uint64, len(n.Children)),
		ChildHashes:  make([][]byte, len(n.Children)),
		Hash:         hash[:],
	}
	for i, k := range n.Keys {
		d.Keys[i] = codec.Key.Encode(k)
	}
	for i, v := range n.Values {
		d.Values[i] = codec.Value.Encode(v)
	}
	for i, child := range n.Children {
		if child.IsLoaded() {
			panic("encoding: FromNode called with an unflushed Loaded child")
		}
		d.ChildOffsets[i] = child.Offset
		h := child.Hash()
		d.ChildHashes[i] = h[:]
	}
	return d
}

// ToNode reconstructs the in-memory node a DiskNode describes, with every
// child left as an unresolved Disk link. The node's hash is restored
// verbatim from the record rather than recomputed; it is not checked
// against the decoded keys and values.
func ToNode[K any, V any](codec node.Codec[K, V], d *DiskNode) (*node.Node[K, V], error) {
	keys := make([]K, len(d.Keys))
	for i, kb := range d.Keys {
		k, err := codec.Key.Decode(kb)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	values := make([]V, len(d.Values))
	for i, vb := range d.Values {
		v, err := codec.Value.Decode(vb)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	children := make([]node.Link[K, V], len(d.ChildOffsets))
	for i := range d.ChildOffsets {
		children[i] = node.DiskLink[K, V](d.ChildOffsets[i], digest.FromBytes(d.ChildHashes[i]))
	}
	return node.FromDisk(d.Level, keys, values, children, digest.FromBytes(d.Hash)), nil
}
