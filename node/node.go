// Package node implements the Merkle Search Tree's node shape and its pure
// functional algorithms: contains, get, put, split, delete, merge, rehash.
// Every function here returns new node versions; none of them mutate a
// node it was given, so existing Node values may be shared freely across
// tree versions and goroutines.
package node

import (
	"sort"

	"github.com/dapperlabs/mstree/digest"
)

// Loader resolves a Disk link to its in-memory Node, loading it from
// whatever backs the tree (normally store.Store). Node algorithms never
// touch a file directly; they go through this interface so the package has
// no dependency on store's on-disk format.
type Loader[K any, V any] interface {
	Load(offset uint64) (*Node[K, V], error)
}

// Link is the parent-to-child reference: either a stable disk offset plus
// digest, or an in-memory loaded node.
type Link[K any, V any] struct {
	// Offset and OffsetHash are only meaningful when Node == nil (Disk).
	Offset     uint64
	OffsetHash digest.Digest
	// Node is non-nil for a Loaded link.
	Node *Node[K, V]
}

// DiskLink builds a Disk-shaped Link.
func DiskLink[K any, V any](offset uint64, h digest.Digest) Link[K, V] {
	return Link[K, V]{Offset: offset, OffsetHash: h}
}

// LoadedLink builds a Loaded-shaped Link.
func LoadedLink[K any, V any](n *Node[K, V]) Link[K, V] {
	return Link[K, V]{Node: n}
}

// IsLoaded reports whether the link already holds an in-memory node.
func (l Link[K, V]) IsLoaded() bool {
	return l.Node != nil
}

// Hash returns the link's digest without resolving a Disk link to a Node.
func (l Link[K, V]) Hash() digest.Digest {
	if l.Node != nil {
		return l.Node.Hash
	}
	return l.OffsetHash
}

// Resolve returns the Node a link points to, loading it from the given
// loader if the link is a stale Disk pointer.
func (l Link[K, V]) Resolve(loader Loader[K, V]) (*Node[K, V], error) {
	if l.Node != nil {
		return l.Node, nil
	}
	return loader.Load(l.Offset)
}

// Node is an immutable record of a Merkle Search Tree node: a level, a
// strictly-ascending run of keys with one value bound to each, and the
// |keys|+1 children that bracket them (empty for a leaf or the empty
// root). Hash is the subtree digest computed by rehash.
type Node[K any, V any] struct {
	Level    uint32
	Keys     []K
	Values   []V
	Children []Link[K, V]
	Hash     digest.Digest
}

// Empty returns a fresh node at level with no keys, no children, and the
// all-zero digest: the canonical representation of the empty tree.
func Empty[K any, V any](level uint32) *Node[K, V] {
	return &Node[K, V]{Level: level, Hash: digest.Zero}
}

// IsEmpty reports whether n carries no entries and no children.
func (n *Node[K, V]) IsEmpty() bool {
	return len(n.Keys) == 0 && len(n.Children) == 0
}

func (n *Node[K, V]) clone() *Node[K, V] {
	c := &Node[K, V]{
		Level:    n.Level,
		Keys:     append([]K(nil), n.Keys...),
		Values:   append([]V(nil), n.Values...),
		Children: append([]Link[K, V](nil), n.Children...),
		Hash:     n.Hash,
	}
	return c
}

// rehash recomputes n.Hash from (level, keys, values, children digests)
// alone: level and key count as fixed-width little-endian, then for each
// child index i in 0..=len(keys): the child's digest, and if i < len(keys),
// the length-prefixed key and value bytes. A node with no keys takes its
// single child's digest (the all-zero digest when it has no child), so the
// key-less nodes that split and Delete can leave behind never make the
// digest depend on insertion order. This is the single chokepoint every
// constructor below calls before returning a node.
func (n *Node[K, V]) rehash(codec Codec[K, V]) {
	if len(n.Keys) == 0 {
		n.Hash = digest.Zero
		if len(n.Children) == 1 {
			n.Hash = n.Children[0].Hash()
		}
		return
	}

	h := digest.NewHasher()
	h.WriteUint32(n.Level)
	h.WriteUint64(uint64(len(n.Keys)))

	for i, child := range n.Children {
		h.WriteDigest(child.Hash())
		if i < len(n.Keys) {
			h.WriteFramed(codec.Key.Encode(n.Keys[i]))
			h.WriteFramed(codec.Value.Encode(n.Values[i]))
		}
	}
	n.Hash = h.Sum()
}

// search returns (idx, true) on an exact match, or (insertionIdx, false)
// otherwise, using codec.Key.Compare against n.Keys.
func (n *Node[K, V]) search(codec Codec[K, V], key K) (int, bool) {
	idx := sort.Search(len(n.Keys), func(i int) bool {
		return codec.Key.Compare(n.Keys[i], key) >= 0
	})
	if idx < len(n.Keys) && codec.Key.Compare(n.Keys[idx], key) == 0 {
		return idx, true
	}
	return idx, false
}

// Contains reports whether key is present anywhere in this subtree,
// descending through the store when it meets a Disk link.
func (n *Node[K, V]) Contains(codec Codec[K, V], loader Loader[K, V], key K) (bool, error) {
	idx, ok := n.search(codec, key)
	if ok {
		return true, nil
	}
	if len(n.Children) == 0 {
		return false, nil
	}
	child, err := n.Children[idx].Resolve(loader)
	if err != nil {
		return false, err
	}
	return child.Contains(codec, loader, key)
}

// Get returns the value bound to key, or ok=false if it is absent.
func (n *Node[K, V]) Get(codec Codec[K, V], loader Loader[K, V], key K) (value V, ok bool, err error) {
	idx, found := n.search(codec, key)
	if found {
		return n.Values[idx], true, nil
	}
	if len(n.Children) == 0 {
		var zero V
		return zero, false, nil
	}
	child, err := n.Children[idx].Resolve(loader)
	if err != nil {
		var zero V
		return zero, false, err
	}
	return child.Get(codec, loader, key)
}

// Put returns the new root of this subtree after inserting or overwriting
// (key, value), whose canonical height is keyLevel. Comparing keyLevel
// against n.Level picks one of three cases: the key sits above this node,
// belongs at this node's level, or belongs somewhere below it. This is what
// keeps the tree's shape a pure function of its key set, independent of the
// order keys were inserted in.
func (n *Node[K, V]) Put(codec Codec[K, V], loader Loader[K, V], key K, value V, keyLevel uint32) (*Node[K, V], error) {
	switch {
	case keyLevel > n.Level:
		return n.putAbove(codec, loader, key, value, keyLevel)
	case keyLevel == n.Level:
		return n.putHere(codec, loader, key, value)
	default:
		return n.putBelow(codec, loader, key, value, keyLevel)
	}
}

// putAbove handles the case where the incoming key sits above this node:
// this whole subtree is split around it and becomes a two-child fan-out
// under a brand new node at keyLevel.
func (n *Node[K, V]) putAbove(codec Codec[K, V], loader Loader[K, V], key K, value V, keyLevel uint32) (*Node[K, V], error) {
	left, right, err := n.split(codec, loader, key)
	if err != nil {
		return nil, err
	}
	out := &Node[K, V]{
		Level:    keyLevel,
		Keys:     []K{key},
		Values:   []V{value},
		Children: []Link[K, V]{LoadedLink(left), LoadedLink(right)},
	}
	out.rehash(codec)
	return out, nil
}

// putHere handles the case where the key belongs at this node's level.
func (n *Node[K, V]) putHere(codec Codec[K, V], loader Loader[K, V], key K, value V) (*Node[K, V], error) {
	out := n.clone()
	idx, found := out.search(codec, key)
	if found {
		out.Values[idx] = value
		out.rehash(codec)
		return out, nil
	}

	var childToSplit *Node[K, V]
	var err error
	if len(out.Children) != 0 {
		childToSplit, err = out.Children[idx].Resolve(loader)
		if err != nil {
			return nil, err
		}
	} else {
		childToSplit = Empty[K, V](saturatingSub(n.Level, 1))
	}

	left, right, err := childToSplit.split(codec, loader, key)
	if err != nil {
		return nil, err
	}

	out.Keys = insertAt(out.Keys, idx, key)
	out.Values = insertAt(out.Values, idx, value)

	if len(out.Children) == 0 {
		out.Children = []Link[K, V]{LoadedLink(left), LoadedLink(right)}
	} else {
		out.Children[idx] = LoadedLink(left)
		out.Children = insertAt(out.Children, idx+1, LoadedLink(right))
	}
	out.rehash(codec)
	return out, nil
}

// putBelow handles the case where the key belongs below this node: descend,
// or seed a brand new leaf pair if this node is the empty tree.
func (n *Node[K, V]) putBelow(codec Codec[K, V], loader Loader[K, V], key K, value V, keyLevel uint32) (*Node[K, V], error) {
	if n.IsEmpty() {
		out := &Node[K, V]{
			Level:  keyLevel,
			Keys:   []K{key},
			Values: []V{value},
			Children: []Link[K, V]{
				LoadedLink(Empty[K, V](0)),
				LoadedLink(Empty[K, V](0)),
			},
		}
		out.rehash(codec)
		return out, nil
	}

	out := n.clone()
	idx, found := out.search(codec, key)
	if found {
		// A key can only match exactly at the level it was inserted at;
		// an exact match at a lower level can't happen from valid callers,
		// so we fall back to the same overwrite the caller would see at
		// the right level.
		out.Values[idx] = value
		out.rehash(codec)
		return out, nil
	}

	child, err := out.Children[idx].Resolve(loader)
	if err != nil {
		return nil, err
	}
	newChild, err := child.Put(codec, loader, key, value, keyLevel)
	if err != nil {
		return nil, err
	}
	out.Children[idx] = LoadedLink(newChild)
	out.rehash(codec)
	return out, nil
}

// split partitions this subtree around splitKey into two subtrees: left
// holding everything strictly less than splitKey, right holding everything
// strictly greater. An entry exactly equal to splitKey is dropped from both.
func (n *Node[K, V]) split(codec Codec[K, V], loader Loader[K, V], splitKey K) (left, right *Node[K, V], err error) {
	if n.IsEmpty() {
		return Empty[K, V](n.Level), Empty[K, V](n.Level), nil
	}

	idx, exact := n.search(codec, splitKey)
	rightStart := idx
	if exact {
		rightStart = idx + 1
	}

	var midLeft, midRight *Node[K, V]
	if idx < len(n.Children) {
		boundary, err := n.Children[idx].Resolve(loader)
		if err != nil {
			return nil, nil, err
		}
		midLeft, midRight, err = boundary.split(codec, loader, splitKey)
		if err != nil {
			return nil, nil, err
		}
	} else {
		midLeft, midRight = Empty[K, V](0), Empty[K, V](0)
	}

	leftNode := &Node[K, V]{
		Level:    n.Level,
		Keys:     append([]K(nil), n.Keys[:idx]...),
		Values:   append([]V(nil), n.Values[:idx]...),
		Children: append(append([]Link[K, V](nil), n.Children[:idx]...), LoadedLink(midLeft)),
	}
	leftNode.rehash(codec)

	rightChildren := []Link[K, V]{LoadedLink(midRight)}
	if idx+1 < len(n.Children) {
		rightChildren = append(rightChildren, n.Children[idx+1:]...)
	}
	rightNode := &Node[K, V]{
		Level:    n.Level,
		Keys:     append([]K(nil), n.Keys[rightStart:]...),
		Values:   append([]V(nil), n.Values[rightStart:]...),
		Children: rightChildren,
	}
	rightNode.rehash(codec)

	return leftNode, rightNode, nil
}

// Delete removes key from this subtree, returning the new subtree root and
// whether anything was actually removed.
func (n *Node[K, V]) Delete(codec Codec[K, V], loader Loader[K, V], key K) (result *Node[K, V], deleted bool, err error) {
	idx, found := n.search(codec, key)
	if found {
		out := n.clone()
		out.Keys = removeAt(out.Keys, idx)
		out.Values = removeAt(out.Values, idx)

		left := out.Children[idx]
		right := out.Children[idx+1]
		out.Children = removeAt(out.Children, idx+1)
		out.Children = removeAt(out.Children, idx)

		merged, err := Merge(codec, loader, left, right)
		if err != nil {
			return nil, false, err
		}
		out.Children = insertAt(out.Children, idx, merged)
		out.rehash(codec)
		return out, true, nil
	}

	if len(n.Children) == 0 {
		return n, false, nil
	}

	child, err := n.Children[idx].Resolve(loader)
	if err != nil {
		return nil, false, err
	}
	newChild, childDeleted, err := child.Delete(codec, loader, key)
	if err != nil {
		return nil, false, err
	}
	if !childDeleted {
		return n, false, nil
	}

	out := n.clone()
	out.Children[idx] = LoadedLink(newChild)
	out.rehash(codec)
	return out, true, nil
}

// Merge combines two subtrees whose key ranges are disjoint (every key in
// left strictly less than every key in right). It is exported so callers
// outside this package can recombine subtrees they've split apart; Delete
// uses it directly to reknit the two children bracketing a removed key.
func Merge[K any, V any](codec Codec[K, V], loader Loader[K, V], left, right Link[K, V]) (Link[K, V], error) {
	leftNode, err := left.Resolve(loader)
	if err != nil {
		return Link[K, V]{}, err
	}
	rightNode, err := right.Resolve(loader)
	if err != nil {
		return Link[K, V]{}, err
	}

	if leftNode.IsEmpty() {
		return LoadedLink(rightNode), nil
	}
	if rightNode.IsEmpty() {
		return LoadedLink(leftNode), nil
	}

	switch {
	case leftNode.Level > rightNode.Level:
		newLeft := leftNode.clone()
		lastIdx := len(newLeft.Children) - 1
		lastChild := newLeft.Children[lastIdx]
		newLeft.Children = newLeft.Children[:lastIdx]

		merged, err := Merge(codec, loader, lastChild, right)
		if err != nil {
			return Link[K, V]{}, err
		}
		newLeft.Children = append(newLeft.Children, merged)
		newLeft.rehash(codec)
		return LoadedLink(newLeft), nil

	case rightNode.Level > leftNode.Level:
		newRight := rightNode.clone()
		firstChild := newRight.Children[0]
		newRight.Children = newRight.Children[1:]

		merged, err := Merge(codec, loader, left, firstChild)
		if err != nil {
			return Link[K, V]{}, err
		}
		newRight.Children = insertAt(newRight.Children, 0, merged)
		newRight.rehash(codec)
		return LoadedLink(newRight), nil

	default:
		out := leftNode.clone()
		rightClone := rightNode.clone()

		leftBoundary := out.Children[len(out.Children)-1]
		out.Children = out.Children[:len(out.Children)-1]
		rightBoundary := rightClone.Children[0]
		rightClone.Children = rightClone.Children[1:]

		mergedBoundary, err := Merge(codec, loader, leftBoundary, rightBoundary)
		if err != nil {
			return Link[K, V]{}, err
		}

		out.Keys = append(out.Keys, rightClone.Keys...)
		out.Values = append(out.Values, rightClone.Values...)
		out.Children = append(out.Children, mergedBoundary)
		out.Children = append(out.Children, rightClone.Children...)
		out.rehash(codec)
		return LoadedLink(out), nil
	}
}

// New builds a node from raw keys, values and children and computes its
// hash via rehash. Use this to construct a node from scratch; a node read
// back from storage should go through FromDisk instead, so its hash is
// restored rather than recomputed.
func New[K any, V any](codec Codec[K, V], level uint32, keys []K, values []V, children []Link[K, V]) *Node[K, V] {
	n := &Node[K, V]{Level: level, Keys: keys, Values: values, Children: children}
	n.rehash(codec)
	return n
}

// FromDisk builds a node from a previously persisted record, restoring hash
// verbatim instead of recomputing it, so the stored record stays the
// source of truth for the node's digest. Nothing here checks that hash
// against the keys and values; a later rehash simply recomputes it.
func FromDisk[K any, V any](level uint32, keys []K, values []V, children []Link[K, V], hash digest.Digest) *Node[K, V] {
	return &Node[K, V]{Level: level, Keys: keys, Values: values, Children: children, Hash: hash}
}

// WithDiskChildren returns a shallow copy of n with its Children replaced;
// used by the store/tree commit walk to rewrite Loaded children to Disk
// links post-order without touching the node's already-final Hash.
func (n *Node[K, V]) WithDiskChildren(children []Link[K, V]) *Node[K, V] {
	out := n.clone()
	out.Children = children
	return out
}

func saturatingSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}

func insertAt[T any](s []T, idx int, v T) []T {
	s = append(s, v)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func removeAt[T any](s []T, idx int) []T {
	out := append([]T(nil), s[:idx]...)
	out = append(out, s[idx+1:]...)
	return out
}
