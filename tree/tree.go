// Package tree implements the Merkle Search Tree facade: Insert/Get/
// Contains/Remove against an in-memory working root, and Commit/Compact to
// move that root (and whatever it now reaches) durably onto disk.
package tree

import (
	"github.com/rs/zerolog"

	"github.com/dapperlabs/mstree/digest"
	"github.com/dapperlabs/mstree/node"
	"github.com/dapperlabs/mstree/store"
)

// Tree is a single Merkle Search Tree: a working root, which may hold
// nodes only in memory, and the Store it was opened against or will be
// committed to.
type Tree[K any, V any] struct {
	codec node.Codec[K, V]
	log   zerolog.Logger

	store   *store.Store[K, V]
	root    node.Link[K, V]
	metrics *Metrics

	lastCommitted bool
	lastMeta      store.Metadata
}

// Option configures a Tree at construction time.
type Option[K any, V any] func(*Tree[K, V])

// WithLogger attaches a zerolog logger; the default is zerolog.Nop().
func WithLogger[K any, V any](log zerolog.Logger) Option[K, V] {
	return func(t *Tree[K, V]) {
		t.log = log
	}
}

func newEmptyRoot[K any, V any]() node.Link[K, V] {
	return node.LoadedLink(node.Empty[K, V](0))
}

// Open opens the node file at path and loads the tree rooted at whatever
// root its metadata page records, or an empty tree if the file is new.
func Open[K any, V any](path string, codec node.Codec[K, V], opts ...Option[K, V]) (*Tree[K, V], error) {
	s, err := store.Open(path, codec)
	if err != nil {
		return nil, err
	}
	return open(s, codec, opts...)
}

// NewTemporary opens a tree backed by a private unlinked temp file, for
// scratch trees that never need to survive the process.
func NewTemporary[K any, V any](codec node.Codec[K, V], opts ...Option[K, V]) (*Tree[K, V], error) {
	s, err := store.NewTemporary(codec)
	if err != nil {
		return nil, err
	}
	return open(s, codec, opts...)
}

func open[K any, V any](s *store.Store[K, V], codec node.Codec[K, V], opts ...Option[K, V]) (*Tree[K, V], error) {
	t := &Tree[K, V]{codec: codec, log: zerolog.Nop(), store: s, root: newEmptyRoot[K, V]()}
	for _, opt := range opts {
		opt(t)
	}

	meta, err := s.ReadMetadata()
	if err != nil {
		return nil, err
	}
	if meta.Present {
		t.root = node.DiskLink[K, V](meta.RootOffset, meta.RootHash)
	}
	t.lastCommitted = true
	t.lastMeta = meta
	return t, nil
}

// Close closes the underlying store.
func (t *Tree[K, V]) Close() error {
	return t.store.Close()
}

func (t *Tree[K, V]) resolveRoot() (*node.Node[K, V], error) {
	return t.root.Resolve(t.store)
}

// RootHash returns the digest of the current working root, without
// requiring it to be committed.
func (t *Tree[K, V]) RootHash() digest.Digest {
	return t.root.Hash()
}

// Contains reports whether key is present in the tree.
func (t *Tree[K, V]) Contains(key K) (bool, error) {
	root, err := t.resolveRoot()
	if err != nil {
		return false, err
	}
	return root.Contains(t.codec, t.store, key)
}

// Get returns the value bound to key, if any.
func (t *Tree[K, V]) Get(key K) (value V, ok bool, err error) {
	root, err := t.resolveRoot()
	if err != nil {
		var zero V
		return zero, false, err
	}
	return root.Get(t.codec, t.store, key)
}

// Insert binds key to value, inserting or overwriting, and updates the
// working root in place. The change is only durable after Commit.
func (t *Tree[K, V]) Insert(key K, value V) error {
	root, err := t.resolveRoot()
	if err != nil {
		return err
	}
	level := digest.Level(t.codec.Key.Encode(key))
	newRoot, err := root.Put(t.codec, t.store, key, value, level)
	if err != nil {
		return err
	}
	t.root = node.LoadedLink(newRoot)
	return nil
}

// Remove deletes key from the tree if present, reporting whether anything
// was actually removed. After a removal the working root is collapsed
// while it carries no keys of its own but has exactly one child, so a
// tree that empties out to a single surviving branch doesn't keep an
// extra, key-less level on top of it.
func (t *Tree[K, V]) Remove(key K) (bool, error) {
	root, err := t.resolveRoot()
	if err != nil {
		return false, err
	}
	newRoot, deleted, err := root.Delete(t.codec, t.store, key)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}

	for len(newRoot.Keys) == 0 && len(newRoot.Children) > 0 {
		child, err := newRoot.Children[0].Resolve(t.store)
		if err != nil {
			return false, err
		}
		newRoot = child
	}

	t.root = node.LoadedLink(newRoot)
	return true, nil
}

// Commit durably persists the working root: every Loaded node reachable
// from it is written out in post-order (children before parents, so a
// parent record never references an offset that doesn't exist yet), the
// file is synced, the metadata page is rewritten to point at the new
// root, and the file is synced again. This two-phase sequencing is what
// makes a crash between the two syncs leave the previous metadata page,
// and therefore the previous root, intact.
func (t *Tree[K, V]) Commit() error {
	newRoot, err := t.flush(t.root)
	if err != nil {
		return err
	}
	t.root = newRoot

	meta := store.Metadata{RootHash: newRoot.Hash()}
	rootNode, err := newRoot.Resolve(t.store)
	if err != nil {
		return err
	}
	if !rootNode.IsEmpty() {
		meta.Present = true
		meta.RootOffset = newRoot.Offset
	}

	// Nothing changed since the last publish, so there is no metadata
	// write or sync to redo.
	if t.lastCommitted && meta == t.lastMeta {
		return nil
	}

	if err := t.store.Sync(); err != nil {
		return err
	}
	if err := t.store.WriteMetadata(meta); err != nil {
		return err
	}
	if err := t.store.Sync(); err != nil {
		return err
	}
	t.lastCommitted = true
	t.lastMeta = meta
	if t.metrics != nil {
		t.metrics.Commits.Inc()
	}
	return nil
}

// flush walks link post-order, rewriting every Loaded node it finds to a
// Disk link backed by a freshly written record, and leaving already-Disk
// links untouched. An empty node gets no record: it becomes a Disk link at
// offset 0, which the store resolves to an empty node. A node whose
// children are already all Disk links is written directly; otherwise its
// children are flushed first and the node is rebuilt with the resulting
// Disk links before being written.
func (t *Tree[K, V]) flush(link node.Link[K, V]) (node.Link[K, V], error) {
	if !link.IsLoaded() {
		return link, nil
	}
	n := link.Node
	if n.IsEmpty() {
		return node.DiskLink[K, V](0, digest.Zero), nil
	}

	children := make([]node.Link[K, V], len(n.Children))
	for i, child := range n.Children {
		flushed, err := t.flush(child)
		if err != nil {
			return node.Link[K, V]{}, err
		}
		children[i] = flushed
	}

	toWrite := n.WithDiskChildren(children)
	offset, err := t.store.WriteNode(toWrite)
	if err != nil {
		return node.Link[K, V]{}, err
	}
	if t.metrics != nil {
		t.metrics.NodesWritten.Inc()
	}
	return node.DiskLink[K, V](offset, n.Hash), nil
}

// Compact rewrites every node reachable from the current working root
// (uncommitted changes included) into a fresh file at path, discarding
// whatever garbage earlier overwritten versions and deleted entries left
// behind, then commits that file as the tree's new backing store. It follows the same post-order
// write the two-phase commit uses, applied against a brand new Store
// instead of the live one.
func (t *Tree[K, V]) Compact(path string) error {
	fresh, err := store.Open(path, t.codec)
	if err != nil {
		return err
	}

	root, err := t.resolveRoot()
	if err != nil {
		fresh.Close()
		return err
	}

	newRoot, err := compactNode(t.codec, t.store, fresh, root)
	if err != nil {
		fresh.Close()
		return err
	}

	meta := store.Metadata{RootHash: newRoot.Hash()}
	if !root.IsEmpty() {
		meta.Present = true
		meta.RootOffset = newRoot.Offset
	}
	if err := fresh.WriteMetadata(meta); err != nil {
		fresh.Close()
		return err
	}
	if err := fresh.Sync(); err != nil {
		fresh.Close()
		return err
	}

	old := t.store
	t.store = fresh
	t.root = newRoot
	t.lastCommitted = true
	t.lastMeta = meta
	if t.metrics != nil {
		t.metrics.Compactions.Inc()
	}
	return old.Close()
}

func compactNode[K any, V any](codec node.Codec[K, V], src, dst *store.Store[K, V], n *node.Node[K, V]) (node.Link[K, V], error) {
	if n.IsEmpty() {
		return node.DiskLink[K, V](0, digest.Zero), nil
	}

	children := make([]node.Link[K, V], len(n.Children))
	for i, child := range n.Children {
		childNode, err := child.Resolve(src)
		if err != nil {
			return node.Link[K, V]{}, err
		}
		flushed, err := compactNode(codec, src, dst, childNode)
		if err != nil {
			return node.Link[K, V]{}, err
		}
		children[i] = flushed
	}

	toWrite := n.WithDiskChildren(children)
	offset, err := dst.WriteNode(toWrite)
	if err != nil {
		return node.Link[K, V]{}, err
	}
	return node.DiskLink[K, V](offset, n.Hash), nil
}
