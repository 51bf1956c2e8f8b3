package node_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dapperlabs/mstree/digest"
	"github.com/dapperlabs/mstree/node"
)

// memLoader resolves Disk links from a plain map, standing in for a store
// in tests that only ever deal with Loaded nodes.
type memLoader[K any, V any] struct{}

func (memLoader[K, V]) Load(offset uint64) (*node.Node[K, V], error) {
	return nil, fmt.Errorf("unexpected disk load at offset %d", offset)
}

func levelOf(key string) uint32 {
	return digest.Level(node.StringBytes.Key.Encode(key))
}

func newEmpty() *node.Node[string, []byte] {
	return node.Empty[string, []byte](0)
}

func TestPutGetContains(t *testing.T) {
	var loader memLoader[string, []byte]
	root := newEmpty()

	keys := []string{"banana", "apple", "cherry", "date", "elderberry"}
	for _, k := range keys {
		var err error
		root, err = root.Put(node.StringBytes, loader, k, []byte(k+"-value"), levelOf(k))
		require.NoError(t, err)
	}

	for _, k := range keys {
		ok, err := root.Contains(node.StringBytes, loader, k)
		require.NoError(t, err)
		assert.True(t, ok, "expected %q to be present", k)

		v, ok, err := root.Get(node.StringBytes, loader, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, k+"-value", string(v))
	}

	ok, err := root.Contains(node.StringBytes, loader, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwriteUpdatesValueNotStructure(t *testing.T) {
	var loader memLoader[string, []byte]
	root := newEmpty()

	root, err := root.Put(node.StringBytes, loader, "key", []byte("v1"), levelOf("key"))
	require.NoError(t, err)
	hashAfterFirst := root.Hash

	root, err = root.Put(node.StringBytes, loader, "key", []byte("v1"), levelOf("key"))
	require.NoError(t, err)
	assert.Equal(t, hashAfterFirst, root.Hash, "re-inserting the same value must be idempotent")

	root, err = root.Put(node.StringBytes, loader, "key", []byte("v2"), levelOf("key"))
	require.NoError(t, err)
	assert.NotEqual(t, hashAfterFirst, root.Hash, "changing the value must change the digest")

	v, ok, err := root.Get(node.StringBytes, loader, "key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(v))
}

func TestHistoryIndependence(t *testing.T) {
	var loader memLoader[string, []byte]
	keys := []string{"one", "two", "three", "four", "five", "six", "seven"}

	build := func(order []string) digest.Digest {
		root := newEmpty()
		for _, k := range order {
			var err error
			root, err = root.Put(node.StringBytes, loader, k, []byte(k), levelOf(k))
			require.NoError(t, err)
		}
		return root.Hash
	}

	want := build(keys)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]string(nil), keys...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got := build(shuffled)
		assert.Equal(t, want, got, "insertion order must not affect the resulting digest")
	}
}

func TestDeleteRemovesKeyAndIsOrderIndependent(t *testing.T) {
	var loader memLoader[string, []byte]
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	root := newEmpty()
	for _, k := range keys {
		var err error
		root, err = root.Put(node.StringBytes, loader, k, []byte(k), levelOf(k))
		require.NoError(t, err)
	}

	toDelete := []string{"c", "a", "g"}
	for _, k := range toDelete {
		var deleted bool
		var err error
		root, deleted, err = root.Delete(node.StringBytes, loader, k)
		require.NoError(t, err)
		assert.True(t, deleted)
	}

	for _, k := range toDelete {
		ok, err := root.Contains(node.StringBytes, loader, k)
		require.NoError(t, err)
		assert.False(t, ok, "%q should have been deleted", k)
	}
	for _, k := range []string{"b", "d", "e", "f", "h"} {
		ok, err := root.Contains(node.StringBytes, loader, k)
		require.NoError(t, err)
		assert.True(t, ok, "%q should still be present", k)
	}

	// Deleting and reinserting every key should restore the original
	// digest (history independence holds under deletes too).
	fresh := newEmpty()
	for _, k := range keys {
		var err error
		fresh, err = fresh.Put(node.StringBytes, loader, k, []byte(k), levelOf(k))
		require.NoError(t, err)
	}
	for _, k := range toDelete {
		var err error
		root, err = root.Put(node.StringBytes, loader, k, []byte(k), levelOf(k))
		require.NoError(t, err)
	}
	assert.Equal(t, fresh.Hash, root.Hash)
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	var loader memLoader[string, []byte]
	root := newEmpty()
	root, err := root.Put(node.StringBytes, loader, "x", []byte("1"), levelOf("x"))
	require.NoError(t, err)

	before := root.Hash
	after, deleted, err := root.Delete(node.StringBytes, loader, "missing")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, before, after.Hash)
}

func TestEmptyTreeHasZeroDigest(t *testing.T) {
	root := newEmpty()
	assert.True(t, root.Hash.IsZero())
}

func TestKeysStayOrdered(t *testing.T) {
	var loader memLoader[string, []byte]
	root := newEmpty()
	keys := []string{"m", "a", "z", "c", "x", "b"}
	for _, k := range keys {
		var err error
		root, err = root.Put(node.StringBytes, loader, k, []byte(k), levelOf(k))
		require.NoError(t, err)
	}

	var walk func(n *node.Node[string, []byte]) []string
	walk = func(n *node.Node[string, []byte]) []string {
		var out []string
		for i, k := range n.Keys {
			if len(n.Children) > 0 {
				out = append(out, walk(n.Children[i].Node)...)
			}
			out = append(out, k)
		}
		if len(n.Children) > 0 {
			out = append(out, walk(n.Children[len(n.Children)-1].Node)...)
		}
		return out
	}

	got := walk(root)
	want := append([]string(nil), keys...)
	for i := range want {
		for j := i + 1; j < len(want); j++ {
			if want[j] < want[i] {
				want[i], want[j] = want[j], want[i]
			}
		}
	}
	assert.Equal(t, want, got)
}
