package tree_test

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dapperlabs/mstree/node"
	"github.com/dapperlabs/mstree/tree"
)

func TestInsertGetRemove(t *testing.T) {
	tr, err := tree.NewTemporary(node.StringBytes)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Insert("a", []byte("1")))
	require.NoError(t, tr.Insert("b", []byte("2")))

	v, ok, err := tr.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	deleted, err := tr.Remove("a")
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err = tr.Get("a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCommitPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.mst")

	tr, err := tree.Open(path, node.StringBytes)
	require.NoError(t, err)

	require.NoError(t, tr.Insert("a", []byte("1")))
	require.NoError(t, tr.Insert("b", []byte("2")))
	require.NoError(t, tr.Insert("c", []byte("3")))
	require.NoError(t, tr.Commit())
	wantHash := tr.RootHash()
	require.NoError(t, tr.Close())

	reopened, err := tree.Open(path, node.StringBytes)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, wantHash, reopened.RootHash())

	for _, pair := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		v, ok, err := reopened.Get(pair[0])
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pair[1], string(v))
	}
}

func TestCommitIsIdempotentWhenNothingChanged(t *testing.T) {
	tr, err := tree.NewTemporary(node.StringBytes)
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Insert("a", []byte("1")))
	require.NoError(t, tr.Commit())
	first := tr.RootHash()

	require.NoError(t, tr.Commit())
	require.Equal(t, first, tr.RootHash())
}

func TestCompactPreservesContents(t *testing.T) {
	dir := t.TempDir()
	tr, err := tree.Open(filepath.Join(dir, "tree.mst"), node.StringBytes)
	require.NoError(t, err)
	defer tr.Close()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, tr.Insert(k, []byte(k)))
	}
	require.NoError(t, tr.Commit())
	_, err = tr.Remove("c")
	require.NoError(t, err)
	require.NoError(t, tr.Commit())
	beforeHash := tr.RootHash()

	compactedPath := filepath.Join(dir, "compacted.mst")
	require.NoError(t, tr.Compact(compactedPath))
	require.Equal(t, beforeHash, tr.RootHash(), "compaction must not change what the tree contains")

	for _, k := range []string{"a", "b", "d", "e"} {
		v, ok, err := tr.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, k, string(v))
	}
	ok, err := tr.Contains("c")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveCollapsesSingleChildRoot(t *testing.T) {
	tr, err := tree.NewTemporary(node.StringBytes)
	require.NoError(t, err)
	defer tr.Close()

	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		require.NoError(t, tr.Insert(k, []byte(k)))
	}
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		_, err := tr.Remove(k)
		require.NoError(t, err)
	}

	v, ok, err := tr.Get("g")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "g", string(v))
}

// TestExhaustiveDeleteAndReinsert inserts a thousand keys, deletes every
// even-indexed one, checks the odds survive and the evens are gone,
// shuffle-deletes the rest, and confirms the tree is fully empty before
// resurrecting a single key.
func TestExhaustiveDeleteAndReinsert(t *testing.T) {
	tr, err := tree.NewTemporary(node.StringBytes)
	require.NoError(t, err)
	defer tr.Close()

	const n = 1000
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("key-%04d", i)
		require.NoError(t, tr.Insert(keys[i], []byte(keys[i])))
	}

	for i := 0; i < n; i += 2 {
		deleted, err := tr.Remove(keys[i])
		require.NoError(t, err)
		require.True(t, deleted)
	}

	var odds []string
	for i := 1; i < n; i += 2 {
		odds = append(odds, keys[i])
		v, ok, err := tr.Get(keys[i])
		require.NoError(t, err)
		require.True(t, ok, "odd key %q should still be present", keys[i])
		require.Equal(t, keys[i], string(v))
	}
	for i := 0; i < n; i += 2 {
		ok, err := tr.Contains(keys[i])
		require.NoError(t, err)
		require.False(t, ok, "even key %q should be gone", keys[i])
	}

	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(odds), func(a, b int) { odds[a], odds[b] = odds[b], odds[a] })
	for _, k := range odds {
		deleted, err := tr.Remove(k)
		require.NoError(t, err)
		require.True(t, deleted)
	}

	require.True(t, tr.RootHash().IsZero(), "tree must be empty after removing every key")

	require.NoError(t, tr.Insert("resurrected", []byte("alive")))
	v, ok, err := tr.Get("resurrected")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alive", string(v))
}

// TestPersistenceWithManyRandomKeys commits five thousand random keys,
// reopens from the same path, and confirms every key still resolves to its
// original value while an unknown key is absent.
func TestPersistenceWithManyRandomKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.mst")

	tr, err := tree.Open(path, node.StringBytes)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(99))
	want := make(map[string]int)
	for len(want) < 5000 {
		k := fmt.Sprintf("rand-%d", rng.Intn(1_000_000))
		want[k] = rng.Int()
	}
	for k, v := range want {
		require.NoError(t, tr.Insert(k, []byte(fmt.Sprintf("%d", v))))
	}
	require.NoError(t, tr.Commit())
	require.NoError(t, tr.Close())

	reopened, err := tree.Open(path, node.StringBytes)
	require.NoError(t, err)
	defer reopened.Close()

	for k, v := range want {
		got, ok, err := reopened.Get(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("%d", v), string(got))
	}
	ok, err := reopened.Contains("definitely-absent-key")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestCompactionReclaimsSpace updates and removes large swaths of a
// two-thousand-key tree across two commits, then compacts and checks the
// rewritten file is strictly smaller while every surviving key's value and
// the root digest are unchanged.
func TestCompactionReclaimsSpace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tree.mst")
	tr, err := tree.Open(path, node.StringBytes)
	require.NoError(t, err)
	defer tr.Close()

	const n = 2000
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("key-%04d", i)
		require.NoError(t, tr.Insert(keys[i], []byte("original")))
	}
	require.NoError(t, tr.Commit())

	for i := 0; i < 500; i++ {
		require.NoError(t, tr.Insert(keys[i], []byte("updated")))
	}
	for i := 500; i < 1000; i++ {
		_, err := tr.Remove(keys[i])
		require.NoError(t, err)
	}
	require.NoError(t, tr.Commit())
	beforeHash := tr.RootHash()

	sizeBefore, err := fileSize(path)
	require.NoError(t, err)

	compactedPath := filepath.Join(dir, "compacted.mst")
	require.NoError(t, tr.Compact(compactedPath))
	require.Equal(t, beforeHash, tr.RootHash())

	sizeAfter, err := fileSize(compactedPath)
	require.NoError(t, err)
	require.Less(t, sizeAfter, sizeBefore, "compaction should shrink the file given superseded node versions")

	for i := 0; i < 500; i++ {
		v, ok, err := tr.Get(keys[i])
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "updated", string(v))
	}
	for i := 500; i < 1000; i++ {
		ok, err := tr.Contains(keys[i])
		require.NoError(t, err)
		require.False(t, ok)
	}
	for i := 1000; i < n; i++ {
		v, ok, err := tr.Get(keys[i])
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "original", string(v))
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
