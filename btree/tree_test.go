package btree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maple-db/maple/config"
)

func openTestTree(t *testing.T, pageSize int) *Tree {
	t.Helper()
	dir := t.TempDir()
	opts := config.DefaultOptions()
	opts.PageSize = pageSize
	tree, err := Open(filepath.Join(dir, "t.db"), opts, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

func TestTreeBasicPersistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.db")
	opts := config.DefaultOptions()

	tree, err := Open(path, opts, zap.NewNop())
	require.NoError(t, err)

	_, found, err := tree.Put([]byte("apple"), []byte("1"))
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = tree.Put([]byte("banana"), []byte("2"))
	require.NoError(t, err)
	require.False(t, found)

	v, ok, err := tree.Get([]byte("apple"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", string(v))

	require.NoError(t, tree.Close())

	tree2, err := Open(path, opts, zap.NewNop())
	require.NoError(t, err)
	defer tree2.Close()

	v, ok, err = tree2.Get([]byte("banana"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(v))
}

func TestTreeDuplicatePutDoesNotOverwrite(t *testing.T) {
	tree := openTestTree(t, config.DefaultPageSize)

	_, found, err := tree.Put([]byte("k"), []byte("first"))
	require.NoError(t, err)
	require.False(t, found)

	prior, found, err := tree.Put([]byte("k"), []byte("second"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "first", string(prior))

	v, ok, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", string(v))
}

func TestTreeSplitAndRootPromotion(t *testing.T) {
	// Small page size forces splits (and eventually root promotion) well
	// before 300 keys.
	tree := openTestTree(t, 512)

	keys := make([]string, 300)
	rng := rand.New(rand.NewSource(1))
	perm := rng.Perm(300)
	for i, p := range perm {
		k := fmt.Sprintf("key-%05d", p)
		keys[i] = k
		_, _, err := tree.Put([]byte(k), []byte(k))
		require.NoError(t, err)
	}

	for _, k := range keys {
		v, ok, err := tree.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, ok, "missing key %q", k)
		require.Equal(t, k, string(v))
	}

	n, err := tree.FilledSize()
	require.NoError(t, err)
	require.Equal(t, 300, n)
}

func TestTreeRejectsOversizedKeyValue(t *testing.T) {
	tree := openTestTree(t, config.DefaultPageSize)
	big := make([]byte, 256)

	_, _, err := tree.Put(big, []byte("v"))
	require.Error(t, err)

	_, _, err = tree.Put([]byte("k"), big)
	require.Error(t, err)
}

func TestTreeBoundaryKeyValueLengths(t *testing.T) {
	tree := openTestTree(t, config.DefaultPageSize)

	max := make([]byte, 255)
	for i := range max {
		max[i] = byte(i)
	}

	cases := []struct {
		key, value []byte
	}{
		{[]byte{}, []byte("empty-key")},
		{[]byte("k"), []byte{}},
		{[]byte("a"), []byte("1")},
		{max, []byte("short")},
		{[]byte("short"), max},
	}
	for _, c := range cases {
		_, found, err := tree.Put(c.key, c.value)
		require.NoError(t, err)
		require.False(t, found)
	}
	for _, c := range cases {
		v, ok, err := tree.Get(c.key)
		require.NoError(t, err)
		require.True(t, ok, "missing key %q", c.key)
		require.Equal(t, c.value, v)
	}
}

func TestTreeWalkVisitsEveryEntry(t *testing.T) {
	tree := openTestTree(t, 512)
	want := map[string]string{}
	for i := 0; i < 120; i++ {
		k := fmt.Sprintf("w-%04d", i)
		v := fmt.Sprintf("v-%04d", i)
		want[k] = v
		_, _, err := tree.Put([]byte(k), []byte(v))
		require.NoError(t, err)
	}

	got := map[string]string{}
	err := tree.Walk(func(k, v []byte) bool {
		got[string(k)] = string(v)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
}
