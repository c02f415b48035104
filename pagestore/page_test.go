package pagestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageInsertAndSearch(t *testing.T) {
	p := NewPage(1, 4096, true)

	keys := []string{"banana", "apple", "cherry"}
	for _, k := range keys {
		idx := p.Search([]byte(k))
		require.Less(t, idx, 0, "key %q should be absent before insert", k)
		require.NoError(t, p.Insert(uint16(^idx), []byte(k), []byte("v-"+k)))
	}

	require.Equal(t, uint16(3), p.FilledSize())

	// sorted order: apple, banana, cherry
	require.Equal(t, "apple", string(p.KeyAt(0)))
	require.Equal(t, "banana", string(p.KeyAt(1)))
	require.Equal(t, "cherry", string(p.KeyAt(2)))

	idx := p.Search([]byte("banana"))
	require.Equal(t, 1, idx)
	require.Equal(t, "v-banana", string(p.ValueAt(uint16(idx))))

	missIdx := p.Search([]byte("avocado"))
	require.Less(t, missIdx, 0)
	require.Equal(t, 1, ^missIdx)
}

func TestPageInternalChildEncoding(t *testing.T) {
	p := NewPage(2, 4096, false)
	require.NoError(t, p.InsertChild(0, []byte(""), 7))
	require.NoError(t, p.InsertChild(1, []byte("m"), 99))

	require.Equal(t, uint32(7), p.ChildAt(0))
	require.Equal(t, uint32(99), p.ChildAt(1))
}

func TestPageRejectsOversizedFields(t *testing.T) {
	p := NewPage(3, 4096, true)
	big := make([]byte, 256)
	err := p.Insert(0, big, []byte("v"))
	require.Error(t, err)
}

func TestPageIsFullAndRebuild(t *testing.T) {
	p := NewPage(4, 64, true) // tiny page to force fullness quickly
	count := 0
	for i := 0; i < 100; i++ {
		key := []byte{byte(i)}
		if p.IsFull(key, []byte("x")) {
			break
		}
		idx := p.Search(key)
		require.NoError(t, p.Insert(uint16(^idx), key, []byte("x")))
		count++
	}
	require.Greater(t, count, 0)

	records := p.Records()
	require.Len(t, records, count)

	require.NoError(t, p.Rebuild(true, records))
	require.Equal(t, uint16(count), p.FilledSize())
}
