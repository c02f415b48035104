package pagestore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maple-db/maple/common"
	"github.com/maple-db/maple/common/testutil"
)

func TestCacheAllocateGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "t.db"), 4096, 16, zap.NewNop())
	require.NoError(t, err)

	page, err := c.Allocate(true, 0)
	require.NoError(t, err)
	require.NoError(t, page.Insert(0, []byte("k"), []byte("v")))
	c.MarkDirty(page)

	got, err := c.Get(page.ID, 0)
	require.NoError(t, err)
	require.Same(t, page, got, "page should come from cache on second Get")

	require.NoError(t, c.Close())
}

func TestCacheEvictionForcesReadFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.db")
	c, err := Open(path, 4096, 2, zap.NewNop())
	require.NoError(t, err)

	var ids []uint32
	for i := 0; i < 10; i++ {
		p, err := c.Allocate(true, 0)
		require.NoError(t, err)
		require.NoError(t, p.Insert(0, []byte{byte(i)}, []byte("v")))
		c.MarkDirty(p)
		ids = append(ids, p.ID)
	}
	require.NoError(t, c.Flush())

	stats := c.Stats()
	require.Greater(t, stats.Pages, uint32(1))

	// Re-fetching an early page after later allocations evicted it must
	// still return the correct content.
	p, err := c.Get(ids[0], 0)
	require.NoError(t, err)
	require.Equal(t, byte(0), p.KeyAt(0)[0])

	require.NoError(t, c.Close())
}

func TestCacheAllocateDoesNotEvictPinnedBlock(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "t.db"), 4096, 1, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	p1, err := c.Allocate(true, 0)
	require.NoError(t, err)
	require.NoError(t, p1.Insert(0, []byte("a"), []byte("1")))
	c.MarkDirty(p1)

	// Allocating a sibling while p1 is pinned as blockToKeep must not evict
	// p1's frame even though capacity (1) is already exhausted; a caller
	// mid-split still holds a live pointer to p1 and is about to mutate it.
	_, err = c.Allocate(true, p1.ID)
	require.NoError(t, err)

	require.NoError(t, p1.Insert(1, []byte("b"), []byte("2")))
	c.MarkDirty(p1)

	got, err := c.Get(p1.ID, 0)
	require.NoError(t, err)
	require.Same(t, p1, got, "pinned page must stay resident across the sibling allocation")
	require.Equal(t, uint16(2), got.FilledSize())
}

func TestCacheAllocateProactivelyFlushesPendingNewPages(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "t.db"), 4096, 3, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	p1, err := c.Allocate(true, 0)
	require.NoError(t, err)
	require.NoError(t, c.Flush()) // p1 is now clean and no longer in the new-pages set

	_, err = c.Allocate(true, 0) // page 2: stays dirty and pending
	require.NoError(t, err)
	_, err = c.Allocate(true, 0) // page 3: stays dirty and pending
	require.NoError(t, err)

	before := c.Stats().Writes

	// Capacity is exhausted at 3 resident frames (p1, page 2, page 3).
	// Allocating a fourth page must evict something, and p1 (clean, at the
	// LRU tail) is the immediate victim a plain clean-frame scan would pick
	// without ever touching pages 2/3. They're still unflushed in the
	// new-pages set, and the incoming page's id lands in that same set
	// before eviction runs, so the proactive flush condition must write
	// them anyway rather than leaving them to a later, unguarded flush.
	_, err = c.Allocate(true, 0)
	require.NoError(t, err)

	after := c.Stats().Writes
	require.GreaterOrEqual(t, after-before, int64(2))

	_ = p1
}

func TestCacheAllocateRespectsDiskLimiter(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "t.db")
	c, err := Open(path, 4096, 16, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	limiter := testutil.NewResourceLimiter(3*4096, 1<<20)
	c.SetDiskLimiter(limiter)

	for i := 0; i < 3; i++ {
		_, err := c.Allocate(true, 0)
		require.NoError(t, err)
	}

	_, err = c.Allocate(true, 0)
	require.ErrorIs(t, err, common.ErrDiskFull)
}

func TestCacheReopenRecoversPageCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.db")
	c, err := Open(path, 4096, 16, zap.NewNop())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := c.Allocate(true, 0)
		require.NoError(t, err)
	}
	require.NoError(t, c.Close())

	c2, err := Open(path, 4096, 16, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, uint32(6), c2.PageCount()) // root + 5
	require.NoError(t, c2.Close())
}
