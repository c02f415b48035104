package pagestore

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/maple-db/maple/common"
)

// RootPageID is the logical page number of the pinned root block. It is
// loaded on Open and written on Close; it never participates in LRU
// eviction, matching the original's skip_page_count special case.
const RootPageID = 0

// minFlushFloor, capFloorDiv and capCeilDiv bound the adaptive flush-batch target:
// clamp(capacity*missRate, max(20, capacity/2000), capacity/5).
const (
	minFlushFloor = 20
	capFloorDiv   = 2000
	capCeilDiv    = 5
	scanMultiple  = 3
	cleanScanMax  = 10
)

type frame struct {
	pageID uint32
	page   *Page
}

// Cache is the fixed-capacity, file-backed LRU page cache described as
// Component A: a bounded arena of frames indexed by logical page number,
// evicted from the LRU end, with dirty frames flushed in adaptively sized
// batches rather than one at a time.
type Cache struct {
	mu sync.Mutex

	path     string
	file     *os.File
	pageSize int
	capacity int

	root *Page

	frames map[uint32]*list.Element // pageID -> lru element
	lru    *list.List               // front = MRU, back = LRU

	newPages map[uint32]struct{} // pages allocated but not yet flushed
	fileSize uint32              // page count including page 0

	totalRequests     int64
	totalMisses       int64
	totalWrites       int64
	totalBytesWritten int64

	closed bool
	log    *zap.Logger

	diskLimiter DiskLimiter
}

// DiskLimiter gates how many bytes the cache may append to its backing
// file, letting tests simulate a full disk without actually filling one.
// common/testutil.ResourceLimiter satisfies this.
type DiskLimiter interface {
	AllocDisk(n int64) error
}

// SetDiskLimiter installs a limiter that Allocate consults before growing
// the backing file. A nil limiter (the default) means unlimited.
func (c *Cache) SetDiskLimiter(l DiskLimiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diskLimiter = l
}

// Open opens or creates the backing file at path, loads page 0 as the
// pinned root frame, and recovers the page count from the file size.
func Open(path string, pageSize, capacityPages int, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	c := &Cache{
		path:     path,
		file:     f,
		pageSize: pageSize,
		capacity: capacityPages,
		frames:   make(map[uint32]*list.Element),
		lru:      list.New(),
		newPages: make(map[uint32]struct{}),
		log:      log,
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() == 0 {
		c.root = NewPage(RootPageID, pageSize, true)
		c.fileSize = 1
		if err := c.writePageAt(c.root); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		c.fileSize = uint32(info.Size() / int64(pageSize))
		root, err := c.readPageAt(RootPageID)
		if err != nil {
			f.Close()
			return nil, err
		}
		c.root = root
	}

	return c, nil
}

// PageSize returns the fixed size of every page managed by this cache.
func (c *Cache) PageSize() int { return c.pageSize }

// Path returns the backing file path this cache was opened with.
func (c *Cache) Path() string { return c.path }

// Saturated reports whether the backing file has grown to at least the
// cache's frame capacity, meaning a full pass over the file no longer fits
// in memory. The tiered store uses this to gate the demotion sweep: only
// run it once staging's working set can no longer be held entirely cached.
func (c *Cache) Saturated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileSize >= uint32(c.capacity)
}

// Root returns the pinned page-0 frame.
func (c *Cache) Root() *Page { return c.root }

// PageCount returns the current number of pages in the backing file,
// including page 0.
func (c *Cache) PageCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileSize
}

func (c *Cache) readPageAt(id uint32) (*Page, error) {
	buf := make([]byte, c.pageSize)
	n, err := c.file.ReadAt(buf, int64(id)*int64(c.pageSize))
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", id, err)
	}
	if n != c.pageSize {
		return nil, common.ErrCorrupt
	}
	return LoadPage(id, buf), nil
}

func (c *Cache) writePageAt(p *Page) error {
	n, err := c.file.WriteAt(p.Data(), int64(p.ID)*int64(c.pageSize))
	if err != nil {
		return err
	}
	c.totalWrites++
	c.totalBytesWritten += int64(n)
	return nil
}

// Get returns a stable, pinnable buffer for the requested logical page,
// promoting it to MRU. blockToKeep, if non-zero, is a page id the caller
// has pinned for the duration of the current operation (e.g. the node it's
// about to split) and that eviction must not touch.
func (c *Cache) Get(id uint32, blockToKeep uint32) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, common.ErrClosed
	}
	if id == RootPageID {
		return c.root, nil
	}

	c.totalRequests++

	if elem, ok := c.frames[id]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*frame).page, nil
	}

	c.totalMisses++
	page, err := c.readPageAt(id)
	if err != nil {
		return nil, err
	}
	c.place(id, page, blockToKeep)
	return page, nil
}

// Allocate assigns the next page number (equal to the current file page
// count), marks it dirty and present in the new-pages set, and returns a
// cache-resident buffer for the caller to initialize. blockToKeep, like in
// Get, is a page id the caller has pinned for the duration of the current
// operation (typically the node it's in the middle of splitting) and that
// eviction must not select to make room for the new page.
func (c *Cache) Allocate(leaf bool, blockToKeep uint32) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, common.ErrClosed
	}
	if c.diskLimiter != nil {
		if err := c.diskLimiter.AllocDisk(int64(c.pageSize)); err != nil {
			return nil, err
		}
	}

	id := c.fileSize
	c.fileSize++
	page := NewPage(id, c.pageSize, leaf)
	page.SetDirty(true)
	c.newPages[id] = struct{}{}
	c.place(id, page, blockToKeep)
	return page, nil
}

// MarkDirty flags an already cache-resident page as dirty, used after an
// in-place mutation of a page fetched via Get.
func (c *Cache) MarkDirty(p *Page) {
	p.SetDirty(true)
}

// place inserts a (possibly evicting) frame for id/page into the LRU,
// matching the original's get_disk_page_in_cache slot-selection logic.
// Caller holds c.mu.
func (c *Cache) place(id uint32, page *Page, blockToKeep uint32) {
	if c.lru.Len() >= c.capacity {
		c.evictOne(blockToKeep, id)
	}
	elem := c.lru.PushFront(&frame{pageID: id, page: page})
	c.frames[id] = elem
}

// evictOne implements the eviction algorithm from spec.md §4.A: proactively
// flush a batch if the pending new-pages set has already outgrown the
// adaptive flush target, or if diskPage (the page number about to be
// placed) is itself still sitting unflushed in that set; otherwise scan
// backward from the LRU tail for a clean, unpinned frame, falling back to a
// flush-and-retry if none is found within cleanScanMax entries.
//
// maxFlushPasses bounds the flush-and-retry loop. blockToKeep is never
// selected for eviction, so a frame set consisting only of the pinned
// current node (the degenerate capacity-1 case from a split in progress)
// can never yield a victim no matter how many times it's flushed; after
// maxFlushPasses such attempts, evictOne gives up and the caller's place()
// goes on to insert the new frame over capacity rather than loop forever.
func (c *Cache) evictOne(blockToKeep, diskPage uint32) {
	const maxFlushPasses = 2
	for pass := 0; pass < maxFlushPasses; pass++ {
		_, pending := c.newPages[diskPage]
		if len(c.newPages) > c.flushTarget() || pending {
			if err := c.flushBatch(); err != nil {
				c.log.Error("flush batch failed during eviction", zap.Error(err))
				return
			}
		}

		elem := c.lru.Back()
		scanned := 0
		for elem != nil && scanned < cleanScanMax {
			fr := elem.Value.(*frame)
			if fr.pageID != blockToKeep && !fr.page.IsDirty() {
				c.lru.Remove(elem)
				delete(c.frames, fr.pageID)
				return
			}
			elem = elem.Prev()
			scanned++
		}

		if len(c.newPages) == 0 && scanned == 0 {
			// Nothing cached at all; nothing to evict.
			return
		}

		if err := c.flushBatch(); err != nil {
			c.log.Error("flush batch failed during eviction", zap.Error(err))
			return
		}
	}
}

// flushTarget computes clamp(capacity*missRate, max(20,capacity/2000), capacity/5),
// the adaptive batch size from spec.md §4.A / original_source/src/lru_cache.h's
// calc_flush_count.
func (c *Cache) flushTarget() int {
	if c.totalRequests == 0 {
		return minFlushFloor
	}
	target := int(int64(c.capacity) * c.totalMisses / c.totalRequests)
	floor := c.capacity / capFloorDiv
	if floor < minFlushFloor {
		floor = minFlushFloor
	}
	ceil := c.capacity / capCeilDiv
	if target < floor {
		target = floor
	}
	if target > ceil {
		target = ceil
	}
	return target
}

// flushBatch scans backward from the LRU tail for up to 3*target entries,
// collects dirty pages, unions with the pending new-pages set, writes every
// collected page, and clears the new-pages set. Caller holds c.mu.
func (c *Cache) flushBatch() error {
	target := c.flushTarget()
	toWrite := make(map[uint32]*Page)

	elem := c.lru.Back()
	scanned := 0
	for elem != nil && scanned < scanMultiple*target {
		fr := elem.Value.(*frame)
		if fr.page.IsDirty() {
			toWrite[fr.pageID] = fr.page
		}
		elem = elem.Prev()
		scanned++
	}
	for id := range c.newPages {
		if elem, ok := c.frames[id]; ok {
			toWrite[id] = elem.Value.(*frame).page
		}
	}

	for id, p := range toWrite {
		if err := c.writePageAt(p); err != nil {
			return fmt.Errorf("flush page %d: %w", id, err)
		}
		p.SetDirty(false)
	}
	c.newPages = make(map[uint32]struct{})
	return nil
}

// Flush writes every dirty resident page (and the root frame) to disk.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushAllLocked()
}

func (c *Cache) flushAllLocked() error {
	if c.root.IsDirty() {
		if err := c.writePageAt(c.root); err != nil {
			return err
		}
		c.root.SetDirty(false)
	}
	for _, elem := range c.frames {
		fr := elem.Value.(*frame)
		if fr.page.IsDirty() {
			if err := c.writePageAt(fr.page); err != nil {
				return fmt.Errorf("flush page %d: %w", fr.pageID, err)
			}
			fr.page.SetDirty(false)
		}
	}
	c.newPages = make(map[uint32]struct{})
	return nil
}

// Close flushes every dirty frame and the root block, fsyncs once, and
// closes the file. Durability is best-effort: no fsync happens per write,
// matching spec.md §5 — this is the one point a dirty page is guaranteed
// to have reached disk rather than just the OS page cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if err := c.flushAllLocked(); err != nil {
		return err
	}
	if err := c.file.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", c.path, err)
	}
	c.closed = true
	return c.file.Close()
}

// Stats reports cache-level counters for common.Stats.
type Stats struct {
	Requests     int64
	Misses       int64
	Pages        uint32
	Writes       int64
	BytesWritten int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Requests:     c.totalRequests,
		Misses:       c.totalMisses,
		Pages:        c.fileSize,
		Writes:       c.totalWrites,
		BytesWritten: c.totalBytesWritten,
	}
}
