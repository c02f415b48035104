// Package btree implements the on-disk B+Tree engine (Component B): search,
// traversal, insertion, split and root promotion over pages managed by a
// pagestore.Cache.
package btree

import (
	"go.uber.org/zap"

	"github.com/maple-db/maple/common"
	"github.com/maple-db/maple/config"
	"github.com/maple-db/maple/pagestore"
)

// maxDepth is the initial capacity of the traversal path stack, matching the
// fixed-size stack the original reserves for node_paths (depth <= 9 is more
// than enough headroom for realistic fanouts at 4 KiB pages). A deeper tree
// simply grows the slice; no depth limit is enforced.
const maxDepth = 9

// pathEntry records a node visited on the way down to a leaf, and the
// index of the child followed from it, so a split can bubble up without
// re-traversing from the root.
type pathEntry struct {
	pageID   uint32
	childIdx uint16
}

// Tree is a single B+Tree instance: a pagestore.Cache plus the search,
// insert and split logic layered on top of it. Non-goals (spec.md §1) rule
// out multi-writer concurrency, so Tree holds no internal lock — callers
// serialize access themselves, same as the tiered store above it.
type Tree struct {
	cache *pagestore.Cache
	log   *zap.Logger
}

// Open opens or creates a B+Tree-backed file at path.
func Open(path string, opts config.Options, log *zap.Logger) (*Tree, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := pagestore.Open(path, opts.PageSize, opts.CachePages, log)
	if err != nil {
		return nil, err
	}
	return &Tree{cache: cache, log: log}, nil
}

func (t *Tree) Close() error { return t.cache.Close() }
func (t *Tree) Sync() error  { return t.cache.Flush() }

// Path returns the backing file path this tree was opened with.
func (t *Tree) Path() string { return t.cache.Path() }

// Stats exposes the underlying cache counters.
func (t *Tree) Stats() pagestore.Stats { return t.cache.Stats() }

// PageSize returns the fixed page size this tree's cache was opened with.
func (t *Tree) PageSize() int { return t.cache.PageSize() }

// CacheSaturated reports whether this tree's page cache can no longer hold
// the whole file resident, per pagestore.Cache.Saturated.
func (t *Tree) CacheSaturated() bool { return t.cache.Saturated() }

// WouldOverflow reports whether inserting key/value into its target leaf
// would require a split, without mutating anything. The tiered store uses
// this to decide whether a demotion sweep is due before a write lands.
func (t *Tree) WouldOverflow(key, value []byte) (bool, error) {
	leaf, _, err := t.traverse(key)
	if err != nil {
		return false, err
	}
	return leaf.IsFull(key, value), nil
}

// Delete removes key from the tree, if present. It is used by the tiered
// store to refresh a staged entry's counter (remove, then reinsert), since
// Put never overwrites in place.
func (t *Tree) Delete(key []byte) error {
	leaf, _, err := t.traverse(key)
	if err != nil {
		return err
	}
	idx := leaf.Search(key)
	if idx < 0 {
		return nil
	}
	leaf.Remove(uint16(idx))
	t.cache.MarkDirty(leaf)
	return nil
}

// childIndex returns the index of the entry in an internal page whose
// child subtree holds key, using the convention that entry 0's key is the
// empty string and therefore always a valid lower bound.
func childIndex(page *pagestore.Page, key []byte) uint16 {
	idx := page.Search(key)
	if idx >= 0 {
		return uint16(idx)
	}
	insertionPoint := ^idx
	if insertionPoint == 0 {
		return 0
	}
	return uint16(insertionPoint - 1)
}

// traverse walks from the root to the leaf that should contain key,
// recording the path taken so a subsequent split can bubble up.
func (t *Tree) traverse(key []byte) (*pagestore.Page, []pathEntry, error) {
	path := make([]pathEntry, 0, maxDepth)
	page, err := t.cache.Get(pagestore.RootPageID, 0)
	if err != nil {
		return nil, nil, err
	}

	for !page.IsLeaf() {
		idx := childIndex(page, key)
		path = append(path, pathEntry{pageID: page.ID, childIdx: idx})
		childID := page.ChildAt(idx)
		child, err := t.cache.Get(childID, page.ID)
		if err != nil {
			return nil, nil, err
		}
		page = child
	}
	return page, path, nil
}

// Get looks up key and reports whether it was found.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	leaf, _, err := t.traverse(key)
	if err != nil {
		return nil, false, err
	}
	idx := leaf.Search(key)
	if idx < 0 {
		return nil, false, nil
	}
	v := leaf.ValueAt(uint16(idx))
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// FilledSize returns the total number of entries across every leaf in the
// tree. It is computed by walking the tree rather than kept as persisted
// metadata, matching spec.md §6: "the logger persists no other metadata."
func (t *Tree) FilledSize() (int, error) {
	total := 0
	var walk func(id uint32) error
	walk = func(id uint32) error {
		page, err := t.cache.Get(id, 0)
		if err != nil {
			return err
		}
		if page.IsLeaf() {
			total += int(page.FilledSize())
			return nil
		}
		n := page.FilledSize()
		for i := uint16(0); i < n; i++ {
			if err := walk(page.ChildAt(i)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(pagestore.RootPageID); err != nil {
		return 0, err
	}
	return total, nil
}

// LogicalBytes sums len(key)+len(value) across every leaf entry, the
// logical data size AggregateStats uses as the denominator of a tree's
// space amplification.
func (t *Tree) LogicalBytes() (int64, error) {
	var total int64
	err := t.Walk(func(key, value []byte) bool {
		total += int64(len(key)) + int64(len(value))
		return true
	})
	return total, err
}

// Walk visits every leaf entry in key order, calling fn(key, value) for
// each. Iteration stops early if fn returns false. Used by the tiered
// store's demotion sweep, which must inspect every staged entry.
func (t *Tree) Walk(fn func(key, value []byte) bool) error {
	cont := true
	var walk func(id uint32) error
	walk = func(id uint32) error {
		if !cont {
			return nil
		}
		page, err := t.cache.Get(id, 0)
		if err != nil {
			return err
		}
		n := page.FilledSize()
		if page.IsLeaf() {
			for i := uint16(0); i < n && cont; i++ {
				r := page.KeyAt(i)
				v := page.ValueAt(i)
				if !fn(r, v) {
					cont = false
				}
			}
			return nil
		}
		for i := uint16(0); i < n && cont; i++ {
			if err := walk(page.ChildAt(i)); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(pagestore.RootPageID)
}

// Put inserts key/value if key is absent. If key is already present, the
// existing value is left untouched and returned with found=true (upsert is
// the caller's choice — see SPEC_FULL.md §5 for why Put never overwrites by
// itself).
func (t *Tree) Put(key, value []byte) (prior []byte, found bool, err error) {
	if len(key) > common.MaxFieldLen {
		return nil, false, common.ErrKeyTooLarge
	}
	if len(value) > common.MaxFieldLen {
		return nil, false, common.ErrValueTooLarge
	}

	leaf, path, err := t.traverse(key)
	if err != nil {
		return nil, false, err
	}

	idx := leaf.Search(key)
	if idx >= 0 {
		v := leaf.ValueAt(uint16(idx))
		out := make([]byte, len(v))
		copy(out, v)
		return out, true, nil
	}
	insertAt := uint16(^idx)

	if !leaf.IsFull(key, value) {
		if err := leaf.Insert(insertAt, key, value); err != nil {
			return nil, false, err
		}
		t.cache.MarkDirty(leaf)
		return nil, false, nil
	}

	if err := t.splitAndInsert(leaf, path, key, value); err != nil {
		return nil, false, err
	}
	return nil, false, nil
}
