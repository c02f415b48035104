package btree

import (
	"bytes"

	"github.com/maple-db/maple/common"
	"github.com/maple-db/maple/pagestore"
)

// splitAndInsert handles the case where the leaf a key wants to land in has
// no room: split the leaf, insert the new record into whichever half it
// belongs to, then bubble the new separator up the recorded path — or, if
// the leaf being split is the root, promote a new root above it.
func (t *Tree) splitAndInsert(leaf *pagestore.Page, path []pathEntry, key, value []byte) error {
	if leaf.ID == pagestore.RootPageID {
		return t.splitRootAndInsert(leaf, key, value)
	}

	sibling, sep, err := t.splitPage(leaf)
	if err != nil {
		return err
	}
	dest := leaf
	if bytes.Compare(key, sep) >= 0 {
		dest = sibling
	}
	idx := dest.Search(key)
	if err := dest.Insert(uint16(^idx), key, value); err != nil {
		return err
	}
	t.cache.MarkDirty(dest)

	return t.bubbleUp(path, sep, sibling.ID)
}

// bubbleUp inserts (separator, childID) into the parent recorded at the top
// of path, splitting that parent (and so on, up to the root) if it has no
// room. path[0] is always the root, since traverse records the root as the
// first entry whenever the tree has any internal nodes.
func (t *Tree) bubbleUp(path []pathEntry, separator []byte, childID uint32) error {
	for i := len(path) - 1; i >= 0; i-- {
		parentID := path[i].pageID
		if parentID == pagestore.RootPageID {
			root, err := t.cache.Get(pagestore.RootPageID, 0)
			if err != nil {
				return err
			}
			if !root.IsFull(separator, encodeChildValue(childID)) {
				idx := root.Search(separator)
				if err := root.InsertChild(uint16(^idx), separator, childID); err != nil {
					return err
				}
				t.cache.MarkDirty(root)
				return nil
			}
			return t.promoteRootWithChild(root, separator, childID)
		}

		parent, err := t.cache.Get(parentID, 0)
		if err != nil {
			return err
		}

		if !parent.IsFull(separator, encodeChildValue(childID)) {
			idx := parent.Search(separator)
			if err := parent.InsertChild(uint16(^idx), separator, childID); err != nil {
				return err
			}
			t.cache.MarkDirty(parent)
			return nil
		}

		sibling, sep2, err := t.splitPage(parent)
		if err != nil {
			return err
		}
		dest := parent
		if bytes.Compare(separator, sep2) >= 0 {
			dest = sibling
		}
		idx := dest.Search(separator)
		if err := dest.InsertChild(uint16(^idx), separator, childID); err != nil {
			return err
		}
		t.cache.MarkDirty(dest)

		separator = sep2
		childID = sibling.ID
	}
	return common.ErrInvariantViolation
}

// splitPage divides page's entries in two: it keeps the left half in place
// (rebuilding page itself) and returns a freshly allocated sibling holding
// the right half, plus the separator key that routes between them. The
// allocation is made with page.ID pinned as blockToKeep, since page is a
// live frame the caller is still about to rebuild and mark dirty — without
// the pin, a cache near capacity could select page's own (momentarily
// clean) frame for eviction while allocating its sibling.
//
// The split point is the first index at which the accumulated payload
// bytes pass half of the page's total payload, or the midpoint index,
// whichever comes first — matching spec.md §4.B exactly.
func (t *Tree) splitPage(page *pagestore.Page) (sibling *pagestore.Page, separator []byte, err error) {
	records := page.Records()
	n := len(records)
	if n < 2 {
		return nil, nil, common.ErrInvariantViolation
	}

	total := 0
	for _, r := range records {
		total += len(r.Key) + len(r.Value) + 2
	}
	half := total / 2
	mid := n / 2

	brk := mid
	acc := 0
	for i, r := range records {
		acc += len(r.Key) + len(r.Value) + 2
		if acc > half || i >= mid {
			brk = i + 1
			break
		}
	}
	if brk <= 0 {
		brk = 1
	}
	if brk >= n {
		brk = n - 1
	}

	left := records[:brk]
	right := records[brk:]

	if page.IsLeaf() {
		separator = truncatedSeparator(left[len(left)-1].Key, right[0].Key)
	} else {
		separator = append([]byte(nil), right[0].Key...)
	}

	sibling, err = t.cache.Allocate(page.IsLeaf(), page.ID)
	if err != nil {
		return nil, nil, err
	}
	if err := sibling.Rebuild(page.IsLeaf(), right); err != nil {
		return nil, nil, err
	}
	if err := page.Rebuild(page.IsLeaf(), left); err != nil {
		return nil, nil, err
	}
	t.cache.MarkDirty(sibling)
	t.cache.MarkDirty(page)
	return sibling, separator, nil
}

// truncatedSeparator returns the shortest prefix of next that is strictly
// greater than prev: the common prefix length plus one byte. This keeps
// internal separator keys short without ever misrouting a search.
func truncatedSeparator(prev, next []byte) []byte {
	n := len(prev)
	if len(next) < n {
		n = len(next)
	}
	i := 0
	for i < n && prev[i] == next[i] {
		i++
	}
	if i+1 <= len(next) {
		return append([]byte(nil), next[:i+1]...)
	}
	return append([]byte(nil), next...)
}

// splitRootAndInsert performs root promotion for a leaf root: the root's
// current content is copied into a freshly allocated page, that copy is
// split, the new key/value lands in whichever half it belongs to, and the
// root page (which must always remain page 0) is reinitialized as a
// two-entry internal node pointing at the copy and its new sibling.
func (t *Tree) splitRootAndInsert(root *pagestore.Page, key, value []byte) error {
	clone, sibling, sep, err := t.cloneAndSplitRoot(root)
	if err != nil {
		return err
	}
	dest := clone
	if bytes.Compare(key, sep) >= 0 {
		dest = sibling
	}
	idx := dest.Search(key)
	if err := dest.Insert(uint16(^idx), key, value); err != nil {
		return err
	}
	t.cache.MarkDirty(dest)
	return t.finishRootPromotion(root, clone, sibling, sep)
}

// promoteRootWithChild is the internal-node counterpart of
// splitRootAndInsert: the bubble-up from a lower split reached the root, so
// the (separator, childID) pair being carried up is inserted into whichever
// half of the cloned-and-split former root it belongs to.
func (t *Tree) promoteRootWithChild(root *pagestore.Page, separator []byte, childID uint32) error {
	clone, sibling, sep, err := t.cloneAndSplitRoot(root)
	if err != nil {
		return err
	}
	dest := clone
	if bytes.Compare(separator, sep) >= 0 {
		dest = sibling
	}
	idx := dest.Search(separator)
	if err := dest.InsertChild(uint16(^idx), separator, childID); err != nil {
		return err
	}
	t.cache.MarkDirty(dest)
	return t.finishRootPromotion(root, clone, sibling, sep)
}

func (t *Tree) cloneAndSplitRoot(root *pagestore.Page) (clone, sibling *pagestore.Page, sep []byte, err error) {
	clone, err = t.cache.Allocate(root.IsLeaf(), root.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	copy(clone.Data(), root.Data())
	t.cache.MarkDirty(clone)

	sibling, sep, err = t.splitPage(clone)
	if err != nil {
		return nil, nil, nil, err
	}
	return clone, sibling, sep, nil
}

// finishRootPromotion reinitializes root in place as an internal node with
// exactly two entries: ("", clone) at slot 0 — the empty key always sorts
// lowest, so this entry is the catch-all for every key below sep — and
// (sep, sibling) after it. Tree height increases by exactly one.
func (t *Tree) finishRootPromotion(root, clone, sibling *pagestore.Page, sep []byte) error {
	if err := root.Rebuild(false, nil); err != nil {
		return err
	}
	if err := root.InsertChild(0, []byte{}, clone.ID); err != nil {
		return err
	}
	if err := root.InsertChild(1, sep, sibling.ID); err != nil {
		return err
	}
	t.cache.MarkDirty(root)
	return nil
}

// encodeChildValue mirrors pagestore's internal child-id encoding so
// IsFull's size estimate matches what InsertChild will actually write.
func encodeChildValue(id uint32) []byte {
	var buf [4]byte
	b := buf[:]
	b[0] = byte(id >> 24)
	b[1] = byte(id >> 16)
	b[2] = byte(id >> 8)
	b[3] = byte(id)
	i := 0
	for i < 3 && b[i] == 0 {
		i++
	}
	return b[i:]
}
