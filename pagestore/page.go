// Package pagestore implements the page layout and buffered LRU cache that
// every tree in this codebase is built on (Component A + the page data model
// of Component B). A Page is a fixed-size byte buffer holding a sorted set
// of length-prefixed records; a Cache maps logical page numbers onto a
// bounded arena of in-memory frames, evicting and flushing dirty frames in
// batches sized to the observed miss rate.
package pagestore

import (
	"encoding/binary"

	"github.com/maple-db/maple/common"
)

// Header layout, fixed at 6 bytes regardless of page size:
//
//	byte 0       flags: bit0 = is-leaf, bit1 = dirty
//	bytes 1-2    filled count (number of entries), big-endian u16
//	bytes 3-4    kv_last_pos: offset where the most recent record starts
//	byte 5       max key length observed in this page
//
// Immediately following the header is a packed array of 2-byte big-endian
// record offsets, one per entry, kept sorted by key. Records grow backward
// from the end of the page: [klen u8][key][vlen u8][value].
const (
	HeaderSize = 6

	flagLeaf  = byte(1 << 0)
	flagDirty = byte(1 << 1)

	offFlags      = 0
	offFilled     = 1
	offKVLastPos  = 3
	offMaxKeyLen  = 5
	offsetEntrySz = 2
)

// Page is a raw, fixed-size node buffer. Every accessor bounds-checks into
// the backing slice rather than doing pointer arithmetic, matching the
// byte-slice-accessor approach called for over raw pointers into page
// buffers.
type Page struct {
	ID   uint32
	data []byte
}

// NewPage allocates a fresh page buffer of the given size and initializes
// it as an empty leaf, matching the original's initCurrentBlock: leaf bit
// set, filled size zero, kv_last_pos at the end of the page.
func NewPage(id uint32, size int, leaf bool) *Page {
	p := &Page{ID: id, data: make([]byte, size)}
	if leaf {
		p.data[offFlags] = flagLeaf
	}
	p.setFilledSize(0)
	p.setKVLastPos(uint16(size))
	return p
}

// LoadPage wraps an existing on-disk buffer without reinitializing it.
func LoadPage(id uint32, data []byte) *Page {
	return &Page{ID: id, data: data}
}

func (p *Page) Data() []byte { return p.data }
func (p *Page) Size() int    { return len(p.data) }

func (p *Page) IsLeaf() bool { return p.data[offFlags]&flagLeaf != 0 }

func (p *Page) setLeaf(leaf bool) {
	if leaf {
		p.data[offFlags] |= flagLeaf
	} else {
		p.data[offFlags] &^= flagLeaf
	}
}

func (p *Page) IsDirty() bool { return p.data[offFlags]&flagDirty != 0 }

func (p *Page) SetDirty(dirty bool) {
	if dirty {
		p.data[offFlags] |= flagDirty
	} else {
		p.data[offFlags] &^= flagDirty
	}
}

func (p *Page) FilledSize() uint16 {
	return binary.BigEndian.Uint16(p.data[offFilled:])
}

func (p *Page) setFilledSize(n uint16) {
	binary.BigEndian.PutUint16(p.data[offFilled:], n)
}

func (p *Page) KVLastPos() uint16 {
	return binary.BigEndian.Uint16(p.data[offKVLastPos:])
}

func (p *Page) setKVLastPos(v uint16) {
	binary.BigEndian.PutUint16(p.data[offKVLastPos:], v)
}

func (p *Page) MaxKeyLen() byte { return p.data[offMaxKeyLen] }

func (p *Page) setMaxKeyLen(n byte) {
	if n > p.data[offMaxKeyLen] {
		p.data[offMaxKeyLen] = n
	}
}

func (p *Page) offsetSlot(i uint16) int {
	return HeaderSize + int(i)*offsetEntrySz
}

func (p *Page) offsetAt(i uint16) uint16 {
	slot := p.offsetSlot(i)
	return binary.BigEndian.Uint16(p.data[slot:])
}

func (p *Page) setOffsetAt(i uint16, v uint16) {
	slot := p.offsetSlot(i)
	binary.BigEndian.PutUint16(p.data[slot:], v)
}

// offsetArrayEnd returns the first byte past the offset array.
func (p *Page) offsetArrayEnd() int {
	return p.offsetSlot(p.FilledSize())
}

// Record is a decoded entry: Key plus either a leaf Value or, for an
// internal node, a big-endian child page id encoded in Value.
type Record struct {
	Key   []byte
	Value []byte
}

// recordAt decodes the entry whose offset array slot is i.
func (p *Page) recordAt(i uint16) Record {
	pos := p.offsetAt(i)
	klen := int(p.data[pos])
	keyStart := int(pos) + 1
	key := p.data[keyStart : keyStart+klen]
	vlenPos := keyStart + klen
	vlen := int(p.data[vlenPos])
	valStart := vlenPos + 1
	value := p.data[valStart : valStart+vlen]
	return Record{Key: key, Value: value}
}

// KeyAt returns just the key portion of entry i, for callers (like split)
// that only need to compare keys.
func (p *Page) KeyAt(i uint16) []byte { return p.recordAt(i).Key }

// ValueAt returns the value (or child-id bytes) for entry i.
func (p *Page) ValueAt(i uint16) []byte { return p.recordAt(i).Value }

// ChildAt decodes entry i's value as a child page id, for internal nodes.
func (p *Page) ChildAt(i uint16) uint32 {
	v := p.ValueAt(i)
	var buf [4]byte
	copy(buf[4-len(v):], v)
	return binary.BigEndian.Uint32(buf[:])
}

// encodeChild renders a child page id as the minimal big-endian byte
// string the original stores in an internal record's value field.
func encodeChild(id uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	i := 0
	for i < 3 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// Search performs a binary search over the offset array for key. On exact
// match it returns the matching index. On miss it returns the bitwise
// complement of the insertion point, so callers can distinguish "found at i"
// from "insert before i" with a single sign check.
func (p *Page) Search(key []byte) int {
	lo, hi := 0, int(p.FilledSize())
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := compareBytes(key, p.recordAt(uint16(mid)).Key)
		switch {
		case cmp == 0:
			return mid
		case cmp < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return ^lo
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// recordSize is the encoded byte length of a [klen][key][vlen][value] record.
func recordSize(key, value []byte) int {
	return 1 + len(key) + 1 + len(value)
}

// IsFull reports whether inserting one more record of the given size would
// leave no room between the offset array and the record area, per the
// spec's full-test inequality.
func (p *Page) IsFull(key, value []byte) bool {
	need := recordSize(key, value)
	filled := int(p.FilledSize())
	return int(p.KVLastPos()) <= HeaderSize+offsetEntrySz*(filled+1)+need
}

// Insert writes a new record into the page at the sorted position idx
// (which must be the non-negative insertion point the caller got from
// Search, i.e. ^Search(key) when the key was absent), shifting subsequent
// offsets up by one slot.
func (p *Page) Insert(idx uint16, key, value []byte) error {
	if len(key) > common.MaxFieldLen || len(value) > common.MaxFieldLen {
		return common.ErrKeyTooLarge
	}
	size := recordSize(key, value)
	newPos := int(p.KVLastPos()) - size
	if newPos < p.offsetArrayEnd()+offsetEntrySz {
		return common.ErrInvariantViolation
	}

	buf := p.data[newPos : newPos+size]
	buf[0] = byte(len(key))
	copy(buf[1:], key)
	buf[1+len(key)] = byte(len(value))
	copy(buf[2+len(key):], value)

	filled := p.FilledSize()
	// Shift offsets [idx, filled) up by one slot to make room.
	for i := filled; i > idx; i-- {
		p.setOffsetAt(i, p.offsetAt(i-1))
	}
	p.setOffsetAt(idx, uint16(newPos))
	p.setFilledSize(filled + 1)
	p.setKVLastPos(uint16(newPos))
	p.setMaxKeyLen(byte(len(key)))
	p.SetDirty(true)
	return nil
}

// InsertChild inserts an internal-node entry (separator key, child page id).
func (p *Page) InsertChild(idx uint16, key []byte, child uint32) error {
	return p.Insert(idx, key, encodeChild(child))
}

// Remove deletes the entry at slot idx, compacting the offset array. It
// does not reclaim the record's bytes from the record area. Its caller,
// Tree.Delete, is used by the tiered store's repeat-Put refresh and its
// demotion sweep; the dead bytes stay until a split rebuilds the page or
// tiered.compactStaging rewrites the staging file at the end of a sweep.
func (p *Page) Remove(idx uint16) {
	filled := p.FilledSize()
	for i := idx; i+1 < filled; i++ {
		p.setOffsetAt(i, p.offsetAt(i+1))
	}
	p.setFilledSize(filled - 1)
	p.SetDirty(true)
}

// Records returns every decoded record in key order, used by a split to
// rebuild both halves from scratch.
func (p *Page) Records() []Record {
	n := p.FilledSize()
	out := make([]Record, n)
	for i := uint16(0); i < n; i++ {
		r := p.recordAt(i)
		out[i] = Record{Key: append([]byte(nil), r.Key...), Value: append([]byte(nil), r.Value...)}
	}
	return out
}

// Rebuild clears the page and reinserts records in order. Splits and root
// promotion use it to lay out each page afresh, which also drops any dead
// record bytes left behind by Remove.
func (p *Page) Rebuild(leaf bool, records []Record) error {
	size := len(p.data)
	for i := range p.data {
		p.data[i] = 0
	}
	p.setLeaf(leaf)
	p.setFilledSize(0)
	p.setKVLastPos(uint16(size))
	for i, r := range records {
		if err := p.Insert(uint16(i), r.Key, r.Value); err != nil {
			return err
		}
	}
	return nil
}
