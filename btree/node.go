package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"relcore/common"
	"relcore/concurrency"
	"relcore/disk"
)

// ridSize is the on-page width of a concurrency.RID (PageID int64 +
// SlotIdx int32), written/read with binary.BigEndian the same way the
// teacher repo's SlotPointerValueSerializer packs its two fields.
const ridSize = 12

// pointerSize is the on-page width of a child page id.
const pointerSize = 8

// nodeHeader is the fixed prefix of every B+ tree page: whether it is
// a leaf, how many keys it holds, and (leaves only) the page id of the
// next leaf in key order, ported from the teacher repo's
// PersistentNodeHeader.
type nodeHeader struct {
	IsLeaf int8
	KeyLen int16
	Next   int64
}

const nodeHeaderSize = 11 // 1 + 2 + 8, packed tightly by binary.Write/Read

func readHeader(data []byte) nodeHeader {
	var h nodeHeader
	_ = binary.Read(bytes.NewReader(data[:nodeHeaderSize]), binary.BigEndian, &h)
	return h
}

func writeHeader(h nodeHeader, data []byte) {
	buf := bytes.Buffer{}
	_ = binary.Write(&buf, binary.BigEndian, h)
	copy(data, buf.Bytes())
}

// Node is the common contract the tree driver in btree.go operates
// through, generalizing the teacher repo's nodes.Node interface from a
// variable-key, single-pointer-type draft to this module's fixed-width
// key layout split cleanly between LeafNode and InternalNode.
type Node interface {
	IsLeaf() bool
	PageID() int64
	KeyLen() int
	FindKey(key common.Key) (index int, found bool)
	GetKeyAt(idx int) common.Key
	SetKeyAt(idx int, key common.Key)
	GetValueAt(idx int) interface{} // concurrency.RID for a leaf, int64 child id for internal
	InsertAt(idx int, key common.Key, val interface{})
	DeleteAt(idx int)
	IsOverflow(max int) bool
	IsUnderflow(max int) bool
	IsSafeForSplit(max int) bool
	IsSafeForMerge(max int) bool

	NextLeaf() int64
	SetNextLeaf(id int64)

	RLatch()
	RUnlatch()
	WLatch()
	WUnlatch()

	markDirty()
}

// LeafNode wraps a disk page laid out as: header, then KeyLen entries
// of (key, RID) packed tightly.
type LeafNode struct {
	page       *disk.Page
	serializer KeySerializer
}

func newLeafNode(page *disk.Page, s KeySerializer) *LeafNode {
	n := &LeafNode{page: page, serializer: s}
	writeHeader(nodeHeader{IsLeaf: 1, KeyLen: 0, Next: common.InvalidPageID}, page.Data())
	page.SetDirty()
	return n
}

func wrapLeafNode(page *disk.Page, s KeySerializer) *LeafNode {
	return &LeafNode{page: page, serializer: s}
}

func (n *LeafNode) entrySize() int { return n.serializer.Size() + ridSize }

func (n *LeafNode) IsLeaf() bool    { return true }
func (n *LeafNode) PageID() int64   { return n.page.ID() }
func (n *LeafNode) KeyLen() int     { return int(readHeader(n.page.Data()).KeyLen) }
func (n *LeafNode) NextLeaf() int64 { return readHeader(n.page.Data()).Next }

func (n *LeafNode) SetNextLeaf(id int64) {
	data := n.page.Data()
	h := readHeader(data)
	h.Next = id
	writeHeader(h, data)
	n.markDirty()
}

func (n *LeafNode) offsetOf(idx int) int { return nodeHeaderSize + idx*n.entrySize() }

func (n *LeafNode) GetKeyAt(idx int) common.Key {
	off := n.offsetOf(idx)
	return n.serializer.Deserialize(n.page.Data()[off:])
}

func (n *LeafNode) SetKeyAt(idx int, key common.Key) {
	off := n.offsetOf(idx)
	copy(n.page.Data()[off:], n.serializer.Serialize(key))
	n.markDirty()
}

func (n *LeafNode) GetValueAt(idx int) interface{} {
	off := n.offsetOf(idx) + n.serializer.Size()
	data := n.page.Data()[off : off+ridSize]
	return concurrency.RID{
		PageID:  int64(binary.BigEndian.Uint64(data[0:8])),
		SlotIdx: int32(binary.BigEndian.Uint32(data[8:12])),
	}
}

func (n *LeafNode) setValueAt(idx int, rid concurrency.RID) {
	off := n.offsetOf(idx) + n.serializer.Size()
	data := n.page.Data()[off : off+ridSize]
	binary.BigEndian.PutUint64(data[0:8], uint64(rid.PageID))
	binary.BigEndian.PutUint32(data[8:12], uint32(rid.SlotIdx))
	n.markDirty()
}

func (n *LeafNode) FindKey(key common.Key) (index int, found bool) {
	return findKeyLinear(n.KeyLen(), func(i int) common.Key { return n.GetKeyAt(i) }, key)
}

func (n *LeafNode) InsertAt(idx int, key common.Key, val interface{}) {
	data := n.page.Data()
	h := readHeader(data)
	shift := int(h.KeyLen) - idx
	if shift > 0 {
		src := nodeHeaderSize + idx*n.entrySize()
		dst := src + n.entrySize()
		copy(data[dst:dst+shift*n.entrySize()], data[src:src+shift*n.entrySize()])
	}
	h.KeyLen++
	writeHeader(h, data)
	n.SetKeyAt(idx, key)
	n.setValueAt(idx, val.(concurrency.RID))
}

func (n *LeafNode) DeleteAt(idx int) {
	data := n.page.Data()
	h := readHeader(data)
	shift := int(h.KeyLen) - idx - 1
	if shift > 0 {
		dst := nodeHeaderSize + idx*n.entrySize()
		src := dst + n.entrySize()
		copy(data[dst:dst+shift*n.entrySize()], data[src:src+shift*n.entrySize()])
	}
	h.KeyLen--
	writeHeader(h, data)
}

func (n *LeafNode) IsOverflow(max int) bool   { return n.KeyLen() == max }
func (n *LeafNode) IsUnderflow(max int) bool  { return n.KeyLen() < (max+1)/2 }
func (n *LeafNode) IsSafeForSplit(max int) bool { return n.KeyLen()+1 < max }
func (n *LeafNode) IsSafeForMerge(max int) bool { return n.KeyLen() > (max+1)/2 }

func (n *LeafNode) RLatch()   { n.page.RLatch() }
func (n *LeafNode) RUnlatch() { n.page.RUnlatch() }
func (n *LeafNode) WLatch()   { n.page.WLatch() }
func (n *LeafNode) WUnlatch() { n.page.WUnlatch() }
func (n *LeafNode) markDirty() { n.page.SetDirty() }

// InternalNode wraps a disk page laid out as: header, first child
// pointer, then KeyLen entries of (key, child pointer).
type InternalNode struct {
	page       *disk.Page
	serializer KeySerializer
}

func newInternalNode(page *disk.Page, firstChild int64, s KeySerializer) *InternalNode {
	n := &InternalNode{page: page, serializer: s}
	writeHeader(nodeHeader{IsLeaf: 0, KeyLen: 0}, page.Data())
	n.setChildAt(0, firstChild)
	page.SetDirty()
	return n
}

func wrapInternalNode(page *disk.Page, s KeySerializer) *InternalNode {
	return &InternalNode{page: page, serializer: s}
}

func (n *InternalNode) entrySize() int { return n.serializer.Size() + pointerSize }

func (n *InternalNode) IsLeaf() bool  { return false }
func (n *InternalNode) PageID() int64 { return n.page.ID() }
func (n *InternalNode) KeyLen() int   { return int(readHeader(n.page.Data()).KeyLen) }

func (n *InternalNode) NextLeaf() int64      { panic("internal node has no leaf sibling") }
func (n *InternalNode) SetNextLeaf(id int64) { panic("internal node has no leaf sibling") }

// key i (0-indexed) sits between child i and child i+1.
func (n *InternalNode) keyOffset(i int) int { return nodeHeaderSize + pointerSize + i*n.entrySize() }
func (n *InternalNode) childOffset(i int) int {
	if i == 0 {
		return nodeHeaderSize
	}
	return nodeHeaderSize + pointerSize + (i-1)*n.entrySize() + n.serializer.Size()
}

func (n *InternalNode) GetKeyAt(idx int) common.Key {
	off := n.keyOffset(idx)
	return n.serializer.Deserialize(n.page.Data()[off:])
}

func (n *InternalNode) SetKeyAt(idx int, key common.Key) {
	off := n.keyOffset(idx)
	copy(n.page.Data()[off:], n.serializer.Serialize(key))
	n.markDirty()
}

func (n *InternalNode) GetValueAt(idx int) interface{} { return n.getChildAt(idx) }

func (n *InternalNode) getChildAt(idx int) int64 {
	off := n.childOffset(idx)
	return int64(binary.BigEndian.Uint64(n.page.Data()[off : off+8]))
}

func (n *InternalNode) setChildAt(idx int, child int64) {
	off := n.childOffset(idx)
	binary.BigEndian.PutUint64(n.page.Data()[off:off+8], uint64(child))
	n.markDirty()
}

func (n *InternalNode) FindKey(key common.Key) (index int, found bool) {
	return findKeyLinear(n.KeyLen(), func(i int) common.Key { return n.GetKeyAt(i) }, key)
}

// InsertAt places (key, child) so that child becomes the child
// immediately to the right of key, shifting later entries right.
func (n *InternalNode) InsertAt(idx int, key common.Key, val interface{}) {
	data := n.page.Data()
	h := readHeader(data)
	shift := int(h.KeyLen) - idx
	if shift > 0 {
		src := n.keyOffset(idx)
		dst := n.keyOffset(idx + 1)
		copy(data[dst:dst+shift*n.entrySize()], data[src:src+shift*n.entrySize()])
	}
	h.KeyLen++
	writeHeader(h, data)
	n.SetKeyAt(idx, key)
	n.setChildAt(idx+1, val.(int64))
}

// DeleteAt removes key idx together with the child to its right
// (child idx+1), the inverse of InsertAt.
func (n *InternalNode) DeleteAt(idx int) {
	data := n.page.Data()
	h := readHeader(data)
	shift := int(h.KeyLen) - idx - 1
	if shift > 0 {
		dst := n.keyOffset(idx)
		src := n.keyOffset(idx + 1)
		copy(data[dst:dst+shift*n.entrySize()], data[src:src+shift*n.entrySize()])
	}
	h.KeyLen--
	writeHeader(h, data)
}

func (n *InternalNode) IsOverflow(max int) bool    { return n.KeyLen() == max }
func (n *InternalNode) IsUnderflow(max int) bool   { return n.KeyLen()+1 < (max+1)/2 }
func (n *InternalNode) IsSafeForSplit(max int) bool  { return n.KeyLen()+1 < max }
func (n *InternalNode) IsSafeForMerge(max int) bool  { return n.KeyLen()+1 > (max+1)/2 }

func (n *InternalNode) RLatch()    { n.page.RLatch() }
func (n *InternalNode) RUnlatch()  { n.page.RUnlatch() }
func (n *InternalNode) WLatch()    { n.page.WLatch() }
func (n *InternalNode) WUnlatch()  { n.page.WUnlatch() }
func (n *InternalNode) markDirty() { n.page.SetDirty() }

// findKeyLinear is the sort.Search-based lookup every node's FindKey
// delegates to, ported from the teacher repo's Keys.find /
// PersistentLeafNode.findKey.
func findKeyLinear(n int, at func(int) common.Key, key common.Key) (index int, found bool) {
	i := sort.Search(n, func(i int) bool { return key.Less(at(i)) })
	if i > 0 && !at(i-1).Less(key) {
		return i - 1, true
	}
	return i, false
}
