package btree

import (
	"relcore/common"
	"relcore/concurrency"
)

// Iterator walks the leaf chain in key order, holding only the current
// leaf's read latch and pin at any given time, mirroring the teacher
// repo's indexIterator over PersistentLeafNode.GetNext.
type Iterator struct {
	tree *BTree
	leaf *LeafNode
	idx  int
	done bool
}

// Begin returns an iterator positioned at the smallest key in the
// tree.
func (t *BTree) Begin() (*Iterator, error) {
	t.rootLock.RLock()
	rootID := t.rootPageID
	t.rootLock.RUnlock()

	node, err := t.fetchNode(rootID)
	if err != nil {
		return nil, err
	}
	node.RLatch()
	for !node.IsLeaf() {
		childID := node.GetValueAt(0).(int64)
		child, err := t.fetchNode(childID)
		if err != nil {
			node.RUnlatch()
			t.pool.UnpinPage(node.PageID(), false)
			return nil, err
		}
		child.RLatch()
		node.RUnlatch()
		t.pool.UnpinPage(node.PageID(), false)
		node = child
	}

	leaf := node.(*LeafNode)
	return &Iterator{tree: t, leaf: leaf, idx: 0, done: leaf.KeyLen() == 0}, nil
}

// BeginAt returns an iterator positioned at the smallest key greater
// than or equal to key.
func (t *BTree) BeginAt(key common.Key) (*Iterator, error) {
	t.rootLock.RLock()
	rootID := t.rootPageID
	t.rootLock.RUnlock()

	node, err := t.fetchNode(rootID)
	if err != nil {
		return nil, err
	}
	node.RLatch()
	for !node.IsLeaf() {
		idx, found := node.FindKey(key)
		if found {
			idx++
		}
		childID := node.GetValueAt(idx).(int64)
		child, err := t.fetchNode(childID)
		if err != nil {
			node.RUnlatch()
			t.pool.UnpinPage(node.PageID(), false)
			return nil, err
		}
		child.RLatch()
		node.RUnlatch()
		t.pool.UnpinPage(node.PageID(), false)
		node = child
	}

	leaf := node.(*LeafNode)
	idx, _ := leaf.FindKey(key)
	it := &Iterator{tree: t, leaf: leaf, idx: idx}
	if idx >= leaf.KeyLen() {
		// every key in this leaf is smaller than key: continue on the next leaf.
		it.idx = leaf.KeyLen() - 1
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// End reports whether the iterator has exhausted the index.
func (it *Iterator) End() bool { return it.done }

// Key returns the key at the iterator's current position.
func (it *Iterator) Key() common.Key { return it.leaf.GetKeyAt(it.idx) }

// Value returns the RID at the iterator's current position.
func (it *Iterator) Value() concurrency.RID { return it.leaf.GetValueAt(it.idx).(concurrency.RID) }

// Next advances the iterator, rolling onto the next leaf when the
// current one is exhausted.
func (it *Iterator) Next() error {
	if it.done {
		return nil
	}
	it.idx++
	if it.idx < it.leaf.KeyLen() {
		return nil
	}

	nextID := it.leaf.NextLeaf()
	it.leaf.RUnlatch()
	it.tree.pool.UnpinPage(it.leaf.PageID(), false)

	if nextID == common.InvalidPageID {
		it.leaf = nil
		it.done = true
		return nil
	}

	node, err := it.tree.fetchNode(nextID)
	if err != nil {
		it.leaf = nil
		it.done = true
		return err
	}
	node.RLatch()
	leaf := node.(*LeafNode)
	if leaf.KeyLen() == 0 {
		it.leaf = leaf
		it.idx = 0
		it.done = true
		return nil
	}
	it.leaf = leaf
	it.idx = 0
	return nil
}

// Close releases the latch and pin the iterator currently holds. Safe
// to call after the iterator has already reached End().
func (it *Iterator) Close() {
	if it.leaf == nil {
		return
	}
	it.leaf.RUnlatch()
	it.tree.pool.UnpinPage(it.leaf.PageID(), false)
	it.leaf = nil
}
