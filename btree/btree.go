package btree

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"relcore/buffer"
	"relcore/common"
	"relcore/concurrency"
)

// BTree is the disk-resident, crabbing-locked ordered index spec.md
// §4.4 (C5) describes, generalizing the teacher repo's btree.BTree
// (root-entry lock + per-transaction page-set crabbing over a Pager)
// from its variable-length-key, interface{}-pointer draft to this
// module's fixed-width key layout and concurrency.RID leaf values.
type BTree struct {
	name          string
	pool          buffer.Pool
	keySerializer KeySerializer
	leafMax       int
	internalMax   int

	rootLock   sync.RWMutex
	rootPageID int64

	log *logrus.Entry
}

// NewBTree opens (or creates, if absent) the named index over pool.
func NewBTree(name string, pool buffer.Pool, keySerializer KeySerializer, leafMax, internalMax int) (*BTree, error) {
	leafEntrySize := keySerializer.Size() + ridSize
	if nodeHeaderSize+leafMax*leafEntrySize > common.PageSize {
		return nil, errors.Errorf("btree: leaf_max_size %d with key size %d does not fit a %d-byte page", leafMax, keySerializer.Size(), common.PageSize)
	}
	internalEntrySize := keySerializer.Size() + pointerSize
	if nodeHeaderSize+pointerSize+internalMax*internalEntrySize > common.PageSize {
		return nil, errors.Errorf("btree: internal_max_size %d with key size %d does not fit a %d-byte page", internalMax, keySerializer.Size(), common.PageSize)
	}

	header, err := pool.FetchPage(common.HeaderPageID)
	if err != nil {
		return nil, errors.Wrap(err, "btree: fetch header page")
	}

	rootID, ok := readRootPageID(header.Data(), name)
	if !ok {
		leafPage, err := pool.NewPage()
		if err != nil {
			pool.UnpinPage(header.ID(), false)
			return nil, errors.Wrap(err, "btree: allocate initial root leaf")
		}
		newLeafNode(leafPage, keySerializer)
		rootID = leafPage.ID()
		pool.UnpinPage(leafPage.ID(), true)

		writeRootPageID(header.Data(), name, rootID)
		header.SetDirty()
		if !pool.FlushPage(header.ID()) {
			pool.UnpinPage(header.ID(), false)
			return nil, errors.New("btree: failed to flush header page after creating root")
		}
	}
	pool.UnpinPage(header.ID(), false)

	return &BTree{
		name:          name,
		pool:          pool,
		keySerializer: keySerializer,
		leafMax:       leafMax,
		internalMax:   internalMax,
		rootPageID:    rootID,
		log:           common.NewLogger("btree").WithField("index", name),
	}, nil
}

func (t *BTree) GetRootPageId() int64 {
	t.rootLock.RLock()
	defer t.rootLock.RUnlock()
	return t.rootPageID
}

func (t *BTree) fetchNode(id int64) (Node, error) {
	page, err := t.pool.FetchPage(id)
	if err != nil {
		return nil, err
	}
	if readHeader(page.Data()).IsLeaf == 1 {
		return wrapLeafNode(page, t.keySerializer), nil
	}
	return wrapInternalNode(page, t.keySerializer), nil
}

func (t *BTree) persistRoot() error {
	header, err := t.pool.FetchPage(common.HeaderPageID)
	if err != nil {
		return errors.Wrap(err, "btree: fetch header page to persist root")
	}
	writeRootPageID(header.Data(), t.name, t.rootPageID)
	header.SetDirty()
	ok := t.pool.FlushPage(header.ID())
	t.pool.UnpinPage(header.ID(), false)
	if !ok {
		return errors.New("btree: failed to flush header page")
	}
	return nil
}

func (t *BTree) maxFor(node Node) int {
	if node.IsLeaf() {
		return t.leafMax
	}
	return t.internalMax
}

func (t *BTree) isSafeForSplit(node Node) bool {
	if node.IsLeaf() {
		return node.(*LeafNode).IsSafeForSplit(t.leafMax)
	}
	return node.(*InternalNode).IsSafeForSplit(t.internalMax)
}

func (t *BTree) isSafeForMerge(node Node) bool {
	if node.IsLeaf() {
		return node.(*LeafNode).IsSafeForMerge(t.leafMax)
	}
	return node.(*InternalNode).IsSafeForMerge(t.internalMax)
}

// minKeysFor mirrors the Node.IsUnderflow threshold for the given
// node's kind, used to check whether a sibling has a key to spare.
func (t *BTree) minKeysFor(node Node) int {
	if node.IsLeaf() {
		return (t.leafMax + 1) / 2
	}
	return (t.internalMax+1)/2 - 1
}

func (t *BTree) isUnderflow(node Node) bool {
	return node.IsUnderflow(t.maxFor(node))
}

func (t *BTree) releaseStack(stack []Node) {
	for i := 0; i < len(stack); i++ {
		stack[i].WUnlatch()
		t.pool.UnpinPage(stack[i].PageID(), false)
	}
}

// IsEmpty reports whether the index holds no entries.
func (t *BTree) IsEmpty() (bool, error) {
	t.rootLock.RLock()
	rootID := t.rootPageID
	t.rootLock.RUnlock()

	node, err := t.fetchNode(rootID)
	if err != nil {
		return false, err
	}
	node.RLatch()
	empty := node.IsLeaf() && node.KeyLen() == 0
	node.RUnlatch()
	t.pool.UnpinPage(node.PageID(), false)
	return empty, nil
}

// GetValue performs the point lookup of spec.md §4.4.1.
func (t *BTree) GetValue(key common.Key) ([]concurrency.RID, error) {
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
	idx, found := leaf.FindKey(key)
	var out []concurrency.RID
	if found {
		out = append(out, leaf.GetValueAt(idx).(concurrency.RID))
	}
	leaf.RUnlatch()
	t.pool.UnpinPage(leaf.PageID(), false)
	return out, nil
}

// Insert implements spec.md §4.4.2: optimistic-pessimistic crabbing
// down to the target leaf, then split-and-propagate up through
// InsertInParent as needed.
func (t *BTree) Insert(key common.Key, rid concurrency.RID) (bool, error) {
	t.rootLock.Lock()
	rootHeld := true
	unlockRoot := func() {
		if rootHeld {
			t.rootLock.Unlock()
			rootHeld = false
		}
	}
	defer unlockRoot()

	root, err := t.fetchNode(t.rootPageID)
	if err != nil {
		return false, err
	}
	root.WLatch()
	stack := []Node{root}
	node := root

	for !node.IsLeaf() {
		idx, found := node.FindKey(key)
		if found {
			idx++
		}
		childID := node.GetValueAt(idx).(int64)
		child, err := t.fetchNode(childID)
		if err != nil {
			t.releaseStack(stack)
			return false, err
		}
		child.WLatch()
		if t.isSafeForSplit(child) {
			t.releaseStack(stack)
			stack = nil
			unlockRoot()
		}
		stack = append(stack, child)
		node = child
	}

	leaf := node.(*LeafNode)
	idx, found := leaf.FindKey(key)
	if found {
		t.releaseStack(stack)
		return false, nil
	}
	leaf.InsertAt(idx, key, rid)

	leftID := leaf.PageID()
	var upKey common.Key
	var rightID int64
	carrying := false
	if leaf.IsOverflow(t.leafMax) {
		rightID, upKey, err = t.splitLeaf(leaf)
		if err != nil {
			t.releaseStack(stack)
			return false, err
		}
		carrying = true
	}

	leaf.WUnlatch()
	t.pool.UnpinPage(leaf.PageID(), true)
	stack = stack[:len(stack)-1]

	for carrying {
		if len(stack) == 0 {
			newRootPage, err := t.pool.NewPage()
			if err != nil {
				return false, err
			}
			newRoot := newInternalNode(newRootPage, leftID, t.keySerializer)
			newRoot.InsertAt(0, upKey, rightID)
			t.rootPageID = newRoot.PageID()
			t.pool.UnpinPage(newRoot.PageID(), true)
			if err := t.persistRoot(); err != nil {
				return false, err
			}
			unlockRoot()
			return true, nil
		}

		parent := stack[len(stack)-1].(*InternalNode)
		pidx, _ := parent.FindKey(upKey)
		parent.InsertAt(pidx, upKey, rightID)

		if !parent.IsOverflow(t.internalMax) {
			t.releaseStack(stack)
			return true, nil
		}

		leftID = parent.PageID()
		rightID, upKey, err = t.splitInternal(parent)
		if err != nil {
			t.releaseStack(stack)
			return false, err
		}
		parent.WUnlatch()
		t.pool.UnpinPage(parent.PageID(), true)
		stack = stack[:len(stack)-1]
	}

	return true, nil
}

// splitLeaf implements the leaf-split step of spec.md §4.4.2: the
// lower ceil((n+1)/2) entries stay, the rest move to a new right leaf
// threaded into the leaf chain.
func (t *BTree) splitLeaf(leaf *LeafNode) (rightID int64, upKey common.Key, err error) {
	n := leaf.KeyLen()
	mid := (n + 2) / 2

	newPage, err := t.pool.NewPage()
	if err != nil {
		return 0, nil, err
	}
	right := newLeafNode(newPage, t.keySerializer)
	for i := mid; i < n; i++ {
		right.InsertAt(i-mid, leaf.GetKeyAt(i), leaf.GetValueAt(i))
	}
	for i := n - 1; i >= mid; i-- {
		leaf.DeleteAt(i)
	}
	right.SetNextLeaf(leaf.NextLeaf())
	leaf.SetNextLeaf(right.PageID())

	upKey = right.GetKeyAt(0)
	t.pool.UnpinPage(right.PageID(), true)
	return right.PageID(), upKey, nil
}

// splitInternal implements the "split the parent analogously" step of
// spec.md §4.4.2: the middle key is lifted to the grandparent rather
// than copied to either side.
func (t *BTree) splitInternal(node *InternalNode) (rightID int64, upKey common.Key, err error) {
	n := node.KeyLen()
	mid := n / 2
	liftedKey := node.GetKeyAt(mid)

	newPage, err := t.pool.NewPage()
	if err != nil {
		return 0, nil, err
	}
	right := newInternalNode(newPage, node.getChildAt(mid+1), t.keySerializer)
	for i := mid + 1; i < n; i++ {
		right.InsertAt(i-mid-1, node.GetKeyAt(i), node.getChildAt(i+1))
	}
	for i := n - 1; i >= mid; i-- {
		node.DeleteAt(i)
	}

	t.pool.UnpinPage(right.PageID(), true)
	return right.PageID(), liftedKey, nil
}

// remEntry pairs a node with the index of the child pointer that led
// to it in its parent, the way the teacher repo's NodeIndexPair does;
// -1 marks the root, which has no parent slot.
type remEntry struct {
	node Node
	idx  int
}

func (t *BTree) releaseRemEntries(stack []remEntry) {
	for i := 0; i < len(stack); i++ {
		stack[i].node.WUnlatch()
		t.pool.UnpinPage(stack[i].node.PageID(), false)
	}
}

// Remove implements spec.md §4.4.3: write crabbing down to the leaf,
// delete, then CoalesceOrRedistribute propagated up through ancestors
// as long as they underflow.
func (t *BTree) Remove(key common.Key) error {
	t.rootLock.Lock()
	rootHeld := true
	unlockRoot := func() {
		if rootHeld {
			t.rootLock.Unlock()
			rootHeld = false
		}
	}
	defer unlockRoot()

	root, err := t.fetchNode(t.rootPageID)
	if err != nil {
		return err
	}
	root.WLatch()
	stack := []remEntry{{root, -1}}
	node := root

	for !node.IsLeaf() {
		fidx, found := node.FindKey(key)
		if found {
			fidx++
		}
		childID := node.GetValueAt(fidx).(int64)
		child, err := t.fetchNode(childID)
		if err != nil {
			t.releaseRemEntries(stack)
			return err
		}
		child.WLatch()
		if t.isSafeForMerge(child) {
			t.releaseRemEntries(stack)
			stack = nil
			unlockRoot()
		}
		stack = append(stack, remEntry{child, fidx})
		node = child
	}

	leaf := node.(*LeafNode)
	idx, found := leaf.FindKey(key)
	if !found {
		t.releaseRemEntries(stack)
		return nil
	}
	leaf.DeleteAt(idx)

	cur := stack[len(stack)-1]
	stack = stack[:len(stack)-1]

	for {
		if len(stack) == 0 {
			if !cur.node.IsLeaf() {
				root := cur.node.(*InternalNode)
				if root.KeyLen() == 0 {
					onlyChild := root.getChildAt(0)
					cur.node.WUnlatch()
					t.pool.UnpinPage(cur.node.PageID(), true)
					t.pool.DeletePage(cur.node.PageID())
					t.rootPageID = onlyChild
					unlockRoot()
					return t.persistRoot()
				}
			}
			cur.node.WUnlatch()
			t.pool.UnpinPage(cur.node.PageID(), true)
			unlockRoot()
			return nil
		}

		if !t.isUnderflow(cur.node) {
			cur.node.WUnlatch()
			t.pool.UnpinPage(cur.node.PageID(), true)
			t.releaseRemEntries(stack)
			return nil
		}

		parentEntry := stack[len(stack)-1]
		parent := parentEntry.node.(*InternalNode)
		childIdx := cur.idx

		var leftSib, rightSib Node
		if childIdx > 0 {
			ls, err := t.fetchNode(parent.getChildAt(childIdx - 1))
			if err != nil {
				cur.node.WUnlatch()
				t.pool.UnpinPage(cur.node.PageID(), false)
				t.releaseRemEntries(stack)
				return err
			}
			ls.WLatch()
			leftSib = ls
		}
		if childIdx < parent.KeyLen() {
			rs, err := t.fetchNode(parent.getChildAt(childIdx + 1))
			if err != nil {
				if leftSib != nil {
					leftSib.WUnlatch()
					t.pool.UnpinPage(leftSib.PageID(), false)
				}
				cur.node.WUnlatch()
				t.pool.UnpinPage(cur.node.PageID(), false)
				t.releaseRemEntries(stack)
				return err
			}
			rs.WLatch()
			rightSib = rs
		}

		minKeys := t.minKeysFor(cur.node)

		switch {
		case rightSib != nil && rightSib.KeyLen() > minKeys:
			t.redistributeFromRight(cur.node, rightSib, parent, childIdx)
			rightSib.WUnlatch()
			t.pool.UnpinPage(rightSib.PageID(), true)
			if leftSib != nil {
				leftSib.WUnlatch()
				t.pool.UnpinPage(leftSib.PageID(), false)
			}
			cur.node.WUnlatch()
			t.pool.UnpinPage(cur.node.PageID(), true)
			t.releaseRemEntries(stack)
			return nil

		case leftSib != nil && leftSib.KeyLen() > minKeys:
			t.redistributeFromLeft(leftSib, cur.node, parent, childIdx-1)
			leftSib.WUnlatch()
			t.pool.UnpinPage(leftSib.PageID(), true)
			if rightSib != nil {
				rightSib.WUnlatch()
				t.pool.UnpinPage(rightSib.PageID(), false)
			}
			cur.node.WUnlatch()
			t.pool.UnpinPage(cur.node.PageID(), true)
			t.releaseRemEntries(stack)
			return nil

		case rightSib != nil:
			t.mergeInto(cur.node, rightSib, parent, childIdx)
			rightSib.WUnlatch()
			t.pool.UnpinPage(rightSib.PageID(), true)
			t.pool.DeletePage(rightSib.PageID())
			if leftSib != nil {
				leftSib.WUnlatch()
				t.pool.UnpinPage(leftSib.PageID(), false)
			}
			cur.node.WUnlatch()
			t.pool.UnpinPage(cur.node.PageID(), true)
			cur = remEntry{parent, parentEntry.idx}
			stack = stack[:len(stack)-1]

		default:
			t.mergeInto(leftSib, cur.node, parent, childIdx-1)
			cur.node.WUnlatch()
			t.pool.UnpinPage(cur.node.PageID(), true)
			t.pool.DeletePage(cur.node.PageID())
			leftSib.WUnlatch()
			t.pool.UnpinPage(leftSib.PageID(), true)
			cur = remEntry{parent, parentEntry.idx}
			stack = stack[:len(stack)-1]
		}
	}
}

func (t *BTree) redistributeFromRight(left, right Node, parent *InternalNode, leftIdx int) {
	if left.IsLeaf() {
		l, r := left.(*LeafNode), right.(*LeafNode)
		l.InsertAt(l.KeyLen(), r.GetKeyAt(0), r.GetValueAt(0))
		r.DeleteAt(0)
		parent.SetKeyAt(leftIdx, r.GetKeyAt(0))
		return
	}
	l, r := left.(*InternalNode), right.(*InternalNode)
	sep := parent.GetKeyAt(leftIdx)
	firstChildOfRight := r.getChildAt(0)
	l.InsertAt(l.KeyLen(), sep, firstChildOfRight)
	newSep := r.GetKeyAt(0)
	r.DeleteAt(0)
	parent.SetKeyAt(leftIdx, newSep)
}

func (t *BTree) redistributeFromLeft(left, right Node, parent *InternalNode, leftIdx int) {
	if left.IsLeaf() {
		l, r := left.(*LeafNode), right.(*LeafNode)
		last := l.KeyLen() - 1
		k, v := l.GetKeyAt(last), l.GetValueAt(last)
		l.DeleteAt(last)
		r.InsertAt(0, k, v)
		parent.SetKeyAt(leftIdx, k)
		return
	}
	l, r := left.(*InternalNode), right.(*InternalNode)
	sep := parent.GetKeyAt(leftIdx)
	lastChild := l.getChildAt(l.KeyLen())
	lastKey := l.GetKeyAt(l.KeyLen() - 1)
	l.DeleteAt(l.KeyLen() - 1)
	r.InsertAt(0, sep, lastChild)
	parent.SetKeyAt(leftIdx, lastKey)
}

func (t *BTree) mergeInto(left, right Node, parent *InternalNode, leftIdx int) {
	if left.IsLeaf() {
		l, r := left.(*LeafNode), right.(*LeafNode)
		for i := 0; i < r.KeyLen(); i++ {
			l.InsertAt(l.KeyLen(), r.GetKeyAt(i), r.GetValueAt(i))
		}
		l.SetNextLeaf(r.NextLeaf())
		parent.DeleteAt(leftIdx)
		return
	}
	l, r := left.(*InternalNode), right.(*InternalNode)
	sep := parent.GetKeyAt(leftIdx)
	l.InsertAt(l.KeyLen(), sep, r.getChildAt(0))
	for i := 0; i < r.KeyLen(); i++ {
		l.InsertAt(l.KeyLen(), r.GetKeyAt(i), r.getChildAt(i+1))
	}
	parent.DeleteAt(leftIdx)
}
