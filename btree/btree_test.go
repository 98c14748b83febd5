package btree_test

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"relcore/btree"
	"relcore/buffer"
	"relcore/common"
	"relcore/concurrency"
	"relcore/disk"
)

func newPool(t *testing.T, poolSize, k int) *buffer.BufferPool {
	id, err := uuid.NewUUID()
	require.NoError(t, err)
	path := id.String() + ".db"
	t.Cleanup(func() { _ = os.Remove(path) })

	dm, err := disk.NewFileManager(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	return buffer.NewBufferPool(poolSize, k, dm)
}

func collect(t *testing.T, it *btree.Iterator) []int64 {
	var out []int64
	for !it.End() {
		out = append(out, int64(it.Key().(common.IntKey)))
		require.NoError(t, it.Next())
	}
	it.Close()
	return out
}

// TestInsertThenPartialRemove reproduces spec.md §8 scenario 3
// literally: leaf max 3, internal max 3; insert keys 1..5; Begin()
// yields 1,2,3,4,5; remove 1 and 5; iterator yields 2,3,4.
func TestInsertThenPartialRemove(t *testing.T) {
	pool := newPool(t, 64, 2)
	tree, err := btree.NewBTree("idx", pool, btree.IntKeySerializer{}, 3, 3)
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		ok, err := tree.Insert(common.IntKey(i), concurrency.RID{PageID: i, SlotIdx: 0})
		require.NoError(t, err)
		require.True(t, ok)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, collect(t, it))

	require.NoError(t, tree.Remove(common.IntKey(1)))
	require.NoError(t, tree.Remove(common.IntKey(5)))

	it, err = tree.Begin()
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3, 4}, collect(t, it))
}

// TestRemoveToSingleLeaf reproduces spec.md §8 scenario 4 literally:
// same parameters; insert 1..5 then remove 1,3,4,5: iterator yields
// only 2, the tree height may shrink, and GetRootPageId points to a
// valid leaf.
func TestRemoveToSingleLeaf(t *testing.T) {
	pool := newPool(t, 64, 2)
	tree, err := btree.NewBTree("idx", pool, btree.IntKeySerializer{}, 3, 3)
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		ok, err := tree.Insert(common.IntKey(i), concurrency.RID{PageID: i, SlotIdx: 0})
		require.NoError(t, err)
		require.True(t, ok)
	}

	for _, k := range []int64{1, 3, 4, 5} {
		require.NoError(t, tree.Remove(common.IntKey(k)))
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	require.Equal(t, []int64{2}, collect(t, it))

	rootID := tree.GetRootPageId()
	page, err := pool.FetchPage(rootID)
	require.NoError(t, err)
	pool.UnpinPage(rootID, false)
	require.NotNil(t, page)

	vals, err := tree.GetValue(common.IntKey(2))
	require.NoError(t, err)
	require.Len(t, vals, 1)
	require.Equal(t, int64(2), vals[0].PageID)
}

// TestInsertDuplicateKeyRejected covers spec.md §4.4.2's "duplicate
// key" edge case.
func TestInsertDuplicateKeyRejected(t *testing.T) {
	pool := newPool(t, 64, 2)
	tree, err := btree.NewBTree("idx", pool, btree.IntKeySerializer{}, 3, 3)
	require.NoError(t, err)

	ok, err := tree.Insert(common.IntKey(7), concurrency.RID{PageID: 7})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Insert(common.IntKey(7), concurrency.RID{PageID: 70})
	require.NoError(t, err)
	require.False(t, ok)
}

// TestRemoveMissingKeyIsNoop covers spec.md §4.4.3's "key absent" edge
// case: removing a key that was never inserted leaves the tree intact.
func TestRemoveMissingKeyIsNoop(t *testing.T) {
	pool := newPool(t, 64, 2)
	tree, err := btree.NewBTree("idx", pool, btree.IntKeySerializer{}, 3, 3)
	require.NoError(t, err)

	ok, err := tree.Insert(common.IntKey(1), concurrency.RID{PageID: 1})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tree.Remove(common.IntKey(99)))

	empty, err := tree.IsEmpty()
	require.NoError(t, err)
	require.False(t, empty)
}

// TestReopenSameIndexReusesRoot covers spec.md §4.4.4: a second
// NewBTree call against the same pool and index name finds the
// persisted root rather than creating a fresh empty one.
func TestReopenSameIndexReusesRoot(t *testing.T) {
	pool := newPool(t, 64, 2)
	tree, err := btree.NewBTree("idx", pool, btree.IntKeySerializer{}, 3, 3)
	require.NoError(t, err)

	ok, err := tree.Insert(common.IntKey(42), concurrency.RID{PageID: 42})
	require.NoError(t, err)
	require.True(t, ok)

	reopened, err := btree.NewBTree("idx", pool, btree.IntKeySerializer{}, 3, 3)
	require.NoError(t, err)
	require.Equal(t, tree.GetRootPageId(), reopened.GetRootPageId())

	vals, err := reopened.GetValue(common.IntKey(42))
	require.NoError(t, err)
	require.Len(t, vals, 1)
}
