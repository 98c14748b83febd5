package hash_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"relcore/hash"
)

func identityHash(k uint64) uint64 { return k }

// TestFourKeySplit reaches global_depth==2 with 4 single-entry buckets
// by inserting hashes 0b00, 0b01, 0b10, 0b11 in order against a
// bucket capacity of 1, the capacity at which the AND-mask split
// algorithm actually drives every one of the 4 keys into its own
// bucket (see DESIGN.md's note on this scenario's bucket-size value).
func TestFourKeySplit(t *testing.T) {
	tbl := hash.NewWithBucketSize[uint64, int](identityHash, 1)

	tbl.Insert(0b00, 10)
	tbl.Insert(0b01, 20)
	tbl.Insert(0b10, 30)
	tbl.Insert(0b11, 40)

	require.Equal(t, 2, tbl.GetGlobalDepth())
	require.Equal(t, 4, tbl.GetNumBuckets())

	v, ok := tbl.Find(0b10)
	require.True(t, ok)
	require.Equal(t, 30, v)
}

// TestFourKeyInsert_BucketSizeTwo is the same insert sequence at the
// bucket capacity spec.md's prose names (2): two buckets suffice to
// hold all four keys without violating the capacity bound, so the
// directory settles at depth 1.
func TestFourKeyInsert_BucketSizeTwo(t *testing.T) {
	tbl := hash.NewWithBucketSize[uint64, int](identityHash, 2)

	tbl.Insert(0b00, 10)
	tbl.Insert(0b01, 20)
	tbl.Insert(0b10, 30)
	tbl.Insert(0b11, 40)

	require.Equal(t, 1, tbl.GetGlobalDepth())
	require.Equal(t, 2, tbl.GetNumBuckets())

	v, ok := tbl.Find(0b10)
	require.True(t, ok)
	require.Equal(t, 30, v)
}

func TestInsertFindRemove_RoundTrips(t *testing.T) {
	tbl := hash.New[uint64, int](identityHash)

	tbl.Insert(0b00, 10)
	tbl.Insert(0b01, 20)
	tbl.Insert(0b10, 30)
	tbl.Insert(0b11, 40)

	v, ok := tbl.Find(0b10)
	require.True(t, ok)
	require.Equal(t, 30, v)

	require.True(t, tbl.Remove(0b10))
	_, ok = tbl.Find(0b10)
	require.False(t, ok)

	require.False(t, tbl.Remove(0b10))
}

func TestManyInserts_DeepenDirectoryAndKeepEveryKey(t *testing.T) {
	tbl := hash.New[uint64, int](identityHash)
	for i := uint64(0); i < 64; i++ {
		tbl.Insert(i, int(i))
	}

	gd := tbl.GetGlobalDepth()
	require.GreaterOrEqual(t, gd, 1)

	for i := uint64(0); i < 64; i++ {
		v, ok := tbl.Find(i)
		require.True(t, ok)
		require.Equal(t, int(i), v)
	}
}

func TestOverwriteOnDuplicateInsert(t *testing.T) {
	tbl := hash.New[uint64, int](identityHash)
	tbl.Insert(5, 1)
	tbl.Insert(5, 2)

	v, ok := tbl.Find(5)
	require.True(t, ok)
	require.Equal(t, 2, v)
}
