package buffer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"relcore/buffer"
)

func TestHistoryEvictedBeforeCache(t *testing.T) {
	r := buffer.NewLRUKReplacer(2)

	// frame 0 reaches k=2 accesses, moving into cache.
	r.RecordAccess(0)
	r.RecordAccess(0)
	r.SetEvictable(0, true)

	// frame 1 has a single access; it stays in history.
	r.RecordAccess(1)
	r.SetEvictable(1, true)

	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, 1, victim, "history (frame 1, <k accesses) must be evicted before cache")
}

func TestSizeTracksEvictableCount(t *testing.T) {
	r := buffer.NewLRUKReplacer(2)

	r.RecordAccess(0)
	r.RecordAccess(1)
	require.Equal(t, 0, r.Size())

	r.SetEvictable(0, true)
	r.SetEvictable(1, true)
	require.Equal(t, 2, r.Size())

	r.SetEvictable(0, false)
	require.Equal(t, 1, r.Size())
}

func TestSetEvictableToggle_IsIdempotentOnSize(t *testing.T) {
	r := buffer.NewLRUKReplacer(2)
	r.RecordAccess(0)

	r.SetEvictable(0, true)
	r.SetEvictable(0, false)
	require.Equal(t, 0, r.Size())
}

func TestCacheEvictsColdestFirst(t *testing.T) {
	r := buffer.NewLRUKReplacer(1) // k=1: every access lands directly in cache.

	r.RecordAccess(0)
	r.SetEvictable(0, true)
	r.RecordAccess(1)
	r.SetEvictable(1, true)
	r.RecordAccess(2)
	r.SetEvictable(2, true)

	// touch frame 0 again, making frame 1 the coldest.
	r.RecordAccess(0)

	victim, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, 1, victim)
}

func TestEvict_EmptyReplacer(t *testing.T) {
	r := buffer.NewLRUKReplacer(2)
	_, ok := r.Evict()
	require.False(t, ok)
}
