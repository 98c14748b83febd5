package buffer_test

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"relcore/buffer"
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

// failingDiskManager is a disk.Manager stub whose ReadPage always
// fails, used to exercise FetchPage's cold-miss error path without
// needing a truncated or corrupt backing file.
type failingDiskManager struct {
	nextPageID atomic.Int64
}

func (f *failingDiskManager) ReadPage(id int64, dest []byte) error {
	return errors.New("failingDiskManager: simulated read failure")
}

func (f *failingDiskManager) WritePage(id int64, src []byte) error { return nil }

func (f *failingDiskManager) AllocatePage() int64 { return f.nextPageID.Add(1) - 1 }

func (f *failingDiskManager) DeallocatePage(id int64) {}

func (f *failingDiskManager) Close() error { return nil }

var _ disk.Manager = &failingDiskManager{}

// TestPoolChurn: pool size 10, k=2. Ten NewPage calls succeed; the
// eleventh fails because every frame is pinned; unpinning the first
// page (dirty) lets NewPage succeed again by evicting it. Once that new
// page is unpinned as well, FetchPage reads the first page back from
// disk with its content intact.
func TestPoolChurn(t *testing.T) {
	bp := newPool(t, 10, 2)

	var first *disk.Page
	for i := 0; i < 10; i++ {
		p, err := bp.NewPage()
		require.NoError(t, err)
		if i == 0 {
			first = p
			copy(first.Data(), []byte("hello"))
		}
	}

	_, err := bp.NewPage()
	require.ErrorIs(t, err, buffer.ErrNoFreeFrame)

	require.True(t, bp.UnpinPage(first.ID(), true))

	p, err := bp.NewPage()
	require.NoError(t, err)
	require.True(t, bp.UnpinPage(p.ID(), false))

	refetched, err := bp.FetchPage(first.ID())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), refetched.Data()[:5])
}

func TestUnpinAlreadyZero_ReturnsFalse(t *testing.T) {
	bp := newPool(t, 4, 2)

	p, err := bp.NewPage()
	require.NoError(t, err)

	require.True(t, bp.UnpinPage(p.ID(), false))
	require.False(t, bp.UnpinPage(p.ID(), false))
}

func TestDeletePage_FailsWhilePinned(t *testing.T) {
	bp := newPool(t, 4, 2)

	p, err := bp.NewPage()
	require.NoError(t, err)

	require.False(t, bp.DeletePage(p.ID()))

	require.True(t, bp.UnpinPage(p.ID(), false))
	require.True(t, bp.DeletePage(p.ID()))
}

func TestFlushPage_ClearsDirtyAndPersists(t *testing.T) {
	bp := newPool(t, 4, 2)

	p, err := bp.NewPage()
	require.NoError(t, err)
	copy(p.Data(), []byte("flushme"))
	p.SetDirty()

	require.True(t, bp.FlushPage(p.ID()))
	require.False(t, p.IsDirty())

	_, ok := bp.GetPinCount(p.ID())
	require.True(t, ok)
}

// TestFetchPage_ColdMissDiskReadFailure_ReturnsErrorAndFreesFrame
// covers a disk read failure on a page the pool has never seen before:
// FetchPage must return the wrapped error rather than panic, and the
// frame it provisionally claimed must be usable again afterward.
func TestFetchPage_ColdMissDiskReadFailure_ReturnsErrorAndFreesFrame(t *testing.T) {
	bp := buffer.NewBufferPool(2, 2, &failingDiskManager{})

	_, err := bp.FetchPage(7)
	require.Error(t, err)

	p, err := bp.NewPage()
	require.NoError(t, err)
	require.NotNil(t, p)
}

// TestGetStats_TracksHitRateAcrossHitThenMiss reproduces a scripted
// hit/miss sequence and asserts the accumulated hit rate GetStats
// reports, so the stats tracker is exercised by an actual reader.
func TestGetStats_TracksHitRateAcrossHitThenMiss(t *testing.T) {
	bp := newPool(t, 4, 2)

	p, err := bp.NewPage()
	require.NoError(t, err)
	require.True(t, bp.UnpinPage(p.ID(), false))

	// First FetchPage after NewPage's unpin is a page-table hit; a
	// FetchPage for an id never resident is a cold miss.
	_, err = bp.FetchPage(p.ID())
	require.NoError(t, err)

	_, err = bp.FetchPage(p.ID() + 100)
	require.NoError(t, err)

	stats := bp.GetStats()
	require.InDelta(t, 0.5, stats.Mean("hit_rate"), 1e-9)
}

func TestFlushAllPages_WritesEveryDirtyPage(t *testing.T) {
	bp := newPool(t, 4, 2)

	pages := make([]*disk.Page, 0, 4)
	for i := 0; i < 4; i++ {
		p, err := bp.NewPage()
		require.NoError(t, err)
		copy(p.Data(), []byte{byte(i + 1)})
		p.SetDirty()
		pages = append(pages, p)
	}

	bp.FlushAllPages()

	for _, p := range pages {
		require.False(t, p.IsDirty())
		cnt, ok := bp.GetPinCount(p.ID())
		require.True(t, ok)
		require.Equal(t, 1, cnt)
	}
}
