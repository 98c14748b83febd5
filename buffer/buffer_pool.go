package buffer

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"relcore/common"
	"relcore/disk"
	"relcore/hash"
)

// ErrNoFreeFrame is returned by NewPage/FetchPage when every frame is
// pinned and there is no evictable frame to reclaim: spec.md §7's
// "resource exhaustion" case.
var ErrNoFreeFrame = errors.New("buffer pool: no free frame and no evictable frame")

// Pool is the core-facing contract spec.md §6 names for the buffer
// pool manager (C4).
type Pool interface {
	NewPage() (*disk.Page, error)
	FetchPage(pageID int64) (*disk.Page, error)
	UnpinPage(pageID int64, isDirty bool) bool
	FlushPage(pageID int64) bool
	FlushAllPages()
	DeletePage(pageID int64) bool
}

var _ Pool = &BufferPool{}

// BufferPool is a fixed-size page cache composing the extendible hash
// directory (C2, as its page table) and the LRU-K replacer (C3) over a
// disk backend (C1), exactly as spec.md §2 lays the core out
// bottom-up. It generalizes the teacher repo's buffer.BufferPool (same
// frame array / free-list / single-mutex shape) to the LRU-K
// replacement policy and hash-directory page table spec.md mandates in
// place of the teacher's clock replacer and bare Go map.
type BufferPool struct {
	mu sync.Mutex

	frames    []*disk.Page
	pageTable *hash.Table[int64, int]
	freeList  []int
	replacer  *LRUKReplacer
	dm        disk.Manager

	stats *common.Stats
	log   *logrus.Entry
}

func NewBufferPool(poolSize int, replacerK int, dm disk.Manager) *BufferPool {
	freeList := make([]int, poolSize)
	for i := range freeList {
		freeList[i] = i
	}

	return &BufferPool{
		frames:    make([]*disk.Page, poolSize),
		pageTable: hash.New[int64, int](func(id int64) uint64 { return uint64(id) }),
		freeList:  freeList,
		replacer:  NewLRUKReplacer(replacerK),
		dm:        dm,
		stats:     common.NewStats(),
		log:       common.NewLogger("buffer_pool"),
	}
}

// GetStats exposes the pool's running hit/miss averages, kept the way
// the teacher pack's other_examples LFU cache exposes hit-rate
// counters for tests and operators rather than logging every access.
func (b *BufferPool) GetStats() *common.Stats {
	return b.stats
}

// NewPage allocates a fresh page id, picks a frame for it, and returns a
// pinned handle with pin count 1.
func (b *BufferPool) NewPage() (*disk.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameIdx, ok := b.pickFrameLocked()
	if !ok {
		return nil, ErrNoFreeFrame
	}

	id := b.dm.AllocatePage()
	page := disk.NewPage(id)
	b.frames[frameIdx] = page
	b.pageTable.Insert(id, frameIdx)
	b.pinLocked(frameIdx)

	return page, nil
}

// FetchPage returns a pinned handle for pageID, reading through to disk
// on a page-table miss.
func (b *BufferPool) FetchPage(pageID int64) (*disk.Page, error) {
	b.mu.Lock()

	if frameIdx, ok := b.pageTable.Find(pageID); ok {
		b.pinLocked(frameIdx)
		page := b.frames[frameIdx]
		b.mu.Unlock()
		b.stats.Avg("hit_rate", 1)
		return page, nil
	}

	frameIdx, ok := b.pickFrameLocked()
	if !ok {
		b.mu.Unlock()
		return nil, ErrNoFreeFrame
	}
	b.stats.Avg("hit_rate", 0)

	page := disk.NewPage(pageID)
	b.frames[frameIdx] = page
	b.pageTable.Insert(pageID, frameIdx)
	b.pinLocked(frameIdx)
	b.mu.Unlock()

	if err := b.dm.ReadPage(pageID, page.Data()); err != nil {
		b.mu.Lock()
		b.pageTable.Remove(pageID)
		page.DecrPinCount()
		// pinLocked marked this frame non-evictable; Remove panics on a
		// non-evictable tracked frame, so undo that before removing it.
		b.replacer.SetEvictable(frameIdx, true)
		b.replacer.Remove(frameIdx)
		b.freeList = append(b.freeList, frameIdx)
		b.mu.Unlock()
		b.log.WithError(err).Errorf("read of page %d failed", pageID)
		return nil, errors.Wrapf(err, "buffer pool: fetch page %d", pageID)
	}

	return page, nil
}

// pickFrameLocked selects a frame for a page about to be loaded: the
// free list first, then the replacer's victim. Callers hold b.mu.
func (b *BufferPool) pickFrameLocked() (int, bool) {
	if n := len(b.freeList); n > 0 {
		idx := b.freeList[n-1]
		b.freeList = b.freeList[:n-1]
		return idx, true
	}

	victim, ok := b.replacer.Evict()
	if !ok {
		return 0, false
	}

	old := b.frames[victim]
	if old != nil {
		b.pageTable.Remove(old.ID())
		if old.IsDirty() {
			if err := b.dm.WritePage(old.ID(), old.Data()); err != nil {
				b.log.WithError(err).Errorf("failed to flush victim page %d before eviction", old.ID())
			}
		}
	}
	return victim, true
}

// pinLocked marks frameIdx non-evictable and records the access. Callers
// hold b.mu.
func (b *BufferPool) pinLocked(frameIdx int) {
	b.frames[frameIdx].IncrPinCount()
	b.replacer.RecordAccess(frameIdx)
	b.replacer.SetEvictable(frameIdx, false)
}

// UnpinPage decrements a page's pin count, optionally marking it dirty.
// It reports false if the page was not pinned.
func (b *BufferPool) UnpinPage(pageID int64, isDirty bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameIdx, ok := b.pageTable.Find(pageID)
	if !ok {
		return false
	}

	page := b.frames[frameIdx]
	if page.PinCount() <= 0 {
		return false
	}

	if isDirty {
		page.SetDirty()
	}
	page.DecrPinCount()
	if page.PinCount() == 0 {
		b.replacer.SetEvictable(frameIdx, true)
	}
	return true
}

// FlushPage writes a page back to disk without evicting it, clearing
// its dirty flag.
func (b *BufferPool) FlushPage(pageID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(pageID)
}

func (b *BufferPool) flushLocked(pageID int64) bool {
	frameIdx, ok := b.pageTable.Find(pageID)
	if !ok {
		return false
	}

	page := b.frames[frameIdx]
	if err := b.dm.WritePage(pageID, page.Data()); err != nil {
		b.log.WithError(err).Errorf("flush page %d failed", pageID)
		return false
	}
	page.SetClean()
	return true
}

// FlushAllPages writes back every page currently resident in the pool.
func (b *BufferPool) FlushAllPages() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, page := range b.frames {
		if page != nil {
			b.flushLocked(page.ID())
		}
	}
}

// DeletePage frees pageID's frame and deallocates its id. It fails if
// the page is currently pinned.
func (b *BufferPool) DeletePage(pageID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameIdx, ok := b.pageTable.Find(pageID)
	if !ok {
		return true
	}

	page := b.frames[frameIdx]
	if page.PinCount() > 0 {
		return false
	}

	b.pageTable.Remove(pageID)
	b.replacer.Remove(frameIdx)
	b.frames[frameIdx] = nil
	b.freeList = append(b.freeList, frameIdx)
	b.dm.DeallocatePage(pageID)
	return true
}

// GetPinCount returns the pin count of a resident page, for tests.
func (b *BufferPool) GetPinCount(pageID int64) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	frameIdx, ok := b.pageTable.Find(pageID)
	if !ok {
		return 0, false
	}
	return b.frames[frameIdx].PinCount(), true
}
