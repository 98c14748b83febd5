package buffer

import (
	"container/list"
	"sync"
)

// LRUKReplacer implements the eviction policy spec.md §4.2 describes:
// frames with fewer than K accesses are evicted FIFO (the "history"
// list), frames with K or more are evicted LRU on their most recent
// access (the "cache" list). It generalizes the teacher repo's
// buffer.LruReplacer (an unpinned/pinned slice pair) to the two-list,
// access-counted policy spec.md mandates instead of plain LRU.
type LRUKReplacer struct {
	mu sync.Mutex

	k int64

	// history holds frames with access count < k, insertion-ordered;
	// front is the earliest inserted (first evicted).
	history *list.List
	// cache holds frames with access count >= k, ordered by the
	// recency of their most recent access; front is the coldest.
	cache *list.List

	historyElems map[int]*list.Element
	cacheElems   map[int]*list.Element

	accessCount map[int]int64
	evictable   map[int]bool

	clock int64
}

func NewLRUKReplacer(k int) *LRUKReplacer {
	return &LRUKReplacer{
		k:            int64(k),
		history:      list.New(),
		cache:        list.New(),
		historyElems: map[int]*list.Element{},
		cacheElems:   map[int]*list.Element{},
		accessCount:  map[int]int64{},
		evictable:    map[int]bool{},
	}
}

// RecordAccess bumps frameId's access count and moves it between the
// history and cache lists as described in spec.md §4.2.
func (r *LRUKReplacer) RecordAccess(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clock++
	r.accessCount[frameID]++
	count := r.accessCount[frameID]

	switch {
	case count < r.k:
		if _, ok := r.historyElems[frameID]; !ok {
			r.historyElems[frameID] = r.history.PushBack(frameID)
		}
	case count == r.k:
		if e, ok := r.historyElems[frameID]; ok {
			r.history.Remove(e)
			delete(r.historyElems, frameID)
		}
		r.cacheElems[frameID] = r.cache.PushBack(frameID)
	default: // count > k, already in cache: move to the back (most recent)
		if e, ok := r.cacheElems[frameID]; ok {
			r.cache.Remove(e)
		}
		r.cacheElems[frameID] = r.cache.PushBack(frameID)
	}
}

// SetEvictable toggles whether a frame participates in eviction. It does
// not move the frame between history and cache.
func (r *LRUKReplacer) SetEvictable(frameID int, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictable[frameID] = evictable
}

// Evict scans history first (oldest insertion among evictable frames),
// then cache (coldest access among evictable frames), removing and
// returning the victim.
func (r *LRUKReplacer) Evict() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := r.history.Front(); e != nil; e = e.Next() {
		frameID := e.Value.(int)
		if r.evictable[frameID] {
			r.removeLocked(frameID)
			return frameID, true
		}
	}
	for e := r.cache.Front(); e != nil; e = e.Next() {
		frameID := e.Value.(int)
		if r.evictable[frameID] {
			r.removeLocked(frameID)
			return frameID, true
		}
	}
	return 0, false
}

// Remove deletes an evictable frame's bookkeeping. Removing a frame that
// is not currently evictable is a contract violation.
func (r *LRUKReplacer) Remove(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.evictable[frameID] {
		if _, tracked := r.accessCount[frameID]; !tracked {
			return
		}
		panic("LRUKReplacer.Remove called on a non-evictable frame")
	}
	r.removeLocked(frameID)
}

func (r *LRUKReplacer) removeLocked(frameID int) {
	if e, ok := r.historyElems[frameID]; ok {
		r.history.Remove(e)
		delete(r.historyElems, frameID)
	}
	if e, ok := r.cacheElems[frameID]; ok {
		r.cache.Remove(e)
		delete(r.cacheElems, frameID)
	}
	delete(r.accessCount, frameID)
	delete(r.evictable, frameID)
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, v := range r.evictable {
		if v {
			n++
		}
	}
	return n
}
