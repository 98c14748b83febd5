package concurrency

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"relcore/common"
)

// Sentinel errors spec.md §7 names as transaction-visible aborts, plus
// the deadlock-victim signal. Each is surfaced to the caller unchanged;
// the transaction's state is set to Aborted as a side effect before the
// error is returned.
var (
	ErrTableLockNotPresent         = errors.New("lock manager: table lock not present")
	ErrLockOnShrinking              = errors.New("lock manager: attempted to acquire a lock while shrinking")
	ErrLockSharedOnReadUncommitted  = errors.New("lock manager: shared-mode lock requested under read uncommitted")
	ErrAttemptedUnlockButNoLockHeld = errors.New("lock manager: attempted to unlock a lock not held")
	ErrAttemptedIntentionLockOnRow  = errors.New("lock manager: intention lock attempted on a row")
	ErrUpgradeConflict              = errors.New("lock manager: another upgrade is already pending on this queue")
	ErrIncompatibleUpgrade          = errors.New("lock manager: requested mode is not a valid upgrade of the held mode")
	ErrDeadlockVictim                = errors.New("lock manager: transaction aborted by deadlock detector")
)

// compat[held][requested] is spec.md §4.5's lock-mode compatibility
// matrix, indexed by LockMode so the table reads off the const order
// IS, IX, S, SIX, X declared in transaction.go.
var compat = [5][5]bool{
	IntentionShared:          {true, true, true, true, false},
	IntentionExclusive:       {true, true, false, false, false},
	Shared:                   {true, false, true, false, false},
	SharedIntentionExclusive: {true, false, false, false, false},
	Exclusive:                {false, false, false, false, false},
}

func compatible(held, requested LockMode) bool { return compat[held][requested] }

// validUpgrades[from] is the set of modes §4.5.2 allows upgrading to.
var validUpgrades = map[LockMode]map[LockMode]bool{
	IntentionShared:    {Shared: true, Exclusive: true, IntentionExclusive: true, SharedIntentionExclusive: true},
	Shared:             {Exclusive: true, SharedIntentionExclusive: true},
	IntentionExclusive: {Exclusive: true, SharedIntentionExclusive: true},
	SharedIntentionExclusive: {Exclusive: true},
}

type rowKey struct {
	oid TableOID
	rid RID
}

type lockRequest struct {
	txn     *Transaction
	mode    LockMode
	granted bool
}

// lockRequestQueue is spec.md's Data Model entry for a lockable
// object: an ordered sequence of requests, an upgrading slot, a mutex
// and a condition variable.
type lockRequestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*lockRequest
	upgrading int64 // 0 means no pending upgrade; txn ids start at 1.
}

func newLockRequestQueue() *lockRequestQueue {
	q := &lockRequestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// LockManager is the hierarchical table/row lock manager spec.md §4.5
// (C6) describes: strict two-phase locking across three isolation
// levels with upgrades and background deadlock detection. It is the
// generalization of the teacher repo's locker.LockManager (same
// DFS-cycle / largest-id-victim deadlock detector, same "map of queues
// guarded by a global map mutex, each queue guarded by its own mutex"
// shape) from a flat two-mode page-latch manager to the five-mode,
// isolation-aware, table+row contract spec.md mandates, and from
// response channels to the condition-variable wait protocol spec.md
// §4.5.1 specifies explicitly.
type LockManager struct {
	tableQueues common.SyncMap[TableOID, *lockRequestQueue]
	rowQueues   common.SyncMap[rowKey, *lockRequestQueue]

	detectionInterval time.Duration
	stopCh            chan struct{}
	log               interface {
		Printf(format string, args ...interface{})
	}
}

func NewLockManager(detectionInterval time.Duration) *LockManager {
	lm := &LockManager{
		detectionInterval: detectionInterval,
		stopCh:            make(chan struct{}),
		log:               common.NewLogger("lock_manager"),
	}
	go lm.deadlockDetectorLoop()
	return lm
}

func (lm *LockManager) Stop() { close(lm.stopCh) }

func (lm *LockManager) tableQueue(oid TableOID) *lockRequestQueue {
	q, _ := lm.tableQueues.LoadOrStore(oid, newLockRequestQueue())
	return q
}

func (lm *LockManager) rowQueue(oid TableOID, rid RID) *lockRequestQueue {
	q, _ := lm.rowQueues.LoadOrStore(rowKey{oid, rid}, newLockRequestQueue())
	return q
}

// stateGate implements spec.md §4.5.1 step 1. It may abort txn as a
// side effect.
func (lm *LockManager) stateGate(txn *Transaction, mode LockMode) error {
	state := txn.State()
	if state == Aborted || state == Committed {
		return ErrTableLockNotPresent
	}

	isShared := mode == Shared || mode == IntentionShared || mode == SharedIntentionExclusive

	if state == Shrinking {
		allowed := txn.IsolationLevel() == ReadCommitted && (mode == Shared || mode == IntentionShared)
		if !allowed {
			txn.SetState(Aborted)
			return ErrLockOnShrinking
		}
	}

	if txn.IsolationLevel() == ReadUncommitted && isShared {
		txn.SetState(Aborted)
		return ErrLockSharedOnReadUncommitted
	}

	return nil
}

// LockTable acquires mode on oid for txn, blocking until granted or the
// transaction is aborted.
func (lm *LockManager) LockTable(txn *Transaction, mode LockMode, oid TableOID) error {
	if err := lm.stateGate(txn, mode); err != nil {
		return err
	}

	if held, ok := txn.TableLockMode(oid); ok {
		if held == mode {
			return nil
		}
		return lm.upgradeTable(txn, oid, held, mode)
	}

	q := lm.tableQueue(oid)
	req := &lockRequest{txn: txn, mode: mode}

	err := lm.runRequest(q, req, func() {
		q.requests = append(q.requests, req)
	}, func() {
		txn.grantTableLock(oid, mode)
	})
	return err
}

// LockRow acquires mode (Shared or Exclusive only) on (oid, rid) for
// txn. It enforces the row-requires-table rule of spec.md §4.5.1 step 2
// before enqueueing.
func (lm *LockManager) LockRow(txn *Transaction, mode LockMode, oid TableOID, rid RID) error {
	if mode != Shared && mode != Exclusive {
		txn.SetState(Aborted)
		return ErrAttemptedIntentionLockOnRow
	}

	if err := lm.stateGate(txn, mode); err != nil {
		return err
	}

	if !lm.rowRequiresTableSatisfied(txn, oid, mode) {
		txn.SetState(Aborted)
		return ErrTableLockNotPresent
	}

	if lm.hasRowLockHeld(txn, oid, rid, mode) {
		return nil
	}
	if other := lm.otherRowMode(txn, oid, rid, mode); other {
		return lm.upgradeRow(txn, oid, rid, mode)
	}

	q := lm.rowQueue(oid, rid)
	req := &lockRequest{txn: txn, mode: mode}

	return lm.runRequest(q, req, func() {
		q.requests = append(q.requests, req)
	}, func() {
		txn.grantRowLock(oid, rid, mode)
	})
}

func (lm *LockManager) rowRequiresTableSatisfied(txn *Transaction, oid TableOID, mode LockMode) bool {
	tableMode, ok := txn.TableLockMode(oid)
	if !ok {
		return false
	}
	if mode == Exclusive {
		return tableMode == Exclusive || tableMode == IntentionExclusive || tableMode == SharedIntentionExclusive
	}
	return true // any table mode suffices for a shared row lock
}

func (lm *LockManager) hasRowLockHeld(txn *Transaction, oid TableOID, rid RID, mode LockMode) bool {
	return txn.hasRowLock(oid, rid, mode)
}

func (lm *LockManager) otherRowMode(txn *Transaction, oid TableOID, rid RID, mode LockMode) bool {
	other := Shared
	if mode == Shared {
		other = Exclusive
	}
	return txn.hasRowLock(oid, rid, other)
}

// runRequest inserts req via insert() then waits under q's lock until
// it can be granted or the transaction is marked aborted, calling
// onGranted() exactly once, immediately before returning success.
func (lm *LockManager) runRequest(q *lockRequestQueue, req *lockRequest, insert func(), onGranted func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	insert()

	for {
		if req.txn.State() == Aborted {
			lm.removeRequestLocked(q, req)
			q.cond.Broadcast()
			return ErrDeadlockVictim
		}
		if lm.canGrantLocked(q, req) {
			req.granted = true
			onGranted()
			q.cond.Broadcast()
			return nil
		}
		q.cond.Wait()
	}
}

// canGrantLocked is spec.md §4.5.3's GrantLock check. Callers hold q.mu.
func (lm *LockManager) canGrantLocked(q *lockRequestQueue, req *lockRequest) bool {
	if q.upgrading != 0 {
		if req.txn.ID() != q.upgrading {
			return false
		}
	} else {
		for _, r := range q.requests {
			if r == req {
				break
			}
			if !r.granted {
				return false // an earlier pending request must be processed first
			}
		}
	}

	for _, r := range q.requests {
		if r == req || !r.granted || r.txn.ID() == req.txn.ID() {
			continue
		}
		if !compatible(r.mode, req.mode) {
			return false
		}
	}
	return true
}

func (lm *LockManager) removeRequestLocked(q *lockRequestQueue, req *lockRequest) {
	for i, r := range q.requests {
		if r == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			break
		}
	}
	if q.upgrading == req.txn.ID() {
		q.upgrading = 0
	}
}

// upgradeTable implements spec.md §4.5.2 for table locks.
func (lm *LockManager) upgradeTable(txn *Transaction, oid TableOID, from, to LockMode) error {
	if !validUpgrades[from][to] {
		txn.SetState(Aborted)
		return ErrIncompatibleUpgrade
	}

	q := lm.tableQueue(oid)
	q.mu.Lock()
	if q.upgrading != 0 && q.upgrading != txn.ID() {
		q.mu.Unlock()
		txn.SetState(Aborted)
		return ErrUpgradeConflict
	}
	q.upgrading = txn.ID()

	req := &lockRequest{txn: txn, mode: to}
	insertAfterGranted(q, req)
	q.mu.Unlock()

	return lm.runRequest(q, req, func() {}, func() {
		q.upgrading = 0
		removeOldGrant(q, txn, from)
		txn.removeTableLock(oid, from)
		txn.grantTableLock(oid, to)
	})
}

// upgradeRow implements spec.md §4.5.2 for row locks. Row locks only
// ever hold S or X, and the only legal row upgrade is S -> X.
func (lm *LockManager) upgradeRow(txn *Transaction, oid TableOID, rid RID, to LockMode) error {
	from := Shared
	if to != Exclusive {
		txn.SetState(Aborted)
		return ErrIncompatibleUpgrade
	}

	q := lm.rowQueue(oid, rid)
	q.mu.Lock()
	if q.upgrading != 0 && q.upgrading != txn.ID() {
		q.mu.Unlock()
		txn.SetState(Aborted)
		return ErrUpgradeConflict
	}
	q.upgrading = txn.ID()

	req := &lockRequest{txn: txn, mode: to}
	insertAfterGranted(q, req)
	q.mu.Unlock()

	return lm.runRequest(q, req, func() {}, func() {
		q.upgrading = 0
		removeOldGrant(q, txn, from)
		txn.removeRowLock(oid, rid, from)
		txn.grantRowLock(oid, rid, to)
	})
}

// insertAfterGranted places req immediately after the last granted
// request and before any still-pending request, per spec.md §4.5.1's
// design note on upgrade placement. Callers hold q.mu.
func insertAfterGranted(q *lockRequestQueue, req *lockRequest) {
	idx := len(q.requests)
	for i, r := range q.requests {
		if !r.granted {
			idx = i
			break
		}
	}
	q.requests = append(q.requests, nil)
	copy(q.requests[idx+1:], q.requests[idx:])
	q.requests[idx] = req
}

func removeOldGrant(q *lockRequestQueue, txn *Transaction, oldMode LockMode) {
	for i, r := range q.requests {
		if r.txn.ID() == txn.ID() && r.mode == oldMode && r.granted {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return
		}
	}
}

// UnlockTable releases txn's lock on oid.
func (lm *LockManager) UnlockTable(txn *Transaction, oid TableOID) error {
	if txn.AnyRowLockHeld(oid) {
		txn.SetState(Aborted)
		return ErrTableLockNotPresent
	}

	mode, ok := txn.TableLockMode(oid)
	if !ok {
		txn.SetState(Aborted)
		return ErrAttemptedUnlockButNoLockHeld
	}

	q := lm.tableQueue(oid)
	q.mu.Lock()
	removeOldGrant(q, txn, mode)
	q.cond.Broadcast()
	q.mu.Unlock()

	txn.removeTableLock(oid, mode)
	lm.maybeTransitionToShrinking(txn, mode)
	return nil
}

// UnlockRow releases txn's lock on (oid, rid).
func (lm *LockManager) UnlockRow(txn *Transaction, oid TableOID, rid RID) error {
	var mode LockMode
	var ok bool
	if txn.hasRowLock(oid, rid, Shared) {
		mode, ok = Shared, true
	} else if txn.hasRowLock(oid, rid, Exclusive) {
		mode, ok = Exclusive, true
	}
	if !ok {
		txn.SetState(Aborted)
		return ErrAttemptedUnlockButNoLockHeld
	}

	q := lm.rowQueue(oid, rid)
	q.mu.Lock()
	removeOldGrant(q, txn, mode)
	q.cond.Broadcast()
	q.mu.Unlock()

	txn.removeRowLock(oid, rid, mode)
	lm.maybeTransitionToShrinking(txn, mode)
	return nil
}

// maybeTransitionToShrinking implements spec.md §4.5.4's release-driven
// state transition.
func (lm *LockManager) maybeTransitionToShrinking(txn *Transaction, releasedMode LockMode) {
	if txn.State() != Growing {
		return
	}
	if releasedMode == Exclusive {
		txn.SetState(Shrinking)
		return
	}
	if releasedMode == Shared && txn.IsolationLevel() == RepeatableRead {
		txn.SetState(Shrinking)
	}
}

// ReleaseAll drops every lock a transaction holds, used when a
// transaction aborts (including as a deadlock victim).
func (lm *LockManager) ReleaseAll(txn *Transaction) {
	for _, held := range txn.AllHeldRowLocks() {
		q := lm.rowQueue(held.OID, held.RID)
		q.mu.Lock()
		removeOldGrant(q, txn, held.Mode)
		q.cond.Broadcast()
		q.mu.Unlock()
		txn.removeRowLock(held.OID, held.RID, held.Mode)
	}
	for _, held := range txn.AllHeldTableLocks() {
		q := lm.tableQueue(held.OID)
		q.mu.Lock()
		removeOldGrant(q, txn, held.Mode)
		q.cond.Broadcast()
		q.mu.Unlock()
		txn.removeTableLock(held.OID, held.Mode)
	}
}

// GetLockTableSize returns the number of distinct table and row lock
// queues currently tracked, a debug accessor in the teacher pack's
// style of exposing internal counts for tests rather than only
// behavior.
func (lm *LockManager) GetLockTableSize() int {
	n := 0
	lm.tableQueues.Range(func(_ TableOID, _ *lockRequestQueue) bool {
		n++
		return true
	})
	lm.rowQueues.Range(func(_ rowKey, _ *lockRequestQueue) bool {
		n++
		return true
	})
	return n
}

// GetWaitsForGraph exposes the current wait-for graph as an adjacency
// list, the debug hook the teacher pack's locker.LockManager offers as
// GetEdgeList for independently testing deadlock detection.
func (lm *LockManager) GetWaitsForGraph() map[int64][]int64 {
	graph, _ := lm.buildWaitForGraph()
	out := make(map[int64][]int64, len(graph))
	for from, tos := range graph {
		edges := make([]int64, 0, len(tos))
		for to := range tos {
			edges = append(edges, to)
		}
		sort.Slice(edges, func(i, j int) bool { return edges[i] < edges[j] })
		out[from] = edges
	}
	return out
}

// deadlockDetectorLoop wakes at a fixed interval, rebuilds the wait-for
// graph from scratch (spec.md's design notes: "rebuilt fresh on each
// detector pass"), and aborts one victim per cycle found.
func (lm *LockManager) deadlockDetectorLoop() {
	if lm.detectionInterval <= 0 {
		return
	}
	ticker := time.NewTicker(lm.detectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lm.runDetectionPass()
		case <-lm.stopCh:
			return
		}
	}
}

func (lm *LockManager) runDetectionPass() {
	graph, txns := lm.buildWaitForGraph()
	cycle := findCycle(graph)
	if len(cycle) == 0 {
		return
	}

	victim := cycle[0]
	for _, id := range cycle[1:] {
		if id > victim {
			victim = id
		}
	}

	lm.log.Printf("deadlock detected among transactions %v, aborting %d", cycle, victim)
	if vt, ok := txns[victim]; ok {
		vt.SetState(Aborted)
		lm.ReleaseAll(vt)
	}
	lm.broadcastAllQueuesFor(victim)
}

// buildWaitForGraph adds an edge waiter -> holder for every pending
// request that conflicts with a granted request on the same queue.
func (lm *LockManager) buildWaitForGraph() (map[int64]map[int64]bool, map[int64]*Transaction) {
	graph := map[int64]map[int64]bool{}
	txns := map[int64]*Transaction{}

	addEdges := func(q *lockRequestQueue) {
		q.mu.Lock()
		defer q.mu.Unlock()

		for _, pending := range q.requests {
			if pending.granted {
				continue
			}
			txns[pending.txn.ID()] = pending.txn
			for _, granted := range q.requests {
				if !granted.granted || granted.txn.ID() == pending.txn.ID() {
					continue
				}
				txns[granted.txn.ID()] = granted.txn
				if !compatible(granted.mode, pending.mode) {
					if graph[pending.txn.ID()] == nil {
						graph[pending.txn.ID()] = map[int64]bool{}
					}
					graph[pending.txn.ID()][granted.txn.ID()] = true
				}
			}
		}
	}

	lm.tableQueues.Range(func(_ TableOID, q *lockRequestQueue) bool { addEdges(q); return true })
	lm.rowQueues.Range(func(_ rowKey, q *lockRequestQueue) bool { addEdges(q); return true })

	return graph, txns
}

// findCycle runs DFS over sorted node ids for determinism and returns
// the first cycle found, as the exact set of its member ids.
func findCycle(graph map[int64]map[int64]bool) []int64 {
	nodes := make([]int64, 0, len(graph))
	for id := range graph {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	visited := map[int64]bool{}
	var path []int64
	onPath := map[int64]bool{}

	var dfs func(id int64) []int64
	dfs = func(id int64) []int64 {
		visited[id] = true
		onPath[id] = true
		path = append(path, id)

		neighbors := make([]int64, 0, len(graph[id]))
		for n := range graph[id] {
			neighbors = append(neighbors, n)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, n := range neighbors {
			if onPath[n] {
				for i, p := range path {
					if p == n {
						return path[i:]
					}
				}
			}
			if !visited[n] {
				if cycle := dfs(n); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		onPath[id] = false
		return nil
	}

	for _, n := range nodes {
		if !visited[n] {
			if cycle := dfs(n); cycle != nil {
				out := make([]int64, len(cycle))
				copy(out, cycle)
				return out
			}
		}
	}
	return nil
}

func (lm *LockManager) broadcastAllQueuesFor(txnID int64) {
	broadcast := func(q *lockRequestQueue) {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	lm.tableQueues.Range(func(_ TableOID, q *lockRequestQueue) bool {
		for _, r := range q.requests {
			if r.txn.ID() == txnID {
				broadcast(q)
				break
			}
		}
		return true
	})
	lm.rowQueues.Range(func(_ rowKey, q *lockRequestQueue) bool {
		for _, r := range q.requests {
			if r.txn.ID() == txnID {
				broadcast(q)
				break
			}
		}
		return true
	})
}
