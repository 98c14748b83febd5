package concurrency_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relcore/concurrency"
)

// TestLockCompatibility reproduces spec.md §8 scenario 5 literally:
// two shared table locks coexist, a third exclusive request blocks
// until both shared holders release.
func TestLockCompatibility(t *testing.T) {
	lm := concurrency.NewLockManager(0) // detector disabled; no deadlock in this scenario
	defer lm.Stop()

	const table concurrency.TableOID = 1

	txnA := concurrency.NewTransaction(concurrency.ReadCommitted)
	txnB := concurrency.NewTransaction(concurrency.ReadCommitted)
	txnC := concurrency.NewTransaction(concurrency.ReadCommitted)

	require.NoError(t, lm.LockTable(txnA, concurrency.Shared, table))
	require.NoError(t, lm.LockTable(txnB, concurrency.Shared, table))

	cUnblocked := make(chan struct{})
	go func() {
		require.NoError(t, lm.LockTable(txnC, concurrency.Exclusive, table))
		close(cUnblocked)
	}()

	select {
	case <-cUnblocked:
		t.Fatal("Txn C's exclusive request should block while A and B hold shared locks")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(txnA, table))
	select {
	case <-cUnblocked:
		t.Fatal("Txn C must still block with Txn B's shared lock outstanding")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, lm.UnlockTable(txnB, table))
	select {
	case <-cUnblocked:
	case <-time.After(time.Second):
		t.Fatal("Txn C should have unblocked once both shared locks were released")
	}
}

// TestDeadlockVictimIsLargerID reproduces spec.md §8 scenario 6
// literally: Txn 1 holds X on r1, Txn 2 holds X on r2, each then
// requests the other's row and blocks, forming a two-cycle. The
// detector must abort the larger-id transaction and let the other
// proceed.
func TestDeadlockVictimIsLargerID(t *testing.T) {
	lm := concurrency.NewLockManager(20 * time.Millisecond)
	defer lm.Stop()

	const table concurrency.TableOID = 1
	r1 := concurrency.RID{PageID: 1, SlotIdx: 0}
	r2 := concurrency.RID{PageID: 2, SlotIdx: 0}

	txn1 := concurrency.NewTransaction(concurrency.ReadCommitted)
	txn2 := concurrency.NewTransaction(concurrency.ReadCommitted)
	require.Less(t, txn1.ID(), txn2.ID())

	require.NoError(t, lm.LockTable(txn1, concurrency.IntentionExclusive, table))
	require.NoError(t, lm.LockTable(txn2, concurrency.IntentionExclusive, table))
	require.NoError(t, lm.LockRow(txn1, concurrency.Exclusive, table, r1))
	require.NoError(t, lm.LockRow(txn2, concurrency.Exclusive, table, r2))

	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		err1 = lm.LockRow(txn1, concurrency.Exclusive, table, r2)
	}()
	go func() {
		defer wg.Done()
		err2 = lm.LockRow(txn2, concurrency.Exclusive, table, r1)
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock detector never resolved the cycle")
	}

	// txn2 has the larger id and must be the victim; txn1 proceeds.
	require.Error(t, err2)
	require.NoError(t, err1)
	require.Equal(t, concurrency.Aborted, txn2.State())
	require.NotEqual(t, concurrency.Aborted, txn1.State())
}

func TestLockTableSizeAndWaitsForGraphAccessors(t *testing.T) {
	lm := concurrency.NewLockManager(0)
	defer lm.Stop()

	const table concurrency.TableOID = 7
	txnA := concurrency.NewTransaction(concurrency.ReadCommitted)
	txnB := concurrency.NewTransaction(concurrency.ReadCommitted)

	require.NoError(t, lm.LockTable(txnA, concurrency.Exclusive, table))
	require.Equal(t, 1, lm.GetLockTableSize())
	require.Empty(t, lm.GetWaitsForGraph())

	done := make(chan struct{})
	go func() {
		_ = lm.LockTable(txnB, concurrency.Shared, table)
		close(done)
	}()

	require.Eventually(t, func() bool {
		graph := lm.GetWaitsForGraph()
		return len(graph[txnB.ID()]) == 1 && graph[txnB.ID()][0] == txnA.ID()
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, lm.UnlockTable(txnA, table))
	<-done
}
