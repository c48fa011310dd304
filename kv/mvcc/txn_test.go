package mvcc

import (
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

// memBackend applies commits to an in-memory version store, mirroring what
// the storage engine does with its trees.
type memBackend struct {
	mu       sync.Mutex
	versions map[string]uint64 // tree+"\x00"+key -> newest commit version
	values   map[string][]byte
	applied  int
	failNext bool
}

func newMemBackend() *memBackend {
	return &memBackend{
		versions: make(map[string]uint64),
		values:   make(map[string][]byte),
	}
}

func bkey(tree string, key []byte) string {
	return tree + "\x00" + string(key)
}

func (b *memBackend) LatestVersion(tree string, key []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.versions[bkey(tree, key)], nil
}

func (b *memBackend) ApplyCommit(writes []*Write, commitTS uint64, durable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext {
		b.failNext = false
		return errors.New("injected apply failure")
	}
	for _, w := range writes {
		k := bkey(w.Tree, w.Key)
		b.versions[k] = commitTS
		if w.Delete {
			delete(b.values, k)
		} else {
			b.values[k] = w.Value
		}
	}
	b.applied++
	return nil
}

func TestCommitPublishesWrites(t *testing.T) {
	b := newMemBackend()
	m := NewManager(b)

	txn := m.Begin()
	require.Equal(t, StateActive, txn.State())
	require.NoError(t, txn.Put("t", []byte("k"), []byte("v")))
	require.NoError(t, txn.Commit(true))
	require.Equal(t, StateCommitted, txn.State())
	txn.End()

	require.Equal(t, []byte("v"), b.values[bkey("t", []byte("k"))])
	require.Equal(t, uint64(1), m.VisibleVersion())

	next := m.Begin()
	require.Equal(t, uint64(1), next.StartTS())
	next.End()
}

func TestReadOnlyCommitSkipsBackend(t *testing.T) {
	b := newMemBackend()
	m := NewManager(b)

	txn := m.Begin()
	require.NoError(t, txn.Commit(true))
	require.Equal(t, 0, b.applied)
	require.Equal(t, uint64(0), m.VisibleVersion())
	txn.End()
}

func TestWriteConflictRollsBack(t *testing.T) {
	b := newMemBackend()
	m := NewManager(b)

	t1 := m.Begin()
	t2 := m.Begin()

	require.NoError(t, t1.Put("t", []byte("k"), []byte("one")))
	require.NoError(t, t1.Commit(true))

	// t2 started before t1 committed; writing the same key must conflict.
	require.NoError(t, t2.Put("t", []byte("k"), []byte("two")))
	err := t2.Commit(true)
	require.True(t, IsConflict(err))
	require.Equal(t, StateRolledBack, t2.State())

	conflict := errors.Cause(err).(*ErrConflict)
	require.Equal(t, "t", conflict.Tree)
	require.Equal(t, t2.StartTS(), conflict.StartTS)
	require.True(t, conflict.ConflictTS > conflict.StartTS)

	require.Equal(t, []byte("one"), b.values[bkey("t", []byte("k"))])

	// The retry, started after t1's commit, succeeds.
	t3 := m.Begin()
	require.NoError(t, t3.Put("t", []byte("k"), []byte("two")))
	require.NoError(t, t3.Commit(true))
	require.Equal(t, []byte("two"), b.values[bkey("t", []byte("k"))])
}

func TestDisjointWritersDoNotConflict(t *testing.T) {
	b := newMemBackend()
	m := NewManager(b)

	t1 := m.Begin()
	t2 := m.Begin()
	require.NoError(t, t1.Put("t", []byte("a"), []byte("1")))
	require.NoError(t, t2.Put("t", []byte("b"), []byte("2")))
	require.NoError(t, t1.Commit(true))
	require.NoError(t, t2.Commit(true))
	require.Equal(t, 2, b.applied)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	b := newMemBackend()
	m := NewManager(b)

	txn := m.Begin()
	require.NoError(t, txn.Put("t", []byte("k"), []byte("v")))
	require.NoError(t, txn.Rollback())
	require.Equal(t, StateRolledBack, txn.State())
	require.Equal(t, 0, b.applied)

	err := txn.Put("t", []byte("k"), []byte("v"))
	require.Error(t, err)
	err = txn.Commit(true)
	require.Error(t, err)
	require.IsType(t, &ErrInvalidState{}, errors.Cause(err))
}

func TestEndRollsBackActiveTxn(t *testing.T) {
	m := NewManager(newMemBackend())
	txn := m.Begin()
	require.NoError(t, txn.Put("t", []byte("k"), []byte("v")))
	txn.End()
	require.Equal(t, StateEnded, txn.State())
	require.Error(t, txn.Commit(true))
}

func TestApplyFailureStopsEngine(t *testing.T) {
	b := newMemBackend()
	m := NewManager(b)

	b.failNext = true
	txn := m.Begin()
	require.NoError(t, txn.Put("t", []byte("k"), []byte("v")))
	err := txn.Commit(true)
	require.Error(t, err)
	require.False(t, IsConflict(err))
	require.Equal(t, StateEnded, txn.State())
	// The failed version was allocated but never became visible.
	require.Equal(t, uint64(0), m.VisibleVersion())

	// The backend may hold a partial application, so the manager is
	// fail-stopped: later commits and exclusive sections are refused even
	// though the backend itself has recovered.
	next := m.Begin()
	require.NoError(t, next.Put("t", []byte("other"), []byte("v")))
	err = next.Commit(true)
	require.True(t, IsEngineFailed(err))
	next.End()
	require.Equal(t, 0, b.applied)
	require.Equal(t, uint64(0), m.VisibleVersion())

	err = m.Exclusive(func() error { return nil })
	require.True(t, IsEngineFailed(err))

	// Read-only commits carry no writes and stay allowed.
	ro := m.Begin()
	require.NoError(t, ro.Commit(true))
	ro.End()
}

func TestPendingLookups(t *testing.T) {
	m := NewManager(newMemBackend())
	txn := m.Begin()
	defer txn.End()

	require.NoError(t, txn.Put("t", []byte("b"), []byte("2")))
	require.NoError(t, txn.Put("t", []byte("d"), []byte("4")))
	require.NoError(t, txn.Del("t", []byte("f")))
	require.NoError(t, txn.Put("u", []byte("a"), []byte("other tree")))

	w, ok := txn.PendingGet("t", []byte("b"))
	require.True(t, ok)
	require.Equal(t, []byte("2"), w.Value)
	_, ok = txn.PendingGet("t", []byte("c"))
	require.False(t, ok)

	w, ok = txn.PendingNext("t", []byte("b"), false)
	require.True(t, ok)
	require.Equal(t, []byte("d"), w.Key)
	w, ok = txn.PendingNext("t", []byte("b"), true)
	require.True(t, ok)
	require.Equal(t, []byte("b"), w.Key)
	w, ok = txn.PendingNext("t", []byte("f"), false)
	require.False(t, ok)

	w, ok = txn.PendingPrev("t", []byte("d"))
	require.True(t, ok)
	require.Equal(t, []byte("b"), w.Key)
	_, ok = txn.PendingPrev("t", []byte("b"))
	require.False(t, ok)

	w, ok = txn.PendingLast("t")
	require.True(t, ok)
	require.Equal(t, []byte("f"), w.Key)
	require.True(t, w.Delete)

	w, ok = txn.PendingLast("u")
	require.True(t, ok)
	require.Equal(t, []byte("a"), w.Key)
}
