package mvcc

import (
	"bytes"

	gbtree "github.com/google/btree"
)

// State is the lifecycle of a transaction.
type State int32

const (
	StateNotStarted State = iota
	StateActive
	StateCommitted
	StateRolledBack
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StateActive:
		return "ACTIVE"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLED_BACK"
	case StateEnded:
		return "ENDED"
	}
	return "UNKNOWN"
}

// Write is one buffered mutation, keyed by (tree, encoded user key). A
// delete is a write with Delete set; it becomes a tombstone version at
// commit.
type Write struct {
	Tree   string
	Key    []byte
	Value  []byte
	Delete bool
}

func (w *Write) Less(than gbtree.Item) bool {
	o := than.(*Write)
	if w.Tree != o.Tree {
		return w.Tree < o.Tree
	}
	return bytes.Compare(w.Key, o.Key) < 0
}

// Txn buffers a transaction's writes and carries its snapshot version.
// Reads within the transaction see committed versions as of StartTS plus
// the transaction's own buffered writes.
type Txn struct {
	mgr     *Manager
	startTS uint64
	state   State
	writes  *gbtree.BTree
}

func (t *Txn) StartTS() uint64 {
	return t.startTS
}

func (t *Txn) State() State {
	return t.state
}

// Put buffers an insert/overwrite of key in tree.
func (t *Txn) Put(tree string, key, value []byte) error {
	if t.state != StateActive {
		return &ErrInvalidState{Op: "write in", State: t.state}
	}
	t.writes.ReplaceOrInsert(&Write{
		Tree:  tree,
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
	return nil
}

// Del buffers a delete of key in tree.
func (t *Txn) Del(tree string, key []byte) error {
	if t.state != StateActive {
		return &ErrInvalidState{Op: "write in", State: t.state}
	}
	t.writes.ReplaceOrInsert(&Write{
		Tree:   tree,
		Key:    append([]byte(nil), key...),
		Delete: true,
	})
	return nil
}

// PendingGet returns the transaction's own buffered write for key, if any.
func (t *Txn) PendingGet(tree string, key []byte) (*Write, bool) {
	item := t.writes.Get(&Write{Tree: tree, Key: key})
	if item == nil {
		return nil, false
	}
	return item.(*Write), true
}

// PendingNext returns the first buffered write in tree with key > after
// (or >= after when inclusive).
func (t *Txn) PendingNext(tree string, after []byte, inclusive bool) (*Write, bool) {
	var found *Write
	t.writes.AscendGreaterOrEqual(&Write{Tree: tree, Key: after}, func(item gbtree.Item) bool {
		w := item.(*Write)
		if w.Tree != tree {
			return false
		}
		if !inclusive && bytes.Equal(w.Key, after) {
			return true
		}
		found = w
		return false
	})
	return found, found != nil
}

// PendingPrev returns the last buffered write in tree with key < before.
func (t *Txn) PendingPrev(tree string, before []byte) (*Write, bool) {
	var found *Write
	t.writes.DescendLessOrEqual(&Write{Tree: tree, Key: before}, func(item gbtree.Item) bool {
		w := item.(*Write)
		if w.Tree != tree {
			return false
		}
		if bytes.Equal(w.Key, before) {
			return true
		}
		found = w
		return false
	})
	return found, found != nil
}

// PendingLast returns the transaction's largest buffered write in tree.
func (t *Txn) PendingLast(tree string) (*Write, bool) {
	var found *Write
	// tree+"\x00" sorts after every key of tree and before any other tree
	// name that could hold keys below it.
	t.writes.DescendLessOrEqual(&Write{Tree: tree + "\x00"}, func(item gbtree.Item) bool {
		w := item.(*Write)
		if w.Tree > tree {
			return true
		}
		if w.Tree == tree {
			found = w
		}
		return false
	})
	return found, found != nil
}

func (t *Txn) writeSlice() []*Write {
	out := make([]*Write, 0, t.writes.Len())
	t.writes.Ascend(func(item gbtree.Item) bool {
		out = append(out, item.(*Write))
		return true
	})
	return out
}

// Commit validates and publishes the transaction's writes. See
// Manager.Commit for the protocol.
func (t *Txn) Commit(durable bool) error {
	return t.mgr.Commit(t, durable)
}

// Rollback discards buffered writes. Valid at any point before commit; a
// rolled back transaction has no effect.
func (t *Txn) Rollback() error {
	if t.state != StateActive {
		return &ErrInvalidState{Op: "rollback", State: t.state}
	}
	t.writes.Clear(false)
	t.state = StateRolledBack
	return nil
}

// End finishes the transaction. An active transaction is rolled back, as
// the usage pattern is begin / work / commit / end with end in a defer.
func (t *Txn) End() {
	switch t.state {
	case StateActive:
		t.writes.Clear(false)
		t.state = StateEnded
	case StateCommitted, StateRolledBack:
		t.state = StateEnded
	}
}
