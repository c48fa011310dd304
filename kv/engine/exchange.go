package engine

import (
	"bytes"

	"github.com/pingcap/errors"

	"github.com/unikv/unikv/kv/btree"
	"github.com/unikv/unikv/kv/keyval"
	"github.com/unikv/unikv/kv/mvcc"
	"github.com/unikv/unikv/kv/page"
	"github.com/unikv/unikv/kv/util/codec"
	"github.com/unikv/unikv/kv/volume"
)

// Direction selects which way Traverse moves through key order.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Exchange is the per-goroutine handle for operating on one tree. It owns a
// reusable Key and Value, carries an optional transaction, and is bound to
// the goroutine that created it; use from any other goroutine is a protocol
// violation.
//
// Without a transaction every Store and Remove commits durably on its own.
// With SetTransaction the operations buffer in the transaction and become
// visible atomically at its commit.
type Exchange struct {
	db     *DB
	vol    *volume.Volume
	tree   *btree.Tree
	treeID string

	key   *keyval.Key
	value *keyval.Value
	txn   *mvcc.Txn
	owner int64
}

// GetExchange returns an Exchange on (volume, tree), creating the tree when
// createIfAbsent is set.
func (db *DB) GetExchange(volName, treeName string, createIfAbsent bool) (*Exchange, error) {
	t, err := db.Tree(volName, treeName, createIfAbsent)
	if err != nil {
		return nil, err
	}
	return &Exchange{
		db:     db,
		vol:    t.Volume(),
		tree:   t,
		treeID: treeID(volName, treeName),
		key:    keyval.NewKey(),
		value:  keyval.NewValue(),
		owner:  goroutineID(),
	}, nil
}

func (ex *Exchange) checkOwner() error {
	if id := goroutineID(); id != ex.owner {
		return errors.WithStack(&ErrWrongThread{Owner: ex.owner, Caller: id})
	}
	return nil
}

// Key returns the exchange's key, mutated in place by the Append methods and
// by Traverse. The handle shares the exchange's goroutine ownership: using
// it from another goroutine is the same protocol violation as using the
// exchange itself.
func (ex *Exchange) Key() *keyval.Key {
	return ex.key
}

// Value returns the exchange's value, filled by Fetch and read by Store. It
// shares the exchange's goroutine ownership like Key.
func (ex *Exchange) Value() *keyval.Value {
	return ex.value
}

// Clear resets both the key and the value.
func (ex *Exchange) Clear() error {
	if err := ex.checkOwner(); err != nil {
		return err
	}
	ex.key.Clear()
	ex.value.SetUndefined().Clear()
	return nil
}

// SetTransaction binds the exchange to txn; nil returns it to auto-commit
// mode.
func (ex *Exchange) SetTransaction(txn *mvcc.Txn) {
	ex.txn = txn
}

func (ex *Exchange) Transaction() *mvcc.Txn {
	return ex.txn
}

func (ex *Exchange) snapshotTS() uint64 {
	if ex.txn != nil {
		return ex.txn.StartTS()
	}
	return ex.db.mgr.VisibleVersion()
}

// lookup resolves the encoded key through the exchange's view: the bound
// transaction's buffered writes first, then the committed snapshot.
func (ex *Exchange) lookup(enc []byte) ([]byte, bool, error) {
	if ex.txn != nil {
		if w, ok := ex.txn.PendingGet(ex.treeID, enc); ok {
			if w.Delete {
				return nil, false, nil
			}
			return w.Value, true, nil
		}
	}
	return ex.db.fetchVisible(ex.tree, enc, ex.snapshotTS())
}

// Fetch reads the value at the current key into the exchange's Value. A
// missing key leaves the value undefined; that is not an error.
func (ex *Exchange) Fetch() error {
	if err := ex.checkOwner(); err != nil {
		return err
	}
	val, ok, err := ex.lookup(ex.key.Encoded())
	if err != nil {
		return err
	}
	if !ok {
		ex.value.SetUndefined()
		return nil
	}
	ex.value.SetEncoded(val)
	return nil
}

// checkEntrySize rejects a write before it is buffered when its leaf entry
// could not share a page with a second entry. Nothing is mutated by a
// rejected write.
func (ex *Exchange) checkEntrySize(enc []byte, valueLen int) error {
	payload := 1 + valueLen
	if valueLen > ex.db.conf.LongValueThreshold {
		payload = overflowRefMax
	}
	size := len(codec.EncodeVersion(codec.EncodeBytes(nil, enc), 0)) + payload
	if max := page.MaxEntrySize(ex.db.conf.PageSize); size > max {
		return errors.WithStack(&ErrEntryTooLarge{Size: size, Max: max})
	}
	return nil
}

// Store writes the exchange's Value at its current key. Outside a
// transaction the write is its own durable commit, retried internally when a
// concurrent commit conflicts.
func (ex *Exchange) Store() error {
	if err := ex.checkOwner(); err != nil {
		return err
	}
	if !ex.value.IsDefined() {
		return errors.New("store of an undefined value")
	}
	enc := ex.key.Encoded()
	if err := ex.checkEntrySize(enc, len(ex.value.Encoded())); err != nil {
		return err
	}
	if ex.txn != nil {
		return ex.txn.Put(ex.treeID, enc, ex.value.Encoded())
	}
	for {
		txn := ex.db.Begin()
		if err := txn.Put(ex.treeID, enc, ex.value.Encoded()); err != nil {
			return err
		}
		err := txn.Commit(true)
		txn.End()
		if err == nil {
			return nil
		}
		if !mvcc.IsConflict(err) {
			return err
		}
	}
}

// Remove deletes the entry at the current key, reporting whether a visible
// value existed. Removing an absent key is a no-op.
func (ex *Exchange) Remove() (bool, error) {
	if err := ex.checkOwner(); err != nil {
		return false, err
	}
	enc := ex.key.Encoded()
	if err := ex.checkEntrySize(enc, 0); err != nil {
		return false, err
	}
	if ex.txn != nil {
		_, present, err := ex.lookup(enc)
		if err != nil || !present {
			return false, err
		}
		return true, ex.txn.Del(ex.treeID, enc)
	}
	for {
		_, present, err := ex.db.fetchVisible(ex.tree, enc, ex.db.mgr.VisibleVersion())
		if err != nil || !present {
			return false, err
		}
		txn := ex.db.Begin()
		if err := txn.Del(ex.treeID, enc); err != nil {
			return false, err
		}
		err = txn.Commit(true)
		txn.End()
		if err == nil {
			return true, nil
		}
		if !mvcc.IsConflict(err) {
			return false, err
		}
	}
}

// Next moves the key to its successor, fetching the value. Shorthand for
// Traverse(Forward, true).
func (ex *Exchange) Next() (bool, error) {
	return ex.Traverse(Forward, true)
}

// Prev moves the key to its predecessor, fetching the value.
func (ex *Exchange) Prev() (bool, error) {
	return ex.Traverse(Backward, true)
}

// Traverse moves the exchange's key to the nearest existing key in the given
// direction and fills the value. strict excludes the current key itself.
// The walk merges the committed snapshot with the bound transaction's
// buffered writes: buffered puts appear, buffered deletes hide committed
// entries. Returns false when no further key exists.
//
// A cleared key marks the corresponding end of the tree: Forward from it
// visits the first key, Backward from it visits the last.
func (ex *Exchange) Traverse(dir Direction, strict bool) (bool, error) {
	if err := ex.checkOwner(); err != nil {
		return false, err
	}
	start := ex.key.Encoded()
	if !strict {
		val, present, err := ex.lookup(start)
		if err != nil {
			return false, err
		}
		if present {
			ex.value.SetEncoded(val)
			return true, nil
		}
	}

	key, val, ok, err := ex.traverseStrict(dir, start)
	if err != nil || !ok {
		return false, err
	}
	ex.key.SetEncoded(key)
	ex.value.SetEncoded(val)
	return true, nil
}

func (ex *Exchange) traverseStrict(dir Direction, start []byte) ([]byte, []byte, bool, error) {
	ts := ex.snapshotTS()
	for {
		var (
			ck, cv []byte
			cok    bool
			err    error
		)
		fromEnd := dir == Backward && len(start) == 0
		if dir == Forward {
			ck, cv, cok, err = ex.committedNext(start, ts)
		} else if fromEnd {
			ck, cv, cok, err = ex.committedLast(ts)
		} else {
			ck, cv, cok, err = ex.committedPrev(start, ts)
		}
		if err != nil {
			return nil, nil, false, err
		}

		var pw *mvcc.Write
		pok := false
		if ex.txn != nil {
			if dir == Forward {
				pw, pok = ex.txn.PendingNext(ex.treeID, start, false)
			} else if fromEnd {
				pw, pok = ex.txn.PendingLast(ex.treeID)
			} else {
				pw, pok = ex.txn.PendingPrev(ex.treeID, start)
			}
		}
		if !cok && !pok {
			return nil, nil, false, nil
		}

		// The buffered write wins on an equal key: it is this transaction's
		// own newer state.
		pendingFirst := pok && (!cok || inDirection(dir, pw.Key, ck) <= 0)
		if pendingFirst {
			if pw.Delete {
				start = pw.Key
				continue
			}
			return pw.Key, pw.Value, true, nil
		}
		return ck, cv, true, nil
	}
}

// inDirection compares a and b in traversal order: negative when a comes
// first moving in dir.
func inDirection(dir Direction, a, b []byte) int {
	c := bytes.Compare(a, b)
	if dir == Backward {
		return -c
	}
	return c
}

// committedNext finds the first committed user key after enc that has a
// live (non-tombstone) version visible at ts.
func (ex *Exchange) committedNext(enc []byte, ts uint64) ([]byte, []byte, bool, error) {
	cur := ex.tree.NewCursor()
	// EncodeVersion(k, 0) sorts after every real version of k, so seeking it
	// skips the rest of the current key's version chain.
	target := codec.EncodeVersion(codec.EncodeBytes(nil, enc), 0)
	for {
		if err := cur.Seek(target); err != nil {
			return nil, nil, false, err
		}
		if !cur.Valid() {
			return nil, nil, false, nil
		}
		ukeyEnc, err := codec.DecodeUserKey(cur.Key())
		if err != nil {
			return nil, nil, false, err
		}
		ukeyEnc = append([]byte(nil), ukeyEnc...)

		key, val, ok, err := ex.visibleAt(cur, ukeyEnc, ts)
		if err != nil {
			return nil, nil, false, err
		}
		if ok {
			return key, val, true, nil
		}
		target = codec.EncodeVersion(ukeyEnc, 0)
	}
}

// committedPrev finds the last committed user key before enc that has a
// live version visible at ts.
func (ex *Exchange) committedPrev(enc []byte, ts uint64) ([]byte, []byte, bool, error) {
	cur := ex.tree.NewCursor()
	// EncodeVersion(k, TsMax) sorts before every real version of k, so the
	// entry just below it belongs to the previous user key.
	target := codec.EncodeVersion(codec.EncodeBytes(nil, enc), TsMax)
	for {
		if err := cur.SeekBefore(target); err != nil {
			return nil, nil, false, err
		}
		if !cur.Valid() {
			return nil, nil, false, nil
		}
		ukeyEnc, err := codec.DecodeUserKey(cur.Key())
		if err != nil {
			return nil, nil, false, err
		}
		ukeyEnc = append([]byte(nil), ukeyEnc...)

		key, val, ok, err := ex.visibleAt(cur, ukeyEnc, ts)
		if err != nil {
			return nil, nil, false, err
		}
		if ok {
			return key, val, true, nil
		}
		target = codec.EncodeVersion(ukeyEnc, TsMax)
	}
}

// committedLast finds the largest committed user key with a live version
// visible at ts.
func (ex *Exchange) committedLast(ts uint64) ([]byte, []byte, bool, error) {
	cur := ex.tree.NewCursor()
	if err := cur.Last(); err != nil {
		return nil, nil, false, err
	}
	if !cur.Valid() {
		return nil, nil, false, nil
	}
	ukeyEnc, err := codec.DecodeUserKey(cur.Key())
	if err != nil {
		return nil, nil, false, err
	}
	ukeyEnc = append([]byte(nil), ukeyEnc...)

	key, val, ok, err := ex.visibleAt(cur, ukeyEnc, ts)
	if err != nil || ok {
		return key, val, ok, err
	}
	_, raw, err := codec.DecodeBytes(ukeyEnc)
	if err != nil {
		return nil, nil, false, err
	}
	return ex.committedPrev(raw, ts)
}

// visibleAt repositions cur at the newest version of ukeyEnc at or below ts
// and resolves its payload. ok is false when the key has no visible version
// or the visible version is a tombstone.
func (ex *Exchange) visibleAt(cur *btree.Cursor, ukeyEnc []byte, ts uint64) ([]byte, []byte, bool, error) {
	if err := cur.Seek(codec.EncodeVersion(ukeyEnc, ts)); err != nil {
		return nil, nil, false, err
	}
	if !cur.Valid() {
		return nil, nil, false, nil
	}
	got, err := codec.DecodeUserKey(cur.Key())
	if err != nil {
		return nil, nil, false, err
	}
	if !bytes.Equal(got, ukeyEnc) {
		return nil, nil, false, nil
	}
	val, live, err := ex.db.readLeafValue(ex.vol, cur.Value())
	if err != nil || !live {
		return nil, nil, false, err
	}
	_, raw, err := codec.DecodeBytes(ukeyEnc)
	if err != nil {
		return nil, nil, false, err
	}
	return raw, val, true, nil
}
