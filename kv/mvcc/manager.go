// Package mvcc implements optimistic multi-version concurrency control.
// Transactions buffer their writes and validate at commit time: if any
// written key gained a committed version newer than the transaction's start
// version, the whole commit fails with ErrConflict and the caller retries
// the transaction body. Commits are serialized on the journal tail, so the
// append order of commit records is the global commit order.
package mvcc

import (
	"sync"

	gbtree "github.com/google/btree"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/unikv/unikv/log"
)

const writeSetDegree = 16

// Backend is the slice of the storage engine the transaction manager
// drives: conflict probing against committed versions, and the journaled
// application of a validated write set.
type Backend interface {
	// LatestVersion returns the newest commit version of key in tree, or 0
	// when the key has never been written.
	LatestVersion(tree string, key []byte) (uint64, error)
	// ApplyCommit journals the transaction bracket, applies every write as
	// a version stamped commitTS and, when durable, forces the journal
	// before returning. Called with the commit section held.
	ApplyCommit(writes []*Write, commitTS uint64, durable bool) error
}

// Manager allocates versions and runs the commit protocol. There is one
// Manager per DB; the version counter is process-wide state whose
// uniqueness and monotonicity across threads is the invariant, maintained
// by atomic increments.
type Manager struct {
	backend Backend
	latches *Latches

	// version is the last allocated commit version; visible is the newest
	// version whose application has completed and may be observed by new
	// transactions.
	version atomic.Uint64
	visible atomic.Uint64

	// commitMu is the serialized commit section: validation, version
	// allocation and journal bracket happen under it, so no transaction can
	// observe a half-applied commit below its start version.
	commitMu sync.Mutex

	// failedMu guards failedErr, the latched cause of the first commit that
	// failed mid-application. Memory may hold a partial application after
	// such a failure; only a restart and journal replay restores consistency.
	failedMu  sync.Mutex
	failedErr error
}

func NewManager(backend Backend) *Manager {
	return &Manager{
		backend: backend,
		latches: NewLatches(),
	}
}

// SetVersion initializes the version counters after recovery to the newest
// recovered commit version.
func (m *Manager) SetVersion(ts uint64) {
	m.version.Store(ts)
	m.visible.Store(ts)
}

// VisibleVersion returns the newest fully applied commit version.
func (m *Manager) VisibleVersion() uint64 {
	return m.visible.Load()
}

// Begin starts a transaction at the current visible version.
func (m *Manager) Begin() *Txn {
	beginsTotal.Inc()
	return &Txn{
		mgr:     m,
		startTS: m.visible.Load(),
		state:   StateActive,
		writes:  gbtree.New(writeSetDegree),
	}
}

// Commit runs the commit protocol for txn. On conflict the transaction is
// rolled back and ErrConflict returned; the caller retries the whole
// transaction body. A read-only transaction commits without touching the
// journal.
func (m *Manager) Commit(txn *Txn, durable bool) error {
	if txn.state != StateActive {
		return errors.WithStack(&ErrInvalidState{Op: "commit", State: txn.state})
	}
	writes := txn.writeSlice()
	if len(writes) == 0 {
		txn.state = StateCommitted
		commitsTotal.Inc()
		return nil
	}

	latchKeys := make([]string, len(writes))
	for i, w := range writes {
		latchKeys[i] = w.Tree + "\x00" + string(w.Key)
	}
	m.latches.WaitForLatches(latchKeys)
	defer m.latches.ReleaseLatches(latchKeys)

	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if err := m.Failed(); err != nil {
		return err
	}

	for _, w := range writes {
		ts, err := m.backend.LatestVersion(w.Tree, w.Key)
		if err != nil {
			return err
		}
		if ts > txn.startTS {
			txn.writes.Clear(false)
			txn.state = StateRolledBack
			conflictsTotal.Inc()
			return errors.WithStack(&ErrConflict{
				StartTS:    txn.startTS,
				ConflictTS: ts,
				Tree:       w.Tree,
				Key:        w.Key,
			})
		}
	}

	commitTS := m.version.Add(1)
	if err := m.backend.ApplyCommit(writes, commitTS, durable); err != nil {
		m.Fail(err)
		txn.state = StateEnded
		return err
	}
	m.visible.Store(commitTS)
	txn.writes.Clear(false)
	txn.state = StateCommitted
	commitsTotal.Inc()
	return nil
}

// Exclusive runs fn with the commit section held, keeping every commit
// bracket out of the journal while fn appends its own records. Checkpoints
// and structural bootstrap (tree creation) use it.
func (m *Manager) Exclusive(fn func() error) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if err := m.Failed(); err != nil {
		return err
	}
	return fn()
}

// Fail moves the manager into fail-stop: the first cause is latched and
// every later Commit, Exclusive section and checkpoint is refused until the
// engine restarts.
func (m *Manager) Fail(cause error) {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	if m.failedErr == nil {
		m.failedErr = cause
		log.Errorf("engine failed mid-commit, refusing further writes: %v", cause)
	}
}

// Failed returns the fail-stop condition, or nil while the manager is
// healthy.
func (m *Manager) Failed() error {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	if m.failedErr != nil {
		return errors.WithStack(&ErrEngineFailed{Cause: m.failedErr})
	}
	return nil
}

// NextVersion allocates a version inside an Exclusive section, for
// structural commits that bypass the transaction path.
func (m *Manager) NextVersion() uint64 {
	return m.version.Add(1)
}

// PublishVersion marks ts applied and visible.
func (m *Manager) PublishVersion(ts uint64) {
	m.visible.Store(ts)
}
