package mvcc

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrConflict is the commit-time write-write conflict: some other
// transaction committed a newer version of a key this transaction wrote.
// The caller is expected to retry the entire transaction body; partial
// re-application is unsafe once a conflict is detected.
type ErrConflict struct {
	StartTS    uint64
	ConflictTS uint64
	Tree       string
	Key        []byte
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("write conflict: txn started at %d, key %q in tree %s committed at %d",
		e.StartTS, e.Key, e.Tree, e.ConflictTS)
}

// IsConflict reports whether err is a commit conflict, the condition the
// transaction retry loop branches on.
func IsConflict(err error) bool {
	_, ok := errors.Cause(err).(*ErrConflict)
	return ok
}

// ErrEngineFailed reports that an earlier commit failed while applying its
// writes. The in-memory state may be partially mutated, so the engine
// refuses further commits; restarting replays the journal without the
// failed commit record and restores a consistent state.
type ErrEngineFailed struct {
	Cause error
}

func (e *ErrEngineFailed) Error() string {
	return fmt.Sprintf("engine failed, writes refused until restart: %v", e.Cause)
}

// IsEngineFailed reports whether err is the fail-stop condition.
func IsEngineFailed(err error) bool {
	_, ok := errors.Cause(err).(*ErrEngineFailed)
	return ok
}

// ErrRetryable suggests that the caller may simply retry the operation.
type ErrRetryable string

func (e ErrRetryable) Error() string {
	return fmt.Sprintf("retryable: %s", string(e))
}

// ErrInvalidState is a protocol violation: the transaction is not in a
// state that permits the attempted operation.
type ErrInvalidState struct {
	Op    string
	State State
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("cannot %s a transaction in state %s", e.Op, e.State)
}
