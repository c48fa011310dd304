package engine

import (
	"fmt"

	"github.com/pingcap/errors"

	"github.com/unikv/unikv/kv/buffer"
	"github.com/unikv/unikv/kv/mvcc"
	"github.com/unikv/unikv/kv/volume"
)

// ErrWrongThread is a protocol violation: an Exchange was used from a
// goroutine other than its owner.
type ErrWrongThread struct {
	Owner  int64
	Caller int64
}

func (e *ErrWrongThread) Error() string {
	return fmt.Sprintf("exchange owned by goroutine %d used from goroutine %d", e.Owner, e.Caller)
}

// ErrEntryTooLarge rejects a write whose key and stored payload cannot
// share a leaf page with a second entry. Values over the long-value
// threshold already move out of line, so the key is the unbounded part.
type ErrEntryTooLarge struct {
	Size int
	Max  int
}

func (e *ErrEntryTooLarge) Error() string {
	return fmt.Sprintf("entry of %d bytes exceeds the per-page limit of %d bytes", e.Size, e.Max)
}

// IsTreeNotFound reports whether err is the "tree not found" condition.
func IsTreeNotFound(err error) bool {
	_, ok := errors.Cause(err).(*volume.ErrTreeNotFound)
	return ok
}

// IsRetryable reports whether err is a transient condition the caller
// should simply retry: a commit conflict or buffer pool exhaustion.
func IsRetryable(err error) bool {
	if mvcc.IsConflict(err) {
		return true
	}
	cause := errors.Cause(err)
	if cause == buffer.ErrPoolExhausted {
		return true
	}
	_, ok := cause.(mvcc.ErrRetryable)
	return ok
}
