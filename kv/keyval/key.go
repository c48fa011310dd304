package keyval

import (
	"bytes"
	"fmt"

	"github.com/pingcap/errors"
	"github.com/unikv/unikv/kv/util/codec"
)

// Key is the mutable composite key of a cursor. Segments are appended in
// order and encoded so that a bytewise comparison of the encoding matches
// the logical ordering of the typed segments. Append methods return the key
// so calls can be chained off Clear.
type Key struct {
	buf      []byte
	segments int
}

func NewKey() *Key {
	return &Key{}
}

// Clear resets the key to the empty key.
func (k *Key) Clear() *Key {
	k.buf = k.buf[:0]
	k.segments = 0
	return k
}

func (k *Key) AppendString(s string) *Key {
	k.buf = codec.EncodeBytesSegment(k.buf, []byte(s))
	k.segments++
	return k
}

func (k *Key) AppendBytes(b []byte) *Key {
	k.buf = codec.EncodeBytesSegment(k.buf, b)
	k.segments++
	return k
}

func (k *Key) AppendInt64(v int64) *Key {
	k.buf = codec.EncodeIntSegment(k.buf, v)
	k.segments++
	return k
}

func (k *Key) AppendUint64(v uint64) *Key {
	k.buf = codec.EncodeUintSegment(k.buf, v)
	k.segments++
	return k
}

func (k *Key) AppendFloat64(v float64) *Key {
	k.buf = codec.EncodeFloatSegment(k.buf, v)
	k.segments++
	return k
}

func (k *Key) AppendNil() *Key {
	k.buf = codec.EncodeNilSegment(k.buf)
	k.segments++
	return k
}

// Encoded returns a copy of the key's encoded image.
func (k *Key) Encoded() []byte {
	out := make([]byte, len(k.buf))
	copy(out, k.buf)
	return out
}

// SetEncoded replaces the key with an already encoded image, as produced by
// Encoded. Used when a traversal repositions the cursor.
func (k *Key) SetEncoded(b []byte) *Key {
	k.buf = append(k.buf[:0], b...)
	k.segments = -1 // unknown until decoded
	return k
}

func (k *Key) IsEmpty() bool {
	return len(k.buf) == 0
}

func (k *Key) Compare(other *Key) int {
	return bytes.Compare(k.buf, other.buf)
}

// Decode returns the typed segments of the key.
func (k *Key) Decode() ([]interface{}, error) {
	var out []interface{}
	rest := k.buf
	for len(rest) > 0 {
		var (
			v   interface{}
			err error
		)
		rest, _, v, err = codec.DecodeSegment(rest)
		if err != nil {
			return nil, errors.Annotate(err, "malformed key")
		}
		out = append(out, v)
	}
	return out, nil
}

func (k *Key) String() string {
	segs, err := k.Decode()
	if err != nil {
		return fmt.Sprintf("{invalid key %x}", k.buf)
	}
	return fmt.Sprintf("%v", segs)
}
