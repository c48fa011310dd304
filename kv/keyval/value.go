package keyval

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Value is the mutable payload of a cursor. A Value is undefined until a
// fetch finds an entry or a Put method stores content into it; fetching a
// missing key makes it undefined again.
type Value struct {
	data    []byte
	defined bool
}

func NewValue() *Value {
	return &Value{}
}

func (v *Value) Clear() *Value {
	v.data = v.data[:0]
	v.defined = false
	return v
}

// IsDefined reports whether the value holds content, i.e. whether the last
// fetch found an entry.
func (v *Value) IsDefined() bool {
	return v.defined
}

func (v *Value) PutString(s string) *Value {
	v.data = append(v.data[:0], s...)
	v.defined = true
	return v
}

func (v *Value) PutBytes(b []byte) *Value {
	v.data = append(v.data[:0], b...)
	v.defined = true
	return v
}

func (v *Value) PutInt64(n int64) *Value {
	var buf [binary.MaxVarintLen64]byte
	sz := binary.PutVarint(buf[:], n)
	v.data = append(v.data[:0], buf[:sz]...)
	v.defined = true
	return v
}

func (v *Value) GetString() string {
	return string(v.data)
}

// GetBytes returns the value payload. The slice aliases the cursor's buffer
// and is only valid until the next operation on the owning Exchange.
func (v *Value) GetBytes() []byte {
	return v.data
}

func (v *Value) GetInt64() (int64, error) {
	n, sz := binary.Varint(v.data)
	if sz <= 0 {
		return 0, errors.New("value does not hold a varint")
	}
	return n, nil
}

// Encoded returns a copy of the raw payload, or nil for an undefined value.
func (v *Value) Encoded() []byte {
	if !v.defined {
		return nil
	}
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}

// SetEncoded loads a raw payload fetched from a tree, marking the value
// defined. SetUndefined is its counterpart for a missing entry.
func (v *Value) SetEncoded(b []byte) *Value {
	v.data = append(v.data[:0], b...)
	v.defined = true
	return v
}

func (v *Value) SetUndefined() *Value {
	v.data = v.data[:0]
	v.defined = false
	return v
}
