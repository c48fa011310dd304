package keyval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyAppendAndDecode(t *testing.T) {
	k := NewKey().AppendString("orders").AppendInt64(-5).AppendUint64(9).AppendFloat64(1.25).AppendNil()
	segs, err := k.Decode()
	require.NoError(t, err)
	require.Equal(t, []interface{}{[]byte("orders"), int64(-5), uint64(9), 1.25, nil}, segs)
}

func TestKeyOrdering(t *testing.T) {
	a := NewKey().AppendString("a").AppendInt64(1)
	b := NewKey().AppendString("a").AppendInt64(2)
	c := NewKey().AppendString("b")
	require.True(t, a.Compare(b) < 0)
	require.True(t, b.Compare(c) < 0)
	require.True(t, c.Compare(a) > 0)
	require.Equal(t, 0, a.Compare(NewKey().AppendString("a").AppendInt64(1)))
}

func TestKeyEncodedRoundTrip(t *testing.T) {
	k := NewKey().AppendString("x").AppendInt64(7)
	enc := k.Encoded()

	other := NewKey().SetEncoded(enc)
	require.Equal(t, 0, k.Compare(other))
	segs, err := other.Decode()
	require.NoError(t, err)
	require.Equal(t, []interface{}{[]byte("x"), int64(7)}, segs)

	// Encoded returns a copy: mutating it must not touch the key.
	enc[0] ^= 0xFF
	require.Equal(t, 0, k.Compare(NewKey().AppendString("x").AppendInt64(7)))
}

func TestKeyClear(t *testing.T) {
	k := NewKey().AppendString("gone")
	require.False(t, k.IsEmpty())
	k.Clear()
	require.True(t, k.IsEmpty())
	require.Len(t, k.Encoded(), 0)
}

func TestValueRoundTrip(t *testing.T) {
	v := NewValue()
	require.False(t, v.IsDefined())

	v.PutString("hello")
	require.True(t, v.IsDefined())
	require.Equal(t, "hello", v.GetString())

	v.PutInt64(-42)
	n, err := v.GetInt64()
	require.NoError(t, err)
	require.Equal(t, int64(-42), n)

	v.PutBytes([]byte{1, 2, 3})
	require.Equal(t, []byte{1, 2, 3}, v.GetBytes())

	enc := v.Encoded()
	w := NewValue().SetEncoded(enc)
	require.True(t, w.IsDefined())
	require.Equal(t, []byte{1, 2, 3}, w.GetBytes())

	w.SetUndefined()
	require.False(t, w.IsDefined())
}
