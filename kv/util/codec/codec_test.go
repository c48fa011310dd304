package codec

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeBytesOrdering(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0x00, 0x00},
		{0x01},
		{0x01, 0x02, 0x03},
		{0x01, 0x02, 0x03, 0x00},
		{0x01, 0x03},
		{0x01, 0x03, 0x03},
		bytes.Repeat([]byte{0xAB}, 20),
		{0xFF},
		{0xFF, 0x00},
	}
	for i := 1; i < len(inputs); i++ {
		a := EncodeBytes(nil, inputs[i-1])
		b := EncodeBytes(nil, inputs[i])
		require.Truef(t, bytes.Compare(a, b) < 0,
			"%x should encode below %x", inputs[i-1], inputs[i])
	}
}

func TestEncodeBytesRoundTrip(t *testing.T) {
	for _, in := range [][]byte{nil, {}, {0}, {1, 2, 3}, bytes.Repeat([]byte{7}, 100)} {
		enc := EncodeBytes(nil, in)
		rest, out, err := DecodeBytes(enc)
		require.NoError(t, err)
		require.Len(t, rest, 0)
		require.Equal(t, append([]byte{}, in...), out)
	}
}

func TestDecodeBytesErrors(t *testing.T) {
	_, _, err := DecodeBytes([]byte{1, 2, 3})
	require.Error(t, err)

	enc := EncodeBytes(nil, []byte{1, 2, 3})
	enc[3] = 0xFF // non-zero padding byte
	_, _, err = DecodeBytes(enc)
	require.Error(t, err)

	enc = EncodeBytes(nil, []byte{1, 2, 3})
	enc[8] = 0x12 // marker below the valid range
	_, _, err = DecodeBytes(enc)
	require.Error(t, err)
}

func TestSegmentTypeOrdering(t *testing.T) {
	// nil < bytes < int < uint < float, regardless of content.
	encoded := [][]byte{
		EncodeNilSegment(nil),
		EncodeBytesSegment(nil, []byte{0xFF, 0xFF}),
		EncodeIntSegment(nil, -1<<62),
		EncodeUintSegment(nil, 0),
		EncodeFloatSegment(nil, -1e300),
	}
	for i := 1; i < len(encoded); i++ {
		require.Truef(t, bytes.Compare(encoded[i-1], encoded[i]) < 0,
			"segment type %d should sort below type %d", i-1, i)
	}
}

func TestIntSegmentOrdering(t *testing.T) {
	values := []int64{-1 << 63, -100000, -1, 0, 1, 42, 1 << 40, 1<<63 - 1}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = EncodeIntSegment(nil, v)
	}
	require.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}))
}

func TestFloatSegmentOrdering(t *testing.T) {
	values := []float64{-1e300, -1.5, -0.0001, 0, 0.0001, 1.5, 1e300}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = EncodeFloatSegment(nil, v)
	}
	require.True(t, sort.SliceIsSorted(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i], encoded[j]) < 0
	}))
}

func TestDecodeSegmentRoundTrip(t *testing.T) {
	key := EncodeBytesSegment(nil, []byte("hello"))
	key = EncodeIntSegment(key, -7)
	key = EncodeUintSegment(key, 7)
	key = EncodeFloatSegment(key, 3.5)
	key = EncodeNilSegment(key)

	rest, flag, v, err := DecodeSegment(key)
	require.NoError(t, err)
	require.Equal(t, BytesFlag, flag)
	require.Equal(t, []byte("hello"), v)

	rest, flag, v, err = DecodeSegment(rest)
	require.NoError(t, err)
	require.Equal(t, IntFlag, flag)
	require.Equal(t, int64(-7), v)

	rest, flag, v, err = DecodeSegment(rest)
	require.NoError(t, err)
	require.Equal(t, UintFlag, flag)
	require.Equal(t, uint64(7), v)

	rest, flag, v, err = DecodeSegment(rest)
	require.NoError(t, err)
	require.Equal(t, FloatFlag, flag)
	require.Equal(t, 3.5, v)

	rest, flag, v, err = DecodeSegment(rest)
	require.NoError(t, err)
	require.Equal(t, NilFlag, flag)
	require.Nil(t, v)
	require.Len(t, rest, 0)

	_, _, _, err = DecodeSegment([]byte{0x77})
	require.Error(t, err)
}

func TestVersionedKeyOrdering(t *testing.T) {
	key := EncodeBytes(nil, []byte("k"))
	newer := EncodeVersion(append([]byte(nil), key...), 10)
	older := EncodeVersion(append([]byte(nil), key...), 3)
	// Newer versions sort first within one key.
	require.True(t, bytes.Compare(newer, older) < 0)

	ukey, err := DecodeUserKey(newer)
	require.NoError(t, err)
	require.Equal(t, key, ukey)
	ts, err := DecodeVersion(newer)
	require.NoError(t, err)
	require.Equal(t, uint64(10), ts)

	_, err = DecodeUserKey([]byte{1})
	require.Error(t, err)
	_, err = DecodeVersion([]byte{1})
	require.Error(t, err)
}
