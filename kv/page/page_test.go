package page

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

const testPageSize = 1024

func TestLeafMarshalRoundTrip(t *testing.T) {
	p := New(7, TypeLeaf)
	p.Generation = 3
	p.Right = 9
	p.Keys = [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	p.Vals = [][]byte{[]byte("1"), {}, []byte("333")}

	buf := make([]byte, testPageSize)
	require.NoError(t, p.Marshal(buf))

	q, err := Unmarshal(7, buf)
	require.NoError(t, err)
	require.Equal(t, p.Type, q.Type)
	require.Equal(t, p.Generation, q.Generation)
	require.Equal(t, p.Right, q.Right)
	require.Equal(t, p.Keys, q.Keys)
	require.Equal(t, [][]byte{[]byte("1"), {}, []byte("333")}, q.Vals)
}

func TestInteriorMarshalRoundTrip(t *testing.T) {
	p := New(4, TypeInterior)
	p.Keys = [][]byte{[]byte("m"), []byte("t")}
	p.Children = []ID{10, 11, 12}

	buf := make([]byte, testPageSize)
	require.NoError(t, p.Marshal(buf))

	q, err := Unmarshal(4, buf)
	require.NoError(t, err)
	require.Equal(t, p.Keys, q.Keys)
	require.Equal(t, p.Children, q.Children)
}

func TestOverflowMarshalRoundTrip(t *testing.T) {
	p := New(5, TypeOverflow)
	p.Right = 6
	p.Vals = [][]byte{[]byte("chunk of a long value")}

	buf := make([]byte, testPageSize)
	require.NoError(t, p.Marshal(buf))
	q, err := Unmarshal(5, buf)
	require.NoError(t, err)
	require.Equal(t, ID(6), q.Right)
	require.Equal(t, p.Vals, q.Vals)
}

func TestUnmarshalDetectsCorruption(t *testing.T) {
	p := New(3, TypeLeaf)
	p.Keys = [][]byte{[]byte("k")}
	p.Vals = [][]byte{[]byte("v")}
	buf := make([]byte, testPageSize)
	require.NoError(t, p.Marshal(buf))

	flipped := append([]byte(nil), buf...)
	flipped[headerSize] ^= 0x01
	_, err := Unmarshal(3, flipped)
	require.Error(t, err)
	require.IsType(t, &ErrCorrupt{}, errors.Cause(err))

	// The image identifies itself; reading it under the wrong ID fails even
	// with an intact checksum.
	_, err = Unmarshal(4, buf)
	require.Error(t, err)
}

func TestMarshalRejectsOverflowingContent(t *testing.T) {
	p := New(1, TypeLeaf)
	p.Keys = [][]byte{make([]byte, testPageSize)}
	p.Vals = [][]byte{make([]byte, testPageSize)}
	require.Error(t, p.Marshal(make([]byte, testPageSize)))
}

func TestSearchAndChildIndex(t *testing.T) {
	p := New(1, TypeLeaf)
	p.Keys = [][]byte{[]byte("b"), []byte("d"), []byte("f")}
	p.Vals = [][]byte{nil, nil, nil}

	idx, found := p.Search([]byte("d"))
	require.True(t, found)
	require.Equal(t, 1, idx)
	idx, found = p.Search([]byte("c"))
	require.False(t, found)
	require.Equal(t, 1, idx)
	idx, found = p.Search([]byte("z"))
	require.False(t, found)
	require.Equal(t, 3, idx)

	ip := New(2, TypeInterior)
	ip.Keys = [][]byte{[]byte("m")}
	ip.Children = []ID{10, 11}
	require.Equal(t, 0, ip.ChildIndex([]byte("a")))
	// Keys equal to the separator route right.
	require.Equal(t, 1, ip.ChildIndex([]byte("m")))
	require.Equal(t, 1, ip.ChildIndex([]byte("z")))
}

func TestLeafEditsBumpGeneration(t *testing.T) {
	p := New(1, TypeLeaf)
	gen := p.Generation

	p.InsertAt(0, []byte("b"), []byte("2"))
	p.InsertAt(0, []byte("a"), []byte("1"))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, p.Keys)
	require.True(t, p.Generation > gen)

	gen = p.Generation
	p.ReplaceAt(1, []byte("22"))
	require.Equal(t, []byte("22"), p.Vals[1])
	require.True(t, p.Generation > gen)

	gen = p.Generation
	p.DeleteAt(0)
	require.Equal(t, [][]byte{[]byte("b")}, p.Keys)
	require.True(t, p.Generation > gen)
}

func TestInsertSeparator(t *testing.T) {
	p := New(1, TypeInterior)
	p.Keys = [][]byte{[]byte("m")}
	p.Children = []ID{10, 11}

	p.InsertSeparator(p.ChildIndex([]byte("f")), []byte("f"), 12)
	require.Equal(t, [][]byte{[]byte("f"), []byte("m")}, p.Keys)
	require.Equal(t, []ID{10, 12, 11}, p.Children)
}

func TestFitsTracksSize(t *testing.T) {
	p := New(1, TypeLeaf)
	require.True(t, p.Fits(testPageSize, 100))
	for i := 0; i < 40; i++ {
		p.InsertAt(i, []byte{byte(i)}, make([]byte, 16))
	}
	require.False(t, p.Fits(testPageSize, 400))
}
