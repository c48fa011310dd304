package btree

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"math"
	"math/rand"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unikv/unikv/kv/buffer"
	"github.com/unikv/unikv/kv/page"
	"github.com/unikv/unikv/kv/volume"
)

// openGate never blocks write-back; the journal is not under test here.
type openGate struct{}

func (openGate) DurableLSN() uint64 { return math.MaxUint64 }
func (openGate) Sync() error        { return nil }

func newTestTree(t *testing.T) (*Tree, func()) {
	dir, err := ioutil.TempDir("", "unikv-btree")
	require.NoError(t, err)
	vol, err := volume.Open(dir, "t", 1024)
	require.NoError(t, err)
	pool := buffer.NewPool(1024, openGate{})

	f, err := pool.NewPage(vol, page.TypeLeaf)
	require.NoError(t, err)
	root := f.Page().ID
	pool.Release(f)
	vol.SetRoot("idx", root)

	return New(vol, "idx", pool), func() {
		vol.Close()
		os.RemoveAll(dir)
	}
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%06d", i))
}

func val(i int) []byte {
	return []byte(fmt.Sprintf("val-%d", i))
}

func TestInsertAndSeek(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	require.NoError(t, tree.Insert([]byte("b"), []byte("2")))
	require.NoError(t, tree.Insert([]byte("a"), []byte("1")))
	require.NoError(t, tree.Insert([]byte("c"), []byte("3")))

	cur := tree.NewCursor()
	require.NoError(t, cur.Seek([]byte("b")))
	require.True(t, cur.Valid())
	require.Equal(t, []byte("b"), cur.Key())
	require.Equal(t, []byte("2"), cur.Value())

	// Seek lands on the first key >= target.
	require.NoError(t, cur.Seek([]byte("ab")))
	require.Equal(t, []byte("b"), cur.Key())

	require.NoError(t, cur.Seek([]byte("z")))
	require.False(t, cur.Valid())
}

func TestInsertOverwrites(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	require.NoError(t, tree.Insert([]byte("k"), []byte("old")))
	require.NoError(t, tree.Insert([]byte("k"), []byte("new")))

	cur := tree.NewCursor()
	require.NoError(t, cur.Seek([]byte("k")))
	require.Equal(t, []byte("new"), cur.Value())

	require.NoError(t, cur.Next())
	require.False(t, cur.Valid())
}

func TestSplitsPreserveOrder(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	// Enough entries to split leaves and grow interior levels on a 1 KB page.
	const n = 2000
	order := rand.New(rand.NewSource(1)).Perm(n)
	for _, i := range order {
		require.NoError(t, tree.Insert(key(i), val(i)))
	}

	cur := tree.NewCursor()
	require.NoError(t, cur.First())
	for i := 0; i < n; i++ {
		require.Truef(t, cur.Valid(), "cursor died at entry %d", i)
		require.Equal(t, key(i), cur.Key())
		require.Equal(t, val(i), cur.Value())
		require.NoError(t, cur.Next())
	}
	require.False(t, cur.Valid())

	require.NoError(t, cur.Last())
	require.Equal(t, key(n-1), cur.Key())
}

func TestReverseTraversal(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(key(i), val(i)))
	}

	cur := tree.NewCursor()
	require.NoError(t, cur.Last())
	for i := n - 1; i >= 0; i-- {
		require.True(t, cur.Valid())
		require.Equal(t, key(i), cur.Key())
		require.NoError(t, cur.Prev())
	}
	require.False(t, cur.Valid())
}

func TestSeekBefore(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	for _, k := range []string{"b", "d", "f"} {
		require.NoError(t, tree.Insert([]byte(k), []byte("v")))
	}

	cur := tree.NewCursor()
	require.NoError(t, cur.SeekBefore([]byte("e")))
	require.True(t, cur.Valid())
	require.Equal(t, []byte("d"), cur.Key())

	require.NoError(t, cur.SeekBefore([]byte("d")))
	require.Equal(t, []byte("b"), cur.Key())

	require.NoError(t, cur.SeekBefore([]byte("b")))
	require.False(t, cur.Valid())
}

func TestDelete(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Insert(key(i), val(i)))
	}
	for i := 0; i < 100; i += 2 {
		require.NoError(t, tree.Delete(key(i)))
	}
	// Deleting a missing key is a no-op.
	require.NoError(t, tree.Delete([]byte("nope")))

	cur := tree.NewCursor()
	require.NoError(t, cur.First())
	for i := 1; i < 100; i += 2 {
		require.True(t, cur.Valid())
		require.Equal(t, key(i), cur.Key())
		require.NoError(t, cur.Next())
	}
	require.False(t, cur.Valid())
}

func TestConcurrentReadersDuringInserts(t *testing.T) {
	tree, cleanup := newTestTree(t)
	defer cleanup()

	const n = 1500
	for i := 0; i < n; i += 2 {
		require.NoError(t, tree.Insert(key(i), val(i)))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cur := tree.NewCursor()
				if err := cur.First(); err != nil {
					t.Error(err)
					return
				}
				prev := []byte(nil)
				for cur.Valid() {
					if prev != nil && bytes.Compare(prev, cur.Key()) >= 0 {
						t.Errorf("order violation: %q then %q", prev, cur.Key())
						return
					}
					prev = append(prev[:0], cur.Key()...)
					if err := cur.Next(); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}()
	}

	// The single structural writer keeps inserting while readers scan.
	for i := 1; i < n; i += 2 {
		require.NoError(t, tree.Insert(key(i), val(i)))
	}
	close(stop)
	wg.Wait()

	cur := tree.NewCursor()
	require.NoError(t, cur.First())
	count := 0
	for cur.Valid() {
		count++
		require.NoError(t, cur.Next())
	}
	require.Equal(t, n, count)
}
