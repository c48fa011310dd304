// Package btree implements the index structure: a B+Tree of encoded,
// versioned keys stored in fixed-size pages fetched through the buffer
// pool. Structural modification happens only on the serialized commit path,
// so the tree has at most one structural writer at a time; readers run
// concurrently under per-page shared latches and detect concurrent splits
// through the tree's structure generation, retrying their descent instead
// of blocking behind writers.
package btree

import (
	"bytes"
	"runtime"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/unikv/unikv/kv/buffer"
	"github.com/unikv/unikv/kv/page"
	"github.com/unikv/unikv/kv/volume"
)

// Tree is one named B+Tree inside a volume. Instances are shared; obtain
// them from the engine, which caches one per (volume, name).
type Tree struct {
	vol  *volume.Volume
	name string
	pool *buffer.Pool

	// structGen is a seqlock over structural changes: odd while a split or
	// root change is in progress, even otherwise. Readers snapshot it before
	// descending and retry when it moved.
	structGen atomic.Uint64
}

func New(vol *volume.Volume, name string, pool *buffer.Pool) *Tree {
	return &Tree{vol: vol, name: name, pool: pool}
}

func (t *Tree) Name() string {
	return t.name
}

func (t *Tree) Volume() *volume.Volume {
	return t.vol
}

func (t *Tree) root() (page.ID, error) {
	id, ok := t.vol.RootOf(t.name)
	if !ok {
		return 0, errors.WithStack(&volume.ErrTreeNotFound{Volume: t.vol.Name(), Tree: t.name})
	}
	return id, nil
}

// beginStructure / endStructure bracket a structural change on the single
// writer path.
func (t *Tree) beginStructure() {
	t.structGen.Add(1)
}

func (t *Tree) endStructure() {
	t.structGen.Add(1)
}

// readGen returns the current structure generation, spinning past any
// in-progress change.
func (t *Tree) readGen() uint64 {
	for {
		g := t.structGen.Load()
		if g&1 == 0 {
			return g
		}
		runtime.Gosched()
	}
}

type pathElem struct {
	frame    *buffer.Frame
	childIdx int
}

// descend walks from the root to the leaf covering key, returning the
// pinned leaf frame and the pinned interior path above it. No latches are
// held on return. Only the structural writer may use the returned path for
// modification.
func (t *Tree) descend(key []byte) (*buffer.Frame, []pathElem, error) {
	rootID, err := t.root()
	if err != nil {
		return nil, nil, err
	}
	var path []pathElem
	id := rootID
	for {
		f, err := t.pool.Fetch(t.vol, id)
		if err != nil {
			releasePath(t.pool, path)
			return nil, nil, err
		}
		f.RLock()
		pg := f.Page()
		switch pg.Type {
		case page.TypeLeaf:
			f.RUnlock()
			return f, path, nil
		case page.TypeInterior:
			idx := pg.ChildIndex(key)
			child := pg.Children[idx]
			f.RUnlock()
			path = append(path, pathElem{frame: f, childIdx: idx})
			id = child
		default:
			f.RUnlock()
			t.pool.Release(f)
			releasePath(t.pool, path)
			return nil, nil, errors.Errorf("tree %s: page %d has type %d in index position",
				t.name, pg.ID, pg.Type)
		}
	}
}

func releasePath(pool *buffer.Pool, path []pathElem) {
	for _, e := range path {
		pool.Release(e.frame)
	}
}

// Insert stores val at key, overwriting any existing entry. It must only be
// called from the serialized commit path.
func (t *Tree) Insert(key, val []byte) error {
	leaf, path, err := t.descend(key)
	if err != nil {
		return err
	}
	defer releasePath(t.pool, path)
	defer t.pool.Release(leaf)

	leaf.Lock()
	pg := leaf.Page()
	idx, found := pg.Search(key)
	if found {
		pg.ReplaceAt(idx, val)
		t.pool.MarkDirty(leaf)
		leaf.Unlock()
		return nil
	}
	delta := len(key) + len(val) + 8
	if pg.Fits(t.vol.PageSize(), delta) {
		pg.InsertAt(idx, key, val)
		t.pool.MarkDirty(leaf)
		leaf.Unlock()
		return nil
	}
	leaf.Unlock()

	return t.splitAndInsert(leaf, path, key, val)
}

// Delete physically removes the entry at key if present. Underflowed pages
// are not merged; space is reclaimed by future compaction.
func (t *Tree) Delete(key []byte) error {
	leaf, path, err := t.descend(key)
	if err != nil {
		return err
	}
	releasePath(t.pool, path)
	defer t.pool.Release(leaf)

	leaf.Lock()
	pg := leaf.Page()
	if idx, found := pg.Search(key); found {
		pg.DeleteAt(idx)
		t.pool.MarkDirty(leaf)
	}
	leaf.Unlock()
	return nil
}

// splitAndInsert splits the full leaf, inserts the entry into the proper
// half and pushes the separator upward, growing the root if necessary.
func (t *Tree) splitAndInsert(leaf *buffer.Frame, path []pathElem, key, val []byte) error {
	t.beginStructure()
	defer t.endStructure()

	right, err := t.pool.NewPage(t.vol, page.TypeLeaf)
	if err != nil {
		return err
	}
	defer t.pool.Release(right)

	leaf.Lock()
	lp := leaf.Page()
	rp := right.Page()

	mid := len(lp.Keys) / 2
	rp.Keys = append(rp.Keys, lp.Keys[mid:]...)
	rp.Vals = append(rp.Vals, lp.Vals[mid:]...)
	lp.Keys = lp.Keys[:mid]
	lp.Vals = lp.Vals[:mid]
	rp.Right = lp.Right
	lp.Right = rp.ID
	lp.Generation++
	rp.Generation++

	separator := append([]byte(nil), rp.Keys[0]...)
	target := lp
	if bytes.Compare(key, separator) >= 0 {
		target = rp
	}
	idx, found := target.Search(key)
	if found {
		target.ReplaceAt(idx, val)
	} else {
		target.InsertAt(idx, key, val)
	}
	t.pool.MarkDirty(leaf)
	t.pool.MarkDirty(right)
	leaf.Unlock()

	return t.insertSeparator(path, len(path)-1, separator, rp.ID)
}

// insertSeparator adds (separator, right) to the interior page at depth,
// splitting upward as needed. depth == -1 grows a new root.
func (t *Tree) insertSeparator(path []pathElem, depth int, separator []byte, right page.ID) error {
	if depth < 0 {
		return t.growRoot(path, separator, right)
	}

	parent := path[depth].frame
	parent.Lock()
	pp := parent.Page()
	idx := pp.ChildIndex(separator)
	delta := len(separator) + 16
	if pp.Fits(t.vol.PageSize(), delta) {
		pp.InsertSeparator(idx, separator, right)
		t.pool.MarkDirty(parent)
		parent.Unlock()
		return nil
	}

	// Split the interior page: the middle key moves up rather than being
	// kept, unlike a leaf split.
	newRight, err := t.pool.NewPage(t.vol, page.TypeInterior)
	if err != nil {
		parent.Unlock()
		return err
	}
	defer t.pool.Release(newRight)
	rp := newRight.Page()

	mid := len(pp.Keys) / 2
	promoted := append([]byte(nil), pp.Keys[mid]...)
	rp.Keys = append(rp.Keys, pp.Keys[mid+1:]...)
	rp.Children = append(rp.Children, pp.Children[mid+1:]...)
	pp.Keys = pp.Keys[:mid]
	pp.Children = pp.Children[:mid+1]
	rp.Right = pp.Right
	pp.Right = rp.ID
	pp.Generation++
	rp.Generation++

	if bytes.Compare(separator, promoted) >= 0 {
		rp.InsertSeparator(rp.ChildIndex(separator), separator, right)
	} else {
		pp.InsertSeparator(pp.ChildIndex(separator), separator, right)
	}
	t.pool.MarkDirty(parent)
	t.pool.MarkDirty(newRight)
	parent.Unlock()

	return t.insertSeparator(path, depth-1, promoted, rp.ID)
}

// growRoot makes the tree one level deeper: a fresh interior page routes
// between the old root and its new right sibling.
func (t *Tree) growRoot(path []pathElem, separator []byte, right page.ID) error {
	oldRoot, err := t.root()
	if err != nil {
		return err
	}
	if len(path) > 0 {
		oldRoot = path[0].frame.Page().ID
	}
	rootFrame, err := t.pool.NewPage(t.vol, page.TypeInterior)
	if err != nil {
		return err
	}
	defer t.pool.Release(rootFrame)
	rp := rootFrame.Page()
	rp.Children = []page.ID{oldRoot, right}
	rp.Keys = [][]byte{separator}
	rp.Generation++
	t.pool.MarkDirty(rootFrame)
	t.vol.SetRoot(t.name, rp.ID)
	return nil
}
