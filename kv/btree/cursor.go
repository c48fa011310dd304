package btree

import (
	"bytes"

	"github.com/unikv/unikv/kv/page"
	"github.com/unikv/unikv/log"
)

// Cursor navigates a tree in encoded-key order. It holds no pins or latches
// between calls: the position is remembered as a key copy plus a leaf
// generation hint, so advancing is cheap while the leaf is unchanged and
// falls back to a fresh descent when a concurrent structural change made the
// hint stale.
type Cursor struct {
	t     *Tree
	valid bool
	key   []byte
	val   []byte

	leafID  page.ID
	leafGen uint64
	idx     int
}

func (t *Tree) NewCursor() *Cursor {
	return &Cursor{t: t}
}

func (c *Cursor) Valid() bool {
	return c.valid
}

// Key returns the encoded key at the cursor. Valid until the next move.
func (c *Cursor) Key() []byte {
	return c.key
}

func (c *Cursor) Value() []byte {
	return c.val
}

func (c *Cursor) capture(pg *page.Page, idx int) {
	c.key = append(c.key[:0], pg.Keys[idx]...)
	c.val = append(c.val[:0], pg.Vals[idx]...)
	c.leafID = pg.ID
	c.leafGen = pg.Generation
	c.idx = idx
	c.valid = true
}

// Seek positions the cursor at the first entry with key >= target.
func (c *Cursor) Seek(target []byte) error {
	for {
		gen := c.t.readGen()
		ok, err := c.seekOnce(target)
		if err != nil {
			return err
		}
		if ok && c.t.readGen() == gen {
			return nil
		}
		// A split moved entries while we positioned; descend again.
	}
}

func (c *Cursor) seekOnce(target []byte) (bool, error) {
	leaf, path, err := c.t.descend(target)
	if err != nil {
		return false, err
	}
	releasePath(c.t.pool, path)

	leaf.RLock()
	pg := leaf.Page()
	idx, _ := pg.Search(target)
	if idx < len(pg.Keys) {
		c.capture(pg, idx)
		leaf.RUnlock()
		c.t.pool.Release(leaf)
		return true, nil
	}
	rightID := pg.Right
	leaf.RUnlock()
	c.t.pool.Release(leaf)

	// Past the last entry of the covering leaf: the successor lives in the
	// right sibling chain.
	for rightID != page.NilID {
		f, err := c.t.pool.Fetch(c.t.vol, rightID)
		if err != nil {
			return false, err
		}
		f.RLock()
		pg := f.Page()
		if len(pg.Keys) > 0 {
			if bytes.Compare(pg.Keys[0], target) < 0 {
				// Stale link; the caller re-descends.
				f.RUnlock()
				c.t.pool.Release(f)
				return false, nil
			}
			c.capture(pg, 0)
			f.RUnlock()
			c.t.pool.Release(f)
			return true, nil
		}
		rightID = pg.Right
		f.RUnlock()
		c.t.pool.Release(f)
	}
	c.valid = false
	return true, nil
}

// First positions the cursor at the smallest entry.
func (c *Cursor) First() error {
	return c.Seek(nil)
}

// Last positions the cursor at the largest entry.
func (c *Cursor) Last() error {
	for {
		gen := c.t.readGen()
		rootID, err := c.t.root()
		if err != nil {
			return err
		}
		ok, err := c.descendRightmost(rootID)
		if err != nil {
			return err
		}
		if ok && c.t.readGen() == gen {
			return nil
		}
	}
}

func (c *Cursor) descendRightmost(id page.ID) (bool, error) {
	for {
		f, err := c.t.pool.Fetch(c.t.vol, id)
		if err != nil {
			return false, err
		}
		f.RLock()
		pg := f.Page()
		switch pg.Type {
		case page.TypeInterior:
			id = pg.Children[len(pg.Children)-1]
			f.RUnlock()
			c.t.pool.Release(f)
		case page.TypeLeaf:
			if len(pg.Keys) == 0 {
				c.valid = false
			} else {
				c.capture(pg, len(pg.Keys)-1)
			}
			f.RUnlock()
			c.t.pool.Release(f)
			return true, nil
		default:
			f.RUnlock()
			c.t.pool.Release(f)
			return false, nil
		}
	}
}

// Next advances to the next entry in key order. When the remembered leaf is
// unchanged the advance stays inside it or follows the sibling link; a stale
// generation re-descends from the root instead.
func (c *Cursor) Next() error {
	if !c.valid {
		return nil
	}
	if ok, err := c.nextFast(); err != nil || ok {
		return err
	}
	// Successor of the current key: the shortest key strictly greater.
	return c.Seek(append(append([]byte(nil), c.key...), 0))
}

func (c *Cursor) nextFast() (bool, error) {
	f, err := c.t.pool.Fetch(c.t.vol, c.leafID)
	if err != nil {
		return false, err
	}
	f.RLock()
	pg := f.Page()
	if pg.Type != page.TypeLeaf || pg.Generation != c.leafGen {
		f.RUnlock()
		c.t.pool.Release(f)
		return false, nil
	}
	if c.idx+1 < len(pg.Keys) {
		c.capture(pg, c.idx+1)
		f.RUnlock()
		c.t.pool.Release(f)
		return true, nil
	}
	rightID := pg.Right
	f.RUnlock()
	c.t.pool.Release(f)

	if rightID == page.NilID {
		c.valid = false
		return true, nil
	}
	sib, err := c.t.pool.Fetch(c.t.vol, rightID)
	if err != nil {
		return false, err
	}
	sib.RLock()
	sp := sib.Page()
	if sp.Type == page.TypeLeaf && len(sp.Keys) > 0 && bytes.Compare(sp.Keys[0], c.key) > 0 {
		c.capture(sp, 0)
		sib.RUnlock()
		c.t.pool.Release(sib)
		return true, nil
	}
	sib.RUnlock()
	c.t.pool.Release(sib)
	return false, nil
}

// Prev moves to the previous entry in key order by descending to the last
// entry strictly below the current key.
func (c *Cursor) Prev() error {
	if !c.valid {
		return nil
	}
	return c.SeekBefore(c.key)
}

// SeekBefore positions the cursor at the last entry with key < target, or
// invalidates it when target is at or before the first entry.
func (c *Cursor) SeekBefore(target []byte) error {
	// target may alias c.key, which capture overwrites.
	target = append([]byte(nil), target...)
	for {
		gen := c.t.readGen()
		ok, err := c.seekBeforeOnce(target)
		if err != nil {
			return err
		}
		if ok && c.t.readGen() == gen {
			return nil
		}
	}
}

func (c *Cursor) seekBeforeOnce(target []byte) (bool, error) {
	leaf, path, err := c.t.descend(target)
	if err != nil {
		return false, err
	}
	defer releasePath(c.t.pool, path)

	leaf.RLock()
	pg := leaf.Page()
	idx, _ := pg.Search(target)
	if idx > 0 {
		c.capture(pg, idx-1)
		leaf.RUnlock()
		c.t.pool.Release(leaf)
		return true, nil
	}
	leaf.RUnlock()
	c.t.pool.Release(leaf)

	// The predecessor lives under the nearest ancestor with a child to the
	// left of the descent path.
	for d := len(path) - 1; d >= 0; d-- {
		if path[d].childIdx == 0 {
			continue
		}
		anc := path[d].frame
		anc.RLock()
		apg := anc.Page()
		var left page.ID
		if path[d].childIdx-1 < len(apg.Children) {
			left = apg.Children[path[d].childIdx-1]
		}
		anc.RUnlock()
		if left == page.NilID {
			return false, nil
		}
		ok, err := c.descendRightmost(left)
		if err != nil || !ok {
			return ok, err
		}
		if !c.valid {
			// Landed on an emptied leaf: pages are merged lazily, so keep
			// climbing to the next subtree on the left.
			log.Debugf("tree %s: predecessor descent hit empty leaf", c.t.name)
			continue
		}
		if bytes.Compare(c.key, target) >= 0 {
			// Stale descent.
			return false, nil
		}
		return true, nil
	}
	c.valid = false
	return true, nil
}
