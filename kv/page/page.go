package page

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/pingcap/errors"
)

// Type discriminates the on-disk layouts of a page.
type Type byte

const (
	TypeHead     Type = 1 // volume head: directory and allocation state
	TypeInterior Type = 2 // routing page: separator keys and child pointers
	TypeLeaf     Type = 3 // leaf page: key/value entries
	TypeOverflow Type = 4 // long value chunk, chained through Right
)

// ID addresses a page within one volume. The head page is always ID 0, so 0
// doubles as the nil pointer for sibling and child links.
type ID uint64

const NilID ID = 0

const (
	headerSize  = 28
	trailerSize = 4

	crcMaskDelta uint32 = 0xa282ead8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskCRC32 rotates and offsets a checksum so that a CRC computed over data
// that itself embeds a CRC does not degenerate.
func maskCRC32(sum uint32) uint32 {
	return ((sum >> 15) | (sum << 17)) + crcMaskDelta
}

func unmaskCRC32(masked uint32) uint32 {
	rot := masked - crcMaskDelta
	return (rot << 15) | (rot >> 17)
}

// ErrCorrupt wraps any structural damage detected while decoding a page
// image. It is fatal to the volume; the engine never repairs it silently.
type ErrCorrupt struct {
	ID     ID
	Reason string
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("corrupt page %d: %s", uint64(e.ID), e.Reason)
}

func corrupt(id ID, format string, args ...interface{}) error {
	return errors.WithStack(&ErrCorrupt{ID: id, Reason: fmt.Sprintf(format, args...)})
}

// Page is the in-memory form of one fixed-size block of tree storage.
//
// Leaf pages keep Keys[i] -> Vals[i]. Interior pages keep len(Keys)+1
// Children, where Children[i] routes keys below Keys[i] and Children[n]
// routes the rest. Overflow pages keep a single chunk in Vals[0] and chain
// through Right. The Generation stamp increments on every structural change
// and lets lock-free readers detect that a traversal went stale.
type Page struct {
	ID         ID
	Type       Type
	Generation uint64
	Right      ID
	Keys       [][]byte
	Vals       [][]byte
	Children   []ID
}

func New(id ID, typ Type) *Page {
	return &Page{ID: id, Type: typ}
}

// Size returns the marshaled byte size of the page.
func (p *Page) Size() int {
	size := headerSize + trailerSize
	var lenBuf [binary.MaxVarintLen64]byte
	switch p.Type {
	case TypeLeaf:
		for i := range p.Keys {
			size += binary.PutUvarint(lenBuf[:], uint64(len(p.Keys[i])))
			size += binary.PutUvarint(lenBuf[:], uint64(len(p.Vals[i])))
			size += len(p.Keys[i]) + len(p.Vals[i])
		}
	case TypeInterior:
		size += 8 // leftmost child
		for i := range p.Keys {
			size += binary.PutUvarint(lenBuf[:], uint64(len(p.Keys[i])))
			size += len(p.Keys[i]) + 8
		}
	case TypeOverflow, TypeHead:
		size += 4
		if len(p.Vals) > 0 {
			size += len(p.Vals[0])
		}
	}
	return size
}

// Fits reports whether the page still marshals into pageSize bytes after
// adding delta more payload bytes.
func (p *Page) Fits(pageSize, delta int) bool {
	return p.Size()+delta <= pageSize
}

// MaxEntrySize bounds one leaf entry (key plus stored payload) so that a
// page always holds at least two entries and a split can redistribute them.
// Entries over this limit must be rejected before they reach a page.
func MaxEntrySize(pageSize int) int {
	return (pageSize - headerSize - trailerSize - 4*binary.MaxVarintLen64) / 2
}

// Marshal writes the page image into buf, which must be exactly the volume
// page size. Fails if the content overflows the page.
func (p *Page) Marshal(buf []byte) error {
	if p.Size() > len(buf) {
		return errors.Errorf("page %d content %d bytes exceeds page size %d", p.ID, p.Size(), len(buf))
	}
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = byte(p.Type)
	binary.BigEndian.PutUint16(buf[2:], uint16(len(p.Keys)))
	binary.BigEndian.PutUint64(buf[4:], p.Generation)
	binary.BigEndian.PutUint64(buf[12:], uint64(p.Right))
	binary.BigEndian.PutUint64(buf[20:], uint64(p.ID))

	off := headerSize
	switch p.Type {
	case TypeLeaf:
		for i := range p.Keys {
			off += binary.PutUvarint(buf[off:], uint64(len(p.Keys[i])))
			off += binary.PutUvarint(buf[off:], uint64(len(p.Vals[i])))
			off += copy(buf[off:], p.Keys[i])
			off += copy(buf[off:], p.Vals[i])
		}
	case TypeInterior:
		binary.BigEndian.PutUint64(buf[off:], uint64(p.Children[0]))
		off += 8
		for i := range p.Keys {
			off += binary.PutUvarint(buf[off:], uint64(len(p.Keys[i])))
			off += copy(buf[off:], p.Keys[i])
			binary.BigEndian.PutUint64(buf[off:], uint64(p.Children[i+1]))
			off += 8
		}
	case TypeOverflow, TypeHead:
		var chunk []byte
		if len(p.Vals) > 0 {
			chunk = p.Vals[0]
		}
		binary.BigEndian.PutUint32(buf[off:], uint32(len(chunk)))
		off += 4
		off += copy(buf[off:], chunk)
	default:
		return errors.Errorf("page %d has unknown type %d", p.ID, p.Type)
	}

	sum := crc32.Checksum(buf[:len(buf)-trailerSize], castagnoli)
	binary.BigEndian.PutUint32(buf[len(buf)-trailerSize:], maskCRC32(sum))
	return nil
}

// Unmarshal decodes a page image read from a volume. The checksum and the
// self-identifying page ID are verified; any mismatch is corruption.
func Unmarshal(id ID, buf []byte) (*Page, error) {
	if len(buf) < headerSize+trailerSize {
		return nil, corrupt(id, "image truncated to %d bytes", len(buf))
	}
	stored := unmaskCRC32(binary.BigEndian.Uint32(buf[len(buf)-trailerSize:]))
	if sum := crc32.Checksum(buf[:len(buf)-trailerSize], castagnoli); sum != stored {
		return nil, corrupt(id, "checksum mismatch: computed %08x, stored %08x", sum, stored)
	}
	if selfID := ID(binary.BigEndian.Uint64(buf[20:])); selfID != id {
		return nil, corrupt(id, "image identifies itself as page %d", uint64(selfID))
	}

	p := &Page{
		ID:         id,
		Type:       Type(buf[0]),
		Generation: binary.BigEndian.Uint64(buf[4:]),
		Right:      ID(binary.BigEndian.Uint64(buf[12:])),
	}
	count := int(binary.BigEndian.Uint16(buf[2:]))
	body := buf[headerSize : len(buf)-trailerSize]

	readUvarint := func() (int, error) {
		v, n := binary.Uvarint(body)
		if n <= 0 {
			return 0, corrupt(id, "bad varint in page body")
		}
		body = body[n:]
		return int(v), nil
	}
	take := func(n int) ([]byte, error) {
		if n < 0 || n > len(body) {
			return nil, corrupt(id, "entry length %d exceeds page body", n)
		}
		out := make([]byte, n)
		copy(out, body[:n])
		body = body[n:]
		return out, nil
	}

	switch p.Type {
	case TypeLeaf:
		p.Keys = make([][]byte, 0, count)
		p.Vals = make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			klen, err := readUvarint()
			if err != nil {
				return nil, err
			}
			vlen, err := readUvarint()
			if err != nil {
				return nil, err
			}
			key, err := take(klen)
			if err != nil {
				return nil, err
			}
			val, err := take(vlen)
			if err != nil {
				return nil, err
			}
			p.Keys = append(p.Keys, key)
			p.Vals = append(p.Vals, val)
		}
	case TypeInterior:
		if len(body) < 8 {
			return nil, corrupt(id, "interior page missing leftmost child")
		}
		p.Children = append(p.Children, ID(binary.BigEndian.Uint64(body)))
		body = body[8:]
		p.Keys = make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			klen, err := readUvarint()
			if err != nil {
				return nil, err
			}
			key, err := take(klen)
			if err != nil {
				return nil, err
			}
			if len(body) < 8 {
				return nil, corrupt(id, "interior page missing child pointer")
			}
			p.Keys = append(p.Keys, key)
			p.Children = append(p.Children, ID(binary.BigEndian.Uint64(body)))
			body = body[8:]
		}
	case TypeOverflow, TypeHead:
		if len(body) < 4 {
			return nil, corrupt(id, "chunk page missing length")
		}
		n := int(binary.BigEndian.Uint32(body))
		body = body[4:]
		chunk, err := take(n)
		if err != nil {
			return nil, err
		}
		p.Vals = [][]byte{chunk}
	default:
		return nil, corrupt(id, "unknown page type %d", buf[0])
	}
	return p, nil
}

// Search locates key among the page's keys. It returns the index of the
// first key >= the target and whether it is an exact match.
func (p *Page) Search(key []byte) (int, bool) {
	idx := sort.Search(len(p.Keys), func(i int) bool {
		return bytes.Compare(p.Keys[i], key) >= 0
	})
	found := idx < len(p.Keys) && bytes.Equal(p.Keys[idx], key)
	return idx, found
}

// ChildIndex returns the index into Children of the subtree covering key.
func (p *Page) ChildIndex(key []byte) int {
	return sort.Search(len(p.Keys), func(i int) bool {
		return bytes.Compare(p.Keys[i], key) > 0
	})
}

// InsertAt places a key/value entry at idx in a leaf page.
func (p *Page) InsertAt(idx int, key, val []byte) {
	p.Keys = append(p.Keys, nil)
	copy(p.Keys[idx+1:], p.Keys[idx:])
	p.Keys[idx] = key
	p.Vals = append(p.Vals, nil)
	copy(p.Vals[idx+1:], p.Vals[idx:])
	p.Vals[idx] = val
	p.Generation++
}

// ReplaceAt overwrites the value of an existing leaf entry.
func (p *Page) ReplaceAt(idx int, val []byte) {
	p.Vals[idx] = val
	p.Generation++
}

// DeleteAt removes the leaf entry at idx.
func (p *Page) DeleteAt(idx int) {
	p.Keys = append(p.Keys[:idx], p.Keys[idx+1:]...)
	p.Vals = append(p.Vals[:idx], p.Vals[idx+1:]...)
	p.Generation++
}

// InsertSeparator splices a separator key and its right child into an
// interior page so that Children[idx+1] routes keys >= key.
func (p *Page) InsertSeparator(idx int, key []byte, right ID) {
	p.Keys = append(p.Keys, nil)
	copy(p.Keys[idx+1:], p.Keys[idx:])
	p.Keys[idx] = key
	p.Children = append(p.Children, NilID)
	copy(p.Children[idx+2:], p.Children[idx+1:])
	p.Children[idx+1] = right
	p.Generation++
}
