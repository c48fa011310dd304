package engine

import (
	"encoding/binary"

	"github.com/pierrec/lz4"
	"github.com/pingcap/errors"

	"github.com/unikv/unikv/kv/page"
	"github.com/unikv/unikv/kv/volume"
)

// Leaf payload tags. A tombstone is a version that records a delete; it
// shadows older versions until compaction removes the chain.
const (
	valueTombstone byte = 0x00
	valueInline    byte = 0x01
	valueOverflow  byte = 0x02

	overflowCompressionNone byte = 0
	overflowCompressionLz4  byte = 1
)

var tombstonePayload = []byte{valueTombstone}

// overflowRefMax bounds the leaf reference to an overflow chain: tag, first
// page id, raw and stored lengths, compression byte.
const overflowRefMax = 1 + 8 + 2*binary.MaxVarintLen64 + 1

// overflowChunkSize leaves room for the page header, trailer and chunk
// length within one overflow page.
func overflowChunkSize(pageSize int) int {
	return pageSize - 40
}

// encodeLeafValue builds the leaf payload for one buffered write. Values
// over the configured threshold move out of line into a chain of overflow
// pages, lz4-compressed when that shrinks them; the leaf keeps a reference.
// Called on the serialized commit path.
func (db *DB) encodeLeafValue(vol *volume.Volume, value []byte, deleted bool) ([]byte, error) {
	if deleted {
		return tombstonePayload, nil
	}
	if len(value) <= db.conf.LongValueThreshold {
		return append([]byte{valueInline}, value...), nil
	}

	stored := value
	compression := overflowCompressionNone
	if compressed := lz4CompressValue(value); compressed != nil && len(compressed) < len(value)-(len(value)/8) {
		stored = compressed
		compression = overflowCompressionLz4
	}

	first, err := db.writeOverflowChain(vol, stored)
	if err != nil {
		return nil, err
	}
	ref := make([]byte, 0, overflowRefMax)
	ref = append(ref, valueOverflow)
	var b8 [8]byte
	binary.BigEndian.PutUint64(b8[:], uint64(first))
	ref = append(ref, b8[:]...)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(value)))
	ref = append(ref, lenBuf[:n]...)
	n = binary.PutUvarint(lenBuf[:], uint64(len(stored)))
	ref = append(ref, lenBuf[:n]...)
	ref = append(ref, compression)
	return ref, nil
}

// writeOverflowChain stores data in freshly allocated overflow pages and
// returns the head of the chain. The chain is built back to front so each
// page links to the next without revisiting.
func (db *DB) writeOverflowChain(vol *volume.Volume, data []byte) (page.ID, error) {
	chunk := overflowChunkSize(vol.PageSize())
	next := page.NilID
	for off := ((len(data) - 1) / chunk) * chunk; off >= 0; off -= chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		f, err := db.pool.NewPage(vol, page.TypeOverflow)
		if err != nil {
			return page.NilID, err
		}
		f.Lock()
		pg := f.Page()
		pg.Vals = [][]byte{append([]byte(nil), data[off:end]...)}
		pg.Right = next
		pg.Generation++
		db.pool.MarkDirty(f)
		next = pg.ID
		f.Unlock()
		db.pool.Release(f)
	}
	return next, nil
}

// readLeafValue resolves a leaf payload into the stored value.
// ok is false for a tombstone.
func (db *DB) readLeafValue(vol *volume.Volume, payload []byte) ([]byte, bool, error) {
	if len(payload) == 0 {
		return nil, false, errors.New("empty leaf payload")
	}
	switch payload[0] {
	case valueTombstone:
		return nil, false, nil
	case valueInline:
		return payload[1:], true, nil
	case valueOverflow:
		body := payload[1:]
		if len(body) < 9 {
			return nil, false, errors.New("truncated overflow reference")
		}
		first := page.ID(binary.BigEndian.Uint64(body))
		body = body[8:]
		rawLen, n := binary.Uvarint(body)
		if n <= 0 {
			return nil, false, errors.New("truncated overflow reference")
		}
		body = body[n:]
		storedLen, n := binary.Uvarint(body)
		if n <= 0 || len(body[n:]) < 1 {
			return nil, false, errors.New("truncated overflow reference")
		}
		compression := body[n]

		stored, err := db.readOverflowChain(vol, first, int(storedLen))
		if err != nil {
			return nil, false, err
		}
		if compression == overflowCompressionNone {
			return stored, true, nil
		}
		raw := make([]byte, rawLen)
		sz, err := lz4.UncompressBlock(stored, raw)
		if err != nil {
			return nil, false, errors.Annotate(err, "lz4 long value")
		}
		if uint64(sz) != rawLen {
			return nil, false, errors.Errorf("long value decompressed to %d bytes, want %d", sz, rawLen)
		}
		return raw, true, nil
	}
	return nil, false, errors.Errorf("unknown leaf payload tag %d", payload[0])
}

func (db *DB) readOverflowChain(vol *volume.Volume, first page.ID, storedLen int) ([]byte, error) {
	out := make([]byte, 0, storedLen)
	id := first
	for id != page.NilID && len(out) < storedLen {
		f, err := db.pool.Fetch(vol, id)
		if err != nil {
			return nil, err
		}
		f.RLock()
		pg := f.Page()
		if pg.Type != page.TypeOverflow || len(pg.Vals) != 1 {
			f.RUnlock()
			db.pool.Release(f)
			return nil, errors.Errorf("page %d is not an overflow page", id)
		}
		out = append(out, pg.Vals[0]...)
		id = pg.Right
		f.RUnlock()
		db.pool.Release(f)
	}
	if len(out) != storedLen {
		return nil, errors.Errorf("overflow chain yielded %d bytes, want %d", len(out), storedLen)
	}
	return out, nil
}

func lz4CompressValue(input []byte) []byte {
	output := make([]byte, lz4.CompressBlockBound(len(input)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(input, output, ht[:])
	if err != nil || n == 0 {
		return nil
	}
	return output[:n]
}
