package journal

import (
	"encoding/binary"

	"github.com/pierrec/lz4"
	"github.com/pingcap/errors"
)

// RecordType tags one journal record.
type RecordType byte

const (
	// RecPageImage carries the after-image of one page, written before the
	// commit record of the transaction that dirtied it.
	RecPageImage RecordType = 1
	// RecTxnBegin opens a transaction's journal bracket.
	RecTxnBegin RecordType = 2
	// RecTxnCommit closes the bracket; a transaction is recovered only when
	// its commit record made it to the journal.
	RecTxnCommit RecordType = 3
	// RecTxnRollback marks an explicitly abandoned bracket.
	RecTxnRollback RecordType = 4
	// RecCheckpoint marks that all volume files are consistent with the
	// journal up to this point; recovery starts at the last checkpoint.
	RecCheckpoint RecordType = 5
)

// Record is one decoded journal entry.
type Record struct {
	LSN     uint64
	Type    RecordType
	Payload []byte
}

const (
	compressionNone byte = 0
	compressionLz4  byte = 1
)

// PageImage is the payload of a RecPageImage record.
type PageImage struct {
	Volume string
	PageID uint64
	Image  []byte
}

// EncodePageImage serializes a page image payload, lz4-compressing the page
// body when that actually shrinks it.
func EncodePageImage(volume string, pageID uint64, image []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(volume)))
	out := make([]byte, 0, n+len(volume)+9+binary.MaxVarintLen64+len(image))
	out = append(out, lenBuf[:n]...)
	out = append(out, volume...)
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], pageID)
	out = append(out, idBuf[:]...)

	compressed := lz4CompressBlock(image)
	n = binary.PutUvarint(lenBuf[:], uint64(len(image)))
	if compressed != nil && isGoodCompressionRatio(compressed, image) {
		out = append(out, compressionLz4)
		out = append(out, lenBuf[:n]...)
		out = append(out, compressed...)
	} else {
		out = append(out, compressionNone)
		out = append(out, lenBuf[:n]...)
		out = append(out, image...)
	}
	return out
}

// DecodePageImage parses a RecPageImage payload.
func DecodePageImage(payload []byte) (*PageImage, error) {
	nameLen, n := binary.Uvarint(payload)
	if n <= 0 || uint64(len(payload)-n) < nameLen+9 {
		return nil, errors.New("truncated page image record")
	}
	payload = payload[n:]
	volume := string(payload[:nameLen])
	payload = payload[nameLen:]
	pageID := binary.BigEndian.Uint64(payload)
	compression := payload[8]
	payload = payload[9:]
	rawLen, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, errors.New("truncated page image record")
	}
	payload = payload[n:]

	var image []byte
	switch compression {
	case compressionNone:
		if uint64(len(payload)) < rawLen {
			return nil, errors.New("truncated page image body")
		}
		image = append([]byte(nil), payload[:rawLen]...)
	case compressionLz4:
		image = make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, image)
		if err != nil {
			return nil, errors.Annotate(err, "lz4 page image")
		}
		if uint64(n) != rawLen {
			return nil, errors.Errorf("lz4 page image decompressed to %d bytes, want %d", n, rawLen)
		}
	default:
		return nil, errors.Errorf("unknown page image compression %d", compression)
	}
	return &PageImage{Volume: volume, PageID: pageID, Image: image}, nil
}

// EncodeTs serializes the payload of a transaction boundary or checkpoint
// record.
func EncodeTs(ts uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ts)
	return buf[:]
}

func DecodeTs(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, errors.Errorf("boundary record payload is %d bytes, want 8", len(payload))
	}
	return binary.BigEndian.Uint64(payload), nil
}

func lz4CompressBlock(input []byte) []byte {
	output := make([]byte, lz4.CompressBlockBound(len(input)))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(input, output, ht[:])
	if err != nil || n == 0 {
		return nil
	}
	return output[:n]
}

func isGoodCompressionRatio(compressed, raw []byte) bool {
	cl, rl := len(compressed), len(raw)
	return cl < rl-(rl/8)
}
