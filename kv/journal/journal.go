// Package journal implements the write-ahead log: an append-only file of
// checksummed records whose order defines the global commit order. A record
// is `LSN(8) | type(1) | len(4) | payload | maskedCRC32(4)`; the LSN is
// strictly increasing. A torn record at the tail is where the journal ends;
// damage before the tail is corruption and aborts replay.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/unikv/unikv/log"
)

const (
	frameHeaderSize  = 13
	frameTrailerSize = 4

	// maxRecordPayload rejects absurd length fields before allocating for
	// them; real payloads are bounded by the page size plus a little metadata.
	maxRecordPayload = 1 << 26

	crcMaskDelta uint32 = 0xa282ead8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskCRC32(sum uint32) uint32 {
	return ((sum >> 15) | (sum << 17)) + crcMaskDelta
}

func unmaskCRC32(masked uint32) uint32 {
	rot := masked - crcMaskDelta
	return (rot << 15) | (rot >> 17)
}

// ErrCorrupt reports a damaged record before the journal tail.
type ErrCorrupt struct {
	Offset int64
	Reason string
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("corrupt journal record at offset %d: %s", e.Offset, e.Reason)
}

// tornRecord marks the first damaged record found while opening. Whether it
// is a harmless torn tail or mid-file corruption depends on what follows it.
type tornRecord struct {
	off     int64
	lastLSN uint64
}

func (e *tornRecord) Error() string {
	return fmt.Sprintf("damaged journal record at offset %d", e.off)
}

// Journal is the single append point shared by all committing transactions.
type Journal struct {
	path string

	mu       sync.Mutex
	f        *os.File
	appended uint64 // LSN of the last appended record
	synced   bool

	nextLSN    atomic.Uint64
	durableLSN atomic.Uint64
}

// Open opens (or creates) the journal at path. The existing file is scanned
// to find the last intact record; a torn tail is truncated away so new
// appends start on a record boundary. A damaged record with an intact record
// after it is not a torn tail: it would silently discard durable commits, so
// Open fails with ErrCorrupt instead.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	j := &Journal{path: path, f: f, synced: true}

	validEnd := int64(0)
	lastLSN := uint64(0)
	err = scan(f, func(off int64, rec *Record) error {
		validEnd = off
		lastLSN = rec.LSN
		return nil
	}, true)

	fi, serr := f.Stat()
	if serr != nil {
		f.Close()
		return nil, errors.WithStack(serr)
	}
	if torn, ok := errors.Cause(err).(*tornRecord); ok {
		if at, found := intactRecordAfter(f, torn.off, fi.Size(), torn.lastLSN); found {
			f.Close()
			return nil, errors.WithStack(&ErrCorrupt{Offset: torn.off,
				Reason: fmt.Sprintf("damaged record followed by intact record at offset %d", at)})
		}
		err = nil
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	if fi.Size() > validEnd {
		log.Warnf("journal %s: truncating %d torn bytes at tail", path, fi.Size()-validEnd)
		if err := f.Truncate(validEnd); err != nil {
			f.Close()
			return nil, errors.WithStack(err)
		}
	}
	if _, err := f.Seek(validEnd, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.WithStack(err)
	}

	j.appended = lastLSN
	j.nextLSN.Store(lastLSN)
	j.durableLSN.Store(lastLSN)
	return j, nil
}

// Append writes one record and returns its LSN. The record is not durable
// until Sync returns.
func (j *Journal) Append(typ RecordType, payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return 0, errors.New("journal is closed")
	}

	lsn := j.nextLSN.Add(1)
	frame := make([]byte, frameHeaderSize+len(payload)+frameTrailerSize)
	binary.BigEndian.PutUint64(frame, lsn)
	frame[8] = byte(typ)
	binary.BigEndian.PutUint32(frame[9:], uint32(len(payload)))
	copy(frame[frameHeaderSize:], payload)
	sum := crc32.Checksum(frame[:frameHeaderSize+len(payload)], castagnoli)
	binary.BigEndian.PutUint32(frame[frameHeaderSize+len(payload):], maskCRC32(sum))

	if _, err := j.f.Write(frame); err != nil {
		return 0, errors.WithStack(err)
	}
	j.appended = lsn
	j.synced = false
	return lsn, nil
}

// Sync forces all appended records to durable storage and advances the
// durable LSN.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.syncLocked()
}

func (j *Journal) syncLocked() error {
	if j.f == nil {
		return errors.New("journal is closed")
	}
	if j.synced {
		return nil
	}
	if err := j.f.Sync(); err != nil {
		return errors.WithStack(err)
	}
	j.synced = true
	j.durableLSN.Store(j.appended)
	return nil
}

// DurableLSN returns the LSN of the last record known to be on stable
// storage. Buffer pool write-back is gated on this value.
func (j *Journal) DurableLSN() uint64 {
	return j.durableLSN.Load()
}

// Scan replays every intact record in order through fn. Used by recovery
// before the engine starts appending.
func (j *Journal) Scan(fn func(rec *Record) error) error {
	r, err := os.Open(j.path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer r.Close()
	return scan(r, func(off int64, rec *Record) error { return fn(rec) }, false)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.syncLocked()
	if cerr := j.f.Close(); err == nil {
		err = errors.WithStack(cerr)
	}
	j.f = nil
	return err
}

// CloseAbruptly drops the file handle without syncing, simulating a crash.
func (j *Journal) CloseAbruptly() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f != nil {
		j.f.Close()
		j.f = nil
	}
}

// intactRecordAfter searches (badOff, size) for a record that still verifies.
// The damaged record was LSN lastLSN+1 and LSNs are assigned sequentially, so
// a surviving record carries an LSN in (lastLSN+1, lastLSN+maxFollowing];
// candidate offsets outside that window are rejected from the header alone,
// the rest by their checksum.
func intactRecordAfter(r io.ReaderAt, badOff, size int64, lastLSN uint64) (int64, bool) {
	minFrame := int64(frameHeaderSize + frameTrailerSize)
	maxFollowing := uint64((size-badOff)/minFrame) + 1
	header := make([]byte, frameHeaderSize)
	for off := badOff + minFrame; off+minFrame <= size; off++ {
		if _, err := r.ReadAt(header, off); err != nil {
			return 0, false
		}
		lsn := binary.BigEndian.Uint64(header)
		if lsn <= lastLSN+1 || lsn > lastLSN+maxFollowing {
			continue
		}
		payloadLen := int64(binary.BigEndian.Uint32(header[9:]))
		if off+frameHeaderSize+payloadLen+frameTrailerSize > size {
			continue
		}
		frame := make([]byte, frameHeaderSize+payloadLen+frameTrailerSize)
		if _, err := r.ReadAt(frame, off); err != nil {
			continue
		}
		stored := unmaskCRC32(binary.BigEndian.Uint32(frame[frameHeaderSize+payloadLen:]))
		if crc32.Checksum(frame[:frameHeaderSize+payloadLen], castagnoli) == stored {
			return off, true
		}
	}
	return 0, false
}

// scan walks records from the start of r. fn receives the end offset of each
// intact record. A frame cut off by EOF is always a torn tail and ends the
// scan cleanly. When tolerateTail is true a checksum failure stops the scan
// with a tornRecord and the caller decides whether the damage is a genuine
// tail; otherwise it is reported as corruption.
func scan(r io.ReaderAt, fn func(endOffset int64, rec *Record) error, tolerateTail bool) error {
	var off int64
	var lastLSN uint64
	header := make([]byte, frameHeaderSize)
	for {
		if _, err := r.ReadAt(header, off); err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		} else if err != nil {
			return errors.WithStack(err)
		}
		lsn := binary.BigEndian.Uint64(header)
		payloadLen := int(binary.BigEndian.Uint32(header[9:]))
		if payloadLen > maxRecordPayload {
			if tolerateTail {
				return &tornRecord{off: off, lastLSN: lastLSN}
			}
			return errors.WithStack(&ErrCorrupt{Offset: off,
				Reason: fmt.Sprintf("implausible payload length %d", payloadLen)})
		}

		frame := make([]byte, frameHeaderSize+payloadLen+frameTrailerSize)
		if _, err := r.ReadAt(frame, off); err == io.EOF || err == io.ErrUnexpectedEOF {
			// The frame runs past EOF: either a torn final write or a damaged
			// length field with intact records behind it.
			if tolerateTail {
				return &tornRecord{off: off, lastLSN: lastLSN}
			}
			return nil
		} else if err != nil {
			return errors.WithStack(err)
		}
		stored := unmaskCRC32(binary.BigEndian.Uint32(frame[frameHeaderSize+payloadLen:]))
		sum := crc32.Checksum(frame[:frameHeaderSize+payloadLen], castagnoli)
		if sum != stored {
			if tolerateTail {
				return &tornRecord{off: off, lastLSN: lastLSN}
			}
			return errors.WithStack(&ErrCorrupt{Offset: off, Reason: "checksum mismatch"})
		}
		if lsn != lastLSN+1 && lastLSN != 0 {
			return errors.WithStack(&ErrCorrupt{Offset: off,
				Reason: fmt.Sprintf("LSN %d does not follow %d", lsn, lastLSN)})
		}
		lastLSN = lsn

		rec := &Record{
			LSN:     lsn,
			Type:    RecordType(frame[8]),
			Payload: append([]byte(nil), frame[frameHeaderSize:frameHeaderSize+payloadLen]...),
		}
		off += int64(len(frame))
		if err := fn(off, rec); err != nil {
			return err
		}
	}
}
