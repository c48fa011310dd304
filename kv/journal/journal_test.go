package journal

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func tempJournal(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "unikv-journal")
	require.NoError(t, err)
	return filepath.Join(dir, "test.jnl"), func() { os.RemoveAll(dir) }
}

func TestAppendAndScan(t *testing.T) {
	path, cleanup := tempJournal(t)
	defer cleanup()

	j, err := Open(path)
	require.NoError(t, err)

	lsn1, err := j.Append(RecTxnBegin, EncodeTs(1))
	require.NoError(t, err)
	lsn2, err := j.Append(RecPageImage, EncodePageImage("v", 3, bytes.Repeat([]byte{0xAA}, 512)))
	require.NoError(t, err)
	lsn3, err := j.Append(RecTxnCommit, EncodeTs(1))
	require.NoError(t, err)
	require.True(t, lsn1 < lsn2 && lsn2 < lsn3)

	require.NoError(t, j.Sync())
	require.Equal(t, lsn3, j.DurableLSN())

	var types []RecordType
	require.NoError(t, j.Scan(func(rec *Record) error {
		types = append(types, rec.Type)
		return nil
	}))
	require.Equal(t, []RecordType{RecTxnBegin, RecPageImage, RecTxnCommit}, types)
	require.NoError(t, j.Close())
}

func TestReopenContinuesLSNs(t *testing.T) {
	path, cleanup := tempJournal(t)
	defer cleanup()

	j, err := Open(path)
	require.NoError(t, err)
	last, err := j.Append(RecTxnBegin, EncodeTs(1))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	next, err := j.Append(RecTxnCommit, EncodeTs(1))
	require.NoError(t, err)
	require.Equal(t, last+1, next)
	require.NoError(t, j.Close())
}

func TestTornTailIsTruncated(t *testing.T) {
	path, cleanup := tempJournal(t)
	defer cleanup()

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(RecTxnBegin, EncodeTs(7))
	require.NoError(t, err)
	_, err = j.Append(RecTxnCommit, EncodeTs(7))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Simulate a torn write at the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j, err = Open(path)
	require.NoError(t, err)
	count := 0
	require.NoError(t, j.Scan(func(rec *Record) error {
		count++
		return nil
	}))
	require.Equal(t, 2, count)

	// New appends land on a clean record boundary.
	_, err = j.Append(RecCheckpoint, EncodeTs(7))
	require.NoError(t, err)
	require.NoError(t, j.Sync())
	count = 0
	require.NoError(t, j.Scan(func(rec *Record) error {
		count++
		return nil
	}))
	require.Equal(t, 3, count)
	require.NoError(t, j.Close())
}

// flipByte inverts one bit of the file at off.
func flipByte(t *testing.T, path string, off int64) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, off)
	require.NoError(t, err)
	buf[0] ^= 0x40
	_, err = f.WriteAt(buf, off)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestMidFileCorruptionFailsOpen(t *testing.T) {
	path, cleanup := tempJournal(t)
	defer cleanup()

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(RecTxnBegin, EncodeTs(1))
	require.NoError(t, err)
	_, err = j.Append(RecPageImage, EncodePageImage("v", 3, bytes.Repeat([]byte{0xAA}, 256)))
	require.NoError(t, err)
	_, err = j.Append(RecTxnCommit, EncodeTs(1))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Damage a payload byte of the middle record. The commit record behind it
	// is intact, so truncating here would throw away a durable commit; Open
	// must refuse instead of repairing.
	firstEnd := int64(frameHeaderSize + len(EncodeTs(1)) + frameTrailerSize)
	flipByte(t, path, firstEnd+frameHeaderSize+2)

	_, err = Open(path)
	require.Error(t, err)
	require.IsType(t, &ErrCorrupt{}, errors.Cause(err))
}

func TestDamagedLengthFieldFailsOpen(t *testing.T) {
	path, cleanup := tempJournal(t)
	defer cleanup()

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(RecTxnBegin, EncodeTs(2))
	require.NoError(t, err)
	_, err = j.Append(RecPageImage, EncodePageImage("v", 9, bytes.Repeat([]byte{0x33}, 128)))
	require.NoError(t, err)
	_, err = j.Append(RecTxnCommit, EncodeTs(2))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Damage the length field of the middle record so its frame appears to
	// run past EOF. The intact commit record behind it makes this corruption,
	// not a torn tail.
	firstEnd := int64(frameHeaderSize + len(EncodeTs(2)) + frameTrailerSize)
	flipByte(t, path, firstEnd+9)

	_, err = Open(path)
	require.Error(t, err)
	require.IsType(t, &ErrCorrupt{}, errors.Cause(err))
}

func TestDamagedFinalRecordIsTruncated(t *testing.T) {
	path, cleanup := tempJournal(t)
	defer cleanup()

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(RecTxnBegin, EncodeTs(5))
	require.NoError(t, err)
	_, err = j.Append(RecTxnCommit, EncodeTs(5))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	// Damage the last record with nothing intact after it: a torn write at
	// the crash point, repaired by truncation.
	firstEnd := int64(frameHeaderSize + len(EncodeTs(5)) + frameTrailerSize)
	flipByte(t, path, firstEnd+frameHeaderSize+2)

	j, err = Open(path)
	require.NoError(t, err)
	count := 0
	require.NoError(t, j.Scan(func(rec *Record) error {
		require.Equal(t, RecTxnBegin, rec.Type)
		count++
		return nil
	}))
	require.Equal(t, 1, count)
	lsn, err := j.Append(RecTxnRollback, EncodeTs(5))
	require.NoError(t, err)
	require.Equal(t, uint64(2), lsn)
	require.NoError(t, j.Close())
}

func TestCloseAbruptlyKeepsSyncedRecords(t *testing.T) {
	path, cleanup := tempJournal(t)
	defer cleanup()

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(RecTxnBegin, EncodeTs(1))
	require.NoError(t, err)
	require.NoError(t, j.Sync())
	j.CloseAbruptly()

	j, err = Open(path)
	require.NoError(t, err)
	count := 0
	require.NoError(t, j.Scan(func(*Record) error { count++; return nil }))
	require.Equal(t, 1, count)
	require.NoError(t, j.Close())
}

func TestPageImageRoundTrip(t *testing.T) {
	// Repetitive images compress; random-ish ones stay raw. Both decode back
	// to the original bytes.
	compressible := bytes.Repeat([]byte("abcdefgh"), 128)
	var noisy []byte
	for i := 0; i < 1024; i++ {
		noisy = append(noisy, byte(i*7+i/3))
	}
	for _, image := range [][]byte{compressible, noisy} {
		payload := EncodePageImage("myvol", 42, image)
		img, err := DecodePageImage(payload)
		require.NoError(t, err)
		require.Equal(t, "myvol", img.Volume)
		require.Equal(t, uint64(42), img.PageID)
		require.Equal(t, image, img.Image)
	}

	_, err := DecodePageImage([]byte{0x02, 'v'})
	require.Error(t, err)
}

func TestTsRoundTrip(t *testing.T) {
	ts, err := DecodeTs(EncodeTs(981234))
	require.NoError(t, err)
	require.Equal(t, uint64(981234), ts)
	_, err = DecodeTs([]byte{1, 2})
	require.Error(t, err)
}
