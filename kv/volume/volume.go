// Package volume implements the durable container of trees: one file per
// volume, addressed at page granularity. Page 0 is the head page and holds
// the volume magic, the page size, the allocation high-water mark and the
// directory mapping tree name to root page. The head is rewritten through
// the same journaled path as ordinary pages, so a crash can never leave the
// directory ahead of the journal.
package volume

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pingcap/errors"

	"github.com/unikv/unikv/kv/page"
	"github.com/unikv/unikv/kv/util"
	"github.com/unikv/unikv/log"
)

const headMagic uint32 = 0x756b4d76 // "ukMv"

// ErrTreeNotFound is returned when a tree is opened with create-if-absent
// disabled and no tree of that name exists in the volume.
type ErrTreeNotFound struct {
	Volume string
	Tree   string
}

func (e *ErrTreeNotFound) Error() string {
	return "tree " + e.Tree + " not found in volume " + e.Volume
}

// Volume is a named, file-backed page container. The allocation state and
// tree directory are guarded by a dedicated lock, independent of page
// latching.
type Volume struct {
	name     string
	path     string
	pageSize int

	f *os.File

	mu             sync.Mutex
	nextPageID     page.ID
	dir            map[string]page.ID
	headGeneration uint64
	headDirty      bool
}

// Open opens the volume file under dir, creating it on first use.
func Open(dir, name string, pageSize int) (*Volume, error) {
	path := filepath.Join(dir, name+".v01")
	created := !util.FileExists(path)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	v := &Volume{
		name:     name,
		path:     path,
		pageSize: pageSize,
		f:        f,
		dir:      make(map[string]page.ID),
	}
	if created {
		v.nextPageID = 1
		buf := make([]byte, pageSize)
		if err := v.marshalHeadLocked(buf); err != nil {
			f.Close()
			return nil, err
		}
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return nil, errors.WithStack(err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, errors.WithStack(err)
		}
		if err := util.SyncDir(dir); err != nil {
			f.Close()
			return nil, err
		}
		log.Infof("volume %s: created, page size %d", name, pageSize)
		return v, nil
	}
	if err := v.reloadHead(); err != nil {
		f.Close()
		return nil, err
	}
	return v, nil
}

func (v *Volume) Name() string {
	return v.name
}

func (v *Volume) PageSize() int {
	return v.pageSize
}

// ReadPage loads and decodes one page image from the file.
func (v *Volume) ReadPage(id page.ID) (*page.Page, error) {
	buf := make([]byte, v.pageSize)
	if _, err := v.f.ReadAt(buf, int64(id)*int64(v.pageSize)); err != nil {
		return nil, errors.Annotatef(err, "volume %s page %d", v.name, id)
	}
	return page.Unmarshal(id, buf)
}

// WritePage marshals and writes one page in place. Durability comes from a
// later Sync; callers must have made the journal record describing this
// state durable first.
func (v *Volume) WritePage(p *page.Page) error {
	buf := make([]byte, v.pageSize)
	if err := p.Marshal(buf); err != nil {
		return err
	}
	_, err := v.f.WriteAt(buf, int64(p.ID)*int64(v.pageSize))
	return errors.Annotatef(err, "volume %s page %d", v.name, p.ID)
}

// WriteImage writes a raw page image, used by recovery when replaying
// journaled after-images. Writing the head image reloads the in-memory
// directory and allocation state.
func (v *Volume) WriteImage(id page.ID, image []byte) error {
	if len(image) != v.pageSize {
		return errors.Errorf("volume %s: image of %d bytes does not match page size %d",
			v.name, len(image), v.pageSize)
	}
	if _, err := v.f.WriteAt(image, int64(id)*int64(v.pageSize)); err != nil {
		return errors.Annotatef(err, "volume %s page %d", v.name, id)
	}
	if id == 0 {
		return v.reloadHead()
	}
	return nil
}

// Allocate reserves a fresh page address. The head page becomes dirty; the
// caller is responsible for journaling and writing the new head image as
// part of its commit.
func (v *Volume) Allocate() page.ID {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextPageID
	v.nextPageID++
	v.headDirty = true
	return id
}

// ConsumeHeadDirty reports whether allocation or directory state changed
// since the last call, clearing the flag. The committing transaction uses it
// to decide whether the head image must be journaled.
func (v *Volume) ConsumeHeadDirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	dirty := v.headDirty
	v.headDirty = false
	return dirty
}

// RootOf looks up the root page of a tree.
func (v *Volume) RootOf(tree string) (page.ID, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.dir[tree]
	return id, ok
}

// SetRoot records the root page of a tree in the directory.
func (v *Volume) SetRoot(tree string, root page.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dir[tree] = root
	v.headDirty = true
}

// Trees returns the tree names in the directory, sorted.
func (v *Volume) Trees() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	names := make([]string, 0, len(v.dir))
	for name := range v.dir {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HeadImage marshals the current head state into a page image for
// journaling and write-back.
func (v *Volume) HeadImage() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	buf := make([]byte, v.pageSize)
	if err := v.marshalHeadLocked(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (v *Volume) marshalHeadLocked(buf []byte) error {
	v.headGeneration++
	var body []byte
	var b8 [8]byte
	binary.BigEndian.PutUint32(b8[:4], headMagic)
	body = append(body, b8[:4]...)
	binary.BigEndian.PutUint32(b8[:4], uint32(v.pageSize))
	body = append(body, b8[:4]...)
	binary.BigEndian.PutUint64(b8[:], uint64(v.nextPageID))
	body = append(body, b8[:]...)

	names := make([]string, 0, len(v.dir))
	for name := range v.dir {
		names = append(names, name)
	}
	sort.Strings(names)
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(names)))
	body = append(body, lenBuf[:n]...)
	for _, name := range names {
		n = binary.PutUvarint(lenBuf[:], uint64(len(name)))
		body = append(body, lenBuf[:n]...)
		body = append(body, name...)
		binary.BigEndian.PutUint64(b8[:], uint64(v.dir[name]))
		body = append(body, b8[:]...)
	}

	head := page.New(0, page.TypeHead)
	head.Generation = v.headGeneration
	head.Vals = [][]byte{body}
	return head.Marshal(buf)
}

func (v *Volume) reloadHead() error {
	head, err := v.ReadPage(0)
	if err != nil {
		return err
	}
	if head.Type != page.TypeHead || len(head.Vals) != 1 {
		return errors.Errorf("volume %s: page 0 is not a head page", v.name)
	}
	body := head.Vals[0]
	if len(body) < 16 {
		return errors.Errorf("volume %s: head page truncated", v.name)
	}
	if magic := binary.BigEndian.Uint32(body); magic != headMagic {
		return errors.Errorf("volume %s: bad magic %08x", v.name, magic)
	}
	if ps := int(binary.BigEndian.Uint32(body[4:])); ps != v.pageSize {
		return errors.Errorf("volume %s: file page size %d does not match configured %d",
			v.name, ps, v.pageSize)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.headGeneration = head.Generation
	v.nextPageID = page.ID(binary.BigEndian.Uint64(body[8:]))
	body = body[16:]

	v.dir = make(map[string]page.ID)
	count, n := binary.Uvarint(body)
	if n <= 0 {
		return errors.Errorf("volume %s: head directory malformed", v.name)
	}
	body = body[n:]
	for i := uint64(0); i < count; i++ {
		nameLen, n := binary.Uvarint(body)
		if n <= 0 || uint64(len(body)-n) < nameLen+8 {
			return errors.Errorf("volume %s: head directory malformed", v.name)
		}
		body = body[n:]
		name := string(body[:nameLen])
		body = body[nameLen:]
		v.dir[name] = page.ID(binary.BigEndian.Uint64(body))
		body = body[8:]
	}
	return nil
}

// FlushHead writes the current head image in place. Called at checkpoint,
// after every dirty page has been written back.
func (v *Volume) FlushHead() error {
	buf := make([]byte, v.pageSize)
	v.mu.Lock()
	err := v.marshalHeadLocked(buf)
	v.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = v.f.WriteAt(buf, 0)
	return errors.Annotatef(err, "volume %s head", v.name)
}

// Sync forces written pages to stable storage.
func (v *Volume) Sync() error {
	return errors.WithStack(v.f.Sync())
}

func (v *Volume) Close() error {
	if v.f == nil {
		return nil
	}
	err := v.Sync()
	if cerr := v.f.Close(); err == nil {
		err = errors.WithStack(cerr)
	}
	v.f = nil
	return err
}

// CloseAbruptly drops the file handle without syncing, simulating a crash.
func (v *Volume) CloseAbruptly() {
	if v.f != nil {
		v.f.Close()
		v.f = nil
	}
}
