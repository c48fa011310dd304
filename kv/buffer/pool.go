// Package buffer implements the page cache shared by all trees: a sharded
// frame table keyed by (volume, page address), with pin counts, per-frame
// shared/exclusive latches, least-recently-unpinned eviction and write-ahead
// gated write-back. A dirty page reaches its volume file only after the
// journal record describing its state is durable.
package buffer

import (
	"math"
	"sync"

	farm "github.com/dgryski/go-farm"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/unikv/unikv/kv/page"
	"github.com/unikv/unikv/kv/volume"
	"github.com/unikv/unikv/log"
)

// ErrPoolExhausted is returned when every frame is pinned. It is transient:
// the caller should release cursors or retry.
var ErrPoolExhausted = errors.New("buffer pool exhausted, retry")

// lsnUnflushable marks a frame dirtied by a commit still in flight; such a
// frame must not be written back until the commit record's LSN is stamped.
const lsnUnflushable = math.MaxUint64

const shardCount = 16

// WalGate is the slice of the journal the pool needs to honor write-ahead
// ordering.
type WalGate interface {
	DurableLSN() uint64
	Sync() error
}

// Frame is one pooled page plus its bookkeeping. The embedded RWMutex is the
// page latch: shared for traversal, exclusive for structural modification.
type Frame struct {
	sync.RWMutex

	vol *volume.Volume
	pg  *page.Page
	key frameKey

	// guarded by the owning shard's mutex
	pins        int
	dirty       bool
	recoveryLSN uint64
	lastUnpin   int64

	loaded  chan struct{}
	loadErr error
}

// Page returns the cached page. Callers must hold the frame latch.
func (f *Frame) Page() *page.Page {
	return f.pg
}

func (f *Frame) Volume() *volume.Volume {
	return f.vol
}

type frameKey struct {
	volume string
	id     page.ID
}

type shard struct {
	mu     sync.Mutex
	frames map[frameKey]*Frame
	cap    int
}

// Pool is the buffer pool. One Pool serves every volume of a DB.
type Pool struct {
	shards [shardCount]shard
	gate   WalGate
	clock  atomic.Int64

	dirtyMu  sync.Mutex
	dirtyLog []*Frame
}

// NewPool sizes the pool at capacity frames in total.
func NewPool(capacity int, gate WalGate) *Pool {
	p := &Pool{gate: gate}
	per := capacity / shardCount
	if per < 1 {
		per = 1
	}
	for i := range p.shards {
		p.shards[i].frames = make(map[frameKey]*Frame)
		p.shards[i].cap = per
	}
	return p
}

func (p *Pool) shardFor(key frameKey) *shard {
	var buf [8]byte
	id := uint64(key.id)
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * uint(i)))
	}
	h := farm.Fingerprint64(append([]byte(key.volume), buf[:]...))
	return &p.shards[h%shardCount]
}

// Fetch pins and returns the frame holding the addressed page, reading it
// from the volume on a miss. The caller must Release it, and must latch the
// frame before touching the page.
func (p *Pool) Fetch(vol *volume.Volume, id page.ID) (*Frame, error) {
	key := frameKey{volume: vol.Name(), id: id}
	s := p.shardFor(key)

	s.mu.Lock()
	if f, ok := s.frames[key]; ok {
		f.pins++
		s.mu.Unlock()
		fetchHits.Inc()
		<-f.loaded
		if f.loadErr != nil {
			p.Release(f)
			return nil, f.loadErr
		}
		return f, nil
	}

	if err := p.makeRoom(s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	f := &Frame{
		vol:    vol,
		key:    key,
		pins:   1,
		loaded: make(chan struct{}),
	}
	s.frames[key] = f
	s.mu.Unlock()
	fetchMisses.Inc()

	pg, err := vol.ReadPage(id)
	if err != nil {
		f.loadErr = err
		close(f.loaded)
		p.Release(f)
		p.drop(vol.Name(), id)
		return nil, err
	}
	f.pg = pg
	close(f.loaded)
	return f, nil
}

// NewPage allocates a fresh page in the volume and returns its pinned,
// dirty-pending frame. The page exists only in the pool until the owning
// commit journals and stamps it.
func (p *Pool) NewPage(vol *volume.Volume, typ page.Type) (*Frame, error) {
	id := vol.Allocate()
	key := frameKey{volume: vol.Name(), id: id}
	s := p.shardFor(key)

	s.mu.Lock()
	if err := p.makeRoom(s); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	f := &Frame{
		vol:    vol,
		pg:     page.New(id, typ),
		key:    key,
		pins:   1,
		loaded: make(chan struct{}),
	}
	close(f.loaded)
	s.frames[key] = f
	s.mu.Unlock()

	p.MarkDirty(f)
	return f, nil
}

// Release unpins a frame.
func (p *Pool) Release(f *Frame) {
	key := p.keyOf(f)
	s := p.shardFor(key)
	s.mu.Lock()
	f.pins--
	if f.pins < 0 {
		s.mu.Unlock()
		log.Fatalf("buffer pool: negative pin count on %s page %d", key.volume, key.id)
	}
	f.lastUnpin = p.clock.Add(1)
	s.mu.Unlock()
}

// MarkDirty records that the page content changed. The frame becomes
// unflushable until StampRecoveryLSN assigns the commit record's LSN.
// Callers hold the frame's exclusive latch.
func (p *Pool) MarkDirty(f *Frame) {
	key := p.keyOf(f)
	s := p.shardFor(key)
	s.mu.Lock()
	// Already unflushable means the frame sits in the current commit's dirty
	// log. A frame stamped by an earlier commit must be logged again so the
	// new commit journals its image too.
	inLog := f.dirty && f.recoveryLSN == lsnUnflushable
	f.dirty = true
	f.recoveryLSN = lsnUnflushable
	s.mu.Unlock()

	if !inLog {
		p.dirtyMu.Lock()
		p.dirtyLog = append(p.dirtyLog, f)
		p.dirtyMu.Unlock()
	}
}

// TakeDirtyLog returns the frames dirtied since the last call. The commit
// path is serialized, so the log maps exactly to one transaction's pages.
func (p *Pool) TakeDirtyLog() []*Frame {
	p.dirtyMu.Lock()
	out := p.dirtyLog
	p.dirtyLog = nil
	p.dirtyMu.Unlock()
	return out
}

// StampRecoveryLSN makes frames flushable once the journal record at lsn is
// durable.
func (p *Pool) StampRecoveryLSN(frames []*Frame, lsn uint64) {
	for _, f := range frames {
		key := p.keyOf(f)
		s := p.shardFor(key)
		s.mu.Lock()
		if f.dirty && f.recoveryLSN == lsnUnflushable {
			f.recoveryLSN = lsn
		}
		s.mu.Unlock()
	}
}

func (p *Pool) keyOf(f *Frame) frameKey {
	return f.key
}

func (p *Pool) drop(volName string, id page.ID) {
	key := frameKey{volume: volName, id: id}
	s := p.shardFor(key)
	s.mu.Lock()
	delete(s.frames, key)
	s.mu.Unlock()
}

// makeRoom evicts the least recently unpinned reusable frame when the shard
// is full. Called with the shard mutex held. Pinned frames are never
// evicted; when everything is pinned the fetch fails with ErrPoolExhausted.
func (p *Pool) makeRoom(s *shard) error {
	if len(s.frames) < s.cap {
		return nil
	}

	durable := p.gate.DurableLSN()
	synced := false
	for {
		var victimKey frameKey
		var victim *Frame
		sawUnflushable := false
		for key, f := range s.frames {
			if f.pins > 0 {
				continue
			}
			if f.dirty && f.recoveryLSN > durable {
				sawUnflushable = true
				continue
			}
			if victim == nil || f.lastUnpin < victim.lastUnpin {
				victim, victimKey = f, key
			}
		}
		if victim == nil {
			if sawUnflushable && !synced {
				// Unpinned but journal-gated pages exist; force the journal
				// and rescan.
				if err := p.gate.Sync(); err != nil {
					return err
				}
				durable = p.gate.DurableLSN()
				synced = true
				continue
			}
			exhaustions.Inc()
			return errors.WithStack(ErrPoolExhausted)
		}
		if victim.dirty {
			if err := victim.vol.WritePage(victim.pg); err != nil {
				return err
			}
			flushes.Inc()
		}
		delete(s.frames, victimKey)
		evictions.Inc()
		return nil
	}
}

// FlushSome writes back up to limit flushable dirty frames, returning how
// many it wrote. The background flusher calls this on a rate budget.
func (p *Pool) FlushSome(limit int) (int, error) {
	durable := p.gate.DurableLSN()
	written := 0
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		candidates := make([]*Frame, 0, 8)
		for _, f := range s.frames {
			if f.dirty && f.recoveryLSN <= durable {
				candidates = append(candidates, f)
			}
		}
		s.mu.Unlock()

		for _, f := range candidates {
			if written >= limit {
				return written, nil
			}
			if err := p.flushFrame(s, f, durable); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}

// FlushAll syncs the journal, writes back every dirty page and syncs the
// volumes. Used by checkpoints and Close.
func (p *Pool) FlushAll() error {
	if err := p.gate.Sync(); err != nil {
		return err
	}
	durable := p.gate.DurableLSN()
	vols := make(map[string]*volume.Volume)
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		candidates := make([]*Frame, 0, len(s.frames))
		for _, f := range s.frames {
			if f.dirty {
				candidates = append(candidates, f)
			}
		}
		s.mu.Unlock()
		for _, f := range candidates {
			if err := p.flushFrame(s, f, durable); err != nil {
				return err
			}
			vols[f.vol.Name()] = f.vol
		}
	}
	for _, v := range vols {
		if err := v.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// flushFrame writes one dirty frame under its shared latch: writers are
// excluded for the duration, and the dirty flag is cleared only after the
// bytes are in the file.
func (p *Pool) flushFrame(s *shard, f *Frame, durable uint64) error {
	f.RLock()
	defer f.RUnlock()
	s.mu.Lock()
	if !f.dirty || f.recoveryLSN > durable {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := f.vol.WritePage(f.pg); err != nil {
		return err
	}
	flushes.Inc()
	s.mu.Lock()
	f.dirty = false
	s.mu.Unlock()
	return nil
}
