// Package engine ties the storage stack together: volumes and trees behind
// a buffer pool, MVCC transactions, the write-ahead journal and crash
// recovery. Clients obtain Exchanges on trees and run operations inside
// transactions from DB.Begin.
package engine

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pingcap/errors"

	"github.com/unikv/unikv/kv/btree"
	"github.com/unikv/unikv/kv/buffer"
	"github.com/unikv/unikv/kv/config"
	"github.com/unikv/unikv/kv/journal"
	"github.com/unikv/unikv/kv/mvcc"
	"github.com/unikv/unikv/kv/page"
	"github.com/unikv/unikv/kv/util/codec"
	"github.com/unikv/unikv/kv/util/worker"
	"github.com/unikv/unikv/kv/volume"
	"github.com/unikv/unikv/log"
)

const (
	journalFileName = "unikv.jnl"

	// TsMax seeks the newest version of a key.
	TsMax = uint64(math.MaxUint64)

	flushBatch = 256
)

// DB is one open engine instance rooted at a data directory.
type DB struct {
	conf    *config.Config
	journal *journal.Journal
	pool    *buffer.Pool
	mgr     *mvcc.Manager

	mu      sync.Mutex
	volumes map[string]*volume.Volume
	trees   map[string]*btree.Tree
	closed  bool

	bgWg        sync.WaitGroup
	flushWorker *worker.Worker
	flushBucket *ratelimit.Bucket
	stopTick    chan struct{}
}

// Open opens the engine at conf.DBPath, replaying the journal to the last
// durably committed point before accepting work.
func Open(conf *config.Config) (*DB, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.WithStack(err)
	}
	log.SetLevelByString(conf.LogLevel)
	if err := os.MkdirAll(conf.DBPath, 0755); err != nil {
		return nil, errors.WithStack(err)
	}

	j, err := journal.Open(filepath.Join(conf.DBPath, journalFileName))
	if err != nil {
		return nil, err
	}
	pages, err := conf.PoolPages()
	if err != nil {
		j.Close()
		return nil, errors.WithStack(err)
	}

	db := &DB{
		conf:     conf,
		journal:  j,
		volumes:  make(map[string]*volume.Volume),
		trees:    make(map[string]*btree.Tree),
		stopTick: make(chan struct{}),
	}
	db.pool = buffer.NewPool(pages, j)
	db.mgr = mvcc.NewManager(db)

	maxTS, err := db.recover()
	if err != nil {
		db.releaseFiles()
		return nil, err
	}
	db.mgr.SetVersion(maxTS)
	if _, err := j.Append(journal.RecCheckpoint, journal.EncodeTs(maxTS)); err != nil {
		db.releaseFiles()
		return nil, err
	}
	if err := j.Sync(); err != nil {
		db.releaseFiles()
		return nil, err
	}

	db.startBackground()
	log.Infof("engine open at %s, recovered through version %d", conf.DBPath, maxTS)
	return db, nil
}

// Begin starts a transaction at the current visible version.
func (db *DB) Begin() *mvcc.Txn {
	return db.mgr.Begin()
}

// Volume opens (or creates on first use) the named volume.
func (db *DB) Volume(name string) (*volume.Volume, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, errors.New("engine is closed")
	}
	if v, ok := db.volumes[name]; ok {
		return v, nil
	}
	v, err := volume.Open(db.conf.DBPath, name, db.conf.PageSize)
	if err != nil {
		return nil, err
	}
	db.volumes[name] = v
	return v, nil
}

func treeID(volName, treeName string) string {
	return volName + "/" + treeName
}

// Tree resolves (volume, name) to its B+Tree, creating the tree on first
// reference when createIfAbsent is set and failing with the tree-not-found
// condition otherwise.
func (db *DB) Tree(volName, treeName string, createIfAbsent bool) (*btree.Tree, error) {
	vol, err := db.Volume(volName)
	if err != nil {
		return nil, err
	}
	id := treeID(volName, treeName)

	db.mu.Lock()
	if t, ok := db.trees[id]; ok {
		db.mu.Unlock()
		return t, nil
	}
	db.mu.Unlock()

	if _, ok := vol.RootOf(treeName); !ok {
		if !createIfAbsent {
			return nil, errors.WithStack(&volume.ErrTreeNotFound{Volume: volName, Tree: treeName})
		}
		err := db.mgr.Exclusive(func() error {
			if _, ok := vol.RootOf(treeName); ok {
				return nil // lost the creation race inside the section
			}
			return db.structuralBracket(func() error {
				f, err := db.pool.NewPage(vol, page.TypeLeaf)
				if err != nil {
					return err
				}
				root := f.Page().ID
				db.pool.Release(f)
				vol.SetRoot(treeName, root)
				log.Infof("tree %s created in volume %s, root page %d", treeName, volName, root)
				return nil
			})
		})
		if err != nil {
			return nil, err
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.trees[id]; ok {
		return t, nil
	}
	t := btree.New(vol, treeName, db.pool)
	db.trees[id] = t
	return t, nil
}

func (db *DB) treeByID(id string) (*btree.Tree, error) {
	db.mu.Lock()
	t, ok := db.trees[id]
	db.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown tree %s in commit", id)
	}
	return t, nil
}

// structuralBracket journals begin / page images / commit around body, used
// for structure-only commits such as tree creation. Must run inside
// Manager.Exclusive.
func (db *DB) structuralBracket(body func() error) error {
	ts := db.mgr.NextVersion()
	if err := db.bracket(ts, true, body); err != nil {
		return err
	}
	db.mgr.PublishVersion(ts)
	return nil
}

// bracket writes one transaction bracket to the journal: begin record, the
// after-images of every page body dirtied, then the commit record. Frames
// become flushable once stamped with the commit record's LSN. Runs on the
// serialized commit path.
//
// A failure after any page was mutated leaves phantom state in memory that
// only a restart and journal replay can clear, so such a failure moves the
// manager into fail-stop. A body failure that dirtied nothing rolls back
// cleanly and the caller may retry.
func (db *DB) bracket(ts uint64, durable bool, body func() error) error {
	if _, err := db.journal.Append(journal.RecTxnBegin, journal.EncodeTs(ts)); err != nil {
		return err
	}
	if err := body(); err != nil {
		if leaked := db.pool.TakeDirtyLog(); len(leaked) != 0 {
			db.mgr.Fail(err)
		}
		if _, aerr := db.journal.Append(journal.RecTxnRollback, journal.EncodeTs(ts)); aerr != nil {
			log.Errorf("failed to journal rollback of %d: %v", ts, aerr)
		}
		return err
	}

	frames := db.pool.TakeDirtyLog()
	for _, f := range frames {
		f.RLock()
		img := make([]byte, f.Volume().PageSize())
		merr := f.Page().Marshal(img)
		id := f.Page().ID
		volName := f.Volume().Name()
		f.RUnlock()
		if merr != nil {
			db.mgr.Fail(merr)
			return merr
		}
		payload := journal.EncodePageImage(volName, uint64(id), img)
		if _, err := db.journal.Append(journal.RecPageImage, payload); err != nil {
			db.mgr.Fail(err)
			return err
		}
	}

	db.mu.Lock()
	vols := make([]*volume.Volume, 0, len(db.volumes))
	for _, v := range db.volumes {
		vols = append(vols, v)
	}
	db.mu.Unlock()
	for _, v := range vols {
		if !v.ConsumeHeadDirty() {
			continue
		}
		img, err := v.HeadImage()
		if err != nil {
			db.mgr.Fail(err)
			return err
		}
		payload := journal.EncodePageImage(v.Name(), 0, img)
		if _, err := db.journal.Append(journal.RecPageImage, payload); err != nil {
			db.mgr.Fail(err)
			return err
		}
	}

	commitLSN, err := db.journal.Append(journal.RecTxnCommit, journal.EncodeTs(ts))
	if err != nil {
		db.mgr.Fail(err)
		return err
	}
	if durable {
		if err := db.journal.Sync(); err != nil {
			db.mgr.Fail(err)
			return err
		}
	}
	db.pool.StampRecoveryLSN(frames, commitLSN)
	return nil
}

// ApplyCommit implements mvcc.Backend: every buffered write becomes a new
// version in its tree, all inside one journal bracket.
func (db *DB) ApplyCommit(writes []*mvcc.Write, commitTS uint64, durable bool) error {
	return db.bracket(commitTS, durable, func() error {
		for _, w := range writes {
			t, err := db.treeByID(w.Tree)
			if err != nil {
				return err
			}
			payload, err := db.encodeLeafValue(t.Volume(), w.Value, w.Delete)
			if err != nil {
				return err
			}
			vkey := codec.EncodeVersion(codec.EncodeBytes(nil, w.Key), commitTS)
			if err := t.Insert(vkey, payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestVersion implements mvcc.Backend: the newest commit version of key,
// used for conflict validation.
func (db *DB) LatestVersion(id string, key []byte) (uint64, error) {
	t, err := db.treeByID(id)
	if err != nil {
		return 0, err
	}
	want := codec.EncodeBytes(nil, key)
	cur := t.NewCursor()
	if err := cur.Seek(codec.EncodeVersion(want, TsMax)); err != nil {
		return 0, err
	}
	if !cur.Valid() {
		return 0, nil
	}
	ukey, err := codec.DecodeUserKey(cur.Key())
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(ukey, want) {
		return 0, nil
	}
	return codec.DecodeVersion(cur.Key())
}

// fetchVisible returns the value of key visible at ts: the newest committed
// version at or below ts that is not a tombstone.
func (db *DB) fetchVisible(t *btree.Tree, key []byte, ts uint64) ([]byte, bool, error) {
	want := codec.EncodeBytes(nil, key)
	cur := t.NewCursor()
	if err := cur.Seek(codec.EncodeVersion(want, ts)); err != nil {
		return nil, false, err
	}
	if !cur.Valid() {
		return nil, false, nil
	}
	ukey, err := codec.DecodeUserKey(cur.Key())
	if err != nil {
		return nil, false, err
	}
	if !bytes.Equal(ukey, want) {
		return nil, false, nil
	}
	return db.readLeafValue(t.Volume(), cur.Value())
}

// Checkpoint flushes every dirty page behind a quiesced commit path and
// journals a checkpoint record: recovery never needs records older than it.
func (db *DB) Checkpoint() error {
	return db.mgr.Exclusive(func() error {
		if err := db.pool.FlushAll(); err != nil {
			return err
		}
		db.mu.Lock()
		vols := make([]*volume.Volume, 0, len(db.volumes))
		for _, v := range db.volumes {
			vols = append(vols, v)
		}
		db.mu.Unlock()
		for _, v := range vols {
			if err := v.FlushHead(); err != nil {
				return err
			}
			if err := v.Sync(); err != nil {
				return err
			}
		}
		if _, err := db.journal.Append(journal.RecCheckpoint,
			journal.EncodeTs(db.mgr.VisibleVersion())); err != nil {
			return err
		}
		return db.journal.Sync()
	})
}

type flushTask struct{}
type checkpointTask struct{}

type bgHandler struct {
	db *DB
}

func (h *bgHandler) Handle(t worker.Task) {
	switch t.(type) {
	case flushTask:
		n := h.db.flushBucket.TakeAvailable(flushBatch)
		if n <= 0 {
			return
		}
		if _, err := h.db.pool.FlushSome(int(n)); err != nil {
			log.Errorf("background flush: %v", err)
		}
	case checkpointTask:
		if err := h.db.Checkpoint(); err != nil {
			log.Errorf("checkpoint: %v", err)
		}
	}
}

func (db *DB) startBackground() {
	db.flushBucket = ratelimit.NewBucketWithRate(
		float64(db.conf.FlushPagesPerSecond), db.conf.FlushPagesPerSecond)
	db.flushWorker = worker.NewWorker("buffer-flush", &db.bgWg)
	db.flushWorker.Start(&bgHandler{db: db})

	if db.conf.FlushInterval.Duration <= 0 {
		return
	}
	db.bgWg.Add(1)
	go func() {
		defer db.bgWg.Done()
		flushTick := time.NewTicker(db.conf.FlushInterval.Duration)
		defer flushTick.Stop()
		ckptTick := time.NewTicker(db.conf.CheckpointInterval.Duration)
		defer ckptTick.Stop()
		for {
			select {
			case <-flushTick.C:
				db.flushWorker.Sender() <- flushTask{}
			case <-ckptTick.C:
				db.flushWorker.Sender() <- checkpointTask{}
			case <-db.stopTick:
				return
			}
		}
	}()
}

func (db *DB) stopBackground() {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return
	}
	db.closed = true
	db.mu.Unlock()
	close(db.stopTick)
	db.flushWorker.Stop()
	db.bgWg.Wait()
}

// Close checkpoints and closes the engine. Every committed transaction is
// durable after Close returns.
func (db *DB) Close() error {
	db.mu.Lock()
	alreadyClosed := db.closed
	db.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	db.stopBackground()
	// A failed engine refuses the checkpoint; the files are released either
	// way so the next Open can replay the journal.
	cerr := db.Checkpoint()
	ferr := db.releaseFiles()
	if cerr != nil {
		return cerr
	}
	return ferr
}

func (db *DB) releaseFiles() error {
	err := db.journal.Close()
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, v := range db.volumes {
		if cerr := v.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// crash drops every file handle without flushing anything, simulating a
// power loss for recovery tests.
func (db *DB) crash() {
	db.stopBackground()
	db.journal.CloseAbruptly()
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, v := range db.volumes {
		v.CloseAbruptly()
	}
}
