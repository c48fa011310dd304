package engine

import (
	"github.com/pingcap/errors"

	"github.com/unikv/unikv/kv/journal"
	"github.com/unikv/unikv/kv/page"
	"github.com/unikv/unikv/kv/volume"
	"github.com/unikv/unikv/log"
)

// recover replays the journal against the volume files and returns the
// newest recovered commit version.
//
// The journal is scanned twice. The first pass finds the LSN of the last
// checkpoint and the highest version ever allocated; everything before the
// checkpoint is already in the volume files. The second pass buffers the
// page after-images of each transaction bracket past that point and writes
// them out when the bracket's commit record appears. Brackets that end in a
// rollback record or in nothing at all (the crash point) are discarded, so
// a transaction is recovered exactly when its commit record reached the
// journal.
func (db *DB) recover() (uint64, error) {
	var (
		checkpointLSN uint64
		maxTS         uint64
		records       int
	)
	err := db.journal.Scan(func(rec *journal.Record) error {
		records++
		switch rec.Type {
		case journal.RecCheckpoint:
			checkpointLSN = rec.LSN
			fallthrough
		case journal.RecTxnBegin, journal.RecTxnCommit, journal.RecTxnRollback:
			ts, err := journal.DecodeTs(rec.Payload)
			if err != nil {
				return err
			}
			if ts > maxTS {
				maxTS = ts
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if records == 0 {
		return 0, nil
	}

	var (
		inBracket bool
		bracket   []*journal.PageImage
		replayed  int
	)
	err = db.journal.Scan(func(rec *journal.Record) error {
		if rec.LSN <= checkpointLSN {
			return nil
		}
		switch rec.Type {
		case journal.RecTxnBegin:
			if inBracket {
				return errors.Errorf("journal: begin record %d inside an open bracket", rec.LSN)
			}
			inBracket = true
			bracket = bracket[:0]
		case journal.RecPageImage:
			if !inBracket {
				return errors.Errorf("journal: page image %d outside any bracket", rec.LSN)
			}
			img, err := journal.DecodePageImage(rec.Payload)
			if err != nil {
				return err
			}
			bracket = append(bracket, img)
		case journal.RecTxnCommit:
			if !inBracket {
				return errors.Errorf("journal: commit record %d without a begin", rec.LSN)
			}
			for _, img := range bracket {
				vol, err := db.recoveryVolume(img.Volume)
				if err != nil {
					return err
				}
				if err := vol.WriteImage(page.ID(img.PageID), img.Image); err != nil {
					return err
				}
			}
			replayed++
			inBracket = false
			bracket = bracket[:0]
		case journal.RecTxnRollback:
			inBracket = false
			bracket = bracket[:0]
		case journal.RecCheckpoint:
			// A checkpoint can only be written with the commit path quiesced.
			if inBracket {
				return errors.Errorf("journal: checkpoint record %d inside a bracket", rec.LSN)
			}
		default:
			return errors.Errorf("journal: unknown record type %d at LSN %d", rec.Type, rec.LSN)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if inBracket {
		log.Warnf("recovery: discarding transaction bracket torn by the crash")
	}

	db.mu.Lock()
	vols := make([]*volume.Volume, 0, len(db.volumes))
	for _, v := range db.volumes {
		vols = append(vols, v)
		// Replay already carries the head allocation state; nothing pending.
		v.ConsumeHeadDirty()
	}
	db.mu.Unlock()
	for _, v := range vols {
		if err := v.Sync(); err != nil {
			return 0, err
		}
	}
	log.Infof("recovery: %d records scanned, %d transactions replayed, version %d",
		records, replayed, maxTS)
	return maxTS, nil
}

// recoveryVolume opens volumes lazily as their names appear in the journal.
func (db *DB) recoveryVolume(name string) (*volume.Volume, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
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
