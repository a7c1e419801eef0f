package scan

import (
	"fmt"

	"go.uber.org/zap"

	"drift/internal/chunk"
	"drift/internal/errors"
	"drift/internal/snapshot"
)

// Summary reports what a reconciliation pass did.
type Summary struct {
	MetadataUpdates int
	Rechunked       int
	Deleted         int
	BlobsCollected  int
}

// Scanner reconciles the live tree against the snapshot store.
type Scanner struct {
	store        *snapshot.Store
	blockSize    int64
	chunkWorkers int
	logger       *zap.Logger
}

func NewScanner(store *snapshot.Store, blockSize int64, chunkWorkers int, logger *zap.Logger) *Scanner {
	return &Scanner{
		store:        store,
		blockSize:    blockSize,
		chunkWorkers: chunkWorkers,
		logger:       logger,
	}
}

// Scan walks the source and brings the snapshot store up to date.
//
// The pass is computed first as a plain value (updated records plus the
// set of paths to rechunk) against an immutable read of the previous
// snapshot, chunking runs in parallel on that plan, and only then is
// everything committed in a single transaction. A crash anywhere before
// the commit leaves the previous snapshot untouched.
func (sc *Scanner) Scan(src Source) (*Summary, error) {
	prev, err := sc.store.Files()
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}

	type plannedEntry struct {
		record  *snapshot.FileRecord
		changed bool
	}

	planned := make(map[string]*plannedEntry)
	var jobs []chunk.Job

	err = src.Walk(func(e *Entry) error {
		if e.NLink > 1 {
			return errors.Unsupported(e.Path + ": hard-linked files are not supported")
		}

		live := e.Record
		old := prev[e.Path]

		if old != nil && old.MetadataEquals(live) {
			rechunk := live.Kind == snapshot.KindRegular && old.CombinedHash == ""
			planned[e.Path] = &plannedEntry{record: old, changed: false}
			if rechunk {
				jobs = append(jobs, chunk.Job{Path: e.Path, AbsPath: e.AbsPath})
			}
			return nil
		}

		rec := *live
		if live.Kind == snapshot.KindRegular {
			rechunk := old == nil || old.ContentChanged(live) || old.Kind != snapshot.KindRegular
			if !rechunk && old != nil {
				// Pure metadata change: content identity carries over.
				rec.Blocks = old.Blocks
				rec.CombinedHash = old.CombinedHash
			}
			if rechunk {
				jobs = append(jobs, chunk.Job{Path: e.Path, AbsPath: e.AbsPath})
			}
		}
		planned[e.Path] = &plannedEntry{record: &rec, changed: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunked, err := chunk.SplitAll(jobs, sc.blockSize, sc.chunkWorkers)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	err = sc.store.Reconcile(func(tx *snapshot.Tx) error {
		for path, p := range planned {
			res := chunked[path]

			switch {
			case res != nil:
				if err := tx.AssignBlocks(p.record, res); err != nil {
					return err
				}
				summary.Rechunked++
			case p.changed:
				if err := tx.PutFile(p.record); err != nil {
					return err
				}
			default:
				tx.MarkPresent(path)
			}
			if p.changed {
				summary.MetadataUpdates++
			}
		}

		stale, err := tx.Sweep()
		if err != nil {
			return err
		}
		summary.Deleted = len(stale)

		collected, err := tx.GarbageCollect()
		if err != nil {
			return err
		}
		summary.BlobsCollected = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("committing reconciliation: %w", err)
	}

	sc.logger.Info("scan complete",
		zap.Int("metadata_updates", summary.MetadataUpdates),
		zap.Int("rechunked", summary.Rechunked),
		zap.Int("deleted", summary.Deleted),
		zap.Int("blobs_collected", summary.BlobsCollected))

	return summary, nil
}
