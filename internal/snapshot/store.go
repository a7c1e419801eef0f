package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"

	"drift/internal/chunk"
)

const (
	filePrefix = "file:"
	blobPrefix = "blob:"
	seqKey     = "meta:last_sequence"
)

// Store is the badger-backed local snapshot cache.
type Store struct {
	db *badger.DB
}

func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Tx exposes the record operations of one reconciliation pass. All of
// them run inside a single badger transaction: either the whole pass
// commits (metadata, block assignments, garbage collection) or none of
// it does.
type Tx struct {
	txn  *badger.Txn
	seen map[string]bool
}

// Reconcile runs fn inside one read-write transaction. The transaction
// starts with every existing record tentatively absent; fn marks paths
// it finds via MarkPresent/PutFile, and Sweep removes the rest.
func (s *Store) Reconcile(fn func(tx *Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn, seen: make(map[string]bool)})
	})
}

func fileKey(path string) []byte {
	return []byte(filePrefix + path)
}

func blobKey(digest string) []byte {
	return []byte(blobPrefix + digest)
}

// GetFile returns the stored record for path, or nil when unknown.
func (tx *Tx) GetFile(path string) (*FileRecord, error) {
	item, err := tx.txn.Get(fileKey(path))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading file record %s: %w", path, err)
	}

	var rec FileRecord
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decoding file record %s: %w", path, err)
	}
	return &rec, nil
}

// PutFile upserts a record and marks its path present.
func (tx *Tx) PutFile(rec *FileRecord) error {
	if rec.Path == "" {
		return fmt.Errorf("file record path cannot be empty")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling file record %s: %w", rec.Path, err)
	}
	if err := tx.txn.Set(fileKey(rec.Path), data); err != nil {
		return fmt.Errorf("storing file record %s: %w", rec.Path, err)
	}
	tx.seen[rec.Path] = true
	return nil
}

// MarkPresent flags a path as still on disk without rewriting it.
func (tx *Tx) MarkPresent(path string) {
	tx.seen[path] = true
}

// RegisterBlob inserts a blob record, keeping the existing one when the
// digest is already known (insert-or-ignore keyed by digest).
func (tx *Tx) RegisterBlob(digest string, length int64) error {
	_, err := tx.txn.Get(blobKey(digest))
	if err == nil {
		return nil
	}
	if err != badger.ErrKeyNotFound {
		return fmt.Errorf("probing blob %s: %w", digest, err)
	}

	data, err := json.Marshal(&BlobRecord{Digest: digest, Length: length})
	if err != nil {
		return fmt.Errorf("marshaling blob %s: %w", digest, err)
	}
	if err := tx.txn.Set(blobKey(digest), data); err != nil {
		return fmt.Errorf("storing blob %s: %w", digest, err)
	}
	return nil
}

// AssignBlocks replaces a file's entire block list and combined hash in
// one step, registering any blocks not seen before.
func (tx *Tx) AssignBlocks(rec *FileRecord, res *chunk.Result) error {
	digests := make([]string, len(res.Blocks))
	for i, b := range res.Blocks {
		if err := tx.RegisterBlob(b.Digest, b.Length); err != nil {
			return err
		}
		digests[i] = b.Digest
	}

	rec.Blocks = digests
	rec.CombinedHash = res.Combined
	return tx.PutFile(rec)
}

// Sweep deletes every record whose path was never marked present during
// this transaction and returns the removed paths.
func (tx *Tx) Sweep() ([]string, error) {
	var stale []string

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(filePrefix)
	it := tx.txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		path := string(bytes.TrimPrefix(it.Item().Key(), []byte(filePrefix)))
		if !tx.seen[path] {
			stale = append(stale, path)
		}
	}
	it.Close()

	for _, path := range stale {
		if err := tx.txn.Delete(fileKey(path)); err != nil {
			return nil, fmt.Errorf("deleting stale record %s: %w", path, err)
		}
	}
	return stale, nil
}

// GarbageCollect removes every blob with no referencing file and no
// bundle assignment. The referenced set is derived from the file
// records inside the same transaction, so it always reflects the state
// this pass is about to commit.
func (tx *Tx) GarbageCollect() (int, error) {
	referenced := make(map[string]bool)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(filePrefix)
	it := tx.txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		var rec FileRecord
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
		if err != nil {
			it.Close()
			return 0, fmt.Errorf("decoding file record: %w", err)
		}
		for _, d := range rec.Blocks {
			referenced[d] = true
		}
	}
	it.Close()

	var garbage []string
	opts = badger.DefaultIteratorOptions
	opts.Prefix = []byte(blobPrefix)
	it = tx.txn.NewIterator(opts)
	for it.Rewind(); it.Valid(); it.Next() {
		var rec BlobRecord
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
		if err != nil {
			it.Close()
			return 0, fmt.Errorf("decoding blob record: %w", err)
		}
		if !referenced[rec.Digest] && rec.Bundle == "" {
			garbage = append(garbage, rec.Digest)
		}
	}
	it.Close()

	for _, digest := range garbage {
		if err := tx.txn.Delete(blobKey(digest)); err != nil {
			return 0, fmt.Errorf("deleting blob %s: %w", digest, err)
		}
	}
	return len(garbage), nil
}

// Files loads the full snapshot, keyed by path.
func (s *Store) Files() (map[string]*FileRecord, error) {
	files := make(map[string]*FileRecord)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(filePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec FileRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			files[rec.Path] = &rec
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing file records: %w", err)
	}
	return files, nil
}

// Blobs loads the blob registry, keyed by digest.
func (s *Store) Blobs() (map[string]*BlobRecord, error) {
	blobs := make(map[string]*BlobRecord)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(blobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec BlobRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			blobs[rec.Digest] = &rec
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing blob records: %w", err)
	}
	return blobs, nil
}

// SetBundles rewrites the bundle assignment of the given digests and
// clears the assignment of every blob still pointing at a removed
// bundle. Runs in its own transaction, after a successful publish.
func (s *Store) SetBundles(assign map[string]string, removed []string) error {
	dead := make(map[string]bool, len(removed))
	for _, name := range removed {
		dead[name] = true
	}

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(blobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		type pending struct {
			key  []byte
			data []byte
		}
		var writes []pending

		for it.Rewind(); it.Valid(); it.Next() {
			var rec BlobRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}

			changed := false
			if bundle, ok := assign[rec.Digest]; ok && rec.Bundle != bundle {
				rec.Bundle = bundle
				changed = true
			} else if dead[rec.Bundle] {
				rec.Bundle = ""
				changed = true
			}
			if !changed {
				continue
			}

			data, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			writes = append(writes, pending{key: blobKey(rec.Digest), data: data})
		}

		for _, w := range writes {
			if err := txn.Set(w.key, w.data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LastSequence returns the newest remote sequence this client has
// published or observed, zero when the repo has never synced.
func (s *Store) LastSequence() (uint64, error) {
	var seq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(seqKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := strconv.ParseUint(string(val), 10, 64)
			if err != nil {
				return err
			}
			seq = parsed
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("loading last sequence: %w", err)
	}
	return seq, nil
}

func (s *Store) SetLastSequence(seq uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(seqKey), []byte(strconv.FormatUint(seq, 10)))
	})
}
