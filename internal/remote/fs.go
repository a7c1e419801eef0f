package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"drift/internal/errors"
	"drift/internal/index"
)

// FSStore keeps the remote layout (bundles/ directory plus the two
// index files) under a local directory. Good enough for a mounted
// remote and for tests.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "bundles"), 0755); err != nil {
		return nil, fmt.Errorf("creating remote layout: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) bundlePath(name string) string {
	return filepath.Join(s.root, "bundles", name)
}

func (s *FSStore) basePath() string {
	return filepath.Join(s.root, "base.json")
}

func (s *FSStore) deltaPath() string {
	return filepath.Join(s.root, "delta.json")
}

func (s *FSStore) lockPath() string {
	return filepath.Join(s.root, "index.lock")
}

// PutBundle writes a bundle payload under its name. Existing names are
// left untouched: bundles are immutable and re-uploads are no-ops.
func (s *FSStore) PutBundle(_ context.Context, name string, data []byte) error {
	path := s.bundlePath(name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeAtomic(path, data)
}

func (s *FSStore) GetBundle(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.bundlePath(name))
	if os.IsNotExist(err) {
		return nil, errors.NotFound("bundle not found: " + name)
	}
	if err != nil {
		return nil, errors.Storage("reading bundle "+name, err)
	}
	return data, nil
}

func (s *FSStore) ReadBaseIndex(_ context.Context) (*index.BaseIndex, error) {
	var base index.BaseIndex
	if err := readJSON(s.basePath(), &base); err != nil {
		return nil, err
	}
	return &base, nil
}

func (s *FSStore) ReadDeltaIndex(_ context.Context) (*index.DeltaIndex, error) {
	var delta index.DeltaIndex
	if err := readJSON(s.deltaPath(), &delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

// AppendDelta appends cs to the delta index if and only if the remote's
// newest sequence is still expectLast. The check-and-append runs under
// an exclusive lock file, so two racing writers cannot both succeed;
// the loser gets a Conflict and must re-diff.
func (s *FSStore) AppendDelta(ctx context.Context, cs index.ChangeSet, expectLast uint64) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	base, err := s.ReadBaseIndex(ctx)
	if err != nil {
		return err
	}
	delta, err := s.ReadDeltaIndex(ctx)
	if err != nil {
		return err
	}

	if last := index.LastSequence(base, delta); last != expectLast {
		return errors.Conflict(fmt.Sprintf(
			"remote sequence advanced to %d, expected %d", last, expectLast))
	}

	delta.Changes = append(delta.Changes, cs)
	return writeJSON(s.deltaPath(), delta)
}

// ReplaceBase installs a new base index and clears the delta, under the
// same lock as AppendDelta. The delta is cleared first: a crash between
// the two renames then leaves the old base with an empty delta, costing
// only the compaction, while the reverse order would leave a base ahead
// of a delta still holding its folded changesets, which no reader can
// replay.
func (s *FSStore) ReplaceBase(_ context.Context, base *index.BaseIndex) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := writeJSON(s.deltaPath(), &index.DeltaIndex{}); err != nil {
		return err
	}
	return writeJSON(s.basePath(), base)
}

// lockStale is how old a lock file must be before it is treated as
// abandoned by a crashed writer. A publish holds the lock for two small
// JSON writes, never minutes.
const lockStale = 5 * time.Minute

func (s *FSStore) lock() (func(), error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return func() { os.Remove(s.lockPath()) }, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Storage("acquiring index lock", err)
		}

		info, statErr := os.Stat(s.lockPath())
		if statErr == nil && time.Since(info.ModTime()) > lockStale {
			os.Remove(s.lockPath())
			continue
		}
		break
	}
	return nil, errors.Conflict("index is locked by another writer")
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil // fresh remote: zero value
	}
	if err != nil {
		return errors.Storage("reading "+filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Storage("writing "+filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Storage("publishing "+filepath.Base(path), err)
	}
	return nil
}
