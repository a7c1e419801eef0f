package index

import (
	"fmt"

	"drift/internal/errors"
)

// FileState is the remote view of one path, as reconstructed from the
// action log.
type FileState struct {
	Kind       string         `json:"kind"` // regular, symlink
	MTime      int64          `json:"mtime"`
	Size       int64          `json:"size"`
	Executable bool           `json:"executable"`
	Hash       string         `json:"hash,omitempty"`
	Target     string         `json:"target,omitempty"`
	Blobs      map[int]string `json:"blobs,omitempty"` // block index -> bundle name
}

func (f *FileState) clone() *FileState {
	c := *f
	if f.Blobs != nil {
		c.Blobs = make(map[int]string, len(f.Blobs))
		for k, v := range f.Blobs {
			c.Blobs[k] = v
		}
	}
	return &c
}

// Snapshot is the full remote repository state at a sequence number.
type Snapshot struct {
	Sequence uint64
	Files    map[string]*FileState
	Bundles  map[string]bool // live bundle names
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Files:   make(map[string]*FileState),
		Bundles: make(map[string]bool),
	}
}

// Apply mutates the snapshot with a single action.
func (s *Snapshot) Apply(a Action) error {
	switch a.Type {
	case ActionAddBundle:
		s.Bundles[a.Bundle] = true

	case ActionRemoveBundle:
		delete(s.Bundles, a.Bundle)

	case ActionSetFile:
		prev := s.Files[a.Path]
		f := &FileState{
			Kind:       "regular",
			MTime:      a.MTime,
			Size:       a.Size,
			Executable: a.Executable,
			Hash:       a.Hash,
		}
		// A re-set keeps existing blob placements; the changeset will
		// follow up with set_blob_at/remove_blob_at as needed.
		if prev != nil && prev.Kind == "regular" {
			f.Blobs = prev.Blobs
		}
		s.Files[a.Path] = f

	case ActionSetSymlink:
		s.Files[a.Path] = &FileState{Kind: "symlink", Target: a.Target}

	case ActionSetBlobAt:
		f := s.Files[a.Path]
		if f == nil || f.Kind != "regular" {
			return fmt.Errorf("set_blob_at %s[%d]: no regular file at path", a.Path, a.Index)
		}
		if f.Blobs == nil {
			f.Blobs = make(map[int]string)
		}
		f.Blobs[a.Index] = a.Bundle

	case ActionRemoveBlobAt:
		f := s.Files[a.Path]
		if f == nil || f.Kind != "regular" {
			return fmt.Errorf("remove_blob_at %s[%d]: no regular file at path", a.Path, a.Index)
		}
		delete(f.Blobs, a.Index)

	case ActionRenameFile:
		f := s.Files[a.OldPath]
		if f == nil {
			return fmt.Errorf("rename_file %s -> %s: no file at old path", a.OldPath, a.Path)
		}
		delete(s.Files, a.OldPath)
		s.Files[a.Path] = f

	case ActionRemoveFile:
		delete(s.Files, a.Path)

	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// ApplyChangeSet applies every action of cs and advances the sequence.
// The changeset must be the direct successor of the snapshot's current
// sequence; anything at or below it is a replay, anything beyond it a
// gap, and both are protocol violations.
func (s *Snapshot) ApplyChangeSet(cs ChangeSet) error {
	if cs.SequenceNumber <= s.Sequence {
		return errors.Conflict(fmt.Sprintf(
			"replayed changeset: sequence %d already applied (at %d)",
			cs.SequenceNumber, s.Sequence))
	}
	if cs.SequenceNumber != s.Sequence+1 {
		return errors.Conflict(fmt.Sprintf(
			"changeset sequence gap: have %d, got %d", s.Sequence, cs.SequenceNumber))
	}

	for i, a := range cs.Actions {
		if err := s.Apply(a); err != nil {
			return fmt.Errorf("changeset %d, action %d: %w", cs.SequenceNumber, i, err)
		}
	}
	s.Sequence = cs.SequenceNumber
	return nil
}

// Build replays the base index's initial actions and then every delta
// changeset in order, enforcing replay protection: a delta changeset
// whose sequence is not strictly greater than the base's recorded
// sequence fails the whole build.
func Build(base *BaseIndex, delta *DeltaIndex) (*Snapshot, error) {
	snap := NewSnapshot()
	for i, a := range base.InitialActions {
		if err := snap.Apply(a); err != nil {
			return nil, fmt.Errorf("base index action %d: %w", i, err)
		}
	}
	snap.Sequence = base.MostRecentSequenceNumber

	for _, cs := range delta.Changes {
		if err := snap.ApplyChangeSet(cs); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// Clone returns a deep copy, so a diff pass can work on an immutable
// value while the engine mutates its own copy.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot()
	c.Sequence = s.Sequence
	for path, f := range s.Files {
		c.Files[path] = f.clone()
	}
	for name := range s.Bundles {
		c.Bundles[name] = true
	}
	return c
}
