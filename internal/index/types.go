// Package index implements the remote index protocol: the base index
// describing the whole repository, the append-only delta index layered
// on top of it, and the sequence-numbered changesets that mutate it.
package index

import (
	"encoding/json"
	"fmt"
)

// ActionType tags the closed set of repository mutations.
type ActionType string

const (
	ActionAddBundle    ActionType = "add_bundle"
	ActionRemoveBundle ActionType = "remove_bundle"
	ActionSetFile      ActionType = "set_file"
	ActionSetSymlink   ActionType = "set_symlink"
	ActionSetBlobAt    ActionType = "set_blob_at"
	ActionRemoveBlobAt ActionType = "remove_blob_at"
	ActionRenameFile   ActionType = "rename_file"
	ActionRemoveFile   ActionType = "remove_file"
)

// Action is one atomic repository mutation. Fields beyond Type are
// populated per variant; use the constructors below rather than filling
// the struct by hand.
type Action struct {
	Type ActionType `json:"type"`

	Bundle  string `json:"bundle,omitempty"`   // add_bundle, remove_bundle, set_blob_at
	Path    string `json:"path,omitempty"`     // file-addressed variants
	OldPath string `json:"old_path,omitempty"` // rename_file
	Target  string `json:"target,omitempty"`   // set_symlink

	MTime      int64  `json:"mtime,omitempty"`      // set_file
	Size       int64  `json:"size,omitempty"`       // set_file
	Executable bool   `json:"executable,omitempty"` // set_file
	Hash       string `json:"hash,omitempty"`       // set_file

	Index int `json:"index"` // set_blob_at, remove_blob_at
}

func AddBundle(name string) Action {
	return Action{Type: ActionAddBundle, Bundle: name}
}

func RemoveBundle(name string) Action {
	return Action{Type: ActionRemoveBundle, Bundle: name}
}

func SetFile(path string, mtime, size int64, executable bool, hash string) Action {
	return Action{
		Type:       ActionSetFile,
		Path:       path,
		MTime:      mtime,
		Size:       size,
		Executable: executable,
		Hash:       hash,
	}
}

func SetSymlink(path, target string) Action {
	return Action{Type: ActionSetSymlink, Path: path, Target: target}
}

func SetBlobAt(path string, idx int, bundle string) Action {
	return Action{Type: ActionSetBlobAt, Path: path, Index: idx, Bundle: bundle}
}

func RemoveBlobAt(path string, idx int) Action {
	return Action{Type: ActionRemoveBlobAt, Path: path, Index: idx}
}

func RenameFile(oldPath, newPath string) Action {
	return Action{Type: ActionRenameFile, OldPath: oldPath, Path: newPath}
}

func RemoveFile(path string) Action {
	return Action{Type: ActionRemoveFile, Path: path}
}

// Validate checks the variant tag and its required fields.
func (a Action) Validate() error {
	switch a.Type {
	case ActionAddBundle, ActionRemoveBundle:
		if a.Bundle == "" {
			return fmt.Errorf("%s: bundle name is required", a.Type)
		}
	case ActionSetFile:
		if a.Path == "" {
			return fmt.Errorf("set_file: path is required")
		}
		if a.Hash == "" {
			return fmt.Errorf("set_file: hash is required")
		}
	case ActionSetSymlink:
		if a.Path == "" || a.Target == "" {
			return fmt.Errorf("set_symlink: path and target are required")
		}
	case ActionSetBlobAt:
		if a.Path == "" || a.Bundle == "" {
			return fmt.Errorf("set_blob_at: path and bundle are required")
		}
		if a.Index < 0 {
			return fmt.Errorf("set_blob_at: negative index %d", a.Index)
		}
	case ActionRemoveBlobAt:
		if a.Path == "" {
			return fmt.Errorf("remove_blob_at: path is required")
		}
		if a.Index < 0 {
			return fmt.Errorf("remove_blob_at: negative index %d", a.Index)
		}
	case ActionRenameFile:
		if a.OldPath == "" || a.Path == "" {
			return fmt.Errorf("rename_file: old and new paths are required")
		}
	case ActionRemoveFile:
		if a.Path == "" {
			return fmt.Errorf("remove_file: path is required")
		}
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// ChangeSet is a sequence-numbered group of actions, applied atomically.
type ChangeSet struct {
	SequenceNumber uint64   `json:"sequence_number"`
	Actions        []Action `json:"actions"`
}

func (cs ChangeSet) Validate() error {
	if cs.SequenceNumber == 0 {
		return fmt.Errorf("changeset sequence number must be positive")
	}
	if len(cs.Actions) == 0 {
		return fmt.Errorf("changeset %d has no actions", cs.SequenceNumber)
	}
	for i, a := range cs.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("changeset %d, action %d: %w", cs.SequenceNumber, i, err)
		}
	}
	return nil
}

// BaseIndex is the complete repository description: the actions that
// rebuild the repository from an empty directory, plus the sequence
// number of the most recent changeset folded in. The sequence number
// exists to reject replayed changesets after a compaction.
type BaseIndex struct {
	MostRecentSequenceNumber uint64   `json:"most_recent_sequence_number"`
	InitialActions           []Action `json:"initial_actions"`
}

// DeltaIndex is the append-only changeset log on top of the base.
type DeltaIndex struct {
	Changes []ChangeSet `json:"changes"`
}

// LastSequence returns the newest sequence number visible across base
// and delta.
func LastSequence(base *BaseIndex, delta *DeltaIndex) uint64 {
	seq := base.MostRecentSequenceNumber
	if n := len(delta.Changes); n > 0 {
		seq = delta.Changes[n-1].SequenceNumber
	}
	return seq
}

// EncodedSize reports the serialized size of v, used for the
// compaction threshold.
func EncodedSize(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
