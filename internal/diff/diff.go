// Package diff compares the reconciled local snapshot with the remote
// snapshot rebuilt from the index protocol and derives the actions that
// move the remote to the local state.
package diff

import (
	"sort"

	"drift/internal/index"
	"drift/internal/snapshot"
)

// Changes are the three disjoint path sets a comparison produces, plus
// the delete/add pairs recognized as renames.
type Changes struct {
	Added    []string
	Modified []string
	Deleted  []string
	Renamed  map[string]string // old remote path -> new local path
}

// Empty reports whether the two snapshots already agree.
func (c *Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 &&
		len(c.Deleted) == 0 && len(c.Renamed) == 0
}

func kindOf(k snapshot.Kind) string {
	if k == snapshot.KindSymlink {
		return "symlink"
	}
	return "regular"
}

// equalState compares a local record with the remote view of the same
// path. The compared fields are spelled out: kind, size, mtime,
// executable, combined hash, symlink target.
func equalState(local *snapshot.FileRecord, remote *index.FileState) bool {
	if kindOf(local.Kind) != remote.Kind {
		return false
	}
	if local.Kind == snapshot.KindSymlink {
		return local.LinkTarget == remote.Target
	}
	return local.Size == remote.Size &&
		local.MTime == remote.MTime &&
		local.Executable == remote.Executable &&
		local.CombinedHash == remote.Hash
}

// Compute classifies every path by presence and, for common paths, by
// state equality. A deleted path and an added path that are both
// regular files with the same combined hash and size are treated as a
// rename when the pairing is unambiguous (exactly one candidate on each
// side); ambiguous matches stay delete+add.
func Compute(local map[string]*snapshot.FileRecord, remote *index.Snapshot) *Changes {
	ch := &Changes{Renamed: make(map[string]string)}

	for path, rec := range local {
		rs, ok := remote.Files[path]
		if !ok {
			ch.Added = append(ch.Added, path)
			continue
		}
		if !equalState(rec, rs) {
			ch.Modified = append(ch.Modified, path)
		}
	}
	for path := range remote.Files {
		if _, ok := local[path]; !ok {
			ch.Deleted = append(ch.Deleted, path)
		}
	}

	detectRenames(ch, local, remote)

	sort.Strings(ch.Added)
	sort.Strings(ch.Modified)
	sort.Strings(ch.Deleted)
	return ch
}

func detectRenames(ch *Changes, local map[string]*snapshot.FileRecord, remote *index.Snapshot) {
	addedByHash := make(map[string][]string)
	for _, path := range ch.Added {
		rec := local[path]
		if rec.Kind == snapshot.KindRegular && rec.CombinedHash != "" {
			addedByHash[rec.CombinedHash] = append(addedByHash[rec.CombinedHash], path)
		}
	}
	deletedByHash := make(map[string][]string)
	for _, path := range ch.Deleted {
		rs := remote.Files[path]
		if rs.Kind == "regular" && rs.Hash != "" {
			deletedByHash[rs.Hash] = append(deletedByHash[rs.Hash], path)
		}
	}

	var added, deleted []string
	renamedNew := make(map[string]bool)
	renamedOld := make(map[string]bool)

	for hash, newPaths := range addedByHash {
		oldPaths := deletedByHash[hash]
		if len(newPaths) != 1 || len(oldPaths) != 1 {
			continue
		}
		newPath, oldPath := newPaths[0], oldPaths[0]
		if local[newPath].Size != remote.Files[oldPath].Size {
			continue
		}
		ch.Renamed[oldPath] = newPath
		renamedNew[newPath] = true
		renamedOld[oldPath] = true
	}

	for _, path := range ch.Added {
		if !renamedNew[path] {
			added = append(added, path)
		}
	}
	for _, path := range ch.Deleted {
		if !renamedOld[path] {
			deleted = append(deleted, path)
		}
	}
	ch.Added, ch.Deleted = added, deleted
}

// Assignment resolves a block digest to the bundle holding it. The
// bundle packer provides it; the diff engine itself never decides
// bundle membership.
type Assignment func(digest string) string

// Actions derives the ordered action list for the computed changes.
// Bundle-level actions (add_bundle/remove_bundle) are composed around
// this list by the caller, which also guarantees uploads land before
// the changeset referencing them is published.
func Actions(ch *Changes, local map[string]*snapshot.FileRecord, remote *index.Snapshot, assign Assignment) []index.Action {
	var actions []index.Action

	renamedOld := make([]string, 0, len(ch.Renamed))
	for oldPath := range ch.Renamed {
		renamedOld = append(renamedOld, oldPath)
	}
	sort.Strings(renamedOld)

	for _, oldPath := range renamedOld {
		newPath := ch.Renamed[oldPath]
		actions = append(actions, index.RenameFile(oldPath, newPath))

		rec := local[newPath]
		old := remote.Files[oldPath]
		if rec.MTime != old.MTime || rec.Executable != old.Executable {
			actions = append(actions, index.SetFile(
				newPath, rec.MTime, rec.Size, rec.Executable, rec.CombinedHash))
		}
	}

	for _, path := range ch.Added {
		actions = append(actions, setActions(local[path], nil, assign)...)
	}
	for _, path := range ch.Modified {
		actions = append(actions, setActions(local[path], remote.Files[path], assign)...)
	}
	for _, path := range ch.Deleted {
		actions = append(actions, index.RemoveFile(path))
	}

	return actions
}

// ReassignedBlobActions emits corrective set_blob_at actions for paths
// the comparison left untouched but whose blocks the packer moved to a
// different bundle. That happens when a bundle is invalidated by blocks
// it shared with deleted or rewritten files: the surviving files'
// remote blob maps would otherwise keep naming a bundle the same
// changeset removes. Renamed paths are checked against the remote state
// of their old name, which the rename action carries over.
func ReassignedBlobActions(ch *Changes, local map[string]*snapshot.FileRecord, remote *index.Snapshot, assign Assignment) []index.Action {
	handled := make(map[string]bool, len(ch.Added)+len(ch.Modified))
	for _, path := range ch.Added {
		handled[path] = true
	}
	for _, path := range ch.Modified {
		handled[path] = true
	}
	remoteName := make(map[string]string, len(ch.Renamed))
	for oldPath, newPath := range ch.Renamed {
		remoteName[newPath] = oldPath
	}

	paths := make([]string, 0, len(local))
	for path := range local {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var actions []index.Action
	for _, path := range paths {
		rec := local[path]
		if handled[path] || rec.Kind != snapshot.KindRegular || len(rec.Blocks) <= 1 {
			continue
		}

		lookup := path
		if oldPath, ok := remoteName[path]; ok {
			lookup = oldPath
		}
		rs := remote.Files[lookup]
		if rs == nil || rs.Kind != "regular" {
			continue
		}

		for i, digest := range rec.Blocks {
			if bundle := assign(digest); rs.Blobs[i] != bundle {
				actions = append(actions, index.SetBlobAt(path, i, bundle))
			}
		}
	}
	return actions
}

// setActions emits the minimal superseding sequence that moves one path
// from its previous remote state (nil for additions) to the local
// record: set_file or set_symlink, per-index set_blob_at for multi-
// block files, and remove_blob_at for indexes the new block list no
// longer covers. Single-block files carry no blob mappings; their
// combined hash denotes the blob.
func setActions(rec *snapshot.FileRecord, old *index.FileState, assign Assignment) []index.Action {
	if rec.Kind == snapshot.KindSymlink {
		return []index.Action{index.SetSymlink(rec.Path, rec.LinkTarget)}
	}

	actions := []index.Action{index.SetFile(
		rec.Path, rec.MTime, rec.Size, rec.Executable, rec.CombinedHash)}

	var oldBlobs map[int]string
	if old != nil && old.Kind == "regular" {
		oldBlobs = old.Blobs
	}

	if len(rec.Blocks) > 1 {
		for i, digest := range rec.Blocks {
			bundle := assign(digest)
			if oldBlobs[i] != bundle {
				actions = append(actions, index.SetBlobAt(rec.Path, i, bundle))
			}
		}
	}
	var dropped []int
	for i := range oldBlobs {
		if i >= len(rec.Blocks) || len(rec.Blocks) <= 1 {
			dropped = append(dropped, i)
		}
	}
	sort.Ints(dropped)
	for _, i := range dropped {
		actions = append(actions, index.RemoveBlobAt(rec.Path, i))
	}

	return actions
}
