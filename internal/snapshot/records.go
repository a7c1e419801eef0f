// Package snapshot persists the local view of the tree between syncs:
// one record per path with the metadata observed at the last scan, a
// deduplicating blob registry keyed by content digest, and the blob
// lists that tie files to their blocks. It is the baseline every scan
// diffs against.
package snapshot

// Kind classifies a snapshot entry.
type Kind string

const (
	KindRegular   Kind = "regular"
	KindSymlink   Kind = "symlink"
	KindDirectory Kind = "directory"
)

// FileRecord is the last-observed state of one path. Path is the
// identity key and unique within a snapshot; every other field is
// superseded whenever a scan sees different metadata.
type FileRecord struct {
	Path       string `json:"path"` // slash-separated, relative to the root
	Kind       Kind   `json:"kind"`
	MTime      int64  `json:"mtime"` // unix seconds
	CTime      int64  `json:"ctime"`
	Size       int64  `json:"size"`
	Inode      uint64 `json:"inode"`
	Executable bool   `json:"executable"`
	LinkTarget string `json:"link_target,omitempty"`

	// Content identity, present only once a regular file has been
	// reconciled by the chunker.
	CombinedHash string   `json:"combined_hash,omitempty"`
	Blocks       []string `json:"blocks,omitempty"` // ordered block digests
}

// MetadataEquals compares the scanned metadata fields one by one. The
// field list is deliberately spelled out (kind, mtime, ctime, size,
// inode, executable, link target) so that adding a field to FileRecord
// forces a decision here instead of silently changing scan behavior.
func (r *FileRecord) MetadataEquals(o *FileRecord) bool {
	return r.Kind == o.Kind &&
		r.MTime == o.MTime &&
		r.CTime == o.CTime &&
		r.Size == o.Size &&
		r.Inode == o.Inode &&
		r.Executable == o.Executable &&
		r.LinkTarget == o.LinkTarget
}

// ContentChanged reports whether the fields that track content (size,
// mtime, ctime, inode) differ, i.e. whether the file must be rechunked.
// A pure metadata change, like an executable-bit flip, does not.
func (r *FileRecord) ContentChanged(o *FileRecord) bool {
	return r.Size != o.Size ||
		r.MTime != o.MTime ||
		r.CTime != o.CTime ||
		r.Inode != o.Inode
}

// BlobRecord is one entry of the deduplicating block table. The digest
// is the identity: byte-identical content always lands on the same
// record, system-wide. Bundle is the name of the remote bundle the
// block was last packed into, empty while unassigned.
type BlobRecord struct {
	Digest string `json:"digest"`
	Length int64  `json:"length"`
	Bundle string `json:"bundle,omitempty"`
}
