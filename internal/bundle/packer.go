package bundle

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"drift/internal/snapshot"
)

// BlockRef names one referenced block together with the place its bytes
// can be read back from (the smallest referencing path and the block's
// index there).
type BlockRef struct {
	Digest string
	Length int64
	Path   string // lexicographically smallest referencing path
	Index  int    // block index within that path
}

// NewBundle is a bundle the packer decided to create.
type NewBundle struct {
	Name   string
	Blocks []BlockRef
}

// Plan is the packer's output: where every referenced block lives, the
// bundles to create and upload, and the bundles to decommission.
// Every new bundle must be uploaded before the changeset referencing
// its name is published.
type Plan struct {
	Assignments    map[string]string // digest -> bundle name
	NewBundles     []NewBundle
	RemovedBundles []string
}

// Packer assigns every referenced block to exactly one bundle while
// touching as few bundles as possible across runs.
type Packer struct {
	maxBundleSize int64
	logger        *zap.Logger
}

func NewPacker(maxBundleSize int64, logger *zap.Logger) *Packer {
	return &Packer{maxBundleSize: maxBundleSize, logger: logger}
}

// Pack computes the bundle layout for the reconciled snapshot.
//
// Blocks are ordered by the smallest path referencing them, then by
// their index in that path, then by digest: a stable, deterministic
// order, so packing an unchanged file set reproduces the same layout.
// A bundle survives when every block assigned to it is still referenced
// and its payload stays within the size budget; everything else (new
// blocks, blocks of invalidated bundles) is packed into fresh bundles
// in order. Bundles are immutable: superseding one always means a new
// name, never rewriting.
func (p *Packer) Pack(
	files map[string]*snapshot.FileRecord,
	blobs map[string]*snapshot.BlobRecord,
	liveBundles map[string]bool,
) (*Plan, error) {
	refs := orderedBlocks(files, blobs)

	referenced := make(map[string]bool, len(refs))
	for _, r := range refs {
		referenced[r.Digest] = true
	}

	// Current membership, from the registry's bundle assignments.
	members := make(map[string][]*snapshot.BlobRecord)
	for _, b := range blobs {
		if b.Bundle != "" {
			members[b.Bundle] = append(members[b.Bundle], b)
		}
	}

	valid := make(map[string]bool)
	for name, blocks := range members {
		ok := true
		var total int64
		for _, b := range blocks {
			if !referenced[b.Digest] {
				ok = false
				break
			}
			total += b.Length
		}
		if ok && total <= p.maxBundleSize {
			valid[name] = true
		}
	}

	plan := &Plan{Assignments: make(map[string]string, len(refs))}

	var loose []BlockRef
	for _, r := range refs {
		bundle := blobs[r.Digest].Bundle
		if bundle != "" && valid[bundle] {
			plan.Assignments[r.Digest] = bundle
			continue
		}
		loose = append(loose, r)
	}

	var current *NewBundle
	var currentSize int64
	for _, r := range loose {
		if current == nil || currentSize+r.Length > p.maxBundleSize {
			plan.NewBundles = append(plan.NewBundles, NewBundle{Name: uuid.NewString()})
			current = &plan.NewBundles[len(plan.NewBundles)-1]
			currentSize = 0
		}
		current.Blocks = append(current.Blocks, r)
		currentSize += r.Length
		plan.Assignments[r.Digest] = current.Name
	}

	// Anything known remotely or in the registry that did not survive is
	// decommissioned.
	removed := make(map[string]bool)
	for name := range members {
		if !valid[name] {
			removed[name] = true
		}
	}
	for name := range liveBundles {
		if !valid[name] {
			removed[name] = true
		}
	}
	for name := range removed {
		plan.RemovedBundles = append(plan.RemovedBundles, name)
	}
	sort.Strings(plan.RemovedBundles)

	p.logger.Debug("packed bundles",
		zap.Int("referenced_blocks", len(refs)),
		zap.Int("retained_bundles", len(valid)),
		zap.Int("new_bundles", len(plan.NewBundles)),
		zap.Int("removed_bundles", len(plan.RemovedBundles)))

	return plan, nil
}

// orderedBlocks returns every referenced block in the packing order:
// smallest referencing path, block index there, digest.
func orderedBlocks(files map[string]*snapshot.FileRecord, blobs map[string]*snapshot.BlobRecord) []BlockRef {
	byDigest := make(map[string]*BlockRef)

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		for i, digest := range files[path].Blocks {
			if _, ok := byDigest[digest]; ok {
				continue // an earlier (smaller) path already claims it
			}
			var length int64
			if b := blobs[digest]; b != nil {
				length = b.Length
			}
			byDigest[digest] = &BlockRef{
				Digest: digest,
				Length: length,
				Path:   path,
				Index:  i,
			}
		}
	}

	refs := make([]BlockRef, 0, len(byDigest))
	for _, r := range byDigest {
		refs = append(refs, *r)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Path != refs[j].Path {
			return refs[i].Path < refs[j].Path
		}
		if refs[i].Index != refs[j].Index {
			return refs[i].Index < refs[j].Index
		}
		return refs[i].Digest < refs[j].Digest
	})
	return refs
}

// Materialize reads a new bundle's block bytes from the local tree and
// builds its wire payload. The bytes are re-hashed on the way in; a
// file that changed between scan and upload surfaces as an integrity
// error instead of a corrupt bundle.
func Materialize(nb *NewBundle, root string, blockSize int64) ([]byte, error) {
	entries := make([]Entry, 0, len(nb.Blocks))
	for _, ref := range nb.Blocks {
		data, err := readBlock(root, ref, blockSize)
		if err != nil {
			return nil, fmt.Errorf("bundle %s: %w", nb.Name, err)
		}
		entries = append(entries, Entry{Digest: ref.Digest, Data: data})
	}
	return Encode(entries)
}
