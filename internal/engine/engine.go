// Package engine wires the sync pipeline together: scan, reconcile,
// diff, pack, upload, publish. One Engine instance is one active writer
// against one remote repository.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"drift/internal/bundle"
	"drift/internal/config"
	"drift/internal/diff"
	"drift/internal/index"
	"drift/internal/remote"
	"drift/internal/scan"
	"drift/internal/snapshot"
)

// bundleCacheSize bounds the bundle payloads kept in memory across
// verify and watch cycles.
const bundleCacheSize = 64

// Engine runs the replication pipeline for one repository root.
type Engine struct {
	root    string
	cfg     *config.Config
	db      *badger.DB
	store   *snapshot.Store
	scanner *scan.Scanner
	packer  *bundle.Packer
	manager *index.Manager
	remote  remote.Store
	logger  *zap.Logger
}

// Initialize lays out the .drift state directory for a fresh repo.
func Initialize(root string) error {
	stateDir := filepath.Join(root, ".drift")
	if err := os.MkdirAll(filepath.Join(stateDir, "db"), 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	cfgPath := config.Path(root)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Save(cfgPath, config.Default()); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}
	return nil
}

// New opens the repository state under root and connects it to rs.
func New(root string, cfg *config.Config, rs remote.Store, logger *zap.Logger) (*Engine, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}

	opts := badger.DefaultOptions(filepath.Join(absRoot, ".drift", "db")).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}

	// Bundles are immutable, so cached payloads never go stale; one
	// cache for the engine's lifetime lets repeated verify and watch
	// cycles reuse fetches.
	cached, err := remote.NewCachedStore(rs, bundleCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	store := snapshot.NewStore(db)
	return &Engine{
		root:    absRoot,
		cfg:     cfg,
		db:      db,
		store:   store,
		scanner: scan.NewScanner(store, cfg.Sync.BlockSize, cfg.Sync.ChunkWorkers, logger),
		packer:  bundle.NewPacker(cfg.Sync.BlockSize*int64(cfg.Sync.BundleFactor), logger),
		manager: index.NewManager(cached, logger),
		remote:  cached,
		logger:  logger,
	}, nil
}

func (e *Engine) Close() error {
	return e.db.Close()
}

// Result reports what one sync run did.
type Result struct {
	Scan           *scan.Summary
	Changes        *diff.Changes
	Sequence       uint64 // 0 when nothing was published
	BundlesCreated int
	BundlesRemoved int
	Compacted      bool
}

// Sync runs one full pipeline pass. On a Conflict error the remote
// advanced under us; the caller may simply run Sync again, which
// re-reads the remote state and recomputes the diff from scratch.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	src, err := scan.NewFSSource(e.root)
	if err != nil {
		return nil, err
	}

	summary, err := e.scanner.Scan(src)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", e.root, err)
	}

	snap, err := e.manager.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	files, err := e.store.Files()
	if err != nil {
		return nil, err
	}

	changes := diff.Compute(files, snap)
	result := &Result{Scan: summary, Changes: changes}
	if changes.Empty() {
		e.logger.Info("nothing to sync", zap.Uint64("sequence", snap.Sequence))
		return result, nil
	}

	blobs, err := e.store.Blobs()
	if err != nil {
		return nil, err
	}

	plan, err := e.packer.Pack(files, blobs, snap.Bundles)
	if err != nil {
		return nil, fmt.Errorf("packing bundles: %w", err)
	}

	// Upload every new bundle before the changeset naming it exists
	// anywhere. A reader can tolerate an orphaned bundle, never a
	// dangling reference.
	for i := range plan.NewBundles {
		nb := &plan.NewBundles[i]
		payload, err := bundle.Materialize(nb, e.root, e.cfg.Sync.BlockSize)
		if err != nil {
			return nil, err
		}
		if err := e.remote.PutBundle(ctx, nb.Name, payload); err != nil {
			return nil, err
		}
		e.logger.Debug("uploaded bundle",
			zap.String("bundle", nb.Name),
			zap.Int("blocks", len(nb.Blocks)),
			zap.Int("bytes", len(payload)))
	}

	actions := make([]index.Action, 0, len(plan.NewBundles)+len(plan.RemovedBundles))
	for _, nb := range plan.NewBundles {
		actions = append(actions, index.AddBundle(nb.Name))
	}
	assign := func(digest string) string { return plan.Assignments[digest] }
	actions = append(actions, diff.Actions(changes, files, snap, assign)...)
	// Repacking can move blocks of files the diff never touched; their
	// remote blob maps must follow before the old bundle is removed.
	actions = append(actions, diff.ReassignedBlobActions(changes, files, snap, assign)...)
	for _, name := range plan.RemovedBundles {
		actions = append(actions, index.RemoveBundle(name))
	}

	seq, err := e.manager.Publish(ctx, actions)
	if err != nil {
		return nil, err
	}

	if err := e.store.SetBundles(plan.Assignments, plan.RemovedBundles); err != nil {
		return nil, fmt.Errorf("recording bundle assignments: %w", err)
	}
	if err := e.store.SetLastSequence(seq); err != nil {
		return nil, err
	}

	result.Sequence = seq
	result.BundlesCreated = len(plan.NewBundles)
	result.BundlesRemoved = len(plan.RemovedBundles)

	compacted, err := e.manager.Compact(ctx)
	if err != nil {
		// The changeset is already published; compaction is only a
		// read-cost optimization, so a failure here does not fail the
		// sync.
		e.logger.Warn("compaction failed", zap.Error(err))
	}
	result.Compacted = compacted

	e.logger.Info("sync published",
		zap.Uint64("sequence", seq),
		zap.Int("added", len(changes.Added)),
		zap.Int("modified", len(changes.Modified)),
		zap.Int("deleted", len(changes.Deleted)),
		zap.Int("renamed", len(changes.Renamed)),
		zap.Int("bundles_created", result.BundlesCreated),
		zap.Int("bundles_removed", result.BundlesRemoved))

	return result, nil
}

// Status scans and diffs without publishing anything.
func (e *Engine) Status(ctx context.Context) (*diff.Changes, error) {
	src, err := scan.NewFSSource(e.root)
	if err != nil {
		return nil, err
	}
	if _, err := e.scanner.Scan(src); err != nil {
		return nil, err
	}

	snap, err := e.manager.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	files, err := e.store.Files()
	if err != nil {
		return nil, err
	}
	return diff.Compute(files, snap), nil
}

// Log returns the sequence this client last published or observed and
// the remote changesets it has not seen yet.
func (e *Engine) Log(ctx context.Context) (uint64, []index.ChangeSet, error) {
	if _, err := e.manager.Refresh(ctx); err != nil {
		return 0, nil, err
	}

	last, err := e.store.LastSequence()
	if err != nil {
		return 0, nil, err
	}
	pending, err := e.manager.ApplySince(last)
	if err != nil {
		return 0, nil, err
	}
	return last, pending, nil
}

// VerifyReport summarizes a bundle integrity check.
type VerifyReport struct {
	Bundles int
	Blocks  int
}

// Verify fetches every live bundle, decodes it and checks that each
// block hashes to its recorded digest. Fetches go through the engine's
// LRU cache, so repeated verification of a mostly-unchanged remote
// stays cheap.
func (e *Engine) Verify(ctx context.Context) (*VerifyReport, error) {
	snap, err := e.manager.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{}
	for name := range snap.Bundles {
		data, err := e.remote.GetBundle(ctx, name)
		if err != nil {
			return nil, err
		}
		entries, err := bundle.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("bundle %s: %w", name, err)
		}
		report.Bundles++
		report.Blocks += len(entries)
	}
	return report, nil
}
