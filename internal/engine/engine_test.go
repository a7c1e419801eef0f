package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"drift/internal/config"
	"drift/internal/index"
	"drift/internal/remote"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Sync.BlockSize = 4
	cfg.Sync.BundleFactor = 4
	cfg.Sync.ChunkWorkers = 2
	return cfg
}

func newTestEngine(t *testing.T, root string, store remote.Store) *Engine {
	t.Helper()
	require.NoError(t, Initialize(root))
	e, err := New(root, testConfig(), store, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	}
}

func replayRemote(t *testing.T, ctx context.Context, store remote.Store) *index.Snapshot {
	t.Helper()
	base, err := store.ReadBaseIndex(ctx)
	require.NoError(t, err)
	delta, err := store.ReadDeltaIndex(ctx)
	require.NoError(t, err)
	snap, err := index.Build(base, delta)
	require.NoError(t, err)
	return snap
}

func TestSyncLifecycle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := remote.NewFSStore(t.TempDir())
	require.NoError(t, err)
	e := newTestEngine(t, root, store)

	writeTree(t, root, map[string]string{
		"a.txt":         "hello world!", // 3 blocks at size 4
		"docs/note.txt": "hi",           // single block
	})
	require.NoError(t, os.Symlink("a.txt", filepath.Join(root, "latest")))

	t.Run("first sync publishes sequence 1", func(t *testing.T) {
		res, err := e.Sync(ctx)
		require.NoError(t, err)

		assert.Equal(t, uint64(1), res.Sequence)
		assert.Len(t, res.Changes.Added, 3)
		assert.GreaterOrEqual(t, res.BundlesCreated, 1)
		assert.Equal(t, 0, res.BundlesRemoved)

		snap := replayRemote(t, ctx, store)
		assert.Equal(t, uint64(1), snap.Sequence)
		require.Len(t, snap.Files, 3)

		a := snap.Files["a.txt"]
		require.NotNil(t, a)
		assert.Equal(t, "regular", a.Kind)
		assert.Equal(t, int64(12), a.Size)
		assert.Len(t, a.Blobs, 3)

		note := snap.Files["docs/note.txt"]
		require.NotNil(t, note)
		assert.Empty(t, note.Blobs) // single block: the hash names the blob

		link := snap.Files["latest"]
		require.NotNil(t, link)
		assert.Equal(t, "symlink", link.Kind)
		assert.Equal(t, "a.txt", link.Target)

		// Every bundle named by the snapshot is fetchable and intact.
		report, err := e.Verify(ctx)
		require.NoError(t, err)
		assert.Equal(t, len(snap.Bundles), report.Bundles)
	})

	t.Run("idempotent re-sync publishes nothing", func(t *testing.T) {
		res, err := e.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), res.Sequence)
		assert.True(t, res.Changes.Empty())

		snap := replayRemote(t, ctx, store)
		assert.Equal(t, uint64(1), snap.Sequence)
	})

	t.Run("deletion publishes sequence 2 and drops dead bundles", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(root, "a.txt")))
		require.NoError(t, os.Remove(filepath.Join(root, "latest")))

		res, err := e.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), res.Sequence)
		assert.Len(t, res.Changes.Deleted, 2)

		snap := replayRemote(t, ctx, store)
		require.Len(t, snap.Files, 1)
		assert.Contains(t, snap.Files, "docs/note.txt")
		assert.NotContains(t, snap.Files, "a.txt")
	})

	t.Run("status previews without publishing", func(t *testing.T) {
		writeTree(t, root, map[string]string{"pending.txt": "new"})

		changes, err := e.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"pending.txt"}, changes.Added)

		snap := replayRemote(t, ctx, store)
		assert.NotContains(t, snap.Files, "pending.txt")

		res, err := e.Sync(ctx)
		require.NoError(t, err)
		assert.NotZero(t, res.Sequence)
	})

	t.Run("log reports nothing pending after a sync", func(t *testing.T) {
		last, pending, err := e.Log(ctx)
		require.NoError(t, err)
		assert.NotZero(t, last)
		assert.Empty(t, pending)
	})
}

func TestSyncRename(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := remote.NewFSStore(t.TempDir())
	require.NoError(t, err)
	e := newTestEngine(t, root, store)

	writeTree(t, root, map[string]string{"old-name.bin": "stable content"})
	_, err = e.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Rename(
		filepath.Join(root, "old-name.bin"),
		filepath.Join(root, "new-name.bin")))

	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"old-name.bin": "new-name.bin"}, res.Changes.Renamed)
	assert.Empty(t, res.Changes.Added)
	assert.Empty(t, res.Changes.Deleted)
	// The content moved, not changed: no new bundle needed.
	assert.Equal(t, 0, res.BundlesCreated)

	snap := replayRemote(t, ctx, store)
	assert.Contains(t, snap.Files, "new-name.bin")
	assert.NotContains(t, snap.Files, "old-name.bin")
}

func TestSyncDeduplicates(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fsRoot := t.TempDir()
	store, err := remote.NewFSStore(fsRoot)
	require.NoError(t, err)
	e := newTestEngine(t, root, store)

	// Two names, identical bytes: one set of blocks on the remote.
	writeTree(t, root, map[string]string{
		"copy1.bin": "aaaabbbbcccc",
		"copy2.bin": "aaaabbbbcccc",
	})

	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BundlesCreated)

	entries, err := os.ReadDir(filepath.Join(fsRoot, "bundles"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	report, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Bundles)
	assert.Equal(t, 3, report.Blocks)
}

func TestSecondWriterSupersedes(t *testing.T) {
	ctx := context.Background()
	rootA, rootB := t.TempDir(), t.TempDir()
	store, err := remote.NewFSStore(t.TempDir())
	require.NoError(t, err)

	a := newTestEngine(t, rootA, store)
	b := newTestEngine(t, rootB, store)

	writeTree(t, rootA, map[string]string{"from-a.txt": "a"})
	writeTree(t, rootB, map[string]string{"from-b.txt": "b"})

	res, err := a.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Sequence)

	// Replication is one-way: B's tree is the truth for B's sync, so it
	// builds on sequence 1 and removes what only A had.
	res, err = b.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Sequence)
	assert.Equal(t, []string{"from-a.txt"}, res.Changes.Deleted)

	snap := replayRemote(t, ctx, store)
	assert.Equal(t, uint64(2), snap.Sequence)
	assert.NotContains(t, snap.Files, "from-a.txt")
	assert.Contains(t, snap.Files, "from-b.txt")
}

func TestSyncRemapsSharedBundle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := remote.NewFSStore(t.TempDir())
	require.NoError(t, err)
	e := newTestEngine(t, root, store)

	// Three blocks at size 4, all packed into one bundle at factor 4.
	writeTree(t, root, map[string]string{
		"keep.bin":  "aaaabbbb",
		"brief.txt": "zz",
	})
	res, err := e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BundlesCreated)

	// Deleting brief.txt invalidates the shared bundle. keep.bin is
	// untouched, but its blocks move to the replacement bundle and its
	// published blob map has to follow.
	require.NoError(t, os.Remove(filepath.Join(root, "brief.txt")))
	res, err = e.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"brief.txt"}, res.Changes.Deleted)
	assert.Equal(t, 1, res.BundlesCreated)
	assert.Equal(t, 1, res.BundlesRemoved)

	snap := replayRemote(t, ctx, store)
	keep := snap.Files["keep.bin"]
	require.NotNil(t, keep)
	require.Len(t, keep.Blobs, 2)
	for idx, bundle := range keep.Blobs {
		assert.Contains(t, snap.Bundles, bundle, "blob %d names a dead bundle", idx)
	}

	report, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(snap.Bundles), report.Bundles)
	assert.Equal(t, 2, report.Blocks)
}

type fetchCountingStore struct {
	remote.Store
	fetches int
}

func (s *fetchCountingStore) GetBundle(ctx context.Context, name string) ([]byte, error) {
	s.fetches++
	return s.Store.GetBundle(ctx, name)
}

func TestVerifyReusesBundleCache(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := remote.NewFSStore(t.TempDir())
	require.NoError(t, err)
	store := &fetchCountingStore{Store: fs}
	e := newTestEngine(t, root, store)

	writeTree(t, root, map[string]string{
		"a.bin": "aaaabbbbcccc",
		"b.bin": "ddddeeee",
	})
	_, err = e.Sync(ctx)
	require.NoError(t, err)

	report, err := e.Verify(ctx)
	require.NoError(t, err)
	require.NotZero(t, report.Bundles)
	fetched := store.fetches

	// A second pass is served entirely from the engine's bundle cache.
	_, err = e.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, fetched, store.fetches)
}

func TestInitialize(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Initialize(root))

	assert.DirExists(t, filepath.Join(root, ".drift", "db"))
	assert.FileExists(t, config.Path(root))

	cfg, err := config.Load(config.Path(root))
	require.NoError(t, err)
	assert.Equal(t, "fs", cfg.Remote.Kind)

	// Re-initialization keeps an existing config.
	cfg.Remote.Path = "/srv/remote"
	require.NoError(t, config.Save(config.Path(root), cfg))
	require.NoError(t, Initialize(root))

	cfg, err = config.Load(config.Path(root))
	require.NoError(t, err)
	assert.Equal(t, "/srv/remote", cfg.Remote.Path)
}
