package snapshot

import (
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drift/internal/chunk"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func regularRecord(path string, mtime int64) *FileRecord {
	return &FileRecord{
		Path:  path,
		Kind:  KindRegular,
		MTime: mtime,
		CTime: mtime,
		Size:  10,
		Inode: 42,
	}
}

func TestFileRecords(t *testing.T) {
	store := newTestStore(t)

	t.Run("get of unknown path is nil", func(t *testing.T) {
		err := store.Reconcile(func(tx *Tx) error {
			rec, err := tx.GetFile("nope")
			require.NoError(t, err)
			assert.Nil(t, rec)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("put then get round-trips", func(t *testing.T) {
		want := regularRecord("dir/a.txt", 100)
		want.CombinedHash = "h1"
		want.Blocks = []string{"d1", "d2"}

		err := store.Reconcile(func(tx *Tx) error {
			return tx.PutFile(want)
		})
		require.NoError(t, err)

		err = store.Reconcile(func(tx *Tx) error {
			got, err := tx.GetFile("dir/a.txt")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want.Path, got.Path)
			assert.Equal(t, want.Kind, got.Kind)
			assert.Equal(t, want.MTime, got.MTime)
			assert.Equal(t, want.CombinedHash, got.CombinedHash)
			assert.Equal(t, want.Blocks, got.Blocks)
			tx.MarkPresent("dir/a.txt")
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("empty path is rejected", func(t *testing.T) {
		err := store.Reconcile(func(tx *Tx) error {
			return tx.PutFile(&FileRecord{})
		})
		assert.Error(t, err)
	})

	t.Run("failed reconcile commits nothing", func(t *testing.T) {
		err := store.Reconcile(func(tx *Tx) error {
			require.NoError(t, tx.PutFile(regularRecord("ghost.txt", 1)))
			return assert.AnError
		})
		require.Error(t, err)

		files, err := store.Files()
		require.NoError(t, err)
		assert.NotContains(t, files, "ghost.txt")
	})
}

func TestBlobRegistry(t *testing.T) {
	store := newTestStore(t)

	t.Run("register is insert-or-ignore by digest", func(t *testing.T) {
		err := store.Reconcile(func(tx *Tx) error {
			require.NoError(t, tx.RegisterBlob("d1", 5))
			// Second registration with a different length keeps the original.
			require.NoError(t, tx.RegisterBlob("d1", 999))
			return nil
		})
		require.NoError(t, err)

		blobs, err := store.Blobs()
		require.NoError(t, err)
		require.Contains(t, blobs, "d1")
		assert.Equal(t, int64(5), blobs["d1"].Length)
	})

	t.Run("registration survives bundle assignment", func(t *testing.T) {
		require.NoError(t, store.SetBundles(map[string]string{"d1": "b1"}, nil))

		err := store.Reconcile(func(tx *Tx) error {
			return tx.RegisterBlob("d1", 5)
		})
		require.NoError(t, err)

		blobs, err := store.Blobs()
		require.NoError(t, err)
		assert.Equal(t, "b1", blobs["d1"].Bundle)
	})
}

func TestAssignBlocks(t *testing.T) {
	store := newTestStore(t)

	rec := regularRecord("a.bin", 100)
	res := &chunk.Result{
		Blocks: []chunk.Block{
			{Digest: "d1", Length: 4},
			{Digest: "d2", Length: 4},
			{Digest: "d3", Length: 2},
		},
		Combined: "combined",
	}

	err := store.Reconcile(func(tx *Tx) error {
		return tx.AssignBlocks(rec, res)
	})
	require.NoError(t, err)

	files, err := store.Files()
	require.NoError(t, err)
	require.Contains(t, files, "a.bin")
	assert.Equal(t, []string{"d1", "d2", "d3"}, files["a.bin"].Blocks)
	assert.Equal(t, "combined", files["a.bin"].CombinedHash)

	blobs, err := store.Blobs()
	require.NoError(t, err)
	assert.Len(t, blobs, 3)

	t.Run("reassignment replaces the whole list", func(t *testing.T) {
		shorter := &chunk.Result{
			Blocks:   []chunk.Block{{Digest: "d1", Length: 4}},
			Combined: "d1",
		}
		err := store.Reconcile(func(tx *Tx) error {
			cur, err := tx.GetFile("a.bin")
			require.NoError(t, err)
			return tx.AssignBlocks(cur, shorter)
		})
		require.NoError(t, err)

		files, err := store.Files()
		require.NoError(t, err)
		assert.Equal(t, []string{"d1"}, files["a.bin"].Blocks)
		assert.Equal(t, "d1", files["a.bin"].CombinedHash)
	})
}

func TestSweep(t *testing.T) {
	store := newTestStore(t)

	err := store.Reconcile(func(tx *Tx) error {
		require.NoError(t, tx.PutFile(regularRecord("keep.txt", 1)))
		require.NoError(t, tx.PutFile(regularRecord("drop.txt", 1)))
		require.NoError(t, tx.PutFile(regularRecord("also-drop.txt", 1)))
		return nil
	})
	require.NoError(t, err)

	err = store.Reconcile(func(tx *Tx) error {
		tx.MarkPresent("keep.txt")
		stale, err := tx.Sweep()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"drop.txt", "also-drop.txt"}, stale)
		return nil
	})
	require.NoError(t, err)

	files, err := store.Files()
	require.NoError(t, err)
	assert.Len(t, files, 1)
	assert.Contains(t, files, "keep.txt")
}

func TestGarbageCollect(t *testing.T) {
	store := newTestStore(t)

	shared := &chunk.Result{
		Blocks:   []chunk.Block{{Digest: "shared", Length: 4}},
		Combined: "shared",
	}
	only := &chunk.Result{
		Blocks: []chunk.Block{
			{Digest: "shared", Length: 4},
			{Digest: "solo", Length: 4},
		},
		Combined: "combined",
	}

	err := store.Reconcile(func(tx *Tx) error {
		require.NoError(t, tx.AssignBlocks(regularRecord("a.txt", 1), shared))
		require.NoError(t, tx.AssignBlocks(regularRecord("b.txt", 1), only))
		require.NoError(t, tx.RegisterBlob("orphan", 8))
		require.NoError(t, tx.RegisterBlob("bundled-orphan", 8))
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, store.SetBundles(map[string]string{"bundled-orphan": "b9"}, nil))

	t.Run("unreferenced unbundled blobs are collected", func(t *testing.T) {
		err := store.Reconcile(func(tx *Tx) error {
			tx.MarkPresent("a.txt")
			tx.MarkPresent("b.txt")
			n, err := tx.GarbageCollect()
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			return nil
		})
		require.NoError(t, err)

		blobs, err := store.Blobs()
		require.NoError(t, err)
		assert.NotContains(t, blobs, "orphan")
		assert.Contains(t, blobs, "bundled-orphan")
		assert.Contains(t, blobs, "shared")
	})

	t.Run("deleting one referencing file keeps shared blobs", func(t *testing.T) {
		err := store.Reconcile(func(tx *Tx) error {
			tx.MarkPresent("a.txt")
			_, err := tx.Sweep() // drops b.txt
			require.NoError(t, err)
			n, err := tx.GarbageCollect()
			require.NoError(t, err)
			assert.Equal(t, 1, n) // solo
			return nil
		})
		require.NoError(t, err)

		blobs, err := store.Blobs()
		require.NoError(t, err)
		assert.Contains(t, blobs, "shared")
		assert.NotContains(t, blobs, "solo")
	})
}

func TestSetBundles(t *testing.T) {
	store := newTestStore(t)

	err := store.Reconcile(func(tx *Tx) error {
		require.NoError(t, tx.RegisterBlob("d1", 4))
		require.NoError(t, tx.RegisterBlob("d2", 4))
		require.NoError(t, tx.RegisterBlob("d3", 4))
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.SetBundles(map[string]string{"d1": "b1", "d2": "b1"}, nil))

	blobs, err := store.Blobs()
	require.NoError(t, err)
	assert.Equal(t, "b1", blobs["d1"].Bundle)
	assert.Equal(t, "b1", blobs["d2"].Bundle)
	assert.Empty(t, blobs["d3"].Bundle)

	t.Run("removed bundles clear stale assignments", func(t *testing.T) {
		require.NoError(t, store.SetBundles(map[string]string{"d1": "b2"}, []string{"b1"}))

		blobs, err := store.Blobs()
		require.NoError(t, err)
		assert.Equal(t, "b2", blobs["d1"].Bundle)
		assert.Empty(t, blobs["d2"].Bundle)
	})
}

func TestLastSequence(t *testing.T) {
	store := newTestStore(t)

	seq, err := store.LastSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	require.NoError(t, store.SetLastSequence(7))

	seq, err = store.LastSequence()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), seq)
}

func TestRecordComparisons(t *testing.T) {
	base := regularRecord("a.txt", 100)

	t.Run("identical metadata is equal", func(t *testing.T) {
		other := *base
		assert.True(t, base.MetadataEquals(&other))
		assert.False(t, base.ContentChanged(&other))
	})

	t.Run("executable flip is metadata-only", func(t *testing.T) {
		other := *base
		other.Executable = true
		assert.False(t, base.MetadataEquals(&other))
		assert.False(t, base.ContentChanged(&other))
	})

	t.Run("mtime change forces a rechunk", func(t *testing.T) {
		other := *base
		other.MTime = 200
		assert.False(t, base.MetadataEquals(&other))
		assert.True(t, base.ContentChanged(&other))
	})

	t.Run("inode change forces a rechunk", func(t *testing.T) {
		other := *base
		other.Inode = 99
		assert.True(t, base.ContentChanged(&other))
	})

	t.Run("content identity fields are ignored", func(t *testing.T) {
		other := *base
		other.CombinedHash = "different"
		other.Blocks = []string{"x"}
		assert.True(t, base.MetadataEquals(&other))
	})
}
