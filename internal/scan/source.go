// Package scan walks the live tree and reconciles it against the local
// snapshot store, deciding which files must be rechunked.
package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"drift/internal/errors"
	"drift/internal/snapshot"
)

// Entry is the raw filesystem metadata for one path, as produced by the
// walking layer.
type Entry struct {
	Path    string // slash-separated, relative to the root
	AbsPath string
	Record  *snapshot.FileRecord // metadata fields only, no content identity
	NLink   uint64
	Device  uint64
}

// Source produces the raw metadata stream the scanner consumes. The
// filesystem implementation below is the only one shipped; tests swap
// in their own trees via t.TempDir.
type Source interface {
	Root() string
	Walk(fn func(e *Entry) error) error
}

// stateDir holds the replicator's own database and config; it never
// syncs itself.
const stateDir = ".drift"

// FSSource walks a real directory tree with lstat metadata.
type FSSource struct {
	root string
}

func NewFSSource(root string) (*FSSource, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("checking root %s: %w", abs, err)
	}
	return &FSSource{root: abs}, nil
}

func (s *FSSource) Root() string {
	return s.root
}

// Walk visits every regular file and symlink under the root. It
// refuses to cross filesystem boundaries: an entry living on a device
// other than the root's fails the walk rather than silently producing
// a partial snapshot. Unknown file kinds fail the same way.
func (s *FSSource) Walk(fn func(e *Entry) error) error {
	rootInfo, err := os.Lstat(s.root)
	if err != nil {
		return fmt.Errorf("stat root %s: %w", s.root, err)
	}
	rootDev := statDevice(rootInfo)

	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == s.root {
			return nil
		}

		relPath, err := filepath.Rel(s.root, path)
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", path, err)
		}
		relPath = filepath.ToSlash(relPath)

		if d.IsDir() {
			if filepath.Base(path) == stateDir {
				return fs.SkipDir
			}
			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", relPath, err)
			}
			if statDevice(info) != rootDev {
				return errors.Unsupported(fmt.Sprintf(
					"%s: crosses a filesystem boundary", relPath))
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", relPath, err)
		}

		entry, err := entryFromInfo(s.root, relPath, path, info)
		if err != nil {
			return err
		}
		if entry.Device != rootDev {
			return errors.Unsupported(fmt.Sprintf(
				"%s: crosses a filesystem boundary", relPath))
		}
		return fn(entry)
	})
}

func entryFromInfo(root, relPath, absPath string, info fs.FileInfo) (*Entry, error) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, errors.Unsupported(relPath + ": no stat metadata available")
	}

	rec := &snapshot.FileRecord{
		Path:       relPath,
		MTime:      info.ModTime().Unix(),
		CTime:      st.Ctim.Sec,
		Inode:      st.Ino,
		Executable: info.Mode()&0100 != 0,
	}

	switch {
	case info.Mode().IsRegular():
		rec.Kind = snapshot.KindRegular
		rec.Size = info.Size()
	case info.Mode()&fs.ModeSymlink != 0:
		rec.Kind = snapshot.KindSymlink
		target, err := os.Readlink(absPath)
		if err != nil {
			return nil, fmt.Errorf("readlink %s: %w", relPath, err)
		}
		rec.LinkTarget = target
	default:
		return nil, errors.Unsupported(fmt.Sprintf(
			"%s: unsupported file kind %s", relPath, info.Mode().Type()))
	}

	return &Entry{
		Path:    relPath,
		AbsPath: absPath,
		Record:  rec,
		NLink:   uint64(st.Nlink),
		Device:  statDevice(info),
	}, nil
}

func statDevice(info fs.FileInfo) uint64 {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Dev)
	}
	return 0
}
