package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// readBlock loads one block's bytes from the file that references it.
func readBlock(root string, ref BlockRef, blockSize int64) ([]byte, error) {
	abs := filepath.Join(root, filepath.FromSlash(ref.Path))
	file, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", ref.Path, err)
	}
	defer file.Close()

	if _, err := file.Seek(int64(ref.Index)*blockSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking %s block %d: %w", ref.Path, ref.Index, err)
	}

	buf := make([]byte, ref.Length)
	if _, err := io.ReadFull(file, buf); err != nil {
		return nil, fmt.Errorf("reading %s block %d: %w", ref.Path, ref.Index, err)
	}
	return buf, nil
}
