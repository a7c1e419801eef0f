// Package chunk splits file content into fixed-size, content-addressed
// blocks. Identical bytes always produce identical block boundaries and
// digests, which is what makes cross-file and cross-version
// deduplication work.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Block is one content-addressed chunk of a file.
type Block struct {
	Digest string `json:"digest"` // hex sha256 of the raw bytes
	Length int64  `json:"length"`
}

// Result holds a file's ordered block list and its combined hash.
type Result struct {
	Blocks   []Block
	Combined string
}

// Split reads r block-at-a-time and returns the ordered block list plus
// the combined hash. It never holds more than one block in memory.
//
// The combined hash of a single-block file is that block's digest, so a
// small file's identity is also its blob's identity. Multi-block files
// hash the concatenation of the raw block digests, in order.
func Split(r io.Reader, blockSize int64) (*Result, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	var blocks []Block
	combined := sha256.New()

	buf := make([]byte, blockSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			blocks = append(blocks, Block{
				Digest: hex.EncodeToString(sum[:]),
				Length: int64(n),
			})
			combined.Write(sum[:])
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading block %d: %w", len(blocks), err)
		}
	}

	res := &Result{Blocks: blocks}
	if len(blocks) == 1 {
		res.Combined = blocks[0].Digest
	} else {
		res.Combined = hex.EncodeToString(combined.Sum(nil))
	}
	return res, nil
}

// SplitFile chunks the file at path.
func SplitFile(path string, blockSize int64) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer file.Close()

	res, err := Split(file, blockSize)
	if err != nil {
		return nil, fmt.Errorf("chunking %s: %w", path, err)
	}
	return res, nil
}

// HashContent returns the hex sha256 of content.
func HashContent(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
