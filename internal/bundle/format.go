// Package bundle implements the immutable remote container format and
// the packing algorithm that assigns content blocks to bundles.
package bundle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"drift/internal/chunk"
	"drift/internal/errors"
)

// Entry is one content block inside a bundle.
type Entry struct {
	Digest string
	Data   []byte
}

// Wire format, inside a zstd frame: 4-byte magic, then per entry a raw
// 32-byte digest, a big-endian uint64 length and the raw bytes. The
// bundle's name is its storage key and never appears in the payload.
var magic = []byte("DRB1")

const digestLen = 32

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
)

// Encode serializes entries into a compressed bundle payload.
func Encode(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("bundle must contain at least one block")
	}

	var buf bytes.Buffer
	buf.Write(magic)

	for i, e := range entries {
		raw, err := hex.DecodeString(e.Digest)
		if err != nil || len(raw) != digestLen {
			return nil, fmt.Errorf("entry %d: malformed digest %q", i, e.Digest)
		}
		if chunk.HashContent(e.Data) != e.Digest {
			return nil, errors.Integrity(
				fmt.Sprintf("entry %d: content does not match digest", i), e.Digest)
		}

		buf.Write(raw)
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(e.Data)))
		buf.Write(lenBuf[:])
		buf.Write(e.Data)
	}

	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// Decode parses a bundle payload and verifies that every block hashes
// to its recorded digest. A mismatch is fatal for the whole bundle:
// its content must never be trusted.
func Decode(data []byte) ([]Entry, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing bundle: %w", err)
	}

	if len(raw) < len(magic) || !bytes.Equal(raw[:len(magic)], magic) {
		return nil, errors.Integrity("not a bundle payload", nil)
	}
	raw = raw[len(magic):]

	var entries []Entry
	for len(raw) > 0 {
		if len(raw) < digestLen+8 {
			return nil, errors.Integrity("truncated bundle entry header", len(entries))
		}
		digest := hex.EncodeToString(raw[:digestLen])
		length := binary.BigEndian.Uint64(raw[digestLen : digestLen+8])
		raw = raw[digestLen+8:]

		if uint64(len(raw)) < length {
			return nil, errors.Integrity("truncated bundle entry data", digest)
		}
		data := raw[:length]
		raw = raw[length:]

		if chunk.HashContent(data) != digest {
			return nil, errors.Integrity("bundle block does not hash to its digest", digest)
		}
		entries = append(entries, Entry{Digest: digest, Data: append([]byte(nil), data...)})
	}

	return entries, nil
}
