// Package remote implements the remote store boundary: opaque put/get
// for bundle payloads plus the two index files, with the conditional
// writes the index protocol depends on. A filesystem store covers local
// remotes and tests; an S3 store covers the real thing.
package remote

import (
	"context"

	"drift/internal/index"
)

// Store is the full remote boundary consumed by the sync engine.
// Bundle uploads are idempotent at the name level: re-putting an
// existing name is a no-op, never an overwrite, because published
// bundles are immutable.
type Store interface {
	index.Remote

	PutBundle(ctx context.Context, name string, data []byte) error
	GetBundle(ctx context.Context, name string) ([]byte, error)
}
