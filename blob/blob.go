// Package blob implements the narrow BlobStorage contract: persist, read,
// and remove opaque byte payloads by key. FileSystem and InMemory are the
// two backends built in; S3, Azure, and GCS extend the set for
// deployments that want their artifact store backed by an object-storage
// bucket instead of local disk.
/*
 * Copyright (c) 2020-2026, cachegate authors. All rights reserved.
 */
package blob

import (
	"context"

	"github.com/aistore-edge/cachegate/cmn"
)

// Storage persists/reads/removes opaque byte blobs by key. Implementations
// must be safe for concurrent use.
type Storage interface {
	// Persist writes data under key. For streaming values it consumes the
	// reader to completion; a partial-write failure removes the partial
	// blob on a best-effort basis. Errors are logged by the caller, never
	// returned to a client.
	Persist(ctx context.Context, key string, data cmn.CacheData) error

	// Read returns a streaming CacheData whose length is derived from the
	// stored blob, or cmn.ErrNotFound.
	Read(ctx context.Context, key string) (cmn.CacheData, error)

	// Remove deletes the blob, or returns cmn.ErrNotFound.
	Remove(ctx context.Context, key string) error

	// Name identifies this storage instance for logging and metrics.
	Name() string
}
