// Package metastore implements the two metadata accounting contracts: LRU
// accounting (size + atime index + total-size counter) and TTL accounting
// (expiry timestamp + expiry index), each over two backends -- an embedded
// ordered transactional KV engine (buntdb) and a networked one (Redis).
//
// This is modeled as a variant per backend exposing a narrow capability
// interface rather than one do-everything trait: LRUStore and TTLStore are
// separate interfaces: a Policy of kind LRU is served by an EmbeddedLRU or a
// RedisLRU, a Policy of kind TTL by an EmbeddedTTL or a RedisTTL. The two
// never need to coexist on the same concrete value, so there is no
// method-name collision to resolve.
/*
 * Copyright (c) 2020-2026, cachegate authors. All rights reserved.
 */
package metastore

import (
	"context"
	"time"

	"github.com/aistore-edge/cachegate/blob"
)

// LRUStore tracks per-key size and last-access time, runs eviction, and
// reports the live total size. Every method must be atomic with respect to
// concurrent callers on the same store.
type LRUStore interface {
	// Observe bumps atime for key if present and reports whether it was.
	Observe(ctx context.Context, key string) (hit bool, err error)

	// Record inserts or replaces the metadata for key with the given size,
	// adjusting total_size by the delta from any previous size.
	Record(ctx context.Context, key string, size uint64) error

	// Evict removes atime-smallest-first entries until total_size +
	// incomingSize <= sizeLimit or no candidates remain, returning the keys
	// removed. An exhausted index while still over limit is reported via
	// cmn.ErrMetadataInconsistent together with whatever was evicted so far.
	Evict(ctx context.Context, incomingSize, sizeLimit uint64) (evicted []string, err error)

	// TotalSize reports the authoritative live total, never cached in RAM
	// by the caller.
	TotalSize(ctx context.Context) (uint64, error)

	// Remove deletes the metadata record for key and adjusts total_size,
	// for operator-initiated purge (cmd/cachectl). Returns cmn.ErrNotFound
	// if no record exists.
	Remove(ctx context.Context, key string) error

	// Close releases backend resources (DB handle, connection pool).
	Close() error
}

// TTLStore tracks per-key expiry and drives background reaping.
type TTLStore interface {
	// Observe reports Hit iff a record exists with expires_at in the future.
	Observe(ctx context.Context, key string) (hit bool, err error)

	// Record sets expires_at = now + ttl, overwriting any prior record.
	Record(ctx context.Context, key string, ttl time.Duration) error

	// Remove deletes the record for key outright, for operator-initiated
	// purge (cmd/cachectl). Returns cmn.ErrNotFound if no record exists.
	Remove(ctx context.Context, key string) error

	// StartSweeper launches the background reaper against storage and
	// returns a function that requests its shutdown and blocks until the
	// worker has exited. Calling the returned func more than once is safe.
	StartSweeper(storage blob.Storage) (stop func())

	// Close releases backend resources.
	Close() error
}
