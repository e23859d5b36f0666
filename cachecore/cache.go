// Package cachecore composes a metastore.LRUStore or metastore.TTLStore with
// a blob.Storage into a single put/get/remove cache policy.
/*
 * Copyright (c) 2020-2026, cachegate authors. All rights reserved.
 */
package cachecore

import (
	"context"

	"github.com/aistore-edge/cachegate/cmn"
)

// Cache is the capability interface the TaskManager dispatches through; it
// deliberately exposes nothing about which policy kind or backend sits
// behind it.
type Cache interface {
	Put(ctx context.Context, key string, data cmn.CacheData)
	Get(ctx context.Context, key string) (cmn.CacheData, bool)
	// Remove purges a single key's metadata and blob, for operator-initiated
	// invalidation (cmd/cachectl purge). Returns cmn.ErrNotFound if the key
	// is not cached.
	Remove(ctx context.Context, key string) error
	// Close tears down the cache's background workers and backend handles.
	Close() error
	// Name identifies the policy this cache serves, for logging/metrics.
	Name() string
}
