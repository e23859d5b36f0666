package cachecore

import (
	"context"

	"github.com/golang/glog"

	"github.com/aistore-edge/cachegate/blob"
	"github.com/aistore-edge/cachegate/cmn"
	"github.com/aistore-edge/cachegate/metastore"
	"github.com/aistore-edge/cachegate/metrics"
)

// LRUCache is the bounded-size policy: once the sum of recorded entry sizes
// would exceed sizeLimit, the least-recently-accessed entries are evicted
// until the new entry fits.
type LRUCache struct {
	name      string
	meta      metastore.LRUStore
	storage   blob.Storage
	sizeLimit uint64
	metrics   metrics.Sink
}

var _ Cache = (*LRUCache)(nil)

func NewLRUCache(name string, meta metastore.LRUStore, storage blob.Storage, sizeLimit uint64, sink metrics.Sink) *LRUCache {
	return &LRUCache{name: name, meta: meta, storage: storage, sizeLimit: sizeLimit, metrics: sink}
}

func (c *LRUCache) Name() string { return c.name }

// Put rejects values over sizeLimit outright, then evicts before recording
// so the new entry never counts against itself, then records before
// persisting so a racing reader sees metadata slightly ahead of the blob
// (and gets a miss rather than stale data).
func (c *LRUCache) Put(ctx context.Context, key string, data cmn.CacheData) {
	size := data.Length()
	if size < 0 {
		glog.Warningf("%s: rejecting %s: %v", c.name, key, cmn.ErrStreamLengthRequired)
		return
	}
	s := uint64(size)
	if s > c.sizeLimit {
		glog.Warningf("%s: rejecting %s: %v (size=%d limit=%d)", c.name, key, cmn.ErrTooLarge, s, c.sizeLimit)
		return
	}
	cmn.AssertMsg(s <= c.sizeLimit, "put: size passed the oversize check but still exceeds sizeLimit")

	evicted, err := c.meta.Evict(ctx, s, c.sizeLimit)
	for _, victim := range evicted {
		if rerr := c.storage.Remove(ctx, victim); rerr != nil && rerr != cmn.ErrNotFound {
			glog.Warningf("%s: evict remove blob %s: %v", c.name, victim, rerr)
		}
	}
	if len(evicted) > 0 {
		c.metrics.FilesRemoved(c.name, len(evicted))
	}
	if err != nil {
		// MetadataInconsistent or a transient backend error: log and
		// proceed with the insert anyway, the next evict pass will retry.
		glog.Warningf("%s: evict before put %s: %v", c.name, key, err)
	}

	if err := c.meta.Record(ctx, key, s); err != nil {
		// put is at-least-once; dropping here means the next request that
		// misses will simply retry the whole sequence.
		glog.Errorf("%s: record %s: %v, dropping insert", c.name, key, err)
		return
	}
	if err := c.storage.Persist(ctx, key, data); err != nil {
		glog.Errorf("%s: persist %s: %v", c.name, key, err)
	}
}

// Get reports a cache miss both when the metadata record is absent and when
// the metadata is present but the blob itself is missing (the entry is left
// for the next eviction pass to reap rather than removed inline here).
func (c *LRUCache) Get(ctx context.Context, key string) (cmn.CacheData, bool) {
	hit, err := c.meta.Observe(ctx, key)
	if err != nil {
		// MetadataBackendError: fail open, report a miss.
		glog.Warningf("%s: observe %s: %v", c.name, key, err)
		return cmn.CacheData{}, false
	}
	if !hit {
		return cmn.CacheData{}, false
	}
	data, err := c.storage.Read(ctx, key)
	if err != nil {
		if err != cmn.ErrNotFound {
			glog.Warningf("%s: read %s: %v", c.name, key, err)
		}
		return cmn.CacheData{}, false
	}
	return data, true
}

// Remove purges key's metadata record and blob outright, bypassing eviction
// and the atime bump; the metadata store still subtracts the entry's size
// from the total.
func (c *LRUCache) Remove(ctx context.Context, key string) error {
	if err := c.meta.Remove(ctx, key); err != nil {
		return err
	}
	c.metrics.FilesRemoved(c.name, 1)
	if err := c.storage.Remove(ctx, key); err != nil && err != cmn.ErrNotFound {
		glog.Warningf("%s: remove blob %s: %v", c.name, key, err)
	}
	return nil
}

func (c *LRUCache) Close() error { return c.meta.Close() }

// TotalSize reports the live authoritative size of the cache, as tracked by
// the metadata store's accounting.
func (c *LRUCache) TotalSize(ctx context.Context) (uint64, error) {
	return c.meta.TotalSize(ctx)
}
