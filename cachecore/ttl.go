package cachecore

import (
	"context"
	"time"

	"github.com/golang/glog"

	"github.com/aistore-edge/cachegate/blob"
	"github.com/aistore-edge/cachegate/cmn"
	"github.com/aistore-edge/cachegate/metastore"
	"github.com/aistore-edge/cachegate/metrics"
)

// TTLCache is the time-to-live policy: entries expire on their own schedule
// rather than being bounded by total size. Its constructor launches the
// sweeper and retains the handle so Close can shut it down.
type TTLCache struct {
	name    string
	meta    metastore.TTLStore
	storage blob.Storage
	ttl     time.Duration

	stopSweeper func()
}

var _ Cache = (*TTLCache)(nil)

func NewTTLCache(name string, meta metastore.TTLStore, storage blob.Storage, ttl time.Duration, sink metrics.Sink) *TTLCache {
	counting := countingRemoves(storage, name, sink)
	c := &TTLCache{name: name, meta: meta, storage: counting, ttl: ttl}
	c.stopSweeper = meta.StartSweeper(counting)
	return c
}

// removeCounter wraps storage so the sweeper's reaps (and purges through
// Remove) are counted by the FilesRemoved metric without metastore needing
// to know about metrics.Sink at all.
type removeCounter struct {
	blob.Storage
	name string
	sink metrics.Sink
}

func countingRemoves(s blob.Storage, name string, sink metrics.Sink) blob.Storage {
	return &removeCounter{Storage: s, name: name, sink: sink}
}

func (r *removeCounter) Remove(ctx context.Context, key string) error {
	err := r.Storage.Remove(ctx, key)
	if err == nil {
		r.sink.FilesRemoved(r.name, 1)
	}
	return err
}

func (c *TTLCache) Name() string { return c.name }

func (c *TTLCache) Put(ctx context.Context, key string, data cmn.CacheData) {
	if err := c.meta.Record(ctx, key, c.ttl); err != nil {
		glog.Errorf("%s: record %s: %v, dropping insert", c.name, key, err)
		return
	}
	if err := c.storage.Persist(ctx, key, data); err != nil {
		glog.Errorf("%s: persist %s: %v", c.name, key, err)
	}
}

func (c *TTLCache) Get(ctx context.Context, key string) (cmn.CacheData, bool) {
	hit, err := c.meta.Observe(ctx, key)
	if err != nil {
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

// Remove purges key's record and blob outright, ahead of its natural
// expiry.
func (c *TTLCache) Remove(ctx context.Context, key string) error {
	if err := c.meta.Remove(ctx, key); err != nil {
		return err
	}
	if err := c.storage.Remove(ctx, key); err != nil && err != cmn.ErrNotFound {
		glog.Warningf("%s: remove blob %s: %v", c.name, key, err)
	}
	return nil
}

// Close sets the shutdown flag, unparks the sweeper, and joins it. A
// missing worker handle (sweeper never started) is not possible given the
// constructor always starts one, but Close is still safe to call twice.
func (c *TTLCache) Close() error {
	if c.stopSweeper == nil {
		glog.Warningf("%s: close called with no sweeper handle", c.name)
		return c.meta.Close()
	}
	c.stopSweeper()
	return c.meta.Close()
}
