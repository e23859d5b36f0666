package metastore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/aistore-edge/cachegate/blob"
	"github.com/aistore-edge/cachegate/cmn"
)

// Key layout (<id> is the policy name):
//   <id>_<cacheKey>    hash {size,atime} (LRU) or string w/ server TTL
//   <id>_total_size    integer counter
//   <id>_cache_keys    sorted set, score=atime, member=bare cache key (no
//                      <id>_ prefix; the set itself is per policy)
const (
	redisEvictMaxAttempts = 1000 // bound the "inconsistent metadata" spin
)

func redisEntryKey(id, key string) string { return id + "_" + key }
func redisTotalKey(id string) string      { return id + "_total_size" }
func redisIndexKey(id string) string      { return id + "_cache_keys" }

// RedisLRU implements LRUStore over a Redis server.
type RedisLRU struct {
	id     string
	client *redis.Client
}

var _ LRUStore = (*RedisLRU)(nil)

func NewRedisLRU(id string, client *redis.Client) *RedisLRU {
	return &RedisLRU{id: id, client: client}
}

func (r *RedisLRU) Close() error { return r.client.Close() }

func (r *RedisLRU) Observe(ctx context.Context, key string) (bool, error) {
	entry := redisEntryKey(r.id, key)
	hit := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, entry).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}
		now := time.Now().UnixNano()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, entry, "atime", now)
			pipe.ZAdd(ctx, redisIndexKey(r.id), redis.Z{Score: float64(now), Member: key})
			return nil
		})
		if err != nil {
			return err
		}
		hit = true
		return nil
	}, entry)
	if err != nil {
		glog.Errorf("%s: observe %s: %v", r.id, key, err)
		return false, fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	return hit, nil
}

func (r *RedisLRU) Record(ctx context.Context, key string, size uint64) error {
	entry := redisEntryKey(r.id, key)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		var oldSize int64
		oldVals, err := tx.HMGet(ctx, entry, "size").Result()
		if err != nil {
			return err
		}
		if len(oldVals) > 0 && oldVals[0] != nil {
			if s, ok := oldVals[0].(string); ok {
				oldSize, _ = strconv.ParseInt(s, 10, 64)
			}
		}
		now := time.Now().UnixNano()
		var incrCmd *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if oldSize != 0 {
				pipe.DecrBy(ctx, redisTotalKey(r.id), oldSize)
			}
			incrCmd = pipe.IncrBy(ctx, redisTotalKey(r.id), int64(size))
			pipe.HSet(ctx, entry, "size", size, "atime", now)
			pipe.ZAdd(ctx, redisIndexKey(r.id), redis.Z{Score: float64(now), Member: key})
			return nil
		})
		if err == nil {
			cmn.AssertMsg(incrCmd.Val() >= 0, "total_size went negative on record")
		}
		return err
	}, entry)
	if err != nil {
		glog.Errorf("%s: record %s: %v", r.id, key, err)
		return fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	return nil
}

func (r *RedisLRU) TotalSize(ctx context.Context) (uint64, error) {
	v, err := r.client.Get(ctx, redisTotalKey(r.id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	if v < 0 {
		return 0, nil
	}
	return uint64(v), nil
}

// Remove deletes key's hash entry and sorted-set member and decrements
// total_size inside one WATCH/MULTI transaction, for operator-initiated
// purge (cmd/cachectl).
func (r *RedisLRU) Remove(ctx context.Context, key string) error {
	entry := redisEntryKey(r.id, key)
	notFound := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		sizeStr, herr := tx.HGet(ctx, entry, "size").Result()
		if errors.Is(herr, redis.Nil) {
			notFound = true
			return nil
		}
		if herr != nil {
			return herr
		}
		size, _ := strconv.ParseUint(sizeStr, 10, 64)
		var decrCmd *redis.IntCmd
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			decrCmd = pipe.DecrBy(ctx, redisTotalKey(r.id), int64(size))
			pipe.Del(ctx, entry)
			pipe.ZRem(ctx, redisIndexKey(r.id), key)
			return nil
		})
		if err == nil {
			cmn.AssertMsg(decrCmd.Val() >= 0, "total_size went negative on remove")
		}
		return err
	}, entry)
	if err != nil {
		glog.Errorf("%s: remove %s: %v", r.id, key, err)
		return fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	if notFound {
		return cmn.ErrNotFound
	}
	return nil
}

// evictOne pops the lowest-score member of the sorted set and removes its
// hash entry inside one MULTI transaction that WATCHes the sorted set and
// the total-size counter.
func (r *RedisLRU) evictOne(ctx context.Context, incomingSize, sizeLimit uint64) (victim string, done bool, err error) {
	indexKey := redisIndexKey(r.id)
	totalKey := redisTotalKey(r.id)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		total, terr := tx.Get(ctx, totalKey).Uint64()
		if terr != nil && !errors.Is(terr, redis.Nil) {
			return terr
		}
		if total+incomingSize <= sizeLimit {
			done = true
			return nil
		}
		lowest, zerr := tx.ZRangeWithScores(ctx, indexKey, 0, 0).Result()
		if zerr != nil {
			return zerr
		}
		if len(lowest) == 0 {
			return cmn.ErrMetadataInconsistent
		}
		member, _ := lowest[0].Member.(string)
		entry := redisEntryKey(r.id, member)
		sizeStr, herr := tx.HGet(ctx, entry, "size").Result()
		if errors.Is(herr, redis.Nil) {
			// Hash already gone (raced with another evictor or a removal):
			// drop the stale sorted-set member and let the caller retry
			// against the new head.
			if _, rerr := tx.ZRem(ctx, indexKey, member).Result(); rerr != nil {
				return rerr
			}
			return nil
		}
		if herr != nil {
			return herr
		}
		size, _ := strconv.ParseUint(sizeStr, 10, 64)
		var decrCmd *redis.IntCmd
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			decrCmd = pipe.DecrBy(ctx, totalKey, int64(size))
			pipe.Del(ctx, entry)
			pipe.ZRem(ctx, indexKey, member)
			return nil
		})
		if err != nil {
			return err
		}
		cmn.AssertMsg(decrCmd.Val() >= 0, "total_size went negative during eviction")
		victim = member
		return nil
	}, indexKey, totalKey)
	return victim, done, err
}

func (r *RedisLRU) Evict(ctx context.Context, incomingSize, sizeLimit uint64) ([]string, error) {
	var evicted []string
	for i := 0; i < redisEvictMaxAttempts; i++ {
		victim, done, err := r.evictOne(ctx, incomingSize, sizeLimit)
		if err != nil {
			if errors.Is(err, cmn.ErrMetadataInconsistent) {
				glog.Warningf("%s: %v (incoming=%d limit=%d)", r.id, cmn.ErrMetadataInconsistent, incomingSize, sizeLimit)
				return evicted, cmn.ErrMetadataInconsistent
			}
			glog.Errorf("%s: evict: %v", r.id, err)
			return evicted, fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
		}
		if done {
			return evicted, nil
		}
		if victim != "" {
			evicted = append(evicted, victim)
		}
	}
	glog.Warningf("%s: evict bailed out after %d attempts without converging", r.id, redisEvictMaxAttempts)
	return evicted, cmn.ErrMetadataInconsistent
}

// RedisTTL implements TTLStore over a Redis server, relying on server-side
// key expiry plus a keyspace-notification listener for blob reaping.
type RedisTTL struct {
	id     string
	client *redis.Client
	opt    *redis.Options

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

var _ TTLStore = (*RedisTTL)(nil)

func NewRedisTTL(id string, client *redis.Client, opt *redis.Options) *RedisTTL {
	return &RedisTTL{id: id, client: client, opt: opt}
}

func (r *RedisTTL) Close() error { return r.client.Close() }

func (r *RedisTTL) Observe(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, redisEntryKey(r.id, key)).Result()
	if err != nil {
		glog.Errorf("%s: observe %s: %v", r.id, key, err)
		return false, fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	return n > 0, nil
}

func (r *RedisTTL) Record(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Set(ctx, redisEntryKey(r.id, key), "1", ttl).Err(); err != nil {
		glog.Errorf("%s: record %s: %v", r.id, key, err)
		return fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	return nil
}

// Remove deletes key's entry outright, for operator-initiated purge
// (cmd/cachectl). The keyspace-notification sweeper never fires for a
// direct DEL the way it does for a TTL expiry, so callers must reap the
// blob themselves.
func (r *RedisTTL) Remove(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, redisEntryKey(r.id, key)).Result()
	if err != nil {
		glog.Errorf("%s: remove %s: %v", r.id, key, err)
		return fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	if n == 0 {
		return cmn.ErrNotFound
	}
	return nil
}

// StartSweeper opens a dedicated connection subscribed to keyspace
// notifications for this policy's keys and reaps the corresponding blob
// whenever Redis reports a key as "expired". The subscriber uses a short
// read timeout so the shutdown channel is checked between reads;
// connection failures back off and retry until shutdown.
func (r *RedisTTL) StartSweeper(storage blob.Storage) func() {
	r.mu.Lock()
	if r.stopCh == nil {
		r.stopCh = make(chan struct{})
		r.doneCh = make(chan struct{})
		stopCh, doneCh := r.stopCh, r.doneCh
		go r.listen(storage, stopCh, doneCh)
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	return func() {
		r.stopOnce.Do(func() { close(stopCh) })
		<-doneCh
	}
}

func (r *RedisTTL) listen(storage blob.Storage, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	pattern := fmt.Sprintf("__keyspace@%d__:%s*", r.opt.DB, r.id+"_")
	backoff := 3 * time.Second
	readTimeout := time.Second

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		sub := r.client.PSubscribe(context.Background(), pattern)
		ch := sub.Channel(redis.WithChannelSize(64))

	readLoop:
		for {
			select {
			case <-stopCh:
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break readLoop
				}
				if msg.Payload != "expired" {
					continue
				}
				key := strings.TrimPrefix(msg.Channel, fmt.Sprintf("__keyspace@%d__:", r.opt.DB))
				key = strings.TrimPrefix(key, r.id+"_")
				if rerr := storage.Remove(context.Background(), key); rerr != nil && !errors.Is(rerr, cmn.ErrNotFound) {
					glog.Warningf("%s: sweep remove blob %s: %v", r.id, key, rerr)
				}
			case <-time.After(readTimeout):
				// Loop back to re-check stopCh promptly even if idle.
			}
		}
		sub.Close()
		glog.Warningf("%s: keyspace subscription dropped, retrying in %s", r.id, backoff)
		select {
		case <-stopCh:
			return
		case <-time.After(backoff):
		}
	}
}
