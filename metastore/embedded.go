package metastore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/golang/glog"
	"github.com/tidwall/buntdb"

	"github.com/aistore-edge/cachegate/blob"
	"github.com/aistore-edge/cachegate/cmn"
)

// Collection layout within a single *buntdb.DB, multiplexed the same way
// aistore's dbdriver/bunt.go multiplexes "collections" over one handle:
// a path is built as "<collection>##<key>" so the three logical trees
// (scalar, metadata, atime/expiry index) never collide.
// The atime/expiry index encodes the timestamp INTO the key as a
// zero-padded fixed-width decimal so that buntdb's lexicographic AscendKeys
// scan is equivalent to the big-endian-timestamp-tree scan the spec
// describes for an on-disk engine with native byte-ordered keys.
const (
	collScalar = "scalar"
	collMeta   = "meta"
	collIndex  = "index"

	keyTotalSize = "total_size"

	openRetries  = 10
	openInterval = time.Second
)

func openBuntDB(path string) (*buntdb.DB, error) {
	var (
		db  *buntdb.DB
		err error
	)
	for i := 0; i < openRetries; i++ {
		db, err = buntdb.Open(path)
		if err == nil {
			db.SetConfig(buntdb.Config{
				SyncPolicy:           buntdb.EverySecond,
				AutoShrinkMinSize:    1 << 20,
				AutoShrinkPercentage: 50,
			})
			return db, nil
		}
		glog.Warningf("open %s: attempt %d/%d: %v", path, i+1, openRetries, err)
		time.Sleep(openInterval)
	}
	return nil, fmt.Errorf("open %s after %d attempts: %w", path, openRetries, err)
}

func collKey(collection, key string) string { return collection + "##" + key }

func atimeIndexKey(atime int64, key string) string {
	return collKey(collIndex, fmt.Sprintf("%019d##%s", atime, key))
}

// ---- LRU record ----

type lruRecord struct {
	Size  uint64 `json:"size"`
	Atime int64  `json:"atime"`
}

// EmbeddedLRU implements LRUStore over a dedicated buntdb file.
type EmbeddedLRU struct {
	id string
	db *buntdb.DB
}

var _ LRUStore = (*EmbeddedLRU)(nil)

// NewEmbeddedLRU opens (creating if absent) the buntdb file at path for
// policy id.
func NewEmbeddedLRU(id, path string) (*EmbeddedLRU, error) {
	db, err := openBuntDB(path)
	if err != nil {
		return nil, err
	}
	return &EmbeddedLRU{id: id, db: db}, nil
}

func (e *EmbeddedLRU) Close() error { return e.db.Close() }

func (e *EmbeddedLRU) Observe(_ context.Context, key string) (bool, error) {
	hit := false
	err := e.db.Update(func(tx *buntdb.Tx) error {
		s, err := tx.Get(collKey(collMeta, key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var rec lruRecord
		if err := jsoniter.UnmarshalFromString(s, &rec); err != nil {
			return err
		}
		now := time.Now().UnixNano()
		if _, err := tx.Delete(atimeIndexKey(rec.Atime, key)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		rec.Atime = now
		enc, _ := jsoniter.MarshalToString(rec)
		if _, _, err := tx.Set(collKey(collMeta, key), enc, nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(atimeIndexKey(now, key), key, nil); err != nil {
			return err
		}
		hit = true
		return nil
	})
	if err != nil {
		glog.Errorf("%s: observe %s: %v", e.id, key, err)
		return false, fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	return hit, nil
}

func readTotal(tx *buntdb.Tx) (uint64, error) {
	s, err := tx.Get(collKey(collScalar, keyTotalSize))
	if err == buntdb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func writeTotal(tx *buntdb.Tx, v uint64) error {
	_, _, err := tx.Set(collKey(collScalar, keyTotalSize), strconv.FormatUint(v, 10), nil)
	return err
}

func (e *EmbeddedLRU) Record(_ context.Context, key string, size uint64) error {
	err := e.db.Update(func(tx *buntdb.Tx) error {
		now := time.Now().UnixNano()
		total, err := readTotal(tx)
		if err != nil {
			return err
		}
		if s, err := tx.Get(collKey(collMeta, key)); err == nil {
			var old lruRecord
			if uerr := jsoniter.UnmarshalFromString(s, &old); uerr == nil {
				total -= old.Size
				if _, derr := tx.Delete(atimeIndexKey(old.Atime, key)); derr != nil && derr != buntdb.ErrNotFound {
					return derr
				}
			}
		} else if err != buntdb.ErrNotFound {
			return err
		}
		total += size
		cmn.AssertMsg(total >= size, "total_size overflowed on record")
		if err := writeTotal(tx, total); err != nil {
			return err
		}
		rec := lruRecord{Size: size, Atime: now}
		enc, _ := jsoniter.MarshalToString(rec)
		if _, _, err := tx.Set(collKey(collMeta, key), enc, nil); err != nil {
			return err
		}
		_, _, err = tx.Set(atimeIndexKey(now, key), key, nil)
		return err
	})
	if err != nil {
		glog.Errorf("%s: record %s: %v", e.id, key, err)
		return fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	return nil
}

func (e *EmbeddedLRU) Remove(_ context.Context, key string) error {
	notFound := false
	err := e.db.Update(func(tx *buntdb.Tx) error {
		s, gerr := tx.Get(collKey(collMeta, key))
		if gerr == buntdb.ErrNotFound {
			notFound = true
			return nil
		}
		if gerr != nil {
			return gerr
		}
		var rec lruRecord
		if uerr := jsoniter.UnmarshalFromString(s, &rec); uerr != nil {
			return uerr
		}
		before, terr := readTotal(tx)
		if terr != nil {
			return terr
		}
		total := before
		if total < rec.Size {
			total = 0
		} else {
			total -= rec.Size
		}
		cmn.AssertMsg(total <= before, "total_size increased during remove")
		if werr := writeTotal(tx, total); werr != nil {
			return werr
		}
		if _, derr := tx.Delete(collKey(collMeta, key)); derr != nil && derr != buntdb.ErrNotFound {
			return derr
		}
		if _, derr := tx.Delete(atimeIndexKey(rec.Atime, key)); derr != nil && derr != buntdb.ErrNotFound {
			return derr
		}
		return nil
	})
	if err != nil {
		glog.Errorf("%s: remove %s: %v", e.id, key, err)
		return fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	if notFound {
		return cmn.ErrNotFound
	}
	return nil
}

func (e *EmbeddedLRU) TotalSize(context.Context) (uint64, error) {
	var total uint64
	err := e.db.View(func(tx *buntdb.Tx) error {
		t, err := readTotal(tx)
		total = t
		return err
	})
	return total, err
}

var errNoVictim = errors.New("no eviction candidate")

// evictOne runs exactly one victim's removal inside a single transaction.
// Returns ("", false, nil) once total+incoming <= limit, and ("", true, nil)
// when the index head pointed at a vanished record. Returns errNoVictim when
// the index is exhausted but the cache is still over limit (the outer Evict
// turns this into cmn.ErrMetadataInconsistent without aborting the insert).
func (e *EmbeddedLRU) evictOne(incomingSize, sizeLimit uint64) (victim string, retryNoProgress bool, err error) {
	err = e.db.Update(func(tx *buntdb.Tx) error {
		total, err := readTotal(tx)
		if err != nil {
			return err
		}
		if total+incomingSize <= sizeLimit {
			return nil
		}

		var candidateIdxKey, candidateKey string
		tx.AscendKeys(collKey(collIndex, "*"), func(k, v string) bool {
			candidateIdxKey, candidateKey = k, v
			return false // stop at first (smallest atime, due to lexicographic ascend)
		})
		if candidateKey == "" {
			return errNoVictim
		}

		metaStr, gerr := tx.Get(collKey(collMeta, candidateKey))
		if gerr == buntdb.ErrNotFound {
			// Candidate vanished underfoot (concurrent evictor won): drop
			// the stale index entry and signal the caller to re-examine
			// the (now-advanced) index head rather than treating this as
			// a completed eviction.
			if _, derr := tx.Delete(candidateIdxKey); derr != nil && derr != buntdb.ErrNotFound {
				return derr
			}
			retryNoProgress = true
			return nil
		}
		if gerr != nil {
			return gerr
		}
		var rec lruRecord
		if uerr := jsoniter.UnmarshalFromString(metaStr, &rec); uerr != nil {
			return uerr
		}
		if _, derr := tx.Delete(collKey(collMeta, candidateKey)); derr != nil && derr != buntdb.ErrNotFound {
			return derr
		}
		if _, derr := tx.Delete(candidateIdxKey); derr != nil && derr != buntdb.ErrNotFound {
			return derr
		}
		before := total
		if total < rec.Size {
			total = 0
		} else {
			total -= rec.Size
		}
		cmn.AssertMsg(total <= before, "total_size increased during eviction")
		if werr := writeTotal(tx, total); werr != nil {
			return werr
		}
		victim = candidateKey
		return nil
	})
	return victim, retryNoProgress, err
}

func (e *EmbeddedLRU) Evict(_ context.Context, incomingSize, sizeLimit uint64) ([]string, error) {
	var evicted []string
	for {
		victim, retry, err := e.evictOne(incomingSize, sizeLimit)
		if err != nil {
			if errors.Is(err, errNoVictim) {
				glog.Warningf("%s: %v (incoming=%d limit=%d)", e.id, cmn.ErrMetadataInconsistent, incomingSize, sizeLimit)
				return evicted, cmn.ErrMetadataInconsistent
			}
			glog.Errorf("%s: evict: %v", e.id, err)
			return evicted, fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
		}
		if retry {
			continue
		}
		if victim == "" {
			return evicted, nil
		}
		evicted = append(evicted, victim)
	}
}

// ---- TTL record ----

type ttlRecord struct {
	ExpiresAt int64 `json:"expires_at"`
}

func expiryIndexKey(expiresAt int64, key string) string {
	return collKey(collIndex, fmt.Sprintf("%019d##%s", expiresAt, key))
}

// EmbeddedTTL implements TTLStore over a dedicated buntdb file, with a
// polling sweeper.
type EmbeddedTTL struct {
	id            string
	db            *buntdb.DB
	cleanInterval time.Duration

	mu        sync.Mutex
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

var _ TTLStore = (*EmbeddedTTL)(nil)

func NewEmbeddedTTL(id, path string, cleanInterval time.Duration) (*EmbeddedTTL, error) {
	db, err := openBuntDB(path)
	if err != nil {
		return nil, err
	}
	if cleanInterval <= 0 {
		cleanInterval = 30 * time.Second
	}
	return &EmbeddedTTL{id: id, db: db, cleanInterval: cleanInterval}, nil
}

func (e *EmbeddedTTL) Close() error { return e.db.Close() }

func (e *EmbeddedTTL) Observe(_ context.Context, key string) (bool, error) {
	hit := false
	err := e.db.View(func(tx *buntdb.Tx) error {
		s, err := tx.Get(collKey(collMeta, key))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var rec ttlRecord
		if err := jsoniter.UnmarshalFromString(s, &rec); err != nil {
			return err
		}
		hit = rec.ExpiresAt > time.Now().UnixNano()
		return nil
	})
	if err != nil {
		glog.Errorf("%s: observe %s: %v", e.id, key, err)
		return false, fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	return hit, nil
}

func (e *EmbeddedTTL) Record(_ context.Context, key string, ttl time.Duration) error {
	err := e.db.Update(func(tx *buntdb.Tx) error {
		expiresAt := time.Now().Add(ttl).UnixNano()
		if s, err := tx.Get(collKey(collMeta, key)); err == nil {
			var old ttlRecord
			if uerr := jsoniter.UnmarshalFromString(s, &old); uerr == nil {
				if _, derr := tx.Delete(expiryIndexKey(old.ExpiresAt, key)); derr != nil && derr != buntdb.ErrNotFound {
					return derr
				}
			}
		} else if err != buntdb.ErrNotFound {
			return err
		}
		rec := ttlRecord{ExpiresAt: expiresAt}
		enc, _ := jsoniter.MarshalToString(rec)
		if _, _, err := tx.Set(collKey(collMeta, key), enc, nil); err != nil {
			return err
		}
		_, _, err := tx.Set(expiryIndexKey(expiresAt, key), key, nil)
		return err
	})
	if err != nil {
		glog.Errorf("%s: record %s: %v", e.id, key, err)
		return fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	return nil
}

func (e *EmbeddedTTL) Remove(_ context.Context, key string) error {
	notFound := false
	err := e.db.Update(func(tx *buntdb.Tx) error {
		s, gerr := tx.Get(collKey(collMeta, key))
		if gerr == buntdb.ErrNotFound {
			notFound = true
			return nil
		}
		if gerr != nil {
			return gerr
		}
		var rec ttlRecord
		if uerr := jsoniter.UnmarshalFromString(s, &rec); uerr != nil {
			return uerr
		}
		if _, derr := tx.Delete(collKey(collMeta, key)); derr != nil && derr != buntdb.ErrNotFound {
			return derr
		}
		if _, derr := tx.Delete(expiryIndexKey(rec.ExpiresAt, key)); derr != nil && derr != buntdb.ErrNotFound {
			return derr
		}
		return nil
	})
	if err != nil {
		glog.Errorf("%s: remove %s: %v", e.id, key, err)
		return fmt.Errorf("%w: %v", cmn.ErrMetadataBackend, err)
	}
	if notFound {
		return cmn.ErrNotFound
	}
	return nil
}

// sweepOnce range-scans the expiry index from the start up to now,
// transactionally removing each victim's metadata and index entry before
// reaping its blob. A concurrent Record on the same key is resolved by
// re-verifying expiry inside the same transaction that deletes it, so a put
// racing the sweeper never loses a freshly-written record to a stale sweep
// decision.
func (e *EmbeddedTTL) sweepOnce(storage blob.Storage) {
	now := time.Now().UnixNano()
	prefix := collKey(collIndex, "")
	nowKey := expiryIndexKey(now, "")

	for {
		var victim string
		err := e.db.Update(func(tx *buntdb.Tx) error {
			var idxKey, key string
			tx.AscendRange("", prefix, nowKey, func(k, v string) bool {
				idxKey, key = k, v
				return false
			})
			if key == "" {
				return nil
			}
			metaStr, gerr := tx.Get(collKey(collMeta, key))
			if gerr == buntdb.ErrNotFound {
				_, _ = tx.Delete(idxKey)
				return nil
			}
			if gerr != nil {
				return gerr
			}
			var rec ttlRecord
			if uerr := jsoniter.UnmarshalFromString(metaStr, &rec); uerr != nil {
				return uerr
			}
			if rec.ExpiresAt > now {
				// Re-verified: a concurrent Record refreshed this key after
				// the index scan observed it; leave it alone.
				return nil
			}
			if _, derr := tx.Delete(collKey(collMeta, key)); derr != nil && derr != buntdb.ErrNotFound {
				return derr
			}
			if _, derr := tx.Delete(idxKey); derr != nil && derr != buntdb.ErrNotFound {
				return derr
			}
			victim = key
			return nil
		})
		if err != nil {
			glog.Errorf("%s: sweep: %v", e.id, err)
			return
		}
		if victim == "" {
			return
		}
		if rerr := storage.Remove(context.Background(), victim); rerr != nil && !errors.Is(rerr, cmn.ErrNotFound) {
			glog.Warningf("%s: sweep remove blob %s: %v", e.id, victim, rerr)
		}
	}
}

func (e *EmbeddedTTL) StartSweeper(storage blob.Storage) func() {
	e.mu.Lock()
	if e.stopCh == nil {
		e.stopCh = make(chan struct{})
		e.doneCh = make(chan struct{})
		stopCh, doneCh := e.stopCh, e.doneCh
		go func() {
			defer close(doneCh)
			t := time.NewTicker(e.cleanInterval)
			defer t.Stop()
			for {
				select {
				case <-stopCh:
					return
				case <-t.C:
					e.sweepOnce(storage)
				}
			}
		}()
	}
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	return func() {
		e.stopOnce.Do(func() { close(stopCh) })
		<-doneCh
	}
}
