package cachecore_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/aistore-edge/cachegate/blob"
	"github.com/aistore-edge/cachegate/cachecore"
	"github.com/aistore-edge/cachegate/cmn"
	"github.com/aistore-edge/cachegate/metastore"
	"github.com/aistore-edge/cachegate/metrics"
)

func TestCacheCoreMain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CacheCore Suite")
}

func newLRU(name string, sizeLimit uint64) *cachecore.LRUCache {
	meta, err := metastore.NewEmbeddedLRU(name, ":memory:")
	Expect(err).NotTo(HaveOccurred())
	storage := blob.NewInMemory(name)
	return cachecore.NewLRUCache(name, meta, storage, sizeLimit, metrics.Nop{})
}

func newTTL(name string, ttl, cleanInterval time.Duration) (*cachecore.TTLCache, *blob.InMemory) {
	meta, err := metastore.NewEmbeddedTTL(name, ":memory:", cleanInterval)
	Expect(err).NotTo(HaveOccurred())
	storage := blob.NewInMemory(name)
	return cachecore.NewTTLCache(name, meta, storage, ttl, metrics.Nop{}), storage
}

var _ = Describe("LRUCache", func() {
	ctx := context.Background()

	It("round-trips a value under the size limit", func() {
		c := newLRU("roundtrip", 10)
		defer c.Close()

		c.Put(ctx, "k", cmn.NewTextData("v"))
		data, hit := c.Get(ctx, "k")
		Expect(hit).To(BeTrue())
		body, err := io.ReadAll(data.Reader)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(Equal("v"))
	})

	It("rejects a value over the size limit and leaves total size unchanged", func() {
		c := newLRU("reject", 2)
		defer c.Close()

		c.Put(ctx, "k", cmn.NewTextData("too-big"))
		_, hit := c.Get(ctx, "k")
		Expect(hit).To(BeFalse())
		total, err := c.TotalSize(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeZero())
	})

	It("stays bounded after many puts", func() {
		c := newLRU("bounded", 3)
		defer c.Close()

		for i := 0; i < 10; i++ {
			c.Put(ctx, fmt.Sprintf("k%d", i), cmn.NewTextData("x"))
		}
		total, err := c.TotalSize(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeNumerically("<=", 3))
	})

	It("evicts the least-recently-used key (seed scenario)", func() {
		c := newLRU("lru-order", 3)
		defer c.Close()

		c.Put(ctx, "k1", cmn.NewTextData("1"))
		c.Put(ctx, "k2", cmn.NewTextData("1"))
		c.Put(ctx, "k3", cmn.NewTextData("1"))

		_, hit := c.Get(ctx, "k1") // refresh k1's atime
		Expect(hit).To(BeTrue())

		c.Put(ctx, "k4", cmn.NewTextData("1"))

		_, hit1 := c.Get(ctx, "k1")
		_, hit2 := c.Get(ctx, "k2")
		Expect(hit1).To(BeTrue())
		Expect(hit2).To(BeFalse())
	})

	It("replaces accounting on put(k, v1) then put(k, v2)", func() {
		c := newLRU("replace", 100)
		defer c.Close()

		c.Put(ctx, "k", cmn.NewTextData("12345"))
		c.Put(ctx, "k", cmn.NewTextData("12"))

		total, err := c.TotalSize(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeEquivalentTo(2))
	})

	It("purges a key outright on Remove", func() {
		c := newLRU("purge", 10)
		defer c.Close()

		c.Put(ctx, "k", cmn.NewTextData("v"))
		Expect(c.Remove(ctx, "k")).To(Succeed())

		_, hit := c.Get(ctx, "k")
		Expect(hit).To(BeFalse())
		total, err := c.TotalSize(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeZero())
	})

	It("reports not-found when removing a key that was never put", func() {
		c := newLRU("purge-miss", 10)
		defer c.Close()

		Expect(c.Remove(ctx, "absent")).To(MatchError(cmn.ErrNotFound))
	})

	It("isolates two caches with distinct policy ids and storage roots", func() {
		a := newLRU("isolated-a", 10)
		b := newLRU("isolated-b", 10)
		defer a.Close()
		defer b.Close()

		a.Put(ctx, "shared", cmn.NewTextData("from-a"))
		_, hit := b.Get(ctx, "shared")
		Expect(hit).To(BeFalse())
	})

	It("rejects an undeclared-length stream", func() {
		c := newLRU("stream-reject", 100)
		defer c.Close()

		c.Put(ctx, "k", cmn.NewStreamData(strings.NewReader("abc"), -1))
		_, hit := c.Get(ctx, "k")
		Expect(hit).To(BeFalse())
	})

	It("accounts a declared-length stream as its declared length", func() {
		c := newLRU("stream-ok", 100)
		defer c.Close()

		c.Put(ctx, "k", cmn.NewStreamData(strings.NewReader("abcde"), 5))
		total, err := c.TotalSize(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeEquivalentTo(5))
	})

	It("survives 256 concurrent writers inserting 4 keys each into a size-2 cache", func() {
		c := newLRU("concurrency", 2)
		defer c.Close()

		var wg sync.WaitGroup
		for w := 0; w < 256; w++ {
			w := w
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 4; k++ {
					key := fmt.Sprintf("w%d-k%d", w, k)
					c.Put(ctx, key, cmn.NewTextData("1"))
				}
			}()
		}
		wg.Wait()

		total, err := c.TotalSize(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(total).To(BeNumerically("<=", 2))
	})
})

var _ = Describe("TTLCache", func() {
	ctx := context.Background()

	It("expires a key and reaps its blob", func() {
		c, storage := newTTL("ttl-expiry", time.Second, 200*time.Millisecond)
		defer c.Close()

		c.Put(ctx, "k", cmn.NewTextData("v"))
		_, hit := c.Get(ctx, "k")
		Expect(hit).To(BeTrue())

		time.Sleep(2 * time.Second)

		_, hit = c.Get(ctx, "k")
		Expect(hit).To(BeFalse())
		_, err := storage.Read(ctx, "k")
		Expect(err).To(MatchError(cmn.ErrNotFound))
	})
})
