// Command cachegate runs the caching reverse-proxy front-end: it loads a
// config file, builds the storage/metastore/cache/TaskManager stack, and
// serves client requests through a thin valyala/fasthttp HTTP server -- the
// front-end only calls Manager.Resolve (and Manager.Purge for DELETE) and
// never itself touches a MetadataStore or BlobStorage.
/*
 * Copyright (c) 2020-2026, cachegate authors. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/aistore-edge/cachegate/blob"
	"github.com/aistore-edge/cachegate/cachecore"
	"github.com/aistore-edge/cachegate/cmn"
	"github.com/aistore-edge/cachegate/config"
	"github.com/aistore-edge/cachegate/fetch"
	"github.com/aistore-edge/cachegate/metastore"
	"github.com/aistore-edge/cachegate/metrics"
	"github.com/aistore-edge/cachegate/task"
)

func main() {
	app := cli.NewApp()
	app.Name = "cachegate"
	app.Usage = "caching reverse-proxy"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Value: "cachegate.yaml", Usage: "path to the config file"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		glog.Fatalf("cachegate: %v", err)
	}
}

// ruleStack holds the live blob/cache instances built from the config,
// keyed by storage and policy name.
type ruleStack struct {
	storages map[string]blob.Storage
	caches   map[string]cachecore.Cache
}

// embeddedDBPath gives each Sled-backed policy its own buntdb file under
// the configured metadata_path directory, since a buntdb handle owns one
// file and policies must not share trees.
func embeddedDBPath(dir, policyName string) string {
	return filepath.Join(dir, policyName+".db")
}

// reconcileOrphans runs a startup sweep over a filesystem-backed storage,
// removing any blob that has no metadata record, as left behind by a crash
// between a metadata removal and the blob removal that follows it. No-op for non-filesystem storages, since only those
// can accumulate files outside the metadata store's bookkeeping.
func reconcileOrphans(policyName string, st blob.Storage, observe func(ctx context.Context, key string) (bool, error)) {
	fsStore, ok := st.(*blob.FileSystem)
	if !ok {
		return
	}
	ctx := context.Background()
	removed := 0
	err := fsStore.ReconcileOrphans(
		func(key string) bool {
			hit, oerr := observe(ctx, key)
			if oerr != nil {
				// Backend error: assume live rather than risk deleting a
				// blob whose metadata we simply failed to read.
				return true
			}
			return hit
		},
		func(key string) {
			if rerr := fsStore.Remove(ctx, key); rerr != nil && rerr != cmn.ErrNotFound {
				glog.Warningf("%s: remove orphan blob %s: %v", policyName, key, rerr)
				return
			}
			removed++
		},
	)
	if err != nil {
		glog.Warningf("%s: reconcile orphans: %v", policyName, err)
		return
	}
	if removed > 0 {
		glog.Infof("%s: reconciled %d orphan blob(s) at startup", policyName, removed)
	}
}

func buildStack(cfg *config.Config, sink metrics.Sink) (*ruleStack, map[uint32]struct {
	cacheName string
	sizeLimit uint64
	rewrites  []task.Rewrite
	ruleID    uint32
}, error) {
	stack := &ruleStack{
		storages: make(map[string]blob.Storage, len(cfg.Storages)),
		caches:   make(map[string]cachecore.Cache),
	}

	for _, s := range cfg.Storages {
		var st blob.Storage
		var err error
		switch s.Config.Type {
		case "Fs":
			st, err = blob.NewFileSystem(s.Name, s.Config.Path)
		case "Mem":
			st = blob.NewInMemory(s.Name)
		default:
			err = fmt.Errorf("%w: storage %q has unsupported type %q", cmn.ErrConfigInvalid, s.Name, s.Config.Type)
		}
		if err != nil {
			return nil, nil, err
		}
		stack.storages[s.Name] = st
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: redis.url: %v", cmn.ErrConfigInvalid, err)
		}
		redisClient = redis.NewClient(opt)
	}

	for _, p := range cfg.Policies {
		st, ok := stack.storages[p.Storage]
		if !ok {
			return nil, nil, fmt.Errorf("%w: policy %q references unknown storage %q", cmn.ErrConfigInvalid, p.Name, p.Storage)
		}

		switch p.Type {
		case "LRU":
			sizeLimit, err := cmn.ParseSize(p.Size)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: policy %q size: %v", cmn.ErrConfigInvalid, p.Name, err)
			}
			var meta metastore.LRUStore
			switch p.MetadataDB {
			case "Redis":
				if redisClient == nil {
					return nil, nil, fmt.Errorf("%w: policy %q needs redis.url configured", cmn.ErrConfigInvalid, p.Name)
				}
				meta = metastore.NewRedisLRU(p.Name, redisClient)
			case "Sled":
				db, err := metastore.NewEmbeddedLRU(p.Name, embeddedDBPath(cfg.Sled.MetadataPath, p.Name))
				if err != nil {
					return nil, nil, err
				}
				meta = db
			}
			reconcileOrphans(p.Name, st, meta.Observe)
			stack.caches[p.Name] = cachecore.NewLRUCache(p.Name, meta, st, sizeLimit, sink)
		case "TTL":
			ttl := time.Duration(p.TimeoutSecs) * time.Second
			interval := time.Duration(p.CleanInterval) * time.Second
			if interval <= 0 {
				interval = 30 * time.Second
			}
			var meta metastore.TTLStore
			switch p.MetadataDB {
			case "Redis":
				if redisClient == nil {
					return nil, nil, fmt.Errorf("%w: policy %q needs redis.url configured", cmn.ErrConfigInvalid, p.Name)
				}
				opt, _ := redis.ParseURL(cfg.Redis.URL)
				meta = metastore.NewRedisTTL(p.Name, redisClient, opt)
			case "Sled":
				db, err := metastore.NewEmbeddedTTL(p.Name, embeddedDBPath(cfg.Sled.MetadataPath, p.Name), interval)
				if err != nil {
					return nil, nil, err
				}
				meta = db
			}
			reconcileOrphans(p.Name, st, meta.Observe)
			stack.caches[p.Name] = cachecore.NewTTLCache(p.Name, meta, st, ttl, sink)
		}
	}

	type binding = struct {
		cacheName string
		sizeLimit uint64
		rewrites  []task.Rewrite
		ruleID    uint32
	}
	rules := make(map[uint32]binding)
	for i, r := range cfg.Rules {
		ruleID := uint32(i + 1)
		var sizeLimit uint64
		if r.SizeLimit != "" {
			s, err := cmn.ParseSize(r.SizeLimit)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: rule %d size_limit: %v", cmn.ErrConfigInvalid, ruleID, err)
			}
			sizeLimit = s
		}
		rewrites := make([]task.Rewrite, len(r.Rewrite))
		for j, rw := range r.Rewrite {
			rewrites[j] = task.Rewrite{From: rw.From, To: rw.To}
		}
		rules[ruleID] = binding{cacheName: r.Policy, sizeLimit: sizeLimit, rewrites: rewrites, ruleID: ruleID}
	}

	return stack, rules, nil
}

func run(c *cli.Context) error {
	cfgPath := c.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if cfg.Sled.MetadataPath != "" {
		if err := os.MkdirAll(cfg.Sled.MetadataPath, 0o755); err != nil {
			return fmt.Errorf("%w: sled.metadata_path: %v", cmn.ErrConfigInvalid, err)
		}
	}

	reg := prometheus.NewRegistry()
	sink := metrics.NewPrometheus(reg)

	stack, bindings, err := buildStack(cfg, sink)
	if err != nil {
		return err
	}

	mgr := task.NewManager(fetch.NewFastHTTP(30*time.Second), sink)
	for ruleID, b := range bindings {
		cache, ok := stack.caches[b.cacheName]
		if !ok {
			return fmt.Errorf("%w: rule %d references unknown policy %q", cmn.ErrConfigInvalid, ruleID, b.cacheName)
		}
		mgr.BindRule(ruleID, cache, b.sizeLimit, b.rewrites)
	}

	mux := newFrontEnd(mgr, sink, cfg.Rules)

	go reportCacheSizes(stack.caches, sink)

	metricsSrv := &fasthttp.Server{
		Handler: fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port+1)
		glog.Infof("metrics listening on %s", addr)
		if err := metricsSrv.ListenAndServe(addr); err != nil {
			glog.Errorf("metrics server: %v", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	glog.Infof("cachegate listening on %s", addr)
	srv := &fasthttp.Server{Handler: mux}
	return srv.ListenAndServe(addr)
}

// reportCacheSizes polls every bounded-size cache's authoritative total and
// publishes it as the current cache size per policy metric. TTL caches have
// no size ceiling to report against and are skipped.
func reportCacheSizes(caches map[string]cachecore.Cache, sink metrics.Sink) {
	type sized interface {
		TotalSize(ctx context.Context) (uint64, error)
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		for name, c := range caches {
			lru, ok := c.(sized)
			if !ok {
				continue
			}
			total, err := lru.TotalSize(context.Background())
			if err != nil {
				glog.Warningf("report cache size for %s: %v", name, err)
				continue
			}
			sink.CacheSize(name, total)
		}
	}
}
