package task_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aistore-edge/cachegate/blob"
	"github.com/aistore-edge/cachegate/cachecore"
	"github.com/aistore-edge/cachegate/cmn"
	"github.com/aistore-edge/cachegate/fetch"
	"github.com/aistore-edge/cachegate/metastore"
	"github.com/aistore-edge/cachegate/metrics"
	"github.com/aistore-edge/cachegate/task"
)

// blockingUpstream lets a test control exactly when each Fetch call
// returns, to pin down the single-flight race window.
type blockingUpstream struct {
	calls int32
	gate  chan struct{}
	body  string
}

func (u *blockingUpstream) Fetch(url string, headOnly bool) (*fetch.Response, error) {
	atomic.AddInt32(&u.calls, 1)
	<-u.gate
	return &fetch.Response{
		Status:        200,
		ContentLength: int64(len(u.body)),
		Headers:       map[string]string{},
		Body:          io.NopCloser(strings.NewReader(u.body)),
	}, nil
}

func newTestLRU(t *testing.T, name string, sizeLimit uint64) *cachecore.LRUCache {
	t.Helper()
	meta, err := metastore.NewEmbeddedLRU(name, ":memory:")
	require.NoError(t, err)
	return cachecore.NewLRUCache(name, meta, blob.NewInMemory(name), sizeLimit, metrics.Nop{})
}

func TestResolveSingleFlight(t *testing.T) {
	up := &blockingUpstream{gate: make(chan struct{}), body: "payload"}
	mgr := task.NewManager(up, metrics.Nop{})
	cache := newTestLRU(t, "single-flight", 1024)
	defer cache.Close()
	mgr.BindRule(1, cache, 0, nil)

	tsk := task.Task{RuleID: 1, URL: "http://upstream.example/object"}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, outcome := mgr.Resolve(context.Background(), tsk)
			assert.Equal(t, task.Miss, outcome)
			assert.Equal(t, task.KindPayload, resp.Kind)
		}()
	}

	// Give both resolve() calls time to reach the upstream.Fetch gate before
	// releasing it -- this pins down the window the pending-set must
	// deduplicate across.
	time.Sleep(50 * time.Millisecond)
	close(up.gate)
	wg.Wait()

	// Both callers issued their own upstream GET to serve the client (the
	// spec does not share the client-facing fetch), but the background
	// fill's single-flight pending-set must have allowed only one spawn;
	// give the fill goroutines a moment to settle and confirm the cache
	// holds exactly one entry with the expected payload.
	time.Sleep(100 * time.Millisecond)
	data, hit := cache.Get(context.Background(), tsk.ToKey())
	require.True(t, hit)
	body, err := io.ReadAll(data.Reader)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestResolveCacheHit(t *testing.T) {
	cache := newTestLRU(t, "hit", 1024)
	defer cache.Close()
	cache.Put(context.Background(), "upstream.example/object", cmn.NewTextData("cached"))

	mgr := task.NewManager(&blockingUpstream{gate: make(chan struct{})}, metrics.Nop{})
	mgr.BindRule(1, cache, 0, nil)

	resp, outcome := mgr.Resolve(context.Background(), task.Task{RuleID: 1, URL: "http://upstream.example/object"})
	assert.Equal(t, task.Hit, outcome)
	body, err := io.ReadAll(resp.Data.Reader)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(body))
}

func TestPurgeRemovesCachedEntry(t *testing.T) {
	cache := newTestLRU(t, "purge", 1024)
	defer cache.Close()
	cache.Put(context.Background(), "upstream.example/object", cmn.NewTextData("cached"))

	mgr := task.NewManager(&blockingUpstream{gate: make(chan struct{})}, metrics.Nop{})
	mgr.BindRule(1, cache, 0, nil)

	err := mgr.Purge(context.Background(), task.Task{RuleID: 1, URL: "http://upstream.example/object"})
	require.NoError(t, err)

	_, hit := cache.Get(context.Background(), "upstream.example/object")
	assert.False(t, hit)
}

func TestPurgeUnknownRule(t *testing.T) {
	mgr := task.NewManager(&blockingUpstream{gate: make(chan struct{})}, metrics.Nop{})
	err := mgr.Purge(context.Background(), task.Task{RuleID: 99, URL: "http://upstream.example/object"})
	assert.ErrorIs(t, err, cmn.ErrNotFound)
}

func TestToKeyStripsSchemeAndTrailingSlash(t *testing.T) {
	tsk := task.Task{URL: "https://example.com/path/"}
	assert.Equal(t, "example.com/path", tsk.ToKey())
}
