package task

import (
	"context"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/aistore-edge/cachegate/cachecore"
	"github.com/aistore-edge/cachegate/cmn"
	"github.com/aistore-edge/cachegate/fetch"
	"github.com/aistore-edge/cachegate/metrics"
	"github.com/aistore-edge/cachegate/rewrite"
)

// ruleBinding is what a rule_id resolves to: the cache it reads/writes and
// the per-rule payload size ceiling (0 = no ceiling) that gates the
// redirect-on-oversize behavior during resolve.
type ruleBinding struct {
	cache     cachecore.Cache
	sizeLimit uint64
	rewrites  []Rewrite
}

// Manager routes resolved tasks to their bound cache, single-flighting
// background refills and tracking in-flight depth for metrics.
type Manager struct {
	upstream fetch.Upstream
	metrics  metrics.Sink

	mu    sync.RWMutex // guards rules (swapped by RefreshConfig, updated by BindRule)
	rules map[uint32]ruleBinding

	pendingMu    sync.RWMutex
	pending      map[Task]bool
	pendingDepth atomic.Int64 // lock-free mirror of len(pending), read by metrics reporting
}

// NewManager builds a TaskManager with no rules bound; call BindRule for
// each rule before serving requests.
func NewManager(upstream fetch.Upstream, sink metrics.Sink) *Manager {
	return &Manager{
		upstream: upstream,
		metrics:  sink,
		rules:    make(map[uint32]ruleBinding),
		pending:  make(map[Task]bool),
	}
}

// RefreshConfig replaces the whole rule_id -> binding map and closes the
// cache of every rule id the new map drops. The map's value type is
// unexported, so only code inside this package can build one; cmd/cachegate
// installs its rules through BindRule. Refresh is not atomic with respect to
// in-flight requests; callers are expected to quiesce.
func (m *Manager) RefreshConfig(rules map[uint32]ruleBinding) {
	m.mu.Lock()
	old := m.rules
	m.rules = rules
	m.mu.Unlock()

	for id, b := range old {
		if _, kept := rules[id]; kept {
			continue
		}
		if err := b.cache.Close(); err != nil {
			glog.Warningf("refresh_config: closing cache for rule %d: %v", id, err)
		}
	}
}

// BindRule installs or replaces a single rule's binding without touching
// the rest of the map; used by tests and by cmd/cachegate.
func (m *Manager) BindRule(id uint32, cache cachecore.Cache, sizeLimit uint64, rewrites []Rewrite) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[id] = ruleBinding{cache: cache, sizeLimit: sizeLimit, rewrites: rewrites}
}

func (m *Manager) binding(ruleID uint32) (ruleBinding, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.rules[ruleID]
	return b, ok
}

// Resolve serves t from cache on a hit; on a miss it fetches synchronously
// from upstream, spawns a single-flighted background fill to populate the
// cache for next time, and returns the freshly fetched body (rewritten or
// streamed, redirecting instead when it exceeds the rule's size ceiling).
func (m *Manager) Resolve(ctx context.Context, t Task) (Response, Outcome) {
	b, ok := m.binding(t.RuleID)
	if !ok {
		return Response{Kind: KindUpstreamError, Status: 404}, Miss
	}
	key := t.ToKey()

	if data, hit := b.cache.Get(ctx, key); hit {
		m.metrics.CacheHit(b.cache.Name())
		return Response{Kind: KindPayload, Data: data}, Hit
	}
	m.metrics.CacheMiss(b.cache.Name())

	resp, err := m.upstream.Fetch(t.URL, false)
	if err != nil {
		return Response{Kind: KindUpstreamError, Status: 502}, Miss
	}
	if resp.Status < 200 || resp.Status >= 300 {
		resp.Body.Close()
		return Response{Kind: KindUpstreamError, Status: resp.Status}, Miss
	}
	if b.sizeLimit > 0 && resp.ContentLength > 0 && uint64(resp.ContentLength) > b.sizeLimit {
		resp.Body.Close()
		return Response{Kind: KindRedirect, RedirectURL: t.URL}, Miss
	}

	m.spawnFill(t, b)

	if len(b.rewrites) > 0 {
		text, terr := resp.Text()
		if terr != nil {
			return Response{Kind: KindUpstreamError, Status: 502}, Miss
		}
		rules := toRewriteRules(b.rewrites)
		text = rewrite.Apply(text, rules)
		return Response{Kind: KindPayload, Data: cmn.NewTextData(text)}, Miss
	}

	return Response{
		Kind: KindPayload,
		Data: cmn.NewStreamData(resp.Body, resp.ContentLength),
	}, Miss
}

// Purge implements the operator-initiated invalidation path used by
// cmd/cachectl's purge subcommand: it removes a single key from the rule's
// cache outright, ahead of eviction/expiry.
func (m *Manager) Purge(ctx context.Context, t Task) error {
	b, ok := m.binding(t.RuleID)
	if !ok {
		return cmn.ErrNotFound
	}
	return b.cache.Remove(ctx, t.ToKey())
}

func toRewriteRules(rs []Rewrite) []rewrite.Rule {
	out := make([]rewrite.Rule, len(rs))
	for i, r := range rs {
		out[i] = rewrite.Rule{From: r.From, To: r.To}
	}
	return out
}

// spawnFill single-flights background refills: the pending-set
// check-then-insert happens under one write-lock acquisition so concurrent
// Resolve calls for the same task spawn exactly one worker.
func (m *Manager) spawnFill(t Task, b ruleBinding) {
	m.pendingMu.Lock()
	if m.pending[t] {
		m.pendingMu.Unlock()
		return
	}
	m.pending[t] = true
	m.pendingMu.Unlock()
	depth := m.pendingDepth.Inc()

	m.metrics.TaskSpawned()
	m.metrics.PendingTasks(int(depth))

	correlationID := uuid.New().String()
	go m.fill(t, b, correlationID)
}

func (m *Manager) fill(t Task, b ruleBinding, correlationID string) {
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, t)
		m.pendingMu.Unlock()
		depth := m.pendingDepth.Dec()
		m.metrics.PendingTasks(int(depth))
	}()

	resp, err := m.upstream.Fetch(t.URL, false)
	if err != nil {
		glog.Warningf("fill[%s]: upstream fetch %s: %v", correlationID, t.URL, err)
		m.metrics.TaskFailed()
		return
	}
	defer resp.Body.Close()
	if resp.Status < 200 || resp.Status >= 300 {
		glog.Warningf("fill[%s]: upstream %s returned %d", correlationID, t.URL, resp.Status)
		m.metrics.TaskFailed()
		return
	}

	key := t.ToKey()
	ctx := context.Background()

	if len(b.rewrites) > 0 {
		text, terr := resp.Text()
		if terr != nil {
			glog.Warningf("fill[%s]: buffer body %s: %v", correlationID, t.URL, terr)
			m.metrics.TaskFailed()
			return
		}
		text = rewrite.Apply(text, toRewriteRules(b.rewrites))
		b.cache.Put(ctx, key, cmn.NewTextData(text))
	} else {
		b.cache.Put(ctx, key, cmn.NewStreamData(resp.Body, resp.ContentLength))
	}
	m.metrics.TaskSucceeded()
}

// JoinUpstream builds the full upstream URL for a rule whose config
// declares a base upstream plus the client-visible path/target, matching
// however the HTTP front-end split path vs. target routing.
func JoinUpstream(base, suffix string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(suffix, "/")
}
