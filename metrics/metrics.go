// Package metrics defines the observability sink the TaskManager reports
// through, and a Prometheus-backed implementation.
/*
 * Copyright (c) 2020-2026, cachegate authors. All rights reserved.
 */
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sink is the capability interface task.Manager reports through. A nil
// Sink is never passed around; callers that don't want metrics wire in a
// Nop.
type Sink interface {
	CacheHit(policy string)
	CacheMiss(policy string)
	RequestTotal(status string)
	TaskSpawned()
	TaskSucceeded()
	TaskFailed()
	PendingTasks(n int)
	CacheSize(policy string, bytes uint64)
	FilesRemoved(policy string, n int)
}

// Prometheus is the default Sink, registered against a caller-supplied
// registry so cmd/cachegate can expose it on its own metrics listener.
type Prometheus struct {
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	requestsTotal *prometheus.CounterVec
	tasksSpawned  prometheus.Counter
	tasksOK       prometheus.Counter
	tasksFailed   prometheus.Counter
	pendingTasks  prometheus.Gauge
	cacheSize     *prometheus.GaugeVec
	filesRemoved  *prometheus.CounterVec
}

var _ Sink = (*Prometheus)(nil)

func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachegate", Name: "cache_hits_total", Help: "Cache hits by policy.",
		}, []string{"policy"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachegate", Name: "cache_misses_total", Help: "Cache misses by policy.",
		}, []string{"policy"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachegate", Name: "requests_total", Help: "Requests served by outcome.",
		}, []string{"status"}),
		tasksSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachegate", Name: "background_tasks_spawned_total", Help: "Background refill tasks spawned.",
		}),
		tasksOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachegate", Name: "background_tasks_succeeded_total", Help: "Background refill tasks that completed successfully.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cachegate", Name: "background_tasks_failed_total", Help: "Background refill tasks that failed.",
		}),
		pendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cachegate", Name: "pending_tasks", Help: "Size of the in-flight single-flight task set.",
		}),
		cacheSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cachegate", Name: "cache_size_bytes", Help: "Current cache size by policy.",
		}, []string{"policy"}),
		filesRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cachegate", Name: "files_removed_total", Help: "Blobs removed by eviction/expiry/purge, by policy.",
		}, []string{"policy"}),
	}
	reg.MustRegister(p.cacheHits, p.cacheMisses, p.requestsTotal, p.tasksSpawned,
		p.tasksOK, p.tasksFailed, p.pendingTasks, p.cacheSize, p.filesRemoved)
	return p
}

func (p *Prometheus) CacheHit(policy string)  { p.cacheHits.WithLabelValues(policy).Inc() }
func (p *Prometheus) CacheMiss(policy string) { p.cacheMisses.WithLabelValues(policy).Inc() }
func (p *Prometheus) RequestTotal(status string) {
	p.requestsTotal.WithLabelValues(status).Inc()
}
func (p *Prometheus) TaskSpawned()   { p.tasksSpawned.Inc() }
func (p *Prometheus) TaskSucceeded() { p.tasksOK.Inc() }
func (p *Prometheus) TaskFailed()    { p.tasksFailed.Inc() }
func (p *Prometheus) PendingTasks(n int) { p.pendingTasks.Set(float64(n)) }
func (p *Prometheus) CacheSize(policy string, bytes uint64) {
	p.cacheSize.WithLabelValues(policy).Set(float64(bytes))
}
func (p *Prometheus) FilesRemoved(policy string, n int) {
	p.filesRemoved.WithLabelValues(policy).Add(float64(n))
}

// Nop discards everything; useful for tests.
type Nop struct{}

var _ Sink = Nop{}

func (Nop) CacheHit(string)          {}
func (Nop) CacheMiss(string)         {}
func (Nop) RequestTotal(string)      {}
func (Nop) TaskSpawned()             {}
func (Nop) TaskSucceeded()           {}
func (Nop) TaskFailed()              {}
func (Nop) PendingTasks(int)         {}
func (Nop) CacheSize(string, uint64) {}
func (Nop) FilesRemoved(string, int) {}
