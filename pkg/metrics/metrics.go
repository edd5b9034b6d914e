// Package metrics exports pack pipeline metrics in Prometheus format.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "packfetch"

var (
	enabled         bool
	enabledMutex    sync.RWMutex
	defaultRegistry *Registry
)

// Init enables metrics and creates the default registry.
func Init() {
	enabledMutex.Lock()
	defer enabledMutex.Unlock()
	enabled = true
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry()
	}
}

// Enabled returns true if metrics are enabled.
func Enabled() bool {
	enabledMutex.RLock()
	defer enabledMutex.RUnlock()
	return enabled
}

// Default returns the default registry, initializing it on first use.
func Default() *Registry {
	enabledMutex.RLock()
	r := defaultRegistry
	enabledMutex.RUnlock()
	if r == nil {
		Init()
		return Default()
	}
	return r
}

// Registry holds all packfetch collectors.
type Registry struct {
	reg *prometheus.Registry

	packsRequested   prometheus.Counter
	downloadsStarted prometheus.Counter
	packsMounted     prometheus.Counter
	bytesMounted     prometheus.Counter
	packFailures     *prometheus.CounterVec
	priorityChanges  prometheus.Counter
	queueLength      prometheus.Gauge
	packProgress     *prometheus.GaugeVec
	verifications    *prometheus.CounterVec
}

// NewRegistry creates a registry with every collector registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		packsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packs_requested_total",
			Help:      "Pack requests pushed to the queue.",
		}),
		downloadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_downloads_started_total",
			Help:      "Pack archive downloads started.",
		}),
		packsMounted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packs_mounted_total",
			Help:      "Packs verified and mounted.",
		}),
		bytesMounted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mounted_bytes_total",
			Help:      "Archive bytes of mounted packs.",
		}),
		packFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pack_failures_total",
			Help:      "Packs that ended in an error state.",
		}, []string{"state", "download_error"}),
		priorityChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "priority_changes_total",
			Help:      "Pack priority changes.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Pack requests currently queued.",
		}),
		packProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pack_download_progress",
			Help:      "Download progress of a pack archive, 0 to 1.",
		}, []string{"pack"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Offline pack verifications by result.",
		}, []string{"result"}),
	}

	r.reg.MustRegister(
		r.packsRequested,
		r.downloadsStarted,
		r.packsMounted,
		r.bytesMounted,
		r.packFailures,
		r.priorityChanges,
		r.queueLength,
		r.packProgress,
		r.verifications,
	)
	return r
}

// PackRequested counts a pushed request.
func (r *Registry) PackRequested() { r.packsRequested.Inc() }

// DownloadStarted counts an archive download.
func (r *Registry) DownloadStarted() { r.downloadsStarted.Inc() }

// PackMounted counts a mounted pack of sizeBytes and clears its progress.
func (r *Registry) PackMounted(pack string, sizeBytes int64) {
	r.packsMounted.Inc()
	if sizeBytes > 0 {
		r.bytesMounted.Add(float64(sizeBytes))
	}
	r.packProgress.DeleteLabelValues(pack)
}

// PackFailed counts a failure by final state and transport code.
func (r *Registry) PackFailed(pack, state, downloadError string) {
	r.packFailures.WithLabelValues(state, downloadError).Inc()
	r.packProgress.DeleteLabelValues(pack)
}

// PriorityChanged counts a priority change.
func (r *Registry) PriorityChanged() { r.priorityChanges.Inc() }

// SetQueueLength records the number of queued requests.
func (r *Registry) SetQueueLength(n int) { r.queueLength.Set(float64(n)) }

// SetProgress records the download progress of pack.
func (r *Registry) SetProgress(pack string, fraction float32) {
	r.packProgress.WithLabelValues(pack).Set(float64(fraction))
}

// RecordVerify counts an offline verification result.
func (r *Registry) RecordVerify(valid bool) {
	result := "valid"
	if !valid {
		result = "invalid"
	}
	r.verifications.WithLabelValues(result).Inc()
}

// Gatherer exposes the underlying registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
